package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receiptguard/receiptguard/internal/links"
	"github.com/receiptguard/receiptguard/internal/store"
	"github.com/receiptguard/receiptguard/pkg/logging"
)

type fakeLinkRepo struct {
	links      map[string]*store.UploadLink
	consumeErr error
}

func (r *fakeLinkRepo) FindActive(ctx context.Context, transactionID, companyID, tenantID string) (*store.UploadLink, error) {
	return nil, store.ErrNotFound
}

func (r *fakeLinkRepo) FindExpiredUnused(ctx context.Context, transactionID, companyID, tenantID string) (*store.UploadLink, error) {
	return nil, store.ErrNotFound
}

func (r *fakeLinkRepo) Get(ctx context.Context, linkID string) (*store.UploadLink, error) {
	l, ok := r.links[linkID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *fakeLinkRepo) Insert(ctx context.Context, l *store.UploadLink) error {
	cp := *l
	r.links[l.ID] = &cp
	return nil
}

func (r *fakeLinkRepo) Extend(ctx context.Context, linkID string, expiresAt time.Time) error {
	return nil
}

func (r *fakeLinkRepo) Consume(ctx context.Context, linkID, fileURL, fileName string, fileSize int64) error {
	if r.consumeErr != nil {
		return r.consumeErr
	}
	l, ok := r.links[linkID]
	if !ok || l.Used {
		return store.ErrNotFound
	}
	l.Used = true
	return nil
}

func (r *fakeLinkRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeFileStore struct {
	saved map[string][]byte
	err   error
}

func (f *fakeFileStore) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.saved[name] = data
	return "https://files.example.com/" + name, nil
}

func (f *fakeFileStore) Remove(ctx context.Context, name string) error {
	delete(f.saved, name)
	return nil
}

func testMetrics() *Metrics {
	return &Metrics{
		DetectionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_runs"}, []string{"company_id", "status"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_notifs"}, []string{"channel", "status"}),
		Uploads:       prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_uploads"}, []string{"company_id", "status"}),
	}
}

func setupUploadTest(t *testing.T) (*fakeLinkRepo, *fakeFileStore, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := &fakeLinkRepo{links: make(map[string]*store.UploadLink)}
	fs := &fakeFileStore{saved: make(map[string][]byte)}

	Init(Deps{
		Logger:      logging.NewLogger(),
		Metrics:     testMetrics(),
		LinkManager: links.NewManager(repo, "https://app.example.com", logging.NewLogger()),
		FileStore:   fs,
	})

	router := gin.New()
	router.GET("/upload-receipt/:linkId", GetUploadLink)
	router.POST("/upload-receipt/:linkId", UploadReceipt)
	return repo, fs, router
}

func activeLink() *store.UploadLink {
	return &store.UploadLink{
		ID:              "link-1",
		SecurityToken:   "tok-1",
		TransactionID:   "txn-1",
		CompanyID:       "co-1",
		TenantID:        "ten-1",
		TransactionType: "Invoices",
		ExpiresAt:       time.Now().Add(time.Hour),
	}
}

// jpegPayload carries the JPEG magic bytes so content sniffing passes.
func jpegPayload(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return data
}

func multipartBody(t *testing.T, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestGetUploadLink_ReturnsMetadata(t *testing.T) {
	repo, _, router := setupUploadTest(t)
	repo.links["link-1"] = activeLink()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/upload-receipt/link-1?token=tok-1", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "txn-1", resp["transactionId"])
	assert.Equal(t, "Invoices", resp["transactionType"])
	// The token never comes back in the body.
	assert.NotContains(t, w.Body.String(), "tok-1")
}

func TestGetUploadLink_RequiresToken(t *testing.T) {
	repo, _, router := setupUploadTest(t)
	repo.links["link-1"] = activeLink()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/upload-receipt/link-1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetUploadLink_WrongToken(t *testing.T) {
	repo, _, router := setupUploadTest(t)
	repo.links["link-1"] = activeLink()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/upload-receipt/link-1?token=wrong", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadReceipt_HappyPath(t *testing.T) {
	repo, fs, router := setupUploadTest(t)
	repo.links["link-1"] = activeLink()

	body, contentType := multipartBody(t, "receipt.jpg", jpegPayload(2048))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload-receipt/link-1?token=tok-1", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, repo.links["link-1"].Used)
	assert.Contains(t, fs.saved, "link-1.jpg")
	assert.Len(t, fs.saved["link-1.jpg"], 2048)
}

func TestUploadReceipt_LostConsumeRaceRemovesFile(t *testing.T) {
	// The link validates as unused, but another upload consumes it before
	// this one does. The loser gets 410 and its stored file is cleaned up.
	repo, fs, router := setupUploadTest(t)
	repo.links["link-1"] = activeLink()
	repo.consumeErr = store.ErrNotFound

	body, contentType := multipartBody(t, "receipt.jpg", jpegPayload(1024))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload-receipt/link-1?token=tok-1", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGone, w.Code)
	assert.NotContains(t, fs.saved, "link-1.jpg")
}

func TestUploadReceipt_SecondUploadRejected(t *testing.T) {
	repo, _, router := setupUploadTest(t)
	repo.links["link-1"] = activeLink()

	body, contentType := multipartBody(t, "receipt.jpg", jpegPayload(512))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload-receipt/link-1?token=tok-1", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body, contentType = multipartBody(t, "receipt.jpg", jpegPayload(512))
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/upload-receipt/link-1?token=tok-1", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGone, w.Code)
}

func TestUploadReceipt_SniffsContentType(t *testing.T) {
	repo, fs, router := setupUploadTest(t)
	repo.links["link-1"] = activeLink()

	// Claims .jpg but is plain text; sniffing must reject it.
	body, contentType := multipartBody(t, "receipt.jpg", []byte("just some text pretending to be an image"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload-receipt/link-1?token=tok-1", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Empty(t, fs.saved)
	assert.False(t, repo.links["link-1"].Used)
}

func TestUploadReceipt_AcceptsPDF(t *testing.T) {
	repo, _, router := setupUploadTest(t)
	repo.links["link-1"] = activeLink()

	pdf := append([]byte("%PDF-1.4\n"), make([]byte, 256)...)
	body, contentType := multipartBody(t, "receipt.pdf", pdf)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload-receipt/link-1?token=tok-1", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestUploadReceipt_SizeLimit(t *testing.T) {
	repo, _, router := setupUploadTest(t)
	repo.links["link-1"] = activeLink()

	body, contentType := multipartBody(t, "receipt.jpg", jpegPayload(maxUploadBytes+1))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload-receipt/link-1?token=tok-1", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.False(t, repo.links["link-1"].Used)
}

func TestUploadReceipt_MissingFileField(t *testing.T) {
	repo, _, router := setupUploadTest(t)
	repo.links["link-1"] = activeLink()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload-receipt/link-1?token=tok-1", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadReceipt_ExpiredLink(t *testing.T) {
	repo, _, router := setupUploadTest(t)
	expired := activeLink()
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	repo.links["link-1"] = expired

	body, contentType := multipartBody(t, "receipt.jpg", jpegPayload(512))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload-receipt/link-1?token=tok-1", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGone, w.Code)
}

package links

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receiptguard/receiptguard/internal/store"
	"github.com/receiptguard/receiptguard/pkg/logging"
)

type fakeRepo struct {
	links   map[string]*store.UploadLink
	inserts int
	extends int
	swept   int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{links: make(map[string]*store.UploadLink)}
}

func (r *fakeRepo) find(transactionID, companyID, tenantID string, active bool, now time.Time) (*store.UploadLink, error) {
	for _, l := range r.links {
		if l.TransactionID != transactionID || l.CompanyID != companyID || l.TenantID != tenantID || l.Used {
			continue
		}
		if l.ExpiresAt.After(now) == active {
			cp := *l
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *fakeRepo) FindActive(ctx context.Context, transactionID, companyID, tenantID string) (*store.UploadLink, error) {
	return r.find(transactionID, companyID, tenantID, true, time.Now())
}

func (r *fakeRepo) FindExpiredUnused(ctx context.Context, transactionID, companyID, tenantID string) (*store.UploadLink, error) {
	return r.find(transactionID, companyID, tenantID, false, time.Now())
}

func (r *fakeRepo) Get(ctx context.Context, linkID string) (*store.UploadLink, error) {
	l, ok := r.links[linkID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *fakeRepo) Insert(ctx context.Context, l *store.UploadLink) error {
	cp := *l
	r.links[l.ID] = &cp
	r.inserts++
	return nil
}

func (r *fakeRepo) Extend(ctx context.Context, linkID string, expiresAt time.Time) error {
	l, ok := r.links[linkID]
	if !ok || l.Used {
		return store.ErrNotFound
	}
	l.ExpiresAt = expiresAt
	r.extends++
	return nil
}

func (r *fakeRepo) Consume(ctx context.Context, linkID, fileURL, fileName string, fileSize int64) error {
	l, ok := r.links[linkID]
	if !ok || l.Used {
		return store.ErrNotFound
	}
	l.Used = true
	l.Resolved = true
	return nil
}

func (r *fakeRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, l := range r.links {
		if l.ExpiresAt.Before(cutoff) {
			delete(r.links, id)
			n++
		}
	}
	r.swept = n
	return n, nil
}

func testManager(repo Repo) *Manager {
	return NewManager(repo, "https://app.example.com", logging.NewLogger())
}

func TestFindOrCreate_NewLink(t *testing.T) {
	repo := newFakeRepo()
	m := testManager(repo)

	link, err := m.FindOrCreate(context.Background(), "txn-1", "co-1", "ten-1", "Invoices", 7)
	require.NoError(t, err)

	assert.NotEmpty(t, link.ID)
	assert.NotEmpty(t, link.SecurityToken)
	assert.Equal(t, "txn-1", link.TransactionID)
	assert.Equal(t, 1, repo.inserts)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), link.ExpiresAt, time.Minute)
}

func TestFindOrCreate_ReusesActiveLink(t *testing.T) {
	repo := newFakeRepo()
	m := testManager(repo)

	first, err := m.FindOrCreate(context.Background(), "txn-1", "co-1", "ten-1", "Invoices", 7)
	require.NoError(t, err)

	second, err := m.FindOrCreate(context.Background(), "txn-1", "co-1", "ten-1", "Invoices", 7)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.SecurityToken, second.SecurityToken)
	assert.Equal(t, 1, repo.inserts)
}

func TestFindOrCreate_DifferentTenantGetsOwnLink(t *testing.T) {
	repo := newFakeRepo()
	m := testManager(repo)

	a, err := m.FindOrCreate(context.Background(), "txn-1", "co-1", "ten-1", "Invoices", 7)
	require.NoError(t, err)
	b, err := m.FindOrCreate(context.Background(), "txn-1", "co-1", "ten-2", "Invoices", 7)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, repo.inserts)
}

func TestFindOrCreate_ExtendsExpiredUnusedPreservingIdentity(t *testing.T) {
	repo := newFakeRepo()
	m := testManager(repo)

	expired := &store.UploadLink{
		ID:            "link-1",
		SecurityToken: "tok-1",
		TransactionID: "txn-1",
		CompanyID:     "co-1",
		TenantID:      "ten-1",
		ExpiresAt:     time.Now().Add(-time.Hour),
	}
	require.NoError(t, repo.Insert(context.Background(), expired))
	repo.inserts = 0

	link, err := m.FindOrCreate(context.Background(), "txn-1", "co-1", "ten-1", "Invoices", 7)
	require.NoError(t, err)

	assert.Equal(t, "link-1", link.ID)
	assert.Equal(t, "tok-1", link.SecurityToken)
	assert.True(t, link.ExpiresAt.After(time.Now()))
	assert.Equal(t, 0, repo.inserts)
	assert.Equal(t, 1, repo.extends)
}

func TestFindOrCreate_UsedLinkNotReused(t *testing.T) {
	repo := newFakeRepo()
	m := testManager(repo)

	used := &store.UploadLink{
		ID:            "link-1",
		SecurityToken: "tok-1",
		TransactionID: "txn-1",
		CompanyID:     "co-1",
		TenantID:      "ten-1",
		ExpiresAt:     time.Now().Add(time.Hour),
		Used:          true,
	}
	require.NoError(t, repo.Insert(context.Background(), used))
	repo.inserts = 0

	link, err := m.FindOrCreate(context.Background(), "txn-1", "co-1", "ten-1", "Invoices", 7)
	require.NoError(t, err)
	assert.NotEqual(t, "link-1", link.ID)
	assert.Equal(t, 1, repo.inserts)
}

func TestPublicURL(t *testing.T) {
	m := testManager(newFakeRepo())
	l := &store.UploadLink{ID: "abc", SecurityToken: "tok"}

	assert.Equal(t, "https://app.example.com/upload-receipt/abc?token=tok", m.PublicURL(l))
}

func TestValidate_Matrix(t *testing.T) {
	repo := newFakeRepo()
	m := testManager(repo)

	link, err := m.FindOrCreate(context.Background(), "txn-1", "co-1", "ten-1", "Invoices", 7)
	require.NoError(t, err)

	_, err = m.Validate(context.Background(), link.ID, link.SecurityToken)
	assert.NoError(t, err)

	_, err = m.Validate(context.Background(), "unknown", link.SecurityToken)
	assert.ErrorIs(t, err, ErrLinkInvalid)

	_, err = m.Validate(context.Background(), link.ID, "wrong-token")
	assert.ErrorIs(t, err, ErrLinkInvalid)

	_, err = m.Validate(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrLinkInvalid)

	repo.links[link.ID].ExpiresAt = time.Now().Add(-time.Minute)
	_, err = m.Validate(context.Background(), link.ID, link.SecurityToken)
	assert.ErrorIs(t, err, ErrLinkExpired)

	repo.links[link.ID].ExpiresAt = time.Now().Add(time.Hour)
	repo.links[link.ID].Used = true
	_, err = m.Validate(context.Background(), link.ID, link.SecurityToken)
	assert.ErrorIs(t, err, ErrLinkUsed)
}

func TestConsume_OneWay(t *testing.T) {
	repo := newFakeRepo()
	m := testManager(repo)

	link, err := m.FindOrCreate(context.Background(), "txn-1", "co-1", "ten-1", "Invoices", 7)
	require.NoError(t, err)

	consumed, err := m.Consume(context.Background(), link.ID, link.SecurityToken, "https://files/x.pdf", "x.pdf", 1234)
	require.NoError(t, err)
	assert.True(t, consumed.Used)
	assert.True(t, consumed.Resolved)

	// Second consume must fail; the transition is one-way.
	_, err = m.Consume(context.Background(), link.ID, link.SecurityToken, "https://files/y.pdf", "y.pdf", 99)
	assert.ErrorIs(t, err, ErrLinkUsed)
}

func TestSweep(t *testing.T) {
	repo := newFakeRepo()
	m := testManager(repo)

	old := &store.UploadLink{ID: "old", TransactionID: "t1", CompanyID: "c", TenantID: "t", ExpiresAt: time.Now().Add(-40 * 24 * time.Hour)}
	fresh := &store.UploadLink{ID: "fresh", TransactionID: "t2", CompanyID: "c", TenantID: "t", ExpiresAt: time.Now().Add(-time.Hour)}
	require.NoError(t, repo.Insert(context.Background(), old))
	require.NoError(t, repo.Insert(context.Background(), fresh))

	n, err := m.Sweep(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = repo.Get(context.Background(), "fresh")
	assert.NoError(t, err)
}

func TestSecurityTokensAreUnique(t *testing.T) {
	m := testManager(newFakeRepo())

	a, err := m.FindOrCreate(context.Background(), "txn-1", "co-1", "ten-1", "Invoices", 7)
	require.NoError(t, err)
	b, err := m.FindOrCreate(context.Background(), "txn-2", "co-1", "ten-1", "Invoices", 7)
	require.NoError(t, err)

	assert.NotEqual(t, a.SecurityToken, b.SecurityToken)
	assert.GreaterOrEqual(t, len(a.SecurityToken), 40)
}

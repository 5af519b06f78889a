package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/receiptguard/receiptguard/internal/links"
	"github.com/receiptguard/receiptguard/pkg/logging"
	"github.com/receiptguard/receiptguard/pkg/middleware"
)

// maxUploadBytes caps accepted receipt files at 10MB.
const maxUploadBytes = 10 << 20

// allowedMIMETypes maps sniffed content types to stored file extensions.
var allowedMIMETypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
}

// FileStore persists accepted receipt files. The local implementation is
// the default; object storage slots in behind the same interface.
type FileStore interface {
	Save(ctx context.Context, name string, r io.Reader) (url string, err error)
	Remove(ctx context.Context, name string) error
}

// LocalFileStore writes receipts under a base directory.
type LocalFileStore struct {
	baseDir string
	baseURL string
}

// NewLocalFileStore creates a directory-backed file store.
func NewLocalFileStore(baseDir, baseURL string) (*LocalFileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating upload directory %s: %w", baseDir, err)
	}
	return &LocalFileStore{baseDir: baseDir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Save writes the file and returns its serving URL.
func (s *LocalFileStore) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	path := filepath.Join(s.baseDir, filepath.Base(name))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("writing upload file: %w", err)
	}

	return s.baseURL + "/" + filepath.Base(name), nil
}

// Remove deletes a stored file. Missing files are not an error.
func (s *LocalFileStore) Remove(ctx context.Context, name string) error {
	err := os.Remove(filepath.Join(s.baseDir, filepath.Base(name)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing upload file: %w", err)
	}
	return nil
}

// Public Upload Endpoints

// GetUploadLink returns the metadata the upload page needs. The security
// token must already be presented here so an enumerated id alone reveals
// nothing.
func GetUploadLink(c middleware.Context) {
	link, err := linkManager.Validate(c.Request.Context(), c.Param("linkId"), c.Query("token"))
	if err != nil {
		respondLinkError(c, err)
		return
	}

	c.JSON(http.StatusOK, middleware.H{
		"id":              link.ID,
		"transactionId":   link.TransactionID,
		"transactionType": link.TransactionType,
		"expiresAt":       link.ExpiresAt,
	})
}

// UploadReceipt accepts one receipt file against a valid link and consumes
// the link. Content type is sniffed from the payload, never trusted from
// the request headers.
func UploadReceipt(c middleware.Context) {
	linkID := c.Param("linkId")
	token := c.Query("token")

	link, err := linkManager.Validate(c.Request.Context(), linkID, token)
	if err != nil {
		respondLinkError(c, err)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "Missing file field"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, middleware.H{"error": "File exceeds 10MB limit"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "Unreadable file"})
		return
	}
	defer f.Close()

	// Sniff the real content type from the first 512 bytes.
	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "Unreadable file"})
		return
	}
	contentType := http.DetectContentType(head[:n])
	ext, ok := allowedMIMETypes[contentType]
	if !ok {
		c.JSON(http.StatusUnsupportedMediaType, middleware.H{"error": "Only JPEG, PNG and PDF files are accepted"})
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Failed to store file"})
		return
	}

	storedName := link.ID + ext
	fileURL, err := fileStore.Save(c.Request.Context(), storedName, io.LimitReader(f, maxUploadBytes))
	if err != nil {
		logger.WithFields(logging.Fields{
			"link_id": link.ID,
			"error":   err.Error(),
		}).Error("Failed to store uploaded receipt")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Failed to store file"})
		return
	}

	consumed, err := linkManager.Consume(c.Request.Context(), linkID, token, fileURL, fileHeader.Filename, fileHeader.Size)
	if err != nil {
		// A concurrent upload won the link; don't leave this attempt's
		// file orphaned on disk.
		if removeErr := fileStore.Remove(c.Request.Context(), storedName); removeErr != nil {
			logger.WithFields(logging.Fields{
				"link_id": link.ID,
				"error":   removeErr.Error(),
			}).Warn("Failed to remove unconsumed upload")
		}
		respondLinkError(c, err)
		return
	}

	if metrics != nil {
		metrics.Uploads.WithLabelValues(consumed.CompanyID, "accepted").Inc()
	}
	logger.WithFields(logging.Fields{
		"link_id":        consumed.ID,
		"company_id":     consumed.CompanyID,
		"transaction_id": consumed.TransactionID,
		"content_type":   contentType,
		"size":           fileHeader.Size,
	}).Info("Receipt uploaded")

	c.JSON(http.StatusOK, middleware.H{
		"status":        "uploaded",
		"transactionId": consumed.TransactionID,
		"fileName":      fileHeader.Filename,
	})
}

func respondLinkError(c middleware.Context, err error) {
	switch {
	case errors.Is(err, links.ErrLinkInvalid):
		c.JSON(http.StatusNotFound, middleware.H{"error": "Invalid upload link"})
	case errors.Is(err, links.ErrLinkUsed):
		c.JSON(http.StatusGone, middleware.H{"error": "Upload link already used"})
	case errors.Is(err, links.ErrLinkExpired):
		c.JSON(http.StatusGone, middleware.H{"error": "Upload link expired"})
	default:
		logger.WithError(err).Error("Upload link lookup failed")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Failed to validate link"})
	}
}

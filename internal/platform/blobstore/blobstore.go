// Package blobstore stores archived charge-batch documents. It defines the
// BlobStore interface, an in-memory implementation for tests and
// development, a MinIO/S3 implementation, and read-only Echo handlers for
// retrieving archived documents.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/chargecapture/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingKey      = errors.New("blob key is required")
	ErrInvalidCategory = errors.New("category is not allowed")
)

// MaxFileSize is the maximum allowed blob size in bytes (10 MB).
const MaxFileSize = 10 * 1024 * 1024

// Categories of archived documents.
const (
	CategoryChargeBatch = "charge-batch"
	CategoryClaim       = "fhir-claim"
)

var allowedCategories = map[string]bool{
	CategoryChargeBatch: true,
	CategoryClaim:       true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob. Key is chosen by the caller and is
// prefixed with the patient ID on upload.
type BlobMetadata struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	PatientID   string            `json:"patient_id,omitempty"`
	Category    string            `json:"category"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	CreatedBy   string            `json:"created_by,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// BlobStore defines the contract for archive backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	GetMetadata(ctx context.Context, key string) (*BlobMetadata, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*BlobMetadata, int, error)
}

// readValidated checks meta and reads content into memory, filling size
// and hash.
func readValidated(meta *BlobMetadata, content io.Reader) ([]byte, error) {
	if meta.Key == "" {
		return nil, ErrMissingKey
	}
	if !allowedCategories[meta.Category] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, meta.Category)
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	h := sha256.Sum256(data)
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

// Upload stores content under "<patient>/<key>", replacing any previous
// blob. The returned metadata carries the full key.
func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := readValidated(&meta, content)
	if err != nil {
		return nil, err
	}
	meta.Key = objectName(meta.PatientID, meta.Key)
	meta.CreatedAt = time.Now().UTC()
	if meta.Tags == nil {
		meta.Tags = make(map[string]string)
	}

	s.mu.Lock()
	s.blobs[meta.Key] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Download returns an io.ReadCloser over the blob content and its metadata.
func (s *InMemoryBlobStore) Download(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// GetMetadata returns blob metadata without content.
func (s *InMemoryBlobStore) GetMetadata(_ context.Context, key string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return &meta, nil
}

// ListByPatient returns a page of a patient's blobs ordered by key, and the
// total count.
func (s *InMemoryBlobStore) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*BlobMetadata, int, error) {
	s.mu.RLock()
	var matched []*BlobMetadata
	for _, b := range s.blobs {
		if b.metadata.PatientID != patientID {
			continue
		}
		m := b.metadata
		matched = append(matched, &m)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })
	return page(matched, limit, offset), len(matched), nil
}

func objectName(patientID, key string) string {
	if patientID == "" {
		return key
	}
	return patientID + "/" + key
}

func page(items []*BlobMetadata, limit, offset int) []*BlobMetadata {
	if limit <= 0 {
		limit = 20
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

type listResponse struct {
	Items []*BlobMetadata `json:"items"`
	Total int             `json:"total"`
}

// BlobHandler serves archived documents read-only.
type BlobHandler struct {
	store BlobStore
}

// NewBlobHandler creates a new BlobHandler.
func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts archive routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/archive", h.handleListByPatient)
	g.GET("/archive/*", h.handleDownload)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	key := c.Param("*")
	if c.QueryParam("metadata") == "true" {
		meta, err := h.store.GetMetadata(c.Request().Context(), key)
		if err != nil {
			return blobError(err)
		}
		return c.JSON(http.StatusOK, meta)
	}

	rc, meta, err := h.store.Download(c.Request().Context(), key)
	if err != nil {
		return blobError(err)
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleListByPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.store.ListByPatient(c.Request().Context(), c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	pagination.SetLinkHeader(c, pg, total)
	if items == nil {
		items = []*BlobMetadata{}
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: total})
}

func blobError(err error) error {
	if errors.Is(err, ErrBlobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Package objectstore persists raw document bytes.
package objectstore

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore stores and retrieves raw uploads keyed by tenant and document.
type ObjectStore interface {
	// Put stores the object and returns its storage path.
	Put(ctx context.Context, tenantID, documentID uuid.UUID, filename string, body io.Reader, size int64, contentType string) (string, error)

	// Get opens the object for reading. Callers must close the reader.
	Get(ctx context.Context, storagePath string) (io.ReadCloser, error)

	// Delete removes a single object.
	Delete(ctx context.Context, storagePath string) error

	// DeleteByDocument removes all objects under a document's prefix.
	DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error

	// DeleteByTenant removes all objects under a tenant's prefix.
	DeleteByTenant(ctx context.Context, tenantID uuid.UUID) error
}

// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentBytes caps the content payload stored alongside a vector. Longer
// chunk text is truncated at write time; retrieval re-reads full text from
// the chunk rows when it notices the truncation marker.
const MaxContentBytes = 65530

// TruncateContent clips s to at most MaxContentBytes without splitting a
// UTF-8 code point, reporting whether anything was cut.
func TruncateContent(s string) (string, bool) {
	if len(s) <= MaxContentBytes {
		return s, false
	}
	cut := MaxContentBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

// SparseVector represents a sparse vector with indices and values
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// Point is one indexed chunk: dense vector, optional sparse vector, payload.
type Point struct {
	ChunkID      string // "<document_id>:<index>"
	DocumentID   uuid.UUID
	TenantID     uuid.UUID
	Content      string
	Vector       []float32
	SparseVector *SparseVector
	Metadata     map[string]string
}

// SearchResult represents a search result from the vector store
type SearchResult struct {
	ChunkID    string
	DocumentID string
	Content    string
	Truncated  bool
	Score      float32
	Metadata   map[string]string
}

// SearchParams scope and bound one similarity query.
type SearchParams struct {
	Vector       []float32
	SparseVector *SparseVector
	TopK         int
	MinScore     float32
	// DocumentIDs optionally restricts search to specific documents.
	DocumentIDs []uuid.UUID
	// Hashtags optionally restricts search to points carrying all given tags.
	Hashtags []string
}

// VectorStore defines the interface for vector storage operations. Every
// operation is scoped to one tenant's collection.
type VectorStore interface {
	// EnsureCollection creates the tenant's hybrid collection if absent.
	EnsureCollection(ctx context.Context, tenantID uuid.UUID, dimension int) error

	// DeleteCollection deletes a tenant's collection
	DeleteCollection(ctx context.Context, tenantID uuid.UUID) error

	// CollectionExists checks if a collection exists
	CollectionExists(ctx context.Context, tenantID uuid.UUID) (bool, error)

	// Upsert inserts or updates points in the tenant's collection
	Upsert(ctx context.Context, tenantID uuid.UUID, points []Point) error

	// Search performs dense similarity search
	Search(ctx context.Context, tenantID uuid.UUID, params SearchParams) ([]SearchResult, error)

	// SparseSearch performs keyword similarity search on the sparse vectors
	SparseSearch(ctx context.Context, tenantID uuid.UUID, params SearchParams) ([]SearchResult, error)

	// HybridSearch performs hybrid dense+sparse search with server-side fusion
	HybridSearch(ctx context.Context, tenantID uuid.UUID, params SearchParams) ([]SearchResult, error)

	// GetChunks retrieves points by chunk ID, payload included, vectors omitted
	GetChunks(ctx context.Context, tenantID uuid.UUID, chunkIDs []string) ([]SearchResult, error)

	// ExportPoints streams every point in the tenant's collection, vectors
	// included, calling fn for each. Iteration stops on the first fn error.
	ExportPoints(ctx context.Context, tenantID uuid.UUID, fn func(Point) error) error

	// DeleteByDocument removes all points belonging to a document
	DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error

	// DeleteByIDs removes specific points by chunk ID
	DeleteByIDs(ctx context.Context, tenantID uuid.UUID, chunkIDs []string) error
}

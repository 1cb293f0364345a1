package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/amberhq/amber/internal/repository"
)

// DocumentRepository implements repository.DocumentRepository using PostgreSQL
type DocumentRepository struct {
	db *DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a new document
func (r *DocumentRepository) Create(ctx context.Context, doc *repository.Document) error {
	query := `
		INSERT INTO documents (id, tenant_id, filename, content_hash, storage_path, status,
			domain, summary, document_type, keywords, hashtags, error_message, chunk_count, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`

	err := r.db.Pool.QueryRow(ctx, query,
		doc.ID, doc.TenantID, doc.Filename, doc.ContentHash, doc.StoragePath, doc.Status,
		doc.Domain, doc.Summary, doc.DocumentType, doc.Keywords, doc.Hashtags,
		doc.ErrorMessage, doc.ChunkCount, doc.Metadata,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by ID
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	query := `
		SELECT id, tenant_id, filename, content_hash, storage_path, status,
			domain, summary, document_type, keywords, hashtags, error_message,
			chunk_count, metadata, created_at, updated_at
		FROM documents WHERE id = $1`

	doc, err := scanDocument(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// GetByHash retrieves a document by its content hash within a tenant.
// Registration uses this for idempotency: the same bytes uploaded twice
// resolve to the same document.
func (r *DocumentRepository) GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*repository.Document, error) {
	query := `
		SELECT id, tenant_id, filename, content_hash, storage_path, status,
			domain, summary, document_type, keywords, hashtags, error_message,
			chunk_count, metadata, created_at, updated_at
		FROM documents WHERE tenant_id = $1 AND content_hash = $2`

	doc, err := scanDocument(r.db.Pool.QueryRow(ctx, query, tenantID, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document by hash: %w", err)
	}
	return doc, nil
}

// List retrieves documents for a tenant, optionally filtered by status
func (r *DocumentRepository) List(ctx context.Context, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM documents WHERE tenant_id = $1 AND ($2 = '' OR status = $2)`
	if err := r.db.Pool.QueryRow(ctx, countQuery, tenantID, string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	query := `
		SELECT id, tenant_id, filename, content_hash, storage_path, status,
			domain, summary, document_type, keywords, hashtags, error_message,
			chunk_count, metadata, created_at, updated_at
		FROM documents
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Pool.Query(ctx, query, tenantID, string(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

// Update persists mutable document fields
func (r *DocumentRepository) Update(ctx context.Context, doc *repository.Document) error {
	query := `
		UPDATE documents
		SET filename = $2, storage_path = $3, status = $4, domain = $5, summary = $6,
			document_type = $7, keywords = $8, hashtags = $9, error_message = $10,
			chunk_count = $11, metadata = $12, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Pool.Exec(ctx, query,
		doc.ID, doc.Filename, doc.StoragePath, doc.Status, doc.Domain, doc.Summary,
		doc.DocumentType, doc.Keywords, doc.Hashtags, doc.ErrorMessage, doc.ChunkCount, doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes a document row. Chunks cascade via FK.
func (r *DocumentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateStatusIf performs an atomic compare-and-swap on the status column.
// The WHERE clause carries the expected state, so of N concurrent callers
// exactly one observes RowsAffected == 1.
func (r *DocumentRepository) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to repository.DocumentStatus) (bool, error) {
	if !repository.CanTransition(from, to) {
		return false, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}

	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE documents SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to update document status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetFailed marks a document FAILED with an error message, from any
// non-terminal state.
func (r *DocumentRepository) SetFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE documents SET status = $2, error_message = $3, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ($4, $2)`,
		id, repository.StatusFailed, errorMsg, repository.StatusReady)
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// rowScanner abstracts pgx.Row and pgx.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*repository.Document, error) {
	var doc repository.Document
	err := row.Scan(
		&doc.ID, &doc.TenantID, &doc.Filename, &doc.ContentHash, &doc.StoragePath, &doc.Status,
		&doc.Domain, &doc.Summary, &doc.DocumentType, &doc.Keywords, &doc.Hashtags,
		&doc.ErrorMessage, &doc.ChunkCount, &doc.Metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Ensure interface is satisfied
var _ repository.DocumentRepository = (*DocumentRepository)(nil)

package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/amberhq/amber/internal/repository"
)

// ChunkRepository implements repository.ChunkRepository using PostgreSQL.
// Chunk text lives here as well as in the vector store; retrieval falls back
// to these rows when a vector point comes back without its payload.
type ChunkRepository struct {
	db *DB
}

// NewChunkRepository creates a new chunk repository
func NewChunkRepository(db *DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// CreateBatch inserts chunks in a single batch round trip
func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks []*repository.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO chunks (id, tenant_id, document_id, chunk_index, content, tokens, metadata, embedding_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			tokens = EXCLUDED.tokens,
			metadata = EXCLUDED.metadata,
			embedding_status = EXCLUDED.embedding_status`

	for _, c := range chunks {
		batch.Queue(query, c.ID, c.TenantID, c.DocumentID, c.Index, c.Content, c.Tokens, c.Metadata, c.EmbeddingStatus)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	return nil
}

// GetByDocument retrieves chunks for a document ordered by index
func (r *ChunkRepository) GetByDocument(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*repository.Chunk, error) {
	query := `
		SELECT id, tenant_id, document_id, chunk_index, content, tokens, metadata, embedding_status, created_at
		FROM chunks
		WHERE document_id = $1
		ORDER BY chunk_index
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool.Query(ctx, query, documentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetByIDs retrieves chunks by their composite IDs. Missing IDs are simply
// absent from the result, not errors.
func (r *ChunkRepository) GetByIDs(ctx context.Context, ids []string) ([]*repository.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, tenant_id, document_id, chunk_index, content, tokens, metadata, embedding_status, created_at
		FROM chunks
		WHERE id = ANY($1)`

	rows, err := r.db.Pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks by ids: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// UpdateEmbeddingStatus sets the embedding status for all of a document's chunks
func (r *ChunkRepository) UpdateEmbeddingStatus(ctx context.Context, documentID uuid.UUID, status repository.EmbeddingStatus) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE chunks SET embedding_status = $2 WHERE document_id = $1`, documentID, status)
	if err != nil {
		return fmt.Errorf("failed to update embedding status: %w", err)
	}
	return nil
}

// DeleteByDocument removes all chunks for a document
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// DeleteByTenant removes all chunks for a tenant
func (r *ChunkRepository) DeleteByTenant(ctx context.Context, tenantID uuid.UUID) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM chunks WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to delete tenant chunks: %w", err)
	}
	return nil
}

func scanChunks(rows pgx.Rows) ([]*repository.Chunk, error) {
	var chunks []*repository.Chunk
	for rows.Next() {
		var c repository.Chunk
		if err := rows.Scan(&c.ID, &c.TenantID, &c.DocumentID, &c.Index, &c.Content,
			&c.Tokens, &c.Metadata, &c.EmbeddingStatus, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// Ensure interface is satisfied
var _ repository.ChunkRepository = (*ChunkRepository)(nil)

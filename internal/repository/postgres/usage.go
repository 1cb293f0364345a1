package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/provider"
)

// UsageRepository persists per-call LLM and embedding usage for billing and
// diagnostics. It satisfies provider.UsageRecorder so failover chains can
// write through it directly.
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Record appends one usage row
func (r *UsageRepository) Record(ctx context.Context, rec *provider.UsageRecord) error {
	query := `
		INSERT INTO llm_usage (tenant_id, operation, provider, model, tokens_in, tokens_out,
			cost, request_id, trace_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Pool.Exec(ctx, query,
		rec.TenantID, rec.Operation, rec.Provider, rec.Model, rec.TokensIn, rec.TokensOut,
		rec.Cost, rec.RequestID, rec.TraceID, rec.Metadata, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// SumCostByTenant totals cost for a tenant over all recorded usage
func (r *UsageRepository) SumCostByTenant(ctx context.Context, tenantID uuid.UUID) (float64, error) {
	var total float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM llm_usage WHERE tenant_id = $1`,
		tenantID.String()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum tenant cost: %w", err)
	}
	return total, nil
}

// SumCostByDocument totals cost attributed to one document. Ingestion tags
// its usage metadata with document_id, so duplicate uploads that short-circuit
// on content hash add nothing here.
func (r *UsageRepository) SumCostByDocument(ctx context.Context, documentID uuid.UUID) (float64, error) {
	var total float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM llm_usage WHERE metadata->>'document_id' = $1`,
		documentID.String()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum document cost: %w", err)
	}
	return total, nil
}

// Ensure interface is satisfied
var _ provider.UsageRecorder = (*UsageRepository)(nil)

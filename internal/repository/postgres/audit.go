package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/repository"
)

// AuditRepository implements repository.AuditRepository using PostgreSQL
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit row
func (r *AuditRepository) Append(ctx context.Context, entry *repository.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	query := `
		INSERT INTO audit_log (id, tenant_id, actor, action, target, changes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := r.db.Pool.QueryRow(ctx, query,
		entry.ID, entry.TenantID, entry.Actor, entry.Action, entry.Target, entry.Changes).
		Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List retrieves audit entries for a tenant, newest first
func (r *AuditRepository) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*repository.AuditEntry, error) {
	query := `
		SELECT id, tenant_id, actor, action, target, changes, created_at
		FROM audit_log
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*repository.AuditEntry
	for rows.Next() {
		var e repository.AuditEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Actor, &e.Action, &e.Target, &e.Changes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Ensure interface is satisfied
var _ repository.AuditRepository = (*AuditRepository)(nil)

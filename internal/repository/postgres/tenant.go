package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/amberhq/amber/internal/repository"
)

// TenantRepository implements repository.TenantRepository using PostgreSQL
type TenantRepository struct {
	db *DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// Create inserts a new tenant
func (r *TenantRepository) Create(ctx context.Context, tenant *repository.Tenant) error {
	cfg, err := json.Marshal(tenant.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant config: %w", err)
	}

	query := `
		INSERT INTO tenants (id, name, api_key, active, config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	err = r.db.Pool.QueryRow(ctx, query, tenant.ID, tenant.Name, tenant.APIKey, tenant.Active, cfg).
		Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*repository.Tenant, error) {
	query := `
		SELECT id, name, api_key, active, config, created_at, updated_at
		FROM tenants WHERE id = $1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByAPIKey retrieves a tenant by its API key
func (r *TenantRepository) GetByAPIKey(ctx context.Context, apiKey string) (*repository.Tenant, error) {
	query := `
		SELECT id, name, api_key, active, config, created_at, updated_at
		FROM tenants WHERE api_key = $1 AND active = true`
	return r.scanOne(r.db.Pool.QueryRow(ctx, query, apiKey))
}

// List retrieves tenants with pagination
func (r *TenantRepository) List(ctx context.Context, limit, offset int) ([]*repository.Tenant, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tenants: %w", err)
	}

	query := `
		SELECT id, name, api_key, active, config, created_at, updated_at
		FROM tenants
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*repository.Tenant
	for rows.Next() {
		t, err := r.scanOne(rows)
		if err != nil {
			return nil, 0, err
		}
		tenants = append(tenants, t)
	}
	return tenants, total, rows.Err()
}

// Update persists tenant fields
func (r *TenantRepository) Update(ctx context.Context, tenant *repository.Tenant) error {
	cfg, err := json.Marshal(tenant.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant config: %w", err)
	}

	query := `
		UPDATE tenants
		SET name = $2, api_key = $3, active = $4, config = $5, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, tenant.ID, tenant.Name, tenant.APIKey, tenant.Active, cfg)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateConfig replaces only the config document
func (r *TenantRepository) UpdateConfig(ctx context.Context, id uuid.UUID, cfg repository.TenantConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant config: %w", err)
	}

	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE tenants SET config = $2, updated_at = NOW() WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("failed to update tenant config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete removes a tenant
func (r *TenantRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *TenantRepository) scanOne(row rowScanner) (*repository.Tenant, error) {
	var t repository.Tenant
	var cfg []byte
	err := row.Scan(&t.ID, &t.Name, &t.APIKey, &t.Active, &cfg, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &t.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tenant config: %w", err)
		}
	}
	return &t, nil
}

// Ensure interface is satisfied
var _ repository.TenantRepository = (*TenantRepository)(nil)

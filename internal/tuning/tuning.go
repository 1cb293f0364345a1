// Package tuning manages per-tenant retrieval configuration: a cached tenant
// lookup, audited weight adjustments, and feedback-driven tuning suggestions.
package tuning

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/repository"
)

const (
	defaultCacheSize = 512
	defaultCacheTTL  = 5 * time.Minute
)

// Weights are the tunable fusion weights for a tenant.
type Weights struct {
	VectorWeight float64 `json:"vector_weight"`
	GraphWeight  float64 `json:"graph_weight"`
}

// ConfigService resolves tenant configuration with an in-process cache and
// applies audited updates. Writes go through this service so the cache never
// serves a stale entry after its own update.
type ConfigService struct {
	tenants repository.TenantRepository
	audit   repository.AuditRepository
	cache   *lru.LRU[uuid.UUID, *repository.Tenant]
}

// ConfigOption configures a ConfigService.
type ConfigOption func(*configOptions)

type configOptions struct {
	size int
	ttl  time.Duration
}

// WithCacheSize sets the LRU entry cap.
func WithCacheSize(n int) ConfigOption {
	return func(o *configOptions) { o.size = n }
}

// WithCacheTTL bounds how long an entry may serve without a fresh read.
func WithCacheTTL(d time.Duration) ConfigOption {
	return func(o *configOptions) { o.ttl = d }
}

// NewConfigService creates the cached tenant config service.
func NewConfigService(tenants repository.TenantRepository, audit repository.AuditRepository, opts ...ConfigOption) *ConfigService {
	o := configOptions{size: defaultCacheSize, ttl: defaultCacheTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return &ConfigService{
		tenants: tenants,
		audit:   audit,
		cache:   lru.NewLRU[uuid.UUID, *repository.Tenant](o.size, nil, o.ttl),
	}
}

// GetTenant returns the tenant, served from cache when fresh.
func (s *ConfigService) GetTenant(ctx context.Context, tenantID uuid.UUID) (*repository.Tenant, error) {
	if tenant, ok := s.cache.Get(tenantID); ok {
		return tenant, nil
	}
	tenant, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(tenantID, tenant)
	return tenant, nil
}

// Invalidate drops a tenant's cached entry. Callers that mutate tenant
// config outside this service must invalidate afterward.
func (s *ConfigService) Invalidate(tenantID uuid.UUID) {
	s.cache.Remove(tenantID)
}

// UpdateWeights rewrites the tenant's fusion weights, appends an audit entry,
// and refreshes the cache.
func (s *ConfigService) UpdateWeights(ctx context.Context, tenantID uuid.UUID, actor string, weights Weights) error {
	if weights.VectorWeight < 0 || weights.GraphWeight < 0 {
		return fmt.Errorf("weights must be non-negative: vector=%v graph=%v", weights.VectorWeight, weights.GraphWeight)
	}

	tenant, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}

	old := Weights{
		VectorWeight: tenant.Config.VectorWeight,
		GraphWeight:  tenant.Config.GraphWeight,
	}
	tenant.Config.VectorWeight = weights.VectorWeight
	tenant.Config.GraphWeight = weights.GraphWeight

	if err := s.tenants.UpdateConfig(ctx, tenantID, tenant.Config); err != nil {
		return fmt.Errorf("updating tenant config: %w", err)
	}
	s.cache.Remove(tenantID)

	if s.audit != nil {
		entry := &repository.AuditEntry{
			TenantID: tenantID,
			Actor:    actor,
			Action:   "update_weights",
			Target:   "tenant_config",
			Changes: map[string]any{
				"vector_weight": map[string]any{"from": old.VectorWeight, "to": weights.VectorWeight},
				"graph_weight":  map[string]any{"from": old.GraphWeight, "to": weights.GraphWeight},
			},
		}
		if err := s.audit.Append(ctx, entry); err != nil {
			return fmt.Errorf("appending audit entry: %w", err)
		}
	}
	return nil
}

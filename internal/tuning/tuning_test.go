package tuning

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/repository"
)

// fakeTenantRepo serves a single tenant and counts reads.
type fakeTenantRepo struct {
	repository.TenantRepository
	tenant  *repository.Tenant
	reads   int
	updates int
}

func (f *fakeTenantRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Tenant, error) {
	f.reads++
	if f.tenant == nil || f.tenant.ID != id {
		return nil, repository.ErrNotFound
	}
	copied := *f.tenant
	return &copied, nil
}

func (f *fakeTenantRepo) UpdateConfig(ctx context.Context, id uuid.UUID, cfg repository.TenantConfig) error {
	f.updates++
	f.tenant.Config = cfg
	return nil
}

type fakeAuditRepo struct {
	entries []*repository.AuditEntry
}

func (f *fakeAuditRepo) Append(ctx context.Context, entry *repository.AuditEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditRepo) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*repository.AuditEntry, error) {
	return f.entries, nil
}

func newFakeTenant() *repository.Tenant {
	return &repository.Tenant{
		ID:   uuid.New(),
		Name: "acme",
		Config: repository.TenantConfig{
			VectorWeight: 1.0,
			GraphWeight:  1.0,
		},
	}
}

func TestGetTenant_CachesReads(t *testing.T) {
	repo := &fakeTenantRepo{tenant: newFakeTenant()}
	svc := NewConfigService(repo, nil)

	for i := 0; i < 3; i++ {
		if _, err := svc.GetTenant(context.Background(), repo.tenant.ID); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}
	if repo.reads != 1 {
		t.Errorf("expected a single backing read, got %d", repo.reads)
	}
}

func TestGetTenant_CacheTTLExpires(t *testing.T) {
	repo := &fakeTenantRepo{tenant: newFakeTenant()}
	svc := NewConfigService(repo, nil, WithCacheTTL(10*time.Millisecond))

	if _, err := svc.GetTenant(context.Background(), repo.tenant.ID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := svc.GetTenant(context.Background(), repo.tenant.ID); err != nil {
		t.Fatal(err)
	}
	if repo.reads != 2 {
		t.Errorf("expected re-read after TTL, got %d reads", repo.reads)
	}
}

func TestInvalidate_ForcesReread(t *testing.T) {
	repo := &fakeTenantRepo{tenant: newFakeTenant()}
	svc := NewConfigService(repo, nil)

	if _, err := svc.GetTenant(context.Background(), repo.tenant.ID); err != nil {
		t.Fatal(err)
	}
	svc.Invalidate(repo.tenant.ID)
	if _, err := svc.GetTenant(context.Background(), repo.tenant.ID); err != nil {
		t.Fatal(err)
	}
	if repo.reads != 2 {
		t.Errorf("expected re-read after invalidation, got %d reads", repo.reads)
	}
}

func TestUpdateWeights_PersistsAuditsAndDropsCache(t *testing.T) {
	repo := &fakeTenantRepo{tenant: newFakeTenant()}
	audit := &fakeAuditRepo{}
	svc := NewConfigService(repo, audit)

	// Prime the cache with the old weights.
	if _, err := svc.GetTenant(context.Background(), repo.tenant.ID); err != nil {
		t.Fatal(err)
	}

	err := svc.UpdateWeights(context.Background(), repo.tenant.ID, "admin", Weights{VectorWeight: 2.0, GraphWeight: 0.5})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if repo.updates != 1 {
		t.Errorf("expected one config update, got %d", repo.updates)
	}
	if len(audit.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(audit.entries))
	}
	if audit.entries[0].Action != "update_weights" || audit.entries[0].Actor != "admin" {
		t.Errorf("unexpected audit entry: %+v", audit.entries[0])
	}

	// The next read must observe the new weights, not the cached old ones.
	tenant, err := svc.GetTenant(context.Background(), repo.tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tenant.Config.VectorWeight != 2.0 || tenant.Config.GraphWeight != 0.5 {
		t.Errorf("stale weights after update: %+v", tenant.Config)
	}
}

func TestUpdateWeights_RejectsNegative(t *testing.T) {
	repo := &fakeTenantRepo{tenant: newFakeTenant()}
	svc := NewConfigService(repo, nil)

	if err := svc.UpdateWeights(context.Background(), repo.tenant.ID, "admin", Weights{VectorWeight: -1}); err == nil {
		t.Error("expected negative weight rejection")
	}
	if repo.updates != 0 {
		t.Errorf("invalid weights must not reach the store, got %d updates", repo.updates)
	}
}

func TestUpdateWeights_UnknownTenant(t *testing.T) {
	repo := &fakeTenantRepo{tenant: newFakeTenant()}
	svc := NewConfigService(repo, nil)

	if err := svc.UpdateWeights(context.Background(), uuid.New(), "admin", Weights{VectorWeight: 1, GraphWeight: 1}); err == nil {
		t.Error("expected error for unknown tenant")
	}
}

package graph

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/graphstore"
	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
)

// communityStubStore serves a fixed graph and records community writes.
type communityStubStore struct {
	graphstore.GraphStore

	entities  []graphstore.Entity
	relations []graphstore.Relation
	existing  []graphstore.Community

	upserted    []graphstore.Community
	assigned    map[string][]string
	deleted     []string
	listedAfter bool
}

func (s *communityStubStore) Export(ctx context.Context, tenantID uuid.UUID) ([]graphstore.Entity, []graphstore.Relation, error) {
	return s.entities, s.relations, nil
}

func (s *communityStubStore) Communities(ctx context.Context, tenantID uuid.UUID) ([]graphstore.Community, error) {
	if s.listedAfter {
		return s.upserted, nil
	}
	s.listedAfter = true
	return s.existing, nil
}

func (s *communityStubStore) UpsertCommunities(ctx context.Context, tenantID uuid.UUID, communities []graphstore.Community) error {
	s.upserted = communities
	return nil
}

func (s *communityStubStore) AssignCommunity(ctx context.Context, tenantID uuid.UUID, communityID string, members []string) error {
	if s.assigned == nil {
		s.assigned = make(map[string][]string)
	}
	s.assigned[communityID] = members
	return nil
}

func (s *communityStubStore) DeleteCommunities(ctx context.Context, tenantID uuid.UUID, ids []string) error {
	s.deleted = append(s.deleted, ids...)
	return nil
}

func clusteredGraph(tenantID uuid.UUID) ([]graphstore.Entity, []graphstore.Relation) {
	entities := []graphstore.Entity{
		{TenantID: tenantID, Name: "Alice", Description: "Platform lead"},
		{TenantID: tenantID, Name: "Acme", Description: "Employer"},
		{TenantID: tenantID, Name: "Bob", Description: "SRE"},
		{TenantID: tenantID, Name: "Oslo", Description: "Unconnected city"},
	}
	relations := []graphstore.Relation{
		{Source: "Alice", Target: "Acme", Type: "WORKS_FOR", Weight: 0.9},
		{Source: "Bob", Target: "Acme", Type: "WORKS_FOR", Weight: 0.8},
	}
	return entities, relations
}

func TestCommunityRefresh_ClustersAndSummarizes(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New()}
	store := &communityStubStore{}
	store.entities, store.relations = clusteredGraph(tenant.ID)

	llm := &stubLLM{responses: map[string]string{
		"Alice": `{"title": "Acme platform group", "summary": "People building Acme's platform.", "rating": 8}`,
	}}
	svc := NewCommunityService(store, provider.NewChain(nil, []provider.LLM{llm}), newTestSteps())

	out, err := svc.Refresh(context.Background(), tenant)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Oslo has no edges, so only the Acme component forms a community.
	if len(out) != 1 {
		t.Fatalf("expected 1 community, got %d", len(out))
	}
	c := out[0]
	if c.Title != "Acme platform group" || c.Rating != 8 {
		t.Errorf("summary not applied: %+v", c)
	}
	if c.Stale || c.Status != graphstore.CommunityStatusActive {
		t.Errorf("fresh community flags wrong: %+v", c)
	}
	if len(c.KeyEntities) != 3 || c.KeyEntities[0] != "Acme" {
		t.Errorf("key entities should lead with the best-connected member, got %v", c.KeyEntities)
	}
	if got := store.assigned[c.ID]; len(got) != 3 {
		t.Errorf("members not assigned: %v", got)
	}
}

func TestCommunityRefresh_ReusesFreshSummaries(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New()}
	store := &communityStubStore{}
	store.entities, store.relations = clusteredGraph(tenant.ID)

	id := communityID(0, []string{"Acme", "Alice", "Bob"})
	store.existing = []graphstore.Community{{
		ID: id, TenantID: tenant.ID, Title: "Old title", Summary: "Old summary.",
		Rating: 6, Status: graphstore.CommunityStatusActive,
	}}

	// No LLM wired: a rewrite would fall back to the member digest.
	svc := NewCommunityService(store, nil, nil)
	out, err := svc.Refresh(context.Background(), tenant)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(out) != 1 || out[0].Summary != "Old summary." {
		t.Errorf("unchanged non-stale community should keep its summary, got %+v", out)
	}
}

func TestCommunityRefresh_RewritesStaleAndDeletesDissolved(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New()}
	store := &communityStubStore{}
	store.entities, store.relations = clusteredGraph(tenant.ID)

	id := communityID(0, []string{"Acme", "Alice", "Bob"})
	store.existing = []graphstore.Community{
		{ID: id, TenantID: tenant.ID, Title: "Old title", Summary: "Old summary.", Stale: true},
		{ID: "c0-gone", TenantID: tenant.ID, Title: "Dissolved", Summary: "No members left."},
	}

	svc := NewCommunityService(store, nil, nil)
	out, err := svc.Refresh(context.Background(), tenant)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(out) != 1 || out[0].Summary == "Old summary." {
		t.Errorf("stale community should get a rewritten summary, got %+v", out)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "c0-gone" {
		t.Errorf("dissolved community should be deleted, got %v", store.deleted)
	}
}

func TestCommunitySummaries_RefreshesWhenStale(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New()}
	store := &communityStubStore{}
	store.entities, store.relations = clusteredGraph(tenant.ID)
	store.existing = []graphstore.Community{
		{ID: "c0-stale", TenantID: tenant.ID, Title: "Outdated", Summary: "Old.", Stale: true},
	}

	svc := NewCommunityService(store, nil, nil)
	out, err := svc.Summaries(context.Background(), tenant, "who runs the Acme platform", 3)
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if store.upserted == nil {
		t.Fatal("stale community should trigger a refresh")
	}
	if len(out) != 1 || out[0].Stale {
		t.Errorf("expected the refreshed community, got %+v", out)
	}
}

func TestCommunityScore_RanksByOverlap(t *testing.T) {
	platform := graphstore.Community{Title: "Acme platform group", KeyEntities: []string{"Alice"}, Summary: "Platform work."}
	weather := graphstore.Community{Title: "Nordic weather", Summary: "Climate notes."}

	terms := []string{"acme", "platform"}
	if communityScore(platform, terms) <= communityScore(weather, terms) {
		t.Error("query about the platform should rank the platform community first")
	}
}

package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/graphstore"
	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
	"github.com/amberhq/amber/internal/vectorstore"
)

type stubVectors struct {
	vectorstore.VectorStore

	mu            sync.Mutex
	searchResults []vectorstore.SearchResult
	hybridResults []vectorstore.SearchResult
	points        []vectorstore.SearchResult
	searchCalls   int
	hybridCalls   int
	deleted       []string
}

func (s *stubVectors) Search(ctx context.Context, tenantID uuid.UUID, params vectorstore.SearchParams) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchCalls++
	return s.searchResults, nil
}

func (s *stubVectors) SparseSearch(ctx context.Context, tenantID uuid.UUID, params vectorstore.SearchParams) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

func (s *stubVectors) HybridSearch(ctx context.Context, tenantID uuid.UUID, params vectorstore.SearchParams) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hybridCalls++
	return s.hybridResults, nil
}

func (s *stubVectors) GetChunks(ctx context.Context, tenantID uuid.UUID, chunkIDs []string) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []vectorstore.SearchResult
	for _, p := range s.points {
		for _, id := range chunkIDs {
			if p.ChunkID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *stubVectors) DeleteByIDs(ctx context.Context, tenantID uuid.UUID, chunkIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, chunkIDs...)
	return nil
}

type stubGraph struct {
	graphstore.GraphStore

	mu               sync.Mutex
	entities         []graphstore.Entity
	byChunks         []graphstore.Entity
	neighborsByRound [][]graphstore.Neighbor
	expandCalls      []graphstore.ExpandParams
}

func (g *stubGraph) FindEntities(ctx context.Context, tenantID uuid.UUID, names []string) ([]graphstore.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entities, nil
}

func (g *stubGraph) EntitiesByChunks(ctx context.Context, tenantID uuid.UUID, chunkIDs []string) ([]graphstore.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byChunks, nil
}

func (g *stubGraph) Expand(ctx context.Context, tenantID uuid.UUID, params graphstore.ExpandParams) ([]graphstore.Neighbor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expandCalls = append(g.expandCalls, params)
	if params.Depth <= 0 || len(g.neighborsByRound) == 0 {
		return nil, nil
	}
	round := g.neighborsByRound[0]
	g.neighborsByRound = g.neighborsByRound[1:]
	return round, nil
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedTexts(ctx context.Context, meta provider.Meta, texts []string, opts provider.EmbedOptions) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type stubChunks struct {
	repository.ChunkRepository

	rows map[string]*repository.Chunk
	err  error
}

func (s *stubChunks) GetByIDs(ctx context.Context, ids []string) ([]*repository.Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*repository.Chunk
	for _, id := range ids {
		if row, ok := s.rows[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

type stubCommunities struct {
	mu    sync.Mutex
	list  []graphstore.Community
	calls int
}

func (s *stubCommunities) Summaries(ctx context.Context, tenant *repository.Tenant, query string, limit int) ([]graphstore.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.list, nil
}

func newTestEngine(v vectorstore.VectorStore, g graphstore.GraphStore, ch repository.ChunkRepository, opts ...EngineOption) *Engine {
	return NewEngine(v, g, ch, stubEmbedder{}, NewRouter(nil, nil), nil, nil, nil, opts...)
}

func testTenant() *repository.Tenant {
	return &repository.Tenant{ID: uuid.New(), Config: repository.TenantConfig{TopK: 5}}
}

func tripDegradation(e *Engine) {
	for i := 0; i < degradeWindow; i++ {
		e.monitor.Record(2 * time.Second)
	}
}

func chunkRow(id, content string) *repository.Chunk {
	return &repository.Chunk{ID: id, DocumentID: uuid.New(), Content: content}
}

func candidateIDs(res *Result) map[string]Candidate {
	out := make(map[string]Candidate, len(res.Candidates))
	for _, c := range res.Candidates {
		out[c.ChunkID] = c
	}
	return out
}

func TestRetrieve_DegradedKeepsSeedEntityChunks(t *testing.T) {
	vectors := &stubVectors{hybridResults: []vectorstore.SearchResult{
		{ChunkID: "d1", DocumentID: uuid.NewString(), Content: "dense hit"},
	}}
	graph := &stubGraph{entities: []graphstore.Entity{
		{Name: "Alice", ChunkIDs: []string{"g1"}},
	}}
	chunks := &stubChunks{rows: map[string]*repository.Chunk{"g1": chunkRow("g1", "seed entity text")}}
	e := newTestEngine(vectors, graph, chunks)
	tripDegradation(e)

	res, err := e.Retrieve(context.Background(), testTenant(), Request{Query: "tell me about Alice", Mode: "HYBRID"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected a degraded result")
	}

	byID := candidateIDs(res)
	if _, ok := byID["g1"]; !ok {
		t.Errorf("degraded mode must still surface seed-entity chunks, got %v", res.Candidates)
	}
	for _, call := range graph.expandCalls {
		if call.Depth != 0 {
			t.Errorf("degraded traversal depth should be 0, got %d", call.Depth)
		}
	}
	if vectors.hybridCalls == 0 {
		t.Error("degraded mode with a sparse query should use the server-fused search")
	}
	if vectors.searchCalls != 0 {
		t.Errorf("separate dense leg should be skipped when hybrid runs, got %d calls", vectors.searchCalls)
	}
}

func TestRetrieve_GlobalSynthesizesOverCommunities(t *testing.T) {
	vectors := &stubVectors{searchResults: []vectorstore.SearchResult{
		{ChunkID: "d1", DocumentID: uuid.NewString(), Content: "dense hit"},
	}}
	graph := &stubGraph{}
	communities := &stubCommunities{list: []graphstore.Community{
		{ID: "c0-abc", Title: "Platform teams", Summary: "Engineering groups building shared infrastructure.", Rating: 8},
	}}
	e := newTestEngine(vectors, graph, &stubChunks{}, WithCommunityIndex(communities))

	res, err := e.Retrieve(context.Background(), testTenant(), Request{Query: "what are the main themes", Mode: "GLOBAL"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if communities.calls == 0 {
		t.Fatal("GLOBAL mode should consult the community index")
	}

	byID := candidateIDs(res)
	c, ok := byID["community:c0-abc"]
	if !ok {
		t.Fatalf("expected a community summary candidate, got %v", res.Candidates)
	}
	if c.Source != "community" {
		t.Errorf("community candidate source = %q", c.Source)
	}
	if c.Metadata["community_id"] != "c0-abc" {
		t.Errorf("community metadata missing: %v", c.Metadata)
	}
}

func TestRetrieve_DriftExpandsIteratively(t *testing.T) {
	vectors := &stubVectors{searchResults: []vectorstore.SearchResult{
		{ChunkID: "d1", DocumentID: uuid.NewString(), Content: "local hit"},
	}}
	graph := &stubGraph{
		byChunks: []graphstore.Entity{{Name: "E1", ChunkIDs: []string{"c1"}}},
		neighborsByRound: [][]graphstore.Neighbor{
			{{Entity: graphstore.Entity{Name: "E2", ChunkIDs: []string{"c2"}}, Relation: graphstore.Relation{Weight: 0.8}, Depth: 1}},
			{},
		},
	}
	chunks := &stubChunks{rows: map[string]*repository.Chunk{
		"c1": chunkRow("c1", "seed text"),
		"c2": chunkRow("c2", "neighbor text"),
	}}
	e := newTestEngine(vectors, graph, chunks)

	res, err := e.Retrieve(context.Background(), testTenant(), Request{Query: "how do the teams relate across projects", Mode: "DRIFT"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if len(graph.expandCalls) != 2 {
		t.Fatalf("expected 2 expansion rounds, got %d", len(graph.expandCalls))
	}
	for _, call := range graph.expandCalls {
		if call.Depth != 1 {
			t.Errorf("each round expands one hop, got depth %d", call.Depth)
		}
	}
	second := graph.expandCalls[1]
	if len(second.Seeds) != 1 || second.Seeds[0] != "E2" {
		t.Errorf("round 2 should re-seed from newly discovered entities, got %v", second.Seeds)
	}

	byID := candidateIDs(res)
	if _, ok := byID["c1"]; !ok {
		t.Errorf("local seed chunk missing from candidates: %v", res.Candidates)
	}
	if _, ok := byID["c2"]; !ok {
		t.Errorf("iteratively discovered chunk missing from candidates: %v", res.Candidates)
	}
}

func TestRetrieve_DriftWithoutGraphMatchesFallsBack(t *testing.T) {
	vectors := &stubVectors{searchResults: []vectorstore.SearchResult{
		{ChunkID: "d1", DocumentID: uuid.NewString(), Content: "dense hit"},
	}}
	e := newTestEngine(vectors, &stubGraph{}, &stubChunks{})

	res, err := e.Retrieve(context.Background(), testTenant(), Request{Query: "how do the teams relate across projects", Mode: "DRIFT"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	byID := candidateIDs(res)
	if _, ok := byID["d1"]; !ok {
		t.Errorf("an empty graph should still answer from dense search, got %v", res.Candidates)
	}
}

func TestResolveContent_PrunesOrphanedPoints(t *testing.T) {
	vectors := &stubVectors{points: []vectorstore.SearchResult{
		{ChunkID: "ghost", Content: "stale payload"},
	}}
	chunks := &stubChunks{rows: map[string]*repository.Chunk{"live": chunkRow("live", "live text")}}
	e := newTestEngine(vectors, &stubGraph{}, chunks)

	fused := []FusedCandidate{
		{ChunkID: "live", Score: 1, Sources: []string{"graph"}},
		{ChunkID: "ghost", Score: 0.5, Sources: []string{"graph"}},
	}
	out := e.resolveContent(context.Background(), testTenant(), fused, map[string]*Candidate{})

	if len(out) != 1 || out[0].ChunkID != "live" {
		t.Fatalf("orphaned candidate should be dropped, got %v", out)
	}
	if len(vectors.deleted) != 1 || vectors.deleted[0] != "ghost" {
		t.Errorf("orphaned vector point should be deleted, got %v", vectors.deleted)
	}
}

func TestResolveContent_FallsBackToVectorPayload(t *testing.T) {
	docID := uuid.NewString()
	vectors := &stubVectors{points: []vectorstore.SearchResult{
		{ChunkID: "x", DocumentID: docID, Content: "payload text"},
	}}
	chunks := &stubChunks{err: errors.New("db down")}
	e := newTestEngine(vectors, &stubGraph{}, chunks)

	fused := []FusedCandidate{{ChunkID: "x", Score: 1, Sources: []string{"graph"}}}
	out := e.resolveContent(context.Background(), testTenant(), fused, map[string]*Candidate{})

	if len(out) != 1 || out[0].Content != "payload text" {
		t.Fatalf("expected vector payload fallback, got %v", out)
	}
	if out[0].DocumentID != docID {
		t.Errorf("document id should come from the payload, got %q", out[0].DocumentID)
	}
	if len(vectors.deleted) != 0 {
		t.Errorf("nothing should be deleted when the rows are unreachable, got %v", vectors.deleted)
	}
}

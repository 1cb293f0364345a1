package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/config"
	"github.com/amberhq/amber/internal/graphstore"
	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
	"github.com/amberhq/amber/internal/vectorstore"
)

// stubLLM answers extraction prompts by matching a marker substring of the
// chunk text. Unknown prompts get an empty extraction.
type stubLLM struct {
	responses map[string]string
}

func (s *stubLLM) Name() string { return "stub" }

func (s *stubLLM) Generate(ctx context.Context, prompt string, opts provider.GenerateOptions) (*provider.GenerateResult, error) {
	for marker, text := range s.responses {
		if strings.Contains(prompt, marker) {
			return &provider.GenerateResult{Text: text, Provider: "stub"}, nil
		}
	}
	return &provider.GenerateResult{Text: `{"entities": [], "relations": []}`, Provider: "stub"}, nil
}

func (s *stubLLM) GenerateStream(ctx context.Context, prompt string, opts provider.GenerateOptions) (<-chan provider.StreamChunk, error) {
	res, err := s.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan provider.StreamChunk, 2)
	ch <- provider.StreamChunk{Token: res.Text}
	ch <- provider.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

// captureStore records every write the builder makes.
type captureStore struct {
	graphstore.GraphStore

	entities      []graphstore.Entity
	relationCalls [][]graphstore.Relation
	docNode       graphstore.DocumentNode
	docChunkIDs   []string
	mentions      []graphstore.Mention
	similarities  []graphstore.ChunkSimilarity
	staleNames    []string
}

func (c *captureStore) UpsertEntities(ctx context.Context, tenantID uuid.UUID, entities []graphstore.Entity) error {
	c.entities = append(c.entities, entities...)
	return nil
}

func (c *captureStore) UpsertRelations(ctx context.Context, tenantID uuid.UUID, relations []graphstore.Relation) error {
	c.relationCalls = append(c.relationCalls, relations)
	return nil
}

func (c *captureStore) UpsertDocumentGraph(ctx context.Context, tenantID uuid.UUID, doc graphstore.DocumentNode, chunkIDs []string) error {
	c.docNode = doc
	c.docChunkIDs = chunkIDs
	return nil
}

func (c *captureStore) LinkMentions(ctx context.Context, tenantID uuid.UUID, mentions []graphstore.Mention) error {
	c.mentions = append(c.mentions, mentions...)
	return nil
}

func (c *captureStore) UpsertChunkSimilarities(ctx context.Context, tenantID uuid.UUID, edges []graphstore.ChunkSimilarity) error {
	c.similarities = append(c.similarities, edges...)
	return nil
}

func (c *captureStore) MarkCommunitiesStale(ctx context.Context, tenantID uuid.UUID, entityNames []string) error {
	c.staleNames = append(c.staleNames, entityNames...)
	return nil
}

func (c *captureStore) findRelation(relType string) []graphstore.Relation {
	var out []graphstore.Relation
	for _, call := range c.relationCalls {
		for _, r := range call {
			if r.Type == relType {
				out = append(out, r)
			}
		}
	}
	return out
}

func newTestSteps() *provider.StepResolver {
	return provider.NewStepResolver(&config.Config{}, nil)
}

func testExtractor(llm provider.LLM) *Extractor {
	chain := provider.NewChain(nil, []provider.LLM{llm})
	return &Extractor{llm: chain, steps: newTestSteps()}
}

func testChunks(docID uuid.UUID, texts ...string) []*repository.Chunk {
	chunks := make([]*repository.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &repository.Chunk{
			ID:      repository.ChunkID(docID, i),
			Index:   i,
			Content: text,
		}
	}
	return chunks
}

func TestBuildDocument_PersistsFullGraph(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New()}
	doc := &repository.Document{ID: uuid.New(), TenantID: tenant.ID, Filename: "notes.txt"}
	chunks := testChunks(doc.ID,
		"Alice leads the platform team at Acme.",
		"Acme hired Alice to run platform engineering.",
		"The weather in Oslo stayed mild all week.",
	)

	llm := &stubLLM{responses: map[string]string{
		"leads the platform team": `{
			"entities": [
				{"name": "Alice", "type": "person", "description": "Platform lead"},
				{"name": "Acme", "type": "organization", "description": "Employer"}
			],
			"relations": [{"source": "Alice", "target": "Acme", "type": "works for", "weight": 0.9}]
		}`,
		"hired Alice": `{
			"entities": [
				{"name": "Alice", "type": "person"},
				{"name": "Acme", "type": "organization"}
			],
			"relations": [{"source": "Alice", "target": "Acme", "type": "works for", "weight": 0.6}]
		}`,
		"weather in Oslo": `{
			"entities": [{"name": "Oslo", "type": "location", "description": "City"}],
			"relations": []
		}`,
	}}

	store := &captureStore{}
	b := NewBuilder(testExtractor(llm), store, nil)

	// Chunks 0 and 1 are near-duplicates; chunk 2 is orthogonal.
	vectors := [][]float32{{1, 0}, {0.96, 0.28}, {0, 1}}
	if err := b.BuildDocument(context.Background(), tenant, doc, chunks, vectors); err != nil {
		t.Fatalf("BuildDocument: %v", err)
	}

	byName := make(map[string]graphstore.Entity)
	for _, e := range store.entities {
		byName[e.Name] = e
	}
	if len(byName) != 3 {
		t.Fatalf("expected 3 entities, got %d: %v", len(byName), store.entities)
	}
	if got := byName["Alice"]; len(got.ChunkIDs) != 2 {
		t.Errorf("Alice should merge chunk refs from both mentions, got %v", got.ChunkIDs)
	}

	stated := store.findRelation("WORKS_FOR")
	if len(stated) != 1 {
		t.Fatalf("expected 1 WORKS_FOR relation, got %v", stated)
	}
	if stated[0].Weight != 0.9 {
		t.Errorf("duplicate relation should keep the higher weight, got %v", stated[0].Weight)
	}

	if store.docNode.ID != doc.ID.String() || store.docNode.Filename != "notes.txt" {
		t.Errorf("document node not persisted: %+v", store.docNode)
	}
	if len(store.docChunkIDs) != 3 {
		t.Errorf("expected 3 chunk nodes, got %v", store.docChunkIDs)
	}

	mentioned := make(map[string][]string)
	for _, m := range store.mentions {
		mentioned[m.ChunkID] = append(mentioned[m.ChunkID], m.Entity)
	}
	if len(mentioned[chunks[0].ID]) != 2 {
		t.Errorf("chunk 0 should mention Alice and Acme, got %v", mentioned[chunks[0].ID])
	}
	if got := mentioned[chunks[2].ID]; len(got) != 1 || got[0] != "Oslo" {
		t.Errorf("chunk 2 should mention only Oslo, got %v", got)
	}

	cooccur := store.findRelation(CoOccurrenceRelationType)
	if len(cooccur) != 1 {
		t.Fatalf("expected 1 co-occurrence edge, got %v", cooccur)
	}
	if cooccur[0].Source != "Acme" || cooccur[0].Target != "Alice" {
		t.Errorf("co-occurrence endpoints not canonical: %+v", cooccur[0])
	}
	if cooccur[0].Weight != 0.75 {
		t.Errorf("two shared chunks should converge weight to 0.75, got %v", cooccur[0].Weight)
	}

	if len(store.similarities) != 1 {
		t.Fatalf("expected 1 similarity edge, got %v", store.similarities)
	}
	sim := store.similarities[0]
	if sim.SourceChunkID != chunks[0].ID || sim.TargetChunkID != chunks[1].ID {
		t.Errorf("similarity edge should link chunk ids, got %+v", sim)
	}
	if sim.Rank != 1 {
		t.Errorf("nearest neighbor should carry rank 1, got %d", sim.Rank)
	}
	if sim.Score < float64(similarityThreshold) {
		t.Errorf("edge below threshold: %v", sim.Score)
	}

	if len(store.staleNames) != 3 {
		t.Errorf("all touched entities should invalidate their communities, got %v", store.staleNames)
	}
}

// searchStubStore serves canned neighbors for cross-document lookups.
type searchStubStore struct {
	vectorstore.VectorStore
	results []vectorstore.SearchResult
}

func (s *searchStubStore) Search(ctx context.Context, tenantID uuid.UUID, params vectorstore.SearchParams) ([]vectorstore.SearchResult, error) {
	return s.results, nil
}

func TestBuildDocument_CrossDocumentSimilarity(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New()}
	doc := &repository.Document{ID: uuid.New(), TenantID: tenant.ID, Filename: "a.txt"}
	otherDoc := uuid.New()
	chunks := testChunks(doc.ID, "Alice leads the platform team at Acme.")

	llm := &stubLLM{responses: map[string]string{
		"platform team": `{"entities": [{"name": "Alice", "type": "person"}], "relations": []}`,
	}}
	neighbors := &searchStubStore{results: []vectorstore.SearchResult{
		{ChunkID: repository.ChunkID(doc.ID, 0), DocumentID: doc.ID.String(), Score: 1.0},
		{ChunkID: repository.ChunkID(otherDoc, 4), DocumentID: otherDoc.String(), Score: 0.91},
	}}

	store := &captureStore{}
	b := NewBuilder(testExtractor(llm), store, nil, WithVectorStore(neighbors))

	if err := b.BuildDocument(context.Background(), tenant, doc, chunks, [][]float32{{1, 0}}); err != nil {
		t.Fatalf("BuildDocument: %v", err)
	}

	if len(store.similarities) != 1 {
		t.Fatalf("expected 1 cross-document edge, got %v", store.similarities)
	}
	sim := store.similarities[0]
	if sim.TargetChunkID != repository.ChunkID(otherDoc, 4) {
		t.Errorf("edge should target the other document's chunk, got %+v", sim)
	}
	if sim.SourceChunkID != chunks[0].ID {
		t.Errorf("the new chunk's own hit must be skipped, got source %q", sim.SourceChunkID)
	}
}

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/amberhq/amber/internal/embedder"
	"github.com/amberhq/amber/internal/graphstore"
	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
	"github.com/amberhq/amber/internal/vectorstore"
)

const (
	// DefaultConcurrency bounds how many chunks are extracted in parallel,
	// keeping one document from monopolizing provider throughput.
	DefaultConcurrency = 5

	// similarity edge knobs
	similarityTopK      = 5
	similarityThreshold = 0.7

	// CoOccurrenceRelationType labels undirected edges between entities
	// mentioned in the same chunk.
	CoOccurrenceRelationType = "CO_OCCURS"
)

// Builder extracts a document's entities and relations chunk by chunk and
// persists them, together with the document's structural nodes and edges,
// into the tenant's knowledge graph.
type Builder struct {
	extractor   *Extractor
	store       graphstore.GraphStore
	embedder    embedder.Embedder
	vectors     vectorstore.VectorStore
	concurrency int
	simTopK     int
	simMin      float32
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithConcurrency bounds parallel chunk extraction.
func WithConcurrency(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithSimilarityEdges tunes similarity edge generation.
func WithSimilarityEdges(topK int, minScore float32) BuilderOption {
	return func(b *Builder) {
		b.simTopK = topK
		b.simMin = minScore
	}
}

// WithVectorStore enables cross-document similarity edges: each new chunk is
// matched against the tenant's existing vectors, not just its siblings.
func WithVectorStore(vs vectorstore.VectorStore) BuilderOption {
	return func(b *Builder) { b.vectors = vs }
}

// NewBuilder creates a graph builder. The embedder is a fallback for callers
// that cannot supply chunk vectors.
func NewBuilder(ex *Extractor, store graphstore.GraphStore, emb embedder.Embedder, opts ...BuilderOption) *Builder {
	b := &Builder{
		extractor:   ex,
		store:       store,
		embedder:    emb,
		concurrency: DefaultConcurrency,
		simTopK:     similarityTopK,
		simMin:      similarityThreshold,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildDocument extracts all chunks concurrently, merges per-chunk results
// into document-level entities and relations, and persists the document's
// graph: entities, stated relations, the document and chunk nodes with their
// HAS_CHUNK edges, MENTIONS edges, CO_OCCURS edges between co-mentioned
// entities, and SIMILAR_TO edges between chunks whose vectors land close.
// vectors are the chunks' embeddings in chunk order; nil re-embeds.
// Communities touched by the new mentions are marked stale for the next
// community pass.
func (b *Builder) BuildDocument(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, chunks []*repository.Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}

	var mu sync.Mutex
	entities := make(map[string]*graphstore.Entity)
	relationKey := func(r graphstore.Relation) string { return r.Source + "\x00" + r.Type + "\x00" + r.Target }
	relations := make(map[string]*graphstore.Relation)
	mentionsByChunk := make(map[string][]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for _, chunk := range chunks {
		g.Go(func() error {
			meta := provider.Meta{
				TenantID: tenant.ID.String(),
				Step:     "ingestion.graph_extraction",
				Metadata: map[string]string{"document_id": doc.ID.String(), "chunk_id": chunk.ID},
			}
			ex, err := b.extractor.ExtractChunk(gctx, tenant, meta, chunk.Content)
			if err != nil {
				// One bad chunk should not void the document's graph.
				slog.Warn("chunk extraction failed", "chunk_id", chunk.ID, "error", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, e := range ex.Entities {
				mentionsByChunk[chunk.ID] = appendUnique(mentionsByChunk[chunk.ID], e.Name)
				cur, ok := entities[e.Name]
				if !ok {
					entities[e.Name] = &graphstore.Entity{
						TenantID:    tenant.ID,
						Name:        e.Name,
						Type:        e.Type,
						Description: e.Description,
						Aliases:     e.Aliases,
						DocumentIDs: []string{doc.ID.String()},
						ChunkIDs:    []string{chunk.ID},
					}
					continue
				}
				cur.Aliases = appendUnique(cur.Aliases, e.Aliases...)
				cur.ChunkIDs = appendUnique(cur.ChunkIDs, chunk.ID)
				if e.Description != "" && cur.Description == "" {
					cur.Description = e.Description
				}
			}
			for _, r := range ex.Relations {
				rel := graphstore.Relation{
					TenantID:    tenant.ID,
					Source:      r.Source,
					Target:      r.Target,
					Type:        r.Type,
					Description: r.Description,
					Weight:      r.Weight,
					DocumentIDs: []string{doc.ID.String()},
				}
				if cur, ok := relations[relationKey(rel)]; ok {
					if rel.Weight > cur.Weight {
						cur.Weight = rel.Weight
					}
				} else {
					relations[relationKey(rel)] = &rel
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}

	entityList := make([]graphstore.Entity, 0, len(entities))
	for _, e := range entities {
		entityList = append(entityList, *e)
	}
	sort.Slice(entityList, func(i, j int) bool { return entityList[i].Name < entityList[j].Name })

	if err := b.store.UpsertEntities(ctx, tenant.ID, entityList); err != nil {
		return fmt.Errorf("upserting entities: %w", err)
	}

	relationList := make([]graphstore.Relation, 0, len(relations))
	for _, r := range relations {
		relationList = append(relationList, *r)
	}
	if err := b.store.UpsertRelations(ctx, tenant.ID, relationList); err != nil {
		return fmt.Errorf("upserting relations: %w", err)
	}

	if err := b.persistStructure(ctx, tenant, doc, chunks, mentionsByChunk); err != nil {
		return err
	}

	// Similarity edges are an enhancement on top of stated relations; their
	// failure only logs.
	if err := b.addSimilarityEdges(ctx, tenant, doc, chunks, vectors); err != nil {
		slog.Warn("similarity edge generation failed", "document_id", doc.ID, "error", err)
	}

	// New mentions invalidate the summaries of the communities they touch;
	// the next community pass rewrites them.
	names := make([]string, 0, len(entityList))
	for _, e := range entityList {
		names = append(names, e.Name)
	}
	if err := b.store.MarkCommunitiesStale(ctx, tenant.ID, names); err != nil {
		slog.Warn("failed to mark communities stale", "document_id", doc.ID, "error", err)
	}
	return nil
}

// persistStructure writes the document and chunk nodes, HAS_CHUNK and
// MENTIONS edges, and CO_OCCURS edges between entities sharing a chunk.
func (b *Builder) persistStructure(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, chunks []*repository.Chunk, mentionsByChunk map[string][]string) error {
	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ID
	}
	node := graphstore.DocumentNode{ID: doc.ID.String(), Filename: doc.Filename}
	if err := b.store.UpsertDocumentGraph(ctx, tenant.ID, node, chunkIDs); err != nil {
		return fmt.Errorf("upserting document graph: %w", err)
	}

	var mentions []graphstore.Mention
	cooccur := make(map[string]*graphstore.Relation)
	for _, c := range chunks {
		names := mentionsByChunk[c.ID]
		for _, name := range names {
			mentions = append(mentions, graphstore.Mention{ChunkID: c.ID, Entity: name})
		}
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				src, dst := names[i], names[j]
				if dst < src {
					src, dst = dst, src
				}
				key := src + "\x00" + dst
				if rel, ok := cooccur[key]; ok {
					// Each additional shared chunk nudges the weight toward 1.
					rel.Weight = rel.Weight + (1-rel.Weight)/2
					continue
				}
				cooccur[key] = &graphstore.Relation{
					TenantID:    tenant.ID,
					Source:      src,
					Target:      dst,
					Type:        CoOccurrenceRelationType,
					Weight:      0.5,
					DocumentIDs: []string{doc.ID.String()},
				}
			}
		}
	}

	if err := b.store.LinkMentions(ctx, tenant.ID, mentions); err != nil {
		return fmt.Errorf("linking mentions: %w", err)
	}

	if len(cooccur) > 0 {
		edges := make([]graphstore.Relation, 0, len(cooccur))
		for _, rel := range cooccur {
			edges = append(edges, *rel)
		}
		if err := b.store.UpsertRelations(ctx, tenant.ID, edges); err != nil {
			return fmt.Errorf("upserting co-occurrence edges: %w", err)
		}
	}
	return nil
}

// RemoveDocument prunes a document's graph contributions.
func (b *Builder) RemoveDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	return b.store.DeleteByDocument(ctx, tenantID, documentID)
}

// addSimilarityEdges links each chunk to its nearest neighbors by embedding
// similarity: pairwise within the document, plus a vector-store lookup for
// neighbors in other documents when a store is wired. At most topK edges per
// chunk, above the score threshold, ranked from nearest.
func (b *Builder) addSimilarityEdges(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, chunks []*repository.Chunk, vectors [][]float32) error {
	if len(vectors) != len(chunks) {
		var err error
		vectors, err = b.embedChunks(ctx, tenant, doc, chunks)
		if err != nil {
			return err
		}
	}
	if len(chunks) < 2 && b.vectors == nil {
		return nil
	}

	var edges []graphstore.ChunkSimilarity
	seen := make(map[string]bool)

	addRanked := func(src string, neighbors []chunkScore) {
		sort.SliceStable(neighbors, func(a, c int) bool { return neighbors[a].score > neighbors[c].score })
		if len(neighbors) > b.simTopK {
			neighbors = neighbors[:b.simTopK]
		}
		for rank, n := range neighbors {
			a, c := src, n.chunkID
			if c < a {
				a, c = c, a
			}
			key := a + "\x00" + c
			if seen[key] {
				continue
			}
			seen[key] = true
			edges = append(edges, graphstore.ChunkSimilarity{
				SourceChunkID: src,
				TargetChunkID: n.chunkID,
				Score:         n.score,
				Rank:          rank + 1,
			})
		}
	}

	for i, c := range chunks {
		var neighbors []chunkScore
		for j := range chunks {
			if i == j {
				continue
			}
			score := float64(CosineSimilarity(vectors[i], vectors[j]))
			if score >= float64(b.simMin) {
				neighbors = append(neighbors, chunkScore{chunkID: chunks[j].ID, score: score})
			}
		}
		neighbors = append(neighbors, b.crossDocumentNeighbors(ctx, tenant, doc, vectors[i])...)
		addRanked(c.ID, neighbors)
	}

	if len(edges) == 0 {
		return nil
	}
	return b.store.UpsertChunkSimilarities(ctx, tenant.ID, edges)
}

// chunkScore is one similarity candidate during edge generation.
type chunkScore struct {
	chunkID string
	score   float64
}

// crossDocumentNeighbors queries the vector store for close chunks outside
// this document. Best effort: a store failure only narrows the edge set.
func (b *Builder) crossDocumentNeighbors(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, vector []float32) []chunkScore {
	if b.vectors == nil || len(vector) == 0 {
		return nil
	}

	results, err := b.vectors.Search(ctx, tenant.ID, vectorstore.SearchParams{
		Vector:   vector,
		TopK:     b.simTopK + 1, // the chunk itself may come back
		MinScore: b.simMin,
	})
	if err != nil {
		slog.Warn("cross-document similarity lookup failed", "document_id", doc.ID, "error", err)
		return nil
	}

	var out []chunkScore
	for _, r := range results {
		if r.DocumentID == doc.ID.String() || r.ChunkID == "" {
			continue
		}
		out = append(out, chunkScore{chunkID: r.ChunkID, score: float64(r.Score)})
	}
	return out
}

// embedChunks is the fallback when the caller has no vectors at hand.
func (b *Builder) embedChunks(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, chunks []*repository.Chunk) ([][]float32, error) {
	if b.embedder == nil {
		return nil, fmt.Errorf("no chunk vectors and no embedder configured")
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	return b.embedder.EmbedTexts(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "ingestion.graph_similarity",
		Metadata: map[string]string{"document_id": doc.ID.String()},
	}, texts, provider.EmbedOptions{
		Model:      tenant.Config.EmbeddingModel,
		Dimensions: tenant.Config.EmbeddingDimensions,
	})
}

// CosineSimilarity computes the cosine of the angle between two vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range dst {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	return dst
}

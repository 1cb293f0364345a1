// Package retrieval answers queries by fanning out over vector, keyword, and
// graph evidence, fusing the ranked lists, and optionally reranking.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amberhq/amber/internal/cache"
	"github.com/amberhq/amber/internal/embedder"
	"github.com/amberhq/amber/internal/graphstore"
	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
	"github.com/amberhq/amber/internal/reranker"
	"github.com/amberhq/amber/internal/vectorstore"
)

const (
	// DefaultTimeout bounds a whole retrieval fan-out.
	DefaultTimeout = 10 * time.Second

	// DefaultTraversalDeadline bounds the graph leg; expansion past this
	// yields whatever was found, not an error.
	DefaultTraversalDeadline = 200 * time.Millisecond

	// DefaultTopK is the result count when the tenant does not configure one.
	DefaultTopK = 5

	// degradedResultTTL stretches cached results while the engine sheds load.
	degradedResultTTL = 6 * time.Hour

	// communityTopK is how many community summaries feed a corpus-level query.
	communityTopK = 5

	// driftRounds bounds the iterative expansion loop.
	driftRounds = 2

	// structural relation types carry no semantic signal for expansion.
	relBelongsTo = "BELONGS_TO"
	relParentOf  = "PARENT_OF"
)

// Request is one retrieval query.
type Request struct {
	Query string
	// Mode optionally forces a search mode; empty lets the router decide.
	Mode string
	// TopK limits results; 0 uses the tenant's configured depth.
	TopK int
}

// Candidate is one retrieved chunk.
type Candidate struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Score      float64           `json:"score"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Result is a complete retrieval answer.
type Result struct {
	Candidates []Candidate   `json:"candidates"`
	Mode       SearchMode    `json:"mode"`
	Degraded   bool          `json:"degraded"`
	FromCache  bool          `json:"from_cache"`
	Partial    bool          `json:"partial"`
	Latency    time.Duration `json:"latency_ns"`
}

// CommunityIndex serves ranked community summaries for corpus-level queries.
type CommunityIndex interface {
	Summaries(ctx context.Context, tenant *repository.Tenant, query string, limit int) ([]graphstore.Community, error)
}

// Engine orchestrates hybrid retrieval.
type Engine struct {
	vectors     vectorstore.VectorStore
	graph       graphstore.GraphStore
	chunks      repository.ChunkRepository
	embedder    embedder.Embedder
	sparse      *embedder.SparseVectorizer
	router      *Router
	reranker    reranker.Reranker
	communities CommunityIndex
	embCache    *cache.EmbeddingCache
	results     *cache.ResultCache
	monitor     *DegradationMonitor

	timeout           time.Duration
	traversalDeadline time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTimeout bounds the whole fan-out.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// WithTraversalDeadline bounds the graph leg.
func WithTraversalDeadline(d time.Duration) EngineOption {
	return func(e *Engine) { e.traversalDeadline = d }
}

// WithCommunityIndex enables community-summary synthesis for GLOBAL queries.
func WithCommunityIndex(idx CommunityIndex) EngineOption {
	return func(e *Engine) { e.communities = idx }
}

// NewEngine wires the retrieval engine. Graph store, reranker, and caches
// are optional; nil disables the corresponding behavior.
func NewEngine(
	vectors vectorstore.VectorStore,
	graph graphstore.GraphStore,
	chunks repository.ChunkRepository,
	emb embedder.Embedder,
	router *Router,
	rr reranker.Reranker,
	embCache *cache.EmbeddingCache,
	results *cache.ResultCache,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		vectors:           vectors,
		graph:             graph,
		chunks:            chunks,
		embedder:          emb,
		sparse:            embedder.NewSparseVectorizer(),
		router:            router,
		reranker:          rr,
		embCache:          embCache,
		results:           results,
		monitor:           NewDegradationMonitor(),
		timeout:           DefaultTimeout,
		traversalDeadline: DefaultTraversalDeadline,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Degraded exposes the engine's current load-shedding state.
func (e *Engine) Degraded() bool { return e.monitor.Degraded() }

// Retrieve answers one query. Individual source failures degrade the answer
// instead of failing it; only a total miss across all sources is an error.
func (e *Engine) Retrieve(ctx context.Context, tenant *repository.Tenant, req Request) (*Result, error) {
	start := time.Now()
	defer func() { e.monitor.Record(time.Since(start)) }()

	cleaned, filters := ParseFilters(req.Query)
	if strings.TrimSpace(cleaned) == "" {
		cleaned = req.Query
	}
	mode := e.router.Route(ctx, tenant, cleaned, req.Mode)
	degraded := e.monitor.Degraded()

	topK := req.TopK
	if topK <= 0 {
		topK = tenant.Config.TopK
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	cacheKey := cache.QueryKey(fmt.Sprintf("%s|%s|%d|%s", cleaned, mode, topK, filterKey(filters)))
	if e.results != nil {
		var cached Result
		if e.results.Get(ctx, tenant.ID, cacheKey, &cached, 0) {
			cached.FromCache = true
			cached.Latency = time.Since(start)
			return &cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vector, err := e.embedQuery(ctx, tenant, cleaned)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	sparseVec := e.sparse.Vectorize(cleaned)

	params := vectorstore.SearchParams{
		Vector:       vector,
		SparseVector: sparseVec,
		TopK:         topK * 3, // overfetch for fusion
		MinScore:     tenant.Config.MinScore,
		DocumentIDs:  filters.DocumentIDs,
		Hashtags:     filters.Hashtags,
	}

	lists, byID, partial := e.fanOut(ctx, tenant, mode, degraded, cleaned, params)
	fused := FuseRRF(lists)
	if len(fused) == 0 {
		result := &Result{Mode: mode, Degraded: degraded, Partial: partial, Latency: time.Since(start)}
		return result, nil
	}

	limit := topK * 2
	if limit > len(fused) {
		limit = len(fused)
	}
	candidates := e.resolveContent(ctx, tenant, fused[:limit], byID)

	if e.reranker != nil && tenant.Config.RerankerEnabled && !degraded {
		candidates = e.rerank(ctx, tenant, cleaned, candidates, topK)
	} else if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	result := &Result{
		Candidates: candidates,
		Mode:       mode,
		Degraded:   degraded,
		Partial:    partial,
		Latency:    time.Since(start),
	}
	if e.results != nil && !partial {
		ttl := time.Duration(0)
		if degraded {
			ttl = degradedResultTTL
		}
		e.results.Set(ctx, tenant.ID, cacheKey, result, ttl)
	}
	return result, nil
}

// fanOut runs the mode's source legs concurrently and returns their ranked
// lists plus a lookup of everything each leg already knows about a chunk.
func (e *Engine) fanOut(ctx context.Context, tenant *repository.Tenant, mode SearchMode, degraded bool, query string, params vectorstore.SearchParams) ([]RankedList, map[string]*Candidate, bool) {
	vectorWeight := tenant.Config.VectorWeight
	if vectorWeight <= 0 {
		vectorWeight = 1.0
	}
	graphWeight := tenant.Config.GraphWeight
	if graphWeight <= 0 {
		graphWeight = 1.0
	}

	useSparse := mode != ModeBasic && params.SparseVector != nil
	// Degraded with sparse available: one server-fused call instead of two legs.
	useHybrid := degraded && useSparse
	useGraph := e.graph != nil && mode != ModeBasic
	useCommunities := e.communities != nil && mode == ModeGlobal && !degraded
	graphDepth := 1
	graphBeam := 8
	if mode == ModeGlobal {
		graphDepth = 2
		graphBeam = 16
		// Corpus-level questions lean on structure over raw similarity.
		vectorWeight *= 0.5
	}
	if degraded {
		// Shed traversal cost but keep the seed entities' own chunks.
		graphDepth = 0
	}

	var (
		mu                                                         sync.Mutex
		byID                                                       = make(map[string]*Candidate)
		denseList, sparseList, hybridList, graphList, summaryList []string
	)
	record := func(results []vectorstore.SearchResult) []string {
		mu.Lock()
		defer mu.Unlock()
		ids := make([]string, 0, len(results))
		for _, r := range results {
			if r.ChunkID == "" {
				continue
			}
			ids = append(ids, r.ChunkID)
			if _, ok := byID[r.ChunkID]; !ok {
				c := &Candidate{
					ChunkID:    r.ChunkID,
					DocumentID: r.DocumentID,
					Content:    r.Content,
					Metadata:   r.Metadata,
				}
				if r.Truncated {
					c.Content = "" // refetch full text later
				}
				byID[r.ChunkID] = c
			}
		}
		return ids
	}

	var partial atomic.Bool
	g, gctx := errgroup.WithContext(ctx)

	if useHybrid {
		g.Go(func() error {
			results, err := e.vectors.HybridSearch(gctx, tenant.ID, params)
			if err != nil {
				slog.Warn("hybrid search failed", "tenant_id", tenant.ID, "error", err)
				partial.Store(true)
				return nil
			}
			hybridList = record(results)
			return nil
		})
	} else {
		g.Go(func() error {
			results, err := e.vectors.Search(gctx, tenant.ID, params)
			if err != nil {
				slog.Warn("dense search failed", "tenant_id", tenant.ID, "error", err)
				partial.Store(true)
				return nil
			}
			denseList = record(results)
			return nil
		})

		if useSparse {
			g.Go(func() error {
				results, err := e.vectors.SparseSearch(gctx, tenant.ID, params)
				if err != nil {
					slog.Warn("sparse search failed", "tenant_id", tenant.ID, "error", err)
					partial.Store(true)
					return nil
				}
				sparseList = record(results)
				return nil
			})
		}
	}

	if useGraph {
		g.Go(func() error {
			var ids []string
			var err error
			if mode == ModeDrift && !degraded {
				ids, err = e.driftLeg(gctx, tenant, query, params)
			} else {
				ids, err = e.graphLeg(gctx, tenant, query, graphDepth, graphBeam)
			}
			if err != nil {
				slog.Warn("graph search failed", "tenant_id", tenant.ID, "error", err)
				partial.Store(true)
				return nil
			}
			mu.Lock()
			for _, id := range ids {
				if _, ok := byID[id]; !ok {
					byID[id] = &Candidate{ChunkID: id}
				}
			}
			mu.Unlock()
			graphList = ids
			return nil
		})
	}

	if useCommunities {
		g.Go(func() error {
			communities, err := e.communities.Summaries(gctx, tenant, query, communityTopK)
			if err != nil {
				slog.Warn("community lookup failed", "tenant_id", tenant.ID, "error", err)
				partial.Store(true)
				return nil
			}
			mu.Lock()
			for _, c := range communities {
				if c.Summary == "" {
					continue
				}
				id := "community:" + c.ID
				summaryList = append(summaryList, id)
				byID[id] = &Candidate{
					ChunkID: id,
					Content: c.Title + "\n" + c.Summary,
					Metadata: map[string]string{
						"community_id": c.ID,
						"title":        c.Title,
					},
				}
			}
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait() // legs swallow their own errors

	var lists []RankedList
	if len(denseList) > 0 {
		lists = append(lists, RankedList{Source: "vector", Weight: vectorWeight, ChunkID: denseList})
	}
	if len(hybridList) > 0 {
		lists = append(lists, RankedList{Source: "hybrid", Weight: vectorWeight, ChunkID: hybridList})
	}
	if len(sparseList) > 0 {
		lists = append(lists, RankedList{Source: "keyword", Weight: 1.0, ChunkID: sparseList})
	}
	if len(graphList) > 0 {
		lists = append(lists, RankedList{Source: "graph", Weight: graphWeight, ChunkID: graphList})
	}
	if len(summaryList) > 0 {
		lists = append(lists, RankedList{Source: "community", Weight: graphWeight, ChunkID: summaryList})
	}
	return lists, byID, partial.Load()
}

// graphLeg finds entities matching query terms and expands outward, turning
// discovered entities' chunk references into a ranked candidate list.
func (e *Engine) graphLeg(ctx context.Context, tenant *repository.Tenant, query string, depth, beam int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.traversalDeadline)
	defer cancel()

	terms := seedTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	seeds, err := e.graph.FindEntities(ctx, tenant.ID, terms)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	seedNames := make([]string, len(seeds))
	type ranked struct {
		id     string
		weight float64
	}
	var out []ranked
	seen := make(map[string]bool)
	appendChunks := func(chunkIDs []string, weight float64) {
		for _, id := range chunkIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, ranked{id: id, weight: weight})
			}
		}
	}

	for i, s := range seeds {
		seedNames[i] = s.Name
		appendChunks(s.ChunkIDs, 1.0)
	}

	neighbors, err := e.graph.Expand(ctx, tenant.ID, graphstore.ExpandParams{
		Seeds:        seedNames,
		Depth:        depth,
		BeamWidth:    beam,
		ExcludeTypes: []string{relBelongsTo, relParentOf},
	})
	if err != nil {
		return nil, err
	}
	for _, n := range neighbors {
		// Deeper hops contribute less.
		appendChunks(n.Entity.ChunkIDs, n.Relation.Weight/float64(n.Depth+1))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].weight > out[j].weight })
	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.id
	}
	return ids, nil
}

// driftLeg explores the graph iteratively: seeds come from a local dense
// search plus query-term entity lookups, then each round expands one hop from
// the entities the previous round discovered. An empty seed set returns
// nothing, leaving the dense leg to answer alone.
func (e *Engine) driftLeg(ctx context.Context, tenant *repository.Tenant, query string, params vectorstore.SearchParams) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.traversalDeadline)
	defer cancel()

	type ranked struct {
		id     string
		weight float64
	}
	var out []ranked
	seenChunk := make(map[string]bool)
	appendChunks := func(chunkIDs []string, weight float64) {
		for _, id := range chunkIDs {
			if !seenChunk[id] {
				seenChunk[id] = true
				out = append(out, ranked{id: id, weight: weight})
			}
		}
	}

	visited := make(map[string]bool)
	var frontier []string
	addSeed := func(ent graphstore.Entity) {
		if !visited[ent.Name] {
			visited[ent.Name] = true
			frontier = append(frontier, ent.Name)
		}
		appendChunks(ent.ChunkIDs, 1.0)
	}

	// Local seeding: the entities mentioned in the query's best dense hits.
	local := params
	local.TopK = DefaultTopK
	if hits, err := e.vectors.Search(ctx, tenant.ID, local); err == nil && len(hits) > 0 {
		ids := make([]string, 0, len(hits))
		for _, h := range hits {
			if h.ChunkID != "" {
				ids = append(ids, h.ChunkID)
			}
		}
		if mentioned, err := e.graph.EntitiesByChunks(ctx, tenant.ID, ids); err == nil {
			for _, ent := range mentioned {
				addSeed(ent)
			}
		}
	}

	if terms := seedTerms(query); len(terms) > 0 {
		if seeds, err := e.graph.FindEntities(ctx, tenant.ID, terms); err == nil {
			for _, ent := range seeds {
				addSeed(ent)
			}
		}
	}
	if len(frontier) == 0 {
		return nil, nil
	}

	for round := 1; round <= driftRounds; round++ {
		neighbors, err := e.graph.Expand(ctx, tenant.ID, graphstore.ExpandParams{
			Seeds:        frontier,
			Depth:        1,
			BeamWidth:    8,
			ExcludeTypes: []string{relBelongsTo, relParentOf},
		})
		if err != nil {
			// Whatever earlier rounds found still counts.
			break
		}
		frontier = frontier[:0]
		for _, n := range neighbors {
			if !visited[n.Entity.Name] {
				visited[n.Entity.Name] = true
				frontier = append(frontier, n.Entity.Name)
			}
			appendChunks(n.Entity.ChunkIDs, n.Relation.Weight/float64(round+1))
		}
		if len(frontier) == 0 {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].weight > out[j].weight })
	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.id
	}
	return ids, nil
}

// resolveContent fills candidate text, falling back to the chunk rows for
// graph-only hits and truncated payloads.
func (e *Engine) resolveContent(ctx context.Context, tenant *repository.Tenant, fused []FusedCandidate, byID map[string]*Candidate) []Candidate {
	candidates := make([]Candidate, 0, len(fused))
	var missing []string

	for _, f := range fused {
		c := byID[f.ChunkID]
		if c == nil {
			c = &Candidate{ChunkID: f.ChunkID}
		}
		c.Score = f.Score
		c.Source = SourceLabel(f.Sources)
		if c.Content == "" {
			missing = append(missing, c.ChunkID)
		}
		candidates = append(candidates, *c)
	}

	if len(missing) > 0 && e.chunks != nil {
		rows, err := e.chunks.GetByIDs(ctx, missing)
		if err != nil {
			slog.Warn("chunk content fallback failed", "tenant_id", tenant.ID, "error", err)
			// The rows are unreachable; the vector payload is second best.
			e.fillFromPoints(ctx, tenant, candidates, missing)
		} else {
			content := make(map[string]*repository.Chunk, len(rows))
			for _, row := range rows {
				content[row.ID] = row
			}
			var orphaned []string
			for i := range candidates {
				if candidates[i].Content == "" {
					if row, ok := content[candidates[i].ChunkID]; ok {
						candidates[i].Content = row.Content
						candidates[i].DocumentID = row.DocumentID.String()
					} else {
						orphaned = append(orphaned, candidates[i].ChunkID)
					}
				}
			}
			e.pruneOrphans(ctx, tenant, orphaned)
		}
	}

	// Chunks whose text is gone everywhere cannot be cited.
	kept := candidates[:0]
	for _, c := range candidates {
		if c.Content != "" {
			kept = append(kept, c)
		}
	}
	return kept
}

// fillFromPoints recovers candidate text from the vector payloads when the
// chunk rows cannot be read. Truncated payloads stay empty; a clipped excerpt
// is worse than dropping the candidate.
func (e *Engine) fillFromPoints(ctx context.Context, tenant *repository.Tenant, candidates []Candidate, missing []string) {
	points, err := e.vectors.GetChunks(ctx, tenant.ID, missing)
	if err != nil {
		slog.Warn("vector payload fallback failed", "tenant_id", tenant.ID, "error", err)
		return
	}
	content := make(map[string]vectorstore.SearchResult, len(points))
	for _, p := range points {
		if p.Content != "" && !p.Truncated {
			content[p.ChunkID] = p
		}
	}
	for i := range candidates {
		if candidates[i].Content == "" {
			if p, ok := content[candidates[i].ChunkID]; ok {
				candidates[i].Content = p.Content
				candidates[i].DocumentID = p.DocumentID
			}
		}
	}
}

// pruneOrphans deletes vector points whose chunk rows no longer exist, so the
// same stale hits stop surfacing. Best effort.
func (e *Engine) pruneOrphans(ctx context.Context, tenant *repository.Tenant, ids []string) {
	if len(ids) == 0 {
		return
	}
	points, err := e.vectors.GetChunks(ctx, tenant.ID, ids)
	if err != nil || len(points) == 0 {
		return
	}
	orphans := make([]string, 0, len(points))
	for _, p := range points {
		orphans = append(orphans, p.ChunkID)
	}
	slog.Warn("removing vector points with no chunk rows",
		"tenant_id", tenant.ID, "count", len(orphans))
	if err := e.vectors.DeleteByIDs(ctx, tenant.ID, orphans); err != nil {
		slog.Warn("orphan cleanup failed", "tenant_id", tenant.ID, "error", err)
	}
}

// rerank re-scores the candidates and reorders them, keeping topK.
func (e *Engine) rerank(ctx context.Context, tenant *repository.Tenant, query string, candidates []Candidate, topK int) []Candidate {
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Content
	}
	ranked, err := e.reranker.Rerank(ctx, tenant, query, docs, topK)
	if err != nil || len(ranked) == 0 {
		if len(candidates) > topK {
			return candidates[:topK]
		}
		return candidates
	}

	out := make([]Candidate, 0, len(ranked))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(candidates) {
			continue
		}
		c := candidates[r.Index]
		c.Score = float64(r.Score)
		out = append(out, c)
	}
	return out
}

// embedQuery returns the query's dense vector, cached per tenant and model.
func (e *Engine) embedQuery(ctx context.Context, tenant *repository.Tenant, query string) ([]float32, error) {
	model := tenant.Config.EmbeddingModel
	if e.embCache != nil {
		if vec := e.embCache.Get(ctx, tenant.ID, model, query); vec != nil {
			return vec, nil
		}
	}

	vectors, err := e.embedder.EmbedTexts(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "retrieval.query_embedding",
	}, []string{query}, provider.EmbedOptions{
		Model:      model,
		Dimensions: tenant.Config.EmbeddingDimensions,
	})
	if err != nil {
		return nil, err
	}
	if e.embCache != nil {
		e.embCache.Set(ctx, tenant.ID, model, query, vectors[0])
	}
	return vectors[0], nil
}

// seedTerms picks capitalized and distinctive terms as entity lookup seeds.
func seedTerms(query string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, f := range strings.Fields(query) {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) < 3 {
			continue
		}
		key := strings.ToLower(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, f)
	}
	if len(terms) > 8 {
		terms = terms[:8]
	}
	return terms
}

func filterKey(f Filters) string {
	if f.Empty() {
		return ""
	}
	var sb strings.Builder
	for _, t := range f.Hashtags {
		sb.WriteString("#" + t)
	}
	for _, id := range f.DocumentIDs {
		sb.WriteString("doc:" + id.String())
	}
	if f.After != nil {
		sb.WriteString("after:" + f.After.Format("2006-01-02"))
	}
	if f.Before != nil {
		sb.WriteString("before:" + f.Before.Format("2006-01-02"))
	}
	return sb.String()
}

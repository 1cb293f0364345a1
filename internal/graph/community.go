package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/amberhq/amber/internal/capacity"
	"github.com/amberhq/amber/internal/graphstore"
	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
)

const (
	// maxKeyEntities caps how many member names a community advertises.
	maxKeyEntities = 10

	// maxSummaryMembers bounds how much of a large community feeds the
	// summarization prompt.
	maxSummaryMembers = 30

	// defaultCommunityRating is used when the model gives none.
	defaultCommunityRating = 5.0
)

// CommunityService clusters a tenant's entity graph into communities and
// keeps an LLM-written summary per community. Summaries are lazy: ingestion
// marks touched communities stale, and the next pass rewrites only those.
type CommunityService struct {
	store    graphstore.GraphStore
	llm      *provider.Chain
	steps    *provider.StepResolver
	capacity capacity.Limiter
}

// CommunityOption configures a CommunityService.
type CommunityOption func(*CommunityService)

// WithCommunityCapacity gates recomputation behind the background-work
// capacity class.
func WithCommunityCapacity(limiter capacity.Limiter) CommunityOption {
	return func(s *CommunityService) { s.capacity = limiter }
}

// NewCommunityService creates a community service. The LLM is optional;
// without it summaries fall back to a deterministic digest of the members.
func NewCommunityService(store graphstore.GraphStore, llm *provider.Chain, steps *provider.StepResolver, opts ...CommunityOption) *CommunityService {
	s := &CommunityService{store: store, llm: llm, steps: steps}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh recomputes the tenant's communities: connected components over the
// entity graph, one summary per component. Components whose member set is
// unchanged keep their summary unless marked stale; vanished communities are
// deleted. Returns the resulting community list.
func (s *CommunityService) Refresh(ctx context.Context, tenant *repository.Tenant) ([]graphstore.Community, error) {
	if s.capacity != nil {
		lease, err := s.capacity.Acquire(ctx, tenant.ID, capacity.ClassCommunities)
		if err != nil {
			return nil, fmt.Errorf("acquiring community capacity: %w", err)
		}
		defer lease.Release(context.WithoutCancel(ctx))
	}

	entities, relations, err := s.store.Export(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("exporting graph: %w", err)
	}
	if len(entities) == 0 {
		return nil, nil
	}

	existing, err := s.store.Communities(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("listing communities: %w", err)
	}
	byID := make(map[string]graphstore.Community, len(existing))
	for _, c := range existing {
		byID[c.ID] = c
	}

	components := clusterEntities(entities, relations)
	degree := relationDegrees(relations)

	var out []graphstore.Community
	kept := make(map[string]bool)
	for _, members := range components {
		id := communityID(0, members)
		kept[id] = true

		community := graphstore.Community{
			ID:          id,
			TenantID:    tenant.ID,
			Level:       0,
			KeyEntities: keyEntities(members, degree),
			Status:      graphstore.CommunityStatusActive,
		}
		if prev, ok := byID[id]; ok && !prev.Stale && prev.Summary != "" {
			community.Title = prev.Title
			community.Summary = prev.Summary
			community.Rating = prev.Rating
		} else {
			s.summarize(ctx, tenant, &community, members, entities)
		}
		out = append(out, community)
	}

	if err := s.store.UpsertCommunities(ctx, tenant.ID, out); err != nil {
		return nil, fmt.Errorf("upserting communities: %w", err)
	}
	for i, members := range components {
		if err := s.store.AssignCommunity(ctx, tenant.ID, out[i].ID, members); err != nil {
			return nil, fmt.Errorf("assigning community members: %w", err)
		}
	}

	var gone []string
	for id := range byID {
		if !kept[id] {
			gone = append(gone, id)
		}
	}
	if err := s.store.DeleteCommunities(ctx, tenant.ID, gone); err != nil {
		return nil, fmt.Errorf("deleting dissolved communities: %w", err)
	}

	slog.Info("community pass complete",
		"tenant_id", tenant.ID, "communities", len(out), "dissolved", len(gone))
	return out, nil
}

// Summaries returns the communities most relevant to the query, freshest
// first. Stale or missing communities trigger a refresh before ranking.
func (s *CommunityService) Summaries(ctx context.Context, tenant *repository.Tenant, query string, limit int) ([]graphstore.Community, error) {
	communities, err := s.store.Communities(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}

	needsRefresh := len(communities) == 0
	for _, c := range communities {
		if c.Stale {
			needsRefresh = true
			break
		}
	}
	if needsRefresh {
		refreshed, err := s.Refresh(ctx, tenant)
		if err != nil {
			// Stale summaries still beat no answer.
			slog.Warn("community refresh failed, serving existing summaries",
				"tenant_id", tenant.ID, "error", err)
		} else {
			communities = refreshed
		}
	}
	if len(communities) == 0 {
		return nil, nil
	}

	terms := strings.Fields(strings.ToLower(query))
	type scoredCommunity struct {
		c     graphstore.Community
		score float64
	}
	ranked := make([]scoredCommunity, 0, len(communities))
	for _, c := range communities {
		ranked = append(ranked, scoredCommunity{c: c, score: communityScore(c, terms)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].c.Rating > ranked[j].c.Rating
	})

	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]graphstore.Community, 0, limit)
	for _, r := range ranked[:limit] {
		out = append(out, r.c)
	}
	return out, nil
}

// summarize fills title, summary, and rating, via the LLM when available.
func (s *CommunityService) summarize(ctx context.Context, tenant *repository.Tenant, community *graphstore.Community, members []string, entities []graphstore.Entity) {
	descriptions := make(map[string]string, len(entities))
	for _, e := range entities {
		descriptions[e.Name] = e.Description
	}

	community.Title = strings.Join(community.KeyEntities, ", ")
	community.Rating = defaultCommunityRating
	var sb strings.Builder
	for i, name := range members {
		if i >= maxSummaryMembers {
			break
		}
		sb.WriteString("- " + name)
		if d := descriptions[name]; d != "" {
			sb.WriteString(": " + firstLine(d))
		}
		sb.WriteString("\n")
	}
	community.Summary = sb.String()

	if s.llm == nil || s.steps == nil {
		return
	}

	settings := s.steps.Resolve("graph.community_summary", provider.TenantOverrides{
		Steps:              tenant.Config.LLMSteps,
		DefaultProvider:    tenant.Config.LLMProvider,
		DefaultModel:       tenant.Config.LLMModel,
		DefaultTemperature: tenant.Config.Temperature,
	})
	prompt := fmt.Sprintf(`These entities form one community in a knowledge graph. Write a report about what connects them. Respond with JSON only:
{"title": "short name for the community", "summary": "2-4 sentence overview", "rating": 0-10 importance}

Entities:
%s`, community.Summary)

	result, err := s.llm.Generate(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "graph.community_summary",
		Metadata: map[string]string{"community_id": community.ID},
	}, prompt, provider.GenerateOptions{
		Model:       settings.Model,
		Temperature: settings.Temperature,
		Seed:        settings.Seed,
		MaxTokens:   512,
	})
	if err != nil {
		slog.Warn("community summarization failed, keeping member digest",
			"community_id", community.ID, "error", err)
		return
	}

	var parsed struct {
		Title   string  `json:"title"`
		Summary string  `json:"summary"`
		Rating  float64 `json:"rating"`
	}
	if err := json.Unmarshal([]byte(stripFences(result.Text)), &parsed); err != nil {
		slog.Warn("unparseable community summary, keeping member digest",
			"community_id", community.ID, "error", err)
		return
	}
	if parsed.Title != "" {
		community.Title = parsed.Title
	}
	if parsed.Summary != "" {
		community.Summary = parsed.Summary
	}
	if parsed.Rating > 0 && parsed.Rating <= 10 {
		community.Rating = parsed.Rating
	}
}

// clusterEntities groups entities into connected components over the
// relation edges. Entities with no edges are left out; a community of one
// has nothing to summarize.
func clusterEntities(entities []graphstore.Entity, relations []graphstore.Relation) [][]string {
	parent := make(map[string]string, len(entities))
	for _, e := range entities {
		parent[e.Name] = e.Name
	}

	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	linked := make(map[string]bool)
	for _, r := range relations {
		if _, ok := parent[r.Source]; !ok {
			continue
		}
		if _, ok := parent[r.Target]; !ok {
			continue
		}
		union(r.Source, r.Target)
		linked[r.Source] = true
		linked[r.Target] = true
	}

	groups := make(map[string][]string)
	for _, e := range entities {
		if !linked[e.Name] {
			continue
		}
		root := find(e.Name)
		groups[root] = append(groups[root], e.Name)
	}

	components := make([][]string, 0, len(groups))
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		components = append(components, members)
	}
	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })
	return components
}

// communityID is content-addressed by level and member set, so an unchanged
// cluster keeps its identity across passes.
func communityID(level int, members []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\n", level)
	for _, m := range members {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("c%d-%s", level, hex.EncodeToString(h.Sum(nil))[:12])
}

// relationDegrees counts edges per entity name.
func relationDegrees(relations []graphstore.Relation) map[string]int {
	degree := make(map[string]int)
	for _, r := range relations {
		degree[r.Source]++
		degree[r.Target]++
	}
	return degree
}

// keyEntities picks the best-connected members, name-ordered on ties.
func keyEntities(members []string, degree map[string]int) []string {
	ranked := append([]string(nil), members...)
	sort.SliceStable(ranked, func(i, j int) bool { return degree[ranked[i]] > degree[ranked[j]] })
	if len(ranked) > maxKeyEntities {
		ranked = ranked[:maxKeyEntities]
	}
	return ranked
}

// communityScore is lexical overlap between query terms and the community's
// title, key entities, and summary. Title hits weigh most.
func communityScore(c graphstore.Community, terms []string) float64 {
	title := strings.ToLower(c.Title)
	summary := strings.ToLower(c.Summary)
	keys := strings.ToLower(strings.Join(c.KeyEntities, " "))

	var score float64
	for _, t := range terms {
		if len(t) < 3 {
			continue
		}
		if strings.Contains(title, t) {
			score += 3
		}
		if strings.Contains(keys, t) {
			score += 2
		}
		if strings.Contains(summary, t) {
			score += 1
		}
	}
	return score
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

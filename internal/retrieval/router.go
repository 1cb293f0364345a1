package retrieval

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
)

// SearchMode selects the retrieval strategy for a query.
type SearchMode string

const (
	// ModeBasic is dense-only vector search.
	ModeBasic SearchMode = "BASIC"

	// ModeHybrid fuses dense, sparse, and graph evidence.
	ModeHybrid SearchMode = "HYBRID"

	// ModeGlobal answers corpus-level questions from graph structure.
	ModeGlobal SearchMode = "GLOBAL"

	// ModeDrift iteratively refines a global answer with local follow-ups.
	ModeDrift SearchMode = "DRIFT"
)

// ValidMode reports whether s names a search mode.
func ValidMode(s string) (SearchMode, bool) {
	switch SearchMode(strings.ToUpper(s)) {
	case ModeBasic, ModeHybrid, ModeGlobal, ModeDrift:
		return SearchMode(strings.ToUpper(s)), true
	}
	return "", false
}

// Router picks a search mode for a query. A client-requested mode always
// wins; otherwise cheap heuristics decide, escalating to an LLM call only
// for queries the heuristics cannot place.
type Router struct {
	llm   *provider.Chain
	steps *provider.StepResolver
}

// NewRouter creates a query router. The LLM is optional; without it the
// heuristics' fallback answer stands.
func NewRouter(llm *provider.Chain, steps *provider.StepResolver) *Router {
	return &Router{llm: llm, steps: steps}
}

// globalMarkers suggest a corpus-level question.
var globalMarkers = []string{
	"overall", "across all", "all documents", "main themes", "summarize everything",
	"common patterns", "trends", "in general", "big picture", "entire",
}

// Route decides the search mode.
func (r *Router) Route(ctx context.Context, tenant *repository.Tenant, query string, requested string) SearchMode {
	if mode, ok := ValidMode(requested); ok {
		return mode
	}

	if mode, decided := routeHeuristic(query); decided {
		return mode
	}
	return r.routeLLM(ctx, tenant, query)
}

// routeHeuristic places obvious queries without a model call.
func routeHeuristic(query string) (SearchMode, bool) {
	q := strings.ToLower(query)
	words := strings.Fields(q)

	// Short keyword-ish lookups do fine on plain vector search.
	if len(words) <= 3 && !strings.Contains(q, "?") {
		return ModeBasic, true
	}
	for _, marker := range globalMarkers {
		if strings.Contains(q, marker) {
			return ModeGlobal, true
		}
	}
	// Specific factual questions are the hybrid sweet spot.
	if len(words) <= 12 {
		return ModeHybrid, true
	}
	return "", false
}

// routeLLM asks the model to place a query the heuristics could not.
func (r *Router) routeLLM(ctx context.Context, tenant *repository.Tenant, query string) SearchMode {
	if r.llm == nil || r.steps == nil {
		return ModeHybrid
	}

	settings := r.steps.Resolve("retrieval.routing", provider.TenantOverrides{
		Steps:              tenant.Config.LLMSteps,
		DefaultProvider:    tenant.Config.LLMProvider,
		DefaultModel:       tenant.Config.LLMModel,
		DefaultTemperature: tenant.Config.Temperature,
	})

	prompt := `Classify this search query. Respond with JSON only: {"mode": "BASIC|HYBRID|GLOBAL|DRIFT"}
BASIC: simple keyword lookup. HYBRID: specific factual question. GLOBAL: question about overall themes across many documents. DRIFT: broad question needing both themes and specifics.

Query: ` + query

	result, err := r.llm.Generate(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "retrieval.routing",
	}, prompt, provider.GenerateOptions{
		Model:       settings.Model,
		Temperature: settings.Temperature,
		Seed:        settings.Seed,
		MaxTokens:   32,
	})
	if err != nil {
		slog.Debug("llm routing failed, defaulting to hybrid", "error", err)
		return ModeHybrid
	}

	var parsed struct {
		Mode string `json:"mode"`
	}
	text := strings.TrimSpace(result.Text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return ModeHybrid
	}
	if mode, ok := ValidMode(parsed.Mode); ok {
		return mode
	}
	return ModeHybrid
}

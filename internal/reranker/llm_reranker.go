package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
)

// maxDocChars truncates documents in the scoring prompt to keep it bounded.
const maxDocChars = 500

// LLMReranker scores query-document pairs through the provider failover
// chain, using the tenant's resolved model for the reranking step.
type LLMReranker struct {
	llm   *provider.Chain
	steps *provider.StepResolver
}

// NewLLMReranker creates an LLM-based reranker.
func NewLLMReranker(llm *provider.Chain, steps *provider.StepResolver) *LLMReranker {
	return &LLMReranker{llm: llm, steps: steps}
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank scores each document's relevance to the query. A model failure or
// unparseable response falls back to input order so retrieval still answers.
func (r *LLMReranker) Rerank(ctx context.Context, tenant *repository.Tenant, query string, docs []string, topK int) ([]provider.RerankedDocument, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > len(docs) {
		topK = len(docs)
	}

	settings := r.steps.Resolve("retrieval.reranking", provider.TenantOverrides{
		Steps:              tenant.Config.LLMSteps,
		DefaultProvider:    tenant.Config.LLMProvider,
		DefaultModel:       tenant.Config.LLMModel,
		DefaultTemperature: tenant.Config.Temperature,
	})

	response, err := r.llm.Generate(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "retrieval.reranking",
	}, buildRerankPrompt(query, docs), provider.GenerateOptions{
		Model:       settings.Model,
		Temperature: 0, // deterministic scoring
		Seed:        settings.Seed,
		MaxTokens:   1024,
	})
	if err != nil {
		slog.Warn("reranking failed, falling back to input order", "error", err)
		return fallbackOrder(docs, topK), nil
	}

	scores, err := parseRerankResponse(response.Text, len(docs))
	if err != nil {
		slog.Warn("unparseable rerank response, falling back to input order", "error", err)
		return fallbackOrder(docs, topK), nil
	}

	ranked := make([]provider.RerankedDocument, len(docs))
	for i, doc := range docs {
		ranked[i] = provider.RerankedDocument{Index: i, Score: scores[i], Text: doc}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked[:topK], nil
}

// buildRerankPrompt constructs the scoring prompt.
func buildRerankPrompt(query string, docs []string) string {
	var sb strings.Builder
	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nDocuments to score:\n")

	for i, doc := range docs {
		if len(doc) > maxDocChars {
			doc = doc[:maxDocChars] + "..."
		}
		fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, doc)
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)
	return sb.String()
}

// parseRerankResponse extracts scores from the LLM response.
func parseRerankResponse(response string, numResults int) ([]float32, error) {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	// Missing entries keep a neutral score rather than sinking to the bottom.
	scores := make([]float32, numResults)
	for i := range scores {
		scores[i] = 0.5
	}
	for _, s := range parsed.Scores {
		if s.DocIndex >= 0 && s.DocIndex < numResults {
			score := s.Score
			if score < 0 {
				score = 0
			}
			if score > 1 {
				score = 1
			}
			scores[s.DocIndex] = score
		}
	}
	return scores, nil
}

// fallbackOrder preserves input order with decaying scores.
func fallbackOrder(docs []string, topK int) []provider.RerankedDocument {
	n := topK
	if n > len(docs) {
		n = len(docs)
	}
	out := make([]provider.RerankedDocument, n)
	for i := 0; i < n; i++ {
		out[i] = provider.RerankedDocument{
			Index: i,
			Score: 1 - float32(i)/float32(len(docs)),
			Text:  docs[i],
		}
	}
	return out
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)

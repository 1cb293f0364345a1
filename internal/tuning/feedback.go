package tuning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
)

// Feedback cause classifications.
const (
	CauseRetrievalFailure = "RETRIEVAL_FAILURE"
	CauseHallucination    = "HALLUCINATION"
	CauseOther            = "OTHER"
)

// suggestConfidence is the classifier confidence below which no weight
// suggestion is logged.
const suggestConfidence = 0.8

// Feedback is one user signal about an answer.
type Feedback struct {
	RequestID string
	Positive  bool
	Comment   string
	// Snippets are the answer fragments the user flagged, if any.
	Snippets []string
}

// Analysis is the classified outcome of a negative feedback item.
type Analysis struct {
	Cause      string  `json:"cause"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	// SuggestedWeights is set for high-confidence retrieval failures.
	// It is logged, never auto-applied.
	SuggestedWeights *Weights `json:"suggested_weights,omitempty"`
}

// FeedbackAnalyzer classifies negative feedback and proposes tuning moves.
type FeedbackAnalyzer struct {
	llm    *provider.Chain
	steps  *provider.StepResolver
	config *ConfigService
}

// NewFeedbackAnalyzer wires the analyzer.
func NewFeedbackAnalyzer(llm *provider.Chain, steps *provider.StepResolver, config *ConfigService) *FeedbackAnalyzer {
	return &FeedbackAnalyzer{llm: llm, steps: steps, config: config}
}

// Analyze classifies a piece of feedback. Positive feedback and negative
// feedback without detail return a nil analysis. Weight suggestions are
// logged for operators; nothing changes tenant config here.
func (a *FeedbackAnalyzer) Analyze(ctx context.Context, tenant *repository.Tenant, fb Feedback) (*Analysis, error) {
	if fb.Positive || (fb.Comment == "" && len(fb.Snippets) == 0) {
		return nil, nil
	}

	settings := a.steps.Resolve("tuning.feedback", provider.TenantOverrides{
		Steps:              tenant.Config.LLMSteps,
		DefaultProvider:    tenant.Config.LLMProvider,
		DefaultModel:       tenant.Config.LLMModel,
		DefaultTemperature: tenant.Config.Temperature,
	})

	result, err := a.llm.Generate(ctx, provider.Meta{
		TenantID:  tenant.ID.String(),
		Step:      "tuning.feedback",
		RequestID: fb.RequestID,
	}, buildFeedbackPrompt(fb), provider.GenerateOptions{
		Model:       settings.Model,
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, fmt.Errorf("classifying feedback: %w", err)
	}

	analysis, err := parseAnalysis(result.Text)
	if err != nil {
		return nil, fmt.Errorf("parsing feedback analysis: %w", err)
	}

	if analysis.Cause == CauseRetrievalFailure && analysis.Confidence >= suggestConfidence {
		analysis.SuggestedWeights = suggestWeights(tenant)
		slog.Info("retrieval failure feedback, weight adjustment suggested",
			"tenant_id", tenant.ID,
			"request_id", fb.RequestID,
			"confidence", analysis.Confidence,
			"suggested_vector_weight", analysis.SuggestedWeights.VectorWeight,
			"suggested_graph_weight", analysis.SuggestedWeights.GraphWeight,
		)
	}
	return analysis, nil
}

// suggestWeights nudges toward the graph leg; retrieval failures on hybrid
// corpora most often mean vector similarity missed entity-linked context.
func suggestWeights(tenant *repository.Tenant) *Weights {
	vector := tenant.Config.VectorWeight
	if vector <= 0 {
		vector = 1.0
	}
	graph := tenant.Config.GraphWeight
	if graph <= 0 {
		graph = 1.0
	}
	return &Weights{VectorWeight: vector, GraphWeight: graph * 1.2}
}

func buildFeedbackPrompt(fb Feedback) string {
	var sb strings.Builder
	sb.WriteString(`A user gave negative feedback on a question-answering response. Classify the most likely cause:
- RETRIEVAL_FAILURE: the right documents were not found or ranked too low
- HALLUCINATION: the answer asserts things the sources do not support
- OTHER: anything else (tone, formatting, refusal, latency)

`)
	if fb.Comment != "" {
		sb.WriteString("User comment: ")
		sb.WriteString(fb.Comment)
		sb.WriteString("\n\n")
	}
	for i, snippet := range fb.Snippets {
		fmt.Fprintf(&sb, "Flagged snippet %d: %s\n", i+1, snippet)
	}
	sb.WriteString(`
Output ONLY JSON: {"cause": "RETRIEVAL_FAILURE" | "HALLUCINATION" | "OTHER", "confidence": 0.0-1.0, "reasoning": "one sentence"}`)
	return sb.String()
}

func parseAnalysis(text string) (*Analysis, error) {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "{"); idx > 0 {
		text = text[idx:]
	}
	if idx := strings.LastIndex(text, "}"); idx != -1 {
		text = text[:idx+1]
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(text), &analysis); err != nil {
		return nil, err
	}
	switch analysis.Cause {
	case CauseRetrievalFailure, CauseHallucination, CauseOther:
	default:
		analysis.Cause = CauseOther
	}
	if analysis.Confidence < 0 {
		analysis.Confidence = 0
	}
	if analysis.Confidence > 1 {
		analysis.Confidence = 1
	}
	return &analysis, nil
}

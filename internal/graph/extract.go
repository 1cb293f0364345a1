// Package graph builds tenant knowledge graphs from ingested documents.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
)

// DefaultRelationType is used when a model emits a relation type that cannot
// be sanitized into a usable label.
const DefaultRelationType = "RELATED_TO"

// extractedEntity is the model's view of one entity in a chunk.
type extractedEntity struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases"`
}

// extractedRelation is the model's view of one relation in a chunk.
type extractedRelation struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// extraction is the full model response for one chunk.
type extraction struct {
	Entities  []extractedEntity   `json:"entities"`
	Relations []extractedRelation `json:"relations"`
}

// Extractor pulls entities and relations out of chunk text with an LLM,
// with one gleaning round to catch what the first pass missed.
type Extractor struct {
	llm           *provider.Chain
	steps         *provider.StepResolver
	gleaningRound bool
}

// NewExtractor creates an entity extractor. Gleaning is on by default.
func NewExtractor(llm *provider.Chain, steps *provider.StepResolver) *Extractor {
	return &Extractor{llm: llm, steps: steps, gleaningRound: true}
}

const extractionPrompt = `Extract the entities and relations stated in the text. Respond with JSON only:
{"entities": [{"name": "...", "type": "person|organization|location|concept|product|event|other", "description": "one sentence", "aliases": ["..."]}],
 "relations": [{"source": "<entity name>", "target": "<entity name>", "type": "<short verb phrase>", "description": "one sentence", "weight": 0.0-1.0}]}

Use weight for how central the relation is to the text. Text:
%s`

const gleaningPrompt = `You previously extracted these entities from a text: %s

Re-read the text and extract ONLY entities and relations you missed. Respond with the same JSON shape; use empty arrays if nothing was missed. Text:
%s`

// ExtractChunk runs extraction plus one gleaning pass over a chunk.
func (e *Extractor) ExtractChunk(ctx context.Context, tenant *repository.Tenant, meta provider.Meta, text string) (*extraction, error) {
	settings := e.steps.Resolve("ingestion.graph_extraction", overrides(tenant))
	opts := provider.GenerateOptions{
		Model:       settings.Model,
		Temperature: settings.Temperature,
		Seed:        settings.Seed,
		MaxTokens:   2048,
	}

	first, err := e.call(ctx, meta, fmt.Sprintf(extractionPrompt, text), opts)
	if err != nil {
		return nil, err
	}

	if e.gleaningRound && len(first.Entities) > 0 {
		names := make([]string, len(first.Entities))
		for i, ent := range first.Entities {
			names[i] = ent.Name
		}
		second, err := e.call(ctx, meta, fmt.Sprintf(gleaningPrompt, strings.Join(names, ", "), text), opts)
		if err == nil {
			first.Entities = append(first.Entities, second.Entities...)
			first.Relations = append(first.Relations, second.Relations...)
		}
	}

	first.sanitize()
	return first, nil
}

func (e *Extractor) call(ctx context.Context, meta provider.Meta, prompt string, opts provider.GenerateOptions) (*extraction, error) {
	result, err := e.llm.Generate(ctx, meta, prompt, opts)
	if err != nil {
		return nil, err
	}
	var ex extraction
	if err := json.Unmarshal([]byte(stripFences(result.Text)), &ex); err != nil {
		return nil, fmt.Errorf("parsing extraction response: %w", err)
	}
	return &ex, nil
}

// sanitize normalizes names and relation types and drops rows that reference
// entities the extraction did not produce.
func (ex *extraction) sanitize() {
	known := make(map[string]bool)
	entities := ex.Entities[:0]
	for _, ent := range ex.Entities {
		ent.Name = strings.TrimSpace(ent.Name)
		if ent.Name == "" || known[strings.ToLower(ent.Name)] {
			continue
		}
		known[strings.ToLower(ent.Name)] = true
		ent.Type = strings.ToLower(strings.TrimSpace(ent.Type))
		entities = append(entities, ent)
	}
	ex.Entities = entities

	relations := ex.Relations[:0]
	for _, rel := range ex.Relations {
		rel.Source = strings.TrimSpace(rel.Source)
		rel.Target = strings.TrimSpace(rel.Target)
		if rel.Source == "" || rel.Target == "" || rel.Source == rel.Target {
			continue
		}
		if !known[strings.ToLower(rel.Source)] || !known[strings.ToLower(rel.Target)] {
			continue
		}
		rel.Type = SanitizeRelationType(rel.Type)
		if rel.Weight <= 0 || rel.Weight > 1 {
			rel.Weight = 0.5
		}
		relations = append(relations, rel)
	}
	ex.Relations = relations
}

// SanitizeRelationType converts free-form relation text into an
// UPPER_SNAKE_CASE label safe to use as a graph relationship type.
func SanitizeRelationType(s string) string {
	var sb strings.Builder
	lastUnderscore := true
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r):
			sb.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
		case unicode.IsDigit(r):
			if sb.Len() == 0 {
				continue // labels cannot start with a digit
			}
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && sb.Len() > 0 {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(sb.String(), "_")
	if out == "" {
		return DefaultRelationType
	}
	if len(out) > 64 {
		out = strings.Trim(out[:64], "_")
	}
	return out
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func overrides(tenant *repository.Tenant) provider.TenantOverrides {
	return provider.TenantOverrides{
		Steps:              tenant.Config.LLMSteps,
		DefaultProvider:    tenant.Config.LLMProvider,
		DefaultModel:       tenant.Config.LLMModel,
		DefaultTemperature: tenant.Config.Temperature,
	}
}

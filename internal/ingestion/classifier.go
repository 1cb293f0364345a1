package ingestion

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

// classificationSample is how much leading text feeds classification. The
// cache key is the hash of this prefix, so two documents that open the same
// way share one classification call.
const classificationSample = 2000

// Classification is the document-level labeling produced during ingestion.
type Classification struct {
	Domain       string   `json:"domain"`
	DocumentType string   `json:"document_type"`
	Keywords     []string `json:"keywords"`
	Hashtags     []string `json:"hashtags"`
}

// ClassificationCache stores classifications keyed by content-prefix hash.
type ClassificationCache interface {
	GetClassification(ctx context.Context, key string) (*Classification, bool)
	SetClassification(ctx context.Context, key string, c *Classification)
}

// Classifier labels documents with an LLM, falling back to keyword
// frequency analysis when the model is unavailable. Classification never
// fails a document.
type Classifier struct {
	llm   *provider.Chain
	steps *provider.StepResolver
	cache ClassificationCache
}

// NewClassifier creates a classifier. The cache is optional.
func NewClassifier(llm *provider.Chain, steps *provider.StepResolver, cache ClassificationCache) *Classifier {
	return &Classifier{llm: llm, steps: steps, cache: cache}
}

// Classify labels a document from its leading text.
func (c *Classifier) Classify(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, text string) Classification {
	sample := text
	if len(sample) > classificationSample {
		sample = sample[:classificationSample]
	}

	key := HashContent([]byte(sample))
	if c.cache != nil {
		if cached, ok := c.cache.GetClassification(ctx, key); ok {
			return *cached
		}
	}

	cls, err := c.classifyLLM(ctx, tenant, doc, sample)
	if err != nil {
		slog.Warn("llm classification failed, falling back to keyword analysis",
			"document_id", doc.ID, "error", err)
		cls = classifyKeywords(text)
	}

	if c.cache != nil {
		c.cache.SetClassification(ctx, key, &cls)
	}
	return cls
}

func (c *Classifier) classifyLLM(ctx context.Context, tenant *repository.Tenant, doc *repository.Document, sample string) (Classification, error) {
	if c.llm == nil || c.steps == nil {
		return Classification{}, fmt.Errorf("no llm configured")
	}

	settings := c.steps.Resolve("ingestion.classification", stepOverrides(tenant))
	prompt := fmt.Sprintf(`Classify this document excerpt. Respond with JSON only, no prose:
{"domain": "<subject area, one or two words>", "document_type": "<report|article|manual|email|code|legal|other>", "keywords": ["<up to 8 keywords>"], "hashtags": ["<up to 5 short lowercase tags>"]}

Excerpt:
%s`, sample)

	result, err := c.llm.Generate(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "ingestion.classification",
		Metadata: map[string]string{"document_id": doc.ID.String()},
	}, prompt, provider.GenerateOptions{
		Model:       settings.Model,
		Temperature: settings.Temperature,
		Seed:        settings.Seed,
		MaxTokens:   256,
	})
	if err != nil {
		return Classification{}, err
	}

	var cls Classification
	if err := json.Unmarshal([]byte(stripFences(result.Text)), &cls); err != nil {
		return Classification{}, fmt.Errorf("parsing classification response: %w", err)
	}
	cls.normalize()
	return cls, nil
}

func (cls *Classification) normalize() {
	cls.Domain = strings.ToLower(strings.TrimSpace(cls.Domain))
	cls.DocumentType = strings.ToLower(strings.TrimSpace(cls.DocumentType))
	for i, t := range cls.Hashtags {
		cls.Hashtags[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
	}
}

// stripFences removes a surrounding markdown code fence, which models add to
// JSON answers no matter how firmly the prompt forbids it.
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

// classifyKeywords is the model-free fallback: top terms by frequency become
// keywords, the heaviest become hashtags.
func classifyKeywords(text string) Classification {
	counts := make(map[string]int)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(f) < 4 {
			continue
		}
		counts[f]++
	}

	type term struct {
		word  string
		count int
	}
	terms := make([]term, 0, len(counts))
	for w, n := range counts {
		if n > 1 {
			terms = append(terms, term{w, n})
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].count != terms[j].count {
			return terms[i].count > terms[j].count
		}
		return terms[i].word < terms[j].word
	})

	cls := Classification{Domain: "general", DocumentType: "other"}
	for i, t := range terms {
		if i >= 8 {
			break
		}
		cls.Keywords = append(cls.Keywords, t.word)
		if i < 3 {
			cls.Hashtags = append(cls.Hashtags, t.word)
		}
	}
	return cls
}

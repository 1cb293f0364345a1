package provider

import "fmt"

// ModelInfo describes a catalog entry: pricing, shape, and quirks.
type ModelInfo struct {
	Tier            string  // "fast", "balanced", "quality"
	InputCostPer1K  float64 // USD per 1k input tokens
	OutputCostPer1K float64 // USD per 1k output tokens
	Dimensions      int     // embedding models only
	ContextWindow   int
	FixedTemperature bool // model rejects or ignores temperature overrides
}

// Registry is the static model catalog: provider -> model -> info, plus
// default selections and an inverted model -> providers index used to detect
// ambiguous model-only lookups.
type Registry struct {
	providers      map[string]map[string]ModelInfo
	defaults       map[string]string // provider -> default model
	modelProviders map[string][]string
}

// NewRegistry builds the default catalog.
func NewRegistry() *Registry {
	r := &Registry{
		providers: map[string]map[string]ModelInfo{
			"openai": {
				"gpt-4o":                 {Tier: "quality", InputCostPer1K: 0.0025, OutputCostPer1K: 0.01, ContextWindow: 128000},
				"gpt-4o-mini":            {Tier: "fast", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006, ContextWindow: 128000},
				"gpt-4.1":                {Tier: "quality", InputCostPer1K: 0.002, OutputCostPer1K: 0.008, ContextWindow: 1000000},
				"o1":                     {Tier: "quality", InputCostPer1K: 0.015, OutputCostPer1K: 0.06, ContextWindow: 200000, FixedTemperature: true},
				"text-embedding-3-small": {Tier: "fast", InputCostPer1K: 0.00002, Dimensions: 1536, ContextWindow: 8191},
				"text-embedding-3-large": {Tier: "quality", InputCostPer1K: 0.00013, Dimensions: 3072, ContextWindow: 8191},
			},
			"anthropic": {
				"claude-sonnet-4-5": {Tier: "quality", InputCostPer1K: 0.003, OutputCostPer1K: 0.015, ContextWindow: 200000},
				"claude-haiku-4-5":  {Tier: "fast", InputCostPer1K: 0.001, OutputCostPer1K: 0.005, ContextWindow: 200000},
			},
			"ollama": {
				"llama3.2":         {Tier: "fast", ContextWindow: 128000},
				"nomic-embed-text": {Tier: "fast", Dimensions: 768, ContextWindow: 8192},
			},
		},
		defaults: map[string]string{
			"openai":    "gpt-4o-mini",
			"anthropic": "claude-sonnet-4-5",
			"ollama":    "llama3.2",
		},
	}
	r.reindex()
	return r
}

// reindex rebuilds the model -> providers inverted index.
func (r *Registry) reindex() {
	r.modelProviders = make(map[string][]string)
	for prov, models := range r.providers {
		for model := range models {
			r.modelProviders[model] = append(r.modelProviders[model], prov)
		}
	}
}

// Lookup returns the catalog entry for a provider/model pair.
func (r *Registry) Lookup(providerName, model string) (ModelInfo, error) {
	models, ok := r.providers[providerName]
	if !ok {
		return ModelInfo{}, NewError(KindConfiguration, providerName, fmt.Sprintf("unknown provider %q", providerName), nil)
	}
	info, ok := models[model]
	if !ok {
		return ModelInfo{}, NewError(KindConfiguration, providerName, fmt.Sprintf("unknown model %q for provider %q", model, providerName), nil)
	}
	return info, nil
}

// ResolveModel resolves a model name to its unique provider. A model served
// by multiple providers must be addressed as provider/model; a bare lookup
// is a configuration error.
func (r *Registry) ResolveModel(model string) (string, error) {
	provs := r.modelProviders[model]
	switch len(provs) {
	case 0:
		return "", NewError(KindConfiguration, "", fmt.Sprintf("unknown model %q", model), nil)
	case 1:
		return provs[0], nil
	default:
		return "", NewError(KindConfiguration, "", fmt.Sprintf("model %q is served by multiple providers %v; qualify with provider", model, provs), nil)
	}
}

// DefaultModel returns the default model for a provider.
func (r *Registry) DefaultModel(providerName string) (string, error) {
	model, ok := r.defaults[providerName]
	if !ok {
		return "", NewError(KindConfiguration, providerName, fmt.Sprintf("no default model for provider %q", providerName), nil)
	}
	return model, nil
}

// Cost estimates the dollar cost of a call from the catalog prices. Unknown
// models cost zero.
func (r *Registry) Cost(providerName, model string, usage Usage) float64 {
	info, err := r.Lookup(providerName, model)
	if err != nil {
		return 0
	}
	return float64(usage.TokensIn)/1000*info.InputCostPer1K +
		float64(usage.TokensOut)/1000*info.OutputCostPer1K
}

// TemperatureFixed reports whether the model ignores temperature overrides.
func (r *Registry) TemperatureFixed(providerName, model string) bool {
	info, err := r.Lookup(providerName, model)
	if err != nil {
		return false
	}
	return info.FixedTemperature
}

package provider

import (
	"testing"

	"github.com/amberhq/amber/internal/config"
)

func float32p(v float32) *float32 { return &v }

func newTestResolver(steps map[string]config.StepConfig) *StepResolver {
	return &StepResolver{
		processSteps:    steps,
		defaultProvider: "openai",
		defaultModel:    "gpt-4o-mini",
	}
}

func TestResolve_Defaults(t *testing.T) {
	r := newTestResolver(nil)

	got := r.Resolve("generation.answer", TenantOverrides{})
	if got.Provider != "openai" || got.Model != "gpt-4o-mini" {
		t.Errorf("expected process defaults, got %+v", got)
	}
	if got.Temperature != 0.3 {
		t.Errorf("expected default temperature 0.3, got %v", got.Temperature)
	}
}

func TestResolve_ProcessStepOverride(t *testing.T) {
	r := newTestResolver(map[string]config.StepConfig{
		"retrieval.routing": {Model: "gpt-4o", Temperature: float32p(0)},
	})

	got := r.Resolve("retrieval.routing", TenantOverrides{})
	if got.Model != "gpt-4o" {
		t.Errorf("expected step model override, got %s", got.Model)
	}
	if got.Temperature != 0 {
		t.Errorf("expected step temperature 0, got %v", got.Temperature)
	}
}

func TestResolve_TenantPrecedence(t *testing.T) {
	r := newTestResolver(map[string]config.StepConfig{
		"generation.answer": {Model: "gpt-4o"},
	})

	got := r.Resolve("generation.answer", TenantOverrides{
		DefaultModel:       "claude-haiku-4-5",
		DefaultProvider:    "anthropic",
		DefaultTemperature: float32p(0.9),
		Steps: map[string]config.StepConfig{
			"generation.answer": {Model: "claude-sonnet-4-5"},
		},
	})

	// Tenant step override beats tenant defaults, which beat process config.
	if got.Model != "claude-sonnet-4-5" {
		t.Errorf("expected tenant step model, got %s", got.Model)
	}
	if got.Provider != "anthropic" {
		t.Errorf("expected tenant default provider, got %s", got.Provider)
	}
	if got.Temperature != 0.9 {
		t.Errorf("expected tenant temperature, got %v", got.Temperature)
	}
}

func TestResolve_FixedTemperatureStrategyPins(t *testing.T) {
	r := newTestResolver(map[string]config.StepConfig{
		"retrieval.reranking": {Temperature: float32p(0), TemperatureStrategy: "fixed"},
	})

	got := r.Resolve("retrieval.reranking", TenantOverrides{
		DefaultTemperature: float32p(1.2),
		Steps: map[string]config.StepConfig{
			"retrieval.reranking": {Temperature: float32p(0.8)},
		},
	})
	if got.Temperature != 0 {
		t.Errorf("expected pinned temperature 0, got %v", got.Temperature)
	}
}

func TestResolve_CatalogFixedModelsRunAtZero(t *testing.T) {
	r := &StepResolver{
		defaultProvider: "openai",
		defaultModel:    "o1",
		registry:        NewRegistry(),
	}

	got := r.Resolve("generation.answer", TenantOverrides{DefaultTemperature: float32p(0.7)})
	if got.Temperature != 0 {
		t.Errorf("expected temperature-fixed model forced to 0, got %v", got.Temperature)
	}
}

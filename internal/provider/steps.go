package provider

import (
	"github.com/amberhq/amber/internal/config"
)

// StepSettings is the fully resolved configuration for one call site.
type StepSettings struct {
	Provider    string
	Model       string
	Temperature float32
	Seed        *int64
}

// TenantOverrides carries a tenant's provider preferences into resolution.
type TenantOverrides struct {
	// Steps are per-step overrides stored in tenant config.
	Steps map[string]config.StepConfig

	// DefaultProvider / DefaultModel / DefaultTemperature apply when a step
	// has no override of its own.
	DefaultProvider    string
	DefaultModel       string
	DefaultTemperature *float32
}

// StepResolver merges step configuration in precedence order:
// tenant step override > tenant default > process settings > hard defaults.
// Steps whose process config uses the "fixed" temperature strategy ignore
// tenant temperature overrides entirely.
type StepResolver struct {
	processSteps    map[string]config.StepConfig
	defaultProvider string
	defaultModel    string
	registry        *Registry
}

// NewStepResolver creates a resolver from process configuration.
func NewStepResolver(cfg *config.Config, registry *Registry) *StepResolver {
	steps := cfg.LLMSteps
	if steps == nil {
		steps = config.DefaultLLMSteps()
	}
	return &StepResolver{
		processSteps:    steps,
		defaultProvider: cfg.DefaultLLMProvider,
		defaultModel:    cfg.DefaultLLMModel,
		registry:        registry,
	}
}

// Resolve produces the settings for a named step under the given tenant.
func (r *StepResolver) Resolve(step string, tenant TenantOverrides) StepSettings {
	out := StepSettings{
		Provider:    r.defaultProvider,
		Model:       r.defaultModel,
		Temperature: 0.3,
	}

	proc, hasProc := r.processSteps[step]
	if hasProc {
		if proc.Provider != "" {
			out.Provider = proc.Provider
		}
		if proc.Model != "" {
			out.Model = proc.Model
		}
		if proc.Temperature != nil {
			out.Temperature = *proc.Temperature
		}
		if proc.Seed != nil {
			out.Seed = proc.Seed
		}
	}

	temperaturePinned := hasProc && proc.TemperatureStrategy == "fixed"

	if tenant.DefaultProvider != "" {
		out.Provider = tenant.DefaultProvider
	}
	if tenant.DefaultModel != "" {
		out.Model = tenant.DefaultModel
	}
	if tenant.DefaultTemperature != nil && !temperaturePinned {
		out.Temperature = *tenant.DefaultTemperature
	}

	if ts, ok := tenant.Steps[step]; ok {
		if ts.Provider != "" {
			out.Provider = ts.Provider
		}
		if ts.Model != "" {
			out.Model = ts.Model
		}
		if ts.Temperature != nil && !temperaturePinned {
			out.Temperature = *ts.Temperature
		}
		if ts.Seed != nil {
			out.Seed = ts.Seed
		}
	}

	// Models the catalog marks temperature-fixed always run at zero.
	if r.registry != nil && r.registry.TemperatureFixed(out.Provider, out.Model) {
		out.Temperature = 0
	}

	return out
}

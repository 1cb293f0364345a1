package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens a
	// provider's circuit.
	DefaultFailureThreshold = 5

	// DefaultCooldown is how long an open circuit stays open before allowing
	// a single half-open probe.
	DefaultCooldown = 300 * time.Second
)

// ErrAllProvidersFailed is returned when every provider in the chain was
// tried and none produced a result.
var ErrAllProvidersFailed = errors.New("all providers failed")

// Meta identifies the caller for usage accounting.
type Meta struct {
	TenantID  string
	Step      string
	RequestID string
	TraceID   string
	Metadata  map[string]string
}

// Chain walks an ordered list of LLM providers, skipping any whose circuit is
// open. Retryable failures advance to the next provider; auth and
// invalid-request errors advance without counting toward the breaker; quota
// and configuration errors surface immediately.
type Chain struct {
	providers   []LLM
	breakers    map[string]*gobreaker.CircuitBreaker
	registry    *Registry
	usage       UsageRecorder
	callTimeout time.Duration
}

// ChainOption configures a Chain.
type ChainOption func(*chainSettings)

type chainSettings struct {
	failureThreshold uint32
	cooldown         time.Duration
	callTimeout      time.Duration
	usage            UsageRecorder
}

// WithFailureThreshold sets the consecutive failures that open a breaker.
func WithFailureThreshold(n uint32) ChainOption {
	return func(s *chainSettings) { s.failureThreshold = n }
}

// WithCooldown sets the open-state duration before a half-open probe.
func WithCooldown(d time.Duration) ChainOption {
	return func(s *chainSettings) { s.cooldown = d }
}

// WithCallTimeout bounds each individual provider call. A timeout is treated
// as a rate-limit-equivalent error so it engages the failover path.
func WithCallTimeout(d time.Duration) ChainOption {
	return func(s *chainSettings) { s.callTimeout = d }
}

// WithUsageRecorder attaches a durable usage log.
func WithUsageRecorder(u UsageRecorder) ChainOption {
	return func(s *chainSettings) { s.usage = u }
}

// NewChain creates a failover chain over the given providers, in order.
func NewChain(registry *Registry, providers []LLM, opts ...ChainOption) *Chain {
	settings := chainSettings{
		failureThreshold: DefaultFailureThreshold,
		cooldown:         DefaultCooldown,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = newBreaker(p.Name(), settings.failureThreshold, settings.cooldown)
	}

	return &Chain{
		providers:   providers,
		breakers:    breakers,
		registry:    registry,
		usage:       settings.usage,
		callTimeout: settings.callTimeout,
	}
}

// newBreaker builds a per-provider breaker: opens after threshold consecutive
// failures, stays open for cooldown, then allows exactly one probe.
func newBreaker(name string, threshold uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Auth/invalid errors are caller problems, not provider health.
			return err == nil || !CountsTowardBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("provider circuit state change", "provider", name, "from", from.String(), "to", to.String())
		},
	})
}

// Generate walks the chain until a provider succeeds.
func (c *Chain) Generate(ctx context.Context, meta Meta, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	var lastErr error

	for _, p := range c.providers {
		cb := c.breakers[p.Name()]

		res, err := cb.Execute(func() (any, error) {
			return c.callProvider(ctx, p, prompt, opts)
		})
		if err == nil {
			result := res.(*GenerateResult)
			c.recordUsage(ctx, meta, result.Provider, result.Model, result.Usage, result.CostEstimate)
			return result, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Debug("skipping provider with open circuit", "provider", p.Name())
			lastErr = err
			continue
		}

		switch ErrorKind(err) {
		case KindQuota, KindConfiguration:
			return nil, err
		case KindAuth, KindInvalid:
			slog.Warn("provider rejected request, advancing chain", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		default:
			slog.Warn("provider call failed, advancing chain", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
	}

	if lastErr == nil {
		lastErr = NewError(KindConfiguration, "", "no providers configured", nil)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
}

// callProvider invokes a single provider under the per-call timeout. A
// deadline expiry is surfaced as a rate-limit-equivalent error so the caller
// retries elsewhere instead of failing hard.
func (c *Chain) callProvider(ctx context.Context, p LLM, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := p.Generate(ctx, prompt, opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(KindRateLimit, p.Name(), "call timed out", err)
		}
		return nil, err
	}
	result.Latency = time.Since(start)
	if result.CostEstimate == 0 && c.registry != nil {
		result.CostEstimate = c.registry.Cost(result.Provider, result.Model, result.Usage)
	}
	return result, nil
}

// GenerateStream picks the first provider with a closed circuit and streams
// from it. Stream setup failures advance the chain; mid-stream failures are
// surfaced to the consumer through the chunk channel.
func (c *Chain) GenerateStream(ctx context.Context, meta Meta, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	var lastErr error

	for _, p := range c.providers {
		cb := c.breakers[p.Name()]
		if cb.State() == gobreaker.StateOpen {
			continue
		}

		stream, err := p.GenerateStream(ctx, prompt, opts)
		if err != nil {
			switch ErrorKind(err) {
			case KindQuota, KindConfiguration:
				return nil, err
			default:
				lastErr = err
				continue
			}
		}

		// Tap the stream to record usage from the final chunk.
		out := make(chan StreamChunk)
		go func(providerName string) {
			defer close(out)
			for chunk := range stream {
				if chunk.Done && chunk.Usage != nil {
					cost := 0.0
					if c.registry != nil {
						cost = c.registry.Cost(providerName, opts.Model, *chunk.Usage)
					}
					c.recordUsage(ctx, meta, providerName, opts.Model, *chunk.Usage, cost)
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}(p.Name())
		return out, nil
	}

	if lastErr == nil {
		lastErr = NewError(KindUnavailable, "", "no providers available", nil)
	}
	return nil, fmt.Errorf("%w: failed to start stream: %w", ErrAllProvidersFailed, lastErr)
}

func (c *Chain) recordUsage(ctx context.Context, meta Meta, providerName, model string, usage Usage, cost float64) {
	if c.usage == nil {
		return
	}
	rec := &UsageRecord{
		TenantID:  meta.TenantID,
		Operation: meta.Step,
		Provider:  providerName,
		Model:     model,
		TokensIn:  usage.TokensIn,
		TokensOut: usage.TokensOut,
		Cost:      cost,
		RequestID: meta.RequestID,
		TraceID:   meta.TraceID,
		Metadata:  meta.Metadata,
		CreatedAt: time.Now(),
	}
	if err := c.usage.Record(ctx, rec); err != nil {
		slog.Error("failed to record usage", "tenant_id", meta.TenantID, "operation", meta.Step, "error", err)
	}
}

// BreakerState exposes a provider's circuit state for diagnostics and tests.
func (c *Chain) BreakerState(providerName string) gobreaker.State {
	cb, ok := c.breakers[providerName]
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// EmbeddingChain applies the same failover discipline to embedding providers.
type EmbeddingChain struct {
	providers   []Embedding
	breakers    map[string]*gobreaker.CircuitBreaker
	registry    *Registry
	usage       UsageRecorder
	callTimeout time.Duration
}

// NewEmbeddingChain creates a failover chain over embedding providers.
func NewEmbeddingChain(registry *Registry, providers []Embedding, opts ...ChainOption) *EmbeddingChain {
	settings := chainSettings{
		failureThreshold: DefaultFailureThreshold,
		cooldown:         DefaultCooldown,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = newBreaker(p.Name(), settings.failureThreshold, settings.cooldown)
	}

	return &EmbeddingChain{
		providers:   providers,
		breakers:    breakers,
		registry:    registry,
		usage:       settings.usage,
		callTimeout: settings.callTimeout,
	}
}

// Embed walks the chain until a provider succeeds.
func (c *EmbeddingChain) Embed(ctx context.Context, meta Meta, texts []string, opts EmbedOptions) (*EmbedResult, error) {
	var lastErr error

	for _, p := range c.providers {
		cb := c.breakers[p.Name()]

		res, err := cb.Execute(func() (any, error) {
			callCtx := ctx
			if c.callTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
				defer cancel()
			}
			result, err := p.Embed(callCtx, texts, opts)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, NewError(KindRateLimit, p.Name(), "call timed out", err)
			}
			return result, err
		})
		if err == nil {
			result := res.(*EmbedResult)
			if result.CostEstimate == 0 && c.registry != nil {
				result.CostEstimate = c.registry.Cost(result.Provider, result.Model, result.Usage)
			}
			if c.usage != nil {
				rec := &UsageRecord{
					TenantID:  meta.TenantID,
					Operation: meta.Step,
					Provider:  result.Provider,
					Model:     result.Model,
					TokensIn:  result.Usage.TokensIn,
					Cost:      result.CostEstimate,
					RequestID: meta.RequestID,
					TraceID:   meta.TraceID,
					Metadata:  meta.Metadata,
					CreatedAt: time.Now(),
				}
				if err := c.usage.Record(ctx, rec); err != nil {
					slog.Error("failed to record embedding usage", "tenant_id", meta.TenantID, "error", err)
				}
			}
			return result, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			lastErr = err
			continue
		}
		switch ErrorKind(err) {
		case KindQuota, KindConfiguration:
			return nil, err
		default:
			slog.Warn("embedding provider failed, advancing chain", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
	}

	if lastErr == nil {
		lastErr = NewError(KindConfiguration, "", "no embedding providers configured", nil)
	}
	return nil, fmt.Errorf("all embedding providers failed: %w", lastErr)
}

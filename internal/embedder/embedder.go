// Package embedder batches text into provider embedding calls and builds the
// sparse keyword vectors used for hybrid search.
package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/amberhq/amber/internal/provider"
)

const (
	// MaxBatchTokens caps the estimated token total of one embedding request.
	MaxBatchTokens = 8000

	// MaxBatchItems caps the item count of one embedding request.
	MaxBatchItems = 2048

	// retry policy for transient provider failures
	maxRetries       = 5
	initialBackoff   = 1 * time.Second
	maxBackoffPeriod = 60 * time.Second
)

// Embedder produces dense embeddings for batches of text.
type Embedder interface {
	// EmbedTexts embeds texts in input order, batching and retrying as needed.
	EmbedTexts(ctx context.Context, meta provider.Meta, texts []string, opts provider.EmbedOptions) ([][]float32, error)
}

// BatchingEmbedder splits input into token-bounded batches, calls the
// provider chain with retries, and reassembles vectors in input order.
type BatchingEmbedder struct {
	chain          *provider.EmbeddingChain
	maxBatchTokens int
	maxBatchItems  int
}

// Option configures a BatchingEmbedder.
type Option func(*BatchingEmbedder)

// WithBatchLimits overrides the default batch bounds.
func WithBatchLimits(maxTokens, maxItems int) Option {
	return func(e *BatchingEmbedder) {
		e.maxBatchTokens = maxTokens
		e.maxBatchItems = maxItems
	}
}

// New creates a batching embedder over the given provider chain.
func New(chain *provider.EmbeddingChain, opts ...Option) *BatchingEmbedder {
	e := &BatchingEmbedder{
		chain:          chain,
		maxBatchTokens: MaxBatchTokens,
		maxBatchItems:  MaxBatchItems,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// batch is a contiguous slice of the input plus its starting offset, so
// results can be written back into position.
type batch struct {
	offset int
	texts  []string
}

// EmbedTexts embeds all texts, preserving input order in the output.
func (e *BatchingEmbedder) EmbedTexts(ctx context.Context, meta provider.Meta, texts []string, opts provider.EmbedOptions) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	for _, b := range e.split(texts) {
		result, err := e.embedWithRetry(ctx, meta, b.texts, opts)
		if err != nil {
			return nil, fmt.Errorf("embedding batch at offset %d: %w", b.offset, err)
		}
		if len(result.Embeddings) != len(b.texts) {
			return nil, fmt.Errorf("embedding batch at offset %d: expected %d vectors, got %d",
				b.offset, len(b.texts), len(result.Embeddings))
		}
		for i, vec := range result.Embeddings {
			vectors[b.offset+i] = vec
		}
	}
	return vectors, nil
}

// split partitions texts into batches respecting both the token and item
// caps. A single text over the token cap becomes its own batch rather than
// being dropped; the provider decides whether to truncate or reject it.
func (e *BatchingEmbedder) split(texts []string) []batch {
	var batches []batch
	start := 0
	tokens := 0

	for i, text := range texts {
		t := EstimateTokens(text)

		if t > e.maxBatchTokens {
			if i > start {
				batches = append(batches, batch{offset: start, texts: texts[start:i]})
			}
			slog.Warn("text exceeds embedding batch token cap, sending as singleton batch",
				"index", i, "estimated_tokens", t, "cap", e.maxBatchTokens)
			batches = append(batches, batch{offset: i, texts: texts[i : i+1]})
			start = i + 1
			tokens = 0
			continue
		}

		if i > start && (tokens+t > e.maxBatchTokens || i-start >= e.maxBatchItems) {
			batches = append(batches, batch{offset: start, texts: texts[start:i]})
			start = i
			tokens = 0
		}
		tokens += t
	}
	if start < len(texts) {
		batches = append(batches, batch{offset: start, texts: texts[start:]})
	}
	return batches
}

// embedWithRetry calls the chain under exponential backoff. Only rate-limit
// and availability errors retry; everything else fails immediately.
func (e *BatchingEmbedder) embedWithRetry(ctx context.Context, meta provider.Meta, texts []string, opts provider.EmbedOptions) (*provider.EmbedResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff
	policy.MaxInterval = maxBackoffPeriod
	policy.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	var result *provider.EmbedResult
	operation := func() error {
		var err error
		result, err = e.chain.Embed(ctx, meta, texts, opts)
		if err == nil {
			return nil
		}
		if provider.Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EstimateTokens approximates token count at four bytes per token, the
// standard rough cut for English prose.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		return 1
	}
	return n
}

// Ensure interface is satisfied
var _ Embedder = (*BatchingEmbedder)(nil)

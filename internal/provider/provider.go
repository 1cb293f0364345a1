// Package provider abstracts LLM, embedding, and reranking model families
// behind typed interfaces with failover chains, per-provider circuit breakers,
// and usage accounting.
package provider

import (
	"context"
	"time"
)

// GenerateOptions configures an LLM generation request.
type GenerateOptions struct {
	// Model specifies the model to use; empty uses the provider default.
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the response length (0 = provider default).
	MaxTokens int

	// Stop lists sequences that terminate generation early.
	Stop []string

	// Seed requests deterministic sampling on providers that support it.
	Seed *int64
}

// Usage records token consumption for a single call.
type Usage struct {
	TokensIn  int
	TokensOut int
}

// GenerateResult is the full response from an LLM generation call.
type GenerateResult struct {
	Text         string
	Model        string
	Provider     string
	Usage        Usage
	FinishReason string
	Latency      time.Duration
	CostEstimate float64
}

// StreamChunk represents a single chunk of streamed response from an LLM.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Done indicates whether this is the final chunk in the stream.
	Done bool

	// Usage is populated on the final chunk when the provider reports it.
	Usage *Usage

	// Error contains any error that occurred during streaming.
	Error error
}

// LLM defines the interface for large language model providers.
type LLM interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Generate sends a prompt and returns the complete response.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error)

	// GenerateStream returns a channel streaming response chunks. The channel
	// is closed when generation completes or an error occurs; callers should
	// check StreamChunk.Error and StreamChunk.Done.
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error)
}

// EmbedOptions configures an embedding request.
type EmbedOptions struct {
	Model      string
	Dimensions int // 0 uses the model's native dimensionality
}

// EmbedResult is the response from an embedding call.
type EmbedResult struct {
	Embeddings   [][]float32
	Model        string
	Provider     string
	Dimensions   int
	Usage        Usage
	CostEstimate float64
}

// Embedding defines the interface for embedding model providers.
type Embedding interface {
	Name() string

	// Embed generates dense vectors for the given texts, in input order.
	Embed(ctx context.Context, texts []string, opts EmbedOptions) (*EmbedResult, error)
}

// RerankedDocument is a single reranker output entry.
type RerankedDocument struct {
	Index int     // position in the input document list
	Score float32 // cross-encoder relevance score
	Text  string
}

// Reranker defines the interface for cross-encoder reranking providers.
type Reranker interface {
	Name() string

	// Rerank scores each document against the query and returns entries
	// ordered by descending score, truncated to topK when topK > 0.
	Rerank(ctx context.Context, query string, docs []string, model string, topK int) ([]RerankedDocument, error)
}

// UsageRecord is one durable usage-log row.
type UsageRecord struct {
	TenantID  string
	Operation string // step id, e.g. "chat.generation"
	Provider  string
	Model     string
	TokensIn  int
	TokensOut int
	Cost      float64
	RequestID string
	TraceID   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// UsageRecorder persists usage-log rows. Recording is best-effort from the
// orchestrator's perspective; failures are logged, not propagated.
type UsageRecorder interface {
	Record(ctx context.Context, rec *UsageRecord) error
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIProvider implements LLM and Embedding using the OpenAI API.
type OpenAIProvider struct {
	client       openai.Client
	defaultModel string
	embedModel   string
}

// OpenAIOption is a functional option for configuring OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAIModel sets the default generation model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) { p.defaultModel = model }
}

// WithOpenAIEmbeddingModel sets the default embedding model.
func WithOpenAIEmbeddingModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) { p.embedModel = model }
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		client:       openai.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: "gpt-4o-mini",
		embedModel:   "text-embedding-3-small",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate sends a chat completion request and returns the full response.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	params := p.buildParams(prompt, opts)

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(KindUnavailable, p.Name(), "empty completion response", nil)
	}

	choice := resp.Choices[0]
	return &GenerateResult{
		Text:     choice.Message.Content,
		Model:    resp.Model,
		Provider: p.Name(),
		Usage: Usage{
			TokensIn:  int(resp.Usage.PromptTokens),
			TokensOut: int(resp.Usage.CompletionTokens),
		},
		FinishReason: string(choice.FinishReason),
		Latency:      time.Since(start),
	}, nil
}

// GenerateStream streams completion chunks over a channel.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	params := p.buildParams(prompt, opts)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		acc := openai.ChatCompletionAccumulator{}

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) == 0 {
				continue
			}
			token := chunk.Choices[0].Delta.Content
			if token == "" {
				continue
			}
			select {
			case chunks <- StreamChunk{Token: token}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			chunks <- StreamChunk{Error: p.classify(err), Done: true}
			return
		}
		chunks <- StreamChunk{
			Done: true,
			Usage: &Usage{
				TokensIn:  int(acc.Usage.PromptTokens),
				TokensOut: int(acc.Usage.CompletionTokens),
			},
		}
	}()
	return chunks, nil
}

func (p *OpenAIProvider) buildParams(prompt string, opts GenerateOptions) openai.ChatCompletionNewParams {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(opts.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(float64(opts.Temperature)),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Seed != nil {
		params.Seed = openai.Int(*opts.Seed)
	}
	if len(opts.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: opts.Stop,
		}
	}
	return params
}

// Embed generates dense vectors for the given texts.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, opts EmbedOptions) (*EmbedResult, error) {
	model := opts.Model
	if model == "" {
		model = p.embedModel
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if opts.Dimensions > 0 {
		params.Dimensions = openai.Int(int64(opts.Dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, NewError(KindUnavailable, p.Name(),
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data)), nil)
	}

	embeddings := make([][]float32, len(resp.Data))
	dims := 0
	for _, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		embeddings[item.Index] = vec
		dims = len(vec)
	}

	return &EmbedResult{
		Embeddings: embeddings,
		Model:      resp.Model,
		Provider:   p.Name(),
		Dimensions: dims,
		Usage:      Usage{TokensIn: int(resp.Usage.PromptTokens)},
	}, nil
}

// classify maps OpenAI API errors onto the tagged taxonomy.
func (p *OpenAIProvider) classify(err error) error {
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return NewError(KindUnavailable, p.Name(), err.Error(), err)
	}

	switch apierr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewError(KindAuth, p.Name(), apierr.Error(), err)
	case http.StatusTooManyRequests:
		if apierr.Code == "insufficient_quota" {
			return NewError(KindQuota, p.Name(), apierr.Error(), err)
		}
		return NewError(KindRateLimit, p.Name(), apierr.Error(), err)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return NewError(KindInvalid, p.Name(), apierr.Error(), err)
	default:
		return NewError(KindUnavailable, p.Name(), apierr.Error(), err)
	}
}

// Ensure interfaces are satisfied at compile time.
var (
	_ LLM       = (*OpenAIProvider)(nil)
	_ Embedding = (*OpenAIProvider)(nil)
)

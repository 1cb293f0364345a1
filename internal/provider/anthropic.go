package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements LLM using the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// AnthropicOption is a functional option for configuring AnthropicProvider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicModel sets the default generation model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.defaultModel = model }
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: "claude-sonnet-4-5",
		maxTokens:    4096, // Messages API requires an explicit cap
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Generate sends a message request and returns the full response.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	params := p.buildParams(prompt, opts)

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &GenerateResult{
		Text:     sb.String(),
		Model:    string(msg.Model),
		Provider: p.Name(),
		Usage: Usage{
			TokensIn:  int(msg.Usage.InputTokens),
			TokensOut: int(msg.Usage.OutputTokens),
		},
		FinishReason: string(msg.StopReason),
		Latency:      time.Since(start),
	}, nil
}

// GenerateStream streams message deltas over a channel.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	params := p.buildParams(prompt, opts)
	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		message := anthropic.Message{}

		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				chunks <- StreamChunk{Error: err, Done: true}
				return
			}
			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					select {
					case chunks <- StreamChunk{Token: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			chunks <- StreamChunk{Error: p.classify(err), Done: true}
			return
		}
		chunks <- StreamChunk{
			Done: true,
			Usage: &Usage{
				TokensIn:  int(message.Usage.InputTokens),
				TokensOut: int(message.Usage.OutputTokens),
			},
		}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(prompt string, opts GenerateOptions) anthropic.MessageNewParams {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(float64(opts.Temperature)),
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.SystemPrompt}}
	}
	if len(opts.Stop) > 0 {
		params.StopSequences = opts.Stop
	}
	return params
}

// classify maps Anthropic API errors onto the tagged taxonomy.
func (p *AnthropicProvider) classify(err error) error {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return NewError(KindUnavailable, p.Name(), err.Error(), err)
	}

	switch apierr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewError(KindAuth, p.Name(), apierr.Error(), err)
	case http.StatusTooManyRequests:
		return NewError(KindRateLimit, p.Name(), apierr.Error(), err)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return NewError(KindInvalid, p.Name(), apierr.Error(), err)
	case http.StatusPaymentRequired:
		return NewError(KindQuota, p.Name(), apierr.Error(), err)
	default:
		return NewError(KindUnavailable, p.Name(), apierr.Error(), err)
	}
}

// Ensure the interface is satisfied at compile time.
var _ LLM = (*AnthropicProvider)(nil)

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API endpoint.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaModel is the default local generation model.
	DefaultOllamaModel = "llama3.2"

	// DefaultOllamaEmbedModel is the default local embedding model.
	DefaultOllamaEmbedModel = "nomic-embed-text"
)

// OllamaProvider implements LLM and Embedding against a local Ollama server.
// Useful as the tail of a failover chain: no API key, no per-token cost.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
	model      string
	embedModel string
}

// OllamaOption is a functional option for configuring OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithOllamaBaseURL sets a custom base URL for the Ollama API.
func WithOllamaBaseURL(url string) OllamaOption {
	return func(p *OllamaProvider) { p.baseURL = strings.TrimSuffix(url, "/") }
}

// WithOllamaModel sets the default generation model.
func WithOllamaModel(model string) OllamaOption {
	return func(p *OllamaProvider) { p.model = model }
}

// WithOllamaEmbedModel sets the default embedding model.
func WithOllamaEmbedModel(model string) OllamaOption {
	return func(p *OllamaProvider) { p.embedModel = model }
}

// WithOllamaHTTPClient sets a custom HTTP client.
func WithOllamaHTTPClient(client *http.Client) OllamaOption {
	return func(p *OllamaProvider) { p.httpClient = client }
}

// NewOllamaProvider creates a new Ollama provider with the given options.
func NewOllamaProvider(opts ...OllamaOption) *OllamaProvider {
	p := &OllamaProvider{
		baseURL: DefaultOllamaBaseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for generation
		},
		model:      DefaultOllamaModel,
		embedModel: DefaultOllamaEmbedModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string { return "ollama" }

// ollamaGenerateRequest is the request body for Ollama's generate API.
type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// ollamaGenerateResponse is the response from Ollama's generate API.
type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// Generate sends a prompt to Ollama and returns the complete response.
func (p *OllamaProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	req, err := p.buildGenerateRequest(ctx, prompt, opts, false)
	if err != nil {
		return nil, NewError(KindInvalid, p.Name(), err.Error(), err)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, NewError(KindUnavailable, p.Name(), err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, NewError(KindUnavailable, p.Name(), fmt.Sprintf("decoding response: %v", err), err)
	}

	return &GenerateResult{
		Text:     result.Response,
		Model:    result.Model,
		Provider: p.Name(),
		Usage: Usage{
			TokensIn:  result.PromptEvalCount,
			TokensOut: result.EvalCount,
		},
		FinishReason: result.DoneReason,
		Latency:      time.Since(start),
	}, nil
}

// GenerateStream sends a prompt to Ollama and streams response chunks.
func (p *OllamaProvider) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	req, err := p.buildGenerateRequest(ctx, prompt, opts, true)
	if err != nil {
		return nil, NewError(KindInvalid, p.Name(), err.Error(), err)
	}

	// Context handles cancellation; the default client timeout would cut
	// long streams short.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, NewError(KindUnavailable, p.Name(), err.Error(), err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.statusError(resp)
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			select {
			case <-ctx.Done():
				chunks <- StreamChunk{Error: ctx.Err(), Done: true}
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					return
				}
				chunks <- StreamChunk{Error: fmt.Errorf("reading stream: %w", err), Done: true}
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var streamResp ollamaGenerateResponse
			if err := json.Unmarshal(line, &streamResp); err != nil {
				chunks <- StreamChunk{Error: fmt.Errorf("parsing stream response: %w", err), Done: true}
				return
			}

			chunk := StreamChunk{Token: streamResp.Response, Done: streamResp.Done}
			if streamResp.Done {
				chunk.Usage = &Usage{
					TokensIn:  streamResp.PromptEvalCount,
					TokensOut: streamResp.EvalCount,
				}
			}

			select {
			case <-ctx.Done():
				chunks <- StreamChunk{Error: ctx.Err(), Done: true}
				return
			case chunks <- chunk:
			}

			if streamResp.Done {
				return
			}
		}
	}()
	return chunks, nil
}

// buildGenerateRequest constructs the HTTP request for the generate API.
func (p *OllamaProvider) buildGenerateRequest(ctx context.Context, prompt string, opts GenerateOptions, stream bool) (*http.Request, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	reqBody := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		System: opts.SystemPrompt,
		Stream: stream,
	}

	options := make(map[string]any)
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if opts.Seed != nil {
		options["seed"] = *opts.Seed
	}
	if len(opts.Stop) > 0 {
		options["stop"] = opts.Stop
	}
	if len(options) > 0 {
		reqBody.Options = options
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// ollamaEmbedRequest is the request body for Ollama's embedding API.
type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// ollamaEmbedResponse is the response from Ollama's embedding API.
type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates embeddings one text at a time; Ollama's embedding API has
// no batch endpoint.
func (p *OllamaProvider) Embed(ctx context.Context, texts []string, opts EmbedOptions) (*EmbedResult, error) {
	model := opts.Model
	if model == "" {
		model = p.embedModel
	}

	embeddings := make([][]float32, len(texts))
	dims := 0
	for i, text := range texts {
		vec, err := p.embedOne(ctx, model, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = vec
		dims = len(vec)
	}

	return &EmbedResult{
		Embeddings: embeddings,
		Model:      model,
		Provider:   p.Name(),
		Dimensions: dims,
	}, nil
}

func (p *OllamaProvider) embedOne(ctx context.Context, model, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, NewError(KindInvalid, p.Name(), err.Error(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindInvalid, p.Name(), err.Error(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, NewError(KindUnavailable, p.Name(), err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var ollamaResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, NewError(KindUnavailable, p.Name(), fmt.Sprintf("decoding response: %v", err), err)
	}
	if len(ollamaResp.Embedding) == 0 {
		return nil, NewError(KindUnavailable, p.Name(), "empty embedding returned", nil)
	}

	embedding := make([]float32, len(ollamaResp.Embedding))
	for i, v := range ollamaResp.Embedding {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// statusError maps an HTTP status onto the tagged taxonomy.
func (p *OllamaProvider) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	msg := fmt.Sprintf("ollama API error (status %d): %s", resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(KindRateLimit, p.Name(), msg, nil)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return NewError(KindInvalid, p.Name(), msg, nil)
	case resp.StatusCode >= 500:
		return NewError(KindUnavailable, p.Name(), msg, nil)
	default:
		return NewError(KindUnavailable, p.Name(), msg, nil)
	}
}

// Ensure interfaces are satisfied at compile time.
var (
	_ LLM       = (*OllamaProvider)(nil)
	_ Embedding = (*OllamaProvider)(nil)
)

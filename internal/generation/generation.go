// Package generation turns retrieval output into answers: it assembles the
// prompt from system rules, user memory, and cited context, calls the model
// through the failover chain, and streams tokens as typed events.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amberhq/amber/internal/memory"
	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
	"github.com/amberhq/amber/internal/retrieval"
)

const defaultSystemPrompt = `You are a helpful assistant that answers questions using the provided context documents.
Cite sources with bracketed indices like [1] that refer to the context documents.
If the context does not contain the answer, say so instead of guessing.`

const noContextPrompt = `No relevant documents were found for this question.
Tell the user you could not find supporting material, and answer only from general knowledge if it is safe to do so, clearly noting that nothing is cited.`

const defaultMaxTokens = 2048

// EventType labels a streaming event.
type EventType string

const (
	EventSources EventType = "sources"
	EventToken   EventType = "token"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one frame of a streaming answer. Sources arrive first, then
// tokens, then exactly one done or error event.
type Event struct {
	Type      EventType `json:"type"`
	Sources   []Source  `json:"sources,omitempty"`
	Token     string    `json:"token,omitempty"`
	FollowUps []string  `json:"follow_ups,omitempty"`
	Model     string    `json:"model,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// Source is a cited context document. Index matches the bracketed citations
// in the answer text and is stable for the lifetime of the response.
type Source struct {
	Index      int     `json:"index"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Origin     string  `json:"origin"`
}

// Request is one generation call.
type Request struct {
	Query      string
	UserID     string
	SessionID  string
	Candidates []retrieval.Candidate
	// SystemPrompt overrides the tenant's configured prompt when set.
	SystemPrompt string
	MaxTokens    int
}

// Answer is a complete non-streaming response.
type Answer struct {
	Text      string
	Sources   []Source
	FollowUps []string
	Model     string
	Provider  string
	Usage     provider.Usage
	Latency   time.Duration
}

// Service produces grounded answers.
type Service struct {
	llm    *provider.Chain
	steps  *provider.StepResolver
	memory *memory.Manager
}

// NewService wires the generation service. memory may be nil.
func NewService(llm *provider.Chain, steps *provider.StepResolver, mem *memory.Manager) *Service {
	return &Service{llm: llm, steps: steps, memory: mem}
}

// Generate produces a complete answer in one call.
func (s *Service) Generate(ctx context.Context, tenant *repository.Tenant, req Request) (*Answer, error) {
	start := time.Now()
	sources := buildSources(req.Candidates)
	prompt, opts := s.buildCall(ctx, tenant, req, sources)

	result, err := s.llm.Generate(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "generation.answer",
	}, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	s.recordTurn(req, result.Text)

	return &Answer{
		Text:      result.Text,
		Sources:   sources,
		FollowUps: s.followUps(ctx, tenant, req.Query, result.Text),
		Model:     result.Model,
		Provider:  result.Provider,
		Usage:     result.Usage,
		Latency:   time.Since(start),
	}, nil
}

// GenerateStream produces an event channel: one sources event, token events,
// then a single done (with follow-ups) or error event. The channel closes
// when generation finishes or ctx is cancelled.
func (s *Service) GenerateStream(ctx context.Context, tenant *repository.Tenant, req Request) (<-chan Event, error) {
	sources := buildSources(req.Candidates)
	prompt, opts := s.buildCall(ctx, tenant, req, sources)

	chunks, err := s.llm.GenerateStream(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "generation.answer",
	}, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("starting answer stream: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)

		if !send(ctx, events, Event{Type: EventSources, Sources: sources}) {
			return
		}

		var full strings.Builder
		for chunk := range chunks {
			if chunk.Error != nil {
				send(ctx, events, Event{Type: EventError, Err: chunk.Error.Error()})
				return
			}
			if chunk.Token != "" {
				full.WriteString(chunk.Token)
				if !send(ctx, events, Event{Type: EventToken, Token: chunk.Token}) {
					return
				}
			}
		}

		answer := full.String()
		s.recordTurn(req, answer)
		send(ctx, events, Event{
			Type:      EventDone,
			FollowUps: s.followUps(ctx, tenant, req.Query, answer),
			Model:     opts.Model,
		})
	}()
	return events, nil
}

func send(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// recordTurn stores the scrubbed exchange in session memory.
func (s *Service) recordTurn(req Request, answer string) {
	if s.memory == nil || req.SessionID == "" {
		return
	}
	s.memory.RecordTurn(req.SessionID, ScrubPII(req.Query), ScrubPII(answer))
}

// buildCall assembles the prompt and resolved model options for one request.
func (s *Service) buildCall(ctx context.Context, tenant *repository.Tenant, req Request, sources []Source) (string, provider.GenerateOptions) {
	settings := s.steps.Resolve("generation.answer", provider.TenantOverrides{
		Steps:              tenant.Config.LLMSteps,
		DefaultProvider:    tenant.Config.LLMProvider,
		DefaultModel:       tenant.Config.LLMModel,
		DefaultTemperature: tenant.Config.Temperature,
	})

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = tenant.Config.SystemPrompt
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var facts []*repository.UserFact
	var summaries []*repository.ConversationSummary
	var history []memory.Message
	if s.memory != nil {
		facts = s.memory.Facts(ctx, tenant, req.UserID)
		summaries = s.memory.Summaries(ctx, tenant, req.UserID)
		history = s.memory.History(req.SessionID)
	}

	prompt := buildPrompt(req.Query, sources, facts, summaries, history)
	return prompt, provider.GenerateOptions{
		Model:        settings.Model,
		SystemPrompt: systemPrompt,
		Temperature:  settings.Temperature,
		MaxTokens:    maxTokens,
	}
}

// buildPrompt lays out user memory, cited context, and the question.
func buildPrompt(query string, sources []Source, facts []*repository.UserFact, summaries []*repository.ConversationSummary, history []memory.Message) string {
	var sb strings.Builder

	if len(facts) > 0 {
		sb.WriteString("## Known about the user\n")
		for _, f := range facts {
			sb.WriteString("- ")
			sb.WriteString(f.Content)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}

	if len(summaries) > 0 {
		sb.WriteString("## Previous conversations\n")
		for _, sum := range summaries {
			sb.WriteString("- ")
			sb.WriteString(sum.Summary)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}

	if len(history) > 0 {
		sb.WriteString("## Conversation so far\n")
		sb.WriteString(memory.FormatForPrompt(history))
		sb.WriteByte('\n')
	}

	if len(sources) == 0 {
		sb.WriteString(noContextPrompt)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("## Context documents\n\n")
		for _, src := range sources {
			fmt.Fprintf(&sb, "[%d] %s\n\n", src.Index, src.Content)
		}
	}

	sb.WriteString("## Question\n")
	sb.WriteString(query)
	sb.WriteString("\n\n## Answer\n")
	return sb.String()
}

func buildSources(candidates []retrieval.Candidate) []Source {
	sources := make([]Source, len(candidates))
	for i, c := range candidates {
		sources[i] = Source{
			Index:      i + 1,
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Content:    c.Content,
			Score:      c.Score,
			Origin:     c.Source,
		}
	}
	return sources
}

// followUps suggests up to three follow-up questions. Best-effort; an empty
// slice on any failure.
func (s *Service) followUps(ctx context.Context, tenant *repository.Tenant, query, answer string) []string {
	if answer == "" {
		return nil
	}
	settings := s.steps.Resolve("generation.followups", provider.TenantOverrides{
		Steps:              tenant.Config.LLMSteps,
		DefaultProvider:    tenant.Config.LLMProvider,
		DefaultModel:       tenant.Config.LLMModel,
		DefaultTemperature: tenant.Config.Temperature,
	})

	prompt := fmt.Sprintf(`Given this question and answer, suggest up to 3 short follow-up questions the user might ask next. Output one per line, no numbering, no other text.

Question: %s

Answer: %s`, query, truncate(answer, 2000))

	result, err := s.llm.Generate(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "generation.followups",
	}, prompt, provider.GenerateOptions{
		Model:       settings.Model,
		Temperature: settings.Temperature,
		MaxTokens:   150,
	})
	if err != nil {
		slog.Debug("follow-up suggestion failed", "tenant_id", tenant.ID, "error", err)
		return nil
	}

	var followUps []string
	for _, line := range strings.Split(result.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		followUps = append(followUps, line)
		if len(followUps) == 3 {
			break
		}
	}
	return followUps
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

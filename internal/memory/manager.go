package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/repository"
)

const (
	// historyWindow is how many recent messages feed the prompt.
	historyWindow = 10

	factLimit    = 20
	summaryLimit = 5
)

// Manager combines the in-process session store with persistent user memory.
// Short-term context comes from the session; durable facts and summaries come
// from the relational store and survive across sessions.
type Manager struct {
	sessions *SessionStore
	repo     repository.MemoryRepository
	llm      *provider.Chain
	steps    *provider.StepResolver
}

// NewManager wires the memory manager. repo may be nil, in which case only
// session memory is available.
func NewManager(sessions *SessionStore, repo repository.MemoryRepository, llm *provider.Chain, steps *provider.StepResolver) *Manager {
	return &Manager{sessions: sessions, repo: repo, llm: llm, steps: steps}
}

// History returns the recent turns for a session.
func (m *Manager) History(sessionID string) []Message {
	if sessionID == "" {
		return nil
	}
	return m.sessions.Recent(sessionID, historyWindow)
}

// Transcript returns the full message history of a session.
func (m *Manager) Transcript(sessionID string) []Message {
	if sessionID == "" {
		return nil
	}
	return m.sessions.Recent(sessionID, 0)
}

// RecordTurn appends one user/assistant exchange to the session.
func (m *Manager) RecordTurn(sessionID, query, answer string) {
	if sessionID == "" {
		return
	}
	m.sessions.Append(sessionID, RoleUser, query)
	m.sessions.Append(sessionID, RoleAssistant, answer)
}

// Facts returns the user's stored facts ordered by importance.
func (m *Manager) Facts(ctx context.Context, tenant *repository.Tenant, userID string) []*repository.UserFact {
	if m.repo == nil || userID == "" {
		return nil
	}
	facts, err := m.repo.ListFacts(ctx, tenant.ID, userID, factLimit)
	if err != nil {
		slog.Warn("listing user facts failed", "tenant_id", tenant.ID, "error", err)
		return nil
	}
	return facts
}

// Summaries returns the user's most recent conversation summaries.
func (m *Manager) Summaries(ctx context.Context, tenant *repository.Tenant, userID string) []*repository.ConversationSummary {
	if m.repo == nil || userID == "" {
		return nil
	}
	summaries, err := m.repo.RecentSummaries(ctx, tenant.ID, userID, summaryLimit)
	if err != nil {
		slog.Warn("listing conversation summaries failed", "tenant_id", tenant.ID, "error", err)
		return nil
	}
	return summaries
}

// SaveFact persists one durable fact about the user.
func (m *Manager) SaveFact(ctx context.Context, fact *repository.UserFact) error {
	if m.repo == nil {
		return fmt.Errorf("persistent memory not configured")
	}
	return m.repo.SaveFact(ctx, fact)
}

// EndSession condenses the session into a persistent summary and clears the
// in-process history. The caller scrubs sensitive content before this point.
func (m *Manager) EndSession(ctx context.Context, tenant *repository.Tenant, userID, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	history := m.sessions.Recent(sessionID, 0)
	defer m.sessions.Clear(sessionID)

	if m.repo == nil || m.llm == nil || userID == "" || len(history) == 0 {
		return nil
	}

	summary, err := m.summarize(ctx, tenant, history)
	if err != nil {
		return fmt.Errorf("summarizing session: %w", err)
	}
	return m.repo.SaveSummary(ctx, &repository.ConversationSummary{
		TenantID:  tenant.ID,
		UserID:    userID,
		SessionID: sessionID,
		Summary:   summary,
	})
}

func (m *Manager) summarize(ctx context.Context, tenant *repository.Tenant, history []Message) (string, error) {
	settings := m.steps.Resolve("memory.summarization", provider.TenantOverrides{
		Steps:              tenant.Config.LLMSteps,
		DefaultProvider:    tenant.Config.LLMProvider,
		DefaultModel:       tenant.Config.LLMModel,
		DefaultTemperature: tenant.Config.Temperature,
	})

	var sb strings.Builder
	sb.WriteString("Summarize this conversation in 2-3 sentences. Capture the user's goal and any conclusions reached. Output only the summary.\n\n")
	sb.WriteString(FormatForPrompt(history))

	result, err := m.llm.Generate(ctx, provider.Meta{
		TenantID: tenant.ID.String(),
		Step:     "memory.summarization",
	}, sb.String(), provider.GenerateOptions{
		Model:       settings.Model,
		Temperature: settings.Temperature,
		MaxTokens:   256,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/repository"
)

// MemoryRepository implements repository.MemoryRepository using PostgreSQL
type MemoryRepository struct {
	db *DB
}

// NewMemoryRepository creates a new memory repository
func NewMemoryRepository(db *DB) *MemoryRepository {
	return &MemoryRepository{db: db}
}

// SaveFact inserts a persistent user fact
func (r *MemoryRepository) SaveFact(ctx context.Context, fact *repository.UserFact) error {
	if fact.ID == uuid.Nil {
		fact.ID = uuid.New()
	}
	query := `
		INSERT INTO user_facts (id, tenant_id, user_id, content, importance)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := r.db.Pool.QueryRow(ctx, query,
		fact.ID, fact.TenantID, fact.UserID, fact.Content, fact.Importance).Scan(&fact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user fact: %w", err)
	}
	return nil
}

// ListFacts retrieves a user's facts by importance, highest first
func (r *MemoryRepository) ListFacts(ctx context.Context, tenantID uuid.UUID, userID string, limit int) ([]*repository.UserFact, error) {
	query := `
		SELECT id, tenant_id, user_id, content, importance, created_at
		FROM user_facts
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY importance DESC, created_at DESC
		LIMIT $3`

	rows, err := r.db.Pool.Query(ctx, query, tenantID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list user facts: %w", err)
	}
	defer rows.Close()

	var facts []*repository.UserFact
	for rows.Next() {
		var f repository.UserFact
		if err := rows.Scan(&f.ID, &f.TenantID, &f.UserID, &f.Content, &f.Importance, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user fact: %w", err)
		}
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

// SaveSummary inserts a conversation summary
func (r *MemoryRepository) SaveSummary(ctx context.Context, summary *repository.ConversationSummary) error {
	if summary.ID == uuid.Nil {
		summary.ID = uuid.New()
	}
	query := `
		INSERT INTO conversation_summaries (id, tenant_id, user_id, session_id, summary)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := r.db.Pool.QueryRow(ctx, query,
		summary.ID, summary.TenantID, summary.UserID, summary.SessionID, summary.Summary).
		Scan(&summary.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save conversation summary: %w", err)
	}
	return nil
}

// RecentSummaries retrieves a user's most recent conversation summaries
func (r *MemoryRepository) RecentSummaries(ctx context.Context, tenantID uuid.UUID, userID string, limit int) ([]*repository.ConversationSummary, error) {
	query := `
		SELECT id, tenant_id, user_id, session_id, summary, created_at
		FROM conversation_summaries
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.db.Pool.Query(ctx, query, tenantID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*repository.ConversationSummary
	for rows.Next() {
		var s repository.ConversationSummary
		if err := rows.Scan(&s.ID, &s.TenantID, &s.UserID, &s.SessionID, &s.Summary, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation summary: %w", err)
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

// TenantFacts lists every user's facts for a tenant, for backup export
func (r *MemoryRepository) TenantFacts(ctx context.Context, tenantID uuid.UUID) ([]*repository.UserFact, error) {
	query := `
		SELECT id, tenant_id, user_id, content, importance, created_at
		FROM user_facts
		WHERE tenant_id = $1
		ORDER BY user_id, importance DESC`

	rows, err := r.db.Pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant facts: %w", err)
	}
	defer rows.Close()

	var facts []*repository.UserFact
	for rows.Next() {
		var f repository.UserFact
		if err := rows.Scan(&f.ID, &f.TenantID, &f.UserID, &f.Content, &f.Importance, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user fact: %w", err)
		}
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

// TenantSummaries lists every user's conversation summaries for a tenant
func (r *MemoryRepository) TenantSummaries(ctx context.Context, tenantID uuid.UUID) ([]*repository.ConversationSummary, error) {
	query := `
		SELECT id, tenant_id, user_id, session_id, summary, created_at
		FROM conversation_summaries
		WHERE tenant_id = $1
		ORDER BY user_id, created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*repository.ConversationSummary
	for rows.Next() {
		var s repository.ConversationSummary
		if err := rows.Scan(&s.ID, &s.TenantID, &s.UserID, &s.SessionID, &s.Summary, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation summary: %w", err)
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

// Ensure interface is satisfied
var _ repository.MemoryRepository = (*MemoryRepository)(nil)

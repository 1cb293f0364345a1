// Package repository defines domain models and data access interfaces for
// tenants, documents, chunks, memory, usage, and audit records.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/config"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing row.
var ErrDuplicate = errors.New("already exists")

// DocumentStatus is a stage in the document lifecycle state machine.
type DocumentStatus string

const (
	StatusIngested    DocumentStatus = "INGESTED"
	StatusExtracting  DocumentStatus = "EXTRACTING"
	StatusClassifying DocumentStatus = "CLASSIFYING"
	StatusChunking    DocumentStatus = "CHUNKING"
	StatusEmbedding   DocumentStatus = "EMBEDDING"
	StatusGraphSync   DocumentStatus = "GRAPH_SYNC"
	StatusReady       DocumentStatus = "READY"
	StatusFailed      DocumentStatus = "FAILED"
)

// nextStatus encodes the forward edges of the state machine. FAILED is
// reachable from any non-terminal state and has no successor.
var nextStatus = map[DocumentStatus]DocumentStatus{
	StatusIngested:    StatusExtracting,
	StatusExtracting:  StatusClassifying,
	StatusClassifying: StatusChunking,
	StatusChunking:    StatusEmbedding,
	StatusEmbedding:   StatusGraphSync,
	StatusGraphSync:   StatusReady,
}

// Terminal reports whether the status is observable-final.
func (s DocumentStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal state-machine edge.
// Transitions are monotonic: only the next stage or FAILED is reachable.
func CanTransition(from, to DocumentStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return nextStatus[from] == to
}

// EmbeddingStatus tracks per-chunk embedding progress.
type EmbeddingStatus string

const (
	EmbeddingPending   EmbeddingStatus = "PENDING"
	EmbeddingCompleted EmbeddingStatus = "COMPLETED"
	EmbeddingFailed    EmbeddingStatus = "FAILED"
)

// Tenant is the isolation root: all data, caches, and counters are scoped
// by tenant ID.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	APIKey    string
	Active    bool
	Config    TenantConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantConfig holds tenant-specific tuning knobs.
type TenantConfig struct {
	LLMProvider         string                       `json:"llm_provider,omitempty"`
	LLMModel            string                       `json:"llm_model,omitempty"`
	Temperature         *float32                     `json:"temperature,omitempty"`
	EmbeddingProvider   string                       `json:"embedding_provider,omitempty"`
	EmbeddingModel      string                       `json:"embedding_model,omitempty"`
	EmbeddingDimensions int                          `json:"embedding_dimensions,omitempty"`
	LLMSteps            map[string]config.StepConfig `json:"llm_steps,omitempty"`
	Chunker             ChunkerConfig                `json:"chunker"`
	TopK                int                          `json:"top_k,omitempty"`
	MinScore            float32                      `json:"min_score,omitempty"`
	SystemPrompt        string                       `json:"system_prompt,omitempty"`
	RerankerEnabled     bool                         `json:"reranker_enabled,omitempty"`
	VectorWeight        float64                      `json:"vector_weight,omitempty"`
	GraphWeight         float64                      `json:"graph_weight,omitempty"`
}

// ChunkerConfig holds chunking configuration
type ChunkerConfig struct {
	Method     string `json:"method"`      // semantic, fixed, sentence
	TargetSize int    `json:"target_size"` // target tokens per chunk
	MaxSize    int    `json:"max_size"`    // max tokens per chunk
	Overlap    int    `json:"overlap"`     // overlap tokens
}

// CollectionName returns the tenant's active vector collection name.
func CollectionName(tenantID uuid.UUID) string {
	name := "amber_" + tenantID.String()
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '-' {
			out[i] = '_'
		} else {
			out[i] = name[i]
		}
	}
	return string(out)
}

// Document is a logical unit of ingested content.
type Document struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Filename     string
	ContentHash  string // SHA-256 of raw bytes; unique per tenant
	StoragePath  string
	Status       DocumentStatus
	Domain       string
	Summary      string
	DocumentType string
	Keywords     []string
	Hashtags     []string
	ErrorMessage string
	ChunkCount   int
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is a token-bounded window of document text, the unit of indexing.
type Chunk struct {
	ID              string // "<document_id>:<index>"
	TenantID        uuid.UUID
	DocumentID      uuid.UUID
	Index           int
	Content         string
	Tokens          int
	Metadata        map[string]string
	EmbeddingStatus EmbeddingStatus
	CreatedAt       time.Time
}

// ChunkID composes the canonical chunk identifier.
func ChunkID(documentID uuid.UUID, index int) string {
	return fmt.Sprintf("%s:%d", documentID, index)
}

// UserFact is a persistent per-user memory item.
type UserFact struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	UserID     string
	Content    string
	Importance float32
	CreatedAt  time.Time
}

// ConversationSummary is a session-scoped rollup of a conversation.
type ConversationSummary struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	UserID    string
	SessionID string
	Summary   string
	CreatedAt time.Time
}

// AuditEntry is one append-only audit-log row.
type AuditEntry struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Actor     string
	Action    string
	Target    string
	Changes   map[string]any
	CreatedAt time.Time
}

// TenantRepository defines operations for tenant persistence
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, int, error)
	Update(ctx context.Context, tenant *Tenant) error
	UpdateConfig(ctx context.Context, id uuid.UUID, cfg TenantConfig) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// DocumentRepository defines operations for document persistence
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	GetByHash(ctx context.Context, tenantID uuid.UUID, hash string) (*Document, error)
	List(ctx context.Context, tenantID uuid.UUID, status DocumentStatus, limit, offset int) ([]*Document, int, error)
	Update(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, id uuid.UUID) error

	// UpdateStatusIf is an atomic compare-and-swap on the status column.
	// It returns true only if the row was in the from state; concurrent
	// callers with the same from state see exactly one true.
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to DocumentStatus) (bool, error)

	// SetFailed transitions to FAILED and stores a short error message.
	SetFailed(ctx context.Context, id uuid.UUID, errorMsg string) error
}

// ChunkRepository defines operations for chunk persistence
type ChunkRepository interface {
	CreateBatch(ctx context.Context, chunks []*Chunk) error
	GetByDocument(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*Chunk, error)
	GetByIDs(ctx context.Context, ids []string) ([]*Chunk, error)
	UpdateEmbeddingStatus(ctx context.Context, documentID uuid.UUID, status EmbeddingStatus) error
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
	DeleteByTenant(ctx context.Context, tenantID uuid.UUID) error
}

// MemoryRepository persists user facts and conversation summaries.
type MemoryRepository interface {
	SaveFact(ctx context.Context, fact *UserFact) error
	ListFacts(ctx context.Context, tenantID uuid.UUID, userID string, limit int) ([]*UserFact, error)
	SaveSummary(ctx context.Context, summary *ConversationSummary) error
	RecentSummaries(ctx context.Context, tenantID uuid.UUID, userID string, limit int) ([]*ConversationSummary, error)
	// TenantFacts and TenantSummaries list across all users; used by backup.
	TenantFacts(ctx context.Context, tenantID uuid.UUID) ([]*UserFact, error)
	TenantSummaries(ctx context.Context, tenantID uuid.UUID) ([]*ConversationSummary, error)
}

// AuditRepository appends and lists audit-log rows.
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*AuditEntry, error)
}

// Package graphstore provides the knowledge-graph port and its Neo4j adapter.
package graphstore

import (
	"context"

	"github.com/google/uuid"
)

// Entity is a named node in a tenant's knowledge graph. Community is the id
// of the community the entity was last clustered into, empty before the
// first community pass.
type Entity struct {
	TenantID    uuid.UUID
	Name        string
	Type        string
	Description string
	Aliases     []string
	DocumentIDs []string
	ChunkIDs    []string
	Community   string
}

// Relation is a typed, weighted edge between two entities. Type is an
// upper-snake-case label; weight drives traversal ordering.
type Relation struct {
	TenantID    uuid.UUID
	Source      string
	Target      string
	Type        string
	Description string
	Weight      float64
	DocumentIDs []string
}

// DocumentNode anchors a document's chunks in the graph.
type DocumentNode struct {
	ID       string
	Filename string
}

// Mention links a chunk to an entity it mentions.
type Mention struct {
	ChunkID string
	Entity  string
}

// ChunkSimilarity is an embedding-similarity edge between two chunks. Rank is
// the 1-based position of the target among the source's nearest neighbors.
type ChunkSimilarity struct {
	SourceChunkID string
	TargetChunkID string
	Score         float64
	Rank          int
}

// CommunityStatusActive is the status of a community produced by the latest
// community pass. Clusters dissolved by later writes are deleted, not kept.
const CommunityStatusActive = "active"

// Community is one cluster of entities with an LLM-written summary. Stale
// communities have seen new member activity since their summary was written
// and are recomputed on the next community pass.
type Community struct {
	ID          string
	TenantID    uuid.UUID
	Level       int
	Title       string
	Summary     string
	KeyEntities []string
	Rating      float64
	Status      string
	Stale       bool
}

// Neighbor is one hop discovered during expansion.
type Neighbor struct {
	Entity   Entity
	Relation Relation
	Depth    int
}

// ExpandParams bounds a traversal from seed entities.
type ExpandParams struct {
	Seeds     []string
	Depth     int
	BeamWidth int
	// ExcludeTypes lists relation types skipped during expansion, such as
	// structural containment edges that add no semantic signal.
	ExcludeTypes []string
}

// GraphStore defines tenant-scoped knowledge graph operations.
type GraphStore interface {
	// UpsertEntities merges entities by (tenant, name), unioning aliases,
	// document refs, and chunk refs, and concatenating new description text.
	UpsertEntities(ctx context.Context, tenantID uuid.UUID, entities []Entity) error

	// UpsertRelations merges relations by (tenant, source, target, type).
	UpsertRelations(ctx context.Context, tenantID uuid.UUID, relations []Relation) error

	// UpsertDocumentGraph merges the document node, its chunk nodes, and the
	// HAS_CHUNK edges between them. Filename is set once at creation.
	UpsertDocumentGraph(ctx context.Context, tenantID uuid.UUID, doc DocumentNode, chunkIDs []string) error

	// LinkMentions merges MENTIONS edges from chunks to the entities they
	// reference.
	LinkMentions(ctx context.Context, tenantID uuid.UUID, mentions []Mention) error

	// UpsertChunkSimilarities merges SIMILAR_TO edges between chunks,
	// carrying the similarity score and neighbor rank.
	UpsertChunkSimilarities(ctx context.Context, tenantID uuid.UUID, edges []ChunkSimilarity) error

	// MergeEntities folds duplicate entities into a canonical one: edges move
	// to the canonical node, aliases and descriptions are combined, and the
	// duplicates are deleted. The whole merge is one transaction.
	MergeEntities(ctx context.Context, tenantID uuid.UUID, canonical string, duplicates []string) error

	// FindEntities looks up entities by name or alias.
	FindEntities(ctx context.Context, tenantID uuid.UUID, names []string) ([]Entity, error)

	// EntitiesByDocument lists entities referencing a document.
	EntitiesByDocument(ctx context.Context, tenantID, documentID uuid.UUID) ([]Entity, error)

	// EntitiesByChunks lists entities mentioned in any of the given chunks.
	EntitiesByChunks(ctx context.Context, tenantID uuid.UUID, chunkIDs []string) ([]Entity, error)

	// Expand walks outward from seed entities, keeping the highest-weight
	// beamWidth edges per hop. Partial results are returned when the context
	// deadline expires mid-walk.
	Expand(ctx context.Context, tenantID uuid.UUID, params ExpandParams) ([]Neighbor, error)

	// Export returns the tenant's full graph for backup.
	Export(ctx context.Context, tenantID uuid.UUID) ([]Entity, []Relation, error)

	// UpsertCommunities merges communities by (tenant, id), replacing all
	// properties including the staleness flag.
	UpsertCommunities(ctx context.Context, tenantID uuid.UUID, communities []Community) error

	// Communities lists the tenant's communities.
	Communities(ctx context.Context, tenantID uuid.UUID) ([]Community, error)

	// AssignCommunity stamps the community id onto the named member entities.
	AssignCommunity(ctx context.Context, tenantID uuid.UUID, communityID string, members []string) error

	// MarkCommunitiesStale flags the communities the named entities belong to,
	// so the next community pass rewrites their summaries.
	MarkCommunitiesStale(ctx context.Context, tenantID uuid.UUID, entityNames []string) error

	// DeleteCommunities removes communities by id.
	DeleteCommunities(ctx context.Context, tenantID uuid.UUID, ids []string) error

	// DeleteByDocument removes a document's references; entities and
	// relations left with no remaining references are deleted.
	DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error

	// DeleteByTenant removes the tenant's entire graph.
	DeleteByTenant(ctx context.Context, tenantID uuid.UUID) error
}

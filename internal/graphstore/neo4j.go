package graphstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// relationTypePattern is the only shape allowed into a Cypher relationship
// type position. Relationship types cannot be parameterized, so anything that
// fails this check is rejected before query assembly.
var relationTypePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)

// Neo4jStore implements GraphStore using Neo4j
type Neo4jStore struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jStore creates a Neo4j-backed graph store and verifies connectivity.
func NewNeo4jStore(ctx context.Context, uri, username, password string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}
	return &Neo4jStore{driver: driver}, nil
}

// Close releases the underlying driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// EnsureConstraints creates the uniqueness constraints the merges rely on.
func (s *Neo4jStore) EnsureConstraints(ctx context.Context) error {
	constraints := []string{
		`CREATE CONSTRAINT entity_tenant_name IF NOT EXISTS
		 FOR (e:Entity) REQUIRE (e.tenant_id, e.name) IS UNIQUE`,
		`CREATE CONSTRAINT document_tenant_id IF NOT EXISTS
		 FOR (d:Document) REQUIRE (d.tenant_id, d.id) IS UNIQUE`,
		`CREATE CONSTRAINT chunk_tenant_id IF NOT EXISTS
		 FOR (c:Chunk) REQUIRE (c.tenant_id, c.id) IS UNIQUE`,
		`CREATE CONSTRAINT community_tenant_id IF NOT EXISTS
		 FOR (c:Community) REQUIRE (c.tenant_id, c.id) IS UNIQUE`,
	}
	for _, constraint := range constraints {
		if _, err := neo4j.ExecuteQuery(ctx, s.driver, constraint, nil, neo4j.EagerResultTransformer); err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}
	return nil
}

// UpsertEntities merges entities by (tenant, name), unioning reference lists
// and appending new description text.
func (s *Neo4jStore) UpsertEntities(ctx context.Context, tenantID uuid.UUID, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}

	rows := make([]map[string]any, len(entities))
	for i, e := range entities {
		rows[i] = map[string]any{
			"name":         e.Name,
			"type":         e.Type,
			"description":  e.Description,
			"aliases":      e.Aliases,
			"document_ids": e.DocumentIDs,
			"chunk_ids":    e.ChunkIDs,
		}
	}

	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		UNWIND $rows AS row
		MERGE (e:Entity {tenant_id: $tenant_id, name: row.name})
		ON CREATE SET
			e.type = row.type,
			e.description = row.description,
			e.aliases = row.aliases,
			e.document_ids = row.document_ids,
			e.chunk_ids = row.chunk_ids
		ON MATCH SET
			e.type = coalesce(e.type, row.type),
			e.description = CASE
				WHEN row.description = '' OR e.description CONTAINS row.description THEN e.description
				WHEN e.description = '' THEN row.description
				ELSE e.description + '\n' + row.description
			END,
			e.aliases = [a IN e.aliases WHERE NOT a IN row.aliases] + row.aliases,
			e.document_ids = [d IN e.document_ids WHERE NOT d IN row.document_ids] + row.document_ids,
			e.chunk_ids = [c IN e.chunk_ids WHERE NOT c IN row.chunk_ids] + row.chunk_ids`,
		map[string]any{"tenant_id": tenantID.String(), "rows": rows},
		neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to upsert entities: %w", err)
	}
	return nil
}

// UpsertRelations merges relations by (tenant, source, target, type). Rows
// are grouped by relation type so each type goes through one statement.
func (s *Neo4jStore) UpsertRelations(ctx context.Context, tenantID uuid.UUID, relations []Relation) error {
	if len(relations) == 0 {
		return nil
	}

	byType := make(map[string][]map[string]any)
	for _, r := range relations {
		if !relationTypePattern.MatchString(r.Type) {
			return fmt.Errorf("invalid relation type %q", r.Type)
		}
		byType[r.Type] = append(byType[r.Type], map[string]any{
			"source":       r.Source,
			"target":       r.Target,
			"description":  r.Description,
			"weight":       r.Weight,
			"document_ids": r.DocumentIDs,
		})
	}

	for relType, rows := range byType {
		query := fmt.Sprintf(`
			UNWIND $rows AS row
			MATCH (a:Entity {tenant_id: $tenant_id, name: row.source})
			MATCH (b:Entity {tenant_id: $tenant_id, name: row.target})
			MERGE (a)-[r:%s]->(b)
			ON CREATE SET
				r.description = row.description,
				r.weight = row.weight,
				r.document_ids = row.document_ids
			ON MATCH SET
				r.weight = CASE WHEN row.weight > r.weight THEN row.weight ELSE r.weight END,
				r.description = CASE
					WHEN row.description = '' OR r.description CONTAINS row.description THEN r.description
					ELSE r.description + '\n' + row.description
				END,
				r.document_ids = [d IN r.document_ids WHERE NOT d IN row.document_ids] + row.document_ids`,
			relType)

		_, err := neo4j.ExecuteQuery(ctx, s.driver, query,
			map[string]any{"tenant_id": tenantID.String(), "rows": rows},
			neo4j.EagerResultTransformer)
		if err != nil {
			return fmt.Errorf("failed to upsert %s relations: %w", relType, err)
		}
	}
	return nil
}

// UpsertDocumentGraph merges the document node, its chunk nodes, and the
// HAS_CHUNK edges. Filename is written once, on creation.
func (s *Neo4jStore) UpsertDocumentGraph(ctx context.Context, tenantID uuid.UUID, doc DocumentNode, chunkIDs []string) error {
	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MERGE (d:Document {tenant_id: $tenant_id, id: $document_id})
		ON CREATE SET d.filename = $filename
		WITH d
		UNWIND $chunk_ids AS chunk_id
		MERGE (c:Chunk {tenant_id: $tenant_id, id: chunk_id})
		ON CREATE SET c.document_id = $document_id
		MERGE (d)-[:HAS_CHUNK]->(c)`,
		map[string]any{
			"tenant_id":   tenantID.String(),
			"document_id": doc.ID,
			"filename":    doc.Filename,
			"chunk_ids":   chunkIDs,
		},
		neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to upsert document graph: %w", err)
	}
	return nil
}

// LinkMentions merges MENTIONS edges from chunks to entities.
func (s *Neo4jStore) LinkMentions(ctx context.Context, tenantID uuid.UUID, mentions []Mention) error {
	if len(mentions) == 0 {
		return nil
	}

	rows := make([]map[string]any, len(mentions))
	for i, m := range mentions {
		rows[i] = map[string]any{"chunk_id": m.ChunkID, "entity": m.Entity}
	}

	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		UNWIND $rows AS row
		MATCH (c:Chunk {tenant_id: $tenant_id, id: row.chunk_id})
		MATCH (e:Entity {tenant_id: $tenant_id, name: row.entity})
		MERGE (c)-[:MENTIONS]->(e)`,
		map[string]any{"tenant_id": tenantID.String(), "rows": rows},
		neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to link mentions: %w", err)
	}
	return nil
}

// UpsertChunkSimilarities merges SIMILAR_TO edges between chunks with the
// similarity score and neighbor rank.
func (s *Neo4jStore) UpsertChunkSimilarities(ctx context.Context, tenantID uuid.UUID, edges []ChunkSimilarity) error {
	if len(edges) == 0 {
		return nil
	}

	rows := make([]map[string]any, len(edges))
	for i, e := range edges {
		rows[i] = map[string]any{
			"source": e.SourceChunkID,
			"target": e.TargetChunkID,
			"score":  e.Score,
			"rank":   int64(e.Rank),
		}
	}

	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		UNWIND $rows AS row
		MATCH (a:Chunk {tenant_id: $tenant_id, id: row.source})
		MATCH (b:Chunk {tenant_id: $tenant_id, id: row.target})
		MERGE (a)-[r:SIMILAR_TO]->(b)
		SET r.score = row.score, r.rank = row.rank`,
		map[string]any{"tenant_id": tenantID.String(), "rows": rows},
		neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk similarities: %w", err)
	}
	return nil
}

// MergeEntities folds duplicates into the canonical entity in one write
// transaction: edges are re-pointed, aliases and reference lists combined,
// descriptions concatenated, and the duplicate nodes deleted.
func (s *Neo4jStore) MergeEntities(ctx context.Context, tenantID uuid.UUID, canonical string, duplicates []string) error {
	if len(duplicates) == 0 {
		return nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		params := map[string]any{
			"tenant_id":  tenantID.String(),
			"canonical":  canonical,
			"duplicates": duplicates,
		}

		// Absorb duplicate properties into the canonical node.
		_, err := tx.Run(ctx, `
			MATCH (c:Entity {tenant_id: $tenant_id, name: $canonical})
			MATCH (d:Entity {tenant_id: $tenant_id})
			WHERE d.name IN $duplicates
			SET c.aliases = [a IN c.aliases WHERE NOT a IN (d.aliases + d.name)] + d.aliases + d.name,
				c.description = CASE
					WHEN d.description = '' OR c.description CONTAINS d.description THEN c.description
					ELSE c.description + '\n' + d.description
				END,
				c.document_ids = [x IN c.document_ids WHERE NOT x IN d.document_ids] + d.document_ids,
				c.chunk_ids = [x IN c.chunk_ids WHERE NOT x IN d.chunk_ids] + d.chunk_ids`,
			params)
		if err != nil {
			return nil, fmt.Errorf("failed to absorb duplicate properties: %w", err)
		}

		// Move outgoing edges, then incoming, then drop the duplicates.
		_, err = tx.Run(ctx, `
			MATCH (c:Entity {tenant_id: $tenant_id, name: $canonical})
			MATCH (d:Entity {tenant_id: $tenant_id})-[r]->(t)
			WHERE d.name IN $duplicates AND t <> c
			CALL apoc.create.relationship(c, type(r), properties(r), t) YIELD rel
			DELETE r
			RETURN count(rel)`,
			params)
		if err != nil {
			return nil, fmt.Errorf("failed to move outgoing edges: %w", err)
		}

		_, err = tx.Run(ctx, `
			MATCH (c:Entity {tenant_id: $tenant_id, name: $canonical})
			MATCH (src)-[r]->(d:Entity {tenant_id: $tenant_id})
			WHERE d.name IN $duplicates AND src <> c
			CALL apoc.create.relationship(src, type(r), properties(r), c) YIELD rel
			DELETE r
			RETURN count(rel)`,
			params)
		if err != nil {
			return nil, fmt.Errorf("failed to move incoming edges: %w", err)
		}

		_, err = tx.Run(ctx, `
			MATCH (d:Entity {tenant_id: $tenant_id})
			WHERE d.name IN $duplicates
			DETACH DELETE d`,
			params)
		if err != nil {
			return nil, fmt.Errorf("failed to delete duplicates: %w", err)
		}
		return nil, nil
	})
	return err
}

// FindEntities looks up entities by exact name or alias.
func (s *Neo4jStore) FindEntities(ctx context.Context, tenantID uuid.UUID, names []string) ([]Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}

	result, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (e:Entity {tenant_id: $tenant_id})
		WHERE e.name IN $names OR any(a IN e.aliases WHERE a IN $names)
		RETURN e`,
		map[string]any{"tenant_id": tenantID.String(), "names": names},
		neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("failed to find entities: %w", err)
	}
	return recordsToEntities(tenantID, result.Records, "e")
}

// EntitiesByDocument lists entities referencing a document.
func (s *Neo4jStore) EntitiesByDocument(ctx context.Context, tenantID, documentID uuid.UUID) ([]Entity, error) {
	result, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (e:Entity {tenant_id: $tenant_id})
		WHERE $document_id IN e.document_ids
		RETURN e`,
		map[string]any{"tenant_id": tenantID.String(), "document_id": documentID.String()},
		neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities by document: %w", err)
	}
	return recordsToEntities(tenantID, result.Records, "e")
}

// EntitiesByChunks lists entities mentioned in any of the given chunks.
func (s *Neo4jStore) EntitiesByChunks(ctx context.Context, tenantID uuid.UUID, chunkIDs []string) ([]Entity, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	result, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (e:Entity {tenant_id: $tenant_id})
		WHERE any(c IN e.chunk_ids WHERE c IN $chunk_ids)
		RETURN e`,
		map[string]any{"tenant_id": tenantID.String(), "chunk_ids": chunkIDs},
		neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities by chunks: %w", err)
	}
	return recordsToEntities(tenantID, result.Records, "e")
}

// Expand walks outward from seeds, hop by hop, keeping the heaviest beamWidth
// edges per hop. A context deadline mid-walk returns what was found so far.
func (s *Neo4jStore) Expand(ctx context.Context, tenantID uuid.UUID, params ExpandParams) ([]Neighbor, error) {
	if len(params.Seeds) == 0 || params.Depth <= 0 {
		return nil, nil
	}
	exclude := params.ExcludeTypes
	if exclude == nil {
		exclude = []string{}
	}

	var neighbors []Neighbor
	visited := make(map[string]bool, len(params.Seeds))
	for _, s := range params.Seeds {
		visited[s] = true
	}
	frontier := params.Seeds

	for depth := 1; depth <= params.Depth && len(frontier) > 0; depth++ {
		result, err := neo4j.ExecuteQuery(ctx, s.driver, `
			MATCH (e:Entity {tenant_id: $tenant_id})
			WHERE e.name IN $frontier
			MATCH (e)-[r]-(n:Entity {tenant_id: $tenant_id})
			WHERE NOT type(r) IN $exclude AND NOT n.name IN $visited
			RETURN DISTINCT n, r, e.name AS source
			ORDER BY coalesce(r.weight, 0.0) DESC
			LIMIT $beam`,
			map[string]any{
				"tenant_id": tenantID.String(),
				"frontier":  frontier,
				"exclude":   exclude,
				"visited":   keys(visited),
				"beam":      int64(params.BeamWidth),
			},
			neo4j.EagerResultTransformer)
		if err != nil {
			// Deadline mid-walk yields partial results, not failure.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return neighbors, nil
			}
			return neighbors, fmt.Errorf("failed to expand graph at depth %d: %w", depth, err)
		}

		var next []string
		for _, record := range result.Records {
			node, ok := record.Get("n")
			if !ok {
				continue
			}
			entity := nodeToEntity(tenantID, node.(neo4j.Node))
			rel, _ := record.Get("r")
			source, _ := record.Get("source")

			relation := Relation{TenantID: tenantID, Target: entity.Name}
			if src, ok := source.(string); ok {
				relation.Source = src
			}
			if r, ok := rel.(neo4j.Relationship); ok {
				relation.Type = r.Type
				relation.Description = stringProp(r.Props, "description")
				relation.Weight = floatProp(r.Props, "weight")
				relation.DocumentIDs = stringSliceProp(r.Props, "document_ids")
			}

			neighbors = append(neighbors, Neighbor{Entity: entity, Relation: relation, Depth: depth})
			if !visited[entity.Name] {
				visited[entity.Name] = true
				next = append(next, entity.Name)
			}
		}
		frontier = next
	}
	return neighbors, nil
}

// DeleteByDocument removes a document's references and prunes entities and
// relations left with no remaining references. The document node and its
// chunk nodes go with it, taking HAS_CHUNK, MENTIONS, and SIMILAR_TO edges.
func (s *Neo4jStore) DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	params := map[string]any{"tenant_id": tenantID.String(), "document_id": documentID.String()}

	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (d:Document {tenant_id: $tenant_id, id: $document_id})
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
		DETACH DELETE d, c`,
		params, neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to delete document nodes: %w", err)
	}

	_, err = neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (e:Entity {tenant_id: $tenant_id})-[r]-()
		WHERE $document_id IN r.document_ids
		SET r.document_ids = [d IN r.document_ids WHERE d <> $document_id]
		WITH r WHERE size(r.document_ids) = 0
		DELETE r`,
		params, neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to prune document relations: %w", err)
	}

	_, err = neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (e:Entity {tenant_id: $tenant_id})
		WHERE $document_id IN e.document_ids
		SET e.document_ids = [d IN e.document_ids WHERE d <> $document_id],
			e.chunk_ids = [c IN e.chunk_ids WHERE NOT c STARTS WITH $document_id]
		WITH e WHERE size(e.document_ids) = 0
		DETACH DELETE e`,
		params, neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to prune document entities: %w", err)
	}
	return nil
}

// Export returns every entity and relation in the tenant's graph.
func (s *Neo4jStore) Export(ctx context.Context, tenantID uuid.UUID) ([]Entity, []Relation, error) {
	params := map[string]any{"tenant_id": tenantID.String()}

	result, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (e:Entity {tenant_id: $tenant_id})
		RETURN e ORDER BY e.name`,
		params, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to export entities: %w", err)
	}
	entities, err := recordsToEntities(tenantID, result.Records, "e")
	if err != nil {
		return nil, nil, err
	}

	result, err = neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (src:Entity {tenant_id: $tenant_id})-[r]->(dst:Entity {tenant_id: $tenant_id})
		RETURN src.name AS source, dst.name AS target, type(r) AS type, r AS rel
		ORDER BY source, target`,
		params, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to export relations: %w", err)
	}

	relations := make([]Relation, 0, len(result.Records))
	for _, record := range result.Records {
		rel := Relation{TenantID: tenantID}
		if v, ok := record.Get("source"); ok {
			rel.Source, _ = v.(string)
		}
		if v, ok := record.Get("target"); ok {
			rel.Target, _ = v.(string)
		}
		if v, ok := record.Get("type"); ok {
			rel.Type, _ = v.(string)
		}
		if v, ok := record.Get("rel"); ok {
			if edge, ok := v.(neo4j.Relationship); ok {
				rel.Description = stringProp(edge.Props, "description")
				rel.Weight = floatProp(edge.Props, "weight")
				rel.DocumentIDs = stringSliceProp(edge.Props, "document_ids")
			}
		}
		relations = append(relations, rel)
	}
	return entities, relations, nil
}

// UpsertCommunities merges communities by (tenant, id), replacing all
// properties including the staleness flag.
func (s *Neo4jStore) UpsertCommunities(ctx context.Context, tenantID uuid.UUID, communities []Community) error {
	if len(communities) == 0 {
		return nil
	}

	rows := make([]map[string]any, len(communities))
	for i, c := range communities {
		rows[i] = map[string]any{
			"id":           c.ID,
			"level":        int64(c.Level),
			"title":        c.Title,
			"summary":      c.Summary,
			"key_entities": c.KeyEntities,
			"rating":       c.Rating,
			"status":       c.Status,
			"is_stale":     c.Stale,
		}
	}

	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		UNWIND $rows AS row
		MERGE (c:Community {tenant_id: $tenant_id, id: row.id})
		SET c.level = row.level,
			c.title = row.title,
			c.summary = row.summary,
			c.key_entities = row.key_entities,
			c.rating = row.rating,
			c.status = row.status,
			c.is_stale = row.is_stale`,
		map[string]any{"tenant_id": tenantID.String(), "rows": rows},
		neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to upsert communities: %w", err)
	}
	return nil
}

// Communities lists the tenant's communities.
func (s *Neo4jStore) Communities(ctx context.Context, tenantID uuid.UUID) ([]Community, error) {
	result, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (c:Community {tenant_id: $tenant_id})
		RETURN c ORDER BY c.rating DESC, c.id`,
		map[string]any{"tenant_id": tenantID.String()},
		neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("failed to list communities: %w", err)
	}

	communities := make([]Community, 0, len(result.Records))
	for _, record := range result.Records {
		value, ok := record.Get("c")
		if !ok {
			continue
		}
		node, ok := value.(neo4j.Node)
		if !ok {
			return nil, fmt.Errorf("unexpected record value type %T", value)
		}
		communities = append(communities, Community{
			ID:          stringProp(node.Props, "id"),
			TenantID:    tenantID,
			Level:       intProp(node.Props, "level"),
			Title:       stringProp(node.Props, "title"),
			Summary:     stringProp(node.Props, "summary"),
			KeyEntities: stringSliceProp(node.Props, "key_entities"),
			Rating:      floatProp(node.Props, "rating"),
			Status:      stringProp(node.Props, "status"),
			Stale:       boolProp(node.Props, "is_stale"),
		})
	}
	return communities, nil
}

// AssignCommunity stamps the community id onto the member entities.
func (s *Neo4jStore) AssignCommunity(ctx context.Context, tenantID uuid.UUID, communityID string, members []string) error {
	if len(members) == 0 {
		return nil
	}

	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (e:Entity {tenant_id: $tenant_id})
		WHERE e.name IN $members
		SET e.community = $community_id`,
		map[string]any{
			"tenant_id":    tenantID.String(),
			"community_id": communityID,
			"members":      members,
		},
		neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to assign community: %w", err)
	}
	return nil
}

// MarkCommunitiesStale flags the communities the named entities belong to.
func (s *Neo4jStore) MarkCommunitiesStale(ctx context.Context, tenantID uuid.UUID, entityNames []string) error {
	if len(entityNames) == 0 {
		return nil
	}

	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (e:Entity {tenant_id: $tenant_id})
		WHERE e.name IN $names AND e.community IS NOT NULL
		WITH DISTINCT e.community AS community_id
		MATCH (c:Community {tenant_id: $tenant_id, id: community_id})
		SET c.is_stale = true`,
		map[string]any{"tenant_id": tenantID.String(), "names": entityNames},
		neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to mark communities stale: %w", err)
	}
	return nil
}

// DeleteCommunities removes communities by id.
func (s *Neo4jStore) DeleteCommunities(ctx context.Context, tenantID uuid.UUID, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (c:Community {tenant_id: $tenant_id})
		WHERE c.id IN $ids
		DETACH DELETE c`,
		map[string]any{"tenant_id": tenantID.String(), "ids": ids},
		neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to delete communities: %w", err)
	}
	return nil
}

// DeleteByTenant removes the tenant's entire graph: entities, documents,
// chunks, and communities.
func (s *Neo4jStore) DeleteByTenant(ctx context.Context, tenantID uuid.UUID) error {
	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (n {tenant_id: $tenant_id})
		DETACH DELETE n`,
		map[string]any{"tenant_id": tenantID.String()},
		neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to delete tenant graph: %w", err)
	}
	return nil
}

func recordsToEntities(tenantID uuid.UUID, records []*neo4j.Record, key string) ([]Entity, error) {
	entities := make([]Entity, 0, len(records))
	for _, record := range records {
		value, ok := record.Get(key)
		if !ok {
			continue
		}
		node, ok := value.(neo4j.Node)
		if !ok {
			return nil, fmt.Errorf("unexpected record value type %T", value)
		}
		entities = append(entities, nodeToEntity(tenantID, node))
	}
	return entities, nil
}

func nodeToEntity(tenantID uuid.UUID, node neo4j.Node) Entity {
	return Entity{
		TenantID:    tenantID,
		Name:        stringProp(node.Props, "name"),
		Type:        stringProp(node.Props, "type"),
		Description: stringProp(node.Props, "description"),
		Aliases:     stringSliceProp(node.Props, "aliases"),
		DocumentIDs: stringSliceProp(node.Props, "document_ids"),
		ChunkIDs:    stringSliceProp(node.Props, "chunk_ids"),
		Community:   stringProp(node.Props, "community"),
	}
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func floatProp(props map[string]any, key string) float64 {
	if v, ok := props[key].(float64); ok {
		return v
	}
	return 0
}

func intProp(props map[string]any, key string) int {
	if v, ok := props[key].(int64); ok {
		return int(v)
	}
	return 0
}

func boolProp(props map[string]any, key string) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return false
}

func stringSliceProp(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Ensure interface is satisfied
var _ GraphStore = (*Neo4jStore)(nil)

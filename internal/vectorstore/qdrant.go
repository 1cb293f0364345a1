package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

const (
	// Vector field names for hybrid search
	denseVectorName  = "dense"
	sparseVectorName = "sparse"

	// HNSW graph parameters for the accuracy/latency balance this workload
	// needs: chat queries under interactive deadlines against mid-size
	// tenant collections.
	hnswM           = 16
	hnswEfConstruct = 256
	hnswEfSearch    = 128
)

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// collectionName returns the collection name for a tenant
func (s *QdrantStore) collectionName(tenantID uuid.UUID) string {
	return "amber_" + strings.ReplaceAll(tenantID.String(), "-", "_")
}

// pointID derives a stable UUID point identifier from a chunk ID, so
// re-upserting the same chunk overwrites rather than duplicates.
func pointID(chunkID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("amber:"+chunkID)).String())
}

// EnsureCollection creates the tenant's hybrid collection and payload indexes
// if they do not already exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context, tenantID uuid.UUID, dimension int) error {
	name := s.collectionName(tenantID)

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {}, // Use default sparse vector config
		}),
		HnswConfig: &qdrant.HnswConfigDiff{
			M:           qdrant.PtrOf(uint64(hnswM)),
			EfConstruct: qdrant.PtrOf(uint64(hnswEfConstruct)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// Keyword indexes for the fields every query filters on.
	for _, field := range []string{"tenant_id", "document_id", "chunk_id", "hashtags"} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to index payload field %s: %w", field, err)
		}
	}
	return nil
}

// DeleteCollection deletes a tenant's collection
func (s *QdrantStore) DeleteCollection(ctx context.Context, tenantID uuid.UUID) error {
	if err := s.client.DeleteCollection(ctx, s.collectionName(tenantID)); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// CollectionExists checks if a collection exists
func (s *QdrantStore) CollectionExists(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, s.collectionName(tenantID))
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}
	return exists, nil
}

// Upsert inserts or updates points in the tenant's collection. Content larger
// than MaxContentBytes is truncated and flagged so readers can recover the
// full text from the chunk rows.
func (s *QdrantStore) Upsert(ctx context.Context, tenantID uuid.UUID, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	name := s.collectionName(tenantID)

	qPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		content, truncated := TruncateContent(p.Content)

		payload := map[string]*qdrant.Value{
			"chunk_id":    qdrant.NewValueString(p.ChunkID),
			"tenant_id":   qdrant.NewValueString(p.TenantID.String()),
			"document_id": qdrant.NewValueString(p.DocumentID.String()),
			"content":     qdrant.NewValueString(content),
			"truncated":   qdrant.NewValueBool(truncated),
		}
		for k, v := range p.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}

		vectors := map[string]*qdrant.Vector{
			denseVectorName: {Data: p.Vector},
		}
		if p.SparseVector != nil {
			vectors[sparseVectorName] = &qdrant.Vector{
				Indices: &qdrant.SparseIndices{Data: p.SparseVector.Indices},
				Data:    p.SparseVector.Values,
			}
		}

		qPoints[i] = &qdrant.PointStruct{
			Id:      pointID(p.ChunkID),
			Payload: payload,
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vectors{
					Vectors: &qdrant.NamedVectors{Vectors: vectors},
				},
			},
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         qPoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// filter builds the mandatory tenant predicate plus any optional scoping.
// Every search path goes through here; there is no unfiltered query.
func (s *QdrantStore) filter(tenantID uuid.UUID, params SearchParams) *qdrant.Filter {
	must := []*qdrant.Condition{
		qdrant.NewMatch("tenant_id", tenantID.String()),
	}
	if len(params.DocumentIDs) > 0 {
		ids := make([]string, len(params.DocumentIDs))
		for i, id := range params.DocumentIDs {
			ids[i] = id.String()
		}
		must = append(must, qdrant.NewMatchKeywords("document_id", ids...))
	}
	for _, tag := range params.Hashtags {
		must = append(must, qdrant.NewMatch("hashtags", tag))
	}
	return &qdrant.Filter{Must: must}
}

// Search performs dense similarity search
func (s *QdrantStore) Search(ctx context.Context, tenantID uuid.UUID, params SearchParams) ([]SearchResult, error) {
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName(tenantID),
		Query:          qdrant.NewQueryDense(params.Vector),
		Using:          qdrant.PtrOf(denseVectorName),
		Filter:         s.filter(tenantID, params),
		Limit:          qdrant.PtrOf(uint64(params.TopK)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(params.MinScore),
		Params: &qdrant.SearchParams{
			HnswEf: qdrant.PtrOf(uint64(hnswEfSearch)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	return scoredToResults(response, 0), nil
}

// SparseSearch performs keyword similarity search on the sparse vectors.
func (s *QdrantStore) SparseSearch(ctx context.Context, tenantID uuid.UUID, params SearchParams) ([]SearchResult, error) {
	if params.SparseVector == nil || len(params.SparseVector.Indices) == 0 {
		return nil, nil
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName(tenantID),
		Query:          qdrant.NewQuerySparse(params.SparseVector.Indices, params.SparseVector.Values),
		Using:          qdrant.PtrOf(sparseVectorName),
		Filter:         s.filter(tenantID, params),
		Limit:          qdrant.PtrOf(uint64(params.TopK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sparse search: %w", err)
	}
	return scoredToResults(response, 0), nil
}

// HybridSearch performs hybrid search combining dense and sparse vectors with
// server-side rank fusion.
func (s *QdrantStore) HybridSearch(ctx context.Context, tenantID uuid.UUID, params SearchParams) ([]SearchResult, error) {
	filter := s.filter(tenantID, params)
	prefetchLimit := uint64(params.TopK * 2) // Get more candidates for fusion

	prefetch := []*qdrant.PrefetchQuery{
		{
			Query:  qdrant.NewQueryDense(params.Vector),
			Using:  qdrant.PtrOf(denseVectorName),
			Filter: filter,
			Limit:  qdrant.PtrOf(prefetchLimit),
			Params: &qdrant.SearchParams{
				HnswEf: qdrant.PtrOf(uint64(hnswEfSearch)),
			},
		},
	}
	if params.SparseVector != nil && len(params.SparseVector.Indices) > 0 {
		prefetch = append(prefetch, &qdrant.PrefetchQuery{
			Query:  qdrant.NewQuerySparse(params.SparseVector.Indices, params.SparseVector.Values),
			Using:  qdrant.PtrOf(sparseVectorName),
			Filter: filter,
			Limit:  qdrant.PtrOf(prefetchLimit),
		})
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName(tenantID),
		Prefetch:       prefetch,
		Query:          qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Limit:          qdrant.PtrOf(uint64(params.TopK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hybrid search: %w", err)
	}
	return scoredToResults(response, params.MinScore), nil
}

// GetChunks retrieves points by chunk ID with payload, without vectors
func (s *QdrantStore) GetChunks(ctx context.Context, tenantID uuid.UUID, chunkIDs []string) ([]SearchResult, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	ids := make([]*qdrant.PointId, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = pointID(id)
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collectionName(tenantID),
		Ids:            ids,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, point := range points {
		results = append(results, payloadToResult(point.Payload, 0))
	}
	return results, nil
}

// exportPageSize is the scroll page size for full-collection export.
const exportPageSize = 256

// ExportPoints scrolls the whole collection, vectors included. Used by the
// backup path; search traffic never goes through here.
func (s *QdrantStore) ExportPoints(ctx context.Context, tenantID uuid.UUID, fn func(Point) error) error {
	name := s.collectionName(tenantID)
	var offset *qdrant.PointId

	for {
		resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: name,
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{
					qdrant.NewMatch("tenant_id", tenantID.String()),
				},
			},
			Limit:       qdrant.PtrOf(uint32(exportPageSize)),
			Offset:      offset,
			WithPayload: qdrant.NewWithPayload(true),
			WithVectors: qdrant.NewWithVectors(true),
		})
		if err != nil {
			return fmt.Errorf("failed to scroll points: %w", err)
		}

		for _, retrieved := range resp.GetResult() {
			if err := fn(retrievedToPoint(tenantID, retrieved)); err != nil {
				return err
			}
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			return nil
		}
	}
}

func retrievedToPoint(tenantID uuid.UUID, retrieved *qdrant.RetrievedPoint) Point {
	p := Point{
		TenantID: tenantID,
		Metadata: make(map[string]string),
	}
	for k, v := range retrieved.GetPayload() {
		switch k {
		case "chunk_id":
			p.ChunkID = v.GetStringValue()
		case "document_id":
			if id, err := uuid.Parse(v.GetStringValue()); err == nil {
				p.DocumentID = id
			}
		case "content":
			p.Content = v.GetStringValue()
		case "tenant_id", "truncated":
			// scoping fields, not caller metadata
		default:
			p.Metadata[k] = v.GetStringValue()
		}
	}

	if named := retrieved.GetVectors().GetVectors(); named != nil {
		if dense, ok := named.GetVectors()[denseVectorName]; ok {
			p.Vector = dense.GetData()
		}
		if sparse, ok := named.GetVectors()[sparseVectorName]; ok && sparse.GetIndices() != nil {
			p.SparseVector = &SparseVector{
				Indices: sparse.GetIndices().GetData(),
				Values:  sparse.GetData(),
			}
		}
	}
	return p
}

// DeleteByDocument removes all points belonging to a document
func (s *QdrantStore) DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collectionName(tenantID),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("tenant_id", tenantID.String()),
						qdrant.NewMatch("document_id", documentID.String()),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by document ID: %w", err)
	}
	return nil
}

// DeleteByIDs removes specific points by chunk ID
func (s *QdrantStore) DeleteByIDs(ctx context.Context, tenantID uuid.UUID, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	ids := make([]*qdrant.PointId, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = pointID(id)
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collectionName(tenantID),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: ids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by IDs: %w", err)
	}
	return nil
}

func scoredToResults(points []*qdrant.ScoredPoint, minScore float32) []SearchResult {
	results := make([]SearchResult, 0, len(points))
	for _, point := range points {
		if point.Score < minScore {
			continue
		}
		result := payloadToResult(point.Payload, point.Score)
		results = append(results, result)
	}
	return results
}

func payloadToResult(payload map[string]*qdrant.Value, score float32) SearchResult {
	result := SearchResult{
		Score:    score,
		Metadata: make(map[string]string),
	}
	for k, v := range payload {
		switch k {
		case "chunk_id":
			result.ChunkID = v.GetStringValue()
		case "document_id":
			result.DocumentID = v.GetStringValue()
		case "content":
			result.Content = v.GetStringValue()
		case "truncated":
			result.Truncated = v.GetBoolValue()
		case "tenant_id":
			// scoping field, not caller metadata
		default:
			result.Metadata[k] = v.GetStringValue()
		}
	}
	return result
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)

// Package cache provides Redis-backed caches for embeddings, retrieval
// results, and classifications. Every cache fails open: a Redis outage means
// recomputation, never request failure.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/amberhq/amber/internal/ingestion"
)

const (
	// DefaultEmbeddingTTL keeps query embeddings for a day; the same text
	// always embeds the same under a fixed model.
	DefaultEmbeddingTTL = 24 * time.Hour

	// DefaultClassificationTTL keeps content classifications for a week.
	DefaultClassificationTTL = 7 * 24 * time.Hour
)

// QueryKey normalizes a query and hashes it for cache addressing. Case and
// surrounding whitespace do not change what a query means.
func QueryKey(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// EmbeddingCache stores query embeddings keyed by normalized query hash and
// model, scoped per tenant.
type EmbeddingCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewEmbeddingCache creates an embedding cache. ttl <= 0 takes the default.
func NewEmbeddingCache(client redis.UniversalClient, ttl time.Duration) *EmbeddingCache {
	if ttl <= 0 {
		ttl = DefaultEmbeddingTTL
	}
	return &EmbeddingCache{client: client, ttl: ttl}
}

func (c *EmbeddingCache) key(tenantID uuid.UUID, model, queryKey string) string {
	return "cache:embedding:" + tenantID.String() + ":" + model + ":" + queryKey
}

// Get returns the cached embedding for a query, or nil on miss.
func (c *EmbeddingCache) Get(ctx context.Context, tenantID uuid.UUID, model, query string) []float32 {
	data, err := c.client.Get(ctx, c.key(tenantID, model, QueryKey(query))).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("embedding cache read failed", "error", err)
		}
		return nil
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil
	}
	return vec
}

// Set stores an embedding.
func (c *EmbeddingCache) Set(ctx context.Context, tenantID uuid.UUID, model, query string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(tenantID, model, QueryKey(query)), data, c.ttl).Err(); err != nil {
		slog.Warn("embedding cache write failed", "error", err)
	}
}

// ClassificationCache stores document classifications keyed by content-prefix
// hash. It satisfies ingestion.ClassificationCache.
type ClassificationCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewClassificationCache creates a classification cache.
func NewClassificationCache(client redis.UniversalClient, ttl time.Duration) *ClassificationCache {
	if ttl <= 0 {
		ttl = DefaultClassificationTTL
	}
	return &ClassificationCache{client: client, ttl: ttl}
}

// GetClassification returns a cached classification, if present.
func (c *ClassificationCache) GetClassification(ctx context.Context, key string) (*ingestion.Classification, bool) {
	data, err := c.client.Get(ctx, "cache:classification:"+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("classification cache read failed", "error", err)
		}
		return nil, false
	}
	var cls ingestion.Classification
	if err := json.Unmarshal(data, &cls); err != nil {
		return nil, false
	}
	return &cls, true
}

// SetClassification stores a classification.
func (c *ClassificationCache) SetClassification(ctx context.Context, key string, cls *ingestion.Classification) {
	data, err := json.Marshal(cls)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, "cache:classification:"+key, data, c.ttl).Err(); err != nil {
		slog.Warn("classification cache write failed", "error", err)
	}
}

// Ensure interface is satisfied
var _ ingestion.ClassificationCache = (*ClassificationCache)(nil)

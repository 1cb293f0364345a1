package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultResultTTL bounds how long a retrieval result may be served without
// recomputation even when the corpus has not changed.
const DefaultResultTTL = time.Hour

// ResultCache stores serialized retrieval results per tenant and query, with
// corpus-version staleness: each entry remembers the tenant's last-update
// timestamp at write time, and any corpus change after that invalidates it.
type ResultCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewResultCache creates a result cache. ttl <= 0 takes the default.
func NewResultCache(client redis.UniversalClient, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultCache{client: client, ttl: ttl}
}

func (c *ResultCache) entryKey(tenantID uuid.UUID, queryKey string) string {
	return "cache:results:" + tenantID.String() + ":" + queryKey
}

func (c *ResultCache) versionKey(tenantID uuid.UUID) string {
	return "cache:corpus_version:" + tenantID.String()
}

type resultEntry struct {
	CorpusVersion int64           `json:"corpus_version"`
	Payload       json.RawMessage `json:"payload"`
}

// MarkUpdated bumps the tenant's corpus version. Called whenever a document
// is added, reprocessed, or deleted; every cached result written before this
// moment becomes stale.
func (c *ResultCache) MarkUpdated(ctx context.Context, tenantID uuid.UUID) error {
	return c.client.Set(ctx, c.versionKey(tenantID), time.Now().UnixNano(), 0).Err()
}

func (c *ResultCache) corpusVersion(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	val, err := c.client.Get(ctx, c.versionKey(tenantID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// Get unmarshals a cached result into dst. It returns false on miss, on a
// stale entry, or when Redis is unreachable.
func (c *ResultCache) Get(ctx context.Context, tenantID uuid.UUID, queryKey string, dst any, ttlOverride time.Duration) bool {
	version, err := c.corpusVersion(ctx, tenantID)
	if err != nil {
		slog.Warn("result cache version read failed", "error", err)
		return false
	}

	data, err := c.client.Get(ctx, c.entryKey(tenantID, queryKey)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("result cache read failed", "error", err)
		}
		return false
	}

	var entry resultEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return false
	}
	if entry.CorpusVersion < version {
		// Corpus changed since this entry was written.
		c.client.Del(ctx, c.entryKey(tenantID, queryKey))
		return false
	}
	return json.Unmarshal(entry.Payload, dst) == nil
}

// Set stores a result under the tenant's current corpus version. A non-zero
// ttlOverride extends or shrinks the entry lifetime, which degraded mode
// uses to lean harder on cached results.
func (c *ResultCache) Set(ctx context.Context, tenantID uuid.UUID, queryKey string, value any, ttlOverride time.Duration) {
	version, err := c.corpusVersion(ctx, tenantID)
	if err != nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	entry, err := json.Marshal(resultEntry{CorpusVersion: version, Payload: payload})
	if err != nil {
		return
	}

	ttl := c.ttl
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	if err := c.client.Set(ctx, c.entryKey(tenantID, queryKey), entry, ttl).Err(); err != nil {
		slog.Warn("result cache write failed", "error", err)
	}
}

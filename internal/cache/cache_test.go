package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestQueryKey_Normalizes(t *testing.T) {
	a := QueryKey("  What is RRF?  ")
	b := QueryKey("what is rrf?")
	assert.Equal(t, a, b, "case and whitespace must not change the key")
	assert.NotEqual(t, a, QueryKey("what is rrf"))
}

func TestEmbeddingCache_RoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	c := NewEmbeddingCache(client, 0)
	tenant := uuid.New()

	assert.Nil(t, c.Get(context.Background(), tenant, "text-embedding-3-small", "hello"))

	vec := []float32{0.1, 0.2, 0.3}
	c.Set(context.Background(), tenant, "text-embedding-3-small", "hello", vec)
	got := c.Get(context.Background(), tenant, "text-embedding-3-small", "HELLO ")
	assert.Equal(t, vec, got, "normalized query variants must hit the same entry")

	// A different model keys a different embedding space.
	assert.Nil(t, c.Get(context.Background(), tenant, "text-embedding-3-large", "hello"))
}

func TestEmbeddingCache_TenantScoped(t *testing.T) {
	client, _ := newTestClient(t)
	c := NewEmbeddingCache(client, 0)

	a, b := uuid.New(), uuid.New()
	c.Set(context.Background(), a, "m", "q", []float32{1})
	assert.Nil(t, c.Get(context.Background(), b, "m", "q"))
}

func TestResultCache_RoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	c := NewResultCache(client, 0)
	tenant := uuid.New()

	type payload struct {
		Answer string `json:"answer"`
	}

	var out payload
	require.False(t, c.Get(context.Background(), tenant, QueryKey("q"), &out, 0))

	c.Set(context.Background(), tenant, QueryKey("q"), payload{Answer: "42"}, 0)
	require.True(t, c.Get(context.Background(), tenant, QueryKey("q"), &out, 0))
	assert.Equal(t, "42", out.Answer)
}

func TestResultCache_StaleAfterCorpusUpdate(t *testing.T) {
	client, _ := newTestClient(t)
	c := NewResultCache(client, 0)
	tenant := uuid.New()

	type payload struct {
		Answer string `json:"answer"`
	}
	c.Set(context.Background(), tenant, QueryKey("q"), payload{Answer: "old"}, 0)

	// A corpus change after the write invalidates the entry.
	require.NoError(t, c.MarkUpdated(context.Background(), tenant))

	var out payload
	assert.False(t, c.Get(context.Background(), tenant, QueryKey("q"), &out, 0),
		"entry written before the corpus update must not be served")

	// A fresh write under the new version is served again.
	c.Set(context.Background(), tenant, QueryKey("q"), payload{Answer: "new"}, 0)
	require.True(t, c.Get(context.Background(), tenant, QueryKey("q"), &out, 0))
	assert.Equal(t, "new", out.Answer)
}

func TestResultCache_UpdateOnlyAffectsOwnTenant(t *testing.T) {
	client, _ := newTestClient(t)
	c := NewResultCache(client, 0)
	a, b := uuid.New(), uuid.New()

	type payload struct {
		Answer string `json:"answer"`
	}
	c.Set(context.Background(), a, QueryKey("q"), payload{Answer: "a"}, 0)
	c.Set(context.Background(), b, QueryKey("q"), payload{Answer: "b"}, 0)

	require.NoError(t, c.MarkUpdated(context.Background(), a))

	var out payload
	assert.False(t, c.Get(context.Background(), a, QueryKey("q"), &out, 0))
	assert.True(t, c.Get(context.Background(), b, QueryKey("q"), &out, 0),
		"another tenant's corpus update must not evict this tenant's results")
}

func TestResultCache_TTLOverride(t *testing.T) {
	client, mr := newTestClient(t)
	c := NewResultCache(client, time.Hour)
	tenant := uuid.New()

	c.Set(context.Background(), tenant, QueryKey("q"), map[string]string{"k": "v"}, 50*time.Millisecond)
	mr.FastForward(time.Second)

	var out map[string]string
	assert.False(t, c.Get(context.Background(), tenant, QueryKey("q"), &out, 0),
		"override TTL should expire the entry")
}

func TestResultCache_FailsOpenWhenRedisDown(t *testing.T) {
	client, mr := newTestClient(t)
	c := NewResultCache(client, 0)
	mr.Close()

	var out map[string]string
	assert.False(t, c.Get(context.Background(), uuid.New(), QueryKey("q"), &out, 0))
	// Set must not panic either.
	c.Set(context.Background(), uuid.New(), QueryKey("q"), map[string]string{}, 0)
}

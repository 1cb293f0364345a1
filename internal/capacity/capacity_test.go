package capacity

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

func newTestLimiter(t *testing.T, cfg Config) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cfg.KeyPrefix = "capacity-test"
	return NewRedisLimiter(client, cfg), mr
}

func reserve(n int) *int { return &n }

// shortWait shrinks a class's queue timeout so exhaustion tests do not
// block for the production wait.
func shortWait(t *testing.T, class Class, d time.Duration) {
	t.Helper()
	orig := waitTimeouts[class]
	waitTimeouts[class] = d
	t.Cleanup(func() { waitTimeouts[class] = orig })
}

func TestAcquire_GrantsReservedSlot(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{TotalSlots: 4, ReservedChat: reserve(2), ReservedIngestion: reserve(1)})

	lease, err := limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.False(t, lease.noop)
	lease.Release(context.Background())
}

func TestAcquire_SharedPoolBeyondReservation(t *testing.T) {
	// 2 chat + 1 ingestion reserved leaves a shared pool of 2.
	limiter, _ := newTestLimiter(t, Config{TotalSlots: 5, ReservedChat: reserve(2), ReservedIngestion: reserve(1)})
	shortWait(t, ClassCommunities, 100*time.Millisecond)

	// Communities has no reservation; both grants come from the shared pool.
	for i := 0; i < 2; i++ {
		_, err := limiter.Acquire(context.Background(), uuid.New(), ClassCommunities)
		require.NoError(t, err, "shared slot %d", i)
	}

	_, err := limiter.Acquire(context.Background(), uuid.New(), ClassCommunities)
	assert.ErrorIs(t, err, ErrCapacityExhausted)
}

func TestAcquire_ExhaustedAfterWait(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{TotalSlots: 2, ReservedChat: reserve(1), ReservedIngestion: reserve(1)})
	shortWait(t, ClassChat, 100*time.Millisecond)

	// One reserved chat slot plus an empty shared pool.
	_, err := limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	require.NoError(t, err)

	_, err = limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	require.ErrorIs(t, err, ErrCapacityExhausted)
}

func TestAcquire_ReleaseFreesSlot(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{TotalSlots: 2, ReservedChat: reserve(1), ReservedIngestion: reserve(1)})
	shortWait(t, ClassChat, 100*time.Millisecond)

	lease, err := limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	require.NoError(t, err)
	lease.Release(context.Background())

	_, err = limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	assert.NoError(t, err, "released slot should be grantable again")
}

func TestAcquire_ReservationSurvivesOtherClassLoad(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{TotalSlots: 4, ReservedChat: reserve(1), ReservedIngestion: reserve(1)})
	shortWait(t, ClassIngestion, 100*time.Millisecond)

	// Ingestion takes its reservation plus the full shared pool.
	for i := 0; i < 3; i++ {
		_, err := limiter.Acquire(context.Background(), uuid.New(), ClassIngestion)
		require.NoError(t, err, "ingestion slot %d", i)
	}
	_, err := limiter.Acquire(context.Background(), uuid.New(), ClassIngestion)
	require.ErrorIs(t, err, ErrCapacityExhausted)

	// Chat's reserved slot is still there.
	_, err = limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	assert.NoError(t, err, "chat reservation must survive ingestion load")
}

func TestAcquire_ExplicitZeroReservationHonored(t *testing.T) {
	// An explicit zero must not be replaced by the default reservation;
	// ingestion then competes only for the single shared slot.
	limiter, _ := newTestLimiter(t, Config{TotalSlots: 2, ReservedChat: reserve(1), ReservedIngestion: reserve(0)})
	shortWait(t, ClassIngestion, 100*time.Millisecond)

	_, err := limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	require.NoError(t, err)
	_, err = limiter.Acquire(context.Background(), uuid.New(), ClassIngestion)
	require.NoError(t, err, "shared slot should admit ingestion")

	_, err = limiter.Acquire(context.Background(), uuid.New(), ClassIngestion)
	assert.ErrorIs(t, err, ErrCapacityExhausted, "zero reservation grants no extra slots")
}

func TestAcquire_NilReservationTakesDefault(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{})

	assert.Equal(t, DefaultReservedChat, limiter.reserved[ClassChat])
	assert.Equal(t, DefaultReservedIngestion, limiter.reserved[ClassIngestion])
}

func TestAcquire_ContextCanceledWhileWaiting(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{TotalSlots: 2, ReservedChat: reserve(1), ReservedIngestion: reserve(1)})

	_, err := limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = limiter.Acquire(ctx, uuid.New(), ClassChat)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_FailsOpenWhenRedisDown(t *testing.T) {
	limiter, mr := newTestLimiter(t, Config{TotalSlots: 2, ReservedChat: reserve(1), ReservedIngestion: reserve(1)})
	mr.Close()

	lease, err := limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.True(t, lease.noop)
	lease.Release(context.Background()) // must not panic or touch redis
}

func TestUsage_CountsHeldLeases(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{TotalSlots: 6, ReservedChat: reserve(2), ReservedIngestion: reserve(2)})

	_, err := limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	require.NoError(t, err)
	_, err = limiter.Acquire(context.Background(), uuid.New(), ClassChat)
	require.NoError(t, err)
	lease, err := limiter.Acquire(context.Background(), uuid.New(), ClassIngestion)
	require.NoError(t, err)

	usage, err := limiter.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage["chat"])
	assert.Equal(t, int64(1), usage["ingestion"])
	assert.Equal(t, int64(0), usage["communities"])

	lease.Release(context.Background())
	usage, err = limiter.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage["ingestion"])
}

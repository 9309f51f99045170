package redisstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

func TestBuildKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "bidflow:idem:k1", buildKey("", "idem", "k1"))
	require.Equal(t, "test:lease:sweeper", buildKey("test", "lease", "sweeper"))
}

func TestConnect_RequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{Addrs: " , "})
	require.Error(t, err)
}

// openRedisForIntegrationTest подключается к BIDFLOW_REDIS_TEST_ADDR или пропускает тест.
// Каждый тест получает свой префикс ключей.
func openRedisForIntegrationTest(t *testing.T) (redis.UniversalClient, string) {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("BIDFLOW_REDIS_TEST_ADDR"))
	if addr == "" {
		t.Skip("BIDFLOW_REDIS_TEST_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, Config{Addrs: addr})
	if err != nil {
		t.Skipf("redis is not available for integration tests: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client, "bidflow-test-" + uuid.NewString()[:8]
}

func TestIdempotencyRepository_RedisFlow(t *testing.T) {
	client, prefix := openRedisForIntegrationTest(t)
	repo := NewIdempotencyRepository(client, prefix)
	ctx := context.Background()

	ttl := time.Now().UTC().Add(time.Minute)
	created, err := repo.CreateProcessing(ctx, "k1", "hash-a", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	_, err = repo.CreateProcessing(ctx, "k1", "hash-a", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)

	_, err = repo.CreateProcessing(ctx, "k1", "hash-b", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	require.NoError(t, repo.MarkDone(ctx, "k1", []byte(`{"id":"o-1"}`)))

	got, err := repo.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, got.Status)
	require.JSONEq(t, `{"id":"o-1"}`, string(got.Response))

	remaining, err := client.TTL(ctx, buildKey(prefix, "idem", "k1")).Result()
	require.NoError(t, err)
	require.Greater(t, remaining, time.Duration(0), "MarkDone must keep the original TTL")

	require.ErrorIs(t, repo.MarkFailed(ctx, "missing", nil), domain.ErrIdempotencyKeyNotFound)
}

func TestOrderNumbers_RedisMonotonicPerDay(t *testing.T) {
	client, prefix := openRedisForIntegrationTest(t)
	numbers := NewOrderNumbers(client, prefix)
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	numbers.now = func() time.Time { return day }

	first, err := numbers.Next(context.Background())
	require.NoError(t, err)
	second, err := numbers.Next(context.Background())
	require.NoError(t, err)

	require.Equal(t, "ORD-20260310-000001", first)
	require.Equal(t, "ORD-20260310-000002", second)
}

func TestLocker_RedisExclusiveAndOwnerRelease(t *testing.T) {
	client, prefix := openRedisForIntegrationTest(t)
	locker := NewLocker(client, prefix)
	ctx := context.Background()

	release, acquired, err := locker.TryAcquire(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := locker.TryAcquire(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	require.False(t, again)

	require.NoError(t, release(ctx))

	release, acquired, err = locker.TryAcquire(ctx, "sweeper", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// Чужой токен не снимает аренду.
	require.NoError(t, client.Set(ctx, buildKey(prefix, "lease", "sweeper"), "someone-else", time.Minute).Err())
	require.NoError(t, release(ctx))
	owner, err := client.Get(ctx, buildKey(prefix, "lease", "sweeper")).Result()
	require.NoError(t, err)
	require.Equal(t, "someone-else", owner)
}

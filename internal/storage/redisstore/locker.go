package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// releaseScript удаляет ключ, только если аренду держит тот же владелец.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`)

// Locker: аренда через SET NX PX с токеном владельца.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

func NewLocker(client redis.UniversalClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (domain.ReleaseFunc, bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	leaseKey := buildKey(l.prefix, "lease", name)
	token := uuid.NewString()

	acquireCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, leaseKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !acquired {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		releaseCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{leaseKey}, token).Err(); err != nil {
			return fmt.Errorf("release lease %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

var _ domain.Locker = (*Locker)(nil)

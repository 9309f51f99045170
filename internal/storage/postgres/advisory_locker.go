package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// AdvisoryLocker выдаёт аренды через сессионные advisory-блокировки.
// Блокировка живёт, пока жива выделенная сессия, поэтому ttl не используется:
// при падении процесса PostgreSQL снимает её вместе с соединением.
type AdvisoryLocker struct {
	db *sql.DB
}

func NewAdvisoryLocker(store *Store) *AdvisoryLocker {
	return &AdvisoryLocker{db: store.DB()}
}

func (l *AdvisoryLocker) TryAcquire(ctx context.Context, name string, _ time.Duration) (domain.ReleaseFunc, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire db connection: %w", err)
	}

	key := advisoryKey(name)

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var acquired bool
	if err := conn.QueryRowContext(lockCtx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try advisory lock %s: %w", name, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		defer conn.Close()

		unlockCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			return fmt.Errorf("advisory unlock %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

var _ domain.Locker = (*AdvisoryLocker)(nil)

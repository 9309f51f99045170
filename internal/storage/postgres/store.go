// Package postgres реализует хранилище движка заказов на PostgreSQL (pgx через database/sql).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
	"github.com/vladislavdragonenkov/bidflow/internal/telemetry"
)

const (
	driverName             = "pgx"
	opTimeout              = 5 * time.Second
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// OpenOptions задаёт параметры подключения.
type OpenOptions struct {
	Tracing      bool
	MaxOpenConns int
}

// OpenOption настраивает Open.
type OpenOption func(*OpenOptions)

// WithTracing оборачивает драйвер в otelsql: каждый запрос становится span.
func WithTracing(enabled bool) OpenOption {
	return func(opts *OpenOptions) {
		opts.Tracing = enabled
	}
}

func WithMaxOpenConns(n int) OpenOption {
	return func(opts *OpenOptions) {
		opts.MaxOpenConns = n
	}
}

// Store реализует domain.OrderStore поверх PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open открывает подключение к PostgreSQL и проверяет доступность базы.
func Open(ctx context.Context, dsn string, options ...OpenOption) (*Store, error) {
	opts := OpenOptions{MaxOpenConns: defaultMaxOpenConns}
	for _, option := range options {
		option(&opts)
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = defaultMaxOpenConns
	}

	var (
		db  *sql.DB
		err error
	)
	if opts.Tracing {
		db, err = telemetry.OpenDB(driverName, dsn)
	} else {
		db, err = sql.Open(driverName, dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(min(defaultMaxIdleConns, opts.MaxOpenConns))
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx выполняет fn в транзакции READ COMMITTED. Заказы блокируются через
// SELECT ... FOR UPDATE, поэтому конкурентные изменения одного заказа
// выполняются строго по очереди.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// pgTx: domain.Tx поверх *sql.Tx. AuditLog пишет через него же.
type pgTx struct {
	tx *sql.Tx
}

func unwrapTx(tx domain.Tx) (*sql.Tx, error) {
	ptx, ok := tx.(*pgTx)
	if !ok {
		return nil, fmt.Errorf("postgres: unsupported tx %T", tx)
	}
	return ptx.tx, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

var (
	_ domain.OrderStore = (*Store)(nil)
	_ domain.Tx         = (*pgTx)(nil)
)

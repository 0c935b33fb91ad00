// Package postgres хранит товары, заказы, аудит и idempotency-записи в PostgreSQL.
//
// Транзакции размещения и автоотмены идут через UnitOfWork: версии строк сверяются
// в UPDATE ... WHERE version = $n, проигравший получает domain.ErrConcurrencyConflict.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var errNilStore = errors.New("postgres store is not initialized")

// PoolConfig: настройки пула database/sql.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// DefaultPoolConfig подходит для одного инстанса сервиса с умеренной конкуренцией за товары.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    25,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Option меняет PoolConfig перед открытием пула.
type Option func(*PoolConfig)

// WithMaxOpenConns ограничивает число соединений; MaxIdleConns не превышает его.
func WithMaxOpenConns(n int) Option {
	return func(c *PoolConfig) {
		if n > 0 {
			c.MaxOpenConns = n
			if c.MaxIdleConns > n {
				c.MaxIdleConns = n
			}
		}
	}
}

// WithPingTimeout задает таймаут проверки соединения.
func WithPingTimeout(timeout time.Duration) Option {
	return func(c *PoolConfig) {
		if timeout > 0 {
			c.PingTimeout = timeout
		}
	}
}

// Store: пул соединений с PostgreSQL через драйвер pgx.
type Store struct {
	db          *sql.DB
	pingTimeout time.Duration
}

// Open открывает пул и сразу проверяет, что база отвечает.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	cfg := DefaultPoolConfig()
	for _, option := range options {
		option(&cfg)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	store := &Store{db: db, pingTimeout: cfg.PingTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB отдаёт пул репозиториям пакета и тестам.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping используется health-чекером.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errNilStore
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// StatsCollector публикует sql.DBStats пула (open, in_use, wait_count и т.д.).
func (s *Store) StatsCollector(dbName string) prometheus.Collector {
	return collectors.NewDBStatsCollector(s.db, dbName)
}

// EnsureSchema применяет все ещё не применённые миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

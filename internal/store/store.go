package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultApplicationName is reported to Postgres when Options leaves it empty.
const DefaultApplicationName = "ratings-pipeline"

// ErrNotMigrated is returned by HealthCheck when no migration was applied.
var ErrNotMigrated = errors.New("store: schema not migrated")

// Options controls connection-pool behaviour.
type Options struct {
	MaxConns               int32
	MinConns               int32
	MaxConnIdleTime        time.Duration
	MaxConnLifetime        time.Duration
	ConnTimeout            time.Duration
	StatementCacheCapacity int
	// ApplicationName shows up in pg_stat_activity.
	ApplicationName string
	Logger          *log.Logger
}

// Store owns the Postgres pool shared by the ratings table, quarantine
// storage and the aggregate view. ConnTimeout bounds connecting, pinging and
// health checks.
type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
	opts   Options
}

// New connects a pool and pings it once.
func New(ctx context.Context, dbURL string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	cfg, err := poolConfig(dbURL, opts)
	if err != nil {
		return nil, err
	}
	s := &Store{logger: opts.Logger, opts: opts}

	connCtx, cancel := s.bounded(ctx)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s.pool = pool

	s.logger.Printf("store: connected to %s:%d/%s as %s (max=%d, min=%d, stmt_cache=%d)",
		cfg.ConnConfig.Host, cfg.ConnConfig.Port, cfg.ConnConfig.Database,
		cfg.ConnConfig.RuntimeParams["application_name"], cfg.MaxConns, cfg.MinConns, opts.StatementCacheCapacity)
	return s, nil
}

// poolConfig parses dbURL and overlays the non-zero options. An
// application_name given in the URL wins over Options.
func poolConfig(dbURL string, opts Options) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.StatementCacheCapacity >= 0 {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement
		cfg.ConnConfig.StatementCacheCapacity = opts.StatementCacheCapacity
	}
	if cfg.ConnConfig.RuntimeParams["application_name"] == "" {
		name := opts.ApplicationName
		if name == "" {
			name = DefaultApplicationName
		}
		cfg.ConnConfig.RuntimeParams["application_name"] = name
	}
	return cfg, nil
}

func (s *Store) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.ConnTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.ConnTimeout)
}

// Close releases database resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.logger.Println("store: closing connection pool")
	s.pool.Close()
}

// HealthCheck fails unless the database answers and carries at least one
// applied migration.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	version, err := schemaVersion(ctx, s.pool)
	if err != nil {
		return err
	}
	if version == 0 {
		return ErrNotMigrated
	}
	return nil
}

// Migrate applies pending migrations from dir.
func (s *Store) Migrate(ctx context.Context, dir string) (int, error) {
	applied, err := Migrate(ctx, s.pool, dir)
	if err != nil {
		return 0, err
	}
	s.logger.Printf("store: applied %d migration(s) from %s", applied, dir)
	return applied, nil
}

// Pool exposes the underlying pgx pool for repositories.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Stats exposes pgxpool statistics for the pool gauges.
func (s *Store) Stats() *pgxpool.Stat {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Stat()
}

package target

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/johndauphine/redis-pg-sync/internal/config"
	"github.com/johndauphine/redis-pg-sync/internal/stats"
	"github.com/johndauphine/redis-pg-sync/internal/syncer"
)

// Pool manages a pool of PostgreSQL connections
type Pool struct {
	pool     *pgxpool.Pool
	config   *config.TargetConfig
	schema   string
	maxConns int
}

// NewPool creates a new PostgreSQL connection pool and verifies connectivity
func NewPool(ctx context.Context, cfg *config.TargetConfig, maxConns int) (*Pool, error) {
	if maxConns <= 0 {
		maxConns = 4
	}
	if err := validateIdent(cfg.Schema); err != nil {
		return nil, fmt.Errorf("target schema: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = int32(maxConns / 4)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Pool{pool: pool, config: cfg, schema: cfg.Schema, maxConns: maxConns}, nil
}

// Close closes all connections in the pool
func (p *Pool) Close() {
	p.pool.Close()
}

// Ping tests the connection to the database
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Stats returns current connection pool statistics
func (p *Pool) Stats() stats.PoolStats {
	s := p.pool.Stat()
	return stats.PoolStats{
		Name:       "postgres",
		MaxConns:   int(s.MaxConns()),
		TotalConns: int(s.TotalConns()),
		IdleConns:  int(s.IdleConns()),
		WaitCount:  s.EmptyAcquireCount(),
		Timeouts:   s.CanceledAcquireCount(),
	}
}

// MaxConns returns the configured maximum connections
func (p *Pool) MaxConns() int {
	return p.maxConns
}

// Schema returns the schema tables are written to
func (p *Pool) Schema() string {
	return p.schema
}

// TableExists checks if a table exists in the schema
func (p *Pool) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)
	`, p.schema, table).Scan(&exists)
	return exists, err
}

// Table returns the store for one allow-listed table
func (p *Pool) Table(spec syncer.TableSpec) (*Table, error) {
	if err := validateIdent(spec.Name); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}
	if err := validateIdent(spec.PrimaryKey); err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", spec.Name, err)
	}
	return &Table{pool: p.pool, schema: p.schema, spec: spec}, nil
}

// execBatch runs statements in one transaction. Either every statement is
// applied or none is.
func execBatch(ctx context.Context, pool *pgxpool.Pool, stmts []statement) error {
	if len(stmts) == 0 {
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, s := range stmts {
		batch.Queue(s.sql, s.args...)
	}

	br := tx.SendBatch(ctx, batch)
	for i := range stmts {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("statement %d of %d: %w", i+1, len(stmts), err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type statement struct {
	sql  string
	args []any
}

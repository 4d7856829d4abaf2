// Package postgres provides a Postgres archive of completed crawl runs.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/siteaudit/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_runs"

// RunArchiveConfig controls the Postgres connection pool used for run rows.
type RunArchiveConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RunArchive writes one row per stored run. Redis stays the source of truth;
// the archive outlives its retention TTL for reporting.
type RunArchive struct {
	pool  execCloser
	table string
}

// NewRunArchive creates a Postgres-backed RunArchive using the provided config.
func NewRunArchive(ctx context.Context, cfg RunArchiveConfig) (*RunArchive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunArchive{pool: pool, table: table}, nil
}

// NewRunArchiveWithPool constructs an archive from an existing pool (primarily for testing).
func NewRunArchiveWithPool(pool execCloser, table string) (*RunArchive, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RunArchive{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (a *RunArchive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// EnsureSchema creates the archive table when it is missing.
func (a *RunArchive) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id        TEXT PRIMARY KEY,
	start_url     TEXT NOT NULL,
	crawl_time    TIMESTAMPTZ NOT NULL,
	pages_visited INTEGER NOT NULL,
	total_words   INTEGER NOT NULL,
	total_images  INTEGER NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`, a.table)
	if _, err := a.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", a.table, err)
	}
	return nil
}

// RecordRun inserts the run's summary row. Re-recording a run is a no-op.
func (a *RunArchive) RecordRun(ctx context.Context, runID string, summary crawler.CrawlSummary) error {
	if a == nil || a.pool == nil {
		return fmt.Errorf("run archive is not configured")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	start_url,
	crawl_time,
	pages_visited,
	total_words,
	total_images
) VALUES (
	$1,$2,$3,$4,$5,$6
) ON CONFLICT (run_id) DO NOTHING`, a.table)

	args := []any{
		runID,
		summary.StartURL,
		summary.CrawlTime,
		summary.PagesVisited,
		summary.TotalWords,
		summary.TotalImages,
	}
	if _, err := a.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// DeleteRun removes the run's row, if any.
func (a *RunArchive) DeleteRun(ctx context.Context, runID string) error {
	if a == nil || a.pool == nil {
		return fmt.Errorf("run archive is not configured")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, a.table)
	if _, err := a.pool.Exec(ctx, query, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

var _ crawler.RunArchive = (*RunArchive)(nil)

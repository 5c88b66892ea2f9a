// Package postgres provides Postgres-backed persistence for error records and
// task runs.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Default table names.
const (
	DefaultErrorTable = "error_records"
	DefaultTaskTable  = "task_runs"
	DefaultStatsTable = "fetch_stats"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the shared connection pool and table names.
type Config struct {
	DSN             string
	ErrorTable      string
	TaskTable       string
	StatsTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Connect opens a pgx pool from cfg and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables named in cfg when they are missing.
func EnsureSchema(ctx context.Context, pool Pool, cfg Config) error {
	errTable, err := tableName(cfg.ErrorTable, DefaultErrorTable)
	if err != nil {
		return err
	}
	taskTable, err := tableName(cfg.TaskTable, DefaultTaskTable)
	if err != nil {
		return err
	}
	statsTable, err := tableName(cfg.StatsTable, DefaultStatsTable)
	if err != nil {
		return err
	}
	for _, stmt := range schema(errTable, taskTable, statsTable) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func schema(errTable, taskTable, statsTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	error_id       TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	error_code     INTEGER NOT NULL,
	error_reason   TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	sub_task_id    TEXT,
	scraper_name   TEXT,
	request_url    TEXT NOT NULL,
	proxy_url      TEXT,
	status_code    INTEGER,
	response_url   TEXT,
	exception      TEXT,
	created_at     TIMESTAMPTZ NOT NULL
)`, errTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_task_idx ON %s (task_id)`, errTable, errTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	task_id        TEXT PRIMARY KEY,
	sub_task_id    TEXT,
	scraper_name   TEXT,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	status         TEXT NOT NULL,
	max_error_code INTEGER,
	error_message  TEXT,
	requests       BIGINT NOT NULL DEFAULT 0,
	items          BIGINT NOT NULL DEFAULT 0,
	failed         BIGINT NOT NULL DEFAULT 0
)`, taskTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	task_id      TEXT NOT NULL,
	status_class TEXT NOT NULL,
	requests     BIGINT NOT NULL DEFAULT 0,
	items        BIGINT NOT NULL DEFAULT 0,
	last_update  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (task_id, status_class)
)`, statsTable),
	}
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// Package postgres provides the Postgres-backed search journal.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/askrelay/internal/search"
)

const defaultTable = "search_journal"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JournalConfig controls the Postgres connection pool used for journal rows.
type JournalConfig struct {
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

// Journal records one row per finished search. It implements
// search.OutcomeSink.
type Journal struct {
	pool  execCloser
	table string
}

// NewJournal connects to Postgres using cfg.
func NewJournal(ctx context.Context, cfg JournalConfig) (*Journal, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	return &Journal{pool: pool, table: table}, nil
}

// NewJournalWithPool constructs a journal from an existing pool (primarily for testing).
func NewJournalWithPool(pool execCloser, table string) (*Journal, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Journal{pool: pool, table: table}, nil
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
func (j *Journal) Close() {
	if j == nil || j.pool == nil {
		return
	}
	j.pool.Close()
}

// EnsureSchema creates the journal table when it does not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	query        TEXT NOT NULL,
	wants_extra  BOOLEAN NOT NULL,
	origin       TEXT NOT NULL,
	rounds       INTEGER NOT NULL,
	attempts     INTEGER NOT NULL,
	success      BOOLEAN NOT NULL,
	error        TEXT,
	answer_len   INTEGER NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT NOT NULL
)`, j.table)
	if _, err := j.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create journal table: %w", err)
	}
	return nil
}

// Record inserts outcome.
func (j *Journal) Record(ctx context.Context, outcome search.Outcome) error {
	if j == nil || j.pool == nil {
		return fmt.Errorf("search journal is not configured")
	}
	if outcome.ID == "" {
		return fmt.Errorf("outcome id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	query,
	wants_extra,
	origin,
	rounds,
	attempts,
	success,
	error,
	answer_len,
	started_at,
	finished_at,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, j.table)

	var errText *string
	if outcome.Error != "" {
		errText = &outcome.Error
	}
	args := []any{
		outcome.ID,
		outcome.Query,
		outcome.WantsExtra,
		outcome.Origin,
		outcome.Rounds,
		outcome.Attempts,
		outcome.Success,
		errText,
		outcome.AnswerLen,
		outcome.StartedAt,
		outcome.FinishedAt,
		outcome.Duration().Milliseconds(),
	}
	if _, err := j.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert journal row: %w", err)
	}
	return nil
}

var _ search.OutcomeSink = (*Journal)(nil)

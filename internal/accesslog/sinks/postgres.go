package sinks

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "access_log"

// PostgresConfig controls the connection pool used for access rows.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresSink inserts one row per access record.
//
// Expected schema:
//
//	CREATE TABLE access_log (
//		id            text PRIMARY KEY,
//		ts            timestamptz NOT NULL,
//		client_ip     text,
//		method        text,
//		url           text NOT NULL,
//		domain        text,
//		status_code   integer,
//		cache_outcome text,
//		worker_id     text,
//		latency_ms    double precision,
//		attempts      integer,
//		error         text
//	);
type PostgresSink struct {
	pool  execCloser
	table string
	query string
}

// NewPostgresSink connects a pgx pool using cfg.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("accesslog.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sink, err := NewPostgresSinkWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// NewPostgresSinkWithPool builds a sink over an existing pool (primarily for testing).
func NewPostgresSinkWithPool(pool execCloser, table string) (*PostgresSink, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	ts,
	client_ip,
	method,
	url,
	domain,
	status_code,
	cache_outcome,
	worker_id,
	latency_ms,
	attempts,
	error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
) ON CONFLICT (id) DO NOTHING`, table)
	return &PostgresSink{pool: pool, table: table, query: query}, nil
}

// Consume inserts every record in the batch, stopping at the first failure.
func (s *PostgresSink) Consume(ctx context.Context, batch []fetchproxy.AccessRecord) error {
	for _, rec := range batch {
		var errText *string
		if rec.Error != "" {
			errText = &rec.Error
		}
		if _, err := s.pool.Exec(ctx, s.query,
			rec.ID,
			rec.Timestamp,
			rec.ClientIP,
			rec.Method,
			rec.URL,
			rec.Domain,
			rec.StatusCode,
			rec.CacheOutcome.String(),
			rec.WorkerID,
			rec.LatencyMillis,
			rec.Attempts,
			errText,
		); err != nil {
			return fmt.Errorf("insert access record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Close releases the underlying pool.
func (s *PostgresSink) Close(context.Context) error {
	s.pool.Close()
	return nil
}

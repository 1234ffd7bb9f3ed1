package report

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/FairForge/linkload/internal/loadtest"
)

const createRunsTable = `CREATE TABLE IF NOT EXISTS linkload_runs (
	run_id TEXT PRIMARY KEY,
	label TEXT NOT NULL DEFAULT '',
	phase TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ NOT NULL,
	total_requests BIGINT NOT NULL,
	error_rate DOUBLE PRECISION NOT NULL,
	p95_ms DOUBLE PRECISION NOT NULL,
	p99_ms DOUBLE PRECISION NOT NULL,
	throughput DOUBLE PRECISION NOT NULL,
	passed BOOLEAN NOT NULL,
	report JSONB NOT NULL
)`

const insertRun = `INSERT INTO linkload_runs
	(run_id, label, phase, started_at, ended_at, total_requests, error_rate, p95_ms, p99_ms, throughput, passed, report)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (run_id) DO UPDATE SET report = EXCLUDED.report, passed = EXCLUDED.passed`

// PostgresSink stores one row per run in linkload_runs.
type PostgresSink struct {
	db *sql.DB
}

// OpenPostgres connects with a lib/pq DSN.
func OpenPostgres(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewPostgresSink(db), nil
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Write creates the table if needed and upserts the run.
func (s *PostgresSink) Write(ctx context.Context, r *loadtest.Report) error {
	var doc bytes.Buffer
	if err := r.Encode(&doc); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, createRunsTable); err != nil {
		return fmt.Errorf("create linkload_runs: %w", err)
	}
	_, err := s.db.ExecContext(ctx, insertRun,
		r.RunID, r.Label, r.Phase, r.StartedAt, r.EndedAt,
		r.TotalRequests, r.Metrics.ErrorRate, r.Metrics.Latency.P95, r.Metrics.Latency.P99,
		r.AverageThroughput, r.Passed, doc.String())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

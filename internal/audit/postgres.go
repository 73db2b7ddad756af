package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink writes dispatch audit records to Postgres via pgx, in the
// same ensure-schema-then-batch-insert style as the teacher's
// PostgresStore (internal/store/postgres.go).
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink opens a pool against dsn and ensures the audit table
// exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("audit: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: create postgres pool: %w", err)
	}
	s := &PostgresSink{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_audit (
			task_id TEXT PRIMARY KEY,
			predicate TEXT NOT NULL,
			issuer_key_id TEXT NOT NULL,
			matched_count INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			launched_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// SaveBatch bulk-inserts records via a pgx.Batch, mirroring
// PostgresStore.SaveInvocationLogs.
func (s *PostgresSink) SaveBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO dispatch_audit (task_id, predicate, issuer_key_id, matched_count, outcome, launched_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (task_id) DO UPDATE SET outcome = EXCLUDED.outcome, completed_at = EXCLUDED.completed_at
		`, r.TaskID, r.Predicate, r.IssuerKeyID, r.MatchedCount, r.Outcome, r.LaunchedAt, r.CompletedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("audit: save batch: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

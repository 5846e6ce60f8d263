package postgres

import (
	"context"
	"fmt"
)

// Schema creates the tables used by Store. Every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS scans (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	access_token TEXT NOT NULL,
	is_paid     BOOLEAN NOT NULL DEFAULT FALSE,
	paid_at     TIMESTAMPTZ,
	status      TEXT NOT NULL,
	doc         JSONB NOT NULL,
	findings    JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS scans_url_paid_idx ON scans (url, paid_at DESC) WHERE is_paid`,
	`CREATE INDEX IF NOT EXISTS scans_updated_at_idx ON scans (updated_at)`,
	`CREATE TABLE IF NOT EXISTS scan_reports (
	scan_id      TEXT PRIMARY KEY REFERENCES scans (id) ON DELETE CASCADE,
	doc          JSONB NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS scan_jobs (
	id          TEXT PRIMARY KEY,
	scan_id     TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	next_run_at TIMESTAMPTZ NOT NULL,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS scan_jobs_due_idx ON scan_jobs (status, next_run_at)`,
	`CREATE INDEX IF NOT EXISTS scan_jobs_scan_idx ON scan_jobs (scan_id, created_at)`,
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range Schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

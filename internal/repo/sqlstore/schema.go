package sqlstore

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS mosaic_runs (
		run_id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		target TEXT NOT NULL,
		collection TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		images INTEGER NOT NULL DEFAULT 0,
		weights INTEGER NOT NULL DEFAULT 0,
		bytes BIGINT NOT NULL DEFAULT 0,
		executor TEXT,
		job_id TEXT,
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS cutout_groups (
		group_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES mosaic_runs(run_id),
		obs_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		files INTEGER NOT NULL,
		bytes BIGINT NOT NULL,
		digests TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		error_message TEXT,
		UNIQUE (run_id, obs_id, kind)
	)`,
	`CREATE INDEX IF NOT EXISTS cutout_groups_run_idx ON cutout_groups (run_id)`,
}

// Migrate creates the ledger tables when they do not exist.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

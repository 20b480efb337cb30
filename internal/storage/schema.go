package storage

import (
	"context"
	"fmt"
)

// schema creates the tables used by the schedulers and the pipeline
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                BIGSERIAL PRIMARY KEY,
		customer_key      TEXT NOT NULL UNIQUE,
		full_name         TEXT NOT NULL DEFAULT '',
		phone             TEXT NOT NULL DEFAULT '',
		email             TEXT NOT NULL DEFAULT '',
		address           TEXT NOT NULL DEFAULT '',
		last_discovery_at TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		code       TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id            BIGSERIAL PRIMARY KEY,
		user_id       BIGINT NOT NULL REFERENCES users(id),
		account_id    TEXT NOT NULL,
		account_name  TEXT NOT NULL DEFAULT '',
		currency      TEXT NOT NULL DEFAULT '',
		category_code TEXT NOT NULL DEFAULT '',
		balance       DOUBLE PRECISION NOT NULL DEFAULT 0,
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		enriched_at   TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, account_id)
	)`,
	`ALTER TABLE accounts ADD COLUMN IF NOT EXISTS enrich_attempted_at TIMESTAMPTZ`,
	`DROP INDEX IF EXISTS idx_accounts_missing_details`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_enrichment_queue
		ON accounts (enrich_attempted_at NULLS FIRST, id) WHERE enriched_at IS NULL AND active`,
	`CREATE TABLE IF NOT EXISTS registrations (
		id            BIGSERIAL PRIMARY KEY,
		customer_key  TEXT NOT NULL,
		full_name     TEXT NOT NULL DEFAULT '',
		phone         TEXT NOT NULL DEFAULT '',
		email         TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'PENDING',
		retry_count   INT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		processed_by  BIGINT,
		processed_at  TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_registrations_created ON registrations (created_at DESC, id DESC)`,
}

// Migrate creates missing tables and indexes
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

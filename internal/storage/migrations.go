package storage

import (
	"context"
	"fmt"
)

// schemaMigrations are applied in order. Every statement is idempotent so
// Migrate can run on each deploy.
var schemaMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		key_hash TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT true,
		expires_at TIMESTAMPTZ,
		rate_limit INTEGER CHECK (rate_limit IS NULL OR rate_limit >= 0),
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS request_stats (
		id UUID PRIMARY KEY,
		api_key_id UUID REFERENCES api_keys(id) ON DELETE SET NULL,
		request_id TEXT NOT NULL,
		route TEXT NOT NULL,
		path TEXT NOT NULL,
		method TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		duration_ms DOUBLE PRECISION NOT NULL,
		cpu_time_ms DOUBLE PRECISION,
		memory_delta_bytes BIGINT,
		response_size BIGINT,
		cache_hit BOOLEAN,
		error_message TEXT,
		error_kind TEXT,
		user_agent TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		query_params JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_stats_key_created ON request_stats(api_key_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_request_stats_route ON request_stats(route, created_at DESC)`,
}

// Migrate creates the tables used by the repositories.
func (db *DB) Migrate(ctx context.Context) error {
	for i, m := range schemaMigrations {
		if _, err := db.conn.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

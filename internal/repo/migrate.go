package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Migrate bootstraps the schema. Statements are idempotent so startup can
// always run them; tenants and users themselves are provisioned out-of-band.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS org (
			org_id     UUID PRIMARY KEY,
			name       TEXT NOT NULL,
			quota_json JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS app_user (
			user_id    UUID PRIMARY KEY,
			org_id     UUID NOT NULL REFERENCES org(org_id),
			email      TEXT NOT NULL,
			role       TEXT NOT NULL DEFAULT 'viewer',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS api_key (
			key_id     UUID PRIMARY KEY,
			org_id     UUID NOT NULL REFERENCES org(org_id),
			name       TEXT NOT NULL,
			key_digest TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS api_key_digest_idx ON api_key (key_digest)`,
		`CREATE TABLE IF NOT EXISTS note (
			note_id    UUID PRIMARY KEY,
			org_id     UUID NOT NULL REFERENCES org(org_id),
			title      TEXT NOT NULL,
			body       TEXT NOT NULL,
			version    INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted    BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS note_org_updated_idx ON note (org_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS usage_log (
			log_id   UUID PRIMARY KEY,
			org_id   UUID NOT NULL,
			user_id  UUID,
			surface  TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			bytes    INTEGER NOT NULL DEFAULT 0,
			at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS usage_log_at_idx ON usage_log (at)`,
		`CREATE TABLE IF NOT EXISTS usage_summary (
			org_id   UUID NOT NULL,
			period   DATE NOT NULL,
			requests INTEGER NOT NULL DEFAULT 0,
			bytes    BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (org_id, period)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	log.Info().Msg("schema migration complete")
	return nil
}

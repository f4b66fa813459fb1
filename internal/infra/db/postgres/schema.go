package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Schema mirrors deploy/postgres/init.sql. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS referral_codes (
    id            UUID PRIMARY KEY,
    code          TEXT        NOT NULL UNIQUE,
    owner_user_id TEXT        NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ NULL,
    max_uses      INTEGER     NULL CHECK (max_uses IS NULL OR max_uses > 0),
    use_count     INTEGER     NOT NULL DEFAULT 0 CHECK (use_count >= 0),
    status        TEXT        NOT NULL CHECK (status IN ('ACTIVE', 'EXPIRED', 'EXHAUSTED', 'REVOKED')),
    CHECK (max_uses IS NULL OR use_count <= max_uses)
);

-- one ACTIVE code per owner keeps generate idempotent under concurrency
CREATE UNIQUE INDEX IF NOT EXISTS ux_referral_codes_owner_active
    ON referral_codes (owner_user_id) WHERE status = 'ACTIVE';
CREATE INDEX IF NOT EXISTS ix_referral_codes_status_updated
    ON referral_codes (status, updated_at);

-- no FK to referral_codes: redemptions outlive code cleanup
CREATE TABLE IF NOT EXISTS referral_redemptions (
    id              TEXT PRIMARY KEY,
    referral_code   TEXT        NOT NULL,
    owner_user_id   TEXT        NOT NULL,
    new_user_id     TEXT        NOT NULL,
    redeemed_at     TIMESTAMPTZ NOT NULL,
    metadata        JSONB       NOT NULL DEFAULT '{}'::jsonb,
    points_owner    BIGINT      NOT NULL DEFAULT 0,
    points_new_user BIGINT      NOT NULL DEFAULT 0,
    settled_at      TIMESTAMPTZ NULL,
    CONSTRAINT ux_referral_redemptions_new_user UNIQUE (new_user_id)
);

CREATE INDEX IF NOT EXISTS ix_referral_redemptions_owner
    ON referral_redemptions (owner_user_id);
CREATE INDEX IF NOT EXISTS ix_referral_redemptions_code_pending
    ON referral_redemptions (referral_code) WHERE settled_at IS NULL;
CREATE INDEX IF NOT EXISTS ix_referral_redemptions_unsettled
    ON referral_redemptions (redeemed_at) WHERE settled_at IS NULL;
`

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

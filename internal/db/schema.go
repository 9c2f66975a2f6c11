package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// schemaDDL is applied at startup so a fresh database is usable without a
// separate migration step. Every statement is idempotent.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS accounts (
	id              BIGSERIAL PRIMARY KEY,
	handle          TEXT NOT NULL UNIQUE,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_checked_at TIMESTAMPTZ,
	last_error      TEXT
);

CREATE TABLE IF NOT EXISTS snapshots (
	id              BIGSERIAL PRIMARY KEY,
	account_id      BIGINT NOT NULL REFERENCES accounts(id),
	captured_at     TIMESTAMPTZ NOT NULL,
	follower_count  BIGINT,
	following_count BIGINT,
	like_count      BIGINT,
	video_count     BIGINT,
	bio_text        TEXT,
	display_name    TEXT,
	verified        BOOLEAN NOT NULL DEFAULT FALSE,
	avatar_ref      TEXT,
	raw_payload_ref TEXT
);

CREATE INDEX IF NOT EXISTS idx_snapshots_account_captured
	ON snapshots (account_id, captured_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS change_events (
	id          BIGSERIAL PRIMARY KEY,
	account_id  BIGINT NOT NULL REFERENCES accounts(id),
	detected_at TIMESTAMPTZ NOT NULL,
	field       TEXT NOT NULL,
	old_value   TEXT,
	new_value   TEXT,
	delta       BIGINT,
	message     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_events_detected
	ON change_events (detected_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS failures (
	id          BIGSERIAL PRIMARY KEY,
	account_id  BIGINT NOT NULL REFERENCES accounts(id),
	occurred_at TIMESTAMPTZ NOT NULL,
	reason      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_failures_occurred
	ON failures (occurred_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	value_type TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (d *DB) EnsureSchema(ctx context.Context) error {
	// multi-statement DDL needs the simple protocol; the pool default is the
	// statement cache
	_, err := d.Pool.Exec(ctx, schemaDDL, pgx.QueryExecModeSimpleProtocol)
	return err
}

// Package store is the persistence layer over the shared Postgres database:
// events, job locks, the settlement queue, markets/positions and the
// treasury ledger. The events table is owned by the wider ecosystem and its
// schema drifts between generations, so all event writes go through a
// schema-adaptive payload builder (see probe.go).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Connect opens a Postgres connection with the standard pool settings and
// verifies it with a ping.
func Connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id             BIGSERIAL PRIMARY KEY,
    league         TEXT        NOT NULL,
    external_id    TEXT        NOT NULL,
    provider       TEXT        NOT NULL DEFAULT '',
    season         INTEGER,
    starts_at      TIMESTAMPTZ NOT NULL,
    status_raw     TEXT        NOT NULL DEFAULT '',
    status_norm    TEXT        NOT NULL DEFAULT 'SCHEDULED',
    home_team      TEXT        NOT NULL DEFAULT '',
    away_team      TEXT        NOT NULL DEFAULT '',
    home_score     INTEGER,
    away_score     INTEGER,
    finalized_at   TIMESTAMPTZ,
    winner_side    TEXT,
    placeholder    BOOLEAN     NOT NULL DEFAULT FALSE,
    last_synced_at TIMESTAMPTZ,
    UNIQUE (league, external_id)
);

CREATE INDEX IF NOT EXISTS idx_events_starts      ON events(starts_at);
CREATE INDEX IF NOT EXISTS idx_events_status      ON events(status_norm);
CREATE INDEX IF NOT EXISTS idx_events_unfinalized ON events(starts_at) WHERE finalized_at IS NULL;

CREATE TABLE IF NOT EXISTS job_locks (
    job_name   TEXT PRIMARY KEY,
    locked_at  TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    locked_by  TEXT        NOT NULL,
    meta       TEXT
);

CREATE TABLE IF NOT EXISTS markets (
    id      BIGSERIAL PRIMARY KEY,
    game_id BIGINT  NOT NULL REFERENCES events(id),
    title   TEXT    NOT NULL DEFAULT '',
    locked  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_markets_game ON markets(game_id);

CREATE TABLE IF NOT EXISTS positions (
    id        BIGSERIAL PRIMARY KEY,
    market_id BIGINT           NOT NULL REFERENCES markets(id),
    game_id   BIGINT           NOT NULL REFERENCES events(id),
    wallet    TEXT             NOT NULL,
    side      TEXT             NOT NULL,
    stake     DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_game ON positions(game_id);

CREATE TABLE IF NOT EXISTS settlement_queue (
    id          BIGSERIAL PRIMARY KEY,
    game_id     BIGINT      NOT NULL UNIQUE REFERENCES events(id),
    league      TEXT        NOT NULL,
    external_id TEXT        NOT NULL,
    provider    TEXT        NOT NULL DEFAULT '',
    status      TEXT        NOT NULL DEFAULT 'QUEUED',
    outcome     TEXT        NOT NULL,
    reason      TEXT,
    attempts    INTEGER     NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_queue_status ON settlement_queue(status);

CREATE TABLE IF NOT EXISTS treasury_ledger (
    id          BIGSERIAL PRIMARY KEY,
    game_id     BIGINT           NOT NULL,
    amount      DOUBLE PRECISION NOT NULL,
    losing_pool DOUBLE PRECISION NOT NULL,
    created_at  TIMESTAMPTZ      NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS payouts (
    id         BIGSERIAL PRIMARY KEY,
    game_id    BIGINT           NOT NULL,
    wallet     TEXT             NOT NULL,
    amount     DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMPTZ      NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_payouts_game ON payouts(game_id);

CREATE TABLE IF NOT EXISTS payout_receipts (
    game_id    BIGINT PRIMARY KEY,
    outcome    TEXT             NOT NULL,
    gross_pool DOUBLE PRECISION NOT NULL,
    fee        DOUBLE PRECISION NOT NULL,
    refunded   BOOLEAN          NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ      NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates any missing tables and indexes. Idempotent; safe to
// run on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool for the given URL and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                   UUID PRIMARY KEY,
	username             TEXT NOT NULL UNIQUE,
	coins                BIGINT NOT NULL DEFAULT 0 CHECK (coins >= 0),
	total_score_standard BIGINT NOT NULL DEFAULT 0,
	total_score_extended BIGINT NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS coin_ledger (
	user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	ref        TEXT NOT NULL,
	delta      BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, ref)
);

CREATE TABLE IF NOT EXISTS history (
	user_id   UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	key       TEXT NOT NULL,
	game_id   TEXT NOT NULL,
	epoch     BIGINT NOT NULL,
	played_at TIMESTAMPTZ NOT NULL,
	score     INT NOT NULL,
	mode      TEXT NOT NULL,
	PRIMARY KEY (user_id, key)
);

CREATE TABLE IF NOT EXISTS companions (
	user_id          UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	level            INT NOT NULL DEFAULT 1,
	xp               INT NOT NULL DEFAULT 0,
	hunger           INT NOT NULL DEFAULT 100,
	energy           INT NOT NULL DEFAULT 100,
	happiness        INT NOT NULL DEFAULT 0,
	last_xp_bonus_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS highscores (
	game_id     TEXT NOT NULL,
	epoch       BIGINT NOT NULL,
	player_name TEXT NOT NULL,
	score       INT NOT NULL,
	mode        TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (game_id, epoch)
);

CREATE TABLE IF NOT EXISTS game_actions (
	id             BIGSERIAL PRIMARY KEY,
	game_id        TEXT NOT NULL,
	epoch          BIGINT NOT NULL,
	actor_user_id  UUID,
	actor_name     TEXT NOT NULL,
	action_type    TEXT NOT NULL,
	action_payload JSONB,
	recorded_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS game_actions_game_idx ON game_actions (game_id, epoch);
`

// Migrate creates the tables when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// Package postgres persists pipeline state in PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// NewPool creates a verified Postgres connection pool.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

const pgErrUniqueViolation = "23505"

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// scanDecimal converts a NUMERIC column read as text.
func scanDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

const schema = `
CREATE TABLE IF NOT EXISTS opportunities (
	mint             TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	price            NUMERIC NOT NULL DEFAULT 0,
	volume_24h       NUMERIC NOT NULL DEFAULT 0,
	fdv              NUMERIC NOT NULL DEFAULT 0,
	price_change_24h DOUBLE PRECISION NOT NULL DEFAULT 0,
	discovered_at    TIMESTAMPTZ NOT NULL,
	safety_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	social_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	position_id      TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities (status);

CREATE TABLE IF NOT EXISTS positions (
	id               TEXT PRIMARY KEY,
	mint             TEXT NOT NULL,
	opportunity_mint TEXT NOT NULL DEFAULT '',
	leader_tx_id     TEXT NOT NULL DEFAULT '',
	reservation_id   TEXT NOT NULL DEFAULT '',
	exit_client_id   TEXT NOT NULL DEFAULT '',
	entry_price      NUMERIC NOT NULL DEFAULT 0,
	size             NUMERIC NOT NULL DEFAULT 0,
	notional         NUMERIC NOT NULL DEFAULT 0,
	stop_loss        NUMERIC NOT NULL DEFAULT 0,
	take_profit      NUMERIC NOT NULL DEFAULT 0,
	max_hold_ns      BIGINT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	entry_at         TIMESTAMPTZ NOT NULL,
	closing_at       TIMESTAMPTZ,
	closed_at        TIMESTAMPTZ,
	close_reason     TEXT NOT NULL DEFAULT '',
	realized_pnl     NUMERIC NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
CREATE INDEX IF NOT EXISTS idx_positions_mint ON positions (mint);

CREATE TABLE IF NOT EXISTS risk_budget (
	id             INT PRIMARY KEY CHECK (id = 1),
	daily_capacity NUMERIC NOT NULL DEFAULT 0,
	reserved       NUMERIC NOT NULL DEFAULT 0,
	daily_loss     NUMERIC NOT NULL DEFAULT 0,
	halted         BOOLEAN NOT NULL DEFAULT FALSE,
	reset_at       TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trade_ledger (
	id          BIGSERIAL PRIMARY KEY,
	intent_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	mint        TEXT NOT NULL,
	direction   TEXT NOT NULL,
	size        NUMERIC NOT NULL DEFAULT 0,
	price       NUMERIC NOT NULL DEFAULT 0,
	notional    NUMERIC NOT NULL DEFAULT 0,
	tx_id       TEXT NOT NULL DEFAULT '',
	position_id TEXT NOT NULL DEFAULT '',
	filled_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_ledger_position ON trade_ledger (position_id);
`

// EnsureSchema creates the tables if they do not exist. Idempotent.
func EnsureSchema(ctx context.Context, pool *Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

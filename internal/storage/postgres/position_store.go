package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/talon-systems/talon/internal/position"
	"github.com/talon-systems/talon/internal/storage"
)

// PositionStore persists position records.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ position.Store = (*PositionStore)(nil)

// SavePosition upserts one record keyed by ID.
func (s *PositionStore) SavePosition(ctx context.Context, pos position.Position) error {
	query := `
		INSERT INTO positions (
			id, mint, opportunity_mint, leader_tx_id, reservation_id, exit_client_id,
			entry_price, size, notional, stop_loss, take_profit, max_hold_ns,
			status, entry_at, closing_at, closed_at, close_reason, realized_pnl
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			exit_client_id = EXCLUDED.exit_client_id,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			status = EXCLUDED.status,
			closing_at = EXCLUDED.closing_at,
			closed_at = EXCLUDED.closed_at,
			close_reason = EXCLUDED.close_reason,
			realized_pnl = EXCLUDED.realized_pnl
	`

	_, err := s.pool.Exec(ctx, query,
		pos.ID,
		pos.Mint,
		pos.OpportunityMint,
		pos.LeaderTxID,
		pos.ReservationID,
		pos.ExitClientID,
		pos.EntryPrice.String(),
		pos.Size.String(),
		pos.Notional.String(),
		pos.StopLoss.String(),
		pos.TakeProfit.String(),
		int64(pos.MaxHold),
		string(pos.Status),
		pos.EntryAt,
		nullableTime(pos.ClosingAt),
		nullableTime(pos.ClosedAt),
		pos.CloseReason,
		pos.RealizedPnL.String(),
	)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// Get retrieves one record by ID. Returns storage.ErrNotFound if absent.
func (s *PositionStore) Get(ctx context.Context, id string) (position.Position, error) {
	row := s.pool.QueryRow(ctx, selectPositions+` WHERE id = $1`, id)
	pos, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return position.Position{}, storage.ErrNotFound
		}
		return position.Position{}, fmt.Errorf("get position: %w", err)
	}
	return pos, nil
}

// Unsettled returns every OPEN or CLOSING record, for startup recovery.
func (s *PositionStore) Unsettled(ctx context.Context) ([]position.Position, error) {
	rows, err := s.pool.Query(ctx, selectPositions+` WHERE status != $1`,
		string(position.StatusClosed))
	if err != nil {
		return nil, fmt.Errorf("load unsettled positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

const selectPositions = `
	SELECT id, mint, opportunity_mint, leader_tx_id, reservation_id,
	       exit_client_id, entry_price::text, size::text, notional::text,
	       stop_loss::text, take_profit::text, max_hold_ns, status, entry_at,
	       closing_at, closed_at, close_reason, realized_pnl::text
	FROM positions`

func scanPosition(row rowScanner) (position.Position, error) {
	var (
		pos                 position.Position
		entry, size         string
		notional, stop      string
		target, pnl         string
		maxHoldNs           int64
		status              string
		closingAt, closedAt *time.Time
	)
	err := row.Scan(
		&pos.ID, &pos.Mint, &pos.OpportunityMint, &pos.LeaderTxID, &pos.ReservationID,
		&pos.ExitClientID, &entry, &size, &notional, &stop, &target, &maxHoldNs, &status,
		&pos.EntryAt, &closingAt, &closedAt, &pos.CloseReason, &pnl,
	)
	if err != nil {
		return position.Position{}, err
	}
	if pos.EntryPrice, err = scanDecimal(entry); err != nil {
		return position.Position{}, err
	}
	if pos.Size, err = scanDecimal(size); err != nil {
		return position.Position{}, err
	}
	if pos.Notional, err = scanDecimal(notional); err != nil {
		return position.Position{}, err
	}
	if pos.StopLoss, err = scanDecimal(stop); err != nil {
		return position.Position{}, err
	}
	if pos.TakeProfit, err = scanDecimal(target); err != nil {
		return position.Position{}, err
	}
	if pos.RealizedPnL, err = scanDecimal(pnl); err != nil {
		return position.Position{}, err
	}
	pos.MaxHold = time.Duration(maxHoldNs)
	pos.Status = position.Status(status)
	if closingAt != nil {
		pos.ClosingAt = *closingAt
	}
	if closedAt != nil {
		pos.ClosedAt = *closedAt
	}
	return pos, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

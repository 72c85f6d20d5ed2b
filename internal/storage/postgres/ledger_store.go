package postgres

import (
	"context"
	"fmt"

	"github.com/talon-systems/talon/internal/execution"
)

// LedgerStore appends filled-trade rows to the durable trade ledger.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

var _ execution.LedgerWriter = (*LedgerStore)(nil)

// Append inserts one ledger row.
func (s *LedgerStore) Append(ctx context.Context, e execution.LedgerEntry) error {
	query := `
		INSERT INTO trade_ledger (
			intent_id, kind, mint, direction, size, price, notional,
			tx_id, position_id, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.pool.Exec(ctx, query,
		e.IntentID,
		string(e.Kind),
		e.Mint,
		string(e.Direction),
		e.Size.String(),
		e.Price.String(),
		e.Notional.String(),
		e.TxID,
		e.PositionID,
		e.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// ByPosition returns the fills for one position, oldest first.
func (s *LedgerStore) ByPosition(ctx context.Context, positionID string) ([]execution.LedgerEntry, error) {
	query := `
		SELECT intent_id, kind, mint, direction, size::text, price::text,
		       notional::text, tx_id, position_id, filled_at
		FROM trade_ledger
		WHERE position_id = $1
		ORDER BY filled_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("ledger by position: %w", err)
	}
	defer rows.Close()

	var out []execution.LedgerEntry
	for rows.Next() {
		var (
			e                     execution.LedgerEntry
			kind, direction       string
			size, price, notional string
		)
		if err := rows.Scan(&e.IntentID, &kind, &e.Mint, &direction,
			&size, &price, &notional, &e.TxID, &e.PositionID, &e.FilledAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = execution.IntentKind(kind)
		e.Direction = execution.Direction(direction)
		if e.Size, err = scanDecimal(size); err != nil {
			return nil, err
		}
		if e.Price, err = scanDecimal(price); err != nil {
			return nil, err
		}
		if e.Notional, err = scanDecimal(notional); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"fmt"

	"github.com/talon-systems/talon/internal/risk"
	"github.com/talon-systems/talon/internal/storage"
)

// RiskStore persists the single-row risk budget snapshot.
type RiskStore struct {
	pool *Pool
}

// NewRiskStore creates a RiskStore.
func NewRiskStore(pool *Pool) *RiskStore {
	return &RiskStore{pool: pool}
}

var _ risk.Store = (*RiskStore)(nil)

// SaveBudget upserts the budget snapshot. A restart recovers daily loss
// and reserved notional from this row so capacity cannot be double-spent.
func (s *RiskStore) SaveBudget(ctx context.Context, b risk.Budget) error {
	query := `
		INSERT INTO risk_budget (id, daily_capacity, reserved, daily_loss, halted, reset_at, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			daily_capacity = EXCLUDED.daily_capacity,
			reserved = EXCLUDED.reserved,
			daily_loss = EXCLUDED.daily_loss,
			halted = EXCLUDED.halted,
			reset_at = EXCLUDED.reset_at,
			updated_at = now()
	`

	_, err := s.pool.Exec(ctx, query,
		b.DailyCapacity.String(),
		b.Reserved.String(),
		b.DailyLoss.String(),
		b.Halted,
		b.ResetAt,
	)
	if err != nil {
		return fmt.Errorf("save budget: %w", err)
	}
	return nil
}

// Load returns the persisted snapshot. Returns storage.ErrNotFound on a
// fresh database.
func (s *RiskStore) Load(ctx context.Context) (risk.Budget, error) {
	query := `
		SELECT daily_capacity::text, reserved::text, daily_loss::text, halted, reset_at
		FROM risk_budget WHERE id = 1
	`

	var (
		b                        risk.Budget
		capacity, reserved, loss string
	)
	err := s.pool.QueryRow(ctx, query).Scan(&capacity, &reserved, &loss, &b.Halted, &b.ResetAt)
	if err != nil {
		if isNotFoundError(err) {
			return risk.Budget{}, storage.ErrNotFound
		}
		return risk.Budget{}, fmt.Errorf("load budget: %w", err)
	}
	if b.DailyCapacity, err = scanDecimal(capacity); err != nil {
		return risk.Budget{}, err
	}
	if b.Reserved, err = scanDecimal(reserved); err != nil {
		return risk.Budget{}, err
	}
	if b.DailyLoss, err = scanDecimal(loss); err != nil {
		return risk.Budget{}, err
	}
	return b, nil
}

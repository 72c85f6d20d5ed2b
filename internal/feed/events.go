package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/talon-systems/talon/internal/copytrade"
	"github.com/talon-systems/talon/internal/execution"
	"github.com/talon-systems/talon/internal/registry"
)

// ---------------------------------------------------------------------------
// Normalized feed events
// ---------------------------------------------------------------------------

// ErrValidation marks a malformed event. Malformed events are dropped
// with a log line; they never reach the registry or the detector.
var ErrValidation = errors.New("feed: validation failed")

// MarketEvent is one market-discovery or price update for a token.
type MarketEvent struct {
	Mint           string          `json:"mint"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	FDV            decimal.Decimal `json:"fdv"`
	PriceChange24h float64         `json:"price_change_24h"`
	At             time.Time       `json:"at"`
}

// Validate checks the event is well-formed before it touches core state.
func (e MarketEvent) Validate() error {
	if err := checkAddress(e.Mint); err != nil {
		return fmt.Errorf("%w: mint: %v", ErrValidation, err)
	}
	if e.Price.IsNegative() || e.Volume24h.IsNegative() || e.FDV.IsNegative() {
		return fmt.Errorf("%w: negative market metric", ErrValidation)
	}
	return nil
}

// Candidate converts the event into a registry sighting.
func (e MarketEvent) Candidate() registry.Candidate {
	return registry.Candidate{
		Mint: e.Mint,
		Name: e.Name,
		Metrics: registry.MarketMetrics{
			Price:          e.Price,
			Volume24h:      e.Volume24h,
			FDV:            e.FDV,
			PriceChange24h: e.PriceChange24h,
		},
	}
}

// LeaderEvent is one observed leader-wallet transaction.
type LeaderEvent struct {
	TxID      string          `json:"tx_id"`
	Wallet    string          `json:"wallet"`
	Mint      string          `json:"mint"`
	Direction string          `json:"direction"` // "buy" | "sell"
	Size      decimal.Decimal `json:"size"`
	At        time.Time       `json:"at"`
}

// Validate checks the event is well-formed.
func (e LeaderEvent) Validate() error {
	if e.TxID == "" {
		return fmt.Errorf("%w: empty tx id", ErrValidation)
	}
	if err := checkAddress(e.Wallet); err != nil {
		return fmt.Errorf("%w: wallet: %v", ErrValidation, err)
	}
	if err := checkAddress(e.Mint); err != nil {
		return fmt.Errorf("%w: mint: %v", ErrValidation, err)
	}
	if e.Direction != string(execution.Buy) && e.Direction != string(execution.Sell) {
		return fmt.Errorf("%w: direction %q", ErrValidation, e.Direction)
	}
	if !e.Size.IsPositive() {
		return fmt.Errorf("%w: non-positive size", ErrValidation)
	}
	return nil
}

// LeaderTx converts the event for the copy-trade detector.
func (e LeaderEvent) LeaderTx() copytrade.LeaderTx {
	return copytrade.LeaderTx{
		TxID:       e.TxID,
		Wallet:     e.Wallet,
		Mint:       e.Mint,
		Direction:  execution.Direction(e.Direction),
		Size:       e.Size,
		ObservedAt: e.At,
	}
}

// checkAddress verifies a base58-encoded 32-byte Solana address.
func checkAddress(addr string) error {
	if addr == "" {
		return errors.New("empty")
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("not base58: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("decoded length %d, want 32", len(raw))
	}
	return nil
}

package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/talon-systems/talon/internal/execution"
	"github.com/talon-systems/talon/internal/position"
)

// ---------------------------------------------------------------------------
// Position Monitor
//
// Tracks every open position to its exit. Exit conditions are evaluated
// in fixed priority order: stop-loss breach, take-profit breach, maximum
// hold time. The first condition met claims the position (CLOSING) and
// hands a sell intent to the execution coordinator; at most one exit is
// in flight per position.
// ---------------------------------------------------------------------------

// Close reasons recorded on the position and the opportunity.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonMaxHold    = "max_hold"
)

// Config configures the monitor loop.
type Config struct {
	PollIntervalS int `yaml:"poll_interval_s"` // default 5
	StuckAfterS   int `yaml:"stuck_after_s"`   // re-drive CLOSING after this, default 120
}

// DefaultConfig returns monitor defaults.
func DefaultConfig() Config {
	return Config{
		PollIntervalS: 5,
		StuckAfterS:   120,
	}
}

// Executor is the exit path back into the execution coordinator.
type Executor interface {
	Execute(ctx context.Context, intent execution.Intent) (execution.Result, error)
}

// Monitor polls prices for open positions and drives exits.
type Monitor struct {
	cfg    Config
	book   *position.Book
	prices execution.PriceSource
	exec   Executor
}

// New creates a position monitor.
func New(cfg Config, book *position.Book, prices execution.PriceSource, exec Executor) *Monitor {
	if cfg.PollIntervalS <= 0 {
		cfg.PollIntervalS = 5
	}
	if cfg.StuckAfterS <= 0 {
		cfg.StuckAfterS = 120
	}
	return &Monitor{cfg: cfg, book: book, prices: prices, exec: exec}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.cfg.PollIntervalS) * time.Second)
	defer ticker.Stop()

	log.Info().Int("interval_s", m.cfg.PollIntervalS).Msg("monitor: started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("monitor: stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every open position once and rescues stuck exits.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	for _, pos := range m.book.List(position.StatusOpen) {
		if err := ctx.Err(); err != nil {
			return
		}
		m.check(ctx, pos, now)
	}

	m.rescueStuck(ctx, now)
}

func (m *Monitor) check(ctx context.Context, pos position.Position, now time.Time) {
	price, err := m.prices.GetPrice(ctx, pos.Mint)
	if err != nil || !price.IsPositive() {
		log.Warn().
			Err(err).
			Str("position_id", pos.ID).
			Str("mint", pos.Mint).
			Msg("monitor: no price, skipping cycle")
		return
	}

	reason := exitReason(pos, price, now)
	if reason == "" {
		return
	}

	// Claim the position. A CAS failure means another exit is already in
	// flight; never start a second one.
	if err := m.book.BeginClose(ctx, pos.ID, reason); err != nil {
		log.Debug().Err(err).Str("position_id", pos.ID).Msg("monitor: exit already in flight")
		return
	}

	log.Info().
		Str("position_id", pos.ID).
		Str("mint", pos.Mint).
		Str("price", price.String()).
		Str("entry", pos.EntryPrice.String()).
		Str("reason", reason).
		Msg("monitor: exit triggered")

	m.submitExit(ctx, pos)
}

// rescueStuck re-drives positions stuck in CLOSING. The previous exit
// intent either failed without reopening or was lost with the process.
// The coordinator verifies the recorded exit attempt against the ledger
// before any new sell goes out, so re-driving is safe here.
func (m *Monitor) rescueStuck(ctx context.Context, now time.Time) {
	cutoff := time.Duration(m.cfg.StuckAfterS) * time.Second
	for _, pos := range m.book.List(position.StatusClosing) {
		if now.Sub(pos.ClosingAt) < cutoff {
			continue
		}
		log.Warn().
			Str("position_id", pos.ID).
			Str("mint", pos.Mint).
			Dur("closing_for", now.Sub(pos.ClosingAt)).
			Msg("monitor: stuck exit, retrying")
		m.submitExit(ctx, pos)
	}
}

func (m *Monitor) submitExit(ctx context.Context, pos position.Position) {
	res, err := m.exec.Execute(ctx, execution.Intent{
		ID:         uuid.New().String(),
		Kind:       execution.KindExit,
		Mint:       pos.Mint,
		Direction:  execution.Sell,
		PositionID: pos.ID,
		Size:       pos.Size,
	})
	if err != nil {
		// The coordinator reopened the position; the next sweep retries.
		log.Warn().Err(err).Str("position_id", pos.ID).Msg("monitor: exit attempt failed")
		return
	}
	log.Debug().
		Str("position_id", pos.ID).
		Str("outcome", string(res.Outcome)).
		Msg("monitor: exit settled")
}

// exitReason evaluates the exit conditions in priority order. A price
// that gaps through both thresholds in one update resolves as stop-loss.
func exitReason(pos position.Position, price decimal.Decimal, now time.Time) string {
	if pos.StopLoss.IsPositive() && price.LessThanOrEqual(pos.StopLoss) {
		return ReasonStopLoss
	}
	if pos.TakeProfit.IsPositive() && price.GreaterThanOrEqual(pos.TakeProfit) {
		return ReasonTakeProfit
	}
	if pos.MaxHold > 0 && now.Sub(pos.EntryAt) >= pos.MaxHold {
		return ReasonMaxHold
	}
	return ""
}

package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Risk Controller — the single globally serialized resource
// SAFETY > PROFIT > SPEED
//
// Both decision paths (autonomous discovery and copy-trading) funnel every
// capital reservation through here. There is no private risk counter
// anywhere else in the process.
// ---------------------------------------------------------------------------

// ErrDenied means capacity is exhausted or the grant would be below the
// minimum viable trade. Non-retryable: the intent is discarded.
var ErrDenied = errors.New("risk: reservation denied")

// ErrHalted means the daily loss breaker tripped. All reservations are
// denied until the next daily reset boundary.
var ErrHalted = errors.New("risk: halted by daily loss breaker")

// Config holds risk controller configuration. Limits are always active.
type Config struct {
	DailyCapacityUSD   float64 `yaml:"daily_capacity_usd"`
	PerTradeCeilingUSD float64 `yaml:"per_trade_ceiling_usd"`
	DailyLossLimitUSD  float64 `yaml:"daily_loss_limit_usd"`
	MinViableTradeUSD  float64 `yaml:"min_viable_trade_usd"`
	ReclaimAfterMin    int     `yaml:"reclaim_after_min"` // default 10
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		DailyCapacityUSD:   10_000,
		PerTradeCeilingUSD: 1_000,
		DailyLossLimitUSD:  1_000,
		MinViableTradeUSD:  10,
		ReclaimAfterMin:    10,
	}
}

// Reservation is a granted slice of daily capacity. Every reservation must
// be balanced by exactly one Release; unbalanced ones are reclaimed after
// the configured timeout so a crashed execution cannot leak capacity.
// Held reservations back an open position and are exempt from reclaim:
// their release comes with the position close, however long that takes.
type Reservation struct {
	ID        string
	Notional  decimal.Decimal
	GrantedAt time.Time
	Held      bool
}

// Budget is a consistent read-only snapshot of the shared risk state.
type Budget struct {
	DailyCapacity decimal.Decimal `json:"daily_capacity"`
	Reserved      decimal.Decimal `json:"reserved"`
	Remaining     decimal.Decimal `json:"remaining"`
	DailyLoss     decimal.Decimal `json:"daily_loss"`
	Halted        bool            `json:"halted"`
	Outstanding   int             `json:"outstanding"`
	ResetAt       time.Time       `json:"reset_at"`
}

// Store persists budget counters so a restart cannot double-spend capacity.
type Store interface {
	SaveBudget(ctx context.Context, b Budget) error
}

// Controller owns the process-wide risk budget. All methods are atomic
// with respect to each other: no two concurrent reservations may jointly
// exceed the remaining capacity.
type Controller struct {
	cfg   Config
	store Store

	mu            sync.Mutex
	reserved      decimal.Decimal
	dailyLoss     decimal.Decimal
	halted        bool
	resetAt       time.Time // start of the current UTC day
	reservations  map[string]Reservation
	onPersistFail func(error)
}

// NewController creates a risk controller. store may be nil.
func NewController(cfg Config, store Store) *Controller {
	if cfg.ReclaimAfterMin <= 0 {
		cfg.ReclaimAfterMin = 10
	}
	return &Controller{
		cfg:          cfg,
		store:        store,
		reserved:     decimal.Zero,
		dailyLoss:    decimal.Zero,
		resetAt:      startOfDay(time.Now().UTC()),
		reservations: make(map[string]Reservation),
	}
}

// Restore pre-loads the daily loss counter after a restart and re-arms
// the breaker from it. Reserved capacity is rebuilt reservation by
// reservation via RestoreReservation.
func (c *Controller) Restore(dailyLoss decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dailyLoss = dailyLoss
	c.halted = c.dailyLoss.GreaterThanOrEqual(decimal.NewFromFloat(c.cfg.DailyLossLimitUSD))
}

// RestoreReservation re-keys an open position's reservation after a
// restart, so the position close can Release it and feed its PnL into
// the daily loss accounting. Restored reservations are held: they are
// never reclaimed out from under the position.
func (c *Controller) RestoreReservation(id string, notional decimal.Decimal, grantedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.reservations[id]; ok {
		return
	}
	c.reservations[id] = Reservation{ID: id, Notional: notional, GrantedAt: grantedAt, Held: true}
	c.reserved = c.reserved.Add(notional)
}

// Hold marks a reservation as backing an open position, exempting it
// from expiry reclaim until the position closes.
func (c *Controller) Hold(reservationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.reservations[reservationID]
	if !ok {
		return fmt.Errorf("risk: unknown reservation %s", reservationID)
	}
	res.Held = true
	c.reservations[reservationID] = res
	return nil
}

// SetPersistErrorHook registers a callback invoked when persisting the
// budget fails. The hook runs with the controller lock held and must not
// call back into the controller.
func (c *Controller) SetPersistErrorHook(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPersistFail = fn
}

// Reserve atomically grants min(requested, perTradeCeiling, remaining
// capacity). Returns ErrHalted while the breaker is tripped, ErrDenied
// when the grant would be below the minimum viable trade size.
func (c *Controller) Reserve(ctx context.Context, requested decimal.Decimal) (Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rolloverLocked(ctx, time.Now().UTC())

	if c.halted {
		return Reservation{}, ErrHalted
	}
	if !requested.IsPositive() {
		return Reservation{}, fmt.Errorf("%w: non-positive request", ErrDenied)
	}

	remaining := decimal.NewFromFloat(c.cfg.DailyCapacityUSD).Sub(c.reserved)
	granted := requested
	if ceiling := decimal.NewFromFloat(c.cfg.PerTradeCeilingUSD); granted.GreaterThan(ceiling) {
		granted = ceiling
	}
	if granted.GreaterThan(remaining) {
		granted = remaining
	}

	if granted.LessThan(decimal.NewFromFloat(c.cfg.MinViableTradeUSD)) {
		log.Warn().
			Str("requested", requested.String()).
			Str("remaining", remaining.String()).
			Msg("risk: reservation DENIED")
		return Reservation{}, ErrDenied
	}

	res := Reservation{
		ID:        uuid.New().String(),
		Notional:  granted,
		GrantedAt: time.Now().UTC(),
	}
	c.reserved = c.reserved.Add(granted)
	c.reservations[res.ID] = res

	log.Debug().
		Str("reservation_id", res.ID).
		Str("granted", granted.String()).
		Str("reserved_total", c.reserved.String()).
		Msg("risk: reservation granted")

	c.persistLocked(ctx)
	return res, nil
}

// Release returns a reservation's capacity and books realized PnL into
// the daily loss accounting. A loss beyond the configured limit trips the
// breaker. Releasing an unknown or already-released reservation is an
// error so unbalanced pairs surface instead of silently drifting.
func (c *Controller) Release(ctx context.Context, reservationID string, realizedPnL decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, ok := c.reservations[reservationID]
	if !ok {
		return fmt.Errorf("risk: unknown reservation %s", reservationID)
	}
	delete(c.reservations, reservationID)
	c.reserved = c.reserved.Sub(res.Notional)

	if realizedPnL.IsNegative() {
		c.dailyLoss = c.dailyLoss.Add(realizedPnL.Neg())
		if !c.halted && c.dailyLoss.GreaterThanOrEqual(decimal.NewFromFloat(c.cfg.DailyLossLimitUSD)) {
			c.halted = true
			log.Error().
				Str("daily_loss", c.dailyLoss.String()).
				Float64("limit", c.cfg.DailyLossLimitUSD).
				Msg("risk: HALTED - daily loss limit breached")
		}
	}

	log.Debug().
		Str("reservation_id", reservationID).
		Str("released", res.Notional.String()).
		Str("realized_pnl", realizedPnL.String()).
		Msg("risk: reservation released")

	c.persistLocked(ctx)
	return nil
}

// ReclaimExpired releases unheld reservations older than the reclaim
// timeout without PnL. Returns the number reclaimed. Run periodically.
func (c *Controller) ReclaimExpired(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().UTC().Add(-time.Duration(c.cfg.ReclaimAfterMin) * time.Minute)
	reclaimed := 0
	for id, res := range c.reservations {
		if !res.Held && res.GrantedAt.Before(cutoff) {
			delete(c.reservations, id)
			c.reserved = c.reserved.Sub(res.Notional)
			reclaimed++
			log.Warn().
				Str("reservation_id", id).
				Str("notional", res.Notional.String()).
				Msg("risk: reclaimed expired reservation")
		}
	}
	if reclaimed > 0 {
		c.persistLocked(ctx)
	}
	return reclaimed
}

// Reset clears daily accounting at the daily boundary and re-arms the
// breaker. Outstanding reservations survive the boundary.
func (c *Controller) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(ctx, time.Now().UTC())
}

// Snapshot returns a consistent view of the budget.
func (c *Controller) Snapshot() Budget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budgetLocked()
}

// Halted reports whether the breaker is tripped.
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

func (c *Controller) budgetLocked() Budget {
	capacity := decimal.NewFromFloat(c.cfg.DailyCapacityUSD)
	return Budget{
		DailyCapacity: capacity,
		Reserved:      c.reserved,
		Remaining:     capacity.Sub(c.reserved),
		DailyLoss:     c.dailyLoss,
		Halted:        c.halted,
		Outstanding:   len(c.reservations),
		ResetAt:       c.resetAt,
	}
}

// rolloverLocked resets daily state when a new UTC day has started.
func (c *Controller) rolloverLocked(ctx context.Context, now time.Time) {
	if now.Before(c.resetAt.Add(24 * time.Hour)) {
		return
	}
	c.resetLocked(ctx, now)
}

func (c *Controller) resetLocked(ctx context.Context, now time.Time) {
	c.dailyLoss = decimal.Zero
	c.halted = false
	c.resetAt = startOfDay(now)
	log.Info().Time("reset_at", c.resetAt).Msg("risk: daily budget reset")
	c.persistLocked(ctx)
}

func (c *Controller) persistLocked(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveBudget(ctx, c.budgetLocked()); err != nil {
		log.Error().Err(err).Msg("risk: persist budget failed")
		if c.onPersistFail != nil {
			c.onPersistFail(err)
		}
	}
}

func startOfDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Position book — open holdings resulting from filled buys
// ---------------------------------------------------------------------------

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

// ErrDuplicateOpen is returned when opening a second position for a mint
// that already has one open.
var ErrDuplicateOpen = errors.New("position: mint already has an open position")

// ErrNotFound is returned for unknown position IDs.
var ErrNotFound = errors.New("position: not found")

// ErrNotOpen is returned when a state change expects OPEN (or CLOSING)
// and the position is elsewhere. Guards against concurrent exit attempts.
var ErrNotOpen = errors.New("position: unexpected status")

// Position is one holding. Exactly one of OpportunityMint/LeaderTxID set
// the origin: discovery-path positions reference their opportunity, copy
// positions the leader transaction they mirrored.
type Position struct {
	ID              string `json:"id"`
	Mint            string `json:"mint"`
	OpportunityMint string `json:"opportunity_mint,omitempty"`
	LeaderTxID      string `json:"leader_tx_id,omitempty"`
	ReservationID   string `json:"reservation_id"`
	ExitClientID    string `json:"exit_client_id,omitempty"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       decimal.Decimal `json:"size"` // token units
	Notional   decimal.Decimal `json:"notional"`

	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	MaxHold    time.Duration   `json:"max_hold"`

	Status      Status          `json:"status"`
	EntryAt     time.Time       `json:"entry_at"`
	ClosingAt   time.Time       `json:"closing_at,omitempty"`
	ClosedAt    time.Time       `json:"closed_at,omitempty"`
	CloseReason string          `json:"close_reason,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Store persists position records. The book writes through on mutation.
type Store interface {
	SavePosition(ctx context.Context, pos Position) error
}

// Book owns all position mutation after creation. Thread-safe.
type Book struct {
	mu            sync.RWMutex
	positions     map[string]*Position // ID -> position
	openMints     map[string]string    // mint -> open position ID
	store         Store
	onPersistFail func(error)
}

// NewBook creates an empty book. store may be nil.
func NewBook(store Store) *Book {
	return &Book{
		positions: make(map[string]*Position),
		openMints: make(map[string]string),
		store:     store,
	}
}

// Restore loads a persisted position without a write-back. Startup only.
func (b *Book) Restore(pos Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := pos
	b.positions[pos.ID] = &cp
	if pos.Status != StatusClosed {
		b.openMints[pos.Mint] = pos.ID
	}
}

// Open registers a freshly filled buy. Enforces at most one open position
// per mint at a time.
func (b *Book) Open(ctx context.Context, pos Position) error {
	b.mu.Lock()

	if existing, ok := b.openMints[pos.Mint]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s held by %s", ErrDuplicateOpen, pos.Mint, existing)
	}
	pos.Status = StatusOpen
	if pos.EntryAt.IsZero() {
		pos.EntryAt = time.Now().UTC()
	}
	cp := pos
	b.positions[pos.ID] = &cp
	b.openMints[pos.Mint] = pos.ID
	b.mu.Unlock()

	log.Info().
		Str("position_id", pos.ID).
		Str("mint", pos.Mint).
		Str("entry_price", pos.EntryPrice.String()).
		Str("size", pos.Size.String()).
		Str("stop_loss", pos.StopLoss.String()).
		Str("take_profit", pos.TakeProfit.String()).
		Msg("position: OPENED")

	b.persist(ctx, cp)
	return nil
}

// BeginClose claims the position for an exit attempt: OPEN -> CLOSING.
// Exactly one exit attempt may be in flight per position; a concurrent
// claim fails with ErrNotOpen.
func (b *Book) BeginClose(ctx context.Context, id, reason string) error {
	b.mu.Lock()
	pos, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if pos.Status != StatusOpen {
		cur := pos.Status
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, id, cur)
	}
	pos.Status = StatusClosing
	pos.ClosingAt = time.Now().UTC()
	pos.CloseReason = reason
	snapshot := *pos
	b.mu.Unlock()

	log.Info().
		Str("position_id", id).
		Str("reason", reason).
		Msg("position: closing")

	b.persist(ctx, snapshot)
	return nil
}

// SetExitClient records the venue client ID of the exit attempt about to
// be submitted. A later retry verifies that attempt's ledger outcome
// before submitting another sell.
func (b *Book) SetExitClient(ctx context.Context, id, clientID string) error {
	b.mu.Lock()
	pos, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	pos.ExitClientID = clientID
	snapshot := *pos
	b.mu.Unlock()

	b.persist(ctx, snapshot)
	return nil
}

// SetPersistErrorHook registers a callback invoked when persisting a
// position fails. The hook must not call back into the book.
func (b *Book) SetPersistErrorHook(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPersistFail = fn
}

// Reopen reverts a failed exit attempt: CLOSING -> OPEN, so the monitor
// retries on the next cycle instead of abandoning the position.
func (b *Book) Reopen(ctx context.Context, id string) error {
	b.mu.Lock()
	pos, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if pos.Status != StatusClosing {
		cur := pos.Status
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, id, cur)
	}
	pos.Status = StatusOpen
	pos.ClosingAt = time.Time{}
	pos.CloseReason = ""
	snapshot := *pos
	b.mu.Unlock()

	b.persist(ctx, snapshot)
	return nil
}

// Close settles the position on a filled sell. Realized PnL is
// (fillPrice - entry) * size.
func (b *Book) Close(ctx context.Context, id string, fillPrice decimal.Decimal) (Position, error) {
	b.mu.Lock()
	pos, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if pos.Status == StatusClosed {
		b.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s already closed", ErrNotOpen, id)
	}
	pos.Status = StatusClosed
	pos.ClosedAt = time.Now().UTC()
	pos.RealizedPnL = fillPrice.Sub(pos.EntryPrice).Mul(pos.Size)
	delete(b.openMints, pos.Mint)
	snapshot := *pos
	b.mu.Unlock()

	log.Info().
		Str("position_id", id).
		Str("mint", snapshot.Mint).
		Str("fill_price", fillPrice.String()).
		Str("realized_pnl", snapshot.RealizedPnL.String()).
		Str("reason", snapshot.CloseReason).
		Msg("position: CLOSED")

	b.persist(ctx, snapshot)
	return snapshot, nil
}

// Tighten adjusts stop-loss/take-profit. Thresholds set at entry are
// never loosened: the stop may only rise, the target only fall. A zero
// value leaves that threshold unchanged.
func (b *Book) Tighten(ctx context.Context, id string, stopLoss, takeProfit decimal.Decimal) error {
	b.mu.Lock()
	pos, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if stopLoss.IsPositive() {
		if stopLoss.LessThan(pos.StopLoss) {
			b.mu.Unlock()
			return fmt.Errorf("position: stop-loss %s would loosen %s", stopLoss, pos.StopLoss)
		}
		pos.StopLoss = stopLoss
	}
	if takeProfit.IsPositive() {
		if takeProfit.GreaterThan(pos.TakeProfit) {
			b.mu.Unlock()
			return fmt.Errorf("position: take-profit %s would loosen %s", takeProfit, pos.TakeProfit)
		}
		pos.TakeProfit = takeProfit
	}
	snapshot := *pos
	b.mu.Unlock()

	b.persist(ctx, snapshot)
	return nil
}

// Get returns a copy of the position.
func (b *Book) Get(id string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[id]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// OpenForMint returns the open (or closing) position for a mint.
func (b *Book) OpenForMint(mint string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.openMints[mint]
	if !ok {
		return Position{}, false
	}
	return *b.positions[id], true
}

// List returns copies of positions in the given status; empty status
// matches all.
func (b *Book) List(status Status) []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		if status != "" && pos.Status != status {
			continue
		}
		result = append(result, *pos)
	}
	return result
}

// RealizedPnL sums realized PnL over closed positions.
func (b *Book) RealizedPnL() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range b.positions {
		if pos.Status == StatusClosed {
			total = total.Add(pos.RealizedPnL)
		}
	}
	return total
}

func (b *Book) persist(ctx context.Context, pos Position) {
	if b.store == nil {
		return
	}
	if err := b.store.SavePosition(ctx, pos); err != nil {
		log.Error().Err(err).Str("position_id", pos.ID).Msg("position: persist failed")
		if b.onPersistFail != nil {
			b.onPersistFail(err)
		}
	}
}

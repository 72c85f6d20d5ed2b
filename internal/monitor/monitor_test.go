package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talon-systems/talon/internal/execution"
	"github.com/talon-systems/talon/internal/position"
)

const monMint = "Mon1111111111111111111111111111111111111111"

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (f *fakePrices) set(mint string, p decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[mint] = p
}

func (f *fakePrices) GetPrice(_ context.Context, mint string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[mint], nil
}

type captureExec struct {
	mu      sync.Mutex
	intents []execution.Intent
}

func (c *captureExec) Execute(_ context.Context, intent execution.Intent) (execution.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents = append(c.intents, intent)
	return execution.Result{IntentID: intent.ID, Outcome: execution.OutcomeFilled}, nil
}

func (c *captureExec) all() []execution.Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]execution.Intent, len(c.intents))
	copy(out, c.intents)
	return out
}

func openPosition(t *testing.T, book *position.Book) position.Position {
	t.Helper()
	pos := position.Position{
		ID:         "pos-1",
		Mint:       monMint,
		EntryPrice: decimal.NewFromFloat(0.001),
		Size:       decimal.NewFromInt(100_000),
		Notional:   decimal.NewFromInt(100),
		StopLoss:   decimal.NewFromFloat(0.0008),
		TakeProfit: decimal.NewFromFloat(0.0015),
		MaxHold:    time.Hour,
		Status:     position.StatusOpen,
		EntryAt:    time.Now().UTC(),
	}
	require.NoError(t, book.Open(context.Background(), pos))
	return pos
}

func newMonitor(book *position.Book, prices *fakePrices, exec Executor) *Monitor {
	return New(DefaultConfig(), book, prices, exec)
}

func TestSweep_StopLossTriggersExit(t *testing.T) {
	book := position.NewBook(nil)
	pos := openPosition(t, book)
	prices := &fakePrices{prices: map[string]decimal.Decimal{monMint: decimal.NewFromFloat(0.0007)}}
	exec := &captureExec{}

	newMonitor(book, prices, exec).Sweep(context.Background())

	intents := exec.all()
	require.Len(t, intents, 1)
	assert.Equal(t, execution.KindExit, intents[0].Kind)
	assert.Equal(t, execution.Sell, intents[0].Direction)
	assert.Equal(t, pos.ID, intents[0].PositionID)
	assert.True(t, intents[0].Size.Equal(pos.Size))

	got, _ := book.Get(pos.ID)
	assert.Equal(t, ReasonStopLoss, got.CloseReason)
}

func TestSweep_TakeProfitTriggersExit(t *testing.T) {
	book := position.NewBook(nil)
	pos := openPosition(t, book)
	prices := &fakePrices{prices: map[string]decimal.Decimal{monMint: decimal.NewFromFloat(0.002)}}
	exec := &captureExec{}

	newMonitor(book, prices, exec).Sweep(context.Background())

	require.Len(t, exec.all(), 1)
	got, _ := book.Get(pos.ID)
	assert.Equal(t, ReasonTakeProfit, got.CloseReason)
}

func TestSweep_MaxHoldTriggersExit(t *testing.T) {
	book := position.NewBook(nil)
	pos := position.Position{
		ID:         "pos-old",
		Mint:       monMint,
		EntryPrice: decimal.NewFromFloat(0.001),
		Size:       decimal.NewFromInt(100_000),
		StopLoss:   decimal.NewFromFloat(0.0008),
		TakeProfit: decimal.NewFromFloat(0.0015),
		MaxHold:    30 * time.Minute,
		Status:     position.StatusOpen,
		EntryAt:    time.Now().UTC().Add(-time.Hour),
	}
	book.Restore(pos)
	// Price between the thresholds: only the hold-time condition fires.
	prices := &fakePrices{prices: map[string]decimal.Decimal{monMint: decimal.NewFromFloat(0.001)}}
	exec := &captureExec{}

	newMonitor(book, prices, exec).Sweep(context.Background())

	require.Len(t, exec.all(), 1)
	got, _ := book.Get(pos.ID)
	assert.Equal(t, ReasonMaxHold, got.CloseReason)
}

func TestSweep_NoConditionNoExit(t *testing.T) {
	book := position.NewBook(nil)
	openPosition(t, book)
	prices := &fakePrices{prices: map[string]decimal.Decimal{monMint: decimal.NewFromFloat(0.0012)}}
	exec := &captureExec{}

	newMonitor(book, prices, exec).Sweep(context.Background())
	assert.Empty(t, exec.all())
}

func TestSweep_MissingPriceSkipsCycle(t *testing.T) {
	book := position.NewBook(nil)
	pos := openPosition(t, book)
	prices := &fakePrices{prices: map[string]decimal.Decimal{}}
	exec := &captureExec{}

	newMonitor(book, prices, exec).Sweep(context.Background())

	assert.Empty(t, exec.all())
	got, _ := book.Get(pos.ID)
	assert.Equal(t, position.StatusOpen, got.Status)
}

func TestSweep_SingleExitInFlight(t *testing.T) {
	book := position.NewBook(nil)
	pos := openPosition(t, book)
	prices := &fakePrices{prices: map[string]decimal.Decimal{monMint: decimal.NewFromFloat(0.0007)}}
	exec := &captureExec{}
	m := newMonitor(book, prices, exec)

	// The capture executor never settles the position, so it stays
	// CLOSING; a second sweep must not start another exit.
	m.Sweep(context.Background())
	m.Sweep(context.Background())

	assert.Len(t, exec.all(), 1)
	got, _ := book.Get(pos.ID)
	assert.Equal(t, position.StatusClosing, got.Status)
}

func TestSweep_GapThroughResolvesAsStopLoss(t *testing.T) {
	book := position.NewBook(nil)
	// Expired hold AND a price below the stop: stop-loss wins.
	pos := position.Position{
		ID:         "pos-gap",
		Mint:       monMint,
		EntryPrice: decimal.NewFromFloat(0.001),
		Size:       decimal.NewFromInt(100_000),
		StopLoss:   decimal.NewFromFloat(0.0008),
		TakeProfit: decimal.NewFromFloat(0.0015),
		MaxHold:    time.Minute,
		Status:     position.StatusOpen,
		EntryAt:    time.Now().UTC().Add(-time.Hour),
	}
	book.Restore(pos)
	prices := &fakePrices{prices: map[string]decimal.Decimal{monMint: decimal.NewFromFloat(0.0001)}}
	exec := &captureExec{}

	newMonitor(book, prices, exec).Sweep(context.Background())

	got, _ := book.Get(pos.ID)
	assert.Equal(t, ReasonStopLoss, got.CloseReason)
}

func TestSweep_StuckClosingRetried(t *testing.T) {
	book := position.NewBook(nil)
	pos := position.Position{
		ID:         "pos-stuck",
		Mint:       monMint,
		EntryPrice: decimal.NewFromFloat(0.001),
		Size:       decimal.NewFromInt(100_000),
		Status:     position.StatusClosing,
		EntryAt:    time.Now().UTC().Add(-time.Hour),
		ClosingAt:  time.Now().UTC().Add(-10 * time.Minute),
	}
	book.Restore(pos)
	prices := &fakePrices{prices: map[string]decimal.Decimal{monMint: decimal.NewFromFloat(0.001)}}
	exec := &captureExec{}

	newMonitor(book, prices, exec).Sweep(context.Background())

	intents := exec.all()
	require.Len(t, intents, 1)
	assert.Equal(t, pos.ID, intents[0].PositionID)
}

func TestSweep_FreshClosingNotRetried(t *testing.T) {
	book := position.NewBook(nil)
	book.Restore(position.Position{
		ID:        "pos-fresh",
		Mint:      monMint,
		Size:      decimal.NewFromInt(1),
		Status:    position.StatusClosing,
		ClosingAt: time.Now().UTC(),
	})
	prices := &fakePrices{prices: map[string]decimal.Decimal{}}
	exec := &captureExec{}

	newMonitor(book, prices, exec).Sweep(context.Background())
	assert.Empty(t, exec.all())
}

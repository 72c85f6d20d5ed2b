package risk

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		DailyCapacityUSD:   10_000,
		PerTradeCeilingUSD: 1_000,
		DailyLossLimitUSD:  1_000,
		MinViableTradeUSD:  10,
		ReclaimAfterMin:    10,
	}
}

func TestReserve_GrantsMinOfRequestCeilingRemaining(t *testing.T) {
	c := NewController(testConfig(), nil)
	ctx := context.Background()

	// Request above the per-trade ceiling is clipped to the ceiling.
	res, err := c.Reserve(ctx, decimal.NewFromInt(5_000))
	require.NoError(t, err)
	assert.True(t, res.Notional.Equal(decimal.NewFromInt(1_000)))

	// Request below the ceiling is granted in full.
	res2, err := c.Reserve(ctx, decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.True(t, res2.Notional.Equal(decimal.NewFromInt(250)))

	b := c.Snapshot()
	assert.True(t, b.Reserved.Equal(decimal.NewFromInt(1_250)))
	assert.Equal(t, 2, b.Outstanding)
}

func TestReserve_DeniesBelowMinViable(t *testing.T) {
	cfg := testConfig()
	cfg.DailyCapacityUSD = 100
	c := NewController(cfg, nil)
	ctx := context.Background()

	// Drain capacity down to below the minimum viable trade.
	_, err := c.Reserve(ctx, decimal.NewFromInt(95))
	require.NoError(t, err)

	_, err = c.Reserve(ctx, decimal.NewFromInt(50))
	assert.ErrorIs(t, err, ErrDenied)
}

func TestReserveRelease_RoundTripExact(t *testing.T) {
	c := NewController(testConfig(), nil)
	ctx := context.Background()

	before := c.Snapshot().Remaining
	res, err := c.Reserve(ctx, decimal.NewFromFloat(123.45))
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, res.ID, decimal.Zero))

	after := c.Snapshot().Remaining
	assert.True(t, before.Equal(after), "remaining %s != %s", after, before)
}

func TestRelease_UnknownReservation(t *testing.T) {
	c := NewController(testConfig(), nil)
	err := c.Release(context.Background(), "nope", decimal.Zero)
	assert.Error(t, err)
}

func TestRelease_DoubleReleaseFails(t *testing.T) {
	c := NewController(testConfig(), nil)
	ctx := context.Background()

	res, err := c.Reserve(ctx, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, res.ID, decimal.Zero))
	assert.Error(t, c.Release(ctx, res.ID, decimal.Zero))
}

func TestHalt_OnDailyLossBreach(t *testing.T) {
	c := NewController(testConfig(), nil)
	ctx := context.Background()

	res, err := c.Reserve(ctx, decimal.NewFromInt(1_000))
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, res.ID, decimal.NewFromInt(-1_000)))

	assert.True(t, c.Halted())

	// Even a high-confidence opportunity is denied while halted.
	_, err = c.Reserve(ctx, decimal.NewFromInt(100))
	assert.ErrorIs(t, err, ErrHalted)
}

func TestHalt_ClearsOnReset(t *testing.T) {
	c := NewController(testConfig(), nil)
	ctx := context.Background()

	res, _ := c.Reserve(ctx, decimal.NewFromInt(1_000))
	require.NoError(t, c.Release(ctx, res.ID, decimal.NewFromInt(-1_500)))
	require.True(t, c.Halted())

	c.Reset(ctx)

	assert.False(t, c.Halted())
	_, err := c.Reserve(ctx, decimal.NewFromInt(100))
	assert.NoError(t, err)
	assert.True(t, c.Snapshot().DailyLoss.IsZero())
}

func TestReclaimExpired(t *testing.T) {
	c := NewController(testConfig(), nil)
	ctx := context.Background()

	res, err := c.Reserve(ctx, decimal.NewFromInt(500))
	require.NoError(t, err)

	// Age the reservation past the reclaim cutoff.
	c.mu.Lock()
	r := c.reservations[res.ID]
	r.GrantedAt = time.Now().UTC().Add(-time.Hour)
	c.reservations[res.ID] = r
	c.mu.Unlock()

	assert.Equal(t, 1, c.ReclaimExpired(ctx))
	assert.True(t, c.Snapshot().Reserved.IsZero())

	// The crashed holder releasing afterwards surfaces as an error.
	assert.Error(t, c.Release(ctx, res.ID, decimal.Zero))
}

func TestRestore_ReappliesBreaker(t *testing.T) {
	c := NewController(testConfig(), nil)
	c.Restore(decimal.NewFromInt(2_000))
	c.RestoreReservation("res-restored", decimal.NewFromInt(300), time.Now().UTC())

	assert.True(t, c.Halted())
	b := c.Snapshot()
	assert.True(t, b.Reserved.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, 1, b.Outstanding)
}

// A reservation restored from a persisted open position must behave like
// a live one: releasable on close, with its PnL feeding the breaker, and
// never reclaimed out from under the position.
func TestRestoreReservation_ReleasableAfterRestart(t *testing.T) {
	cfg := testConfig()
	cfg.DailyLossLimitUSD = 150
	c := NewController(cfg, nil)
	ctx := context.Background()

	c.Restore(decimal.Zero)
	c.RestoreReservation("res-open", decimal.NewFromInt(500), time.Now().UTC().Add(-time.Hour))

	// Old but position-backed: reclaim must not touch it.
	assert.Equal(t, 0, c.ReclaimExpired(ctx))
	require.True(t, c.Snapshot().Reserved.Equal(decimal.NewFromInt(500)))

	// The position close releases it and the loss trips the breaker.
	require.NoError(t, c.Release(ctx, "res-open", decimal.NewFromInt(-200)))
	b := c.Snapshot()
	assert.True(t, b.Reserved.IsZero(), "reserved %s", b.Reserved)
	assert.True(t, b.DailyLoss.Equal(decimal.NewFromInt(200)))
	assert.True(t, c.Halted())
}

func TestHold_ExemptsFromReclaim(t *testing.T) {
	c := NewController(testConfig(), nil)
	ctx := context.Background()

	res, err := c.Reserve(ctx, decimal.NewFromInt(500))
	require.NoError(t, err)
	require.NoError(t, c.Hold(res.ID))

	c.mu.Lock()
	r := c.reservations[res.ID]
	r.GrantedAt = time.Now().UTC().Add(-time.Hour)
	c.reservations[res.ID] = r
	c.mu.Unlock()

	assert.Equal(t, 0, c.ReclaimExpired(ctx))
	assert.NoError(t, c.Release(ctx, res.ID, decimal.Zero))
}

type failingBudgetStore struct{ err error }

func (f failingBudgetStore) SaveBudget(context.Context, Budget) error { return f.err }

func TestPersistErrorHook_Invoked(t *testing.T) {
	c := NewController(testConfig(), failingBudgetStore{err: assert.AnError})

	var got error
	c.SetPersistErrorHook(func(err error) { got = err })

	_, err := c.Reserve(context.Background(), decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.ErrorIs(t, got, assert.AnError)
}

// TestConcurrentReservations is the §8 property test: under randomized
// concurrent reserve/release interleavings the reserved sum never exceeds
// daily capacity and every grant respects the per-trade ceiling.
func TestConcurrentReservations_NeverOverCommit(t *testing.T) {
	cfg := testConfig()
	cfg.DailyCapacityUSD = 5_000
	cfg.PerTradeCeilingUSD = 400
	c := NewController(cfg, nil)
	ctx := context.Background()

	ceiling := decimal.NewFromFloat(cfg.PerTradeCeilingUSD)
	capacity := decimal.NewFromFloat(cfg.DailyCapacityUSD)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var held []Reservation
			for i := 0; i < 200; i++ {
				if rng.Intn(2) == 0 || len(held) == 0 {
					req := decimal.NewFromInt(int64(rng.Intn(800) + 1))
					res, err := c.Reserve(ctx, req)
					if err == nil {
						assert.True(t, res.Notional.LessThanOrEqual(ceiling))
						held = append(held, res)
					}
				} else {
					idx := rng.Intn(len(held))
					res := held[idx]
					held = append(held[:idx], held[idx+1:]...)
					assert.NoError(t, c.Release(ctx, res.ID, decimal.Zero))
				}

				b := c.Snapshot()
				assert.True(t, b.Reserved.LessThanOrEqual(capacity),
					"reserved %s exceeds capacity %s", b.Reserved, capacity)
				assert.False(t, b.Remaining.IsNegative(), "remaining went negative")
			}
			for _, res := range held {
				assert.NoError(t, c.Release(ctx, res.ID, decimal.Zero))
			}
		}(int64(w))
	}
	wg.Wait()

	b := c.Snapshot()
	assert.True(t, b.Reserved.IsZero(), "all reservations balanced, got %s", b.Reserved)
	assert.Equal(t, 0, b.Outstanding)
}

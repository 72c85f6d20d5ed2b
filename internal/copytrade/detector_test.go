package copytrade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talon-systems/talon/internal/execution"
)

const (
	leaderA = "Lead1111111111111111111111111111111111111111"
	leaderB = "Lead2222222222222222222222222222222222222222"
	leaderC = "Lead3333333333333333333333333333333333333333"
	memeTok = "Meme111111111111111111111111111111111111111"
)

type captureExecutor struct {
	mu      sync.Mutex
	intents []execution.Intent
}

func (c *captureExecutor) Execute(_ context.Context, intent execution.Intent) (execution.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents = append(c.intents, intent)
	return execution.Result{IntentID: intent.ID, Outcome: execution.OutcomeFilled}, nil
}

func (c *captureExecutor) all() []execution.Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]execution.Intent, len(c.intents))
	copy(out, c.intents)
	return out
}

func newDetector(exec Executor) *Detector {
	cfg := DefaultConfig()
	cfg.Leaders = []Leader{
		{Wallet: leaderA, Label: "whale_a", TypicalSize: decimal.NewFromInt(100)},
		{Wallet: leaderB, Label: "whale_b", TypicalSize: decimal.NewFromInt(100)},
		{Wallet: leaderC, Label: "whale_c", TypicalSize: decimal.NewFromInt(100)},
	}
	return New(cfg, exec)
}

func buyTx(txID, wallet string, size int64) LeaderTx {
	return LeaderTx{
		TxID:       txID,
		Wallet:     wallet,
		Mint:       memeTok,
		Direction:  execution.Buy,
		Size:       decimal.NewFromInt(size),
		ObservedAt: time.Now().UTC(),
	}
}

func TestObserve_OversizedBuyEmitsIntent(t *testing.T) {
	exec := &captureExecutor{}
	d := newDetector(exec)

	// 200 against a typical 100: ratio 2.0 -> 50 + 15 + 10 = 75
	dec := d.Observe(context.Background(), buyTx("tx-1", leaderA, 200))
	assert.True(t, dec.Emitted)
	assert.Equal(t, 75.0, dec.Confidence)

	intents := exec.all()
	require.Len(t, intents, 1)
	assert.Equal(t, execution.KindCopy, intents[0].Kind)
	assert.Equal(t, memeTok, intents[0].Mint)
	assert.Equal(t, execution.Buy, intents[0].Direction)
	assert.Equal(t, "tx-1", intents[0].LeaderTxID)
	// 200 * copy ratio 0.5 = 100, capped at balance fraction 1000*0.1 = 100
	assert.True(t, intents[0].RequestedNotional.Equal(decimal.NewFromInt(100)))
}

func TestObserve_DuplicateTxDropped(t *testing.T) {
	exec := &captureExecutor{}
	d := newDetector(exec)

	first := d.Observe(context.Background(), buyTx("tx-dup", leaderA, 200))
	require.True(t, first.Emitted)

	second := d.Observe(context.Background(), buyTx("tx-dup", leaderA, 200))
	assert.False(t, second.Emitted)
	assert.Equal(t, "duplicate", second.Reason)
	assert.Len(t, exec.all(), 1)
}

func TestObserve_UnwatchedWalletIgnored(t *testing.T) {
	exec := &captureExecutor{}
	d := newDetector(exec)

	dec := d.Observe(context.Background(), buyTx("tx-x", "UnknownWallet111", 500))
	assert.False(t, dec.Emitted)
	assert.Equal(t, "wallet not watched", dec.Reason)
	assert.Empty(t, exec.all())
}

func TestObserve_SellNotMirrored(t *testing.T) {
	exec := &captureExecutor{}
	d := newDetector(exec)

	tx := buyTx("tx-sell", leaderA, 200)
	tx.Direction = execution.Sell
	dec := d.Observe(context.Background(), tx)
	assert.False(t, dec.Emitted)
	assert.Equal(t, "sell not mirrored", dec.Reason)
	assert.Empty(t, exec.all())
}

func TestObserve_TinyCopyBelowMinimumDropped(t *testing.T) {
	exec := &captureExecutor{}
	cfg := DefaultConfig()
	cfg.Leaders = []Leader{{Wallet: leaderA, TypicalSize: decimal.NewFromInt(8)}}
	d := New(cfg, exec)

	// Leader trades 10 against typical 8: confident enough (ratio 1.25
	// -> 70), but 10 * 0.5 = 5 USD is below the minimum viable trade.
	dec := d.Observe(context.Background(), buyTx("tx-tiny", leaderA, 10))
	assert.False(t, dec.Emitted)
	assert.Equal(t, 70.0, dec.Confidence)
	assert.Equal(t, "notional below minimum", dec.Reason)
	assert.Empty(t, exec.all())
}

func TestObserve_UndersizedBuyLacksConfidence(t *testing.T) {
	exec := &captureExecutor{}
	d := newDetector(exec)

	// 30 against typical 100: ratio 0.3 -> 50 + 0 + 10 = 60 < 70.
	dec := d.Observe(context.Background(), buyTx("tx-small", leaderA, 30))
	assert.False(t, dec.Emitted)
	assert.Equal(t, 60.0, dec.Confidence)
	assert.Equal(t, "low confidence", dec.Reason)
	assert.Empty(t, exec.all())
}

func TestObserve_CorroborationRaisesConfidence(t *testing.T) {
	exec := &captureExecutor{}
	d := newDetector(exec)
	ctx := context.Background()

	// Each buy alone scores 60 (ratio 0.3). The third leader sees two
	// corroborators: 60 + 20 = 80 clears the bar.
	first := d.Observe(ctx, buyTx("tx-c1", leaderA, 30))
	assert.False(t, first.Emitted)

	second := d.Observe(ctx, buyTx("tx-c2", leaderB, 30))
	assert.True(t, second.Emitted)
	assert.Equal(t, 70.0, second.Confidence) // one corroborator lifts it to the bar

	third := d.Observe(ctx, buyTx("tx-c3", leaderC, 30))
	assert.True(t, third.Emitted)
	assert.Equal(t, 80.0, third.Confidence)

	intents := exec.all()
	require.Len(t, intents, 2) // second (70) and third (80)
	assert.Equal(t, "tx-c2", intents[0].LeaderTxID)
	assert.Equal(t, "tx-c3", intents[1].LeaderTxID)
}

func TestObserve_TypicalSizeAdapts(t *testing.T) {
	exec := &captureExecutor{}
	cfg := DefaultConfig()
	cfg.Leaders = []Leader{{Wallet: leaderA}} // no seeded history
	d := New(cfg, exec)
	ctx := context.Background()

	// First trade defines typical: ratio 1.0 -> 70, emitted.
	dec := d.Observe(ctx, buyTx("tx-h1", leaderA, 100))
	assert.True(t, dec.Emitted)
	assert.Equal(t, 70.0, dec.Confidence)

	// Typical is now 100; a 200 follow-up reads as strong conviction.
	dec = d.Observe(ctx, buyTx("tx-h2", leaderA, 200))
	assert.Equal(t, 75.0, dec.Confidence)
}

func TestWatchlist(t *testing.T) {
	d := newDetector(&captureExecutor{})
	assert.True(t, d.Watched(leaderA))
	d.Unwatch(leaderA)
	assert.False(t, d.Watched(leaderA))
}

package copytrade

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/talon-systems/talon/internal/execution"
)

// ---------------------------------------------------------------------------
// Copy-Trade Detector
//
// Watches leader-wallet activity and mirrors qualifying buys into the
// same risk and execution path as discovery intents. Each leader
// transaction produces at most one copy decision; duplicate observations
// of the same transaction id are dropped.
// ---------------------------------------------------------------------------

// LeaderTx is one normalized leader-wallet transaction event.
type LeaderTx struct {
	TxID       string
	Wallet     string
	Mint       string
	Direction  execution.Direction
	Size       decimal.Decimal // observed notional, USD
	ObservedAt time.Time
}

// Leader is one watched wallet. TypicalSize seeds the sizing history so
// a freshly added leader's first trades are judged against prior
// off-platform behavior instead of themselves.
type Leader struct {
	Wallet      string          `yaml:"wallet"`
	Label       string          `yaml:"label"`
	TypicalSize decimal.Decimal `yaml:"typical_size"`
}

// Config configures the detector.
type Config struct {
	Leaders []Leader `yaml:"leaders"`

	CopyRatio       float64 `yaml:"copy_ratio"`        // fraction of leader size mirrored, default 0.5
	BalanceUSD      float64 `yaml:"balance_usd"`       // follower balance used for the cap
	BalanceFraction float64 `yaml:"balance_fraction"`  // max fraction of balance per copy, default 0.1
	MinNotionalUSD  float64 `yaml:"min_notional_usd"`  // drop below this, default 10
	MinConfidence   float64 `yaml:"min_confidence"`    // default 70
	CorroborationS  int     `yaml:"corroboration_s"`   // co-action window, default 120
	DedupTTLMin     int     `yaml:"dedup_ttl_min"`     // tx id memory, default 30
}

// DefaultConfig returns detector defaults.
func DefaultConfig() Config {
	return Config{
		CopyRatio:       0.5,
		BalanceUSD:      1_000,
		BalanceFraction: 0.1,
		MinNotionalUSD:  10,
		MinConfidence:   70,
		CorroborationS:  120,
		DedupTTLMin:     30,
	}
}

// Executor is the downstream admission path. Both copy and discovery
// intents go through the same implementation.
type Executor interface {
	Execute(ctx context.Context, intent execution.Intent) (execution.Result, error)
}

// Decision explains what the detector did with one observation.
type Decision struct {
	TxID       string
	Emitted    bool
	Confidence float64
	Notional   decimal.Decimal
	Reason     string // set when not emitted
}

type leaderState struct {
	leader  Leader
	typical decimal.Decimal // EWMA of observed trade sizes
	trades  int
}

type sighting struct {
	wallet string
	at     time.Time
}

// ewmaAlpha weights recent trades; a leader's typical size adapts within
// a handful of observations.
const ewmaAlpha = 0.3

// Detector classifies leader transactions and emits copy intents.
// Thread-safe: the leader-wallet feed worker calls Observe concurrently
// with watchlist updates.
type Detector struct {
	cfg  Config
	exec Executor

	mu        sync.Mutex
	leaders   map[string]*leaderState // wallet -> state
	seen      map[string]time.Time    // txID -> observation time
	sightings map[string][]sighting   // mint -> recent leader buys
}

// New creates a detector over the configured watchlist.
func New(cfg Config, exec Executor) *Detector {
	if cfg.CopyRatio <= 0 {
		cfg.CopyRatio = 0.5
	}
	if cfg.BalanceFraction <= 0 {
		cfg.BalanceFraction = 0.1
	}
	if cfg.CorroborationS <= 0 {
		cfg.CorroborationS = 120
	}
	if cfg.DedupTTLMin <= 0 {
		cfg.DedupTTLMin = 30
	}

	d := &Detector{
		cfg:       cfg,
		exec:      exec,
		leaders:   make(map[string]*leaderState),
		seen:      make(map[string]time.Time),
		sightings: make(map[string][]sighting),
	}
	for _, l := range cfg.Leaders {
		d.Watch(l)
	}
	return d
}

// Watch adds a wallet to the watchlist.
func (d *Detector) Watch(l Leader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaders[l.Wallet] = &leaderState{leader: l, typical: l.TypicalSize}
	log.Info().
		Str("wallet", l.Wallet).
		Str("label", l.Label).
		Str("typical_size", l.TypicalSize.String()).
		Msg("copytrade: leader watched")
}

// Unwatch removes a wallet from the watchlist.
func (d *Detector) Unwatch(wallet string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.leaders, wallet)
}

// Watched reports whether a wallet is on the watchlist.
func (d *Detector) Watched(wallet string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.leaders[wallet]
	return ok
}

// Observe processes one leader transaction to a copy decision, emitting
// at most one intent into the shared admission path.
func (d *Detector) Observe(ctx context.Context, tx LeaderTx) Decision {
	d.mu.Lock()

	now := time.Now().UTC()
	d.pruneLocked(now)

	if _, dup := d.seen[tx.TxID]; dup {
		d.mu.Unlock()
		log.Debug().Str("tx_id", tx.TxID).Msg("copytrade: duplicate observation dropped")
		return Decision{TxID: tx.TxID, Reason: "duplicate"}
	}
	d.seen[tx.TxID] = now

	state, tracked := d.leaders[tx.Wallet]
	if !tracked {
		d.mu.Unlock()
		return Decision{TxID: tx.TxID, Reason: "wallet not watched"}
	}

	ratio := sizeRatio(state, tx.Size)
	updateTypical(state, tx.Size)

	if tx.Direction != execution.Buy {
		d.mu.Unlock()
		log.Debug().
			Str("wallet", tx.Wallet).
			Str("mint", tx.Mint).
			Msg("copytrade: leader sell observed, not mirrored")
		return Decision{TxID: tx.TxID, Reason: "sell not mirrored"}
	}

	corroborators := d.corroboratorsLocked(tx.Mint, tx.Wallet, now)
	d.sightings[tx.Mint] = append(d.sightings[tx.Mint], sighting{wallet: tx.Wallet, at: now})
	d.mu.Unlock()

	confidence := copyConfidence(ratio, corroborators)
	notional := d.copyNotional(tx.Size)

	lg := log.With().
		Str("tx_id", tx.TxID).
		Str("wallet", tx.Wallet).
		Str("mint", tx.Mint).
		Float64("confidence", confidence).
		Str("notional", notional.String()).
		Logger()

	if confidence < d.cfg.MinConfidence {
		lg.Debug().Msg("copytrade: below confidence threshold")
		return Decision{TxID: tx.TxID, Confidence: confidence, Reason: "low confidence"}
	}
	if notional.LessThan(decimal.NewFromFloat(d.cfg.MinNotionalUSD)) {
		lg.Debug().Msg("copytrade: notional below minimum viable")
		return Decision{TxID: tx.TxID, Confidence: confidence, Notional: notional, Reason: "notional below minimum"}
	}

	intent := execution.Intent{
		ID:                uuid.New().String(),
		Kind:              execution.KindCopy,
		Mint:              tx.Mint,
		Direction:         execution.Buy,
		RequestedNotional: notional,
		LeaderTxID:        tx.TxID,
	}

	lg.Info().Str("intent_id", intent.ID).Msg("copytrade: emitting copy intent")
	if _, err := d.exec.Execute(ctx, intent); err != nil {
		lg.Warn().Err(err).Msg("copytrade: copy intent did not fill")
	}

	return Decision{TxID: tx.TxID, Emitted: true, Confidence: confidence, Notional: notional}
}

// copyNotional mirrors the leader's size through the copy ratio, capped
// at the configured fraction of the follower balance.
func (d *Detector) copyNotional(leaderSize decimal.Decimal) decimal.Decimal {
	notional := leaderSize.Mul(decimal.NewFromFloat(d.cfg.CopyRatio))
	limit := decimal.NewFromFloat(d.cfg.BalanceUSD * d.cfg.BalanceFraction)
	if notional.GreaterThan(limit) {
		notional = limit
	}
	return notional
}

// corroboratorsLocked counts distinct other leaders that bought the same
// mint within the co-action window.
func (d *Detector) corroboratorsLocked(mint, wallet string, now time.Time) int {
	window := time.Duration(d.cfg.CorroborationS) * time.Second
	distinct := make(map[string]struct{})
	for _, s := range d.sightings[mint] {
		if s.wallet != wallet && now.Sub(s.at) <= window {
			distinct[s.wallet] = struct{}{}
		}
	}
	return len(distinct)
}

// pruneLocked expires dedup entries and stale sightings.
func (d *Detector) pruneLocked(now time.Time) {
	ttl := time.Duration(d.cfg.DedupTTLMin) * time.Minute
	for id, at := range d.seen {
		if now.Sub(at) > ttl {
			delete(d.seen, id)
		}
	}
	window := time.Duration(d.cfg.CorroborationS) * time.Second
	for mint, list := range d.sightings {
		kept := list[:0]
		for _, s := range list {
			if now.Sub(s.at) <= window {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(d.sightings, mint)
		} else {
			d.sightings[mint] = kept
		}
	}
}

// sizeRatio compares a trade against the leader's typical size. A leader
// with no history trades at exactly typical by definition.
func sizeRatio(s *leaderState, size decimal.Decimal) float64 {
	if !s.typical.IsPositive() {
		return 1.0
	}
	return size.Div(s.typical).InexactFloat64()
}

func updateTypical(s *leaderState, size decimal.Decimal) {
	if !s.typical.IsPositive() {
		s.typical = size
	} else {
		alpha := decimal.NewFromFloat(ewmaAlpha)
		one := decimal.NewFromInt(1)
		s.typical = size.Mul(alpha).Add(s.typical.Mul(one.Sub(alpha)))
	}
	s.trades++
}

// copyConfidence scores one leader buy. Conviction shows up as size
// relative to the leader's own history and as independent leaders
// co-acting on the same token.
func copyConfidence(sizeRatio float64, corroborators int) float64 {
	confidence := 50.0

	switch {
	case sizeRatio >= 1.5:
		confidence += 15
	case sizeRatio >= 1.0:
		confidence += 10
	case sizeRatio >= 0.5:
		confidence += 5
	}

	confidence += 10 // buys only reach here

	boost := float64(corroborators) * 10
	if boost > 20 {
		boost = 20
	}
	confidence += boost

	if confidence > 100 {
		confidence = 100
	}
	return confidence
}

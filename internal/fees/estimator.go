package fees

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Priority fee estimation — p75 of recent network fee observations,
// hard ceiling so a congestion spike can never price an order absurdly.
// ---------------------------------------------------------------------------

const (
	// DefaultMaxFeeLamports is the hard ceiling (0.05 SOL).
	DefaultMaxFeeLamports = 50_000_000

	// FallbackFeeLamports is used when no observations are available.
	FallbackFeeLamports = 10_000

	// DefaultRefreshInterval is how often the polling loop samples.
	DefaultRefreshInterval = 15 * time.Second

	// windowSize is the number of recent observations kept.
	windowSize = 150
)

// CongestionLevel describes current network congestion.
type CongestionLevel int

const (
	CongestionNormal CongestionLevel = iota
	CongestionHigh                   // competitive bidding, 2x p75
)

// Source provides recent prioritization fee samples from the network.
type Source interface {
	RecentFees(ctx context.Context) ([]uint64, error)
}

// Estimator keeps a rolling window of observed fees and derives a bounded
// recommendation from their p75.
type Estimator struct {
	maxFee uint64

	mu        sync.RWMutex
	window    []uint64
	head      int
	count     int
	lastFetch time.Time
}

// NewEstimator creates an estimator. maxFeeLamports <= 0 uses the default
// ceiling.
func NewEstimator(maxFeeLamports uint64) *Estimator {
	if maxFeeLamports == 0 {
		maxFeeLamports = DefaultMaxFeeLamports
	}
	return &Estimator{
		maxFee: maxFeeLamports,
		window: make([]uint64, windowSize),
	}
}

// Observe records one fee sample. Zero samples are ignored.
func (e *Estimator) Observe(feeLamports uint64) {
	if feeLamports == 0 {
		return
	}
	e.mu.Lock()
	e.window[e.head] = feeLamports
	e.head = (e.head + 1) % len(e.window)
	if e.count < len(e.window) {
		e.count++
	}
	e.lastFetch = time.Now()
	e.mu.Unlock()
}

// Estimate returns the recommended priority fee in lamports: p75 of the
// window, doubled under high congestion, clamped to the ceiling.
func (e *Estimator) Estimate(congestion CongestionLevel) uint64 {
	e.mu.RLock()
	values := make([]uint64, 0, e.count)
	for i := 0; i < e.count; i++ {
		values = append(values, e.window[i])
	}
	e.mu.RUnlock()

	if len(values) == 0 {
		return FallbackFeeLamports
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	fee := percentile(values, 75)
	if congestion == CongestionHigh {
		fee *= 2
	}
	if fee > e.maxFee {
		fee = e.maxFee
	}
	return fee
}

// Start polls the source until the context is cancelled. Each poll has a
// bounded timeout; failures are logged and skipped, never fatal.
func (e *Estimator) Start(ctx context.Context, src Source, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	e.refresh(ctx, src)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refresh(ctx, src)
		}
	}
}

func (e *Estimator) refresh(ctx context.Context, src Source) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	samples, err := src.RecentFees(fetchCtx)
	if err != nil {
		log.Debug().Err(err).Msg("fees: failed to fetch recent fees")
		return
	}
	for _, s := range samples {
		e.Observe(s)
	}
}

// percentile computes the p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

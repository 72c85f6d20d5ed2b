package qualify

import "github.com/talon-systems/talon/internal/registry"

// ---------------------------------------------------------------------------
// Composite confidence scoring
// Safety 40% + Social 35% + Market 25%, safety dominant: a failing safety
// verdict short-circuits to rejection before any weighting happens.
// ---------------------------------------------------------------------------

// SignalKind tags a scoring source.
type SignalKind string

const (
	SignalSafety SignalKind = "safety"
	SignalSocial SignalKind = "social"
	SignalMarket SignalKind = "market"
)

// Signal is one normalized scoring input: a 0-100 value plus a validity
// flag. Invalid signals contribute their kind's neutral baseline.
type Signal struct {
	Kind  SignalKind
	Value float64
	Valid bool
}

// SafetyVerdict is the safety oracle's explicit verdict for a token.
type SafetyVerdict string

const (
	VerdictSafe    SafetyVerdict = "safe"
	VerdictUnsafe  SafetyVerdict = "unsafe"
	VerdictUnknown SafetyVerdict = "unknown"
)

// Weights defines the contribution of each scoring dimension.
type Weights struct {
	Safety float64 `yaml:"safety"` // default 0.40
	Social float64 `yaml:"social"` // default 0.35
	Market float64 `yaml:"market"` // default 0.25
}

// DefaultWeights keeps safety dominant.
func DefaultWeights() Weights {
	return Weights{Safety: 0.40, Social: 0.35, Market: 0.25}
}

// Composite combines signals into one 0-100 confidence score.
// Pure function: no I/O, no state, testable in isolation.
func Composite(signals []Signal, w Weights) float64 {
	total := 0.0
	for _, sig := range signals {
		value := sig.Value
		if !sig.Valid {
			value = neutralBaseline(sig.Kind)
		}
		switch sig.Kind {
		case SignalSafety:
			total += value * w.Safety
		case SignalSocial:
			total += value * w.Social
		case SignalMarket:
			total += value * w.Market
		}
	}
	return clamp(total)
}

// neutralBaseline is the score an invalid signal contributes. Safety has
// no baseline: an absent safety verdict rejects before scoring, so the
// zero here is never load-bearing.
func neutralBaseline(kind SignalKind) float64 {
	switch kind {
	case SignalSocial:
		return 30 // low baseline without social data
	case SignalMarket:
		return 30
	default:
		return 0
	}
}

// MarketScore maps raw market metrics to a 0-100 sub-score. Tiers follow
// the volume / valuation / price-stability bands the pipeline screens on.
func MarketScore(m registry.MarketMetrics) float64 {
	score := 0.0

	volume := m.Volume24h.InexactFloat64()
	switch {
	case volume > 10_000_000:
		score += 40
	case volume > 1_000_000:
		score += 30
	case volume > 100_000:
		score += 15
	}

	fdv := m.FDV.InexactFloat64()
	switch {
	case fdv > 1_000_000:
		score += 30
	case fdv > 100_000:
		score += 20
	case fdv > 10_000:
		score += 10
	}

	change := m.PriceChange24h
	if change < 0 {
		change = -change
	}
	switch {
	case change < 10:
		score += 30
	case change < 30:
		score += 20
	case change < 50:
		score += 10
	}

	return clamp(score)
}

func clamp(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}

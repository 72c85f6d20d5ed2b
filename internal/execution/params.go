package execution

import (
	"github.com/shopspring/decimal"

	"github.com/talon-systems/talon/internal/registry"
)

// ---------------------------------------------------------------------------
// Dynamic order parameters — size, slippage, priority fee
// ---------------------------------------------------------------------------

// ParamsConfig bounds the dynamic order parameter computation.
type ParamsConfig struct {
	BaseSlippageBps int `yaml:"base_slippage_bps"` // default 500
	MaxSlippageBps  int `yaml:"max_slippage_bps"`  // default 1000
	MinSlippageBps  int `yaml:"min_slippage_bps"`  // default 10
}

// DefaultParamsConfig returns the slippage defaults.
func DefaultParamsConfig() ParamsConfig {
	return ParamsConfig{
		BaseSlippageBps: 500,
		MaxSlippageBps:  1000,
		MinSlippageBps:  10,
	}
}

// OrderParams are the computed parameters for one submission.
type OrderParams struct {
	Size        decimal.Decimal // token units bought, or quote units spent
	SlippageBps int
	PriorityFee uint64
}

// SizeFromNotional converts a granted notional into token units at the
// current price.
func SizeFromNotional(notional, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return notional.Div(price)
}

// DynamicSlippage scales the base slippage tolerance with observed
// volatility and volume thinness, bounded to [min, max].
//
// Thin markets and violent price action widen the tolerance; deep, quiet
// markets tighten it.
func DynamicSlippage(cfg ParamsConfig, m registry.MarketMetrics) int {
	slippage := float64(cfg.BaseSlippageBps)

	volume := m.Volume24h.InexactFloat64()
	switch {
	case volume > 10_000_000:
		slippage *= 0.5
	case volume > 1_000_000:
		slippage *= 0.8
	default:
		slippage *= 1.2
	}

	change := m.PriceChange24h
	if change < 0 {
		change = -change
	}
	switch {
	case change > 50:
		slippage *= 1.5
	case change > 20:
		slippage *= 1.2
	}

	bps := int(slippage)
	if bps > cfg.MaxSlippageBps {
		bps = cfg.MaxSlippageBps
	}
	if bps < cfg.MinSlippageBps {
		bps = cfg.MinSlippageBps
	}
	return bps
}

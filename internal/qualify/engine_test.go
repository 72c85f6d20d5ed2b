package qualify

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talon-systems/talon/internal/registry"
)

type failingSafetyOracle struct{}

func (failingSafetyOracle) Check(_ context.Context, _ string) (SafetyResult, error) {
	return SafetyResult{}, errors.New("rate limited")
}

func seedRegistry(t *testing.T, volume, fdv int64) (*registry.Registry, string) {
	t.Helper()
	r := registry.New(nil)
	r.Upsert(context.Background(), registry.Candidate{
		Mint: "MintA",
		Name: "TEST",
		Metrics: registry.MarketMetrics{
			Price:     decimal.NewFromFloat(0.0001),
			Volume24h: decimal.NewFromInt(volume),
			FDV:       decimal.NewFromInt(fdv),
		},
	})
	return r, "MintA"
}

func TestQualify_ApprovesHealthyToken(t *testing.T) {
	// Scenario: volume $2M, fdv $200K, safety safe(90), social 80.
	r, mint := seedRegistry(t, 2_000_000, 200_000)
	e := NewEngine(DefaultConfig(), r,
		StubSafetyOracle{Verdict: VerdictSafe, Value: 90},
		StubSocialOracle{Value: 80, Valid: true})

	require.NoError(t, e.Qualify(context.Background(), mint))

	opp, _ := r.Get(mint)
	assert.Equal(t, registry.StatusApproved, opp.Status)
	assert.GreaterOrEqual(t, opp.Confidence, 70.0)
	assert.Equal(t, 90.0, opp.SafetyScore)
	assert.Equal(t, 80.0, opp.SocialScore)
}

func TestQualify_RejectsUnsafe(t *testing.T) {
	r, mint := seedRegistry(t, 2_000_000, 200_000)
	e := NewEngine(DefaultConfig(), r,
		StubSafetyOracle{Verdict: VerdictUnsafe},
		StubSocialOracle{Value: 80, Valid: true})

	require.NoError(t, e.Qualify(context.Background(), mint))

	opp, _ := r.Get(mint)
	assert.Equal(t, registry.StatusRejected, opp.Status)
	assert.Equal(t, "unsafe", opp.Reason)
}

func TestQualify_UnknownVerdictRejects(t *testing.T) {
	r, mint := seedRegistry(t, 2_000_000, 200_000)
	e := NewEngine(DefaultConfig(), r,
		StubSafetyOracle{Verdict: VerdictUnknown},
		StubSocialOracle{Value: 80, Valid: true})

	require.NoError(t, e.Qualify(context.Background(), mint))

	opp, _ := r.Get(mint)
	assert.Equal(t, registry.StatusRejected, opp.Status)
	assert.Equal(t, "no safety verdict", opp.Reason)
}

func TestQualify_SafetyOracleFailureRejects(t *testing.T) {
	r, mint := seedRegistry(t, 2_000_000, 200_000)
	e := NewEngine(DefaultConfig(), r, failingSafetyOracle{},
		StubSocialOracle{Value: 80, Valid: true})

	require.NoError(t, e.Qualify(context.Background(), mint))

	opp, _ := r.Get(mint)
	assert.Equal(t, registry.StatusRejected, opp.Status)
	assert.Contains(t, opp.Reason, "safety check failed")
}

func TestQualify_VolumeFloor(t *testing.T) {
	r, mint := seedRegistry(t, 500_000, 200_000)
	e := NewEngine(DefaultConfig(), r,
		StubSafetyOracle{Verdict: VerdictSafe, Value: 90},
		StubSocialOracle{Value: 80, Valid: true})

	require.NoError(t, e.Qualify(context.Background(), mint))

	opp, _ := r.Get(mint)
	assert.Equal(t, registry.StatusRejected, opp.Status)
	assert.Contains(t, opp.Reason, "volume")
}

func TestQualify_FDVFloor(t *testing.T) {
	r, mint := seedRegistry(t, 2_000_000, 50_000)
	e := NewEngine(DefaultConfig(), r,
		StubSafetyOracle{Verdict: VerdictSafe, Value: 90},
		StubSocialOracle{Value: 80, Valid: true})

	require.NoError(t, e.Qualify(context.Background(), mint))

	opp, _ := r.Get(mint)
	assert.Equal(t, registry.StatusRejected, opp.Status)
	assert.Contains(t, opp.Reason, "fdv")
}

type countingSafetyOracle struct {
	calls int
	res   SafetyResult
}

func (c *countingSafetyOracle) Check(_ context.Context, _ string) (SafetyResult, error) {
	c.calls++
	return c.res, nil
}

func TestQualify_FloorsRejectWithoutOracleCalls(t *testing.T) {
	r, mint := seedRegistry(t, 500_000, 200_000)
	safety := &countingSafetyOracle{res: SafetyResult{Verdict: VerdictSafe, Score: 90}}
	e := NewEngine(DefaultConfig(), r, safety,
		StubSocialOracle{Value: 80, Valid: true})

	require.NoError(t, e.Qualify(context.Background(), mint))

	opp, _ := r.Get(mint)
	assert.Equal(t, registry.StatusRejected, opp.Status)
	assert.Contains(t, opp.Reason, "volume")
	assert.Equal(t, 0, safety.calls, "floors must reject before any oracle spend")
}

func TestQualify_LowConfidenceRejects(t *testing.T) {
	r, mint := seedRegistry(t, 2_000_000, 200_000)
	e := NewEngine(DefaultConfig(), r,
		StubSafetyOracle{Verdict: VerdictSafe, Value: 40},
		StubSocialOracle{Value: 10, Valid: true})

	require.NoError(t, e.Qualify(context.Background(), mint))

	opp, _ := r.Get(mint)
	assert.Equal(t, registry.StatusRejected, opp.Status)
	assert.Contains(t, opp.Reason, "confidence")
}

func TestQualify_IdempotentOnSettled(t *testing.T) {
	r, mint := seedRegistry(t, 2_000_000, 200_000)
	e := NewEngine(DefaultConfig(), r,
		StubSafetyOracle{Verdict: VerdictSafe, Value: 90},
		StubSocialOracle{Value: 80, Valid: true})

	require.NoError(t, e.Qualify(context.Background(), mint))
	first, _ := r.Get(mint)

	// Re-scoring a settled opportunity is a no-op, even if the oracle
	// answer would now differ.
	e2 := NewEngine(DefaultConfig(), r,
		StubSafetyOracle{Verdict: VerdictUnsafe},
		StubSocialOracle{Value: 0, Valid: false})
	require.NoError(t, e2.Qualify(context.Background(), mint))

	second, _ := r.Get(mint)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Confidence, second.Confidence)
}

func TestQualify_OnAdmitCallback(t *testing.T) {
	r, mint := seedRegistry(t, 2_000_000, 200_000)
	e := NewEngine(DefaultConfig(), r,
		StubSafetyOracle{Verdict: VerdictSafe, Value: 90},
		StubSocialOracle{Value: 80, Valid: true})

	var admitted []string
	e.SetOnAdmit(func(opp registry.Opportunity) { admitted = append(admitted, opp.Mint) })

	require.NoError(t, e.Qualify(context.Background(), mint))
	assert.Equal(t, []string{mint}, admitted)
}

func TestComposite_WeightsAndBaselines(t *testing.T) {
	w := DefaultWeights()

	full := Composite([]Signal{
		{Kind: SignalSafety, Value: 100, Valid: true},
		{Kind: SignalSocial, Value: 100, Valid: true},
		{Kind: SignalMarket, Value: 100, Valid: true},
	}, w)
	assert.InDelta(t, 100, full, 0.001)

	// Invalid social falls back to its neutral baseline, not zero weightless.
	noSocial := Composite([]Signal{
		{Kind: SignalSafety, Value: 80, Valid: true},
		{Kind: SignalSocial, Valid: false},
		{Kind: SignalMarket, Value: 60, Valid: true},
	}, w)
	assert.InDelta(t, 80*0.40+30*0.35+60*0.25, noSocial, 0.001)
}

func TestMarketScore_Tiers(t *testing.T) {
	tests := []struct {
		name    string
		volume  int64
		fdv     int64
		change  float64
		want    float64
	}{
		{"deep market, stable", 20_000_000, 2_000_000, 5, 100},
		{"mid market", 2_000_000, 200_000, 0, 80},
		{"thin market, wild", 50_000, 5_000, 80, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MarketScore(registry.MarketMetrics{
				Volume24h:      decimal.NewFromInt(tt.volume),
				FDV:            decimal.NewFromInt(tt.fdv),
				PriceChange24h: tt.change,
			})
			assert.Equal(t, tt.want, got)
		})
	}
}

package qualify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/talon-systems/talon/internal/registry"
)

// ---------------------------------------------------------------------------
// Qualification Engine — admit/reject decision for discovered tokens
// ---------------------------------------------------------------------------

// SafetyResult is the safety oracle's answer for a token.
type SafetyResult struct {
	Verdict   SafetyVerdict
	Score     float64 // 0-100, meaningful only when Verdict is safe
	CheckedAt time.Time
}

// SocialResult is the social oracle's answer for a token.
type SocialResult struct {
	Score float64 // 0-100
	Valid bool
}

// SafetyOracle is the external safety-checker contract. A timeout or an
// unknown verdict is a rejection, never a pass-through.
type SafetyOracle interface {
	Check(ctx context.Context, mint string) (SafetyResult, error)
}

// SocialOracle is the external social-signal contract.
type SocialOracle interface {
	Score(ctx context.Context, mint, name string) (SocialResult, error)
}

// Config configures the qualification engine.
type Config struct {
	MinConfidence  float64       `yaml:"min_confidence"` // default 70
	MinVolume24h   float64       `yaml:"min_volume_24h"` // USD floor, default 1,000,000
	MinFDV         float64       `yaml:"min_fdv"`        // USD floor, default 100,000
	Weights        Weights       `yaml:"weights"`
	OracleTimeout  time.Duration `yaml:"-"`
	OracleTimeoutS int           `yaml:"oracle_timeout_s"` // default 10
}

// DefaultConfig returns the screening defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:  70,
		MinVolume24h:   1_000_000,
		MinFDV:         100_000,
		Weights:        DefaultWeights(),
		OracleTimeout:  10 * time.Second,
		OracleTimeoutS: 10,
	}
}

// Engine aggregates safety, social, and market signals into one admission
// decision per opportunity. Safe for concurrent Qualify calls on distinct
// mints; re-qualifying a settled opportunity is a no-op.
type Engine struct {
	cfg      Config
	reg      *registry.Registry
	safety   SafetyOracle
	social   SocialOracle
	onAdmit  func(opp registry.Opportunity)
}

// NewEngine creates a qualification engine.
func NewEngine(cfg Config, reg *registry.Registry, safety SafetyOracle, social SocialOracle) *Engine {
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = time.Duration(cfg.OracleTimeoutS) * time.Second
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 10 * time.Second
	}
	return &Engine{cfg: cfg, reg: reg, safety: safety, social: social}
}

// SetOnAdmit registers the callback invoked with each approved opportunity.
func (e *Engine) SetOnAdmit(fn func(opp registry.Opportunity)) {
	e.onAdmit = fn
}

// Qualify scores one opportunity and produces exactly one Approved or
// Rejected transition. Idempotent: if the opportunity already left
// PENDING, the call is a no-op.
func (e *Engine) Qualify(ctx context.Context, mint string) error {
	opp, ok := e.reg.Get(mint)
	if !ok {
		return fmt.Errorf("qualify %s: %w", mint, registry.ErrNotFound)
	}

	// Claim the record. Losing the claim means another worker already
	// settled (or is settling) this opportunity.
	if err := e.reg.Transition(ctx, mint, registry.StatusPending, registry.StatusAnalyzing, ""); err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) {
			log.Debug().Str("mint", mint).Msg("qualify: already settled, skipping")
			return nil
		}
		return err
	}

	// Market floors before any oracle spend: a token that cannot clear
	// them is rejected without external calls.
	if opp.Metrics.Volume24h.LessThan(decimal.NewFromFloat(e.cfg.MinVolume24h)) {
		return e.reject(ctx, mint,
			fmt.Sprintf("volume %s below floor %.0f", opp.Metrics.Volume24h.StringFixed(0), e.cfg.MinVolume24h))
	}
	if opp.Metrics.FDV.LessThan(decimal.NewFromFloat(e.cfg.MinFDV)) {
		return e.reject(ctx, mint,
			fmt.Sprintf("fdv %s below floor %.0f", opp.Metrics.FDV.StringFixed(0), e.cfg.MinFDV))
	}

	// Safety verdict next: a failing or missing verdict rejects
	// regardless of the other dimensions.
	safetyRes, err := e.checkSafety(ctx, mint)
	if err != nil {
		return e.reject(ctx, mint, fmt.Sprintf("safety check failed: %v", err))
	}
	switch safetyRes.Verdict {
	case VerdictUnsafe:
		return e.reject(ctx, mint, "unsafe")
	case VerdictSafe:
		// proceed
	default:
		return e.reject(ctx, mint, "no safety verdict")
	}

	socialRes := e.checkSocial(ctx, mint, opp.Name)

	marketScore := MarketScore(opp.Metrics)
	signals := []Signal{
		{Kind: SignalSafety, Value: safetyRes.Score, Valid: true},
		{Kind: SignalSocial, Value: socialRes.Score, Valid: socialRes.Valid},
		{Kind: SignalMarket, Value: marketScore, Valid: true},
	}
	confidence := Composite(signals, e.cfg.Weights)

	socialScore := socialRes.Score
	if !socialRes.Valid {
		socialScore = 0
	}
	if err := e.reg.SetScores(ctx, mint, safetyRes.Score, socialScore, confidence); err != nil {
		return err
	}

	// External invalidation while scoring cancels the admission.
	if ctx.Err() != nil {
		return e.reject(ctx, mint, "qualification cancelled")
	}

	// Admission threshold on the composite.
	if confidence < e.cfg.MinConfidence {
		return e.reject(ctx, mint,
			fmt.Sprintf("confidence %.1f below threshold %.1f", confidence, e.cfg.MinConfidence))
	}

	if err := e.reg.Transition(ctx, mint, registry.StatusAnalyzing, registry.StatusApproved, ""); err != nil {
		return err
	}

	log.Info().
		Str("mint", mint).
		Float64("confidence", confidence).
		Float64("safety", safetyRes.Score).
		Float64("social", socialScore).
		Float64("market", marketScore).
		Msg("qualify: APPROVED")

	if e.onAdmit != nil {
		if approved, ok := e.reg.Get(mint); ok {
			e.onAdmit(approved)
		}
	}
	return nil
}

func (e *Engine) checkSafety(ctx context.Context, mint string) (SafetyResult, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()

	res, err := e.safety.Check(cctx, mint)
	if err != nil {
		// Timeout or failure is treated as no verdict, not as success.
		return SafetyResult{Verdict: VerdictUnknown}, err
	}
	return res, nil
}

func (e *Engine) checkSocial(ctx context.Context, mint, name string) SocialResult {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()

	res, err := e.social.Score(cctx, mint, name)
	if err != nil {
		// Social is non-gating: failures degrade to an invalid signal.
		log.Debug().Err(err).Str("mint", mint).Msg("qualify: social lookup failed")
		return SocialResult{Valid: false}
	}
	return res
}

func (e *Engine) reject(ctx context.Context, mint, reason string) error {
	if err := e.reg.Transition(ctx, mint, registry.StatusAnalyzing, registry.StatusRejected, reason); err != nil {
		return err
	}
	log.Info().Str("mint", mint).Str("reason", reason).Msg("qualify: REJECTED")
	return nil
}

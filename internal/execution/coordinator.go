package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/talon-systems/talon/internal/fees"
	"github.com/talon-systems/talon/internal/position"
	"github.com/talon-systems/talon/internal/registry"
	"github.com/talon-systems/talon/internal/risk"
)

// ---------------------------------------------------------------------------
// Execution Coordinator
//
// The only component permitted to call the swap-submission collaborator.
// Reserves risk capacity on behalf of both decision paths, computes order
// parameters, and submits exactly one order per admitted intent. On an
// ambiguous submission the actual ledger outcome is verified before any
// retry — never retry blindly on an unknown result.
// ---------------------------------------------------------------------------

// Config configures the execution coordinator.
type Config struct {
	Params ParamsConfig `yaml:"params"`

	BuyNotionalUSD float64 `yaml:"buy_notional_usd"` // requested per discovery entry
	MaxAttempts    int     `yaml:"max_attempts"`     // default 3
	BackoffBaseMs  int     `yaml:"backoff_base_ms"`  // default 500
	SubmitTimeoutS int     `yaml:"submit_timeout_s"` // default 15
	ResultTTLMin   int     `yaml:"result_ttl_min"`   // settled-intent dedup window, default 30

	StopLossPct   float64 `yaml:"stop_loss_pct"`   // default 20
	TakeProfitPct float64 `yaml:"take_profit_pct"` // default 50
	MaxHoldMin    int     `yaml:"max_hold_min"`    // default 60
}

// DefaultConfig returns conservative execution defaults.
func DefaultConfig() Config {
	return Config{
		Params:         DefaultParamsConfig(),
		BuyNotionalUSD: 100,
		MaxAttempts:    3,
		BackoffBaseMs:  500,
		SubmitTimeoutS: 15,
		ResultTTLMin:   30,
		StopLossPct:    20,
		TakeProfitPct:  50,
		MaxHoldMin:     60,
	}
}

// Stats are pipeline execution counters for observers.
type Stats struct {
	Submitted int64           `json:"submitted"`
	Filled    int64           `json:"filled"`
	Rejected  int64           `json:"rejected"`
	Failed    int64           `json:"failed"`
	PnL       decimal.Decimal `json:"realized_pnl"`
}

// Coordinator executes intents. Thread-safe: both decision paths and the
// position monitor call Execute concurrently.
type Coordinator struct {
	cfg     Config
	reg     *registry.Registry
	riskCtl *risk.Controller
	book    *position.Book
	swap    SwapClient
	prices  PriceSource
	feeEst  *fees.Estimator
	ledgers []LedgerWriter

	mu       sync.Mutex
	results  map[string]settledResult // intentID -> settled result, TTL-bounded
	inflight map[string]struct{}      // intentIDs currently executing

	submitted atomic.Int64
	filled    atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// NewCoordinator creates an execution coordinator.
func NewCoordinator(cfg Config, reg *registry.Registry, riskCtl *risk.Controller,
	book *position.Book, swap SwapClient, prices PriceSource, feeEst *fees.Estimator,
	ledgers ...LedgerWriter) *Coordinator {

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 500
	}
	if cfg.SubmitTimeoutS <= 0 {
		cfg.SubmitTimeoutS = 15
	}
	if cfg.ResultTTLMin <= 0 {
		cfg.ResultTTLMin = 30
	}
	return &Coordinator{
		cfg:      cfg,
		reg:      reg,
		riskCtl:  riskCtl,
		book:     book,
		swap:     swap,
		prices:   prices,
		feeEst:   feeEst,
		ledgers:  ledgers,
		results:  make(map[string]settledResult),
		inflight: make(map[string]struct{}),
	}
}

// settledResult holds a finished intent for the idempotency window.
type settledResult struct {
	res Result
	at  time.Time
}

// ExecuteApproved builds and executes the discovery-path buy intent for an
// approved opportunity.
func (c *Coordinator) ExecuteApproved(ctx context.Context, opp registry.Opportunity) (Result, error) {
	return c.Execute(ctx, Intent{
		ID:                uuid.New().String(),
		Kind:              KindDiscovery,
		Mint:              opp.Mint,
		Direction:         Buy,
		RequestedNotional: decimal.NewFromFloat(c.cfg.BuyNotionalUSD),
	})
}

// Execute processes one intent to a settled result. Idempotent per intent
// ID: re-submitting a settled intent returns the stored result without
// touching risk, the chain, or the position book.
func (c *Coordinator) Execute(ctx context.Context, intent Intent) (Result, error) {
	c.mu.Lock()
	c.pruneResultsLocked(time.Now().UTC())
	if prev, ok := c.results[intent.ID]; ok {
		c.mu.Unlock()
		log.Debug().Str("intent_id", intent.ID).Msg("execute: intent already settled, no-op")
		return prev.res, nil
	}
	if _, ok := c.inflight[intent.ID]; ok {
		c.mu.Unlock()
		return Result{IntentID: intent.ID, Outcome: OutcomeRejected, Reason: "duplicate intent in flight"}, nil
	}
	c.inflight[intent.ID] = struct{}{}
	c.mu.Unlock()

	c.submitted.Add(1)

	var res Result
	var err error
	if intent.Direction == Sell && intent.Kind == KindExit {
		res, err = c.executeExit(ctx, intent)
	} else {
		res, err = c.executeBuy(ctx, intent)
	}

	c.mu.Lock()
	delete(c.inflight, intent.ID)
	c.results[intent.ID] = settledResult{res: res, at: time.Now().UTC()}
	c.mu.Unlock()

	switch res.Outcome {
	case OutcomeFilled:
		c.filled.Add(1)
	case OutcomeRejected:
		c.rejected.Add(1)
	case OutcomeFailed:
		c.failed.Add(1)
	}
	return res, err
}

// pruneResultsLocked drops settled intents past the dedup window so the
// map stays bounded in a long-running process.
func (c *Coordinator) pruneResultsLocked(now time.Time) {
	ttl := time.Duration(c.cfg.ResultTTLMin) * time.Minute
	for id, s := range c.results {
		if now.Sub(s.at) > ttl {
			delete(c.results, id)
		}
	}
}

// executeBuy runs the admission-to-fill path for a discovery or copy buy.
func (c *Coordinator) executeBuy(ctx context.Context, intent Intent) (Result, error) {
	lg := log.With().
		Str("intent_id", intent.ID).
		Str("kind", string(intent.Kind)).
		Str("mint", intent.Mint).
		Logger()

	// One open position per mint, across both decision sources.
	if pos, ok := c.book.OpenForMint(intent.Mint); ok {
		lg.Debug().Str("position_id", pos.ID).Msg("execute: position already open, skipping")
		return Result{IntentID: intent.ID, Outcome: OutcomeRejected, Reason: "position already open"}, nil
	}

	// Admission control: the shared risk pool gates both paths.
	res, err := c.riskCtl.Reserve(ctx, intent.RequestedNotional)
	if err != nil {
		lg.Warn().Err(err).Msg("execute: reservation denied")
		return Result{IntentID: intent.ID, Outcome: OutcomeRejected, Reason: err.Error()}, nil
	}

	// Claim the opportunity. A CAS failure here means the record moved
	// under us (e.g. safety verdict flipped to Rejected mid-flight); the
	// reservation is returned and the intent dropped.
	if intent.Kind == KindDiscovery {
		if terr := c.reg.Transition(ctx, intent.Mint, registry.StatusApproved, registry.StatusTrading, ""); terr != nil {
			_ = c.riskCtl.Release(ctx, res.ID, decimal.Zero)
			lg.Warn().Err(terr).Msg("execute: opportunity no longer approved")
			return Result{IntentID: intent.ID, Outcome: OutcomeRejected, Reason: "opportunity no longer approved"}, nil
		}
	}

	price, err := c.currentPrice(ctx, intent.Mint)
	if err != nil || !price.IsPositive() {
		return c.failBuy(ctx, intent, res.ID, "no price available"), ErrSubmissionFailed
	}

	params := c.orderParams(intent.Mint, res.Notional, price)
	lg.Info().
		Str("notional", res.Notional.String()).
		Str("size", params.Size.String()).
		Int("slippage_bps", params.SlippageBps).
		Uint64("priority_fee", params.PriorityFee).
		Msg("execute: submitting BUY")

	swapRes, err := c.submitVerified(ctx, intent, params, nil)
	if err != nil {
		return c.failBuy(ctx, intent, res.ID, fmt.Sprintf("submission failed: %v", err)), err
	}

	fillPrice := swapRes.FilledPrice
	if !fillPrice.IsPositive() {
		fillPrice = price
	}

	pos := position.Position{
		ID:            uuid.New().String(),
		Mint:          intent.Mint,
		LeaderTxID:    intent.LeaderTxID,
		ReservationID: res.ID,
		EntryPrice:    fillPrice,
		Size:          SizeFromNotional(res.Notional, fillPrice),
		Notional:      res.Notional,
		StopLoss:      fillPrice.Mul(decimal.NewFromFloat(1 - c.cfg.StopLossPct/100)),
		TakeProfit:    fillPrice.Mul(decimal.NewFromFloat(1 + c.cfg.TakeProfitPct/100)),
		MaxHold:       time.Duration(c.cfg.MaxHoldMin) * time.Minute,
		EntryAt:       time.Now().UTC(),
	}
	if intent.Kind == KindDiscovery {
		pos.OpportunityMint = intent.Mint
	}

	if err := c.book.Open(ctx, pos); err != nil {
		// Lost a race to another fill for the same mint. The capital is
		// spent on-chain already, so this is surfaced loudly rather than
		// rolled back.
		lg.Error().Err(err).Msg("execute: filled but could not open position")
		return c.failBuy(ctx, intent, res.ID, "filled but position conflict"), err
	}

	// The reservation now backs an open position: exempt from reclaim,
	// released only by the position close.
	if herr := c.riskCtl.Hold(res.ID); herr != nil {
		lg.Error().Err(herr).Msg("execute: hold reservation")
	}

	if intent.Kind == KindDiscovery {
		_ = c.reg.LinkPosition(ctx, intent.Mint, pos.ID)
		if terr := c.reg.Transition(ctx, intent.Mint, registry.StatusTrading, registry.StatusMonitoring, ""); terr != nil {
			lg.Error().Err(terr).Msg("execute: monitoring transition failed")
		}
	}

	c.appendLedger(ctx, LedgerEntry{
		IntentID:   intent.ID,
		Kind:       intent.Kind,
		Mint:       intent.Mint,
		Direction:  Buy,
		Size:       pos.Size,
		Price:      fillPrice,
		Notional:   res.Notional,
		TxID:       swapRes.TxID,
		PositionID: pos.ID,
		FilledAt:   time.Now().UTC(),
	})

	lg.Info().
		Str("position_id", pos.ID).
		Str("fill_price", fillPrice.String()).
		Str("tx_id", swapRes.TxID).
		Msg("execute: BUY filled")

	return Result{
		IntentID:    intent.ID,
		Outcome:     OutcomeFilled,
		FilledPrice: fillPrice,
		TxID:        swapRes.TxID,
		PositionID:  pos.ID,
	}, nil
}

// executeExit sells out a position previously claimed (CLOSING) by the
// position monitor.
func (c *Coordinator) executeExit(ctx context.Context, intent Intent) (Result, error) {
	lg := log.With().
		Str("intent_id", intent.ID).
		Str("position_id", intent.PositionID).
		Str("mint", intent.Mint).
		Logger()

	pos, ok := c.book.Get(intent.PositionID)
	if !ok {
		return Result{IntentID: intent.ID, Outcome: OutcomeRejected, Reason: "unknown position"}, nil
	}
	if pos.Status == position.StatusClosed {
		lg.Debug().Msg("execute: position already closed, no-op")
		return Result{IntentID: intent.ID, Outcome: OutcomeRejected, Reason: "position already closed"}, nil
	}

	// An earlier exit attempt may have landed even though its result was
	// lost (crash mid-exit, unresolved ambiguity). Re-query it against
	// the ledger before submitting another sell: a blind second sell
	// would double-execute the exit.
	if pos.ExitClientID != "" {
		prior, verr := c.verifyOutcome(ctx, pos.ExitClientID)
		if verr != nil {
			if rerr := c.book.Reopen(ctx, intent.PositionID); rerr != nil {
				lg.Error().Err(rerr).Msg("execute: reopen after unresolved exit")
			}
			return Result{IntentID: intent.ID, Outcome: OutcomeFailed,
				Reason: fmt.Sprintf("prior exit attempt unresolved: %v", verr)}, ErrSubmissionAmbiguous
		}
		if prior.Status == SwapFilled {
			lg.Info().
				Str("client_id", pos.ExitClientID).
				Str("fill_price", prior.FilledPrice.String()).
				Msg("execute: prior exit attempt already filled")
			return c.settleExit(ctx, intent, prior)
		}
	}

	params := c.orderParams(intent.Mint, decimal.Zero, decimal.Zero)
	params.Size = pos.Size

	lg.Info().
		Str("size", pos.Size.String()).
		Str("reason", pos.CloseReason).
		Int("slippage_bps", params.SlippageBps).
		Msg("execute: submitting SELL")

	// Every attempt's client ID is persisted on the position before the
	// submit, so a retry after a crash can verify it first.
	swapRes, err := c.submitVerified(ctx, intent, params, func(clientID string) {
		if serr := c.book.SetExitClient(ctx, intent.PositionID, clientID); serr != nil {
			lg.Warn().Err(serr).Msg("execute: record exit attempt")
		}
	})
	if err != nil {
		// Hand the position back so the monitor retries; never silently
		// abandon a CLOSING position.
		if rerr := c.book.Reopen(ctx, intent.PositionID); rerr != nil {
			lg.Error().Err(rerr).Msg("execute: reopen after failed exit")
		}
		return Result{IntentID: intent.ID, Outcome: OutcomeFailed, Reason: fmt.Sprintf("exit failed: %v", err)}, err
	}

	return c.settleExit(ctx, intent, swapRes)
}

// settleExit books a filled sell: closes the position, returns the
// reservation with realized PnL, settles the opportunity, and writes the
// ledger row.
func (c *Coordinator) settleExit(ctx context.Context, intent Intent, swapRes SwapResult) (Result, error) {
	lg := log.With().
		Str("intent_id", intent.ID).
		Str("position_id", intent.PositionID).
		Str("mint", intent.Mint).
		Logger()

	closed, err := c.book.Close(ctx, intent.PositionID, swapRes.FilledPrice)
	if err != nil {
		lg.Error().Err(err).Msg("execute: close after fill")
		return Result{IntentID: intent.ID, Outcome: OutcomeFailed, Reason: err.Error()}, err
	}

	if rerr := c.riskCtl.Release(ctx, closed.ReservationID, closed.RealizedPnL); rerr != nil {
		lg.Error().Err(rerr).Msg("execute: risk release on close")
	}

	if closed.OpportunityMint != "" {
		if terr := c.reg.Transition(ctx, closed.OpportunityMint,
			registry.StatusMonitoring, registry.StatusClosed, closed.CloseReason); terr != nil {
			lg.Warn().Err(terr).Msg("execute: closed transition failed")
		}
	}

	c.appendLedger(ctx, LedgerEntry{
		IntentID:   intent.ID,
		Kind:       KindExit,
		Mint:       intent.Mint,
		Direction:  Sell,
		Size:       closed.Size,
		Price:      swapRes.FilledPrice,
		Notional:   closed.Size.Mul(swapRes.FilledPrice),
		TxID:       swapRes.TxID,
		PositionID: closed.ID,
		FilledAt:   time.Now().UTC(),
	})

	lg.Info().
		Str("fill_price", swapRes.FilledPrice.String()).
		Str("realized_pnl", closed.RealizedPnL.String()).
		Msg("execute: SELL filled")

	return Result{
		IntentID:    intent.ID,
		Outcome:     OutcomeFilled,
		FilledPrice: swapRes.FilledPrice,
		TxID:        swapRes.TxID,
		PositionID:  closed.ID,
	}, nil
}

// submitVerified is the verify-then-retry procedure. Each attempt gets a
// unique client ID; an attempt whose outcome is unknown is resolved via
// Lookup against authoritative state before the next attempt may start,
// so a fill can never be duplicated. record, when non-nil, is called with
// each attempt's client ID before the submit goes out.
func (c *Coordinator) submitVerified(ctx context.Context, intent Intent, params OrderParams, record func(clientID string)) (SwapResult, error) {
	var lastReason string

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return SwapResult{}, fmt.Errorf("execution cancelled: %w", err)
		}

		clientID := fmt.Sprintf("%s-%d", intent.ID, attempt)
		if record != nil {
			record(clientID)
		}
		req := SwapRequest{
			ClientID:    clientID,
			Mint:        intent.Mint,
			Direction:   intent.Direction,
			Size:        params.Size,
			MaxSlippage: params.SlippageBps,
			PriorityFee: params.PriorityFee,
		}

		sctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.SubmitTimeoutS)*time.Second)
		res, err := c.swap.Submit(sctx, req)
		cancel()

		ambiguous := err != nil || res.Status == SwapUnknown
		if ambiguous {
			log.Warn().
				Str("client_id", clientID).
				Err(err).
				Msg("execute: submission ambiguous, verifying outcome")
			verified, verr := c.verifyOutcome(ctx, clientID)
			if verr != nil {
				return SwapResult{}, fmt.Errorf("%w: verification failed: %v", ErrSubmissionAmbiguous, verr)
			}
			if verified.Status == SwapFilled {
				return verified, nil
			}
			lastReason = "ambiguous, no fill found"
		} else if res.Status == SwapFilled {
			return res, nil
		} else {
			lastReason = res.Reason
			log.Warn().
				Str("client_id", clientID).
				Str("reason", res.Reason).
				Msg("execute: submission rejected")
		}

		if attempt < c.cfg.MaxAttempts {
			backoff := time.Duration(c.cfg.BackoffBaseMs) * time.Millisecond << (attempt - 1)
			select {
			case <-ctx.Done():
				return SwapResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return SwapResult{}, fmt.Errorf("%w after %d attempts: %s", ErrSubmissionFailed, c.cfg.MaxAttempts, lastReason)
}

// verifyOutcome queries the actual ledger outcome for one submission
// attempt, with its own retry budget: an unresolved verification keeps
// the whole intent ambiguous rather than risking a double execution.
func (c *Coordinator) verifyOutcome(ctx context.Context, clientID string) (SwapResult, error) {
	var lastErr error
	for i := 0; i < c.cfg.MaxAttempts; i++ {
		vctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.SubmitTimeoutS)*time.Second)
		res, err := c.swap.Lookup(vctx, clientID)
		cancel()
		if err == nil && res.Status != SwapUnknown {
			return res, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return SwapResult{}, ctx.Err()
		case <-time.After(time.Duration(c.cfg.BackoffBaseMs) * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("outcome still unknown")
	}
	return SwapResult{}, lastErr
}

// failBuy releases the reservation and marks the opportunity terminal
// with a machine-readable reason.
func (c *Coordinator) failBuy(ctx context.Context, intent Intent, reservationID, reason string) Result {
	if err := c.riskCtl.Release(ctx, reservationID, decimal.Zero); err != nil {
		log.Error().Err(err).Str("intent_id", intent.ID).Msg("execute: release on failure")
	}
	if intent.Kind == KindDiscovery {
		if err := c.reg.Transition(ctx, intent.Mint, registry.StatusTrading, registry.StatusClosed, reason); err != nil {
			log.Warn().Err(err).Str("mint", intent.Mint).Msg("execute: terminal transition failed")
		}
	}
	return Result{IntentID: intent.ID, Outcome: OutcomeFailed, Reason: reason}
}

func (c *Coordinator) orderParams(mint string, notional, price decimal.Decimal) OrderParams {
	var metrics registry.MarketMetrics
	if opp, ok := c.reg.Get(mint); ok {
		metrics = opp.Metrics
	}

	var fee uint64
	if c.feeEst != nil {
		fee = c.feeEst.Estimate(fees.CongestionNormal)
	}

	return OrderParams{
		Size:        SizeFromNotional(notional, price),
		SlippageBps: DynamicSlippage(c.cfg.Params, metrics),
		PriorityFee: fee,
	}
}

func (c *Coordinator) currentPrice(ctx context.Context, mint string) (decimal.Decimal, error) {
	pctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.SubmitTimeoutS)*time.Second)
	defer cancel()
	return c.prices.GetPrice(pctx, mint)
}

func (c *Coordinator) appendLedger(ctx context.Context, entry LedgerEntry) {
	for _, w := range c.ledgers {
		if err := w.Append(ctx, entry); err != nil {
			log.Error().Err(err).Str("intent_id", entry.IntentID).Msg("execute: ledger append failed")
		}
	}
}

// Stats returns current execution counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Submitted: c.submitted.Load(),
		Filled:    c.filled.Load(),
		Rejected:  c.rejected.Load(),
		Failed:    c.failed.Load(),
		PnL:       c.book.RealizedPnL(),
	}
}

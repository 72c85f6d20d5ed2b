package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Intents, results, and external collaborator contracts
// ---------------------------------------------------------------------------

// Direction of a swap.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// IntentKind tags the decision source that produced an intent.
type IntentKind string

const (
	KindDiscovery IntentKind = "discovery"
	KindCopy      IntentKind = "copy"
	KindExit      IntentKind = "exit"
)

// Intent is one capital-bearing instruction. Buys carry the requested
// notional; the coordinator reserves capacity and sizes the order. Exits
// carry the position being closed and its token size.
type Intent struct {
	ID        string
	Kind      IntentKind
	Mint      string
	Direction Direction

	// Buy side.
	RequestedNotional decimal.Decimal

	// Exit side.
	PositionID string
	Size       decimal.Decimal

	// Copy provenance.
	LeaderTxID string
}

// Outcome classifies an execution attempt.
type Outcome string

const (
	OutcomeFilled   Outcome = "FILLED"
	OutcomeRejected Outcome = "REJECTED" // risk denied or precondition failed
	OutcomeFailed   Outcome = "FAILED"   // confirmed non-fill after retries
)

// Result is the settled outcome of an intent.
type Result struct {
	IntentID    string
	Outcome     Outcome
	Reason      string
	FilledPrice decimal.Decimal
	TxID        string
	PositionID  string
}

// ErrSubmissionAmbiguous marks a submission whose outcome is unknown.
// The actual outcome MUST be verified before any retry.
var ErrSubmissionAmbiguous = errors.New("execution: submission outcome unknown")

// ErrSubmissionFailed marks a confirmed non-fill after retries exhausted.
var ErrSubmissionFailed = errors.New("execution: submission failed")

// SwapStatus is the swap client's answer for one submission.
type SwapStatus string

const (
	SwapFilled   SwapStatus = "filled"
	SwapRejected SwapStatus = "rejected"
	SwapUnknown  SwapStatus = "unknown"
)

// SwapRequest is the order handed to the swap-submission collaborator.
type SwapRequest struct {
	ClientID    string // intent ID plus attempt, unique per submission
	Mint        string
	Direction   Direction
	Size        decimal.Decimal // token units (sell) or quote units (buy)
	MaxSlippage int             // bps
	PriorityFee uint64          // lamports
}

// SwapResult is the collaborator's answer. Status unknown means the
// transport failed mid-flight; nothing can be concluded from it.
type SwapResult struct {
	Status      SwapStatus
	FilledPrice decimal.Decimal
	TxID        string
	Reason      string
}

// SwapClient is the only path to the chain. Submit is called exactly once
// per attempt; Lookup resolves an ambiguous attempt against authoritative
// ledger state before any retry is allowed.
type SwapClient interface {
	Submit(ctx context.Context, req SwapRequest) (SwapResult, error)
	Lookup(ctx context.Context, clientID string) (SwapResult, error)
}

// PriceSource returns the current price for a mint.
type PriceSource interface {
	GetPrice(ctx context.Context, mint string) (decimal.Decimal, error)
}

// LedgerEntry is one row in the trade ledger, appended per filled
// execution. Sufficient to reconstruct fills after restart.
type LedgerEntry struct {
	IntentID   string          `json:"intent_id"`
	Kind       IntentKind      `json:"kind"`
	Mint       string          `json:"mint"`
	Direction  Direction       `json:"direction"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`
	Notional   decimal.Decimal `json:"notional"`
	TxID       string          `json:"tx_id"`
	PositionID string          `json:"position_id"`
	FilledAt   time.Time       `json:"filled_at"`
}

// LedgerWriter appends filled-trade rows to a durable ledger.
type LedgerWriter interface {
	Append(ctx context.Context, entry LedgerEntry) error
}

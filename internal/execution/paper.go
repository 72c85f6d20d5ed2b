package execution

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Paper swap client — in-memory fills for dry-run mode and tests
// ---------------------------------------------------------------------------

// PaperStep scripts one Submit call: what the transport replies, and
// whether the order actually reached the ledger (which is what Lookup
// reports). The two differ when a submission times out mid-flight.
type PaperStep struct {
	Reply  SwapResult
	Err    error
	Landed bool
}

// PaperSwapClient simulates the swap venue. Without a script every buy
// and sell fills at the configured mark price; with a script it replays
// the queued steps first, which lets tests exercise ambiguous and
// rejected submissions.
type PaperSwapClient struct {
	mu          sync.Mutex
	prices      map[string]decimal.Decimal
	steps       []PaperStep
	outcomes    map[string]SwapResult // clientID -> authoritative ledger state
	submissions []SwapRequest
	seq         int
}

// NewPaperSwapClient creates a paper venue with no marks set.
func NewPaperSwapClient() *PaperSwapClient {
	return &PaperSwapClient{
		prices:   make(map[string]decimal.Decimal),
		outcomes: make(map[string]SwapResult),
	}
}

// SetPrice sets the mark price a mint fills at.
func (p *PaperSwapClient) SetPrice(mint string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[mint] = price
}

// GetPrice implements PriceSource so the paper venue doubles as the
// price feed in dry-run mode.
func (p *PaperSwapClient) GetPrice(_ context.Context, mint string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prices[mint], nil
}

// Script queues steps consumed by subsequent Submit calls, in order.
func (p *PaperSwapClient) Script(steps ...PaperStep) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

// Settle records an authoritative ledger outcome for a client ID the
// venue never saw via Submit. Models orders that landed before a restart.
func (p *PaperSwapClient) Settle(clientID string, res SwapResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[clientID] = res
}

// Submissions returns a copy of every request seen so far.
func (p *PaperSwapClient) Submissions() []SwapRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SwapRequest, len(p.submissions))
	copy(out, p.submissions)
	return out
}

// Submit records the request and answers per the script, or fills at the
// mark price when the script is exhausted.
func (p *PaperSwapClient) Submit(_ context.Context, req SwapRequest) (SwapResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submissions = append(p.submissions, req)
	p.seq++

	price := p.prices[req.Mint]

	if len(p.steps) > 0 {
		step := p.steps[0]
		p.steps = p.steps[1:]

		reply := step.Reply
		if reply.Status == SwapFilled && !reply.FilledPrice.IsPositive() {
			reply.FilledPrice = price
		}
		if reply.Status == SwapFilled && reply.TxID == "" {
			reply.TxID = p.txID()
		}

		if step.Landed || reply.Status == SwapFilled {
			landed := reply
			if landed.Status != SwapFilled {
				landed = SwapResult{Status: SwapFilled, FilledPrice: price, TxID: p.txID()}
			}
			p.outcomes[req.ClientID] = landed
		} else {
			p.outcomes[req.ClientID] = SwapResult{Status: SwapRejected, Reason: "not landed"}
		}
		return reply, step.Err
	}

	if !price.IsPositive() {
		res := SwapResult{Status: SwapRejected, Reason: "no mark price"}
		p.outcomes[req.ClientID] = res
		return res, nil
	}

	res := SwapResult{Status: SwapFilled, FilledPrice: price, TxID: p.txID()}
	p.outcomes[req.ClientID] = res
	return res, nil
}

// Lookup reports authoritative ledger state for one submission attempt.
// An attempt the venue never recorded is definitively not filled.
func (p *PaperSwapClient) Lookup(_ context.Context, clientID string) (SwapResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.outcomes[clientID]; ok {
		return res, nil
	}
	return SwapResult{Status: SwapRejected, Reason: "not found"}, nil
}

func (p *PaperSwapClient) txID() string {
	return "paper-tx-" + decimal.NewFromInt(int64(p.seq)).String()
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Opportunity Registry — owns every discovered token's lifecycle
// ---------------------------------------------------------------------------

// Status represents the lifecycle state of an opportunity.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAnalyzing  Status = "ANALYZING"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusTrading    Status = "TRADING"
	StatusMonitoring Status = "MONITORING"
	StatusClosed     Status = "CLOSED"
)

func (s Status) String() string { return string(s) }

// IsTerminal returns true for statuses that end the lifecycle.
// Terminal records are archived, never deleted.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusClosed
}

// ErrInvalidTransition is returned when a compare-and-transition fails
// because the current status does not match the expected one, or because
// the edge is not in the transition table. Racing transitions are dropped
// by the caller, never retried blindly.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned for lookups of unknown identities.
var ErrNotFound = errors.New("opportunity not found")

// edge is an allowed state machine transition.
type edge struct {
	from Status
	to   Status
}

// edges is the authoritative transition table. Status never regresses:
// every valid (from, to) pair moves strictly forward in the lifecycle.
var edges = map[edge]bool{
	{StatusPending, StatusAnalyzing}:    true,
	{StatusAnalyzing, StatusApproved}:   true,
	{StatusAnalyzing, StatusRejected}:   true,
	{StatusPending, StatusRejected}:     true,
	{StatusApproved, StatusTrading}:     true,
	{StatusTrading, StatusMonitoring}:   true,
	{StatusTrading, StatusClosed}:       true,
	{StatusMonitoring, StatusClosed}:    true,
}

// MarketMetrics is the normalized market-feed payload for a token.
type MarketMetrics struct {
	Price          decimal.Decimal `json:"price"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	FDV            decimal.Decimal `json:"fdv"`
	PriceChange24h float64         `json:"price_change_24h"`
}

// Opportunity is a discovered token candidate under evaluation.
type Opportunity struct {
	Mint         string        `json:"mint"`
	Name         string        `json:"name"`
	Metrics      MarketMetrics `json:"metrics"`
	DiscoveredAt time.Time     `json:"discovered_at"`

	SafetyScore float64 `json:"safety_score"`
	SocialScore float64 `json:"social_score"`
	Confidence  float64 `json:"confidence"`

	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Candidate is a first-sighting payload from the market feed.
type Candidate struct {
	Mint    string
	Name    string
	Metrics MarketMetrics
}

// Archiver persists opportunity records. The registry writes through on
// every mutation so state survives restart.
type Archiver interface {
	SaveOpportunity(ctx context.Context, opp Opportunity) error
}

// Filter selects opportunities for List. Zero values match everything.
type Filter struct {
	Status Status
	Since  time.Time
}

// Registry is the in-process authority for opportunity records.
// Thread-safe: feed workers, the qualification engine, and the execution
// coordinator all touch it concurrently.
type Registry struct {
	mu            sync.RWMutex
	opps          map[string]*Opportunity // mint -> record
	archiver      Archiver
	onPersistFail func(error)
}

// New creates an empty registry. archiver may be nil (no persistence).
func New(archiver Archiver) *Registry {
	return &Registry{
		opps:     make(map[string]*Opportunity),
		archiver: archiver,
	}
}

// SetPersistErrorHook registers a callback invoked when archiving a
// record fails. The hook must not call back into the registry.
func (r *Registry) SetPersistErrorHook(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPersistFail = fn
}

// Restore loads a previously persisted record without triggering a
// write-back. Used on startup recovery.
func (r *Registry) Restore(opp Opportunity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := opp
	r.opps[opp.Mint] = &cp
}

// Upsert registers a candidate on first sighting, or refreshes market
// metrics on repeated sightings. A second sighting never resets status,
// scores, or discovery time. Returns true if the record was created.
func (r *Registry) Upsert(ctx context.Context, c Candidate) bool {
	r.mu.Lock()

	existing, ok := r.opps[c.Mint]
	if ok {
		existing.Metrics = c.Metrics
		existing.UpdatedAt = time.Now().UTC()
		snapshot := *existing
		r.mu.Unlock()
		r.persist(ctx, snapshot)
		return false
	}

	opp := &Opportunity{
		Mint:         c.Mint,
		Name:         c.Name,
		Metrics:      c.Metrics,
		DiscoveredAt: time.Now().UTC(),
		Status:       StatusPending,
		UpdatedAt:    time.Now().UTC(),
	}
	r.opps[c.Mint] = opp
	snapshot := *opp
	r.mu.Unlock()

	log.Debug().
		Str("mint", c.Mint).
		Str("name", c.Name).
		Str("volume_24h", c.Metrics.Volume24h.String()).
		Str("fdv", c.Metrics.FDV.String()).
		Msg("registry: opportunity discovered")

	r.persist(ctx, snapshot)
	return true
}

// Get returns a copy of the record for a mint.
func (r *Registry) Get(mint string) (Opportunity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opp, ok := r.opps[mint]
	if !ok {
		return Opportunity{}, false
	}
	return *opp, true
}

// Transition performs an optimistic compare-and-transition: it fails with
// ErrInvalidTransition if the current status is not `from` or if the edge
// is not allowed. reason is recorded on the record when non-empty.
func (r *Registry) Transition(ctx context.Context, mint string, from, to Status, reason string) error {
	r.mu.Lock()

	opp, ok := r.opps[mint]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	if opp.Status != from {
		cur := opp.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidTransition, mint, cur, from)
	}
	if !edges[edge{from, to}] {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	opp.Status = to
	if reason != "" {
		opp.Reason = reason
	}
	opp.UpdatedAt = time.Now().UTC()
	snapshot := *opp
	r.mu.Unlock()

	log.Info().
		Str("mint", mint).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("registry: status transition")

	r.persist(ctx, snapshot)
	return nil
}

// SetScores records qualification sub-scores and the composite confidence.
// Only the qualification engine calls this.
func (r *Registry) SetScores(ctx context.Context, mint string, safety, social, confidence float64) error {
	r.mu.Lock()
	opp, ok := r.opps[mint]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	opp.SafetyScore = safety
	opp.SocialScore = social
	opp.Confidence = confidence
	opp.UpdatedAt = time.Now().UTC()
	snapshot := *opp
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return nil
}

// LinkPosition records the position created for this opportunity.
// Only the execution coordinator calls this.
func (r *Registry) LinkPosition(ctx context.Context, mint, positionID string) error {
	r.mu.Lock()
	opp, ok := r.opps[mint]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	opp.PositionID = positionID
	opp.UpdatedAt = time.Now().UTC()
	snapshot := *opp
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return nil
}

// List returns copies of all records matching the filter.
func (r *Registry) List(f Filter) []Opportunity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Opportunity, 0, len(r.opps))
	for _, opp := range r.opps {
		if f.Status != "" && opp.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && opp.DiscoveredAt.Before(f.Since) {
			continue
		}
		result = append(result, *opp)
	}
	return result
}

// Len returns the number of records, archived ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.opps)
}

func (r *Registry) persist(ctx context.Context, opp Opportunity) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.SaveOpportunity(ctx, opp); err != nil {
		log.Error().Err(err).Str("mint", opp.Mint).Msg("registry: persist failed")
		if r.onPersistFail != nil {
			r.onPersistFail(err)
		}
	}
}

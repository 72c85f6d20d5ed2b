// Package memory provides in-process store implementations, used in
// dry-run mode and tests. State does not survive a restart.
package memory

import (
	"context"
	"sync"

	"github.com/talon-systems/talon/internal/execution"
	"github.com/talon-systems/talon/internal/position"
	"github.com/talon-systems/talon/internal/registry"
	"github.com/talon-systems/talon/internal/risk"
)

// Store holds every persisted record in memory. Implements the store
// contracts of the registry, the position book, the risk controller,
// and the trade ledger.
type Store struct {
	mu            sync.RWMutex
	opportunities map[string]registry.Opportunity
	positions     map[string]position.Position
	budget        *risk.Budget
	ledger        []execution.LedgerEntry
}

var (
	_ registry.Archiver      = (*Store)(nil)
	_ position.Store         = (*Store)(nil)
	_ risk.Store             = (*Store)(nil)
	_ execution.LedgerWriter = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		opportunities: make(map[string]registry.Opportunity),
		positions:     make(map[string]position.Position),
	}
}

// SaveOpportunity upserts an opportunity record.
func (s *Store) SaveOpportunity(_ context.Context, opp registry.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opportunities[opp.Mint] = opp
	return nil
}

// Opportunities returns every stored opportunity.
func (s *Store) Opportunities() []registry.Opportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.Opportunity, 0, len(s.opportunities))
	for _, opp := range s.opportunities {
		out = append(out, opp)
	}
	return out
}

// SavePosition upserts a position record.
func (s *Store) SavePosition(_ context.Context, pos position.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = pos
	return nil
}

// Positions returns every stored position.
func (s *Store) Positions() []position.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]position.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos)
	}
	return out
}

// SaveBudget stores the latest risk budget snapshot.
func (s *Store) SaveBudget(_ context.Context, b risk.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget = &b
	return nil
}

// Budget returns the last saved budget snapshot, if any.
func (s *Store) Budget() (risk.Budget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.budget == nil {
		return risk.Budget{}, false
	}
	return *s.budget, true
}

// Append adds one trade ledger row.
func (s *Store) Append(_ context.Context, entry execution.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, entry)
	return nil
}

// Ledger returns a copy of all ledger rows in append order.
func (s *Store) Ledger() []execution.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]execution.LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out
}

package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talon-systems/talon/internal/execution"
	"github.com/talon-systems/talon/internal/position"
	"github.com/talon-systems/talon/internal/registry"
	"github.com/talon-systems/talon/internal/risk"
)

func TestStoreRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveOpportunity(ctx, registry.Opportunity{
		Mint: "mint-1", Status: registry.StatusApproved,
	}))
	require.NoError(t, s.SaveOpportunity(ctx, registry.Opportunity{
		Mint: "mint-1", Status: registry.StatusTrading, // upsert
	}))
	opps := s.Opportunities()
	require.Len(t, opps, 1)
	assert.Equal(t, registry.StatusTrading, opps[0].Status)

	require.NoError(t, s.SavePosition(ctx, position.Position{
		ID: "pos-1", Mint: "mint-1", Status: position.StatusOpen,
	}))
	assert.Len(t, s.Positions(), 1)

	_, ok := s.Budget()
	assert.False(t, ok)
	require.NoError(t, s.SaveBudget(ctx, risk.Budget{
		Reserved: decimal.NewFromInt(100),
	}))
	b, ok := s.Budget()
	require.True(t, ok)
	assert.True(t, b.Reserved.Equal(decimal.NewFromInt(100)))

	require.NoError(t, s.Append(ctx, execution.LedgerEntry{IntentID: "i-1"}))
	require.NoError(t, s.Append(ctx, execution.LedgerEntry{IntentID: "i-2"}))
	ledger := s.Ledger()
	require.Len(t, ledger, 2)
	assert.Equal(t, "i-1", ledger[0].IntentID)
}

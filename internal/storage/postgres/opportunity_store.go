package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/talon-systems/talon/internal/registry"
	"github.com/talon-systems/talon/internal/storage"
)

// OpportunityStore persists opportunity records.
type OpportunityStore struct {
	pool *Pool
}

// NewOpportunityStore creates an OpportunityStore.
func NewOpportunityStore(pool *Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

var _ registry.Archiver = (*OpportunityStore)(nil)

// SaveOpportunity upserts one record keyed by mint.
func (s *OpportunityStore) SaveOpportunity(ctx context.Context, opp registry.Opportunity) error {
	query := `
		INSERT INTO opportunities (
			mint, name, price, volume_24h, fdv, price_change_24h, discovered_at,
			safety_score, social_score, confidence, status, reason, position_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (mint) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			volume_24h = EXCLUDED.volume_24h,
			fdv = EXCLUDED.fdv,
			price_change_24h = EXCLUDED.price_change_24h,
			safety_score = EXCLUDED.safety_score,
			social_score = EXCLUDED.social_score,
			confidence = EXCLUDED.confidence,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			position_id = EXCLUDED.position_id,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		opp.Mint,
		opp.Name,
		opp.Metrics.Price.String(),
		opp.Metrics.Volume24h.String(),
		opp.Metrics.FDV.String(),
		opp.Metrics.PriceChange24h,
		opp.DiscoveredAt,
		opp.SafetyScore,
		opp.SocialScore,
		opp.Confidence,
		string(opp.Status),
		opp.Reason,
		opp.PositionID,
		opp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save opportunity: %w", err)
	}
	return nil
}

// Get retrieves one record by mint. Returns storage.ErrNotFound if absent.
func (s *OpportunityStore) Get(ctx context.Context, mint string) (registry.Opportunity, error) {
	row := s.pool.QueryRow(ctx, selectOpportunities+` WHERE mint = $1`, mint)
	opp, err := scanOpportunity(row)
	if err != nil {
		if isNotFoundError(err) {
			return registry.Opportunity{}, storage.ErrNotFound
		}
		return registry.Opportunity{}, fmt.Errorf("get opportunity: %w", err)
	}
	return opp, nil
}

// Active returns every non-terminal record, for startup recovery.
func (s *OpportunityStore) Active(ctx context.Context) ([]registry.Opportunity, error) {
	rows, err := s.pool.Query(ctx, selectOpportunities+` WHERE status NOT IN ($1, $2)`,
		string(registry.StatusClosed), string(registry.StatusRejected))
	if err != nil {
		return nil, fmt.Errorf("load active opportunities: %w", err)
	}
	defer rows.Close()

	var out []registry.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, opp)
	}
	return out, rows.Err()
}

const selectOpportunities = `
	SELECT mint, name, price::text, volume_24h::text, fdv::text, price_change_24h,
	       discovered_at, safety_score, social_score, confidence, status, reason,
	       position_id, updated_at
	FROM opportunities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOpportunity(row rowScanner) (registry.Opportunity, error) {
	var (
		opp                 registry.Opportunity
		price, volume, fdv  string
		status              string
		discovered, updated time.Time
	)
	err := row.Scan(
		&opp.Mint, &opp.Name, &price, &volume, &fdv, &opp.Metrics.PriceChange24h,
		&discovered, &opp.SafetyScore, &opp.SocialScore, &opp.Confidence,
		&status, &opp.Reason, &opp.PositionID, &updated,
	)
	if err != nil {
		return registry.Opportunity{}, err
	}
	if opp.Metrics.Price, err = scanDecimal(price); err != nil {
		return registry.Opportunity{}, err
	}
	if opp.Metrics.Volume24h, err = scanDecimal(volume); err != nil {
		return registry.Opportunity{}, err
	}
	if opp.Metrics.FDV, err = scanDecimal(fdv); err != nil {
		return registry.Opportunity{}, err
	}
	opp.Status = registry.Status(status)
	opp.DiscoveredAt = discovered
	opp.UpdatedAt = updated
	return opp, nil
}

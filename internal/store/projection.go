package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kelpejol/strata/internal/model"
)

// GetProjection loads the singleton fund projection row. A fresh database
// returns an all-zero projection rather than ErrNotFound so handlers can
// bootstrap from the first event.
func (s *Store) GetProjection(ctx context.Context, q Querier) (*model.FundProjection, error) {
	p := &model.FundProjection{
		TotalAssets:              model.ZeroAmount(),
		L1Cash:                   model.ZeroAmount(),
		L1Yield:                  model.ZeroAmount(),
		L2:                       model.ZeroAmount(),
		L3:                       model.ZeroAmount(),
		TotalRedemptionLiability: model.ZeroAmount(),
		TotalLockedShares:        model.ZeroAmount(),
		WithdrawableFees:         model.ZeroAmount(),
		SharePrice:               model.ZeroAmount(),
	}
	err := q.QueryRowContext(ctx, `
		SELECT total_assets, l1_cash, l1_yield, l2, l3,
		       total_redemption_liability, total_locked_shares,
		       withdrawable_fees, share_price, emergency_mode,
		       last_block, updated_at
		FROM fund_projection WHERE id = 1`).Scan(
		p.TotalAssets, p.L1Cash, p.L1Yield, p.L2, p.L3,
		p.TotalRedemptionLiability, p.TotalLockedShares,
		p.WithdrawableFees, p.SharePrice, &p.EmergencyMode,
		&p.LastBlock, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load projection: %w", err)
	}
	return p, nil
}

// SaveProjection upserts the singleton row.
func (s *Store) SaveProjection(ctx context.Context, q Querier, p *model.FundProjection) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO fund_projection (
			id, total_assets, l1_cash, l1_yield, l2, l3,
			total_redemption_liability, total_locked_shares,
			withdrawable_fees, share_price, emergency_mode, last_block, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (id) DO UPDATE SET
			total_assets = EXCLUDED.total_assets,
			l1_cash = EXCLUDED.l1_cash,
			l1_yield = EXCLUDED.l1_yield,
			l2 = EXCLUDED.l2,
			l3 = EXCLUDED.l3,
			total_redemption_liability = EXCLUDED.total_redemption_liability,
			total_locked_shares = EXCLUDED.total_locked_shares,
			withdrawable_fees = EXCLUDED.withdrawable_fees,
			share_price = EXCLUDED.share_price,
			emergency_mode = EXCLUDED.emergency_mode,
			last_block = EXCLUDED.last_block,
			updated_at = NOW()`,
		p.TotalAssets, p.L1Cash, p.L1Yield, p.L2, p.L3,
		p.TotalRedemptionLiability, p.TotalLockedShares,
		p.WithdrawableFees, p.SharePrice, p.EmergencyMode, p.LastBlock)
	if err != nil {
		return fmt.Errorf("save projection: %w", err)
	}
	return nil
}

// Holding is one asset position in the holdings projection.
type Holding struct {
	Asset   string
	Tier    model.Tier
	Balance *model.Amount
}

// AdjustHolding applies a signed delta to an asset's balance, creating the
// row on first sight.
func (s *Store) AdjustHolding(ctx context.Context, q Querier, asset string, tier model.Tier, delta *model.Amount) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO holdings (asset, tier, balance, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			balance = holdings.balance + EXCLUDED.balance,
			tier = EXCLUDED.tier,
			updated_at = NOW()`,
		asset, tier, delta)
	if err != nil {
		return fmt.Errorf("adjust holding %s: %w", asset, err)
	}
	return nil
}

// AdjustHoldingBalance applies a signed delta to an existing asset's balance
// without touching its tier. Unknown assets are ignored.
func (s *Store) AdjustHoldingBalance(ctx context.Context, q Querier, asset string, delta *model.Amount) error {
	_, err := q.ExecContext(ctx, `
		UPDATE holdings SET balance = balance + $2, updated_at = NOW()
		WHERE asset = $1`, asset, delta)
	if err != nil {
		return fmt.Errorf("adjust holding balance %s: %w", asset, err)
	}
	return nil
}

// RemoveHolding drops an asset from the holdings projection.
func (s *Store) RemoveHolding(ctx context.Context, q Querier, asset string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM holdings WHERE asset = $1`, asset); err != nil {
		return fmt.Errorf("remove holding %s: %w", asset, err)
	}
	return nil
}

// ListHoldings returns all asset positions, largest first.
func (s *Store) ListHoldings(ctx context.Context, q Querier) ([]Holding, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT asset, tier, balance FROM holdings ORDER BY balance DESC`)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		h := Holding{Balance: model.ZeroAmount()}
		if err := rows.Scan(&h.Asset, &h.Tier, h.Balance); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kelpejol/strata/internal/model"
)

// InsertRiskSnapshot appends one time-series row.
func (s *Store) InsertRiskSnapshot(ctx context.Context, q Querier, snap *model.RiskSnapshot) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO risk_snapshots (
			time, l1_ratio_bps, l1_l2_ratio_bps, redemption_coverage_bps,
			liquidity_gap_7d, nav_volatility_24h_bps, asset_price_dev_bps,
			oracle_staleness_sec, single_asset_bps, top3_bps, counterparty_bps,
			daily_redemption_rate_bps, pending_approval_bps,
			redemption_velocity_7d_bps, level, score
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		snap.Time, snap.L1RatioBps, snap.L1L2RatioBps, snap.RedemptionCoverage,
		snap.LiquidityGap7d, snap.NavVolatility24hBps, snap.AssetPriceDevBps,
		snap.OracleStalenessSec, snap.SingleAssetBps, snap.Top3Bps, snap.CounterpartyBps,
		snap.DailyRedemptionRateBps, snap.PendingApprovalBps,
		snap.RedemptionVelocity7dBps, int(snap.Level), snap.Score)
	if err != nil {
		return fmt.Errorf("insert risk snapshot: %w", err)
	}
	return nil
}

// RecentRiskSnapshots returns the latest n snapshots, newest first.
func (s *Store) RecentRiskSnapshots(ctx context.Context, q Querier, n int) ([]*model.RiskSnapshot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT time, l1_ratio_bps, l1_l2_ratio_bps, redemption_coverage_bps,
		       liquidity_gap_7d, nav_volatility_24h_bps, asset_price_dev_bps,
		       oracle_staleness_sec, single_asset_bps, top3_bps, counterparty_bps,
		       daily_redemption_rate_bps, pending_approval_bps,
		       redemption_velocity_7d_bps, level, score
		FROM risk_snapshots ORDER BY time DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("recent risk snapshots: %w", err)
	}
	defer rows.Close()

	var out []*model.RiskSnapshot
	for rows.Next() {
		snap := &model.RiskSnapshot{LiquidityGap7d: model.ZeroAmount()}
		var level int
		if err := rows.Scan(&snap.Time, &snap.L1RatioBps, &snap.L1L2RatioBps,
			&snap.RedemptionCoverage, snap.LiquidityGap7d, &snap.NavVolatility24hBps,
			&snap.AssetPriceDevBps, &snap.OracleStalenessSec, &snap.SingleAssetBps,
			&snap.Top3Bps, &snap.CounterpartyBps, &snap.DailyRedemptionRateBps,
			&snap.PendingApprovalBps, &snap.RedemptionVelocity7dBps,
			&level, &snap.Score); err != nil {
			return nil, fmt.Errorf("scan risk snapshot: %w", err)
		}
		snap.Level = model.RiskLevel(level)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// InsertRiskEvent records an operational risk occurrence.
func (s *Store) InsertRiskEvent(ctx context.Context, q Querier, ev *model.RiskEvent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO risk_events (id, kind, level, title, detail, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		ev.ID, ev.Kind, int(ev.Level), ev.Title, ev.Detail, ev.Source)
	if err != nil {
		return fmt.Errorf("insert risk event: %w", err)
	}
	return nil
}

// ResolveRiskEvent marks an open event resolved.
func (s *Store) ResolveRiskEvent(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE risk_events SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("resolve risk event %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("resolve risk event %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListOpenRiskEvents returns unresolved events, most severe first.
func (s *Store) ListOpenRiskEvents(ctx context.Context, q Querier, limit int) ([]*model.RiskEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, kind, level, title, detail, source, created_at, resolved_at
		FROM risk_events WHERE resolved_at IS NULL
		ORDER BY level DESC, created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open risk events: %w", err)
	}
	defer rows.Close()

	var out []*model.RiskEvent
	for rows.Next() {
		ev := &model.RiskEvent{}
		var level int
		if err := rows.Scan(&ev.ID, &ev.Kind, &level, &ev.Title, &ev.Detail,
			&ev.Source, &ev.CreatedAt, &ev.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		ev.Level = model.RiskLevel(level)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetRiskEvent loads one event.
func (s *Store) GetRiskEvent(ctx context.Context, q Querier, id string) (*model.RiskEvent, error) {
	ev := &model.RiskEvent{}
	var level int
	err := q.QueryRowContext(ctx, `
		SELECT id, kind, level, title, detail, source, created_at, resolved_at
		FROM risk_events WHERE id = $1`, id).Scan(
		&ev.ID, &ev.Kind, &level, &ev.Title, &ev.Detail, &ev.Source,
		&ev.CreatedAt, &ev.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("risk event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load risk event %s: %w", id, err)
	}
	ev.Level = model.RiskLevel(level)
	return ev, nil
}

// InsertAudit appends an audit-trail row.
func (s *Store) InsertAudit(ctx context.Context, q Querier, a *model.AuditLog) error {
	oldVal, err := json.Marshal(a.OldValue)
	if err != nil {
		return fmt.Errorf("marshal audit old_value: %w", err)
	}
	newVal, err := json.Marshal(a.NewValue)
	if err != nil {
		return fmt.Errorf("marshal audit new_value: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, resource_type, resource_id, actor, old_value, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		a.ID, a.Action, a.ResourceType, a.ResourceID, a.Actor, oldVal, newVal)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAudit pages through the audit trail for one resource, newest first.
func (s *Store) ListAudit(ctx context.Context, q Querier, resourceType, resourceID string, limit int) ([]*model.AuditLog, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, action, resource_type, resource_id, actor, old_value, new_value, created_at
		FROM audit_logs WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC LIMIT $3`, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*model.AuditLog
	for rows.Next() {
		a := &model.AuditLog{}
		var oldVal, newVal []byte
		if err := rows.Scan(&a.ID, &a.Action, &a.ResourceType, &a.ResourceID,
			&a.Actor, &oldVal, &newVal, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if len(oldVal) > 0 {
			_ = json.Unmarshal(oldVal, &a.OldValue)
		}
		if len(newVal) > 0 {
			_ = json.Unmarshal(newVal, &a.NewValue)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// NavHistory returns (time, share_price) points in the trailing window for
// volatility indicators. Points come from risk snapshots of NavUpdated
// handling, cheapest available source.
func (s *Store) NavHistory(ctx context.Context, q Querier, since time.Time) ([]NavPoint, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT time, share_price FROM nav_history WHERE time >= $1 ORDER BY time`, since)
	if err != nil {
		return nil, fmt.Errorf("nav history: %w", err)
	}
	defer rows.Close()

	var out []NavPoint
	for rows.Next() {
		p := NavPoint{SharePrice: model.ZeroAmount()}
		if err := rows.Scan(&p.Time, p.SharePrice); err != nil {
			return nil, fmt.Errorf("scan nav point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// NavPoint is one share-price observation.
type NavPoint struct {
	Time       time.Time
	SharePrice *model.Amount
}

// InsertNavPoint records a share-price observation from a NavUpdated event.
func (s *Store) InsertNavPoint(ctx context.Context, q Querier, p NavPoint) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO nav_history (time, share_price) VALUES ($1, $2)`,
		p.Time, p.SharePrice); err != nil {
		return fmt.Errorf("insert nav point: %w", err)
	}
	return nil
}

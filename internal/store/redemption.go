package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kelpejol/strata/internal/model"
)

const redemptionCols = `
	request_id, owner, receiver, shares, gross_amount, locked_nav,
	estimated_fee, actual_fee, request_time, settlement_time, channel,
	requires_approval, window_id, voucher_token_id, status,
	settled_amount, settled_at, approval_ticket_id, created_at, updated_at`

func scanRedemption(row interface{ Scan(...interface{}) error }) (*model.RedemptionRequest, error) {
	r := &model.RedemptionRequest{
		Shares:       model.ZeroAmount(),
		GrossAmount:  model.ZeroAmount(),
		LockedNav:    model.ZeroAmount(),
		EstimatedFee: model.ZeroAmount(),
		ActualFee:    model.ZeroAmount(),
		SettledAmount: model.ZeroAmount(),
	}
	var ticketID sql.NullString
	err := row.Scan(
		&r.RequestID, &r.Owner, &r.Receiver, r.Shares, r.GrossAmount, r.LockedNav,
		r.EstimatedFee, r.ActualFee, &r.RequestTime, &r.SettlementTime, &r.Channel,
		&r.RequiresApproval, &r.WindowID, &r.VoucherTokenID, &r.Status,
		r.SettledAmount, &r.SettledAt, &ticketID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ApprovalTicketID = ticketID.String
	return r, nil
}

// InsertRedemption records a newly observed on-chain request. A replayed
// event hits the primary key and returns ErrAlreadyProcessed-like semantics
// via ErrStaleStatus-free no-op: callers use ON CONFLICT DO NOTHING here.
func (s *Store) InsertRedemption(ctx context.Context, q Querier, r *model.RedemptionRequest) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO redemption_requests (`+redemptionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NULLIF($18,''),NOW(),NOW())
		ON CONFLICT (request_id) DO NOTHING`,
		r.RequestID, r.Owner, r.Receiver, r.Shares, r.GrossAmount, r.LockedNav,
		r.EstimatedFee, r.ActualFee, r.RequestTime, r.SettlementTime, r.Channel,
		r.RequiresApproval, r.WindowID, r.VoucherTokenID, r.Status,
		r.SettledAmount, r.SettledAt, r.ApprovalTicketID)
	if err != nil {
		return fmt.Errorf("insert redemption %d: %w", r.RequestID, err)
	}
	return nil
}

// GetRedemption loads one request.
func (s *Store) GetRedemption(ctx context.Context, q Querier, requestID uint64) (*model.RedemptionRequest, error) {
	r, err := scanRedemption(q.QueryRowContext(ctx,
		`SELECT `+redemptionCols+` FROM redemption_requests WHERE request_id = $1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("redemption %d: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load redemption %d: %w", requestID, err)
	}
	return r, nil
}

// TransitionRedemption moves a request from -> to, guarded in SQL so a
// concurrent transition loses cleanly with ErrStaleStatus. Legality is the
// caller's job via RedemptionStatus.CanTransition.
func (s *Store) TransitionRedemption(ctx context.Context, q Querier, requestID uint64, from, to model.RedemptionStatus) error {
	res, err := q.ExecContext(ctx, `
		UPDATE redemption_requests SET status = $3, updated_at = NOW()
		WHERE request_id = $1 AND status = $2`,
		requestID, from, to)
	if err != nil {
		return fmt.Errorf("transition redemption %d %s->%s: %w", requestID, from, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("transition redemption %d %s->%s: %w", requestID, from, to, ErrStaleStatus)
	}
	return nil
}

// SettleRedemption records the settlement outcome. Settling an already
// settled request is a no-op, keeping the handler idempotent.
func (s *Store) SettleRedemption(ctx context.Context, q Querier, requestID uint64, netAmount, fee *model.Amount, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE redemption_requests
		SET status = $2, settled_amount = $3, actual_fee = $4, settled_at = $5, updated_at = NOW()
		WHERE request_id = $1 AND status IN ($6, $7)`,
		requestID, model.RedemptionSettled, netAmount, fee, at,
		model.RedemptionPending, model.RedemptionApproved)
	if err != nil {
		return fmt.Errorf("settle redemption %d: %w", requestID, err)
	}
	return nil
}

// LinkRedemptionTicket attaches the approval ticket created for a request.
func (s *Store) LinkRedemptionTicket(ctx context.Context, q Querier, requestID uint64, ticketID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE redemption_requests SET approval_ticket_id = $2, updated_at = NOW()
		WHERE request_id = $1`, requestID, ticketID)
	if err != nil {
		return fmt.Errorf("link ticket to redemption %d: %w", requestID, err)
	}
	return nil
}

// SetRedemptionVoucher records the NFT voucher minted for a request.
func (s *Store) SetRedemptionVoucher(ctx context.Context, q Querier, requestID, tokenID uint64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE redemption_requests SET voucher_token_id = $2, updated_at = NOW()
		WHERE request_id = $1`, requestID, tokenID)
	if err != nil {
		return fmt.Errorf("set voucher on redemption %d: %w", requestID, err)
	}
	return nil
}

// CountRedemptionsByStatus returns request counts per status.
func (s *Store) CountRedemptionsByStatus(ctx context.Context, q Querier) (map[model.RedemptionStatus]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM redemption_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count redemptions: %w", err)
	}
	defer rows.Close()

	out := make(map[model.RedemptionStatus]int)
	for rows.Next() {
		var st model.RedemptionStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan redemption count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// PendingLiabilityBetween sums gross liability for unsettled requests whose
// settlement time falls in [from, to). Used for confirmed-outflow forecasts.
func (s *Store) PendingLiabilityBetween(ctx context.Context, q Querier, from, to time.Time) (*model.Amount, error) {
	sum := model.ZeroAmount()
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(gross_amount), 0) FROM redemption_requests
		WHERE status IN ($1, $2) AND settlement_time >= $3 AND settlement_time < $4`,
		model.RedemptionPending, model.RedemptionApproved, from, to).Scan(sum)
	if err != nil {
		return nil, fmt.Errorf("pending liability: %w", err)
	}
	return sum, nil
}

// PendingApprovalLiability sums gross liability of requests still gated on
// approval.
func (s *Store) PendingApprovalLiability(ctx context.Context, q Querier) (*model.Amount, error) {
	sum := model.ZeroAmount()
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(gross_amount), 0) FROM redemption_requests
		WHERE status = $1`, model.RedemptionPendingApproval).Scan(sum)
	if err != nil {
		return nil, fmt.Errorf("pending approval liability: %w", err)
	}
	return sum, nil
}

// SettledOutflowSince sums settled amounts in the trailing window, for
// redemption-velocity indicators and probabilistic forecasting.
func (s *Store) SettledOutflowSince(ctx context.Context, q Querier, since time.Time) (*model.Amount, error) {
	sum := model.ZeroAmount()
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(settled_amount), 0) FROM redemption_requests
		WHERE status = $1 AND settled_at >= $2`,
		model.RedemptionSettled, since).Scan(sum)
	if err != nil {
		return nil, fmt.Errorf("settled outflow: %w", err)
	}
	return sum, nil
}

// RequestedInflowSince sums gross amounts requested in the trailing window.
func (s *Store) RequestedInflowSince(ctx context.Context, q Querier, since time.Time) (*model.Amount, error) {
	sum := model.ZeroAmount()
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(gross_amount), 0) FROM redemption_requests
		WHERE request_time >= $1`, since).Scan(sum)
	if err != nil {
		return nil, fmt.Errorf("requested inflow: %w", err)
	}
	return sum, nil
}

// ListRedemptions pages through requests, newest first.
func (s *Store) ListRedemptions(ctx context.Context, q Querier, status model.RedemptionStatus, limit int) ([]*model.RedemptionRequest, error) {
	query := `SELECT ` + redemptionCols + ` FROM redemption_requests`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY request_time DESC LIMIT %d`, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	defer rows.Close()

	var out []*model.RedemptionRequest
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

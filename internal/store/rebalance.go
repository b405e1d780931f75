package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kelpejol/strata/internal/model"
)

const planCols = `
	id, trigger_type, reason, pre_state, target_state, total_amount,
	estimated_gas, estimated_slip_bps, requires_approval, approval_ticket_id,
	status, error, created_at, approved_at, executed_at, completed_at`

func scanPlan(row interface{ Scan(...interface{}) error }) (*model.RebalancePlan, error) {
	p := &model.RebalancePlan{
		TotalAmount:  model.ZeroAmount(),
		EstimatedGas: model.ZeroAmount(),
	}
	var preState, targetState []byte
	var ticketID, planErr sql.NullString
	err := row.Scan(
		&p.ID, &p.Trigger, &p.Reason, &preState, &targetState, p.TotalAmount,
		p.EstimatedGas, &p.EstimatedSlipBps, &p.RequiresApproval, &ticketID,
		&p.Status, &planErr, &p.CreatedAt, &p.ApprovedAt, &p.ExecutedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	p.ApprovalTicketID = ticketID.String
	p.Error = planErr.String
	if len(preState) > 0 {
		if err := json.Unmarshal(preState, &p.PreState); err != nil {
			return nil, fmt.Errorf("unmarshal pre_state: %w", err)
		}
	}
	if len(targetState) > 0 {
		if err := json.Unmarshal(targetState, &p.TargetState); err != nil {
			return nil, fmt.Errorf("unmarshal target_state: %w", err)
		}
	}
	return p, nil
}

// InsertPlan persists a plan and its actions atomically (callers pass a tx).
func (s *Store) InsertPlan(ctx context.Context, q Querier, p *model.RebalancePlan) error {
	preState, err := json.Marshal(p.PreState)
	if err != nil {
		return fmt.Errorf("marshal pre_state: %w", err)
	}
	targetState, err := json.Marshal(p.TargetState)
	if err != nil {
		return fmt.Errorf("marshal target_state: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO rebalance_plans (`+planCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,NULLIF($12,''),NOW(),$13,$14,$15)`,
		p.ID, p.Trigger, p.Reason, preState, targetState, p.TotalAmount,
		p.EstimatedGas, p.EstimatedSlipBps, p.RequiresApproval, p.ApprovalTicketID,
		p.Status, p.Error, p.ApprovedAt, p.ExecutedAt, p.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert plan %s: %w", p.ID, err)
	}

	for _, a := range p.Actions {
		if err := s.insertAction(ctx, q, &a); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertAction(ctx context.Context, q Querier, a *model.PlanAction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO rebalance_actions (
			id, plan_id, priority, kind, from_tier, to_tier, asset, amount,
			max_slippage_bps, max_tier, status, tx_hash, error, executed_at
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),$8,$9,NULLIF($10,''),$11,NULLIF($12,''),NULLIF($13,''),$14)`,
		a.ID, a.PlanID, a.Priority, a.Kind, string(a.FromTier), string(a.ToTier),
		a.Asset, a.Amount, a.MaxSlippageBps, string(a.MaxTier), a.Status,
		a.TxHash, a.Error, a.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert action %s: %w", a.ID, err)
	}
	return nil
}

// GetPlan loads a plan with its actions in priority order.
func (s *Store) GetPlan(ctx context.Context, q Querier, id string) (*model.RebalancePlan, error) {
	p, err := scanPlan(q.QueryRowContext(ctx,
		`SELECT `+planCols+` FROM rebalance_plans WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", id, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, plan_id, priority, kind,
		       COALESCE(from_tier,''), COALESCE(to_tier,''), COALESCE(asset,''),
		       amount, max_slippage_bps, COALESCE(max_tier,''), status,
		       COALESCE(tx_hash,''), COALESCE(error,''), executed_at
		FROM rebalance_actions WHERE plan_id = $1
		ORDER BY priority, id`, id)
	if err != nil {
		return nil, fmt.Errorf("load plan actions %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		a := model.PlanAction{Amount: model.ZeroAmount()}
		var fromTier, toTier, maxTier string
		if err := rows.Scan(&a.ID, &a.PlanID, &a.Priority, &a.Kind,
			&fromTier, &toTier, &a.Asset, a.Amount, &a.MaxSlippageBps,
			&maxTier, &a.Status, &a.TxHash, &a.Error, &a.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.FromTier = model.Tier(fromTier)
		a.ToTier = model.Tier(toTier)
		a.MaxTier = model.Tier(maxTier)
		p.Actions = append(p.Actions, a)
	}
	return p, rows.Err()
}

// TransitionPlan moves a plan between statuses with a SQL guard.
func (s *Store) TransitionPlan(ctx context.Context, q Querier, id string, from, to model.PlanStatus) error {
	res, err := q.ExecContext(ctx, `
		UPDATE rebalance_plans SET status = $3,
			approved_at = CASE WHEN $3 = 'APPROVED' THEN NOW() ELSE approved_at END,
			executed_at = CASE WHEN $3 = 'EXECUTING' THEN NOW() ELSE executed_at END,
			completed_at = CASE WHEN $3 IN ('COMPLETED','PARTIAL','FAILED','CANCELLED') THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("transition plan %s %s->%s: %w", id, from, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("transition plan %s %s->%s: %w", id, from, to, ErrStaleStatus)
	}
	return nil
}

// SetPlanError records a terminal failure reason.
func (s *Store) SetPlanError(ctx context.Context, q Querier, id, reason string) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE rebalance_plans SET error = $2 WHERE id = $1`, id, reason); err != nil {
		return fmt.Errorf("set plan error %s: %w", id, err)
	}
	return nil
}

// LinkPlanTicket attaches the approval ticket created for a plan.
func (s *Store) LinkPlanTicket(ctx context.Context, q Querier, planID, ticketID string) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE rebalance_plans SET approval_ticket_id = $2 WHERE id = $1`,
		planID, ticketID); err != nil {
		return fmt.Errorf("link ticket to plan %s: %w", planID, err)
	}
	return nil
}

// UpdateAction persists one action's execution outcome.
func (s *Store) UpdateAction(ctx context.Context, q Querier, a *model.PlanAction) error {
	_, err := q.ExecContext(ctx, `
		UPDATE rebalance_actions SET
			status = $2, tx_hash = NULLIF($3,''), error = NULLIF($4,''), executed_at = $5
		WHERE id = $1`,
		a.ID, a.Status, a.TxHash, a.Error, a.ExecutedAt)
	if err != nil {
		return fmt.Errorf("update action %s: %w", a.ID, err)
	}
	return nil
}

// ListPlans pages through plans, newest first. Empty status means all.
func (s *Store) ListPlans(ctx context.Context, q Querier, status model.PlanStatus, limit int) ([]*model.RebalancePlan, error) {
	query := `SELECT ` + planCols + ` FROM rebalance_plans`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*model.RebalancePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HasActivePlan reports whether any plan is mid-flight. The executor refuses
// to start a second concurrent plan.
func (s *Store) HasActivePlan(ctx context.Context, q Querier) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM rebalance_plans WHERE status IN ($1, $2) LIMIT 1`,
		model.PlanExecuting, model.PlanApproved).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check active plan: %w", err)
	}
	return true, nil
}

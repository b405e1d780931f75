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

const ticketCols = `
	id, type, reference_type, reference_id, requester, request_data,
	rule_snapshot, required_approvals, current_approvals, current_rejections,
	sla_warning_at, sla_deadline_at, escalation_at, escalated_at, escalated_to,
	status, result_reason, resolved_at, resolved_by, created_at, updated_at`

func scanTicket(row interface{ Scan(...interface{}) error }) (*model.ApprovalTicket, error) {
	t := &model.ApprovalTicket{}
	var requestData []byte
	var escalatedTo, resultReason, resolvedBy sql.NullString
	err := row.Scan(
		&t.ID, &t.Type, &t.ReferenceType, &t.ReferenceID, &t.Requester, &requestData,
		&t.RuleSnapshot, &t.RequiredApprovals, &t.CurrentApprovals, &t.CurrentRejections,
		&t.SLAWarningAt, &t.SLADeadlineAt, &t.EscalationAt, &t.EscalatedAt, &escalatedTo,
		&t.Status, &resultReason, &t.ResolvedAt, &resolvedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.EscalatedTo = escalatedTo.String
	t.ResultReason = resultReason.String
	t.ResolvedBy = resolvedBy.String
	if len(requestData) > 0 {
		if err := json.Unmarshal(requestData, &t.RequestData); err != nil {
			return nil, fmt.Errorf("unmarshal request_data: %w", err)
		}
	}
	return t, nil
}

// InsertTicket persists a new approval ticket.
func (s *Store) InsertTicket(ctx context.Context, q Querier, t *model.ApprovalTicket) error {
	requestData, err := json.Marshal(t.RequestData)
	if err != nil {
		return fmt.Errorf("marshal request_data: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO approval_tickets (`+ticketCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NULLIF($15,''),$16,NULLIF($17,''),$18,NULLIF($19,''),NOW(),NOW())`,
		t.ID, t.Type, t.ReferenceType, t.ReferenceID, t.Requester, requestData,
		t.RuleSnapshot, t.RequiredApprovals, t.CurrentApprovals, t.CurrentRejections,
		t.SLAWarningAt, t.SLADeadlineAt, t.EscalationAt, t.EscalatedAt, t.EscalatedTo,
		t.Status, t.ResultReason, t.ResolvedAt, t.ResolvedBy)
	if err != nil {
		return fmt.Errorf("insert ticket %s: %w", t.ID, err)
	}
	return nil
}

// GetTicket loads a ticket with its records.
func (s *Store) GetTicket(ctx context.Context, q Querier, id string) (*model.ApprovalTicket, error) {
	return s.getTicket(ctx, q, id, false)
}

// GetTicketForUpdate loads a ticket under a row lock. Must run inside a
// transaction; concurrent approvers serialize here, which is what guarantees
// a race of two final approvals resolves the ticket exactly once.
func (s *Store) GetTicketForUpdate(ctx context.Context, q Querier, id string) (*model.ApprovalTicket, error) {
	return s.getTicket(ctx, q, id, true)
}

func (s *Store) getTicket(ctx context.Context, q Querier, id string, forUpdate bool) (*model.ApprovalTicket, error) {
	query := `SELECT ` + ticketCols + ` FROM approval_tickets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTicket(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", id, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, ticket_id, approver, action, reason, created_at
		FROM approval_records WHERE ticket_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("load ticket records %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.ApprovalRecord
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.TicketID, &r.Approver, &r.Action, &reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Reason = reason.String
		t.Records = append(t.Records, r)
	}
	return t, rows.Err()
}

// InsertApprovalRecord appends one approver decision. Records are never
// updated or deleted.
func (s *Store) InsertApprovalRecord(ctx context.Context, q Querier, r *model.ApprovalRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO approval_records (id, ticket_id, approver, action, reason, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NOW())`,
		r.ID, r.TicketID, r.Approver, r.Action, r.Reason)
	if err != nil {
		return fmt.Errorf("insert approval record: %w", err)
	}
	return nil
}

// UpdateTicketProgress persists the running counters and status after an
// approver action or SLA job.
func (s *Store) UpdateTicketProgress(ctx context.Context, q Querier, t *model.ApprovalTicket) error {
	_, err := q.ExecContext(ctx, `
		UPDATE approval_tickets SET
			current_approvals = $2, current_rejections = $3, status = $4,
			result_reason = NULLIF($5,''), resolved_at = $6, resolved_by = NULLIF($7,''),
			escalated_at = $8, escalated_to = NULLIF($9,''), updated_at = NOW()
		WHERE id = $1`,
		t.ID, t.CurrentApprovals, t.CurrentRejections, t.Status,
		t.ResultReason, t.ResolvedAt, t.ResolvedBy, t.EscalatedAt, t.EscalatedTo)
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", t.ID, err)
	}
	return nil
}

// ListOpenTickets returns tickets still awaiting action, oldest first.
func (s *Store) ListOpenTickets(ctx context.Context, q Querier, limit int) ([]*model.ApprovalTicket, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+ticketCols+` FROM approval_tickets
		WHERE status IN ($1, $2) ORDER BY created_at LIMIT $3`,
		model.TicketPending, model.TicketPartiallyApproved, limit)
	if err != nil {
		return nil, fmt.Errorf("list open tickets: %w", err)
	}
	defer rows.Close()

	var out []*model.ApprovalTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TicketStats aggregates resolution counts and mean time-to-resolution over
// a trailing window.
type TicketStats struct {
	Open            int
	Approved        int
	Rejected        int
	Expired         int
	AvgResolveHours float64
}

// GetTicketStats computes approval statistics since the given time.
func (s *Store) GetTicketStats(ctx context.Context, q Querier, since time.Time) (*TicketStats, error) {
	st := &TicketStats{}
	err := q.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($2, $3)),
			COUNT(*) FILTER (WHERE status = $4 AND resolved_at >= $1),
			COUNT(*) FILTER (WHERE status = $5 AND resolved_at >= $1),
			COUNT(*) FILTER (WHERE status = $6 AND resolved_at >= $1),
			COALESCE(AVG(EXTRACT(EPOCH FROM (resolved_at - created_at)) / 3600.0)
				FILTER (WHERE resolved_at IS NOT NULL AND resolved_at >= $1), 0)
		FROM approval_tickets`,
		since,
		model.TicketPending, model.TicketPartiallyApproved,
		model.TicketApproved, model.TicketRejected, model.TicketExpired).Scan(
		&st.Open, &st.Approved, &st.Rejected, &st.Expired, &st.AvgResolveHours)
	if err != nil {
		return nil, fmt.Errorf("ticket stats: %w", err)
	}
	return st, nil
}

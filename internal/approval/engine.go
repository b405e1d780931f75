package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kelpejol/strata/internal/chain"
	"github.com/kelpejol/strata/internal/model"
	"github.com/kelpejol/strata/internal/notify"
	"github.com/kelpejol/strata/internal/store"
	"github.com/kelpejol/strata/internal/task"
)

var (
	// ErrTicketResolved reports an action against a ticket already in a
	// terminal state.
	ErrTicketResolved = errors.New("ticket already resolved")
	// ErrAlreadyActed reports a second decision from the same approver.
	ErrAlreadyActed = errors.New("approver already acted on this ticket")
	// ErrUnknownApprover reports an address with no registered level.
	ErrUnknownApprover = errors.New("approver not registered")
	// ErrApproverLevel reports an approver below the rule's required level.
	ErrApproverLevel = errors.New("approver level insufficient")
	// ErrNotCancellable reports a cancel against a resolved ticket.
	ErrNotCancellable = errors.New("ticket not cancellable")
)

// Engine owns approval tickets end to end: creation, approver decisions,
// SLA timers and the on-chain commit of the outcome.
type Engine struct {
	store    *store.Store
	queue    *task.Queue
	gw       chain.Gateway
	notifier notify.Notifier
	vault    string
	rules    []Rule
	log      zerolog.Logger

	mu     sync.RWMutex
	levels map[string]Level // lowercase address -> level
}

// New builds the engine with the default rule set. vault is the contract
// that receives approveRedemption/rejectRedemption calls.
func New(st *store.Store, queue *task.Queue, gw chain.Gateway, notifier notify.Notifier, vault string, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		queue:    queue,
		gw:       gw,
		notifier: notifier,
		vault:    vault,
		rules:    DefaultRules(),
		levels:   make(map[string]Level),
		log:      logger.With().Str("component", "approval").Logger(),
	}
}

// SetApproverLevel registers or updates one approver address.
func (e *Engine) SetApproverLevel(addr string, lvl Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.levels[strings.ToLower(addr)] = lvl
}

// ApproverLevel looks up a registered approver.
func (e *Engine) ApproverLevel(addr string) (Level, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lvl, ok := e.levels[strings.ToLower(addr)]
	return lvl, ok
}

// Register binds the engine's task handlers to the pool.
func (e *Engine) Register(pool *task.Pool) {
	pool.Register(task.KindSLAWarning, e.HandleSLAWarning)
	pool.Register(task.KindSLAEscalation, e.HandleSLAEscalation)
	pool.Register(task.KindSLADeadline, e.HandleSLADeadline)
	pool.Register(task.KindApprovalResult, e.HandleResult)
}

// CreateForRedemption builds and persists a ticket for a redemption that
// the contract flagged requires_approval. Runs inside the event handler's
// transaction so the ticket and the request commit together.
func (e *Engine) CreateForRedemption(ctx context.Context, tx *sql.Tx, r *model.RedemptionRequest) (*model.ApprovalTicket, error) {
	ticketType := TypeRedemption
	if r.Channel == model.ChannelEmergency {
		ticketType = TypeEmergencyRedemption
	}
	rule, err := MatchRule(e.rules, ticketType, Facts{Amount: r.GrossAmount, Channel: r.Channel})
	if err != nil {
		return nil, err
	}

	t, err := e.newTicket(rule, model.RefRedemption, strconv.FormatUint(r.RequestID, 10), r.Owner, map[string]interface{}{
		"request_id":   r.RequestID,
		"owner":        r.Owner,
		"receiver":     r.Receiver,
		"gross_amount": r.GrossAmount.String(),
		"channel":      string(r.Channel),
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertTicket(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := e.audit(ctx, tx, "ticket_created", t.ID, "system", nil, map[string]interface{}{
		"type": t.Type, "rule": rule.Name, "required_approvals": t.RequiredApprovals,
		"status": t.Status,
	}); err != nil {
		return nil, err
	}
	e.log.Info().Str("ticket", t.ID).Str("type", t.Type).Str("rule", rule.Name).
		Str("status", string(t.Status)).
		Uint64("request_id", r.RequestID).Msg("approval ticket created")
	return t, nil
}

// CreateForRebalance gates a rebalance plan whose total exceeds the approval
// threshold. Same transactional contract as CreateForRedemption.
func (e *Engine) CreateForRebalance(ctx context.Context, tx *sql.Tx, p *model.RebalancePlan) (*model.ApprovalTicket, error) {
	rule, err := MatchRule(e.rules, TypeRebalancing, Facts{Amount: p.TotalAmount})
	if err != nil {
		return nil, err
	}

	t, err := e.newTicket(rule, model.RefRebalance, p.ID, "system", map[string]interface{}{
		"plan_id":      p.ID,
		"trigger":      string(p.Trigger),
		"total_amount": p.TotalAmount.String(),
		"actions":      len(p.Actions),
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertTicket(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := e.audit(ctx, tx, "ticket_created", t.ID, "system", nil, map[string]interface{}{
		"type": t.Type, "rule": rule.Name, "plan_id": p.ID,
	}); err != nil {
		return nil, err
	}
	e.log.Info().Str("ticket", t.ID).Str("plan", p.ID).Msg("rebalance approval ticket created")
	return t, nil
}

func (e *Engine) newTicket(rule Rule, refType model.ReferenceType, refID, requester string, data map[string]interface{}) (*model.ApprovalTicket, error) {
	snapshot, err := json.Marshal(rule)
	if err != nil {
		return nil, fmt.Errorf("marshal rule snapshot: %w", err)
	}
	now := time.Now().UTC()
	t := &model.ApprovalTicket{
		ID:                uuid.NewString(),
		Type:              rule.TicketType,
		ReferenceType:     refType,
		ReferenceID:       refID,
		Requester:         requester,
		RequestData:       data,
		RuleSnapshot:      string(snapshot),
		RequiredApprovals: rule.RequiredApprovals,
		SLAWarningAt:      now.Add(rule.SLAWarning),
		SLADeadlineAt:     now.Add(rule.SLADeadline),
		Status:            model.TicketPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if rule.EscalateAfter > 0 {
		at := now.Add(rule.EscalateAfter)
		t.EscalationAt = &at
	}
	if rule.AutoApprove {
		// resolved at birth; the caller processes the result in-line
		// instead of scheduling timers
		t.Status = model.TicketApproved
		t.ResolvedAt = &now
		t.ResolvedBy = "system"
		t.ResultReason = "auto-approved by rule " + rule.Name
	}
	return t, nil
}

type slaPayload struct {
	TicketID string `json:"ticket_id"`
}

func slaTaskID(kind, ticketID string) string {
	return kind + ":" + ticketID
}

// ScheduleSLA registers the ticket's deferred SLA jobs. Deferred jobs live
// in Redis, so timers survive a process restart. Jobs re-check the ticket
// before acting, so resolved tickets make them no-ops even if cancellation
// raced. An auto-approved ticket arrives here already terminal: it gets no
// timers, its result is processed in-line instead.
func (e *Engine) ScheduleSLA(ctx context.Context, t *model.ApprovalTicket) error {
	if t.Status.Terminal() {
		if err := e.processResult(ctx, t); err != nil {
			// fall back to the queued result processor so the worker retries
			e.log.Error().Err(err).Str("ticket", t.ID).Msg("in-line result processing failed")
			e.afterResolution(ctx, t)
		}
		return nil
	}
	jobs := []struct {
		kind string
		at   *time.Time
	}{
		{task.KindSLAWarning, &t.SLAWarningAt},
		{task.KindSLAEscalation, t.EscalationAt},
		{task.KindSLADeadline, &t.SLADeadlineAt},
	}
	for _, j := range jobs {
		if j.at == nil {
			continue
		}
		tk, err := task.NewTask(j.kind, task.PriorityHigh, slaPayload{TicketID: t.ID})
		if err != nil {
			return err
		}
		tk.ID = slaTaskID(j.kind, t.ID)
		if err := e.queue.Defer(ctx, tk, *j.at); err != nil {
			return fmt.Errorf("defer %s for ticket %s: %w", j.kind, t.ID, err)
		}
	}
	return nil
}

// cancelSLA drops any still-pending SLA jobs for the ticket. Best effort:
// a job that already promoted will no-op against the resolved ticket.
func (e *Engine) cancelSLA(ctx context.Context, ticketID string) {
	for _, kind := range []string{task.KindSLAWarning, task.KindSLAEscalation, task.KindSLADeadline} {
		err := e.queue.CancelDeferred(ctx, slaTaskID(kind, ticketID))
		if err != nil && !errors.Is(err, task.ErrNotDeferred) {
			e.log.Warn().Err(err).Str("ticket", ticketID).Str("kind", kind).Msg("sla cancel failed")
		}
	}
}

// Approve records one approval. The final required approval resolves the
// ticket and queues the on-chain commit.
func (e *Engine) Approve(ctx context.Context, ticketID, approver, reason string) (*model.ApprovalTicket, error) {
	return e.decide(ctx, ticketID, approver, model.ActionApprove, reason)
}

// Reject records a rejection. Any single rejection resolves the ticket.
func (e *Engine) Reject(ctx context.Context, ticketID, approver, reason string) (*model.ApprovalTicket, error) {
	return e.decide(ctx, ticketID, approver, model.ActionReject, reason)
}

func (e *Engine) decide(ctx context.Context, ticketID, approver string, action model.ApprovalAction, reason string) (*model.ApprovalTicket, error) {
	lvl, known := e.ApproverLevel(approver)
	if !known {
		return nil, ErrUnknownApprover
	}

	var (
		ticket   *model.ApprovalTicket
		resolved bool
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		t, err := e.store.GetTicketForUpdate(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return ErrTicketResolved
		}
		if t.HasActed(approver) {
			return ErrAlreadyActed
		}

		var rule Rule
		if err := json.Unmarshal([]byte(t.RuleSnapshot), &rule); err != nil {
			return fmt.Errorf("unmarshal rule snapshot for %s: %w", t.ID, err)
		}
		if lvl < rule.RequiredLevel {
			return fmt.Errorf("%w: have %s, need %s", ErrApproverLevel, lvl, rule.RequiredLevel)
		}

		rec := &model.ApprovalRecord{
			ID:       uuid.NewString(),
			TicketID: t.ID,
			Approver: approver,
			Action:   action,
			Reason:   reason,
		}
		if err := e.store.InsertApprovalRecord(ctx, tx, rec); err != nil {
			return err
		}
		t.Records = append(t.Records, *rec)

		switch action {
		case model.ActionApprove:
			t.CurrentApprovals++
			if t.CurrentApprovals >= t.RequiredApprovals {
				e.resolve(t, model.TicketApproved, approver, reason)
				resolved = true
			} else {
				t.Status = model.TicketPartiallyApproved
			}
		case model.ActionReject:
			t.CurrentRejections++
			e.resolve(t, model.TicketRejected, approver, reason)
			resolved = true
		}

		if err := e.store.UpdateTicketProgress(ctx, tx, t); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, "ticket_"+strings.ToLower(string(action)), t.ID, approver,
			nil, map[string]interface{}{"status": t.Status, "approvals": t.CurrentApprovals}); err != nil {
			return err
		}
		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("ticket", ticketID).Str("approver", approver).
		Str("action", string(action)).Str("status", string(ticket.Status)).Msg("approver decision recorded")
	if resolved {
		e.afterResolution(ctx, ticket)
	}
	return ticket, nil
}

// Cancel withdraws an unresolved ticket and cascades the cancellation to
// the referenced entity.
func (e *Engine) Cancel(ctx context.Context, ticketID, actor, reason string) (*model.ApprovalTicket, error) {
	var ticket *model.ApprovalTicket
	err := e.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		t, err := e.store.GetTicketForUpdate(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if !t.Status.Cancellable() {
			return ErrNotCancellable
		}
		e.resolve(t, model.TicketCancelled, actor, reason)
		if err := e.store.UpdateTicketProgress(ctx, tx, t); err != nil {
			return err
		}
		if err := e.cascadeResolution(ctx, tx, t); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, "ticket_cancelled", t.ID, actor, nil,
			map[string]interface{}{"reason": reason}); err != nil {
			return err
		}
		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.afterResolution(ctx, ticket)
	return ticket, nil
}

// resolve stamps the terminal state. Callers hold the row lock, so this
// runs exactly once per ticket.
func (e *Engine) resolve(t *model.ApprovalTicket, status model.TicketStatus, actor, reason string) {
	now := time.Now().UTC()
	t.Status = status
	t.ResolvedAt = &now
	t.ResolvedBy = actor
	t.ResultReason = reason
}

// cascadeResolution moves the referenced request or plan to its matching
// off-chain state inside the resolving transaction.
func (e *Engine) cascadeResolution(ctx context.Context, tx *sql.Tx, t *model.ApprovalTicket) error {
	switch t.ReferenceType {
	case model.RefRedemption:
		id, err := strconv.ParseUint(t.ReferenceID, 10, 64)
		if err != nil {
			return fmt.Errorf("ticket %s reference: %w", t.ID, err)
		}
		to := map[model.TicketStatus]model.RedemptionStatus{
			model.TicketExpired:   model.RedemptionExpired,
			model.TicketCancelled: model.RedemptionCancelled,
		}[t.Status]
		if to == "" {
			return nil
		}
		err = e.store.TransitionRedemption(ctx, tx, id, model.RedemptionPendingApproval, to)
		if errors.Is(err, store.ErrStaleStatus) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	case model.RefRebalance:
		err := e.store.TransitionPlan(ctx, tx, t.ReferenceID, model.PlanPendingApproval, model.PlanCancelled)
		if errors.Is(err, store.ErrStaleStatus) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// afterResolution runs the post-commit side of a resolved ticket: drop the
// pending SLA timers and queue the result processor.
func (e *Engine) afterResolution(ctx context.Context, t *model.ApprovalTicket) {
	e.cancelSLA(ctx, t.ID)
	tk, err := task.NewTask(task.KindApprovalResult, task.PriorityHigh, slaPayload{TicketID: t.ID})
	if err == nil {
		err = e.queue.Enqueue(ctx, tk)
	}
	if err != nil {
		e.log.Error().Err(err).Str("ticket", t.ID).Msg("result task enqueue failed")
	}
}

// HandleSLAWarning notifies operators that a ticket is approaching its
// deadline. No-op once the ticket resolved.
func (e *Engine) HandleSLAWarning(ctx context.Context, tk *task.Task) error {
	t, err := e.loadTicket(ctx, tk)
	if err != nil || t == nil {
		return err
	}
	remaining := time.Until(t.SLADeadlineAt).Round(time.Minute)
	return e.notifier.Notify(ctx, notify.SevWarning,
		fmt.Sprintf("Approval ticket %s nearing SLA deadline", t.ID),
		fmt.Sprintf("type=%s approvals=%d/%d deadline in %s",
			t.Type, t.CurrentApprovals, t.RequiredApprovals, remaining))
}

// HandleSLAEscalation marks the ticket escalated and alerts the higher
// approver tier.
func (e *Engine) HandleSLAEscalation(ctx context.Context, tk *task.Task) error {
	var p slaPayload
	if err := json.Unmarshal(tk.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal sla payload: %w", err)
	}

	var ticket *model.ApprovalTicket
	err := e.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		t, err := e.store.GetTicketForUpdate(ctx, tx, p.TicketID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() || t.EscalatedAt != nil {
			return nil
		}
		var rule Rule
		if err := json.Unmarshal([]byte(t.RuleSnapshot), &rule); err != nil {
			return fmt.Errorf("unmarshal rule snapshot for %s: %w", t.ID, err)
		}
		now := time.Now().UTC()
		t.EscalatedAt = &now
		t.EscalatedTo = rule.EscalateTo.String()
		if err := e.store.UpdateTicketProgress(ctx, tx, t); err != nil {
			return err
		}
		ticket = t
		return nil
	})
	if err != nil || ticket == nil {
		return err
	}
	return e.notifier.Notify(ctx, notify.SevCritical,
		fmt.Sprintf("Approval ticket %s escalated to %s", ticket.ID, ticket.EscalatedTo),
		fmt.Sprintf("type=%s unresolved past escalation window, deadline %s",
			ticket.Type, ticket.SLADeadlineAt.Format(time.RFC3339)))
}

// HandleSLADeadline expires an unresolved ticket. With the rule's
// auto_reject set the expiry is also committed on-chain through the result
// processor; without it the expiry stays off-chain and operators get the
// critical notification.
func (e *Engine) HandleSLADeadline(ctx context.Context, tk *task.Task) error {
	var p slaPayload
	if err := json.Unmarshal(tk.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal sla payload: %w", err)
	}

	var (
		ticket *model.ApprovalTicket
		rule   Rule
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		t, err := e.store.GetTicketForUpdate(ctx, tx, p.TicketID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return nil
		}
		if err := json.Unmarshal([]byte(t.RuleSnapshot), &rule); err != nil {
			return fmt.Errorf("unmarshal rule snapshot for %s: %w", t.ID, err)
		}
		e.resolve(t, model.TicketExpired, "system", "sla deadline passed")
		if err := e.store.UpdateTicketProgress(ctx, tx, t); err != nil {
			return err
		}
		if err := e.cascadeResolution(ctx, tx, t); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, "ticket_expired", t.ID, "system", nil,
			map[string]interface{}{"auto_reject": rule.AutoReject}); err != nil {
			return err
		}
		ticket = t
		return nil
	})
	if err != nil || ticket == nil {
		return err
	}

	detail := fmt.Sprintf("type=%s received %d/%d approvals before the deadline",
		ticket.Type, ticket.CurrentApprovals, ticket.RequiredApprovals)
	detail += e.expiryFollowUp(ctx, ticket, rule.AutoReject)
	return e.notifier.Notify(ctx, notify.SevCritical,
		fmt.Sprintf("Approval ticket %s expired", ticket.ID), detail)
}

// expiryFollowUp routes an expired ticket after commit: auto_reject hands it
// to the result processor for the on-chain rejection, otherwise only the
// remaining timers are dropped and the rejection stays manual.
func (e *Engine) expiryFollowUp(ctx context.Context, t *model.ApprovalTicket, autoReject bool) string {
	if autoReject {
		e.afterResolution(ctx, t)
		return ""
	}
	e.cancelSLA(ctx, t.ID)
	return "; no on-chain rejection, manual follow-up required"
}

// HandleResult commits a resolved ticket's outcome: on-chain approve or
// reject for redemptions, plan promotion or cancellation for rebalances.
// Idempotent via the gateway's receipt wait and the guarded plan
// transitions; the worker retries transient failures.
func (e *Engine) HandleResult(ctx context.Context, tk *task.Task) error {
	var p slaPayload
	if err := json.Unmarshal(tk.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal result payload: %w", err)
	}
	t, err := e.store.GetTicket(ctx, e.store.DB(), p.TicketID)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("ticket %s not resolved yet", t.ID)
	}
	return e.processResult(ctx, t)
}

func (e *Engine) processResult(ctx context.Context, t *model.ApprovalTicket) error {
	switch t.ReferenceType {
	case model.RefRedemption:
		return e.commitRedemption(ctx, t)
	case model.RefRebalance:
		return e.commitRebalance(ctx, t)
	}
	return nil
}

func (e *Engine) commitRedemption(ctx context.Context, t *model.ApprovalTicket) error {
	requestID, err := strconv.ParseUint(t.ReferenceID, 10, 64)
	if err != nil {
		return fmt.Errorf("ticket %s reference: %w", t.ID, err)
	}

	r, err := e.store.GetRedemption(ctx, e.store.DB(), requestID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() || r.Status == model.RedemptionApproved {
		// chain already reflects the outcome; a replayed task stops here
		return nil
	}

	var data []byte
	switch t.Status {
	case model.TicketApproved:
		data = chain.ApproveRedemptionCall(requestID)
	case model.TicketCancelled:
		// cancellation is off-chain only; the owner cancels on-chain themselves
		return nil
	case model.TicketRejected, model.TicketExpired:
		reason := t.ResultReason
		if reason == "" {
			reason = strings.ToLower(string(t.Status))
		}
		data = chain.RejectRedemptionCall(requestID, reason)
	default:
		return nil
	}

	receipt, err := e.gw.Send(ctx, chain.TxRequest{
		Contract: e.vault,
		Signer:   model.RoleVIPApprover,
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("commit ticket %s on-chain: %w", t.ID, err)
	}
	e.log.Info().Str("ticket", t.ID).Uint64("request_id", requestID).
		Str("status", string(t.Status)).Str("tx", receipt.TxHash).Msg("redemption outcome committed on-chain")
	return nil
}

func (e *Engine) commitRebalance(ctx context.Context, t *model.ApprovalTicket) error {
	switch t.Status {
	case model.TicketApproved:
		err := e.store.TransitionPlan(ctx, e.store.DB(), t.ReferenceID,
			model.PlanPendingApproval, model.PlanApproved)
		if errors.Is(err, store.ErrStaleStatus) {
			return nil // replay, plan already moved on
		}
		if err != nil {
			return err
		}
		exec, err := task.NewTask(task.KindExecutePlan, task.PriorityHigh,
			map[string]string{"plan_id": t.ReferenceID})
		if err != nil {
			return err
		}
		return e.queue.Enqueue(ctx, exec)
	case model.TicketRejected, model.TicketExpired, model.TicketCancelled:
		err := e.store.TransitionPlan(ctx, e.store.DB(), t.ReferenceID,
			model.PlanPendingApproval, model.PlanCancelled)
		if errors.Is(err, store.ErrStaleStatus) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		reason := t.ResultReason
		if reason == "" {
			reason = "approval " + strings.ToLower(string(t.Status))
		}
		return e.store.SetPlanError(ctx, e.store.DB(), t.ReferenceID, reason)
	}
	return nil
}

// loadTicket resolves an SLA payload to its ticket, returning (nil, nil)
// when the ticket already resolved.
func (e *Engine) loadTicket(ctx context.Context, tk *task.Task) (*model.ApprovalTicket, error) {
	var p slaPayload
	if err := json.Unmarshal(tk.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal sla payload: %w", err)
	}
	t, err := e.store.GetTicket(ctx, e.store.DB(), p.TicketID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, nil
	}
	return t, nil
}

func (e *Engine) audit(ctx context.Context, tx *sql.Tx, action, ticketID, actor string, oldVal, newVal map[string]interface{}) error {
	return e.store.InsertAudit(ctx, tx, &model.AuditLog{
		ID:           uuid.NewString(),
		Action:       action,
		ResourceType: "approval_ticket",
		ResourceID:   ticketID,
		Actor:        actor,
		OldValue:     oldVal,
		NewValue:     newVal,
	})
}

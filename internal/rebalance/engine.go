package rebalance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kelpejol/strata/internal/chain"
	"github.com/kelpejol/strata/internal/config"
	"github.com/kelpejol/strata/internal/model"
	"github.com/kelpejol/strata/internal/notify"
	"github.com/kelpejol/strata/internal/store"
	"github.com/kelpejol/strata/internal/task"
)

var (
	// ErrPlanActive reports an attempt to start a plan while another is
	// approved or executing.
	ErrPlanActive = errors.New("another rebalance plan is active")
	// ErrSimulationFailed reports a plan rejected by the simulation gate.
	ErrSimulationFailed = errors.New("plan failed simulation")
	// ErrSlippageExceeded reports a simulated action whose predicted
	// proceeds fall short of its per-action slippage bound.
	ErrSlippageExceeded = errors.New("action slippage above bound")
	// ErrNoPlanNeeded reports that the current state generates no actions.
	ErrNoPlanNeeded = errors.New("no rebalance needed")
)

// actionSendAttempts bounds the per-action retries of transient gateway
// failures during execution.
const actionSendAttempts = 3

// TicketCreator is the slice of the approval engine the rebalancer needs.
type TicketCreator interface {
	CreateForRebalance(ctx context.Context, tx *sql.Tx, p *model.RebalancePlan) (*model.ApprovalTicket, error)
	ScheduleSLA(ctx context.Context, t *model.ApprovalTicket) error
}

// Options carries the engine's tunables out of config.
type Options struct {
	Bounds            map[model.Tier]config.TierBounds
	MinAmount         *model.Amount
	ApprovalThreshold *model.Amount
	DriftToleranceBps int64
	Vault             string
}

// Engine owns rebalance plans end to end.
type Engine struct {
	store    *store.Store
	queue    *task.Queue
	gw       chain.Gateway
	tickets  TicketCreator
	notifier notify.Notifier
	opts     Options
	log      zerolog.Logger
}

// New builds the engine.
func New(st *store.Store, queue *task.Queue, gw chain.Gateway, tickets TicketCreator, notifier notify.Notifier, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		queue:    queue,
		gw:       gw,
		tickets:  tickets,
		notifier: notifier,
		opts:     opts,
		log:      logger.With().Str("component", "rebalance").Logger(),
	}
}

// Register binds the engine's task handlers to the pool.
func (e *Engine) Register(pool *task.Pool) {
	pool.Register(task.KindExecutePlan, e.HandleExecutePlan)
	pool.Register(task.KindDeviationCheck, e.HandleDeviationCheck)
	pool.Register(task.KindLiquidityCheck, e.HandleLiquidityCheck)
	pool.Register(task.KindStrategicCheck, e.HandleStrategicCheck)
}

// planInput captures the current fund state for the planner.
func (e *Engine) planInput(ctx context.Context, trigger model.TriggerType, reason string) (PlanInput, error) {
	p, err := e.store.GetProjection(ctx, e.store.DB())
	if err != nil {
		return PlanInput{}, err
	}
	now := time.Now().UTC()
	outflow, err := e.store.PendingLiabilityBetween(ctx, e.store.DB(), now, now.Add(7*24*time.Hour))
	if err != nil {
		return PlanInput{}, err
	}
	return PlanInput{
		Projection:        p,
		Bounds:            e.opts.Bounds,
		MinAmount:         e.opts.MinAmount,
		ApprovalThreshold: e.opts.ApprovalThreshold,
		Outflow7d:         outflow,
		Trigger:           trigger,
		Reason:            reason,
	}, nil
}

// Preview builds and simulates a plan without persisting it.
func (e *Engine) Preview(ctx context.Context, trigger model.TriggerType, reason string) (*model.RebalancePlan, error) {
	in, err := e.planInput(ctx, trigger, reason)
	if err != nil {
		return nil, err
	}
	plan := BuildPlan(in)
	if plan == nil {
		return nil, ErrNoPlanNeeded
	}
	if err := e.simulate(ctx, in.Projection, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Trigger builds, simulates and persists a plan, routing it through the
// approval gate when its total exceeds the threshold.
func (e *Engine) Trigger(ctx context.Context, trigger model.TriggerType, reason string) (*model.RebalancePlan, error) {
	in, err := e.planInput(ctx, trigger, reason)
	if err != nil {
		return nil, err
	}
	plan := BuildPlan(in)
	if plan == nil {
		return nil, ErrNoPlanNeeded
	}
	if err := e.simulate(ctx, in.Projection, plan); err != nil {
		return nil, e.maybeFailPlan(ctx, plan, err)
	}
	return plan, e.persist(ctx, plan)
}

// TriggerWaterfall raises shortfall into L1. The emergency driver passes
// bypassApproval: waiting for sign-off defeats the incident response, and
// the emergency ticket gating the incident already covers it.
func (e *Engine) TriggerWaterfall(ctx context.Context, shortfall *model.Amount, bypassApproval bool) (*model.RebalancePlan, error) {
	in, err := e.planInput(ctx, model.TriggerLiquidity, "liquidity waterfall")
	if err != nil {
		return nil, err
	}
	plan := BuildWaterfallPlan(in, shortfall)
	if plan == nil {
		return nil, ErrNoPlanNeeded
	}
	if bypassApproval {
		plan.Trigger = model.TriggerEmergency
		plan.RequiresApproval = false
	}
	if err := e.simulate(ctx, in.Projection, plan); err != nil {
		return nil, e.maybeFailPlan(ctx, plan, err)
	}
	return plan, e.persist(ctx, plan)
}

// Rollback persists the inverse of a finished plan as a new manual plan.
func (e *Engine) Rollback(ctx context.Context, planID, reason string) (*model.RebalancePlan, error) {
	src, err := e.store.GetPlan(ctx, e.store.DB(), planID)
	if err != nil {
		return nil, err
	}
	if !src.Status.Terminal() {
		return nil, fmt.Errorf("plan %s not finished, cannot roll back", planID)
	}
	inv := InversePlan(src, reason)
	if inv == nil {
		return nil, ErrNoPlanNeeded
	}
	inv.RequiresApproval = e.opts.ApprovalThreshold != nil && inv.TotalAmount.Cmp(e.opts.ApprovalThreshold) > 0

	p, err := e.store.GetProjection(ctx, e.store.DB())
	if err != nil {
		return nil, err
	}
	if err := e.simulate(ctx, p, inv); err != nil {
		return nil, e.maybeFailPlan(ctx, inv, err)
	}
	return inv, e.persist(ctx, inv)
}

// maybeFailPlan keeps a plan the simulation gate rejected as a FAILED row,
// so the rejection is auditable and nothing goes on-chain. Infrastructure
// errors pass through unrecorded.
func (e *Engine) maybeFailPlan(ctx context.Context, plan *model.RebalancePlan, cause error) error {
	if !errors.Is(cause, ErrSimulationFailed) && !errors.Is(cause, ErrSlippageExceeded) {
		return cause
	}
	plan.Status = model.PlanFailed
	plan.Error = cause.Error()
	err := e.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := e.store.InsertPlan(ctx, tx, plan); err != nil {
			return err
		}
		return e.store.InsertAudit(ctx, tx, &model.AuditLog{
			ID:           uuid.NewString(),
			Action:       "plan_rejected",
			ResourceType: "rebalance_plan",
			ResourceID:   plan.ID,
			Actor:        "system",
			NewValue:     map[string]interface{}{"error": plan.Error},
		})
	})
	if err != nil {
		e.log.Error().Err(err).Str("plan", plan.ID).Msg("rejected-plan persist failed")
	}
	return cause
}

// simulate runs every action through the gateway's eth_call gate, checks
// each action's predicted proceeds against its slippage bound, and bounds
// the projected post-plan drift. Any revert fails the whole plan.
func (e *Engine) simulate(ctx context.Context, p *model.FundProjection, plan *model.RebalancePlan) error {
	var totalGas uint64
	for i := range plan.Actions {
		a := &plan.Actions[i]
		data, err := actionCalldata(a)
		if err != nil {
			return err
		}
		res, err := e.gw.Simulate(ctx, chain.TxRequest{
			Contract: e.opts.Vault,
			Signer:   model.RoleRebalancer,
			Data:     data,
		})
		if err != nil {
			return fmt.Errorf("simulate action %d: %w", i, err)
		}
		if !res.OK {
			return fmt.Errorf("%w: action %d (%s %s) reverts: %s",
				ErrSimulationFailed, i, a.Kind, a.Amount, res.Revert)
		}
		// the vault's tier moves return the amount actually realized
		if a.MaxSlippageBps > 0 && len(res.ReturnData) >= 32 {
			executed := new(big.Int).SetBytes(res.ReturnData[:32])
			if slip := slippageBps(a.Amount.Big(), executed); slip > a.MaxSlippageBps {
				return fmt.Errorf("%w: action %d (%s %s) predicted %d bps, bound %d",
					ErrSlippageExceeded, i, a.Kind, a.Amount, slip, a.MaxSlippageBps)
			}
		}
		totalGas += res.GasUsed
	}
	plan.EstimatedGas = model.NewAmount(int64(totalGas))

	post := ApplyActions(p, plan.Actions)
	drift := MaxDriftBps(post, p.TotalAssets, plan.TargetState)
	plan.EstimatedSlipBps = drift
	if drift > e.opts.DriftToleranceBps {
		return fmt.Errorf("%w: projected drift %d bps exceeds tolerance %d",
			ErrSimulationFailed, drift, e.opts.DriftToleranceBps)
	}
	return nil
}

// slippageBps is the shortfall of the realized amount against the requested
// one, in basis points. Over-delivery counts as zero slippage.
func slippageBps(requested, executed *big.Int) int64 {
	if requested.Sign() <= 0 || executed.Cmp(requested) >= 0 {
		return 0
	}
	diff := new(big.Int).Sub(requested, executed)
	diff.Mul(diff, big.NewInt(10000))
	return diff.Div(diff, requested).Int64()
}

// persist stores the plan, creating the approval ticket or queueing direct
// execution. One active plan at a time.
func (e *Engine) persist(ctx context.Context, plan *model.RebalancePlan) error {
	var (
		ticket      *model.ApprovalTicket
		postCommits []func()
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		active, err := e.store.HasActivePlan(ctx, tx)
		if err != nil {
			return err
		}
		if active {
			return ErrPlanActive
		}

		if plan.RequiresApproval {
			plan.Status = model.PlanPendingApproval
		} else {
			plan.Status = model.PlanApproved
			now := time.Now().UTC()
			plan.ApprovedAt = &now
		}
		if err := e.store.InsertPlan(ctx, tx, plan); err != nil {
			return err
		}

		if plan.RequiresApproval {
			ticket, err = e.tickets.CreateForRebalance(ctx, tx, plan)
			if err != nil {
				return err
			}
			plan.ApprovalTicketID = ticket.ID
			if err := e.store.LinkPlanTicket(ctx, tx, plan.ID, ticket.ID); err != nil {
				return err
			}
			postCommits = append(postCommits, func() {
				if err := e.tickets.ScheduleSLA(ctx, ticket); err != nil {
					e.log.Error().Err(err).Str("ticket", ticket.ID).Msg("sla scheduling failed")
				}
			})
		} else {
			postCommits = append(postCommits, func() {
				tk, err := task.NewTask(task.KindExecutePlan, task.PriorityHigh, planPayload{PlanID: plan.ID})
				if err == nil {
					err = e.queue.Enqueue(ctx, tk)
				}
				if err != nil {
					e.log.Error().Err(err).Str("plan", plan.ID).Msg("execute task enqueue failed")
				}
			})
		}

		return e.store.InsertAudit(ctx, tx, &model.AuditLog{
			ID:           uuid.NewString(),
			Action:       "plan_created",
			ResourceType: "rebalance_plan",
			ResourceID:   plan.ID,
			Actor:        "system",
			NewValue: map[string]interface{}{
				"trigger": plan.Trigger, "total": plan.TotalAmount.String(),
				"actions": len(plan.Actions), "requires_approval": plan.RequiresApproval,
			},
		})
	})
	if err != nil {
		return err
	}
	for _, fn := range postCommits {
		fn()
	}
	e.log.Info().Str("plan", plan.ID).Str("trigger", string(plan.Trigger)).
		Int("actions", len(plan.Actions)).Bool("requires_approval", plan.RequiresApproval).
		Msg("rebalance plan persisted")
	return nil
}

type planPayload struct {
	PlanID string `json:"plan_id"`
}

// HandleExecutePlan is the task entrypoint for approved plans.
func (e *Engine) HandleExecutePlan(ctx context.Context, tk *task.Task) error {
	var p planPayload
	if err := json.Unmarshal(tk.Payload, &p); err != nil {
		// approval's result processor uses a string map payload
		var m map[string]string
		if err2 := json.Unmarshal(tk.Payload, &m); err2 != nil {
			return fmt.Errorf("unmarshal plan payload: %w", err)
		}
		p.PlanID = m["plan_id"]
	}
	return e.Execute(ctx, p.PlanID)
}

// Execute runs a plan's actions strictly in priority order. A priority-0
// failure fails the plan; later failures record and continue, ending the
// plan PARTIAL. Re-running a crashed execution resumes at the first action
// not yet DONE.
func (e *Engine) Execute(ctx context.Context, planID string) error {
	plan, err := e.store.GetPlan(ctx, e.store.DB(), planID)
	if err != nil {
		return err
	}
	switch plan.Status {
	case model.PlanApproved:
		if err := e.store.TransitionPlan(ctx, e.store.DB(), planID, model.PlanApproved, model.PlanExecuting); err != nil {
			return err
		}
	case model.PlanExecuting:
		// resuming after a crash
	default:
		e.log.Warn().Str("plan", planID).Str("status", string(plan.Status)).Msg("execute skipped, plan not runnable")
		return nil
	}

	anyFailed := false
	for i := range plan.Actions {
		a := &plan.Actions[i]
		if a.Status == model.ActionDone || a.Status == model.ActionSkipped {
			continue
		}
		if err := e.executeAction(ctx, a); err != nil {
			anyFailed = true
			e.log.Error().Err(err).Str("plan", planID).Str("action", a.ID).
				Int("priority", a.Priority).Msg("action failed")
			if a.Priority == 0 {
				e.skipRemaining(ctx, plan.Actions[i+1:])
				if serr := e.store.SetPlanError(ctx, e.store.DB(), planID, err.Error()); serr != nil {
					return serr
				}
				if serr := e.store.TransitionPlan(ctx, e.store.DB(), planID, model.PlanExecuting, model.PlanFailed); serr != nil {
					return serr
				}
				e.notifyPlanDone(ctx, plan, model.PlanFailed)
				return nil
			}
		}
	}

	final := model.PlanCompleted
	if anyFailed {
		final = model.PlanPartial
	}
	if err := e.store.TransitionPlan(ctx, e.store.DB(), planID, model.PlanExecuting, final); err != nil {
		return err
	}
	e.notifyPlanDone(ctx, plan, final)
	return e.verify(ctx, plan)
}

func (e *Engine) executeAction(ctx context.Context, a *model.PlanAction) error {
	data, err := actionCalldata(a)
	if err != nil {
		return e.recordActionFailure(ctx, a, err)
	}

	a.Status = model.ActionExecuting
	if err := e.store.UpdateAction(ctx, e.store.DB(), a); err != nil {
		return err
	}

	var receipt *chain.Receipt
	for attempt := 1; ; attempt++ {
		receipt, err = e.gw.Send(ctx, chain.TxRequest{
			Contract: e.opts.Vault,
			Signer:   model.RoleRebalancer,
			Data:     data,
		})
		if err == nil {
			break
		}
		if attempt >= actionSendAttempts || !transientSendError(err) {
			return e.recordActionFailure(ctx, a, err)
		}
		e.log.Warn().Err(err).Str("action", a.ID).Int("attempt", attempt).
			Msg("action send failed, retrying")
		select {
		case <-ctx.Done():
			return e.recordActionFailure(ctx, a, ctx.Err())
		case <-time.After(task.Backoff(attempt)):
		}
	}

	now := time.Now().UTC()
	a.Status = model.ActionDone
	a.TxHash = receipt.TxHash
	a.ExecutedAt = &now
	if uerr := e.store.UpdateAction(ctx, e.store.DB(), a); uerr != nil {
		return uerr
	}
	e.log.Info().Str("action", a.ID).Str("kind", string(a.Kind)).
		Str("tx", receipt.TxHash).Msg("action executed")
	return nil
}

// transientSendError reports gateway failures worth another attempt within
// the action's budget. Policy rejections are final; the gateway's send path
// is idempotent per action, so a timed-out broadcast can be retried.
func transientSendError(err error) bool {
	return errors.Is(err, chain.ErrSendTimeout) ||
		errors.Is(err, chain.ErrReceiptFailed) ||
		errors.Is(err, chain.ErrBreakerOpen) ||
		errors.Is(err, chain.ErrReorgDropped) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) recordActionFailure(ctx context.Context, a *model.PlanAction, cause error) error {
	now := time.Now().UTC()
	a.Status = model.ActionFailed
	a.Error = cause.Error()
	a.ExecutedAt = &now
	if uerr := e.store.UpdateAction(ctx, e.store.DB(), a); uerr != nil {
		return uerr
	}
	return cause
}

func (e *Engine) skipRemaining(ctx context.Context, rest []model.PlanAction) {
	for i := range rest {
		a := &rest[i]
		if a.Status != model.ActionPlanned {
			continue
		}
		a.Status = model.ActionSkipped
		if err := e.store.UpdateAction(ctx, e.store.DB(), a); err != nil {
			e.log.Error().Err(err).Str("action", a.ID).Msg("skip update failed")
		}
	}
}

// verify compares the fresh projection against the plan's target state. The
// dispatcher keeps applying chain events, so a just-finished plan may lag by
// a block or two; persistent drift raises a warning risk event.
func (e *Engine) verify(ctx context.Context, plan *model.RebalancePlan) error {
	p, err := e.store.GetProjection(ctx, e.store.DB())
	if err != nil {
		return err
	}
	actual := map[model.Tier]*model.Amount{
		model.TierL1: p.TierValue(model.TierL1),
		model.TierL2: p.TierValue(model.TierL2),
		model.TierL3: p.TierValue(model.TierL3),
	}
	drift := MaxDriftBps(actual, p.TotalAssets, plan.TargetState)
	if drift <= e.opts.DriftToleranceBps {
		return nil
	}

	ev := &model.RiskEvent{
		ID:     uuid.NewString(),
		Kind:   "rebalance_drift",
		Level:  model.RiskElevated,
		Title:  "Post-rebalance drift above tolerance",
		Detail: fmt.Sprintf("plan %s: observed drift %d bps, tolerance %d bps", plan.ID, drift, e.opts.DriftToleranceBps),
		Source: "rebalance",
	}
	if err := e.store.InsertRiskEvent(ctx, e.store.DB(), ev); err != nil {
		return err
	}
	return e.notifier.Notify(ctx, notify.SevWarning, ev.Title, ev.Detail)
}

func (e *Engine) notifyPlanDone(ctx context.Context, plan *model.RebalancePlan, final model.PlanStatus) {
	sev := notify.SevInfo
	if final == model.PlanFailed || final == model.PlanPartial {
		sev = notify.SevWarning
	}
	if err := e.notifier.Notify(ctx, sev,
		fmt.Sprintf("Rebalance plan %s %s", plan.ID, final),
		fmt.Sprintf("trigger=%s total=%s actions=%d", plan.Trigger, plan.TotalAmount, len(plan.Actions))); err != nil {
		e.log.Warn().Err(err).Msg("plan notification failed")
	}
}

// HandleDeviationCheck arms the threshold trigger: any tier past its
// configured deviation threshold generates a plan.
func (e *Engine) HandleDeviationCheck(ctx context.Context, _ *task.Task) error {
	p, err := e.store.GetProjection(ctx, e.store.DB())
	if err != nil {
		return err
	}
	if p.TotalAssets.Sign() <= 0 {
		return nil
	}
	for tier, dev := range Deviations(p, e.opts.Bounds) {
		if dev < 0 {
			dev = -dev
		}
		if dev > e.opts.Bounds[tier].ThresholdBps {
			return e.triggerIgnoringNoop(ctx, model.TriggerThreshold,
				fmt.Sprintf("tier %s deviation %d bps", tier, dev))
		}
	}
	return nil
}

// HandleLiquidityCheck reacts to L1 falling under its low watermark.
func (e *Engine) HandleLiquidityCheck(ctx context.Context, _ *task.Task) error {
	p, err := e.store.GetProjection(ctx, e.store.DB())
	if err != nil {
		return err
	}
	if p.TotalAssets.Sign() <= 0 {
		return nil
	}
	l1Bps := p.TierValue(model.TierL1).BpsOf(p.TotalAssets)
	if l1Bps >= e.opts.Bounds[model.TierL1].MinBps {
		return nil
	}
	return e.triggerIgnoringNoop(ctx, model.TriggerLiquidity,
		fmt.Sprintf("l1 ratio %d bps below watermark %d", l1Bps, e.opts.Bounds[model.TierL1].MinBps))
}

// HandleStrategicCheck is the daily drift-correction pass.
func (e *Engine) HandleStrategicCheck(ctx context.Context, _ *task.Task) error {
	return e.triggerIgnoringNoop(ctx, model.TriggerScheduled, "daily strategic check")
}

// triggerIgnoringNoop runs Trigger but treats "nothing to do" and "already
// busy" as success so periodic checks do not retry.
func (e *Engine) triggerIgnoringNoop(ctx context.Context, trigger model.TriggerType, reason string) error {
	_, err := e.Trigger(ctx, trigger, reason)
	if errors.Is(err, ErrNoPlanNeeded) || errors.Is(err, ErrPlanActive) {
		return nil
	}
	if errors.Is(err, ErrSimulationFailed) {
		e.log.Warn().Err(err).Str("trigger", string(trigger)).Msg("plan rejected by simulation")
		return e.notifier.Notify(ctx, notify.SevWarning, "Rebalance plan rejected by simulation", err.Error())
	}
	return err
}

func tierCode(t model.Tier) uint8 {
	switch t {
	case model.TierL2:
		return 2
	case model.TierL3:
		return 3
	}
	return 1
}

// actionCalldata maps a plan action onto the contract write it performs.
func actionCalldata(a *model.PlanAction) ([]byte, error) {
	switch a.Kind {
	case model.ActionTransfer:
		return chain.TransferBetweenTiersCall(tierCode(a.FromTier), tierCode(a.ToTier), a.Amount.Big()), nil
	case model.ActionPurchase:
		if a.Asset != "" {
			return chain.PurchaseAssetCall(a.Asset, a.Amount.Big()), nil
		}
		return chain.AllocateToLayerCall(tierCode(a.ToTier), a.Amount.Big()), nil
	case model.ActionRedeem:
		if a.Asset != "" {
			return chain.RedeemAssetCall(a.Asset, a.Amount.Big()), nil
		}
		return chain.ExecuteWaterfallCall(a.Amount.Big(), tierCode(a.FromTier)), nil
	case model.ActionWaterfall:
		maxTier := a.MaxTier
		if maxTier == "" {
			maxTier = model.TierL3
		}
		return chain.ExecuteWaterfallCall(a.Amount.Big(), tierCode(maxTier)), nil
	}
	return nil, fmt.Errorf("unknown action kind %q", a.Kind)
}

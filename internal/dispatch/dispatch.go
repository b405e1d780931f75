// Package dispatch routes confirmed events to their projection handlers.
//
// Every event is applied inside one SQL transaction that also inserts the
// event's processed row; a replay whose dedup entry was evicted collides on
// that row and rolls back before any projection write commits. All handlers
// are therefore idempotent end to end.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kelpejol/strata/internal/chain"
	"github.com/kelpejol/strata/internal/coord"
	"github.com/kelpejol/strata/internal/model"
	"github.com/kelpejol/strata/internal/store"
	"github.com/kelpejol/strata/internal/task"
)

// liquidityAlertCooldown suppresses duplicate on-chain liquidity alerts.
const liquidityAlertCooldown = time.Hour

// TicketService is the slice of the approval engine the dispatcher needs:
// create a ticket inside the event's transaction, then register its SLA
// timers after commit.
type TicketService interface {
	CreateForRedemption(ctx context.Context, tx *sql.Tx, r *model.RedemptionRequest) (*model.ApprovalTicket, error)
	ScheduleSLA(ctx context.Context, t *model.ApprovalTicket) error
}

// Dispatcher applies events to the persistent model.
type Dispatcher struct {
	store   *store.Store
	coord   *coord.Coordinator
	queue   *task.Queue
	tickets TicketService
	log     zerolog.Logger
}

// New builds a Dispatcher.
func New(st *store.Store, c *coord.Coordinator, queue *task.Queue, tickets TicketService, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		coord:   c,
		queue:   queue,
		tickets: tickets,
		log:     logger.With().Str("component", "dispatch").Logger(),
	}
}

// HandleTask is the task-queue entry point for KindHandleEvent.
func (d *Dispatcher) HandleTask(ctx context.Context, t *task.Task) error {
	var ev chain.Event
	if err := json.Unmarshal(t.Payload, &ev); err != nil {
		return fmt.Errorf("unmarshal event payload: %w", err)
	}
	return d.Handle(ctx, &ev)
}

// Handle applies one event. Replays return nil without touching state.
func (d *Dispatcher) Handle(ctx context.Context, ev *chain.Event) error {
	var postCommit []func()

	err := d.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := d.store.InsertEventProcessed(ctx, tx, ev.TxHash, ev.LogIndex, string(ev.Kind), ev.BlockNumber); err != nil {
			return err
		}
		after, err := d.apply(ctx, tx, ev)
		if err != nil {
			return err
		}
		postCommit = after
		return nil
	})
	if errors.Is(err, store.ErrAlreadyProcessed) {
		d.log.Debug().Str("key", ev.Key()).Msg("replay dropped by processed row")
		return nil
	}
	if err != nil {
		return fmt.Errorf("handle %s %s: %w", ev.Kind, ev.Key(), err)
	}

	for _, fn := range postCommit {
		fn()
	}
	return nil
}

// apply mutates the model for one event kind. Returned closures run after
// the transaction commits (task enqueues, SLA registration).
func (d *Dispatcher) apply(ctx context.Context, tx *sql.Tx, ev *chain.Event) ([]func(), error) {
	switch ev.Kind {
	case chain.EvDeposit:
		assets := model.AmountFromBig(ev.Big("assets"))
		if err := d.store.InsertFlow(ctx, tx, store.FlowDeposit, assets, time.Now().UTC()); err != nil {
			return nil, err
		}
		return nil, d.mutateProjection(ctx, tx, ev, func(p *model.FundProjection) {
			p.TotalAssets = p.TotalAssets.Add(assets)
			p.L1Cash = p.L1Cash.Add(assets)
		})

	case chain.EvWithdraw:
		assets := model.AmountFromBig(ev.Big("assets"))
		if err := d.store.InsertFlow(ctx, tx, store.FlowWithdrawal, assets, time.Now().UTC()); err != nil {
			return nil, err
		}
		return nil, d.mutateProjection(ctx, tx, ev, func(p *model.FundProjection) {
			p.TotalAssets = p.TotalAssets.Sub(assets)
			p.L1Cash = p.L1Cash.Sub(assets)
		})

	case chain.EvRedemptionRequested:
		return d.applyRedemptionRequested(ctx, tx, ev)

	case chain.EvRedemptionApproved:
		err := d.store.TransitionRedemption(ctx, tx, ev.Uint("request_id"),
			model.RedemptionPendingApproval, model.RedemptionApproved)
		return nil, ignoreStale(err)

	case chain.EvRedemptionRejected:
		err := d.store.TransitionRedemption(ctx, tx, ev.Uint("request_id"),
			model.RedemptionPendingApproval, model.RedemptionRejected)
		return nil, ignoreStale(err)

	case chain.EvRedemptionCancelled:
		id := ev.Uint("request_id")
		err := d.store.TransitionRedemption(ctx, tx, id, model.RedemptionPending, model.RedemptionCancelled)
		if errors.Is(err, store.ErrStaleStatus) {
			err = d.store.TransitionRedemption(ctx, tx, id, model.RedemptionPendingApproval, model.RedemptionCancelled)
		}
		return nil, ignoreStale(err)

	case chain.EvRedemptionSettled:
		return nil, d.store.SettleRedemption(ctx, tx, ev.Uint("request_id"),
			model.AmountFromBig(ev.Big("net_amount")),
			model.AmountFromBig(ev.Big("fee")),
			time.Now().UTC())

	case chain.EvVoucherMinted:
		return nil, d.store.SetRedemptionVoucher(ctx, tx, ev.Uint("request_id"), ev.Uint("token_id"))

	case chain.EvNavUpdated:
		if err := d.mutateProjection(ctx, tx, ev, func(p *model.FundProjection) {
			p.SharePrice = model.AmountFromBig(ev.Big("share_price"))
			p.TotalAssets = model.AmountFromBig(ev.Big("total_assets"))
		}); err != nil {
			return nil, err
		}
		if err := d.store.InsertNavPoint(ctx, tx, store.NavPoint{
			Time:       time.Now().UTC(),
			SharePrice: model.AmountFromBig(ev.Big("share_price")),
		}); err != nil {
			return nil, err
		}
		return []func(){func() { d.enqueue(ctx, task.KindDeviationCheck, task.PriorityNormal) }}, nil

	case chain.EvEmergencyModeChanged:
		enabled := ev.Bool("enabled")
		if err := d.mutateProjection(ctx, tx, ev, func(p *model.FundProjection) {
			p.EmergencyMode = enabled
		}); err != nil {
			return nil, err
		}
		if enabled {
			if err := d.raiseRiskEvent(ctx, tx, "emergency_mode", model.RiskCritical,
				"Emergency mode enabled on-chain",
				fmt.Sprintf("triggered by %s", ev.Addr("triggered_by")), ev); err != nil {
				return nil, err
			}
			return []func(){func() { d.enqueue(ctx, task.KindEmergencyDrive, task.PriorityCritical) }}, nil
		}
		return nil, nil

	case chain.EvLowLiquidityAlert, chain.EvCriticalLiquidityAlert:
		return d.applyLiquidityAlert(ctx, tx, ev)

	case chain.EvSharesLocked:
		return nil, d.mutateProjection(ctx, tx, ev, func(p *model.FundProjection) {
			p.TotalLockedShares = p.TotalLockedShares.Add(model.AmountFromBig(ev.Big("amount")))
		})

	case chain.EvSharesUnlocked, chain.EvSharesBurned:
		return nil, d.mutateProjection(ctx, tx, ev, func(p *model.FundProjection) {
			p.TotalLockedShares = p.TotalLockedShares.Sub(model.AmountFromBig(ev.Big("amount")))
		})

	case chain.EvDailyLiabilityAdded:
		return nil, d.mutateProjection(ctx, tx, ev, func(p *model.FundProjection) {
			p.TotalRedemptionLiability = p.TotalRedemptionLiability.Add(model.AmountFromBig(ev.Big("amount")))
		})

	case chain.EvLiabilityRemoved:
		return nil, d.mutateProjection(ctx, tx, ev, func(p *model.FundProjection) {
			p.TotalRedemptionLiability = p.TotalRedemptionLiability.Sub(model.AmountFromBig(ev.Big("amount")))
		})

	case chain.EvRedemptionFeeAdded:
		return nil, d.mutateProjection(ctx, tx, ev, func(p *model.FundProjection) {
			p.WithdrawableFees = p.WithdrawableFees.Add(model.AmountFromBig(ev.Big("amount")))
		})

	case chain.EvRedemptionFeeReduced:
		return nil, d.mutateProjection(ctx, tx, ev, func(p *model.FundProjection) {
			p.WithdrawableFees = p.WithdrawableFees.Sub(model.AmountFromBig(ev.Big("amount")))
		})

	case chain.EvSettlementWaterfallTriggered:
		if err := d.raiseRiskEvent(ctx, tx, "settlement_waterfall", model.RiskHigh,
			"Settlement waterfall triggered on-chain",
			fmt.Sprintf("request %d shortfall %s liquidated %s",
				ev.Uint("request_id"), ev.Big("shortfall"), ev.Big("liquidated")), ev); err != nil {
			return nil, err
		}
		return []func(){func() { d.enqueue(ctx, task.KindLiquidityCheck, task.PriorityHigh) }}, nil

	case chain.EvAssetAdded:
		return nil, d.store.AdjustHolding(ctx, tx, ev.Addr("asset"), tierFromCode(ev.Uint("tier")), model.ZeroAmount())

	case chain.EvAssetRemoved:
		return nil, d.store.RemoveHolding(ctx, tx, ev.Addr("asset"))

	case chain.EvRebalanceExecuted:
		return nil, d.store.AdjustHoldingBalance(ctx, tx, ev.Addr("asset"), model.AmountFromBig(ev.Big("amount")))

	default:
		// config/admin/quota events: the processed row is the only state
		d.log.Debug().Str("kind", string(ev.Kind)).Msg("event recorded without projection change")
		return nil, nil
	}
}

// redemptionFromEvent builds the persistent record for a RedemptionRequested
// event's arguments.
func redemptionFromEvent(ev *chain.Event) *model.RedemptionRequest {
	requiresApproval := ev.Bool("requires_approval")
	status := model.RedemptionPending
	if requiresApproval {
		status = model.RedemptionPendingApproval
	}

	r := &model.RedemptionRequest{
		RequestID:        ev.Uint("request_id"),
		Owner:            ev.Addr("owner"),
		Receiver:         ev.Addr("receiver"),
		Shares:           model.AmountFromBig(ev.Big("shares")),
		GrossAmount:      model.AmountFromBig(ev.Big("locked_amount")),
		LockedNav:        model.AmountFromBig(ev.Big("locked_amount")),
		EstimatedFee:     model.AmountFromBig(ev.Big("estimated_fee")),
		ActualFee:        model.ZeroAmount(),
		SettledAmount:    model.ZeroAmount(),
		RequestTime:      time.Now().UTC(),
		SettlementTime:   time.Unix(int64(ev.Uint("settlement_time")), 0).UTC(),
		Channel:          channelFromCode(ev.Uint("channel")),
		RequiresApproval: requiresApproval,
		Status:           status,
	}
	if w := ev.Uint("window_id"); w != 0 {
		r.WindowID = &w
	}
	return r
}

func (d *Dispatcher) applyRedemptionRequested(ctx context.Context, tx *sql.Tx, ev *chain.Event) ([]func(), error) {
	r := redemptionFromEvent(ev)
	if err := d.store.InsertRedemption(ctx, tx, r); err != nil {
		return nil, err
	}
	if !r.RequiresApproval {
		return nil, nil
	}

	ticket, err := d.tickets.CreateForRedemption(ctx, tx, r)
	if err != nil {
		return nil, err
	}
	if err := d.store.LinkRedemptionTicket(ctx, tx, r.RequestID, ticket.ID); err != nil {
		return nil, err
	}
	return []func(){func() {
		if err := d.tickets.ScheduleSLA(ctx, ticket); err != nil {
			d.log.Error().Err(err).Str("ticket", ticket.ID).Msg("sla scheduling failed")
		}
	}}, nil
}

func (d *Dispatcher) applyLiquidityAlert(ctx context.Context, tx *sql.Tx, ev *chain.Event) ([]func(), error) {
	level := model.RiskHigh
	if ev.Kind == chain.EvCriticalLiquidityAlert {
		level = model.RiskCritical
	}

	fresh, err := d.coord.EnterCooldown(ctx, string(ev.Kind), liquidityAlertCooldown)
	if err != nil {
		return nil, err
	}
	if !fresh {
		d.log.Debug().Str("kind", string(ev.Kind)).Msg("liquidity alert suppressed by cooldown")
		return nil, nil
	}

	if err := d.raiseRiskEvent(ctx, tx, "liquidity_alert", level,
		string(ev.Kind),
		fmt.Sprintf("l1_ratio %s threshold %s", ev.Big("l1_ratio"), ev.Big("threshold")), ev); err != nil {
		return nil, err
	}
	return []func(){func() { d.enqueue(ctx, task.KindLiquidityCheck, task.PriorityCritical) }}, nil
}

// mutateProjection loads, mutates and saves the singleton projection, then
// verifies the tier-sum invariant.
func (d *Dispatcher) mutateProjection(ctx context.Context, tx *sql.Tx, ev *chain.Event, mutate func(*model.FundProjection)) error {
	p, err := d.store.GetProjection(ctx, tx)
	if err != nil {
		return err
	}
	mutate(p)
	if ev.BlockNumber > p.LastBlock {
		p.LastBlock = ev.BlockNumber
	}
	if err := d.store.SaveProjection(ctx, tx, p); err != nil {
		return err
	}

	if drift := p.Drift(); !drift.IsZero() {
		fresh, cerr := d.coord.EnterCooldown(ctx, "projection_drift", liquidityAlertCooldown)
		if cerr == nil && fresh {
			if rerr := d.raiseRiskEvent(ctx, tx, "projection_drift", model.RiskElevated,
				"Projection drift detected",
				fmt.Sprintf("tier sum differs from total_assets by %s at block %d", drift, ev.BlockNumber), ev); rerr != nil {
				return rerr
			}
		}
		d.log.Warn().Str("drift", drift.String()).Uint64("block", ev.BlockNumber).Msg("projection drift")
	}
	return nil
}

func (d *Dispatcher) raiseRiskEvent(ctx context.Context, tx *sql.Tx, kind string, level model.RiskLevel, title, detail string, ev *chain.Event) error {
	return d.store.InsertRiskEvent(ctx, tx, &model.RiskEvent{
		ID:     uuid.NewString(),
		Kind:   kind,
		Level:  level,
		Title:  title,
		Detail: detail,
		Source: ev.Key(),
	})
}

func (d *Dispatcher) enqueue(ctx context.Context, kind string, priority int) {
	t, err := task.NewTask(kind, priority, nil)
	if err != nil {
		d.log.Error().Err(err).Str("kind", kind).Msg("build follow-up task failed")
		return
	}
	if err := d.queue.Enqueue(ctx, t); err != nil {
		d.log.Error().Err(err).Str("kind", kind).Msg("enqueue follow-up failed")
	}
}

// ignoreStale tolerates out-of-order lifecycle events: a transition that
// already happened is not an error for an idempotent handler.
func ignoreStale(err error) error {
	if errors.Is(err, store.ErrStaleStatus) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func channelFromCode(c uint64) model.RedemptionChannel {
	switch c {
	case 1:
		return model.ChannelEmergency
	case 2:
		return model.ChannelScheduled
	}
	return model.ChannelStandard
}

func tierFromCode(c uint64) model.Tier {
	switch c {
	case 2:
		return model.TierL2
	case 3:
		return model.TierL3
	}
	return model.TierL1
}

// Package rebalance keeps the three liquidity tiers inside their target
// bands: it evaluates triggers, generates ordered action plans, simulates
// them against the chain, and executes approved plans with partial-failure
// semantics.
package rebalance

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kelpejol/strata/internal/config"
	"github.com/kelpejol/strata/internal/model"
)

// DefaultMaxSlippageBps is the per-action slippage bound when the caller
// does not override it.
const DefaultMaxSlippageBps = 100

// outflowCoverBps arms the redemption-preparation action when confirmed
// 7-day outflow exceeds this share of L1+L2.
const outflowCoverBps = 8000

// PlanInput is everything the planner needs, captured up front so plan
// generation is a pure function.
type PlanInput struct {
	Projection        *model.FundProjection
	Bounds            map[model.Tier]config.TierBounds
	MinAmount         *model.Amount
	ApprovalThreshold *model.Amount
	Outflow7d         *model.Amount // confirmed redemption outflow, next 7 days
	Trigger           model.TriggerType
	Reason            string
}

// TierStates snapshots the current per-tier values and ratios.
func TierStates(p *model.FundProjection) []model.TierSnapshot {
	out := make([]model.TierSnapshot, 0, len(model.AllTiers))
	for _, t := range model.AllTiers {
		v := p.TierValue(t)
		out = append(out, model.TierSnapshot{
			Tier:     t,
			Value:    v,
			RatioBps: v.BpsOf(p.TotalAssets),
		})
	}
	return out
}

// targetStates computes the per-tier values the plan steers toward.
func targetStates(p *model.FundProjection, bounds map[model.Tier]config.TierBounds) []model.TierSnapshot {
	out := make([]model.TierSnapshot, 0, len(model.AllTiers))
	for _, t := range model.AllTiers {
		b := bounds[t]
		out = append(out, model.TierSnapshot{
			Tier:     t,
			Value:    p.TotalAssets.MulBps(b.TargetBps),
			RatioBps: b.TargetBps,
		})
	}
	return out
}

// Deviations returns the signed deviation from target, in basis points,
// per tier.
func Deviations(p *model.FundProjection, bounds map[model.Tier]config.TierBounds) map[model.Tier]int64 {
	out := make(map[model.Tier]int64, len(model.AllTiers))
	for _, t := range model.AllTiers {
		out[t] = p.TierValue(t).BpsOf(p.TotalAssets) - bounds[t].TargetBps
	}
	return out
}

// BuildPlan generates an ordered action plan for the input, or nil when no
// action clears the minimum amount. Priorities follow the policy: 0 pending
// redemption preparation, 1 L1 refill, 2 L1 drain, 3 buffer restore.
func BuildPlan(in PlanInput) *model.RebalancePlan {
	p := in.Projection
	if p.TotalAssets.Sign() <= 0 {
		return nil
	}

	planID := uuid.NewString()
	var actions []model.PlanAction

	add := func(prio int, kind model.ActionKind, from, to, maxTier model.Tier, amount *model.Amount) {
		if amount == nil || amount.Sign() <= 0 || amount.Cmp(in.MinAmount) < 0 {
			return
		}
		actions = append(actions, model.PlanAction{
			ID:             uuid.NewString(),
			PlanID:         planID,
			Priority:       prio,
			Kind:           kind,
			FromTier:       from,
			ToTier:         to,
			MaxTier:        maxTier,
			Amount:         amount,
			MaxSlippageBps: DefaultMaxSlippageBps,
			Status:         model.ActionPlanned,
		})
	}

	l1 := p.TierValue(model.TierL1)
	l2 := p.TierValue(model.TierL2)
	l3 := p.TierValue(model.TierL3)
	l1Target := p.TotalAssets.MulBps(in.Bounds[model.TierL1].TargetBps)
	l2Target := p.TotalAssets.MulBps(in.Bounds[model.TierL2].TargetBps)
	l3Target := p.TotalAssets.MulBps(in.Bounds[model.TierL3].TargetBps)

	// 0: confirmed outflow threatens the liquid tiers
	if in.Outflow7d != nil {
		liquid := l1.Add(l2)
		if in.Outflow7d.Cmp(liquid.MulBps(outflowCoverBps)) > 0 {
			deficit := in.Outflow7d.Sub(liquid.MulBps(outflowCoverBps))
			add(0, model.ActionWaterfall, "", model.TierL1, model.TierL3, deficit)
		}
	}

	// 1: refill L1 below its low watermark
	if l1.BpsOf(p.TotalAssets) < in.Bounds[model.TierL1].MinBps {
		deficit := l1Target.Sub(l1)
		l2Surplus := l2.Sub(l2Target)
		if l2Surplus.Sign() > 0 {
			move := deficit.Min(l2Surplus)
			add(1, model.ActionTransfer, model.TierL2, model.TierL1, "", move)
			deficit = deficit.Sub(move)
		}
		add(1, model.ActionRedeem, model.TierL3, model.TierL1, "", deficit)
	}

	// 2: drain L1 above its high watermark
	if l1.BpsOf(p.TotalAssets) > in.Bounds[model.TierL1].MaxBps {
		excess := l1.Sub(l1Target)
		l3Shortfall := l3Target.Sub(l3)
		if l3Shortfall.Sign() > 0 {
			move := excess.Min(l3Shortfall)
			add(2, model.ActionPurchase, model.TierL1, model.TierL3, "", move)
			excess = excess.Sub(move)
		}
		add(2, model.ActionPurchase, model.TierL1, model.TierL2, "", excess)
	}

	// 3: restore the L2/L3 buffer when L2 drifted past its band
	l2Bps := l2.BpsOf(p.TotalAssets)
	if l2Bps > in.Bounds[model.TierL2].MaxBps {
		add(3, model.ActionTransfer, model.TierL2, model.TierL3, "", l2.Sub(l2Target))
	} else if l2Bps < in.Bounds[model.TierL2].MinBps && l3.Cmp(l3Target) > 0 {
		add(3, model.ActionTransfer, model.TierL3, model.TierL2, "", l2Target.Sub(l2).Min(l3.Sub(l3Target)))
	}

	if len(actions) == 0 {
		return nil
	}

	plan := &model.RebalancePlan{
		ID:          planID,
		Trigger:     in.Trigger,
		Reason:      in.Reason,
		PreState:    TierStates(p),
		TargetState: targetStates(p, in.Bounds),
		Actions:     actions,
		Status:      model.PlanDraft,
	}
	plan.TotalAmount = plan.SumActions()
	plan.RequiresApproval = in.ApprovalThreshold != nil && plan.TotalAmount.Cmp(in.ApprovalThreshold) > 0
	return plan
}

// BuildWaterfallPlan raises shortfall into L1 by liquidating the deeper
// tiers in order, never taking a tier below its minimum band.
func BuildWaterfallPlan(in PlanInput, shortfall *model.Amount) *model.RebalancePlan {
	p := in.Projection
	if shortfall == nil || shortfall.Sign() <= 0 || p.TotalAssets.Sign() <= 0 {
		return nil
	}

	planID := uuid.NewString()
	var actions []model.PlanAction
	remaining := shortfall

	prio := 0
	for _, tier := range []model.Tier{model.TierL2, model.TierL3} {
		if remaining.Sign() <= 0 {
			break
		}
		floor := p.TotalAssets.MulBps(in.Bounds[tier].MinBps)
		avail := p.TierValue(tier).Sub(floor)
		if avail.Sign() <= 0 {
			continue
		}
		take := remaining.Min(avail)
		if take.Cmp(in.MinAmount) < 0 {
			continue
		}
		kind := model.ActionTransfer
		if tier == model.TierL3 {
			kind = model.ActionRedeem
		}
		actions = append(actions, model.PlanAction{
			ID:             uuid.NewString(),
			PlanID:         planID,
			Priority:       prio,
			Kind:           kind,
			FromTier:       tier,
			ToTier:         model.TierL1,
			Amount:         take,
			MaxSlippageBps: DefaultMaxSlippageBps,
			Status:         model.ActionPlanned,
		})
		remaining = remaining.Sub(take)
		prio++
	}

	if len(actions) == 0 {
		return nil
	}
	plan := &model.RebalancePlan{
		ID:          planID,
		Trigger:     model.TriggerLiquidity,
		Reason:      fmt.Sprintf("waterfall liquidation for shortfall %s", shortfall),
		PreState:    TierStates(p),
		TargetState: targetStates(p, in.Bounds),
		Actions:     actions,
		Status:      model.PlanDraft,
	}
	plan.TotalAmount = plan.SumActions()
	plan.RequiresApproval = in.ApprovalThreshold != nil && plan.TotalAmount.Cmp(in.ApprovalThreshold) > 0
	return plan
}

// InversePlan builds the manual rollback of a finished plan: each completed
// action reversed, in reverse order. It goes through the normal approval
// and simulation gates like any other plan.
func InversePlan(src *model.RebalancePlan, reason string) *model.RebalancePlan {
	planID := uuid.NewString()
	var actions []model.PlanAction
	prio := 0
	for i := len(src.Actions) - 1; i >= 0; i-- {
		a := src.Actions[i]
		if a.Status != model.ActionDone {
			continue
		}
		inv := model.PlanAction{
			ID:             uuid.NewString(),
			PlanID:         planID,
			Priority:       prio,
			FromTier:       a.ToTier,
			ToTier:         a.FromTier,
			Asset:          a.Asset,
			Amount:         a.Amount,
			MaxSlippageBps: a.MaxSlippageBps,
			Status:         model.ActionPlanned,
		}
		switch a.Kind {
		case model.ActionTransfer:
			inv.Kind = model.ActionTransfer
		case model.ActionPurchase:
			inv.Kind = model.ActionRedeem
		case model.ActionRedeem:
			inv.Kind = model.ActionPurchase
		default:
			// waterfalls have no mechanical inverse
			continue
		}
		actions = append(actions, inv)
		prio++
	}
	if len(actions) == 0 {
		return nil
	}
	plan := &model.RebalancePlan{
		ID:          planID,
		Trigger:     model.TriggerManual,
		Reason:      reason,
		PreState:    src.TargetState,
		TargetState: src.PreState,
		Actions:     actions,
		Status:      model.PlanDraft,
	}
	plan.TotalAmount = plan.SumActions()
	return plan
}

// ApplyActions projects the per-tier values after every action succeeds.
// Used by the simulation gate to bound post-plan drift.
func ApplyActions(p *model.FundProjection, actions []model.PlanAction) map[model.Tier]*model.Amount {
	out := map[model.Tier]*model.Amount{
		model.TierL1: p.TierValue(model.TierL1),
		model.TierL2: p.TierValue(model.TierL2),
		model.TierL3: p.TierValue(model.TierL3),
	}
	for _, a := range actions {
		switch a.Kind {
		case model.ActionWaterfall:
			// liquidity raised into the destination from the deeper tiers
			remaining := a.Amount
			for _, tier := range []model.Tier{model.TierL2, model.TierL3} {
				if remaining.Sign() <= 0 {
					break
				}
				take := remaining.Min(out[tier])
				out[tier] = out[tier].Sub(take)
				remaining = remaining.Sub(take)
			}
			out[a.ToTier] = out[a.ToTier].Add(a.Amount.Sub(remaining))
		default:
			if a.FromTier != "" {
				out[a.FromTier] = out[a.FromTier].Sub(a.Amount)
			}
			if a.ToTier != "" {
				out[a.ToTier] = out[a.ToTier].Add(a.Amount)
			}
		}
	}
	return out
}

// MaxDriftBps returns the largest absolute deviation between the projected
// post-plan ratios and the target ratios.
func MaxDriftBps(post map[model.Tier]*model.Amount, total *model.Amount, target []model.TierSnapshot) int64 {
	var worst int64
	for _, ts := range target {
		got := post[ts.Tier].BpsOf(total)
		d := got - ts.RatioBps
		if d < 0 {
			d = -d
		}
		if d > worst {
			worst = d
		}
	}
	return worst
}

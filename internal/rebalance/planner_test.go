package rebalance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/strata/internal/config"
	"github.com/kelpejol/strata/internal/model"
)

// projection returns a fund with the given tier values in whole units.
func projection(l1, l2, l3 int64) *model.FundProjection {
	return &model.FundProjection{
		TotalAssets:              model.Units(l1 + l2 + l3),
		L1Cash:                   model.Units(l1),
		L1Yield:                  model.ZeroAmount(),
		L2:                       model.Units(l2),
		L3:                       model.Units(l3),
		TotalRedemptionLiability: model.ZeroAmount(),
		TotalLockedShares:        model.ZeroAmount(),
		WithdrawableFees:         model.ZeroAmount(),
		SharePrice:               model.ZeroAmount(),
	}
}

func input(p *model.FundProjection) PlanInput {
	return PlanInput{
		Projection:        p,
		Bounds:            config.DefaultTierBounds(),
		MinAmount:         model.Units(10_000),
		ApprovalThreshold: model.Units(50_000),
		Trigger:           model.TriggerThreshold,
		Reason:            "test",
	}
}

func TestBuildPlanNoopInsideBands(t *testing.T) {
	// exactly on target: 10/30/60 of 1M
	plan := BuildPlan(input(projection(100_000, 300_000, 600_000)))
	assert.Nil(t, plan)
}

func TestBuildPlanRefillsL1FromL2SurplusThenL3(t *testing.T) {
	// L1 at 5% (below 8% low), L2 at 32% (2% surplus), L3 at 63%
	plan := BuildPlan(input(projection(50_000, 320_000, 630_000)))
	require.NotNil(t, plan)
	require.Len(t, plan.Actions, 2)

	first := plan.Actions[0]
	assert.Equal(t, model.ActionTransfer, first.Kind)
	assert.Equal(t, model.TierL2, first.FromTier)
	assert.Equal(t, model.TierL1, first.ToTier)
	// L2 surplus = 320k - 300k = 20k, deficit = 100k - 50k = 50k
	assert.Equal(t, 0, first.Amount.Cmp(model.Units(20_000)))

	second := plan.Actions[1]
	assert.Equal(t, model.ActionRedeem, second.Kind)
	assert.Equal(t, model.TierL3, second.FromTier)
	assert.Equal(t, 0, second.Amount.Cmp(model.Units(30_000)))

	assert.Equal(t, 0, plan.TotalAmount.Cmp(model.Units(50_000)))
	// exactly at the threshold is not over it
	assert.False(t, plan.RequiresApproval)
}

func TestBuildPlanDrainsL1AboveHighWatermark(t *testing.T) {
	// L1 at 20% (above 15% high), L3 short of target
	plan := BuildPlan(input(projection(200_000, 300_000, 500_000)))
	require.NotNil(t, plan)
	require.NotEmpty(t, plan.Actions)

	first := plan.Actions[0]
	assert.Equal(t, 2, first.Priority)
	assert.Equal(t, model.ActionPurchase, first.Kind)
	assert.Equal(t, model.TierL3, first.ToTier)
	// excess = 200k - 100k = 100k, L3 shortfall = 600k - 500k = 100k
	assert.Equal(t, 0, first.Amount.Cmp(model.Units(100_000)))
	assert.True(t, plan.RequiresApproval)
}

func TestBuildPlanDropsSubMinimumActions(t *testing.T) {
	// L1 at 7.9%: below the watermark but the 21k deficit splits into a
	// 20k transfer and a sub-minimum 1k redeem that must be dropped
	in := input(projection(79_000, 320_000, 601_000))
	plan := BuildPlan(in)
	require.NotNil(t, plan)
	for _, a := range plan.Actions {
		assert.GreaterOrEqual(t, a.Amount.Cmp(in.MinAmount), 0)
	}
}

func TestBuildPlanEmitsWaterfallOnOutflowPressure(t *testing.T) {
	in := input(projection(100_000, 300_000, 600_000))
	// confirmed outflow 350k > 80% of 400k liquid
	in.Outflow7d = model.Units(350_000)
	plan := BuildPlan(in)
	require.NotNil(t, plan)

	first := plan.Actions[0]
	assert.Equal(t, 0, first.Priority)
	assert.Equal(t, model.ActionWaterfall, first.Kind)
	// deficit = 350k - 320k
	assert.Equal(t, 0, first.Amount.Cmp(model.Units(30_000)))
	assert.Equal(t, model.TierL3, first.MaxTier)
}

func TestBuildWaterfallPlanRespectsTierMinimums(t *testing.T) {
	in := input(projection(100_000, 300_000, 600_000))
	plan := BuildWaterfallPlan(in, model.Units(120_000))
	require.NotNil(t, plan)
	require.Len(t, plan.Actions, 2)

	// L2 can give 300k - 250k(min 25%) = 50k; L3 gives 600k - 550k = 50k.
	// The last 20k stays unraised rather than breaching a tier minimum.
	assert.Equal(t, model.TierL2, plan.Actions[0].FromTier)
	assert.Equal(t, model.ActionTransfer, plan.Actions[0].Kind)
	assert.Equal(t, 0, plan.Actions[0].Amount.Cmp(model.Units(50_000)))

	assert.Equal(t, model.TierL3, plan.Actions[1].FromTier)
	assert.Equal(t, model.ActionRedeem, plan.Actions[1].Kind)
	assert.Equal(t, 0, plan.Actions[1].Amount.Cmp(model.Units(50_000)))
}

func TestInversePlanReversesCompletedActions(t *testing.T) {
	src := BuildPlan(input(projection(50_000, 320_000, 630_000)))
	require.NotNil(t, src)
	for i := range src.Actions {
		src.Actions[i].Status = model.ActionDone
	}
	// one failed action must not be inverted
	src.Actions[len(src.Actions)-1].Status = model.ActionFailed

	inv := InversePlan(src, "rollback")
	require.NotNil(t, inv)
	assert.Len(t, inv.Actions, len(src.Actions)-1)
	assert.Equal(t, model.TriggerManual, inv.Trigger)

	// the first source action (L2->L1 transfer) becomes the last inverse
	last := inv.Actions[len(inv.Actions)-1]
	assert.Equal(t, model.ActionTransfer, last.Kind)
	assert.Equal(t, model.TierL1, last.FromTier)
	assert.Equal(t, model.TierL2, last.ToTier)
}

func TestApplyActionsAndDrift(t *testing.T) {
	p := projection(50_000, 320_000, 630_000)
	plan := BuildPlan(input(p))
	require.NotNil(t, plan)

	post := ApplyActions(p, plan.Actions)
	assert.Equal(t, 0, post[model.TierL1].Cmp(model.Units(100_000)))
	assert.Equal(t, 0, post[model.TierL2].Cmp(model.Units(300_000)))
	assert.Equal(t, 0, post[model.TierL3].Cmp(model.Units(600_000)))

	drift := MaxDriftBps(post, p.TotalAssets, plan.TargetState)
	assert.Equal(t, int64(0), drift)
}

func TestApplyActionsWaterfallDrawsDeepTiersFirst(t *testing.T) {
	p := projection(100_000, 30_000, 870_000)
	actions := []model.PlanAction{{
		Kind:   model.ActionWaterfall,
		ToTier: model.TierL1,
		Amount: model.Units(50_000),
	}}
	post := ApplyActions(p, actions)
	// L2 fully drained (30k), remainder 20k from L3
	assert.Equal(t, 0, post[model.TierL2].Cmp(model.ZeroAmount()))
	assert.Equal(t, 0, post[model.TierL3].Cmp(model.Units(850_000)))
	assert.Equal(t, 0, post[model.TierL1].Cmp(model.Units(150_000)))
}

func TestActionCalldataCoversAllKinds(t *testing.T) {
	amount := model.Units(1)
	cases := []model.PlanAction{
		{Kind: model.ActionTransfer, FromTier: model.TierL2, ToTier: model.TierL1, Amount: amount},
		{Kind: model.ActionPurchase, ToTier: model.TierL3, Amount: amount},
		{Kind: model.ActionPurchase, Asset: "0x00000000000000000000000000000000000000aa", Amount: amount},
		{Kind: model.ActionRedeem, FromTier: model.TierL3, Amount: amount},
		{Kind: model.ActionRedeem, Asset: "0x00000000000000000000000000000000000000aa", Amount: amount},
		{Kind: model.ActionWaterfall, Amount: amount},
	}
	for _, a := range cases {
		data, err := actionCalldata(&a)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(data), 4)
	}

	_, err := actionCalldata(&model.PlanAction{Kind: "NOPE", Amount: amount})
	assert.Error(t, err)
}

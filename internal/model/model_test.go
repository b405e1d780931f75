package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedemptionTransitions(t *testing.T) {
	cases := []struct {
		from, to RedemptionStatus
		ok       bool
	}{
		{RedemptionPending, RedemptionSettled, true},
		{RedemptionPending, RedemptionCancelled, true},
		{RedemptionPending, RedemptionApproved, false},
		{RedemptionPendingApproval, RedemptionApproved, true},
		{RedemptionPendingApproval, RedemptionRejected, true},
		{RedemptionPendingApproval, RedemptionExpired, true},
		{RedemptionPendingApproval, RedemptionCancelled, true},
		{RedemptionPendingApproval, RedemptionSettled, false},
		{RedemptionApproved, RedemptionSettled, true},
		{RedemptionApproved, RedemptionCancelled, false},
		{RedemptionSettled, RedemptionPending, false},
		{RedemptionRejected, RedemptionSettled, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestRedemptionTerminal(t *testing.T) {
	for _, s := range []RedemptionStatus{RedemptionSettled, RedemptionRejected, RedemptionExpired, RedemptionCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []RedemptionStatus{RedemptionPending, RedemptionPendingApproval, RedemptionApproved} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestTicketStatus(t *testing.T) {
	assert.True(t, TicketPending.Cancellable())
	assert.True(t, TicketPartiallyApproved.Cancellable())
	assert.False(t, TicketApproved.Cancellable())
	assert.True(t, TicketApproved.Terminal())
	assert.True(t, TicketExpired.Terminal())
	assert.False(t, TicketPartiallyApproved.Terminal())
}

func TestAmountArithmetic(t *testing.T) {
	a := Units(100)
	b := Units(30)

	assert.Equal(t, "130000000000000000000", a.Add(b).String())
	assert.Equal(t, "70000000000000000000", a.Sub(b).String())
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, b.String(), a.Min(b).String())
	assert.Equal(t, "-30000000000000000000", b.Neg().String())
	assert.Equal(t, b.String(), b.Neg().Abs().String())
	assert.True(t, ZeroAmount().IsZero())

	// original is not mutated
	assert.Equal(t, "100000000000000000000", a.String())
}

func TestAmountMulBps(t *testing.T) {
	a := Units(1000)
	// 10% of 1000
	assert.Equal(t, Units(100).String(), a.MulBps(1000).String())
	// truncation toward zero
	odd := NewAmount(3)
	assert.Equal(t, "0", odd.MulBps(1).String())
}

func TestAmountBpsOf(t *testing.T) {
	total := Units(1000)
	part := Units(100)
	assert.Equal(t, int64(1000), part.BpsOf(total))
	assert.Equal(t, int64(0), part.BpsOf(ZeroAmount()))
}

func TestAmountRatioTo(t *testing.T) {
	r := Units(1).RatioTo(Units(8))
	assert.True(t, r.Equal(decimal.RequireFromString("0.125")))
	assert.True(t, Units(1).RatioTo(ZeroAmount()).IsZero())
}

func TestAmountSQLRoundTrip(t *testing.T) {
	a := MustAmount("123456789012345678901234567890")
	v, err := a.Value()
	require.NoError(t, err)

	var b Amount
	require.NoError(t, b.Scan(v))
	assert.Equal(t, 0, a.Cmp(&b))

	require.NoError(t, b.Scan([]byte("-42")))
	assert.Equal(t, "-42", b.String())

	require.NoError(t, b.Scan(nil))
	assert.True(t, b.IsZero())

	assert.Error(t, b.Scan(3.14))
}

func TestAmountJSON(t *testing.T) {
	a := Units(5)
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"5000000000000000000"`, string(raw))

	var b Amount
	require.NoError(t, json.Unmarshal(raw, &b))
	assert.Equal(t, 0, a.Cmp(&b))

	require.NoError(t, json.Unmarshal([]byte(`7`), &b))
	assert.Equal(t, "7", b.String())
}

func TestFundProjectionDrift(t *testing.T) {
	p := &FundProjection{
		TotalAssets:              Units(1000),
		L1Cash:                   Units(50),
		L1Yield:                  Units(50),
		L2:                       Units(300),
		L3:                       Units(620),
		TotalRedemptionLiability: Units(15),
		WithdrawableFees:         Units(5),
	}
	assert.True(t, p.Drift().IsZero())

	p.L3 = Units(630)
	assert.Equal(t, Units(10).String(), p.Drift().String())
}

func TestTierValue(t *testing.T) {
	p := &FundProjection{L1Cash: Units(1), L1Yield: Units(2), L2: Units(3), L3: Units(4)}
	assert.Equal(t, Units(3).String(), p.TierValue(TierL1).String())
	assert.Equal(t, Units(3).String(), p.TierValue(TierL2).String())
	assert.Equal(t, Units(4).String(), p.TierValue(TierL3).String())
}

func TestPlanActionIndependent(t *testing.T) {
	ab := PlanAction{FromTier: TierL1, ToTier: TierL2}
	bc := PlanAction{FromTier: TierL2, ToTier: TierL3}
	cOnly := PlanAction{FromTier: TierL3}
	assert.False(t, ab.Independent(bc))
	assert.True(t, ab.Independent(cOnly))
	assert.False(t, bc.Independent(cOnly))
}

func TestPlanSumActions(t *testing.T) {
	p := &RebalancePlan{Actions: []PlanAction{
		{Amount: Units(10)},
		{Amount: Units(5).Neg()},
	}}
	assert.Equal(t, Units(15).String(), p.SumActions().String())
}

func TestTicketHasActed(t *testing.T) {
	tk := &ApprovalTicket{Records: []ApprovalRecord{{Approver: "alice"}}}
	assert.True(t, tk.HasActed("alice"))
	assert.False(t, tk.HasActed("bob"))
}

func TestMaxRiskLevel(t *testing.T) {
	assert.Equal(t, RiskHigh, MaxRiskLevel(RiskNormal, RiskHigh))
	assert.Equal(t, RiskCritical, MaxRiskLevel(RiskCritical, RiskElevated))
	assert.Equal(t, "CRITICAL", RiskCritical.String())
}

package approval

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/strata/internal/model"
)

func matchRedemption(t *testing.T, amount int64) Rule {
	t.Helper()
	r, err := MatchRule(DefaultRules(), TypeRedemption, Facts{
		Amount:  model.Units(amount),
		Channel: model.ChannelStandard,
	})
	require.NoError(t, err)
	return r
}

func TestRedemptionRuleBands(t *testing.T) {
	// below the approval floor the ticket clears without a human
	small := matchRedemption(t, 29_999)
	assert.Equal(t, "redemption-small", small.Name)
	assert.True(t, small.AutoApprove)

	// 30k inclusive through 100k inclusive is the standard band
	assert.Equal(t, "redemption-standard", matchRedemption(t, 30_000).Name)
	assert.Equal(t, "redemption-standard", matchRedemption(t, 65_000).Name)
	assert.Equal(t, "redemption-standard", matchRedemption(t, 100_000).Name)

	// strictly above 100k is the large band
	large := matchRedemption(t, 100_001)
	assert.Equal(t, "redemption-large", large.Name)
	assert.Equal(t, 2, large.RequiredApprovals)
	assert.Equal(t, LevelManager, large.RequiredLevel)
	assert.Equal(t, 12*time.Hour, large.SLADeadline)
	assert.True(t, large.AutoReject)
	assert.False(t, large.AutoApprove)
}

func TestEmergencyRedemptionRule(t *testing.T) {
	r, err := MatchRule(DefaultRules(), TypeEmergencyRedemption, Facts{
		Amount:  model.Units(50_000),
		Channel: model.ChannelEmergency,
	})
	require.NoError(t, err)
	require.Equal(t, "emergency-redemption", r.Name)
	assert.Equal(t, LevelEmergency, r.RequiredLevel)
	assert.Equal(t, 30*time.Minute, r.SLAWarning)
	assert.Equal(t, 2*time.Hour, r.SLADeadline)
	assert.Equal(t, 30*time.Minute, r.EscalateAfter)
	assert.Equal(t, LevelEmergency, r.EscalateTo)
	// emergency expiries stay with the on-call human
	assert.False(t, r.AutoReject)

	auto, err := MatchRule(DefaultRules(), TypeEmergencyRedemption, Facts{
		Amount:  model.Units(10_000),
		Channel: model.ChannelEmergency,
	})
	require.NoError(t, err)
	assert.Equal(t, "emergency-redemption-small", auto.Name)
	assert.True(t, auto.AutoApprove)
}

func TestRebalancingRuleIgnoresAmount(t *testing.T) {
	small, err := MatchRule(DefaultRules(), TypeRebalancing, Facts{Amount: model.Units(1)})
	require.NoError(t, err)
	huge, err := MatchRule(DefaultRules(), TypeRebalancing, Facts{Amount: model.Units(10_000_000)})
	require.NoError(t, err)
	assert.Equal(t, "rebalancing", small.Name)
	assert.Equal(t, "rebalancing", huge.Name)
	assert.Equal(t, 2, huge.RequiredApprovals)
}

func TestMatchRuleUncoveredType(t *testing.T) {
	_, err := MatchRule(DefaultRules(), "SOMETHING_NEW", Facts{})
	assert.ErrorIs(t, err, ErrNoRuleMatched)
}

func TestMatchRuleEmptyRuleSet(t *testing.T) {
	_, err := MatchRule(nil, TypeRedemption, Facts{Amount: model.Units(50_000)})
	assert.ErrorIs(t, err, ErrNoRuleMatched)
}

func TestConditionOps(t *testing.T) {
	bound := model.Units(100)
	facts := func(v int64) Facts { return Facts{Amount: model.Units(v)} }

	cases := []struct {
		op   Op
		v    int64
		want bool
	}{
		{OpGT, 101, true}, {OpGT, 100, false},
		{OpGE, 100, true}, {OpGE, 99, false},
		{OpLT, 99, true}, {OpLT, 100, false},
		{OpLE, 100, true}, {OpLE, 101, false},
		{OpEQ, 100, true}, {OpEQ, 101, false},
		{OpNE, 101, true}, {OpNE, 100, false},
	}
	for _, tc := range cases {
		c := Condition{Field: "amount", Op: tc.op, Amount: bound}
		assert.Equal(t, tc.want, c.Match(facts(tc.v)), "op %s value %d", tc.op, tc.v)
	}
}

func TestConditionUnknownFieldNeverMatches(t *testing.T) {
	c := Condition{Field: "owner", Op: OpEQ, Value: "0xabc"}
	assert.False(t, c.Match(Facts{Amount: model.Units(1)}))
}

func TestChannelCondition(t *testing.T) {
	c := Condition{Field: "channel", Op: OpEQ, Value: "EMERGENCY"}
	assert.True(t, c.Match(Facts{Channel: model.ChannelEmergency}))
	assert.False(t, c.Match(Facts{Channel: model.ChannelStandard}))
}

func TestLevelOrdering(t *testing.T) {
	assert.True(t, LevelOperator < LevelManager)
	assert.True(t, LevelManager < LevelAdmin)
	assert.True(t, LevelAdmin < LevelEmergency)
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{
		"operator": LevelOperator,
		"MANAGER":  LevelManager,
		" Admin ":  LevelAdmin,
		"EMERGENCY": LevelEmergency,
	} {
		got, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("superuser")
	assert.Error(t, err)
}

func TestRuleSnapshotRoundTrip(t *testing.T) {
	r := matchRedemption(t, 200_000)
	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var back Rule
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, r.Name, back.Name)
	assert.Equal(t, r.RequiredApprovals, back.RequiredApprovals)
	assert.Equal(t, r.RequiredLevel, back.RequiredLevel)
	assert.Equal(t, r.SLADeadline, back.SLADeadline)
	assert.Equal(t, r.AutoReject, back.AutoReject)
	require.Len(t, back.Conditions, 1)
	assert.Equal(t, 0, back.Conditions[0].Amount.Cmp(model.Units(100_000)))
}

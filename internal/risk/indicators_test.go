package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/kelpejol/strata/internal/config"
	"github.com/kelpejol/strata/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSeverityLowerIsWorse(t *testing.T) {
	th := config.DefaultIndicatorThresholds()[config.IndL1Ratio] // 0.10 / 0.08 / 0.05

	cases := []struct {
		value string
		want  model.RiskLevel
	}{
		{"0.15", model.RiskNormal},
		{"0.10", model.RiskNormal},
		{"0.09", model.RiskElevated},
		{"0.08", model.RiskElevated},
		{"0.06", model.RiskHigh},
		{"0.05", model.RiskHigh},
		{"0.04", model.RiskCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Severity(config.IndL1Ratio, d(tc.value), th), "value %s", tc.value)
	}
}

func TestSeverityHigherIsWorse(t *testing.T) {
	th := config.DefaultIndicatorThresholds()[config.IndSingleAsset] // 0.30 / 0.40 / 0.50

	cases := []struct {
		value string
		want  model.RiskLevel
	}{
		{"0.10", model.RiskNormal},
		{"0.30", model.RiskNormal},
		{"0.35", model.RiskElevated},
		{"0.40", model.RiskElevated},
		{"0.45", model.RiskHigh},
		{"0.50", model.RiskHigh},
		{"0.60", model.RiskCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Severity(config.IndSingleAsset, d(tc.value), th), "value %s", tc.value)
	}
}

func TestEvaluateSkipsUnknownIndicators(t *testing.T) {
	ths := config.DefaultIndicatorThresholds()
	samples := Evaluate(map[string]decimal.Decimal{
		config.IndL1Ratio: d("0.12"),
		"made_up":         d("99"),
	}, ths)
	assert.Len(t, samples, 1)
	assert.Equal(t, config.IndL1Ratio, samples[0].Name)
	assert.Equal(t, model.RiskNormal, samples[0].Level)
}

func TestOverallLevelIsMax(t *testing.T) {
	assert.Equal(t, model.RiskNormal, OverallLevel(nil))

	samples := []Sample{
		{Name: config.IndL1Ratio, Level: model.RiskNormal},
		{Name: config.IndTop3, Level: model.RiskHigh},
		{Name: config.IndNavVolatility24h, Level: model.RiskElevated},
	}
	assert.Equal(t, model.RiskHigh, OverallLevel(samples))
}

func TestScoreWeighting(t *testing.T) {
	// all nominal
	assert.Equal(t, 0, Score([]Sample{
		{Name: config.IndL1Ratio, Level: model.RiskNormal},
		{Name: config.IndSingleAsset, Level: model.RiskNormal},
	}))

	// one CRITICAL liquidity indicator contributes its full group weight
	assert.Equal(t, 35, Score([]Sample{
		{Name: config.IndL1Ratio, Level: model.RiskCritical},
	}))

	// worst-of-group: two liquidity indicators still count once
	assert.Equal(t, 35, Score([]Sample{
		{Name: config.IndL1Ratio, Level: model.RiskCritical},
		{Name: config.IndL1L2Ratio, Level: model.RiskElevated},
	}))

	// HIGH concentration = 0.25 * 2/3 * 100 ~= 17
	assert.Equal(t, 17, Score([]Sample{
		{Name: config.IndTop3, Level: model.RiskHigh},
	}))

	// everything critical saturates at 100
	assert.Equal(t, 100, Score([]Sample{
		{Name: config.IndL1Ratio, Level: model.RiskCritical},
		{Name: config.IndNavVolatility24h, Level: model.RiskCritical},
		{Name: config.IndSingleAsset, Level: model.RiskCritical},
		{Name: config.IndDailyRedemption, Level: model.RiskCritical},
	}))
}

func TestVolatility(t *testing.T) {
	assert.True(t, Volatility(nil).IsZero())
	assert.True(t, Volatility([]decimal.Decimal{d("1")}).IsZero())

	// constant series has zero volatility
	flat := []decimal.Decimal{d("1.0"), d("1.0"), d("1.0")}
	assert.True(t, Volatility(flat).IsZero())

	// stddev of {0.9, 1.1} around mean 1.0 is 0.1, so vol = 0.1
	v := Volatility([]decimal.Decimal{d("0.9"), d("1.1")})
	diff := v.Sub(d("0.1")).Abs()
	assert.True(t, diff.LessThan(d("0.0001")), "got %s", v)
}

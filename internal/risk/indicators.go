// Package risk computes the fund's risk indicators each minute, persists
// snapshots, drives the leveled response ladder, and owns the emergency
// incident lifecycle.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/kelpejol/strata/internal/config"
	"github.com/kelpejol/strata/internal/model"
)

// Sample is one evaluated indicator.
type Sample struct {
	Name  string
	Value decimal.Decimal
	Level model.RiskLevel
}

// Indicator groups and their score weights.
const (
	groupLiquidity     = "liquidity"
	groupPrice         = "price"
	groupConcentration = "concentration"
	groupRedemption    = "redemption"
)

var groupWeights = map[string]float64{
	groupLiquidity:     0.35,
	groupPrice:         0.20,
	groupConcentration: 0.25,
	groupRedemption:    0.20,
}

var indicatorGroup = map[string]string{
	config.IndL1Ratio:            groupLiquidity,
	config.IndL1L2Ratio:          groupLiquidity,
	config.IndRedemptionCoverage: groupLiquidity,
	config.IndLiquidityGap7d:     groupLiquidity,
	config.IndNavVolatility24h:   groupPrice,
	config.IndAssetPriceDev:      groupPrice,
	config.IndOracleStaleness:    groupPrice,
	config.IndSingleAsset:        groupConcentration,
	config.IndTop3:               groupConcentration,
	config.IndCounterparty:       groupConcentration,
	config.IndDailyRedemption:    groupRedemption,
	config.IndPendingApproval:    groupRedemption,
	config.IndRedemptionVelocity: groupRedemption,
}

// Severity maps one indicator value onto the four risk levels.
func Severity(name string, value decimal.Decimal, th config.Thresholds) model.RiskLevel {
	if config.LowerIsWorse(name) {
		switch {
		case value.GreaterThanOrEqual(th.Normal):
			return model.RiskNormal
		case value.GreaterThanOrEqual(th.Warning):
			return model.RiskElevated
		case value.GreaterThanOrEqual(th.Critical):
			return model.RiskHigh
		default:
			return model.RiskCritical
		}
	}
	switch {
	case value.LessThanOrEqual(th.Normal):
		return model.RiskNormal
	case value.LessThanOrEqual(th.Warning):
		return model.RiskElevated
	case value.LessThanOrEqual(th.Critical):
		return model.RiskHigh
	default:
		return model.RiskCritical
	}
}

// Evaluate applies the configured thresholds to every known indicator
// value. Unknown names are skipped.
func Evaluate(values map[string]decimal.Decimal, ths map[string]config.Thresholds) []Sample {
	out := make([]Sample, 0, len(values))
	for name, v := range values {
		th, ok := ths[name]
		if !ok {
			continue
		}
		out = append(out, Sample{Name: name, Value: v, Level: Severity(name, v, th)})
	}
	return out
}

// OverallLevel is the max severity across indicators; an empty sample set
// is NORMAL.
func OverallLevel(samples []Sample) model.RiskLevel {
	level := model.RiskNormal
	for _, s := range samples {
		level = model.MaxRiskLevel(level, s.Level)
	}
	return level
}

// Score is the weighted 0-100 composite: each group contributes its worst
// indicator's severity scaled by the group weight.
func Score(samples []Sample) int {
	worst := map[string]model.RiskLevel{}
	for _, s := range samples {
		g, ok := indicatorGroup[s.Name]
		if !ok {
			continue
		}
		worst[g] = model.MaxRiskLevel(worst[g], s.Level)
	}

	var score float64
	for g, w := range groupWeights {
		lvl, ok := worst[g]
		if !ok || lvl < model.RiskNormal {
			continue
		}
		score += w * float64(lvl-model.RiskNormal) / 3.0 * 100.0
	}
	n := int(math.Round(score))
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return n
}

// Volatility returns stddev/mean of a value series, or zero with fewer
// than two points.
func Volatility(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	var sum float64
	fs := make([]float64, len(values))
	for i, v := range values {
		fs[i], _ = v.Float64()
		sum += fs[i]
	}
	mean := sum / float64(len(fs))
	if mean == 0 {
		return decimal.Zero
	}
	var varSum float64
	for _, f := range fs {
		varSum += (f - mean) * (f - mean)
	}
	std := math.Sqrt(varSum / float64(len(fs)))
	return decimal.NewFromFloat(std / mean)
}

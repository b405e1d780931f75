// Package forecast projects liquidity over 1/7/30-day horizons: confirmed
// outflow from pending settlements, probabilistic flows from trailing
// history, and a Monte-Carlo shortfall probability driving the
// recommendation ladder.
package forecast

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/strata/internal/model"
	"github.com/kelpejol/strata/internal/notify"
	"github.com/kelpejol/strata/internal/store"
	"github.com/kelpejol/strata/internal/task"
)

// Horizon is one forecast window.
type Horizon struct {
	Name string
	Days int
}

// Horizons lists the standard forecast windows.
var Horizons = []Horizon{
	{Name: "1d", Days: 1},
	{Name: "7d", Days: 7},
	{Name: "30d", Days: 30},
}

// rateWindowDays is the trailing window historical rates derive from.
const rateWindowDays = 30

// inflowHaircut discounts expected deposits to 50%.
var inflowHaircut = decimal.RequireFromString("0.5")

// Recommendation is the forecast's suggested posture.
type Recommendation string

const (
	RecNone             Recommendation = "NONE"
	RecMonitor          Recommendation = "MONITOR"
	RecPrepareLiquidity Recommendation = "PREPARE_LIQUIDITY"
	RecEmergency        Recommendation = "EMERGENCY"
)

// Forecast is one horizon's liquidity projection.
type Forecast struct {
	Horizon              string         `json:"horizon"`
	Days                 int            `json:"days"`
	Available            *model.Amount  `json:"available"` // L1 + L2
	ConfirmedOutflow     *model.Amount  `json:"confirmed_outflow"`
	ProbabilisticOutflow *model.Amount  `json:"probabilistic_outflow"`
	ExpectedOutflow      *model.Amount  `json:"expected_outflow"`
	ExpectedInflow       *model.Amount  `json:"expected_inflow"`
	Gap                  *model.Amount  `json:"gap"` // negative = shortfall
	ShortfallProbability float64        `json:"shortfall_probability"`
	Recommendation       Recommendation `json:"recommendation"`
	SuggestedAmount      *model.Amount  `json:"suggested_amount"`
	GeneratedAt          time.Time      `json:"generated_at"`
}

// Engine computes forecasts on demand and on the hourly schedule.
type Engine struct {
	store    *store.Store
	notifier notify.Notifier
	trials   int
	log      zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// New builds the engine seeded from crypto/rand.
func New(st *store.Store, notifier notify.Notifier, trials int, logger zerolog.Logger) *Engine {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		binary.BigEndian.PutUint64(seed[:], uint64(time.Now().UnixNano()))
	}
	return NewWithSeed(st, notifier, trials, int64(binary.BigEndian.Uint64(seed[:])), logger)
}

// NewWithSeed builds a deterministic engine for tests.
func NewWithSeed(st *store.Store, notifier notify.Notifier, trials int, seed int64, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		notifier: notifier,
		trials:   trials,
		rnd:      rand.New(rand.NewSource(seed)),
		log:      logger.With().Str("component", "forecast").Logger(),
	}
}

// Register binds the hourly forecast task.
func (e *Engine) Register(pool *task.Pool) {
	pool.Register(task.KindForecast, e.HandleForecast)
}

// Compute builds the forecast for one horizon.
func (e *Engine) Compute(ctx context.Context, h Horizon) (*Forecast, error) {
	p, err := e.store.GetProjection(ctx, e.store.DB())
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	db := e.store.DB()

	confirmed, err := e.store.PendingLiabilityBetween(ctx, db, now, now.AddDate(0, 0, h.Days))
	if err != nil {
		return nil, err
	}
	rateStart := now.AddDate(0, 0, -rateWindowDays)
	settled, err := e.store.SettledOutflowSince(ctx, db, rateStart)
	if err != nil {
		return nil, err
	}
	withdrawn, err := e.store.FlowSince(ctx, db, store.FlowWithdrawal, rateStart)
	if err != nil {
		return nil, err
	}
	deposited, err := e.store.FlowSince(ctx, db, store.FlowDeposit, rateStart)
	if err != nil {
		return nil, err
	}

	scale := decimal.NewFromInt(int64(h.Days)).Div(decimal.NewFromInt(rateWindowDays))
	probabilistic := settled.Add(withdrawn).MulDecimal(scale)
	inflow := deposited.MulDecimal(scale).MulDecimal(inflowHaircut)
	outflow := confirmed.Add(probabilistic)
	available := p.TierValue(model.TierL1).Add(p.TierValue(model.TierL2))
	gap := available.Add(inflow).Sub(outflow)

	e.mu.Lock()
	prob := ShortfallProbability(available, outflow, inflow, e.trials, e.rnd)
	e.mu.Unlock()

	rec, suggested := Recommend(prob, gap)
	return &Forecast{
		Horizon:              h.Name,
		Days:                 h.Days,
		Available:            available,
		ConfirmedOutflow:     confirmed,
		ProbabilisticOutflow: probabilistic,
		ExpectedOutflow:      outflow,
		ExpectedInflow:       inflow,
		Gap:                  gap,
		ShortfallProbability: prob,
		Recommendation:       rec,
		SuggestedAmount:      suggested,
		GeneratedAt:          now,
	}, nil
}

// ComputeAll builds forecasts for every standard horizon.
func (e *Engine) ComputeAll(ctx context.Context) ([]*Forecast, error) {
	out := make([]*Forecast, 0, len(Horizons))
	for _, h := range Horizons {
		f, err := e.Compute(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("forecast %s: %w", h.Name, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// HandleForecast is the hourly task: compute all horizons and alert when
// any recommends action.
func (e *Engine) HandleForecast(ctx context.Context, _ *task.Task) error {
	forecasts, err := e.ComputeAll(ctx)
	if err != nil {
		return err
	}
	for _, f := range forecasts {
		e.log.Info().Str("horizon", f.Horizon).
			Float64("shortfall_probability", f.ShortfallProbability).
			Str("recommendation", string(f.Recommendation)).Msg("liquidity forecast")

		switch f.Recommendation {
		case RecPrepareLiquidity:
			if err := e.notifier.Notify(ctx, notify.SevWarning,
				fmt.Sprintf("Liquidity forecast %s: prepare liquidity", f.Horizon),
				fmt.Sprintf("shortfall probability %.1f%%, suggested %s",
					f.ShortfallProbability*100, f.SuggestedAmount)); err != nil {
				return err
			}
		case RecEmergency:
			if err := e.notifier.Notify(ctx, notify.SevCritical,
				fmt.Sprintf("Liquidity forecast %s: emergency preparation", f.Horizon),
				fmt.Sprintf("shortfall probability %.1f%%, suggested %s",
					f.ShortfallProbability*100, f.SuggestedAmount)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ShortfallProbability runs the Monte-Carlo trials: outflow scaled by
// U(0.8, 1.2), inflow by U(0.5, 1.5), counting trials where liquidity
// cannot cover the sampled outflow.
func ShortfallProbability(available, outflow, inflow *model.Amount, trials int, rnd *rand.Rand) float64 {
	if trials <= 0 {
		return 0
	}
	shortfalls := 0
	for i := 0; i < trials; i++ {
		of := outflow.MulDecimal(uniform(rnd, 0.8, 1.2))
		in := inflow.MulDecimal(uniform(rnd, 0.5, 1.5))
		if available.Add(in).Cmp(of) < 0 {
			shortfalls++
		}
	}
	return float64(shortfalls) / float64(trials)
}

func uniform(rnd *rand.Rand, lo, hi float64) decimal.Decimal {
	return decimal.NewFromFloat(lo + rnd.Float64()*(hi-lo))
}

// Recommend maps a shortfall probability and gap to the posture ladder.
func Recommend(prob float64, gap *model.Amount) (Recommendation, *model.Amount) {
	magnitude := gap.Abs()
	switch {
	case prob < 0.05:
		return RecNone, model.ZeroAmount()
	case prob < 0.20:
		return RecMonitor, model.ZeroAmount()
	case prob < 0.50:
		return RecPrepareLiquidity, magnitude
	default:
		return RecEmergency, magnitude.MulBps(12000)
	}
}

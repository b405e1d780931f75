package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/strata/internal/chain"
	"github.com/kelpejol/strata/internal/config"
	"github.com/kelpejol/strata/internal/coord"
	"github.com/kelpejol/strata/internal/forecast"
	"github.com/kelpejol/strata/internal/metrics"
	"github.com/kelpejol/strata/internal/model"
	"github.com/kelpejol/strata/internal/notify"
	"github.com/kelpejol/strata/internal/rebalance"
	"github.com/kelpejol/strata/internal/store"
	"github.com/kelpejol/strata/internal/task"
)

// FlagPauseStandard pauses off-chain acceptance of STANDARD redemption
// gating actions while risk is HIGH or worse.
const FlagPauseStandard = "pause_standard_redemptions"

// alertCooldown suppresses repeated level notifications.
const alertCooldown = time.Hour

// emergencyLease scopes the single active emergency driver.
const emergencyLease = "emergency-driver"

// recoveryOKStreak is how many consecutive calm snapshots end an incident.
const recoveryOKStreak = 2

// Waterfaller is the slice of the rebalance engine the driver needs.
type Waterfaller interface {
	TriggerWaterfall(ctx context.Context, shortfall *model.Amount, bypassApproval bool) (*model.RebalancePlan, error)
}

// Forecaster supplies the liquidity gap assessment during an incident.
type Forecaster interface {
	Compute(ctx context.Context, h forecast.Horizon) (*forecast.Forecast, error)
}

// Options carries the engine's tunables.
type Options struct {
	Thresholds map[string]config.Thresholds
	Bounds     map[model.Tier]config.TierBounds
	Vault      string
	LeaseTTL   time.Duration
	RenewEvery time.Duration
	WatchEvery time.Duration // recovery watcher interval, 5m in production
}

// Engine runs the per-minute scan and the emergency driver.
type Engine struct {
	store      *store.Store
	queue      *task.Queue
	coord      *coord.Coordinator
	gw         chain.Gateway
	notifier   notify.Notifier
	waterfall  Waterfaller
	forecaster Forecaster
	opts       Options
	log        zerolog.Logger
}

// New builds the engine.
func New(st *store.Store, queue *task.Queue, c *coord.Coordinator, gw chain.Gateway, notifier notify.Notifier, waterfall Waterfaller, forecaster Forecaster, opts Options, logger zerolog.Logger) *Engine {
	if opts.WatchEvery == 0 {
		opts.WatchEvery = 5 * time.Minute
	}
	return &Engine{
		store:      st,
		queue:      queue,
		coord:      c,
		gw:         gw,
		notifier:   notifier,
		waterfall:  waterfall,
		forecaster: forecaster,
		opts:       opts,
		log:        logger.With().Str("component", "risk").Logger(),
	}
}

// Register binds the engine's task handlers to the pool.
func (e *Engine) Register(pool *task.Pool) {
	pool.Register(task.KindRiskScan, e.HandleScan)
	pool.Register(task.KindEmergencyDrive, e.HandleEmergencyDrive)
}

// HandleScan is the per-minute task: compute indicators, persist the
// snapshot, run the leveled response.
func (e *Engine) HandleScan(ctx context.Context, _ *task.Task) error {
	snap, samples, err := e.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := e.store.InsertRiskSnapshot(ctx, e.store.DB(), snap); err != nil {
		return err
	}
	metrics.RiskLevel.Set(float64(snap.Level))
	metrics.RiskScore.Set(float64(snap.Score))
	metrics.TierRatioBps.WithLabelValues(string(model.TierL1)).Set(float64(snap.L1RatioBps))
	metrics.TierRatioBps.WithLabelValues(string(model.TierL2)).Set(float64(snap.L1L2RatioBps - snap.L1RatioBps))
	metrics.TierRatioBps.WithLabelValues(string(model.TierL3)).Set(float64(10000 - snap.L1L2RatioBps))
	return e.respond(ctx, snap, samples)
}

// Snapshot computes all indicators from current state.
func (e *Engine) Snapshot(ctx context.Context) (*model.RiskSnapshot, []Sample, error) {
	db := e.store.DB()
	p, err := e.store.GetProjection(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	snap := &model.RiskSnapshot{Time: now, LiquidityGap7d: model.ZeroAmount(), Level: model.RiskNormal}
	if p.TotalAssets.Sign() <= 0 {
		return snap, nil, nil
	}

	values := map[string]decimal.Decimal{}

	// liquidity
	l1 := p.TierValue(model.TierL1)
	liquid := l1.Add(p.TierValue(model.TierL2))
	values[config.IndL1Ratio] = l1.RatioTo(p.TotalAssets)
	values[config.IndL1L2Ratio] = liquid.RatioTo(p.TotalAssets)
	if p.TotalRedemptionLiability.Sign() > 0 {
		values[config.IndRedemptionCoverage] = liquid.RatioTo(p.TotalRedemptionLiability)
	} else {
		values[config.IndRedemptionCoverage] = decimal.NewFromInt(999)
	}

	outflow7d, err := e.store.PendingLiabilityBetween(ctx, db, now, now.AddDate(0, 0, 7))
	if err != nil {
		return nil, nil, err
	}
	gap := outflow7d.Sub(liquid)
	if gap.Sign() > 0 {
		snap.LiquidityGap7d = gap
		values[config.IndLiquidityGap7d] = gap.RatioTo(p.TotalAssets)
	} else {
		values[config.IndLiquidityGap7d] = decimal.Zero
	}

	// price
	navPoints, err := e.store.NavHistory(ctx, db, now.Add(-24*time.Hour))
	if err != nil {
		return nil, nil, err
	}
	prices := make([]decimal.Decimal, 0, len(navPoints))
	for _, np := range navPoints {
		prices = append(prices, np.SharePrice.RatioTo(model.Units(1)))
	}
	values[config.IndNavVolatility24h] = Volatility(prices)
	values[config.IndOracleStaleness] = e.navStaleness(navPoints, now)
	// no independent off-chain price feed; deviation stays zero until one exists
	values[config.IndAssetPriceDev] = decimal.Zero

	// concentration
	holdings, err := e.store.ListHoldings(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	single, top3 := concentration(holdings, p.TotalAssets)
	values[config.IndSingleAsset] = single
	values[config.IndTop3] = top3
	values[config.IndCounterparty] = single

	// redemption pressure
	settled24h, err := e.store.SettledOutflowSince(ctx, db, now.Add(-24*time.Hour))
	if err != nil {
		return nil, nil, err
	}
	withdrawn24h, err := e.store.FlowSince(ctx, db, store.FlowWithdrawal, now.Add(-24*time.Hour))
	if err != nil {
		return nil, nil, err
	}
	values[config.IndDailyRedemption] = settled24h.Add(withdrawn24h).RatioTo(p.TotalAssets)

	pendingApproval, err := e.store.PendingApprovalLiability(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	values[config.IndPendingApproval] = pendingApproval.RatioTo(p.TotalAssets)

	requested7d, err := e.store.RequestedInflowSince(ctx, db, now.AddDate(0, 0, -7))
	if err != nil {
		return nil, nil, err
	}
	values[config.IndRedemptionVelocity] = requested7d.RatioTo(p.TotalAssets)

	samples := Evaluate(values, e.opts.Thresholds)
	snap.Level = OverallLevel(samples)
	snap.Score = Score(samples)

	bps := func(name string) int64 {
		return values[name].Mul(decimal.NewFromInt(10000)).IntPart()
	}
	snap.L1RatioBps = bps(config.IndL1Ratio)
	snap.L1L2RatioBps = bps(config.IndL1L2Ratio)
	snap.RedemptionCoverage = bps(config.IndRedemptionCoverage)
	snap.NavVolatility24hBps = bps(config.IndNavVolatility24h)
	snap.AssetPriceDevBps = bps(config.IndAssetPriceDev)
	snap.OracleStalenessSec = values[config.IndOracleStaleness].IntPart()
	snap.SingleAssetBps = bps(config.IndSingleAsset)
	snap.Top3Bps = bps(config.IndTop3)
	snap.CounterpartyBps = bps(config.IndCounterparty)
	snap.DailyRedemptionRateBps = bps(config.IndDailyRedemption)
	snap.PendingApprovalBps = bps(config.IndPendingApproval)
	snap.RedemptionVelocity7dBps = bps(config.IndRedemptionVelocity)
	return snap, samples, nil
}

func (e *Engine) navStaleness(points []store.NavPoint, now time.Time) decimal.Decimal {
	if len(points) == 0 {
		return decimal.NewFromInt(86400)
	}
	latest := points[0].Time
	for _, p := range points[1:] {
		if p.Time.After(latest) {
			latest = p.Time
		}
	}
	return decimal.NewFromInt(int64(now.Sub(latest).Seconds()))
}

func concentration(holdings []store.Holding, total *model.Amount) (single, top3 decimal.Decimal) {
	if len(holdings) == 0 {
		return decimal.Zero, decimal.Zero
	}
	// holdings come back largest first
	single = holdings[0].Balance.RatioTo(total)
	sum := model.ZeroAmount()
	for i, h := range holdings {
		if i == 3 {
			break
		}
		sum = sum.Add(h.Balance)
	}
	return single, sum.RatioTo(total)
}

// respond runs the leveled response ladder.
func (e *Engine) respond(ctx context.Context, snap *model.RiskSnapshot, samples []Sample) error {
	switch snap.Level {
	case model.RiskNormal:
		return e.coord.SetFlag(ctx, FlagPauseStandard, false)

	case model.RiskElevated:
		if fresh, err := e.coord.EnterCooldown(ctx, "risk_elevated", alertCooldown); err == nil && fresh {
			if err := e.notifier.Notify(ctx, notify.SevWarning,
				"Risk level ELEVATED", e.describe(samples)); err != nil {
				return err
			}
		}
		if snap.L1RatioBps < e.opts.Bounds[model.TierL1].MinBps {
			e.enqueue(ctx, task.KindLiquidityCheck, task.PriorityHigh)
		}
		return e.coord.SetFlag(ctx, FlagPauseStandard, false)

	case model.RiskHigh:
		if err := e.coord.SetFlag(ctx, FlagPauseStandard, true); err != nil {
			return err
		}
		if fresh, err := e.coord.EnterCooldown(ctx, "risk_high", alertCooldown); err == nil && fresh {
			if err := e.notifier.Notify(ctx, notify.SevCritical,
				"Risk level HIGH, standard redemption gating paused", e.describe(samples)); err != nil {
				return err
			}
		}
		e.enqueue(ctx, task.KindLiquidityCheck, task.PriorityHigh)
		return nil

	case model.RiskCritical:
		e.enqueue(ctx, task.KindEmergencyDrive, task.PriorityCritical)
		return nil
	}
	return nil
}

func (e *Engine) describe(samples []Sample) string {
	out := ""
	for _, s := range samples {
		if s.Level <= model.RiskNormal {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += fmt.Sprintf("%s=%s (%s)", s.Name, s.Value.StringFixed(4), s.Level)
	}
	if out == "" {
		return "all indicators nominal"
	}
	return out
}

func (e *Engine) enqueue(ctx context.Context, kind string, priority int) {
	t, err := task.NewTask(kind, priority, nil)
	if err == nil {
		err = e.queue.Enqueue(ctx, t)
	}
	if err != nil {
		e.log.Error().Err(err).Str("kind", kind).Msg("response task enqueue failed")
	}
}

// HandleEmergencyDrive runs the emergency incident end to end and holds a
// worker for its whole duration: engage on-chain emergency mode, raise
// liquidity for the assessed gap, then watch for recovery. The incident
// lease keeps a single driver alive across instances.
func (e *Engine) HandleEmergencyDrive(ctx context.Context, _ *task.Task) error {
	lease, err := e.coord.AcquireLease(ctx, emergencyLease, e.opts.LeaseTTL)
	if errors.Is(err, coord.ErrLeaseHeld) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	driveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := lease.KeepAlive(driveCtx, e.opts.RenewEvery)

	incidentID := uuid.NewString()
	e.log.Warn().Str("incident", incidentID).Msg("emergency driver engaged")

	if err := e.engageEmergencyMode(driveCtx, incidentID); err != nil {
		return err
	}
	if err := e.notifier.Notify(driveCtx, notify.SevCritical,
		"Emergency response engaged",
		fmt.Sprintf("incident %s: emergency mode active, assessing liquidity gap", incidentID)); err != nil {
		e.log.Error().Err(err).Msg("emergency notification failed")
	}
	e.raiseLiquidity(driveCtx)

	return e.watchRecovery(driveCtx, incidentID, lost)
}

func (e *Engine) engageEmergencyMode(ctx context.Context, incidentID string) error {
	p, err := e.store.GetProjection(ctx, e.store.DB())
	if err != nil {
		return err
	}
	if p.EmergencyMode {
		return nil
	}
	// emergency mode and the pause go out concurrently: neither should wait
	// on the other's receipt
	if err := e.sendPair(ctx,
		chain.SetEmergencyModeCall(true), chain.PauseCall()); err != nil {
		return fmt.Errorf("enable emergency mode: %w", err)
	}
	e.log.Warn().Str("incident", incidentID).Msg("emergency mode enabled and vault paused on-chain")
	return nil
}

// sendPair submits two vault writes concurrently and waits for both
// receipts, returning the first error.
func (e *Engine) sendPair(ctx context.Context, first, second []byte) error {
	errs := make(chan error, 2)
	for _, data := range [][]byte{first, second} {
		data := data
		go func() {
			_, err := e.gw.Send(ctx, chain.TxRequest{
				Contract: e.opts.Vault,
				Signer:   model.RoleAdmin,
				Data:     data,
			})
			errs <- err
		}()
	}
	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) raiseLiquidity(ctx context.Context) {
	f, err := e.forecaster.Compute(ctx, forecast.Horizon{Name: "7d", Days: 7})
	if err != nil {
		e.log.Error().Err(err).Msg("gap assessment failed")
		return
	}
	if f.Gap.Sign() >= 0 {
		return
	}
	shortfall := f.Gap.Abs()
	_, err = e.waterfall.TriggerWaterfall(ctx, shortfall, true)
	if errors.Is(err, rebalance.ErrNoPlanNeeded) || errors.Is(err, rebalance.ErrPlanActive) {
		return
	}
	if err != nil {
		e.log.Error().Err(err).Str("shortfall", shortfall.String()).Msg("waterfall trigger failed")
	}
}

// watchRecovery polls the indicators until the level stays at ELEVATED or
// lower for two consecutive checks, then stands the incident down.
func (e *Engine) watchRecovery(ctx context.Context, incidentID string, lost <-chan struct{}) error {
	ticker := time.NewTicker(e.opts.WatchEvery)
	defer ticker.Stop()

	streak := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			e.log.Error().Str("incident", incidentID).Msg("driver lease lost, standing down without recovery")
			return nil
		case <-ticker.C:
		}

		snap, _, err := e.Snapshot(ctx)
		if err != nil {
			e.log.Error().Err(err).Msg("recovery snapshot failed")
			continue
		}
		if err := e.store.InsertRiskSnapshot(ctx, e.store.DB(), snap); err != nil {
			e.log.Error().Err(err).Msg("recovery snapshot persist failed")
		}

		if snap.Level <= model.RiskElevated {
			streak++
		} else {
			streak = 0
		}
		e.log.Info().Str("incident", incidentID).Str("level", snap.Level.String()).
			Int("streak", streak).Msg("recovery check")

		if streak >= recoveryOKStreak {
			return e.concludeIncident(ctx, incidentID)
		}
	}
}

func (e *Engine) concludeIncident(ctx context.Context, incidentID string) error {
	if err := e.sendPair(ctx,
		chain.SetEmergencyModeCall(false), chain.UnpauseCall()); err != nil {
		return fmt.Errorf("disable emergency mode: %w", err)
	}
	if err := e.coord.SetFlag(ctx, FlagPauseStandard, false); err != nil {
		return err
	}
	e.log.Warn().Str("incident", incidentID).Msg("emergency incident concluded, vault unpaused")
	return e.notifier.Notify(ctx, notify.SevCritical,
		"Emergency incident concluded",
		fmt.Sprintf("incident %s: risk level recovered, emergency mode disabled", incidentID))
}

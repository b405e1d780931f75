// Package ops holds the housekeeping tasks: the daily overdue-liability
// sweep and the daily/weekly/monthly operational reports.
package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/strata/internal/chain"
	"github.com/kelpejol/strata/internal/model"
	"github.com/kelpejol/strata/internal/notify"
	"github.com/kelpejol/strata/internal/store"
	"github.com/kelpejol/strata/internal/task"
)

// Engine runs the scheduled housekeeping tasks.
type Engine struct {
	store       *store.Store
	gw          chain.Gateway
	notifier    notify.Notifier
	vault       string
	overdueDays int
	log         zerolog.Logger
}

// New builds the engine.
func New(st *store.Store, gw chain.Gateway, notifier notify.Notifier, vault string, overdueDays int, logger zerolog.Logger) *Engine {
	return &Engine{
		store:       st,
		gw:          gw,
		notifier:    notifier,
		vault:       vault,
		overdueDays: overdueDays,
		log:         logger.With().Str("component", "ops").Logger(),
	}
}

// Register binds the housekeeping task handlers.
func (e *Engine) Register(pool *task.Pool) {
	pool.Register(task.KindOverdueSweep, e.HandleOverdueSweep)
	pool.Register(task.KindDailyReport, e.reportHandler("daily", 24*time.Hour))
	pool.Register(task.KindWeeklyReport, e.reportHandler("weekly", 7*24*time.Hour))
	pool.Register(task.KindMonthlyReport, e.reportHandler("monthly", 30*24*time.Hour))
}

// HandleOverdueSweep asks the vault to reclaim liabilities whose settlement
// window lapsed without a claim. The contract walks its own queue; we only
// pass the age cutoff.
func (e *Engine) HandleOverdueSweep(ctx context.Context, _ *task.Task) error {
	receipt, err := e.gw.Send(ctx, chain.TxRequest{
		Contract: e.vault,
		Signer:   model.RoleAdmin,
		Data:     chain.ProcessOverdueLiabilityBatchCall(uint64(e.overdueDays)),
	})
	if err != nil {
		return fmt.Errorf("overdue sweep: %w", err)
	}
	e.log.Info().Str("tx", receipt.TxHash).Int("days_back", e.overdueDays).Msg("overdue liability sweep submitted")
	return nil
}

func (e *Engine) reportHandler(name string, window time.Duration) task.Handler {
	return func(ctx context.Context, _ *task.Task) error {
		return e.report(ctx, name, window)
	}
}

// report assembles the periodic operations summary and delivers it through
// the notifier.
func (e *Engine) report(ctx context.Context, name string, window time.Duration) error {
	db := e.store.DB()
	since := time.Now().UTC().Add(-window)

	p, err := e.store.GetProjection(ctx, db)
	if err != nil {
		return err
	}
	stats, err := e.store.GetTicketStats(ctx, db, since)
	if err != nil {
		return err
	}
	counts, err := e.store.CountRedemptionsByStatus(ctx, db)
	if err != nil {
		return err
	}
	settled, err := e.store.SettledOutflowSince(ctx, db, since)
	if err != nil {
		return err
	}
	deposited, err := e.store.FlowSince(ctx, db, store.FlowDeposit, since)
	if err != nil {
		return err
	}
	snaps, err := e.store.RecentRiskSnapshots(ctx, db, 1)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "total assets %s, liability %s", p.TotalAssets, p.TotalRedemptionLiability)
	for _, t := range model.AllTiers {
		fmt.Fprintf(&b, "\n%s: %s", t, p.TierValue(t))
	}
	fmt.Fprintf(&b, "\ndeposits %s, settled redemptions %s", deposited, settled)
	fmt.Fprintf(&b, "\nredemptions pending %d, settled %d",
		counts[model.RedemptionPending]+counts[model.RedemptionPendingApproval],
		counts[model.RedemptionSettled])
	fmt.Fprintf(&b, "\ntickets open %d, approved %d, rejected %d, expired %d (avg %.1fh to resolve)",
		stats.Open, stats.Approved, stats.Rejected, stats.Expired, stats.AvgResolveHours)
	if len(snaps) > 0 {
		fmt.Fprintf(&b, "\nrisk level %s, score %d", snaps[0].Level, snaps[0].Score)
	}

	e.log.Info().Str("report", name).Msg("operations report generated")
	return e.notifier.Notify(ctx, notify.SevInfo,
		fmt.Sprintf("Strata %s report", name), b.String())
}

package task

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task kinds shared across the system. Producers and the daemon's handler
// registrations both reference these.
const (
	KindHandleEvent = "handle_event"

	KindLiquidityCheck  = "liquidity_check"
	KindRiskScan        = "risk_scan"
	KindDeviationCheck  = "deviation_check"
	KindForecast        = "forecast"
	KindOverdueSweep    = "overdue_liability_sweep"
	KindDailyReport     = "report_daily"
	KindWeeklyReport    = "report_weekly"
	KindMonthlyReport   = "report_monthly"

	KindSLAWarning    = "sla_warning"
	KindSLAEscalation = "sla_escalation"
	KindSLADeadline   = "sla_deadline"

	KindApprovalResult = "approval_result"
	KindExecutePlan    = "execute_plan"
	KindStrategicCheck = "strategic_check"
	KindEmergencyDrive = "emergency_drive"
)

// ScheduleEntry is one periodic producer.
type ScheduleEntry struct {
	Kind     string
	Priority int
	Every    time.Duration
}

// DefaultSchedule is the standing periodic workload.
func DefaultSchedule() []ScheduleEntry {
	return []ScheduleEntry{
		{KindLiquidityCheck, PriorityHigh, 5 * time.Minute},
		{KindRiskScan, PriorityHigh, time.Minute},
		{KindDeviationCheck, PriorityNormal, time.Hour},
		{KindForecast, PriorityNormal, time.Hour},
		{KindStrategicCheck, PriorityNormal, 24 * time.Hour},
		{KindOverdueSweep, PriorityLow, 24 * time.Hour},
		{KindDailyReport, PriorityLow, 24 * time.Hour},
		{KindWeeklyReport, PriorityLow, 7 * 24 * time.Hour},
		{KindMonthlyReport, PriorityLow, 30 * 24 * time.Hour},
	}
}

// Scheduler enqueues the periodic workload. It is a plain producer: the pool
// executes the work, so a restart only delays the next tick and a missed tick
// is never retried retroactively.
type Scheduler struct {
	pool    *Pool
	entries []ScheduleEntry
	log     zerolog.Logger
	wg      sync.WaitGroup
	stop    chan struct{}
}

// NewScheduler builds a scheduler over the pool.
func NewScheduler(pool *Pool, entries []ScheduleEntry, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		pool:    pool,
		entries: entries,
		log:     logger.With().Str("component", "scheduler").Logger(),
		stop:    make(chan struct{}),
	}
}

// Start launches one ticker goroutine per entry.
func (s *Scheduler) Start(ctx context.Context) {
	for _, e := range s.entries {
		e := e
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(e.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.stop:
					return
				case <-ticker.C:
					s.pool.EnqueueAndLog(ctx, e.Kind, e.Priority, nil)
				}
			}
		}()
	}
	s.log.Info().Int("entries", len(s.entries)).Msg("scheduler started")
}

// Close stops all tickers.
func (s *Scheduler) Close() {
	close(s.stop)
	s.wg.Wait()
}

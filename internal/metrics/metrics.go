// Package metrics holds the process-wide Prometheus collectors. Collectors
// are registered at init via promauto; packages increment them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts confirmed chain events enqueued for dispatch.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Confirmed chain events enqueued for dispatch.",
	}, []string{"kind"})

	// TasksProcessed counts task runs by kind and outcome.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "tasks",
		Name:      "processed_total",
		Help:      "Task executions by kind and outcome.",
	}, []string{"kind", "outcome"})

	// TaskDuration observes task handler latency.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Task handler latency.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"kind"})

	// HTTPRequests counts API requests by method, path and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method, path and status.",
	}, []string{"method", "path", "status"})

	// RiskLevel is the latest overall risk level (1=NORMAL .. 4=CRITICAL).
	RiskLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strata",
		Subsystem: "risk",
		Name:      "level",
		Help:      "Latest overall risk level (1=NORMAL .. 4=CRITICAL).",
	})

	// RiskScore is the latest 0-100 composite risk score.
	RiskScore = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strata",
		Subsystem: "risk",
		Name:      "score",
		Help:      "Latest composite risk score.",
	})

	// TierRatioBps tracks each tier's share of total assets.
	TierRatioBps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "strata",
		Subsystem: "fund",
		Name:      "tier_ratio_bps",
		Help:      "Tier allocation in basis points of total assets.",
	}, []string{"tier"})
)

// Package api exposes the control plane over HTTP/JSON.
//
// Endpoints:
//   GET  /v1/projection                   - fund projection read model
//   GET  /v1/holdings                     - per-asset holdings
//   GET  /v1/redemptions                  - list redemption requests
//   GET  /v1/redemptions/{request_id}     - one redemption request
//   GET  /v1/tickets                      - open approval tickets
//   GET  /v1/tickets/{id}                 - one ticket with its records
//   GET  /v1/tickets/{id}/audit           - ticket audit trail
//   POST /v1/tickets/{id}/approve         - record an approval
//   POST /v1/tickets/{id}/reject          - record a rejection
//   POST /v1/tickets/{id}/cancel          - withdraw a pending ticket
//   GET  /v1/plans                        - list rebalance plans
//   GET  /v1/plans/{id}                   - one plan with its actions
//   POST /v1/plans/preview                - build + simulate, no persist
//   POST /v1/plans                        - trigger a manual rebalance
//   POST /v1/plans/{id}/execute           - execute an approved plan
//   POST /v1/plans/{id}/rollback          - build the inverse plan
//   GET  /v1/forecast                     - liquidity forecasts, all horizons
//   GET  /v1/risk/status                  - latest snapshot + pause flag
//   GET  /v1/risk/snapshots               - recent risk snapshots
//   GET  /v1/risk/events                  - open risk events
//   POST /v1/risk/events/{id}/resolve     - close a risk event
//   GET  /v1/ingest/status                - ingestion halt state
//   POST /v1/ingest/resync                - rewind checkpoints after a reorg
//   GET  /health                          - liveness
//   GET  /ready                           - readiness (DB + Redis)
//   GET  /metrics                         - Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kelpejol/strata/internal/approval"
	"github.com/kelpejol/strata/internal/coord"
	"github.com/kelpejol/strata/internal/forecast"
	"github.com/kelpejol/strata/internal/ingest"
	"github.com/kelpejol/strata/internal/metrics"
	"github.com/kelpejol/strata/internal/rebalance"
	"github.com/kelpejol/strata/internal/risk"
	"github.com/kelpejol/strata/internal/store"
)

// idempotencyTTL is how long a consumed Idempotency-Key stays claimed.
const idempotencyTTL = 24 * time.Hour

// Server wires the engines behind the HTTP surface. It holds no state of its
// own; every request delegates to an engine or the store.
type Server struct {
	store     *store.Store
	rdb       *redis.Client
	coord     *coord.Coordinator
	approval  *approval.Engine
	rebalance *rebalance.Engine
	forecast  *forecast.Engine
	risk      *risk.Engine
	ingest    *ingest.Ingestor
	log       zerolog.Logger
}

// NewServer builds the HTTP server facade.
func NewServer(st *store.Store, rdb *redis.Client, c *coord.Coordinator,
	ap *approval.Engine, rb *rebalance.Engine, fc *forecast.Engine,
	rk *risk.Engine, in *ingest.Ingestor, logger zerolog.Logger) *Server {
	return &Server{
		store:     st,
		rdb:       rdb,
		coord:     c,
		approval:  ap,
		rebalance: rb,
		forecast:  fc,
		risk:      rk,
		ingest:    in,
		log:       logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router with all routes and middleware attached.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key"},
		MaxAge:         300,
	}))
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/projection", s.handleProjection)
		r.Get("/holdings", s.handleHoldings)

		r.Get("/redemptions", s.handleListRedemptions)
		r.Get("/redemptions/{requestID}", s.handleGetRedemption)

		r.Get("/tickets", s.handleListTickets)
		r.Get("/tickets/{id}", s.handleGetTicket)
		r.Get("/tickets/{id}/audit", s.handleTicketAudit)
		r.With(s.idempotent).Post("/tickets/{id}/approve", s.handleApprove)
		r.With(s.idempotent).Post("/tickets/{id}/reject", s.handleReject)
		r.With(s.idempotent).Post("/tickets/{id}/cancel", s.handleCancelTicket)

		r.Get("/plans", s.handleListPlans)
		r.Get("/plans/{id}", s.handleGetPlan)
		r.Post("/plans/preview", s.handlePreviewPlan)
		r.With(s.idempotent).Post("/plans", s.handleTriggerPlan)
		r.With(s.idempotent).Post("/plans/{id}/execute", s.handleExecutePlan)
		r.With(s.idempotent).Post("/plans/{id}/rollback", s.handleRollbackPlan)

		r.Get("/forecast", s.handleForecast)

		r.Get("/risk/status", s.handleRiskStatus)
		r.Get("/risk/snapshots", s.handleRiskSnapshots)
		r.Get("/risk/events", s.handleRiskEvents)
		r.With(s.idempotent).Post("/risk/events/{id}/resolve", s.handleResolveRiskEvent)

		r.Get("/ingest/status", s.handleIngestStatus)
		r.With(s.idempotent).Post("/ingest/resync", s.handleResync)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.DB().PingContext(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "db_unavailable", err.Error())
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "redis_unavailable", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// idempotent claims the request's Idempotency-Key before the handler runs.
// A replayed key gets 409 instead of re-executing the mutation.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		fresh, err := s.coord.EnterCooldown(r.Context(), "idem:"+r.Method+":"+r.URL.Path+":"+key, idempotencyTTL)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if !fresh {
			s.writeError(w, http.StatusConflict, "duplicate_request", "idempotency key already used")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, http.StatusText(wrapped.status)).Inc()
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

// writeDomainError maps engine sentinels to stable HTTP error codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrStaleStatus):
		s.writeError(w, http.StatusConflict, "stale_status", err.Error())
	case errors.Is(err, approval.ErrTicketResolved):
		s.writeError(w, http.StatusConflict, "ticket_resolved", err.Error())
	case errors.Is(err, approval.ErrAlreadyActed):
		s.writeError(w, http.StatusConflict, "already_acted", err.Error())
	case errors.Is(err, approval.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, "not_cancellable", err.Error())
	case errors.Is(err, approval.ErrUnknownApprover):
		s.writeError(w, http.StatusForbidden, "unknown_approver", err.Error())
	case errors.Is(err, approval.ErrApproverLevel):
		s.writeError(w, http.StatusForbidden, "approver_level", err.Error())
	case errors.Is(err, rebalance.ErrPlanActive):
		s.writeError(w, http.StatusConflict, "plan_active", err.Error())
	case errors.Is(err, rebalance.ErrNoPlanNeeded):
		s.writeError(w, http.StatusUnprocessableEntity, "no_plan_needed", err.Error())
	case errors.Is(err, rebalance.ErrSimulationFailed):
		s.writeError(w, http.StatusUnprocessableEntity, "simulation_failed", err.Error())
	case errors.Is(err, rebalance.ErrSlippageExceeded):
		s.writeError(w, http.StatusUnprocessableEntity, "slippage_exceeded", err.Error())
	case errors.Is(err, approval.ErrNoRuleMatched):
		s.writeError(w, http.StatusUnprocessableEntity, "no_rule_matched", err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kelpejol/strata/internal/model"
	"github.com/kelpejol/strata/internal/risk"
)

const defaultListLimit = 50

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return defaultListLimit
}

// actorRequest is the shared body for approve/reject/cancel/resolve calls.
type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProjection(r.Context(), s.store.DB())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, projectionView(p))
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.store.ListHoldings(r.Context(), s.store.DB())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, map[string]interface{}{
			"asset":   h.Asset,
			"tier":    h.Tier,
			"balance": h.Balance,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"holdings": out})
}

func (s *Server) handleListRedemptions(w http.ResponseWriter, r *http.Request) {
	status := model.RedemptionStatus(r.URL.Query().Get("status"))
	list, err := s.store.ListRedemptions(r.Context(), s.store.DB(), status, limitParam(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]interface{}, 0, len(list))
	for _, rr := range list {
		out = append(out, redemptionView(rr))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"redemptions": out})
}

func (s *Server) handleGetRedemption(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "requestID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_id", "request_id must be an integer")
		return
	}
	rr, err := s.store.GetRedemption(r.Context(), s.store.DB(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, redemptionView(rr))
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.store.ListOpenTickets(r.Context(), s.store.DB(), limitParam(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]interface{}, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, ticketView(t))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tickets": out})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTicket(r.Context(), s.store.DB(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ticketView(t))
}

func (s *Server) handleTicketAudit(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListAudit(r.Context(), s.store.DB(), "approval_ticket", chi.URLParam(r, "id"), limitParam(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]interface{}, 0, len(logs))
	for _, a := range logs {
		out = append(out, map[string]interface{}{
			"id":         a.ID,
			"action":     a.Action,
			"actor":      a.Actor,
			"old_value":  a.OldValue,
			"new_value":  a.NewValue,
			"created_at": a.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"audit": out})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		s.writeError(w, http.StatusBadRequest, "actor_required", "actor is required")
		return
	}
	t, err := s.approval.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ticketView(t))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		s.writeError(w, http.StatusBadRequest, "actor_required", "actor is required")
		return
	}
	if req.Reason == "" {
		s.writeError(w, http.StatusBadRequest, "reason_required", "a rejection needs a reason")
		return
	}
	t, err := s.approval.Reject(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ticketView(t))
}

func (s *Server) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		s.writeError(w, http.StatusBadRequest, "actor_required", "actor is required")
		return
	}
	t, err := s.approval.Cancel(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ticketView(t))
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	status := model.PlanStatus(r.URL.Query().Get("status"))
	plans, err := s.store.ListPlans(r.Context(), s.store.DB(), status, limitParam(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]interface{}, 0, len(plans))
	for _, p := range plans {
		out = append(out, planView(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"plans": out})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPlan(r.Context(), s.store.DB(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, planView(p))
}

type planRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePreviewPlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	p, err := s.rebalance.Preview(r.Context(), model.TriggerManual, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, planView(p))
}

func (s *Server) handleTriggerPlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	p, err := s.rebalance.Trigger(r.Context(), model.TriggerManual, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, planView(p))
}

func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	if err := s.rebalance.Execute(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	p, err := s.store.GetPlan(r.Context(), s.store.DB(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, planView(p))
}

func (s *Server) handleRollbackPlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	p, err := s.rebalance.Rollback(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, planView(p))
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	forecasts, err := s.forecast.ComputeAll(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"forecasts": forecasts})
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.RecentRiskSnapshots(r.Context(), s.store.DB(), 1)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	paused, err := s.coord.Flag(r.Context(), risk.FlagPauseStandard)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := map[string]interface{}{"standard_redemptions_paused": paused}
	if len(snaps) > 0 {
		out["snapshot"] = snapshotView(snaps[0])
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRiskSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.RecentRiskSnapshots(r.Context(), s.store.DB(), limitParam(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotView(snap))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": out})
}

func (s *Server) handleRiskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListOpenRiskEvents(r.Context(), s.store.DB(), limitParam(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]interface{}, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]interface{}{
			"id":         ev.ID,
			"kind":       ev.Kind,
			"level":      ev.Level.String(),
			"title":      ev.Title,
			"detail":     ev.Detail,
			"source":     ev.Source,
			"created_at": ev.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

func (s *Server) handleResolveRiskEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ResolveRiskEvent(r.Context(), s.store.DB(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": true})
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"halted": s.ingest.Halted()})
}

type resyncRequest struct {
	FromBlock uint64 `json:"from_block"`
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	var req resyncRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.ingest.Resync(r.Context(), req.FromBlock); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"resync_from": req.FromBlock})
}

// Response views. The model types are storage-shaped; these pin the wire
// format independently of field renames.

func projectionView(p *model.FundProjection) map[string]interface{} {
	return map[string]interface{}{
		"total_assets":               p.TotalAssets,
		"l1_cash":                    p.L1Cash,
		"l1_yield":                   p.L1Yield,
		"l2":                         p.L2,
		"l3":                         p.L3,
		"total_redemption_liability": p.TotalRedemptionLiability,
		"total_locked_shares":        p.TotalLockedShares,
		"withdrawable_fees":          p.WithdrawableFees,
		"share_price":                p.SharePrice,
		"emergency_mode":             p.EmergencyMode,
		"last_block":                 p.LastBlock,
		"updated_at":                 p.UpdatedAt,
	}
}

func redemptionView(r *model.RedemptionRequest) map[string]interface{} {
	return map[string]interface{}{
		"request_id":         r.RequestID,
		"owner":              r.Owner,
		"receiver":           r.Receiver,
		"shares":             r.Shares,
		"gross_amount":       r.GrossAmount,
		"locked_nav":         r.LockedNav,
		"estimated_fee":      r.EstimatedFee,
		"actual_fee":         r.ActualFee,
		"request_time":       r.RequestTime,
		"settlement_time":    r.SettlementTime,
		"channel":            r.Channel,
		"requires_approval":  r.RequiresApproval,
		"status":             r.Status,
		"settled_amount":     r.SettledAmount,
		"settled_at":         r.SettledAt,
		"approval_ticket_id": r.ApprovalTicketID,
	}
}

func ticketView(t *model.ApprovalTicket) map[string]interface{} {
	records := make([]map[string]interface{}, 0, len(t.Records))
	for _, rec := range t.Records {
		records = append(records, map[string]interface{}{
			"approver":   rec.Approver,
			"action":     rec.Action,
			"reason":     rec.Reason,
			"created_at": rec.CreatedAt,
		})
	}
	return map[string]interface{}{
		"id":                 t.ID,
		"type":               t.Type,
		"reference_type":     t.ReferenceType,
		"reference_id":       t.ReferenceID,
		"requester":          t.Requester,
		"request_data":       t.RequestData,
		"required_approvals": t.RequiredApprovals,
		"current_approvals":  t.CurrentApprovals,
		"current_rejections": t.CurrentRejections,
		"sla_warning_at":     t.SLAWarningAt,
		"sla_deadline_at":    t.SLADeadlineAt,
		"escalated_at":       t.EscalatedAt,
		"escalated_to":       t.EscalatedTo,
		"status":             t.Status,
		"result_reason":      t.ResultReason,
		"resolved_at":        t.ResolvedAt,
		"resolved_by":        t.ResolvedBy,
		"records":            records,
		"created_at":         t.CreatedAt,
	}
}

func planView(p *model.RebalancePlan) map[string]interface{} {
	actions := make([]map[string]interface{}, 0, len(p.Actions))
	for _, a := range p.Actions {
		actions = append(actions, map[string]interface{}{
			"id":          a.ID,
			"priority":    a.Priority,
			"kind":        a.Kind,
			"from_tier":   a.FromTier,
			"to_tier":     a.ToTier,
			"asset":       a.Asset,
			"amount":      a.Amount,
			"max_tier":    a.MaxTier,
			"status":      a.Status,
			"tx_hash":     a.TxHash,
			"error":       a.Error,
			"executed_at": a.ExecutedAt,
		})
	}
	return map[string]interface{}{
		"id":                 p.ID,
		"trigger":            p.Trigger,
		"reason":             p.Reason,
		"pre_state":          tierViews(p.PreState),
		"target_state":       tierViews(p.TargetState),
		"actions":            actions,
		"total_amount":       p.TotalAmount,
		"estimated_gas":      p.EstimatedGas,
		"estimated_slip_bps": p.EstimatedSlipBps,
		"requires_approval":  p.RequiresApproval,
		"approval_ticket_id": p.ApprovalTicketID,
		"status":             p.Status,
		"error":              p.Error,
		"created_at":         p.CreatedAt,
		"approved_at":        p.ApprovedAt,
		"executed_at":        p.ExecutedAt,
		"completed_at":       p.CompletedAt,
	}
}

func tierViews(snaps []model.TierSnapshot) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(snaps))
	for _, ts := range snaps {
		out = append(out, map[string]interface{}{
			"tier":      ts.Tier,
			"value":     ts.Value,
			"ratio_bps": ts.RatioBps,
		})
	}
	return out
}

func snapshotView(snap *model.RiskSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"time":                       snap.Time.Format(time.RFC3339),
		"l1_ratio_bps":               snap.L1RatioBps,
		"l1_l2_ratio_bps":            snap.L1L2RatioBps,
		"redemption_coverage_bps":    snap.RedemptionCoverage,
		"liquidity_gap_7d":           snap.LiquidityGap7d,
		"nav_volatility_24h_bps":     snap.NavVolatility24hBps,
		"asset_price_dev_bps":        snap.AssetPriceDevBps,
		"oracle_staleness_sec":       snap.OracleStalenessSec,
		"single_asset_bps":           snap.SingleAssetBps,
		"top3_bps":                   snap.Top3Bps,
		"counterparty_bps":           snap.CounterpartyBps,
		"daily_redemption_rate_bps":  snap.DailyRedemptionRateBps,
		"pending_approval_bps":       snap.PendingApprovalBps,
		"redemption_velocity_7d_bps": snap.RedemptionVelocity7dBps,
		"level":                      snap.Level.String(),
		"score":                      snap.Score,
	}
}

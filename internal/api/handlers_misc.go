package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/alertmesh/backend/internal/auth"
	"github.com/alertmesh/backend/internal/core"
)

// ============================================================================
// RUNBOOKS
// ============================================================================

func (s *Server) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadIncidents, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read runbooks"))
		return
	}
	list, err := s.runbooks.List(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateRunbook(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermManageRunbooks, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage runbooks"))
		return
	}
	var rb core.Runbook
	if err := decodeBody(r, &rb); err != nil {
		writeError(w, err)
		return
	}
	rb.TenantID = tenantID

	created, err := s.runbooks.Create(r.Context(), id.UserID, &rb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadIncidents, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read runbooks"))
		return
	}
	rb, err := s.runbooks.Get(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

func (s *Server) handleUpdateRunbook(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermManageRunbooks, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage runbooks"))
		return
	}
	var rb core.Runbook
	if err := decodeBody(r, &rb); err != nil {
		writeError(w, err)
		return
	}
	rb.ID = mux.Vars(r)["id"]
	rb.TenantID = tenantID

	updated, err := s.runbooks.Update(r.Context(), id.UserID, &rb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRunbook(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermManageRunbooks, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage runbooks"))
		return
	}
	if err := s.runbooks.Delete(r.Context(), tenantID, mux.Vars(r)["id"], id.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	unreadOnly := r.URL.Query().Get("unread") == "true"
	list, err := s.notifier.List(r.Context(), id.TenantID, id.UserID, unreadOnly, queryLimit(r, 50, 200))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if err := s.notifier.MarkRead(r.Context(), id.TenantID, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// ============================================================================
// OUTBOUND WEBHOOK SUBSCRIPTIONS
// ============================================================================

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermManageConfig, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage integrations"))
		return
	}
	list, err := s.registry.List(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range list {
		list[i].Secret = ""
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermManageConfig, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage integrations"))
		return
	}
	var sub core.WebhookSubscription
	if err := decodeBody(r, &sub); err != nil {
		writeError(w, err)
		return
	}
	sub.TenantID = tenantID

	created, err := s.registry.Subscribe(r.Context(), &sub)
	if err != nil {
		writeError(w, err)
		return
	}
	created.Secret = ""
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermManageConfig, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage integrations"))
		return
	}
	if err := s.registry.Unsubscribe(r.Context(), tenantID, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ============================================================================
// AUDIT, KPIS, ADVISOR
// ============================================================================

func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadAudit, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read the audit trail"))
		return
	}
	logs, err := s.audit.List(r.Context(), tenantID, r.URL.Query().Get("target_id"), queryLimit(r, 100, 1000))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func queryInt64(r *http.Request, name string) int64 {
	n, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return n
}

func (s *Server) handleRealtimeKPIs(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadMetrics, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read metrics"))
		return
	}
	report, err := s.kpis.Realtime(r.Context(), tenantID, queryInt64(r, "start"), queryInt64(r, "end"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleBeforeAfterKPIs(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadMetrics, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read metrics"))
		return
	}
	cmp, err := s.kpis.Compare(r.Context(), tenantID, queryInt64(r, "pivot"), queryInt64(r, "window_seconds"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleAdvisorRecommendation(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadIncidents, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read incidents"))
		return
	}
	if s.advisor == nil || !s.advisor.Enabled() {
		writeError(w, core.E(core.KindNotFound, "no advisor is configured"))
		return
	}
	decision, err := s.advisor.Recommend(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// ============================================================================
// WEBSOCKET + HEALTH
// ============================================================================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, core.E(core.KindUnauthorized, "missing access token"))
		return
	}
	id, err := s.auth.Verify(token)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.ServeWS(w, r, id.TenantID, id.UserID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"ws_connections": s.hub.ConnectionCount(),
		"audit_pending":  s.audit.Pending(),
		"breakers":       s.dispatcher.BreakerStats(),
	})
}

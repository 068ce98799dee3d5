package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/alertmesh/backend/internal/auth"
	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/storage"
)

// queryLimit parses ?limit= with a default and a hard cap.
func queryLimit(r *http.Request, def, cap int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > cap {
		return cap
	}
	return n
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadAlerts, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read alerts"))
		return
	}

	var filters []storage.Filter
	if sev := r.URL.Query().Get("severity"); sev != "" {
		filters = append(filters, storage.Eq("severity", string(core.NormalizeSeverity(sev))))
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			writeError(w, core.E(core.KindValidation, "since must be a unix timestamp"))
			return
		}
		filters = append(filters, storage.Gte("timestamp", ts))
	}
	q := storage.Q(tenantID, filters...).SortBy("timestamp", true).Take(queryLimit(r, 100, 500))

	docs, err := s.store.Find(r.Context(), storage.CollAlerts, q)
	if err != nil {
		writeError(w, err)
		return
	}
	alerts, err := storage.DecodeAll[core.Alert](docs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadIncidents, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read incidents"))
		return
	}

	var filters []storage.Filter
	if status := r.URL.Query().Get("status"); status != "" {
		filters = append(filters, storage.Eq("status", status))
	}
	q := storage.Q(tenantID, filters...).SortBy("created_at", true).Take(queryLimit(r, 100, 500))

	docs, err := s.store.Find(r.Context(), storage.CollIncidents, q)
	if err != nil {
		writeError(w, err)
		return
	}
	incidents, err := storage.DecodeAll[core.Incident](docs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadIncidents, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read incidents"))
		return
	}

	doc, err := s.store.FindOne(r.Context(), storage.CollIncidents,
		storage.Q(tenantID, storage.Eq("id", mux.Vars(r)["id"])))
	if err != nil {
		writeError(w, err)
		return
	}
	var inc core.Incident
	if err := storage.Decode(doc, &inc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &inc)
}

func (s *Server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadIncidents, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to correlate"))
		return
	}
	progress, err := s.correlator.ScanTenant(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermAssignIncidents, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to assign incidents"))
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inc, err := s.assigner.AssignIncident(r.Context(), tenantID, mux.Vars(r)["id"], req.UserID, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleExecuteRunbook(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	var req struct {
		RunbookID   string   `json:"runbook_id"`
		InstanceIDs []string `json:"instance_ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// The dispatcher re-checks permissions against the stored user row; the
	// identity alone is not enough for an action this sharp.
	user, err := s.auth.LoadUser(r.Context(), id.TenantID, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.dispatcher.Dispatch(r.Context(), user, tenantID, mux.Vars(r)["id"], req.RunbookID, req.InstanceIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadIncidents, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read incidents"))
		return
	}
	execs, err := s.dispatcher.Executions(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermReadIncidents, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to read approvals"))
		return
	}
	pending, err := s.approvals.ListPending(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermDecideApprovals, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to decide approvals"))
		return
	}
	var req struct {
		ApprovalID string `json:"approval_id"`
		Decision   string `json:"decision"` // approved | rejected
		Notes      string `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var approve bool
	switch req.Decision {
	case "approved", "approve":
		approve = true
	case "rejected", "reject":
	default:
		writeError(w, core.Ef(core.KindValidation, "unknown decision %q", req.Decision))
		return
	}

	user, err := s.auth.LoadUser(r.Context(), id.TenantID, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	decided, err := s.approvals.Decide(r.Context(), tenantID, req.ApprovalID, user, approve, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.ops != nil {
		s.ops.ApprovalDecisions.WithLabelValues(tenantID, string(decided.Status)).Inc()
	}
	writeJSON(w, http.StatusOK, decided)
}

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/auth"
	"github.com/alertmesh/backend/internal/core"
)

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if !auth.CanIdentity(id, auth.PermManageTenants, "") {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage tenants"))
		return
	}
	list, err := s.tenants.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range list {
		scrubTenant(&list[i])
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if !auth.CanIdentity(id, auth.PermManageTenants, "") {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage tenants"))
		return
	}
	var req struct {
		Name           string   `json:"name"`
		CriticalAssets []string `json:"critical_assets"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	tenant, apiKey, err := s.tenants.Create(r.Context(), req.Name, req.CriticalAssets)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), &core.AuditLog{
		TenantID:   tenant.ID,
		ActorID:    id.UserID,
		Action:     audit.ActionTenantCreated,
		TargetType: "tenant",
		TargetID:   tenant.ID,
	})
	scrubTenant(tenant)
	// The full key is shown exactly once; only its hash survives.
	writeJSON(w, http.StatusCreated, map[string]any{
		"tenant":  tenant,
		"api_key": apiKey,
	})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := mux.Vars(r)["id"]
	if !auth.CanIdentity(id, auth.PermManageTenants, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage tenants"))
		return
	}
	tenant, err := s.tenants.Get(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	scrubTenant(tenant)
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := mux.Vars(r)["id"]
	if !auth.CanIdentity(id, auth.PermManageTenants, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage tenants"))
		return
	}
	var req struct {
		CriticalAssets []string             `json:"critical_assets"`
		AWSIntegration *core.AWSIntegration `json:"aws_integration"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.tenants.SetCriticalAssets(r.Context(), tenantID, req.CriticalAssets); err != nil {
		writeError(w, err)
		return
	}
	if req.AWSIntegration != nil {
		if err := s.tenants.SetAWSIntegration(r.Context(), tenantID, req.AWSIntegration); err != nil {
			writeError(w, err)
			return
		}
	}
	tenant, err := s.tenants.Get(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	scrubTenant(tenant)
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := mux.Vars(r)["id"]
	if !auth.CanIdentity(id, auth.PermManageTenants, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage tenants"))
		return
	}
	if err := s.tenants.Delete(r.Context(), tenantID); err != nil {
		writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), &core.AuditLog{
		TenantID:   tenantID,
		ActorID:    id.UserID,
		Action:     audit.ActionTenantDeleted,
		TargetType: "tenant",
		TargetID:   tenantID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := mux.Vars(r)["id"]
	if !auth.CanIdentity(id, auth.PermManageTenants, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage tenants"))
		return
	}
	key, err := s.tenants.RotateAPIKey(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), &core.AuditLog{
		TenantID:   tenantID,
		ActorID:    id.UserID,
		Action:     audit.ActionAPIKeyRotated,
		TargetType: "tenant",
		TargetID:   tenantID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := mux.Vars(r)["id"]
	if !auth.CanIdentity(id, auth.PermManageConfig, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage config"))
		return
	}
	writeJSON(w, http.StatusOK, s.configs.Get(r.Context(), tenantID))
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := mux.Vars(r)["id"]
	if !auth.CanIdentity(id, auth.PermManageConfig, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage config"))
		return
	}
	var cfg core.TenantConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	cfg.ID = tenantID
	cfg.TenantID = tenantID

	if err := s.configs.Update(r.Context(), &cfg); err != nil {
		writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), &core.AuditLog{
		TenantID:   tenantID,
		ActorID:    id.UserID,
		Action:     audit.ActionConfigUpdated,
		TargetType: "tenant_config",
		TargetID:   tenantID,
	})
	writeJSON(w, http.StatusOK, &cfg)
}

// scrubTenant drops secrets from directory rows before they leave the API.
func scrubTenant(t *core.Tenant) {
	t.APIKeyHash = ""
	t.HMACSecret = ""
}

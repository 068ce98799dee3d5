package api

import (
	"encoding/json"
	"net/http"

	"github.com/alertmesh/backend/internal/auth"
	"github.com/alertmesh/backend/internal/core"
)

// requestTenant resolves which tenant a request operates on. MSP staff may
// address any tenant with ?tenant_id=; everyone else is pinned to their own.
func requestTenant(id *auth.Identity, r *http.Request) string {
	if id.Role == core.RoleMSPAdmin || id.Role == core.RoleSystemAdmin {
		if t := r.URL.Query().Get("tenant_id"); t != "" {
			return t
		}
	}
	return id.TenantID
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.Wrap(core.KindValidation, "invalid request body", err)
	}
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	pair, user, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tokens": pair,
		"user": map[string]any{
			"id":        user.ID,
			"email":     user.Email,
			"role":      user.Role,
			"tenant_id": user.TenantID,
		},
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	revoked, err := s.auth.LogoutAll(r.Context(), id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": revoked})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	tenantID := requestTenant(id, r)
	if !auth.CanIdentity(id, auth.PermManageUsers, tenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage users"))
		return
	}
	users, err := s.auth.ListUsers(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	// Password hashes never leave the service.
	for i := range users {
		users[i].PasswordHash = ""
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	var req struct {
		Email          string   `json:"email"`
		Password       string   `json:"password"`
		Role           string   `json:"role"`
		TenantID       string   `json:"tenant_id"`
		Expertise      []string `json:"expertise"`
		ShiftStartHour int      `json:"shift_start_hour"`
		ShiftEndHour   int      `json:"shift_end_hour"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TenantID == "" {
		req.TenantID = id.TenantID
	}
	if !auth.CanIdentity(id, auth.PermManageUsers, req.TenantID) {
		writeError(w, core.E(core.KindForbidden, "not allowed to manage users"))
		return
	}

	user, err := s.auth.CreateUser(r.Context(), id.UserID, &core.User{
		Email:          req.Email,
		Role:           core.Role(req.Role),
		TenantID:       req.TenantID,
		Expertise:      req.Expertise,
		ShiftStartHour: req.ShiftStartHour,
		ShiftEndHour:   req.ShiftEndHour,
	}, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

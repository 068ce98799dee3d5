package auth

import "github.com/alertmesh/backend/internal/core"

// Permission names. A user's effective set is the role base plus any explicit
// grants on the user row.
const (
	PermReadAlerts      = "read_alerts"
	PermReadIncidents   = "read_incidents"
	PermAssignIncidents = "assign_incidents"
	PermExecuteRunbook  = "execute_runbook"
	PermDecideApprovals = "decide_approvals"
	PermManageRunbooks  = "manage_runbooks"
	PermManageUsers     = "manage_users"
	PermManageTenants   = "manage_tenants"
	PermManageConfig    = "manage_config"
	PermReadAudit       = "read_audit"
	PermReadMetrics     = "read_metrics"
)

// rolePermissions is each role's base set. Tiers are cumulative by
// construction rather than by rank arithmetic, so removing a permission from
// a middle tier never silently grants it back through a higher one.
var rolePermissions = map[core.Role][]string{
	core.RoleTechnician: {
		PermReadAlerts, PermReadIncidents, PermExecuteRunbook,
	},
	core.RoleTenantAdmin: {
		PermReadAlerts, PermReadIncidents, PermAssignIncidents,
		PermExecuteRunbook, PermDecideApprovals, PermManageRunbooks,
		PermManageConfig, PermReadAudit, PermReadMetrics,
	},
	core.RoleMSPAdmin: {
		PermReadAlerts, PermReadIncidents, PermAssignIncidents,
		PermExecuteRunbook, PermDecideApprovals, PermManageRunbooks,
		PermManageUsers, PermManageTenants, PermManageConfig,
		PermReadAudit, PermReadMetrics,
	},
	core.RoleSystemAdmin: {
		PermReadAlerts, PermReadIncidents, PermAssignIncidents,
		PermExecuteRunbook, PermDecideApprovals, PermManageRunbooks,
		PermManageUsers, PermManageTenants, PermManageConfig,
		PermReadAudit, PermReadMetrics,
	},
}

// Can is the pure permission check: role base plus explicit grants, with the
// tenant scope required to match unless the caller is MSP staff. An empty
// targetTenant means the action is not tenant-scoped (e.g. tenant creation).
func Can(u *core.User, action, targetTenant string) bool {
	if u == nil {
		return false
	}
	if !scopeAllows(u, targetTenant) {
		return false
	}
	for _, p := range u.Permissions {
		if p == action {
			return true
		}
	}
	for _, p := range rolePermissions[u.Role] {
		if p == action {
			return true
		}
	}
	return false
}

// scopeAllows enforces tenant isolation. system_admin and msp_admin act
// across tenants; everyone else only inside their own.
func scopeAllows(u *core.User, targetTenant string) bool {
	if u.Role == core.RoleSystemAdmin || u.Role == core.RoleMSPAdmin {
		return true
	}
	if targetTenant == "" {
		return false
	}
	return u.TenantID == targetTenant
}

// CanIdentity runs the scope-and-role part of the check against a verified
// token identity, without the explicit permission list. Handlers use it for
// read paths; mutations load the user row and call Can.
func CanIdentity(id *Identity, action, targetTenant string) bool {
	u := &core.User{ID: id.UserID, TenantID: id.TenantID, Role: id.Role}
	return Can(u, action, targetTenant)
}

// Package core holds the domain model shared by every component: tenants,
// alerts, incidents, runbooks, approvals, and the per-tenant policy configs.
// Types here carry no behavior beyond validation and normalization helpers;
// all persistence goes through internal/storage.
package core

import "strings"

// ============================================================================
// ENUMS
// ============================================================================

// Severity classifies an alert or incident.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// severityAliases maps free-form tool severities onto the fixed scale.
// Unknown inputs normalize to medium.
var severityAliases = map[string]Severity{
	"critical":  SeverityCritical,
	"crit":      SeverityCritical,
	"fatal":     SeverityCritical,
	"emergency": SeverityCritical,
	"p1":        SeverityCritical,
	"sev1":      SeverityCritical,
	"high":      SeverityHigh,
	"error":     SeverityHigh,
	"major":     SeverityHigh,
	"p2":        SeverityHigh,
	"sev2":      SeverityHigh,
	"medium":    SeverityMedium,
	"warning":   SeverityMedium,
	"warn":      SeverityMedium,
	"minor":     SeverityMedium,
	"p3":        SeverityMedium,
	"low":       SeverityLow,
	"info":      SeverityLow,
	"notice":    SeverityLow,
	"p4":        SeverityLow,
}

// NormalizeSeverity maps a free-form severity string to the fixed scale.
func NormalizeSeverity(raw string) Severity {
	if sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return sev
	}
	return SeverityMedium
}

// Rank orders severities for max() comparisons; critical is highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// Role is a user's base authorization tier, broadest first.
type Role string

const (
	RoleSystemAdmin Role = "system_admin"
	RoleMSPAdmin    Role = "msp_admin"
	RoleTenantAdmin Role = "tenant_admin"
	RoleTechnician  Role = "technician"
)

// Rank orders roles for threshold checks; higher outranks lower.
func (r Role) Rank() int {
	switch r {
	case RoleSystemAdmin:
		return 4
	case RoleMSPAdmin:
		return 3
	case RoleTenantAdmin:
		return 2
	case RoleTechnician:
		return 1
	default:
		return 0
	}
}

// IncidentStatus is the incident lifecycle state.
type IncidentStatus string

const (
	IncidentNew             IncidentStatus = "new"
	IncidentInProgress      IncidentStatus = "in_progress"
	IncidentPendingApproval IncidentStatus = "pending_approval"
	IncidentRemediating     IncidentStatus = "remediating"
	IncidentResolved        IncidentStatus = "resolved"
	IncidentEscalated       IncidentStatus = "escalated"
)

// OpenIncidentStatuses are the states in which an incident still accepts
// correlated alerts and SLA attention.
var OpenIncidentStatuses = []string{
	string(IncidentNew),
	string(IncidentInProgress),
	string(IncidentPendingApproval),
	string(IncidentRemediating),
	string(IncidentEscalated),
}

// Resolution records how an incident closed.
type Resolution string

const (
	ResolutionManual     Resolution = "manual"
	ResolutionAuto       Resolution = "auto"
	ResolutionUnresolved Resolution = "unresolved"
)

// RiskLevel gates runbook execution.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// MinimumRole is the least role allowed to execute or approve a runbook of
// this risk. Unknown risk levels demand the highest tier.
func (r RiskLevel) MinimumRole() Role {
	switch r {
	case RiskLow:
		return RoleTechnician
	case RiskMedium:
		return RoleTenantAdmin
	case RiskHigh:
		return RoleMSPAdmin
	default:
		return RoleSystemAdmin
	}
}

// ApprovalStatus is the approval request state machine.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ExecutionStatus tracks a remediation run on the executor.
type ExecutionStatus string

const (
	ExecutionQueued     ExecutionStatus = "queued"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionSuccess    ExecutionStatus = "success"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionTimeout    ExecutionStatus = "timeout"
)

// Terminal reports whether the executor will make no further progress.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed || s == ExecutionTimeout
}

// AggregationKey selects how alerts group into incidents.
type AggregationKey string

const (
	KeyAssetSignature     AggregationKey = "asset|signature"
	KeyAssetSignatureTool AggregationKey = "asset|signature|tool"
	KeySignature          AggregationKey = "signature"
	KeyAsset              AggregationKey = "asset"
)

// ============================================================================
// TENANCY
// ============================================================================

// AWSIntegration holds the per-tenant systems-manager target. RoleARN is
// assumed with ExternalID before any command is sent.
type AWSIntegration struct {
	AccountID  string `json:"account_id"`
	RoleARN    string `json:"role_arn"`
	ExternalID string `json:"external_id"`
	Region     string `json:"region"`
}

// Tenant is the isolation boundary. The webhook API key is stored as a
// lookup id plus a bcrypt hash; the clear key leaves the server exactly once,
// at creation or rotation.
type Tenant struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"` // storage scope; directory rows live under the system partition
	Name           string          `json:"name"`
	APIKeyID       string          `json:"api_key_id"`
	APIKeyHash     string          `json:"api_key_hash"`
	HMACSecret     string          `json:"hmac_secret,omitempty"`
	AWSIntegration *AWSIntegration `json:"aws_integration,omitempty"`
	CriticalAssets []string        `json:"critical_assets"`
	CreatedAt      int64           `json:"created_at"`
}

// IsCriticalAsset reports whether name is on the tenant's critical list.
func (t *Tenant) IsCriticalAsset(name string) bool {
	for _, a := range t.CriticalAssets {
		if a == name {
			return true
		}
	}
	return false
}

// User is an operator account. MSP staff carry the system scope as their
// tenant and may act across all tenants; everyone else is bound to one.
type User struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	Email          string   `json:"email"`
	PasswordHash   string   `json:"password_hash"`
	Role           Role     `json:"role"`
	Permissions    []string `json:"permissions"`
	Expertise      []string `json:"expertise"`
	ShiftStartHour int      `json:"shift_start_hour"`
	ShiftEndHour   int      `json:"shift_end_hour"`
	LastLoginAt    int64    `json:"last_login_at"`
	CreatedAt      int64    `json:"created_at"`
}

// OnShift reports whether hourUTC falls inside the user's shift. Equal start
// and end hours mean always on shift; shifts may wrap midnight.
func (u *User) OnShift(hourUTC int) bool {
	start, end := u.ShiftStartHour, u.ShiftEndHour
	if start == end {
		return true
	}
	if start < end {
		return hourUTC >= start && hourUTC < end
	}
	return hourUTC >= start || hourUTC < end
}

// RefreshToken is the stored half of an opaque refresh credential. Rows live
// under the system partition so the token alone can be resolved; UserTenant
// points back at the owning user's tenant.
type RefreshToken struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"` // storage scope; always the system partition
	UserID     string `json:"user_id"`
	UserTenant string `json:"user_tenant"`
	SecretHash string `json:"secret_hash"`
	ExpiresAt  int64  `json:"expires_at"`
	Revoked    bool   `json:"revoked"`
	CreatedAt  int64  `json:"created_at"`
}

// ============================================================================
// ALERT PIPELINE
// ============================================================================

// Asset is a monitored host or service, auto-created on first reference.
type Asset struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenant_id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	IsCritical bool     `json:"is_critical"`
	Tags       []string `json:"tags"`
	CreatedAt  int64    `json:"created_at"`
}

// Alert is one ingested monitoring signal. Immutable after insert except
// Correlated, IncidentID, and DeliveryAttempts.
type Alert struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	AssetName        string         `json:"asset_name"`
	Signature        string         `json:"signature"`
	Severity         Severity       `json:"severity"`
	Message          string         `json:"message"`
	ToolSource       string         `json:"tool_source"`
	Timestamp        int64          `json:"timestamp"`
	DeliveryID       string         `json:"delivery_id"`
	DedupKey         string         `json:"dedup_key"`
	DeliveryAttempts int            `json:"delivery_attempts"`
	Correlated       bool           `json:"correlated"`
	IncidentID       string         `json:"incident_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ExpiresAt        int64          `json:"expires_at"` // dedup horizon, 24 h
}

// Incident is a correlated group of alerts. Version backs optimistic
// concurrency: every state transition is a CAS on it.
type Incident struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	GroupKey            string         `json:"group_key"`
	Signature           string         `json:"signature"`
	AssetName           string         `json:"asset_name"`
	AlertIDs            []string       `json:"alert_ids"`
	AlertCount          int            `json:"alert_count"`
	PriorityScore       int            `json:"priority_score"`
	Severity            Severity       `json:"severity"`
	ToolSources         []string       `json:"tool_sources"`
	Status              IncidentStatus `json:"status"`
	AssignedTo          string         `json:"assigned_to,omitempty"`
	AssignedAt          int64          `json:"assigned_at,omitempty"`
	CreatedAt           int64          `json:"created_at"`
	ResolvedAt          int64          `json:"resolved_at,omitempty"`
	Resolution          Resolution     `json:"resolution,omitempty"`
	RunbookExecution    string         `json:"runbook_execution,omitempty"`
	SLAResponseDeadline int64          `json:"sla_response_deadline,omitempty"`
	SLAResolveDeadline  int64          `json:"sla_resolve_deadline,omitempty"`
	EscalationLevel     int            `json:"escalation_level"`
	EscalatedTo         string         `json:"escalated_to,omitempty"`
	Version             int64          `json:"version"`
}

// Open reports whether the incident still accepts alerts and SLA attention.
func (i *Incident) Open() bool {
	for _, s := range OpenIncidentStatuses {
		if s == string(i.Status) {
			return true
		}
	}
	return false
}

// ============================================================================
// REMEDIATION
// ============================================================================

// Runbook is an ordered command sequence with a risk level. Signature
// "generic" makes it eligible for any incident in the tenant.
type Runbook struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Signature    string    `json:"signature"`
	RiskLevel    RiskLevel `json:"risk_level"`
	Actions      []string  `json:"actions"`
	HealthChecks []string  `json:"health_checks"`
	AutoApprove  bool      `json:"auto_approve"`
	CreatedAt    int64     `json:"created_at"`
}

// GenericSignature marks a runbook usable against any incident signature.
const GenericSignature = "generic"

// ApprovalRequest gates medium and high risk runbook execution.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	IncidentID  string         `json:"incident_id"`
	RunbookID   string         `json:"runbook_id"`
	RiskLevel   RiskLevel      `json:"risk_level"`
	RequesterID string         `json:"requester_id"`
	InstanceIDs []string       `json:"instance_ids"`
	Status      ApprovalStatus `json:"status"`
	ExpiresAt   int64          `json:"expires_at"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	CreatedAt   int64          `json:"created_at"`
}

// RemediationExecution records one executor run against an incident.
type RemediationExecution struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	IncidentID  string          `json:"incident_id"`
	RunbookID   string          `json:"runbook_id"`
	CommandID   string          `json:"command_id"`
	InstanceIDs []string        `json:"instance_ids"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   int64           `json:"started_at"`
	FinishedAt  int64           `json:"finished_at,omitempty"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
}

// ============================================================================
// AUDIT, NOTIFICATIONS, ADVISOR MEMORY
// ============================================================================

// AuditLog is one append-only trail row. Every non-read mutation writes one.
type AuditLog struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Status     string         `json:"status"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// Notification is an in-app message with a 48 h TTL.
type Notification struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// MemoryMessage is one advisor conversation turn.
type MemoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	At      int64  `json:"at"`
}

// MemorySession is the advisor's short-term context for one incident.
type MemorySession struct {
	SessionID string          `json:"session_id"` // equals the incident id
	TenantID  string          `json:"tenant_id"`
	Messages  []MemoryMessage `json:"messages"`
	ExpiresAt int64           `json:"expires_at"`
}

// WebhookSubscription is an outbound integration endpoint (PSA bridge,
// ticketing). Disabled automatically after ten consecutive failures.
type WebhookSubscription struct {
	ID           string   `json:"id"`
	TenantID     string   `json:"tenant_id"`
	URL          string   `json:"url"`
	Secret       string   `json:"secret,omitempty"`
	EventTypes   []string `json:"event_types"`
	Active       bool     `json:"active"`
	FailureCount int      `json:"failure_count"`
	CreatedAt    int64    `json:"created_at"`
}

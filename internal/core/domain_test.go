package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// SEVERITY NORMALIZATION
// ============================================================================

func TestNormalizeSeverity(t *testing.T) {
	cases := []struct {
		in   string
		want Severity
	}{
		{"critical", SeverityCritical},
		{"CRITICAL", SeverityCritical},
		{"  crit  ", SeverityCritical},
		{"P1", SeverityCritical},
		{"error", SeverityHigh},
		{"major", SeverityHigh},
		{"warning", SeverityMedium},
		{"warn", SeverityMedium},
		{"info", SeverityLow},
		{"notice", SeverityLow},
		{"", SeverityMedium},
		{"bogus-level", SeverityMedium},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeSeverity(tc.in))
		})
	}
}

// ============================================================================
// ROLES
// ============================================================================

func TestRoleRank_Ordering(t *testing.T) {
	assert.Greater(t, RoleSystemAdmin.Rank(), RoleMSPAdmin.Rank())
	assert.Greater(t, RoleMSPAdmin.Rank(), RoleTenantAdmin.Rank())
	assert.Greater(t, RoleTenantAdmin.Rank(), RoleTechnician.Rank())
	assert.Equal(t, 0, Role("intern").Rank())
}

// ============================================================================
// SHIFT WINDOWS
// ============================================================================

func TestUserOnShift(t *testing.T) {
	always := &User{ShiftStartHour: 0, ShiftEndHour: 0}
	day := &User{ShiftStartHour: 9, ShiftEndHour: 17}
	night := &User{ShiftStartHour: 22, ShiftEndHour: 6}

	for h := 0; h < 24; h++ {
		assert.True(t, always.OnShift(h), "hour %d", h)
	}

	assert.True(t, day.OnShift(9))
	assert.True(t, day.OnShift(16))
	assert.False(t, day.OnShift(17))
	assert.False(t, day.OnShift(3))

	assert.True(t, night.OnShift(23))
	assert.True(t, night.OnShift(2))
	assert.False(t, night.OnShift(6))
	assert.False(t, night.OnShift(12))
}

// ============================================================================
// INCIDENT LIFECYCLE
// ============================================================================

func TestIncidentOpen(t *testing.T) {
	open := []IncidentStatus{
		IncidentNew, IncidentInProgress, IncidentPendingApproval,
		IncidentRemediating, IncidentEscalated,
	}
	for _, s := range open {
		inc := &Incident{Status: s}
		assert.True(t, inc.Open(), "status %s", s)
	}
	closed := &Incident{Status: IncidentResolved}
	assert.False(t, closed.Open())
}

func TestExecutionStatusTerminal(t *testing.T) {
	assert.True(t, ExecutionSuccess.Terminal())
	assert.True(t, ExecutionFailed.Terminal())
	assert.True(t, ExecutionTimeout.Terminal())
	assert.False(t, ExecutionQueued.Terminal())
	assert.False(t, ExecutionInProgress.Terminal())
}

// ============================================================================
// ERROR KINDS
// ============================================================================

func TestErrorKinds(t *testing.T) {
	base := E(KindConflict, "version moved")
	assert.Equal(t, KindConflict, KindOf(base))
	assert.True(t, IsKind(base, KindConflict))

	wrapped := fmt.Errorf("saving incident: %w", base)
	assert.Equal(t, KindConflict, KindOf(wrapped), "kind survives %%w wrapping")

	deep := Wrap(KindTransient, "executor submit", errors.New("dial tcp: timeout"))
	assert.True(t, Retryable(deep))
	assert.Contains(t, deep.Error(), "executor submit")
	assert.Contains(t, deep.Error(), "dial tcp")

	require.Equal(t, Kind(""), KindOf(errors.New("plain")), "unclassified errors have no kind")
	assert.False(t, Retryable(errors.New("plain")))
}

func TestTenantIsCriticalAsset(t *testing.T) {
	tn := &Tenant{CriticalAssets: []string{"db-01", "fw-edge"}}
	assert.True(t, tn.IsCriticalAsset("db-01"))
	assert.False(t, tn.IsCriticalAsset("web-01"))
}

package correlate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alertmesh/backend/internal/core"
)

func scoringTenant(critical ...string) *core.Tenant {
	return &core.Tenant{ID: "acme", CriticalAssets: critical}
}

func TestPrioritySeverityBases(t *testing.T) {
	now := int64(1_750_000_000)
	cases := []struct {
		sev  core.Severity
		want int
	}{
		{core.SeverityCritical, 90},
		{core.SeverityHigh, 60},
		{core.SeverityMedium, 30},
		{core.SeverityLow, 10},
	}
	for _, tc := range cases {
		got := PriorityScore(scoringTenant(), PriorityInput{
			Severity: tc.sev, AlertCount: 1, CreatedAt: now, Now: now,
		})
		assert.Equal(t, tc.want, got, "severity %s", tc.sev)
	}
}

func TestPriorityCriticalAssetBonus(t *testing.T) {
	now := int64(1_750_000_000)
	in := PriorityInput{
		Severity: core.SeverityHigh, AlertCount: 1,
		AssetNames: []string{"web-01", "db-01"},
		CreatedAt:  now, Now: now,
	}

	assert.Equal(t, 60, PriorityScore(scoringTenant(), in))
	assert.Equal(t, 80, PriorityScore(scoringTenant("db-01"), in))
	// The bonus applies once even with several critical assets.
	assert.Equal(t, 80, PriorityScore(scoringTenant("db-01", "web-01"), in))
}

func TestPriorityFrequencyBonusAndCap(t *testing.T) {
	now := int64(1_750_000_000)
	base := PriorityInput{Severity: core.SeverityHigh, CreatedAt: now, Now: now}

	three := base
	three.AlertCount = 3
	assert.Equal(t, 64, PriorityScore(scoringTenant(), three))

	fifty := base
	fifty.AlertCount = 50
	assert.Equal(t, 80, PriorityScore(scoringTenant(), fifty), "frequency bonus caps at +20")
}

func TestPriorityMultiToolBonus(t *testing.T) {
	now := int64(1_750_000_000)
	in := PriorityInput{
		Severity: core.SeverityMedium, AlertCount: 1,
		ToolSources: []string{"datadog", "datadog"},
		CreatedAt:   now, Now: now,
	}
	assert.Equal(t, 30, PriorityScore(scoringTenant(), in), "one distinct tool, no bonus")

	in.ToolSources = []string{"datadog", "zabbix"}
	assert.Equal(t, 40, PriorityScore(scoringTenant(), in))
}

func TestPriorityAgeDecay(t *testing.T) {
	created := int64(1_750_000_000)
	in := PriorityInput{Severity: core.SeverityHigh, AlertCount: 1, CreatedAt: created}

	in.Now = created + 3*3600 + 1800 // 3.5h rounds down to 3
	assert.Equal(t, 57, PriorityScore(scoringTenant(), in))

	in.Now = created + 48*3600 // decay caps at -10
	assert.Equal(t, 50, PriorityScore(scoringTenant(), in))
}

func TestPriorityBounds(t *testing.T) {
	created := int64(1_750_000_000)

	// Low severity, very old: 10 - 10 = 0, never negative.
	floor := PriorityScore(scoringTenant(), PriorityInput{
		Severity: core.SeverityLow, AlertCount: 1,
		CreatedAt: created, Now: created + 100*3600,
	})
	assert.Equal(t, 0, floor)

	// Everything maxed: 90 + 20 + 20 + 10 = 140, inside the ceiling.
	max := PriorityScore(scoringTenant("db-01"), PriorityInput{
		Severity: core.SeverityCritical, AlertCount: 30,
		AssetNames:  []string{"db-01"},
		ToolSources: []string{"datadog", "zabbix", "nagios"},
		CreatedAt:   created, Now: created,
	})
	assert.Equal(t, 140, max)
	assert.LessOrEqual(t, max, 150)
}

package correlate

import (
	"github.com/alertmesh/backend/internal/core"
)

// ============================================================================
// PRIORITY SCORING
// ============================================================================
//
// Score = severity base
//       + 20 if any affected asset is on the tenant's critical list
//       + 2 per alert beyond the first, capped at +20
//       + 10 if two or more distinct tools reported
//       - 1 per full hour of incident age, capped at -10
// clamped to [0, 150].

const (
	baseCritical = 90
	baseHigh     = 60
	baseMedium   = 30
	baseLow      = 10

	criticalAssetBonus = 20
	frequencyCap       = 20
	multiToolBonus     = 10
	ageDecayCap        = 10
	scoreFloor         = 0
	scoreCeiling       = 150
)

func severityBase(sev core.Severity) int {
	switch sev {
	case core.SeverityCritical:
		return baseCritical
	case core.SeverityHigh:
		return baseHigh
	case core.SeverityMedium:
		return baseMedium
	default:
		return baseLow
	}
}

// PriorityInput is everything the scorer looks at. AssetNames holds every
// asset the incident touches; cross-asset groupings carry more than one.
type PriorityInput struct {
	Severity    core.Severity
	AlertCount  int
	AssetNames  []string
	ToolSources []string
	CreatedAt   int64
	Now         int64
}

// PriorityScore computes the routing score for an incident.
func PriorityScore(tenant *core.Tenant, in PriorityInput) int {
	score := severityBase(in.Severity)

	for _, name := range in.AssetNames {
		if tenant.IsCriticalAsset(name) {
			score += criticalAssetBonus
			break
		}
	}

	if in.AlertCount > 1 {
		freq := 2 * (in.AlertCount - 1)
		if freq > frequencyCap {
			freq = frequencyCap
		}
		score += freq
	}

	if len(distinct(in.ToolSources)) >= 2 {
		score += multiToolBonus
	}

	if in.Now > in.CreatedAt {
		hours := int((in.Now - in.CreatedAt) / 3600)
		if hours > ageDecayCap {
			hours = ageDecayCap
		}
		score -= hours
	}

	if score < scoreFloor {
		score = scoreFloor
	}
	if score > scoreCeiling {
		score = scoreCeiling
	}
	return score
}

// distinct drops empty and repeated entries, preserving first-seen order.
func distinct(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

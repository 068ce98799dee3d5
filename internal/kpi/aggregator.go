// Package kpi computes the business metrics MSP operators report on: how
// much alert noise the correlator absorbs, how often runbooks fix things
// without a human, and how fast incidents close. Everything is computed on
// demand from storage; there is no cache to go stale.
package kpi

import (
	"context"
	"time"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/remediate"
	"github.com/alertmesh/backend/internal/storage"
)

// Report is one tenant's KPI snapshot over a window. Rates are percentages;
// MTTR values are mean seconds from incident creation to resolution and are
// null when no incident of that resolution closed in the window. Patch
// compliance is null unless an executor with fleet visibility is wired.
type Report struct {
	TenantID    string `json:"tenant_id"`
	WindowStart int64  `json:"window_start"`
	WindowEnd   int64  `json:"window_end"`

	AlertCount    int     `json:"alert_count"`
	IncidentCount int     `json:"incident_count"`
	NoiseRedPct   float64 `json:"noise_reduction_pct"`

	ResolvedCount     int     `json:"resolved_count"`
	AutoResolvedCount int     `json:"auto_resolved_count"`
	SelfHealedPct     float64 `json:"self_healed_pct"`

	MTTRManualSeconds *float64 `json:"mttr_manual_seconds"`
	MTTRAutoSeconds   *float64 `json:"mttr_auto_seconds"`

	PatchCompliancePct *float64 `json:"patch_compliance_pct"`
}

// BeforeAfter contrasts the window leading up to a pivot (a rollout, an
// onboarding) with the window after it.
type BeforeAfter struct {
	Pivot  int64   `json:"pivot"`
	Before *Report `json:"before"`
	After  *Report `json:"after"`
}

type Aggregator struct {
	store      storage.Store
	compliance remediate.ComplianceReporter

	now func() int64
}

// NewAggregator builds the aggregator; compliance may be nil.
func NewAggregator(store storage.Store, compliance remediate.ComplianceReporter) *Aggregator {
	return &Aggregator{
		store:      store,
		compliance: compliance,
		now:        func() int64 { return time.Now().Unix() },
	}
}

// Realtime computes the report for [start, end). End defaults to now and
// start to 24 h before end.
func (a *Aggregator) Realtime(ctx context.Context, tenantID string, start, end int64) (*Report, error) {
	if end <= 0 {
		end = a.now()
	}
	if start <= 0 {
		start = end - 24*3600
	}
	if start >= end {
		return nil, core.E(core.KindValidation, "window start must precede end")
	}

	report := &Report{TenantID: tenantID, WindowStart: start, WindowEnd: end}

	alerts, err := a.store.Count(ctx, storage.CollAlerts,
		storage.Q(tenantID,
			storage.Gte("timestamp", start),
			storage.Lt("timestamp", end)))
	if err != nil {
		return nil, err
	}
	report.AlertCount = alerts

	incidents, err := a.store.Count(ctx, storage.CollIncidents,
		storage.Q(tenantID,
			storage.Gte("created_at", start),
			storage.Lt("created_at", end)))
	if err != nil {
		return nil, err
	}
	report.IncidentCount = incidents

	report.NoiseRedPct = (1 - float64(incidents)/float64(max(1, alerts))) * 100

	resolvedDocs, err := a.store.Find(ctx, storage.CollIncidents,
		storage.Q(tenantID,
			storage.Eq("status", string(core.IncidentResolved)),
			storage.Gte("resolved_at", start),
			storage.Lt("resolved_at", end)))
	if err != nil {
		return nil, err
	}
	resolved, err := storage.DecodeAll[core.Incident](resolvedDocs)
	if err != nil {
		return nil, err
	}

	var manualSum, autoSum, manualN, autoN int64
	for _, inc := range resolved {
		report.ResolvedCount++
		ttr := inc.ResolvedAt - inc.CreatedAt
		switch inc.Resolution {
		case core.ResolutionAuto:
			report.AutoResolvedCount++
			autoSum += ttr
			autoN++
		case core.ResolutionManual:
			manualSum += ttr
			manualN++
		}
	}
	report.SelfHealedPct = float64(report.AutoResolvedCount) / float64(max(1, report.ResolvedCount)) * 100

	if manualN > 0 {
		v := float64(manualSum) / float64(manualN)
		report.MTTRManualSeconds = &v
	}
	if autoN > 0 {
		v := float64(autoSum) / float64(autoN)
		report.MTTRAutoSeconds = &v
	}

	if a.compliance != nil {
		if pct, err := a.compliance.PatchCompliance(ctx); err == nil {
			report.PatchCompliancePct = &pct
		}
	}
	return report, nil
}

// Compare computes matching-width reports either side of the pivot.
func (a *Aggregator) Compare(ctx context.Context, tenantID string, pivot, windowSeconds int64) (*BeforeAfter, error) {
	if pivot <= 0 {
		return nil, core.E(core.KindValidation, "pivot timestamp is required")
	}
	if windowSeconds <= 0 {
		windowSeconds = 7 * 24 * 3600
	}

	before, err := a.Realtime(ctx, tenantID, pivot-windowSeconds, pivot)
	if err != nil {
		return nil, err
	}
	after, err := a.Realtime(ctx, tenantID, pivot, pivot+windowSeconds)
	if err != nil {
		return nil, err
	}
	return &BeforeAfter{Pivot: pivot, Before: before, After: after}, nil
}

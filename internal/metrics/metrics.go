// Package metrics exposes the service's operational Prometheus metrics.
// Business KPIs (noise reduction, MTTR) live in internal/kpi; this package
// only counts what the process itself does.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every registered collector. One instance per process;
// promauto registers on the default registry.
type Metrics struct {
	AlertsIngested    *prometheus.CounterVec
	AlertsDuplicate   *prometheus.CounterVec
	AlertsRateLimited *prometheus.CounterVec
	AlertsRejected    *prometheus.CounterVec

	IncidentsCreated     *prometheus.CounterVec
	RemediationOutcomes  *prometheus.CounterVec
	ApprovalDecisions    *prometheus.CounterVec
	EscalationsPerformed *prometheus.CounterVec

	WSConnections  prometheus.Gauge
	IngestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		AlertsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmesh_alerts_ingested_total",
				Help: "Alerts accepted through the webhook receiver",
			},
			[]string{"tenant_id", "severity"},
		),
		AlertsDuplicate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmesh_alerts_duplicate_total",
				Help: "Deliveries suppressed by the idempotency guard",
			},
			[]string{"tenant_id"},
		),
		AlertsRateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmesh_alerts_rate_limited_total",
				Help: "Deliveries rejected by the per-tenant rate limiter",
			},
			[]string{"tenant_id"},
		),
		AlertsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmesh_alerts_rejected_total",
				Help: "Deliveries rejected before persistence",
			},
			[]string{"reason"}, // unauthorized, validation, internal
		),
		IncidentsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmesh_incidents_created_total",
				Help: "Incidents promoted by the correlation engine",
			},
			[]string{"tenant_id", "severity"},
		),
		RemediationOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmesh_remediations_total",
				Help: "Runbook executions by terminal status",
			},
			[]string{"tenant_id", "status"}, // success, failed, timeout
		),
		ApprovalDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmesh_approval_decisions_total",
				Help: "Approval request outcomes",
			},
			[]string{"tenant_id", "decision"}, // approved, rejected, expired
		),
		EscalationsPerformed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmesh_escalations_total",
				Help: "SLA escalation ladder steps taken",
			},
			[]string{"tenant_id"},
		),
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "alertmesh_ws_connections",
				Help: "Live WebSocket subscriber connections",
			},
		),
		IngestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alertmesh_ingest_duration_seconds",
				Help:    "Webhook ingestion pipeline latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"}, // accepted, duplicate, rejected
		),
	}
}

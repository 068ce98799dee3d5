// Package sla watches open incidents against their response and resolve
// deadlines and walks the escalation ladder when they slip:
// technician -> tenant_admin -> msp_admin, one step per scan.
package sla

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/metrics"
	"github.com/alertmesh/backend/internal/notify"
	"github.com/alertmesh/backend/internal/storage"
	"github.com/alertmesh/backend/internal/tenants"
)

const casRetries = 3

// ladder maps the escalation level an incident is entering to the role that
// takes it over. Level 0 incidents sit with the assigned technician.
var ladder = []core.Role{core.RoleTenantAdmin, core.RoleMSPAdmin}

type Monitor struct {
	store    storage.Store
	bus      events.Emitter
	notifier *notify.Notifier
	recorder *audit.Recorder
	tenants  *tenants.Manager
	ops      *metrics.Metrics
	interval time.Duration
	logger   *log.Logger

	stopCh chan struct{}
	now    func() int64
}

func NewMonitor(store storage.Store, bus events.Emitter, notifier *notify.Notifier,
	recorder *audit.Recorder, reg *tenants.Manager, ops *metrics.Metrics,
	interval time.Duration) *Monitor {

	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		store:    store,
		bus:      bus,
		notifier: notifier,
		recorder: recorder,
		tenants:  reg,
		ops:      ops,
		interval: interval,
		logger:   log.New(log.Writer(), "[SLA] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
		now:      func() int64 { return time.Now().Unix() },
	}
}

func (m *Monitor) Start() {
	go m.run()
	m.logger.Printf("monitor started, scanning every %s", m.interval)
}

func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.Scan(ctx)
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// Scan sweeps every tenant's open incidents once. Failures are logged and
// the sweep continues; the next tick is independent.
func (m *Monitor) Scan(ctx context.Context) {
	ids, err := m.tenants.IDs(ctx)
	if err != nil {
		m.logger.Printf("tenant listing failed: %v", err)
		return
	}
	for _, tenantID := range ids {
		if err := m.scanTenant(ctx, tenantID); err != nil {
			m.logger.Printf("scan of tenant %s failed: %v", tenantID, err)
		}
	}
}

func (m *Monitor) scanTenant(ctx context.Context, tenantID string) error {
	docs, err := m.store.Find(ctx, storage.CollIncidents,
		storage.Q(tenantID, storage.In("status", core.OpenIncidentStatuses...)))
	if err != nil {
		return err
	}
	incidents, err := storage.DecodeAll[core.Incident](docs)
	if err != nil {
		return err
	}

	now := m.now()
	for i := range incidents {
		inc := &incidents[i]
		if !m.breached(inc, now) {
			continue
		}
		if err := m.escalate(ctx, inc); err != nil {
			m.logger.Printf("escalation of incident %s failed: %v", inc.ID, err)
		}
	}
	return nil
}

// breached reports whether a deadline has passed: the response deadline
// counts only while nobody has started working the incident, the resolve
// deadline counts for every open status.
func (m *Monitor) breached(inc *core.Incident, now int64) bool {
	if inc.Status == core.IncidentNew &&
		inc.SLAResponseDeadline > 0 && now > inc.SLAResponseDeadline {
		return true
	}
	return inc.SLAResolveDeadline > 0 && now > inc.SLAResolveDeadline
}

// escalate takes exactly one ladder step. Incidents already with the MSP
// admins have nowhere further to go.
func (m *Monitor) escalate(ctx context.Context, inc *core.Incident) error {
	if inc.EscalationLevel >= len(ladder) {
		return nil
	}
	role := ladder[inc.EscalationLevel]

	ok, err := m.store.UpdateOne(ctx, storage.CollIncidents,
		storage.Q(inc.TenantID,
			storage.Eq("id", inc.ID),
			storage.Eq("version", inc.Version)),
		storage.Doc{
			"status":           string(core.IncidentEscalated),
			"escalated_to":     string(role),
			"escalation_level": inc.EscalationLevel + 1,
			"version":          inc.Version + 1,
		})
	if err != nil {
		return err
	}
	if !ok {
		// Somebody else moved the incident mid-scan; the next tick decides.
		return nil
	}

	inc.Status = core.IncidentEscalated
	inc.EscalationLevel++
	inc.EscalatedTo = string(role)

	m.logger.Printf("incident %s escalated to %s (level %d)", inc.ID, role, inc.EscalationLevel)

	if err := m.notifier.NotifyRole(ctx, inc.TenantID, role, notify.TypeSLAEscalation,
		fmt.Sprintf("incident %s (%s on %s) breached its SLA and now needs %s attention",
			inc.ID, inc.Signature, inc.AssetName, role)); err != nil {
		m.logger.Printf("escalation notification for %s failed: %v", inc.ID, err)
	}

	if m.ops != nil {
		m.ops.EscalationsPerformed.WithLabelValues(inc.TenantID).Inc()
	}
	m.bus.Emit(events.TopicIncidentUpdated, inc.TenantID, inc.ID, map[string]interface{}{
		"status":           string(core.IncidentEscalated),
		"escalated_to":     string(role),
		"escalation_level": inc.EscalationLevel,
	})
	m.recorder.Record(ctx, &core.AuditLog{
		TenantID:   inc.TenantID,
		ActorID:    "system",
		Action:     audit.ActionIncidentEscalated,
		TargetType: "incident",
		TargetID:   inc.ID,
		Details: map[string]any{
			"escalated_to":     string(role),
			"escalation_level": inc.EscalationLevel,
		},
	})
	return nil
}

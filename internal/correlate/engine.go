package correlate

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/storage"
	"github.com/alertmesh/backend/internal/tenants"
)

// ============================================================================
// CORRELATION ENGINE - groups alerts into incidents
// ============================================================================

const casRetries = 3

// Assigner picks an owner for a new incident; the assignment engine
// implements it. Empty user id means nobody suitable right now.
type Assigner interface {
	Assign(ctx context.Context, inc *core.Incident) (string, error)
}

// Progress summarizes one tenant scan; emitted on correlator.progress.
type Progress struct {
	Scanned int `json:"scanned"`
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Engine sweeps uncorrelated alerts on a ticker and groups them by the
// tenant's aggregation key. Ingest also kicks it per tenant so bursts
// correlate without waiting for the next tick.
type Engine struct {
	store     storage.Store
	configs   *tenants.ConfigCache
	directory *tenants.Manager
	bus       events.Emitter
	assigner  Assigner
	logger    *log.Logger

	interval time.Duration
	stopCh   chan struct{}
	kick     chan string

	now func() int64
}

func NewEngine(store storage.Store, configs *tenants.ConfigCache,
	directory *tenants.Manager, bus events.Emitter, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Engine{
		store:     store,
		configs:   configs,
		directory: directory,
		bus:       bus,
		logger:    log.New(log.Writer(), "[CORRELATE] ", log.LstdFlags),
		interval:  interval,
		stopCh:    make(chan struct{}),
		kick:      make(chan string, 64),
		now:       func() int64 { return time.Now().Unix() },
	}
}

// SetAssigner wires auto-assignment for new incidents; optional.
func (e *Engine) SetAssigner(a Assigner) { e.assigner = a }

// Start launches the background sweep loop.
func (e *Engine) Start() {
	go e.run()
}

func (e *Engine) Stop() {
	close(e.stopCh)
}

// Trigger requests an out-of-band scan for one tenant. Never blocks; a full
// queue just means the next tick picks the work up.
func (e *Engine) Trigger(tenantID string) {
	select {
	case e.kick <- tenantID:
	default:
	}
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.scanAll()
		case tenantID := <-e.kick:
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if _, err := e.ScanTenant(ctx, tenantID); err != nil {
				e.logger.Printf("triggered scan for %s failed: %v", tenantID, err)
			}
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) scanAll() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ids, err := e.directory.IDs(ctx)
	if err != nil {
		e.logger.Printf("tenant listing failed, skipping sweep: %v", err)
		return
	}
	for _, tenantID := range ids {
		if _, err := e.ScanTenant(ctx, tenantID); err != nil {
			e.logger.Printf("scan for %s failed: %v", tenantID, err)
		}
	}
}

// ScanTenant correlates one tenant's recent uncorrelated alerts.
func (e *Engine) ScanTenant(ctx context.Context, tenantID string) (Progress, error) {
	var progress Progress

	cfg := e.configs.Get(ctx, tenantID)
	if !cfg.Correlate.AutoCorrelate {
		return progress, nil
	}
	tenant, err := e.directory.Get(ctx, tenantID)
	if err != nil {
		return progress, err
	}

	now := e.now()
	cutoff := now - cfg.Correlate.TimeWindowSeconds

	docs, err := e.store.Find(ctx, storage.CollAlerts,
		storage.Q(tenantID,
			storage.Eq("correlated", false),
			storage.Gte("timestamp", cutoff)).
			SortBy("timestamp", false))
	if err != nil {
		return progress, err
	}
	alerts, err := storage.DecodeAll[core.Alert](docs)
	if err != nil {
		return progress, err
	}
	progress.Scanned = len(alerts)

	groups := make(map[string][]core.Alert)
	order := make([]string, 0)
	for _, a := range alerts {
		key := groupKey(cfg.Correlate.AggregationKey, a)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], a)
	}

	for _, key := range order {
		group := groups[key]

		existing, err := e.findOpenIncident(ctx, tenantID, key, cutoff)
		if err != nil {
			return progress, err
		}
		if existing != nil {
			if e.appendToIncident(ctx, tenant, existing, group, now, cutoff) {
				progress.Updated++
			}
			continue
		}

		// A group becomes an incident at two alerts, or immediately for a
		// single critical.
		if len(group) < 2 && group[0].Severity != core.SeverityCritical {
			continue
		}
		if err := e.createIncident(ctx, tenant, cfg, key, group, now); err != nil {
			e.logger.Printf("incident creation for %s/%s failed: %v", tenantID, key, err)
			continue
		}
		progress.Created++
	}

	if progress.Scanned > 0 {
		e.bus.Emit(events.TopicCorrelatorProgress, tenantID, "", map[string]interface{}{
			"scanned": progress.Scanned,
			"created": progress.Created,
			"updated": progress.Updated,
		})
	}
	return progress, nil
}

// groupKey projects an alert onto the tenant's aggregation key.
func groupKey(mode core.AggregationKey, a core.Alert) string {
	switch mode {
	case core.KeyAssetSignatureTool:
		return strings.Join([]string{a.AssetName, a.Signature, a.ToolSource}, "|")
	case core.KeySignature:
		return a.Signature
	case core.KeyAsset:
		return a.AssetName
	default: // asset|signature
		return a.AssetName + "|" + a.Signature
	}
}

// findOpenIncident returns the newest open incident for the key created
// within the window; older open incidents do not absorb fresh alerts.
func (e *Engine) findOpenIncident(ctx context.Context, tenantID, key string, cutoff int64) (*core.Incident, error) {
	docs, err := e.store.Find(ctx, storage.CollIncidents,
		storage.Q(tenantID,
			storage.Eq("group_key", key),
			storage.Gte("created_at", cutoff),
			storage.In("status", core.OpenIncidentStatuses...)).
			SortBy("created_at", true).
			Take(1))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var inc core.Incident
	if err := storage.Decode(docs[0], &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// appendToIncident folds new alerts into an open incident under version CAS.
// A lost race leaves the alerts uncorrelated for the next sweep.
func (e *Engine) appendToIncident(ctx context.Context, tenant *core.Tenant,
	inc *core.Incident, group []core.Alert, now int64, cutoff int64) bool {

	for attempt := 0; attempt < casRetries; attempt++ {
		ids := inc.AlertIDs
		sev := inc.Severity
		tools := inc.ToolSources
		assets := []string{inc.AssetName}
		for _, a := range group {
			ids = append(ids, a.ID)
			sev = core.MaxSeverity(sev, a.Severity)
			tools = append(tools, a.ToolSource)
			assets = append(assets, a.AssetName)
		}
		tools = distinct(tools)

		priority := PriorityScore(tenant, PriorityInput{
			Severity:    sev,
			AlertCount:  len(ids),
			AssetNames:  distinct(assets),
			ToolSources: tools,
			CreatedAt:   inc.CreatedAt,
			Now:         now,
		})

		ok, err := e.store.UpdateOne(ctx, storage.CollIncidents,
			storage.Q(tenant.ID,
				storage.Eq("id", inc.ID),
				storage.Eq("version", inc.Version)),
			storage.Doc{
				"alert_ids":      ids,
				"alert_count":    len(ids),
				"severity":       string(sev),
				"tool_sources":   tools,
				"priority_score": priority,
				"version":        inc.Version + 1,
			})
		if err != nil {
			e.logger.Printf("append to incident %s failed: %v", inc.ID, err)
			return false
		}
		if ok {
			e.markCorrelated(ctx, tenant.ID, group, inc.ID)
			e.bus.Emit(events.TopicIncidentUpdated, tenant.ID, inc.ID, map[string]interface{}{
				"alert_count":    len(ids),
				"priority_score": priority,
				"severity":       string(sev),
			})
			return true
		}

		fresh, err := e.findOpenIncident(ctx, tenant.ID, inc.GroupKey, cutoff)
		if err != nil || fresh == nil {
			return false
		}
		inc = fresh
	}
	e.logger.Printf("append to incident %s lost %d races, deferring to next sweep", inc.ID, casRetries)
	return false
}

func (e *Engine) createIncident(ctx context.Context, tenant *core.Tenant,
	cfg *core.TenantConfig, key string, group []core.Alert, now int64) error {

	ids := make([]string, 0, len(group))
	assets := make([]string, 0, len(group))
	tools := make([]string, 0, len(group))
	sev := core.SeverityLow
	for _, a := range group {
		ids = append(ids, a.ID)
		assets = append(assets, a.AssetName)
		tools = append(tools, a.ToolSource)
		sev = core.MaxSeverity(sev, a.Severity)
	}
	tools = distinct(tools)

	inc := &core.Incident{
		ID:                  uuid.NewString(),
		TenantID:            tenant.ID,
		GroupKey:            key,
		Signature:           group[0].Signature,
		AssetName:           group[0].AssetName,
		AlertIDs:            ids,
		AlertCount:          len(ids),
		Severity:            sev,
		ToolSources:         tools,
		Status:              core.IncidentNew,
		CreatedAt:           now,
		SLAResponseDeadline: cfg.ResponseDeadline(sev, now),
		SLAResolveDeadline:  cfg.ResolveDeadline(sev, now),
		Version:             1,
	}
	inc.PriorityScore = PriorityScore(tenant, PriorityInput{
		Severity:    sev,
		AlertCount:  len(ids),
		AssetNames:  distinct(assets),
		ToolSources: tools,
		CreatedAt:   now,
		Now:         now,
	})

	doc, err := storage.Encode(inc)
	if err != nil {
		return err
	}
	if err := e.store.InsertOne(ctx, storage.CollIncidents, doc); err != nil {
		return err
	}
	e.markCorrelated(ctx, tenant.ID, group, inc.ID)

	e.bus.Emit(events.TopicIncidentCreated, tenant.ID, inc.ID, map[string]interface{}{
		"group_key":      key,
		"alert_count":    inc.AlertCount,
		"severity":       string(sev),
		"priority_score": inc.PriorityScore,
	})

	e.assign(ctx, inc)
	return nil
}

// assign asks the assignment engine for an owner and applies it with CAS.
func (e *Engine) assign(ctx context.Context, inc *core.Incident) {
	if e.assigner == nil {
		return
	}
	userID, err := e.assigner.Assign(ctx, inc)
	if err != nil {
		e.logger.Printf("assignment for incident %s failed: %v", inc.ID, err)
		return
	}
	if userID == "" {
		return
	}

	// Ownership starts the response: a new incident moves to in_progress.
	now := e.now()
	ok, err := e.store.UpdateOne(ctx, storage.CollIncidents,
		storage.Q(inc.TenantID,
			storage.Eq("id", inc.ID),
			storage.Eq("version", inc.Version)),
		storage.Doc{
			"assigned_to": userID,
			"assigned_at": now,
			"status":      string(core.IncidentInProgress),
			"version":     inc.Version + 1,
		})
	if err != nil || !ok {
		e.logger.Printf("assignment write for incident %s lost, leaving unassigned", inc.ID)
		return
	}

	e.bus.Emit(events.TopicIncidentAssigned, inc.TenantID, inc.ID, map[string]interface{}{
		"assigned_to": userID,
	})
}

func (e *Engine) markCorrelated(ctx context.Context, tenantID string, group []core.Alert, incidentID string) {
	ids := make([]string, 0, len(group))
	for _, a := range group {
		ids = append(ids, a.ID)
	}
	if _, err := e.store.UpdateMany(ctx, storage.CollAlerts,
		storage.Q(tenantID, storage.In("id", ids...)),
		storage.Doc{"correlated": true, "incident_id": incidentID}); err != nil {
		e.logger.Printf("marking %d alerts correlated failed: %v", len(ids), err)
	}
}

package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/storage"
	"github.com/alertmesh/backend/internal/tenants"
)

type engineEnv struct {
	store  *storage.Memory
	dir    *tenants.Manager
	cache  *tenants.ConfigCache
	bus    *events.Bus
	engine *Engine
	tenant *core.Tenant
	clock  int64
}

func newEngineEnv(t *testing.T, criticalAssets ...string) *engineEnv {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemory()
	dir := tenants.NewManager(store)
	bus := events.NewBus()
	cache := tenants.NewConfigCache(store,
		tenants.Defaults{WindowSeconds: 300, RequestsPerMinute: 120, BurstSize: 120}, bus)
	engine := NewEngine(store, cache, dir, bus, 30*time.Second)

	tenant, _, err := dir.Create(ctx, "Acme MSP", criticalAssets)
	require.NoError(t, err)

	env := &engineEnv{store: store, dir: dir, cache: cache, bus: bus,
		engine: engine, tenant: tenant, clock: time.Now().Unix()}
	engine.now = func() int64 { return env.clock }
	return env
}

func (e *engineEnv) addAlert(t *testing.T, asset, signature string, sev core.Severity, tool string, age int64) core.Alert {
	t.Helper()
	a := core.Alert{
		ID:               uuid.NewString(),
		TenantID:         e.tenant.ID,
		AssetName:        asset,
		Signature:        signature,
		Severity:         sev,
		ToolSource:       tool,
		Timestamp:        e.clock - age,
		DedupKey:         "k:" + uuid.NewString(),
		DeliveryAttempts: 1,
		ExpiresAt:        e.clock + 86400,
	}
	doc, err := storage.Encode(&a)
	require.NoError(t, err)
	require.NoError(t, e.store.InsertOne(context.Background(), storage.CollAlerts, doc))
	return a
}

func (e *engineEnv) incidents(t *testing.T) []core.Incident {
	t.Helper()
	docs, err := e.store.Find(context.Background(), storage.CollIncidents,
		storage.Q(e.tenant.ID).SortBy("created_at", false))
	require.NoError(t, err)
	out, err := storage.DecodeAll[core.Incident](docs)
	require.NoError(t, err)
	return out
}

func TestScanGroupsByAssetSignature(t *testing.T) {
	env := newEngineEnv(t)
	created := env.bus.Subscribe(events.TopicIncidentCreated)
	defer env.bus.Unsubscribe(created)

	a1 := env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 60)
	a2 := env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 30)
	env.addAlert(t, "web-02", "disk_full", core.SeverityLow, "datadog", 20) // different key, single, waits

	progress, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.Scanned)
	assert.Equal(t, 1, progress.Created)

	incs := env.incidents(t)
	require.Len(t, incs, 1)
	inc := incs[0]
	assert.Equal(t, "web-01|disk_full", inc.GroupKey)
	assert.Equal(t, 2, inc.AlertCount)
	assert.ElementsMatch(t, []string{a1.ID, a2.ID}, inc.AlertIDs)
	assert.Equal(t, core.SeverityHigh, inc.Severity)
	assert.Equal(t, 62, inc.PriorityScore) // 60 base + 2 frequency
	assert.Equal(t, core.IncidentNew, inc.Status)
	assert.EqualValues(t, 1, inc.Version)
	assert.Equal(t, inc.CreatedAt+30*60, inc.SLAResponseDeadline)

	// Alerts flagged so the next sweep skips them.
	doc, err := env.store.FindOne(context.Background(), storage.CollAlerts,
		storage.Q(env.tenant.ID, storage.Eq("id", a1.ID)))
	require.NoError(t, err)
	assert.Equal(t, true, doc["correlated"])
	assert.Equal(t, inc.ID, doc["incident_id"])

	select {
	case ev := <-created:
		assert.Equal(t, inc.ID, ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected incident.created event")
	}
}

func TestSingleCriticalAlertPromotes(t *testing.T) {
	env := newEngineEnv(t)
	env.addAlert(t, "db-01", "replication_lag", core.SeverityCritical, "zabbix", 10)

	progress, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Created)

	incs := env.incidents(t)
	require.Len(t, incs, 1)
	assert.Equal(t, core.SeverityCritical, incs[0].Severity)
	assert.Equal(t, 90, incs[0].PriorityScore)
	assert.Equal(t, 1, incs[0].AlertCount)
}

func TestSingleNonCriticalAlertWaits(t *testing.T) {
	env := newEngineEnv(t)
	env.addAlert(t, "web-01", "cpu", core.SeverityHigh, "datadog", 10)

	progress, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Created)
	assert.Empty(t, env.incidents(t))

	// A second alert for the same key tips the group over.
	env.addAlert(t, "web-01", "cpu", core.SeverityHigh, "datadog", 5)
	progress, err = env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Created)
}

func TestAppendToOpenIncident(t *testing.T) {
	env := newEngineEnv(t)
	updated := env.bus.Subscribe(events.TopicIncidentUpdated)
	defer env.bus.Unsubscribe(updated)

	env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 60)
	env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 30)
	_, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)

	// A later alert for the same key lands on the open incident, and a
	// critical one escalates its severity.
	env.clock += 60
	env.addAlert(t, "web-01", "disk_full", core.SeverityCritical, "zabbix", 0)
	progress, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Updated)
	assert.Equal(t, 0, progress.Created)

	incs := env.incidents(t)
	require.Len(t, incs, 1)
	inc := incs[0]
	assert.Equal(t, 3, inc.AlertCount)
	assert.Equal(t, core.SeverityCritical, inc.Severity)
	assert.EqualValues(t, 2, inc.Version)
	assert.ElementsMatch(t, []string{"datadog", "zabbix"}, inc.ToolSources)
	// 90 base + 4 frequency + 10 multi-tool
	assert.Equal(t, 104, inc.PriorityScore)

	select {
	case ev := <-updated:
		assert.Equal(t, inc.ID, ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected incident.updated event")
	}
}

func TestWindowExcludesOldAlerts(t *testing.T) {
	env := newEngineEnv(t)
	env.addAlert(t, "web-01", "cpu", core.SeverityHigh, "datadog", 400) // outside 300s window
	env.addAlert(t, "web-01", "cpu", core.SeverityHigh, "datadog", 10)

	progress, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Scanned)
	assert.Equal(t, 0, progress.Created)
}

func TestWindowIncludesEdgeAlert(t *testing.T) {
	env := newEngineEnv(t)
	env.addAlert(t, "web-01", "cpu", core.SeverityHigh, "datadog", 300) // exactly at the 300s edge
	env.addAlert(t, "web-01", "cpu", core.SeverityHigh, "datadog", 10)

	progress, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Scanned)
	assert.Equal(t, 1, progress.Created)
}

func TestStaleOpenIncidentStartsFresh(t *testing.T) {
	env := newEngineEnv(t)

	env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 60)
	env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 30)
	_, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)
	require.Len(t, env.incidents(t), 1)

	// The first incident is still open, but its window has passed; fresh
	// alerts for the same key open a new one instead of piling onto it.
	env.clock += 400
	env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 20)
	env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 10)
	progress, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Created)
	assert.Equal(t, 0, progress.Updated)
	assert.Len(t, env.incidents(t), 2)
}

func TestAggregationKeySignatureMode(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	cfg := *env.cache.Get(ctx, env.tenant.ID)
	cfg.Correlate.AggregationKey = core.KeySignature
	require.NoError(t, env.cache.Update(ctx, &cfg))

	// Same signature across different assets groups in signature mode.
	env.addAlert(t, "web-01", "ssh_bruteforce", core.SeverityHigh, "crowdstrike", 20)
	env.addAlert(t, "web-02", "ssh_bruteforce", core.SeverityHigh, "crowdstrike", 10)

	progress, err := env.engine.ScanTenant(ctx, env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Created)

	incs := env.incidents(t)
	require.Len(t, incs, 1)
	assert.Equal(t, "ssh_bruteforce", incs[0].GroupKey)
}

func TestCriticalAssetRaisesPriority(t *testing.T) {
	env := newEngineEnv(t, "db-01")
	env.addAlert(t, "db-01", "replication_lag", core.SeverityHigh, "zabbix", 20)
	env.addAlert(t, "db-01", "replication_lag", core.SeverityHigh, "zabbix", 10)

	_, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)

	incs := env.incidents(t)
	require.Len(t, incs, 1)
	// 60 base + 20 critical asset + 2 frequency
	assert.Equal(t, 82, incs[0].PriorityScore)
}

type stubAssigner struct {
	userID string
	seen   []string
}

func (s *stubAssigner) Assign(ctx context.Context, inc *core.Incident) (string, error) {
	s.seen = append(s.seen, inc.ID)
	return s.userID, nil
}

func TestAutoAssignOnCreate(t *testing.T) {
	env := newEngineEnv(t)
	assigned := env.bus.Subscribe(events.TopicIncidentAssigned)
	defer env.bus.Unsubscribe(assigned)

	stub := &stubAssigner{userID: "u-1"}
	env.engine.SetAssigner(stub)

	env.addAlert(t, "web-01", "cpu", core.SeverityCritical, "datadog", 5)
	_, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)

	incs := env.incidents(t)
	require.Len(t, incs, 1)
	assert.Equal(t, "u-1", incs[0].AssignedTo)
	assert.NotZero(t, incs[0].AssignedAt)
	assert.Equal(t, core.IncidentInProgress, incs[0].Status, "ownership starts the response")
	assert.EqualValues(t, 2, incs[0].Version, "assignment bumps the version")

	select {
	case ev := <-assigned:
		assert.Equal(t, incs[0].ID, ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected incident.assigned event")
	}
}

func TestAutoCorrelateDisabled(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	cfg := *env.cache.Get(ctx, env.tenant.ID)
	cfg.Correlate.AutoCorrelate = false
	require.NoError(t, env.cache.Update(ctx, &cfg))

	env.addAlert(t, "web-01", "cpu", core.SeverityCritical, "datadog", 5)
	progress, err := env.engine.ScanTenant(ctx, env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Scanned)
	assert.Empty(t, env.incidents(t))
}

func TestResolvedIncidentDoesNotAcceptAppends(t *testing.T) {
	env := newEngineEnv(t)

	env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 60)
	env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 30)
	_, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)

	first := env.incidents(t)[0]
	ok, err := env.store.UpdateOne(context.Background(), storage.CollIncidents,
		storage.Q(env.tenant.ID, storage.Eq("id", first.ID)),
		storage.Doc{"status": string(core.IncidentResolved)})
	require.NoError(t, err)
	require.True(t, ok)

	// Same key again: a closed incident stays closed, a new one forms.
	env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 10)
	env.addAlert(t, "web-01", "disk_full", core.SeverityHigh, "datadog", 5)
	progress, err := env.engine.ScanTenant(context.Background(), env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Created)
	assert.Len(t, env.incidents(t), 2)
}

package sla

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/notify"
	"github.com/alertmesh/backend/internal/storage"
	"github.com/alertmesh/backend/internal/tenants"
)

type slaEnv struct {
	store    *storage.Memory
	bus      *events.Bus
	notifier *notify.Notifier
	tenant   *core.Tenant
	m        *Monitor
	clock    int64
}

func newSLAEnv(t *testing.T) *slaEnv {
	t.Helper()
	env := &slaEnv{
		store: storage.NewMemory(),
		bus:   events.NewBus(),
		clock: 1_755_000_000,
	}
	reg := tenants.NewManager(env.store)
	tenant, _, err := reg.Create(context.Background(), "Acme", nil)
	require.NoError(t, err)
	env.tenant = tenant

	env.notifier = notify.NewNotifier(env.store, env.bus, nil)
	env.m = NewMonitor(env.store, env.bus, env.notifier,
		audit.NewRecorder(env.store), reg, nil, 0)
	env.m.now = func() int64 { return env.clock }
	return env
}

func (e *slaEnv) seedIncident(t *testing.T, status core.IncidentStatus,
	responseDeadline, resolveDeadline int64, level int) *core.Incident {

	t.Helper()
	inc := &core.Incident{
		ID:                  "inc-" + string(status) + "-" + string(rune('a'+level)),
		TenantID:            e.tenant.ID,
		Signature:           "disk-full",
		AssetName:           "web-1",
		Status:              status,
		Severity:            core.SeverityHigh,
		SLAResponseDeadline: responseDeadline,
		SLAResolveDeadline:  resolveDeadline,
		EscalationLevel:     level,
		CreatedAt:           e.clock - 3600,
		Version:             1,
	}
	doc, err := storage.Encode(inc)
	require.NoError(t, err)
	require.NoError(t, e.store.InsertOne(context.Background(), storage.CollIncidents, doc))
	return inc
}

func (e *slaEnv) seedUser(t *testing.T, scope, id string, role core.Role) {
	t.Helper()
	doc, err := storage.Encode(&core.User{ID: id, TenantID: scope, Role: role})
	require.NoError(t, err)
	require.NoError(t, e.store.InsertOne(context.Background(), storage.CollUsers, doc))
}

func (e *slaEnv) reload(t *testing.T, id string) *core.Incident {
	t.Helper()
	doc, err := e.store.FindOne(context.Background(), storage.CollIncidents,
		storage.Q(e.tenant.ID, storage.Eq("id", id)))
	require.NoError(t, err)
	var inc core.Incident
	require.NoError(t, storage.Decode(doc, &inc))
	return &inc
}

func TestResponseBreachEscalatesNewIncident(t *testing.T) {
	env := newSLAEnv(t)
	env.seedUser(t, env.tenant.ID, "u-admin", core.RoleTenantAdmin)
	inc := env.seedIncident(t, core.IncidentNew, env.clock-60, env.clock+3600, 0)

	env.m.Scan(context.Background())

	fresh := env.reload(t, inc.ID)
	assert.Equal(t, core.IncidentEscalated, fresh.Status)
	assert.Equal(t, string(core.RoleTenantAdmin), fresh.EscalatedTo)
	assert.Equal(t, 1, fresh.EscalationLevel)

	notes, err := env.notifier.List(context.Background(), env.tenant.ID, "u-admin", false, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, notify.TypeSLAEscalation, notes[0].Type)
}

func TestResponseDeadlineIgnoredOnceWorked(t *testing.T) {
	env := newSLAEnv(t)
	inc := env.seedIncident(t, core.IncidentInProgress, env.clock-60, env.clock+3600, 0)

	env.m.Scan(context.Background())

	fresh := env.reload(t, inc.ID)
	assert.Equal(t, core.IncidentInProgress, fresh.Status)
	assert.Zero(t, fresh.EscalationLevel)
}

func TestResolveBreachEscalatesAnyOpenStatus(t *testing.T) {
	env := newSLAEnv(t)
	env.seedUser(t, env.tenant.ID, "u-admin", core.RoleTenantAdmin)
	inc := env.seedIncident(t, core.IncidentInProgress, 0, env.clock-1, 0)

	env.m.Scan(context.Background())
	assert.Equal(t, core.IncidentEscalated, env.reload(t, inc.ID).Status)
}

func TestOneLadderStepPerScan(t *testing.T) {
	env := newSLAEnv(t)
	env.seedUser(t, env.tenant.ID, "u-admin", core.RoleTenantAdmin)
	env.seedUser(t, storage.SystemScope, "u-msp", core.RoleMSPAdmin)
	inc := env.seedIncident(t, core.IncidentNew, env.clock-7200, env.clock-3600, 0)

	env.m.Scan(context.Background())
	fresh := env.reload(t, inc.ID)
	assert.Equal(t, 1, fresh.EscalationLevel)
	assert.Equal(t, string(core.RoleTenantAdmin), fresh.EscalatedTo)

	// Second scan takes the next rung: tenant_admin -> msp_admin.
	env.m.Scan(context.Background())
	fresh = env.reload(t, inc.ID)
	assert.Equal(t, 2, fresh.EscalationLevel)
	assert.Equal(t, string(core.RoleMSPAdmin), fresh.EscalatedTo)

	mspNotes, err := env.notifier.List(context.Background(), env.tenant.ID, "u-msp", false, 0)
	require.NoError(t, err)
	assert.Len(t, mspNotes, 1)
}

func TestLadderStopsAtMSPAdmin(t *testing.T) {
	env := newSLAEnv(t)
	inc := env.seedIncident(t, core.IncidentEscalated, 0, env.clock-1, 2)

	env.m.Scan(context.Background())

	fresh := env.reload(t, inc.ID)
	assert.Equal(t, 2, fresh.EscalationLevel)
}

func TestResolvedIncidentsUntouched(t *testing.T) {
	env := newSLAEnv(t)
	inc := &core.Incident{
		ID: "inc-done", TenantID: env.tenant.ID, Status: core.IncidentResolved,
		SLAResolveDeadline: env.clock - 1, Version: 1,
	}
	doc, err := storage.Encode(inc)
	require.NoError(t, err)
	require.NoError(t, env.store.InsertOne(context.Background(), storage.CollIncidents, doc))

	env.m.Scan(context.Background())
	assert.Equal(t, core.IncidentResolved, env.reload(t, inc.ID).Status)
	assert.Zero(t, env.reload(t, inc.ID).EscalationLevel)
}

func TestDeadlinesUnsetNeverBreach(t *testing.T) {
	env := newSLAEnv(t)
	inc := env.seedIncident(t, core.IncidentNew, 0, 0, 0)

	env.m.Scan(context.Background())
	assert.Equal(t, core.IncidentNew, env.reload(t, inc.ID).Status)
}

package remediate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertmesh/backend/internal/approval"
	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/notify"
	"github.com/alertmesh/backend/internal/storage"
	"github.com/alertmesh/backend/internal/tenants"
)

// fakeExecutor scripts submit errors and a terminal result; every call is
// counted so tests can assert on retry behavior and the approval gate.
type fakeExecutor struct {
	mu          sync.Mutex
	submitErrs  []error
	result      Result
	polls       int // in-progress observations before the result lands
	executeRuns [][]string
	statusCalls int
}

func (f *fakeExecutor) Execute(_ context.Context, commands, _ []string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.executeRuns = append(f.executeRuns, commands)
	return "cmd-1", nil
}

func (f *fakeExecutor) Status(context.Context, string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++
	if f.statusCalls <= f.polls {
		return &Result{Status: core.ExecutionInProgress}, nil
	}
	res := f.result
	return &res, nil
}

func (f *fakeExecutor) executions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executeRuns)
}

type remEnv struct {
	store    *storage.Memory
	bus      *events.Bus
	reg      *tenants.Manager
	tenant   *core.Tenant
	appr     *approval.Service
	d        *Dispatcher
	executor *fakeExecutor
	clock    int64
}

func newRemEnv(t *testing.T) *remEnv {
	t.Helper()
	env := &remEnv{
		store:    storage.NewMemory(),
		bus:      events.NewBus(),
		executor: &fakeExecutor{result: Result{Status: core.ExecutionSuccess, Stdout: "ok"}},
		clock:    1_755_000_000,
	}
	recorder := audit.NewRecorder(env.store)
	env.reg = tenants.NewManager(env.store)

	tenant, _, err := env.reg.Create(context.Background(), "Acme MSP Client", nil)
	require.NoError(t, err)
	env.tenant = tenant

	env.appr = approval.NewService(env.store, env.bus, recorder)
	notifier := notify.NewNotifier(env.store, env.bus, nil)

	env.d = NewDispatcher(env.store, env.bus, recorder, env.appr, notifier,
		env.reg, StaticProvider{Exec: env.executor}, nil)
	env.d.now = func() int64 { return env.clock }
	env.d.sleep = func(time.Duration) {}
	return env
}

func (e *remEnv) seedIncident(t *testing.T, signature string) *core.Incident {
	t.Helper()
	inc := &core.Incident{
		ID:         "inc-1",
		TenantID:   e.tenant.ID,
		GroupKey:   "web-1|" + signature,
		Signature:  signature,
		AssetName:  "web-1",
		Status:     core.IncidentInProgress,
		AssignedTo: "u-tech",
		Severity:   core.SeverityHigh,
		CreatedAt:  e.clock,
		Version:    1,
	}
	doc, err := storage.Encode(inc)
	require.NoError(t, err)
	require.NoError(t, e.store.InsertOne(context.Background(), storage.CollIncidents, doc))
	return inc
}

func (e *remEnv) seedRunbook(t *testing.T, risk core.RiskLevel, signature string, autoApprove bool) *core.Runbook {
	t.Helper()
	rb := &core.Runbook{
		ID:          "rb-" + string(risk),
		TenantID:    e.tenant.ID,
		Name:        "restart service",
		Signature:   signature,
		RiskLevel:   risk,
		Actions:     []string{"systemctl restart app"},
		AutoApprove: autoApprove,
		CreatedAt:   e.clock,
	}
	doc, err := storage.Encode(rb)
	require.NoError(t, err)
	require.NoError(t, e.store.InsertOne(context.Background(), storage.CollRunbooks, doc))
	return rb
}

func (e *remEnv) incident(t *testing.T, id string) *core.Incident {
	t.Helper()
	inc, err := e.d.loadIncident(context.Background(), e.tenant.ID, id)
	require.NoError(t, err)
	return inc
}

func technician(tenantID string) *core.User {
	return &core.User{ID: "u-tech", TenantID: tenantID, Role: core.RoleTechnician}
}

func mspAdmin() *core.User {
	return &core.User{ID: "u-msp", TenantID: storage.SystemScope, Role: core.RoleMSPAdmin}
}

// ============================================================================
// DISPATCH
// ============================================================================

func TestLowRiskRunbookResolvesIncident(t *testing.T) {
	env := newRemEnv(t)
	inc := env.seedIncident(t, "disk-full")
	rb := env.seedRunbook(t, core.RiskLow, "disk-full", false)

	done := env.bus.Subscribe(events.TopicRemediationCompleted)
	defer env.bus.Unsubscribe(done)

	res, err := env.d.Dispatch(context.Background(), technician(env.tenant.ID),
		env.tenant.ID, inc.ID, rb.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "started", res.Status)
	require.NotEmpty(t, res.ExecutionID)

	env.d.Drain()

	fresh := env.incident(t, inc.ID)
	assert.Equal(t, core.IncidentResolved, fresh.Status)
	assert.Equal(t, core.ResolutionAuto, fresh.Resolution)
	assert.NotZero(t, fresh.ResolvedAt)
	assert.Equal(t, res.ExecutionID, fresh.RunbookExecution)

	execs, err := env.d.Executions(context.Background(), env.tenant.ID, inc.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, core.ExecutionSuccess, execs[0].Status)
	assert.Equal(t, "ok", execs[0].Stdout)
	assert.Equal(t, []string{"web-1"}, execs[0].InstanceIDs)

	ev := <-done
	assert.Equal(t, string(core.ExecutionSuccess), ev.Data["status"])
}

func TestHighRiskWaitsForApproval(t *testing.T) {
	env := newRemEnv(t)
	inc := env.seedIncident(t, "disk-full")
	rb := env.seedRunbook(t, core.RiskHigh, "disk-full", false)

	res, err := env.d.Dispatch(context.Background(), mspAdmin(),
		env.tenant.ID, inc.ID, rb.ID, []string{"i-0abc"})
	require.NoError(t, err)
	assert.Equal(t, "pending", res.Status)
	require.NotEmpty(t, res.ApprovalID)

	// Nothing touches the executor until somebody approves.
	assert.Zero(t, env.executor.executions())
	assert.Equal(t, core.IncidentPendingApproval, env.incident(t, inc.ID).Status)

	_, err = env.appr.Decide(context.Background(), env.tenant.ID, res.ApprovalID,
		mspAdmin(), true, "")
	require.NoError(t, err)

	env.d.resumeApproved(env.tenant.ID, res.ApprovalID)
	env.d.Drain()

	assert.Equal(t, 1, env.executor.executions())
	fresh := env.incident(t, inc.ID)
	assert.Equal(t, core.IncidentResolved, fresh.Status)

	execs, err := env.d.Executions(context.Background(), env.tenant.ID, inc.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, []string{"i-0abc"}, execs[0].InstanceIDs)
}

func TestRejectedApprovalNeverExecutes(t *testing.T) {
	env := newRemEnv(t)
	inc := env.seedIncident(t, "disk-full")
	rb := env.seedRunbook(t, core.RiskHigh, "disk-full", false)

	res, err := env.d.Dispatch(context.Background(), mspAdmin(),
		env.tenant.ID, inc.ID, rb.ID, nil)
	require.NoError(t, err)

	_, err = env.appr.Decide(context.Background(), env.tenant.ID, res.ApprovalID,
		mspAdmin(), false, "too risky during business hours")
	require.NoError(t, err)

	env.d.resumeApproved(env.tenant.ID, res.ApprovalID)
	env.d.Drain()

	assert.Zero(t, env.executor.executions())
	assert.Equal(t, core.IncidentInProgress, env.incident(t, inc.ID).Status)
}

func TestDispatchValidation(t *testing.T) {
	env := newRemEnv(t)
	inc := env.seedIncident(t, "disk-full")

	// Signature mismatch.
	rb := env.seedRunbook(t, core.RiskLow, "cpu-spike", false)
	_, err := env.d.Dispatch(context.Background(), technician(env.tenant.ID),
		env.tenant.ID, inc.ID, rb.ID, nil)
	assert.True(t, core.IsKind(err, core.KindValidation))

	// Risk role gate: technician cannot dispatch medium risk.
	med := env.seedRunbook(t, core.RiskMedium, "disk-full", false)
	_, err = env.d.Dispatch(context.Background(), technician(env.tenant.ID),
		env.tenant.ID, inc.ID, med.ID, nil)
	assert.True(t, core.IsKind(err, core.KindForbidden))

	// Unknown runbook.
	_, err = env.d.Dispatch(context.Background(), technician(env.tenant.ID),
		env.tenant.ID, inc.ID, "rb-missing", nil)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestGenericRunbookMatchesAnySignature(t *testing.T) {
	env := newRemEnv(t)
	inc := env.seedIncident(t, "anything-at-all")
	rb := env.seedRunbook(t, core.RiskLow, core.GenericSignature, false)

	res, err := env.d.Dispatch(context.Background(), technician(env.tenant.ID),
		env.tenant.ID, inc.ID, rb.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "started", res.Status)
	env.d.Drain()
}

// ============================================================================
// SUBMIT RETRIES AND FAILURE SETTLEMENT
// ============================================================================

func TestSubmitRetriesTransientErrorsOnly(t *testing.T) {
	env := newRemEnv(t)
	inc := env.seedIncident(t, "disk-full")
	rb := env.seedRunbook(t, core.RiskLow, "disk-full", false)

	env.executor.submitErrs = []error{
		core.E(core.KindTransient, "executor busy"),
		core.E(core.KindTransient, "executor busy"),
		nil,
	}

	_, err := env.d.Dispatch(context.Background(), technician(env.tenant.ID),
		env.tenant.ID, inc.ID, rb.ID, nil)
	require.NoError(t, err)
	env.d.Drain()

	assert.Equal(t, 1, env.executor.executions())
	assert.Equal(t, core.IncidentResolved, env.incident(t, inc.ID).Status)
}

func TestFatalSubmitErrorFailsWithoutRetry(t *testing.T) {
	env := newRemEnv(t)
	inc := env.seedIncident(t, "disk-full")
	rb := env.seedRunbook(t, core.RiskLow, "disk-full", false)

	env.executor.submitErrs = []error{
		core.E(core.KindFatal, "document not found"),
		nil, nil,
	}

	_, err := env.d.Dispatch(context.Background(), technician(env.tenant.ID),
		env.tenant.ID, inc.ID, rb.ID, nil)
	require.NoError(t, err)
	env.d.Drain()

	// One failed submit, no second attempt.
	assert.Zero(t, env.executor.executions())

	fresh := env.incident(t, inc.ID)
	assert.Equal(t, core.IncidentInProgress, fresh.Status)
	assert.Equal(t, core.ResolutionUnresolved, fresh.Resolution)

	execs, err := env.d.Executions(context.Background(), env.tenant.ID, inc.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, core.ExecutionFailed, execs[0].Status)

	// The assignee hears about it.
	notes, err := notify.NewNotifier(env.store, env.bus, nil).
		List(context.Background(), env.tenant.ID, "u-tech", false, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, notify.TypeRemediationFailed, notes[0].Type)
}

func TestFailedRunReopensIncident(t *testing.T) {
	env := newRemEnv(t)
	inc := env.seedIncident(t, "disk-full")
	rb := env.seedRunbook(t, core.RiskLow, "disk-full", false)

	env.executor.result = Result{Status: core.ExecutionFailed, Stderr: "exit code 1"}
	env.executor.polls = 2

	_, err := env.d.Dispatch(context.Background(), technician(env.tenant.ID),
		env.tenant.ID, inc.ID, rb.ID, nil)
	require.NoError(t, err)
	env.d.Drain()

	fresh := env.incident(t, inc.ID)
	assert.Equal(t, core.IncidentInProgress, fresh.Status)
	assert.Equal(t, core.ResolutionUnresolved, fresh.Resolution)

	execs, err := env.d.Executions(context.Background(), env.tenant.ID, inc.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, core.ExecutionFailed, execs[0].Status)
	assert.Equal(t, "exit code 1", execs[0].Stderr)
}

func TestHealthCheckFailureOverridesSuccess(t *testing.T) {
	env := newRemEnv(t)
	inc := env.seedIncident(t, "disk-full")
	rb := env.seedRunbook(t, core.RiskLow, "disk-full", false)
	rb.HealthChecks = []string{"curl -f localhost/healthz"}
	doc, err := storage.Encode(rb)
	require.NoError(t, err)
	require.NoError(t, env.store.InsertOne(context.Background(), storage.CollRunbooks, doc))

	// First command batch succeeds, the health check batch fails.
	calls := 0
	env.executor.result = Result{Status: core.ExecutionSuccess}
	env.d.provider = StaticProvider{Exec: executorFunc{
		execute: func(ctx context.Context, commands, instances []string, timeout time.Duration) (string, error) {
			calls++
			return "cmd", nil
		},
		status: func(context.Context, string) (*Result, error) {
			if calls > 1 {
				return &Result{Status: core.ExecutionFailed, Stderr: "healthz 500"}, nil
			}
			return &Result{Status: core.ExecutionSuccess}, nil
		},
	}}

	_, err = env.d.Dispatch(context.Background(), technician(env.tenant.ID),
		env.tenant.ID, inc.ID, rb.ID, nil)
	require.NoError(t, err)
	env.d.Drain()

	assert.Equal(t, 2, calls)
	fresh := env.incident(t, inc.ID)
	assert.Equal(t, core.IncidentInProgress, fresh.Status)
	assert.Equal(t, core.ResolutionUnresolved, fresh.Resolution)
}

type executorFunc struct {
	execute func(context.Context, []string, []string, time.Duration) (string, error)
	status  func(context.Context, string) (*Result, error)
}

func (e executorFunc) Execute(ctx context.Context, c, i []string, t time.Duration) (string, error) {
	return e.execute(ctx, c, i, t)
}
func (e executorFunc) Status(ctx context.Context, id string) (*Result, error) {
	return e.status(ctx, id)
}

// strictCtxStore refuses calls made with an expired context, the way the
// redis and postgres backends do.
type strictCtxStore struct{ storage.Store }

func (s strictCtxStore) InsertOne(ctx context.Context, c string, doc storage.Doc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.InsertOne(ctx, c, doc)
}

func (s strictCtxStore) FindOne(ctx context.Context, c string, q storage.Query) (storage.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.FindOne(ctx, c, q)
}

func (s strictCtxStore) UpdateOne(ctx context.Context, c string, q storage.Query, set storage.Doc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Store.UpdateOne(ctx, c, q, set)
}

// A run that dies on the wall clock must still settle: the terminal
// execution row and the incident transition land even though the run
// context is spent by then.
func TestTimedOutRunStillSettles(t *testing.T) {
	store := strictCtxStore{Store: storage.NewMemory()}
	bus := events.NewBus()
	recorder := audit.NewRecorder(store)
	reg := tenants.NewManager(store)
	ctx := context.Background()

	tenant, _, err := reg.Create(ctx, "Acme MSP Client", nil)
	require.NoError(t, err)

	d := NewDispatcher(store, bus, recorder, approval.NewService(store, bus, recorder),
		notify.NewNotifier(store, bus, nil), reg,
		StaticProvider{Exec: &fakeExecutor{}}, nil)
	clock := int64(1_755_000_000)
	d.now = func() int64 { return clock }
	d.sleep = func(time.Duration) {}

	inc := &core.Incident{
		ID: "inc-1", TenantID: tenant.ID, GroupKey: "web-1|disk-full",
		Signature: "disk-full", AssetName: "web-1",
		Status: core.IncidentRemediating, AssignedTo: "u-tech",
		Severity: core.SeverityHigh, CreatedAt: clock, Version: 1,
	}
	doc, err := storage.Encode(inc)
	require.NoError(t, err)
	require.NoError(t, store.InsertOne(ctx, storage.CollIncidents, doc))

	rb := &core.Runbook{ID: "rb-1", TenantID: tenant.ID, Name: "restart service",
		Signature: "disk-full", RiskLevel: core.RiskLow, Actions: []string{"systemctl restart app"}}
	exec := &core.RemediationExecution{ID: "ex-1", TenantID: tenant.ID,
		IncidentID: inc.ID, RunbookID: rb.ID, Status: core.ExecutionInProgress, StartedAt: clock}
	doc, err = storage.Encode(exec)
	require.NoError(t, err)
	require.NoError(t, store.InsertOne(ctx, storage.CollExecutions, doc))

	d.settle("u-tech", inc, rb, exec, &Result{Status: core.ExecutionTimeout})

	execs, err := d.Executions(ctx, tenant.ID, inc.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, core.ExecutionTimeout, execs[0].Status)
	assert.NotZero(t, execs[0].FinishedAt)

	fresh, err := d.loadIncident(ctx, tenant.ID, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentInProgress, fresh.Status)
	assert.Equal(t, core.ResolutionUnresolved, fresh.Resolution)

	// The assignee hears why the incident came back.
	notes, err := notify.NewNotifier(store, bus, nil).
		List(ctx, tenant.ID, "u-tech", false, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, notify.TypeRemediationFailed, notes[0].Type)
}

// ============================================================================
// RUNBOOK CATALOG
// ============================================================================

func TestRunbookCRUD(t *testing.T) {
	env := newRemEnv(t)
	books := NewRunbooks(env.store, audit.NewRecorder(env.store))
	ctx := context.Background()

	rb, err := books.Create(ctx, "u-msp", &core.Runbook{
		TenantID:  env.tenant.ID,
		Name:      "clear tmp",
		RiskLevel: core.RiskLow,
		Actions:   []string{"rm -rf /tmp/cache/*"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.GenericSignature, rb.Signature)

	rb.Name = "clear tmp cache"
	updated, err := books.Update(ctx, "u-msp", rb)
	require.NoError(t, err)
	assert.Equal(t, "clear tmp cache", updated.Name)

	list, err := books.List(ctx, env.tenant.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, books.Delete(ctx, env.tenant.ID, rb.ID, "u-msp"))
	_, err = books.Get(ctx, env.tenant.ID, rb.ID)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestRunbookValidation(t *testing.T) {
	env := newRemEnv(t)
	books := NewRunbooks(env.store, audit.NewRecorder(env.store))
	ctx := context.Background()

	tests := []struct {
		name string
		rb   core.Runbook
	}{
		{"missing name", core.Runbook{TenantID: env.tenant.ID, RiskLevel: core.RiskLow, Actions: []string{"x"}}},
		{"missing actions", core.Runbook{TenantID: env.tenant.ID, Name: "n", RiskLevel: core.RiskLow}},
		{"bad risk", core.Runbook{TenantID: env.tenant.ID, Name: "n", RiskLevel: "extreme", Actions: []string{"x"}}},
		{"missing tenant", core.Runbook{Name: "n", RiskLevel: core.RiskLow, Actions: []string{"x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := tt.rb
			_, err := books.Create(ctx, "u-msp", &rb)
			assert.True(t, core.IsKind(err, core.KindValidation))
		})
	}
}

func TestEligiblePrefersExactSignature(t *testing.T) {
	env := newRemEnv(t)
	books := NewRunbooks(env.store, audit.NewRecorder(env.store))
	ctx := context.Background()

	_, err := books.Create(ctx, "u-msp", &core.Runbook{
		TenantID: env.tenant.ID, Name: "generic restart", RiskLevel: core.RiskLow,
		Actions: []string{"reboot"},
	})
	require.NoError(t, err)
	_, err = books.Create(ctx, "u-msp", &core.Runbook{
		TenantID: env.tenant.ID, Name: "disk cleanup", Signature: "disk-full",
		RiskLevel: core.RiskLow, Actions: []string{"clean"},
	})
	require.NoError(t, err)

	eligible, err := books.Eligible(ctx, env.tenant.ID, "disk-full")
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, "disk cleanup", eligible[0].Name)

	eligible, err = books.Eligible(ctx, env.tenant.ID, "unseen-signature")
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "generic restart", eligible[0].Name)
}

package remediate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alertmesh/backend/internal/approval"
	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/auth"
	"github.com/alertmesh/backend/internal/circuitbreaker"
	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/metrics"
	"github.com/alertmesh/backend/internal/notify"
	"github.com/alertmesh/backend/internal/storage"
	"github.com/alertmesh/backend/internal/tenants"
)

// ============================================================================
// DISPATCHER - validate, gate on approval, submit, poll, settle the incident
// ============================================================================

const (
	submitRetries = 3
	casRetries    = 3

	// Captured command output is truncated to keep execution rows bounded.
	outputLimit = 64 * 1024

	wallClock    = 30 * time.Minute
	pollInitial  = 2 * time.Second
	pollCeiling  = 60 * time.Second
	healthBudget = 5 * time.Minute
	settleBudget = 30 * time.Second
)

// DispatchResult tells the caller whether the run started or is waiting on
// an approval.
type DispatchResult struct {
	Status      string `json:"status"` // pending | started
	ApprovalID  string `json:"approval_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type Dispatcher struct {
	store     storage.Store
	bus       events.Emitter
	recorder  *audit.Recorder
	approvals *approval.Service
	notifier  *notify.Notifier
	tenants   *tenants.Manager
	provider  Provider
	breakers  *circuitbreaker.Manager
	ops       *metrics.Metrics
	logger    *log.Logger

	wg          sync.WaitGroup
	unsubscribe func()

	now   func() int64
	sleep func(time.Duration)
}

func NewDispatcher(store storage.Store, bus events.Emitter, recorder *audit.Recorder,
	approvals *approval.Service, notifier *notify.Notifier, reg *tenants.Manager,
	provider Provider, ops *metrics.Metrics) *Dispatcher {

	return &Dispatcher{
		store:     store,
		bus:       bus,
		recorder:  recorder,
		approvals: approvals,
		notifier:  notifier,
		tenants:   reg,
		provider:  provider,
		breakers:  circuitbreaker.NewManager(nil),
		ops:       ops,
		logger:    log.New(log.Writer(), "[REMEDIATE] ", log.LstdFlags),
		now:       func() int64 { return time.Now().Unix() },
		sleep:     time.Sleep,
	}
}

// Start makes the dispatcher resume runs whose approval just landed.
func (d *Dispatcher) Start(bus *events.Bus) {
	ch := bus.Subscribe(events.TopicApprovalDecided)
	d.unsubscribe = func() { bus.Unsubscribe(ch) }
	go func() {
		for ev := range ch {
			if decision, _ := ev.Data["decision"].(string); decision == string(core.ApprovalApproved) {
				d.resumeApproved(ev.TenantID, ev.Subject)
			}
		}
	}()
}

// Stop detaches from the bus and waits for in-flight runs.
func (d *Dispatcher) Stop() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.wg.Wait()
}

// Drain waits for every spawned run goroutine.
func (d *Dispatcher) Drain() { d.wg.Wait() }

// Dispatch validates the request and either starts execution or parks the
// incident behind an approval. It never blocks on the executor.
func (d *Dispatcher) Dispatch(ctx context.Context, user *core.User, tenantID, incidentID, runbookID string,
	instanceIDs []string) (*DispatchResult, error) {

	tenant, err := d.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	inc, err := d.loadIncident(ctx, tenantID, incidentID)
	if err != nil {
		return nil, err
	}
	switch inc.Status {
	case core.IncidentResolved:
		return nil, core.E(core.KindConflict, "incident is already resolved")
	case core.IncidentPendingApproval:
		return nil, core.E(core.KindConflict, "incident already has a pending approval")
	case core.IncidentRemediating:
		return nil, core.E(core.KindConflict, "a remediation is already running")
	}

	rb, err := d.loadRunbook(ctx, tenantID, runbookID)
	if err != nil {
		return nil, err
	}
	if rb.Signature != core.GenericSignature && rb.Signature != inc.Signature {
		return nil, core.Ef(core.KindValidation,
			"runbook targets signature %q, incident is %q", rb.Signature, inc.Signature)
	}

	if !auth.Can(user, auth.PermExecuteRunbook, tenantID) {
		return nil, core.E(core.KindForbidden, "execute_runbook permission required")
	}
	if need := rb.RiskLevel.MinimumRole(); user.Role.Rank() < need.Rank() {
		return nil, core.Ef(core.KindForbidden,
			"%s risk runbooks require %s", rb.RiskLevel, need)
	}

	if len(instanceIDs) == 0 {
		instanceIDs = []string{inc.AssetName}
	}

	if rb.RiskLevel != core.RiskLow && !rb.AutoApprove {
		return d.parkForApproval(ctx, user, inc, rb, instanceIDs)
	}
	return d.begin(ctx, tenant, user.ID, inc, rb, instanceIDs)
}

// parkForApproval moves the incident to pending_approval and opens the
// request; approvers of the risk level's minimum role are notified.
func (d *Dispatcher) parkForApproval(ctx context.Context, user *core.User,
	inc *core.Incident, rb *core.Runbook, instanceIDs []string) (*DispatchResult, error) {

	if err := d.casIncident(ctx, inc.TenantID, inc.ID, storage.Doc{
		"status": string(core.IncidentPendingApproval),
	}); err != nil {
		return nil, err
	}

	req, err := d.approvals.Request(ctx, &core.ApprovalRequest{
		TenantID:    inc.TenantID,
		IncidentID:  inc.ID,
		RunbookID:   rb.ID,
		RiskLevel:   rb.RiskLevel,
		RequesterID: user.ID,
		InstanceIDs: instanceIDs,
	})
	if err != nil {
		return nil, err
	}

	if err := d.notifier.NotifyRole(ctx, inc.TenantID, rb.RiskLevel.MinimumRole(),
		notify.TypeApprovalRequested,
		fmt.Sprintf("runbook %q (%s risk) awaits approval for incident %s", rb.Name, rb.RiskLevel, inc.ID)); err != nil {
		d.logger.Printf("approver notification for %s failed: %v", req.ID, err)
	}

	return &DispatchResult{Status: "pending", ApprovalID: req.ID}, nil
}

// resumeApproved picks up execution after an approval decision.
func (d *Dispatcher) resumeApproved(tenantID, approvalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := d.approvals.Get(ctx, tenantID, approvalID)
	if err != nil {
		d.logger.Printf("approved request %s not loadable: %v", approvalID, err)
		return
	}
	if req.Status != core.ApprovalApproved {
		return
	}

	tenant, err := d.tenants.Get(ctx, tenantID)
	if err != nil {
		d.logger.Printf("tenant %s not loadable: %v", tenantID, err)
		return
	}
	inc, err := d.loadIncident(ctx, tenantID, req.IncidentID)
	if err != nil {
		d.logger.Printf("incident %s not loadable: %v", req.IncidentID, err)
		return
	}
	rb, err := d.loadRunbook(ctx, tenantID, req.RunbookID)
	if err != nil {
		d.logger.Printf("runbook %s not loadable: %v", req.RunbookID, err)
		return
	}

	if _, err := d.begin(ctx, tenant, req.RequesterID, inc, rb, req.InstanceIDs); err != nil {
		d.logger.Printf("resume of approval %s failed: %v", approvalID, err)
	}
}

// begin moves the incident to remediating, records the execution, and
// spawns the run goroutine.
func (d *Dispatcher) begin(ctx context.Context, tenant *core.Tenant, actorID string,
	inc *core.Incident, rb *core.Runbook, instanceIDs []string) (*DispatchResult, error) {

	exec := &core.RemediationExecution{
		ID:          uuid.NewString(),
		TenantID:    inc.TenantID,
		IncidentID:  inc.ID,
		RunbookID:   rb.ID,
		InstanceIDs: instanceIDs,
		Status:      core.ExecutionQueued,
		StartedAt:   d.now(),
	}
	doc, err := storage.Encode(exec)
	if err != nil {
		return nil, err
	}
	if err := d.store.InsertOne(ctx, storage.CollExecutions, doc); err != nil {
		return nil, err
	}

	if err := d.casIncident(ctx, inc.TenantID, inc.ID, storage.Doc{
		"status":            string(core.IncidentRemediating),
		"runbook_execution": exec.ID,
	}); err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(tenant, actorID, inc, rb, exec)
	}()

	return &DispatchResult{Status: "started", ExecutionID: exec.ID}, nil
}

// run owns one execution from submit to settlement. It survives the request
// that started it, bounded by the wall clock.
func (d *Dispatcher) run(tenant *core.Tenant, actorID string, inc *core.Incident,
	rb *core.Runbook, exec *core.RemediationExecution) {

	ctx, cancel := context.WithTimeout(context.Background(), wallClock)
	defer cancel()

	executor, err := d.provider.ExecutorFor(ctx, tenant)
	if err != nil {
		d.settle(actorID, inc, rb, exec, &Result{
			Status: core.ExecutionFailed,
			Stderr: err.Error(),
		})
		return
	}
	executor = guard(executor, d.breakers.Get(tenant.ID))

	commandID, err := d.submit(ctx, executor, rb.Actions, exec.InstanceIDs)
	if err != nil {
		d.settle(actorID, inc, rb, exec, &Result{
			Status: core.ExecutionFailed,
			Stderr: err.Error(),
		})
		return
	}
	exec.CommandID = commandID
	d.updateExecution(ctx, exec, storage.Doc{
		"command_id": commandID,
		"status":     string(core.ExecutionInProgress),
	})

	res := d.poll(ctx, executor, commandID, pollCeiling)

	// Health checks decide whether a nominally successful run actually
	// fixed anything.
	if res.Status == core.ExecutionSuccess && len(rb.HealthChecks) > 0 {
		if err := d.verifyHealth(ctx, executor, rb.HealthChecks, exec.InstanceIDs); err != nil {
			res.Status = core.ExecutionFailed
			res.Stderr = appendOutput(res.Stderr, "health check failed: "+err.Error())
		}
	}

	d.settle(actorID, inc, rb, exec, res)
}

// submit pushes the command batch at the executor, retrying transient
// failures with 1/2/4 s backoff. Action-level failures never retry.
func (d *Dispatcher) submit(ctx context.Context, executor Executor, commands, instanceIDs []string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= submitRetries; attempt++ {
		commandID, err := executor.Execute(ctx, commands, instanceIDs, wallClock)
		if err == nil {
			return commandID, nil
		}
		lastErr = err
		if !core.IsKind(err, core.KindTransient) {
			break
		}
		if attempt < submitRetries {
			d.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
	}
	return "", lastErr
}

// poll watches one command until it is terminal or the context runs out,
// backing off 2/4/8 ... capped at the ceiling.
func (d *Dispatcher) poll(ctx context.Context, executor Executor, commandID string, ceiling time.Duration) *Result {
	delay := pollInitial
	for {
		select {
		case <-ctx.Done():
			return &Result{Status: core.ExecutionTimeout, FinishedAt: d.now()}
		default:
		}

		d.sleep(delay)
		if delay *= 2; delay > ceiling {
			delay = ceiling
		}

		res, err := executor.Status(ctx, commandID)
		if err != nil {
			if core.IsKind(err, core.KindTransient) {
				continue
			}
			return &Result{Status: core.ExecutionFailed, Stderr: err.Error(), FinishedAt: d.now()}
		}
		if res.Status.Terminal() {
			if res.FinishedAt == 0 {
				res.FinishedAt = d.now()
			}
			return res
		}
	}
}

func (d *Dispatcher) verifyHealth(ctx context.Context, executor Executor, checks, instanceIDs []string) error {
	hcCtx, cancel := context.WithTimeout(ctx, healthBudget)
	defer cancel()

	commandID, err := d.submit(hcCtx, executor, checks, instanceIDs)
	if err != nil {
		return err
	}
	res := d.poll(hcCtx, executor, commandID, pollInitial*4)
	if res.Status != core.ExecutionSuccess {
		return core.Ef(core.KindTransient, "health checks finished %s", res.Status)
	}
	return nil
}

// settle writes the terminal execution row and moves the incident: success
// resolves it as auto, anything else returns it to in_progress unresolved
// with the assignee told why. It runs on its own context: the run context is
// already expired when a wall-clock timeout is what brought us here, and the
// terminal writes must land regardless.
func (d *Dispatcher) settle(actorID string,
	inc *core.Incident, rb *core.Runbook, exec *core.RemediationExecution, res *Result) {

	ctx, cancel := context.WithTimeout(context.Background(), settleBudget)
	defer cancel()

	if res.FinishedAt == 0 {
		res.FinishedAt = d.now()
	}
	d.updateExecution(ctx, exec, storage.Doc{
		"status":      string(res.Status),
		"stdout":      truncate(res.Stdout),
		"stderr":      truncate(res.Stderr),
		"finished_at": res.FinishedAt,
	})

	if res.Status == core.ExecutionSuccess {
		if err := d.casIncident(ctx, inc.TenantID, inc.ID, storage.Doc{
			"status":      string(core.IncidentResolved),
			"resolution":  string(core.ResolutionAuto),
			"resolved_at": res.FinishedAt,
		}); err != nil {
			d.logger.Printf("resolving incident %s failed: %v", inc.ID, err)
		}
	} else {
		if err := d.casIncident(ctx, inc.TenantID, inc.ID, storage.Doc{
			"status":     string(core.IncidentInProgress),
			"resolution": string(core.ResolutionUnresolved),
		}); err != nil {
			d.logger.Printf("reopening incident %s failed: %v", inc.ID, err)
		}
		if inc.AssignedTo != "" {
			if _, err := d.notifier.Notify(ctx, inc.TenantID, inc.AssignedTo,
				notify.TypeRemediationFailed,
				fmt.Sprintf("runbook %q finished %s on incident %s", rb.Name, res.Status, inc.ID)); err != nil {
				d.logger.Printf("assignee notification for %s failed: %v", inc.ID, err)
			}
		}
	}

	if d.ops != nil {
		d.ops.RemediationOutcomes.WithLabelValues(inc.TenantID, string(res.Status)).Inc()
	}
	d.bus.Emit(events.TopicRemediationCompleted, inc.TenantID, exec.ID, map[string]interface{}{
		"incident_id": inc.ID,
		"runbook_id":  rb.ID,
		"status":      string(res.Status),
	})
	d.recorder.Record(ctx, &core.AuditLog{
		TenantID:   inc.TenantID,
		ActorID:    actorID,
		Action:     audit.ActionRemediationRun,
		TargetType: "incident",
		TargetID:   inc.ID,
		Status:     string(res.Status),
		Details: map[string]any{
			"runbook_id":   rb.ID,
			"execution_id": exec.ID,
			"instance_ids": exec.InstanceIDs,
		},
	})
}

// Executions lists an incident's remediation history, newest first.
func (d *Dispatcher) Executions(ctx context.Context, tenantID, incidentID string) ([]core.RemediationExecution, error) {
	docs, err := d.store.Find(ctx, storage.CollExecutions,
		storage.Q(tenantID, storage.Eq("incident_id", incidentID)).SortBy("started_at", true))
	if err != nil {
		return nil, err
	}
	return storage.DecodeAll[core.RemediationExecution](docs)
}

// BreakerStats exposes executor breaker state for the health endpoint.
func (d *Dispatcher) BreakerStats() map[string]circuitbreaker.Stats {
	return d.breakers.Stats()
}

func (d *Dispatcher) loadIncident(ctx context.Context, tenantID, id string) (*core.Incident, error) {
	doc, err := d.store.FindOne(ctx, storage.CollIncidents,
		storage.Q(tenantID, storage.Eq("id", id)))
	if err != nil {
		return nil, err
	}
	var inc core.Incident
	if err := storage.Decode(doc, &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

func (d *Dispatcher) loadRunbook(ctx context.Context, tenantID, id string) (*core.Runbook, error) {
	doc, err := d.store.FindOne(ctx, storage.CollRunbooks,
		storage.Q(tenantID, storage.Eq("id", id)))
	if err != nil {
		return nil, err
	}
	var rb core.Runbook
	if err := storage.Decode(doc, &rb); err != nil {
		return nil, err
	}
	return &rb, nil
}

// casIncident applies a field set with the version CAS loop.
func (d *Dispatcher) casIncident(ctx context.Context, tenantID, id string, set storage.Doc) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		inc, err := d.loadIncident(ctx, tenantID, id)
		if err != nil {
			return err
		}

		update := storage.Doc{"version": inc.Version + 1}
		for k, v := range set {
			update[k] = v
		}

		ok, err := d.store.UpdateOne(ctx, storage.CollIncidents,
			storage.Q(tenantID,
				storage.Eq("id", id),
				storage.Eq("version", inc.Version)),
			update)
		if err != nil {
			return err
		}
		if ok {
			d.bus.Emit(events.TopicIncidentUpdated, tenantID, id, map[string]interface{}{
				"status": set["status"],
			})
			return nil
		}
	}
	return core.Ef(core.KindConflict, "incident %s kept changing", id)
}

func (d *Dispatcher) updateExecution(ctx context.Context, exec *core.RemediationExecution, set storage.Doc) {
	if _, err := d.store.UpdateOne(ctx, storage.CollExecutions,
		storage.Q(exec.TenantID, storage.Eq("id", exec.ID)), set); err != nil {
		d.logger.Printf("execution %s update failed: %v", exec.ID, err)
	}
}

func truncate(s string) string {
	if len(s) > outputLimit {
		return s[:outputLimit]
	}
	return s
}

func appendOutput(existing, extra string) string {
	if existing == "" {
		return extra
	}
	return existing + "\n" + extra
}

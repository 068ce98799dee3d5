package audit

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/storage"
)

// ============================================================================
// AUDIT TRAIL - every state-changing operation leaves a row
// ============================================================================

// Well-known audit actions. Handlers pass these so the trail stays greppable.
const (
	ActionTenantCreated     = "tenant.created"
	ActionTenantDeleted     = "tenant.deleted"
	ActionAPIKeyRotated     = "tenant.api_key_rotated"
	ActionConfigUpdated     = "tenant.config_updated"
	ActionUserCreated       = "user.created"
	ActionUserLogin         = "user.login"
	ActionIncidentCreated   = "incident.created"
	ActionIncidentUpdated   = "incident.updated"
	ActionIncidentAssigned  = "incident.assigned"
	ActionIncidentResolved  = "incident.resolved"
	ActionIncidentEscalated = "incident.escalated"
	ActionApprovalRequested = "approval.requested"
	ActionApprovalDecided   = "approval.decided"
	ActionRemediationRun    = "remediation.run"
	ActionRunbookChanged    = "runbook.changed"
)

const (
	writeRetries = 3
	retryBackoff = 100 * time.Millisecond
)

// Recorder persists audit entries with bounded retries. Entries that still
// fail go to an in-memory dead letter buffer and are retried after the next
// successful write, so an audit gap from a storage blip heals itself.
type Recorder struct {
	store  storage.Store
	logger *log.Logger

	mu         sync.Mutex
	deadLetter []storage.Doc
}

func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// Record writes one audit entry. It never returns an error: audit failures
// must not fail the operation being audited.
func (r *Recorder) Record(ctx context.Context, entry *core.AuditLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}
	if entry.Status == "" {
		entry.Status = "ok"
	}

	doc, err := storage.Encode(entry)
	if err != nil {
		r.logger.Printf("unencodable audit entry dropped: %v", err)
		return
	}

	if r.write(ctx, doc) {
		r.drain(ctx)
		return
	}

	r.mu.Lock()
	r.deadLetter = append(r.deadLetter, doc)
	pending := len(r.deadLetter)
	r.mu.Unlock()
	slog.Error("audit write failed after retries, dead-lettered",
		"action", entry.Action, "tenant_id", entry.TenantID, "pending", pending)
}

func (r *Recorder) write(ctx context.Context, doc storage.Doc) bool {
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}
		if err := r.store.InsertOne(ctx, storage.CollAuditLogs, doc); err == nil {
			return true
		}
	}
	return false
}

// drain retries dead letters once each after a successful write.
func (r *Recorder) drain(ctx context.Context) {
	r.mu.Lock()
	pending := r.deadLetter
	r.deadLetter = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	var still []storage.Doc
	for _, doc := range pending {
		if err := r.store.InsertOne(ctx, storage.CollAuditLogs, doc); err != nil {
			still = append(still, doc)
		}
	}
	if len(still) > 0 {
		r.mu.Lock()
		r.deadLetter = append(still, r.deadLetter...)
		r.mu.Unlock()
	} else {
		r.logger.Printf("recovered %d dead-lettered audit entries", len(pending))
	}
}

// Flush pushes any dead letters out; called during shutdown.
func (r *Recorder) Flush(ctx context.Context) error {
	r.drain(ctx)

	r.mu.Lock()
	remaining := len(r.deadLetter)
	r.mu.Unlock()
	if remaining > 0 {
		return core.Ef(core.KindTransient, "%d audit entries still dead-lettered", remaining)
	}
	return nil
}

// Pending reports the dead letter depth; exported for health reporting.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deadLetter)
}

// List returns a tenant's audit trail, newest first. targetID narrows to one
// entity when non-empty.
func (r *Recorder) List(ctx context.Context, tenantID, targetID string, limit int) ([]core.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := storage.Q(tenantID).SortBy("timestamp", true).Take(limit)
	if targetID != "" {
		q = storage.Q(tenantID, storage.Eq("target_id", targetID)).SortBy("timestamp", true).Take(limit)
	}
	docs, err := r.store.Find(ctx, storage.CollAuditLogs, q)
	if err != nil {
		return nil, err
	}
	return storage.DecodeAll[core.AuditLog](docs)
}

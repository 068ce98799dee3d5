package approval

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/storage"
)

// ============================================================================
// APPROVAL WORKFLOW - pending -> approved/rejected/expired, first write wins
// ============================================================================

const (
	// Requests not decided within the hour expire on next observation.
	expirySeconds = 3600

	casRetries = 3
)

// Service owns the ApprovalRequest state machine. Every transition is a CAS
// on status, so concurrent deciders cannot both win. The dispatcher creates
// requests and reacts to approvals; rejection and expiry reopen the incident
// here.
type Service struct {
	store    storage.Store
	bus      events.Emitter
	recorder *audit.Recorder
	logger   *log.Logger

	now func() int64
}

func NewService(store storage.Store, bus events.Emitter, recorder *audit.Recorder) *Service {
	return &Service{
		store:    store,
		bus:      bus,
		recorder: recorder,
		logger:   log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags),
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Request opens a pending approval for a runbook dispatch. The dispatcher
// has already moved the incident to pending_approval.
func (s *Service) Request(ctx context.Context, req *core.ApprovalRequest) (*core.ApprovalRequest, error) {
	switch {
	case req.TenantID == "":
		return nil, core.E(core.KindValidation, "tenant_id is required")
	case req.IncidentID == "":
		return nil, core.E(core.KindValidation, "incident_id is required")
	case req.RunbookID == "":
		return nil, core.E(core.KindValidation, "runbook_id is required")
	case req.RequesterID == "":
		return nil, core.E(core.KindValidation, "requester_id is required")
	}

	now := s.now()
	req.ID = uuid.NewString()
	req.Status = core.ApprovalPending
	req.CreatedAt = now
	req.ExpiresAt = now + expirySeconds
	req.DecidedBy = ""

	doc, err := storage.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertOne(ctx, storage.CollApprovals, doc); err != nil {
		return nil, err
	}

	s.bus.Emit(events.TopicApprovalRequested, req.TenantID, req.ID, map[string]interface{}{
		"incident_id":  req.IncidentID,
		"runbook_id":   req.RunbookID,
		"risk_level":   string(req.RiskLevel),
		"requester_id": req.RequesterID,
	})
	s.recorder.Record(ctx, &core.AuditLog{
		TenantID:   req.TenantID,
		ActorID:    req.RequesterID,
		Action:     audit.ActionApprovalRequested,
		TargetType: "approval_request",
		TargetID:   req.ID,
		Details: map[string]any{
			"incident_id": req.IncidentID,
			"runbook_id":  req.RunbookID,
			"risk_level":  string(req.RiskLevel),
		},
	})
	return req, nil
}

// Get returns the request, expiring it first when the deadline has passed.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*core.ApprovalRequest, error) {
	req, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(ctx, req)
}

// ListPending returns the tenant's undecided requests, oldest first. Requests
// past their deadline expire during the pass and drop out of the result.
func (s *Service) ListPending(ctx context.Context, tenantID string) ([]core.ApprovalRequest, error) {
	docs, err := s.store.Find(ctx, storage.CollApprovals,
		storage.Q(tenantID, storage.Eq("status", string(core.ApprovalPending))).
			SortBy("created_at", false))
	if err != nil {
		return nil, err
	}
	reqs, err := storage.DecodeAll[core.ApprovalRequest](docs)
	if err != nil {
		return nil, err
	}

	out := make([]core.ApprovalRequest, 0, len(reqs))
	for i := range reqs {
		fresh, err := s.expireIfDue(ctx, &reqs[i])
		if err != nil {
			return nil, err
		}
		if fresh.Status == core.ApprovalPending {
			out = append(out, *fresh)
		}
	}
	return out, nil
}

// Decide applies an approve or reject. The decider needs the risk level's
// minimum role; rejection requires notes. First decision wins, everyone else
// gets a conflict.
func (s *Service) Decide(ctx context.Context, tenantID, approvalID string,
	decider *core.User, approve bool, notes string) (*core.ApprovalRequest, error) {

	req, err := s.load(ctx, tenantID, approvalID)
	if err != nil {
		return nil, err
	}
	req, err = s.expireIfDue(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Status != core.ApprovalPending {
		return nil, core.Ef(core.KindConflict, "approval request is already %s", req.Status)
	}

	need := req.RiskLevel.MinimumRole()
	if decider.Role.Rank() < need.Rank() {
		return nil, core.Ef(core.KindForbidden, "deciding a %s risk runbook requires %s", req.RiskLevel, need)
	}
	if !approve && notes == "" {
		return nil, core.E(core.KindValidation, "rejection requires notes")
	}

	status := core.ApprovalApproved
	if !approve {
		status = core.ApprovalRejected
	}

	ok, err := s.store.UpdateOne(ctx, storage.CollApprovals,
		storage.Q(tenantID,
			storage.Eq("id", req.ID),
			storage.Eq("status", string(core.ApprovalPending))),
		storage.Doc{
			"status":     string(status),
			"decided_by": decider.ID,
			"notes":      notes,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.E(core.KindConflict, "another decision landed first")
	}

	req.Status = status
	req.DecidedBy = decider.ID
	req.Notes = notes

	if status == core.ApprovalRejected {
		s.reopenIncident(ctx, tenantID, req.IncidentID)
	}

	s.bus.Emit(events.TopicApprovalDecided, tenantID, req.ID, map[string]interface{}{
		"decision":     string(status),
		"decided_by":   decider.ID,
		"incident_id":  req.IncidentID,
		"runbook_id":   req.RunbookID,
		"requester_id": req.RequesterID,
	})
	s.recorder.Record(ctx, &core.AuditLog{
		TenantID:   tenantID,
		ActorID:    decider.ID,
		Action:     audit.ActionApprovalDecided,
		TargetType: "approval_request",
		TargetID:   req.ID,
		Details: map[string]any{
			"decision":    string(status),
			"incident_id": req.IncidentID,
			"notes":       notes,
		},
	})
	return req, nil
}

func (s *Service) load(ctx context.Context, tenantID, id string) (*core.ApprovalRequest, error) {
	doc, err := s.store.FindOne(ctx, storage.CollApprovals,
		storage.Q(tenantID, storage.Eq("id", id)))
	if err != nil {
		return nil, err
	}
	var req core.ApprovalRequest
	if err := storage.Decode(doc, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// expireIfDue transitions a pending request past its deadline. The CAS winner
// reopens the incident and announces the expiry; losers re-read so callers
// always see the settled state.
func (s *Service) expireIfDue(ctx context.Context, req *core.ApprovalRequest) (*core.ApprovalRequest, error) {
	if req.Status != core.ApprovalPending || s.now() < req.ExpiresAt {
		return req, nil
	}

	ok, err := s.store.UpdateOne(ctx, storage.CollApprovals,
		storage.Q(req.TenantID,
			storage.Eq("id", req.ID),
			storage.Eq("status", string(core.ApprovalPending))),
		storage.Doc{"status": string(core.ApprovalExpired)})
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.load(ctx, req.TenantID, req.ID)
	}

	req.Status = core.ApprovalExpired
	s.reopenIncident(ctx, req.TenantID, req.IncidentID)
	s.bus.Emit(events.TopicApprovalDecided, req.TenantID, req.ID, map[string]interface{}{
		"decision":     string(core.ApprovalExpired),
		"incident_id":  req.IncidentID,
		"runbook_id":   req.RunbookID,
		"requester_id": req.RequesterID,
	})
	s.recorder.Record(ctx, &core.AuditLog{
		TenantID:   req.TenantID,
		ActorID:    "system",
		Action:     audit.ActionApprovalDecided,
		TargetType: "approval_request",
		TargetID:   req.ID,
		Details:    map[string]any{"decision": string(core.ApprovalExpired), "incident_id": req.IncidentID},
	})
	return req, nil
}

// reopenIncident returns a pending_approval incident to in_progress after a
// rejection or expiry. Best effort: the dispatcher may have moved it already.
func (s *Service) reopenIncident(ctx context.Context, tenantID, incidentID string) {
	for attempt := 0; attempt < casRetries; attempt++ {
		doc, err := s.store.FindOne(ctx, storage.CollIncidents,
			storage.Q(tenantID, storage.Eq("id", incidentID)))
		if err != nil {
			s.logger.Printf("reopen: incident %s not loadable: %v", incidentID, err)
			return
		}
		var inc core.Incident
		if err := storage.Decode(doc, &inc); err != nil {
			s.logger.Printf("reopen: incident %s not decodable: %v", incidentID, err)
			return
		}
		if inc.Status != core.IncidentPendingApproval {
			return
		}

		ok, err := s.store.UpdateOne(ctx, storage.CollIncidents,
			storage.Q(tenantID,
				storage.Eq("id", incidentID),
				storage.Eq("version", inc.Version)),
			storage.Doc{
				"status":  string(core.IncidentInProgress),
				"version": inc.Version + 1,
			})
		if err != nil {
			s.logger.Printf("reopen: incident %s update failed: %v", incidentID, err)
			return
		}
		if ok {
			s.bus.Emit(events.TopicIncidentUpdated, tenantID, incidentID, map[string]interface{}{
				"status": string(core.IncidentInProgress),
			})
			return
		}
	}
	s.logger.Printf("reopen: incident %s kept changing, leaving as is", incidentID)
}

package assign

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/storage"
)

// ============================================================================
// ASSIGNMENT ENGINE - ranks technicians and applies ownership
// ============================================================================

// Scoring weights. A candidate earns the expertise bonus when the incident
// signature is in their expertise list, loses 10 per incident already on
// their plate (floored at zero), earns the shift bonus when the current UTC
// hour falls in their shift, and the fast-resolver bonus when their trailing
// 30 day average resolution beats 30 minutes.
const (
	expertiseBonus    = 50
	loadCeiling       = 50
	loadPenaltyPer    = 10
	shiftBonus        = 30
	fastResolverBonus = 20

	fastResolveMinutes = 30
	lookbackDays       = 30

	casRetries = 3
)

// Candidate is one ranked technician together with the inputs that produced
// the score, so callers can explain an assignment.
type Candidate struct {
	UserID           string  `json:"user_id"`
	Email            string  `json:"email"`
	Score            int     `json:"score"`
	ExpertiseMatch   bool    `json:"expertise_match"`
	ActiveIncidents  int     `json:"active_incidents"`
	OnShift          bool    `json:"on_shift"`
	AvgResolutionMin float64 `json:"avg_resolution_min"`
	ResolvedInWindow int     `json:"resolved_in_window"`

	lastLoginAt int64
}

// Engine ranks a tenant's technicians and applies incident ownership.
// It doubles as the correlator's auto-assigner.
type Engine struct {
	store    storage.Store
	bus      events.Emitter
	recorder *audit.Recorder
	logger   *log.Logger

	now func() int64
}

func NewEngine(store storage.Store, bus events.Emitter, recorder *audit.Recorder) *Engine {
	return &Engine{
		store:    store,
		bus:      bus,
		recorder: recorder,
		logger:   log.New(log.Writer(), "[ASSIGN] ", log.LstdFlags),
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Rank scores every technician in the tenant against an incident signature.
// Result is ordered best first: score, then lowest active count, then
// earliest last login, then id for determinism.
func (e *Engine) Rank(ctx context.Context, tenantID, signature string) ([]Candidate, error) {
	docs, err := e.store.Find(ctx, storage.CollUsers,
		storage.Q(tenantID, storage.Eq("role", string(core.RoleTechnician))))
	if err != nil {
		return nil, err
	}
	techs, err := storage.DecodeAll[core.User](docs)
	if err != nil {
		return nil, err
	}
	if len(techs) == 0 {
		return nil, nil
	}

	now := e.now()
	active, err := e.activeCounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	avgMin, resolved, err := e.resolutionStats(ctx, tenantID, now)
	if err != nil {
		return nil, err
	}
	hour := time.Unix(now, 0).UTC().Hour()

	out := make([]Candidate, 0, len(techs))
	for _, u := range techs {
		c := Candidate{
			UserID:           u.ID,
			Email:            u.Email,
			ExpertiseMatch:   containsString(u.Expertise, signature),
			ActiveIncidents:  active[u.ID],
			OnShift:          u.OnShift(hour),
			AvgResolutionMin: avgMin[u.ID],
			ResolvedInWindow: resolved[u.ID],
			lastLoginAt:      u.LastLoginAt,
		}
		if c.ExpertiseMatch {
			c.Score += expertiseBonus
		}
		if penalty := loadCeiling - loadPenaltyPer*c.ActiveIncidents; penalty > 0 {
			c.Score += penalty
		}
		if c.OnShift {
			c.Score += shiftBonus
		}
		if c.ResolvedInWindow > 0 && c.AvgResolutionMin < fastResolveMinutes {
			c.Score += fastResolverBonus
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.ActiveIncidents != b.ActiveIncidents {
			return a.ActiveIncidents < b.ActiveIncidents
		}
		if a.lastLoginAt != b.lastLoginAt {
			return a.lastLoginAt < b.lastLoginAt
		}
		return a.UserID < b.UserID
	})
	return out, nil
}

// Assign picks the best technician for a new incident. Empty id means the
// tenant has nobody to assign; the incident stays unowned and the response
// SLA keeps running.
func (e *Engine) Assign(ctx context.Context, inc *core.Incident) (string, error) {
	ranked, err := e.Rank(ctx, inc.TenantID, inc.Signature)
	if err != nil {
		return "", err
	}
	if len(ranked) == 0 {
		return "", nil
	}
	return ranked[0].UserID, nil
}

// AssignIncident applies ownership with a version CAS. Empty userID means
// auto-pick. A new incident moves to in_progress; other open states keep
// their status so reassignment mid-remediation does not rewind the lifecycle.
func (e *Engine) AssignIncident(ctx context.Context, tenantID, incidentID, userID, actorID string) (*core.Incident, error) {
	inc, err := e.loadIncident(ctx, tenantID, incidentID)
	if err != nil {
		return nil, err
	}

	if userID == "" {
		ranked, err := e.Rank(ctx, tenantID, inc.Signature)
		if err != nil {
			return nil, err
		}
		if len(ranked) == 0 {
			return nil, core.E(core.KindNotFound, "no technician available for assignment")
		}
		userID = ranked[0].UserID
	} else if err := e.checkAssignee(ctx, tenantID, userID); err != nil {
		return nil, err
	}

	now := e.now()
	for attempt := 0; attempt < casRetries; attempt++ {
		if !inc.Open() {
			return nil, core.Ef(core.KindConflict, "incident %s is %s", incidentID, inc.Status)
		}
		status := inc.Status
		if status == core.IncidentNew {
			status = core.IncidentInProgress
		}

		ok, err := e.store.UpdateOne(ctx, storage.CollIncidents,
			storage.Q(tenantID,
				storage.Eq("id", inc.ID),
				storage.Eq("version", inc.Version)),
			storage.Doc{
				"assigned_to": userID,
				"assigned_at": now,
				"status":      string(status),
				"version":     inc.Version + 1,
			})
		if err != nil {
			return nil, err
		}
		if ok {
			inc.AssignedTo = userID
			inc.AssignedAt = now
			inc.Status = status
			inc.Version++

			e.bus.Emit(events.TopicIncidentAssigned, tenantID, inc.ID, map[string]interface{}{
				"assigned_to": userID,
				"assigned_by": actorID,
			})
			e.recorder.Record(ctx, &core.AuditLog{
				TenantID:   tenantID,
				ActorID:    actorID,
				Action:     audit.ActionIncidentAssigned,
				TargetType: "incident",
				TargetID:   inc.ID,
				Details:    map[string]any{"assigned_to": userID},
			})
			return inc, nil
		}

		inc, err = e.loadIncident(ctx, tenantID, incidentID)
		if err != nil {
			return nil, err
		}
	}
	return nil, core.E(core.KindConflict, "incident changed concurrently, retry assignment")
}

// activeCounts tallies open incidents per assignee in one pass.
func (e *Engine) activeCounts(ctx context.Context, tenantID string) (map[string]int, error) {
	docs, err := e.store.Find(ctx, storage.CollIncidents,
		storage.Q(tenantID, storage.In("status", core.OpenIncidentStatuses...)))
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, d := range docs {
		if owner, _ := d["assigned_to"].(string); owner != "" {
			counts[owner]++
		}
	}
	return counts, nil
}

// resolutionStats computes each assignee's mean resolution minutes over the
// trailing lookback window. Users with nothing resolved get no entry.
func (e *Engine) resolutionStats(ctx context.Context, tenantID string, now int64) (map[string]float64, map[string]int, error) {
	cutoff := now - lookbackDays*86400
	docs, err := e.store.Find(ctx, storage.CollIncidents,
		storage.Q(tenantID,
			storage.Eq("status", string(core.IncidentResolved)),
			storage.Gte("resolved_at", cutoff)))
	if err != nil {
		return nil, nil, err
	}

	totalMin := make(map[string]float64)
	counts := make(map[string]int)
	for _, d := range docs {
		var inc core.Incident
		if err := storage.Decode(d, &inc); err != nil {
			continue
		}
		if inc.AssignedTo == "" || inc.ResolvedAt < inc.CreatedAt {
			continue
		}
		totalMin[inc.AssignedTo] += float64(inc.ResolvedAt-inc.CreatedAt) / 60
		counts[inc.AssignedTo]++
	}

	avg := make(map[string]float64, len(counts))
	for id, n := range counts {
		avg[id] = totalMin[id] / float64(n)
	}
	return avg, counts, nil
}

func (e *Engine) loadIncident(ctx context.Context, tenantID, incidentID string) (*core.Incident, error) {
	doc, err := e.store.FindOne(ctx, storage.CollIncidents,
		storage.Q(tenantID, storage.Eq("id", incidentID)))
	if err != nil {
		return nil, err
	}
	var inc core.Incident
	if err := storage.Decode(doc, &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// checkAssignee verifies an explicit assignee exists in the tenant and can
// own incidents. Tenant admins may take incidents themselves.
func (e *Engine) checkAssignee(ctx context.Context, tenantID, userID string) error {
	doc, err := e.store.FindOne(ctx, storage.CollUsers,
		storage.Q(tenantID, storage.Eq("id", userID)))
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return core.Ef(core.KindNotFound, "user %s not found in tenant", userID)
		}
		return err
	}
	var u core.User
	if err := storage.Decode(doc, &u); err != nil {
		return err
	}
	if u.Role != core.RoleTechnician && u.Role != core.RoleTenantAdmin {
		return core.Ef(core.KindValidation, "role %s cannot own incidents", u.Role)
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

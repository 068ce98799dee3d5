// Package advisor produces non-binding remediation recommendations for an
// incident. It is strictly optional: nothing in the pipeline blocks on it,
// and a deployment without a configured model simply has no advisor.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/storage"
)

// Short-term conversation memory per incident.
const (
	memoryTTLHours = 24
	maxMemoryTurns = 20
)

// Decision is one recommendation.
type Decision struct {
	Recommendation string   `json:"recommendation"`
	Confidence     float64  `json:"confidence"`
	ToolCalls      []string `json:"tool_calls,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// Snapshot is what the advisor sees: the incident plus the runbooks it
// could recommend.
type Snapshot struct {
	Incident *core.Incident `json:"incident"`
	Runbooks []core.Runbook `json:"runbooks"`
}

// Advisor turns a snapshot and conversation memory into a decision.
type Advisor interface {
	Decide(ctx context.Context, snap *Snapshot, memory []core.MemoryMessage) (*Decision, error)
}

// StreamingAdvisor additionally emits partial recommendation text; the
// final element on the channel is always the literal "end".
type StreamingAdvisor interface {
	Advisor
	DecideStream(ctx context.Context, snap *Snapshot, memory []core.MemoryMessage) (<-chan string, error)
}

// ============================================================================
// SESSION MEMORY
// ============================================================================

// Sessions keeps the advisor's short-term memory, one session per incident,
// reaped after 24 h.
type Sessions struct {
	store storage.Store
	now   func() int64
}

func NewSessions(store storage.Store) *Sessions {
	return &Sessions{store: store, now: func() int64 { return time.Now().Unix() }}
}

// Load returns the session for an incident, empty if none survives.
func (s *Sessions) Load(ctx context.Context, tenantID, incidentID string) (*core.MemorySession, error) {
	doc, err := s.store.FindOne(ctx, storage.CollMemory,
		storage.Q(tenantID, storage.Eq("session_id", incidentID)))
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return &core.MemorySession{SessionID: incidentID, TenantID: tenantID}, nil
		}
		return nil, err
	}
	var sess core.MemorySession
	if err := storage.Decode(doc, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Append records conversation turns and refreshes the TTL. Only the most
// recent turns are retained.
func (s *Sessions) Append(ctx context.Context, tenantID, incidentID string, turns ...core.MemoryMessage) error {
	sess, err := s.Load(ctx, tenantID, incidentID)
	if err != nil {
		return err
	}
	sess.Messages = append(sess.Messages, turns...)
	if len(sess.Messages) > maxMemoryTurns {
		sess.Messages = sess.Messages[len(sess.Messages)-maxMemoryTurns:]
	}
	sess.ExpiresAt = s.now() + memoryTTLHours*3600

	doc, err := storage.Encode(sess)
	if err != nil {
		return err
	}
	// Sessions key on the incident id; insert is last-writer-wins on id.
	doc["id"] = sess.SessionID
	return s.store.InsertOne(ctx, storage.CollMemory, doc)
}

// ============================================================================
// SERVICE
// ============================================================================

// Service wires the advisor to storage: it assembles the snapshot, keeps
// the session memory, and shields callers from a missing advisor.
type Service struct {
	advisor  Advisor
	sessions *Sessions
	store    storage.Store
	logger   *log.Logger

	now func() int64
}

func NewService(advisor Advisor, store storage.Store) *Service {
	return &Service{
		advisor:  advisor,
		sessions: NewSessions(store),
		store:    store,
		logger:   log.New(log.Writer(), "[ADVISOR] ", log.LstdFlags),
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Enabled reports whether a model is configured.
func (s *Service) Enabled() bool { return s.advisor != nil }

// Recommend produces a decision for one incident and records the exchange
// in session memory.
func (s *Service) Recommend(ctx context.Context, tenantID, incidentID string) (*Decision, error) {
	if s.advisor == nil {
		return nil, core.E(core.KindNotFound, "no advisor is configured")
	}

	snap, err := s.snapshot(ctx, tenantID, incidentID)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Load(ctx, tenantID, incidentID)
	if err != nil {
		return nil, err
	}

	decision, err := s.advisor.Decide(ctx, snap, sess.Messages)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "advisor decision", err)
	}

	now := s.now()
	if err := s.sessions.Append(ctx, tenantID, incidentID,
		core.MemoryMessage{Role: "user", Content: describeIncident(snap.Incident), At: now},
		core.MemoryMessage{Role: "assistant", Content: decision.Recommendation, At: now},
	); err != nil {
		s.logger.Printf("memory append for %s failed: %v", incidentID, err)
	}
	return decision, nil
}

func (s *Service) snapshot(ctx context.Context, tenantID, incidentID string) (*Snapshot, error) {
	doc, err := s.store.FindOne(ctx, storage.CollIncidents,
		storage.Q(tenantID, storage.Eq("id", incidentID)))
	if err != nil {
		return nil, err
	}
	var inc core.Incident
	if err := storage.Decode(doc, &inc); err != nil {
		return nil, err
	}

	rbDocs, err := s.store.Find(ctx, storage.CollRunbooks,
		storage.Q(tenantID, storage.In("signature", inc.Signature, core.GenericSignature)))
	if err != nil {
		return nil, err
	}
	rbs, err := storage.DecodeAll[core.Runbook](rbDocs)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Incident: &inc, Runbooks: rbs}, nil
}

func describeIncident(inc *core.Incident) string {
	return fmt.Sprintf("incident %s: %s on %s, severity %s, %d alert(s), status %s",
		inc.ID, inc.Signature, inc.AssetName, inc.Severity, inc.AlertCount, inc.Status)
}

// parseDecision extracts a structured decision from model output. Models
// are asked for JSON; anything else becomes a low-confidence free-text
// recommendation.
func parseDecision(text string) *Decision {
	trimmed := strings.TrimSpace(text)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			var d Decision
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &d); err == nil && d.Recommendation != "" {
				if d.Confidence <= 0 || d.Confidence > 1 {
					d.Confidence = 0.5
				}
				return &d
			}
		}
	}
	return &Decision{Recommendation: trimmed, Confidence: 0.3}
}

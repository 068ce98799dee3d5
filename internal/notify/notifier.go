// Package notify delivers state changes to humans and to external
// integrations: in-app notification rows, best-effort email, and signed
// outbound webhooks. Nothing here may block or fail the operation that
// triggered the notification.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/storage"
)

// Notification types carried in Notification.Type.
const (
	TypeIncidentAssigned  = "incident_assigned"
	TypeApprovalRequested = "approval_requested"
	TypeApprovalDecided   = "approval_decided"
	TypeRemediationFailed = "remediation_failed"
	TypeSLAEscalation     = "sla_escalation"
)

const notificationTTLHours = 48

// EmailSender is the outbound mail boundary. Implementations return a
// provider message id; any failure is logged by the caller and never
// propagated.
type EmailSender interface {
	Send(ctx context.Context, recipient, subject, body string) (string, error)
}

// LogSender is the development EmailSender: it only logs.
type LogSender struct {
	logger *log.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{logger: log.New(log.Writer(), "[EMAIL] ", log.LstdFlags)}
}

func (s *LogSender) Send(_ context.Context, recipient, subject, _ string) (string, error) {
	id := uuid.NewString()
	s.logger.Printf("would send %q to %s (%s)", subject, recipient, id)
	return id, nil
}

// Notifier writes in-app notifications and mirrors them to email when the
// recipient has an address on file.
type Notifier struct {
	store  storage.Store
	bus    events.Emitter
	email  EmailSender
	logger *log.Logger

	now func() int64
}

func NewNotifier(store storage.Store, bus events.Emitter, email EmailSender) *Notifier {
	if email == nil {
		email = NewLogSender()
	}
	return &Notifier{
		store:  store,
		bus:    bus,
		email:  email,
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		now:    func() int64 { return time.Now().Unix() },
	}
}

// Notify records one in-app notification for a user and announces it on the
// bus. The email mirror is best-effort.
func (n *Notifier) Notify(ctx context.Context, tenantID, userID, typ, message string) (*core.Notification, error) {
	now := n.now()
	note := &core.Notification{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		Type:      typ,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now + notificationTTLHours*3600,
	}

	doc, err := storage.Encode(note)
	if err != nil {
		return nil, err
	}
	if err := n.store.InsertOne(ctx, storage.CollNotifications, doc); err != nil {
		return nil, err
	}

	n.bus.Emit(events.TopicNotificationCreated, tenantID, note.ID, map[string]interface{}{
		"user_id": userID,
		"type":    typ,
	})
	n.mirrorEmail(ctx, tenantID, userID, typ, message)
	return note, nil
}

// NotifyRole notifies every user holding the role. MSP roles live under the
// system partition, so the lookup scope follows the role rather than the
// tenant the event happened in.
func (n *Notifier) NotifyRole(ctx context.Context, tenantID string, role core.Role, typ, message string) error {
	scope := tenantID
	if role == core.RoleMSPAdmin || role == core.RoleSystemAdmin {
		scope = storage.SystemScope
	}

	docs, err := n.store.Find(ctx, storage.CollUsers,
		storage.Q(scope, storage.Eq("role", string(role))))
	if err != nil {
		return err
	}
	users, err := storage.DecodeAll[core.User](docs)
	if err != nil {
		return err
	}
	for _, u := range users {
		if _, err := n.Notify(ctx, tenantID, u.ID, typ, message); err != nil {
			n.logger.Printf("notifying %s failed: %v", u.ID, err)
		}
	}
	return nil
}

// List returns a user's notifications, newest first.
func (n *Notifier) List(ctx context.Context, tenantID, userID string, unreadOnly bool, limit int) ([]core.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	filters := []storage.Filter{storage.Eq("user_id", userID)}
	if unreadOnly {
		filters = append(filters, storage.Eq("read", false))
	}
	docs, err := n.store.Find(ctx, storage.CollNotifications,
		storage.Q(tenantID, filters...).SortBy("created_at", true).Take(limit))
	if err != nil {
		return nil, err
	}
	return storage.DecodeAll[core.Notification](docs)
}

// MarkRead flags one notification as seen.
func (n *Notifier) MarkRead(ctx context.Context, tenantID, id string) error {
	ok, err := n.store.UpdateOne(ctx, storage.CollNotifications,
		storage.Q(tenantID, storage.Eq("id", id)),
		storage.Doc{"read": true})
	if err != nil {
		return err
	}
	if !ok {
		return core.Ef(core.KindNotFound, "notification %s not found", id)
	}
	return nil
}

func (n *Notifier) mirrorEmail(ctx context.Context, tenantID, userID, typ, message string) {
	doc, err := n.store.FindOne(ctx, storage.CollUsers,
		storage.Q(tenantID, storage.Eq("id", userID)))
	if err != nil {
		// MSP staff live under the system partition.
		doc, err = n.store.FindOne(ctx, storage.CollUsers,
			storage.Q(storage.SystemScope, storage.Eq("id", userID)))
	}
	if err != nil {
		return
	}
	email, _ := doc["email"].(string)
	if email == "" {
		return
	}

	subject := fmt.Sprintf("[AlertMesh] %s", typ)
	if _, err := n.email.Send(ctx, email, subject, message); err != nil {
		n.logger.Printf("email to %s failed: %v", email, err)
	}
}

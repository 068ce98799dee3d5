package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names carried on the bus. Consumers subscribe by topic; the
// websocket hub subscribes to everything and filters by tenant.
const (
	TopicAlertIngested        = "alert.ingested"
	TopicIncidentCreated      = "incident.created"
	TopicIncidentUpdated      = "incident.updated"
	TopicIncidentAssigned     = "incident.assigned"
	TopicApprovalRequested    = "approval.requested"
	TopicApprovalDecided      = "approval.decided"
	TopicRemediationCompleted = "remediation.completed"
	TopicNotificationCreated  = "notification.created"
	TopicCorrelatorProgress   = "correlator.progress"
	TopicConfigInvalidated    = "config.invalidated"
)

// Emitter is the publishing side of the bus. The in-memory Bus and the
// Pub/Sub mirror both satisfy it.
type Emitter interface {
	Emit(topic, tenantID, subject string, data map[string]interface{})
}

// Event is the envelope every topic shares. Subject is the id of the entity
// the event is about (alert id, incident id, approval id).
type Event struct {
	ID       string                 `json:"id"`
	Topic    string                 `json:"topic"`
	TenantID string                 `json:"tenant_id"`
	Subject  string                 `json:"subject,omitempty"`
	Time     int64                  `json:"time"`
	Data     map[string]interface{} `json:"data"`
}

func NewEvent(topic, tenantID, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:       uuid.NewString(),
		Topic:    topic,
		TenantID: tenantID,
		Subject:  subject,
		Time:     time.Now().Unix(),
		Data:     data,
	}
}

// JSON serializes the event
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub event bus. Publish never blocks: a subscriber
// that stops draining its channel loses events rather than stalling
// publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // topic -> channels
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		allSubs:     make([]chan *Event, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events for the given topics.
// Pass no topics to receive everything.
func (b *Bus) Subscribe(topics ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)

	if len(topics) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, topic := range topics {
			b.subscribers[topic] = append(b.subscribers[topic], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		filtered := make([]chan *Event, 0)
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[topic] = filtered
	}

	filtered := make([]chan *Event, 0)
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers the event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Topic] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event in one call.
func (b *Bus) Emit(topic, tenantID, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(topic, tenantID, subject, data))
}

// SubscriberCount returns the total number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

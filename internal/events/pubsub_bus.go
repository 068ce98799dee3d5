package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubBus wraps the in-memory Bus and also mirrors every event to a Google
// Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//   - In-memory: immediate push to websocket subscribers
//
// Usage:
//
//	bus, err := events.NewPubSubBus("my-project", "alertmesh-events", "")
//	bus.Emit(events.TopicIncidentCreated, "acme", "inc-123", data)
//	defer bus.Close()
type PubSubBus struct {
	*Bus // embedded; Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus creates a Pub/Sub-backed event bus. It creates the topic if it
// does not exist. credentialsFile may be empty to use ambient credentials.
func NewPubSubBus(projectID, topicID, credentialsFile string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}

	// Ordering key is the tenant, so each tenant sees its own events in order.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}

	bus.logger.Printf("connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit publishes to Pub/Sub and fans out to in-memory subscribers.
func (pb *PubSubBus) Emit(topic, tenantID, subject string, data map[string]interface{}) {
	event := NewEvent(topic, tenantID, subject, data)

	pb.mirror(event)
	pb.Bus.Publish(event)
}

// mirror serializes the event and publishes it as a Pub/Sub message. Message
// attributes carry the envelope metadata for server-side filtering.
func (pb *PubSubBus) mirror(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("failed to marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"topic":     event.Topic,
			"id":        event.ID,
			"time":      strconv.FormatInt(event.Time, 10),
			"tenant_id": event.TenantID,
		},
		OrderingKey: event.TenantID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: confirm in a goroutine to keep the hot path fast.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("Pub/Sub publish failed: %s: %v", event.ID, err)
		}
	}()
}

// Close gracefully shuts down the Pub/Sub client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	pb.logger.Printf("Pub/Sub client closed")
	return nil
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// ensure interface compatibility
var _ Emitter = (*PubSubBus)(nil)
var _ Emitter = (*Bus)(nil)

package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/storage"
)

// CloudTasksDispatcher delivers outbound webhooks through a Cloud Tasks
// queue instead of the in-process worker pool. The queue owns retries and
// dead-lettering, so a subscriber outage cannot occupy this process. When an
// enqueue fails the event falls back to the in-process dispatcher.
type CloudTasksDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	fallback  *Dispatcher
	logger    *log.Logger

	unsubscribe func()
}

func NewCloudTasksDispatcher(registry *Registry, projectID, locationID, queueID string,
	fallback *Dispatcher) (*CloudTasksDispatcher, error) {

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks client: %w", err)
	}

	d := &CloudTasksDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		fallback:  fallback,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	d.logger.Printf("connected to queue %s", d.queuePath)
	return d, nil
}

// Start subscribes to every bus topic, mirroring the in-process dispatcher.
func (d *CloudTasksDispatcher) Start(bus *events.Bus) {
	ch := bus.Subscribe()
	d.unsubscribe = func() { bus.Unsubscribe(ch) }
	go func() {
		for ev := range ch {
			d.enqueue(ev)
		}
	}()
}

func (d *CloudTasksDispatcher) enqueue(ev *events.Event) {
	if ev.TenantID == "" || ev.TenantID == storage.SystemScope {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	subs, err := d.registry.matching(ctx, ev.TenantID, ev.Topic)
	cancel()
	if err != nil || len(subs) == 0 {
		return
	}

	payload, err := ev.JSON()
	if err != nil {
		d.logger.Printf("unencodable event %s dropped: %v", ev.ID, err)
		return
	}
	for _, sub := range subs {
		d.enqueueTask(sub, ev, payload)
	}
}

func (d *CloudTasksDispatcher) enqueueTask(sub core.WebhookSubscription, ev *events.Event, payload []byte) {
	headers := map[string]string{
		"Content-Type":         "application/json",
		"X-AlertMesh-Event":    ev.Topic,
		"X-AlertMesh-Event-ID": ev.ID,
	}
	if sub.Secret != "" {
		headers["X-AlertMesh-Signature"] = "sha256=" + SignPayload(payload, sub.Secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: d.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the hot path; the bus must never wait on GCP.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := d.client.CreateTask(ctx, req); err != nil {
			d.logger.Printf("enqueue for %s failed: %v", sub.URL, err)
			if d.fallback != nil {
				d.fallback.tryEnqueue(deliveryJob{sub: sub, event: ev, payload: payload, attempt: 1})
			}
		}
	}()
}

// Shutdown stops intake, closes the client, and drains the fallback.
func (d *CloudTasksDispatcher) Shutdown() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	if d.fallback != nil {
		d.fallback.Shutdown()
	}
	if err := d.client.Close(); err != nil {
		d.logger.Printf("client close: %v", err)
	}
}

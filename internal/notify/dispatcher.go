package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/storage"
)

// ============================================================================
// OUTBOUND WEBHOOKS - push bus events to tenant integrations (PSA, ticketing)
// ============================================================================

const (
	deliveryRetries  = 3
	disableThreshold = 10
	queueDepth       = 1000
)

// Registry manages tenant webhook subscriptions in storage, so every
// instance delivers the same set.
type Registry struct {
	store  storage.Store
	logger *log.Logger
}

func NewRegistry(store storage.Store) *Registry {
	return &Registry{
		store:  store,
		logger: log.New(log.Writer(), "[WEBHOOKS-OUT] ", log.LstdFlags),
	}
}

// Subscribe registers an endpoint for a tenant. Empty EventTypes means every
// topic.
func (r *Registry) Subscribe(ctx context.Context, sub *core.WebhookSubscription) (*core.WebhookSubscription, error) {
	switch {
	case sub.TenantID == "":
		return nil, core.E(core.KindValidation, "tenant_id is required")
	case sub.URL == "":
		return nil, core.E(core.KindValidation, "url is required")
	}

	sub.ID = uuid.NewString()
	sub.Active = true
	sub.FailureCount = 0
	sub.CreatedAt = time.Now().Unix()
	if sub.EventTypes == nil {
		sub.EventTypes = []string{}
	}

	doc, err := storage.Encode(sub)
	if err != nil {
		return nil, err
	}
	if err := r.store.InsertOne(ctx, storage.CollSubscriptions, doc); err != nil {
		return nil, err
	}
	r.logger.Printf("registered webhook %s -> %s (events: %v)", sub.ID, sub.URL, sub.EventTypes)
	return sub, nil
}

// Unsubscribe removes an endpoint.
func (r *Registry) Unsubscribe(ctx context.Context, tenantID, id string) error {
	ok, err := r.store.DeleteOne(ctx, storage.CollSubscriptions,
		storage.Q(tenantID, storage.Eq("id", id)))
	if err != nil {
		return err
	}
	if !ok {
		return core.Ef(core.KindNotFound, "subscription %s not found", id)
	}
	return nil
}

// List returns a tenant's subscriptions.
func (r *Registry) List(ctx context.Context, tenantID string) ([]core.WebhookSubscription, error) {
	docs, err := r.store.Find(ctx, storage.CollSubscriptions,
		storage.Q(tenantID).SortBy("created_at", false))
	if err != nil {
		return nil, err
	}
	return storage.DecodeAll[core.WebhookSubscription](docs)
}

// matching returns the tenant's active subscriptions for one topic.
func (r *Registry) matching(ctx context.Context, tenantID, topic string) ([]core.WebhookSubscription, error) {
	docs, err := r.store.Find(ctx, storage.CollSubscriptions,
		storage.Q(tenantID, storage.Eq("active", true)))
	if err != nil {
		return nil, err
	}
	subs, err := storage.DecodeAll[core.WebhookSubscription](docs)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, s := range subs {
		if len(s.EventTypes) == 0 || containsString(s.EventTypes, topic) {
			out = append(out, s)
		}
	}
	return out, nil
}

// markFailed bumps the consecutive failure count and disables the endpoint
// at the threshold.
func (r *Registry) markFailed(ctx context.Context, sub *core.WebhookSubscription) {
	count := sub.FailureCount + 1
	set := storage.Doc{"failure_count": count}
	if count >= disableThreshold {
		set["active"] = false
		r.logger.Printf("webhook %s disabled after %d consecutive failures", sub.ID, count)
	}
	if _, err := r.store.UpdateOne(ctx, storage.CollSubscriptions,
		storage.Q(sub.TenantID, storage.Eq("id", sub.ID)), set); err != nil {
		r.logger.Printf("failure mark for %s failed: %v", sub.ID, err)
	}
}

func (r *Registry) markDelivered(ctx context.Context, sub *core.WebhookSubscription) {
	if sub.FailureCount == 0 {
		return
	}
	if _, err := r.store.UpdateOne(ctx, storage.CollSubscriptions,
		storage.Q(sub.TenantID, storage.Eq("id", sub.ID)),
		storage.Doc{"failure_count": 0}); err != nil {
		r.logger.Printf("failure reset for %s failed: %v", sub.ID, err)
	}
}

// SignPayload computes the hex HMAC-SHA-256 receivers verify against the
// X-AlertMesh-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Dispatcher pushes bus events to subscribed endpoints through a worker
// pool. Deliveries retry with attempt-squared backoff; a full queue drops
// rather than blocking the bus.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	queue    chan deliveryJob
	logger   *log.Logger
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool

	unsubscribe func()
}

type deliveryJob struct {
	sub     core.WebhookSubscription
	event   *events.Event
	payload []byte
	attempt int
}

func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan deliveryJob, queueDepth),
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Start subscribes the dispatcher to every bus topic.
func (d *Dispatcher) Start(bus *events.Bus) {
	ch := bus.Subscribe()
	d.unsubscribe = func() { bus.Unsubscribe(ch) }
	go func() {
		for ev := range ch {
			d.enqueue(ev)
		}
	}()
}

func (d *Dispatcher) enqueue(ev *events.Event) {
	if ev.TenantID == "" || ev.TenantID == storage.SystemScope {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	subs, err := d.registry.matching(ctx, ev.TenantID, ev.Topic)
	cancel()
	if err != nil {
		d.logger.Printf("subscription lookup for %s failed: %v", ev.TenantID, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := ev.JSON()
	if err != nil {
		d.logger.Printf("unencodable event %s dropped: %v", ev.ID, err)
		return
	}
	for _, sub := range subs {
		if !d.tryEnqueue(deliveryJob{sub: sub, event: ev, payload: payload, attempt: 1}) {
			d.logger.Printf("dropping event %s for %s", ev.ID, sub.ID)
		}
	}
}

// tryEnqueue refuses once shutdown has begun; a send on the closed queue
// would panic. A full queue drops rather than blocking the bus.
func (d *Dispatcher) tryEnqueue(job deliveryJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job deliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("request build for %s failed: %v", job.sub.URL, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AlertMesh-Event", job.event.Topic)
	req.Header.Set("X-AlertMesh-Event-ID", job.event.ID)
	req.Header.Set("X-AlertMesh-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-AlertMesh-Signature", "sha256="+SignPayload(job.payload, job.sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			d.registry.markDelivered(ctx, &job.sub)
			return
		}
		d.logger.Printf("webhook %s returned %d for %s", job.sub.URL, resp.StatusCode, job.event.Topic)
	} else {
		d.logger.Printf("delivery to %s failed: %v", job.sub.URL, err)
	}

	d.registry.markFailed(ctx, &job.sub)
	if job.attempt >= deliveryRetries || d.stopped() {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	d.tryEnqueue(job)
}

// Shutdown stops intake and drains in-flight deliveries. The closed flag
// flips before the channel closes so no late retry can send into it.
func (d *Dispatcher) Shutdown() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	close(d.queue)
	d.wg.Wait()
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

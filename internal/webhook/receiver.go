package webhook

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/ratelimit"
	"github.com/alertmesh/backend/internal/storage"
	"github.com/alertmesh/backend/internal/tenants"
)

// ============================================================================
// WEBHOOK RECEIVER - the ingestion pipeline
// ============================================================================
//
// Order is fixed: API key, rate limit, signature, dedup, persist. Rate
// limiting runs before signature verification so a flood of garbage cannot
// buy CPU time for HMAC checks.

// AlertPayload is the wire format monitoring tools post.
type AlertPayload struct {
	AssetName  string         `json:"asset_name"`
	Severity   string         `json:"severity"`
	Signature  string         `json:"signature"`
	Message    string         `json:"message"`
	ToolSource string         `json:"tool_source"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IngestRequest carries the raw request parts the pipeline needs.
type IngestRequest struct {
	APIKey     string
	Timestamp  string // X-Timestamp header
	Signature  string // X-Signature header
	DeliveryID string // X-Delivery-ID header, fallback for the body field
	Body       []byte
}

// IngestResult is returned even on rejection so the HTTP layer can always
// set the rate limit headers.
type IngestResult struct {
	TenantID  string
	Alert     *core.Alert
	Duplicate bool
	Rate      ratelimit.Decision
}

// Trigger pokes the correlation engine after an ingest; the engine also
// sweeps on its own ticker, so a missed trigger only delays grouping.
type Trigger interface {
	Trigger(tenantID string)
}

type Receiver struct {
	store      storage.Store
	directory  *tenants.Manager
	configs    *tenants.ConfigCache
	limiter    *ratelimit.Limiter
	bus        events.Emitter
	correlator Trigger
	dedupHours int
	logger     *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() int64
}

func NewReceiver(store storage.Store, directory *tenants.Manager, configs *tenants.ConfigCache,
	limiter *ratelimit.Limiter, bus events.Emitter, dedupHours int) *Receiver {
	if dedupHours <= 0 {
		dedupHours = 24
	}
	return &Receiver{
		store:      store,
		directory:  directory,
		configs:    configs,
		limiter:    limiter,
		bus:        bus,
		dedupHours: dedupHours,
		logger:     log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
		locks:      make(map[string]*sync.Mutex),
		now:        func() int64 { return time.Now().Unix() },
	}
}

// SetCorrelator wires the opportunistic correlation trigger; optional.
func (r *Receiver) SetCorrelator(t Trigger) { r.correlator = t }

func (r *Receiver) tenantLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[tenantID] = lock
	}
	return lock
}

// Ingest runs the pipeline for one delivery.
func (r *Receiver) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	result := &IngestResult{}

	tenant, err := r.directory.ValidateAPIKey(ctx, req.APIKey)
	if err != nil {
		return result, err
	}
	result.TenantID = tenant.ID

	decision, err := r.limiter.Allow(ctx, tenant.ID)
	if err != nil {
		return result, err
	}
	result.Rate = decision
	if !decision.Allowed {
		return result, core.E(core.KindRateLimited, "rate limit exceeded")
	}

	cfg := r.configs.Get(ctx, tenant.ID)
	if cfg.Webhook.HMACEnabled {
		secret := cfg.Webhook.Secret
		if secret == "" {
			secret = tenant.HMACSecret
		}
		if err := VerifySignature(secret, req.Timestamp, req.Signature,
			req.Body, cfg.Webhook.TimestampSkewSeconds, r.now()); err != nil {
			return result, err
		}
	}

	payload, err := parsePayload(req.Body)
	if err != nil {
		return result, err
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = req.DeliveryID
	}

	// Serialize dedup-check through insert per tenant so a burst of retries
	// for the same delivery cannot slip past the guard.
	lock := r.tenantLock(tenant.ID)
	lock.Lock()
	defer lock.Unlock()

	key := DedupKey(tenant.ID, payload, req.Body)
	existing, err := lookup(ctx, r.store, tenant.ID, key)
	if err != nil {
		return result, err
	}
	if existing != nil {
		bumped, err := bumpAttempts(ctx, r.store, existing)
		if err != nil {
			return result, err
		}
		result.Alert = bumped
		result.Duplicate = true
		return result, nil
	}

	if err := r.ensureAsset(ctx, tenant, payload); err != nil {
		return result, err
	}

	now := r.now()
	ts := payload.Timestamp
	if ts == 0 || ts > now {
		ts = now
	}
	alert := &core.Alert{
		ID:               uuid.NewString(),
		TenantID:         tenant.ID,
		AssetName:        payload.AssetName,
		Signature:        payload.Signature,
		Severity:         core.NormalizeSeverity(payload.Severity),
		Message:          payload.Message,
		ToolSource:       payload.ToolSource,
		Timestamp:        ts,
		DeliveryID:       payload.DeliveryID,
		DedupKey:         key,
		DeliveryAttempts: 1,
		Metadata:         payload.Metadata,
		ExpiresAt:        now + int64(r.dedupHours)*3600,
	}

	doc, err := storage.Encode(alert)
	if err != nil {
		return result, err
	}
	if err := r.store.InsertOne(ctx, storage.CollAlerts, doc); err != nil {
		return result, err
	}

	r.bus.Emit(events.TopicAlertIngested, tenant.ID, alert.ID, map[string]interface{}{
		"asset_name": alert.AssetName,
		"signature":  alert.Signature,
		"severity":   string(alert.Severity),
	})

	if r.correlator != nil && cfg.Correlate.AutoCorrelate {
		r.correlator.Trigger(tenant.ID)
	}

	result.Alert = alert
	return result, nil
}

func parsePayload(body []byte) (AlertPayload, error) {
	var p AlertPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, core.Wrap(core.KindValidation, "malformed alert payload", err)
	}
	p.AssetName = strings.TrimSpace(p.AssetName)
	p.Signature = strings.TrimSpace(p.Signature)
	p.Severity = strings.TrimSpace(p.Severity)
	p.Message = strings.TrimSpace(p.Message)
	p.ToolSource = strings.TrimSpace(p.ToolSource)
	switch {
	case p.AssetName == "":
		return p, core.E(core.KindValidation, "asset_name is required")
	case p.Signature == "":
		return p, core.E(core.KindValidation, "signature is required")
	case p.Severity == "":
		return p, core.E(core.KindValidation, "severity is required")
	case p.Message == "":
		return p, core.E(core.KindValidation, "message is required")
	case p.ToolSource == "":
		return p, core.E(core.KindValidation, "tool_source is required")
	}
	return p, nil
}

// ensureAsset auto-creates the asset row on first reference, marking it
// critical when the tenant lists it.
func (r *Receiver) ensureAsset(ctx context.Context, tenant *core.Tenant, p AlertPayload) error {
	_, err := r.store.FindOne(ctx, storage.CollAssets,
		storage.Q(tenant.ID, storage.Eq("name", p.AssetName)))
	if err == nil {
		return nil
	}
	if !core.IsKind(err, core.KindNotFound) {
		return err
	}

	asset := &core.Asset{
		ID:         uuid.NewString(),
		TenantID:   tenant.ID,
		Name:       p.AssetName,
		Type:       assetType(p.Metadata),
		IsCritical: tenant.IsCriticalAsset(p.AssetName),
		Tags:       []string{p.ToolSource},
		CreatedAt:  r.now(),
	}
	doc, err := storage.Encode(asset)
	if err != nil {
		return err
	}
	if err := r.store.InsertOne(ctx, storage.CollAssets, doc); err != nil {
		return err
	}
	r.logger.Printf("auto-created asset %q for tenant %s (critical=%v)",
		asset.Name, tenant.ID, asset.IsCritical)
	return nil
}

func assetType(metadata map[string]any) string {
	if t, ok := metadata["asset_type"].(string); ok && t != "" {
		return t
	}
	return "host"
}

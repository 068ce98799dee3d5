package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/storage"
)

// ============================================================================
// IDEMPOTENCY GUARD
// ============================================================================

// DedupKey derives the idempotency key for a delivery. A caller-supplied
// delivery id wins; otherwise the key is a fingerprint of the identifying
// fields plus the raw body, so retried posts collapse while genuinely new
// alerts never do.
func DedupKey(tenantID string, p AlertPayload, body []byte) string {
	if p.DeliveryID != "" {
		return "d:" + p.DeliveryID
	}
	h := sha256.New()
	for _, part := range []string{tenantID, p.AssetName, p.Signature, p.Message} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return "f:" + hex.EncodeToString(h.Sum(nil))
}

const bumpRetries = 3

// lookup returns the live alert carrying key, or nil. Alert rows expire at
// the dedup horizon, so visibility is the 24h window.
func lookup(ctx context.Context, store storage.Store, tenantID, key string) (*core.Alert, error) {
	doc, err := store.FindOne(ctx, storage.CollAlerts,
		storage.Q(tenantID, storage.Eq("dedup_key", key)))
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var alert core.Alert
	if err := storage.Decode(doc, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// bumpAttempts increments delivery_attempts with a compare-and-set so
// concurrent duplicate deliveries never lose a count.
func bumpAttempts(ctx context.Context, store storage.Store, alert *core.Alert) (*core.Alert, error) {
	current := alert
	for attempt := 0; attempt < bumpRetries; attempt++ {
		ok, err := store.UpdateOne(ctx, storage.CollAlerts,
			storage.Q(current.TenantID,
				storage.Eq("id", current.ID),
				storage.Eq("delivery_attempts", current.DeliveryAttempts)),
			storage.Doc{"delivery_attempts": current.DeliveryAttempts + 1})
		if err != nil {
			return nil, err
		}
		if ok {
			bumped := *current
			bumped.DeliveryAttempts++
			return &bumped, nil
		}

		// Lost the race; re-read and try again.
		fresh, err := lookup(ctx, store, current.TenantID, current.DedupKey)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			// Aged out between reads; treat the caller's copy as final.
			return current, nil
		}
		current = fresh
	}
	return current, nil
}

package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/storage"
)

const windowSeconds = 60

// ConfigSource yields the tenant's current settings; the config cache
// satisfies it.
type ConfigSource interface {
	Get(ctx context.Context, tenantID string) *core.TenantConfig
}

// Decision carries everything the HTTP layer needs to answer, including the
// reject headers.
type Decision struct {
	Allowed    bool
	Limit      int   // requests per minute
	Burst      int   // hard ceiling within the window
	Remaining  int   // admissions left before the ceiling
	RetryAfter int64 // seconds until the earliest in-window event ages out
}

// Limiter implements a sliding 60-second window per tenant. Window state
// lives in the rate_events collection so every instance sees the same
// counts; a per-tenant mutex keeps the local check-then-insert step from
// racing with itself.
type Limiter struct {
	store   storage.Store
	configs ConfigSource
	logger  *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() int64
}

func NewLimiter(store storage.Store, configs ConfigSource) *Limiter {
	return &Limiter{
		store:   store,
		configs: configs,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		locks:   make(map[string]*sync.Mutex),
		now:     func() int64 { return time.Now().Unix() },
	}
}

func (l *Limiter) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[tenantID] = lock
	}
	return lock
}

// Allow admits or rejects one request for the tenant. Admission records an
// event in the window; rejection records nothing, so a rejected burst does
// not extend its own penalty.
func (l *Limiter) Allow(ctx context.Context, tenantID string) (Decision, error) {
	cfg := l.configs.Get(ctx, tenantID).RateLimit

	ceiling := cfg.RequestsPerMinute
	if cfg.BurstSize > ceiling {
		ceiling = cfg.BurstSize
	}
	decision := Decision{Limit: cfg.RequestsPerMinute, Burst: ceiling}

	if !cfg.Enabled {
		decision.Allowed = true
		decision.Remaining = ceiling
		return decision, nil
	}

	lock := l.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	now := l.now()
	cutoff := now - windowSeconds

	// Drop events that slid out of the window before counting.
	if _, err := l.store.DeleteMany(ctx, storage.CollRateEvents,
		storage.Q(tenantID, storage.Lte("timestamp", cutoff))); err != nil {
		return decision, err
	}

	count, err := l.store.Count(ctx, storage.CollRateEvents,
		storage.Q(tenantID, storage.Gt("timestamp", cutoff)))
	if err != nil {
		return decision, err
	}

	if count >= ceiling {
		decision.Remaining = 0
		decision.RetryAfter = l.retryAfter(ctx, tenantID, cutoff, now)
		l.logger.Printf("tenant %s rejected: %d events in window, ceiling %d", tenantID, count, ceiling)
		return decision, nil
	}

	event := storage.Doc{
		"id":         uuid.NewString(),
		"tenant_id":  tenantID,
		"timestamp":  now,
		"expires_at": now + 2*windowSeconds,
	}
	if err := l.store.InsertOne(ctx, storage.CollRateEvents, event); err != nil {
		return decision, err
	}

	decision.Allowed = true
	decision.Remaining = ceiling - count - 1
	return decision, nil
}

// retryAfter reports when the oldest in-window event leaves the window.
// Never less than one second, so clients always back off.
func (l *Limiter) retryAfter(ctx context.Context, tenantID string, cutoff, now int64) int64 {
	docs, err := l.store.Find(ctx, storage.CollRateEvents,
		storage.Q(tenantID, storage.Gt("timestamp", cutoff)).SortBy("timestamp", false).Take(1))
	if err != nil || len(docs) == 0 {
		return windowSeconds
	}
	oldest, ok := docs[0]["timestamp"].(float64)
	if !ok {
		return windowSeconds
	}
	wait := int64(oldest) + windowSeconds - now
	if wait < 1 {
		wait = 1
	}
	return wait
}

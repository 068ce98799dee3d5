package tenants

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/storage"
)

// ============================================================================
// TENANT CONFIG CACHE - per-tenant runtime settings with a 60s TTL
// ============================================================================

// Defaults seed the config row auto-created on a tenant's first lookup.
type Defaults struct {
	WindowSeconds     int
	RequestsPerMinute int
	BurstSize         int
}

type cacheEntry struct {
	cfg      *core.TenantConfig
	loadedAt time.Time
}

// ConfigCache serves tenant configs from memory, reloading entries older
// than the TTL. Stale reads inside the TTL are acceptable; the
// config.invalidated topic shortens the window when an update happens on
// another instance.
type ConfigCache struct {
	mu       sync.RWMutex
	entries  map[string]cacheEntry
	store    storage.Store
	defaults Defaults
	ttl      time.Duration
	emitter  events.Emitter
}

func NewConfigCache(store storage.Store, defaults Defaults, emitter events.Emitter) *ConfigCache {
	return &ConfigCache{
		entries:  make(map[string]cacheEntry),
		store:    store,
		defaults: defaults,
		ttl:      60 * time.Second,
		emitter:  emitter,
	}
}

// Get returns the tenant's config. On first call it loads from storage and
// caches; if no row exists it creates one with defaults. Storage failures
// fall back to defaults with a warning rather than failing the caller.
func (c *ConfigCache) Get(ctx context.Context, tenantID string) *core.TenantConfig {
	c.mu.RLock()
	if entry, ok := c.entries[tenantID]; ok && time.Since(entry.loadedAt) < c.ttl {
		c.mu.RUnlock()
		return entry.cfg
	}
	c.mu.RUnlock()

	cfg, err := c.load(ctx, tenantID)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			cfg = core.DefaultTenantConfig(tenantID,
				int64(c.defaults.WindowSeconds), c.defaults.RequestsPerMinute, c.defaults.BurstSize)
			if persistErr := c.persist(ctx, cfg); persistErr != nil {
				slog.Warn("failed to create default tenant config",
					"tenant_id", tenantID, "error", persistErr)
			}
		} else {
			slog.Warn("failed to load tenant config, using defaults",
				"tenant_id", tenantID, "error", err)
			cfg = core.DefaultTenantConfig(tenantID,
				int64(c.defaults.WindowSeconds), c.defaults.RequestsPerMinute, c.defaults.BurstSize)
		}
	}

	c.mu.Lock()
	c.entries[tenantID] = cacheEntry{cfg: cfg, loadedAt: time.Now()}
	c.mu.Unlock()

	return cfg
}

// Update validates, persists, and re-caches the config, then announces the
// change so other instances drop their cached copy.
func (c *ConfigCache) Update(ctx context.Context, cfg *core.TenantConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now().Unix()
	if err := c.persist(ctx, cfg); err != nil {
		return err
	}

	c.mu.Lock()
	c.entries[cfg.TenantID] = cacheEntry{cfg: cfg, loadedAt: time.Now()}
	c.mu.Unlock()

	if c.emitter != nil {
		c.emitter.Emit(events.TopicConfigInvalidated, cfg.TenantID, cfg.ID, nil)
	}
	return nil
}

// Invalidate drops a tenant's cached config, forcing a reload on next Get.
func (c *ConfigCache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
	slog.Info("tenant config cache invalidated", "tenant_id", tenantID)
}

// WatchInvalidations drops cache entries when other instances announce
// config updates. Runs until the subscription channel closes.
func (c *ConfigCache) WatchInvalidations(bus *events.Bus) func() {
	ch := bus.Subscribe(events.TopicConfigInvalidated)
	go func() {
		for ev := range ch {
			c.Invalidate(ev.TenantID)
		}
	}()
	return func() { bus.Unsubscribe(ch) }
}

func (c *ConfigCache) load(ctx context.Context, tenantID string) (*core.TenantConfig, error) {
	doc, err := c.store.FindOne(ctx, storage.CollTenantConfigs,
		storage.Q(tenantID, storage.Eq("tenant_id", tenantID)))
	if err != nil {
		return nil, err
	}
	var cfg core.TenantConfig
	if err := storage.Decode(doc, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ConfigCache) persist(ctx context.Context, cfg *core.TenantConfig) error {
	doc, err := storage.Encode(cfg)
	if err != nil {
		return err
	}
	return c.store.InsertOne(ctx, storage.CollTenantConfigs, doc)
}

package tenants

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/storage"
)

func testDefaults() Defaults {
	return Defaults{WindowSeconds: 300, RequestsPerMinute: 120, BurstSize: 20}
}

func TestConfigCacheAutoCreatesDefaults(t *testing.T) {
	store := storage.NewMemory()
	cache := NewConfigCache(store, testDefaults(), nil)
	ctx := context.Background()

	cfg := cache.Get(ctx, "acme")
	require.NotNil(t, cfg)
	assert.Equal(t, "acme", cfg.TenantID)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.EqualValues(t, 300, cfg.Correlate.TimeWindowSeconds)

	// The default row was persisted, not just cached.
	doc, err := store.FindOne(ctx, storage.CollTenantConfigs,
		storage.Q("acme", storage.Eq("tenant_id", "acme")))
	require.NoError(t, err)
	assert.Equal(t, "acme", doc["id"])
}

func TestConfigCacheServesCachedCopyWithinTTL(t *testing.T) {
	store := storage.NewMemory()
	cache := NewConfigCache(store, testDefaults(), nil)
	ctx := context.Background()

	first := cache.Get(ctx, "acme")

	// Mutate storage behind the cache's back; inside the TTL the cache
	// still serves the old copy.
	_, err := store.UpdateOne(ctx, storage.CollTenantConfigs,
		storage.Q("acme", storage.Eq("tenant_id", "acme")),
		storage.Doc{"rate_limit": map[string]any{"requests_per_minute": 500, "burst_size": 600, "enabled": true}})
	require.NoError(t, err)

	again := cache.Get(ctx, "acme")
	assert.Equal(t, first.RateLimit.RequestsPerMinute, again.RateLimit.RequestsPerMinute)

	// Expire the entry and the reload picks up the new value.
	cache.mu.Lock()
	entry := cache.entries["acme"]
	entry.loadedAt = time.Now().Add(-2 * time.Minute)
	cache.entries["acme"] = entry
	cache.mu.Unlock()

	reloaded := cache.Get(ctx, "acme")
	assert.Equal(t, 500, reloaded.RateLimit.RequestsPerMinute)
}

func TestConfigCacheUpdateValidatesAndAnnounces(t *testing.T) {
	store := storage.NewMemory()
	bus := events.NewBus()
	cache := NewConfigCache(store, testDefaults(), bus)
	ctx := context.Background()

	ch := bus.Subscribe(events.TopicConfigInvalidated)
	defer bus.Unsubscribe(ch)

	cfg := cache.Get(ctx, "acme")
	bad := *cfg
	bad.Correlate.TimeWindowSeconds = 10
	err := cache.Update(ctx, &bad)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	good := *cfg
	good.RateLimit.RequestsPerMinute = 240
	good.RateLimit.BurstSize = 240
	require.NoError(t, cache.Update(ctx, &good))

	select {
	case ev := <-ch:
		assert.Equal(t, "acme", ev.TenantID)
	case <-time.After(time.Second):
		t.Fatal("expected config.invalidated event")
	}

	assert.Equal(t, 240, cache.Get(ctx, "acme").RateLimit.RequestsPerMinute)
}

func TestConfigCacheWatchInvalidations(t *testing.T) {
	store := storage.NewMemory()
	bus := events.NewBus()
	cache := NewConfigCache(store, testDefaults(), nil)
	ctx := context.Background()

	stop := cache.WatchInvalidations(bus)
	defer stop()

	cache.Get(ctx, "acme")
	_, err := store.UpdateOne(ctx, storage.CollTenantConfigs,
		storage.Q("acme", storage.Eq("tenant_id", "acme")),
		storage.Doc{"rate_limit": map[string]any{"requests_per_minute": 77, "burst_size": 80, "enabled": true}})
	require.NoError(t, err)

	bus.Emit(events.TopicConfigInvalidated, "acme", "", nil)

	// The watcher runs async; poll briefly for the reload.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cache.Get(ctx, "acme").RateLimit.RequestsPerMinute == 77 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cache was not invalidated by the bus event")
}

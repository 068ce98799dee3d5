package storage

import (
	"context"
	"log"
	"time"
)

// sweeper is implemented by adapters that need explicit expiry removal.
// Redis handles TTLs natively and does not implement it.
type sweeper interface {
	Sweep(collection, tenantID string, now int64) int
}

// Reaper physically removes expired documents on an hourly cadence. Reads
// already hide expired documents, so the reaper only reclaims space; nothing
// depends on its timing.
type Reaper struct {
	store       Store
	listTenants func(context.Context) ([]string, error)
	interval    time.Duration
	stopCh      chan struct{}
	logger      *log.Logger
}

func NewReaper(store Store, listTenants func(context.Context) ([]string, error), interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	r := &Reaper{
		store:       store,
		listTenants: listTenants,
		interval:    interval,
		stopCh:      make(chan struct{}),
		logger:      log.New(log.Writer(), "[REAPER] ", log.LstdFlags),
	}
	go r.run()
	return r
}

func (r *Reaper) run() {
	sw, ok := r.store.(sweeper)
	if !ok {
		r.logger.Printf("backend expires documents natively, reaper idle")
		<-r.stopCh
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepAll(sw)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reaper) sweepAll(sw sweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tenants, err := r.listTenants(ctx)
	if err != nil {
		r.logger.Printf("tenant listing failed, skipping sweep: %v", err)
		return
	}
	// Directory collections (refresh tokens) live under the system scope.
	tenants = append(tenants, SystemScope)

	now := time.Now().Unix()
	removed := 0
	for _, coll := range ttlCollections {
		for _, tenant := range tenants {
			removed += sw.Sweep(coll, tenant, now)
		}
	}
	if removed > 0 {
		r.logger.Printf("removed %d expired documents across %d collections", removed, len(ttlCollections))
	}
}

func (r *Reaper) Stop() {
	close(r.stopCh)
}

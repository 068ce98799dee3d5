// Command server boots the AlertMesh backend: storage, the event bus, every
// background worker, and the HTTP API, wired from one config tree and torn
// down in reverse on SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/alertmesh/backend/internal/advisor"
	"github.com/alertmesh/backend/internal/api"
	"github.com/alertmesh/backend/internal/approval"
	"github.com/alertmesh/backend/internal/assign"
	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/auth"
	"github.com/alertmesh/backend/internal/config"
	"github.com/alertmesh/backend/internal/correlate"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/kpi"
	"github.com/alertmesh/backend/internal/metrics"
	"github.com/alertmesh/backend/internal/notify"
	"github.com/alertmesh/backend/internal/ratelimit"
	"github.com/alertmesh/backend/internal/remediate"
	"github.com/alertmesh/backend/internal/sla"
	"github.com/alertmesh/backend/internal/storage"
	"github.com/alertmesh/backend/internal/tenants"
	"github.com/alertmesh/backend/internal/webhook"
	"github.com/alertmesh/backend/internal/ws"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load(os.Getenv("AM_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("storage (%s): %v", cfg.Storage.Backend, err)
	}
	defer store.Close()
	log.Printf("storage backend: %s", cfg.Storage.Backend)

	// The in-process bus always runs; Pub/Sub is a durable mirror on top.
	bus := events.NewBus()
	var emitter events.Emitter = bus
	if cfg.Events.PubSubEnabled {
		pb, err := events.NewPubSubBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic, cfg.Events.CredentialsFile)
		if err != nil {
			log.Printf("pubsub mirror unavailable, continuing in-process only: %v", err)
		} else {
			bus = pb.Bus
			emitter = pb
			defer pb.Close()
		}
	}

	// ------------------------------------------------------------------
	// Services
	// ------------------------------------------------------------------

	recorder := audit.NewRecorder(store)
	directory := tenants.NewManager(store)
	configs := tenants.NewConfigCache(store, tenants.Defaults{
		WindowSeconds:     cfg.Correlate.DefaultWindowSeconds,
		RequestsPerMinute: cfg.Ingest.DefaultRequestsPerMinute,
		BurstSize:         cfg.Ingest.DefaultBurstSize,
	}, emitter)
	unwatch := configs.WatchInvalidations(bus)
	defer unwatch()

	limiter := ratelimit.NewLimiter(store, configs)
	receiver := webhook.NewReceiver(store, directory, configs, limiter, emitter, cfg.Ingest.DedupWindowHours)

	assigner := assign.NewEngine(store, emitter, recorder)
	correlator := correlate.NewEngine(store, configs, directory, emitter,
		time.Duration(cfg.Correlate.IntervalSeconds)*time.Second)
	correlator.SetAssigner(assigner)
	receiver.SetCorrelator(correlator)

	approvals := approval.NewService(store, emitter, recorder)
	notifier := notify.NewNotifier(store, emitter, nil)
	registry := notify.NewRegistry(store)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.AccessTokenMinutes)*time.Minute)
	authSvc := auth.NewService(store, tokens, directory, recorder,
		time.Duration(cfg.Auth.RefreshTokenDays)*24*time.Hour)
	if err := authSvc.Bootstrap(ctx, cfg.Auth.BootstrapEmail, cfg.Auth.BootstrapPassword); err != nil {
		log.Fatalf("bootstrap admin: %v", err)
	}

	ops := metrics.New()
	runbooks := remediate.NewRunbooks(store, recorder)
	dispatcher := remediate.NewDispatcher(store, emitter, recorder, approvals, notifier,
		directory, buildProvider(cfg), ops)
	monitor := sla.NewMonitor(store, emitter, notifier, recorder, directory, ops,
		time.Duration(cfg.SLA.ScanIntervalMinutes)*time.Minute)
	hub := ws.NewHub(ops)

	var advisorSvc *advisor.Service
	if cfg.Advisor.Enabled {
		advisorSvc = advisor.NewService(advisor.NewAnthropicAdvisor("", cfg.Advisor.Model), store)
		log.Printf("advisor enabled: %s", cfg.Advisor.Model)
	} else {
		advisorSvc = advisor.NewService(nil, store)
	}

	// ------------------------------------------------------------------
	// Workers
	// ------------------------------------------------------------------

	reaper := storage.NewReaper(store, directory.IDs, time.Hour)
	defer reaper.Stop()

	correlator.Start()
	defer correlator.Stop()
	monitor.Start()
	defer monitor.Stop()
	dispatcher.Start(bus)
	defer func() {
		dispatcher.Stop()
		dispatcher.Drain()
	}()
	hub.Start(bus)
	defer hub.Stop()

	outbound := notify.NewDispatcher(registry, 4)
	if cfg.Notify.CloudTasksEnabled {
		ct, err := notify.NewCloudTasksDispatcher(registry, cfg.Notify.CloudTasksProject,
			cfg.Notify.CloudTasksLocation, cfg.Notify.CloudTasksQueue, outbound)
		if err != nil {
			log.Printf("cloud tasks unavailable, using direct delivery: %v", err)
			outbound.Start(bus)
			defer outbound.Shutdown()
		} else {
			ct.Start(bus)
			defer ct.Shutdown()
		}
	} else {
		outbound.Start(bus)
		defer outbound.Shutdown()
	}

	// ------------------------------------------------------------------
	// HTTP
	// ------------------------------------------------------------------

	server := api.NewServer(api.Deps{
		Store:          store,
		Auth:           authSvc,
		Tenants:        directory,
		Configs:        configs,
		Receiver:       receiver,
		Correlator:     correlator,
		Assigner:       assigner,
		Approvals:      approvals,
		Runbooks:       runbooks,
		Dispatcher:     dispatcher,
		Notifier:       notifier,
		Registry:       registry,
		Advisor:        advisorSvc,
		KPIs:           kpi.NewAggregator(store, nil),
		Audit:          recorder,
		Hub:            hub,
		Ops:            ops,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (env %s)", httpSrv.Addr, cfg.Server.Env)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received")
	case err := <-errCh:
		log.Fatalf("http server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := recorder.Flush(shutdownCtx); err != nil {
		log.Printf("audit flush: %v", err)
	}
	log.Println("bye")
}

// openStore selects the storage backend from config.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "redis":
		return storage.NewRedis(cfg.Storage.RedisAddr, cfg.Storage.RedisPass,
			cfg.Storage.RedisDB, cfg.Storage.TablePrefix)
	case "postgres":
		pg, err := storage.NewPostgres(cfg.Storage.PostgresDSN, cfg.Storage.TablePrefix)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return storage.NewMemory(), nil
	}
}

// buildProvider picks the remediation executor stack: per-tenant SSM when
// enabled, the docker sandbox as the shared fallback.
func buildProvider(cfg *config.Config) remediate.Provider {
	var fallback remediate.Executor
	if cfg.Remediate.SandboxEnabled {
		fallback = remediate.NewSandboxExecutor(cfg.Remediate.SandboxImage)
	}
	if cfg.AWS.SSMEnabled {
		return remediate.SSMProvider{Fallback: fallback}
	}
	if fallback != nil {
		return &remediate.StaticProvider{Exec: fallback}
	}
	// No executor configured: tenants with their own AWS integration can
	// still remediate through SSM.
	return remediate.SSMProvider{}
}

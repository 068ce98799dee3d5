// Package api is the HTTP surface: one gorilla/mux router, JSON in and out,
// error kinds mapped to statuses. Handlers stay thin; behavior lives in the
// service packages and the router only translates HTTP to calls and errors
// to `{error, detail}` bodies.
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alertmesh/backend/internal/advisor"
	"github.com/alertmesh/backend/internal/approval"
	"github.com/alertmesh/backend/internal/assign"
	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/auth"
	"github.com/alertmesh/backend/internal/correlate"
	"github.com/alertmesh/backend/internal/kpi"
	"github.com/alertmesh/backend/internal/metrics"
	"github.com/alertmesh/backend/internal/notify"
	"github.com/alertmesh/backend/internal/remediate"
	"github.com/alertmesh/backend/internal/storage"
	"github.com/alertmesh/backend/internal/tenants"
	"github.com/alertmesh/backend/internal/webhook"
	"github.com/alertmesh/backend/internal/ws"
)

// Deps is everything the router dispatches into. Optional fields are
// documented; the rest must be set.
type Deps struct {
	Store      storage.Store
	Auth       *auth.Service
	Tenants    *tenants.Manager
	Configs    *tenants.ConfigCache
	Receiver   *webhook.Receiver
	Correlator *correlate.Engine
	Assigner   *assign.Engine
	Approvals  *approval.Service
	Runbooks   *remediate.Runbooks
	Dispatcher *remediate.Dispatcher
	Notifier   *notify.Notifier
	Registry   *notify.Registry
	Advisor    *advisor.Service // optional; nil disables the endpoint
	KPIs       *kpi.Aggregator
	Audit      *audit.Recorder
	Hub        *ws.Hub
	Ops        *metrics.Metrics // optional

	RequestTimeout time.Duration
}

type Server struct {
	store      storage.Store
	auth       *auth.Service
	tenants    *tenants.Manager
	configs    *tenants.ConfigCache
	receiver   *webhook.Receiver
	correlator *correlate.Engine
	assigner   *assign.Engine
	approvals  *approval.Service
	runbooks   *remediate.Runbooks
	dispatcher *remediate.Dispatcher
	notifier   *notify.Notifier
	registry   *notify.Registry
	advisor    *advisor.Service
	kpis       *kpi.Aggregator
	audit      *audit.Recorder
	hub        *ws.Hub
	ops        *metrics.Metrics

	requestTimeout time.Duration
	logger         *log.Logger
}

func NewServer(d Deps) *Server {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 15 * time.Second
	}
	return &Server{
		store:          d.Store,
		auth:           d.Auth,
		tenants:        d.Tenants,
		configs:        d.Configs,
		receiver:       d.Receiver,
		correlator:     d.Correlator,
		assigner:       d.Assigner,
		approvals:      d.Approvals,
		runbooks:       d.Runbooks,
		dispatcher:     d.Dispatcher,
		notifier:       d.Notifier,
		registry:       d.Registry,
		advisor:        d.Advisor,
		kpis:           d.KPIs,
		audit:          d.Audit,
		hub:            d.Hub,
		ops:            d.Ops,
		requestTimeout: d.RequestTimeout,
		logger:         log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(cors, s.logRequests, s.withTimeout)

	// Root-level operational endpoints.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// Public: machine ingest authenticates by API key, auth endpoints by
	// credentials they carry.
	api.HandleFunc("/webhooks/alerts", s.handleIngest).Methods("POST")
	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")

	// Everything else requires a verified access token.
	priv := api.NewRoute().Subrouter()
	priv.Use(s.authenticate)

	priv.HandleFunc("/auth/logout-all", s.handleLogoutAll).Methods("POST")

	priv.HandleFunc("/tenants", s.handleListTenants).Methods("GET")
	priv.HandleFunc("/tenants", s.handleCreateTenant).Methods("POST")
	priv.HandleFunc("/tenants/{id}", s.handleGetTenant).Methods("GET")
	priv.HandleFunc("/tenants/{id}", s.handleUpdateTenant).Methods("PUT")
	priv.HandleFunc("/tenants/{id}", s.handleDeleteTenant).Methods("DELETE")
	priv.HandleFunc("/tenants/{id}/rotate-api-key", s.handleRotateAPIKey).Methods("POST")
	priv.HandleFunc("/tenants/{id}/config", s.handleGetConfig).Methods("GET")
	priv.HandleFunc("/tenants/{id}/config", s.handlePutConfig).Methods("PUT")

	priv.HandleFunc("/alerts", s.handleListAlerts).Methods("GET")

	priv.HandleFunc("/incidents", s.handleListIncidents).Methods("GET")
	priv.HandleFunc("/incidents/correlate", s.handleCorrelate).Methods("POST")
	priv.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods("GET")
	priv.HandleFunc("/incidents/{id}/assign", s.handleAssign).Methods("POST")
	priv.HandleFunc("/incidents/{id}/execute-runbook", s.handleExecuteRunbook).Methods("POST")
	priv.HandleFunc("/incidents/{id}/executions", s.handleListExecutions).Methods("GET")

	priv.HandleFunc("/approval-requests", s.handleListApprovals).Methods("GET")
	priv.HandleFunc("/approval-requests", s.handleDecideApproval).Methods("POST")

	priv.HandleFunc("/runbooks", s.handleListRunbooks).Methods("GET")
	priv.HandleFunc("/runbooks", s.handleCreateRunbook).Methods("POST")
	priv.HandleFunc("/runbooks/{id}", s.handleGetRunbook).Methods("GET")
	priv.HandleFunc("/runbooks/{id}", s.handleUpdateRunbook).Methods("PUT")
	priv.HandleFunc("/runbooks/{id}", s.handleDeleteRunbook).Methods("DELETE")

	priv.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	priv.HandleFunc("/notifications/{id}/read", s.handleMarkNotificationRead).Methods("POST")

	priv.HandleFunc("/integrations/webhooks", s.handleListSubscriptions).Methods("GET")
	priv.HandleFunc("/integrations/webhooks", s.handleCreateSubscription).Methods("POST")
	priv.HandleFunc("/integrations/webhooks/{id}", s.handleDeleteSubscription).Methods("DELETE")

	priv.HandleFunc("/users", s.handleListUsers).Methods("GET")
	priv.HandleFunc("/users", s.handleCreateUser).Methods("POST")

	priv.HandleFunc("/audit-logs", s.handleListAuditLogs).Methods("GET")

	priv.HandleFunc("/metrics/realtime", s.handleRealtimeKPIs).Methods("GET")
	priv.HandleFunc("/metrics/before-after", s.handleBeforeAfterKPIs).Methods("GET")

	priv.HandleFunc("/advisor/incidents/{id}/recommendation", s.handleAdvisorRecommendation).Methods("GET")

	// The socket authenticates via ?token= inside the handler so the
	// identity survives the upgrade.
	api.HandleFunc("/ws", s.handleWS).Methods("GET")

	return r
}

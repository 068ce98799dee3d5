package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertmesh/backend/internal/advisor"
	"github.com/alertmesh/backend/internal/approval"
	"github.com/alertmesh/backend/internal/assign"
	"github.com/alertmesh/backend/internal/audit"
	"github.com/alertmesh/backend/internal/auth"
	"github.com/alertmesh/backend/internal/correlate"
	"github.com/alertmesh/backend/internal/events"
	"github.com/alertmesh/backend/internal/kpi"
	"github.com/alertmesh/backend/internal/notify"
	"github.com/alertmesh/backend/internal/ratelimit"
	"github.com/alertmesh/backend/internal/remediate"
	"github.com/alertmesh/backend/internal/storage"
	"github.com/alertmesh/backend/internal/tenants"
	"github.com/alertmesh/backend/internal/webhook"
	"github.com/alertmesh/backend/internal/ws"
)

// idleExecutor satisfies the executor contract for wiring; API tests never
// reach a live run.
type idleExecutor struct{}

func (idleExecutor) Execute(context.Context, []string, []string, time.Duration) (string, error) {
	return "cmd-1", nil
}

func (idleExecutor) Status(context.Context, string) (*remediate.Result, error) {
	return &remediate.Result{Status: "success"}, nil
}

type apiEnv struct {
	t         *testing.T
	ts        *httptest.Server
	store     *storage.Memory
	auth      *auth.Service
	directory *tenants.Manager
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	store := storage.NewMemory()
	bus := events.NewBus()
	recorder := audit.NewRecorder(store)
	directory := tenants.NewManager(store)
	configs := tenants.NewConfigCache(store, tenants.Defaults{
		WindowSeconds:     300,
		RequestsPerMinute: 5,
		BurstSize:         5,
	}, bus)
	limiter := ratelimit.NewLimiter(store, configs)
	receiver := webhook.NewReceiver(store, directory, configs, limiter, bus, 24)
	assigner := assign.NewEngine(store, bus, recorder)
	correlator := correlate.NewEngine(store, configs, directory, bus, time.Hour)
	correlator.SetAssigner(assigner)
	receiver.SetCorrelator(correlator)
	approvals := approval.NewService(store, bus, recorder)
	notifier := notify.NewNotifier(store, bus, nil)
	registry := notify.NewRegistry(store)
	tokens := auth.NewTokenManager("test-secret", time.Hour)
	authSvc := auth.NewService(store, tokens, directory, recorder, time.Hour)
	runbooks := remediate.NewRunbooks(store, recorder)
	dispatcher := remediate.NewDispatcher(store, bus, recorder, approvals, notifier, directory,
		&remediate.StaticProvider{Exec: idleExecutor{}}, nil)
	hub := ws.NewHub(nil)
	hub.Start(bus)
	t.Cleanup(hub.Stop)

	srv := NewServer(Deps{
		Store:      store,
		Auth:       authSvc,
		Tenants:    directory,
		Configs:    configs,
		Receiver:   receiver,
		Correlator: correlator,
		Assigner:   assigner,
		Approvals:  approvals,
		Runbooks:   runbooks,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Registry:   registry,
		Advisor:    advisor.NewService(nil, store),
		KPIs:       kpi.NewAggregator(store, nil),
		Audit:      recorder,
		Hub:        hub,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	require.NoError(t, authSvc.Bootstrap(context.Background(), "root@mesh.test", "root-password"))
	return &apiEnv{t: t, ts: ts, store: store, auth: authSvc, directory: directory}
}

// do runs one JSON request and decodes the response body into a map.
func (e *apiEnv) do(method, path, token string, body any) (*http.Response, map[string]any) {
	e.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(e.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *apiEnv) login(email, password string) string {
	e.t.Helper()
	resp, body := e.do("POST", "/api/auth/login", "", map[string]string{
		"email": email, "password": password,
	})
	require.Equal(e.t, http.StatusOK, resp.StatusCode, "login for %s: %v", email, body)
	tokens := body["tokens"].(map[string]any)
	return tokens["access_token"].(string)
}

func (e *apiEnv) adminToken() string { return e.login("root@mesh.test", "root-password") }

// ============================================================================
// AUTH + TENANTS
// ============================================================================

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do("GET", "/api/incidents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])
	assert.NotEmpty(t, body["detail"])
}

func TestTenantLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	token := env.adminToken()

	resp, body := env.do("POST", "/api/tenants", token, map[string]any{
		"name":            "Acme Corp",
		"critical_assets": []string{"db-primary"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	apiKey := body["api_key"].(string)
	assert.NotEmpty(t, apiKey)
	tenant := body["tenant"].(map[string]any)
	tenantID := tenant["id"].(string)
	assert.Empty(t, tenant["api_key_hash"])

	resp, _ = env.do("GET", "/api/tenants/"+tenantID, token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do("POST", "/api/tenants/"+tenantID+"/rotate-api-key", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, apiKey, body["api_key"])

	resp, _ = env.do("DELETE", "/api/tenants/"+tenantID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do("GET", "/api/tenants/"+tenantID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])
}

func TestTechnicianCannotManageTenants(t *testing.T) {
	env := newAPIEnv(t)
	admin := env.adminToken()

	resp, body := env.do("POST", "/api/tenants", admin, map[string]any{"name": "Tenant One"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tenantID := body["tenant"].(map[string]any)["id"].(string)

	resp, _ = env.do("POST", "/api/users", admin, map[string]any{
		"email": "tech@acme.test", "password": "tech-password",
		"role": "technician", "tenant_id": tenantID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tech := env.login("tech@acme.test", "tech-password")
	resp, errBody := env.do("POST", "/api/tenants", tech, map[string]any{"name": "Sneaky"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errBody["error"])
}

// ============================================================================
// INGEST
// ============================================================================

func (e *apiEnv) createTenant(token, name string) (id, apiKey string) {
	e.t.Helper()
	resp, body := e.do("POST", "/api/tenants", token, map[string]any{"name": name})
	require.Equal(e.t, http.StatusCreated, resp.StatusCode)
	return body["tenant"].(map[string]any)["id"].(string), body["api_key"].(string)
}

func (e *apiEnv) postAlert(apiKey string, payload map[string]any) (*http.Response, map[string]any) {
	e.t.Helper()
	return e.do("POST", "/api/webhooks/alerts?api_key="+apiKey, "", payload)
}

func TestIngestAcceptsAndDeduplicates(t *testing.T) {
	env := newAPIEnv(t)
	_, apiKey := env.createTenant(env.adminToken(), "Ingest Co")

	payload := map[string]any{
		"asset_name": "web-1", "signature": "disk-full",
		"severity": "high", "message": "disk 95%", "tool_source": "datadog",
		"delivery_id": "d-1",
	}
	resp, body := env.postAlert(apiKey, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	assert.Equal(t, false, body["duplicate"])
	assert.NotEmpty(t, body["alert_id"])
	assert.NotZero(t, body["created_at"])
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))

	resp, body = env.postAlert(apiKey, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, float64(2), body["delivery_attempts"])
}

func TestIngestRejectsBadKey(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.postAlert("amk_bogus.nope", map[string]any{
		"asset_name": "web-1", "signature": "x", "severity": "low", "message": "m", "tool_source": "t",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])
}

func TestIngestRateLimitHeaders(t *testing.T) {
	env := newAPIEnv(t)
	_, apiKey := env.createTenant(env.adminToken(), "Bursty Co")

	var limited *http.Response
	for i := 0; i < 10; i++ {
		resp, _ := env.postAlert(apiKey, map[string]any{
			"asset_name": "web-1", "signature": fmt.Sprintf("sig-%d", i),
			"severity": "low", "message": "m", "tool_source": "t",
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = resp
		}
	}
	require.NotNil(t, limited, "burst of 10 against a limit of 5 must trip the limiter")
	assert.Equal(t, "0", limited.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "5", limited.Header.Get("X-RateLimit-Burst"))
	retry := limited.Header.Get("Retry-After")
	require.NotEmpty(t, retry)
	assert.GreaterOrEqual(t, retry, "1")
}

// ============================================================================
// READ PATHS + ERROR SHAPE
// ============================================================================

func TestAlertAndIncidentReads(t *testing.T) {
	env := newAPIEnv(t)
	admin := env.adminToken()
	tenantID, apiKey := env.createTenant(admin, "Read Co")

	for i := 0; i < 3; i++ {
		resp, _ := env.postAlert(apiKey, map[string]any{
			"asset_name": "web-1", "signature": "disk-full",
			"severity": "high", "message": "m", "tool_source": "t",
			"delivery_id": fmt.Sprintf("d-%d", i),
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Force grouping, then read back through the API.
	resp, _ := env.do("POST", "/api/incidents/correlate?tenant_id="+tenantID, admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest("GET", env.ts.URL+"/api/alerts?tenant_id="+tenantID+"&severity=high", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin)
	alertResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer alertResp.Body.Close()
	var alerts []map[string]any
	require.NoError(t, json.NewDecoder(alertResp.Body).Decode(&alerts))
	assert.Len(t, alerts, 3)

	req, err = http.NewRequest("GET", env.ts.URL+"/api/incidents?tenant_id="+tenantID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin)
	incResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer incResp.Body.Close()
	var incidents []map[string]any
	require.NoError(t, json.NewDecoder(incResp.Body).Decode(&incidents))
	require.Len(t, incidents, 1)
	assert.Equal(t, float64(3), incidents[0]["alert_count"])
}

func TestUnknownIncidentErrorShape(t *testing.T) {
	env := newAPIEnv(t)
	admin := env.adminToken()
	tenantID, _ := env.createTenant(admin, "Err Co")

	resp, body := env.do("GET", "/api/incidents/ghost?tenant_id="+tenantID, admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])
	assert.NotEmpty(t, body["detail"])
}

func TestAdvisorDisabledReturnsNotFound(t *testing.T) {
	env := newAPIEnv(t)
	admin := env.adminToken()
	tenantID, _ := env.createTenant(admin, "NoAI Co")

	resp, body := env.do("GET", "/api/advisor/incidents/i-1/recommendation?tenant_id="+tenantID, admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

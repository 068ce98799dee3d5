// Package storage is the tenant-scoped document facade the rest of the
// service persists through. Callers never see the backend: the same tagged
// filter set runs against the in-memory store, Redis, or Postgres.
//
// Every query MUST carry a tenant id — the facade rejects anything else.
// Directory collections (tenants, users, refresh tokens) live under the
// reserved SystemScope so lookups work before a tenant is resolved.
package storage

import (
	"context"

	"github.com/alertmesh/backend/internal/core"
)

// Collection names. Callers generate ids; insert is last-writer-wins on id.
const (
	CollTenants       = "tenants"
	CollTenantConfigs = "tenant_configs"
	CollUsers         = "users"
	CollRefreshTokens = "refresh_tokens"
	CollAssets        = "assets"
	CollAlerts        = "alerts"
	CollIncidents     = "incidents"
	CollRunbooks      = "runbooks"
	CollApprovals     = "approval_requests"
	CollExecutions    = "remediation_executions"
	CollAuditLogs     = "audit_logs"
	CollNotifications = "notifications"
	CollMemory        = "memory_sessions"
	CollRateEvents    = "rate_events"
	CollSubscriptions = "webhook_subscriptions"
)

// SystemScope is the reserved tenant id for directory collections.
const SystemScope = "system"

// Doc is one stored document. All numbers inside a Doc are float64, matching
// JSON decoding, regardless of backend.
type Doc = map[string]any

// Op is a filter operator. The set is closed; there is no free-form query.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpIn          Op = "in"
	OpSetContains Op = "set_contains"
)

// Filter is one tagged predicate on a document attribute.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, v any) Filter  { return Filter{Field: field, Op: OpEq, Value: v} }
func Ne(field string, v any) Filter  { return Filter{Field: field, Op: OpNe, Value: v} }
func Gt(field string, v any) Filter  { return Filter{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Filter { return Filter{Field: field, Op: OpGte, Value: v} }
func Lt(field string, v any) Filter  { return Filter{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Filter { return Filter{Field: field, Op: OpLte, Value: v} }

// In matches documents whose scalar field equals one of vals.
func In(field string, vals ...string) Filter {
	return Filter{Field: field, Op: OpIn, Value: vals}
}

// SetContains matches documents whose list field contains v.
func SetContains(field, v string) Filter {
	return Filter{Field: field, Op: OpSetContains, Value: v}
}

// Sort orders results by one attribute.
type Sort struct {
	Field string
	Desc  bool
}

// Query is a tenant-scoped read or write selector.
type Query struct {
	TenantID string
	Filters  []Filter
	Sort     *Sort
	Limit    int
}

// Q builds a query scoped to tenantID.
func Q(tenantID string, filters ...Filter) Query {
	return Query{TenantID: tenantID, Filters: filters}
}

// SortBy returns a copy of q ordered by field.
func (q Query) SortBy(field string, desc bool) Query {
	q.Sort = &Sort{Field: field, Desc: desc}
	return q
}

// Take returns a copy of q limited to n results.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Store is the facade contract. FindOne returns a not_found kind when
// nothing matches. UpdateOne with a version filter is the CAS primitive for
// incident transitions.
type Store interface {
	InsertOne(ctx context.Context, collection string, doc Doc) error
	FindOne(ctx context.Context, collection string, q Query) (Doc, error)
	Find(ctx context.Context, collection string, q Query) ([]Doc, error)
	UpdateOne(ctx context.Context, collection string, q Query, set Doc) (bool, error)
	UpdateMany(ctx context.Context, collection string, q Query, set Doc) (int, error)
	DeleteOne(ctx context.Context, collection string, q Query) (bool, error)
	DeleteMany(ctx context.Context, collection string, q Query) (int, error)
	Count(ctx context.Context, collection string, q Query) (int, error)
	Close() error
}

// ttlCollections declare expires_at semantics. The reaper sweeps these for
// backends without native TTL.
var ttlCollections = []string{
	CollAlerts, CollRefreshTokens, CollNotifications, CollMemory, CollRateEvents,
}

// TTLCollections returns the collections carrying an expires_at attribute.
func TTLCollections() []string {
	out := make([]string, len(ttlCollections))
	copy(out, ttlCollections)
	return out
}

// isTTL reports whether expires_at is a liveness horizon in this collection.
// Elsewhere (approval requests) the attribute is a plain deadline and rows
// must stay readable after it passes.
func isTTL(collection string) bool {
	for _, c := range ttlCollections {
		if c == collection {
			return true
		}
	}
	return false
}

// guard rejects unscoped queries. Cross-tenant leakage starts here, so the
// error kind is fatal rather than validation.
func guard(q Query) error {
	if q.TenantID == "" {
		return core.E(core.KindFatal, "storage query missing tenant scope")
	}
	return nil
}

// guardDoc rejects inserts without identity or scope.
func guardDoc(doc Doc) error {
	id, _ := doc["id"].(string)
	if id == "" {
		return core.E(core.KindFatal, "document missing id")
	}
	tid, _ := doc["tenant_id"].(string)
	if tid == "" {
		return core.E(core.KindFatal, "document missing tenant_id")
	}
	return nil
}

func notFound(collection string) error {
	return core.Ef(core.KindNotFound, "no document in %s matches", collection)
}

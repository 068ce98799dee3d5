package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/alertmesh/backend/internal/core"
)

// Postgres is the durable adapter: one JSONB table per collection with
// expression indexes for the hot lookups. Filters compile to SQL so the
// database does the scanning; the operator semantics match the memory
// adapter exactly.
type Postgres struct {
	db     *sql.DB
	prefix string
}

const pgCallTimeout = 5 * time.Second

// NewPostgres opens and verifies the pool. tablePrefix namespaces the
// service's tables (config key table_prefix).
func NewPostgres(dsn, tablePrefix string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db, prefix: tablePrefix}, nil
}

var allCollections = []string{
	CollTenants, CollTenantConfigs, CollUsers, CollRefreshTokens, CollAssets,
	CollAlerts, CollIncidents, CollRunbooks, CollApprovals, CollExecutions,
	CollAuditLogs, CollNotifications, CollMemory, CollRateEvents, CollSubscriptions,
}

// EnsureSchema creates tables and the secondary indexes on startup.
// Idempotent; safe to run on every boot.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, coll := range allCollections {
		tbl := p.table(coll)
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id  TEXT   NOT NULL,
			id         TEXT   NOT NULL,
			doc        JSONB  NOT NULL,
			expires_at BIGINT,
			PRIMARY KEY (tenant_id, id)
		)`, tbl)
		if _, err := p.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", tbl, err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %salerts_tenant_ts ON %s (tenant_id, ((doc->>'timestamp')::bigint))`,
			p.prefix, p.table(CollAlerts)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %salerts_corr ON %s (tenant_id, (doc->>'signature'), (doc->>'asset_name'), ((doc->>'timestamp')::bigint))`,
			p.prefix, p.table(CollAlerts)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %salerts_delivery ON %s (tenant_id, (doc->>'delivery_id'))`,
			p.prefix, p.table(CollAlerts)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %sincidents_tenant_created ON %s (tenant_id, ((doc->>'created_at')::bigint))`,
			p.prefix, p.table(CollIncidents)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %sincidents_status ON %s ((doc->>'status')) WHERE doc ? 'status'`,
			p.prefix, p.table(CollIncidents)),
	}
	for _, coll := range ttlCollections {
		indexes = append(indexes, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s%s_expiry ON %s (expires_at) WHERE expires_at IS NOT NULL`,
			p.prefix, coll, p.table(coll)))
	}
	for _, ddl := range indexes {
		if _, err := p.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (p *Postgres) table(collection string) string { return p.prefix + collection }

var fieldPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func safeField(name string) error {
	if !fieldPattern.MatchString(name) {
		return core.Ef(core.KindValidation, "invalid field name %q", name)
	}
	return nil
}

// fragment compiles one filter to a SQL condition. Numeric values cast the
// JSONB text to numeric so ordering is arithmetic, not lexical.
func fragment(f Filter, arg int) (string, any, error) {
	if err := safeField(f.Field); err != nil {
		return "", nil, err
	}
	text := fmt.Sprintf("doc->>'%s'", f.Field)

	switch f.Op {
	case OpIn:
		vals, ok := f.Value.([]string)
		if !ok {
			return "", nil, core.E(core.KindValidation, "in filter requires string values")
		}
		return fmt.Sprintf("%s = ANY($%d)", text, arg), pq.Array(vals), nil
	case OpSetContains:
		encoded, err := json.Marshal(f.Value)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("doc->'%s' @> $%d::jsonb", f.Field, arg), string(encoded), nil
	}

	expr := text
	var value any = f.Value
	if n, ok := asFloat(f.Value); ok {
		expr = fmt.Sprintf("(doc->>'%s')::numeric", f.Field)
		value = n
	} else if b, ok := f.Value.(bool); ok {
		expr = fmt.Sprintf("COALESCE((doc->>'%s')::boolean, false)", f.Field)
		value = b
	}

	var op string
	switch f.Op {
	case OpEq:
		op = "="
	case OpNe:
		return fmt.Sprintf("%s IS DISTINCT FROM $%d", expr, arg), value, nil
	case OpGt:
		op = ">"
	case OpGte:
		op = ">="
	case OpLt:
		op = "<"
	case OpLte:
		op = "<="
	default:
		return "", nil, core.Ef(core.KindValidation, "unknown filter op %q", f.Op)
	}
	return fmt.Sprintf("%s %s $%d", expr, op, arg), value, nil
}

// whereSQL builds the full predicate: tenant scope, liveness for TTL
// collections, filters. firstArg is the index of the first placeholder.
func whereSQL(collection string, q Query, firstArg int) (string, []any, error) {
	clauses := []string{fmt.Sprintf("tenant_id = $%d", firstArg)}
	args := []any{q.TenantID}
	next := firstArg + 1

	if isTTL(collection) {
		clauses = append(clauses, fmt.Sprintf("(expires_at IS NULL OR expires_at > $%d)", next))
		args = append(args, time.Now().Unix())
		next++
	}

	for _, f := range q.Filters {
		cond, val, err := fragment(f, next)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, cond)
		args = append(args, val)
		next++
	}

	where := clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args, nil
}

// setSQL merges the patch into doc; TTL collections also mirror a patched
// expires_at into its indexed column.
func setSQL(collection string) string {
	set := "doc = doc || $1::jsonb"
	if isTTL(collection) {
		set += ", expires_at = COALESCE((($1::jsonb)->>'expires_at')::bigint, expires_at)"
	}
	return set
}

// orderSQL relies on JSONB comparison rules: numbers order numerically,
// strings by collation.
func orderSQL(s *Sort) (string, error) {
	if s == nil {
		return "", nil
	}
	if err := safeField(s.Field); err != nil {
		return "", err
	}
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY doc->'%s' %s", s.Field, dir), nil
}

func (p *Postgres) InsertOne(ctx context.Context, collection string, doc Doc) error {
	if err := guardDoc(doc); err != nil {
		return err
	}
	stored, err := normalize(doc)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	var expires sql.NullInt64
	if isTTL(collection) {
		if exp, ok := asFloat(stored["expires_at"]); ok && exp > 0 {
			expires = sql.NullInt64{Int64: int64(exp), Valid: true}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, pgCallTimeout)
	defer cancel()
	stmt := fmt.Sprintf(`INSERT INTO %s (tenant_id, id, doc, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, id)
		DO UPDATE SET doc = EXCLUDED.doc, expires_at = EXCLUDED.expires_at`,
		p.table(collection))
	_, err = p.db.ExecContext(ctx, stmt,
		stored["tenant_id"].(string), stored["id"].(string), payload, expires)
	return err
}

func (p *Postgres) Find(ctx context.Context, collection string, q Query) ([]Doc, error) {
	if err := guard(q); err != nil {
		return nil, err
	}
	where, args, err := whereSQL(collection, q, 1)
	if err != nil {
		return nil, err
	}
	order, err := orderSQL(q.Sort)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT doc FROM %s WHERE %s%s", p.table(collection), where, order)
	if q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	ctx, cancel := context.WithTimeout(ctx, pgCallTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc Doc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (p *Postgres) FindOne(ctx context.Context, collection string, q Query) (Doc, error) {
	q.Limit = 1
	docs, err := p.Find(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, notFound(collection)
	}
	return docs[0], nil
}

// UpdateOne merges the patch into one matching row. The ctid subselect plus
// row locking makes a version-filtered update behave as a compare-and-set.
func (p *Postgres) UpdateOne(ctx context.Context, collection string, q Query, set Doc) (bool, error) {
	if err := guard(q); err != nil {
		return false, err
	}
	patch, err := normalize(set)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return false, err
	}
	where, args, err := whereSQL(collection, q, 2)
	if err != nil {
		return false, err
	}
	stmt := fmt.Sprintf(`UPDATE %[1]s SET %[3]s
		WHERE ctid IN (SELECT ctid FROM %[1]s WHERE %[2]s LIMIT 1)`,
		p.table(collection), where, setSQL(collection))

	ctx, cancel := context.WithTimeout(ctx, pgCallTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, stmt, append([]any{payload}, args...)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *Postgres) UpdateMany(ctx context.Context, collection string, q Query, set Doc) (int, error) {
	if err := guard(q); err != nil {
		return 0, err
	}
	patch, err := normalize(set)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return 0, err
	}
	where, args, err := whereSQL(collection, q, 2)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		p.table(collection), setSQL(collection), where)

	ctx, cancel := context.WithTimeout(ctx, pgCallTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, stmt, append([]any{payload}, args...)...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *Postgres) DeleteOne(ctx context.Context, collection string, q Query) (bool, error) {
	if err := guard(q); err != nil {
		return false, err
	}
	where, args, err := whereSQL(collection, q, 1)
	if err != nil {
		return false, err
	}
	stmt := fmt.Sprintf(`DELETE FROM %[1]s WHERE ctid IN (SELECT ctid FROM %[1]s WHERE %[2]s LIMIT 1)`,
		p.table(collection), where)

	ctx, cancel := context.WithTimeout(ctx, pgCallTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *Postgres) DeleteMany(ctx context.Context, collection string, q Query) (int, error) {
	if err := guard(q); err != nil {
		return 0, err
	}
	where, args, err := whereSQL(collection, q, 1)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", p.table(collection), where)

	ctx, cancel := context.WithTimeout(ctx, pgCallTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *Postgres) Count(ctx context.Context, collection string, q Query) (int, error) {
	if err := guard(q); err != nil {
		return 0, err
	}
	where, args, err := whereSQL(collection, q, 1)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", p.table(collection), where)

	ctx, cancel := context.WithTimeout(ctx, pgCallTimeout)
	defer cancel()
	var n int
	if err := p.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Sweep removes expired rows for one tenant; called hourly by the reaper.
func (p *Postgres) Sweep(collection, tenantID string, now int64) int {
	if !isTTL(collection) {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), pgCallTimeout)
	defer cancel()
	stmt := fmt.Sprintf(
		"DELETE FROM %s WHERE tenant_id = $1 AND expires_at IS NOT NULL AND expires_at <= $2",
		p.table(collection))
	res, err := p.db.ExecContext(ctx, stmt, tenantID, now)
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

func (p *Postgres) Close() error { return p.db.Close() }

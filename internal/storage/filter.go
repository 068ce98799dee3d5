package storage

import (
	"sort"
	"strings"
)

// Shared matching and ordering used by the memory and Redis adapters (the
// Postgres adapter compiles the same semantics to SQL). Numeric comparisons
// normalize to float64 since documents round-trip through JSON.

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// compare returns -1/0/+1 for ordered values, or ok=false when the pair has
// no defined order (mixed types, lists).
func compare(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		if ab == bb {
			return 0, true
		}
		if !ab {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func equal(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	c, ok := compare(a, b)
	return ok && c == 0
}

func containsValue(list any, want any) bool {
	switch items := list.(type) {
	case []any:
		for _, it := range items {
			if equal(it, want) {
				return true
			}
		}
	case []string:
		for _, it := range items {
			if equal(it, want) {
				return true
			}
		}
	}
	return false
}

func inValues(v any, set any) bool {
	switch vals := set.(type) {
	case []string:
		for _, s := range vals {
			if equal(v, s) {
				return true
			}
		}
	case []any:
		for _, s := range vals {
			if equal(v, s) {
				return true
			}
		}
	}
	return false
}

// matchFilter evaluates one predicate against a document.
func matchFilter(doc Doc, f Filter) bool {
	got := doc[f.Field]
	switch f.Op {
	case OpEq:
		return equal(got, f.Value)
	case OpNe:
		return !equal(got, f.Value)
	case OpGt:
		c, ok := compare(got, f.Value)
		return ok && c > 0
	case OpGte:
		c, ok := compare(got, f.Value)
		return ok && c >= 0
	case OpLt:
		c, ok := compare(got, f.Value)
		return ok && c < 0
	case OpLte:
		c, ok := compare(got, f.Value)
		return ok && c <= 0
	case OpIn:
		return inValues(got, f.Value)
	case OpSetContains:
		return containsValue(got, f.Value)
	}
	return false
}

// matchQuery evaluates every filter; tenant scope is checked by the adapter
// before documents reach this point.
func matchQuery(doc Doc, q Query) bool {
	for _, f := range q.Filters {
		if !matchFilter(doc, f) {
			return false
		}
	}
	return true
}

// expired reports whether doc's TTL passed. Documents without expires_at
// never expire.
func expired(doc Doc, now int64) bool {
	exp, ok := asFloat(doc["expires_at"])
	return ok && exp > 0 && int64(exp) <= now
}

// orderDocs sorts in place by s. Documents missing the field sort first on
// ascending order.
func orderDocs(docs []Doc, s *Sort) {
	if s == nil {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i][s.Field], docs[j][s.Field]
		if a == nil && b == nil {
			return false
		}
		if a == nil {
			return !s.Desc
		}
		if b == nil {
			return s.Desc
		}
		c, ok := compare(a, b)
		if !ok {
			return false
		}
		if s.Desc {
			return c > 0
		}
		return c < 0
	})
}

// clip applies a query limit.
func clip(docs []Doc, limit int) []Doc {
	if limit > 0 && len(docs) > limit {
		return docs[:limit]
	}
	return docs
}

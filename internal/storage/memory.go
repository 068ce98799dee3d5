package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is the in-process adapter used by tests and single-node dev runs.
// Documents are partitioned per (collection, tenant); in TTL collections,
// expired documents are invisible to reads and removed by the reaper.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]Doc // collection -> tenant -> id
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]map[string]Doc)}
}

// normalize round-trips a document through JSON so numbers become float64
// and the caller's map is never aliased.
func normalize(doc Doc) (Doc, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out Doc
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memory) bucket(collection, tenantID string) map[string]Doc {
	coll, ok := m.data[collection]
	if !ok {
		coll = make(map[string]map[string]Doc)
		m.data[collection] = coll
	}
	tb, ok := coll[tenantID]
	if !ok {
		tb = make(map[string]Doc)
		coll[tenantID] = tb
	}
	return tb
}

func (m *Memory) InsertOne(_ context.Context, collection string, doc Doc) error {
	if err := guardDoc(doc); err != nil {
		return err
	}
	stored, err := normalize(doc)
	if err != nil {
		return err
	}
	id := stored["id"].(string)
	tenantID := stored["tenant_id"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(collection, tenantID)[id] = stored
	return nil
}

// collect returns live matching documents, ordered and clipped per q.
// Caller must hold at least a read lock.
func (m *Memory) collect(collection string, q Query) []Doc {
	now := time.Now().Unix()
	ttl := isTTL(collection)
	var out []Doc
	coll, ok := m.data[collection]
	if !ok {
		return out
	}
	for _, doc := range coll[q.TenantID] {
		if ttl && expired(doc, now) {
			continue
		}
		if matchQuery(doc, q) {
			out = append(out, doc)
		}
	}
	orderDocs(out, q.Sort)
	return clip(out, q.Limit)
}

func (m *Memory) FindOne(_ context.Context, collection string, q Query) (Doc, error) {
	if err := guard(q); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := m.collect(collection, q)
	if len(docs) == 0 {
		return nil, notFound(collection)
	}
	copied, err := normalize(docs[0])
	if err != nil {
		return nil, err
	}
	return copied, nil
}

func (m *Memory) Find(_ context.Context, collection string, q Query) ([]Doc, error) {
	if err := guard(q); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := m.collect(collection, q)
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		copied, err := normalize(d)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (m *Memory) UpdateOne(_ context.Context, collection string, q Query, set Doc) (bool, error) {
	if err := guard(q); err != nil {
		return false, err
	}
	patch, err := normalize(set)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collect(collection, q)
	if len(docs) == 0 {
		return false, nil
	}
	for k, v := range patch {
		docs[0][k] = v
	}
	return true, nil
}

func (m *Memory) UpdateMany(_ context.Context, collection string, q Query, set Doc) (int, error) {
	if err := guard(q); err != nil {
		return 0, err
	}
	patch, err := normalize(set)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collect(collection, q)
	for _, doc := range docs {
		for k, v := range patch {
			doc[k] = v
		}
	}
	return len(docs), nil
}

func (m *Memory) DeleteOne(_ context.Context, collection string, q Query) (bool, error) {
	n, err := m.remove(collection, q, 1)
	return n > 0, err
}

func (m *Memory) DeleteMany(_ context.Context, collection string, q Query) (int, error) {
	return m.remove(collection, q, 0)
}

func (m *Memory) remove(collection string, q Query, limit int) (int, error) {
	if err := guard(q); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.data[collection]
	if !ok {
		return 0, nil
	}
	bucket := coll[q.TenantID]
	now := time.Now().Unix()
	ttl := isTTL(collection)
	removed := 0
	for id, doc := range bucket {
		if (ttl && expired(doc, now)) || !matchQuery(doc, q) {
			continue
		}
		delete(bucket, id)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

func (m *Memory) Count(_ context.Context, collection string, q Query) (int, error) {
	if err := guard(q); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	limitless := q
	limitless.Limit = 0
	return len(m.collect(collection, limitless)), nil
}

// Sweep physically removes expired documents for one tenant. Called by the
// TTL reaper; reads never see expired documents either way.
func (m *Memory) Sweep(collection, tenantID string, now int64) int {
	if !isTTL(collection) {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.data[collection]
	if !ok {
		return 0
	}
	removed := 0
	for id, doc := range coll[tenantID] {
		if expired(doc, now) {
			delete(coll[tenantID], id)
			removed++
		}
	}
	return removed
}

func (m *Memory) Close() error { return nil }

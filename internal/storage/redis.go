package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the hot-path adapter. Documents live as JSON values with native
// TTL; a per-(collection, tenant) set indexes ids. Filtering runs in process
// over the indexed documents, which keeps the operator semantics identical
// to the other adapters.
type Redis struct {
	client *redis.Client
	prefix string
}

// redisCallTimeout bounds each facade call against the server.
const redisCallTimeout = 5 * time.Second

// casRetries bounds optimistic update attempts before conflicting.
const casRetries = 3

// NewRedis connects and verifies the server before returning.
func NewRedis(addr, password string, db int, prefix string) (*Redis, error) {
	if prefix == "" {
		prefix = "am:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) docKey(collection, tenantID, id string) string {
	return r.prefix + "doc:" + collection + ":" + tenantID + ":" + id
}

func (r *Redis) idxKey(collection, tenantID string) string {
	return r.prefix + "idx:" + collection + ":" + tenantID
}

func (r *Redis) InsertOne(ctx context.Context, collection string, doc Doc) error {
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
	id := stored["id"].(string)
	tenantID := stored["tenant_id"].(string)

	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := r.docKey(collection, tenantID, id)
		pipe.Set(ctx, key, payload, 0)
		if isTTL(collection) {
			if exp, ok := asFloat(stored["expires_at"]); ok && exp > 0 {
				pipe.ExpireAt(ctx, key, time.Unix(int64(exp), 0))
			}
		}
		pipe.SAdd(ctx, r.idxKey(collection, tenantID), id)
		return nil
	})
	return err
}

// loadMatching fetches every live document for the tenant and filters in
// process. Ids of keys that no longer exist (TTL lapsed) are pruned from the
// index as a side effect.
func (r *Redis) loadMatching(ctx context.Context, collection string, q Query) ([]Doc, error) {
	ids, err := r.client.SMembers(ctx, r.idxKey(collection, q.TenantID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(collection, q.TenantID, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var stale []any
	var out []Doc
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var doc Doc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			continue
		}
		if matchQuery(doc, q) {
			out = append(out, doc)
		}
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, r.idxKey(collection, q.TenantID), stale...)
	}
	orderDocs(out, q.Sort)
	return clip(out, q.Limit), nil
}

func (r *Redis) FindOne(ctx context.Context, collection string, q Query) (Doc, error) {
	if err := guard(q); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	docs, err := r.loadMatching(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, notFound(collection)
	}
	return docs[0], nil
}

func (r *Redis) Find(ctx context.Context, collection string, q Query) ([]Doc, error) {
	if err := guard(q); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	return r.loadMatching(ctx, collection, q)
}

// UpdateOne re-checks the predicate under WATCH so a version filter behaves
// as a compare-and-set across instances.
func (r *Redis) UpdateOne(ctx context.Context, collection string, q Query, set Doc) (bool, error) {
	if err := guard(q); err != nil {
		return false, err
	}
	patch, err := normalize(set)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	docs, err := r.loadMatching(ctx, collection, q)
	if err != nil || len(docs) == 0 {
		return false, err
	}
	id := docs[0]["id"].(string)
	key := r.docKey(collection, q.TenantID, id)

	updated := false
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var current Doc
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return err
		}
		if !matchQuery(current, q) {
			return nil // predicate no longer holds; CAS loses
		}
		for k, v := range patch {
			current[k] = v
		}
		payload, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			if isTTL(collection) {
				if exp, ok := asFloat(patch["expires_at"]); ok && exp > 0 {
					pipe.ExpireAt(ctx, key, time.Unix(int64(exp), 0))
				}
			}
			return nil
		})
		if err == nil {
			updated = true
		}
		return err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return updated, err
	}
	return false, nil
}

func (r *Redis) UpdateMany(ctx context.Context, collection string, q Query, set Doc) (int, error) {
	if err := guard(q); err != nil {
		return 0, err
	}
	patch, err := normalize(set)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	docs, err := r.loadMatching(ctx, collection, q)
	if err != nil || len(docs) == 0 {
		return 0, err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, doc := range docs {
			for k, v := range patch {
				doc[k] = v
			}
			payload, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			key := r.docKey(collection, q.TenantID, doc["id"].(string))
			pipe.Set(ctx, key, payload, redis.KeepTTL)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (r *Redis) DeleteOne(ctx context.Context, collection string, q Query) (bool, error) {
	q.Limit = 1
	n, err := r.DeleteMany(ctx, collection, q)
	return n > 0, err
}

func (r *Redis) DeleteMany(ctx context.Context, collection string, q Query) (int, error) {
	if err := guard(q); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	docs, err := r.loadMatching(ctx, collection, q)
	if err != nil || len(docs) == 0 {
		return 0, err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, doc := range docs {
			id := doc["id"].(string)
			pipe.Del(ctx, r.docKey(collection, q.TenantID, id))
			pipe.SRem(ctx, r.idxKey(collection, q.TenantID), id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (r *Redis) Count(ctx context.Context, collection string, q Query) (int, error) {
	if err := guard(q); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()
	q.Limit = 0
	docs, err := r.loadMatching(ctx, collection, q)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (r *Redis) Close() error { return r.client.Close() }

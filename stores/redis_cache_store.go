package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
)

// RedisCacheStore keeps each entry as a JSON string and indexes it by
// (hash, owner), by hash, by table dependency and by expiry. Hit counts
// live in a separate hash so entries stay immutable. Entry keys carry no
// Redis TTL: DeleteExpired needs the entry to find its index members.
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

type RedisCacheOption func(*RedisCacheStore)

// WithRedisKeyPrefix namespaces every key, default "qcache".
func WithRedisKeyPrefix(prefix string) RedisCacheOption {
	return func(r *RedisCacheStore) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func NewRedisCacheStore(client *redis.Client, opts ...RedisCacheOption) *RedisCacheStore {
	r := &RedisCacheStore{client: client, prefix: "qcache"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisCacheStore) entryKey(id string) string  { return r.prefix + ":entry:" + id }
func (r *RedisCacheStore) hashKey(hash string) string { return r.prefix + ":hash:" + hash }
func (r *RedisCacheStore) ownerKey(hash, owner string) string {
	return r.prefix + ":owner:" + hash + ":" + owner
}
func (r *RedisCacheStore) depKey(d querygate.TableDependency) string {
	return r.prefix + ":dep:" + d.String()
}
func (r *RedisCacheStore) expiryKey() string { return r.prefix + ":expiry" }
func (r *RedisCacheStore) hitsKey() string   { return r.prefix + ":hits" }

func (r *RedisCacheStore) InsertEntry(ctx context.Context, e *querygate.CacheEntry) error {
	stored := cloneEntry(e)
	stored.HitCount = 0
	b, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	created := float64(unixMillis(e.CreatedAt))
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.entryKey(e.ID), b, 0)
		pipe.ZAdd(ctx, r.ownerKey(e.QueryHash, e.OwnerPrincipalID), redis.Z{Score: created, Member: e.ID})
		pipe.ZAdd(ctx, r.hashKey(e.QueryHash), redis.Z{Score: created, Member: e.ID})
		pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(unixMillis(e.ExpiresAt)), Member: e.ID})
		for _, d := range e.Dependencies {
			pipe.SAdd(ctx, r.depKey(d), e.ID)
		}
		if e.HitCount > 0 {
			pipe.HSet(ctx, r.hitsKey(), e.ID, strconv.FormatUint(e.HitCount, 10))
		}
		return nil
	})
	return err
}

func (r *RedisCacheStore) FindLatest(ctx context.Context, queryHash, owner string, now time.Time) (*querygate.CacheEntry, error) {
	key := r.hashKey(queryHash)
	if owner != "" {
		key = r.ownerKey(queryHash, owner)
	}
	ids, err := r.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			// evicted outside the store; drop the stale index member
			r.client.ZRem(ctx, key, id)
			continue
		}
		if e.ExpiresAt.After(now) {
			return e, nil
		}
	}
	return nil, nil
}

func (r *RedisCacheStore) GetEntry(ctx context.Context, id string) (*querygate.CacheEntry, error) {
	e, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("cache entry not found: %s", id)
	}
	return e, nil
}

func (r *RedisCacheStore) load(ctx context.Context, id string) (*querygate.CacheEntry, error) {
	b, err := r.client.Get(ctx, r.entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e querygate.CacheEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", id, err)
	}
	hits, err := r.client.HGet(ctx, r.hitsKey(), id).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	e.HitCount = hits
	return &e, nil
}

func (r *RedisCacheStore) IncrementHits(ctx context.Context, id string, delta uint64) error {
	n, err := r.client.Exists(ctx, r.entryKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cache entry not found: %s", id)
	}
	return r.client.HIncrBy(ctx, r.hitsKey(), id, int64(delta)).Err()
}

func (r *RedisCacheStore) DeleteByDependency(ctx context.Context, dep querygate.TableDependency) (int, error) {
	ids, err := r.client.SMembers(ctx, r.depKey(dep)).Result()
	if err != nil {
		return 0, err
	}
	n, err := r.remove(ctx, ids)
	if err != nil {
		return n, err
	}
	return n, r.client.Del(ctx, r.depKey(dep)).Err()
}

func (r *RedisCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(unixMillis(now), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	return r.remove(ctx, ids)
}

// remove deletes entries and every index member pointing at them. It counts
// entries whose JSON was still present.
func (r *RedisCacheStore) remove(ctx context.Context, ids []string) (int, error) {
	n := 0
	for _, id := range ids {
		e, err := r.load(ctx, id)
		if err != nil {
			return n, err
		}
		var del *redis.IntCmd
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, r.entryKey(id))
			pipe.ZRem(ctx, r.expiryKey(), id)
			pipe.HDel(ctx, r.hitsKey(), id)
			if e != nil {
				pipe.ZRem(ctx, r.ownerKey(e.QueryHash, e.OwnerPrincipalID), id)
				pipe.ZRem(ctx, r.hashKey(e.QueryHash), id)
				for _, d := range e.Dependencies {
					pipe.SRem(ctx, r.depKey(d), id)
				}
			}
			return nil
		})
		if err != nil {
			return n, err
		}
		if del.Val() > 0 {
			n++
		}
	}
	return n, nil
}

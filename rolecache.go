package querygate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// DefaultRoleCacheTTL bounds how long hydrated grants are reused.
const DefaultRoleCacheTTL = 5 * time.Minute

// HydrateFunc loads a fresh payload on a role cache miss.
type HydrateFunc func(ctx context.Context) (any, error)

// RoleDataCache is a lazily-expiring cache of hydration payloads. Entries
// are checked against now on read; nothing is evicted in the background.
type RoleDataCache interface {
	// GetOrHydrate returns the stored payload while it expires after now,
	// otherwise runs hydrate and stores its result until now+TTL.
	// Hydration errors are returned and never stored.
	GetOrHydrate(ctx context.Context, key string, now time.Time, hydrate HydrateFunc) (any, error)
	Invalidate(key string)
	// Reset drops every entry.
	Reset()
}

type roleCacheEntry struct {
	payload   any
	expiresAt time.Time
}

func (e roleCacheEntry) fresh(now time.Time) bool { return e.expiresAt.After(now) }

// generation tracks Reset and Invalidate calls so a hydration that started
// before either one never stores its payload. Callers hold the cache lock.
type generation struct {
	all  uint64
	keys map[string]uint64
}

type stamp struct{ all, key uint64 }

func (g *generation) stamp(key string) stamp {
	return stamp{all: g.all, key: g.keys[key]}
}

func (g *generation) invalidate(key string) {
	if g.keys == nil {
		g.keys = make(map[string]uint64)
	}
	g.keys[key]++
}

func (g *generation) reset() {
	g.all++
	g.keys = nil
}

// flightKey separates singleflight calls by generation, so callers arriving
// after a reset never join a hydration that started before it.
func (s stamp) flightKey(key string) string {
	return strconv.FormatUint(s.all, 10) + "/" + strconv.FormatUint(s.key, 10) + "/" + key
}

// MemoryRoleCache is a map-backed RoleDataCache. Concurrent misses on the
// same key share a single hydration.
type MemoryRoleCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]roleCacheEntry
	gen     generation
	group   singleflight.Group
}

func NewMemoryRoleCache(ttl time.Duration) *MemoryRoleCache {
	if ttl <= 0 {
		ttl = DefaultRoleCacheTTL
	}
	return &MemoryRoleCache{ttl: ttl, entries: make(map[string]roleCacheEntry)}
}

func (c *MemoryRoleCache) TTL() time.Duration { return c.ttl }

func (c *MemoryRoleCache) lookup(key string, now time.Time) (any, stamp, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	st := c.gen.stamp(key)
	c.mu.RUnlock()
	if ok && e.fresh(now) {
		return e.payload, st, true
	}
	return nil, st, false
}

func (c *MemoryRoleCache) GetOrHydrate(ctx context.Context, key string, now time.Time, hydrate HydrateFunc) (any, error) {
	v, st, ok := c.lookup(key, now)
	if ok {
		return v, nil
	}
	v, err, _ := c.group.Do(st.flightKey(key), func() (any, error) {
		if v, cur, ok := c.lookup(key, now); ok && cur == st {
			return v, nil
		}
		payload, err := hydrate(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen.stamp(key) == st {
			c.entries[key] = roleCacheEntry{payload: payload, expiresAt: now.Add(c.ttl)}
		}
		c.mu.Unlock()
		return payload, nil
	})
	return v, err
}

func (c *MemoryRoleCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gen.invalidate(key)
	c.mu.Unlock()
}

func (c *MemoryRoleCache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]roleCacheEntry)
	c.gen.reset()
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included.
func (c *MemoryRoleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RistrettoRoleCache keeps role payloads in a cost-bounded ristretto cache.
// Ristretto may decline to admit an entry; that only costs a re-hydration.
type RistrettoRoleCache struct {
	ttl   time.Duration
	cache *ristretto.Cache
	mu    sync.Mutex
	gen   generation
	group singleflight.Group
}

func NewRistrettoRoleCache(ttl time.Duration, numCounters, maxCost, bufferItems int64) (*RistrettoRoleCache, error) {
	if ttl <= 0 {
		ttl = DefaultRoleCacheTTL
	}
	if numCounters <= 0 {
		numCounters = 1e5
	}
	if maxCost <= 0 {
		maxCost = 1 << 16
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto role cache: %w", err)
	}
	return &RistrettoRoleCache{ttl: ttl, cache: rc}, nil
}

func (c *RistrettoRoleCache) lookup(key string, now time.Time) (any, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	e, ok := v.(roleCacheEntry)
	if !ok || !e.fresh(now) {
		return nil, false
	}
	return e.payload, true
}

func (c *RistrettoRoleCache) GetOrHydrate(ctx context.Context, key string, now time.Time, hydrate HydrateFunc) (any, error) {
	if v, ok := c.lookup(key, now); ok {
		return v, nil
	}
	c.mu.Lock()
	st := c.gen.stamp(key)
	c.mu.Unlock()
	v, err, _ := c.group.Do(st.flightKey(key), func() (any, error) {
		payload, err := hydrate(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen.stamp(key) == st {
			c.cache.SetWithTTL(key, roleCacheEntry{payload: payload, expiresAt: now.Add(c.ttl)}, 1, c.ttl)
			c.cache.Wait()
		}
		return payload, nil
	})
	return v, err
}

func (c *RistrettoRoleCache) Invalidate(key string) {
	c.mu.Lock()
	c.gen.invalidate(key)
	c.cache.Del(key)
	c.cache.Wait()
	c.mu.Unlock()
}

func (c *RistrettoRoleCache) Reset() {
	c.mu.Lock()
	c.gen.reset()
	c.cache.Clear()
	c.mu.Unlock()
}

func (c *RistrettoRoleCache) Close() {
	c.cache.Close()
}

package querygate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mousten/mcp-bigquery-v1-sub000/logger"
)

const (
	DefaultQueryCacheTTL = time.Hour
	DefaultMaxCachedRows = 10000
	DefaultHitQueueSize  = 1024
	hitUpdateTimeout     = 5 * time.Second
)

// CacheEntry is one stored query result. Apart from HitCount it is never
// mutated after insertion.
type CacheEntry struct {
	ID               string            `json:"id"`
	QueryHash        string            `json:"query_hash"`
	OwnerPrincipalID string            `json:"owner_principal_id"`
	QueryText        string            `json:"query_text"`
	Payload          json.RawMessage   `json:"payload"`
	RowCount         int               `json:"row_count"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	HitCount         uint64            `json:"hit_count"`
	Dependencies     []TableDependency `json:"dependencies"`
}

// Expired reports whether the entry is no longer servable at now.
func (e *CacheEntry) Expired(now time.Time) bool { return !e.ExpiresAt.After(now) }

// CacheStore is the row store behind the query cache.
type CacheStore interface {
	InsertEntry(ctx context.Context, e *CacheEntry) error
	// FindLatest returns the most recently created entry with queryHash that
	// expires after now, or nil. An empty owner matches every owner.
	FindLatest(ctx context.Context, queryHash, owner string, now time.Time) (*CacheEntry, error)
	GetEntry(ctx context.Context, id string) (*CacheEntry, error)
	IncrementHits(ctx context.Context, id string, delta uint64) error
	DeleteByDependency(ctx context.Context, dep TableDependency) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// PutRequest describes a result to store.
type PutRequest struct {
	QueryHash    string
	Owner        string
	QueryText    string
	Payload      json.RawMessage
	RowCount     int
	Dependencies []TableDependency
	// TTL overrides the cache default when positive.
	TTL time.Duration
	Now time.Time
}

type QueryCacheOption func(*QueryCache)

func WithCacheTTL(ttl time.Duration) QueryCacheOption {
	return func(c *QueryCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxRows sets the largest result, in rows, that will be stored.
func WithMaxRows(n int) QueryCacheOption {
	return func(c *QueryCache) {
		if n > 0 {
			c.maxRows = n
		}
	}
}

func WithHitQueueSize(n int) QueryCacheOption {
	return func(c *QueryCache) {
		if n > 0 {
			c.hitQueueSize = n
		}
	}
}

// WithCrossPrincipalSharing lets lookups return entries written by any
// principal. Only service credentials should run with it enabled.
func WithCrossPrincipalSharing(enabled bool) QueryCacheOption {
	return func(c *QueryCache) { c.share = enabled }
}

func WithCacheLogger(l logger.Logger) QueryCacheOption {
	return func(c *QueryCache) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithCacheMetrics(m *Metrics) QueryCacheOption {
	return func(c *QueryCache) { c.metrics = m }
}

// QueryCache is a content-addressed, per-principal result cache. Store
// failures are logged and degrade to misses.
type QueryCache struct {
	store        CacheStore
	ttl          time.Duration
	maxRows      int
	hitQueueSize int
	share        bool
	logger       logger.Logger
	metrics      *Metrics

	// hit counts are applied by a single background worker
	hitCh   chan string
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped uint64
}

func NewQueryCache(store CacheStore, opts ...QueryCacheOption) *QueryCache {
	c := &QueryCache{
		store:        store,
		ttl:          DefaultQueryCacheTTL,
		maxRows:      DefaultMaxCachedRows,
		hitQueueSize: DefaultHitQueueSize,
		logger:       logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hitCh = make(chan string, c.hitQueueSize)
	c.wg.Add(1)
	go c.hitWorker()
	return c
}

func (c *QueryCache) TTL() time.Duration           { return c.ttl }
func (c *QueryCache) MaxRows() int                 { return c.maxRows }
func (c *QueryCache) SharesAcrossPrincipals() bool { return c.share }

// Get returns the newest unexpired entry for queryHash owned by owner.
func (c *QueryCache) Get(ctx context.Context, queryHash, owner string, now time.Time) (*CacheEntry, bool) {
	lookupOwner := owner
	if c.share {
		lookupOwner = ""
	}
	e, err := c.store.FindLatest(ctx, queryHash, lookupOwner, now)
	if err != nil {
		c.logger.Error("query cache lookup failed", "query_hash", queryHash, "principal", owner, "error", &CacheError{Op: "lookup", Err: err})
		c.metrics.cacheLookup("error")
		return nil, false
	}
	if e == nil || e.Expired(now) || (!c.share && e.OwnerPrincipalID != owner) {
		c.metrics.cacheLookup("miss")
		return nil, false
	}
	c.enqueueHit(e.ID)
	c.metrics.cacheLookup("hit")
	return e, true
}

// Put stores a result. It reports false without error when the result is
// empty or larger than the row ceiling.
func (c *QueryCache) Put(ctx context.Context, req PutRequest) (bool, error) {
	if req.Owner == "" {
		return false, ErrEmptyPrincipal
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" || req.RowCount <= 0 {
		c.metrics.cacheStore("skipped")
		return false, nil
	}
	if req.RowCount > c.maxRows {
		c.logger.Debug("result too large to cache", "query_hash", req.QueryHash, "rows", req.RowCount, "max_rows", c.maxRows)
		c.metrics.cacheStore("skipped")
		return false, nil
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.ttl
	}
	entry := &CacheEntry{
		ID:               uuid.NewString(),
		QueryHash:        req.QueryHash,
		OwnerPrincipalID: req.Owner,
		QueryText:        req.QueryText,
		Payload:          append(json.RawMessage(nil), req.Payload...),
		RowCount:         req.RowCount,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		Dependencies:     normalizeDependencies(req.Dependencies),
	}
	if err := c.store.InsertEntry(ctx, entry); err != nil {
		c.metrics.cacheStore("error")
		return false, &CacheError{Op: "insert", Err: err}
	}
	c.metrics.cacheStore("stored")
	return true, nil
}

// InvalidateTable deletes every entry that depends on the table and
// returns how many were removed.
func (c *QueryCache) InvalidateTable(ctx context.Context, project, dataset, table string) (int, error) {
	dep := NewTableDependency(project, dataset, table)
	if dep.Dataset == "" || dep.Table == "" {
		return 0, &CacheError{Op: "invalidate", Err: errors.New("dataset and table are required")}
	}
	n, err := c.store.DeleteByDependency(ctx, dep)
	if err != nil {
		return 0, &CacheError{Op: "invalidate", Err: err}
	}
	c.metrics.invalidatedEntries(n)
	c.logger.Info("query cache invalidated", "table", dep.String(), "count", n)
	return n, nil
}

// SweepExpired deletes entries whose expiry is at or before now.
func (c *QueryCache) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := c.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, &CacheError{Op: "sweep", Err: err}
	}
	c.metrics.sweptEntries(n)
	return n, nil
}

// DroppedHits counts hit-count updates discarded because the queue was full.
func (c *QueryCache) DroppedHits() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

func (c *QueryCache) enqueueHit(id string) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	select {
	case c.hitCh <- id:
		c.mu.RUnlock()
	default:
		c.mu.RUnlock()
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.metrics.hitDropped()
	}
}

func (c *QueryCache) hitWorker() {
	defer c.wg.Done()
	for id := range c.hitCh {
		ctx, cancel := context.WithTimeout(context.Background(), hitUpdateTimeout)
		if err := c.store.IncrementHits(ctx, id, 1); err != nil {
			c.logger.Debug("hit count update failed", "entry", id, "error", err)
		}
		cancel()
	}
}

// Close stops accepting hit updates and waits for queued ones to drain.
func (c *QueryCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.hitCh)
	c.mu.Unlock()
	c.wg.Wait()
}

func normalizeDependencies(deps []TableDependency) []TableDependency {
	out := make([]TableDependency, 0, len(deps))
	seen := make(map[TableDependency]struct{}, len(deps))
	for _, d := range deps {
		d = NewTableDependency(d.Project, d.Dataset, d.Table)
		if d.Dataset == "" || d.Table == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

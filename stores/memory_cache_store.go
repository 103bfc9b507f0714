package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
)

type memoryCacheRow struct {
	entry *querygate.CacheEntry
	seq   uint64
}

// MemoryCacheStore implements querygate.CacheStore in-memory for tests and single-process use.
type MemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheRow
	seq     uint64
}

func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{entries: make(map[string]memoryCacheRow)}
}

func (s *MemoryCacheStore) InsertEntry(ctx context.Context, e *querygate.CacheEntry) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("cache entry id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries[e.ID] = memoryCacheRow{entry: cloneEntry(e), seq: s.seq}
	return nil
}

func (s *MemoryCacheStore) FindLatest(ctx context.Context, queryHash, owner string, now time.Time) (*querygate.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best memoryCacheRow
	for _, row := range s.entries {
		e := row.entry
		if e.QueryHash != queryHash || (owner != "" && e.OwnerPrincipalID != owner) || !e.ExpiresAt.After(now) {
			continue
		}
		if best.entry == nil || e.CreatedAt.After(best.entry.CreatedAt) ||
			(e.CreatedAt.Equal(best.entry.CreatedAt) && row.seq > best.seq) {
			best = row
		}
	}
	return cloneEntry(best.entry), nil
}

func (s *MemoryCacheStore) GetEntry(ctx context.Context, id string) (*querygate.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("cache entry not found: %s", id)
	}
	return cloneEntry(row.entry), nil
}

func (s *MemoryCacheStore) IncrementHits(ctx context.Context, id string, delta uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("cache entry not found: %s", id)
	}
	row.entry.HitCount += delta
	return nil
}

func (s *MemoryCacheStore) DeleteByDependency(ctx context.Context, dep querygate.TableDependency) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.entries {
		for _, d := range row.entry.Dependencies {
			if d == dep {
				delete(s.entries, id)
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *MemoryCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.entries {
		if !row.entry.ExpiresAt.After(now) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

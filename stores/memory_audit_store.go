package stores

import (
	"context"
	"sync"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
)

// MemoryAuditStore keeps decisions in a slice, oldest first.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*querygate.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *querygate.AuditEntry) error {
	if entry == nil {
		return nil
	}
	dup := *entry
	dup.References = append([]string(nil), entry.References...)
	s.mu.Lock()
	s.entries = append(s.entries, &dup)
	s.mu.Unlock()
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter querygate.AuditFilter) ([]*querygate.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*querygate.AuditEntry, 0)
	for _, e := range s.entries {
		if !filter.Matches(e) {
			continue
		}
		dup := *e
		out = append(out, &dup)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

package querygate

import (
	"context"
	"time"
)

// AuditEntry records one AuthorizeAndLookup outcome.
type AuditEntry struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	PrincipalID string     `json:"principal_id"`
	TraceID     string     `json:"trace_id,omitempty"`
	QueryHash   string     `json:"query_hash,omitempty"`
	References  []string   `json:"references,omitempty"`
	Allowed     bool       `json:"allowed"`
	CacheHit    bool       `json:"cache_hit"`
	Resource    string     `json:"resource,omitempty"`
	Reason      DenyReason `json:"reason,omitempty"`
}

// AuditFilter narrows GetAccessLog. Zero fields match everything.
type AuditFilter struct {
	PrincipalID string
	OnlyDenied  bool
	StartTime   time.Time
	EndTime     time.Time
	Limit       int
}

// Matches applies the filter to an entry in memory.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if e == nil {
		return false
	}
	if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
		return false
	}
	if f.OnlyDenied && e.Allowed {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

func referenceStrings(refs []TableReference) []string {
	if len(refs) == 0 {
		return nil
	}
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}

package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
)

// SQLAuditStore persists authorization decisions in audit_log.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *querygate.AuditEntry) error {
	if entry == nil {
		return nil
	}
	refsB, _ := json.Marshal(entry.References)
	q := `INSERT INTO audit_log(id, timestamp, principal_id, trace_id, query_hash, references_json, allowed, cache_hit, resource, reason) VALUES(:id, :timestamp, :principal_id, :trace_id, :query_hash, :references_json, :allowed, :cache_hit, :resource, :reason)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              entry.ID,
		"timestamp":       entry.Timestamp,
		"principal_id":    entry.PrincipalID,
		"trace_id":        entry.TraceID,
		"query_hash":      entry.QueryHash,
		"references_json": string(refsB),
		"allowed":         boolToInt(entry.Allowed),
		"cache_hit":       boolToInt(entry.CacheHit),
		"resource":        entry.Resource,
		"reason":          string(entry.Reason),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter querygate.AuditFilter) ([]*querygate.AuditEntry, error) {
	q := `SELECT id, timestamp, principal_id, trace_id, query_hash, references_json, allowed, cache_hit, resource, reason FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.OnlyDenied {
		q += " AND allowed = 0"
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*querygate.AuditEntry, 0)
	for r.Next() {
		var id, principal, traceID, hash, refsJSON, resource, reason string
		var timestampRaw interface{}
		var allowedInt, hitInt int
		if err := r.Scan(&id, &timestampRaw, &principal, &traceID, &hash, &refsJSON, &allowedInt, &hitInt, &resource, &reason); err != nil {
			return nil, err
		}
		entry := &querygate.AuditEntry{
			ID:          id,
			Timestamp:   scanTime(timestampRaw),
			PrincipalID: principal,
			TraceID:     traceID,
			QueryHash:   hash,
			Allowed:     allowedInt != 0,
			CacheHit:    hitInt != 0,
			Resource:    resource,
			Reason:      querygate.DenyReason(reason),
		}
		_ = json.Unmarshal([]byte(refsJSON), &entry.References)
		out = append(out, entry)
	}
	return out, nil
}

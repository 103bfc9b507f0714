package stores

import (
	"encoding/json"
	"time"

	"github.com/oarkflow/date"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

// scanTime converts a driver timestamp (time.Time, text or bytes) to time.Time.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	case int64:
		return time.UnixMilli(v)
	}
	return time.Time{}
}

// unixMillis is the sortable timestamp column format used by the cache tables.
func unixMillis(t time.Time) int64 { return t.UnixMilli() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cloneEntry(e *querygate.CacheEntry) *querygate.CacheEntry {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Payload = append(json.RawMessage(nil), e.Payload...)
	dup.Dependencies = append([]querygate.TableDependency(nil), e.Dependencies...)
	return &dup
}

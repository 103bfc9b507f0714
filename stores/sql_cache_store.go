package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
)

// SQLCacheStore persists cache entries in query_cache and their table
// dependencies in query_cache_dependencies. Timestamps are unix milliseconds.
type SQLCacheStore struct {
	db *squealx.DB
}

func NewSQLCacheStore(db *squealx.DB) *SQLCacheStore {
	return &SQLCacheStore{db: db}
}

const cacheColumns = `id, query_hash, owner_principal_id, query_text, payload, row_count, created_at, expires_at, hit_count`

// InsertEntry writes the entry and its dependency rows in one transaction,
// so an invalidation never observes the entry without its dependencies.
func (s *SQLCacheStore) InsertEntry(ctx context.Context, e *querygate.CacheEntry) error {
	q := `INSERT INTO query_cache(` + cacheColumns + `) VALUES(:id, :query_hash, :owner_principal_id, :query_text, :payload, :row_count, :created_at, :expires_at, :hit_count)`
	dq := `INSERT OR IGNORE INTO query_cache_dependencies(entry_id, project, dataset, table_name) VALUES(:entry_id, :project, :dataset, :table_name)`
	return s.db.WithTxx(ctx, nil, func(tx *squealx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, map[string]any{
			"id":                 e.ID,
			"query_hash":         e.QueryHash,
			"owner_principal_id": e.OwnerPrincipalID,
			"query_text":         e.QueryText,
			"payload":            string(e.Payload),
			"row_count":          e.RowCount,
			"created_at":         unixMillis(e.CreatedAt),
			"expires_at":         unixMillis(e.ExpiresAt),
			"hit_count":          int64(e.HitCount),
		})
		if err != nil {
			return fmt.Errorf("insert cache entry: %w", err)
		}
		for _, d := range e.Dependencies {
			if _, err := tx.NamedExecContext(ctx, dq, map[string]any{"entry_id": e.ID, "project": d.Project, "dataset": d.Dataset, "table_name": d.Table}); err != nil {
				return fmt.Errorf("insert cache dependency %s: %w", d, err)
			}
		}
		return nil
	})
}

func (s *SQLCacheStore) FindLatest(ctx context.Context, queryHash, owner string, now time.Time) (*querygate.CacheEntry, error) {
	q := `SELECT ` + cacheColumns + ` FROM query_cache WHERE query_hash = :query_hash AND expires_at > :now`
	params := map[string]any{"query_hash": queryHash, "now": unixMillis(now)}
	if owner != "" {
		q += ` AND owner_principal_id = :owner`
		params["owner"] = owner
	}
	q += ` ORDER BY created_at DESC LIMIT 1`
	e, err := s.queryOne(ctx, q, params)
	if err != nil || e == nil {
		return nil, err
	}
	if e.Dependencies, err = s.dependencies(ctx, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLCacheStore) GetEntry(ctx context.Context, id string) (*querygate.CacheEntry, error) {
	q := `SELECT ` + cacheColumns + ` FROM query_cache WHERE id = :id`
	e, err := s.queryOne(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("cache entry not found: %s", id)
	}
	if e.Dependencies, err = s.dependencies(ctx, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLCacheStore) queryOne(ctx context.Context, q string, params map[string]any) (*querygate.CacheEntry, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, nil
	}
	var (
		e                   querygate.CacheEntry
		payload             string
		createdAt, expireAt int64
		hits                int64
	)
	if err := r.Scan(&e.ID, &e.QueryHash, &e.OwnerPrincipalID, &e.QueryText, &payload, &e.RowCount, &createdAt, &expireAt, &hits); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = time.UnixMilli(createdAt)
	e.ExpiresAt = time.UnixMilli(expireAt)
	e.HitCount = uint64(hits)
	return &e, nil
}

func (s *SQLCacheStore) dependencies(ctx context.Context, id string) ([]querygate.TableDependency, error) {
	q := `SELECT project, dataset, table_name FROM query_cache_dependencies WHERE entry_id = :entry_id ORDER BY project, dataset, table_name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"entry_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]querygate.TableDependency, 0)
	for r.Next() {
		var d querygate.TableDependency
		if err := r.Scan(&d.Project, &d.Dataset, &d.Table); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLCacheStore) IncrementHits(ctx context.Context, id string, delta uint64) error {
	q := `UPDATE query_cache SET hit_count = hit_count + :delta WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id, "delta": int64(delta)})
	return err
}

func (s *SQLCacheStore) DeleteByDependency(ctx context.Context, dep querygate.TableDependency) (int, error) {
	q := `DELETE FROM query_cache WHERE id IN (SELECT entry_id FROM query_cache_dependencies WHERE project = :project AND dataset = :dataset AND table_name = :table_name)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"project": dep.Project, "dataset": dep.Dataset, "table_name": dep.Table})
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), s.pruneDependencies(ctx)
}

func (s *SQLCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	q := `DELETE FROM query_cache WHERE expires_at <= :now`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"now": unixMillis(now)})
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), s.pruneDependencies(ctx)
}

func (s *SQLCacheStore) pruneDependencies(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM query_cache_dependencies WHERE entry_id NOT IN (SELECT id FROM query_cache)`)
	return err
}

package stores

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
)

type storeFactory func(t *testing.T) querygate.CacheStore

func cacheStoreFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) querygate.CacheStore { return NewMemoryCacheStore() },
		"sql":    func(t *testing.T) querygate.CacheStore { return NewSQLCacheStore(newTestDB(t)) },
		"redis": func(t *testing.T) querygate.CacheStore {
			client, _ := newTestRedis(t)
			return NewRedisCacheStore(client)
		},
	}
}

var (
	depOrders    = querygate.NewTableDependency("p", "sales", "orders")
	depCustomers = querygate.NewTableDependency("p", "sales", "customers")
)

func testEntry(id, hash, owner string, created time.Time, deps ...querygate.TableDependency) *querygate.CacheEntry {
	return &querygate.CacheEntry{
		ID:               id,
		QueryHash:        hash,
		OwnerPrincipalID: owner,
		QueryText:        "SELECT * FROM sales.orders",
		Payload:          json.RawMessage(`[{"id":1}]`),
		RowCount:         1,
		CreatedAt:        created,
		ExpiresAt:        created.Add(time.Hour),
		Dependencies:     deps,
	}
}

func TestCacheStoreContract(t *testing.T) {
	for name, factory := range cacheStoreFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("find latest isolates owners", func(t *testing.T) {
				ctx := context.Background()
				s := factory(t)
				base := time.Now().Truncate(time.Millisecond)
				require.NoError(t, s.InsertEntry(ctx, testEntry("e1", "h1", "u1", base, depOrders)))

				got, err := s.FindLatest(ctx, "h1", "u1", base)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, "e1", got.ID)
				assert.JSONEq(t, `[{"id":1}]`, string(got.Payload))
				assert.Equal(t, []querygate.TableDependency{depOrders}, got.Dependencies)
				assert.Equal(t, base.UnixMilli(), got.ExpiresAt.Add(-time.Hour).UnixMilli())

				other, err := s.FindLatest(ctx, "h1", "u2", base)
				require.NoError(t, err)
				assert.Nil(t, other)

				shared, err := s.FindLatest(ctx, "h1", "", base)
				require.NoError(t, err)
				require.NotNil(t, shared)
				assert.Equal(t, "e1", shared.ID)
			})

			t.Run("most recent entry wins", func(t *testing.T) {
				ctx := context.Background()
				s := factory(t)
				base := time.Now().Truncate(time.Millisecond)
				require.NoError(t, s.InsertEntry(ctx, testEntry("old", "h1", "u1", base, depOrders)))
				require.NoError(t, s.InsertEntry(ctx, testEntry("new", "h1", "u1", base.Add(time.Second), depOrders)))

				got, err := s.FindLatest(ctx, "h1", "u1", base.Add(2*time.Second))
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, "new", got.ID)
			})

			t.Run("expired entries are not found", func(t *testing.T) {
				ctx := context.Background()
				s := factory(t)
				base := time.Now().Truncate(time.Millisecond)
				e := testEntry("e1", "h1", "u1", base, depOrders)
				require.NoError(t, s.InsertEntry(ctx, e))

				got, err := s.FindLatest(ctx, "h1", "u1", e.ExpiresAt)
				require.NoError(t, err)
				assert.Nil(t, got)
			})

			t.Run("increment hits", func(t *testing.T) {
				ctx := context.Background()
				s := factory(t)
				base := time.Now().Truncate(time.Millisecond)
				require.NoError(t, s.InsertEntry(ctx, testEntry("e1", "h1", "u1", base, depOrders)))
				require.NoError(t, s.IncrementHits(ctx, "e1", 1))
				require.NoError(t, s.IncrementHits(ctx, "e1", 2))

				got, err := s.GetEntry(ctx, "e1")
				require.NoError(t, err)
				assert.Equal(t, uint64(3), got.HitCount)
			})

			t.Run("delete by dependency removes only dependents", func(t *testing.T) {
				ctx := context.Background()
				s := factory(t)
				base := time.Now().Truncate(time.Millisecond)
				require.NoError(t, s.InsertEntry(ctx, testEntry("a", "h1", "u1", base, depOrders)))
				require.NoError(t, s.InsertEntry(ctx, testEntry("b", "h2", "u2", base, depOrders, depCustomers)))
				require.NoError(t, s.InsertEntry(ctx, testEntry("c", "h3", "u1", base, depCustomers)))

				n, err := s.DeleteByDependency(ctx, depOrders)
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				for _, hash := range []string{"h1", "h2"} {
					got, err := s.FindLatest(ctx, hash, "", base)
					require.NoError(t, err)
					assert.Nil(t, got, hash)
				}
				got, err := s.FindLatest(ctx, "h3", "u1", base)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, "c", got.ID)

				n, err = s.DeleteByDependency(ctx, depOrders)
				require.NoError(t, err)
				assert.Equal(t, 0, n)
			})

			t.Run("delete expired", func(t *testing.T) {
				ctx := context.Background()
				s := factory(t)
				base := time.Now().Truncate(time.Millisecond)
				short := testEntry("short", "h1", "u1", base, depOrders)
				short.ExpiresAt = base.Add(time.Minute)
				require.NoError(t, s.InsertEntry(ctx, short))
				require.NoError(t, s.InsertEntry(ctx, testEntry("long", "h2", "u1", base, depOrders)))

				n, err := s.DeleteExpired(ctx, base.Add(time.Minute))
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				got, err := s.FindLatest(ctx, "h2", "u1", base)
				require.NoError(t, err)
				require.NotNil(t, got)

				n, err = s.DeleteByDependency(ctx, depOrders)
				require.NoError(t, err)
				assert.Equal(t, 1, n)
			})
		})
	}
}

func TestSQLCacheStoreInsertRollsBackWithoutDependencies(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewSQLCacheStore(db)
	_, err := db.ExecContext(ctx, `DROP TABLE query_cache_dependencies`)
	require.NoError(t, err)

	base := time.Now().Truncate(time.Millisecond)
	require.Error(t, s.InsertEntry(ctx, testEntry("a", "h1", "u1", base, depOrders)))

	got, err := s.FindLatest(ctx, "h1", "u1", base)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisCacheStoreSweepClearsIndexes(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestRedis(t)
	s := NewRedisCacheStore(client)
	base := time.Now().Truncate(time.Millisecond)
	e := testEntry("a", "h1", "u1", base, depOrders, depCustomers)
	e.ExpiresAt = base.Add(time.Second)
	require.NoError(t, s.InsertEntry(ctx, e))

	mr.FastForward(time.Hour)
	n, err := s.DeleteExpired(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, key := range []string{
		s.entryKey("a"),
		s.ownerKey("h1", "u1"),
		s.hashKey("h1"),
		s.depKey(depOrders),
		s.depKey(depCustomers),
		s.expiryKey(),
	} {
		assert.False(t, mr.Exists(key), key)
	}
}

func TestQueryCacheOverStores(t *testing.T) {
	for name, factory := range cacheStoreFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			qc := querygate.NewQueryCache(store)
			defer qc.Close()

			now := time.Now().Truncate(time.Millisecond)
			hash, err := querygate.QueryHash("SELECT * FROM sales.orders LIMIT 10", nil)
			require.NoError(t, err)
			stored, err := qc.Put(ctx, querygate.PutRequest{
				QueryHash:    hash,
				Owner:        "u1",
				Payload:      json.RawMessage(`[{"id":1}]`),
				RowCount:     1,
				Dependencies: []querygate.TableDependency{depOrders},
				Now:          now,
			})
			require.NoError(t, err)
			require.True(t, stored)

			e, ok := qc.Get(ctx, hash, "u1", now)
			require.True(t, ok)
			require.Eventually(t, func() bool {
				got, err := store.GetEntry(ctx, e.ID)
				return err == nil && got.HitCount == 1
			}, 2*time.Second, 10*time.Millisecond)

			_, ok = qc.Get(ctx, hash, "u2", now)
			assert.False(t, ok)

			n, err := qc.InvalidateTable(ctx, "P", "`Sales`", "Orders")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, ok = qc.Get(ctx, hash, "u1", now)
			assert.False(t, ok)
		})
	}
}

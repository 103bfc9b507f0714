package querygate_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
	"github.com/Mousten/mcp-bigquery-v1-sub000/sqlscan"
	"github.com/Mousten/mcp-bigquery-v1-sub000/stores"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	hydrator *stores.MemoryHydrator
	store    *stores.MemoryCacheStore
	clock    *testClock
	engine   *querygate.Engine
}

// newFixture grants u1 query:execute on sales.orders only.
func newFixture(t *testing.T, opts ...querygate.EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		hydrator: stores.NewMemoryHydrator(),
		store:    stores.NewMemoryCacheStore(),
		clock:    &testClock{now: time.Now()},
	}
	f.hydrator.AddRole("analyst", "Analyst", "query:execute")
	f.hydrator.GrantDataset("analyst", "sales", "orders")
	f.hydrator.AssignRole("u1", "analyst")

	base := []querygate.EngineOption{querygate.WithDefaultProject("p"), querygate.WithClock(f.clock.Now)}
	e, err := querygate.NewEngine(f.hydrator, querygate.NewQueryCache(f.store), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	f.engine = e
	return f
}

const ordersSQL = "SELECT * FROM sales.orders LIMIT 10"

func ordersResult() (json.RawMessage, int) {
	return json.RawMessage(`[{"order_id":1},{"order_id":2}]`), 2
}

func TestEngineEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &querygate.QueryRequest{PrincipalID: "u1", SQL: ordersSQL}

	lookup, err := f.engine.AuthorizeAndLookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, querygate.OutcomeMustExecute, lookup.Outcome)
	assert.Equal(t, []querygate.TableReference{querygate.NewTableReference("p", "sales", "orders")}, lookup.References)

	payload, rows := ordersResult()
	stored, err := f.engine.RecordResult(ctx, &querygate.RecordRequest{PrincipalID: "u1", SQL: req.SQL, Payload: payload, RowCount: rows})
	require.NoError(t, err)
	require.True(t, stored)

	entry, err := f.store.FindLatest(ctx, lookup.QueryHash, "u1", f.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []querygate.TableDependency{querygate.NewTableDependency("p", "sales", "orders")}, entry.Dependencies)

	f.clock.Advance(time.Minute)
	hit, err := f.engine.AuthorizeAndLookup(ctx, &querygate.QueryRequest{PrincipalID: "u1", SQL: "select *  from SALES.orders limit 10"})
	require.NoError(t, err)
	require.Equal(t, querygate.OutcomeCacheHit, hit.Outcome)
	assert.JSONEq(t, string(payload), string(hit.Entry.Payload))
	require.Eventually(t, func() bool {
		e, err := f.store.GetEntry(ctx, entry.ID)
		return err == nil && e.HitCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	n, err := f.engine.InvalidateTable(ctx, "p", "sales", "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := f.engine.AuthorizeAndLookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, querygate.OutcomeMustExecute, again.Outcome)
}

func TestEngineDeniesUngrantedTable(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.AuthorizeAndLookup(context.Background(), &querygate.QueryRequest{
		PrincipalID: "u1",
		SQL:         "SELECT * FROM sales.orders o JOIN sales.customers c ON o.cid = c.id",
	})
	var ae *querygate.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "sales.customers", ae.Resource)
	assert.Equal(t, querygate.ReasonTable, ae.Reason)
}

func TestEngineDeniesBareTableByDefault(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.AuthorizeAndLookup(context.Background(), &querygate.QueryRequest{PrincipalID: "u1", SQL: "SELECT * FROM orders"})
	var ae *querygate.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, querygate.ReasonUnqualified, ae.Reason)
}

func TestEngineAllowPolicyDoesNotCacheBareTables(t *testing.T) {
	f := newFixture(t, querygate.WithUnqualifiedPolicy(querygate.UnqualifiedAllow))
	ctx := context.Background()
	lookup, err := f.engine.AuthorizeAndLookup(ctx, &querygate.QueryRequest{PrincipalID: "u1", SQL: "SELECT * FROM orders"})
	require.NoError(t, err)
	assert.Equal(t, querygate.OutcomeMustExecute, lookup.Outcome)

	payload, rows := ordersResult()
	stored, err := f.engine.RecordResult(ctx, &querygate.RecordRequest{PrincipalID: "u1", SQL: "SELECT * FROM orders", Payload: payload, RowCount: rows})
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Zero(t, f.store.Len())
}

func TestEngineHydrationErrorPropagates(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("identity store offline")
	f.hydrator.SetFailure(querygate.StageRoles, boom)

	_, err := f.engine.AuthorizeAndLookup(context.Background(), &querygate.QueryRequest{PrincipalID: "u1", SQL: ordersSQL})
	var he *querygate.HydrationError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, querygate.StageRoles, he.Stage)
	assert.ErrorIs(t, err, boom)
	assert.False(t, querygate.IsAuthorizationError(err))

	// failures are not cached
	f.hydrator.SetFailure(querygate.StageRoles, nil)
	_, err = f.engine.AuthorizeAndLookup(context.Background(), &querygate.QueryRequest{PrincipalID: "u1", SQL: ordersSQL})
	assert.NoError(t, err)
}

func TestEngineExpiredToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.AuthorizeAndLookup(context.Background(), &querygate.QueryRequest{
		PrincipalID: "u1",
		SQL:         ordersSQL,
		TokenExpiry: f.clock.Now().Add(-time.Second),
	})
	var ae *querygate.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, querygate.ReasonExpired, ae.Reason)
}

func TestEngineStatementValidator(t *testing.T) {
	f := newFixture(t, querygate.WithStatementValidator(sqlscan.ValidateReadOnly))
	_, err := f.engine.AuthorizeAndLookup(context.Background(), &querygate.QueryRequest{PrincipalID: "u1", SQL: "DELETE FROM sales.orders"})
	var ae *querygate.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, querygate.ReasonStatement, ae.Reason)

	_, err = f.engine.AuthorizeAndLookup(context.Background(), &querygate.QueryRequest{PrincipalID: "u1", SQL: ordersSQL})
	assert.NoError(t, err)
}

func TestEngineRoleCacheTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &querygate.QueryRequest{PrincipalID: "u1", SQL: ordersSQL}
	_, err := f.engine.AuthorizeAndLookup(ctx, req)
	require.NoError(t, err)

	f.hydrator.RevokeRole("u1", "analyst")
	_, err = f.engine.AuthorizeAndLookup(ctx, req)
	assert.NoError(t, err, "grants are reused until the role cache entry expires")

	f.clock.Advance(querygate.DefaultRoleCacheTTL)
	_, err = f.engine.AuthorizeAndLookup(ctx, req)
	assert.True(t, querygate.IsAuthorizationError(err))

	f.hydrator.AssignRole("u1", "analyst")
	_, err = f.engine.AuthorizeAndLookup(ctx, req)
	assert.Error(t, err, "the denial snapshot is cached too")
	f.engine.InvalidatePrincipal("u1")
	_, err = f.engine.AuthorizeAndLookup(ctx, req)
	assert.NoError(t, err)

	f.hydrator.RevokeRole("u1", "analyst")
	f.engine.ResetRoleCache()
	_, err = f.engine.AuthorizeAndLookup(ctx, req)
	assert.Error(t, err)
}

func TestEngineRunExecutesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var executions atomic.Int64
	qe := querygate.QueryEngineFunc(func(ctx context.Context, sql string, params map[string]any) (*querygate.QueryResult, error) {
		executions.Add(1)
		payload, rows := ordersResult()
		return &querygate.QueryResult{Payload: payload, RowCount: rows}, nil
	})
	req := &querygate.QueryRequest{PrincipalID: "u1", SQL: ordersSQL, Params: map[string]any{"limit": 10}}

	first, err := f.engine.Run(ctx, req, qe)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.True(t, first.Cached)

	second, err := f.engine.Run(ctx, req, qe)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, 2, second.RowCount)
	assert.Equal(t, int64(1), executions.Load())

	other := *req
	other.Params = map[string]any{"limit": 20}
	third, err := f.engine.Run(ctx, &other, qe)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, int64(2), executions.Load())
}

func TestEngineRunDoesNotExecuteDenied(t *testing.T) {
	f := newFixture(t)
	qe := querygate.QueryEngineFunc(func(context.Context, string, map[string]any) (*querygate.QueryResult, error) {
		t.Fatal("denied query must not execute")
		return nil, nil
	})
	_, err := f.engine.Run(context.Background(), &querygate.QueryRequest{PrincipalID: "u1", SQL: "SELECT * FROM hr.salaries"}, qe)
	assert.True(t, querygate.IsAuthorizationError(err))
}

type failingStore struct{ *stores.MemoryCacheStore }

func (failingStore) InsertEntry(context.Context, *querygate.CacheEntry) error {
	return errors.New("disk full")
}

func TestEngineRecordResultFailsOpen(t *testing.T) {
	h := stores.NewMemoryHydrator()
	e, err := querygate.NewEngine(h, querygate.NewQueryCache(failingStore{stores.NewMemoryCacheStore()}))
	require.NoError(t, err)
	defer e.Close()

	payload, rows := ordersResult()
	stored, err := e.RecordResult(context.Background(), &querygate.RecordRequest{PrincipalID: "u1", SQL: "SELECT * FROM p.sales.orders", Payload: payload, RowCount: rows})
	assert.NoError(t, err)
	assert.False(t, stored)
}

func TestEngineRecordResultRequiresPrincipal(t *testing.T) {
	f := newFixture(t)
	payload, rows := ordersResult()
	_, err := f.engine.RecordResult(context.Background(), &querygate.RecordRequest{SQL: ordersSQL, Payload: payload, RowCount: rows})
	assert.ErrorIs(t, err, querygate.ErrEmptyPrincipal)
	_, err = f.engine.AuthorizeAndLookup(context.Background(), nil)
	assert.ErrorIs(t, err, querygate.ErrNilRequest)
}

func TestEngineUnencodableParamsBypassCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := map[string]any{"cb": func() {}}

	lookup, err := f.engine.AuthorizeAndLookup(ctx, &querygate.QueryRequest{PrincipalID: "u1", SQL: ordersSQL, Params: params})
	require.NoError(t, err)
	assert.Equal(t, querygate.OutcomeMustExecute, lookup.Outcome)
	assert.Empty(t, lookup.QueryHash)

	payload, rows := ordersResult()
	stored, err := f.engine.RecordResult(ctx, &querygate.RecordRequest{PrincipalID: "u1", SQL: ordersSQL, Params: params, Payload: payload, RowCount: rows})
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, 0, f.store.Len())
}

func TestEngineWithoutCache(t *testing.T) {
	h := stores.NewMemoryHydrator()
	h.AddRole("r", "R", "query:execute")
	h.GrantDataset("r", "*")
	h.AssignRole("u1", "r")
	e, err := querygate.NewEngine(h, nil)
	require.NoError(t, err)
	defer e.Close()

	lookup, err := e.AuthorizeAndLookup(context.Background(), &querygate.QueryRequest{PrincipalID: "u1", SQL: "SELECT * FROM anything"})
	require.NoError(t, err)
	assert.Equal(t, querygate.OutcomeMustExecute, lookup.Outcome)
	stored, err := e.RecordResult(context.Background(), &querygate.RecordRequest{PrincipalID: "u1", SQL: "SELECT 1"})
	assert.NoError(t, err)
	assert.False(t, stored)
}

func TestEngineAuditTrail(t *testing.T) {
	audit := stores.NewMemoryAuditStore()
	f := newFixture(t, querygate.WithAuditStore(audit, 16), querygate.WithTraceIDFunc(func() string { return "trace-1" }))
	ctx := context.Background()
	_, err := f.engine.AuthorizeAndLookup(ctx, &querygate.QueryRequest{PrincipalID: "u1", SQL: ordersSQL})
	require.NoError(t, err)
	_, err = f.engine.AuthorizeAndLookup(ctx, &querygate.QueryRequest{PrincipalID: "u1", SQL: "SELECT * FROM hr.salaries"})
	require.Error(t, err)
	f.engine.Close()

	all, err := audit.GetAccessLog(ctx, querygate.AuditFilter{PrincipalID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Allowed)
	assert.Equal(t, "trace-1", all[0].TraceID)
	assert.Equal(t, []string{"p.sales.orders"}, all[0].References)

	denied, err := audit.GetAccessLog(ctx, querygate.AuditFilter{OnlyDenied: true})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "hr", denied[0].Resource)
	assert.Equal(t, querygate.ReasonDataset, denied[0].Reason)
}

func TestEngineExplain(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Explain(context.Background(), &querygate.QueryRequest{
		PrincipalID: "u1",
		SQL:         "SELECT * FROM sales.orders JOIN sales.customers USING (id)",
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "sales.customers", d.Resource)
	assert.Len(t, d.Trace, 3)
	assert.Zero(t, f.store.Len())
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := querygate.NewMetrics(reg)
	f := newFixture(t, querygate.WithMetrics(m))
	ctx := context.Background()

	_, err := f.engine.AuthorizeAndLookup(ctx, &querygate.QueryRequest{PrincipalID: "u1", SQL: ordersSQL})
	require.NoError(t, err)
	_, err = f.engine.AuthorizeAndLookup(ctx, &querygate.QueryRequest{PrincipalID: "u1", SQL: "SELECT * FROM hr.salaries"})
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuthorizationsTotal.WithLabelValues("allowed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuthorizationsTotal.WithLabelValues("denied")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HydrationDuration))
}

func TestSweeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload, rows := ordersResult()
	_, err := f.engine.RecordResult(ctx, &querygate.RecordRequest{PrincipalID: "u1", SQL: ordersSQL, Payload: payload, RowCount: rows, TTL: time.Minute})
	require.NoError(t, err)

	s, err := querygate.NewSweeper(f.engine, 10*time.Millisecond)
	require.NoError(t, err)

	n, err := s.SweepNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Minute)
	s.Start(ctx)
	s.Start(ctx)
	require.Eventually(t, func() bool { return f.store.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	_, err = querygate.NewSweeper(nil, time.Second)
	assert.Error(t, err)
}

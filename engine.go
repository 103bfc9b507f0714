package querygate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mousten/mcp-bigquery-v1-sub000/logger"
	"github.com/Mousten/mcp-bigquery-v1-sub000/sqlscan"
)

const (
	DefaultRequiredPermission = "query:execute"
	DefaultAuditQueueSize     = 1024
	roleCacheKeyPrefix        = "grants:"
)

// StatementValidator rejects statements before authorization runs.
type StatementValidator func(sql string) error

// QueryResult is what the query engine returns for an executed statement.
type QueryResult struct {
	Payload  json.RawMessage
	RowCount int
}

// QueryEnginePort executes SQL that has already been authorized.
type QueryEnginePort interface {
	Execute(ctx context.Context, sql string, params map[string]any) (*QueryResult, error)
}

type QueryEngineFunc func(ctx context.Context, sql string, params map[string]any) (*QueryResult, error)

func (f QueryEngineFunc) Execute(ctx context.Context, sql string, params map[string]any) (*QueryResult, error) {
	return f(ctx, sql, params)
}

// QueryRequest is one authorization and cache lookup.
type QueryRequest struct {
	PrincipalID string
	// TokenExpiry comes from the already-verified credential. Zero means none.
	TokenExpiry time.Time
	SQL         string
	Params      map[string]any
	// RequiredPermission overrides the engine default when set.
	RequiredPermission string
	SkipCache          bool
}

type Outcome int

const (
	OutcomeMustExecute Outcome = iota
	OutcomeCacheHit
)

func (o Outcome) String() string {
	if o == OutcomeCacheHit {
		return "cache_hit"
	}
	return "must_execute"
}

// Lookup is the result of a successful authorization.
type Lookup struct {
	Outcome    Outcome
	Entry      *CacheEntry
	References []TableReference
	QueryHash  string
	Snapshot   *PermissionSnapshot
	TraceID    string
}

// RecordRequest stores an executed result.
type RecordRequest struct {
	PrincipalID string
	SQL         string
	Params      map[string]any
	// References defaults to the references extracted from SQL.
	References []TableReference
	Payload    json.RawMessage
	RowCount   int
	TTL        time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// Engine authorizes queries against permission snapshots and fronts the
// query cache.
type Engine struct {
	builder            *SnapshotBuilder
	cache              *QueryCache
	roleCache          RoleDataCache
	ownsRoleCache      bool
	clock              func() time.Time
	defaultProject     string
	requiredPermission string
	unqualified        UnqualifiedPolicy
	validator          StatementValidator
	metrics            *Metrics
	logger             logger.Logger
	traceIDFunc        logger.TraceIDFunc

	auditStore     AuditStore
	auditQueueSize int
	auditCh        chan AuditEntry
	auditMu        sync.RWMutex
	auditClosed    bool
	auditWG        sync.WaitGroup
	closeOnce      sync.Once
}

// NewEngine builds an engine over a hydration port. cache may be nil, in
// which case every authorized query must execute.
func NewEngine(hydrator HydrationPort, cache *QueryCache, opts ...EngineOption) (*Engine, error) {
	if hydrator == nil {
		return nil, errors.New("hydration port is required")
	}
	e := &Engine{
		cache:              cache,
		clock:              time.Now,
		requiredPermission: DefaultRequiredPermission,
		unqualified:        UnqualifiedDeny,
		logger:             logger.NewNullLogger(),
		auditQueueSize:     DefaultAuditQueueSize,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.roleCache == nil {
		e.roleCache = NewMemoryRoleCache(DefaultRoleCacheTTL)
		e.ownsRoleCache = true
	}
	e.builder = NewSnapshotBuilder(hydrator, e.logger)
	if e.auditStore != nil {
		e.auditCh = make(chan AuditEntry, e.auditQueueSize)
		e.auditWG.Add(1)
		go func() {
			defer e.auditWG.Done()
			bg := context.Background()
			for entry := range e.auditCh {
				if err := e.auditStore.LogDecision(bg, &entry); err != nil {
					e.logger.Error("audit write failed", "principal", entry.PrincipalID, "error", err)
				}
			}
		}()
	}
	return e, nil
}

func WithRoleCache(c RoleDataCache) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("role cache is nil")
		}
		e.roleCache = c
		return nil
	}
}

// WithClock replaces time.Now for expiry checks and cache timestamps.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) error {
		if clock != nil {
			e.clock = clock
		}
		return nil
	}
}

func WithDefaultProject(project string) EngineOption {
	return func(e *Engine) error {
		e.defaultProject = Normalize(project)
		return nil
	}
}

func WithRequiredPermission(p string) EngineOption {
	return func(e *Engine) error {
		if p = strings.TrimSpace(p); p == "" {
			return errors.New("required permission is empty")
		}
		e.requiredPermission = p
		return nil
	}
}

func WithUnqualifiedPolicy(p UnqualifiedPolicy) EngineOption {
	return func(e *Engine) error {
		e.unqualified = p
		return nil
	}
}

// WithStatementValidator installs v, e.g. sqlscan.ValidateReadOnly.
func WithStatementValidator(v StatementValidator) EngineOption {
	return func(e *Engine) error {
		e.validator = v
		return nil
	}
}

func WithAuditStore(s AuditStore, queueSize int) EngineOption {
	return func(e *Engine) error {
		e.auditStore = s
		if queueSize > 0 {
			e.auditQueueSize = queueSize
		}
		return nil
	}
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

func (e *Engine) DefaultProject() string               { return e.defaultProject }
func (e *Engine) RequiredPermission() string           { return e.requiredPermission }
func (e *Engine) UnqualifiedPolicy() UnqualifiedPolicy { return e.unqualified }
func (e *Engine) QueryCache() *QueryCache              { return e.cache }

func (e *Engine) now() time.Time { return e.clock() }

func (e *Engine) traceID() string {
	if e.traceIDFunc != nil {
		return e.traceIDFunc()
	}
	return uuid.NewString()
}

func roleCacheKey(principalID string) string { return roleCacheKeyPrefix + principalID }

// Snapshot returns the principal's permission snapshot, hydrating through
// the role cache. Hydration failures are returned as *HydrationError.
func (e *Engine) Snapshot(ctx context.Context, principalID string, tokenExpiry time.Time) (*PermissionSnapshot, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}
	v, err := e.roleCache.GetOrHydrate(ctx, roleCacheKey(principalID), e.now(), func(ctx context.Context) (any, error) {
		start := time.Now()
		g, err := e.builder.Hydrate(ctx, principalID)
		e.metrics.observeHydration(time.Since(start).Seconds())
		return g, err
	})
	if err != nil {
		return nil, err
	}
	g, ok := v.(*Grants)
	if !ok || g == nil {
		return nil, &HydrationError{PrincipalID: principalID, Stage: StageRoles, Err: fmt.Errorf("role cache returned %T", v)}
	}
	return NewSnapshot(principalID, tokenExpiry, *g)
}

// AuthorizeAndLookup builds the snapshot, authorizes every table the query
// names and, when allowed, consults the query cache.
func (e *Engine) AuthorizeAndLookup(ctx context.Context, req *QueryRequest) (*Lookup, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	traceID := e.traceID()
	log := logger.With(e.logger, "principal", req.PrincipalID, "trace_id", traceID)
	now := e.now()

	snap, err := e.Snapshot(ctx, req.PrincipalID, req.TokenExpiry)
	if err != nil {
		log.Error("permission snapshot failed", "error", err)
		e.metrics.authorization("error")
		return nil, err
	}
	if snap.Expired(now) {
		return nil, e.deny(log, req, traceID, nil, &AuthorizationError{Resource: snap.PrincipalID(), Reason: ReasonExpired})
	}
	if e.validator != nil {
		if verr := e.validator(req.SQL); verr != nil {
			return nil, e.deny(log, req, traceID, nil, &AuthorizationError{Resource: verr.Error(), Reason: ReasonStatement})
		}
	}
	refs := sqlscan.Scanner{DefaultProject: e.defaultProject}.Scan(req.SQL)
	perm := req.RequiredPermission
	if perm == "" {
		perm = e.requiredPermission
	}
	if err := AuthorizeWithPolicy(snap, refs, perm, e.unqualified); err != nil {
		var ae *AuthorizationError
		if errors.As(err, &ae) {
			return nil, e.deny(log, req, traceID, refs, ae)
		}
		return nil, err
	}

	lookup := &Lookup{
		Outcome:    OutcomeMustExecute,
		References: refs,
		Snapshot:   snap,
		TraceID:    traceID,
	}
	hash, herr := QueryHash(req.SQL, req.Params)
	if herr != nil {
		log.Debug("cache lookup skipped", "error", herr)
	}
	lookup.QueryHash = hash
	if e.cache != nil && !req.SkipCache && herr == nil {
		if entry, ok := e.cache.Get(ctx, lookup.QueryHash, snap.PrincipalID(), now); ok {
			lookup.Outcome = OutcomeCacheHit
			lookup.Entry = entry
		}
	}
	log.Debug("query authorized", "query_hash", lookup.QueryHash, "outcome", lookup.Outcome.String(), "references", len(refs))
	e.metrics.authorization("allowed")
	e.audit(AuditEntry{
		PrincipalID: snap.PrincipalID(),
		TraceID:     traceID,
		QueryHash:   lookup.QueryHash,
		References:  referenceStrings(refs),
		Allowed:     true,
		CacheHit:    lookup.Outcome == OutcomeCacheHit,
	})
	return lookup, nil
}

func (e *Engine) deny(log logger.Logger, req *QueryRequest, traceID string, refs []TableReference, ae *AuthorizationError) error {
	log.Info("query denied", "resource", ae.Resource, "reason", string(ae.Reason))
	e.metrics.authorization("denied")
	e.audit(AuditEntry{
		PrincipalID: strings.TrimSpace(req.PrincipalID),
		TraceID:     traceID,
		References:  referenceStrings(refs),
		Resource:    ae.Resource,
		Reason:      ae.Reason,
	})
	return ae
}

func (e *Engine) audit(entry AuditEntry) {
	if e.auditCh == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.Timestamp = e.now()
	e.auditMu.RLock()
	defer e.auditMu.RUnlock()
	if e.auditClosed {
		return
	}
	select {
	case e.auditCh <- entry:
	default:
		// drop when full, never block the request
	}
}

// RecordResult stores an executed result with its table dependencies.
// Cache failures are logged and reported as not stored.
func (e *Engine) RecordResult(ctx context.Context, req *RecordRequest) (bool, error) {
	if req == nil {
		return false, ErrNilRequest
	}
	if e.cache == nil {
		return false, nil
	}
	owner := strings.TrimSpace(req.PrincipalID)
	if owner == "" {
		return false, ErrEmptyPrincipal
	}
	refs := req.References
	if refs == nil {
		refs = sqlscan.Scanner{DefaultProject: e.defaultProject}.Scan(req.SQL)
	}
	hash, err := QueryHash(req.SQL, req.Params)
	if err != nil {
		e.logger.Debug("result not cached", "principal", owner, "error", err)
		return false, nil
	}
	deps, ok := DependenciesFor(refs, e.defaultProject)
	if !ok {
		e.logger.Debug("result not cached: unqualified table reference", "principal", owner, "query_hash", hash)
		return false, nil
	}
	stored, err := e.cache.Put(ctx, PutRequest{
		QueryHash:    hash,
		Owner:        owner,
		QueryText:    req.SQL,
		Payload:      req.Payload,
		RowCount:     req.RowCount,
		Dependencies: deps,
		TTL:          req.TTL,
		Now:          e.now(),
	})
	if err != nil {
		var ce *CacheError
		if errors.As(err, &ce) {
			e.logger.Error("result not cached", "principal", owner, "query_hash", hash, "error", err)
			return false, nil
		}
		return false, err
	}
	return stored, nil
}

// InvalidateTable drops every cached result that read the table. An empty
// project means the engine default.
func (e *Engine) InvalidateTable(ctx context.Context, project, dataset, table string) (int, error) {
	if e.cache == nil {
		return 0, nil
	}
	if Normalize(project) == "" {
		project = e.defaultProject
	}
	return e.cache.InvalidateTable(ctx, project, dataset, table)
}

// SweepExpired removes cache entries expired at the engine clock's now.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	if e.cache == nil {
		return 0, nil
	}
	return e.cache.SweepExpired(ctx, e.now())
}

// Explain returns a traced decision without touching the query cache.
func (e *Engine) Explain(ctx context.Context, req *QueryRequest) (*Decision, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	snap, err := e.Snapshot(ctx, req.PrincipalID, req.TokenExpiry)
	if err != nil {
		return nil, err
	}
	perm := req.RequiredPermission
	if perm == "" {
		perm = e.requiredPermission
	}
	refs := sqlscan.Scanner{DefaultProject: e.defaultProject}.Scan(req.SQL)
	d := Explain(snap, refs, perm, e.unqualified)
	if snap.Expired(e.now()) {
		d.Trace = append([]string{"DENY: snapshot expired"}, d.Trace...)
		d.Allowed = false
		d.Resource = snap.PrincipalID()
		d.Reason = ReasonExpired
	}
	if e.validator != nil {
		if verr := e.validator(req.SQL); verr != nil {
			d.Trace = append(d.Trace, "DENY: "+verr.Error())
			if d.Allowed {
				d.Allowed = false
				d.Resource = verr.Error()
				d.Reason = ReasonStatement
			}
		}
	}
	return d, nil
}

// RunResult is the outcome of Run.
type RunResult struct {
	Payload    json.RawMessage
	RowCount   int
	CacheHit   bool
	Cached     bool
	QueryHash  string
	References []TableReference
}

// Run authorizes, serves from cache when possible, otherwise executes
// through qe and records the result.
func (e *Engine) Run(ctx context.Context, req *QueryRequest, qe QueryEnginePort) (*RunResult, error) {
	lookup, err := e.AuthorizeAndLookup(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &RunResult{QueryHash: lookup.QueryHash, References: lookup.References}
	if lookup.Outcome == OutcomeCacheHit {
		res.CacheHit = true
		res.Payload = lookup.Entry.Payload
		res.RowCount = lookup.Entry.RowCount
		return res, nil
	}
	out, err := qe.Execute(ctx, req.SQL, req.Params)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	if out == nil {
		return res, nil
	}
	res.Payload = out.Payload
	res.RowCount = out.RowCount
	if !req.SkipCache {
		res.Cached, err = e.RecordResult(ctx, &RecordRequest{
			PrincipalID: lookup.Snapshot.PrincipalID(),
			SQL:         req.SQL,
			Params:      req.Params,
			References:  lookup.References,
			Payload:     out.Payload,
			RowCount:    out.RowCount,
		})
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ResetRoleCache drops all cached grants.
func (e *Engine) ResetRoleCache() { e.roleCache.Reset() }

// InvalidatePrincipal drops one principal's cached grants.
func (e *Engine) InvalidatePrincipal(principalID string) {
	e.roleCache.Invalidate(roleCacheKey(strings.TrimSpace(principalID)))
}

// Close drains the audit queue and the cache hit worker.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.auditCh != nil {
			e.auditMu.Lock()
			e.auditClosed = true
			close(e.auditCh)
			e.auditMu.Unlock()
			e.auditWG.Wait()
		}
		if e.cache != nil {
			e.cache.Close()
		}
		if c, ok := e.roleCache.(interface{ Close() }); ok && e.ownsRoleCache {
			c.Close()
		}
	})
}

package querygate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Mousten/mcp-bigquery-v1-sub000/logger"
)

// Record is one loosely-typed row returned by the identity store.
type Record map[string]any

// HydrationPort is the identity store the engine reads grants from.
type HydrationPort interface {
	GetProfile(ctx context.Context, principalID string) ([]Record, error)
	GetRoles(ctx context.Context, principalID string) ([]Record, error)
	GetRolePermissions(ctx context.Context, roleID string) ([]Record, error)
	GetRoleDatasetAccess(ctx context.Context, roleID string) ([]Record, error)
}

// DecodeState tags how a record was decoded.
type DecodeState int

const (
	// DecodeRejected records carry nothing usable and grant nothing.
	DecodeRejected DecodeState = iota
	// DecodeValidated records matched the expected shape exactly.
	DecodeValidated
	// DecodeDegraded records failed the strict shape but the same fields were
	// recovered from alternate keys, nested join objects or coerced types.
	DecodeDegraded
)

func (s DecodeState) String() string {
	switch s {
	case DecodeValidated:
		return "validated"
	case DecodeDegraded:
		return "degraded"
	default:
		return "rejected"
	}
}

// Decoded is the tagged result of decoding one record.
type Decoded[T any] struct {
	Value   T
	State   DecodeState
	Problem string
}

func (d Decoded[T]) OK() bool { return d.State != DecodeRejected }

type RoleRecord struct {
	ID   string
	Name string
}

type PermissionRecord struct {
	Permission string
}

// DatasetAccessRecord grants a dataset, or a single table in it when Table is set.
type DatasetAccessRecord struct {
	Dataset string
	Table   string
}

var (
	profileIDKeys    = []string{"principal_id", "id", "uid"}
	profileEmailKeys = []string{"email", "mail"}
	profileNameKeys  = []string{"name", "full_name", "displayName"}
	profileNests     = []string{"profile", "user", "user_profiles"}

	roleIDKeys   = []string{"id", "roleId", "role"}
	roleNameKeys = []string{"name", "roleName"}
	roleNests    = []string{"roles", "role", "user_roles"}

	permissionKeys  = []string{"name", "permission_name", "token", "scope"}
	permissionNests = []string{"permissions", "permission"}

	datasetKeys  = []string{"dataset", "dataset_id", "datasetName"}
	tableKeys    = []string{"table", "table_id", "tableName"}
	datasetNests = []string{"datasets", "dataset_access", "access"}
)

func DecodeProfile(r Record) Decoded[Profile] {
	id, okID := strictString(r, "user_id")
	email, okEmail := optionalString(r, "email")
	name, okName := optionalString(r, "display_name")
	if okID && okEmail && okName {
		return Decoded[Profile]{Value: Profile{PrincipalID: id, Email: email, DisplayName: name}, State: DecodeValidated}
	}
	p := Profile{
		PrincipalID: looseString(r, profileNests, append([]string{"user_id"}, profileIDKeys...)...),
		Email:       looseString(r, profileNests, profileEmailKeys...),
		DisplayName: looseString(r, profileNests, append([]string{"display_name"}, profileNameKeys...)...),
	}
	if p.PrincipalID == "" && p.Email == "" && p.DisplayName == "" {
		return Decoded[Profile]{State: DecodeRejected, Problem: "no profile fields"}
	}
	return Decoded[Profile]{Value: p, State: DecodeDegraded, Problem: "profile shape mismatch"}
}

func DecodeRole(r Record) Decoded[RoleRecord] {
	id, okID := strictString(r, "role_id")
	name, okName := optionalString(r, "role_name")
	if okID && okName {
		return Decoded[RoleRecord]{Value: RoleRecord{ID: id, Name: name}, State: DecodeValidated}
	}
	role := RoleRecord{
		ID:   looseString(r, roleNests, append([]string{"role_id"}, roleIDKeys...)...),
		Name: looseString(r, roleNests, append([]string{"role_name"}, roleNameKeys...)...),
	}
	if role.ID == "" {
		return Decoded[RoleRecord]{State: DecodeRejected, Problem: "role id missing"}
	}
	return Decoded[RoleRecord]{Value: role, State: DecodeDegraded, Problem: "role shape mismatch"}
}

func DecodePermission(r Record) Decoded[PermissionRecord] {
	if p, ok := strictString(r, "permission"); ok {
		return Decoded[PermissionRecord]{Value: PermissionRecord{Permission: strings.TrimSpace(p)}, State: DecodeValidated}
	}
	p := strings.TrimSpace(looseString(r, permissionNests, append([]string{"permission"}, permissionKeys...)...))
	if p == "" {
		return Decoded[PermissionRecord]{State: DecodeRejected, Problem: "permission missing"}
	}
	return Decoded[PermissionRecord]{Value: PermissionRecord{Permission: p}, State: DecodeDegraded, Problem: "permission shape mismatch"}
}

func DecodeDatasetAccess(r Record) Decoded[DatasetAccessRecord] {
	ds, okDS := strictString(r, "dataset_name")
	tbl, okTbl := optionalString(r, "table_name")
	if okDS && okTbl {
		return Decoded[DatasetAccessRecord]{Value: DatasetAccessRecord{Dataset: Normalize(ds), Table: Normalize(tbl)}, State: DecodeValidated}
	}
	tblKeys := append([]string{"table_name"}, tableKeys...)
	access := DatasetAccessRecord{
		Dataset: Normalize(looseString(r, datasetNests, append([]string{"dataset_name"}, datasetKeys...)...)),
		Table:   Normalize(looseString(r, datasetNests, tblKeys...)),
	}
	if access.Dataset == "" {
		return Decoded[DatasetAccessRecord]{State: DecodeRejected, Problem: "dataset missing"}
	}
	// An empty table means the whole dataset, so a table value that is
	// present but unreadable must not decode to one.
	if access.Table == "" && hasValue(r, datasetNests, tblKeys...) {
		return Decoded[DatasetAccessRecord]{State: DecodeRejected, Problem: "table unreadable"}
	}
	return Decoded[DatasetAccessRecord]{Value: access, State: DecodeDegraded, Problem: "dataset access shape mismatch"}
}

// strictString requires key to hold a non-empty string.
func strictString(r Record, key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// optionalString accepts a missing key, nil, or a string.
func optionalString(r Record, key string) (string, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return "", true
	}
	s, ok := v.(string)
	return s, ok
}

func looseString(r Record, nests []string, keys ...string) string {
	for _, k := range keys {
		if s := coerceString(r[k]); s != "" {
			return s
		}
	}
	for _, n := range nests {
		if nested := asRecord(r[n]); nested != nil {
			if s := looseString(nested, nil, keys...); s != "" {
				return s
			}
		}
	}
	return ""
}

// hasValue reports whether any key holds something other than nil or a
// blank string, at the top level or under one of nests.
func hasValue(r Record, nests []string, keys ...string) bool {
	for _, k := range keys {
		switch v := r[k].(type) {
		case nil:
		case string:
			if strings.TrimSpace(v) != "" {
				return true
			}
		default:
			return true
		}
	}
	for _, n := range nests {
		if nested := asRecord(r[n]); nested != nil && hasValue(nested, nil, keys...) {
			return true
		}
	}
	return false
}

func asRecord(v any) Record {
	switch m := v.(type) {
	case Record:
		return m
	case map[string]any:
		return Record(m)
	case []any:
		if len(m) == 1 {
			return asRecord(m[0])
		}
	case []map[string]any:
		if len(m) == 1 {
			return Record(m[0])
		}
	}
	return nil
}

func coerceString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []byte:
		return strings.TrimSpace(string(x))
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return strings.TrimSpace(x.String())
	}
	return ""
}

// SnapshotBuilder folds hydration records into grants.
type SnapshotBuilder struct {
	port   HydrationPort
	logger logger.Logger
}

func NewSnapshotBuilder(port HydrationPort, l logger.Logger) *SnapshotBuilder {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &SnapshotBuilder{port: port, logger: l}
}

// BuildSnapshot hydrates principalID through port and returns its snapshot.
func BuildSnapshot(ctx context.Context, principalID string, tokenExpiry time.Time, port HydrationPort) (*PermissionSnapshot, error) {
	return NewSnapshotBuilder(port, nil).Build(ctx, principalID, tokenExpiry)
}

func (b *SnapshotBuilder) Build(ctx context.Context, principalID string, tokenExpiry time.Time) (*PermissionSnapshot, error) {
	g, err := b.Hydrate(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(principalID, tokenExpiry, *g)
}

// Hydrate reads profile, roles, permissions and dataset access in that order.
// Any port error aborts with a *HydrationError.
func (b *SnapshotBuilder) Hydrate(ctx context.Context, principalID string) (*Grants, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}
	g := &Grants{Profile: Profile{PrincipalID: principalID}}

	profiles, err := b.port.GetProfile(ctx, principalID)
	if err != nil {
		return nil, &HydrationError{PrincipalID: principalID, Stage: StageProfile, Err: err}
	}
	for _, rec := range profiles {
		d := DecodeProfile(rec)
		if !b.track(g, principalID, StageProfile, d.State, d.Problem) {
			continue
		}
		g.Profile = d.Value
		if g.Profile.PrincipalID == "" {
			g.Profile.PrincipalID = principalID
		}
		break
	}

	roleRecs, err := b.port.GetRoles(ctx, principalID)
	if err != nil {
		return nil, &HydrationError{PrincipalID: principalID, Stage: StageRoles, Err: err}
	}
	permissions := stringSet{}
	datasets := stringSet{}
	tables := map[string]stringSet{}
	whole := stringSet{}
	seenRoles := stringSet{}

	for _, rec := range roleRecs {
		d := DecodeRole(rec)
		if !b.track(g, principalID, StageRoles, d.State, d.Problem) {
			continue
		}
		roleID := d.Value.ID
		if seenRoles.has(roleID) {
			continue
		}
		seenRoles[roleID] = struct{}{}
		g.Roles = append(g.Roles, roleID)

		permRecs, err := b.port.GetRolePermissions(ctx, roleID)
		if err != nil {
			return nil, &HydrationError{PrincipalID: principalID, Stage: StagePermissions, Err: err}
		}
		for _, pr := range permRecs {
			pd := DecodePermission(pr)
			if !b.track(g, principalID, StagePermissions, pd.State, pd.Problem) {
				continue
			}
			permissions[pd.Value.Permission] = struct{}{}
		}

		accessRecs, err := b.port.GetRoleDatasetAccess(ctx, roleID)
		if err != nil {
			return nil, &HydrationError{PrincipalID: principalID, Stage: StageDatasetAccess, Err: err}
		}
		for _, ar := range accessRecs {
			ad := DecodeDatasetAccess(ar)
			if !b.track(g, principalID, StageDatasetAccess, ad.State, ad.Problem) {
				continue
			}
			ds, tbl := ad.Value.Dataset, ad.Value.Table
			datasets[ds] = struct{}{}
			if tbl == "" || tbl == Wildcard {
				whole[ds] = struct{}{}
				continue
			}
			if tables[ds] == nil {
				tables[ds] = stringSet{}
			}
			tables[ds][tbl] = struct{}{}
		}
	}

	// A whole-dataset grant from any role lifts per-table restrictions.
	for ds := range whole {
		delete(tables, ds)
	}
	g.Permissions = permissions.sorted()
	g.Datasets = datasets.sorted()
	if len(tables) > 0 {
		g.Tables = make(map[string][]string, len(tables))
		for ds, set := range tables {
			g.Tables[ds] = set.sorted()
		}
	}
	sort.Strings(g.Roles)
	return g, nil
}

func (b *SnapshotBuilder) track(g *Grants, principalID string, stage HydrationStage, state DecodeState, problem string) bool {
	switch state {
	case DecodeValidated:
		return true
	case DecodeDegraded:
		g.Degraded++
		b.logger.Debug("hydration record degraded", "principal", principalID, "stage", string(stage), "problem", problem)
		return true
	default:
		g.Rejected++
		b.logger.Info("hydration record rejected", "principal", principalID, "stage", string(stage), "problem", problem)
		return false
	}
}

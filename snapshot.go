package querygate

import (
	"sort"
	"strings"
	"time"
)

// Profile is informational identity data carried on a snapshot.
type Profile struct {
	PrincipalID string `json:"principal_id" yaml:"principal_id"`
	Email       string `json:"email,omitempty" yaml:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

// Grants is the folded result of hydrating one principal. It is the value the
// role-data cache holds; snapshots copy out of it and never alias it.
type Grants struct {
	Profile     Profile             `json:"profile"`
	Roles       []string            `json:"roles"`
	Permissions []string            `json:"permissions"`
	Datasets    []string            `json:"datasets"`
	Tables      map[string][]string `json:"tables,omitempty"`
	Degraded    int                 `json:"degraded"`
	Rejected    int                 `json:"rejected"`
}

type stringSet map[string]struct{}

func newStringSet(items []string, norm func(string) string) stringSet {
	s := make(stringSet, len(items))
	for _, it := range items {
		if norm != nil {
			it = norm(it)
		}
		if it == "" {
			continue
		}
		s[it] = struct{}{}
	}
	return s
}

func (s stringSet) has(k string) bool {
	_, ok := s[k]
	return ok
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PermissionSnapshot describes what one principal may see for the lifetime of
// a request. It is immutable once built.
//
// A dataset that is granted but has no entry in the table map is granted in
// full. A table set containing Wildcard also grants every table.
type PermissionSnapshot struct {
	principalID string
	permissions stringSet
	datasets    stringSet
	tables      map[string]stringSet
	expiresAt   time.Time
	roles       []string
	profile     Profile
	degraded    int
}

// NewSnapshot builds a snapshot from grants. A zero expiresAt means no expiry.
func NewSnapshot(principalID string, expiresAt time.Time, g Grants) (*PermissionSnapshot, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}
	s := &PermissionSnapshot{
		principalID: principalID,
		permissions: newStringSet(g.Permissions, strings.TrimSpace),
		datasets:    newStringSet(g.Datasets, Normalize),
		tables:      make(map[string]stringSet, len(g.Tables)),
		expiresAt:   expiresAt,
		roles:       append([]string(nil), g.Roles...),
		profile:     g.Profile,
		degraded:    g.Degraded,
	}
	for ds, tbls := range g.Tables {
		ds = Normalize(ds)
		if ds == "" {
			continue
		}
		set := newStringSet(tbls, Normalize)
		if existing, ok := s.tables[ds]; ok {
			for t := range set {
				existing[t] = struct{}{}
			}
			continue
		}
		s.tables[ds] = set
	}
	if s.profile.PrincipalID == "" {
		s.profile.PrincipalID = principalID
	}
	return s, nil
}

func (s *PermissionSnapshot) PrincipalID() string { return s.principalID }

func (s *PermissionSnapshot) HasPermission(p string) bool {
	return s.permissions.has(strings.TrimSpace(p))
}

// AllDatasets reports a dataset-level wildcard grant.
func (s *PermissionSnapshot) AllDatasets() bool { return s.datasets.has(Wildcard) }

// DatasetGranted reports whether dataset is named explicitly or covered by the wildcard.
func (s *PermissionSnapshot) DatasetGranted(dataset string) bool {
	return s.AllDatasets() || s.datasets.has(Normalize(dataset))
}

// TableRestriction returns the granted tables for dataset and whether any
// restriction applies. No restriction means every table is granted.
func (s *PermissionSnapshot) TableRestriction(dataset string) ([]string, bool) {
	set, ok := s.tables[Normalize(dataset)]
	if !ok || set.has(Wildcard) {
		return nil, false
	}
	return set.sorted(), true
}

// TableGranted applies the sparse-grant rules for a qualified table.
func (s *PermissionSnapshot) TableGranted(dataset, table string) bool {
	if s.AllDatasets() {
		return true
	}
	dataset = Normalize(dataset)
	if !s.datasets.has(dataset) {
		return false
	}
	set, ok := s.tables[dataset]
	if !ok {
		return true
	}
	return set.has(Wildcard) || set.has(Normalize(table))
}

func (s *PermissionSnapshot) Permissions() []string { return s.permissions.sorted() }
func (s *PermissionSnapshot) Datasets() []string    { return s.datasets.sorted() }

// Tables returns a copy of the per-dataset table grants.
func (s *PermissionSnapshot) Tables() map[string][]string {
	out := make(map[string][]string, len(s.tables))
	for ds, set := range s.tables {
		out[ds] = set.sorted()
	}
	return out
}

func (s *PermissionSnapshot) Roles() []string      { return append([]string(nil), s.roles...) }
func (s *PermissionSnapshot) Profile() Profile     { return s.profile }
func (s *PermissionSnapshot) ExpiresAt() time.Time { return s.expiresAt }

// Degraded is the number of hydration records decoded through the fallback path.
func (s *PermissionSnapshot) Degraded() int { return s.degraded }

// Expired reports whether the snapshot has an expiry at or before now.
func (s *PermissionSnapshot) Expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && !now.Before(s.expiresAt)
}

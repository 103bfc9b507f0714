package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
)

// MemoryHydrator is an in-process identity store, seeded by hand or from a Config.
type MemoryHydrator struct {
	mu          sync.RWMutex
	profiles    map[string]querygate.Profile
	roleNames   map[string]string
	memberships map[string][]string
	permissions map[string][]string
	access      map[string][]querygate.DatasetAccessRecord
	failures    map[querygate.HydrationStage]error
}

func NewMemoryHydrator() *MemoryHydrator {
	return &MemoryHydrator{
		profiles:    make(map[string]querygate.Profile),
		roleNames:   make(map[string]string),
		memberships: make(map[string][]string),
		permissions: make(map[string][]string),
		access:      make(map[string][]querygate.DatasetAccessRecord),
		failures:    make(map[querygate.HydrationStage]error),
	}
}

func (h *MemoryHydrator) SetProfile(p querygate.Profile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.profiles[p.PrincipalID] = p
}

func (h *MemoryHydrator) AddRole(id, name string, permissions ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roleNames[id] = name
	h.permissions[id] = append(h.permissions[id], permissions...)
}

// GrantDataset grants dataset to a role; with no tables the whole dataset.
func (h *MemoryHydrator) GrantDataset(roleID, dataset string, tables ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.roleNames[roleID]; !ok {
		h.roleNames[roleID] = roleID
	}
	if len(tables) == 0 {
		h.access[roleID] = append(h.access[roleID], querygate.DatasetAccessRecord{Dataset: dataset})
		return
	}
	for _, t := range tables {
		h.access[roleID] = append(h.access[roleID], querygate.DatasetAccessRecord{Dataset: dataset, Table: t})
	}
}

func (h *MemoryHydrator) AssignRole(principalID, roleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.memberships[principalID] {
		if r == roleID {
			return
		}
	}
	h.memberships[principalID] = append(h.memberships[principalID], roleID)
}

func (h *MemoryHydrator) RevokeRole(principalID, roleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	roles := h.memberships[principalID]
	for i, r := range roles {
		if r == roleID {
			h.memberships[principalID] = append(roles[:i:i], roles[i+1:]...)
			return
		}
	}
}

// SetFailure makes the given stage return err until cleared with a nil err.
func (h *MemoryHydrator) SetFailure(stage querygate.HydrationStage, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, stage)
		return
	}
	h.failures[stage] = err
}

// ApplyConfig loads profiles, roles, grants and memberships from cfg.
func (h *MemoryHydrator) ApplyConfig(ctx context.Context, cfg *querygate.Config) error {
	if cfg == nil {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, p := range cfg.Profiles {
		h.SetProfile(querygate.Profile{PrincipalID: p.PrincipalID, Email: p.Email, DisplayName: p.DisplayName})
	}
	for _, r := range cfg.Roles {
		h.AddRole(r.ID, r.Name, r.Permissions...)
		for _, g := range r.Datasets {
			h.GrantDataset(r.ID, g.Dataset, g.Tables...)
		}
	}
	for _, m := range cfg.Memberships {
		h.AssignRole(m.PrincipalID, m.RoleID)
	}
	return ctx.Err()
}

func (h *MemoryHydrator) failure(stage querygate.HydrationStage) error {
	return h.failures[stage]
}

func (h *MemoryHydrator) GetProfile(ctx context.Context, principalID string) ([]querygate.Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.failure(querygate.StageProfile); err != nil {
		return nil, err
	}
	p, ok := h.profiles[principalID]
	if !ok {
		return nil, nil
	}
	return []querygate.Record{{"user_id": p.PrincipalID, "email": p.Email, "display_name": p.DisplayName}}, nil
}

func (h *MemoryHydrator) GetRoles(ctx context.Context, principalID string) ([]querygate.Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.failure(querygate.StageRoles); err != nil {
		return nil, err
	}
	roles := append([]string(nil), h.memberships[principalID]...)
	sort.Strings(roles)
	out := make([]querygate.Record, 0, len(roles))
	for _, id := range roles {
		out = append(out, querygate.Record{"role_id": id, "role_name": h.roleNames[id]})
	}
	return out, nil
}

func (h *MemoryHydrator) GetRolePermissions(ctx context.Context, roleID string) ([]querygate.Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.failure(querygate.StagePermissions); err != nil {
		return nil, err
	}
	out := make([]querygate.Record, 0, len(h.permissions[roleID]))
	for _, p := range h.permissions[roleID] {
		out = append(out, querygate.Record{"permission": p})
	}
	return out, nil
}

func (h *MemoryHydrator) GetRoleDatasetAccess(ctx context.Context, roleID string) ([]querygate.Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.failure(querygate.StageDatasetAccess); err != nil {
		return nil, err
	}
	out := make([]querygate.Record, 0, len(h.access[roleID]))
	for _, a := range h.access[roleID] {
		rec := querygate.Record{"dataset_name": a.Dataset, "table_name": nil}
		if a.Table != "" {
			rec["table_name"] = a.Table
		}
		out = append(out, rec)
	}
	return out, nil
}

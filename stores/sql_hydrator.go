package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oarkflow/squealx"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
)

// SQLHydrator reads grants from the user_profiles, user_roles, roles,
// role_permissions and role_dataset_access tables.
type SQLHydrator struct {
	db *squealx.DB
}

func NewSQLHydrator(db *squealx.DB) *SQLHydrator {
	return &SQLHydrator{db: db}
}

func (s *SQLHydrator) GetProfile(ctx context.Context, principalID string) ([]querygate.Record, error) {
	q := `SELECT user_id, email, display_name FROM user_profiles WHERE user_id = :user_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": principalID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]querygate.Record, 0, 1)
	for r.Next() {
		var id string
		var email, name sql.NullString
		if err := r.Scan(&id, &email, &name); err != nil {
			return nil, err
		}
		out = append(out, querygate.Record{"user_id": id, "email": nullable(email), "display_name": nullable(name)})
	}
	return out, nil
}

func (s *SQLHydrator) GetRoles(ctx context.Context, principalID string) ([]querygate.Record, error) {
	q := `SELECT ur.role_id, r.role_name FROM user_roles ur LEFT JOIN roles r ON r.role_id = ur.role_id WHERE ur.user_id = :user_id ORDER BY ur.role_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": principalID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]querygate.Record, 0)
	for r.Next() {
		var id string
		var name sql.NullString
		if err := r.Scan(&id, &name); err != nil {
			return nil, err
		}
		out = append(out, querygate.Record{"role_id": id, "role_name": nullable(name)})
	}
	return out, nil
}

func (s *SQLHydrator) GetRolePermissions(ctx context.Context, roleID string) ([]querygate.Record, error) {
	q := `SELECT permission FROM role_permissions WHERE role_id = :role_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"role_id": roleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]querygate.Record, 0)
	for r.Next() {
		var p string
		if err := r.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, querygate.Record{"permission": p})
	}
	return out, nil
}

func (s *SQLHydrator) GetRoleDatasetAccess(ctx context.Context, roleID string) ([]querygate.Record, error) {
	q := `SELECT dataset_name, table_name FROM role_dataset_access WHERE role_id = :role_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"role_id": roleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]querygate.Record, 0)
	for r.Next() {
		var ds string
		var tbl sql.NullString
		if err := r.Scan(&ds, &tbl); err != nil {
			return nil, err
		}
		rec := querygate.Record{"dataset_name": ds, "table_name": nil}
		if tbl.Valid && tbl.String != "" {
			rec["table_name"] = tbl.String
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLHydrator) UpsertProfile(ctx context.Context, p querygate.Profile) error {
	q := `INSERT OR REPLACE INTO user_profiles(user_id, email, display_name) VALUES(:user_id, :email, :display_name)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": p.PrincipalID, "email": p.Email, "display_name": p.DisplayName})
	return err
}

func (s *SQLHydrator) CreateRole(ctx context.Context, id, name string) error {
	q := `INSERT OR REPLACE INTO roles(role_id, role_name) VALUES(:role_id, :role_name)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"role_id": id, "role_name": name})
	return err
}

func (s *SQLHydrator) GrantPermission(ctx context.Context, roleID, permission string) error {
	q := `INSERT OR IGNORE INTO role_permissions(role_id, permission) VALUES(:role_id, :permission)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"role_id": roleID, "permission": permission})
	return err
}

// GrantDatasetAccess grants a dataset, or one table of it when table is non-empty.
func (s *SQLHydrator) GrantDatasetAccess(ctx context.Context, roleID, dataset, table string) error {
	q := `INSERT OR IGNORE INTO role_dataset_access(role_id, dataset_name, table_name) VALUES(:role_id, :dataset_name, :table_name)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"role_id": roleID, "dataset_name": dataset, "table_name": table})
	return err
}

func (s *SQLHydrator) AssignRole(ctx context.Context, principalID, roleID string) error {
	q := `INSERT OR IGNORE INTO user_roles(user_id, role_id) VALUES(:user_id, :role_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": principalID, "role_id": roleID})
	return err
}

func (s *SQLHydrator) RevokeRole(ctx context.Context, principalID, roleID string) error {
	q := `DELETE FROM user_roles WHERE user_id = :user_id AND role_id = :role_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": principalID, "role_id": roleID})
	return err
}

// ApplyConfig writes cfg's profiles, roles, grants and memberships.
func (s *SQLHydrator) ApplyConfig(ctx context.Context, cfg *querygate.Config) error {
	if cfg == nil {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, p := range cfg.Profiles {
		if err := s.UpsertProfile(ctx, querygate.Profile{PrincipalID: p.PrincipalID, Email: p.Email, DisplayName: p.DisplayName}); err != nil {
			return fmt.Errorf("upsert profile %s: %w", p.PrincipalID, err)
		}
	}
	for _, r := range cfg.Roles {
		if err := s.CreateRole(ctx, r.ID, r.Name); err != nil {
			return fmt.Errorf("create role %s: %w", r.ID, err)
		}
		for _, p := range r.Permissions {
			if err := s.GrantPermission(ctx, r.ID, p); err != nil {
				return fmt.Errorf("grant %s to %s: %w", p, r.ID, err)
			}
		}
		for _, g := range r.Datasets {
			tables := g.Tables
			if len(tables) == 0 {
				tables = []string{""}
			}
			for _, t := range tables {
				if err := s.GrantDatasetAccess(ctx, r.ID, g.Dataset, t); err != nil {
					return fmt.Errorf("grant dataset %s to %s: %w", g.Dataset, r.ID, err)
				}
			}
		}
	}
	for _, m := range cfg.Memberships {
		if err := s.AssignRole(ctx, m.PrincipalID, m.RoleID); err != nil {
			return fmt.Errorf("assign role %s to %s: %w", m.RoleID, m.PrincipalID, err)
		}
	}
	return nil
}

func nullable(ns sql.NullString) any {
	if !ns.Valid {
		return nil
	}
	return ns.String
}

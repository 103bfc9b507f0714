package querygate

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg   *Config
	roles map[string]int
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: DefaultConfig(), roles: make(map[string]int)}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddProfile(principalID, email, displayName string) *ConfigBuilder {
	b.cfg.Profiles = append(b.cfg.Profiles, ProfileConfig{PrincipalID: principalID, Email: email, DisplayName: displayName})
	return b
}

// AddRole adds a role, or extends the permissions of an existing one.
func (b *ConfigBuilder) AddRole(id, name string, permissions ...string) *ConfigBuilder {
	if i, ok := b.roles[id]; ok {
		b.cfg.Roles[i].Permissions = append(b.cfg.Roles[i].Permissions, permissions...)
		return b
	}
	b.roles[id] = len(b.cfg.Roles)
	b.cfg.Roles = append(b.cfg.Roles, RoleConfig{ID: id, Name: name, Permissions: permissions})
	return b
}

// GrantDataset grants dataset to roleID, restricted to tables when any are given.
// The role is created if it does not exist.
func (b *ConfigBuilder) GrantDataset(roleID, dataset string, tables ...string) *ConfigBuilder {
	if _, ok := b.roles[roleID]; !ok {
		b.AddRole(roleID, roleID)
	}
	i := b.roles[roleID]
	b.cfg.Roles[i].Datasets = append(b.cfg.Roles[i].Datasets, DatasetGrant{Dataset: dataset, Tables: tables})
	return b
}

func (b *ConfigBuilder) AddMembership(principalID, roleID string) *ConfigBuilder {
	b.cfg.Memberships = append(b.cfg.Memberships, RoleMembership{PrincipalID: principalID, RoleID: roleID})
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

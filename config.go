package querygate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Mousten/mcp-bigquery-v1-sub000/sqlscan"
)

// EnvPrefix prefixes environment overrides, e.g. QUERYGATE_DEFAULT_PROJECT.
const EnvPrefix = "QUERYGATE"

const (
	RoleCacheMemory    = "memory"
	RoleCacheRistretto = "ristretto"
)

// Config is the complete querygate configuration.
type Config struct {
	Version     uint16           `json:"version" yaml:"version"`
	Engine      EngineConfig     `json:"engine" yaml:"engine"`
	Profiles    []ProfileConfig  `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	Roles       []RoleConfig     `json:"roles" yaml:"roles"`
	Memberships []RoleMembership `json:"memberships" yaml:"memberships"`
}

type ProfileConfig struct {
	PrincipalID string `json:"principal_id" yaml:"principal_id"`
	Email       string `json:"email,omitempty" yaml:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

// RoleConfig grants permissions and datasets. A dataset with no tables is
// granted in full.
type RoleConfig struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Permissions []string       `json:"permissions" yaml:"permissions"`
	Datasets    []DatasetGrant `json:"datasets" yaml:"datasets"`
}

type DatasetGrant struct {
	Dataset string   `json:"dataset" yaml:"dataset"`
	Tables  []string `json:"tables,omitempty" yaml:"tables,omitempty"`
}

type RoleMembership struct {
	PrincipalID string `json:"principal_id" yaml:"principal_id"`
	RoleID      string `json:"role_id" yaml:"role_id"`
}

// EngineConfig holds engine settings. Durations are milliseconds.
type EngineConfig struct {
	DefaultProject             string `json:"default_project" yaml:"default_project" envconfig:"DEFAULT_PROJECT"`
	RequiredPermission         string `json:"required_permission" yaml:"required_permission" envconfig:"REQUIRED_PERMISSION"`
	RoleCacheTTL               int64  `json:"role_cache_ttl_ms" yaml:"role_cache_ttl_ms" envconfig:"ROLE_CACHE_TTL_MS"`
	QueryCacheTTL              int64  `json:"query_cache_ttl_ms" yaml:"query_cache_ttl_ms" envconfig:"QUERY_CACHE_TTL_MS"`
	MaxCachedRows              int    `json:"max_cached_rows" yaml:"max_cached_rows" envconfig:"MAX_CACHED_ROWS"`
	HitQueueSize               int    `json:"hit_queue_size" yaml:"hit_queue_size" envconfig:"HIT_QUEUE_SIZE"`
	AuditQueueSize             int    `json:"audit_queue_size" yaml:"audit_queue_size" envconfig:"AUDIT_QUEUE_SIZE"`
	SweepInterval              int64  `json:"sweep_interval_ms" yaml:"sweep_interval_ms" envconfig:"SWEEP_INTERVAL_MS"`
	ShareCacheAcrossPrincipals bool   `json:"share_cache_across_principals" yaml:"share_cache_across_principals" envconfig:"SHARE_CACHE_ACROSS_PRINCIPALS"`
	AllowUnqualifiedTables     bool   `json:"allow_unqualified_tables" yaml:"allow_unqualified_tables" envconfig:"ALLOW_UNQUALIFIED_TABLES"`
	ValidateReadOnly           bool   `json:"validate_read_only" yaml:"validate_read_only" envconfig:"VALIDATE_READ_ONLY"`
	RoleCacheBackend           string `json:"role_cache_backend" yaml:"role_cache_backend" envconfig:"ROLE_CACHE_BACKEND"`
	RistrettoNumCounter        int64  `json:"ristretto_num_counter" yaml:"ristretto_num_counter" envconfig:"RISTRETTO_NUM_COUNTER"`
	RistrettoMaxCost           int64  `json:"ristretto_max_cost" yaml:"ristretto_max_cost" envconfig:"RISTRETTO_MAX_COST"`
	RistrettoBuffer            int64  `json:"ristretto_buffer" yaml:"ristretto_buffer" envconfig:"RISTRETTO_BUFFER"`
}

// DefaultEngineConfig mirrors the package defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RequiredPermission: DefaultRequiredPermission,
		RoleCacheTTL:       DefaultRoleCacheTTL.Milliseconds(),
		QueryCacheTTL:      DefaultQueryCacheTTL.Milliseconds(),
		MaxCachedRows:      DefaultMaxCachedRows,
		HitQueueSize:       DefaultHitQueueSize,
		AuditQueueSize:     DefaultAuditQueueSize,
		SweepInterval:      DefaultSweepInterval.Milliseconds(),
		RoleCacheBackend:   RoleCacheMemory,
	}
}

func millis(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func (c EngineConfig) RoleCacheTTLDuration() time.Duration {
	return millis(c.RoleCacheTTL, DefaultRoleCacheTTL)
}

func (c EngineConfig) QueryCacheTTLDuration() time.Duration {
	return millis(c.QueryCacheTTL, DefaultQueryCacheTTL)
}

func (c EngineConfig) SweepIntervalDuration() time.Duration {
	return millis(c.SweepInterval, DefaultSweepInterval)
}

// QueryCacheOptions translates the cache settings.
func (c EngineConfig) QueryCacheOptions() []QueryCacheOption {
	return []QueryCacheOption{
		WithCacheTTL(c.QueryCacheTTLDuration()),
		WithMaxRows(c.MaxCachedRows),
		WithHitQueueSize(c.HitQueueSize),
		WithCrossPrincipalSharing(c.ShareCacheAcrossPrincipals),
	}
}

// NewRoleCache builds the configured role-data cache backend.
func (c EngineConfig) NewRoleCache() (RoleDataCache, error) {
	switch strings.ToLower(strings.TrimSpace(c.RoleCacheBackend)) {
	case "", RoleCacheMemory:
		return NewMemoryRoleCache(c.RoleCacheTTLDuration()), nil
	case RoleCacheRistretto:
		return NewRistrettoRoleCache(c.RoleCacheTTLDuration(), c.RistrettoNumCounter, c.RistrettoMaxCost, c.RistrettoBuffer)
	default:
		return nil, fmt.Errorf("unknown role cache backend %q", c.RoleCacheBackend)
	}
}

// EngineOptions translates the authorization settings. The role cache is
// built separately by NewEngineFromConfig.
func (c EngineConfig) EngineOptions() []EngineOption {
	opts := []EngineOption{WithDefaultProject(c.DefaultProject)}
	if c.RequiredPermission != "" {
		opts = append(opts, WithRequiredPermission(c.RequiredPermission))
	}
	if c.AllowUnqualifiedTables {
		opts = append(opts, WithUnqualifiedPolicy(UnqualifiedAllow))
	}
	if c.ValidateReadOnly {
		opts = append(opts, WithStatementValidator(sqlscan.ValidateReadOnly))
	}
	return opts
}

// NewEngineFromConfig wires a query cache over store (nil disables caching),
// the configured role cache, and cfg's engine settings. extra options apply last.
func NewEngineFromConfig(cfg *Config, hydrator HydrationPort, store CacheStore, extra ...EngineOption) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rc, err := cfg.Engine.NewRoleCache()
	if err != nil {
		return nil, err
	}
	var qc *QueryCache
	if store != nil {
		qc = NewQueryCache(store, cfg.Engine.QueryCacheOptions()...)
	}
	opts := append(cfg.Engine.EngineOptions(), WithRoleCache(rc))
	opts = append(opts, extra...)
	e, err := NewEngine(hydrator, qc, opts...)
	if err != nil {
		if qc != nil {
			qc.Close()
		}
		return nil, err
	}
	if qc != nil {
		qc.logger = e.logger
		qc.metrics = e.metrics
	}
	e.ownsRoleCache = e.roleCache == rc
	return e, nil
}

func DefaultConfig() *Config {
	return &Config{Version: 1, Engine: DefaultEngineConfig()}
}

// Validate checks identifiers and cross references.
func (c *Config) Validate() error {
	var errs []error
	roles := make(map[string]struct{}, len(c.Roles))
	for i, r := range c.Roles {
		if strings.TrimSpace(r.ID) == "" {
			errs = append(errs, fmt.Errorf("roles[%d]: id is required", i))
			continue
		}
		if _, dup := roles[r.ID]; dup {
			errs = append(errs, fmt.Errorf("roles[%d]: duplicate id %q", i, r.ID))
		}
		roles[r.ID] = struct{}{}
		for j, g := range r.Datasets {
			if Normalize(g.Dataset) == "" {
				errs = append(errs, fmt.Errorf("role %s datasets[%d]: dataset is required", r.ID, j))
			}
		}
	}
	for i, m := range c.Memberships {
		if strings.TrimSpace(m.PrincipalID) == "" {
			errs = append(errs, fmt.Errorf("memberships[%d]: principal_id is required", i))
		}
		if _, ok := roles[m.RoleID]; !ok {
			errs = append(errs, fmt.Errorf("memberships[%d]: unknown role %q", i, m.RoleID))
		}
	}
	for i, p := range c.Profiles {
		if strings.TrimSpace(p.PrincipalID) == "" {
			errs = append(errs, fmt.Errorf("profiles[%d]: principal_id is required", i))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Engine.RoleCacheBackend)) {
	case "", RoleCacheMemory, RoleCacheRistretto:
	default:
		errs = append(errs, fmt.Errorf("engine: unknown role cache backend %q", c.Engine.RoleCacheBackend))
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides engine settings from QUERYGATE_* variables that are set.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, &c.Engine); err != nil {
		return fmt.Errorf("engine env overrides: %w", err)
	}
	return nil
}

// ConfigLoader loads configuration from YAML or JSON.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

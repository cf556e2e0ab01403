// Package config loads govexec configuration.
//
// Precedence (highest to lowest):
//  1. Environment variables (GOVEXEC_DATABASE_DSN, GOVEXEC_STATE_REDIS_ADDR, ...)
//  2. YAML config file
//  3. Embedded defaults
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix (section.field), except inside the nested sections
// state.redis and policy.rate_limit:
//
//	GOVEXEC_DATABASE_DSN          -> database.dsn
//	GOVEXEC_SAGA_BASE_BACKOFF     -> saga.base_backoff
//	GOVEXEC_STATE_REDIS_ADDR      -> state.redis.addr
//	GOVEXEC_POLICY_RATE_LIMIT_BURST -> policy.rate_limit.burst
//
// Lists (policy rules, capability entries) are only read from YAML.
package config

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/roach88/govexec/internal/logging"
	"github.com/roach88/govexec/internal/policy"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GOVEXEC_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

//go:embed defaults.yaml
var defaultsYAML []byte

// nestedSections lists subsections whose keys are split once more.
var nestedSections = map[string][]string{
	"state":  {"redis"},
	"policy": {"rate_limit"},
}

// Config is the full process configuration.
type Config struct {
	Database     DatabaseConfig     `koanf:"database"`
	State        StateConfig        `koanf:"state"`
	WAL          WALConfig          `koanf:"wal"`
	Policy       PolicyConfig       `koanf:"policy"`
	Capabilities CapabilitiesConfig `koanf:"capabilities"`
	Saga         SagaConfig         `koanf:"saga"`
	Session      SessionConfig      `koanf:"session"`
	Logging      logging.Config     `koanf:"logging"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

// DatabaseConfig selects the WAL backend.
type DatabaseConfig struct {
	// Driver is sqlite, postgres or memory.
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// StateConfig selects the State Store backend.
type StateConfig struct {
	// Backend is memory, database (the SQLite store) or redis.
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
}

// RedisConfig configures the Redis state backend.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// WALConfig configures WAL fan-out. An empty NATSURL disables publishing.
type WALConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// PolicyConfig configures the policy gate.
type PolicyConfig struct {
	Timeout      time.Duration   `koanf:"timeout"`
	DefaultAllow bool            `koanf:"default_allow"`
	Rules        []policy.Rule   `koanf:"rules"`
	RateLimit    RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig is a per-tenant token bucket. A zero rate disables it.
type RateLimitConfig struct {
	PerSecond float64 `koanf:"per_second"`
	Burst     int     `koanf:"burst"`
}

// CapabilitiesConfig lists the built-in handler registrations.
type CapabilitiesConfig struct {
	CacheTTL time.Duration     `koanf:"cache_ttl"`
	Entries  []CapabilityEntry `koanf:"entries"`
}

// CapabilityEntry binds an intent type to a built-in handler.
type CapabilityEntry struct {
	IntentType string `koanf:"intent_type"`
	// Handler is "echo" or "saga:<name>".
	Handler        string `koanf:"handler"`
	Version        string `koanf:"version"`
	InputContract  string `koanf:"input_contract"`
	OutputContract string `koanf:"output_contract"`
}

// SagaConfig configures the Saga Coordinator.
type SagaConfig struct {
	BaseBackoff       time.Duration `koanf:"base_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	DefaultMaxRetries int           `koanf:"default_max_retries"`
	DefinitionsDir    string        `koanf:"definitions_dir"`
}

// SessionConfig configures the Session Manager.
type SessionConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Namespace string `koanf:"namespace"`
}

// Default returns the embedded defaults.
func Default() *Config {
	cfg, err := LoadBytes(nil)
	if err != nil {
		panic(fmt.Sprintf("embedded defaults: %v", err))
	}
	return cfg
}

// Load reads defaults, then the YAML file at path (skipped when path is
// empty), then environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadBytes(nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	cfg, err := LoadBytes(content)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadBytes is Load for YAML content already in memory. A nil content
// loads defaults and environment only.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps GOVEXEC_SECTION_FIELD to section.field.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	for _, sub := range nestedSections[section] {
		if rest, found := strings.CutPrefix(field, sub+"_"); found {
			return section + "." + sub + "." + rest
		}
	}
	return section + "." + field
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or memory, got %q", c.Database.Driver)
	}

	switch c.State.Backend {
	case "memory":
	case "database":
		if c.Database.Driver != "sqlite" {
			return fmt.Errorf("state.backend database requires database.driver sqlite, got %q", c.Database.Driver)
		}
	case "redis":
		if c.State.Redis.Addr == "" {
			return fmt.Errorf("state.redis.addr is required for backend redis")
		}
	default:
		return fmt.Errorf("state.backend must be memory, database or redis, got %q", c.State.Backend)
	}

	if c.Policy.Timeout <= 0 {
		return fmt.Errorf("policy.timeout must be positive")
	}
	if c.Policy.RateLimit.PerSecond < 0 || c.Policy.RateLimit.Burst < 0 {
		return fmt.Errorf("policy.rate_limit values must be >= 0")
	}
	if c.Policy.RateLimit.PerSecond > 0 && c.Policy.RateLimit.Burst == 0 {
		return fmt.Errorf("policy.rate_limit.burst must be positive when per_second is set")
	}
	for i, r := range c.Policy.Rules {
		if r.PolicyID == "" || r.Expr == "" {
			return fmt.Errorf("policy.rules[%d]: policy_id and expr are required", i)
		}
	}

	if c.Capabilities.CacheTTL < 0 {
		return fmt.Errorf("capabilities.cache_ttl must be >= 0")
	}
	seen := map[string]bool{}
	for i, e := range c.Capabilities.Entries {
		if e.IntentType == "" {
			return fmt.Errorf("capabilities.entries[%d]: intent_type is required", i)
		}
		if e.Handler != "echo" && !strings.HasPrefix(e.Handler, "saga:") {
			return fmt.Errorf("capabilities.entries[%d]: handler must be echo or saga:<name>, got %q", i, e.Handler)
		}
		if e.Handler == "saga:" {
			return fmt.Errorf("capabilities.entries[%d]: saga handler needs a name", i)
		}
		key := e.IntentType + "@" + e.Version
		if seen[key] {
			return fmt.Errorf("capabilities.entries[%d]: duplicate registration %s", i, key)
		}
		seen[key] = true
	}

	if c.Saga.BaseBackoff <= 0 || c.Saga.MaxBackoff < c.Saga.BaseBackoff {
		return fmt.Errorf("saga backoff must satisfy 0 < base_backoff <= max_backoff")
	}
	if c.Saga.DefaultMaxRetries < 0 {
		return fmt.Errorf("saga.default_max_retries must be >= 0")
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("session.ttl must be >= 0")
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics.namespace is required")
	}
	return nil
}

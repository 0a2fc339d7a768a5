// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads acteond's configuration from a YAML file plus
// environment overrides, the way the teacher's internal/config loads
// conductor.yaml: Default() fills in every field, loadFromFile merges
// a YAML document on top, loadFromEnv merges environment variables on
// top of that, and Validate rejects whatever is left inconsistent.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/penserai/acteon/pkg/acteonerr"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete acteond configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	Log    LogConfig    `yaml:"log"`

	State    StateConfig    `yaml:"state"`
	Lock     LockConfig     `yaml:"lock"`
	Audit    AuditConfig    `yaml:"audit"`
	Executor ExecutorConfig `yaml:"executor"`
	Breaker  BreakerConfig  `yaml:"breaker"`

	// SigningKeys maps an HMAC key id to its secret, for approval
	// decision URL signing and verification. DefaultSigningKID selects
	// which key new approvals are signed with; older keys stay valid
	// for verification so they can be rotated without invalidating
	// in-flight approvals.
	SigningKeys      map[string]string `yaml:"signing_keys,omitempty"`
	DefaultSigningKID string           `yaml:"default_signing_kid,omitempty"`

	// DefaultTimezone names the IANA zone rules evaluate time.* fields
	// in when a rule doesn't set its own Timezone.
	DefaultTimezone string `yaml:"default_timezone,omitempty"`

	// TimerTickInterval is how often the background timer loop sweeps
	// expired timeouts and ready chains.
	TimerTickInterval time.Duration `yaml:"timer_tick_interval,omitempty"`

	// ExternalURL is the externally reachable API root used to build
	// approval approve/reject links.
	ExternalURL string `yaml:"external_url,omitempty"`

	// RulesDir is the directory POST /v1/rules/reload re-reads by
	// default when the request body omits a directory.
	RulesDir string `yaml:"rules_dir,omitempty"`

	// Providers declares the provider.Provider instances registered at
	// startup. Each deployment names and configures its own set; none
	// ship pre-registered.
	Providers ProvidersConfig `yaml:"providers,omitempty"`
}

// ProvidersConfig declares the statically configured providers loaded
// into the registry at startup, grouped by provider kind.
type ProvidersConfig struct {
	HTTPWebhook []HTTPWebhookProviderConfig `yaml:"http_webhook,omitempty"`
	Slack       []SlackProviderConfig       `yaml:"slack,omitempty"`
}

// HTTPWebhookProviderConfig configures one pkg/provider/httpwebhook instance.
type HTTPWebhookProviderConfig struct {
	Name             string            `yaml:"name"`
	URL              string            `yaml:"url"`
	Method           string            `yaml:"method,omitempty"`
	Timeout          time.Duration     `yaml:"timeout,omitempty"`
	MaxResponseBytes int64             `yaml:"max_response_bytes,omitempty"`
	AllowedHosts     []string          `yaml:"allowed_hosts,omitempty"`
	BlockedHosts     []string          `yaml:"blocked_hosts,omitempty"`
	Auth             *ProviderAuthConfig `yaml:"auth,omitempty"`
}

// ProviderAuthConfig configures outbound authentication for an
// httpwebhook provider instance.
type ProviderAuthConfig struct {
	Type     string `yaml:"type,omitempty"` // "bearer", "basic", or "api_key"
	Token    string `yaml:"token,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Header   string `yaml:"header,omitempty"`
	Value    string `yaml:"value,omitempty"`
}

// SlackProviderConfig configures one pkg/provider/slack instance.
type SlackProviderConfig struct {
	Name    string        `yaml:"name"`
	Token   string        `yaml:"token"`
	BaseURL string        `yaml:"base_url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ListenConfig configures the REST API's listener.
type ListenConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// LogConfig mirrors internal/log.Config's fields for YAML/env loading.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`
	Format    string `yaml:"format,omitempty"`
	AddSource bool   `yaml:"add_source,omitempty"`
}

// StateConfig selects and configures the state store backend.
type StateConfig struct {
	// Backend is "memory", "sqlite", or "postgres".
	Backend string `yaml:"backend,omitempty"`

	SQLitePath string `yaml:"sqlite_path,omitempty"`
	SQLiteWAL  bool    `yaml:"sqlite_wal,omitempty"`

	PostgresDSN             string        `yaml:"postgres_dsn,omitempty"`
	PostgresMaxOpenConns    int           `yaml:"postgres_max_open_conns,omitempty"`
	PostgresMaxIdleConns    int           `yaml:"postgres_max_idle_conns,omitempty"`
	PostgresConnMaxLifetime time.Duration `yaml:"postgres_conn_max_lifetime,omitempty"`
}

// LockConfig selects and configures the distributed lock backend.
type LockConfig struct {
	// Backend is "memory" or "postgres". Production deployments with
	// more than one acteond process must use "postgres": the in-memory
	// lock only serializes within a single process.
	Backend string `yaml:"backend,omitempty"`

	PostgresDSN          string `yaml:"postgres_dsn,omitempty"`
	PostgresMaxOpenConns int    `yaml:"postgres_max_open_conns,omitempty"`
}

// AuditConfig selects and configures the audit sink backend.
type AuditConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `yaml:"backend,omitempty"`
	// Chained enables the hash-chained tamper-evidence mode.
	Chained bool `yaml:"chained,omitempty"`

	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// ExecutorConfig tunes the provider-call executor.
type ExecutorConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent,omitempty"`
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout,omitempty"`
}

// BreakerConfig sets the default circuit breaker thresholds newly
// seen providers get when no per-provider override is configured.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	SuccessThreshold int           `yaml:"success_threshold,omitempty"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout,omitempty"`
}

// Default returns a Config with sensible defaults for local
// development: in-memory backends everywhere, a permissive executor,
// and a single signing key that must be overridden before production
// use (Validate rejects the zero-value map, not this literal value,
// so operators still have to make a deliberate choice).
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Addr: ":8080"},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		State: StateConfig{
			Backend:    "memory",
			SQLiteWAL:  true,
		},
		Lock: LockConfig{Backend: "memory"},
		Audit: AuditConfig{
			Backend: "memory",
			Chained: false,
		},
		Executor: ExecutorConfig{
			MaxConcurrent:    64,
			MaxRetries:       2,
			ExecutionTimeout: 10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			RecoveryTimeout:  30 * time.Second,
		},
		SigningKeys:       map[string]string{"dev": "dev-signing-key-change-me"},
		DefaultSigningKID: "dev",
		DefaultTimezone:   "UTC",
		TimerTickInterval: 100 * time.Millisecond,
		RulesDir:          "./rules",
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment variable overrides, in that order, then validates the
// result. An empty configPath skips the file step.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &acteonerr.ConfigError{Key: "config_file", Reason: fmt.Sprintf("failed to load %s", configPath), Cause: err}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &acteonerr.ConfigError{Key: "validation", Reason: "configuration validation failed", Cause: err}
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv overrides cfg with ACTEON_-prefixed environment
// variables, mirroring the teacher's CONDUCTOR_-prefixed scheme.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("ACTEON_LISTEN_ADDR"); v != "" {
		c.Listen.Addr = v
	}
	if v := os.Getenv("ACTEON_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ACTEON_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("ACTEON_DEBUG"); v == "1" || strings.ToLower(v) == "true" {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	}
	if v := os.Getenv("ACTEON_STATE_BACKEND"); v != "" {
		c.State.Backend = v
	}
	if v := os.Getenv("ACTEON_STATE_POSTGRES_DSN"); v != "" {
		c.State.PostgresDSN = v
	}
	if v := os.Getenv("ACTEON_STATE_SQLITE_PATH"); v != "" {
		c.State.SQLitePath = v
	}
	if v := os.Getenv("ACTEON_LOCK_BACKEND"); v != "" {
		c.Lock.Backend = v
	}
	if v := os.Getenv("ACTEON_LOCK_POSTGRES_DSN"); v != "" {
		c.Lock.PostgresDSN = v
	}
	if v := os.Getenv("ACTEON_AUDIT_BACKEND"); v != "" {
		c.Audit.Backend = v
	}
	if v := os.Getenv("ACTEON_AUDIT_POSTGRES_DSN"); v != "" {
		c.Audit.PostgresDSN = v
	}
	if v := os.Getenv("ACTEON_AUDIT_CHAINED"); v == "1" || strings.ToLower(v) == "true" {
		c.Audit.Chained = true
	}
	if v := os.Getenv("ACTEON_EXECUTOR_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Executor.MaxConcurrent = n
		}
	}
	if v := os.Getenv("ACTEON_EXECUTOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Executor.MaxRetries = n
		}
	}
	if v := os.Getenv("ACTEON_EXECUTOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Executor.ExecutionTimeout = d
		}
	}
	if v := os.Getenv("ACTEON_DEFAULT_TIMEZONE"); v != "" {
		c.DefaultTimezone = v
	}
	if v := os.Getenv("ACTEON_TIMER_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TimerTickInterval = d
		}
	}
	if v := os.Getenv("ACTEON_EXTERNAL_URL"); v != "" {
		c.ExternalURL = v
	}
	if v := os.Getenv("ACTEON_RULES_DIR"); v != "" {
		c.RulesDir = v
	}
	if v := os.Getenv("ACTEON_DEFAULT_SIGNING_KID"); v != "" {
		c.DefaultSigningKID = v
	}
	// ACTEON_SIGNING_KEY_<KID>=<secret> adds or overrides one key
	// without requiring the whole map to round-trip through YAML.
	for _, kv := range os.Environ() {
		const prefix = "ACTEON_SIGNING_KEY_"
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		kid := strings.ToLower(kv[len(prefix):eq])
		secret := kv[eq+1:]
		if c.SigningKeys == nil {
			c.SigningKeys = make(map[string]string)
		}
		c.SigningKeys[kid] = secret
	}
}

// Validate checks that the configuration is internally consistent,
// aggregating every problem found rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Listen.Addr == "" {
		errs = append(errs, "listen.addr must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch c.State.Backend {
	case "memory":
	case "sqlite":
		if c.State.SQLitePath == "" {
			errs = append(errs, "state.sqlite_path is required when state.backend is sqlite")
		}
	case "postgres":
		if c.State.PostgresDSN == "" {
			errs = append(errs, "state.postgres_dsn is required when state.backend is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("state.backend must be one of [memory, sqlite, postgres], got %q", c.State.Backend))
	}

	switch c.Lock.Backend {
	case "memory":
	case "postgres":
		if c.Lock.PostgresDSN == "" {
			errs = append(errs, "lock.postgres_dsn is required when lock.backend is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.backend must be one of [memory, postgres], got %q", c.Lock.Backend))
	}

	switch c.Audit.Backend {
	case "memory":
	case "postgres":
		if c.Audit.PostgresDSN == "" {
			errs = append(errs, "audit.postgres_dsn is required when audit.backend is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("audit.backend must be one of [memory, postgres], got %q", c.Audit.Backend))
	}

	if c.Executor.MaxRetries < 0 {
		errs = append(errs, "executor.max_retries must not be negative")
	}
	if c.Executor.ExecutionTimeout <= 0 {
		errs = append(errs, "executor.execution_timeout must be positive")
	}

	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker.failure_threshold must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, "breaker.success_threshold must be positive")
	}

	if len(c.SigningKeys) == 0 {
		errs = append(errs, "signing_keys must have at least one entry")
	} else if _, ok := c.SigningKeys[c.DefaultSigningKID]; !ok {
		errs = append(errs, fmt.Sprintf("default_signing_kid %q is not present in signing_keys", c.DefaultSigningKID))
	}

	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Sprintf("default_timezone %q is not a valid IANA zone: %v", c.DefaultTimezone, err))
	}

	if c.TimerTickInterval <= 0 {
		errs = append(errs, "timer_tick_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

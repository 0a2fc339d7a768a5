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

// Package log builds the dispatch core's structured logger.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Standard field keys, kept consistent across the dispatch path so log
// aggregation queries don't need per-package knowledge of field names.
const (
	ActionIDKey  = "action_id"
	ChainIDKey   = "chain_id"
	NamespaceKey = "namespace"
	TenantKey    = "tenant"
	ProviderKey  = "provider"
	RuleKey      = "rule"
	DurationKey  = "duration_ms"
)

// Config holds the logging configuration.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv creates a Config from environment variables.
//
//   - ACTEON_DEBUG: true/1 enables debug level and source logging.
//   - ACTEON_LOG_LEVEL: debug, info, warn, error.
//   - ACTEON_LOG_FORMAT: json, text.
//   - ACTEON_LOG_SOURCE: 1 enables source file/line.
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("ACTEON_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}
	if debug == "" {
		if level := os.Getenv("ACTEON_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}
	if format := os.Getenv("ACTEON_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("ACTEON_LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

// New creates a structured logger from cfg.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithDispatch returns a logger annotated with the action/namespace/tenant
// identifying one dispatch, for correlation across the rule, workflow,
// and provider log lines a single Dispatch call produces.
func WithDispatch(logger *slog.Logger, namespace, tenant, actionID string) *slog.Logger {
	return logger.With(slog.String(NamespaceKey, namespace), slog.String(TenantKey, tenant), slog.String(ActionIDKey, actionID))
}

// WithProvider returns a logger annotated with a provider name.
func WithProvider(logger *slog.Logger, provider string) *slog.Logger {
	return logger.With(slog.String(ProviderKey, provider))
}

// WithChain returns a logger annotated with a chain instance ID.
func WithChain(logger *slog.Logger, chainID string) *slog.Logger {
	return logger.With(slog.String(ChainIDKey, chainID))
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, ms int64) slog.Attr {
	return slog.Int64(key+"_ms", ms)
}

// Err creates an error attribute.
func Err(err error) slog.Attr {
	return slog.Any("error", err)
}

// SanitizeSecret masks a credential, showing only its last 4 characters.
// Returns "[REDACTED]" if the value is too short to mask usefully.
func SanitizeSecret(v string) string {
	if len(v) <= 4 {
		return "[REDACTED]"
	}
	return "..." + v[len(v)-4:]
}

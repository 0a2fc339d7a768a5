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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, os.Stderr, cfg.Output)
	assert.False(t, cfg.AddSource)
}

func TestFromEnv(t *testing.T) {
	for _, k := range []string{"ACTEON_DEBUG", "ACTEON_LOG_LEVEL", "ACTEON_LOG_FORMAT", "ACTEON_LOG_SOURCE"} {
		t.Setenv(k, "")
	}

	t.Run("defaults when unset", func(t *testing.T) {
		cfg := FromEnv()
		assert.Equal(t, "info", cfg.Level)
		assert.Equal(t, FormatJSON, cfg.Format)
	})

	t.Run("log level override", func(t *testing.T) {
		t.Setenv("ACTEON_LOG_LEVEL", "DEBUG")
		cfg := FromEnv()
		assert.Equal(t, "debug", cfg.Level)
	})

	t.Run("debug flag forces debug and source", func(t *testing.T) {
		t.Setenv("ACTEON_DEBUG", "1")
		cfg := FromEnv()
		assert.Equal(t, "debug", cfg.Level)
		assert.True(t, cfg.AddSource)
	})

	t.Run("format override", func(t *testing.T) {
		t.Setenv("ACTEON_LOG_FORMAT", "text")
		cfg := FromEnv()
		assert.Equal(t, FormatText, cfg.Format)
	})
}

func TestNew_WritesJSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("dispatch accepted", "namespace", "billing")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "dispatch accepted", decoded["msg"])
	assert.Equal(t, "billing", decoded["namespace"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestNew_LevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})
	logger.Info("should be dropped")
	assert.Empty(t, buf.String())
	logger.Warn("should appear")
	assert.NotEmpty(t, buf.String())
}

func TestWithDispatch_AddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger := WithDispatch(base, "billing", "acme", "a-1")
	logger.Info("verdict applied")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "billing", decoded[NamespaceKey])
	assert.Equal(t, "acme", decoded[TenantKey])
	assert.Equal(t, "a-1", decoded[ActionIDKey])
}

func TestErr_WrapsErrorAsAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Error("provider call failed", Err(errors.New("boom")))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "boom", decoded["error"])
}

func TestSanitizeSecret(t *testing.T) {
	assert.Equal(t, "[REDACTED]", SanitizeSecret("ab"))
	assert.Equal(t, "...cret", SanitizeSecret("supersecret"))
}

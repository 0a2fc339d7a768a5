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

package acteonerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderCode_Retryable(t *testing.T) {
	tests := []struct {
		code ProviderCode
		want bool
	}{
		{ProviderTimeout, true},
		{ProviderConnection, true},
		{ProviderRateLimited, true},
		{ProviderNotFound, false},
		{ProviderExecutionFailed, false},
		{ProviderConfiguration, false},
		{ProviderSerialization, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.Retryable())
		})
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "action.type", Message: "must not be empty"}
	assert.Equal(t, "validation failed on action.type: must not be empty", err.Error())
	assert.Equal(t, "validation", err.ErrorType())
	assert.False(t, err.IsRetryable())
	assert.Equal(t, CodeValidation, err.Envelope().Code)
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "rule", ID: "r-1"}
	assert.Equal(t, "rule not found: r-1", err.Error())
	assert.Equal(t, CodeNotFound, err.Envelope().Code)
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("bad yaml")
	err := &ConfigError{Key: "executor.max_retries", Reason: "must be >= 0", Cause: cause}
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "bad yaml")
}

func TestProviderError_RetryableByCode(t *testing.T) {
	err := &ProviderError{Provider: "webhook", Code: ProviderTimeout, Message: "deadline exceeded"}
	assert.True(t, err.IsRetryable())
	env := err.Envelope()
	assert.Equal(t, Code(ProviderTimeout), env.Code)
	assert.True(t, env.Retryable)
}

func TestCircuitOpenError(t *testing.T) {
	err := &CircuitOpenError{Provider: "webhook", RetryAfter: 12.5}
	assert.True(t, err.IsRetryable())
	assert.Equal(t, CodeCircuitOpen, err.Envelope().Code)
	assert.Contains(t, err.Error(), "webhook")
}

func TestToEnvelope_UnknownError(t *testing.T) {
	env := ToEnvelope(errors.New("boom"))
	assert.Equal(t, CodeExecutionFailed, env.Code)
	assert.False(t, env.Retryable)
}

func TestToEnvelope_Nil(t *testing.T) {
	assert.Equal(t, Envelope{}, ToEnvelope(nil))
}

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

package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/workflow"
)

func TestChainRegistry_RegisterAndGet(t *testing.T) {
	r := NewChainRegistry()
	_, ok := r.Get("onboarding")
	assert.False(t, ok)

	r.Register(workflow.ChainConfig{Name: "onboarding", Steps: []workflow.ChainStepConfig{{Name: "step1"}}})
	cfg, ok := r.Get("onboarding")
	require.True(t, ok)
	assert.Equal(t, "onboarding", cfg.Name)
	assert.Contains(t, r.Names(), "onboarding")
}

func TestStateMachineRegistry_RegisterAndGet(t *testing.T) {
	r := NewStateMachineRegistry()
	r.Register(workflow.StateMachineConfig{Name: "incident", Initial: "open"})
	cfg, ok := r.Get("incident")
	require.True(t, ok)
	assert.Equal(t, "open", cfg.Initial)
}

func TestQuotaRegistry_ScopedAndWildcardPoliciesBothApply(t *testing.T) {
	r := NewQuotaRegistry()
	r.Register("acme", "prod", workflow.QuotaPolicy{Name: "tenant-cap", MaxActions: 100})
	r.Register("*", "*", workflow.QuotaPolicy{Name: "fleet-cap", MaxActions: 10000})

	acmeProd := r.List("acme", "prod")
	require.Len(t, acmeProd, 2)
	assert.Equal(t, "tenant-cap", acmeProd[0].Name)
	assert.Equal(t, "fleet-cap", acmeProd[1].Name)

	other := r.List("other-ns", "other-tenant")
	require.Len(t, other, 1)
	assert.Equal(t, "fleet-cap", other[0].Name)
}

func TestQuotaRegistry_RegisterUpsertsByName(t *testing.T) {
	r := NewQuotaRegistry()
	r.Register("acme", "prod", workflow.QuotaPolicy{Name: "cap", MaxActions: 100})
	r.Register("acme", "prod", workflow.QuotaPolicy{Name: "cap", MaxActions: 200})

	policies := r.List("acme", "prod")
	require.Len(t, policies, 1)
	assert.EqualValues(t, 200, policies[0].MaxActions)
}

func TestCustomRegistry_RegisterAndGet(t *testing.T) {
	r := NewCustomRegistry()
	_, ok := r.Get("paging")
	assert.False(t, ok)

	r.Register("paging", func(context.Context, *action.Action, map[string]any) (action.ActionOutcome, error) {
		return action.Executed(nil), nil
	})
	h, ok := r.Get("paging")
	require.True(t, ok)
	out, err := h(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeExecuted, out.Tag)
}

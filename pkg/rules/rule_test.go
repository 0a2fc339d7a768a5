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

package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRule_RoundTripPreservesVerdict(t *testing.T) {
	r := &Rule{
		Name:      "block-spam",
		Priority:  1,
		Enabled:   true,
		Condition: Binary(OpEq, Field(Ident("action"), "action_type"), LitStrExpr("spam")),
		Action:    Throttle(10, 60),
		Version:   1,
	}

	b, err := json.Marshal(r)
	require.NoError(t, err)

	var back Rule
	require.NoError(t, json.Unmarshal(b, &back))

	assert.Equal(t, r.Name, back.Name)
	assert.Equal(t, r.Condition.Display(), back.Condition.Display())
	assert.Equal(t, ActionThrottle, back.Action.Kind)
	assert.Equal(t, int64(10), back.Action.Throttle.MaxCount)
}

func TestRuleAction_ExternallyTagged(t *testing.T) {
	b, err := json.Marshal(Allow())
	require.NoError(t, err)
	assert.JSONEq(t, `{"Allow":null}`, string(b))
}

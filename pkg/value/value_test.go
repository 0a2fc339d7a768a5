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

package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"null", Null(), false},
		{"false", Bool(false), false},
		{"true", Bool(true), true},
		{"zero int", Int(0), false},
		{"nonzero int", Int(1), true},
		{"empty string", String(""), false},
		{"nonempty string", String("x"), true},
		{"empty list", List(nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.Truthy())
		})
	}
}

func TestEqual_NumericCrossKind(t *testing.T) {
	assert.True(t, Equal(Int(3), Float(3.0)))
	assert.False(t, Equal(Int(3), Float(3.5)))
}

func TestCompare_Strings(t *testing.T) {
	cmp, ok := Compare(String("a"), String("b"))
	assert.True(t, ok)
	assert.Equal(t, -1, cmp)
}

func TestCompare_Incomparable(t *testing.T) {
	_, ok := Compare(String("a"), Int(1))
	assert.False(t, ok)
}

func TestFromAny_RoundTrip(t *testing.T) {
	in := map[string]any{
		"name":  "acteon",
		"count": float64(3),
		"tags":  []any{"a", "b"},
		"ok":    true,
		"null":  nil,
	}
	v := FromAny(in)
	m, ok := v.Map()
	assert.True(t, ok)
	assert.Equal(t, "acteon", m["name"].ToString())

	back := v.ToAny().(map[string]any)
	assert.Equal(t, true, back["ok"])
}

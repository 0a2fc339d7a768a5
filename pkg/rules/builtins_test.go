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
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/value"
)

func newCtx() *EvalContext {
	a := action.New("ns", "t", "p", "x", json.RawMessage(`{}`))
	return NewEvalContext(context.Background(), a, nil, time.Now(), nil)
}

func TestBuiltin_Len(t *testing.T) {
	v, err := Evaluate(Call("len", LitStrExpr("hello")), newCtx())
	require.NoError(t, err)
	i, _ := v.Int()
	assert.Equal(t, int64(5), i)
}

func TestBuiltin_ContainsList(t *testing.T) {
	v, err := builtinContains([]value.Value{
		value.List([]value.Value{value.String("a"), value.String("b")}),
		value.String("b"),
	}, newCtx())
	require.NoError(t, err)
	ok, _ := v.Bool()
	assert.True(t, ok)
}

func TestBuiltin_Matches(t *testing.T) {
	v, err := Evaluate(Call("matches", LitStrExpr("hello-123"), LitStrExpr(`^hello-\d+$`)), newCtx())
	require.NoError(t, err)
	ok, _ := v.Bool()
	assert.True(t, ok)
}

func TestBuiltin_MatchesInvalidRegex(t *testing.T) {
	_, err := Evaluate(Call("matches", LitStrExpr("x"), LitStrExpr("(")), newCtx())
	require.Error(t, err)
	var te *TypeError
	assert.ErrorAs(t, err, &te)
}

func TestBuiltin_Format(t *testing.T) {
	v, err := Evaluate(Call("format", LitStrExpr("{} says {}"), LitStrExpr("acteon"), LitIntExpr(42)), newCtx())
	require.NoError(t, err)
	s, _ := v.Str()
	assert.Equal(t, "acteon says 42", s)
}

func TestBuiltin_ToIntFromString(t *testing.T) {
	v, err := Evaluate(Call("to_int", LitStrExpr("42")), newCtx())
	require.NoError(t, err)
	i, _ := v.Int()
	assert.Equal(t, int64(42), i)
}

func TestBuiltin_MinMax(t *testing.T) {
	v, err := Evaluate(Call("max", LitIntExpr(3), LitIntExpr(9), LitIntExpr(5)), newCtx())
	require.NoError(t, err)
	i, _ := v.Int()
	assert.Equal(t, int64(9), i)

	v, err = Evaluate(Call("min", LitIntExpr(3), LitIntExpr(9), LitIntExpr(5)), newCtx())
	require.NoError(t, err)
	i, _ = v.Int()
	assert.Equal(t, int64(3), i)
}

func TestBuiltin_ArityErrors(t *testing.T) {
	_, err := Evaluate(Call("len"), newCtx())
	require.Error(t, err)
}

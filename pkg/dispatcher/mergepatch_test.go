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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePatch_AddsAndReplacesFields(t *testing.T) {
	out, err := mergePatch([]byte(`{"a":1,"b":2}`), []byte(`{"b":3,"c":4}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":3,"c":4}`, string(out))
}

func TestMergePatch_NullDeletesKey(t *testing.T) {
	out, err := mergePatch([]byte(`{"a":1,"b":2}`), []byte(`{"b":null}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestMergePatch_NestedObjectsMergeRecursively(t *testing.T) {
	out, err := mergePatch([]byte(`{"a":{"x":1,"y":2}}`), []byte(`{"a":{"y":3,"z":4}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"x":1,"y":3,"z":4}}`, string(out))
}

func TestMergePatch_NonObjectPatchReplacesWholesale(t *testing.T) {
	out, err := mergePatch([]byte(`{"a":1}`), []byte(`[1,2,3]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(out))
}

func TestMergePatch_ArraysReplaceRatherThanMerge(t *testing.T) {
	out, err := mergePatch([]byte(`{"a":[1,2,3]}`), []byte(`{"a":[4,5]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[4,5]}`, string(out))
}

func TestMergePatch_EmptyTargetTreatsPatchAsTheWholeDocument(t *testing.T) {
	out, err := mergePatch(nil, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestMergePatch_InvalidPatchReturnsError(t *testing.T) {
	_, err := mergePatch([]byte(`{"a":1}`), []byte(`not json`))
	assert.Error(t, err)
}

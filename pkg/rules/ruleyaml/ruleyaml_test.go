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

package ruleyaml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/pkg/rules"
)

const sampleRules = `
rules:
  - name: suppress-low-priority-pages
    priority: 10
    enabled: true
    condition:
      kind: binary
      op: eq
      left:
        kind: field
        target: { kind: ident, name: action }
        name: action_type
      right:
        kind: literal
        literal: { kind: string, s: page }
    action:
      Suppress: null
  - name: reroute-sms-to-email
    priority: 20
    condition:
      kind: literal
      literal: { kind: bool, b: true }
    action:
      Reroute:
        target: email
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile_DecodesRulesAndStampsSource(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "paging.yaml", sampleRules)

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	first := loaded[0]
	assert.Equal(t, "suppress-low-priority-pages", first.Name)
	assert.Equal(t, 10, first.Priority)
	assert.True(t, first.Enabled)
	assert.Equal(t, "paging.yaml", first.Source)
	require.NotNil(t, first.Condition)
	assert.Equal(t, rules.ExprBinary, first.Condition.Kind)
	assert.Equal(t, rules.ActionSuppress, first.Action.Kind)

	second := loaded[1]
	assert.Equal(t, rules.ActionReroute, second.Action.Kind)
	require.NotNil(t, second.Action.Reroute)
	assert.Equal(t, "email", second.Action.Reroute.Target)
}

func TestLoadFile_PreservesExplicitSource(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tagged.yaml", `
rules:
  - name: tagged
    priority: 1
    enabled: true
    source: hand-authored
    condition: { kind: literal, literal: { kind: bool, b: true } }
    action: { Allow: null }
`)

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "hand-authored", loaded[0].Source)
}

func TestLoadDir_CombinesFilesInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", `
rules:
  - name: from-b
    priority: 1
    enabled: true
    condition: { kind: literal, literal: { kind: bool, b: true } }
    action: { Allow: null }
`)
	writeFile(t, dir, "a.yml", `
rules:
  - name: from-a
    priority: 1
    enabled: true
    condition: { kind: literal, literal: { kind: bool, b: true } }
    action: { Deny: null }
`)
	writeFile(t, dir, "notes.txt", "ignore me")

	loaded, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "from-a", loaded[0].Name)
	assert.Equal(t, "from-b", loaded[1].Name)
}

func TestLoadDir_MissingDirectoryErrors(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestReloadFromDir_ReplacesEvaluatorRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yaml", sampleRules)

	eval := rules.NewEvaluator(nil, nil)
	require.NoError(t, ReloadFromDir(dir, eval))
	assert.Len(t, eval.Rules(), 2)
}

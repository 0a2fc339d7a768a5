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

// Package ruleyaml is a thin frontend over pkg/rules: it loads rule files
// written in YAML from a directory and decodes them into *rules.Rule.
//
// Rule, RuleAction, and Expr already define their wire shape with JSON
// struct tags and, for RuleAction, a custom externally-tagged
// UnmarshalJSON. Rather than duplicate that shape with parallel YAML
// tags, a rule file is decoded once into a generic tree with
// gopkg.in/yaml.v3, re-encoded as JSON, and unmarshalled through the
// existing JSON path, so a rule reads the same whether it arrives over
// the REST API or from a file on disk.
package ruleyaml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/penserai/acteon/pkg/rules"
)

// file is the top-level shape of a rule file: a list of rules under a
// "rules" key, so one file can hold an entire namespace's rule set.
type file struct {
	Rules []json.RawMessage `json:"rules"`
}

// LoadDir reads every *.yaml and *.yml file in dir, decodes each one's
// "rules" list, stamps Source with the originating file name for rules
// that don't set their own, and returns the combined set sorted by file
// name then in-file order. It does not sort by Priority; the caller
// passes the result to rules.Evaluator.Replace, which does that itself.
func LoadDir(dir string) ([]*rules.Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ruleyaml: read dir %q: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []*rules.Rule
	for _, name := range names {
		loaded, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, loaded...)
	}
	return out, nil
}

// LoadFile decodes a single rule file.
func LoadFile(path string) ([]*rules.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruleyaml: read %q: %w", path, err)
	}

	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("ruleyaml: parse %q: %w", path, err)
	}

	// yaml.v3 decodes mappings into map[string]any, which json.Marshal
	// accepts directly, letting rules.Rule's existing JSON tags and
	// RuleAction's externally-tagged UnmarshalJSON do the real work.
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("ruleyaml: re-encode %q: %w", path, err)
	}

	var f file
	if err := json.Unmarshal(asJSON, &f); err != nil {
		return nil, fmt.Errorf("ruleyaml: decode %q: %w", path, err)
	}

	base := filepath.Base(path)
	out := make([]*rules.Rule, 0, len(f.Rules))
	for i, raw := range f.Rules {
		r := &rules.Rule{}
		if err := json.Unmarshal(raw, r); err != nil {
			return nil, fmt.Errorf("ruleyaml: decode rule %d in %q: %w", i, path, err)
		}
		if r.Source == "" {
			r.Source = base
		}
		out = append(out, r)
	}
	return out, nil
}

// ReloadFromDir loads every rule file in dir and atomically swaps them
// into eval, backing the process-startup rule load and the
// operator-triggered reload endpoint with the same code path.
func ReloadFromDir(dir string, eval *rules.Evaluator) error {
	loaded, err := LoadDir(dir)
	if err != nil {
		return err
	}
	eval.Replace(loaded)
	return nil
}

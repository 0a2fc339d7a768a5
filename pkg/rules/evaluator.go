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
	"sort"
	"sync"
	"time"
)

// Evaluator holds a mutable rule set behind a read-write lock: readers
// (every Dispatch call) run concurrently, writers (reload, enable/disable)
// are exclusive. This mirrors the shared-mutable-state policy for rule
// sets, chain configs, and breaker registries.
type Evaluator struct {
	mu              sync.RWMutex
	rules           []*Rule
	defaultTimezone *time.Location
}

// NewEvaluator builds an Evaluator with an initial rule set, sorted by
// ascending priority. defaultTZ is used when a rule has no Timezone
// override; nil defaults to UTC.
func NewEvaluator(initial []*Rule, defaultTZ *time.Location) *Evaluator {
	if defaultTZ == nil {
		defaultTZ = time.UTC
	}
	ev := &Evaluator{defaultTimezone: defaultTZ}
	ev.Replace(initial)
	return ev
}

// Replace atomically swaps the entire rule set, re-sorting by priority.
func (ev *Evaluator) Replace(rules []*Rule) {
	sorted := append([]*Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	ev.mu.Lock()
	ev.rules = sorted
	ev.mu.Unlock()
}

// Rules returns a snapshot of the current rule set in priority order.
func (ev *Evaluator) Rules() []*Rule {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	out := make([]*Rule, len(ev.rules))
	copy(out, ev.rules)
	return out
}

// SetEnabled toggles a single rule by name. Returns false if unknown.
func (ev *Evaluator) SetEnabled(name string, enabled bool) bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	for _, r := range ev.rules {
		if r.Name == name {
			r.Enabled = enabled
			return true
		}
	}
	return false
}

// Verdict is the result of evaluating the rule set against one action:
// the matched rule (nil when none matched, implying Allow) and the
// action it produced.
type Verdict struct {
	Rule   *Rule
	Action RuleAction
}

// EvaluateRules walks the rule set in priority order and returns the first
// enabled rule whose condition evaluates truthy, or the implicit Allow
// verdict if none match. Errors evaluating one rule's condition are
// swallowed here (recorded only by Trace); evaluation continues to the
// next rule, per spec §4.3.
func (ev *Evaluator) EvaluateRules(ctx *EvalContext) Verdict {
	if ctx.Location == nil {
		ctx.Location = ev.defaultTimezone
	}
	for _, r := range ev.snapshot() {
		if !r.Enabled {
			continue
		}
		ruleCtx := *ctx
		ruleCtx.Location = ev.timezoneFor(r)
		v, err := Evaluate(r.Condition, &ruleCtx)
		if err != nil {
			continue
		}
		if v.Truthy() {
			return Verdict{Rule: r, Action: r.Action}
		}
	}
	return Verdict{Rule: nil, Action: Allow()}
}

func (ev *Evaluator) snapshot() []*Rule {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	out := make([]*Rule, len(ev.rules))
	copy(out, ev.rules)
	return out
}

func (ev *Evaluator) timezoneFor(r *Rule) *time.Location {
	if r.Timezone == "" {
		return ev.defaultTimezone
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return ev.defaultTimezone
	}
	return loc
}

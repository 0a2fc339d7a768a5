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

import "time"

// RuleResult is the closed set of per-rule trace outcomes.
type RuleResult string

const (
	ResultMatched    RuleResult = "matched"
	ResultNotMatched RuleResult = "not_matched"
	ResultSkipped    RuleResult = "skipped"
	ResultError      RuleResult = "error"
)

// TraceEntry is one rule's evaluation record in a Trace call.
type TraceEntry struct {
	Name             string        `json:"name"`
	Priority         int           `json:"priority"`
	Enabled          bool          `json:"enabled"`
	ConditionDisplay string        `json:"condition_display"`
	Result           RuleResult    `json:"result"`
	Action           *RuleAction   `json:"action,omitempty"`
	DurationMicros   int64         `json:"duration_us"`
	Error            string        `json:"error,omitempty"`
	SkipReason       string        `json:"skip_reason,omitempty"`
}

// TraceResult is the read-only debug output of Trace: a per-rule log plus
// the aggregate verdict. Trace never mutates state.
type TraceResult struct {
	Entries         []TraceEntry `json:"entries"`
	Verdict         RuleAction   `json:"verdict"`
	MatchedRule     string       `json:"matched_rule,omitempty"`
	ModifiedPayload []byte       `json:"modified_payload,omitempty"`
	HasErrors       bool         `json:"has_errors"`
}

// Trace records an entry for every rule, evaluating conditions in
// priority order up to the first match; enabled rules after the match
// are recorded as skipped without being evaluated. It backs the read-only /v1/rules/evaluate
// endpoint. It never touches the state store's write path and never
// mutates the evaluator.
func (ev *Evaluator) Trace(ctx *EvalContext) TraceResult {
	if ctx.Location == nil {
		ctx.Location = ev.defaultTimezone
	}
	result := TraceResult{Verdict: Allow()}
	matched := false

	for _, r := range ev.snapshot() {
		entry := TraceEntry{
			Name:             r.Name,
			Priority:         r.Priority,
			Enabled:          r.Enabled,
			ConditionDisplay: r.Condition.Display(),
		}

		if !r.Enabled {
			entry.Result = ResultSkipped
			entry.SkipReason = "disabled"
			result.Entries = append(result.Entries, entry)
			continue
		}
		if matched {
			entry.Result = ResultSkipped
			entry.SkipReason = "earlier rule already matched"
			result.Entries = append(result.Entries, entry)
			continue
		}

		start := time.Now()
		ruleCtx := *ctx
		ruleCtx.Location = ev.timezoneFor(r)
		v, err := Evaluate(r.Condition, &ruleCtx)
		entry.DurationMicros = time.Since(start).Microseconds()

		if err != nil {
			entry.Result = ResultError
			entry.Error = err.Error()
			result.HasErrors = true
			result.Entries = append(result.Entries, entry)
			continue
		}

		if !v.Truthy() {
			entry.Result = ResultNotMatched
			result.Entries = append(result.Entries, entry)
			continue
		}

		entry.Result = ResultMatched
		action := r.Action
		entry.Action = &action
		result.Entries = append(result.Entries, entry)

		matched = true
		result.Verdict = r.Action
		result.MatchedRule = r.Name
		if r.Action.Kind == ActionModify && r.Action.Modify != nil {
			result.ModifiedPayload = r.Action.Modify.JSONMergePatch
		}
	}

	return result
}

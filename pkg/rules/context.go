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
	"time"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/value"
)

// StateLookup is the narrow slice of the state store the engine needs to
// resolve state.{kind}.{key} references lazily during evaluation.
type StateLookup interface {
	Get(ctx context.Context, namespace, tenant, kind, id string) (string, bool, error)
}

// EvalContext carries everything the engine needs to resolve identifiers
// against one action: the action itself, a state lookup, the wall clock,
// a timezone, and optional mock overrides for the read-only evaluate
// endpoint.
type EvalContext struct {
	Ctx      context.Context
	Action   *action.Action
	State    StateLookup
	Now      time.Time
	Location *time.Location
	Mocks    map[string]value.Value

	regexCache *regexCache
}

// NewEvalContext builds a context ready for Evaluate. loc defaults to UTC
// when nil.
func NewEvalContext(ctx context.Context, a *action.Action, state StateLookup, now time.Time, loc *time.Location) *EvalContext {
	if loc == nil {
		loc = time.UTC
	}
	return &EvalContext{
		Ctx:        ctx,
		Action:     a,
		State:      state,
		Now:        now,
		Location:   loc,
		regexCache: sharedRegexCache,
	}
}

var sharedRegexCache = newRegexCache(512)

// resolveIdent resolves a top-level identifier: action fields, "state",
// or "time". Field/Index walk further from here.
func (c *EvalContext) resolveIdent(name string) (value.Value, error) {
	switch name {
	case "action":
		return c.actionValue(), nil
	case "time":
		return c.timeValue(), nil
	case "state":
		return value.Map(nil), nil // resolved lazily by Field
	default:
		if c.Mocks != nil {
			if v, ok := c.Mocks[name]; ok {
				return v, nil
			}
		}
		return value.Null(), nil
	}
}

func (c *EvalContext) actionValue() value.Value {
	a := c.Action
	m := map[string]value.Value{
		"id":          value.String(a.ID),
		"namespace":   value.String(a.Namespace),
		"tenant":      value.String(a.Tenant),
		"provider":    value.String(a.Provider),
		"action_type": value.String(a.ActionType),
		"dedup_key":   value.String(a.DedupKey),
		"status":      value.String(a.Status),
		"fingerprint": value.String(a.Fingerprint),
	}
	if len(a.Payload) > 0 {
		var decoded any
		if err := json.Unmarshal(a.Payload, &decoded); err == nil {
			m["payload"] = value.FromAny(decoded)
		}
	}
	if a.Labels != nil {
		labels := make(map[string]value.Value, len(a.Labels))
		for k, v := range a.Labels {
			labels[k] = value.String(v)
		}
		m["labels"] = value.Map(labels)
	}
	return value.Map(m)
}

func (c *EvalContext) timeValue() value.Value {
	t := c.Now.In(c.Location)
	return value.Map(map[string]value.Value{
		"unix":    value.Int(t.Unix()),
		"weekday": value.Int(int64(t.Weekday())),
		"hour":    value.Int(int64(t.Hour())),
		"minute":  value.Int(int64(t.Minute())),
		"second":  value.Int(int64(t.Second())),
		"day":     value.Int(int64(t.Day())),
		"month":   value.Int(int64(t.Month())),
		"year":    value.Int(int64(t.Year())),
	})
}

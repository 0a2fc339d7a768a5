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

import "encoding/json"

// Rule is a compiled predicate+action pair. Rules are held sorted by
// ascending Priority by the Evaluator.
type Rule struct {
	Name      string         `json:"name"`
	Priority  int            `json:"priority"`
	Enabled   bool           `json:"enabled"`
	Condition *Expr          `json:"condition"`
	Action    RuleAction     `json:"action"`
	Timezone  string         `json:"timezone,omitempty"`
	Version   int            `json:"version"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// ActionKind is the closed set of RuleAction variant tags.
type ActionKind string

const (
	ActionAllow            ActionKind = "Allow"
	ActionDeny             ActionKind = "Deny"
	ActionSuppress         ActionKind = "Suppress"
	ActionDeduplicate      ActionKind = "Deduplicate"
	ActionReroute          ActionKind = "Reroute"
	ActionThrottle         ActionKind = "Throttle"
	ActionModify           ActionKind = "Modify"
	ActionGroup            ActionKind = "Group"
	ActionRequestApproval  ActionKind = "RequestApproval"
	ActionChain            ActionKind = "Chain"
	ActionStateMachine     ActionKind = "StateMachine"
	ActionCustom           ActionKind = "Custom"
)

// RuleAction is the closed, externally-tagged verdict a matched rule
// produces. Exactly one payload field is populated, selected by Kind. Like
// ActionOutcome, it serializes as {"<Kind>": {...}}.
type RuleAction struct {
	Kind ActionKind `json:"-"`

	Deduplicate     *DeduplicateAction     `json:"-"`
	Reroute         *RerouteAction         `json:"-"`
	Throttle        *ThrottleAction        `json:"-"`
	Modify          *ModifyAction          `json:"-"`
	Group           *GroupAction           `json:"-"`
	RequestApproval *RequestApprovalAction `json:"-"`
	Chain           *ChainAction           `json:"-"`
	StateMachine    *StateMachineAction    `json:"-"`
	Custom          *CustomAction          `json:"-"`
}

// MarshalJSON implements the externally-tagged encoding: {"Allow": null},
// {"Throttle": {"max_count": 10, "window_secs": 60}}, and so on.
func (a RuleAction) MarshalJSON() ([]byte, error) {
	var payload any
	switch a.Kind {
	case ActionDeduplicate:
		payload = a.Deduplicate
	case ActionReroute:
		payload = a.Reroute
	case ActionThrottle:
		payload = a.Throttle
	case ActionModify:
		payload = a.Modify
	case ActionGroup:
		payload = a.Group
	case ActionRequestApproval:
		payload = a.RequestApproval
	case ActionChain:
		payload = a.Chain
	case ActionStateMachine:
		payload = a.StateMachine
	case ActionCustom:
		payload = a.Custom
	default:
		payload = nil
	}
	return json.Marshal(map[string]any{string(a.Kind): payload})
}

// UnmarshalJSON reverses MarshalJSON's externally-tagged encoding.
func (a *RuleAction) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for kind, body := range raw {
		a.Kind = ActionKind(kind)
		switch a.Kind {
		case ActionAllow, ActionDeny, ActionSuppress:
			return nil
		case ActionDeduplicate:
			a.Deduplicate = &DeduplicateAction{}
			return json.Unmarshal(body, a.Deduplicate)
		case ActionReroute:
			a.Reroute = &RerouteAction{}
			return json.Unmarshal(body, a.Reroute)
		case ActionThrottle:
			a.Throttle = &ThrottleAction{}
			return json.Unmarshal(body, a.Throttle)
		case ActionModify:
			a.Modify = &ModifyAction{}
			return json.Unmarshal(body, a.Modify)
		case ActionGroup:
			a.Group = &GroupAction{}
			return json.Unmarshal(body, a.Group)
		case ActionRequestApproval:
			a.RequestApproval = &RequestApprovalAction{}
			return json.Unmarshal(body, a.RequestApproval)
		case ActionChain:
			a.Chain = &ChainAction{}
			return json.Unmarshal(body, a.Chain)
		case ActionStateMachine:
			a.StateMachine = &StateMachineAction{}
			return json.Unmarshal(body, a.StateMachine)
		case ActionCustom:
			a.Custom = &CustomAction{}
			return json.Unmarshal(body, a.Custom)
		}
	}
	return nil
}

type DeduplicateAction struct {
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

type RerouteAction struct {
	Target string `json:"target"`
}

type ThrottleAction struct {
	MaxCount  int64 `json:"max_count"`
	WindowSec int64 `json:"window_secs"`
}

type ModifyAction struct {
	JSONMergePatch json.RawMessage `json:"json_merge_patch"`
}

type GroupAction struct {
	By         []string `json:"by"`
	WaitSec    int64    `json:"wait_s"`
	IntervalSec int64   `json:"interval_s"`
	MaxSize    int      `json:"max_size"`
	Template   json.RawMessage `json:"template,omitempty"`
}

type RequestApprovalAction struct {
	NotifyProvider string `json:"notify_provider"`
	TimeoutSec     int64  `json:"timeout_s"`
	Message        string `json:"message,omitempty"`
}

type ChainAction struct {
	Name string `json:"name"`
}

type StateMachineAction struct {
	Name             string   `json:"name"`
	FingerprintFields []string `json:"fingerprint_fields"`
}

type CustomAction struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

func Allow() RuleAction    { return RuleAction{Kind: ActionAllow} }
func Deny() RuleAction     { return RuleAction{Kind: ActionDeny} }
func Suppress() RuleAction { return RuleAction{Kind: ActionSuppress} }

func Deduplicate(ttlSeconds int64) RuleAction {
	return RuleAction{Kind: ActionDeduplicate, Deduplicate: &DeduplicateAction{TTLSeconds: ttlSeconds}}
}

func Reroute(target string) RuleAction {
	return RuleAction{Kind: ActionReroute, Reroute: &RerouteAction{Target: target}}
}

func Throttle(max, windowSec int64) RuleAction {
	return RuleAction{Kind: ActionThrottle, Throttle: &ThrottleAction{MaxCount: max, WindowSec: windowSec}}
}

func Modify(patch json.RawMessage) RuleAction {
	return RuleAction{Kind: ActionModify, Modify: &ModifyAction{JSONMergePatch: patch}}
}

func Group(by []string, waitSec, intervalSec int64, maxSize int, template json.RawMessage) RuleAction {
	return RuleAction{Kind: ActionGroup, Group: &GroupAction{
		By: by, WaitSec: waitSec, IntervalSec: intervalSec, MaxSize: maxSize, Template: template,
	}}
}

func RequestApproval(notifyProvider string, timeoutSec int64, message string) RuleAction {
	return RuleAction{Kind: ActionRequestApproval, RequestApproval: &RequestApprovalAction{
		NotifyProvider: notifyProvider, TimeoutSec: timeoutSec, Message: message,
	}}
}

func Chain(name string) RuleAction {
	return RuleAction{Kind: ActionChain, Chain: &ChainAction{Name: name}}
}

func StateMachine(name string, fingerprintFields []string) RuleAction {
	return RuleAction{Kind: ActionStateMachine, StateMachine: &StateMachineAction{
		Name: name, FingerprintFields: fingerprintFields,
	}}
}

func Custom(name string, params map[string]any) RuleAction {
	return RuleAction{Kind: ActionCustom, Custom: &CustomAction{Name: name, Params: params}}
}

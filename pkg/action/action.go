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

// Package action defines the dispatch core's unit of work (Action) and its
// closed set of terminal/intermediate results (ActionOutcome).
package action

import (
	"encoding/json"

	"github.com/google/uuid"
)

// TraceContext carries a propagated trace span across the dispatch
// pipeline for correlation with an external tracing backend. It mirrors
// the W3C traceparent fields rather than binding to a specific exporter.
type TraceContext struct {
	TraceID    string `json:"trace_id,omitempty"`
	SpanID     string `json:"span_id,omitempty"`
	TraceFlags byte   `json:"trace_flags,omitempty"`
}

// Action is an immutable submission to the gateway. Identity is ID;
// equality is by identity, never by field comparison.
type Action struct {
	ID          string            `json:"id"`
	Namespace   string            `json:"namespace"`
	Tenant      string            `json:"tenant"`
	Provider    string            `json:"provider"`
	ActionType  string            `json:"action_type"`
	Payload     json.RawMessage   `json:"payload"`
	DedupKey    string            `json:"dedup_key,omitempty"`
	Status      string            `json:"status,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Trace       *TraceContext     `json:"trace_context,omitempty"`
}

// New assigns a fresh UUID to an action built by a caller or internal
// collaborator (group flush, chain step, approval notification).
func New(namespace, tenant, provider, actionType string, payload json.RawMessage) *Action {
	return &Action{
		ID:         uuid.NewString(),
		Namespace:  namespace,
		Tenant:     tenant,
		Provider:   provider,
		ActionType: actionType,
		Payload:    payload,
	}
}

// Clone returns a deep-enough copy for snapshotting into a chain instance
// or audit record: payload bytes are shared (immutable once set), maps are
// copied so later mutation of the clone doesn't alias the original.
func (a *Action) Clone() *Action {
	c := *a
	if a.Labels != nil {
		c.Labels = make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			c.Labels[k] = v
		}
	}
	if a.Trace != nil {
		tc := *a.Trace
		c.Trace = &tc
	}
	return &c
}

// Response is the opaque JSON body a provider returns on success.
type Response = json.RawMessage

// Outcome enumerates the closed set of ActionOutcome variant tags. The
// tag is also the externally-tagged JSON key (spec's REST contract).
type Outcome string

const (
	OutcomeExecuted        Outcome = "Executed"
	OutcomeFailed          Outcome = "Failed"
	OutcomeSuppressed      Outcome = "Suppressed"
	OutcomeDeduplicated    Outcome = "Deduplicated"
	OutcomeRerouted        Outcome = "Rerouted"
	OutcomeThrottled       Outcome = "Throttled"
	OutcomeCircuitOpen     Outcome = "CircuitOpen"
	OutcomeGrouped         Outcome = "Grouped"
	OutcomeStateChanged    Outcome = "StateChanged"
	OutcomePendingApproval Outcome = "PendingApproval"
	OutcomeChainStarted    Outcome = "ChainStarted"
)

// ActionOutcome is the closed tagged union returned by exactly one call to
// Dispatch. Exactly one of the embedded payload structs is populated,
// selected by Tag.
type ActionOutcome struct {
	Tag Outcome `json:"-"`

	Executed        *ExecutedOutcome        `json:"-"`
	Failed          *FailedOutcome          `json:"-"`
	Suppressed      *SuppressedOutcome      `json:"-"`
	Deduplicated    *DeduplicatedOutcome    `json:"-"`
	Rerouted        *RerouteOutcome         `json:"-"`
	Throttled       *ThrottledOutcome       `json:"-"`
	CircuitOpen     *CircuitOpenOutcome     `json:"-"`
	Grouped         *GroupedOutcome         `json:"-"`
	StateChanged    *StateChangedOutcome    `json:"-"`
	PendingApproval *PendingApprovalOutcome `json:"-"`
	ChainStarted    *ChainStartedOutcome    `json:"-"`
}

type ExecutedOutcome struct {
	Response Response `json:"response"`
}

type FailedOutcome struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
	Retryable bool   `json:"retryable"`
}

type SuppressedOutcome struct {
	Rule string `json:"rule"`
}

type DeduplicatedOutcome struct{}

type RerouteOutcome struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Response Response `json:"response,omitempty"`
}

type ThrottledOutcome struct {
	RetryAfter float64 `json:"retry_after"`
}

type CircuitOpenOutcome struct {
	Provider   string  `json:"provider"`
	RetryAfter float64 `json:"retry_after"`
}

type GroupedOutcome struct {
	GroupID   string `json:"group_id"`
	GroupSize int    `json:"group_size"`
	NotifyAt  int64  `json:"notify_at"`
}

type StateChangedOutcome struct {
	Fingerprint string `json:"fingerprint"`
	Prev        string `json:"prev"`
	New         string `json:"new"`
	Notify      bool   `json:"notify"`
}

type PendingApprovalOutcome struct {
	ID                string `json:"id"`
	ExpiresAt         int64  `json:"expires_at"`
	ApproveURL        string `json:"approve_url"`
	RejectURL         string `json:"reject_url"`
	NotificationSent  bool   `json:"notification_sent"`
}

type ChainStartedOutcome struct {
	ChainID    string `json:"chain_id"`
	ChainName  string `json:"chain_name"`
	TotalSteps int    `json:"total_steps"`
	FirstStep  string `json:"first_step"`
}

// helper constructors keep call sites free of the Tag/pointer bookkeeping.

func Executed(resp Response) ActionOutcome {
	return ActionOutcome{Tag: OutcomeExecuted, Executed: &ExecutedOutcome{Response: resp}}
}

func Failed(code, errMsg string, retryable bool, attempts int) ActionOutcome {
	return ActionOutcome{Tag: OutcomeFailed, Failed: &FailedOutcome{Code: code, Error: errMsg, Attempts: attempts, Retryable: retryable}}
}

func Suppressed(rule string) ActionOutcome {
	return ActionOutcome{Tag: OutcomeSuppressed, Suppressed: &SuppressedOutcome{Rule: rule}}
}

func Deduplicated() ActionOutcome {
	return ActionOutcome{Tag: OutcomeDeduplicated, Deduplicated: &DeduplicatedOutcome{}}
}

func Rerouted(from, to string, resp Response) ActionOutcome {
	return ActionOutcome{Tag: OutcomeRerouted, Rerouted: &RerouteOutcome{From: from, To: to, Response: resp}}
}

func Throttled(retryAfter float64) ActionOutcome {
	return ActionOutcome{Tag: OutcomeThrottled, Throttled: &ThrottledOutcome{RetryAfter: retryAfter}}
}

func CircuitOpenOutc(provider string, retryAfter float64) ActionOutcome {
	return ActionOutcome{Tag: OutcomeCircuitOpen, CircuitOpen: &CircuitOpenOutcome{Provider: provider, RetryAfter: retryAfter}}
}

func Grouped(groupID string, size int, notifyAt int64) ActionOutcome {
	return ActionOutcome{Tag: OutcomeGrouped, Grouped: &GroupedOutcome{GroupID: groupID, GroupSize: size, NotifyAt: notifyAt}}
}

func StateChanged(fingerprint, prev, newState string, notify bool) ActionOutcome {
	return ActionOutcome{Tag: OutcomeStateChanged, StateChanged: &StateChangedOutcome{
		Fingerprint: fingerprint, Prev: prev, New: newState, Notify: notify,
	}}
}

func PendingApprovalOutc(id string, expiresAt int64, approveURL, rejectURL string, notified bool) ActionOutcome {
	return ActionOutcome{Tag: OutcomePendingApproval, PendingApproval: &PendingApprovalOutcome{
		ID: id, ExpiresAt: expiresAt, ApproveURL: approveURL, RejectURL: rejectURL, NotificationSent: notified,
	}}
}

func ChainStarted(chainID, chainName string, totalSteps int, firstStep string) ActionOutcome {
	return ActionOutcome{Tag: OutcomeChainStarted, ChainStarted: &ChainStartedOutcome{
		ChainID: chainID, ChainName: chainName, TotalSteps: totalSteps, FirstStep: firstStep,
	}}
}

// MarshalJSON implements the externally-tagged encoding required by the
// REST contract: {"Executed": {...}} rather than {"tag": "Executed", ...}.
func (o ActionOutcome) MarshalJSON() ([]byte, error) {
	var payload any
	switch o.Tag {
	case OutcomeExecuted:
		payload = o.Executed
	case OutcomeFailed:
		payload = o.Failed
	case OutcomeSuppressed:
		payload = o.Suppressed
	case OutcomeDeduplicated:
		payload = o.Deduplicated
	case OutcomeRerouted:
		payload = o.Rerouted
	case OutcomeThrottled:
		payload = o.Throttled
	case OutcomeCircuitOpen:
		payload = o.CircuitOpen
	case OutcomeGrouped:
		payload = o.Grouped
	case OutcomeStateChanged:
		payload = o.StateChanged
	case OutcomePendingApproval:
		payload = o.PendingApproval
	case OutcomeChainStarted:
		payload = o.ChainStarted
	}
	return json.Marshal(map[string]any{string(o.Tag): payload})
}

// UnmarshalJSON reverses MarshalJSON's externally-tagged encoding.
func (o *ActionOutcome) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for tag, body := range raw {
		o.Tag = Outcome(tag)
		switch o.Tag {
		case OutcomeExecuted:
			o.Executed = &ExecutedOutcome{}
			return json.Unmarshal(body, o.Executed)
		case OutcomeFailed:
			o.Failed = &FailedOutcome{}
			return json.Unmarshal(body, o.Failed)
		case OutcomeSuppressed:
			o.Suppressed = &SuppressedOutcome{}
			return json.Unmarshal(body, o.Suppressed)
		case OutcomeDeduplicated:
			o.Deduplicated = &DeduplicatedOutcome{}
			return nil
		case OutcomeRerouted:
			o.Rerouted = &RerouteOutcome{}
			return json.Unmarshal(body, o.Rerouted)
		case OutcomeThrottled:
			o.Throttled = &ThrottledOutcome{}
			return json.Unmarshal(body, o.Throttled)
		case OutcomeCircuitOpen:
			o.CircuitOpen = &CircuitOpenOutcome{}
			return json.Unmarshal(body, o.CircuitOpen)
		case OutcomeGrouped:
			o.Grouped = &GroupedOutcome{}
			return json.Unmarshal(body, o.Grouped)
		case OutcomeStateChanged:
			o.StateChanged = &StateChangedOutcome{}
			return json.Unmarshal(body, o.StateChanged)
		case OutcomePendingApproval:
			o.PendingApproval = &PendingApprovalOutcome{}
			return json.Unmarshal(body, o.PendingApproval)
		case OutcomeChainStarted:
			o.ChainStarted = &ChainStartedOutcome{}
			return json.Unmarshal(body, o.ChainStarted)
		}
	}
	return nil
}

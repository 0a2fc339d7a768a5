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

// Package audit defines the immutable audit trail the dispatch core
// writes one record to per observable outcome.
package audit

import (
	"context"
	"time"
)

// Record is one dispatch's audit entry. record_hash/previous_hash are
// only populated when the sink is configured for hash-chaining.
type Record struct {
	ID             string            `json:"id"`
	ActionID       string            `json:"action_id"`
	ChainID        string            `json:"chain_id,omitempty"`
	Namespace      string            `json:"namespace"`
	Tenant         string            `json:"tenant"`
	Provider       string            `json:"provider"`
	ActionType     string            `json:"action_type"`
	Verdict        string            `json:"verdict"`
	MatchedRule    string            `json:"matched_rule,omitempty"`
	Outcome        string            `json:"outcome"`
	ActionPayload  []byte            `json:"action_payload,omitempty"`
	VerdictDetails map[string]any    `json:"verdict_details,omitempty"`
	OutcomeDetails map[string]any    `json:"outcome_details,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	DispatchedAt   time.Time         `json:"dispatched_at"`
	CompletedAt    time.Time         `json:"completed_at"`
	DurationMS     int64             `json:"duration_ms"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	CallerID       string            `json:"caller_id,omitempty"`
	AuthMethod     string            `json:"auth_method,omitempty"`
	RecordHash     string            `json:"record_hash,omitempty"`
	PreviousHash   string            `json:"previous_hash,omitempty"`
	SequenceNumber int64             `json:"sequence_number"`
}

// Filter narrows Query results. Zero-value fields are unconstrained.
// Filter composition is monotone: a strictly weaker filter (fewer
// non-zero fields, or a wider time range) must return a superset of a
// stronger one's results.
type Filter struct {
	Namespace string
	Tenant    string
	Provider  string
	ActionID  string
	ChainID   string
	Verdict   string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Sink is the audit write/read endpoint. Submit is meant to be
// non-blocking from the dispatcher's perspective: a slow or failing
// sink must never hold up a dispatch. Implementations that do I/O
// synchronously still satisfy the interface; callers needing
// fire-and-forget semantics wrap a Sink accordingly (see dispatcher).
type Sink interface {
	// Submit records r. Errors are logged by the caller, never
	// propagated into the dispatch path (spec: audit sink failure is
	// logged, not propagated).
	Submit(ctx context.Context, r Record) error

	// Query returns records matching f, most recent first.
	Query(ctx context.Context, f Filter) ([]Record, error)

	// Cleanup deletes records whose ExpiresAt has passed as of now,
	// returning the count removed.
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

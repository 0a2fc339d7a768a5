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

// Package workflow implements the durable workflow operations a
// matched rule's verdict may trigger: deduplication, throttling,
// quotas, grouping, approvals, state machines, and chains.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/penserai/acteon/pkg/action"
)

// Fingerprint computes the SHA-256 fingerprint the spec uses as the
// identity for deduplication and state-machine objects: a deterministic
// serialization of (namespace, tenant, provider, action_type, and
// either the explicit dedup_key or the canonical payload).
func Fingerprint(a *action.Action) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", a.Namespace, a.Tenant, a.Provider, a.ActionType)
	if a.DedupKey != "" {
		fmt.Fprintf(h, "key:%s", a.DedupKey)
	} else {
		fmt.Fprintf(h, "payload:%s", canonicalJSON(a.Payload))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintFields computes a fingerprint over an explicit subset of
// payload fields, for StateMachine verdicts (spec §4.6.6).
func FingerprintFields(a *action.Action, fields []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", a.Namespace, a.Tenant)
	var payload map[string]any
	_ = json.Unmarshal(a.Payload, &payload)
	for _, f := range fields {
		fmt.Fprintf(h, "%s=%v\x00", f, payload[f])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-serializes raw JSON with map keys in sorted order
// (encoding/json already sorts map[string]any keys on Marshal), giving
// a stable byte representation for semantically-equal payloads.
func canonicalJSON(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}

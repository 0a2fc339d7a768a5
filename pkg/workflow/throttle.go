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

package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/penserai/acteon/pkg/rules"
	"github.com/penserai/acteon/pkg/state"
)

// ThrottleResult is the outcome of a Throttle check.
type ThrottleResult struct {
	Allowed    bool
	RetryAfter float64 // seconds, only meaningful when !Allowed
}

// throttleFingerprint identifies the bucket a Throttle verdict counts
// against: the rule doing the throttling, scoped to namespace/tenant.
// Unlike Dedup, the bucket is shared across every action the rule
// matches, not unique per payload.
func throttleFingerprint(namespace, tenant, ruleName string) string {
	h := sha256.Sum256([]byte(namespace + "\x00" + tenant + "\x00" + ruleName))
	return hex.EncodeToString(h[:])
}

// Throttle applies a fixed-window counter keyed by the matched rule. The
// window opens at the bucket's first increment and lasts window_s; later
// calls do not extend it, and counts do not carry over into the next
// window, so calls on both sides of a window boundary are counted
// separately. It increments first and only refuses after the increment would push
// the bucket over max_count, per the spec's "do not decrement" rule:
// a caller that gets refused has still been counted, which is correct
// since the window's meaning is "at most N dispatches started here".
func Throttle(ctx context.Context, s state.Store, namespace, tenant, ruleName string, act *rules.ThrottleAction) (ThrottleResult, error) {
	fp := throttleFingerprint(namespace, tenant, ruleName)
	key := state.Key(namespace, tenant, state.KindThrottle, fp)

	window := time.Duration(act.WindowSec) * time.Second
	if window <= 0 {
		window = time.Minute
	}

	ttl, err := remainingTTLOrFull(ctx, s, key, window)
	if err != nil {
		return ThrottleResult{}, err
	}

	count, err := s.Increment(ctx, key, 1, &ttl)
	if err != nil {
		return ThrottleResult{}, err
	}

	if count > act.MaxCount {
		return ThrottleResult{Allowed: false, RetryAfter: ttl.Seconds()}, nil
	}
	return ThrottleResult{Allowed: true}, nil
}

// remainingTTLOrFull returns the TTL to apply to an increment: if key
// already has a live entry, its existing remaining TTL (so a window
// doesn't restart on every call), else the full window.
func remainingTTLOrFull(ctx context.Context, s state.Store, key string, window time.Duration) (time.Duration, error) {
	entry, ok, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok || entry.TTL == nil {
		return window, nil
	}
	remaining := time.Until(*entry.TTL)
	if remaining <= 0 {
		return window, nil
	}
	return remaining, nil
}

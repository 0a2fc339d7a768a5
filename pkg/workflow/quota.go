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
	"fmt"
	"time"

	"github.com/penserai/acteon/pkg/state"
)

// QuotaWindowKind is the closed set of named rolling-window presets. A
// Custom window carries its own seconds value.
type QuotaWindowKind string

const (
	QuotaHourly  QuotaWindowKind = "hourly"
	QuotaDaily   QuotaWindowKind = "daily"
	QuotaWeekly  QuotaWindowKind = "weekly"
	QuotaMonthly QuotaWindowKind = "monthly"
	QuotaCustom  QuotaWindowKind = "custom"
)

// QuotaWindow names a rolling epoch window. All nodes agree on window
// boundaries because the boundary is a pure function of wall-clock
// time: floor(unix_now / seconds).
type QuotaWindow struct {
	Kind           QuotaWindowKind
	CustomSeconds  int64
}

// Seconds reports the window's length in seconds, resolving the named
// presets or the custom value. Callers outside this package (the
// dispatcher's quota retry-after computation) use this instead of
// duplicating the preset table.
func (w QuotaWindow) Seconds() int64 { return w.seconds() }

func (w QuotaWindow) seconds() int64 {
	switch w.Kind {
	case QuotaHourly:
		return 3600
	case QuotaDaily:
		return 86400
	case QuotaWeekly:
		return 604800
	case QuotaMonthly:
		return 2592000
	case QuotaCustom:
		return w.CustomSeconds
	default:
		return 3600
	}
}

// label is the state-key suffix identifying this window's cadence,
// distinct from its current index so policies can be re-labelled
// without colliding with a differently-windowed policy of the same
// name.
func (w QuotaWindow) label() string {
	if w.Kind == QuotaCustom {
		return fmt.Sprintf("custom%d", w.CustomSeconds)
	}
	return string(w.Kind)
}

// OverageKind is the closed set of behaviors applied once a quota
// policy's max_actions is exceeded.
type OverageKind string

const (
	OverageBlock   OverageKind = "block"
	OverageWarn    OverageKind = "warn"
	OverageDegrade OverageKind = "degrade"
	OverageNotify  OverageKind = "notify"
)

// OverageBehavior configures what happens on quota exhaustion.
type OverageBehavior struct {
	Kind             OverageKind
	DegradeFallback  string // provider name, only for OverageDegrade
	NotifyTarget     string // provider name, only for OverageNotify
}

// QuotaPolicy is an administered quota: a window, a cap, and the
// overage behavior to apply past the cap.
type QuotaPolicy struct {
	Name        string
	Window      QuotaWindow
	MaxActions  int64
	Overage     OverageBehavior
	Enabled     bool
	Labels      map[string]string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QuotaResult is the outcome of a quota check.
type QuotaResult struct {
	Allowed  bool
	Overage  OverageKind // zero value when Allowed
	Count    int64
	MaxCount int64
}

func quotaFingerprint(namespace, tenant, policyName string) string {
	h := sha256.Sum256([]byte(namespace + "\x00" + tenant + "\x00" + policyName))
	return hex.EncodeToString(h[:])
}

// Quota increments the counter for policy's current epoch-aligned
// window and reports whether the caller is within the cap.
func Quota(ctx context.Context, s state.Store, namespace, tenant string, policy QuotaPolicy, now time.Time) (QuotaResult, error) {
	if !policy.Enabled {
		return QuotaResult{Allowed: true}, nil
	}

	w := policy.Window.seconds()
	if w <= 0 {
		w = 3600
	}
	epoch := now.Unix() / w

	fp := quotaFingerprint(namespace, tenant, policy.Name)
	id := fmt.Sprintf("%s:%s:%d", fp, policy.Window.label(), epoch)
	key := state.Key(namespace, tenant, state.KindQuota, id)

	ttl := time.Duration(w) * time.Second
	count, err := s.Increment(ctx, key, 1, &ttl)
	if err != nil {
		return QuotaResult{}, err
	}

	if count <= policy.MaxActions {
		return QuotaResult{Allowed: true, Count: count, MaxCount: policy.MaxActions}, nil
	}
	return QuotaResult{Allowed: false, Overage: policy.Overage.Kind, Count: count, MaxCount: policy.MaxActions}, nil
}

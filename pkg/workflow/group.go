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
	"encoding/json"
	"fmt"
	"time"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/lock"
	"github.com/penserai/acteon/pkg/rules"
	"github.com/penserai/acteon/pkg/state"
)

// GroupStatus is the closed set of EventGroup lifecycle states.
type GroupStatus string

const (
	GroupPending  GroupStatus = "Pending"
	GroupNotified GroupStatus = "Notified"
)

// EventGroup is the persistent batch a Group verdict accumulates into.
// It is stored as JSON under a `group` key, and that key is registered
// in the timeout index at NotifyAt. No `pending_groups` index entry is
// written for it.
type EventGroup struct {
	GroupID        string            `json:"group_id"`
	GroupKey       string            `json:"group_key"`
	Namespace      string            `json:"namespace"`
	Tenant         string            `json:"tenant"`
	Status         GroupStatus       `json:"status"`
	Events         []json.RawMessage `json:"events"`
	Labels         map[string]string `json:"labels,omitempty"`
	TargetProvider string            `json:"target_provider"`
	ActionType     string            `json:"action_type"`
	Template       json.RawMessage   `json:"template,omitempty"`
	NotifyAt       time.Time         `json:"notify_at"`
	IntervalSec    int64             `json:"interval_s"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

const groupLockLease = 5 * time.Second

// GroupResult reports where an action landed in its group's batch.
type GroupResult struct {
	GroupID   string
	GroupSize int
	NotifyAt  time.Time
}

// groupKey hashes the rule's by-fields (extracted from the payload) and
// the scoping dimensions to a stable group identity. Two actions with
// equal values for every by-field land in the same group.
func groupKey(namespace, tenant, ruleName string, by []string, payload json.RawMessage) string {
	var fields map[string]any
	_ = json.Unmarshal(payload, &fields)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", namespace, tenant, ruleName)
	for _, f := range by {
		fmt.Fprintf(h, "%s=%v\x00", f, fields[f])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Group appends a into the group act identifies, creating it on the
// first event. Locking is keyed by the group key so concurrent events
// for the same group serialize (spec: non-counter state mutations take
// the fingerprint lock).
func Group(ctx context.Context, s state.Store, l lock.Lock, a *action.Action, ruleName string, act *rules.GroupAction, now time.Time) (GroupResult, error) {
	gk := groupKey(a.Namespace, a.Tenant, ruleName, act.By, a.Payload)
	key := state.Key(a.Namespace, a.Tenant, state.KindGroup, gk)

	var result GroupResult
	err := lock.WithLock(ctx, l, "group:"+key, groupLockLease, groupLockLease, 25*time.Millisecond, func(ctx context.Context) error {
		grp, err := loadGroup(ctx, s, key)
		if err != nil {
			return err
		}

		if grp == nil {
			grp = &EventGroup{
				GroupID:        gk,
				GroupKey:       gk,
				Namespace:      a.Namespace,
				Tenant:         a.Tenant,
				Status:         GroupPending,
				TargetProvider: a.Provider,
				ActionType:     a.ActionType,
				Template:       act.Template,
				NotifyAt:       now.Add(time.Duration(act.WaitSec) * time.Second),
				IntervalSec:    act.IntervalSec,
				CreatedAt:      now,
			}
		}
		grp.Events = append(grp.Events, a.Payload)
		grp.UpdatedAt = now
		if act.MaxSize > 0 && len(grp.Events) > act.MaxSize {
			grp.Events = grp.Events[len(grp.Events)-act.MaxSize:]
		}

		if err := saveGroup(ctx, s, key, grp); err != nil {
			return err
		}
		if err := s.IndexTimeout(ctx, key, grp.NotifyAt.UnixMilli()); err != nil {
			return err
		}

		result = GroupResult{GroupID: grp.GroupID, GroupSize: len(grp.Events), NotifyAt: grp.NotifyAt}
		return nil
	})
	return result, err
}

func loadGroup(ctx context.Context, s state.Store, key string) (*EventGroup, error) {
	entry, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var grp EventGroup
	if err := json.Unmarshal([]byte(entry.Value), &grp); err != nil {
		return nil, err
	}
	return &grp, nil
}

func saveGroup(ctx context.Context, s state.Store, key string, grp *EventGroup) error {
	b, err := json.Marshal(grp)
	if err != nil {
		return err
	}
	var ttl *time.Duration
	if grp.IntervalSec > 0 {
		d := time.Duration(grp.IntervalSec) * time.Second
		ttl = &d
	}
	return s.Set(ctx, key, string(b), ttl)
}

// FlushGroup constructs the synthetic action carrying every accumulated
// event for grp and marks it Notified. It does not invoke the executor
// itself; the caller (the dispatcher's timer loop) does that against
// the returned action and grp.TargetProvider.
func FlushGroup(ctx context.Context, s state.Store, key string, grp *EventGroup, now time.Time) (*action.Action, error) {
	payload, err := json.Marshal(map[string]any{
		"group_id": grp.GroupID,
		"events":   grp.Events,
	})
	if err != nil {
		return nil, err
	}

	grp.Status = GroupNotified
	grp.UpdatedAt = now
	if err := saveGroup(ctx, s, key, grp); err != nil {
		return nil, err
	}

	return action.New(grp.Namespace, grp.Tenant, grp.TargetProvider, grp.ActionType, payload), nil
}

// RecoverGroups rebuilds the set of Pending groups for a namespace and
// tenant from the `group` state kind after a process restart, so the
// timer loop's due-time sweep has every in-flight batch to consider
// without waiting on a fresh event to re-populate it.
func RecoverGroups(ctx context.Context, s state.Store, namespace, tenant string) ([]*EventGroup, error) {
	entries, err := s.ScanKeys(ctx, namespace, tenant, state.KindGroup, "")
	if err != nil {
		return nil, err
	}
	var groups []*EventGroup
	for _, e := range entries {
		var grp EventGroup
		if err := json.Unmarshal([]byte(e.Value), &grp); err != nil {
			continue
		}
		if grp.Status == GroupPending {
			groups = append(groups, &grp)
		}
	}
	return groups, nil
}

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
	"fmt"
	"time"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/lock"
	"github.com/penserai/acteon/pkg/state"
)

// Transition is one edge of a StateMachineConfig.
type Transition struct {
	From   string
	To     string
	Notify bool
}

// StateMachineConfig is `{states, initial, transitions}` (spec §4.6.6).
type StateMachineConfig struct {
	Name        string
	States      []string
	Initial     string
	Transitions []Transition
}

const smLockLease = 5 * time.Second

// StateMachineResult is the outcome of one StateMachine verdict.
type StateMachineResult struct {
	Fingerprint string
	Prev        string
	New         string
	Notify      bool
}

// ErrNoMatchingTransition is returned when the current state has no
// transition whose From matches it (and, if a.Status is set, none
// whose To equals a.Status either).
var ErrNoMatchingTransition = fmt.Errorf("workflow: no transition out of current state")

// ApplyStateMachine reads the object's current state, picks a
// transition, writes the new state, and returns the change. The whole
// read-transition-write sequence runs under the distributed lock keyed
// by the fingerprint, per the spec's non-counter mutation invariant.
func ApplyStateMachine(ctx context.Context, s state.Store, l lock.Lock, a *action.Action, cfg StateMachineConfig, fp string) (StateMachineResult, error) {
	key := state.Key(a.Namespace, a.Tenant, state.KindSMState, fp+":"+cfg.Name)

	var result StateMachineResult
	err := lock.WithLock(ctx, l, "sm:"+key, smLockLease, smLockLease, 25*time.Millisecond, func(ctx context.Context) error {
		entry, ok, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		current := cfg.Initial
		if ok {
			current = entry.Value
		}

		next, notify, err := pickTransition(cfg, current, a.Status)
		if err != nil {
			return err
		}

		if err := s.Set(ctx, key, next, nil); err != nil {
			return err
		}
		result = StateMachineResult{Fingerprint: fp, Prev: current, New: next, Notify: notify}
		return nil
	})
	return result, err
}

// pickTransition selects the outgoing transition from current. If the
// action carries a status field, the transition whose To equals that
// status wins (it must also originate from current); otherwise the
// first transition in declaration order whose From matches current.
func pickTransition(cfg StateMachineConfig, current, desiredStatus string) (next string, notify bool, err error) {
	if desiredStatus != "" {
		for _, t := range cfg.Transitions {
			if t.From == current && t.To == desiredStatus {
				return t.To, t.Notify, nil
			}
		}
		return "", false, ErrNoMatchingTransition
	}
	for _, t := range cfg.Transitions {
		if t.From == current {
			return t.To, t.Notify, nil
		}
	}
	return "", false, ErrNoMatchingTransition
}

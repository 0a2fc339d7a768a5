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
	"time"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/rules"
	"github.com/penserai/acteon/pkg/state"
)

// defaultDedupTTL applies when a Deduplicate rule omits ttl_seconds.
const defaultDedupTTL = 5 * time.Minute

// Dedup evaluates a Deduplicate verdict against s. It returns true for
// the winner (the caller should proceed to dispatch) and false for
// every loser, which the caller turns into action.Deduplicated().
func Dedup(ctx context.Context, s state.Store, a *action.Action, act *rules.DeduplicateAction) (winner bool, err error) {
	fp := Fingerprint(a)
	key := state.Key(a.Namespace, a.Tenant, state.KindDedup, fp)

	ttl := defaultDedupTTL
	if act.TTLSeconds > 0 {
		ttl = time.Duration(act.TTLSeconds) * time.Second
	}

	ok, err := s.CheckAndSet(ctx, key, a.ID, &ttl)
	if err != nil {
		return false, err
	}
	return ok, nil
}

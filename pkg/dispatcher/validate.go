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

package dispatcher

import (
	"encoding/json"
	"regexp"

	"github.com/penserai/acteon/pkg/acteonerr"
	"github.com/penserai/acteon/pkg/action"
)

// keyComponent matches one segment of the state-key grammar
// (namespace, tenant, and every other colon-joined component).
var keyComponent = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate rejects a malformed action before it reaches rule
// evaluation. A validation failure is returned synchronously from
// Dispatch and never produces an outcome, audit record, or broadcast
// event.
func Validate(a *action.Action) error {
	if a == nil {
		return &acteonerr.ValidationError{Message: "action is nil"}
	}
	if a.ID == "" {
		return &acteonerr.ValidationError{Field: "id", Message: "required"}
	}
	if !keyComponent.MatchString(a.Namespace) {
		return &acteonerr.ValidationError{Field: "namespace", Message: "must match [A-Za-z0-9._-]+"}
	}
	if !keyComponent.MatchString(a.Tenant) {
		return &acteonerr.ValidationError{Field: "tenant", Message: "must match [A-Za-z0-9._-]+"}
	}
	if a.Provider == "" {
		return &acteonerr.ValidationError{Field: "provider", Message: "required"}
	}
	if a.ActionType == "" {
		return &acteonerr.ValidationError{Field: "action_type", Message: "required"}
	}
	if len(a.Payload) > 0 && !json.Valid(a.Payload) {
		return &acteonerr.ValidationError{Field: "payload", Message: "must be valid JSON"}
	}
	return nil
}

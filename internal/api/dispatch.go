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

package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/penserai/acteon/pkg/action"
)

// decodeAction reads an Action body, assigning a fresh ID when the
// caller omits one so a client never has to mint its own UUID.
func decodeAction(r *http.Request) (*action.Action, error) {
	var a action.Action
	if err := decodeJSON(r, &a); err != nil {
		return nil, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return &a, nil
}

func (r *Router) handleDispatch(w http.ResponseWriter, req *http.Request) {
	a, err := decodeAction(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	outcome, err := r.d.Dispatch(req.Context(), a)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (r *Router) handleDispatchBatch(w http.ResponseWriter, req *http.Request) {
	var bodies []action.Action
	if err := decodeJSON(req, &bodies); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	actions := make([]*action.Action, len(bodies))
	for i := range bodies {
		a := bodies[i]
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		actions[i] = &a
	}

	results := r.d.DispatchBatch(req.Context(), actions)
	writeJSON(w, http.StatusOK, results)
}

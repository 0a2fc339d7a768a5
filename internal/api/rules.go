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
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/penserai/acteon/pkg/acteonerr"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/rules"
	"github.com/penserai/acteon/pkg/rules/ruleyaml"
	"github.com/penserai/acteon/pkg/state"
	"github.com/penserai/acteon/pkg/value"
)

// ruleListEntry is the §6 GET /v1/rules response shape. description is
// derived from Metadata["description"] since Rule itself carries no
// such field.
type ruleListEntry struct {
	Name        string `json:"name"`
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

func (r *Router) handleListRules(w http.ResponseWriter, _ *http.Request) {
	all := r.d.Rules().Rules()
	out := make([]ruleListEntry, len(all))
	for i, rl := range all {
		entry := ruleListEntry{Name: rl.Name, Priority: rl.Priority, Enabled: rl.Enabled}
		if rl.Metadata != nil {
			if desc, ok := rl.Metadata["description"].(string); ok {
				entry.Description = desc
			}
		}
		out[i] = entry
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	writeJSON(w, http.StatusOK, out)
}

type reloadRulesRequest struct {
	Directory string `json:"directory"`
}

type reloadRulesResponse struct {
	Reloaded  int    `json:"reloaded"`
	Directory string `json:"directory"`
}

func (r *Router) handleReloadRules(w http.ResponseWriter, req *http.Request) {
	var body reloadRulesRequest
	if err := decodeJSON(req, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	dir := body.Directory
	if dir == "" {
		dir = r.cfg.RulesDir
	}

	loaded, err := ruleyaml.LoadDir(dir)
	if err != nil {
		writeEnvelope(w, &acteonerr.ConfigError{Key: "rules_dir", Reason: "failed to load rule files", Cause: err})
		return
	}
	r.d.Rules().Replace(loaded)
	writeJSON(w, http.StatusOK, reloadRulesResponse{Reloaded: len(loaded), Directory: dir})
}

type setRuleEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (r *Router) handleSetRuleEnabled(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	var body setRuleEnabledRequest
	if err := decodeJSON(req, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !r.d.Rules().SetEnabled(name, body.Enabled) {
		writeEnvelope(w, errNotFound("rule", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": body.Enabled})
}

type evaluateRulesRequest struct {
	Action *action.Action         `json:"action"`
	Mocks  map[string]any         `json:"mocks,omitempty"`
}

func (r *Router) handleEvaluateRules(w http.ResponseWriter, req *http.Request) {
	var body evaluateRulesRequest
	if err := decodeJSON(req, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.Action == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action is required"})
		return
	}
	if body.Action.ID == "" {
		body.Action.ID = "trace"
	}

	evalCtx := rules.NewEvalContext(req.Context(), body.Action, traceStateLookup{r.d.State()}, time.Now(), nil)
	if len(body.Mocks) > 0 {
		mocks := make(map[string]value.Value, len(body.Mocks))
		for k, v := range body.Mocks {
			mocks[k] = value.FromAny(v)
		}
		evalCtx.Mocks = mocks
	}
	result := r.d.Rules().Trace(evalCtx)
	writeJSON(w, http.StatusOK, result)
}

// traceStateLookup adapts a state.Store to rules.StateLookup the same
// way the dispatcher's internal stateLookup does, so trace mode reads
// real state rather than a stub.
type traceStateLookup struct{ s state.Store }

func (l traceStateLookup) Get(ctx context.Context, namespace, tenant, kind, id string) (string, bool, error) {
	return state.Get(ctx, l.s, namespace, tenant, kind, id)
}

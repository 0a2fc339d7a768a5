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
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/penserai/acteon/pkg/state"
	"github.com/penserai/acteon/pkg/workflow"
)

func decodeChainInstance(raw string) (*workflow.ChainInstance, error) {
	var inst workflow.ChainInstance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *Router) handleListChains(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	namespace, tenant := q.Get("namespace"), q.Get("tenant")
	if namespace == "" || tenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "namespace and tenant are required"})
		return
	}
	status := q.Get("status")

	prefix := state.Prefix(namespace, tenant, state.KindChain)
	entries, err := r.d.State().ScanKeys(req.Context(), namespace, tenant, state.KindChain, prefix)
	if err != nil {
		writeEnvelope(w, err)
		return
	}

	out := make([]workflow.ChainInstance, 0, len(entries))
	for _, e := range entries {
		inst, err := decodeChainInstance(e.Value)
		if err != nil {
			continue
		}
		if status != "" && string(inst.Status) != status {
			continue
		}
		out = append(out, *inst)
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleGetChain(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	namespace, tenant := req.URL.Query().Get("namespace"), req.URL.Query().Get("tenant")
	if namespace == "" || tenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "namespace and tenant are required"})
		return
	}

	inst, err := r.loadChainInstance(req, namespace, tenant, id)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (r *Router) handleCancelChain(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	namespace, tenant := req.URL.Query().Get("namespace"), req.URL.Query().Get("tenant")
	if namespace == "" || tenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "namespace and tenant are required"})
		return
	}

	if _, err := r.loadChainInstance(req, namespace, tenant, id); err != nil {
		writeEnvelope(w, err)
		return
	}

	err := workflow.CancelChain(req.Context(), r.d.State(), r.d.Lock(), namespace, tenant, id, time.Now())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"chain_id": id, "status": string(workflow.ChainCancelled)})
	case errors.Is(err, workflow.ErrChainTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "chain is already in a terminal status"})
	default:
		writeEnvelope(w, err)
	}
}

// chainDAG is the node/edge view GET /v1/chains/{id}/dag and
// GET /v1/chains/definitions/{name}/dag both return: one node per
// step, annotated with the branch conditions that lead out of it.
type chainDAG struct {
	ChainName string         `json:"chain_name"`
	Nodes     []chainDAGNode `json:"nodes"`
	Edges     []chainDAGEdge `json:"edges"`
}

type chainDAGNode struct {
	Name       string `json:"name"`
	Provider   string `json:"provider,omitempty"`
	ActionType string `json:"action_type,omitempty"`
	SubChain   string `json:"sub_chain,omitempty"`
	Completed  bool   `json:"completed,omitempty"`
}

type chainDAGEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

func buildChainDAG(cfg workflow.ChainConfig, completed map[string]bool) chainDAG {
	dag := chainDAG{ChainName: cfg.Name}
	for _, step := range cfg.Steps {
		dag.Nodes = append(dag.Nodes, chainDAGNode{
			Name:       step.Name,
			Provider:   step.Provider,
			ActionType: step.ActionType,
			SubChain:   step.SubChain,
			Completed:  completed[step.Name],
		})
		for _, branch := range step.Branches {
			dag.Edges = append(dag.Edges, chainDAGEdge{
				From:      step.Name,
				To:        branch.TargetStepName,
				Condition: branch.Field + " " + branch.Operator,
			})
		}
		for _, child := range step.ParallelChildren {
			dag.Edges = append(dag.Edges, chainDAGEdge{From: step.Name, To: child, Condition: "parallel"})
		}
		if step.DefaultNext != "" {
			dag.Edges = append(dag.Edges, chainDAGEdge{From: step.Name, To: step.DefaultNext, Condition: "default"})
		}
	}
	return dag
}

func (r *Router) handleChainDefinitionDAG(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	cfg, ok := r.d.Chains().Get(name)
	if !ok {
		writeEnvelope(w, errNotFound("chain_definition", name))
		return
	}
	writeJSON(w, http.StatusOK, buildChainDAG(cfg, nil))
}

func (r *Router) handleChainInstanceDAG(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	namespace, tenant := req.URL.Query().Get("namespace"), req.URL.Query().Get("tenant")
	if namespace == "" || tenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "namespace and tenant are required"})
		return
	}

	inst, err := r.loadChainInstance(req, namespace, tenant, id)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	cfg, ok := r.d.Chains().Get(inst.ChainName)
	if !ok {
		writeEnvelope(w, errNotFound("chain_definition", inst.ChainName))
		return
	}

	completed := make(map[string]bool, len(inst.StepResults))
	for _, sr := range inst.StepResults {
		completed[sr.StepName] = sr.Success
	}
	writeJSON(w, http.StatusOK, buildChainDAG(cfg, completed))
}

func (r *Router) loadChainInstance(req *http.Request, namespace, tenant, id string) (*workflow.ChainInstance, error) {
	key := state.Key(namespace, tenant, state.KindChain, id)
	entry, ok, err := r.d.State().Get(req.Context(), key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotFound("chain", id)
	}
	return decodeChainInstance(entry.Value)
}

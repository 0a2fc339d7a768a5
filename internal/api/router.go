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
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/pkg/dispatcher"
)

// RouterConfig holds configuration the router needs beyond the
// dispatcher itself.
type RouterConfig struct {
	// RulesDir is where POST /v1/rules/reload looks when the request
	// body omits "directory".
	RulesDir string
}

// Router wraps an http.ServeMux exposing the dispatch core's REST
// surface, with request logging applied to every route.
type Router struct {
	mux     *http.ServeMux
	d       *dispatcher.Dispatcher
	cfg     RouterConfig
	logger  *slog.Logger
	handler http.Handler
}

// NewRouter registers every route the spec's external-interfaces
// section names against d.
func NewRouter(d *dispatcher.Dispatcher, cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{mux: http.NewServeMux(), d: d, cfg: cfg, logger: logger}

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("POST /v1/dispatch", r.handleDispatch)
	r.mux.HandleFunc("POST /v1/dispatch/batch", r.handleDispatchBatch)

	r.mux.HandleFunc("GET /v1/rules", r.handleListRules)
	r.mux.HandleFunc("POST /v1/rules/reload", r.handleReloadRules)
	r.mux.HandleFunc("PUT /v1/rules/{name}/enabled", r.handleSetRuleEnabled)
	r.mux.HandleFunc("POST /v1/rules/evaluate", r.handleEvaluateRules)

	r.mux.HandleFunc("GET /v1/audit", r.handleQueryAudit)
	r.mux.HandleFunc("GET /v1/audit/{action_id}", r.handleGetAuditByAction)

	r.mux.HandleFunc("GET /v1/chains", r.handleListChains)
	r.mux.HandleFunc("GET /v1/chains/{id}", r.handleGetChain)
	r.mux.HandleFunc("POST /v1/chains/{id}/cancel", r.handleCancelChain)
	r.mux.HandleFunc("GET /v1/chains/{id}/dag", r.handleChainInstanceDAG)
	r.mux.HandleFunc("GET /v1/chains/definitions/{name}/dag", r.handleChainDefinitionDAG)

	r.mux.HandleFunc("POST /v1/approvals/{ns}/{tenant}/{id}/approve", r.handleApprove)
	r.mux.HandleFunc("POST /v1/approvals/{ns}/{tenant}/{id}/reject", r.handleReject)
	r.mux.HandleFunc("GET /v1/approvals/{ns}/{tenant}/{id}", r.handleGetApproval)
	r.mux.HandleFunc("GET /v1/approvals", r.handleListApprovals)

	r.handler = log.HTTPMiddleware(r.logger)(r.mux)
	return r
}

// ServeHTTP implements http.Handler, applying request logging around
// every route.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for tests or additional routes.
func (r *Router) Mux() *http.ServeMux { return r.mux }

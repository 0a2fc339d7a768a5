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
	"strconv"
	"time"

	"github.com/penserai/acteon/pkg/audit"
)

// parseAuditFilter builds an audit.Filter from query parameters shared
// by GET /v1/audit and GET /v1/audit/{action_id}.
func parseAuditFilter(req *http.Request) audit.Filter {
	q := req.URL.Query()
	f := audit.Filter{
		Namespace: q.Get("namespace"),
		Tenant:    q.Get("tenant"),
		Provider:  q.Get("provider"),
		ChainID:   q.Get("chain_id"),
		Verdict:   q.Get("verdict"),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			f.Until = t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			f.Limit = n
		}
	}
	return f
}

func (r *Router) handleQueryAudit(w http.ResponseWriter, req *http.Request) {
	f := parseAuditFilter(req)
	records, err := r.d.Audit().Query(req.Context(), f)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleGetAuditByAction(w http.ResponseWriter, req *http.Request) {
	actionID := req.PathValue("action_id")
	f := parseAuditFilter(req)
	f.ActionID = actionID

	records, err := r.d.Audit().Query(req.Context(), f)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	if len(records) == 0 {
		writeEnvelope(w, errNotFound("audit_record", actionID))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

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
	"net/http"
	"strconv"

	"github.com/penserai/acteon/pkg/acteonerr"
	"github.com/penserai/acteon/pkg/state"
	"github.com/penserai/acteon/pkg/workflow"
)

// asEnvelopeError wraps the workflow package's plain sentinel errors
// (ErrApprovalSignatureInvalid, ErrApprovalNotPending) in an
// acteonerr.ValidationError so they produce the spec's error envelope
// instead of falling back to a bare 500.
func asEnvelopeError(err error) error {
	switch err {
	case workflow.ErrApprovalSignatureInvalid:
		return &acteonerr.ValidationError{Field: "sig", Message: "invalid or expired approval signature"}
	case workflow.ErrApprovalNotPending:
		return &acteonerr.ValidationError{Field: "id", Message: "approval is not pending"}
	default:
		return err
	}
}

// decisionParams pulls the HMAC-authenticated query parameters shared
// by approve, reject, and get: ?sig=&expires_at=&kid=.
func decisionParams(req *http.Request) (sig string, expiresAt int64, kid string, err error) {
	q := req.URL.Query()
	sig = q.Get("sig")
	kid = q.Get("kid")
	expiresAt, err = strconv.ParseInt(q.Get("expires_at"), 10, 64)
	return sig, expiresAt, kid, err
}

func (r *Router) handleApprove(w http.ResponseWriter, req *http.Request) {
	ns, tenant, id := req.PathValue("ns"), req.PathValue("tenant"), req.PathValue("id")
	sig, expiresAt, kid, err := decisionParams(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid expires_at"})
		return
	}

	outcome, err := r.d.ApproveAction(req.Context(), ns, tenant, id, sig, expiresAt, kid)
	if err != nil {
		writeEnvelope(w, asEnvelopeError(err))
		return
	}
	if outcome == nil {
		writeJSON(w, http.StatusOK, map[string]string{"approval_id": id, "status": string(workflow.ApprovalApproved)})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (r *Router) handleReject(w http.ResponseWriter, req *http.Request) {
	ns, tenant, id := req.PathValue("ns"), req.PathValue("tenant"), req.PathValue("id")
	sig, expiresAt, kid, err := decisionParams(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid expires_at"})
		return
	}

	if err := r.d.RejectAction(req.Context(), ns, tenant, id, sig, expiresAt, kid); err != nil {
		writeEnvelope(w, asEnvelopeError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"approval_id": id, "status": string(workflow.ApprovalRejected)})
}

func (r *Router) handleGetApproval(w http.ResponseWriter, req *http.Request) {
	ns, tenant, id := req.PathValue("ns"), req.PathValue("tenant"), req.PathValue("id")
	sig, expiresAt, kid, err := decisionParams(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid expires_at"})
		return
	}
	if kid == "" {
		kid = r.d.Signer().DefaultKID
	}
	if !r.d.Signer().Verify(ns, tenant, id, expiresAt, kid, sig) {
		writeEnvelope(w, asEnvelopeError(workflow.ErrApprovalSignatureInvalid))
		return
	}

	key := state.Key(ns, tenant, state.KindApproval, id)
	entry, ok, err := r.d.State().Get(req.Context(), key)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	if !ok {
		writeEnvelope(w, errNotFound("approval", id))
		return
	}
	var approval workflow.Approval
	if err := json.Unmarshal([]byte(entry.Value), &approval); err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// handleListApprovals answers GET /v1/approvals?namespace&tenant. The
// spec requires a caller with AuditRead permission; the dispatch core
// itself carries no caller-identity model, so authorization is left to
// a reverse proxy or gateway in front of this route, matching how the
// core's other routes take authentication as a given ambient concern.
func (r *Router) handleListApprovals(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	namespace, tenant := q.Get("namespace"), q.Get("tenant")
	if namespace == "" || tenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "namespace and tenant are required"})
		return
	}

	prefix := state.Prefix(namespace, tenant, state.KindApproval)
	entries, err := r.d.State().ScanKeys(req.Context(), namespace, tenant, state.KindApproval, prefix)
	if err != nil {
		writeEnvelope(w, err)
		return
	}

	out := make([]workflow.Approval, 0, len(entries))
	for _, e := range entries {
		var approval workflow.Approval
		if err := json.Unmarshal([]byte(e.Value), &approval); err != nil {
			continue
		}
		out = append(out, approval)
	}
	writeJSON(w, http.StatusOK, out)
}

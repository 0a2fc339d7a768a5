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

// Package api exposes the dispatch core over HTTP: REST routes for
// dispatch, rules, audit, chains, and approvals, wired to a
// *dispatcher.Dispatcher.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/penserai/acteon/pkg/acteonerr"
)

// writeJSON writes a JSON response with the given status code. Encoding
// failures are logged, not propagated, since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("api: failed to write json response", "error", err)
	}
}

// writeEnvelope writes err as the spec's {code, message, retryable}
// error envelope, choosing an HTTP status from its acteonerr.Code.
func writeEnvelope(w http.ResponseWriter, err error) {
	env := acteonerr.ToEnvelope(err)
	writeJSON(w, statusForCode(env.Code), env)
}

func statusForCode(code acteonerr.Code) int {
	switch code {
	case acteonerr.CodeValidation, acteonerr.CodeSerialization:
		return http.StatusBadRequest
	case acteonerr.CodeNotFound:
		return http.StatusNotFound
	case acteonerr.CodeRateLimited:
		return http.StatusTooManyRequests
	case acteonerr.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case acteonerr.CodeTimeout:
		return http.StatusGatewayTimeout
	case acteonerr.CodeConnection:
		return http.StatusBadGateway
	case acteonerr.CodeConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// errNotFound is a plain not-found error for paths (chain/approval
// lookups) that don't already return an acteonerr.NotFoundError.
func errNotFound(resource, id string) error {
	return &acteonerr.NotFoundError{Resource: resource, ID: id}
}

// decodeJSON reads and decodes a JSON request body, rejecting unknown
// fields so typos in a client's request surface as 400s, not silent
// no-ops.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

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

package acteonerr

// Classifier is implemented by every error kind in this package so callers
// can branch on category and retryability without a type switch per kind.
type Classifier interface {
	error
	ErrorType() string
	IsRetryable() bool
}

// Enveloper produces the wire-format error envelope for an API response.
type Enveloper interface {
	error
	Envelope() Envelope
}

// ToEnvelope converts any error into the spec's error envelope, falling
// back to an internal EXECUTION_FAILED envelope for errors this package
// doesn't recognize.
func ToEnvelope(err error) Envelope {
	if err == nil {
		return Envelope{}
	}
	if e, ok := err.(Enveloper); ok {
		return e.Envelope()
	}
	return Envelope{Code: CodeExecutionFailed, Message: err.Error(), Retryable: false}
}

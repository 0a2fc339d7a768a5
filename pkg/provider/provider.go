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

// Package provider defines the contract the dispatch core uses to talk
// to external effectful systems, and a name-keyed registry of them.
// Provider implementations (SMTP, Slack, Twilio, HTTP webhooks, ...)
// live in subpackages; only the contract here is load-bearing for the
// core.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/penserai/acteon/pkg/action"
)

// ErrorCode is the closed set of ways a provider call can fail. The
// executor classifies each code as retryable or terminal; providers
// must not invent new codes.
type ErrorCode string

const (
	CodeNotFound        ErrorCode = "not_found"
	CodeExecutionFailed ErrorCode = "execution_failed"
	CodeTimeout         ErrorCode = "timeout"
	CodeConnection      ErrorCode = "connection"
	CodeConfiguration   ErrorCode = "configuration"
	CodeRateLimited     ErrorCode = "rate_limited"
	CodeSerialization   ErrorCode = "serialization"
)

// Retryable reports whether the executor should attempt another try
// after a failure carrying this code.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeTimeout, CodeConnection, CodeRateLimited:
		return true
	default:
		return false
	}
}

// Error is the error type every Provider.Execute must return on
// failure. It is the executor's sole classification signal.
type Error struct {
	Provider string
	Code     ErrorCode
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider %s: %s: %s: %v", e.Provider, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorType implements acteonerr.Classifier.
func (e *Error) ErrorType() string { return string(e.Code) }

// IsRetryable implements acteonerr.Classifier.
func (e *Error) IsRetryable() bool { return e.Code.Retryable() }

// Provider is an external effectful system the gateway can talk to.
// Implementations must be safe for concurrent use; the executor calls
// Execute from many goroutines at once, bounded by its semaphore.
type Provider interface {
	// Name returns the provider's registry key.
	Name() string

	// Execute carries out the action and returns its response, or a
	// *Error describing why it could not be carried out. ctx carries
	// the executor's per-attempt deadline.
	Execute(ctx context.Context, a *action.Action) (action.Response, error)

	// HealthCheck reports whether the provider's dependencies are
	// reachable. It is not on the dispatch hot path.
	HealthCheck(ctx context.Context) error
}

// Registry is a name to Provider mapping. Reads (provider lookups on
// the dispatch hot path) run concurrently; registration is exclusive.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs p under its own Name(), replacing any provider
// previously registered under that name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name, if any.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns every registered provider name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}

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

// Package executor runs one action against one provider with bounded
// concurrency, per-attempt timeouts, and configurable retry.
package executor

import (
	"context"
	"time"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/provider"
)

// Config bounds one executor instance. A single Executor is normally
// shared process-wide; MaxConcurrent is a global cap, not per-provider.
type Config struct {
	MaxConcurrent    int
	MaxRetries       int
	ExecutionTimeout time.Duration
	RetryStrategy    RetryStrategy
}

// Executor runs provider calls under a global concurrency semaphore.
type Executor struct {
	cfg  Config
	sema chan struct{}
}

// New returns an Executor. A MaxConcurrent <= 0 means unbounded.
func New(cfg Config) *Executor {
	if cfg.RetryStrategy == nil {
		cfg.RetryStrategy = Constant{Delay: time.Second}
	}
	e := &Executor{cfg: cfg}
	if cfg.MaxConcurrent > 0 {
		e.sema = make(chan struct{}, cfg.MaxConcurrent)
	}
	return e
}

// Run executes a against p, retrying per the configured strategy, and
// returns the terminal ActionOutcome: Executed or Failed. It never
// returns a Go error itself; failures are carried in the outcome. The
// only Go error return is for context cancellation, which the caller
// must treat as "no outcome produced" (spec: a cancelled dispatch
// produces no outcome, no audit record, no broadcast event).
func (e *Executor) Run(ctx context.Context, p provider.Provider, a *action.Action) (action.ActionOutcome, error) {
	if e.sema != nil {
		select {
		case e.sema <- struct{}{}:
			defer func() { <-e.sema }()
		case <-ctx.Done():
			return action.ActionOutcome{}, ctx.Err()
		}
	}

	maxRetries := e.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return action.ActionOutcome{}, ctx.Err()
		}

		resp, err := e.attempt(ctx, p, a)
		if err == nil {
			return action.Executed(resp), nil
		}

		code, retryable := classify(err)
		if retryable && attempt < maxRetries {
			delay := e.cfg.RetryStrategy.DelayFor(attempt)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return action.ActionOutcome{}, ctx.Err()
			}
		}
		return action.Failed(string(code), err.Error(), retryable, attempt+1), nil
	}

	// Unreachable: the loop above always returns before exhausting its
	// bound, since the final iteration's failure branch always returns.
	panic("executor: Run fell through its retry loop")
}

// attempt runs exactly one provider.Execute under ExecutionTimeout.
func (e *Executor) attempt(ctx context.Context, p provider.Provider, a *action.Action) (action.Response, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.ExecutionTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
		defer cancel()
	}

	resp, err := p.Execute(attemptCtx, a)
	if err != nil {
		return nil, err
	}
	if attemptCtx.Err() != nil {
		return nil, &provider.Error{Provider: p.Name(), Code: provider.CodeTimeout, Message: "execution deadline exceeded", Cause: attemptCtx.Err()}
	}
	return resp, nil
}

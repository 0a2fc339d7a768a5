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

package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/provider"
)

type fakeProvider struct {
	name    string
	calls   int32
	results []error
	delay   time.Duration
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Execute(ctx context.Context, a *action.Action) (action.Response, error) {
	i := atomic.AddInt32(&f.calls, 1) - 1
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if int(i) < len(f.results) && f.results[i] != nil {
		return nil, f.results[i]
	}
	return action.Response(`{"ok":true}`), nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	p := &fakeProvider{name: "email"}
	e := New(Config{MaxConcurrent: 1, MaxRetries: 2, ExecutionTimeout: time.Second})

	out, err := e.Run(context.Background(), p, action.New("ns", "t", "email", "send", []byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeExecuted, out.Tag)
	assert.EqualValues(t, 1, p.calls)
}

func TestRun_RetriesRetryableThenSucceeds(t *testing.T) {
	p := &fakeProvider{
		name: "email",
		results: []error{
			&provider.Error{Provider: "email", Code: provider.CodeConnection},
			nil,
		},
	}
	e := New(Config{MaxRetries: 2, ExecutionTimeout: time.Second, RetryStrategy: Constant{Delay: time.Millisecond}})

	out, err := e.Run(context.Background(), p, action.New("ns", "t", "email", "send", []byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeExecuted, out.Tag)
	assert.EqualValues(t, 2, p.calls)
}

func TestRun_TerminalErrorStopsImmediately(t *testing.T) {
	p := &fakeProvider{
		name: "email",
		results: []error{
			&provider.Error{Provider: "email", Code: provider.CodeNotFound},
		},
	}
	e := New(Config{MaxRetries: 5, ExecutionTimeout: time.Second, RetryStrategy: Constant{Delay: time.Millisecond}})

	out, err := e.Run(context.Background(), p, action.New("ns", "t", "email", "send", []byte(`{}`)))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeFailed, out.Tag)
	assert.False(t, out.Failed.Retryable)
	assert.Equal(t, 1, out.Failed.Attempts)
	assert.EqualValues(t, 1, p.calls)
}

func TestRun_ExhaustsRetriesReturnsFailed(t *testing.T) {
	p := &fakeProvider{
		name: "email",
		results: []error{
			&provider.Error{Provider: "email", Code: provider.CodeTimeout},
			&provider.Error{Provider: "email", Code: provider.CodeTimeout},
			&provider.Error{Provider: "email", Code: provider.CodeTimeout},
		},
	}
	e := New(Config{MaxRetries: 2, ExecutionTimeout: time.Second, RetryStrategy: Constant{Delay: time.Millisecond}})

	out, err := e.Run(context.Background(), p, action.New("ns", "t", "email", "send", []byte(`{}`)))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeFailed, out.Tag)
	assert.True(t, out.Failed.Retryable)
	assert.Equal(t, 3, out.Failed.Attempts)
	assert.EqualValues(t, 3, p.calls)
}

func TestRun_DeadlineExceededTreatedAsRetryableTimeout(t *testing.T) {
	p := &fakeProvider{name: "slow", delay: 50 * time.Millisecond}
	e := New(Config{MaxRetries: 1, ExecutionTimeout: 5 * time.Millisecond, RetryStrategy: Constant{Delay: time.Millisecond}})

	out, err := e.Run(context.Background(), p, action.New("ns", "t", "slow", "send", []byte(`{}`)))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeFailed, out.Tag)
	assert.Equal(t, string(provider.CodeTimeout), out.Failed.Code)
}

func TestRun_SemaphoreBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	p := &fakeProvider{name: "slow"}
	_ = p
	e := New(Config{MaxConcurrent: 2, ExecutionTimeout: time.Second})

	blocker := &blockingProvider{
		before: func() {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
					break
				}
			}
		},
		after: func() { atomic.AddInt32(&inFlight, -1) },
		delay: 20 * time.Millisecond,
	}

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = e.Run(context.Background(), blocker, action.New("ns", "t", "slow", "send", []byte(`{}`)))
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
}

type blockingProvider struct {
	before, after func()
	delay         time.Duration
}

func (b *blockingProvider) Name() string { return "slow" }
func (b *blockingProvider) Execute(ctx context.Context, a *action.Action) (action.Response, error) {
	b.before()
	defer b.after()
	time.Sleep(b.delay)
	return action.Response(`{}`), nil
}
func (b *blockingProvider) HealthCheck(ctx context.Context) error { return nil }

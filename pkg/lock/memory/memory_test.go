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

package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_OnlyOneHolder(t *testing.T) {
	l := New()
	ctx := context.Background()

	h1, ok, err := l.Acquire(ctx, "fp1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "fp1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, h1))

	_, ok, err = l.Acquire(ctx, "fp1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquire_LeaseExpiryAllowsNewHolder(t *testing.T) {
	l := New()
	ctx := context.Background()

	_, ok, err := l.Acquire(ctx, "fp1", 5*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(15 * time.Millisecond)

	_, ok, err = l.Acquire(ctx, "fp1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_StaleHandleReturnsErr(t *testing.T) {
	l := New()
	ctx := context.Background()

	h, ok, err := l.Acquire(ctx, "fp1", 5*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(15 * time.Millisecond)
	_, _, _ = l.Acquire(ctx, "fp1", time.Minute)

	err = l.Release(ctx, h)
	assert.Error(t, err)
}

func TestAcquire_ConcurrentContendersOneWinner(t *testing.T) {
	l := New()
	ctx := context.Background()
	var wins int64

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			_, ok, _ := l.Acquire(ctx, "fp-shared", time.Minute)
			if ok {
				atomic.AddInt64(&wins, 1)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Equal(t, int64(1), wins)
}

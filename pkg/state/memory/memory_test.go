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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/pkg/state"
)

func TestCheckAndSet_OnlyOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()

	const n = 50
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CheckAndSet(ctx, "ns:t:dedup:fp1", "v", nil)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestCheckAndSet_TTLExpiryAllowsRewrite(t *testing.T) {
	s := New()
	ctx := context.Background()
	ttl := 10 * time.Millisecond

	ok, err := s.CheckAndSet(ctx, "k", "v1", &ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CheckAndSet(ctx, "k", "v2", &ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(20 * time.Millisecond)

	ok, err = s.CheckAndSet(ctx, "k", "v3", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIncrement_CreatesAndAccumulates(t *testing.T) {
	s := New()
	ctx := context.Background()
	ttl := time.Minute

	v, err := s.Increment(ctx, "counter", 1, &ttl)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.Increment(ctx, "counter", 4, &ttl)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestCompareAndSwap_ConflictReturnsCurrent(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v1", nil))
	entry, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := s.CompareAndSwap(ctx, "k", entry.Version, "v2", nil)
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = s.CompareAndSwap(ctx, "k", entry.Version, "v3", nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "v2", res.CurrentValue)
}

func TestScanKeys_PrefixScope(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, state.Key("ns", "t1", state.KindThrottle, "a"), "1", nil))
	require.NoError(t, s.Set(ctx, state.Key("ns", "t1", state.KindThrottle, "b"), "2", nil))
	require.NoError(t, s.Set(ctx, state.Key("ns", "t2", state.KindThrottle, "c"), "3", nil))

	entries, err := s.ScanKeys(ctx, "ns", "t1", state.KindThrottle, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTimeoutIndex_OnlyReturnsDue(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.IndexTimeout(ctx, "k1", 100))
	require.NoError(t, s.IndexTimeout(ctx, "k2", 200))

	due, err := s.GetExpiredTimeouts(ctx, 150)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "k1", due[0].Key)

	require.NoError(t, s.RemoveTimeoutIndex(ctx, "k1"))
	due, err = s.GetExpiredTimeouts(ctx, 300)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "k2", due[0].Key)
}

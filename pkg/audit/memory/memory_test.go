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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/pkg/audit"
)

func TestQuery_FilterIsMonotone(t *testing.T) {
	s := New(false)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Submit(ctx, audit.Record{ActionID: "a1", Namespace: "ns", Tenant: "t1", Verdict: "allow", DispatchedAt: now}))
	require.NoError(t, s.Submit(ctx, audit.Record{ActionID: "a2", Namespace: "ns", Tenant: "t2", Verdict: "suppress", DispatchedAt: now}))

	strict, err := s.Query(ctx, audit.Filter{Namespace: "ns", Tenant: "t1"})
	require.NoError(t, err)
	weak, err := s.Query(ctx, audit.Filter{Namespace: "ns"})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(strict), len(weak))
	for _, r := range strict {
		assert.Contains(t, weak, r)
	}
}

func TestSubmit_ChainedHashesLink(t *testing.T) {
	s := New(true)
	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, audit.Record{ActionID: "a1", DispatchedAt: time.Now()}))
	require.NoError(t, s.Submit(ctx, audit.Record{ActionID: "a2", DispatchedAt: time.Now()}))

	recs, err := s.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	var first, second audit.Record
	for _, r := range recs {
		if r.ActionID == "a1" {
			first = r
		} else {
			second = r
		}
	}
	assert.Equal(t, first.RecordHash, second.PreviousHash)
	assert.NotEmpty(t, first.RecordHash)
	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, int64(2), second.SequenceNumber)
}

func TestCleanup_RemovesExpiredOnly(t *testing.T) {
	s := New(false)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, s.Submit(ctx, audit.Record{ActionID: "expired", ExpiresAt: &past}))
	require.NoError(t, s.Submit(ctx, audit.Record{ActionID: "live", ExpiresAt: &future}))
	require.NoError(t, s.Submit(ctx, audit.Record{ActionID: "no-ttl"}))

	removed, err := s.Cleanup(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	recs, err := s.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestQuery_LimitCapsResults(t *testing.T) {
	s := New(false)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit(ctx, audit.Record{ActionID: "a", DispatchedAt: time.Now()}))
	}
	recs, err := s.Query(ctx, audit.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

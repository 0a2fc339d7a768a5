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

// Package memory implements audit.Sink in process memory, for
// single-node deployments and tests. Records are never lost within
// process lifetime, but nothing survives a restart.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/penserai/acteon/pkg/audit"
)

var _ audit.Sink = (*Sink)(nil)

// Sink stores records in an append-only slice guarded by a mutex.
// Optionally maintains a SHA-256 hash chain across records, which
// requires serializing all writes — the mutex already does that.
type Sink struct {
	mu          sync.Mutex
	records     []audit.Record
	chained     bool
	lastHash    string
	nextSeq     int64
}

// New returns an empty sink. When chained is true, every Submit
// populates RecordHash/PreviousHash/SequenceNumber.
func New(chained bool) *Sink {
	return &Sink{chained: chained}
}

func (s *Sink) Submit(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chained {
		s.nextSeq++
		r.SequenceNumber = s.nextSeq
		r.PreviousHash = s.lastHash
		r.RecordHash = hashRecord(r)
		s.lastHash = r.RecordHash
	}
	s.records = append(s.records, r)
	return nil
}

func hashRecord(r audit.Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d", r.PreviousHash, r.ActionID, r.Namespace, r.Tenant, r.Verdict, r.Outcome, r.SequenceNumber)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Sink) Query(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []audit.Record
	for _, r := range s.records {
		if matches(r, f) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DispatchedAt.After(out[j].DispatchedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(r audit.Record, f audit.Filter) bool {
	if f.Namespace != "" && r.Namespace != f.Namespace {
		return false
	}
	if f.Tenant != "" && r.Tenant != f.Tenant {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.ActionID != "" && r.ActionID != f.ActionID {
		return false
	}
	if f.ChainID != "" && r.ChainID != f.ChainID {
		return false
	}
	if f.Verdict != "" && r.Verdict != f.Verdict {
		return false
	}
	if !f.Since.IsZero() && r.DispatchedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.DispatchedAt.After(f.Until) {
		return false
	}
	return true
}

func (s *Sink) Cleanup(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	removed := 0
	for _, r := range s.records {
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

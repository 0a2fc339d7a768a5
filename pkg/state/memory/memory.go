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

// Package memory provides an in-process state.Store suitable for
// single-node deployments and tests. All guarantees in state.Store are
// strict here (no best-effort relaxation).
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/penserai/acteon/pkg/state"
)

var _ state.Store = (*Store)(nil)

type record struct {
	value     string
	version   int64
	expiresAt time.Time
	hasTTL    bool
}

func (r record) live(now time.Time) bool {
	return !r.hasTTL || now.Before(r.expiresAt)
}

// Store is an in-memory state.Store backed by a single map guarded by a
// Mutex, in the teacher's memory-backend style.
type Store struct {
	mu         sync.Mutex
	entries    map[string]record
	timeouts   map[string]int64
	chainReady map[string]int64
}

func New() *Store {
	return &Store{
		entries:    make(map[string]record),
		timeouts:   make(map[string]int64),
		chainReady: make(map[string]int64),
	}
}

func ttlDeadline(ttl *time.Duration) (time.Time, bool) {
	if ttl == nil {
		return time.Time{}, false
	}
	return time.Now().Add(*ttl), true
}

func (s *Store) Get(_ context.Context, key string) (state.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (state.Entry, bool, error) {
	r, ok := s.entries[key]
	if !ok || !r.live(time.Now()) {
		if ok {
			delete(s.entries, key)
		}
		return state.Entry{}, false, nil
	}
	e := state.Entry{Key: key, Value: r.value, Version: r.version}
	if r.hasTTL {
		t := r.expiresAt
		e.TTL = &t
	}
	return e, true, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl *time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, hasTTL := ttlDeadline(ttl)
	prev := s.entries[key]
	ver := prev.version + 1
	s.entries[key] = record{value: value, version: ver, expiresAt: deadline, hasTTL: hasTTL}
	return nil
}

func (s *Store) CheckAndSet(_ context.Context, key, value string, ttl *time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.entries[key]; ok && r.live(time.Now()) {
		return false, nil
	}
	deadline, hasTTL := ttlDeadline(ttl)
	s.entries[key] = record{value: value, version: 1, expiresAt: deadline, hasTTL: hasTTL}
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[key]
	if !ok || !r.live(time.Now()) {
		delete(s.entries, key)
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *Store) Increment(_ context.Context, key string, delta int64, ttl *time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[key]
	var current int64
	if ok && r.live(time.Now()) {
		current, _ = strconv.ParseInt(r.value, 10, 64)
	} else {
		// Creating writes 0+delta; TTL is (re)applied on create.
		deadline, hasTTL := ttlDeadline(ttl)
		newVal := delta
		s.entries[key] = record{value: strconv.FormatInt(newVal, 10), version: 1, expiresAt: deadline, hasTTL: hasTTL}
		return newVal, nil
	}
	newVal := current + delta
	s.entries[key] = record{value: strconv.FormatInt(newVal, 10), version: r.version + 1, expiresAt: r.expiresAt, hasTTL: r.hasTTL}
	return newVal, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, expectedVersion int64, value string, ttl *time.Duration) (state.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[key]
	if !ok || !r.live(time.Now()) {
		if expectedVersion != 0 {
			return state.CASResult{OK: false, CurrentVersion: 0}, nil
		}
		deadline, hasTTL := ttlDeadline(ttl)
		s.entries[key] = record{value: value, version: 1, expiresAt: deadline, hasTTL: hasTTL}
		return state.CASResult{OK: true}, nil
	}
	if r.version != expectedVersion {
		return state.CASResult{OK: false, CurrentValue: r.value, CurrentVersion: r.version}, nil
	}
	deadline, hasTTL := ttlDeadline(ttl)
	if ttl == nil {
		deadline, hasTTL = r.expiresAt, r.hasTTL
	}
	s.entries[key] = record{value: value, version: r.version + 1, expiresAt: deadline, hasTTL: hasTTL}
	return state.CASResult{OK: true}, nil
}

func (s *Store) ScanKeys(_ context.Context, namespace, tenant string, kind state.Kind, prefix string) ([]state.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full := state.Prefix(namespace, tenant, kind) + prefix
	now := time.Now()
	var out []state.Entry
	for k, r := range s.entries {
		if !strings.HasPrefix(k, full) || !r.live(now) {
			continue
		}
		e := state.Entry{Key: k, Value: r.value, Version: r.version}
		if r.hasTTL {
			t := r.expiresAt
			e.TTL = &t
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) IndexTimeout(_ context.Context, key string, expiresAtMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts[key] = expiresAtMS
	return nil
}

func (s *Store) GetExpiredTimeouts(_ context.Context, nowMS int64) ([]state.IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dueEntries(s.timeouts, nowMS), nil
}

func (s *Store) RemoveTimeoutIndex(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timeouts, key)
	return nil
}

func (s *Store) IndexChainReady(_ context.Context, key string, readyAtMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chainReady[key] = readyAtMS
	return nil
}

func (s *Store) GetReadyChains(_ context.Context, nowMS int64) ([]state.IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dueEntries(s.chainReady, nowMS), nil
}

func (s *Store) RemoveChainReadyIndex(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chainReady, key)
	return nil
}

func dueEntries(index map[string]int64, nowMS int64) []state.IndexEntry {
	var out []state.IndexEntry
	for k, due := range index {
		if due <= nowMS {
			out = append(out, state.IndexEntry{Key: k, DueAtMS: due})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAtMS < out[j].DueAtMS })
	return out
}

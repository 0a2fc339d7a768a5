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

// Package state defines the dispatch core's keyed state abstraction: the
// canonical key grammar, the Store contract every backend must implement,
// and the two sorted "due-time" indexes (timeouts, chain-ready) the timer
// loop consults.
package state

import (
	"context"
	"fmt"
	"time"
)

// Kind is the closed set of state-key kinds. New kinds require updating
// every backend's conformance test, not just this list.
type Kind string

const (
	KindDedup        Kind = "dedup"
	KindThrottle     Kind = "throttle"
	KindSMState      Kind = "sm_state"
	KindGroup        Kind = "group"
	KindPendingGroups Kind = "pending_groups"
	KindChain        Kind = "chain"
	KindApproval     Kind = "approval"
	KindQuota        Kind = "quota"
	KindTimeout      Kind = "timeout"
	KindChainReady   Kind = "chain_ready"
)

// Key renders the canonical {namespace}:{tenant}:{kind}:{id} grammar.
// Backends may hash, escape, or prefix the result but must preserve
// prefix-scan semantics over the unescaped form.
func Key(namespace, tenant string, kind Kind, id string) string {
	return fmt.Sprintf("%s:%s:%s:%s", namespace, tenant, kind, id)
}

// Prefix renders a scan prefix over {namespace}:{tenant}:{kind}:.
func Prefix(namespace, tenant string, kind Kind) string {
	return fmt.Sprintf("%s:%s:%s:", namespace, tenant, kind)
}

// CASResult is the outcome of a CompareAndSwap call.
type CASResult struct {
	OK             bool
	CurrentValue   string
	CurrentVersion int64
}

// Entry is one live key's value and bookkeeping, returned by Get/ScanKeys.
type Entry struct {
	Key     string
	Value   string
	Version int64
	TTL     *time.Time
}

// IndexEntry is one (key, due-time) pair from a sorted due-time index.
type IndexEntry struct {
	Key      string
	DueAtMS  int64
}

// Store is the full state-store contract (spec §4.1). Implementations
// must document which atomicity guarantees are best-effort; the core
// treats every backend as if the guarantees hold.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key, value string, ttl *time.Duration) error
	CheckAndSet(ctx context.Context, key, value string, ttl *time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Increment(ctx context.Context, key string, delta int64, ttl *time.Duration) (int64, error)
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value string, ttl *time.Duration) (CASResult, error)
	ScanKeys(ctx context.Context, namespace, tenant string, kind Kind, prefix string) ([]Entry, error)

	IndexTimeout(ctx context.Context, key string, expiresAtMS int64) error
	GetExpiredTimeouts(ctx context.Context, nowMS int64) ([]IndexEntry, error)
	RemoveTimeoutIndex(ctx context.Context, key string) error

	IndexChainReady(ctx context.Context, key string, readyAtMS int64) error
	GetReadyChains(ctx context.Context, nowMS int64) ([]IndexEntry, error)
	RemoveChainReadyIndex(ctx context.Context, key string) error
}

// Get is a narrow convenience used by the rule engine's state.{kind}.{id}
// lookups: it hides TTL/version bookkeeping behind a (string, bool, error)
// signature.
func Get(ctx context.Context, s Store, namespace, tenant, kind, id string) (string, bool, error) {
	entry, ok, err := s.Get(ctx, Key(namespace, tenant, Kind(kind), id))
	if err != nil || !ok {
		return "", false, err
	}
	return entry.Value, true, nil
}

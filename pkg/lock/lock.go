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

// Package lock defines the advisory distributed lock the dispatch core
// uses to serialize writes to a single fingerprint across nodes. Locks
// are advisory: the core honours them, but nothing prevents a path that
// bypasses the lock from racing with a held one.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Release when the handle's lease has already
// expired or been released by someone else.
var ErrNotHeld = errors.New("lock: handle not held")

// Handle identifies one successful acquisition. It must be released, or
// it expires on its own after its lease.
type Handle struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Lock is the distributed-lock contract (spec §4.2).
type Lock interface {
	// Acquire attempts to install a lease-bearing marker for key. It
	// returns (nil, false, nil) if another holder is live. A bounded
	// wait is the caller's responsibility via ctx's deadline; Acquire
	// itself makes one attempt and returns immediately on contention.
	Acquire(ctx context.Context, key string, lease time.Duration) (*Handle, bool, error)

	// Release removes the marker if handle is still the current holder.
	// Releasing an expired or already-released handle returns ErrNotHeld.
	Release(ctx context.Context, handle *Handle) error
}

// WithLock acquires key with lease, waiting up to maxWait (polling every
// pollInterval) for contention to clear, runs fn while held, and releases
// afterward regardless of fn's outcome. It is the bounded-wait convenience
// the spec allows on top of Lock's single-attempt Acquire.
func WithLock(ctx context.Context, l Lock, key string, lease, maxWait, pollInterval time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(maxWait)
	var handle *Handle
	for {
		h, ok, err := l.Acquire(ctx, key, lease)
		if err != nil {
			return err
		}
		if ok {
			handle = h
			break
		}
		if time.Now().After(deadline) {
			return errors.New("lock: acquisition timed out")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	defer l.Release(ctx, handle)
	return fn(ctx)
}

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

// Package memory implements lock.Lock with a keyed mutex pool, for
// single-node deployments where a distributed lock is unnecessary.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/pkg/lock"
)

var _ lock.Lock = (*Lock)(nil)

type held struct {
	token     string
	expiresAt time.Time
}

type Lock struct {
	mu      sync.Mutex
	holders map[string]held
}

func New() *Lock {
	return &Lock{holders: make(map[string]held)}
}

func (l *Lock) Acquire(_ context.Context, key string, lease time.Duration) (*lock.Handle, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if h, ok := l.holders[key]; ok && h.expiresAt.After(now) {
		return nil, false, nil
	}
	token := uuid.NewString()
	expiresAt := now.Add(lease)
	l.holders[key] = held{token: token, expiresAt: expiresAt}
	return &lock.Handle{Key: key, Token: token, ExpiresAt: expiresAt}, true, nil
}

func (l *Lock) Release(_ context.Context, handle *lock.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holders[handle.Key]
	if !ok || h.token != handle.Token || !h.expiresAt.After(time.Now()) {
		return lock.ErrNotHeld
	}
	delete(l.holders, handle.Key)
	return nil
}

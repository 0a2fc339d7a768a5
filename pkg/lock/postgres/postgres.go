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

// Package postgres implements lock.Lock with PostgreSQL session-level
// advisory locks, for deployments with more than one dispatch node.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"

	"github.com/penserai/acteon/pkg/lock"
)

var _ lock.Lock = (*Lock)(nil)

// Lock is a PostgreSQL-backed lock.Lock. Session-level advisory locks
// (pg_try_advisory_lock) are tied to the physical connection that took
// them, so each held key pins a dedicated *sql.Conn from the pool until
// Release or lease expiry; Acquire's single attempt never blocks.
type Lock struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*heldConn
}

type heldConn struct {
	conn      *sql.Conn
	token     string
	advID     int64
	expiresAt time.Time
}

// Config configures the underlying connection pool.
type Config struct {
	ConnectionString string
	MaxOpenConns     int
}

// New opens a pool dedicated to advisory locking.
func New(cfg Config) (*Lock, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres lock pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return &Lock{db: db, conns: make(map[string]*heldConn)}, nil
}

func (l *Lock) Close() error { return l.db.Close() }

// advisoryID folds an arbitrary string key into the int64 space
// pg_try_advisory_lock expects.
func advisoryID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func (l *Lock) Acquire(ctx context.Context, key string, lease time.Duration) (*lock.Handle, bool, error) {
	l.mu.Lock()
	if existing, ok := l.conns[key]; ok {
		live := existing.expiresAt.After(time.Now())
		l.mu.Unlock()
		if live {
			return nil, false, nil
		}
		// Lease expired locally; best effort release the stale conn
		// before trying fresh, since the advisory lock survives until
		// the connection closes or we explicitly unlock it.
		l.forceRelease(ctx, key)
	} else {
		l.mu.Unlock()
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("postgres lock: acquire connection: %w", err)
	}

	advID := advisoryID(key)
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("postgres lock: pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	token := uuid.NewString()
	expiresAt := time.Now().Add(lease)

	l.mu.Lock()
	l.conns[key] = &heldConn{conn: conn, token: token, advID: advID, expiresAt: expiresAt}
	l.mu.Unlock()

	return &lock.Handle{Key: key, Token: token, ExpiresAt: expiresAt}, true, nil
}

func (l *Lock) Release(ctx context.Context, handle *lock.Handle) error {
	l.mu.Lock()
	hc, ok := l.conns[handle.Key]
	if !ok || hc.token != handle.Token {
		l.mu.Unlock()
		return lock.ErrNotHeld
	}
	if !hc.expiresAt.After(time.Now()) {
		l.mu.Unlock()
		l.forceRelease(ctx, handle.Key)
		return lock.ErrNotHeld
	}
	delete(l.conns, handle.Key)
	l.mu.Unlock()

	_, err := hc.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, hc.advID)
	closeErr := hc.conn.Close()
	if err != nil {
		return fmt.Errorf("postgres lock: pg_advisory_unlock: %w", err)
	}
	return closeErr
}

// forceRelease drops a locally-tracked but lease-expired connection.
// The advisory lock itself is released as soon as the connection
// closes, so a new Acquire on the same key can succeed immediately.
func (l *Lock) forceRelease(ctx context.Context, key string) {
	l.mu.Lock()
	hc, ok := l.conns[key]
	if ok {
		delete(l.conns, key)
	}
	l.mu.Unlock()
	if ok {
		hc.conn.Close()
	}
}

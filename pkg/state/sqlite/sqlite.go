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

// Package sqlite provides a single-node, file-backed state.Store for
// local development and small deployments, using modernc.org/sqlite (a
// cgo-free driver). Writes are serialized through a single mutex since
// SQLite allows only one writer at a time regardless of driver-level
// connection pooling.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/penserai/acteon/pkg/state"
)

var _ state.Store = (*Store)(nil)

type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Config configures the backing file. Path may be ":memory:".
type Config struct {
	Path string
	WAL  bool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	dsn := cfg.Path
	if cfg.WAL {
		dsn += "?_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS acteon_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			version INTEGER NOT NULL,
			expires_at_ms INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS acteon_timeout_index (key TEXT PRIMARY KEY, due_at_ms INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS acteon_chain_ready_index (key TEXT PRIMARY KEY, due_at_ms INTEGER NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate acteon sqlite schema: %w", err)
		}
	}
	return nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

func expiresAtMS(ttl *time.Duration) (int64, bool) {
	if ttl == nil {
		return 0, false
	}
	return time.Now().Add(*ttl).UnixMilli(), true
}

func (s *Store) Get(ctx context.Context, key string) (state.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	var version int64
	var exp sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT value, version, expires_at_ms FROM acteon_state
		WHERE key = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?)`, key, nowMS())
	if err := row.Scan(&value, &version, &exp); err != nil {
		if err == sql.ErrNoRows {
			return state.Entry{}, false, nil
		}
		return state.Entry{}, false, err
	}
	e := state.Entry{Key: key, Value: value, Version: version}
	if exp.Valid {
		t := time.UnixMilli(exp.Int64)
		e.TTL = &t
	}
	return e, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl *time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, has := expiresAtMS(ttl)
	var expArg any
	if has {
		expArg = exp
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acteon_state (key, value, version, expires_at_ms) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = version + 1, expires_at_ms = excluded.expires_at_ms`,
		key, value, expArg)
	return err
}

func (s *Store) CheckAndSet(ctx context.Context, key, value string, ttl *time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM acteon_state WHERE key = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?))`,
		key, nowMS()).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	exp, has := expiresAtMS(ttl)
	var expArg any
	if has {
		expArg = exp
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acteon_state (key, value, version, expires_at_ms) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = 1, expires_at_ms = excluded.expires_at_ms`,
		key, value, expArg)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM acteon_state WHERE key = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?)`, key, nowMS())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

func (s *Store) Increment(ctx context.Context, key string, delta int64, ttl *time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok, err := s.getLockedNoLock(ctx, key)
	if err != nil {
		return 0, err
	}
	var current int64
	if ok {
		current, _ = strconv.ParseInt(entry.Value, 10, 64)
	}
	newVal := current + delta
	exp, has := expiresAtMS(ttl)
	var expArg any
	if has {
		expArg = exp
	} else if ok && entry.TTL != nil {
		expArg = entry.TTL.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO acteon_state (key, value, version, expires_at_ms) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = version + 1, expires_at_ms = excluded.expires_at_ms`,
		key, strconv.FormatInt(newVal, 10), expArg)
	if err != nil {
		return 0, err
	}
	return newVal, nil
}

// getLockedNoLock reads without re-acquiring s.mu; callers must hold it.
func (s *Store) getLockedNoLock(ctx context.Context, key string) (state.Entry, bool, error) {
	var value string
	var version int64
	var exp sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT value, version, expires_at_ms FROM acteon_state
		WHERE key = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?)`, key, nowMS())
	if err := row.Scan(&value, &version, &exp); err != nil {
		if err == sql.ErrNoRows {
			return state.Entry{}, false, nil
		}
		return state.Entry{}, false, err
	}
	e := state.Entry{Key: key, Value: value, Version: version}
	if exp.Valid {
		t := time.UnixMilli(exp.Int64)
		e.TTL = &t
	}
	return e, true, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value string, ttl *time.Duration) (state.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok, err := s.getLockedNoLock(ctx, key)
	if err != nil {
		return state.CASResult{}, err
	}
	if !ok {
		if expectedVersion != 0 {
			return state.CASResult{OK: false}, nil
		}
		exp, has := expiresAtMS(ttl)
		var expArg any
		if has {
			expArg = exp
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO acteon_state (key, value, version, expires_at_ms) VALUES (?, ?, 1, ?)`,
			key, value, expArg); err != nil {
			return state.CASResult{}, err
		}
		return state.CASResult{OK: true}, nil
	}
	if entry.Version != expectedVersion {
		return state.CASResult{OK: false, CurrentValue: entry.Value, CurrentVersion: entry.Version}, nil
	}
	exp, has := expiresAtMS(ttl)
	var expArg any
	if has {
		expArg = exp
	} else if entry.TTL != nil {
		expArg = entry.TTL.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE acteon_state SET value = ?, version = version + 1, expires_at_ms = ?
		WHERE key = ? AND version = ?`, value, expArg, key, expectedVersion)
	if err != nil {
		return state.CASResult{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return state.CASResult{}, err
	}
	if rows == 0 {
		return state.CASResult{OK: false, CurrentValue: entry.Value, CurrentVersion: entry.Version}, nil
	}
	return state.CASResult{OK: true}, nil
}

func (s *Store) ScanKeys(ctx context.Context, namespace, tenant string, kind state.Kind, prefix string) ([]state.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full := state.Prefix(namespace, tenant, kind) + prefix
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, version, expires_at_ms FROM acteon_state
		WHERE key LIKE ? ESCAPE '\' AND (expires_at_ms IS NULL OR expires_at_ms > ?)`,
		escapeLikePrefix(full)+"%", nowMS())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Entry
	for rows.Next() {
		var e state.Entry
		var exp sql.NullInt64
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &exp); err != nil {
			return nil, err
		}
		if exp.Valid {
			t := time.UnixMilli(exp.Int64)
			e.TTL = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func escapeLikePrefix(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) IndexTimeout(ctx context.Context, key string, expiresAtMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acteon_timeout_index (key, due_at_ms) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET due_at_ms = excluded.due_at_ms`, key, expiresAtMS)
	return err
}

func (s *Store) GetExpiredTimeouts(ctx context.Context, nowMS int64) ([]state.IndexEntry, error) {
	return s.dueEntries(ctx, "acteon_timeout_index", nowMS)
}

func (s *Store) RemoveTimeoutIndex(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM acteon_timeout_index WHERE key = ?`, key)
	return err
}

func (s *Store) IndexChainReady(ctx context.Context, key string, readyAtMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acteon_chain_ready_index (key, due_at_ms) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET due_at_ms = excluded.due_at_ms`, key, readyAtMS)
	return err
}

func (s *Store) GetReadyChains(ctx context.Context, nowMS int64) ([]state.IndexEntry, error) {
	return s.dueEntries(ctx, "acteon_chain_ready_index", nowMS)
}

func (s *Store) RemoveChainReadyIndex(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM acteon_chain_ready_index WHERE key = ?`, key)
	return err
}

func (s *Store) dueEntries(ctx context.Context, table string, nowMS int64) ([]state.IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, due_at_ms FROM %s WHERE due_at_ms <= ? ORDER BY due_at_ms ASC`, table), nowMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.IndexEntry
	for rows.Next() {
		var e state.IndexEntry
		if err := rows.Scan(&e.Key, &e.DueAtMS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

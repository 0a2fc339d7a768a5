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

// Package postgres provides a PostgreSQL-backed state.Store for
// multi-node deployments, using the pgx stdlib driver over database/sql.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/penserai/acteon/pkg/state"
)

var _ state.Store = (*Store)(nil)

// Store is a PostgreSQL-backed state.Store. All guarantees listed in
// state.Store are strict here: writes go through single-statement
// UPSERT/CAS forms so concurrent writers serialize at the database.
type Store struct {
	db *sql.DB
}

// Config configures the connection pool.
type Config struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// New opens a pool and ensures the backing schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres state store: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
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
			version BIGINT NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS acteon_timeout_index (
			key TEXT PRIMARY KEY,
			due_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS acteon_chain_ready_index (
			key TEXT PRIMARY KEY,
			due_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS acteon_timeout_due_idx ON acteon_timeout_index (due_at_ms)`,
		`CREATE INDEX IF NOT EXISTS acteon_chain_ready_due_idx ON acteon_chain_ready_index (due_at_ms)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate acteon state schema: %w", err)
		}
	}
	return nil
}

func toNullTime(ttl *time.Duration) sql.NullTime {
	if ttl == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().Add(*ttl), Valid: true}
}

func (s *Store) Get(ctx context.Context, key string) (state.Entry, bool, error) {
	var value string
	var version int64
	var expiresAt sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT value, version, expires_at FROM acteon_state
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key)
	if err := row.Scan(&value, &version, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return state.Entry{}, false, nil
		}
		return state.Entry{}, false, err
	}
	e := state.Entry{Key: key, Value: value, Version: version}
	if expiresAt.Valid {
		e.TTL = &expiresAt.Time
	}
	return e, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl *time.Duration) error {
	exp := toNullTime(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acteon_state (key, value, version, expires_at) VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, version = acteon_state.version + 1, expires_at = $3`,
		key, value, exp)
	return err
}

func (s *Store) CheckAndSet(ctx context.Context, key, value string, ttl *time.Duration) (bool, error) {
	exp := toNullTime(ttl)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO acteon_state (key, value, version, expires_at) VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, version = 1, expires_at = $3
		WHERE acteon_state.expires_at IS NOT NULL AND acteon_state.expires_at <= now()`,
		key, value, exp)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}
	// Either the row didn't exist before the insert (won by the INSERT
	// branch, rows would be 1) or it existed and was still live. Check
	// which, since ON CONFLICT...WHERE with no match still reports 0.
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM acteon_state WHERE key = $1)`, key).Scan(&exists); err != nil {
		return false, err
	}
	return !exists, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM acteon_state WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

func (s *Store) Increment(ctx context.Context, key string, delta int64, ttl *time.Duration) (int64, error) {
	exp := toNullTime(ttl)
	var newVal string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO acteon_state (key, value, version, expires_at) VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = (CASE WHEN acteon_state.expires_at IS NOT NULL AND acteon_state.expires_at <= now()
				THEN $2
				ELSE (COALESCE(NULLIF(acteon_state.value, ''), '0')::bigint + $4)::text END),
			version = acteon_state.version + 1,
			expires_at = $3
		RETURNING value`,
		key, strconv.FormatInt(delta, 10), exp, delta).Scan(&newVal)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(newVal, 10, 64)
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value string, ttl *time.Duration) (state.CASResult, error) {
	if expectedVersion == 0 {
		ok, err := s.CheckAndSet(ctx, key, value, ttl)
		if err != nil {
			return state.CASResult{}, err
		}
		if ok {
			return state.CASResult{OK: true}, nil
		}
		return s.casConflict(ctx, key)
	}
	var res sql.Result
	var err error
	if ttl == nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE acteon_state SET value = $2, version = version + 1
			WHERE key = $1 AND version = $3 AND (expires_at IS NULL OR expires_at > now())`,
			key, value, expectedVersion)
	} else {
		exp := toNullTime(ttl)
		res, err = s.db.ExecContext(ctx, `
			UPDATE acteon_state SET value = $2, version = version + 1, expires_at = $3
			WHERE key = $1 AND version = $4 AND (expires_at IS NULL OR expires_at > now())`,
			key, value, exp, expectedVersion)
	}
	if err != nil {
		return state.CASResult{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return state.CASResult{}, err
	}
	if rows > 0 {
		return state.CASResult{OK: true}, nil
	}
	return s.casConflict(ctx, key)
}

func (s *Store) casConflict(ctx context.Context, key string) (state.CASResult, error) {
	entry, ok, err := s.Get(ctx, key)
	if err != nil {
		return state.CASResult{}, err
	}
	if !ok {
		return state.CASResult{OK: false}, nil
	}
	return state.CASResult{OK: false, CurrentValue: entry.Value, CurrentVersion: entry.Version}, nil
}

func (s *Store) ScanKeys(ctx context.Context, namespace, tenant string, kind state.Kind, prefix string) ([]state.Entry, error) {
	full := state.Prefix(namespace, tenant, kind) + prefix
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, version, expires_at FROM acteon_state
		WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())`, escapeLikePrefix(full)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Entry
	for rows.Next() {
		var e state.Entry
		var expiresAt sql.NullTime
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			e.TTL = &expiresAt.Time
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acteon_timeout_index (key, due_at_ms) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET due_at_ms = $2`, key, expiresAtMS)
	return err
}

func (s *Store) GetExpiredTimeouts(ctx context.Context, nowMS int64) ([]state.IndexEntry, error) {
	return s.dueEntries(ctx, "acteon_timeout_index", nowMS)
}

func (s *Store) RemoveTimeoutIndex(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM acteon_timeout_index WHERE key = $1`, key)
	return err
}

func (s *Store) IndexChainReady(ctx context.Context, key string, readyAtMS int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acteon_chain_ready_index (key, due_at_ms) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET due_at_ms = $2`, key, readyAtMS)
	return err
}

func (s *Store) GetReadyChains(ctx context.Context, nowMS int64) ([]state.IndexEntry, error) {
	return s.dueEntries(ctx, "acteon_chain_ready_index", nowMS)
}

func (s *Store) RemoveChainReadyIndex(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM acteon_chain_ready_index WHERE key = $1`, key)
	return err
}

func (s *Store) dueEntries(ctx context.Context, table string, nowMS int64) ([]state.IndexEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, due_at_ms FROM %s WHERE due_at_ms <= $1 ORDER BY due_at_ms ASC`, table), nowMS)
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

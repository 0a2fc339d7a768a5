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

// Package postgres implements audit.Sink against PostgreSQL, for
// deployments needing the audit trail to survive node restarts.
package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/penserai/acteon/pkg/audit"
)

var _ audit.Sink = (*Sink)(nil)

// Sink is a PostgreSQL-backed audit.Sink. When Chained is true, writes
// serialize behind a single mutex so each record's PreviousHash is
// unambiguous, matching the spec's "hash chaining requires a single
// writer" rule.
type Sink struct {
	db      *sql.DB
	chained bool

	mu       sync.Mutex
	lastHash string
	nextSeq  int64
}

// Config configures the connection pool.
type Config struct {
	ConnectionString string
	Chained          bool
}

// New opens a pool, ensures the schema exists, and (if Chained)
// resumes the hash chain from the last stored record.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit sink: %w", err)
	}
	s := &Sink{db: db, chained: cfg.Chained}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.Chained {
		if err := s.resumeChain(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Sink) Close() error { return s.db.Close() }

func (s *Sink) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS acteon_audit (
			id TEXT PRIMARY KEY,
			action_id TEXT NOT NULL,
			chain_id TEXT,
			namespace TEXT NOT NULL,
			tenant TEXT NOT NULL,
			provider TEXT NOT NULL,
			action_type TEXT NOT NULL,
			verdict TEXT NOT NULL,
			matched_rule TEXT,
			outcome TEXT NOT NULL,
			action_payload JSONB,
			verdict_details JSONB,
			outcome_details JSONB,
			metadata JSONB,
			dispatched_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL,
			expires_at TIMESTAMPTZ,
			caller_id TEXT,
			auth_method TEXT,
			record_hash TEXT,
			previous_hash TEXT,
			sequence_number BIGINT
		);
		CREATE INDEX IF NOT EXISTS acteon_audit_ns_tenant_idx ON acteon_audit (namespace, tenant, dispatched_at DESC);
		CREATE INDEX IF NOT EXISTS acteon_audit_action_idx ON acteon_audit (action_id);
		CREATE INDEX IF NOT EXISTS acteon_audit_expires_idx ON acteon_audit (expires_at) WHERE expires_at IS NOT NULL;
	`)
	return err
}

func (s *Sink) resumeChain(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT record_hash, sequence_number FROM acteon_audit
		ORDER BY sequence_number DESC LIMIT 1`)
	var hash sql.NullString
	var seq sql.NullInt64
	if err := row.Scan(&hash, &seq); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	s.lastHash = hash.String
	s.nextSeq = seq.Int64
	return nil
}

func (s *Sink) Submit(ctx context.Context, r audit.Record) error {
	if s.chained {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextSeq++
		r.SequenceNumber = s.nextSeq
		r.PreviousHash = s.lastHash
		r.RecordHash = hashRecord(r)
	}

	payload, _ := json.Marshal(jsonOrNull(r.ActionPayload))
	verdictDetails, _ := json.Marshal(r.VerdictDetails)
	outcomeDetails, _ := json.Marshal(r.OutcomeDetails)
	metadata, _ := json.Marshal(r.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acteon_audit (
			id, action_id, chain_id, namespace, tenant, provider, action_type,
			verdict, matched_rule, outcome, action_payload, verdict_details,
			outcome_details, metadata, dispatched_at, completed_at, duration_ms,
			expires_at, caller_id, auth_method, record_hash, previous_hash, sequence_number
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		r.ID, r.ActionID, nullableString(r.ChainID), r.Namespace, r.Tenant, r.Provider, r.ActionType,
		r.Verdict, nullableString(r.MatchedRule), r.Outcome, payload, verdictDetails,
		outcomeDetails, metadata, r.DispatchedAt, r.CompletedAt, r.DurationMS,
		r.ExpiresAt, nullableString(r.CallerID), nullableString(r.AuthMethod),
		nullableString(r.RecordHash), nullableString(r.PreviousHash), nullableSeq(r.SequenceNumber))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	if s.chained {
		s.lastHash = r.RecordHash
	}
	return nil
}

func jsonOrNull(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	return v
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableSeq(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func hashRecord(r audit.Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d", r.PreviousHash, r.ActionID, r.Namespace, r.Tenant, r.Verdict, r.Outcome, r.SequenceNumber)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Sink) Query(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	query := `SELECT id, action_id, chain_id, namespace, tenant, provider, action_type,
		verdict, matched_rule, outcome, action_payload, verdict_details, outcome_details,
		metadata, dispatched_at, completed_at, duration_ms, expires_at, caller_id,
		auth_method, record_hash, previous_hash, sequence_number
		FROM acteon_audit WHERE 1=1`
	var args []any
	n := 0
	add := func(clause string, arg any) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, arg)
	}
	if f.Namespace != "" {
		add("namespace =", f.Namespace)
	}
	if f.Tenant != "" {
		add("tenant =", f.Tenant)
	}
	if f.Provider != "" {
		add("provider =", f.Provider)
	}
	if f.ActionID != "" {
		add("action_id =", f.ActionID)
	}
	if f.ChainID != "" {
		add("chain_id =", f.ChainID)
	}
	if f.Verdict != "" {
		add("verdict =", f.Verdict)
	}
	if !f.Since.IsZero() {
		add("dispatched_at >=", f.Since)
	}
	if !f.Until.IsZero() {
		add("dispatched_at <=", f.Until)
	}
	query += " ORDER BY dispatched_at DESC"
	if f.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var r audit.Record
		var chainID, matchedRule, callerID, authMethod, recordHash, previousHash sql.NullString
		var expiresAt sql.NullTime
		var sequenceNumber sql.NullInt64
		var payload, verdictDetails, outcomeDetails, metadata []byte
		if err := rows.Scan(&r.ID, &r.ActionID, &chainID, &r.Namespace, &r.Tenant, &r.Provider, &r.ActionType,
			&r.Verdict, &matchedRule, &r.Outcome, &payload, &verdictDetails, &outcomeDetails,
			&metadata, &r.DispatchedAt, &r.CompletedAt, &r.DurationMS, &expiresAt, &callerID,
			&authMethod, &recordHash, &previousHash, &sequenceNumber); err != nil {
			return nil, err
		}
		r.ChainID = chainID.String
		r.MatchedRule = matchedRule.String
		r.CallerID = callerID.String
		r.AuthMethod = authMethod.String
		r.RecordHash = recordHash.String
		r.PreviousHash = previousHash.String
		r.SequenceNumber = sequenceNumber.Int64
		r.ActionPayload = payload
		if expiresAt.Valid {
			r.ExpiresAt = &expiresAt.Time
		}
		_ = json.Unmarshal(verdictDetails, &r.VerdictDetails)
		_ = json.Unmarshal(outcomeDetails, &r.OutcomeDetails)
		_ = json.Unmarshal(metadata, &r.Metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Sink) Cleanup(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM acteon_audit WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

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

package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/bus"
	"github.com/penserai/acteon/pkg/state"
)

// ApprovalStatus is the closed set of Approval lifecycle states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
	ApprovalExpired  ApprovalStatus = "Expired"
)

// Approval is the persistent record of a RequestApproval verdict.
type Approval struct {
	ApprovalID      string         `json:"approval_id"`
	RuleName        string         `json:"rule_name"`
	Namespace       string         `json:"namespace"`
	Tenant          string         `json:"tenant"`
	ActionSnapshot  *action.Action `json:"action_snapshot"`
	Status          ApprovalStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	Message         string         `json:"message,omitempty"`
	HMACKeyID       string         `json:"hmac_key_id"`
}

// Signer holds the keyed HMAC secrets used to sign and verify approval
// decision URLs. kid identifies which secret signed a given URL so
// keys can be rotated without invalidating in-flight approvals signed
// under an older key.
type Signer struct {
	Keys      map[string]string
	DefaultKID string
}

// Sign computes the hex-encoded HMAC-SHA256 over the fields the spec
// requires: namespace, tenant, approval_id, expires_at, kid.
func (s *Signer) Sign(namespace, tenant, approvalID string, expiresAt int64, kid string) (string, error) {
	secret, ok := s.Keys[kid]
	if !ok {
		return "", fmt.Errorf("workflow: unknown signing key %q", kid)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\x00%s\x00%s\x00%d\x00%s", namespace, tenant, approvalID, expiresAt, kid)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks sig against the fields, using constant-time comparison.
func (s *Signer) Verify(namespace, tenant, approvalID string, expiresAt int64, kid, sig string) bool {
	want, err := s.Sign(namespace, tenant, approvalID, expiresAt, kid)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(sig))
}

// PendingApprovalResult carries everything the dispatcher needs to
// answer a RequestApproval verdict and dispatch the notification.
type PendingApprovalResult struct {
	ID           string
	ExpiresAt    time.Time
	ApproveURL   string
	RejectURL    string
	Notification *action.Action
}

// approvalPayload is the body of the synthetic notification action
// sent to the rule's notify_provider.
type approvalPayload struct {
	Message    string `json:"message,omitempty"`
	ApproveURL string `json:"approve_url"`
	RejectURL  string `json:"reject_url"`
}

// RequestApproval persists a new Pending approval and builds the
// notification action the dispatcher sends to notify_provider. baseURL
// is the externally reachable API root (e.g. "https://gateway.internal").
func RequestApproval(ctx context.Context, s state.Store, signer *Signer, a *action.Action, ruleName, notifyProvider string, timeoutSec int64, message, baseURL string, now time.Time) (PendingApprovalResult, error) {
	id := uuid.NewString()
	expiresAt := now.Add(time.Duration(timeoutSec) * time.Second)
	kid := signer.DefaultKID

	sig, err := signer.Sign(a.Namespace, a.Tenant, id, expiresAt.Unix(), kid)
	if err != nil {
		return PendingApprovalResult{}, err
	}

	approveURL := fmt.Sprintf("%s/v1/approvals/%s/%s/%s/approve?sig=%s&expires_at=%d&kid=%s",
		baseURL, a.Namespace, a.Tenant, id, sig, expiresAt.Unix(), kid)
	rejectURL := fmt.Sprintf("%s/v1/approvals/%s/%s/%s/reject?sig=%s&expires_at=%d&kid=%s",
		baseURL, a.Namespace, a.Tenant, id, sig, expiresAt.Unix(), kid)

	approval := &Approval{
		ApprovalID:     id,
		RuleName:       ruleName,
		Namespace:      a.Namespace,
		Tenant:         a.Tenant,
		ActionSnapshot: a.Clone(),
		Status:         ApprovalPending,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
		Message:        message,
		HMACKeyID:      kid,
	}
	key := state.Key(a.Namespace, a.Tenant, state.KindApproval, id)
	if err := saveApproval(ctx, s, key, approval); err != nil {
		return PendingApprovalResult{}, err
	}
	if err := s.IndexTimeout(ctx, key, expiresAt.UnixMilli()); err != nil {
		return PendingApprovalResult{}, err
	}

	payload, err := json.Marshal(approvalPayload{Message: message, ApproveURL: approveURL, RejectURL: rejectURL})
	if err != nil {
		return PendingApprovalResult{}, err
	}
	notification := action.New(a.Namespace, a.Tenant, notifyProvider, "approval_request", payload)

	return PendingApprovalResult{
		ID: id, ExpiresAt: expiresAt, ApproveURL: approveURL, RejectURL: rejectURL, Notification: notification,
	}, nil
}

// ErrApprovalSignatureInvalid is returned by Approve/Reject when sig
// doesn't verify or expires_at has already passed.
var ErrApprovalSignatureInvalid = errors.New("workflow: invalid or expired approval signature")

// ErrApprovalNotPending is returned when the approval has already been
// decided (or expired) by the time the CAS transition is attempted.
var ErrApprovalNotPending = errors.New("workflow: approval is not pending")

// Approve verifies sig and CASes the approval Pending -> Approved. On
// success it returns the original action snapshot for the dispatcher
// to re-submit, bypassing the RequestApproval rule exactly once.
func Approve(ctx context.Context, s state.Store, signer *Signer, b *bus.Bus, namespace, tenant, id, sig string, expiresAtUnix int64, kid string, now time.Time) (*action.Action, error) {
	return decide(ctx, s, signer, b, namespace, tenant, id, sig, expiresAtUnix, kid, now, ApprovalApproved)
}

// Reject verifies sig and CASes the approval Pending -> Rejected. The
// original action never executes.
func Reject(ctx context.Context, s state.Store, signer *Signer, b *bus.Bus, namespace, tenant, id, sig string, expiresAtUnix int64, kid string, now time.Time) error {
	_, err := decide(ctx, s, signer, b, namespace, tenant, id, sig, expiresAtUnix, kid, now, ApprovalRejected)
	return err
}

func decide(ctx context.Context, s state.Store, signer *Signer, b *bus.Bus, namespace, tenant, id, sig string, expiresAtUnix int64, kid string, now time.Time, target ApprovalStatus) (*action.Action, error) {
	if kid == "" {
		kid = signer.DefaultKID
	}
	if now.Unix() > expiresAtUnix || !signer.Verify(namespace, tenant, id, expiresAtUnix, kid, sig) {
		return nil, ErrApprovalSignatureInvalid
	}

	key := state.Key(namespace, tenant, state.KindApproval, id)
	entry, ok, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrApprovalNotPending
	}
	var approval Approval
	if err := json.Unmarshal([]byte(entry.Value), &approval); err != nil {
		return nil, err
	}
	if approval.Status != ApprovalPending {
		return nil, ErrApprovalNotPending
	}

	approval.Status = target
	decided := now
	approval.DecidedAt = &decided

	body, err := json.Marshal(approval)
	if err != nil {
		return nil, err
	}
	cas, err := s.CompareAndSwap(ctx, key, entry.Version, string(body), nil)
	if err != nil {
		return nil, err
	}
	if !cas.OK {
		return nil, ErrApprovalNotPending
	}
	_ = s.RemoveTimeoutIndex(ctx, key)

	if b != nil {
		b.Publish(bus.Event{
			ID:         approval.ApprovalID,
			Namespace:  namespace,
			Tenant:     tenant,
			ActionID:   approval.ActionSnapshot.ID,
			EventType:  bus.ApprovalResolved,
			Payload:    map[string]string{"status": string(target)},
		})
	}

	if target == ApprovalApproved {
		return approval.ActionSnapshot, nil
	}
	return nil, nil
}

func saveApproval(ctx context.Context, s state.Store, key string, a *Approval) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, string(b), nil)
}

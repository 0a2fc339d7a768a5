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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/bus"
	"github.com/penserai/acteon/pkg/state"
	statemem "github.com/penserai/acteon/pkg/state/memory"
)

func testSigner() *Signer {
	return &Signer{Keys: map[string]string{"k1": "super-secret"}, DefaultKID: "k1"}
}

func TestRequestApproval_PersistsPendingAndBuildsSignedURLs(t *testing.T) {
	s := statemem.New()
	signer := testSigner()
	now := time.Unix(1_700_000_000, 0)

	a := action.New("ns", "t1", "payments", "refund", []byte(`{"amount":500}`))
	res, err := RequestApproval(context.Background(), s, signer, a, "rule-refund", "slack", 3600, "refund needs sign-off", "https://gw.internal", now)
	require.NoError(t, err)

	require.Contains(t, res.ApproveURL, "/approve?sig=")
	require.Contains(t, res.RejectURL, "/reject?sig=")
	require.Equal(t, "slack", res.Notification.Provider)
}

func TestApprove_ValidSignatureTransitionsAndReturnsOriginalAction(t *testing.T) {
	s := statemem.New()
	signer := testSigner()
	now := time.Unix(1_700_000_000, 0)

	a := action.New("ns", "t1", "payments", "refund", []byte(`{"amount":500}`))
	res, err := RequestApproval(context.Background(), s, signer, a, "rule-refund", "slack", 3600, "", "https://gw.internal", now)
	require.NoError(t, err)

	sig, err := signer.Sign("ns", "t1", res.ID, res.ExpiresAt.Unix(), "k1")
	require.NoError(t, err)

	b := bus.New(4)
	sub := b.Subscribe()

	original, err := Approve(context.Background(), s, signer, b, "ns", "t1", res.ID, sig, res.ExpiresAt.Unix(), "k1", now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, a.ID, original.ID)

	select {
	case e := <-sub.C:
		require.Equal(t, bus.ApprovalResolved, e.EventType)
	case <-time.After(time.Second):
		t.Fatal("expected ApprovalResolved event")
	}
}

func TestApprove_BadSignatureRejected(t *testing.T) {
	s := statemem.New()
	signer := testSigner()
	now := time.Unix(1_700_000_000, 0)

	a := action.New("ns", "t1", "payments", "refund", []byte(`{"amount":500}`))
	res, err := RequestApproval(context.Background(), s, signer, a, "rule-refund", "slack", 3600, "", "https://gw.internal", now)
	require.NoError(t, err)

	_, err = Approve(context.Background(), s, signer, nil, "ns", "t1", res.ID, "not-the-real-sig", res.ExpiresAt.Unix(), "k1", now)
	require.ErrorIs(t, err, ErrApprovalSignatureInvalid)
}

func TestApprove_ExpiredSignatureRejected(t *testing.T) {
	s := statemem.New()
	signer := testSigner()
	now := time.Unix(1_700_000_000, 0)

	a := action.New("ns", "t1", "payments", "refund", []byte(`{"amount":500}`))
	res, err := RequestApproval(context.Background(), s, signer, a, "rule-refund", "slack", 60, "", "https://gw.internal", now)
	require.NoError(t, err)

	sig, err := signer.Sign("ns", "t1", res.ID, res.ExpiresAt.Unix(), "k1")
	require.NoError(t, err)

	_, err = Approve(context.Background(), s, signer, nil, "ns", "t1", res.ID, sig, res.ExpiresAt.Unix(), "k1", now.Add(time.Hour))
	require.ErrorIs(t, err, ErrApprovalSignatureInvalid)
}

func TestApprove_SecondDecisionFailsNotPending(t *testing.T) {
	s := statemem.New()
	signer := testSigner()
	now := time.Unix(1_700_000_000, 0)

	a := action.New("ns", "t1", "payments", "refund", []byte(`{"amount":500}`))
	res, err := RequestApproval(context.Background(), s, signer, a, "rule-refund", "slack", 3600, "", "https://gw.internal", now)
	require.NoError(t, err)
	sig, err := signer.Sign("ns", "t1", res.ID, res.ExpiresAt.Unix(), "k1")
	require.NoError(t, err)

	_, err = Approve(context.Background(), s, signer, nil, "ns", "t1", res.ID, sig, res.ExpiresAt.Unix(), "k1", now)
	require.NoError(t, err)

	_, err = Approve(context.Background(), s, signer, nil, "ns", "t1", res.ID, sig, res.ExpiresAt.Unix(), "k1", now)
	require.ErrorIs(t, err, ErrApprovalNotPending)
}

func TestReject_TransitionsToRejectedAndNeverReturnsAction(t *testing.T) {
	s := statemem.New()
	signer := testSigner()
	now := time.Unix(1_700_000_000, 0)

	a := action.New("ns", "t1", "payments", "refund", []byte(`{"amount":500}`))
	res, err := RequestApproval(context.Background(), s, signer, a, "rule-refund", "slack", 3600, "", "https://gw.internal", now)
	require.NoError(t, err)
	sig, err := signer.Sign("ns", "t1", res.ID, res.ExpiresAt.Unix(), "k1")
	require.NoError(t, err)

	err = Reject(context.Background(), s, signer, nil, "ns", "t1", res.ID, sig, res.ExpiresAt.Unix(), "k1", now)
	require.NoError(t, err)

	entry, ok, err := s.Get(context.Background(), state.Key("ns", "t1", state.KindApproval, res.ID))
	require.NoError(t, err)
	require.True(t, ok)
	var approval Approval
	require.NoError(t, json.Unmarshal([]byte(entry.Value), &approval))
	require.Equal(t, ApprovalRejected, approval.Status)
}

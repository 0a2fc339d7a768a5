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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/pkg/action"
	lockmem "github.com/penserai/acteon/pkg/lock/memory"
	statemem "github.com/penserai/acteon/pkg/state/memory"
)

func ticketCfg() StateMachineConfig {
	return StateMachineConfig{
		Name:    "ticket",
		States:  []string{"open", "in_progress", "resolved", "closed"},
		Initial: "open",
		Transitions: []Transition{
			{From: "open", To: "in_progress"},
			{From: "in_progress", To: "resolved", Notify: true},
			{From: "resolved", To: "closed"},
		},
	}
}

func TestApplyStateMachine_FirstCallUsesInitialState(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	a := action.New("ns", "t1", "none", "ticket_event", []byte(`{}`))

	res, err := ApplyStateMachine(context.Background(), s, l, a, ticketCfg(), "fp1")
	require.NoError(t, err)
	require.Equal(t, "open", res.Prev)
	require.Equal(t, "in_progress", res.New)
	require.False(t, res.Notify)
}

func TestApplyStateMachine_AdvancesThroughSequence(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	a := action.New("ns", "t1", "none", "ticket_event", []byte(`{}`))
	cfg := ticketCfg()

	_, err := ApplyStateMachine(context.Background(), s, l, a, cfg, "fp1")
	require.NoError(t, err)

	res, err := ApplyStateMachine(context.Background(), s, l, a, cfg, "fp1")
	require.NoError(t, err)
	require.Equal(t, "in_progress", res.Prev)
	require.Equal(t, "resolved", res.New)
	require.True(t, res.Notify)
}

func TestApplyStateMachine_StatusFieldSelectsTarget(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	cfg := StateMachineConfig{
		Name:    "ticket",
		Initial: "open",
		Transitions: []Transition{
			{From: "open", To: "in_progress"},
			{From: "open", To: "closed"},
		},
	}
	a := action.New("ns", "t1", "none", "ticket_event", []byte(`{}`))
	a.Status = "closed"

	res, err := ApplyStateMachine(context.Background(), s, l, a, cfg, "fp1")
	require.NoError(t, err)
	require.Equal(t, "closed", res.New)
}

func TestApplyStateMachine_NoMatchingTransitionErrors(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	a := action.New("ns", "t1", "none", "ticket_event", []byte(`{}`))
	cfg := ticketCfg()

	for i := 0; i < 3; i++ {
		_, err := ApplyStateMachine(context.Background(), s, l, a, cfg, "fp1")
		require.NoError(t, err)
	}
	_, err := ApplyStateMachine(context.Background(), s, l, a, cfg, "fp1")
	require.ErrorIs(t, err, ErrNoMatchingTransition)
}

func TestApplyStateMachine_DistinctFingerprintsAreIndependent(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	a := action.New("ns", "t1", "none", "ticket_event", []byte(`{}`))
	cfg := ticketCfg()

	res1, err := ApplyStateMachine(context.Background(), s, l, a, cfg, "fp1")
	require.NoError(t, err)
	res2, err := ApplyStateMachine(context.Background(), s, l, a, cfg, "fp2")
	require.NoError(t, err)

	require.Equal(t, "open", res1.Prev)
	require.Equal(t, "open", res2.Prev)
}

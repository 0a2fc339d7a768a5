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
	lockmem "github.com/penserai/acteon/pkg/lock/memory"
	statemem "github.com/penserai/acteon/pkg/state/memory"
)

func refundChainCfg() ChainConfig {
	return ChainConfig{
		Name:       "refund-flow",
		TimeoutSec: 3600,
		Steps: []ChainStepConfig{
			{
				Name: "charge_lookup", Provider: "stripe", ActionType: "lookup",
				PayloadTemplate: json.RawMessage(`{"order_id": "{{origin.payload.order_id}}"}`),
				Branches: []Branch{
					{Field: "status", Operator: "eq", Value: "refundable", TargetStepName: "issue_refund"},
				},
				DefaultNext: "notify_failure",
			},
			{
				Name: "issue_refund", Provider: "stripe", ActionType: "refund",
				PayloadTemplate: json.RawMessage(`{"charge_id": "{{steps.charge_lookup.body.charge_id}}"}`),
			},
			{
				Name: "notify_failure", Provider: "slack", ActionType: "notify",
				PayloadTemplate: json.RawMessage(`{"text": "refund blocked"}`),
			},
		},
	}
}

func TestStartChain_PersistsRunningAndIndexesChainReady(t *testing.T) {
	s := statemem.New()
	cfg := refundChainCfg()
	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{"order_id":"o-1"}`))
	now := time.Unix(1_700_000_000, 0)

	res, err := StartChain(context.Background(), s, cfg, origin, now)
	require.NoError(t, err)
	require.Equal(t, "charge_lookup", res.FirstStep)
	require.Equal(t, 3, res.TotalSteps)

	ready, err := s.GetReadyChains(context.Background(), now.UnixMilli())
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestBuildStepAction_ResolvesTemplateFromOrigin(t *testing.T) {
	s := statemem.New()
	cfg := refundChainCfg()
	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{"order_id":"o-1"}`))
	now := time.Unix(1_700_000_000, 0)

	res, err := StartChain(context.Background(), s, cfg, origin, now)
	require.NoError(t, err)

	inst, err := loadChain(context.Background(), s, chainKey("ns", "t1", res.ChainID))
	require.NoError(t, err)

	stepAction, step, err := BuildStepAction(inst, cfg)
	require.NoError(t, err)
	require.Equal(t, "charge_lookup", step.Name)
	require.JSONEq(t, `{"order_id": "o-1"}`, string(stepAction.Payload))
}

func TestCompleteStep_BranchAdvancesToTargetStep(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	cfg := refundChainCfg()
	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{"order_id":"o-1"}`))
	now := time.Unix(1_700_000_000, 0)

	res, err := StartChain(context.Background(), s, cfg, origin, now)
	require.NoError(t, err)

	adv, err := CompleteStep(context.Background(), s, l, cfg, "ns", "t1", res.ChainID, json.RawMessage(`{"status":"refundable","charge_id":"ch_1"}`), now)
	require.NoError(t, err)
	require.False(t, adv.Done)
	require.Equal(t, "issue_refund", adv.NextStep)

	inst, err := loadChain(context.Background(), s, chainKey("ns", "t1", res.ChainID))
	require.NoError(t, err)
	require.Equal(t, 1, inst.CurrentStepIndex)
	require.Equal(t, ChainRunning, inst.Status)
}

func TestCompleteStep_DefaultNextWhenNoBranchMatches(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	cfg := refundChainCfg()
	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{"order_id":"o-1"}`))
	now := time.Unix(1_700_000_000, 0)

	res, err := StartChain(context.Background(), s, cfg, origin, now)
	require.NoError(t, err)

	adv, err := CompleteStep(context.Background(), s, l, cfg, "ns", "t1", res.ChainID, json.RawMessage(`{"status":"blocked"}`), now)
	require.NoError(t, err)
	require.Equal(t, "notify_failure", adv.NextStep)
}

func TestCompleteStep_NoNextCompletesChain(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	cfg := refundChainCfg()
	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{"order_id":"o-1"}`))
	now := time.Unix(1_700_000_000, 0)

	res, err := StartChain(context.Background(), s, cfg, origin, now)
	require.NoError(t, err)

	_, err = CompleteStep(context.Background(), s, l, cfg, "ns", "t1", res.ChainID, json.RawMessage(`{"status":"refundable","charge_id":"ch_1"}`), now)
	require.NoError(t, err)

	adv, err := CompleteStep(context.Background(), s, l, cfg, "ns", "t1", res.ChainID, json.RawMessage(`{"refunded": true}`), now)
	require.NoError(t, err)
	require.True(t, adv.Done)

	inst, err := loadChain(context.Background(), s, chainKey("ns", "t1", res.ChainID))
	require.NoError(t, err)
	require.Equal(t, ChainCompleted, inst.Status)
	require.Equal(t, []string{"charge_lookup", "issue_refund"}, inst.ExecutionPath)
}

func TestFailStep_MarksChainFailed(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	cfg := refundChainCfg()
	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{"order_id":"o-1"}`))
	now := time.Unix(1_700_000_000, 0)

	res, err := StartChain(context.Background(), s, cfg, origin, now)
	require.NoError(t, err)

	err = FailStep(context.Background(), s, l, cfg, "ns", "t1", res.ChainID, "provider unreachable", now)
	require.NoError(t, err)

	inst, err := loadChain(context.Background(), s, chainKey("ns", "t1", res.ChainID))
	require.NoError(t, err)
	require.Equal(t, ChainFailed, inst.Status)
}

func TestCompleteStep_TerminalChainRejectsFurtherAdvance(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	cfg := refundChainCfg()
	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{"order_id":"o-1"}`))
	now := time.Unix(1_700_000_000, 0)

	res, err := StartChain(context.Background(), s, cfg, origin, now)
	require.NoError(t, err)
	err = FailStep(context.Background(), s, l, cfg, "ns", "t1", res.ChainID, "boom", now)
	require.NoError(t, err)

	_, err = CompleteStep(context.Background(), s, l, cfg, "ns", "t1", res.ChainID, json.RawMessage(`{}`), now)
	require.ErrorIs(t, err, ErrChainTerminal)
}

func TestExpireIfTimedOut(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	expiresAt := now.Add(-time.Second)
	inst := &ChainInstance{Status: ChainRunning, ExpiresAt: &expiresAt}
	require.True(t, ExpireIfTimedOut(inst, now))

	inst.Status = ChainCompleted
	require.False(t, ExpireIfTimedOut(inst, now))
}

func TestExpireIfTimedOut_AppliesToWaitingStatuses(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	expiresAt := now.Add(-time.Second)
	inst := &ChainInstance{Status: ChainWaitingSubChain, ExpiresAt: &expiresAt}
	require.True(t, ExpireIfTimedOut(inst, now))
}

func oneStepChainCfg(name, provider string) ChainConfig {
	return ChainConfig{
		Name: name,
		Steps: []ChainStepConfig{
			{Name: "do-it", Provider: provider, ActionType: "send", PayloadTemplate: json.RawMessage(`{}`)},
		},
	}
}

func TestBeginSubChainStep_ParksParentAndLinksChild(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	now := time.Unix(1_700_000_000, 0)

	parentCfg := ChainConfig{
		Name: "fanout",
		Steps: []ChainStepConfig{
			{Name: "spawn", SubChain: "child", PayloadTemplate: json.RawMessage(`{}`)},
		},
	}
	childCfg := oneStepChainCfg("child", "stripe")

	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{"order_id":"o-1"}`))
	res, err := StartChain(context.Background(), s, parentCfg, origin, now)
	require.NoError(t, err)

	childID, err := BeginSubChainStep(context.Background(), s, l, childCfg, "ns", "t1", res.ChainID, origin, now)
	require.NoError(t, err)
	require.NotEmpty(t, childID)

	parent, err := loadChain(context.Background(), s, chainKey("ns", "t1", res.ChainID))
	require.NoError(t, err)
	require.Equal(t, ChainWaitingSubChain, parent.Status)
	require.Equal(t, []string{childID}, parent.ChildChainIDs)

	child, err := loadChain(context.Background(), s, chainKey("ns", "t1", childID))
	require.NoError(t, err)
	require.Equal(t, res.ChainID, child.ParentChainID)
	require.Equal(t, ChainRunning, child.Status)
}

func TestEvaluateSubChain_ReportsNotTerminalThenSuccess(t *testing.T) {
	s := statemem.New()
	now := time.Unix(1_700_000_000, 0)

	childCfg := oneStepChainCfg("child", "stripe")
	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{}`))
	res, err := StartChain(context.Background(), s, childCfg, origin, now)
	require.NoError(t, err)

	terminal, success, _, err := EvaluateSubChain(context.Background(), s, "ns", "t1", res.ChainID)
	require.NoError(t, err)
	require.False(t, terminal)
	require.False(t, success)

	l := lockmem.New()
	_, err = CompleteStep(context.Background(), s, l, childCfg, "ns", "t1", res.ChainID, json.RawMessage(`{"ok":true}`), now)
	require.NoError(t, err)

	terminal, success, body, err := EvaluateSubChain(context.Background(), s, "ns", "t1", res.ChainID)
	require.NoError(t, err)
	require.True(t, terminal)
	require.True(t, success)
	require.JSONEq(t, `{"ok":true}`, string(body))
}

func TestEvaluateParallelJoin_AllPolicyFailsOnFirstFailure(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	now := time.Unix(1_700_000_000, 0)

	okCfg := oneStepChainCfg("ok", "stripe")
	failCfg := oneStepChainCfg("fail", "stripe")
	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{}`))

	okRes, err := StartChain(context.Background(), s, okCfg, origin, now)
	require.NoError(t, err)
	failRes, err := StartChain(context.Background(), s, failCfg, origin, now)
	require.NoError(t, err)

	ids := []string{okRes.ChainID, failRes.ChainID}

	terminal, _, _, _, err := EvaluateParallelJoin(context.Background(), s, "ns", "t1", ids, "all")
	require.NoError(t, err)
	require.False(t, terminal)

	require.NoError(t, FailStep(context.Background(), s, l, failCfg, "ns", "t1", failRes.ChainID, "boom", now))

	terminal, success, _, _, err := EvaluateParallelJoin(context.Background(), s, "ns", "t1", ids, "all")
	require.NoError(t, err)
	require.True(t, terminal)
	require.False(t, success)
}

func TestEvaluateParallelJoin_AnyPolicySucceedsOnFirstSuccess(t *testing.T) {
	s := statemem.New()
	l := lockmem.New()
	now := time.Unix(1_700_000_000, 0)

	aCfg := oneStepChainCfg("a", "stripe")
	bCfg := oneStepChainCfg("b", "stripe")
	origin := action.New("ns", "t1", "stripe", "refund_request", []byte(`{}`))

	aRes, err := StartChain(context.Background(), s, aCfg, origin, now)
	require.NoError(t, err)
	bRes, err := StartChain(context.Background(), s, bCfg, origin, now)
	require.NoError(t, err)

	ids := []string{aRes.ChainID, bRes.ChainID}
	require.NoError(t, FailStep(context.Background(), s, l, aCfg, "ns", "t1", aRes.ChainID, "boom", now))

	terminal, success, _, _, err := EvaluateParallelJoin(context.Background(), s, "ns", "t1", ids, "any")
	require.NoError(t, err)
	require.False(t, terminal)

	_, err = CompleteStep(context.Background(), s, l, bCfg, "ns", "t1", bRes.ChainID, json.RawMessage(`{"ok":true}`), now)
	require.NoError(t, err)

	terminal, success, body, winnerID, err := EvaluateParallelJoin(context.Background(), s, "ns", "t1", ids, "any")
	require.NoError(t, err)
	require.True(t, terminal)
	require.True(t, success)
	require.Equal(t, bRes.ChainID, winnerID)
	require.JSONEq(t, `{"ok":true}`, string(body))
}

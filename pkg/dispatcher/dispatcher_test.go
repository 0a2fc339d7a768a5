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

package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditmem "github.com/penserai/acteon/pkg/audit/memory"
	"github.com/penserai/acteon/pkg/breaker"
	"github.com/penserai/acteon/pkg/bus"
	"github.com/penserai/acteon/pkg/executor"
	lockmem "github.com/penserai/acteon/pkg/lock/memory"
	"github.com/penserai/acteon/pkg/provider"
	"github.com/penserai/acteon/pkg/rules"
	statemem "github.com/penserai/acteon/pkg/state/memory"
	"github.com/penserai/acteon/pkg/workflow"

	"github.com/penserai/acteon/pkg/action"
)

// stubProvider always succeeds unless results is populated, in which
// case each call consumes the next entry.
type stubProvider struct {
	name    string
	calls   int32
	results []error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Execute(_ context.Context, a *action.Action) (action.Response, error) {
	i := atomic.AddInt32(&p.calls, 1) - 1
	if int(i) < len(p.results) && p.results[i] != nil {
		return nil, p.results[i]
	}
	return action.Response(`{"ok":true}`), nil
}

func (p *stubProvider) HealthCheck(context.Context) error { return nil }

func newTestDispatcher(t *testing.T, initialRules []*rules.Rule, providers ...*stubProvider) *Dispatcher {
	t.Helper()
	reg := provider.NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	return New(Config{
		Executor:  executor.New(executor.Config{MaxConcurrent: 8, MaxRetries: 1, ExecutionTimeout: time.Second}),
		Providers: reg,
		Breakers:  breaker.NewRegistry(nil),
		Rules:     rules.NewEvaluator(initialRules, time.UTC),
		State:     statemem.New(),
		Lock:      lockmem.New(),
		Audit:     auditmem.New(false),
		Bus:       bus.New(16),
		Signer:    &workflow.Signer{Keys: map[string]string{"k1": "secret"}, DefaultKID: "k1"},
	})
}

func allowAllRule() *rules.Rule {
	return &rules.Rule{Name: "allow-all", Priority: 100, Enabled: true, Condition: rules.LitBoolExpr(true), Action: rules.Allow()}
}

func newTestAction(provider string) *action.Action {
	return action.New("acme", "prod", provider, "notify", []byte(`{"x":1}`))
}

func TestDispatch_AllowExecutesProvider(t *testing.T) {
	p := &stubProvider{name: "email"}
	d := newTestDispatcher(t, []*rules.Rule{allowAllRule()}, p)

	out, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeExecuted, out.Tag)
	assert.EqualValues(t, 1, p.calls)
}

func TestDispatch_DenyAndSuppressBothSuppress(t *testing.T) {
	for _, kind := range []rules.RuleAction{rules.Deny(), rules.Suppress()} {
		p := &stubProvider{name: "email"}
		rule := &rules.Rule{Name: "block", Priority: 1, Enabled: true, Condition: rules.LitBoolExpr(true), Action: kind}
		d := newTestDispatcher(t, []*rules.Rule{rule}, p)

		out, err := d.Dispatch(context.Background(), newTestAction("email"))
		require.NoError(t, err)
		require.Equal(t, action.OutcomeSuppressed, out.Tag)
		assert.Equal(t, "block", out.Suppressed.Rule)
		assert.Zero(t, p.calls)
	}
}

func TestDispatch_InvalidActionNeverReachesProvider(t *testing.T) {
	p := &stubProvider{name: "email"}
	d := newTestDispatcher(t, []*rules.Rule{allowAllRule()}, p)

	bad := action.New("acme", "prod", "email", "notify", []byte(`{"x":1}`))
	bad.ID = ""

	_, err := d.Dispatch(context.Background(), bad)
	require.Error(t, err)
	assert.Zero(t, p.calls)
}

func TestDispatch_RerouteWrapsSuccessfulExecutionAsRerouted(t *testing.T) {
	from := &stubProvider{name: "email"}
	to := &stubProvider{name: "sms"}
	rule := &rules.Rule{Name: "reroute", Priority: 1, Enabled: true, Condition: rules.LitBoolExpr(true), Action: rules.Reroute("sms")}
	d := newTestDispatcher(t, []*rules.Rule{rule}, from, to)

	out, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeRerouted, out.Tag)
	assert.Equal(t, "email", out.Rerouted.From)
	assert.Equal(t, "sms", out.Rerouted.To)
	assert.Zero(t, from.calls)
	assert.EqualValues(t, 1, to.calls)
}

func TestDispatch_CircuitOpenWithoutFallback(t *testing.T) {
	p := &stubProvider{name: "email", results: []error{
		&provider.Error{Provider: "email", Code: provider.CodeConnection},
		&provider.Error{Provider: "email", Code: provider.CodeConnection},
	}}
	d := newTestDispatcher(t, []*rules.Rule{allowAllRule()}, p)
	d.cfg.DefaultBreakerConfig = breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute}

	_, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)

	out, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeCircuitOpen, out.Tag)
	assert.Equal(t, "email", out.CircuitOpen.Provider)
}

func TestDispatch_CircuitOpenWithFallbackReroutes(t *testing.T) {
	primary := &stubProvider{name: "email", results: []error{
		&provider.Error{Provider: "email", Code: provider.CodeConnection},
		&provider.Error{Provider: "email", Code: provider.CodeConnection},
	}}
	fallback := &stubProvider{name: "sms"}
	d := newTestDispatcher(t, []*rules.Rule{allowAllRule()}, primary, fallback)
	d.cfg.Breakers.Configure("email", breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute, FallbackProvider: "sms"})

	_, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)

	out, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeRerouted, out.Tag)
	assert.Equal(t, "email", out.Rerouted.From)
	assert.Equal(t, "sms", out.Rerouted.To)
	assert.EqualValues(t, 1, fallback.calls)
}

func TestDispatch_ModifyMergesPayloadBeforeExecuting(t *testing.T) {
	var seen []byte
	p := &recordingProvider{name: "email", record: &seen}
	rule := &rules.Rule{Name: "modify", Priority: 1, Enabled: true, Condition: rules.LitBoolExpr(true),
		Action: rules.Modify([]byte(`{"y":2}`))}
	d := newTestDispatcher(t, []*rules.Rule{rule})
	d.cfg.Providers.Register(p)

	out, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeExecuted, out.Tag)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(seen))
}

func TestDispatch_GroupAccumulatesAndReportsSize(t *testing.T) {
	rule := &rules.Rule{Name: "group-it", Priority: 1, Enabled: true, Condition: rules.LitBoolExpr(true),
		Action: rules.Group(nil, 60, 0, 0, nil)}
	d := newTestDispatcher(t, []*rules.Rule{rule})

	out1, err := d.Dispatch(context.Background(), newTestAction("slack"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeGrouped, out1.Tag)
	assert.Equal(t, 1, out1.Grouped.GroupSize)

	out2, err := d.Dispatch(context.Background(), newTestAction("slack"))
	require.NoError(t, err)
	assert.Equal(t, 2, out2.Grouped.GroupSize)
	assert.Equal(t, out1.Grouped.GroupID, out2.Grouped.GroupID)
}

func TestDispatch_RequestApprovalSendsNotificationAndPends(t *testing.T) {
	notifier := &stubProvider{name: "slack"}
	rule := &rules.Rule{Name: "needs-approval", Priority: 1, Enabled: true, Condition: rules.LitBoolExpr(true),
		Action: rules.RequestApproval("slack", 300, "please confirm")}
	d := newTestDispatcher(t, []*rules.Rule{rule}, notifier)

	out, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomePendingApproval, out.Tag)
	assert.True(t, out.PendingApproval.NotificationSent)
	assert.EqualValues(t, 1, notifier.calls)
	assert.NotEmpty(t, out.PendingApproval.ApproveURL)
}

func TestDispatch_ChainStartsAtFirstStep(t *testing.T) {
	rule := &rules.Rule{Name: "start-chain", Priority: 1, Enabled: true, Condition: rules.LitBoolExpr(true),
		Action: rules.Chain("onboarding")}
	d := newTestDispatcher(t, []*rules.Rule{rule})
	d.Chains().Register(workflow.ChainConfig{
		Name: "onboarding",
		Steps: []workflow.ChainStepConfig{
			{Name: "welcome", Provider: "email", ActionType: "send", PayloadTemplate: []byte(`{}`)},
		},
	})

	out, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeChainStarted, out.Tag)
	assert.Equal(t, "onboarding", out.ChainStarted.ChainName)
	assert.Equal(t, "welcome", out.ChainStarted.FirstStep)
	assert.Equal(t, 1, out.ChainStarted.TotalSteps)
}

func TestDispatch_StateMachineTransitions(t *testing.T) {
	rule := &rules.Rule{Name: "sm", Priority: 1, Enabled: true, Condition: rules.LitBoolExpr(true),
		Action: rules.StateMachine("incident", []string{"action_type"})}
	d := newTestDispatcher(t, []*rules.Rule{rule})
	d.StateMachines().Register(workflow.StateMachineConfig{
		Name:    "incident",
		States:  []string{"open", "ack"},
		Initial: "open",
		Transitions: []workflow.Transition{
			{From: "open", To: "ack", Notify: true},
		},
	})

	out, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeStateChanged, out.Tag)
	assert.Equal(t, "open", out.StateChanged.Prev)
	assert.Equal(t, "ack", out.StateChanged.New)
	assert.True(t, out.StateChanged.Notify)
}

func TestDispatch_CustomWithNoHandlerSuppresses(t *testing.T) {
	rule := &rules.Rule{Name: "custom", Priority: 1, Enabled: true, Condition: rules.LitBoolExpr(true),
		Action: rules.Custom("unregistered", nil)}
	d := newTestDispatcher(t, []*rules.Rule{rule})

	out, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeSuppressed, out.Tag)
}

func TestDispatch_CustomWithHandlerRuns(t *testing.T) {
	rule := &rules.Rule{Name: "custom", Priority: 1, Enabled: true, Condition: rules.LitBoolExpr(true),
		Action: rules.Custom("pagerduty", map[string]any{"severity": "high"})}
	d := newTestDispatcher(t, []*rules.Rule{rule})
	d.RegisterCustomHandler("pagerduty", func(_ context.Context, a *action.Action, params map[string]any) (action.ActionOutcome, error) {
		assert.Equal(t, "high", params["severity"])
		return action.Executed([]byte(`{"paged":true}`)), nil
	})

	out, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomeExecuted, out.Tag)
}

func TestDispatchBatch_PreservesOrderAndIsolatesFailures(t *testing.T) {
	p := &stubProvider{name: "email"}
	d := newTestDispatcher(t, []*rules.Rule{allowAllRule()}, p)

	good1 := newTestAction("email")
	bad := newTestAction("email")
	bad.ID = ""
	good2 := newTestAction("email")

	results := d.DispatchBatch(context.Background(), []*action.Action{good1, bad, good2})
	require.Len(t, results, 3)
	assert.Nil(t, results[0].Error)
	require.NotNil(t, results[1].Error)
	assert.Nil(t, results[2].Error)
}

func TestApproveAction_RunsOriginalExactlyOnce(t *testing.T) {
	p := &stubProvider{name: "email"}
	notifier := &stubProvider{name: "slack"}
	rule := &rules.Rule{Name: "needs-approval", Priority: 1, Enabled: true, Condition: rules.LitBoolExpr(true),
		Action: rules.RequestApproval("slack", 300, "confirm")}
	d := newTestDispatcher(t, []*rules.Rule{rule}, p, notifier)

	pending, err := d.Dispatch(context.Background(), newTestAction("email"))
	require.NoError(t, err)
	require.Equal(t, action.OutcomePendingApproval, pending.Tag)

	approveURL := pending.PendingApproval.ApproveURL
	namespace, tenant, id, sig, expiresAt, kid := parseApprovalURLForTest(t, approveURL)

	out, err := d.ApproveAction(context.Background(), namespace, tenant, id, sig, expiresAt, kid)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, action.OutcomeExecuted, out.Tag)
	assert.EqualValues(t, 1, p.calls)

	_, err = d.ApproveAction(context.Background(), namespace, tenant, id, sig, expiresAt, kid)
	assert.Error(t, err)
	assert.EqualValues(t, 1, p.calls)
}

// recordingProvider captures the payload it was called with, for
// asserting Modify's merge result actually reached the provider.
type recordingProvider struct {
	name   string
	record *[]byte
}

func (p *recordingProvider) Name() string { return p.name }

func (p *recordingProvider) Execute(_ context.Context, a *action.Action) (action.Response, error) {
	*p.record = a.Payload
	return action.Response(`{"ok":true}`), nil
}

func (p *recordingProvider) HealthCheck(context.Context) error { return nil }

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

// Package dispatcher orchestrates one action through validation, rule
// evaluation, verdict application, provider execution, and the audit
// and broadcast side effects every observable outcome produces. It is
// the one place that knows how every other package composes.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/internal/metrics"
	"github.com/penserai/acteon/pkg/acteonerr"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/audit"
	"github.com/penserai/acteon/pkg/breaker"
	"github.com/penserai/acteon/pkg/bus"
	"github.com/penserai/acteon/pkg/lock"
	"github.com/penserai/acteon/pkg/provider"
	"github.com/penserai/acteon/pkg/rules"
	"github.com/penserai/acteon/pkg/state"
	"github.com/penserai/acteon/pkg/workflow"

	"github.com/penserai/acteon/pkg/executor"
)

// Config wires every collaborator a Dispatcher needs. All fields are
// required except DefaultTimezone, DefaultBreakerConfig, and Logger,
// which fall back to sane defaults in New.
type Config struct {
	Executor   *executor.Executor
	Providers  *provider.Registry
	Breakers   *breaker.Registry
	Rules      *rules.Evaluator
	State      state.Store
	Lock       lock.Lock
	Audit      audit.Sink
	Bus        *bus.Bus
	Signer     *workflow.Signer

	// ExternalURL is the externally reachable API root used to build
	// approval approve/reject URLs (spec's approval URL format).
	ExternalURL string

	DefaultTimezone      *time.Location
	DefaultBreakerConfig breaker.Config
	Logger               *slog.Logger
}

// Dispatcher is the dispatch core entry point. A single instance is
// shared process-wide; it holds no per-request state.
type Dispatcher struct {
	cfg Config

	chains         *ChainRegistry
	stateMachines  *StateMachineRegistry
	quotas         *QuotaRegistry
	customHandlers *CustomRegistry
}

// New builds a Dispatcher from cfg, filling in defaults for anything
// left zero-valued.
func New(cfg Config) *Dispatcher {
	if cfg.DefaultTimezone == nil {
		cfg.DefaultTimezone = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultBreakerConfig.FailureThreshold == 0 {
		cfg.DefaultBreakerConfig = breaker.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			RecoveryTimeout:  30 * time.Second,
		}
	}
	return &Dispatcher{
		cfg:            cfg,
		chains:         NewChainRegistry(),
		stateMachines:  NewStateMachineRegistry(),
		quotas:         NewQuotaRegistry(),
		customHandlers: NewCustomRegistry(),
	}
}

// Chains exposes the chain-config registry so callers (internal/api's
// admin routes, or process startup) can register named chains.
func (d *Dispatcher) Chains() *ChainRegistry { return d.chains }

// StateMachines exposes the state-machine-config registry.
func (d *Dispatcher) StateMachines() *StateMachineRegistry { return d.stateMachines }

// Quotas exposes the quota-policy registry.
func (d *Dispatcher) Quotas() *QuotaRegistry { return d.quotas }

// Rules exposes the rule evaluator so the REST surface can list,
// reload, and toggle rules without reaching into dispatcher internals.
func (d *Dispatcher) Rules() *rules.Evaluator { return d.cfg.Rules }

// State exposes the state store for the REST surface's read-only
// listing routes (chains, approvals).
func (d *Dispatcher) State() state.Store { return d.cfg.State }

// Lock exposes the distributed lock for operations the REST surface
// performs directly against workflow state, such as chain cancellation.
func (d *Dispatcher) Lock() lock.Lock { return d.cfg.Lock }

// Audit exposes the audit sink for the REST surface's query routes.
func (d *Dispatcher) Audit() audit.Sink { return d.cfg.Audit }

// Signer exposes the HMAC signer so approval decision URLs issued
// outside a Dispatch call (e.g. replay/debug tooling) can be verified
// with the same keys the dispatcher uses.
func (d *Dispatcher) Signer() *workflow.Signer { return d.cfg.Signer }

// Providers exposes the provider registry so callers can register
// providers that weren't known at startup.
func (d *Dispatcher) Providers() *provider.Registry { return d.cfg.Providers }

// RegisterCustomHandler installs h under name for Custom rule verdicts.
func (d *Dispatcher) RegisterCustomHandler(name string, h CustomHandler) {
	d.customHandlers.Register(name, h)
}

// BatchResult is one element of a DispatchBatch response: exactly one
// of Outcome or Error is set, externally tagged as the spec's REST
// contract requires ({"Success": outcome} or {"Error": envelope}).
type BatchResult struct {
	Outcome *action.ActionOutcome
	Error   *acteonerr.Envelope
}

func (r BatchResult) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(map[string]any{"Error": r.Error})
	}
	return json.Marshal(map[string]any{"Success": r.Outcome})
}

// Dispatch runs the full spec sequence for one action: validate,
// evaluate rules, apply the resulting verdict, and audit/broadcast the
// outcome it produced. A non-nil error means no outcome was produced
// at all (validation failure, workflow-layer error, or the context
// being cancelled mid-flight) — per the spec, a cancelled dispatch
// leaves no outcome, no audit record, and no broadcast event.
func (d *Dispatcher) Dispatch(ctx context.Context, a *action.Action) (action.ActionOutcome, error) {
	if err := Validate(a); err != nil {
		return action.ActionOutcome{}, err
	}

	metrics.RecordDispatched(a.Namespace, a.Tenant)
	start := time.Now()

	evalCtx := rules.NewEvalContext(ctx, a, stateLookup{d.cfg.State}, start, d.cfg.DefaultTimezone)
	verdict := d.cfg.Rules.EvaluateRules(evalCtx)

	ruleName := ""
	if verdict.Rule != nil {
		ruleName = verdict.Rule.Name
	}

	outcome, providerUsed, err := d.applyVerdict(ctx, a, verdict)
	if err != nil {
		return action.ActionOutcome{}, err
	}
	if outcome == nil {
		if ctx.Err() != nil {
			return action.ActionOutcome{}, ctx.Err()
		}
		return action.ActionOutcome{}, nil
	}

	d.auditAndBroadcast(ctx, a, verdict.Action.Kind, ruleName, *outcome, providerUsed, start)
	metrics.RecordOutcome(string(outcome.Tag), a.Namespace, providerUsed)
	return *outcome, nil
}

// DispatchBatch runs every action through Dispatch concurrently,
// preserving input order in the result slice. One action's validation
// or workflow error never aborts its siblings. Concurrency across the
// batch is bounded only by the shared executor's semaphore, not by any
// batch-local limit.
func (d *Dispatcher) DispatchBatch(ctx context.Context, actions []*action.Action) []BatchResult {
	results := make([]BatchResult, len(actions))
	done := make(chan int, len(actions))

	for i, a := range actions {
		go func(i int, a *action.Action) {
			outcome, err := d.Dispatch(ctx, a)
			if err != nil {
				env := acteonerr.ToEnvelope(err)
				results[i] = BatchResult{Error: &env}
			} else {
				results[i] = BatchResult{Outcome: &outcome}
			}
			done <- i
		}(i, a)
	}
	for range actions {
		<-done
	}
	return results
}

// applyVerdict maps one rule verdict onto an ActionOutcome, following
// each RuleAction's own operation and falling through to the provider
// execution path wherever the verdict doesn't resolve the outcome by
// itself (Allow, Deduplicate's winner, Throttle's pass, Reroute,
// Modify).
func (d *Dispatcher) applyVerdict(ctx context.Context, a *action.Action, v rules.Verdict) (outcome *action.ActionOutcome, providerUsed string, err error) {
	ruleName := ""
	if v.Rule != nil {
		ruleName = v.Rule.Name
	}

	switch v.Action.Kind {
	case rules.ActionAllow:
		return d.providerExecutionPath(ctx, a)

	case rules.ActionDeny, rules.ActionSuppress:
		out := action.Suppressed(ruleName)
		return &out, a.Provider, nil

	case rules.ActionDeduplicate:
		winner, err := workflow.Dedup(ctx, d.cfg.State, a, v.Action.Deduplicate)
		if err != nil {
			return nil, a.Provider, acteonerr.Wrapf(err, "deduplicating action %s", a.ID)
		}
		if !winner {
			out := action.Deduplicated()
			return &out, a.Provider, nil
		}
		return d.providerExecutionPath(ctx, a)

	case rules.ActionReroute:
		from := a.Provider
		a.Provider = v.Action.Reroute.Target
		out, providerUsed, err := d.providerExecutionPath(ctx, a)
		if err != nil || out == nil {
			return out, providerUsed, err
		}
		switch out.Tag {
		case action.OutcomeExecuted:
			wrapped := action.Rerouted(from, providerUsed, out.Executed.Response)
			return &wrapped, providerUsed, nil
		case action.OutcomeRerouted:
			// The target's own breaker fallback rerouted again; collapse
			// the hop so the caller sees the original provider and the
			// one that actually ran, not an intermediate.
			wrapped := action.Rerouted(from, out.Rerouted.To, out.Rerouted.Response)
			return &wrapped, providerUsed, nil
		default:
			return out, providerUsed, nil
		}

	case rules.ActionThrottle:
		res, err := workflow.Throttle(ctx, d.cfg.State, a.Namespace, a.Tenant, ruleName, v.Action.Throttle)
		if err != nil {
			return nil, a.Provider, acteonerr.Wrapf(err, "throttling rule %q", ruleName)
		}
		if !res.Allowed {
			out := action.Throttled(res.RetryAfter)
			return &out, a.Provider, nil
		}
		return d.providerExecutionPath(ctx, a)

	case rules.ActionModify:
		merged, err := mergePatch(a.Payload, v.Action.Modify.JSONMergePatch)
		if err != nil {
			return nil, a.Provider, &acteonerr.ValidationError{Field: "payload", Message: fmt.Sprintf("applying modify patch from rule %q: %v", ruleName, err)}
		}
		a.Payload = merged
		return d.providerExecutionPath(ctx, a)

	case rules.ActionGroup:
		res, err := workflow.Group(ctx, d.cfg.State, d.cfg.Lock, a, ruleName, v.Action.Group, time.Now())
		if err != nil {
			return nil, a.Provider, acteonerr.Wrapf(err, "grouping rule %q", ruleName)
		}
		out := action.Grouped(res.GroupID, res.GroupSize, res.NotifyAt.Unix())
		return &out, a.Provider, nil

	case rules.ActionRequestApproval:
		res, err := workflow.RequestApproval(ctx, d.cfg.State, d.cfg.Signer, a, ruleName,
			v.Action.RequestApproval.NotifyProvider, v.Action.RequestApproval.TimeoutSec,
			v.Action.RequestApproval.Message, d.cfg.ExternalURL, time.Now())
		if err != nil {
			return nil, a.Provider, acteonerr.Wrapf(err, "requesting approval for rule %q", ruleName)
		}
		notified := d.dispatchNotification(ctx, res.Notification)
		out := action.PendingApprovalOutc(res.ID, res.ExpiresAt.Unix(), res.ApproveURL, res.RejectURL, notified)
		return &out, a.Provider, nil

	case rules.ActionChain:
		cfg, ok := d.chains.Get(v.Action.Chain.Name)
		if !ok {
			return nil, a.Provider, &acteonerr.ConfigError{Key: v.Action.Chain.Name, Reason: "chain is not registered"}
		}
		res, err := workflow.StartChain(ctx, d.cfg.State, cfg, a, time.Now())
		if err != nil {
			return nil, a.Provider, acteonerr.Wrapf(err, "starting chain %q", v.Action.Chain.Name)
		}
		out := action.ChainStarted(res.ChainID, res.ChainName, res.TotalSteps, res.FirstStep)
		return &out, a.Provider, nil

	case rules.ActionStateMachine:
		smCfg, ok := d.stateMachines.Get(v.Action.StateMachine.Name)
		if !ok {
			return nil, a.Provider, &acteonerr.ConfigError{Key: v.Action.StateMachine.Name, Reason: "state machine is not registered"}
		}
		fp := workflow.FingerprintFields(a, v.Action.StateMachine.FingerprintFields)
		res, err := workflow.ApplyStateMachine(ctx, d.cfg.State, d.cfg.Lock, a, smCfg, fp)
		if err != nil {
			return nil, a.Provider, acteonerr.Wrapf(err, "applying state machine %q", v.Action.StateMachine.Name)
		}
		if res.Notify {
			d.cfg.Logger.Info("state machine transition requests notification, no downstream target configured",
				"state_machine", v.Action.StateMachine.Name, "prev", res.Prev, "new", res.New)
		}
		out := action.StateChanged(res.Fingerprint, res.Prev, res.New, res.Notify)
		return &out, a.Provider, nil

	case rules.ActionCustom:
		return d.applyCustom(ctx, a, ruleName, v.Action.Custom)

	default:
		return d.providerExecutionPath(ctx, a)
	}
}

// applyCustom dispatches a Custom verdict to its registered handler,
// falling back to Suppress when no handler is registered under the
// verdict's name: an unrecognized custom action must never fall
// through to provider execution unchecked.
func (d *Dispatcher) applyCustom(ctx context.Context, a *action.Action, ruleName string, act *rules.CustomAction) (*action.ActionOutcome, string, error) {
	h, ok := d.customHandlers.Get(act.Name)
	if !ok {
		d.cfg.Logger.Warn("custom rule action has no registered handler, suppressing", "name", act.Name, "rule", ruleName)
		out := action.Suppressed(ruleName)
		return &out, a.Provider, nil
	}
	out, err := h(ctx, a, act.Params)
	if err != nil {
		return nil, a.Provider, acteonerr.Wrapf(err, "custom rule action %q", act.Name)
	}
	return &out, a.Provider, nil
}

// dispatchNotification sends a synthetic action straight to the
// executor, bypassing rule evaluation entirely. It is used for
// approval and group-flush notifications, which must never re-trigger
// the rule that created them.
func (d *Dispatcher) dispatchNotification(ctx context.Context, notification *action.Action) bool {
	p, ok := d.cfg.Providers.Get(notification.Provider)
	if !ok {
		d.cfg.Logger.Warn("notification provider is not registered", "provider", notification.Provider)
		return false
	}
	outcome, err := d.cfg.Executor.Run(ctx, p, notification)
	if err != nil {
		return false
	}
	return outcome.Tag == action.OutcomeExecuted
}

// eventTypeFor maps an outcome tag onto the bus event it broadcasts.
// Outcomes with no more specific event use the generic dispatched tag.
func eventTypeFor(tag action.Outcome) bus.EventType {
	switch tag {
	case action.OutcomeGrouped:
		return bus.GroupEventAdded
	case action.OutcomePendingApproval:
		return bus.ApprovalRequired
	case action.OutcomeChainStarted:
		return bus.ChainAdvanced
	default:
		return bus.ActionDispatched
	}
}

// auditAndBroadcast assembles and submits the one audit record and one
// broadcast event every observable outcome produces. Submission is
// fire-and-forget: a failing or slow sink never blocks the dispatch
// path (spec: audit sink failure is logged, never propagated).
func (d *Dispatcher) auditAndBroadcast(ctx context.Context, a *action.Action, verdictKind rules.ActionKind, ruleName string, outcome action.ActionOutcome, providerUsed string, start time.Time) {
	now := time.Now()
	rec := audit.Record{
		ID:            uuid.NewString(),
		ActionID:      a.ID,
		Namespace:     a.Namespace,
		Tenant:        a.Tenant,
		Provider:      providerUsed,
		ActionType:    a.ActionType,
		Verdict:       string(verdictKind),
		MatchedRule:   ruleName,
		Outcome:       string(outcome.Tag),
		ActionPayload: a.Payload,
		DispatchedAt:  start,
		CompletedAt:   now,
		DurationMS:    now.Sub(start).Milliseconds(),
	}
	if outcome.Tag == action.OutcomeChainStarted {
		rec.ChainID = outcome.ChainStarted.ChainID
	}

	if d.cfg.Audit != nil {
		go func() {
			submitCtx := context.WithoutCancel(ctx)
			if err := d.cfg.Audit.Submit(submitCtx, rec); err != nil {
				metrics.RecordAuditSinkFailure()
				d.cfg.Logger.Error("audit submit failed", log.Err(err), "action_id", a.ID)
			}
		}()
	}

	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(bus.Event{
			ID:         rec.ID,
			Namespace:  a.Namespace,
			Tenant:     a.Tenant,
			ActionID:   a.ID,
			ActionType: a.ActionType,
			EventType:  eventTypeFor(outcome.Tag),
			Payload:    outcome,
		})
	}
}

// ApproveAction verifies an approval decision URL's signature,
// transitions the approval Pending -> Approved, and runs the original
// action through the provider execution path exactly once, bypassing
// rule evaluation so the RequestApproval rule that created it can't
// fire again on the same action.
func (d *Dispatcher) ApproveAction(ctx context.Context, namespace, tenant, id, sig string, expiresAt int64, kid string) (*action.ActionOutcome, error) {
	original, err := workflow.Approve(ctx, d.cfg.State, d.cfg.Signer, d.cfg.Bus, namespace, tenant, id, sig, expiresAt, kid, time.Now())
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, nil
	}

	start := time.Now()
	outcome, providerUsed, err := d.providerExecutionPath(ctx, original)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		return nil, ctx.Err()
	}
	d.auditAndBroadcast(ctx, original, rules.ActionRequestApproval, "", *outcome, providerUsed, start)
	metrics.RecordOutcome(string(outcome.Tag), original.Namespace, providerUsed)
	return outcome, nil
}

// RejectAction verifies an approval decision URL's signature and
// transitions the approval Pending -> Rejected. The original action
// never executes.
func (d *Dispatcher) RejectAction(ctx context.Context, namespace, tenant, id, sig string, expiresAt int64, kid string) error {
	return workflow.Reject(ctx, d.cfg.State, d.cfg.Signer, d.cfg.Bus, namespace, tenant, id, sig, expiresAt, kid, time.Now())
}

// stateLookup adapts a state.Store to rules.StateLookup.
type stateLookup struct{ s state.Store }

func (l stateLookup) Get(ctx context.Context, namespace, tenant, kind, id string) (string, bool, error) {
	return state.Get(ctx, l.s, namespace, tenant, kind, id)
}

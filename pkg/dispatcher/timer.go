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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/internal/metrics"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/bus"
	"github.com/penserai/acteon/pkg/state"
	"github.com/penserai/acteon/pkg/workflow"
)

// defaultTickInterval is the spec's default timer-loop cadence.
const defaultTickInterval = 100 * time.Millisecond

// RunTimerLoop blocks, sweeping expired timeouts and ready chains at
// tickInterval until ctx is cancelled. tickInterval <= 0 uses the
// spec's 100ms default. A process runs exactly one of these per
// deployment; every node's sweep is independent and idempotent since
// the lock and CAS primitives underneath make a double-fire harmless.
func (d *Dispatcher) RunTimerLoop(ctx context.Context, tickInterval time.Duration) {
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ObserveTimerTick(time.Since(start).Seconds()) }()

	nowMS := start.UnixMilli()

	timeouts, err := d.cfg.State.GetExpiredTimeouts(ctx, nowMS)
	if err != nil {
		d.cfg.Logger.Error("timer: listing expired timeouts failed", log.Err(err))
	} else {
		for _, entry := range timeouts {
			d.handleExpiredTimeout(ctx, entry)
		}
	}

	ready, err := d.cfg.State.GetReadyChains(ctx, nowMS)
	if err != nil {
		d.cfg.Logger.Error("timer: listing ready chains failed", log.Err(err))
	} else {
		for _, entry := range ready {
			d.advanceChainReady(ctx, entry)
		}
	}
}

// parseKey splits a canonical state key into its four leading
// components. The id component may itself contain colons (chain and
// approval ids don't, but this keeps the parse honest against the
// grammar's ">=4 segments" rule).
func parseKey(key string) (namespace, tenant string, kind state.Kind, id string, ok bool) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) < 4 {
		return "", "", "", "", false
	}
	return parts[0], parts[1], state.Kind(parts[2]), parts[3], true
}

func (d *Dispatcher) handleExpiredTimeout(ctx context.Context, entry state.IndexEntry) {
	namespace, tenant, kind, id, ok := parseKey(entry.Key)
	if !ok {
		_ = d.cfg.State.RemoveTimeoutIndex(ctx, entry.Key)
		return
	}

	switch kind {
	case state.KindGroup:
		d.flushGroupByKey(ctx, entry.Key, namespace, tenant)
	case state.KindApproval:
		d.expireApproval(ctx, namespace, tenant, id)
	case state.KindChain:
		d.expireChainTimeout(ctx, namespace, tenant, id)
	default:
		_ = d.cfg.State.RemoveTimeoutIndex(ctx, entry.Key)
	}
}

// flushGroupByKey loads the EventGroup stored at key and, if still
// Pending, flushes it to its target provider as a single batched
// notification action.
func (d *Dispatcher) flushGroupByKey(ctx context.Context, key, namespace, tenant string) {
	entry, ok, err := d.cfg.State.Get(ctx, key)
	if err != nil || !ok {
		_ = d.cfg.State.RemoveTimeoutIndex(ctx, key)
		return
	}
	var grp workflow.EventGroup
	if err := json.Unmarshal([]byte(entry.Value), &grp); err != nil {
		d.cfg.Logger.Error("timer: decoding group failed", log.Err(err))
		return
	}
	if grp.Status != workflow.GroupPending {
		_ = d.cfg.State.RemoveTimeoutIndex(ctx, key)
		return
	}

	notification, err := workflow.FlushGroup(ctx, d.cfg.State, key, &grp, time.Now())
	if err != nil {
		d.cfg.Logger.Error("timer: flushing group failed", log.Err(err))
		return
	}
	_ = d.cfg.State.RemoveTimeoutIndex(ctx, key)

	d.dispatchNotification(ctx, notification)
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(bus.Event{
			Namespace: namespace, Tenant: tenant,
			EventType: bus.GroupFlushed,
			Payload:   map[string]any{"group_id": grp.GroupID, "group_size": len(grp.Events)},
		})
	}
}

// expireApproval transitions a still-Pending approval to Expired once
// its timeout has elapsed. An approval already decided is left alone;
// its timeout index entry is simply dropped.
func (d *Dispatcher) expireApproval(ctx context.Context, namespace, tenant, id string) {
	key := state.Key(namespace, tenant, state.KindApproval, id)
	entry, ok, err := d.cfg.State.Get(ctx, key)
	if err != nil || !ok {
		_ = d.cfg.State.RemoveTimeoutIndex(ctx, key)
		return
	}
	var approval workflow.Approval
	if err := json.Unmarshal([]byte(entry.Value), &approval); err != nil {
		d.cfg.Logger.Error("timer: decoding approval failed", log.Err(err))
		return
	}
	if approval.Status != workflow.ApprovalPending {
		_ = d.cfg.State.RemoveTimeoutIndex(ctx, key)
		return
	}

	approval.Status = workflow.ApprovalExpired
	decided := time.Now()
	approval.DecidedAt = &decided
	body, err := json.Marshal(approval)
	if err != nil {
		d.cfg.Logger.Error("timer: encoding expired approval failed", log.Err(err))
		return
	}
	cas, err := d.cfg.State.CompareAndSwap(ctx, key, entry.Version, string(body), nil)
	if err != nil || !cas.OK {
		// Lost the race to a concurrent Approve/Reject; their write wins.
		return
	}
	_ = d.cfg.State.RemoveTimeoutIndex(ctx, key)

	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(bus.Event{
			ID: approval.ApprovalID, Namespace: namespace, Tenant: tenant,
			ActionID:  approval.ActionSnapshot.ID,
			EventType: bus.ApprovalResolved,
			Payload:   map[string]string{"status": string(workflow.ApprovalExpired)},
		})
	}
}

// expireChainTimeout fails a Running chain instance that has exceeded
// its configured timeout_s.
func (d *Dispatcher) expireChainTimeout(ctx context.Context, namespace, tenant, id string) {
	key := state.Key(namespace, tenant, state.KindChain, id)
	entry, ok, err := d.cfg.State.Get(ctx, key)
	if err != nil || !ok {
		_ = d.cfg.State.RemoveTimeoutIndex(ctx, key)
		return
	}
	var inst workflow.ChainInstance
	if err := json.Unmarshal([]byte(entry.Value), &inst); err != nil {
		d.cfg.Logger.Error("timer: decoding chain instance failed", log.Err(err))
		return
	}
	if !workflow.ChainIsActive(inst.Status) {
		_ = d.cfg.State.RemoveTimeoutIndex(ctx, key)
		return
	}

	cfg, ok := d.chains.Get(inst.ChainName)
	if !ok {
		d.cfg.Logger.Error("timer: chain config missing for timed-out instance", "chain", inst.ChainName)
		return
	}
	if err := workflow.FailStep(ctx, d.cfg.State, d.cfg.Lock, cfg, namespace, tenant, id, "chain timeout", time.Now()); err != nil {
		d.cfg.Logger.Error("timer: failing timed-out chain failed", log.Err(err))
		return
	}
	_ = d.cfg.State.RemoveTimeoutIndex(ctx, key)

	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(bus.Event{
			Namespace: namespace, Tenant: tenant, ActionID: id,
			EventType: bus.ChainCompleted,
			Payload:   map[string]string{"status": "Failed", "reason": "timeout"},
		})
	}
}

// advanceChainReady drives the chain instance due for advancement. A
// Running instance has its current step's action built from its
// template and either executed against the step's provider, or, for a
// sub_chain/parallel step, spawned as one or more child chain instances
// that park it WaitingSubChain/WaitingParallel. A Waiting* instance has
// no provider call of its own; it is re-checked here each tick against
// its spawned children's status and resumed once they settle (spec
// §4.6.7).
func (d *Dispatcher) advanceChainReady(ctx context.Context, readyEntry state.IndexEntry) {
	namespace, tenant, kind, id, ok := parseKey(readyEntry.Key)
	if !ok || kind != state.KindChain {
		_ = d.cfg.State.RemoveChainReadyIndex(ctx, readyEntry.Key)
		return
	}

	entry, ok, err := d.cfg.State.Get(ctx, readyEntry.Key)
	if err != nil || !ok {
		_ = d.cfg.State.RemoveChainReadyIndex(ctx, readyEntry.Key)
		return
	}
	var inst workflow.ChainInstance
	if err := json.Unmarshal([]byte(entry.Value), &inst); err != nil {
		d.cfg.Logger.Error("timer: decoding chain instance failed", log.Err(err))
		return
	}
	if !workflow.ChainIsActive(inst.Status) {
		_ = d.cfg.State.RemoveChainReadyIndex(ctx, readyEntry.Key)
		return
	}
	if workflow.ExpireIfTimedOut(&inst, time.Now()) {
		d.expireChainTimeout(ctx, namespace, tenant, id)
		return
	}

	cfg, ok := d.chains.Get(inst.ChainName)
	if !ok {
		d.cfg.Logger.Error("timer: chain config missing", "chain", inst.ChainName)
		_ = d.cfg.State.RemoveChainReadyIndex(ctx, readyEntry.Key)
		return
	}

	switch inst.Status {
	case workflow.ChainWaitingSubChain:
		d.resolveWaitingSubChain(ctx, cfg, namespace, tenant, id, inst)
		return
	case workflow.ChainWaitingParallel:
		d.resolveWaitingParallel(ctx, cfg, namespace, tenant, id, inst)
		return
	}

	stepAction, step, err := workflow.BuildStepAction(&inst, cfg)
	if err != nil {
		_ = workflow.FailStep(ctx, d.cfg.State, d.cfg.Lock, cfg, namespace, tenant, id, err.Error(), time.Now())
		return
	}

	if step.SubChain != "" {
		d.startSubChainStep(ctx, cfg, namespace, tenant, id, stepAction, step)
		return
	}
	if len(step.ParallelChildren) > 0 {
		d.startParallelStep(ctx, cfg, namespace, tenant, id, stepAction, step)
		return
	}

	p, ok := d.cfg.Providers.Get(stepAction.Provider)
	if !ok {
		_ = workflow.FailStep(ctx, d.cfg.State, d.cfg.Lock, cfg, namespace, tenant, id,
			fmt.Sprintf("provider %q is not registered", stepAction.Provider), time.Now())
		return
	}

	outcome, err := d.cfg.Executor.Run(ctx, p, stepAction)
	if err != nil {
		// Cancelled mid-step: leave the instance ready for the next tick.
		return
	}

	b := d.cfg.Breakers.Get(stepAction.Provider, d.cfg.DefaultBreakerConfig)
	now := time.Now()

	if outcome.Tag == action.OutcomeExecuted {
		b.RecordSuccess(now)
		advance, err := workflow.CompleteStep(ctx, d.cfg.State, d.cfg.Lock, cfg, namespace, tenant, id, outcome.Executed.Response, now)
		if err != nil {
			d.cfg.Logger.Error("timer: completing chain step failed", log.Err(err))
			return
		}
		if d.cfg.Bus == nil {
			return
		}
		if advance.Done {
			d.cfg.Bus.Publish(bus.Event{Namespace: namespace, Tenant: tenant, ActionID: id, EventType: bus.ChainCompleted})
		} else {
			d.cfg.Bus.Publish(bus.Event{Namespace: namespace, Tenant: tenant, ActionID: id, EventType: bus.ChainStepCompleted, Payload: advance.NextStep})
		}
		return
	}

	b.RecordFailure(now)
	reason := "step execution failed"
	if outcome.Failed != nil {
		reason = outcome.Failed.Error
	}
	if err := workflow.FailStep(ctx, d.cfg.State, d.cfg.Lock, cfg, namespace, tenant, id, reason, now); err != nil {
		d.cfg.Logger.Error("timer: failing chain step failed", log.Err(err))
		return
	}
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(bus.Event{Namespace: namespace, Tenant: tenant, ActionID: id, EventType: bus.ChainCompleted, Payload: map[string]string{"status": "Failed"}})
	}
}

// startSubChainStep spawns step.SubChain as a child chain instance and
// parks the parent WaitingSubChain.
func (d *Dispatcher) startSubChainStep(ctx context.Context, cfg workflow.ChainConfig, namespace, tenant, id string, stepAction *action.Action, step workflow.ChainStepConfig) {
	childCfg, ok := d.chains.Get(step.SubChain)
	if !ok {
		_ = workflow.FailStep(ctx, d.cfg.State, d.cfg.Lock, cfg, namespace, tenant, id,
			fmt.Sprintf("sub-chain %q is not registered", step.SubChain), time.Now())
		return
	}
	childID, err := workflow.BeginSubChainStep(ctx, d.cfg.State, d.cfg.Lock, childCfg, namespace, tenant, id, stepAction, time.Now())
	if err != nil {
		d.cfg.Logger.Error("timer: spawning sub-chain failed", log.Err(err), "chain", id, "sub_chain", step.SubChain)
		return
	}
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(bus.Event{Namespace: namespace, Tenant: tenant, ActionID: id, EventType: bus.ChainAdvanced,
			Payload: map[string]string{"status": string(workflow.ChainWaitingSubChain), "child_chain_id": childID}})
	}
}

// startParallelStep resolves step.ParallelChildren to their registered
// chain configs and fans them all out, parking the parent
// WaitingParallel until step.Join is satisfied.
func (d *Dispatcher) startParallelStep(ctx context.Context, cfg workflow.ChainConfig, namespace, tenant, id string, stepAction *action.Action, step workflow.ChainStepConfig) {
	childCfgs := make([]workflow.ChainConfig, 0, len(step.ParallelChildren))
	for _, name := range step.ParallelChildren {
		childCfg, ok := d.chains.Get(name)
		if !ok {
			_ = workflow.FailStep(ctx, d.cfg.State, d.cfg.Lock, cfg, namespace, tenant, id,
				fmt.Sprintf("parallel child chain %q is not registered", name), time.Now())
			return
		}
		childCfgs = append(childCfgs, childCfg)
	}
	childIDs, err := workflow.BeginParallelStep(ctx, d.cfg.State, d.cfg.Lock, childCfgs, namespace, tenant, id, stepAction, time.Now())
	if err != nil {
		d.cfg.Logger.Error("timer: spawning parallel children failed", log.Err(err), "chain", id, "step", step.Name)
		return
	}
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(bus.Event{Namespace: namespace, Tenant: tenant, ActionID: id, EventType: bus.ChainAdvanced,
			Payload: map[string]any{"status": string(workflow.ChainWaitingParallel), "child_chain_ids": childIDs}})
	}
}

// resolveWaitingSubChain checks the spawned child's status and, once it
// has terminated, resumes the parent via the same CompleteStep/FailStep
// paths a provider-backed step uses.
func (d *Dispatcher) resolveWaitingSubChain(ctx context.Context, cfg workflow.ChainConfig, namespace, tenant, id string, inst workflow.ChainInstance) {
	if len(inst.ChildChainIDs) == 0 {
		d.cfg.Logger.Error("timer: chain waiting on sub-chain with no recorded child", "chain", id)
		return
	}
	terminal, success, body, err := workflow.EvaluateSubChain(ctx, d.cfg.State, namespace, tenant, inst.ChildChainIDs[0])
	if err != nil {
		d.cfg.Logger.Error("timer: evaluating sub-chain child failed", log.Err(err), "chain", id)
		return
	}
	if !terminal {
		return
	}
	d.finishWaitingStep(ctx, cfg, namespace, tenant, id, success, body, "sub-chain failed")
}

// resolveWaitingParallel checks the spawned children's statuses against
// the step's join policy and resumes the parent once it is satisfied.
func (d *Dispatcher) resolveWaitingParallel(ctx context.Context, cfg workflow.ChainConfig, namespace, tenant, id string, inst workflow.ChainInstance) {
	if inst.CurrentStepIndex >= len(cfg.Steps) {
		d.cfg.Logger.Error("timer: chain waiting on parallel step out of range", "chain", id)
		return
	}
	step := cfg.Steps[inst.CurrentStepIndex]
	terminal, success, body, winnerID, err := workflow.EvaluateParallelJoin(ctx, d.cfg.State, namespace, tenant, inst.ChildChainIDs, step.Join)
	if err != nil {
		d.cfg.Logger.Error("timer: evaluating parallel join failed", log.Err(err), "chain", id)
		return
	}
	if !terminal {
		return
	}
	if success && winnerID != "" {
		workflow.CancelSiblingChildren(ctx, d.cfg.State, d.cfg.Lock, namespace, tenant, inst.ChildChainIDs, winnerID, time.Now())
	}
	d.finishWaitingStep(ctx, cfg, namespace, tenant, id, success, body, "parallel join failed")
}

// finishWaitingStep resumes a parent instance parked WaitingSubChain or
// WaitingParallel once its children have settled, via the same
// CompleteStep/FailStep entry points provider-backed steps use.
func (d *Dispatcher) finishWaitingStep(ctx context.Context, cfg workflow.ChainConfig, namespace, tenant, id string, success bool, body json.RawMessage, failureReason string) {
	now := time.Now()
	if !success {
		if err := workflow.FailStep(ctx, d.cfg.State, d.cfg.Lock, cfg, namespace, tenant, id, failureReason, now); err != nil {
			d.cfg.Logger.Error("timer: failing chain after join failure failed", log.Err(err))
			return
		}
		if d.cfg.Bus != nil {
			d.cfg.Bus.Publish(bus.Event{Namespace: namespace, Tenant: tenant, ActionID: id, EventType: bus.ChainCompleted, Payload: map[string]string{"status": "Failed"}})
		}
		return
	}

	advance, err := workflow.CompleteStep(ctx, d.cfg.State, d.cfg.Lock, cfg, namespace, tenant, id, body, now)
	if err != nil {
		d.cfg.Logger.Error("timer: completing chain step after join failed", log.Err(err))
		return
	}
	if d.cfg.Bus == nil {
		return
	}
	if advance.Done {
		d.cfg.Bus.Publish(bus.Event{Namespace: namespace, Tenant: tenant, ActionID: id, EventType: bus.ChainCompleted})
	} else {
		d.cfg.Bus.Publish(bus.Event{Namespace: namespace, Tenant: tenant, ActionID: id, EventType: bus.ChainStepCompleted, Payload: advance.NextStep})
	}
}

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
	"fmt"
	"time"

	"github.com/penserai/acteon/internal/metrics"
	"github.com/penserai/acteon/pkg/acteonerr"
	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/workflow"
)

// providerExecutionPath applies administered quotas, consults the
// provider's circuit breaker, and finally calls the executor. It is
// the common tail every verdict that doesn't resolve its own outcome
// (Allow, Dedup's winner, Throttle's pass, Reroute, Modify) falls
// through to. A nil outcome with a nil error means the call was
// cancelled mid-flight and produced nothing observable.
func (d *Dispatcher) providerExecutionPath(ctx context.Context, a *action.Action) (*action.ActionOutcome, string, error) {
	if out := d.checkQuotas(ctx, a); out != nil {
		return out, a.Provider, nil
	}

	b := d.cfg.Breakers.Get(a.Provider, d.cfg.DefaultBreakerConfig)
	now := time.Now()
	allow, retryAfter := b.Consult(now)
	if !allow {
		snap := b.Snapshot()
		if snap.Config.FallbackProvider != "" {
			from := a.Provider
			to := snap.Config.FallbackProvider
			metrics.RecordCircuitFallback(from, to)
			a.Provider = to
			return d.executeViaExecutor(ctx, a, from)
		}
		out := action.CircuitOpenOutc(a.Provider, retryAfter.Seconds())
		return &out, a.Provider, nil
	}
	return d.executeViaExecutor(ctx, a, "")
}

// executeViaExecutor runs a against its registered provider and
// records the result on that provider's breaker. rerouteFrom, when
// non-empty, names the provider a circuit-breaker fallback redirected
// away from; the result is then wrapped as Rerouted instead of
// returned as the executor's raw Executed/Failed outcome.
func (d *Dispatcher) executeViaExecutor(ctx context.Context, a *action.Action, rerouteFrom string) (*action.ActionOutcome, string, error) {
	p, ok := d.cfg.Providers.Get(a.Provider)
	if !ok {
		out := action.Failed(string(acteonerr.CodeConfiguration), fmt.Sprintf("provider %q is not registered", a.Provider), false, 0)
		return &out, a.Provider, nil
	}

	callStart := time.Now()
	outcome, err := d.cfg.Executor.Run(ctx, p, a)
	metrics.ObserveProviderCall(a.Provider, time.Since(callStart).Seconds())
	if err != nil {
		// Context cancellation: no outcome produced, executor already
		// released its semaphore permit and stopped retrying.
		return nil, a.Provider, nil
	}

	b := d.cfg.Breakers.Get(a.Provider, d.cfg.DefaultBreakerConfig)
	now := time.Now()
	switch outcome.Tag {
	case action.OutcomeExecuted:
		b.RecordSuccess(now)
	case action.OutcomeFailed:
		b.RecordFailure(now)
	}

	if rerouteFrom != "" {
		var resp action.Response
		if outcome.Tag == action.OutcomeExecuted {
			resp = outcome.Executed.Response
		}
		wrapped := action.Rerouted(rerouteFrom, a.Provider, resp)
		return &wrapped, a.Provider, nil
	}
	return &outcome, a.Provider, nil
}

// checkQuotas evaluates every quota policy administered for a's
// namespace and tenant, applying the first exceeded policy's overage
// behavior. A non-nil return is the final outcome for this dispatch;
// nil means every policy is within bounds (or none apply).
func (d *Dispatcher) checkQuotas(ctx context.Context, a *action.Action) *action.ActionOutcome {
	policies := d.quotas.List(a.Namespace, a.Tenant)
	if len(policies) == 0 {
		return nil
	}

	now := time.Now()
	for _, policy := range policies {
		res, err := workflow.Quota(ctx, d.cfg.State, a.Namespace, a.Tenant, policy, now)
		if err != nil {
			d.cfg.Logger.Error("quota check failed", "policy", policy.Name, "error", err)
			continue
		}
		if res.Allowed {
			continue
		}

		switch res.Overage {
		case workflow.OverageBlock:
			out := action.Throttled(quotaRetryAfter(policy, now))
			return &out
		case workflow.OverageDegrade:
			if policy.Overage.DegradeFallback != "" {
				a.Provider = policy.Overage.DegradeFallback
			}
		case workflow.OverageNotify:
			if policy.Overage.NotifyTarget != "" {
				d.dispatchNotification(ctx, quotaNotification(a, policy))
			}
		case workflow.OverageWarn:
			d.cfg.Logger.Warn("quota exceeded", "policy", policy.Name, "namespace", a.Namespace, "tenant", a.Tenant, "count", res.Count, "max", res.MaxCount)
		}
	}
	return nil
}

// quotaRetryAfter reports the seconds remaining until policy's current
// epoch-aligned window rolls over.
func quotaRetryAfter(policy workflow.QuotaPolicy, now time.Time) float64 {
	w := policy.Window.Seconds()
	if w <= 0 {
		return 0
	}
	epochEnd := ((now.Unix() / w) + 1) * w
	return float64(epochEnd - now.Unix())
}

// quotaNotification builds the out-of-band action sent to a quota
// policy's notify target, carrying enough context to identify which
// policy fired without requiring the recipient to query back.
func quotaNotification(a *action.Action, policy workflow.QuotaPolicy) *action.Action {
	payload := fmt.Sprintf(`{"policy":%q,"namespace":%q,"tenant":%q,"max_actions":%d}`,
		policy.Name, a.Namespace, a.Tenant, policy.MaxActions)
	return action.New(a.Namespace, a.Tenant, policy.Overage.NotifyTarget, "quota_notice", []byte(payload))
}

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
	"sync"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/workflow"
)

// ChainRegistry holds named chain configurations, administered
// out-of-band (process startup or an admin API) and read on every
// Chain verdict. Reads run concurrently; registration is exclusive,
// mirroring provider.Registry and breaker.Registry.
type ChainRegistry struct {
	mu    sync.RWMutex
	byName map[string]workflow.ChainConfig
}

func NewChainRegistry() *ChainRegistry {
	return &ChainRegistry{byName: make(map[string]workflow.ChainConfig)}
}

func (r *ChainRegistry) Register(cfg workflow.ChainConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[cfg.Name] = cfg
}

func (r *ChainRegistry) Get(name string) (workflow.ChainConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.byName[name]
	return cfg, ok
}

func (r *ChainRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	return out
}

// StateMachineRegistry holds named state-machine configurations.
type StateMachineRegistry struct {
	mu     sync.RWMutex
	byName map[string]workflow.StateMachineConfig
}

func NewStateMachineRegistry() *StateMachineRegistry {
	return &StateMachineRegistry{byName: make(map[string]workflow.StateMachineConfig)}
}

func (r *StateMachineRegistry) Register(cfg workflow.StateMachineConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[cfg.Name] = cfg
}

func (r *StateMachineRegistry) Get(name string) (workflow.StateMachineConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.byName[name]
	return cfg, ok
}

// QuotaRegistry holds administered quota policies keyed by
// (namespace, tenant). Policies registered under the wildcard "*"
// namespace/tenant apply to every action in addition to whatever is
// registered for its specific namespace/tenant pair, which lets an
// operator set one fleet-wide quota without enumerating every tenant.
type QuotaRegistry struct {
	mu  sync.RWMutex
	byKey map[string][]workflow.QuotaPolicy
}

const quotaWildcard = "*"

func NewQuotaRegistry() *QuotaRegistry {
	return &QuotaRegistry{byKey: make(map[string][]workflow.QuotaPolicy)}
}

func quotaRegistryKey(namespace, tenant string) string { return namespace + "\x00" + tenant }

// Register installs or replaces (by Name) a policy scoped to
// namespace/tenant. Pass "*" for either to register a wildcard policy.
func (r *QuotaRegistry) Register(namespace, tenant string, policy workflow.QuotaPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := quotaRegistryKey(namespace, tenant)
	existing := r.byKey[key]
	for i, p := range existing {
		if p.Name == policy.Name {
			existing[i] = policy
			r.byKey[key] = existing
			return
		}
	}
	r.byKey[key] = append(existing, policy)
}

// List returns every policy applicable to namespace/tenant: its own
// scoped policies plus any wildcard policies, in that order.
func (r *QuotaRegistry) List(namespace, tenant string) []workflow.QuotaPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]workflow.QuotaPolicy(nil), r.byKey[quotaRegistryKey(namespace, tenant)]...)
	if namespace != quotaWildcard || tenant != quotaWildcard {
		out = append(out, r.byKey[quotaRegistryKey(quotaWildcard, quotaWildcard)]...)
	}
	return out
}

// CustomHandler implements a Custom rule verdict. The returned outcome
// is used as-is in place of running the provider execution path.
type CustomHandler func(ctx context.Context, a *action.Action, params map[string]any) (action.ActionOutcome, error)

// CustomRegistry holds named Custom-verdict handlers.
type CustomRegistry struct {
	mu      sync.RWMutex
	byName  map[string]CustomHandler
}

func NewCustomRegistry() *CustomRegistry {
	return &CustomRegistry{byName: make(map[string]CustomHandler)}
}

func (r *CustomRegistry) Register(name string, h CustomHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = h
}

func (r *CustomRegistry) Get(name string) (CustomHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/lock"
	"github.com/penserai/acteon/pkg/state"
)

// Branch is one conditional edge out of a chain step, evaluated
// against the previous step's response body.
type Branch struct {
	Field          string
	Operator       string // eq, ne, gt, lt, gte, lte, contains, exists
	Value          any
	TargetStepName string
}

// ChainStepConfig is one named step in a ChainConfig.
type ChainStepConfig struct {
	Name             string
	Provider         string
	ActionType       string
	PayloadTemplate  json.RawMessage
	Branches         []Branch
	DefaultNext      string
	SubChain         string   // non-empty: this step spawns a child chain instead of calling a provider
	ParallelChildren []string // non-empty: this step fans out to named chains, joined by Join
	Join             string   // "all" | "any", only meaningful with ParallelChildren
}

// ChainConfig is `{name, steps[], timeout_s}` (spec §4.6.7).
type ChainConfig struct {
	Name      string
	Steps     []ChainStepConfig
	TimeoutSec int64
}

func (c ChainConfig) stepByName(name string) (ChainStepConfig, int, bool) {
	for i, s := range c.Steps {
		if s.Name == name {
			return s, i, true
		}
	}
	return ChainStepConfig{}, 0, false
}

// ChainStatus is the closed set of ChainInstance lifecycle states.
type ChainStatus string

const (
	ChainRunning         ChainStatus = "Running"
	ChainCompleted       ChainStatus = "Completed"
	ChainFailed          ChainStatus = "Failed"
	ChainCancelled       ChainStatus = "Cancelled"
	ChainWaitingSubChain ChainStatus = "WaitingSubChain"
	ChainWaitingParallel ChainStatus = "WaitingParallel"
)

// StepResult records one completed step's outcome.
type StepResult struct {
	StepName     string          `json:"step_name"`
	Success      bool            `json:"success"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
	Error        string          `json:"error,omitempty"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// ChainInstance is the persistent DAG-walk state for one chain
// execution (spec's "Chain instance").
type ChainInstance struct {
	ChainID           string         `json:"chain_id"`
	ChainName         string         `json:"chain_name"`
	Namespace         string         `json:"namespace"`
	Tenant            string         `json:"tenant"`
	Status            ChainStatus    `json:"status"`
	CurrentStepIndex  int            `json:"current_step_index"`
	TotalSteps        int            `json:"total_steps"`
	StepResults       []StepResult   `json:"step_results"`
	OriginSnapshot    *action.Action `json:"origin_action_snapshot"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
	ExecutionPath     []string       `json:"execution_path"`
	ParentChainID     string         `json:"parent_chain_id,omitempty"`
	ChildChainIDs     []string       `json:"child_chain_ids,omitempty"`
}

const chainLockLease = 10 * time.Second

// ErrChainTerminal is returned by any operation attempted against a
// chain instance already in a terminal status.
var ErrChainTerminal = errors.New("workflow: chain is already in a terminal status")

// StartChainResult mirrors action.ChainStartedOutcome's fields.
type StartChainResult struct {
	ChainID    string
	ChainName  string
	TotalSteps int
	FirstStep  string
}

// StartChain snapshots a into a new Running chain instance at step 0
// and indexes it in chain_ready for immediate pickup by the timer loop.
func StartChain(ctx context.Context, s state.Store, cfg ChainConfig, origin *action.Action, now time.Time) (StartChainResult, error) {
	return startChain(ctx, s, cfg, origin, "", now)
}

// startChain is StartChain's internals plus an optional parentChainID,
// shared by top-level chain starts (rule verdict, parentChainID "") and
// sub-chain/parallel-children spawns (parentChainID set).
func startChain(ctx context.Context, s state.Store, cfg ChainConfig, origin *action.Action, parentChainID string, now time.Time) (StartChainResult, error) {
	if len(cfg.Steps) == 0 {
		return StartChainResult{}, fmt.Errorf("workflow: chain %q has no steps", cfg.Name)
	}

	id := uuid.NewString()
	var expiresAt *time.Time
	if cfg.TimeoutSec > 0 {
		t := now.Add(time.Duration(cfg.TimeoutSec) * time.Second)
		expiresAt = &t
	}

	inst := &ChainInstance{
		ChainID:          id,
		ChainName:        cfg.Name,
		Namespace:        origin.Namespace,
		Tenant:           origin.Tenant,
		Status:           ChainRunning,
		CurrentStepIndex: 0,
		TotalSteps:       len(cfg.Steps),
		OriginSnapshot:   origin.Clone(),
		StartedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        expiresAt,
		ParentChainID:    parentChainID,
	}

	key := chainKey(origin.Namespace, origin.Tenant, id)
	if err := saveChain(ctx, s, key, inst); err != nil {
		return StartChainResult{}, err
	}
	if err := s.IndexChainReady(ctx, key, now.UnixMilli()); err != nil {
		return StartChainResult{}, err
	}
	if expiresAt != nil {
		if err := s.IndexTimeout(ctx, key, expiresAt.UnixMilli()); err != nil {
			return StartChainResult{}, err
		}
	}

	return StartChainResult{ChainID: id, ChainName: cfg.Name, TotalSteps: len(cfg.Steps), FirstStep: cfg.Steps[0].Name}, nil
}

// BeginSubChainStep spawns childCfg as a new chain instance parented to
// chainID and transitions chainID to WaitingSubChain (spec §4.6.7). The
// parent stays indexed in chain_ready so the timer loop keeps polling
// the child's status until it terminates.
func BeginSubChainStep(ctx context.Context, s state.Store, l lock.Lock, childCfg ChainConfig, namespace, tenant, chainID string, origin *action.Action, now time.Time) (string, error) {
	key := chainKey(namespace, tenant, chainID)
	var childID string
	err := lock.WithLock(ctx, l, "chain:"+key, chainLockLease, chainLockLease, 25*time.Millisecond, func(ctx context.Context) error {
		inst, err := loadChain(ctx, s, key)
		if err != nil {
			return err
		}
		if inst.Status != ChainRunning {
			return ErrChainTerminal
		}

		res, err := startChain(ctx, s, childCfg, origin, chainID, now)
		if err != nil {
			return err
		}
		childID = res.ChainID

		inst.Status = ChainWaitingSubChain
		inst.ChildChainIDs = []string{childID}
		inst.UpdatedAt = now
		return saveChain(ctx, s, key, inst)
	})
	return childID, err
}

// BeginParallelStep spawns one child chain per childCfgs entry, all
// parented to chainID, and transitions chainID to WaitingParallel. The
// step's join policy decides later, via EvaluateParallelJoin, when
// enough children have terminated to resume the parent.
func BeginParallelStep(ctx context.Context, s state.Store, l lock.Lock, childCfgs []ChainConfig, namespace, tenant, chainID string, origin *action.Action, now time.Time) ([]string, error) {
	key := chainKey(namespace, tenant, chainID)
	var childIDs []string
	err := lock.WithLock(ctx, l, "chain:"+key, chainLockLease, chainLockLease, 25*time.Millisecond, func(ctx context.Context) error {
		inst, err := loadChain(ctx, s, key)
		if err != nil {
			return err
		}
		if inst.Status != ChainRunning {
			return ErrChainTerminal
		}

		ids := make([]string, 0, len(childCfgs))
		for _, childCfg := range childCfgs {
			res, err := startChain(ctx, s, childCfg, origin, chainID, now)
			if err != nil {
				return err
			}
			ids = append(ids, res.ChainID)
		}
		childIDs = ids

		inst.Status = ChainWaitingParallel
		inst.ChildChainIDs = ids
		inst.UpdatedAt = now
		return saveChain(ctx, s, key, inst)
	})
	return childIDs, err
}

// ChildOutcome is one spawned child chain's status as observed for join
// evaluation, with the response body a terminal success contributes.
type ChildOutcome struct {
	ChainID      string
	Status       ChainStatus
	ResponseBody json.RawMessage
}

func loadChildOutcome(ctx context.Context, s state.Store, namespace, tenant, childID string) (ChildOutcome, error) {
	inst, err := loadChain(ctx, s, chainKey(namespace, tenant, childID))
	if err != nil {
		return ChildOutcome{}, err
	}
	out := ChildOutcome{ChainID: childID, Status: inst.Status}
	if len(inst.StepResults) > 0 {
		out.ResponseBody = inst.StepResults[len(inst.StepResults)-1].ResponseBody
	}
	return out, nil
}

// EvaluateSubChain reports whether the child chain namespace/tenant/childID
// has reached a terminal status and, if so, whether it succeeded and what
// response body the parent's WaitingSubChain step should record.
func EvaluateSubChain(ctx context.Context, s state.Store, namespace, tenant, childID string) (terminal, success bool, responseBody json.RawMessage, err error) {
	out, err := loadChildOutcome(ctx, s, namespace, tenant, childID)
	if err != nil {
		return false, false, nil, err
	}
	switch out.Status {
	case ChainCompleted:
		return true, true, out.ResponseBody, nil
	case ChainFailed, ChainCancelled:
		return true, false, nil, nil
	default:
		return false, false, nil, nil
	}
}

// EvaluateParallelJoin reports whether a WaitingParallel step's join
// policy ("all", the default, or "any") is satisfied by the current
// status of its spawned children, and what response body a successful
// join should record. "all" fails fast on the first child failure;
// "any" succeeds fast on the first child success and names that child
// as winnerID so the caller can cancel its still-running siblings.
func EvaluateParallelJoin(ctx context.Context, s state.Store, namespace, tenant string, childIDs []string, join string) (terminal, success bool, responseBody json.RawMessage, winnerID string, err error) {
	outcomes := make([]ChildOutcome, 0, len(childIDs))
	for _, id := range childIDs {
		out, err := loadChildOutcome(ctx, s, namespace, tenant, id)
		if err != nil {
			return false, false, nil, "", err
		}
		outcomes = append(outcomes, out)
	}

	var completed, failed int
	for _, o := range outcomes {
		switch o.Status {
		case ChainCompleted:
			completed++
		case ChainFailed, ChainCancelled:
			failed++
		}
	}

	if join == "any" {
		for _, o := range outcomes {
			if o.Status == ChainCompleted {
				return true, true, o.ResponseBody, o.ChainID, nil
			}
		}
		if failed == len(outcomes) {
			return true, false, nil, "", nil
		}
		return false, false, nil, "", nil
	}

	// "all" (default): any single failure dooms the join immediately.
	if failed > 0 {
		return true, false, nil, "", nil
	}
	if completed == len(outcomes) {
		bodies := make([]json.RawMessage, len(outcomes))
		for i, o := range outcomes {
			bodies[i] = o.ResponseBody
		}
		agg, err := json.Marshal(bodies)
		if err != nil {
			return false, false, nil, "", err
		}
		return true, true, agg, "", nil
	}
	return false, false, nil, "", nil
}

// CancelSiblingChildren cancels every childID except winnerID, for an
// "any"-join parallel step that already has its winning result: the
// remaining children have nothing left to contribute. Already-terminal
// siblings are left alone.
func CancelSiblingChildren(ctx context.Context, s state.Store, l lock.Lock, namespace, tenant string, childIDs []string, winnerID string, now time.Time) {
	for _, id := range childIDs {
		if id == winnerID {
			continue
		}
		_ = CancelChain(ctx, s, l, namespace, tenant, id, now)
	}
}

// BuildStepAction resolves the current step's payload_template against
// inst's accumulated context and returns the synthetic action the
// caller should run through the executor against the step's provider.
func BuildStepAction(inst *ChainInstance, cfg ChainConfig) (*action.Action, ChainStepConfig, error) {
	if inst.CurrentStepIndex >= len(cfg.Steps) {
		return nil, ChainStepConfig{}, fmt.Errorf("workflow: chain %s step index %d out of range", inst.ChainID, inst.CurrentStepIndex)
	}
	step := cfg.Steps[inst.CurrentStepIndex]

	tctx := buildTemplateContext(inst)
	payload, err := ResolveTemplate(step.PayloadTemplate, tctx)
	if err != nil {
		return nil, step, err
	}

	a := action.New(inst.Namespace, inst.Tenant, step.Provider, step.ActionType, payload)
	return a, step, nil
}

func buildTemplateContext(inst *ChainInstance) TemplateContext {
	var originPayload any
	_ = json.Unmarshal(inst.OriginSnapshot.Payload, &originPayload)

	var prevBody any
	stepBodies := make(map[string]any, len(inst.StepResults))
	for _, r := range inst.StepResults {
		var body any
		_ = json.Unmarshal(r.ResponseBody, &body)
		stepBodies[r.StepName] = body
		prevBody = body
	}

	return TemplateContext{
		OriginNamespace:  inst.OriginSnapshot.Namespace,
		OriginTenant:     inst.OriginSnapshot.Tenant,
		OriginActionType: inst.OriginSnapshot.ActionType,
		OriginProvider:   inst.OriginSnapshot.Provider,
		OriginID:         inst.OriginSnapshot.ID,
		OriginPayload:    originPayload,
		OriginMetadata:   inst.OriginSnapshot.Labels,
		PrevBody:         prevBody,
		StepBodies:       stepBodies,
		ChainID:          inst.ChainID,
		StepIndex:        inst.CurrentStepIndex,
	}
}

// StepAdvance reports what CompleteStep decided.
type StepAdvance struct {
	Done      bool // chain reached a terminal status
	NextStep  string
}

// CompleteStep records a successful step result, evaluates branches
// over the response body to choose the next step, and persists the
// instance under the chain's distributed lock. If no next step is
// found (no branch matched and no default_next), the chain completes.
func CompleteStep(ctx context.Context, s state.Store, l lock.Lock, cfg ChainConfig, namespace, tenant, chainID string, responseBody json.RawMessage, now time.Time) (StepAdvance, error) {
	key := chainKey(namespace, tenant, chainID)
	var advance StepAdvance

	err := lock.WithLock(ctx, l, "chain:"+key, chainLockLease, chainLockLease, 25*time.Millisecond, func(ctx context.Context) error {
		inst, err := loadChain(ctx, s, key)
		if err != nil {
			return err
		}
		if !isAdvanceable(inst.Status) {
			return ErrChainTerminal
		}

		step := cfg.Steps[inst.CurrentStepIndex]
		inst.StepResults = append(inst.StepResults, StepResult{
			StepName: step.Name, Success: true, ResponseBody: responseBody, CompletedAt: now,
		})
		inst.ExecutionPath = append(inst.ExecutionPath, step.Name)
		inst.ChildChainIDs = nil
		inst.UpdatedAt = now

		next := evaluateBranches(step, responseBody)

		if next == "" {
			inst.Status = ChainCompleted
			advance = StepAdvance{Done: true}
			if err := saveChain(ctx, s, key, inst); err != nil {
				return err
			}
			return s.RemoveChainReadyIndex(ctx, key)
		}

		_, idx, ok := cfg.stepByName(next)
		if !ok {
			return fmt.Errorf("workflow: chain %s references unknown step %q", chainID, next)
		}
		if idx <= inst.CurrentStepIndex {
			return fmt.Errorf("workflow: chain %s step index must be non-decreasing, got %d from %d", chainID, idx, inst.CurrentStepIndex)
		}
		inst.CurrentStepIndex = idx
		inst.Status = ChainRunning
		advance = StepAdvance{NextStep: next}

		if err := saveChain(ctx, s, key, inst); err != nil {
			return err
		}
		return s.IndexChainReady(ctx, key, now.UnixMilli())
	})
	return advance, err
}

// FailStep marks the chain Failed. No further steps advance.
func FailStep(ctx context.Context, s state.Store, l lock.Lock, cfg ChainConfig, namespace, tenant, chainID, reason string, now time.Time) error {
	key := chainKey(namespace, tenant, chainID)
	return lock.WithLock(ctx, l, "chain:"+key, chainLockLease, chainLockLease, 25*time.Millisecond, func(ctx context.Context) error {
		inst, err := loadChain(ctx, s, key)
		if err != nil {
			return err
		}
		if !isAdvanceable(inst.Status) {
			return ErrChainTerminal
		}
		if inst.CurrentStepIndex < len(cfg.Steps) {
			stepName := cfg.Steps[inst.CurrentStepIndex].Name
			inst.StepResults = append(inst.StepResults, StepResult{StepName: stepName, Success: false, Error: reason, CompletedAt: now})
		}
		inst.Status = ChainFailed
		inst.ChildChainIDs = nil
		inst.UpdatedAt = now
		if err := saveChain(ctx, s, key, inst); err != nil {
			return err
		}
		return s.RemoveChainReadyIndex(ctx, key)
	})
}

// isAdvanceable reports whether a chain instance in status s can be
// advanced by CompleteStep/FailStep: either actively Running a step, or
// waiting on a sub-chain/parallel join that has just settled.
func isAdvanceable(s ChainStatus) bool {
	return s == ChainRunning || s == ChainWaitingSubChain || s == ChainWaitingParallel
}

// ChainIsActive reports whether status is still in flight (Running or
// parked on a sub-chain/parallel join), as opposed to a terminal status.
// The timer loop uses this to decide whether an instance still needs
// driving.
func ChainIsActive(s ChainStatus) bool {
	return isAdvanceable(s)
}

// ExpireIfTimedOut reports whether inst has exceeded its chain's
// timeout_s as of now. The timer loop uses this before FailStep, which
// also covers instances parked WaitingSubChain/WaitingParallel: a stuck
// child can't strand its parent past the parent's own timeout_s.
func ExpireIfTimedOut(inst *ChainInstance, now time.Time) bool {
	return isAdvanceable(inst.Status) && inst.ExpiresAt != nil && now.After(*inst.ExpiresAt)
}

// CancelChain transitions a running chain instance straight to
// Cancelled, for the operator-triggered POST /v1/chains/{id}/cancel
// route. Already-terminal instances report ErrChainTerminal so the
// caller can surface a 409 rather than silently no-op.
func CancelChain(ctx context.Context, s state.Store, l lock.Lock, namespace, tenant, chainID string, now time.Time) error {
	key := chainKey(namespace, tenant, chainID)
	return lock.WithLock(ctx, l, "chain:"+key, chainLockLease, chainLockLease, 25*time.Millisecond, func(ctx context.Context) error {
		inst, err := loadChain(ctx, s, key)
		if err != nil {
			return err
		}
		if !isAdvanceable(inst.Status) {
			return ErrChainTerminal
		}
		inst.Status = ChainCancelled
		inst.ChildChainIDs = nil
		inst.UpdatedAt = now
		if err := saveChain(ctx, s, key, inst); err != nil {
			return err
		}
		return s.RemoveChainReadyIndex(ctx, key)
	})
}

func evaluateBranches(step ChainStepConfig, responseBody json.RawMessage) string {
	var body any
	_ = json.Unmarshal(responseBody, &body)

	for _, b := range step.Branches {
		actual := dig(body, strings.Split(b.Field, "."))
		if branchMatches(b, actual) {
			return b.TargetStepName
		}
	}
	return step.DefaultNext
}

func branchMatches(b Branch, actual any) bool {
	switch b.Operator {
	case "exists":
		return actual != nil
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(b.Value)
	case "ne":
		return fmt.Sprint(actual) != fmt.Sprint(b.Value)
	case "contains":
		s, ok := actual.(string)
		return ok && strings.Contains(s, fmt.Sprint(b.Value))
	case "gt", "lt", "gte", "lte":
		af, aok := toFloat(actual)
		bf, bok := toFloat(b.Value)
		if !aok || !bok {
			return false
		}
		switch b.Operator {
		case "gt":
			return af > bf
		case "lt":
			return af < bf
		case "gte":
			return af >= bf
		default:
			return af <= bf
		}
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func chainKey(namespace, tenant, chainID string) string {
	return state.Key(namespace, tenant, state.KindChain, chainID)
}

func loadChain(ctx context.Context, s state.Store, key string) (*ChainInstance, error) {
	entry, ok, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("workflow: chain instance %q not found", key)
	}
	var inst ChainInstance
	if err := json.Unmarshal([]byte(entry.Value), &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func saveChain(ctx context.Context, s state.Store, key string, inst *ChainInstance) error {
	b, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, string(b), nil)
}

// Package scheduler decides what happens next in a run: which pending
// nodes become ready or skipped, whether a failed attempt retries, and
// when the run is finished. It is a pure function over the workflow, the
// node-state map, and step history; the coordinator owns all mutation.
package scheduler

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/workflow"
)

// Defaults fill in node policies that leave retry and backoff unset.
type Defaults struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Jitter      bool
}

// Scheduler plans next actions for runs. One instance is shared by all
// coordinators; it holds no per-run state.
type Scheduler struct {
	guards   *workflow.GuardEvaluator
	defaults Defaults
}

func New(defaults Defaults) *Scheduler {
	if defaults.BackoffBase <= 0 {
		defaults.BackoffBase = 100 * time.Millisecond
	}
	if defaults.BackoffCap <= 0 {
		defaults.BackoffCap = time.Minute
	}
	return &Scheduler{
		guards:   workflow.NewGuardEvaluator(),
		defaults: defaults,
	}
}

// Transition moves one node to a new state in the node-state map.
type Transition struct {
	NodeID string
	To     model.NodeState
	Reason string
}

// RunView is the scheduler's read-only view of a run: current node
// states plus the outputs observed so far.
type RunView struct {
	Workflow   *model.Workflow
	NodeStates map[string]model.NodeState
	// Outputs holds the output of every succeeded node, keyed by node id.
	Outputs map[string]json.RawMessage
}

// Advance recomputes the ready set: every pending node whose
// dependencies have all settled transitions to ready, skipped, or
// cancelled. Called after each completion until it returns no
// transitions.
func (s *Scheduler) Advance(view RunView) ([]Transition, error) {
	var transitions []Transition

	for _, node := range view.Workflow.Nodes {
		if view.NodeStates[node.ID] != model.NodePending {
			continue
		}

		deps := view.Workflow.Dependencies(node.ID)
		settled := true
		cancelled := false
		for _, dep := range deps {
			st := view.NodeStates[dep]
			if !st.Terminal() {
				settled = false
				break
			}
			if st == model.NodeCancelled {
				cancelled = true
			}
		}
		if !settled {
			continue
		}
		if cancelled {
			transitions = append(transitions, Transition{
				NodeID: node.ID, To: model.NodeCancelled, Reason: "upstream cancelled",
			})
			continue
		}

		admitted, err := s.admits(view, node.ID, deps)
		if err != nil {
			return nil, err
		}
		if admitted {
			transitions = append(transitions, Transition{NodeID: node.ID, To: model.NodeReady})
		} else {
			transitions = append(transitions, Transition{
				NodeID: node.ID, To: model.NodeSkipped, Reason: "dependencies not satisfied",
			})
		}
	}

	return transitions, nil
}

// admits reports whether the node's settled dependencies let it run.
// Every producer must admit it: succeeded with its guard (if any)
// evaluating true, skipped, or failed behind a guard that admits on the
// failed flag. A node whose producers all skipped is skipped too, so a
// dead branch stays dead. Entry nodes are always admitted.
func (s *Scheduler) admits(view RunView, nodeID string, deps []string) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}

	allSkipped := true
	for _, dep := range deps {
		if view.NodeStates[dep] != model.NodeSkipped {
			allSkipped = false
			break
		}
	}
	if allSkipped {
		return false, nil
	}

	guarded := make(map[string]string)
	for _, e := range view.Workflow.IncomingEdges(nodeID) {
		guarded[e.From] = e.Guard
	}

	for _, dep := range deps {
		depState := view.NodeStates[dep]
		if depState == model.NodeSkipped {
			continue
		}

		guard := guarded[dep]
		if guard == "" {
			// Implicit or unguarded edge: only a succeeded producer admits.
			if depState != model.NodeSucceeded {
				return false, nil
			}
			continue
		}

		active, err := s.guards.Eval(guard, s.guardEnv(view, dep))
		if err != nil {
			return false, fmt.Errorf("node %s: %w", nodeID, err)
		}
		if !active {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) guardEnv(view RunView, producer string) map[string]any {
	outputs := make(map[string]any, len(view.Outputs))
	for id, raw := range view.Outputs {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			outputs[id] = v
		}
	}
	return map[string]any{
		"output":  outputs[producer],
		"outputs": outputs,
		"failed":  view.NodeStates[producer] == model.NodeFailed,
	}
}

// EmitOrder returns the ready nodes in dispatch order: priority first
// (higher wins), then lexicographic node id. held filters out nodes the
// coordinator is holding back (retry backoff, rate-limit wait).
func EmitOrder(view RunView, held func(nodeID string) bool) []model.Node {
	var ready []model.Node
	for _, node := range view.Workflow.Nodes {
		if view.NodeStates[node.ID] != model.NodeReady {
			continue
		}
		if held != nil && held(node.ID) {
			continue
		}
		ready = append(ready, node)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// RetryDecision reports whether a failed attempt should be retried and
// after what delay. Attempt numbers start at 1; a node with max retries
// N allows attempts up to N+1. A node that leaves the budget unset gets
// the scheduler default; an explicit zero never retries.
func (s *Scheduler) RetryDecision(node *model.Node, attempt int, stepErr *model.StepError) (time.Duration, bool) {
	if stepErr != nil && !stepErr.Retryable {
		return 0, false
	}
	maxRetries := s.defaults.MaxRetries
	if node.Policy.MaxRetries != nil {
		maxRetries = *node.Policy.MaxRetries
	}
	if attempt > maxRetries {
		return 0, false
	}
	return s.backoffDelay(node, attempt), true
}

// backoffDelay computes base × 2^(attempt−1) capped by the node policy.
func (s *Scheduler) backoffDelay(node *model.Node, attempt int) time.Duration {
	base := node.Policy.BackoffBase
	if base <= 0 {
		base = s.defaults.BackoffBase
	}
	limit := node.Policy.BackoffCap
	if limit <= 0 {
		limit = s.defaults.BackoffCap
	}

	delay := base << uint(attempt-1)
	if delay > limit || delay <= 0 {
		delay = limit
	}
	if node.Policy.Jitter || s.defaults.Jitter {
		delay += time.Duration(rand.Int63n(int64(base)))
	}
	return delay
}

// Outcome summarizes where the run stands after the latest transition.
type Outcome int

const (
	// OutcomeInFlight means work can still progress on its own: nodes
	// are ready or dispatched, or pending behind them.
	OutcomeInFlight Outcome = iota
	// OutcomeWaiting means nothing can progress without an external
	// wake: no node is ready or dispatched and at least one async node
	// awaits its token. Pending nodes behind the waiting ones do not
	// count as in-flight.
	OutcomeWaiting
	// OutcomeSucceeded means every node settled and no critical node
	// failed.
	OutcomeSucceeded
	// OutcomeFailed means a critical node failed or was cancelled.
	OutcomeFailed
)

// RunOutcome inspects the node-state map. A failed non-critical node
// does not fail the run; its dependents are skipped and the run can
// still succeed.
func RunOutcome(view RunView) (Outcome, string) {
	waiting := false
	pending := false
	for _, node := range view.Workflow.Nodes {
		switch view.NodeStates[node.ID] {
		case model.NodeReady, model.NodeDispatched:
			return OutcomeInFlight, ""
		case model.NodeWaiting:
			waiting = true
		case model.NodePending:
			pending = true
		}
	}
	if waiting {
		return OutcomeWaiting, ""
	}
	if pending {
		return OutcomeInFlight, ""
	}

	for _, node := range view.Workflow.Nodes {
		st := view.NodeStates[node.ID]
		if st == model.NodeFailed && node.Critical {
			return OutcomeFailed, fmt.Sprintf("critical node %s failed", node.ID)
		}
		if st == model.NodeCancelled {
			return OutcomeFailed, fmt.Sprintf("node %s cancelled", node.ID)
		}
	}
	return OutcomeSucceeded, ""
}

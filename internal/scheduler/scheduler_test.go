package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/model"
)

func newView(wf *model.Workflow) RunView {
	states := make(map[string]model.NodeState, len(wf.Nodes))
	for _, n := range wf.Nodes {
		states[n.ID] = model.NodePending
	}
	return RunView{
		Workflow:   wf,
		NodeStates: states,
		Outputs:    make(map[string]json.RawMessage),
	}
}

func TestAdvance(t *testing.T) {
	t.Run("EntryNodesBecomeReady", func(t *testing.T) {
		view := newView(&model.Workflow{
			ID: "wf",
			Nodes: []model.Node{
				{ID: "a"},
				{ID: "b", Depends: []string{"a"}},
			},
		})

		transitions, err := New(Defaults{}).Advance(view)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		assert.Equal(t, "a", transitions[0].NodeID)
		assert.Equal(t, model.NodeReady, transitions[0].To)
	})

	t.Run("DependentWaitsForAllProducers", func(t *testing.T) {
		view := newView(&model.Workflow{
			ID: "wf",
			Nodes: []model.Node{
				{ID: "a"},
				{ID: "b"},
				{ID: "join", Depends: []string{"a", "b"}},
			},
		})
		view.NodeStates["a"] = model.NodeSucceeded
		view.NodeStates["b"] = model.NodeDispatched

		transitions, err := New(Defaults{}).Advance(view)
		require.NoError(t, err)
		assert.Empty(t, transitions)

		view.NodeStates["b"] = model.NodeSucceeded
		transitions, err = New(Defaults{}).Advance(view)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		assert.Equal(t, "join", transitions[0].NodeID)
		assert.Equal(t, model.NodeReady, transitions[0].To)
	})

	t.Run("GuardRoutesOneBranch", func(t *testing.T) {
		view := newView(&model.Workflow{
			ID: "wf",
			Nodes: []model.Node{
				{ID: "start"},
				{ID: "left"},
				{ID: "right"},
			},
			Edges: []model.Edge{
				{From: "start", To: "left", Guard: `output.route == "left"`},
				{From: "start", To: "right", Guard: `output.route == "right"`},
			},
		})
		view.NodeStates["start"] = model.NodeSucceeded
		view.Outputs["start"] = json.RawMessage(`{"route":"left"}`)

		transitions, err := New(Defaults{}).Advance(view)
		require.NoError(t, err)

		byNode := map[string]model.NodeState{}
		for _, tr := range transitions {
			byNode[tr.NodeID] = tr.To
		}
		assert.Equal(t, model.NodeReady, byNode["left"])
		assert.Equal(t, model.NodeSkipped, byNode["right"])
	})

	t.Run("PartiallyFailedDependenciesSkipConsumer", func(t *testing.T) {
		view := newView(&model.Workflow{
			ID: "wf",
			Nodes: []model.Node{
				{ID: "a"},
				{ID: "b"},
				{ID: "c", Depends: []string{"a", "b"}},
			},
		})
		view.NodeStates["a"] = model.NodeSucceeded
		view.NodeStates["b"] = model.NodeFailed

		transitions, err := New(Defaults{}).Advance(view)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		assert.Equal(t, "c", transitions[0].NodeID)
		assert.Equal(t, model.NodeSkipped, transitions[0].To)
	})

	t.Run("SkippedBranchStillAdmitsJoin", func(t *testing.T) {
		view := newView(&model.Workflow{
			ID: "wf",
			Nodes: []model.Node{
				{ID: "left"},
				{ID: "right"},
				{ID: "join", Depends: []string{"left", "right"}},
			},
		})
		view.NodeStates["left"] = model.NodeSucceeded
		view.NodeStates["right"] = model.NodeSkipped

		transitions, err := New(Defaults{}).Advance(view)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		assert.Equal(t, "join", transitions[0].NodeID)
		assert.Equal(t, model.NodeReady, transitions[0].To)
	})

	t.Run("FailedProducerSkipsUnguardedConsumer", func(t *testing.T) {
		view := newView(&model.Workflow{
			ID: "wf",
			Nodes: []model.Node{
				{ID: "a"},
				{ID: "b", Depends: []string{"a"}},
			},
		})
		view.NodeStates["a"] = model.NodeFailed

		transitions, err := New(Defaults{}).Advance(view)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		assert.Equal(t, model.NodeSkipped, transitions[0].To)
	})

	t.Run("GuardOnFailedFlagAdmitsCompensation", func(t *testing.T) {
		view := newView(&model.Workflow{
			ID: "wf",
			Nodes: []model.Node{
				{ID: "a"},
				{ID: "cleanup"},
			},
			Edges: []model.Edge{
				{From: "a", To: "cleanup", Guard: "failed"},
			},
		})
		view.NodeStates["a"] = model.NodeFailed

		transitions, err := New(Defaults{}).Advance(view)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		assert.Equal(t, "cleanup", transitions[0].NodeID)
		assert.Equal(t, model.NodeReady, transitions[0].To)
	})

	t.Run("CancelledProducerCancelsDependents", func(t *testing.T) {
		view := newView(&model.Workflow{
			ID: "wf",
			Nodes: []model.Node{
				{ID: "a"},
				{ID: "b", Depends: []string{"a"}},
			},
		})
		view.NodeStates["a"] = model.NodeCancelled

		transitions, err := New(Defaults{}).Advance(view)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		assert.Equal(t, model.NodeCancelled, transitions[0].To)
	})

	t.Run("SkippedProducerSkipsDownstream", func(t *testing.T) {
		view := newView(&model.Workflow{
			ID: "wf",
			Nodes: []model.Node{
				{ID: "a"},
				{ID: "b", Depends: []string{"a"}},
				{ID: "c", Depends: []string{"b"}},
			},
		})
		view.NodeStates["a"] = model.NodeSucceeded
		view.NodeStates["b"] = model.NodeSkipped

		transitions, err := New(Defaults{}).Advance(view)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		assert.Equal(t, "c", transitions[0].NodeID)
		assert.Equal(t, model.NodeSkipped, transitions[0].To)
	})
}

func TestEmitOrder(t *testing.T) {
	view := newView(&model.Workflow{
		ID: "wf",
		Nodes: []model.Node{
			{ID: "zeta", Priority: 1},
			{ID: "alpha", Priority: 1},
			{ID: "low", Priority: 0},
			{ID: "held", Priority: 9},
		},
	})
	for id := range view.NodeStates {
		view.NodeStates[id] = model.NodeReady
	}

	held := func(id string) bool { return id == "held" }
	order := EmitOrder(view, held)

	ids := make([]string, len(order))
	for i, n := range order {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{"alpha", "zeta", "low"}, ids)
}

func TestRetryDecision(t *testing.T) {
	s := New(Defaults{MaxRetries: 3, BackoffBase: 100 * time.Millisecond, BackoffCap: time.Second})
	node := &model.Node{ID: "n", Policy: model.NodePolicy{MaxRetries: model.Retries(3)}}

	t.Run("RetryableWithinBudget", func(t *testing.T) {
		delay, retry := s.RetryDecision(node, 1, &model.StepError{Retryable: true})
		assert.True(t, retry)
		assert.Equal(t, 100*time.Millisecond, delay)

		delay, retry = s.RetryDecision(node, 3, &model.StepError{Retryable: true})
		assert.True(t, retry)
		assert.Equal(t, 400*time.Millisecond, delay)
	})

	t.Run("ExhaustedBudget", func(t *testing.T) {
		_, retry := s.RetryDecision(node, 4, &model.StepError{Retryable: true})
		assert.False(t, retry)
	})

	t.Run("PermanentError", func(t *testing.T) {
		_, retry := s.RetryDecision(node, 1, &model.StepError{Retryable: false})
		assert.False(t, retry)
	})

	t.Run("ExplicitZeroNeverRetries", func(t *testing.T) {
		frozen := &model.Node{ID: "n", Policy: model.NodePolicy{MaxRetries: model.Retries(0)}}
		_, retry := s.RetryDecision(frozen, 1, &model.StepError{Retryable: true})
		assert.False(t, retry, "a zero retry budget must fail the node on the first attempt")
	})

	t.Run("UnsetBudgetUsesDefault", func(t *testing.T) {
		plain := &model.Node{ID: "n"}
		_, retry := s.RetryDecision(plain, 3, &model.StepError{Retryable: true})
		assert.True(t, retry)
		_, retry = s.RetryDecision(plain, 4, &model.StepError{Retryable: true})
		assert.False(t, retry)
	})

	t.Run("DelayCapped", func(t *testing.T) {
		big := &model.Node{ID: "n", Policy: model.NodePolicy{MaxRetries: model.Retries(20)}}
		delay, retry := s.RetryDecision(big, 10, &model.StepError{Retryable: true})
		assert.True(t, retry)
		assert.Equal(t, time.Second, delay)
	})

	t.Run("JitterBounded", func(t *testing.T) {
		jittery := &model.Node{ID: "n", Policy: model.NodePolicy{MaxRetries: model.Retries(5), Jitter: true}}
		for range 20 {
			delay, retry := s.RetryDecision(jittery, 2, &model.StepError{Retryable: true})
			require.True(t, retry)
			assert.GreaterOrEqual(t, delay, 200*time.Millisecond)
			assert.Less(t, delay, 300*time.Millisecond)
		}
	})
}

func TestRunOutcome(t *testing.T) {
	wf := &model.Workflow{
		ID: "wf",
		Nodes: []model.Node{
			{ID: "a", Critical: true},
			{ID: "b"},
		},
	}

	t.Run("InFlight", func(t *testing.T) {
		view := newView(wf)
		view.NodeStates["a"] = model.NodeDispatched
		view.NodeStates["b"] = model.NodeSucceeded
		outcome, _ := RunOutcome(view)
		assert.Equal(t, OutcomeInFlight, outcome)
	})

	t.Run("Waiting", func(t *testing.T) {
		view := newView(wf)
		view.NodeStates["a"] = model.NodeWaiting
		view.NodeStates["b"] = model.NodeSucceeded
		outcome, _ := RunOutcome(view)
		assert.Equal(t, OutcomeWaiting, outcome)
	})

	t.Run("WaitingWithPendingDependents", func(t *testing.T) {
		// A pending node blocked behind a waiting one cannot progress on
		// its own, so the run is waiting, not in flight.
		gated := &model.Workflow{
			ID: "gated",
			Nodes: []model.Node{
				{ID: "gate"},
				{ID: "after", Depends: []string{"gate"}},
			},
		}
		view := newView(gated)
		view.NodeStates["gate"] = model.NodeWaiting
		outcome, _ := RunOutcome(view)
		assert.Equal(t, OutcomeWaiting, outcome)
	})

	t.Run("Succeeded", func(t *testing.T) {
		view := newView(wf)
		view.NodeStates["a"] = model.NodeSucceeded
		view.NodeStates["b"] = model.NodeSkipped
		outcome, _ := RunOutcome(view)
		assert.Equal(t, OutcomeSucceeded, outcome)
	})

	t.Run("NonCriticalFailureStillSucceeds", func(t *testing.T) {
		view := newView(wf)
		view.NodeStates["a"] = model.NodeSucceeded
		view.NodeStates["b"] = model.NodeFailed
		outcome, _ := RunOutcome(view)
		assert.Equal(t, OutcomeSucceeded, outcome)
	})

	t.Run("CriticalFailureFails", func(t *testing.T) {
		view := newView(wf)
		view.NodeStates["a"] = model.NodeFailed
		view.NodeStates["b"] = model.NodeSucceeded
		outcome, reason := RunOutcome(view)
		assert.Equal(t, OutcomeFailed, outcome)
		assert.Contains(t, reason, "a")
	})

	t.Run("CancelledNodeFails", func(t *testing.T) {
		view := newView(wf)
		view.NodeStates["a"] = model.NodeSucceeded
		view.NodeStates["b"] = model.NodeCancelled
		outcome, _ := RunOutcome(view)
		assert.Equal(t, OutcomeFailed, outcome)
	})
}

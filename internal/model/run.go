package model

import (
	"encoding/json"
	"time"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunWaiting   RunState = "waiting"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
	RunTimedOut  RunState = "timed_out"
)

// Terminal reports whether the run can never transition again.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunTimedOut:
		return true
	}
	return false
}

// runTransitions enumerates the permitted edges of the run state machine.
var runTransitions = map[RunState][]RunState{
	RunPending: {RunRunning, RunCancelled, RunFailed},
	RunRunning: {RunSucceeded, RunFailed, RunCancelled, RunTimedOut, RunWaiting},
	RunWaiting: {RunRunning, RunCancelled, RunTimedOut, RunFailed},
}

// CanTransition reports whether from → to is a permitted run transition.
func CanTransition(from, to RunState) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NodeState is the per-node state within a run's node-state map.
type NodeState string

const (
	NodePending    NodeState = "pending"
	NodeReady      NodeState = "ready"
	NodeDispatched NodeState = "dispatched"
	NodeWaiting    NodeState = "waiting"
	NodeSucceeded  NodeState = "succeeded"
	NodeFailed     NodeState = "failed"
	NodeSkipped    NodeState = "skipped"
	NodeCancelled  NodeState = "cancelled"
)

// Terminal reports whether the node state is final for this run.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// Run is one execution of a workflow against a trigger payload.
type Run struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflowId"`
	WorkflowVersion int             `json:"workflowVersion"`
	TenantID        string          `json:"tenantId"`
	Workflow        *Workflow       `json:"workflow"`
	Trigger         json.RawMessage `json:"trigger,omitempty"`
	Priority        int             `json:"priority,omitempty"`
	State           RunState        `json:"state"`
	FailureReason   string          `json:"failureReason,omitempty"`
	RetryCount      int             `json:"retryCount,omitempty"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`

	// NodeStates maps every node id to its current state.
	NodeStates map[string]NodeState `json:"nodeStates"`

	// EventSeq is the last event sequence number published for this run.
	EventSeq uint64 `json:"eventSeq"`

	LeaseOwner  string    `json:"leaseOwner,omitempty"`
	LeaseExpiry time.Time `json:"leaseExpiry,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// NewRun builds a pending run for the given workflow snapshot with every
// node in the pending state.
func NewRun(id, tenantID string, wf *Workflow, trigger json.RawMessage, priority int) *Run {
	states := make(map[string]NodeState, len(wf.Nodes))
	for _, n := range wf.Nodes {
		states[n.ID] = NodePending
	}
	return &Run{
		ID:              id,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TenantID:        tenantID,
		Workflow:        wf,
		Trigger:         trigger,
		Priority:        priority,
		State:           RunPending,
		NodeStates:      states,
		CreatedAt:       time.Now().UTC(),
	}
}

// Clone returns a deep copy of the run safe to hand to other goroutines.
func (r *Run) Clone() *Run {
	clone := *r
	clone.NodeStates = make(map[string]NodeState, len(r.NodeStates))
	for k, v := range r.NodeStates {
		clone.NodeStates[k] = v
	}
	return &clone
}

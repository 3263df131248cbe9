package model

import (
	"time"
)

// EventType identifies a run or step lifecycle transition.
type EventType string

const (
	EventRunStarted         EventType = "run.started"
	EventRunProgress        EventType = "run.progress"
	EventRunSucceeded       EventType = "run.succeeded"
	EventRunFailed          EventType = "run.failed"
	EventRunCancelled       EventType = "run.cancelled"
	EventRunTimedOut        EventType = "run.timed_out"
	EventStepStarted        EventType = "step.started"
	EventStepSucceeded      EventType = "step.succeeded"
	EventStepFailed         EventType = "step.failed"
	EventStepRetryScheduled EventType = "step.retry_scheduled"
)

// Event is one observable transition, published best-effort on the event
// topic. Seq is monotonic per run so consumers can detect gaps; the store
// remains the source of truth.
type Event struct {
	Type       EventType `json:"type"`
	RunID      string    `json:"runId"`
	WorkflowID string    `json:"workflowId"`
	TenantID   string    `json:"tenantId"`
	NodeID     string    `json:"nodeId,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Seq        uint64    `json:"seq"`
	RunState   RunState  `json:"runState,omitempty"`
	NodeState  NodeState `json:"nodeState,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}

package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepState is the lifecycle state of a single attempt.
type StepState string

const (
	StepQueued    StepState = "queued"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepCancelled StepState = "cancelled"
	StepTimedOut  StepState = "timed_out"
)

// Terminal reports whether the step can no longer change.
func (s StepState) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepCancelled, StepTimedOut:
		return true
	}
	return false
}

// ErrorKind classifies step failures per the error taxonomy.
type ErrorKind string

const (
	ErrKindTransient ErrorKind = "transient"
	ErrKindRetryable ErrorKind = "retryable"
	ErrKindPermanent ErrorKind = "permanent"
	ErrKindCancelled ErrorKind = "cancelled"
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindContract  ErrorKind = "contract"
)

// StepError is the failure recorded on a step row.
type StepError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Step is one attempt to execute one node within one run. Attempt numbers
// are dense and start at 1.
type Step struct {
	ID             string          `json:"id"`
	RunID          string          `json:"runId"`
	NodeID         string          `json:"nodeId"`
	Attempt        int             `json:"attempt"`
	State          StepState       `json:"state"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          *StepError      `json:"error,omitempty"`

	QueuedAt   time.Time `json:"queuedAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Cost metrics reported by the runner.
	Duration time.Duration `json:"duration,omitempty"`
	BytesIn  int64         `json:"bytesIn,omitempty"`
	BytesOut int64         `json:"bytesOut,omitempty"`
}

// StepKey derives the stable idempotency token for (run, node, attempt).
// The store records completion against this key; re-delivery of a
// completed key is a no-op.
func StepKey(runID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", runID, nodeID, attempt)
}

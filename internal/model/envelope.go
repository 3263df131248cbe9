package model

import (
	"encoding/json"
	"time"
)

// StepExec is the envelope sent to a runner on the work queue. Everything
// a runner needs to execute one attempt is carried explicitly; there is no
// ambient request state.
type StepExec struct {
	RunID          string          `json:"runId"`
	NodeID         string          `json:"nodeId"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotencyKey"`
	TenantID       string          `json:"tenantId"`
	NodeType       string          `json:"nodeType"`
	Params         map[string]any  `json:"params,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Policy         NodePolicy      `json:"policy"`
	TraceID        string          `json:"traceId,omitempty"`
}

// Outcome is the terminal disposition of a step attempt as reported by
// the runner (or synthesized by the dispatcher on timeout/cancel).
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
)

// StepResult is the envelope received from a runner on the result queue.
type StepResult struct {
	RunID          string          `json:"runId"`
	NodeID         string          `json:"nodeId"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Outcome        Outcome         `json:"outcome"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          *StepError      `json:"error,omitempty"`
	Duration       time.Duration   `json:"duration,omitempty"`
	BytesIn        int64           `json:"bytesIn,omitempty"`
	BytesOut       int64           `json:"bytesOut,omitempty"`
	// Attachments reference out-of-band blobs by object-store key.
	Attachments []string `json:"attachments,omitempty"`
	// WaitToken is set when an async node suspends instead of finishing.
	// An external wake carrying the same token resolves the node later.
	WaitToken string `json:"waitToken,omitempty"`
}

// StepState maps the outcome onto the step lifecycle.
func (o Outcome) StepState() StepState {
	switch o {
	case OutcomeSucceeded:
		return StepSucceeded
	case OutcomeCancelled:
		return StepCancelled
	case OutcomeTimedOut:
		return StepTimedOut
	default:
		return StepFailed
	}
}

// CancelNotice tells a runner to abort an in-flight attempt best-effort.
type CancelNotice struct {
	RunID   string `json:"runId"`
	NodeID  string `json:"nodeId,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// Wake resolves a waiting async node. It arrives from webhook ingress or
// a scheduled poll, keyed by the wait token the node returned.
type Wake struct {
	RunID     string          `json:"runId"`
	NodeID    string          `json:"nodeId"`
	WaitToken string          `json:"waitToken"`
	Outcome   Outcome         `json:"outcome"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *StepError      `json:"error,omitempty"`
}

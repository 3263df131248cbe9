package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowplane/flowplane/internal/model"
)

// NoopExecutor passes its input through unchanged. Useful as a join
// point and in tests.
type NoopExecutor struct{}

func (e *NoopExecutor) Execute(_ context.Context, exec model.StepExec) (*Result, error) {
	out := exec.Input
	if len(out) == 0 {
		out = json.RawMessage("{}")
	}
	return &Result{Output: out, BytesIn: int64(len(exec.Input)), BytesOut: int64(len(out))}, nil
}

// SleepExecutor waits for the duration in the node's duration param
// (e.g. "250ms"). It aborts early on cancellation.
type SleepExecutor struct{}

func (e *SleepExecutor) Execute(ctx context.Context, exec model.StepExec) (*Result, error) {
	raw, _ := exec.Params["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, &model.StepError{
			Kind:    model.ErrKindContract,
			Message: fmt.Sprintf("sleep node requires a duration param: %v", err),
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Result{Output: json.RawMessage(fmt.Sprintf(`{"slept":%q}`, d))}, nil
}

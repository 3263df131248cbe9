package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/flowplane/flowplane/internal/model"
)

// TransformExecutor reshapes the bound input with a jq expression from
// the node's query param. The first value the query emits becomes the
// node output.
type TransformExecutor struct{}

func (e *TransformExecutor) Execute(ctx context.Context, exec model.StepExec) (*Result, error) {
	queryStr, _ := exec.Params["query"].(string)
	if queryStr == "" {
		return nil, &model.StepError{
			Kind:    model.ErrKindContract,
			Message: "transform node requires a query param",
		}
	}

	query, err := gojq.Parse(queryStr)
	if err != nil {
		return nil, &model.StepError{
			Kind:    model.ErrKindContract,
			Message: fmt.Sprintf("invalid query: %v", err),
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &model.StepError{
			Kind:    model.ErrKindContract,
			Message: fmt.Sprintf("compile query: %v", err),
		}
	}

	var input any
	if len(exec.Input) > 0 {
		if err := json.Unmarshal(exec.Input, &input); err != nil {
			return nil, &model.StepError{
				Kind:    model.ErrKindContract,
				Message: fmt.Sprintf("input is not valid JSON: %v", err),
			}
		}
	}

	iter := code.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return &Result{Output: json.RawMessage("null"), BytesIn: int64(len(exec.Input))}, nil
	}
	if qerr, isErr := v.(error); isErr {
		return nil, &model.StepError{
			Kind:    model.ErrKindPermanent,
			Message: fmt.Sprintf("query failed: %v", qerr),
		}
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, &model.StepError{
			Kind:    model.ErrKindPermanent,
			Message: fmt.Sprintf("query result not serializable: %v", err),
		}
	}
	return &Result{
		Output:   out,
		BytesIn:  int64(len(exec.Input)),
		BytesOut: int64(len(out)),
	}, nil
}

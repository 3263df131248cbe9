package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/flowplane/flowplane/internal/model"
)

// Result is what an executor produces for one attempt. A non-empty
// WaitToken suspends the node instead of finishing it; the final outcome
// arrives later through a wake carrying the same token.
type Result struct {
	Output    json.RawMessage
	WaitToken string
	BytesIn   int64
	BytesOut  int64
}

// Executor runs one step attempt for a node type. Implementations must
// honor ctx cancellation and return a *model.StepError for failures they
// can classify; any other error is treated as transient.
type Executor interface {
	Execute(ctx context.Context, exec model.StepExec) (*Result, error)
}

// Registry maps node types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a node type. Later registrations replace
// earlier ones.
func (r *Registry) Register(nodeType string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[nodeType] = ex
}

// Lookup returns the executor for the node type.
func (r *Registry) Lookup(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[nodeType]
	if !ok {
		return nil, &model.StepError{
			Kind:    model.ErrKindContract,
			Message: fmt.Sprintf("no executor registered for node type %q", nodeType),
		}
	}
	return ex, nil
}

// Types lists the registered node types; these are the work queue
// classes the runner consumes.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

// DefaultRegistry returns a registry with the built-in executors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("http", NewHTTPExecutor())
	r.Register("transform", &TransformExecutor{})
	r.Register("noop", &NoopExecutor{})
	r.Register("sleep", &SleepExecutor{})
	return r
}

// classify wraps an executor error as a StepError. Unclassified errors
// are transient so the controller may retry them.
func classify(err error) *model.StepError {
	var stepErr *model.StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}
	return &model.StepError{
		Kind:      model.ErrKindTransient,
		Message:   err.Error(),
		Retryable: true,
	}
}

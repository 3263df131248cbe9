package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/bus"
	"github.com/flowplane/flowplane/internal/bus/membus"
	"github.com/flowplane/flowplane/internal/model"
)

type scriptExecutor struct {
	fn func(ctx context.Context, exec model.StepExec) (*Result, error)
}

func (s scriptExecutor) Execute(ctx context.Context, exec model.StepExec) (*Result, error) {
	return s.fn(ctx, exec)
}

func startRunner(t *testing.T, b *membus.Bus, registry *Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := New(b, registry, Config{ID: "runner-under-test"})
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
}

func publishExec(t *testing.T, b *membus.Bus, exec model.StepExec) {
	t.Helper()
	body, err := json.Marshal(exec)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.ExecQueue(exec.NodeType), body))
}

func nextResult(t *testing.T, b *membus.Bus, deliveries <-chan bus.Delivery) model.StepResult {
	t.Helper()
	select {
	case d := <-deliveries:
		var res model.StepResult
		require.NoError(t, json.Unmarshal(d.Body, &res))
		require.NoError(t, b.Ack(context.Background(), bus.ResultQueue, d.Tag))
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("no result published")
		return model.StepResult{}
	}
}

func stepExec(nodeID, nodeType string, attempt int) model.StepExec {
	return model.StepExec{
		RunID:          "run-9",
		NodeID:         nodeID,
		Attempt:        attempt,
		IdempotencyKey: model.StepKey("run-9", nodeID, attempt),
		TenantID:       "t1",
		NodeType:       nodeType,
		Policy:         model.NodePolicy{Timeout: time.Second},
	}
}

func TestRunnerExecutesAndReportsSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := membus.New()
	registry := NewRegistry()
	registry.Register("ok", scriptExecutor{fn: func(_ context.Context, exec model.StepExec) (*Result, error) {
		return &Result{Output: json.RawMessage(`{"done":true}`), BytesOut: 13}, nil
	}})
	startRunner(t, b, registry)

	results, err := b.Consume(ctx, bus.ResultQueue, 4)
	require.NoError(t, err)

	exec := stepExec("fetch", "ok", 1)
	publishExec(t, b, exec)

	res := nextResult(t, b, results)
	assert.Equal(t, model.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, exec.IdempotencyKey, res.IdempotencyKey)
	assert.Equal(t, exec.Attempt, res.Attempt)
	assert.JSONEq(t, `{"done":true}`, string(res.Output))
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRunnerReportsFailureWithClassifiedError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := membus.New()
	registry := NewRegistry()
	registry.Register("broken", scriptExecutor{fn: func(context.Context, model.StepExec) (*Result, error) {
		return nil, &model.StepError{Kind: model.ErrKindPermanent, Message: "no such record"}
	}})
	startRunner(t, b, registry)

	results, err := b.Consume(ctx, bus.ResultQueue, 4)
	require.NoError(t, err)

	publishExec(t, b, stepExec("lookup", "broken", 1))

	res := nextResult(t, b, results)
	assert.Equal(t, model.OutcomeFailed, res.Outcome)
	require.NotNil(t, res.Error)
	assert.Equal(t, model.ErrKindPermanent, res.Error.Kind)
	assert.False(t, res.Error.Retryable)
}

func TestRunnerTimesOutSlowStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := membus.New()
	registry := NewRegistry()
	registry.Register("slow", scriptExecutor{fn: func(ctx context.Context, _ model.StepExec) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	startRunner(t, b, registry)

	results, err := b.Consume(ctx, bus.ResultQueue, 4)
	require.NoError(t, err)

	exec := stepExec("crawl", "slow", 1)
	exec.Policy.Timeout = 30 * time.Millisecond
	publishExec(t, b, exec)

	res := nextResult(t, b, results)
	assert.Equal(t, model.OutcomeTimedOut, res.Outcome)
	require.NotNil(t, res.Error)
	assert.Equal(t, model.ErrKindTimeout, res.Error.Kind)
	assert.True(t, res.Error.Retryable)
}

func TestRunnerUnknownTypeFailsWithContractError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := membus.New()
	registry := NewRegistry()
	registry.Register("known", scriptExecutor{fn: func(context.Context, model.StepExec) (*Result, error) {
		return &Result{}, nil
	}})
	startRunner(t, b, registry)

	results, err := b.Consume(ctx, bus.ResultQueue, 4)
	require.NoError(t, err)

	// Delivered on a queue the runner consumes but naming a type the
	// registry cannot serve.
	exec := stepExec("odd", "known", 1)
	exec.NodeType = "mystery"
	body, err := json.Marshal(exec)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, bus.ExecQueue("known"), body))

	res := nextResult(t, b, results)
	assert.Equal(t, model.OutcomeFailed, res.Outcome)
	require.NotNil(t, res.Error)
	assert.Equal(t, model.ErrKindContract, res.Error.Kind)
}

func TestRunnerAbortsOnCancelNotice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := membus.New()
	running := make(chan struct{}, 1)
	registry := NewRegistry()
	registry.Register("hang", scriptExecutor{fn: func(ctx context.Context, _ model.StepExec) (*Result, error) {
		running <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	startRunner(t, b, registry)

	results, err := b.Consume(ctx, bus.ResultQueue, 4)
	require.NoError(t, err)

	exec := stepExec("wait", "hang", 2)
	publishExec(t, b, exec)

	select {
	case <-running:
	case <-time.After(3 * time.Second):
		t.Fatal("step never started")
	}

	notice, err := json.Marshal(model.CancelNotice{
		RunID: exec.RunID, NodeID: exec.NodeID, Attempt: exec.Attempt,
	})
	require.NoError(t, err)
	require.NoError(t, b.PublishEvent(ctx, bus.CancelTopic, notice))

	res := nextResult(t, b, results)
	assert.Equal(t, model.OutcomeCancelled, res.Outcome)
	require.NotNil(t, res.Error)
	assert.Equal(t, model.ErrKindCancelled, res.Error.Kind)
}

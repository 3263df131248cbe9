// Package runner is the reference step runner: it consumes per-class
// work queues, executes node types through a pluggable registry, and
// reports results on the result queue. Production deployments substitute
// hardened sandboxes behind the same envelopes; the wire contract is
// identical.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowplane/flowplane/internal/backoff"
	"github.com/flowplane/flowplane/internal/bus"
	"github.com/flowplane/flowplane/internal/logger"
	"github.com/flowplane/flowplane/internal/model"
)

// Config tunes one runner process.
type Config struct {
	// ID identifies the runner in logs. Generated when empty.
	ID string
	// Prefetch bounds unacked deliveries per class queue.
	Prefetch int
	// MaxConcurrent caps simultaneously executing attempts.
	MaxConcurrent int
}

// Runner consumes step executions and produces step results.
type Runner struct {
	bus      bus.Bus
	registry *Registry
	cfg      Config

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // idempotency key -> abort

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(b bus.Bus, registry *Registry, cfg Config) *Runner {
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("runner-%s", uuid.New().String()[:8])
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	return &Runner{
		bus:      b,
		registry: registry,
		cfg:      cfg,
		inflight: make(map[string]context.CancelFunc),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start subscribes to every registered class queue and the cancel topic.
// It returns once subscriptions are live; Stop waits for in-flight
// attempts to finish.
func (r *Runner) Start(ctx context.Context) error {
	cancels, release, err := r.bus.SubscribeEvents(ctx, bus.CancelTopic)
	if err != nil {
		return fmt.Errorf("subscribe cancel topic: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()
		r.cancelLoop(ctx, cancels)
	}()

	for _, class := range r.registry.Types() {
		queue := bus.ExecQueue(class)
		deliveries, err := r.bus.Consume(ctx, queue, r.cfg.Prefetch)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		r.wg.Add(1)
		go func(queue string, deliveries <-chan bus.Delivery) {
			defer r.wg.Done()
			r.consumeLoop(ctx, queue, deliveries)
		}(queue, deliveries)
	}

	logger.Info(ctx, "Runner started",
		"runner_id", r.cfg.ID,
		"classes", r.registry.Types(),
		"max_concurrent", r.cfg.MaxConcurrent)
	return nil
}

// Stop waits for consumers and in-flight attempts to drain.
func (r *Runner) Stop() {
	r.wg.Wait()
}

func (r *Runner) consumeLoop(ctx context.Context, queue string, deliveries <-chan bus.Delivery) {
	for delivery := range deliveries {
		var exec model.StepExec
		if err := json.Unmarshal(delivery.Body, &exec); err != nil {
			logger.Error(ctx, "Malformed step execution", "queue", queue, "err", err)
			_ = r.bus.Ack(ctx, queue, delivery.Tag)
			continue
		}

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		r.wg.Add(1)
		go func(delivery bus.Delivery, exec model.StepExec) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.execute(ctx, queue, delivery, exec)
		}(delivery, exec)
	}
}

// execute runs one attempt end to end: executor call, outcome
// classification, result publish, then ack. Publish-before-ack keeps
// delivery at least once.
func (r *Runner) execute(ctx context.Context, queue string, delivery bus.Delivery, exec model.StepExec) {
	ctx = logger.WithValues(ctx,
		"run_id", exec.RunID, "node_id", exec.NodeID, "attempt", exec.Attempt)

	timeout := exec.Policy.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.mu.Lock()
	r.inflight[exec.IdempotencyKey] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, exec.IdempotencyKey)
		r.mu.Unlock()
	}()

	started := time.Now()
	res := r.run(stepCtx, exec)
	res.Duration = time.Since(started)

	if err := r.publishResult(ctx, res); err != nil {
		// Leave the delivery unacked; redelivery retries the attempt and
		// the store's idempotency key collapses the duplicate.
		logger.Error(ctx, "Failed to publish step result", "err", err)
		return
	}
	_ = r.bus.Ack(ctx, queue, delivery.Tag)
}

func (r *Runner) run(ctx context.Context, exec model.StepExec) model.StepResult {
	res := model.StepResult{
		RunID:          exec.RunID,
		NodeID:         exec.NodeID,
		Attempt:        exec.Attempt,
		IdempotencyKey: exec.IdempotencyKey,
	}

	executor, err := r.registry.Lookup(exec.NodeType)
	if err != nil {
		res.Outcome = model.OutcomeFailed
		res.Error = classify(err)
		return res
	}

	out, err := executor.Execute(ctx, exec)
	switch {
	case err == nil:
		res.Outcome = model.OutcomeSucceeded
		if out != nil {
			res.Output = out.Output
			res.WaitToken = out.WaitToken
			res.BytesIn = out.BytesIn
			res.BytesOut = out.BytesOut
		}
	case errors.Is(err, context.DeadlineExceeded):
		res.Outcome = model.OutcomeTimedOut
		res.Error = &model.StepError{
			Kind:      model.ErrKindTimeout,
			Message:   "execution deadline exceeded",
			Retryable: true,
		}
	case errors.Is(err, context.Canceled):
		res.Outcome = model.OutcomeCancelled
		res.Error = &model.StepError{
			Kind:    model.ErrKindCancelled,
			Message: "execution cancelled",
		}
	default:
		res.Outcome = model.OutcomeFailed
		res.Error = classify(err)
		logger.Warn(ctx, "Step attempt failed",
			"node_type", exec.NodeType, "kind", res.Error.Kind, "err", err)
	}
	return res
}

func (r *Runner) publishResult(ctx context.Context, res model.StepResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	policy := backoff.NewExponentialBackoffPolicy(100 * time.Millisecond)
	policy.MaxRetries = 5
	return backoff.Retry(ctx, func(ctx context.Context) error {
		return r.bus.Publish(ctx, bus.ResultQueue, body)
	}, backoff.WithJitter(policy, backoff.FullJitter), nil)
}

// cancelLoop aborts in-flight attempts named by cancel notices. Notices
// are best-effort; attempts that slip through run to completion and
// their late results are deduplicated upstream.
func (r *Runner) cancelLoop(ctx context.Context, notices <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case body, open := <-notices:
			if !open {
				return
			}
			var notice model.CancelNotice
			if err := json.Unmarshal(body, &notice); err != nil {
				continue
			}
			key := model.StepKey(notice.RunID, notice.NodeID, notice.Attempt)
			r.mu.Lock()
			cancel, ok := r.inflight[key]
			r.mu.Unlock()
			if ok {
				logger.Info(ctx, "Aborting step on cancel notice",
					"run_id", notice.RunID, "node_id", notice.NodeID, "attempt", notice.Attempt)
				cancel()
			}
		}
	}
}

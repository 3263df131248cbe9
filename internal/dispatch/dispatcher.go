// Package dispatch sends step executions to runners over the work queue
// and feeds results back into run inboxes. It enforces per-step
// deadlines: when no result arrives in time it synthesizes a timed-out
// result; a late real result is deduplicated by the store's idempotency
// key and dropped.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flowplane/flowplane/internal/bus"
	"github.com/flowplane/flowplane/internal/logger"
	"github.com/flowplane/flowplane/internal/metrics"
	"github.com/flowplane/flowplane/internal/model"
)

// ResultSink receives step results in delivery order. The coordinator
// manager implements it by routing into per-run inboxes; a full inbox
// blocks Deliver, which backpressures the bus consumer.
type ResultSink interface {
	Deliver(ctx context.Context, res model.StepResult) error
}

// Config tunes the dispatcher.
type Config struct {
	// DefaultTimeout applies when a node policy has no timeout.
	DefaultTimeout time.Duration
	// Grace extends every deadline slightly past the node timeout so an
	// on-time runner result wins the race against the synthesized one.
	Grace time.Duration
	// Prefetch bounds unacked result deliveries.
	Prefetch int
}

type Dispatcher struct {
	bus  bus.Bus
	sink ResultSink
	cfg  Config

	mu          sync.Mutex
	outstanding map[string]*pendingStep // idempotency key -> deadline state
}

type pendingStep struct {
	exec  model.StepExec
	timer *time.Timer
}

func New(b bus.Bus, sink ResultSink, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	return &Dispatcher{
		bus:         b,
		sink:        sink,
		cfg:         cfg,
		outstanding: make(map[string]*pendingStep),
	}
}

// Start launches the result consumer. It returns once the consumer is
// subscribed; the loop stops when ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	deliveries, err := d.bus.Consume(ctx, bus.ResultQueue, d.cfg.Prefetch)
	if err != nil {
		return err
	}
	go d.consumeResults(ctx, deliveries)
	return nil
}

func (d *Dispatcher) consumeResults(ctx context.Context, deliveries <-chan bus.Delivery) {
	for delivery := range deliveries {
		var res model.StepResult
		if err := json.Unmarshal(delivery.Body, &res); err != nil {
			logger.Error(ctx, "Malformed step result", "err", err)
			_ = d.bus.Ack(ctx, bus.ResultQueue, delivery.Tag)
			continue
		}

		d.resolve(res.IdempotencyKey)

		if err := d.sink.Deliver(ctx, res); err != nil {
			// Leave unacked; the bus redelivers after the claim window.
			logger.Warn(ctx, "Failed to deliver step result",
				"run_id", res.RunID, "node_id", res.NodeID, "err", err)
			continue
		}
		_ = d.bus.Ack(ctx, bus.ResultQueue, delivery.Tag)
	}
}

// Dispatch publishes a step execution on the work queue for its
// node-type class and arms the deadline timer.
func (d *Dispatcher) Dispatch(ctx context.Context, exec model.StepExec) error {
	body, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	if err := d.bus.Publish(ctx, bus.ExecQueue(exec.NodeType), body); err != nil {
		return err
	}
	metrics.StepsDispatched.WithLabelValues(exec.NodeType).Inc()

	d.Track(ctx, exec, d.deadline(exec))
	logger.Debug(ctx, "Step dispatched",
		"run_id", exec.RunID, "node_id", exec.NodeID, "attempt", exec.Attempt)
	return nil
}

func (d *Dispatcher) deadline(exec model.StepExec) time.Duration {
	timeout := exec.Policy.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	return timeout + d.cfg.Grace
}

// Track arms (or re-arms) the deadline for an attempt that is already on
// the wire. Recovery uses it for open steps found in the store.
func (d *Dispatcher) Track(ctx context.Context, exec model.StepExec, remaining time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prior, ok := d.outstanding[exec.IdempotencyKey]; ok {
		prior.timer.Stop()
	}

	p := &pendingStep{exec: exec}
	p.timer = time.AfterFunc(remaining, func() {
		d.timeout(ctx, exec)
	})
	d.outstanding[exec.IdempotencyKey] = p
}

// timeout synthesizes a timed-out result for an attempt whose deadline
// passed without a runner result.
func (d *Dispatcher) timeout(ctx context.Context, exec model.StepExec) {
	if !d.resolve(exec.IdempotencyKey) {
		return
	}
	metrics.StepTimeouts.Inc()
	logger.Warn(ctx, "Step deadline exceeded",
		"run_id", exec.RunID, "node_id", exec.NodeID, "attempt", exec.Attempt)

	res := model.StepResult{
		RunID:          exec.RunID,
		NodeID:         exec.NodeID,
		Attempt:        exec.Attempt,
		IdempotencyKey: exec.IdempotencyKey,
		Outcome:        model.OutcomeTimedOut,
		Error: &model.StepError{
			Kind:      model.ErrKindTimeout,
			Message:   "step deadline exceeded",
			Retryable: true,
		},
	}
	if err := d.sink.Deliver(ctx, res); err != nil {
		logger.Error(ctx, "Failed to deliver synthesized timeout",
			"run_id", exec.RunID, "node_id", exec.NodeID, "err", err)
	}
}

// resolve clears the deadline for the attempt. Returns false when the
// attempt was already resolved (a result arrived first).
func (d *Dispatcher) resolve(idempotencyKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.outstanding[idempotencyKey]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.outstanding, idempotencyKey)
	return true
}

// CancelRun publishes a best-effort cancel notice for every outstanding
// attempt of the run and synthesizes cancelled results for them. The
// coordinator does not block on runner compliance.
func (d *Dispatcher) CancelRun(ctx context.Context, runID string) {
	d.mu.Lock()
	var cancelled []model.StepExec
	for key, p := range d.outstanding {
		if p.exec.RunID == runID {
			p.timer.Stop()
			delete(d.outstanding, key)
			cancelled = append(cancelled, p.exec)
		}
	}
	d.mu.Unlock()

	// The coordinator loop calls this while draining its own inbox, so
	// the synthesized results go back to it from a separate goroutine.
	go func() {
		for _, exec := range cancelled {
			notice, err := json.Marshal(model.CancelNotice{
				RunID:   exec.RunID,
				NodeID:  exec.NodeID,
				Attempt: exec.Attempt,
			})
			if err == nil {
				if perr := d.bus.PublishEvent(ctx, bus.CancelTopic, notice); perr != nil {
					logger.Warn(ctx, "Failed to publish cancel notice",
						"run_id", runID, "node_id", exec.NodeID, "err", perr)
				}
			}

			res := model.StepResult{
				RunID:          exec.RunID,
				NodeID:         exec.NodeID,
				Attempt:        exec.Attempt,
				IdempotencyKey: exec.IdempotencyKey,
				Outcome:        model.OutcomeCancelled,
				Error: &model.StepError{
					Kind:    model.ErrKindCancelled,
					Message: "run cancelled",
				},
			}
			if err := d.sink.Deliver(ctx, res); err != nil {
				logger.Error(ctx, "Failed to deliver synthesized cancel",
					"run_id", runID, "node_id", exec.NodeID, "err", err)
			}
		}
	}()
}

// Outstanding reports how many attempts await results. Used by tests
// and the status endpoint.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outstanding)
}

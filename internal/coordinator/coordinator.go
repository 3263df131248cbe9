// Package coordinator owns run execution. Each run has exactly one
// coordinator task; every external signal (step result, cancel, wake,
// internal timer) enters a single bounded inbox and is applied by one
// goroutine. That single-writer discipline is the concurrency anchor:
// nothing else mutates a run.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowplane/flowplane/internal/backoff"
	"github.com/flowplane/flowplane/internal/logger"
	"github.com/flowplane/flowplane/internal/metrics"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/ratelimit"
	"github.com/flowplane/flowplane/internal/scheduler"
	"github.com/flowplane/flowplane/internal/store"
)

// StepDispatcher is the slice of the dispatcher the coordinator uses.
type StepDispatcher interface {
	Dispatch(ctx context.Context, exec model.StepExec) error
	Track(ctx context.Context, exec model.StepExec, remaining time.Duration)
	CancelRun(ctx context.Context, runID string)
}

// EventSink receives lifecycle events for publication.
type EventSink interface {
	Publish(ctx context.Context, ev model.Event)
}

type msgKind int

const (
	msgResult msgKind = iota
	msgCancel
	msgWake
	msgNodeRelease // retry backoff or rate-limit wait expired
)

type message struct {
	kind   msgKind
	result model.StepResult
	wake   model.Wake
	nodeID string
}

// Coordinator drives one run to a terminal state.
type Coordinator struct {
	run        *model.Run
	store      store.Store
	dispatcher StepDispatcher
	sched      *scheduler.Scheduler
	limiter    *ratelimit.Limiter
	events     EventSink
	cfg        Config

	inbox chan message
	done  chan struct{}

	// Everything below is owned by the run loop goroutine.
	attempts   map[string]int             // node id -> latest attempt
	outputs    map[string]json.RawMessage // node id -> output
	held       map[string]struct{}        // nodes waiting out backoff or admission
	waits      map[string]string          // node id -> wait token
	cancelling bool
	failReason string
}

// newCoordinator builds a coordinator around an in-memory run snapshot.
// The manager calls it for fresh runs and for recovered ones.
func newCoordinator(run *model.Run, deps managerDeps, cfg Config) *Coordinator {
	return &Coordinator{
		run:        run,
		store:      deps.store,
		dispatcher: deps.dispatcher,
		sched:      deps.sched,
		limiter:    deps.limiter,
		events:     deps.events,
		cfg:        cfg,
		inbox:      make(chan message, cfg.InboxCapacity),
		done:       make(chan struct{}),
		attempts:   make(map[string]int),
		outputs:    make(map[string]json.RawMessage),
		held:       make(map[string]struct{}),
		waits:      make(map[string]string),
	}
}

// deliver places a message in the inbox, blocking when it is full. The
// block backpressures the bus consumer feeding this run.
func (c *Coordinator) deliver(ctx context.Context, msg message) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("run %s: coordinator stopped", c.run.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop is the single writer for this run.
func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	ctx = logger.WithValues(ctx, "run_id", c.run.ID, "workflow_id", c.run.WorkflowID)

	if c.run.State == model.RunPending {
		if err := c.start(ctx); err != nil {
			logger.Error(ctx, "Failed to start run", "err", err)
			return
		}
	} else {
		c.resume(ctx)
	}

	var runDeadline <-chan time.Time
	if c.cfg.DefaultRunTimeout > 0 {
		base := c.run.StartedAt
		if base.IsZero() {
			base = time.Now()
		}
		timer := time.NewTimer(time.Until(base.Add(c.cfg.DefaultRunTimeout)))
		defer timer.Stop()
		runDeadline = timer.C
	}

	for !c.run.State.Terminal() {
		select {
		case msg := <-c.inbox:
			c.handle(ctx, msg)
		case <-runDeadline:
			c.timeoutRun(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// start transitions Pending → Running, publishes run.started, and emits
// the entry set.
func (c *Coordinator) start(ctx context.Context) error {
	err := c.persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateRunState(ctx, c.run.ID, model.RunPending, model.RunRunning, "")
	})
	if err != nil {
		return err
	}
	c.run.State = model.RunRunning
	c.run.StartedAt = time.Now().UTC()
	metrics.RunsStarted.Inc()

	c.publish(ctx, model.EventRunStarted, "", 0, "")
	c.advanceAndEmit(ctx)
	return nil
}

// resume rebuilds in-memory state from the store after a lease takeover
// and picks up where the previous coordinator stopped.
func (c *Coordinator) resume(ctx context.Context) {
	steps, err := c.store.ListSteps(ctx, c.run.ID)
	if err != nil {
		logger.Error(ctx, "Failed to load step history on recovery", "err", err)
		return
	}

	for _, st := range steps {
		if st.Attempt > c.attempts[st.NodeID] {
			c.attempts[st.NodeID] = st.Attempt
		}
		if st.State == model.StepSucceeded && len(st.Output) > 0 {
			c.outputs[st.NodeID] = st.Output
		}

		// Re-arm deadlines for attempts still on the wire. Elapsed time
		// is unknown after a crash, so the full timeout restarts; the
		// store's idempotency key keeps a duplicate outcome harmless.
		if !st.State.Terminal() {
			node := c.run.Workflow.NodeByID(st.NodeID)
			if node == nil {
				continue
			}
			exec := c.buildExec(node, st.Attempt, st.Input)
			timeout := node.Policy.Timeout
			if timeout <= 0 {
				timeout = c.cfg.DefaultStepTimeout
			}
			c.dispatcher.Track(ctx, exec, timeout)
		}
	}

	// Published sequence numbers can run ahead of the last persisted one;
	// skip a margin so post-recovery events never reuse a number.
	c.run.EventSeq += 16

	// Nodes stuck in ready (emitted state was persisted but the attempt
	// never made it out) go back through emission.
	logger.Info(ctx, "Run recovered", "state", c.run.State, "steps", len(steps))
	c.advanceAndEmit(ctx)
}

func (c *Coordinator) handle(ctx context.Context, msg message) {
	switch msg.kind {
	case msgResult:
		c.applyResult(ctx, msg.result)
	case msgCancel:
		c.applyCancel(ctx)
	case msgWake:
		c.applyWake(ctx, msg.wake)
	case msgNodeRelease:
		delete(c.held, msg.nodeID)
		c.advanceAndEmit(ctx)
	}
}

// applyResult is the main path: commit the outcome transactionally,
// update the node-state map, then let the scheduler advance the run.
func (c *Coordinator) applyResult(ctx context.Context, res model.StepResult) {
	node := c.run.Workflow.NodeByID(res.NodeID)
	if node == nil {
		logger.Error(ctx, "Result for unknown node", "node_id", res.NodeID)
		return
	}

	// Async suspension: the attempt succeeded but the node waits for an
	// external wake carrying the token.
	if res.Outcome == model.OutcomeSucceeded && res.WaitToken != "" {
		c.applySuspension(ctx, res)
		return
	}

	nodeState, retryAfter := c.decideNodeState(node, res)

	states := c.cloneStates()
	states[res.NodeID] = nodeState
	c.run.EventSeq++

	commit := store.StepCommit{
		RunID:          res.RunID,
		NodeID:         res.NodeID,
		Attempt:        res.Attempt,
		IdempotencyKey: res.IdempotencyKey,
		State:          res.Outcome.StepState(),
		Output:         res.Output,
		Error:          res.Error,
		Duration:       res.Duration,
		BytesIn:        res.BytesIn,
		BytesOut:       res.BytesOut,
		FinishedAt:     time.Now().UTC(),
		NodeStates:     states,
		EventSeq:       c.run.EventSeq,
	}

	err := c.persist(ctx, func(ctx context.Context) error {
		return c.store.CommitStepResult(ctx, commit)
	})
	if errors.Is(err, store.ErrAlreadyCommitted) {
		// Duplicate delivery; acknowledged upstream, nothing to do.
		c.run.EventSeq--
		logger.Debug(ctx, "Duplicate step result dropped",
			"node_id", res.NodeID, "attempt", res.Attempt)
		return
	}
	if err != nil {
		logger.Error(ctx, "Failed to commit step result",
			"node_id", res.NodeID, "attempt", res.Attempt, "err", err)
		return
	}

	c.run.NodeStates = states
	if res.Outcome == model.OutcomeSucceeded && len(res.Output) > 0 {
		c.outputs[res.NodeID] = res.Output
	}

	switch {
	case res.Outcome == model.OutcomeSucceeded:
		c.publish(ctx, model.EventStepSucceeded, res.NodeID, res.Attempt, "")
	case nodeState == model.NodeReady:
		// Failed but retrying.
		c.publish(ctx, model.EventStepFailed, res.NodeID, res.Attempt, res.Error.Message)
		c.scheduleRetry(ctx, res.NodeID, retryAfter)
	default:
		reason := ""
		if res.Error != nil {
			reason = res.Error.Message
		}
		c.publish(ctx, model.EventStepFailed, res.NodeID, res.Attempt, reason)
		if nodeState == model.NodeFailed && node.Critical {
			c.failReason = fmt.Sprintf("critical node %s failed: %s", node.ID, reason)
			c.abortOutstanding(ctx)
		}
	}

	c.advanceAndEmit(ctx)
}

// decideNodeState maps a step outcome onto the node's next state.
func (c *Coordinator) decideNodeState(node *model.Node, res model.StepResult) (model.NodeState, time.Duration) {
	switch res.Outcome {
	case model.OutcomeSucceeded:
		return model.NodeSucceeded, 0
	case model.OutcomeCancelled:
		return model.NodeCancelled, 0
	default:
		if c.cancelling {
			return model.NodeCancelled, 0
		}
		if after, retry := c.sched.RetryDecision(node, res.Attempt, res.Error); retry {
			return model.NodeReady, after
		}
		return model.NodeFailed, 0
	}
}

// applySuspension parks an async node in the waiting state.
func (c *Coordinator) applySuspension(ctx context.Context, res model.StepResult) {
	states := c.cloneStates()
	states[res.NodeID] = model.NodeWaiting
	c.run.EventSeq++

	commit := store.StepCommit{
		RunID:          res.RunID,
		NodeID:         res.NodeID,
		Attempt:        res.Attempt,
		IdempotencyKey: res.IdempotencyKey,
		State:          model.StepSucceeded,
		Output:         res.Output,
		Duration:       res.Duration,
		FinishedAt:     time.Now().UTC(),
		NodeStates:     states,
		EventSeq:       c.run.EventSeq,
	}
	err := c.persist(ctx, func(ctx context.Context) error {
		if err := c.store.CommitStepResult(ctx, commit); err != nil {
			return err
		}
		return c.store.CreateWaitToken(ctx, res.WaitToken, res.RunID, res.NodeID)
	})
	if errors.Is(err, store.ErrAlreadyCommitted) {
		c.run.EventSeq--
		return
	}
	if err != nil {
		logger.Error(ctx, "Failed to suspend async node", "node_id", res.NodeID, "err", err)
		return
	}

	c.run.NodeStates = states
	c.waits[res.NodeID] = res.WaitToken
	c.publish(ctx, model.EventRunProgress, res.NodeID, res.Attempt, "waiting for external wake")
	c.advanceAndEmit(ctx)
}

// applyWake resolves a waiting async node with its final outcome.
func (c *Coordinator) applyWake(ctx context.Context, wake model.Wake) {
	if c.run.NodeStates[wake.NodeID] != model.NodeWaiting {
		logger.Debug(ctx, "Wake for node not waiting", "node_id", wake.NodeID)
		return
	}

	states := c.cloneStates()
	switch wake.Outcome {
	case model.OutcomeSucceeded:
		states[wake.NodeID] = model.NodeSucceeded
		if len(wake.Output) > 0 {
			c.outputs[wake.NodeID] = wake.Output
		}
	default:
		states[wake.NodeID] = model.NodeFailed
	}
	c.run.EventSeq++

	err := c.persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateNodeStates(ctx, c.run.ID, states, c.run.EventSeq)
	})
	if err != nil {
		logger.Error(ctx, "Failed to apply wake", "node_id", wake.NodeID, "err", err)
		return
	}

	c.run.NodeStates = states
	delete(c.waits, wake.NodeID)

	if c.run.State == model.RunWaiting {
		if err := c.casRunState(ctx, model.RunWaiting, model.RunRunning, ""); err == nil {
			c.run.State = model.RunRunning
		}
	}

	if states[wake.NodeID] == model.NodeSucceeded {
		c.publish(ctx, model.EventStepSucceeded, wake.NodeID, c.attempts[wake.NodeID], "")
	} else {
		reason := ""
		if wake.Error != nil {
			reason = wake.Error.Message
		}
		c.publish(ctx, model.EventStepFailed, wake.NodeID, c.attempts[wake.NodeID], reason)
	}
	c.advanceAndEmit(ctx)
}

// applyCancel stops new emissions, cancels outstanding attempts, and
// settles every unstarted node. Idempotent.
func (c *Coordinator) applyCancel(ctx context.Context) {
	if c.run.State.Terminal() || c.cancelling {
		return
	}
	c.cancelling = true

	states := c.cloneStates()
	for id, st := range states {
		switch st {
		case model.NodePending, model.NodeReady, model.NodeWaiting:
			states[id] = model.NodeCancelled
		}
	}
	c.run.EventSeq++
	err := c.persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateNodeStates(ctx, c.run.ID, states, c.run.EventSeq)
	})
	if err != nil {
		logger.Error(ctx, "Failed to persist cancellation", "err", err)
		return
	}
	c.run.NodeStates = states

	c.abortOutstanding(ctx)
	c.advanceAndEmit(ctx)
}

// abortOutstanding asks the dispatcher to cancel every in-flight attempt
// of this run. Synthesized cancelled results flow back through the inbox
// and settle the remaining dispatched nodes.
func (c *Coordinator) abortOutstanding(ctx context.Context) {
	c.dispatcher.CancelRun(ctx, c.run.ID)
}

func (c *Coordinator) timeoutRun(ctx context.Context) {
	if c.run.State.Terminal() {
		return
	}
	from := c.run.State
	if err := c.casRunState(ctx, from, model.RunTimedOut, "run deadline exceeded"); err != nil {
		logger.Error(ctx, "Failed to time out run", "err", err)
		return
	}
	c.run.State = model.RunTimedOut
	c.abortOutstanding(ctx)
	c.publish(ctx, model.EventRunTimedOut, "", 0, "run deadline exceeded")
	metrics.RunsFinished.WithLabelValues(string(model.RunTimedOut)).Inc()
}

// advanceAndEmit runs the scheduler to a fixed point: promote pending
// nodes, emit ready ones, and settle the run when everything is done.
func (c *Coordinator) advanceAndEmit(ctx context.Context) {
	if c.run.State.Terminal() {
		return
	}

	view := c.view()

	if !c.cancelling {
		for {
			transitions, err := c.sched.Advance(view)
			if err != nil {
				// A broken guard is a contract violation: fail the run.
				c.failReason = fmt.Sprintf("guard evaluation: %v", err)
				c.settle(ctx, scheduler.OutcomeFailed, c.failReason)
				return
			}
			if len(transitions) == 0 {
				break
			}
			states := c.cloneStates()
			for _, t := range transitions {
				states[t.NodeID] = t.To
			}
			c.run.EventSeq++
			err = c.persist(ctx, func(ctx context.Context) error {
				return c.store.UpdateNodeStates(ctx, c.run.ID, states, c.run.EventSeq)
			})
			if err != nil {
				logger.Error(ctx, "Failed to persist node transitions", "err", err)
				return
			}
			c.run.NodeStates = states
			c.publish(ctx, model.EventRunProgress, "", 0, "")
			view = c.view()
		}

		c.emitReady(ctx, view)
	}

	outcome, reason := scheduler.RunOutcome(c.view())
	switch outcome {
	case scheduler.OutcomeInFlight:
		// Keep going.
	case scheduler.OutcomeWaiting:
		if c.run.State == model.RunRunning {
			if err := c.casRunState(ctx, model.RunRunning, model.RunWaiting, ""); err == nil {
				c.run.State = model.RunWaiting
			}
		}
	default:
		c.settle(ctx, outcome, reason)
	}
}

// settle drives the run to its terminal state.
func (c *Coordinator) settle(ctx context.Context, outcome scheduler.Outcome, reason string) {
	var to model.RunState
	var evType model.EventType

	switch {
	case c.cancelling:
		to, evType = model.RunCancelled, model.EventRunCancelled
		if reason == "" {
			reason = "cancelled"
		}
	case outcome == scheduler.OutcomeSucceeded:
		to, evType = model.RunSucceeded, model.EventRunSucceeded
	default:
		to, evType = model.RunFailed, model.EventRunFailed
		if c.failReason != "" {
			reason = c.failReason
		}
	}

	from := c.run.State
	if err := c.casRunState(ctx, from, to, reason); err != nil {
		logger.Error(ctx, "Failed to settle run", "to", to, "err", err)
		return
	}
	c.run.State = to
	c.run.FinishedAt = time.Now().UTC()
	c.publish(ctx, evType, "", 0, reason)
	metrics.RunsFinished.WithLabelValues(string(to)).Inc()
	logger.Info(ctx, "Run finished", "state", to, "reason", reason)
}

// emitReady dispatches ready nodes in priority order, subject to
// admission control.
func (c *Coordinator) emitReady(ctx context.Context, view scheduler.RunView) {
	for _, node := range scheduler.EmitOrder(view, c.isHeld) {
		ok, wait := c.limiter.TryAcquire(ratelimit.Keys(c.run.TenantID, node.Type), 1)
		if !ok {
			metrics.RateLimitDenials.Inc()
			c.holdNode(ctx, node.ID, wait)
			continue
		}
		if err := c.emitStep(ctx, node); err != nil {
			logger.Error(ctx, "Failed to emit step", "node_id", node.ID, "err", err)
		}
	}
}

func (c *Coordinator) isHeld(nodeID string) bool {
	_, held := c.held[nodeID]
	return held
}

// holdNode defers a ready node and re-examines it when the wait hint
// expires. Completions re-trigger emission sooner via advanceAndEmit.
func (c *Coordinator) holdNode(ctx context.Context, nodeID string, wait time.Duration) {
	if _, already := c.held[nodeID]; already {
		return
	}
	c.held[nodeID] = struct{}{}
	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = c.deliver(ctx, message{kind: msgNodeRelease, nodeID: nodeID})
		case <-c.done:
		case <-ctx.Done():
		}
	}()
}

// scheduleRetry arms the backoff timer for the next attempt.
func (c *Coordinator) scheduleRetry(ctx context.Context, nodeID string, after time.Duration) {
	metrics.StepRetries.Inc()
	c.publish(ctx, model.EventStepRetryScheduled, nodeID, c.attempts[nodeID], "")
	c.holdNode(ctx, nodeID, after)
}

// emitStep appends the next attempt, persists the dispatched state, and
// hands the envelope to the dispatcher.
func (c *Coordinator) emitStep(ctx context.Context, node model.Node) error {
	attempt := c.attempts[node.ID] + 1
	input := c.resolveInput(node)

	step := &model.Step{
		ID:             uuid.New().String(),
		RunID:          c.run.ID,
		NodeID:         node.ID,
		Attempt:        attempt,
		State:          model.StepQueued,
		IdempotencyKey: model.StepKey(c.run.ID, node.ID, attempt),
		Input:          input,
		QueuedAt:       time.Now().UTC(),
	}
	err := c.persist(ctx, func(ctx context.Context) error {
		return c.store.AppendStepAttempt(ctx, step)
	})
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	c.attempts[node.ID] = attempt

	states := c.cloneStates()
	states[node.ID] = model.NodeDispatched
	c.run.EventSeq++
	err = c.persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateNodeStates(ctx, c.run.ID, states, c.run.EventSeq)
	})
	if err != nil {
		return fmt.Errorf("persist dispatched state: %w", err)
	}
	c.run.NodeStates = states

	exec := c.buildExec(&node, attempt, input)
	if err := c.dispatcher.Dispatch(ctx, exec); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	now := time.Now().UTC()
	err = c.persist(ctx, func(ctx context.Context) error {
		return c.store.MarkStepStarted(ctx, c.run.ID, node.ID, attempt, now)
	})
	if err != nil {
		logger.Warn(ctx, "Failed to record step start", "node_id", node.ID, "err", err)
	}

	c.publish(ctx, model.EventStepStarted, node.ID, attempt, "")
	return nil
}

func (c *Coordinator) buildExec(node *model.Node, attempt int, input json.RawMessage) model.StepExec {
	policy := node.Policy
	if policy.Timeout <= 0 {
		policy.Timeout = c.cfg.DefaultStepTimeout
	}
	return model.StepExec{
		RunID:          c.run.ID,
		NodeID:         node.ID,
		Attempt:        attempt,
		IdempotencyKey: model.StepKey(c.run.ID, node.ID, attempt),
		TenantID:       c.run.TenantID,
		NodeType:       node.Type,
		Params:         node.Params,
		Input:          input,
		Policy:         policy,
	}
}

// resolveInput binds the node's input from the trigger payload and the
// outputs of its dependencies.
func (c *Coordinator) resolveInput(node model.Node) json.RawMessage {
	inputs := make(map[string]json.RawMessage)
	for _, dep := range c.run.Workflow.Dependencies(node.ID) {
		if out, ok := c.outputs[dep]; ok {
			inputs[dep] = out
		}
	}
	bound := map[string]any{
		"trigger": c.run.Trigger,
		"inputs":  inputs,
	}
	raw, err := json.Marshal(bound)
	if err != nil {
		return nil
	}
	return raw
}

func (c *Coordinator) view() scheduler.RunView {
	return scheduler.RunView{
		Workflow:   c.run.Workflow,
		NodeStates: c.run.NodeStates,
		Outputs:    c.outputs,
	}
}

func (c *Coordinator) cloneStates() map[string]model.NodeState {
	states := make(map[string]model.NodeState, len(c.run.NodeStates))
	for k, v := range c.run.NodeStates {
		states[k] = v
	}
	return states
}

func (c *Coordinator) casRunState(ctx context.Context, from, to model.RunState, reason string) error {
	return c.persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateRunState(ctx, c.run.ID, from, to, reason)
	})
}

// persist retries transient store failures with bounded backoff. The
// run makes no progress until the write lands; permanent contract
// errors surface immediately.
func (c *Coordinator) persist(ctx context.Context, op backoff.Operation) error {
	base := backoff.NewExponentialBackoffPolicy(50 * time.Millisecond)
	base.MaxRetries = 8
	policy := backoff.WithJitter(base, backoff.FullJitter)
	return backoff.Retry(ctx, op, policy, func(err error) bool {
		switch {
		case errors.Is(err, store.ErrAlreadyCommitted),
			errors.Is(err, store.ErrStaleState),
			errors.Is(err, store.ErrAlreadyExists),
			errors.Is(err, store.ErrAttemptOutOfOrder),
			errors.Is(err, store.ErrNotFound),
			errors.Is(err, store.ErrLeaseHeld):
			return false
		}
		return true
	})
}

// publish emits one event with the run's current sequence number.
func (c *Coordinator) publish(ctx context.Context, evType model.EventType, nodeID string, attempt int, reason string) {
	c.run.EventSeq++
	c.events.Publish(ctx, model.Event{
		Type:       evType,
		RunID:      c.run.ID,
		WorkflowID: c.run.WorkflowID,
		TenantID:   c.run.TenantID,
		NodeID:     nodeID,
		Attempt:    attempt,
		Seq:        c.run.EventSeq,
		RunState:   c.run.State,
		NodeState:  c.run.NodeStates[nodeID],
		Reason:     reason,
	})
}

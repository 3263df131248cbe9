package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowplane/flowplane/internal/logger"
	"github.com/flowplane/flowplane/internal/metrics"
	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/ratelimit"
	"github.com/flowplane/flowplane/internal/scheduler"
	"github.com/flowplane/flowplane/internal/store"
	"github.com/flowplane/flowplane/internal/workflow"
)

// ErrCapacity is returned when the coordinator already owns its maximum
// number of concurrent runs.
var ErrCapacity = errors.New("coordinator at capacity")

// ErrNotOwned is returned for operations on a run this coordinator does
// not hold the lease for.
var ErrNotOwned = errors.New("run not owned by this coordinator")

// Config tunes the coordinator manager and the per-run coordinators it
// spawns.
type Config struct {
	// CoordinatorID identifies this instance as a lease owner.
	CoordinatorID string
	// MaxConcurrentRuns caps the runs owned at once. Zero means unlimited.
	MaxConcurrentRuns int
	// InboxCapacity bounds each run's message inbox.
	InboxCapacity int
	// LeaseDuration is how long a claim lasts before it must be renewed.
	LeaseDuration time.Duration
	// RenewInterval is how often held leases are extended.
	RenewInterval time.Duration
	// RecoveryInterval is how often expired leases are scanned for.
	RecoveryInterval time.Duration
	// DefaultStepTimeout applies to nodes whose policy leaves it unset.
	DefaultStepTimeout time.Duration
	// DefaultRunTimeout bounds a whole run. Zero disables it.
	DefaultRunTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.CoordinatorID == "" {
		c.CoordinatorID = uuid.New().String()
	}
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = 64
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = c.LeaseDuration / 3
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = c.LeaseDuration
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = time.Minute
	}
}

type managerDeps struct {
	store      store.Store
	dispatcher StepDispatcher
	sched      *scheduler.Scheduler
	limiter    *ratelimit.Limiter
	events     EventSink
}

type runEntry struct {
	coord  *Coordinator
	cancel context.CancelFunc
}

// Manager owns every run coordinator on this instance: it admits new
// runs, routes results and cancels into inboxes, renews leases, and
// takes over runs whose previous owner died.
type Manager struct {
	deps managerDeps
	cfg  Config

	mu   sync.Mutex
	runs map[string]*runEntry

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewManager(st store.Store, dispatcher StepDispatcher, sched *scheduler.Scheduler, limiter *ratelimit.Limiter, events EventSink, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		deps: managerDeps{
			store:      st,
			dispatcher: dispatcher,
			sched:      sched,
			limiter:    limiter,
			events:     events,
		},
		cfg:  cfg,
		runs: make(map[string]*runEntry),
	}
}

// Start launches the lease-renewal and recovery loops. Stop waits for
// every owned run loop to exit.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.baseCtx = ctx

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.renewLoop(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.recoveryLoop(ctx)
	}()
	logger.Info(ctx, "Coordinator started",
		"coordinator_id", m.cfg.CoordinatorID,
		"lease", m.cfg.LeaseDuration)
}

// Stop cancels all run loops and waits for them to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// StartRequest describes a run submission.
type StartRequest struct {
	Workflow *model.Workflow
	TenantID string
	Trigger  json.RawMessage
	Priority int
	// IdempotencyKey deduplicates submissions per tenant. Optional.
	IdempotencyKey string
}

// StartRun validates, persists, claims, and launches a run. A duplicate
// submission key returns the original run without side effects.
func (m *Manager) StartRun(ctx context.Context, req StartRequest) (*model.Run, error) {
	if err := workflow.Validate(req.Workflow); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		prior, err := m.deps.store.FindRunByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
		if err == nil {
			return prior, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	m.mu.Lock()
	if m.cfg.MaxConcurrentRuns > 0 && len(m.runs) >= m.cfg.MaxConcurrentRuns {
		m.mu.Unlock()
		return nil, ErrCapacity
	}
	m.mu.Unlock()

	run := model.NewRun(uuid.New().String(), req.TenantID, req.Workflow, req.Trigger, req.Priority)
	run.IdempotencyKey = req.IdempotencyKey

	if err := m.deps.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) && req.IdempotencyKey != "" {
			// Lost a submission race; the winner's run is authoritative.
			return m.deps.store.FindRunByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
		}
		return nil, err
	}

	until := time.Now().Add(m.cfg.LeaseDuration)
	if err := m.deps.store.ClaimRun(ctx, run.ID, m.cfg.CoordinatorID, until); err != nil {
		return nil, fmt.Errorf("claim run %s: %w", run.ID, err)
	}
	run.LeaseOwner = m.cfg.CoordinatorID
	run.LeaseExpiry = until

	m.spawn(run)
	logger.Info(ctx, "Run accepted",
		"run_id", run.ID, "workflow_id", run.WorkflowID, "tenant_id", run.TenantID)
	return run.Clone(), nil
}

// spawn registers the run and starts its single-writer loop. The loop
// outlives the submitting request: it descends from the manager's
// lifecycle context, not the caller's.
func (m *Manager) spawn(run *model.Run) {
	parent := m.baseCtx
	if parent == nil {
		parent = context.Background()
	}
	c := newCoordinator(run, m.deps, m.cfg)

	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	m.runs[run.ID] = &runEntry{coord: c, cancel: cancel}
	m.mu.Unlock()
	metrics.ActiveRuns.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.runs, run.ID)
			m.mu.Unlock()
			metrics.ActiveRuns.Dec()
		}()
		c.loop(ctx)
	}()
}

func (m *Manager) entry(runID string) *runEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}

// Deliver routes a step result into its run's inbox. Implements the
// dispatcher's result sink. A result for a finished or unknown run is
// dropped so the delivery gets acknowledged; a result for a run owned
// elsewhere returns an error and stays on the queue.
func (m *Manager) Deliver(ctx context.Context, res model.StepResult) error {
	if e := m.entry(res.RunID); e != nil {
		return e.coord.deliver(ctx, message{kind: msgResult, result: res})
	}

	run, err := m.deps.store.GetRun(ctx, res.RunID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn(ctx, "Result for unknown run dropped", "run_id", res.RunID)
		return nil
	}
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}
	return fmt.Errorf("deliver to run %s: %w", res.RunID, ErrNotOwned)
}

// Cancel requests cancellation of a run. Idempotent: cancelling a
// finished run is a no-op.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	if e := m.entry(runID); e != nil {
		return e.coord.deliver(ctx, message{kind: msgCancel})
	}

	run, err := m.deps.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}
	return fmt.Errorf("cancel run %s: %w", runID, ErrNotOwned)
}

// Wake resolves a wait token with the async node's final outcome. A
// duplicate wake returns nil without side effects. The token is marked
// resolved only after the wake reaches the run's inbox: a wake that
// cannot be delivered (run owned elsewhere, inbox closed) leaves the
// token pending so the caller can retry it.
func (m *Manager) Wake(ctx context.Context, wake model.Wake) error {
	runID, nodeID, resolved, err := m.deps.store.GetWaitToken(ctx, wake.WaitToken)
	if err != nil {
		return err
	}
	if resolved {
		logger.Debug(ctx, "Duplicate wake ignored", "token", wake.WaitToken)
		return nil
	}
	wake.RunID = runID
	wake.NodeID = nodeID

	e := m.entry(runID)
	if e == nil {
		return fmt.Errorf("wake run %s: %w", runID, ErrNotOwned)
	}
	if err := e.coord.deliver(ctx, message{kind: msgWake, wake: wake}); err != nil {
		return err
	}

	// Concurrent wakes for the same token may both reach this point; the
	// coordinator drops the second because the node is no longer waiting.
	if _, _, _, err := m.deps.store.ResolveWaitToken(ctx, wake.WaitToken); err != nil {
		logger.Warn(ctx, "Failed to mark wait token resolved",
			"token", wake.WaitToken, "err", err)
	}
	return nil
}

// GetRun returns the persisted run snapshot. Every coordinator
// transition lands in the store before it is applied in memory, so the
// store view is never behind the live one.
func (m *Manager) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return m.deps.store.GetRun(ctx, runID)
}

// OwnedRuns reports how many runs this instance currently drives.
func (m *Manager) OwnedRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// renewLoop extends the lease on every owned run. Losing a lease stops
// that run's loop; whoever took it over is driving it now.
func (m *Manager) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		ids := make([]string, 0, len(m.runs))
		for id := range m.runs {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		until := time.Now().Add(m.cfg.LeaseDuration)
		for _, id := range ids {
			err := m.deps.store.RenewLease(ctx, id, m.cfg.CoordinatorID, until)
			if err == nil {
				continue
			}
			if errors.Is(err, store.ErrLeaseHeld) || errors.Is(err, store.ErrNotFound) {
				logger.Warn(ctx, "Lost run lease, stopping run loop", "run_id", id)
				if e := m.entry(id); e != nil {
					e.cancel()
				}
				continue
			}
			logger.Error(ctx, "Failed to renew lease", "run_id", id, "err", err)
		}
	}
}

// recoveryLoop scans for non-terminal runs with expired leases and takes
// them over. Claims race between coordinators; ErrLeaseHeld means
// another instance won.
func (m *Manager) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.recoverOnce(ctx)
	}
}

func (m *Manager) recoverOnce(ctx context.Context) {
	ids, err := m.deps.store.ListRunsNeedingRecovery(ctx, time.Now())
	if err != nil {
		logger.Error(ctx, "Recovery scan failed", "err", err)
		return
	}

	for _, id := range ids {
		if m.entry(id) != nil {
			continue
		}
		m.mu.Lock()
		atCapacity := m.cfg.MaxConcurrentRuns > 0 && len(m.runs) >= m.cfg.MaxConcurrentRuns
		m.mu.Unlock()
		if atCapacity {
			return
		}

		until := time.Now().Add(m.cfg.LeaseDuration)
		if err := m.deps.store.ClaimRun(ctx, id, m.cfg.CoordinatorID, until); err != nil {
			if !errors.Is(err, store.ErrLeaseHeld) {
				logger.Error(ctx, "Failed to claim abandoned run", "run_id", id, "err", err)
			}
			continue
		}

		run, _, err := m.deps.store.LoadRun(ctx, id)
		if err != nil {
			logger.Error(ctx, "Failed to load recovered run", "run_id", id, "err", err)
			continue
		}
		run.LeaseOwner = m.cfg.CoordinatorID
		run.LeaseExpiry = until

		logger.Info(ctx, "Taking over abandoned run", "run_id", id, "state", run.State)
		m.spawn(run)
	}
}

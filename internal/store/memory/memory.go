// Package memory provides an in-memory Store. It backs unit tests and
// single-process deployments; the postgres implementation is the durable
// one.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

// Store keeps all rows under a single mutex. Every method takes and
// returns deep copies so callers never alias internal state.
type Store struct {
	mu         sync.Mutex
	runs       map[string]*model.Run
	steps      map[string][]*model.Step // run id -> attempts
	committed  map[string]struct{}      // idempotency keys
	submission map[string]string        // tenant/key -> run id
	waits      map[string]*waitToken
}

type waitToken struct {
	runID     string
	nodeID    string
	resolved  bool
	createdAt time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		runs:       make(map[string]*model.Run),
		steps:      make(map[string][]*model.Step),
		committed:  make(map[string]struct{}),
		submission: make(map[string]string),
		waits:      make(map[string]*waitToken),
	}
}

func submissionKey(tenantID, key string) string {
	return tenantID + "/" + key
}

func (s *Store) CreateRun(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, store.ErrAlreadyExists)
	}
	if run.IdempotencyKey != "" {
		k := submissionKey(run.TenantID, run.IdempotencyKey)
		if _, ok := s.submission[k]; ok {
			return fmt.Errorf("submission key %s: %w", run.IdempotencyKey, store.ErrAlreadyExists)
		}
		s.submission[k] = run.ID
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) FindRunByIdempotencyKey(_ context.Context, tenantID, key string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID, ok := s.submission[submissionKey(tenantID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.runs[runID].Clone(), nil
}

func (s *Store) GetRun(_ context.Context, runID string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return run.Clone(), nil
}

func (s *Store) LoadRun(_ context.Context, runID string) (*model.Run, []*model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	var open []*model.Step
	for _, st := range s.steps[runID] {
		if !st.State.Terminal() {
			clone := *st
			open = append(open, &clone)
		}
	}
	return run.Clone(), open, nil
}

func (s *Store) ListSteps(_ context.Context, runID string) ([]*model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var steps []*model.Step
	for _, st := range s.steps[runID] {
		clone := *st
		steps = append(steps, &clone)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].NodeID != steps[j].NodeID {
			return steps[i].NodeID < steps[j].NodeID
		}
		return steps[i].Attempt < steps[j].Attempt
	})
	return steps, nil
}

func (s *Store) AppendStepAttempt(_ context.Context, step *model.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[step.RunID]; !ok {
		return fmt.Errorf("run %s: %w", step.RunID, store.ErrNotFound)
	}
	maxAttempt := 0
	for _, st := range s.steps[step.RunID] {
		if st.NodeID == step.NodeID && st.Attempt > maxAttempt {
			maxAttempt = st.Attempt
		}
	}
	if step.Attempt <= maxAttempt {
		return fmt.Errorf("node %s attempt %d after %d: %w",
			step.NodeID, step.Attempt, maxAttempt, store.ErrAttemptOutOfOrder)
	}
	clone := *step
	s.steps[step.RunID] = append(s.steps[step.RunID], &clone)
	return nil
}

func (s *Store) MarkStepStarted(_ context.Context, runID, nodeID string, attempt int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.steps[runID] {
		if st.NodeID == nodeID && st.Attempt == attempt {
			st.StartedAt = at
			st.State = model.StepRunning
			return nil
		}
	}
	return fmt.Errorf("step %s/%s/%d: %w", runID, nodeID, attempt, store.ErrNotFound)
}

func (s *Store) CommitStepResult(_ context.Context, commit store.StepCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.committed[commit.IdempotencyKey]; ok {
		return store.ErrAlreadyCommitted
	}
	run, ok := s.runs[commit.RunID]
	if !ok {
		return fmt.Errorf("run %s: %w", commit.RunID, store.ErrNotFound)
	}

	var step *model.Step
	for _, st := range s.steps[commit.RunID] {
		if st.NodeID == commit.NodeID && st.Attempt == commit.Attempt {
			step = st
			break
		}
	}
	if step == nil {
		return fmt.Errorf("step %s/%s/%d: %w", commit.RunID, commit.NodeID, commit.Attempt, store.ErrNotFound)
	}
	if step.State.Terminal() {
		return store.ErrAlreadyCommitted
	}

	if commit.RunTo != "" {
		if run.State != commit.RunFrom {
			return fmt.Errorf("run %s is %s, expected %s: %w",
				run.ID, run.State, commit.RunFrom, store.ErrStaleState)
		}
	}

	// The whole commit is atomic under the store mutex, mirroring the
	// single transaction of the durable implementation.
	step.State = commit.State
	step.Output = commit.Output
	step.Error = commit.Error
	step.Duration = commit.Duration
	step.BytesIn = commit.BytesIn
	step.BytesOut = commit.BytesOut
	step.FinishedAt = commit.FinishedAt

	run.NodeStates = make(map[string]model.NodeState, len(commit.NodeStates))
	for k, v := range commit.NodeStates {
		run.NodeStates[k] = v
	}
	run.EventSeq = commit.EventSeq

	if commit.RunTo != "" {
		run.State = commit.RunTo
		run.FailureReason = commit.RunReason
		run.FinishedAt = commit.RunFinishedAt
	}

	s.committed[commit.IdempotencyKey] = struct{}{}
	return nil
}

func (s *Store) UpdateRunState(_ context.Context, runID string, from, to model.RunState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if run.State != from {
		return fmt.Errorf("run %s is %s, expected %s: %w", runID, run.State, from, store.ErrStaleState)
	}
	run.State = to
	if reason != "" {
		run.FailureReason = reason
	}
	now := time.Now().UTC()
	if to == model.RunRunning && run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if to.Terminal() {
		run.FinishedAt = now
	}
	return nil
}

func (s *Store) UpdateNodeStates(_ context.Context, runID string, states map[string]model.NodeState, eventSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	run.NodeStates = make(map[string]model.NodeState, len(states))
	for k, v := range states {
		run.NodeStates[k] = v
	}
	run.EventSeq = eventSeq
	return nil
}

func (s *Store) ClaimRun(_ context.Context, runID, owner string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if run.LeaseOwner != "" && run.LeaseOwner != owner && run.LeaseExpiry.After(time.Now()) {
		return fmt.Errorf("run %s owned by %s: %w", runID, run.LeaseOwner, store.ErrLeaseHeld)
	}
	run.LeaseOwner = owner
	run.LeaseExpiry = until
	return nil
}

func (s *Store) RenewLease(_ context.Context, runID, owner string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if run.LeaseOwner != owner {
		return fmt.Errorf("run %s owned by %s: %w", runID, run.LeaseOwner, store.ErrLeaseHeld)
	}
	run.LeaseExpiry = until
	return nil
}

func (s *Store) ListRunsNeedingRecovery(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, run := range s.runs {
		if !run.State.Terminal() && run.LeaseExpiry.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) CreateWaitToken(_ context.Context, token, runID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.waits[token]; ok {
		return nil // idempotent registration
	}
	s.waits[token] = &waitToken{runID: runID, nodeID: nodeID, createdAt: time.Now().UTC()}
	return nil
}

func (s *Store) GetWaitToken(_ context.Context, token string) (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waits[token]
	if !ok {
		return "", "", false, fmt.Errorf("wait token %s: %w", token, store.ErrNotFound)
	}
	return w.runID, w.nodeID, w.resolved, nil
}

func (s *Store) ResolveWaitToken(_ context.Context, token string) (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waits[token]
	if !ok {
		return "", "", false, fmt.Errorf("wait token %s: %w", token, store.ErrNotFound)
	}
	already := w.resolved
	w.resolved = true
	return w.runID, w.nodeID, already, nil
}

func (s *Store) ListExpiredWaitTokens(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []string
	for token, w := range s.waits {
		if !w.resolved && w.createdAt.Before(cutoff) {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return tokens, nil
}

func (s *Store) Close() error { return nil }

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

func newRun(id string) *model.Run {
	wf := &model.Workflow{
		ID:      "wf",
		Version: 1,
		Nodes: []model.Node{
			{ID: "a", Type: "noop"},
			{ID: "b", Type: "noop", Depends: []string{"a"}},
		},
	}
	return model.NewRun(id, "tenant-1", wf, nil, 0)
}

func appendAttempt(t *testing.T, s *Store, runID, nodeID string, attempt int) *model.Step {
	t.Helper()
	step := &model.Step{
		ID:             runID + "-" + nodeID,
		RunID:          runID,
		NodeID:         nodeID,
		Attempt:        attempt,
		State:          model.StepQueued,
		IdempotencyKey: model.StepKey(runID, nodeID, attempt),
		QueuedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.AppendStepAttempt(context.Background(), step))
	return step
}

func TestCreateRun(t *testing.T) {
	ctx := context.Background()
	s := New()

	run := newRun("r1")
	require.NoError(t, s.CreateRun(ctx, run))

	t.Run("DuplicateID", func(t *testing.T) {
		assert.ErrorIs(t, s.CreateRun(ctx, newRun("r1")), store.ErrAlreadyExists)
	})

	t.Run("SubmissionKeyDeduplicates", func(t *testing.T) {
		keyed := newRun("r2")
		keyed.IdempotencyKey = "sub-1"
		require.NoError(t, s.CreateRun(ctx, keyed))

		dup := newRun("r3")
		dup.IdempotencyKey = "sub-1"
		assert.ErrorIs(t, s.CreateRun(ctx, dup), store.ErrAlreadyExists)

		found, err := s.FindRunByIdempotencyKey(ctx, "tenant-1", "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "r2", found.ID)
	})

	t.Run("SubmissionKeyScopedToTenant", func(t *testing.T) {
		_, err := s.FindRunByIdempotencyKey(ctx, "other-tenant", "sub-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ReturnedRunIsACopy", func(t *testing.T) {
		got, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		got.NodeStates["a"] = model.NodeFailed

		again, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.NodePending, again.NodeStates["a"])
	})
}

func TestAppendStepAttempt(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateRun(ctx, newRun("r1")))

	appendAttempt(t, s, "r1", "a", 1)
	appendAttempt(t, s, "r1", "a", 2)

	t.Run("RepeatedAttemptRejected", func(t *testing.T) {
		step := &model.Step{RunID: "r1", NodeID: "a", Attempt: 2}
		assert.ErrorIs(t, s.AppendStepAttempt(ctx, step), store.ErrAttemptOutOfOrder)
	})

	t.Run("LowerAttemptRejected", func(t *testing.T) {
		step := &model.Step{RunID: "r1", NodeID: "a", Attempt: 1}
		assert.ErrorIs(t, s.AppendStepAttempt(ctx, step), store.ErrAttemptOutOfOrder)
	})

	t.Run("UnknownRun", func(t *testing.T) {
		step := &model.Step{RunID: "ghost", NodeID: "a", Attempt: 1}
		assert.ErrorIs(t, s.AppendStepAttempt(ctx, step), store.ErrNotFound)
	})
}

func TestCommitStepResult(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Store, store.StepCommit) {
		s := New()
		require.NoError(t, s.CreateRun(ctx, newRun("r1")))
		step := appendAttempt(t, s, "r1", "a", 1)
		return s, store.StepCommit{
			RunID:          "r1",
			NodeID:         "a",
			Attempt:        1,
			IdempotencyKey: step.IdempotencyKey,
			State:          model.StepSucceeded,
			NodeStates:     map[string]model.NodeState{"a": model.NodeSucceeded, "b": model.NodePending},
			EventSeq:       3,
			FinishedAt:     time.Now().UTC(),
		}
	}

	t.Run("CommitAppliesStepAndNodeStates", func(t *testing.T) {
		s, commit := setup(t)
		require.NoError(t, s.CommitStepResult(ctx, commit))

		run, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.NodeSucceeded, run.NodeStates["a"])
		assert.Equal(t, uint64(3), run.EventSeq)

		steps, err := s.ListSteps(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, model.StepSucceeded, steps[0].State)
	})

	t.Run("DuplicateCommitRejected", func(t *testing.T) {
		s, commit := setup(t)
		require.NoError(t, s.CommitStepResult(ctx, commit))
		assert.ErrorIs(t, s.CommitStepResult(ctx, commit), store.ErrAlreadyCommitted)
	})

	t.Run("RunStateCASInSameCommit", func(t *testing.T) {
		s, commit := setup(t)
		require.NoError(t, s.UpdateRunState(ctx, "r1", model.RunPending, model.RunRunning, ""))

		commit.RunFrom = model.RunRunning
		commit.RunTo = model.RunFailed
		commit.RunReason = "critical node failed"
		require.NoError(t, s.CommitStepResult(ctx, commit))

		run, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.RunFailed, run.State)
		assert.Equal(t, "critical node failed", run.FailureReason)
	})

	t.Run("StaleRunCASRejectsWholeCommit", func(t *testing.T) {
		s, commit := setup(t)
		commit.RunFrom = model.RunRunning // run is still pending
		commit.RunTo = model.RunFailed
		assert.ErrorIs(t, s.CommitStepResult(ctx, commit), store.ErrStaleState)

		// Nothing applied.
		steps, err := s.ListSteps(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.StepQueued, steps[0].State)
	})
}

func TestUpdateRunState(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateRun(ctx, newRun("r1")))

	require.NoError(t, s.UpdateRunState(ctx, "r1", model.RunPending, model.RunRunning, ""))
	assert.ErrorIs(t,
		s.UpdateRunState(ctx, "r1", model.RunPending, model.RunRunning, ""),
		store.ErrStaleState)

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, run.State)
	assert.False(t, run.StartedAt.IsZero())
}

func TestLeases(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateRun(ctx, newRun("r1")))

	until := time.Now().Add(30 * time.Second)
	require.NoError(t, s.ClaimRun(ctx, "r1", "coord-1", until))

	t.Run("SecondOwnerRejectedWhileLive", func(t *testing.T) {
		assert.ErrorIs(t, s.ClaimRun(ctx, "r1", "coord-2", until), store.ErrLeaseHeld)
	})

	t.Run("OwnerReclaims", func(t *testing.T) {
		assert.NoError(t, s.ClaimRun(ctx, "r1", "coord-1", until.Add(time.Minute)))
	})

	t.Run("RenewByNonOwnerRejected", func(t *testing.T) {
		assert.ErrorIs(t, s.RenewLease(ctx, "r1", "coord-2", until), store.ErrLeaseHeld)
	})

	t.Run("ExpiredLeaseClaimable", func(t *testing.T) {
		require.NoError(t, s.CreateRun(ctx, newRun("r2")))
		require.NoError(t, s.ClaimRun(ctx, "r2", "coord-1", time.Now().Add(-time.Second)))
		assert.NoError(t, s.ClaimRun(ctx, "r2", "coord-2", until))
	})

	t.Run("RecoveryScanFindsExpired", func(t *testing.T) {
		require.NoError(t, s.CreateRun(ctx, newRun("r3")))
		require.NoError(t, s.ClaimRun(ctx, "r3", "coord-1", time.Now().Add(-time.Minute)))

		ids, err := s.ListRunsNeedingRecovery(ctx, time.Now())
		require.NoError(t, err)
		assert.Contains(t, ids, "r3")
		assert.NotContains(t, ids, "r1")
	})
}

func TestWaitTokens(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateWaitToken(ctx, "tok-1", "r1", "a"))
	// Idempotent registration.
	require.NoError(t, s.CreateWaitToken(ctx, "tok-1", "r1", "a"))

	// Peeking does not resolve.
	runID, nodeID, resolved, err := s.GetWaitToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", runID)
	assert.Equal(t, "a", nodeID)
	assert.False(t, resolved)

	runID, nodeID, already, err := s.ResolveWaitToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", runID)
	assert.Equal(t, "a", nodeID)
	assert.False(t, already)

	_, _, resolved, err = s.GetWaitToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, resolved)

	_, _, _, err = s.GetWaitToken(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, already, err = s.ResolveWaitToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, already)

	_, _, _, err = s.ResolveWaitToken(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	t.Run("ExpiredListing", func(t *testing.T) {
		require.NoError(t, s.CreateWaitToken(ctx, "tok-old", "r2", "b"))

		tokens, err := s.ListExpiredWaitTokens(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"tok-old"}, tokens) // tok-1 already resolved

		tokens, err = s.ListExpiredWaitTokens(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Empty(t, tokens)
	})
}

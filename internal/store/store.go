// Package store defines durable persistence for runs, steps, leases, and
// idempotency keys. All writes that cross step and run rows happen in one
// transaction; the coordinator retries failed writes until they succeed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flowplane/flowplane/internal/model"
)

var (
	// ErrAlreadyExists is returned on duplicate run creation.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned when a run or step does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyCommitted is returned when a step result's idempotency key
	// has already been recorded; the duplicate must be acknowledged and
	// dropped without side effects.
	ErrAlreadyCommitted = errors.New("step result already committed")
	// ErrStaleState is returned when a compare-and-swap on the run state
	// fails because the expected from-state no longer matches.
	ErrStaleState = errors.New("stale run state")
	// ErrLeaseHeld is returned when another live coordinator owns the run.
	ErrLeaseHeld = errors.New("lease held by another coordinator")
	// ErrAttemptOutOfOrder is returned when an appended attempt number is
	// not strictly greater than all prior attempts for the (run, node).
	ErrAttemptOutOfOrder = errors.New("attempt number out of order")
)

// StepCommit is the single-transaction write applied when a step attempt
// reaches a terminal state: the step row, the run's node-state map, the
// idempotency key, and optionally a run state CAS all commit together.
type StepCommit struct {
	RunID          string
	NodeID         string
	Attempt        int
	IdempotencyKey string
	State          model.StepState
	Output         json.RawMessage
	Error          *model.StepError
	Duration       time.Duration
	BytesIn        int64
	BytesOut       int64
	FinishedAt     time.Time

	// NodeStates is the full updated node-state map for the run.
	NodeStates map[string]model.NodeState
	// EventSeq is the run's event sequence after this transition.
	EventSeq uint64

	// RunFrom/RunTo request a run state CAS in the same transaction.
	// Both empty means the run state is untouched.
	RunFrom       model.RunState
	RunTo         model.RunState
	RunReason     string
	RunFinishedAt time.Time
}

// Store is the durable persistence contract shared by all coordinators.
type Store interface {
	// CreateRun atomically inserts a new run. Fails with ErrAlreadyExists
	// on a duplicate run id.
	CreateRun(ctx context.Context, run *model.Run) error

	// FindRunByIdempotencyKey returns the run previously created with the
	// given submission key, or ErrNotFound.
	FindRunByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Run, error)

	// GetRun returns the run snapshot.
	GetRun(ctx context.Context, runID string) (*model.Run, error)

	// LoadRun returns the run plus its non-terminal steps. Used on
	// coordinator recovery.
	LoadRun(ctx context.Context, runID string) (*model.Run, []*model.Step, error)

	// ListSteps returns all step attempts for the run, ordered by node id
	// then attempt.
	ListSteps(ctx context.Context, runID string) ([]*model.Step, error)

	// AppendStepAttempt inserts a new step row. Attempt numbers must be
	// strictly increasing per (run, node); otherwise ErrAttemptOutOfOrder.
	AppendStepAttempt(ctx context.Context, step *model.Step) error

	// MarkStepStarted records started-at for a dispatched attempt.
	MarkStepStarted(ctx context.Context, runID, nodeID string, attempt int, at time.Time) error

	// CommitStepResult applies a StepCommit transactionally. Returns
	// ErrAlreadyCommitted when the idempotency key is already recorded.
	CommitStepResult(ctx context.Context, commit StepCommit) error

	// UpdateRunState performs a compare-and-swap on the run state. Fails
	// with ErrStaleState when from no longer matches.
	UpdateRunState(ctx context.Context, runID string, from, to model.RunState, reason string) error

	// UpdateNodeStates persists the run's node-state map and event
	// sequence without touching the run state.
	UpdateNodeStates(ctx context.Context, runID string, states map[string]model.NodeState, eventSeq uint64) error

	// ClaimRun acquires the run lease for owner until the given expiry.
	// Fails with ErrLeaseHeld when a different owner holds an unexpired
	// lease.
	ClaimRun(ctx context.Context, runID, owner string, until time.Time) error

	// RenewLease extends the lease; fails with ErrLeaseHeld when the
	// caller no longer owns it.
	RenewLease(ctx context.Context, runID, owner string, until time.Time) error

	// ListRunsNeedingRecovery returns ids of non-terminal runs whose
	// lease expired before now.
	ListRunsNeedingRecovery(ctx context.Context, now time.Time) ([]string, error)

	// CreateWaitToken registers a wait token for an async node.
	CreateWaitToken(ctx context.Context, token, runID, nodeID string) error

	// GetWaitToken returns the token's owner and whether it has been
	// resolved, without changing it.
	GetWaitToken(ctx context.Context, token string) (runID, nodeID string, resolved bool, err error)

	// ResolveWaitToken marks the token resolved and returns its owner.
	// already is true when the token was resolved before (duplicate wake).
	ResolveWaitToken(ctx context.Context, token string) (runID, nodeID string, already bool, err error)

	// ListExpiredWaitTokens returns unresolved tokens created before the
	// cutoff. The expiry sweeper fails the waiting nodes behind them.
	ListExpiredWaitTokens(ctx context.Context, cutoff time.Time) ([]string, error)

	Close() error
}

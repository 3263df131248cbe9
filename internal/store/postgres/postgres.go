// Package postgres implements the Store on PostgreSQL via pgx. All
// cross-row writes run in a single transaction; idempotency keys live in
// their own table so duplicate commits are detected with one insert.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Store is the PostgreSQL-backed implementation.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects to the database and applies pending migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	wf, err := json.Marshal(run.Workflow)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	states, err := json.Marshal(run.NodeStates)
	if err != nil {
		return fmt.Errorf("marshal node states: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (
			id, workflow_id, workflow_version, tenant_id, workflow,
			trigger_payload, priority, state, failure_reason, retry_count,
			idempotency_key, node_states, event_seq, lease_owner,
			lease_expiry, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		run.ID, run.WorkflowID, run.WorkflowVersion, run.TenantID, wf,
		nullableJSON(run.Trigger), run.Priority, string(run.State),
		run.FailureReason, run.RetryCount, run.IdempotencyKey, states,
		run.EventSeq, run.LeaseOwner, run.LeaseExpiry, run.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("run %s: %w", run.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) FindRunByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		selectRun+` WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
	return scanRun(row)
}

func (s *Store) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, selectRun+` WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return run, nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (*model.Run, []*model.Step, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.pool.Query(ctx,
		selectStep+` WHERE run_id = $1 AND state IN ('queued','running') ORDER BY node_id, attempt`,
		runID)
	if err != nil {
		return nil, nil, fmt.Errorf("query open steps: %w", err)
	}
	defer rows.Close()

	var open []*model.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, nil, err
		}
		open = append(open, st)
	}
	return run, open, rows.Err()
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]*model.Step, error) {
	rows, err := s.pool.Query(ctx,
		selectStep+` WHERE run_id = $1 ORDER BY node_id, attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*model.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) AppendStepAttempt(ctx context.Context, step *model.Step) error {
	var errJSON []byte
	if step.Error != nil {
		b, err := json.Marshal(step.Error)
		if err != nil {
			return fmt.Errorf("marshal step error: %w", err)
		}
		errJSON = b
	}

	// The WHERE clause enforces strictly increasing attempt numbers; the
	// unique constraint catches racing inserts of the same attempt.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO steps (
			id, run_id, node_id, attempt, state, idempotency_key,
			input, output, error, queued_at, duration_ms, bytes_in, bytes_out
		)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
		WHERE $4 > COALESCE(
			(SELECT MAX(attempt) FROM steps WHERE run_id = $2 AND node_id = $3), 0)`,
		step.ID, step.RunID, step.NodeID, step.Attempt, string(step.State),
		step.IdempotencyKey, nullableJSON(step.Input), nullableJSON(step.Output),
		nullableJSON(errJSON), step.QueuedAt, step.Duration.Milliseconds(),
		step.BytesIn, step.BytesOut,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("step %s/%s/%d: %w", step.RunID, step.NodeID, step.Attempt, store.ErrAttemptOutOfOrder)
	}
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("step %s/%s/%d: %w", step.RunID, step.NodeID, step.Attempt, store.ErrAttemptOutOfOrder)
	}
	return nil
}

func (s *Store) MarkStepStarted(ctx context.Context, runID, nodeID string, attempt int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE steps SET state = 'running', started_at = $4
		WHERE run_id = $1 AND node_id = $2 AND attempt = $3 AND state = 'queued'`,
		runID, nodeID, attempt, at)
	if err != nil {
		return fmt.Errorf("mark step started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("step %s/%s/%d: %w", runID, nodeID, attempt, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CommitStepResult(ctx context.Context, commit store.StepCommit) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Idempotency gate first: a duplicate delivery must not touch any row.
	tag, err := tx.Exec(ctx, `
		INSERT INTO step_commits (idempotency_key) VALUES ($1)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		commit.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAlreadyCommitted
	}

	var errJSON []byte
	if commit.Error != nil {
		b, merr := json.Marshal(commit.Error)
		if merr != nil {
			return fmt.Errorf("marshal step error: %w", merr)
		}
		errJSON = b
	}

	tag, err = tx.Exec(ctx, `
		UPDATE steps SET
			state = $4, output = $5, error = $6, finished_at = $7,
			duration_ms = $8, bytes_in = $9, bytes_out = $10
		WHERE run_id = $1 AND node_id = $2 AND attempt = $3
		  AND state IN ('queued','running')`,
		commit.RunID, commit.NodeID, commit.Attempt, string(commit.State),
		nullableJSON(commit.Output), nullableJSON(errJSON), commit.FinishedAt,
		commit.Duration.Milliseconds(), commit.BytesIn, commit.BytesOut)
	if err != nil {
		return fmt.Errorf("update step row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAlreadyCommitted
	}

	states, err := json.Marshal(commit.NodeStates)
	if err != nil {
		return fmt.Errorf("marshal node states: %w", err)
	}

	if commit.RunTo != "" {
		tag, err = tx.Exec(ctx, `
			UPDATE runs SET
				node_states = $2, event_seq = $3, state = $4,
				failure_reason = $5, finished_at = $6
			WHERE id = $1 AND state = $7`,
			commit.RunID, states, commit.EventSeq, string(commit.RunTo),
			commit.RunReason, nullableTime(commit.RunFinishedAt), string(commit.RunFrom))
		if err != nil {
			return fmt.Errorf("update run row: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("run %s: %w", commit.RunID, store.ErrStaleState)
		}
	} else {
		if _, err = tx.Exec(ctx, `
			UPDATE runs SET node_states = $2, event_seq = $3 WHERE id = $1`,
			commit.RunID, states, commit.EventSeq); err != nil {
			return fmt.Errorf("update run row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit step result: %w", err)
	}
	return nil
}

func (s *Store) UpdateRunState(ctx context.Context, runID string, from, to model.RunState, reason string) error {
	started := "started_at"
	if to == model.RunRunning {
		started = "COALESCE(started_at, now())"
	}
	finished := "finished_at"
	if to.Terminal() {
		finished = "now()"
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE runs SET state = $3,
			failure_reason = CASE WHEN $4 <> '' THEN $4 ELSE failure_reason END,
			started_at = %s, finished_at = %s
		WHERE id = $1 AND state = $2`, started, finished),
		runID, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, store.ErrStaleState)
	}
	return nil
}

func (s *Store) UpdateNodeStates(ctx context.Context, runID string, nodeStates map[string]model.NodeState, eventSeq uint64) error {
	states, err := json.Marshal(nodeStates)
	if err != nil {
		return fmt.Errorf("marshal node states: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET node_states = $2, event_seq = $3 WHERE id = $1`,
		runID, states, eventSeq)
	if err != nil {
		return fmt.Errorf("update node states: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ClaimRun(ctx context.Context, runID, owner string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET lease_owner = $2, lease_expiry = $3
		WHERE id = $1 AND (lease_owner = '' OR lease_owner = $2 OR lease_expiry < now())`,
		runID, owner, until)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, store.ErrLeaseHeld)
	}
	return nil
}

func (s *Store) RenewLease(ctx context.Context, runID, owner string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET lease_expiry = $3
		WHERE id = $1 AND lease_owner = $2`,
		runID, owner, until)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, store.ErrLeaseHeld)
	}
	return nil
}

func (s *Store) ListRunsNeedingRecovery(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM runs
		WHERE state IN ('pending','running','waiting') AND lease_expiry < $1
		ORDER BY id`, now)
	if err != nil {
		return nil, fmt.Errorf("query recoverable runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CreateWaitToken(ctx context.Context, token, runID, nodeID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wait_tokens (token, run_id, node_id)
		VALUES ($1, $2, $3) ON CONFLICT (token) DO NOTHING`,
		token, runID, nodeID)
	if err != nil {
		return fmt.Errorf("create wait token: %w", err)
	}
	return nil
}

func (s *Store) GetWaitToken(ctx context.Context, token string) (string, string, bool, error) {
	var runID, nodeID string
	var resolved bool
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, node_id, resolved FROM wait_tokens WHERE token = $1`,
		token).Scan(&runID, &nodeID, &resolved)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", false, fmt.Errorf("wait token %s: %w", token, store.ErrNotFound)
	}
	if err != nil {
		return "", "", false, fmt.Errorf("get wait token: %w", err)
	}
	return runID, nodeID, resolved, nil
}

func (s *Store) ResolveWaitToken(ctx context.Context, token string) (string, string, bool, error) {
	var runID, nodeID string
	var already bool
	err := s.pool.QueryRow(ctx, `
		UPDATE wait_tokens SET resolved = TRUE
		WHERE token = $1
		RETURNING run_id, node_id, (SELECT resolved FROM wait_tokens WHERE token = $1)`,
		token).Scan(&runID, &nodeID, &already)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", false, fmt.Errorf("wait token %s: %w", token, store.ErrNotFound)
	}
	if err != nil {
		return "", "", false, fmt.Errorf("resolve wait token: %w", err)
	}
	return runID, nodeID, already, nil
}

func (s *Store) ListExpiredWaitTokens(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token FROM wait_tokens
		WHERE resolved = FALSE AND created_at < $1
		ORDER BY token`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired wait tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const selectRun = `
	SELECT id, workflow_id, workflow_version, tenant_id, workflow,
	       trigger_payload, priority, state, failure_reason, retry_count,
	       idempotency_key, node_states, event_seq, lease_owner,
	       lease_expiry, created_at, started_at, finished_at
	FROM runs`

const selectStep = `
	SELECT id, run_id, node_id, attempt, state, idempotency_key,
	       input, output, error, queued_at, started_at, finished_at,
	       duration_ms, bytes_in, bytes_out
	FROM steps`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		run        model.Run
		wf         []byte
		trigger    []byte
		state      string
		idemKey    *string
		nodeStates []byte
		startedAt  *time.Time
		finishedAt *time.Time
	)
	err := row.Scan(
		&run.ID, &run.WorkflowID, &run.WorkflowVersion, &run.TenantID, &wf,
		&trigger, &run.Priority, &state, &run.FailureReason, &run.RetryCount,
		&idemKey, &nodeStates, &run.EventSeq, &run.LeaseOwner,
		&run.LeaseExpiry, &run.CreatedAt, &startedAt, &finishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.State = model.RunState(state)
	run.Trigger = trigger
	if idemKey != nil {
		run.IdempotencyKey = *idemKey
	}
	if startedAt != nil {
		run.StartedAt = *startedAt
	}
	if finishedAt != nil {
		run.FinishedAt = *finishedAt
	}
	if err := json.Unmarshal(wf, &run.Workflow); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	if err := json.Unmarshal(nodeStates, &run.NodeStates); err != nil {
		return nil, fmt.Errorf("unmarshal node states: %w", err)
	}
	return &run, nil
}

func scanStep(row rowScanner) (*model.Step, error) {
	var (
		st         model.Step
		state      string
		errJSON    []byte
		startedAt  *time.Time
		finishedAt *time.Time
		durationMS int64
	)
	err := row.Scan(
		&st.ID, &st.RunID, &st.NodeID, &st.Attempt, &state, &st.IdempotencyKey,
		&st.Input, &st.Output, &errJSON, &st.QueuedAt, &startedAt, &finishedAt,
		&durationMS, &st.BytesIn, &st.BytesOut,
	)
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	st.State = model.StepState(state)
	st.Duration = time.Duration(durationMS) * time.Millisecond
	if startedAt != nil {
		st.StartedAt = *startedAt
	}
	if finishedAt != nil {
		st.FinishedAt = *finishedAt
	}
	if len(errJSON) > 0 {
		st.Error = &model.StepError{}
		if err := json.Unmarshal(errJSON, st.Error); err != nil {
			return nil, fmt.Errorf("unmarshal step error: %w", err)
		}
	}
	return &st, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

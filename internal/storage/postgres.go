package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sagaworks/orchestrator/internal/domain"
	"github.com/sagaworks/orchestrator/internal/notify"
)

const notifyChannel = notify.Channel

// txKey is the context key used to propagate an open transaction to
// every Store method called inside WithTransaction, mirroring the
// post-commit-callback-free variant of the teacher's transaction
// propagation pattern (context.Value holding the *sql.Tx directly; this
// engine has no post-commit side effects to schedule).
type txKey struct{}

// PostgresStore is the sole Store implementation. It deliberately does
// not abstract over multiple SQL dialects: the specification never
// requires portability across databases, so the teacher's Driver
// interface (SQLite/Postgres/MySQL dispatch) was not carried over. See
// DESIGN.md.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against connStr using the
// pgx stdlib driver, registered under the name "pgx" exactly as the
// teacher's storage layer does.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the underlying pool for the migration runner (and the
// storage integration tests' table reset); nothing else should need
// it.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) conn(ctx context.Context) executorImpl {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return executorImpl{tx}
	}
	return executorImpl{s.db}
}

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type executorImpl struct{ e sqlExecutor }

func (x executorImpl) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return x.e.ExecContext(ctx, q, args...)
}
func (x executorImpl) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return x.e.QueryContext(ctx, q, args...)
}
func (x executorImpl) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return x.e.QueryRowContext(ctx, q, args...)
}

func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		// Already inside a transaction: participate in it rather than
		// nesting, matching the teacher's InTransaction short-circuit.
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Definitions -----------------------------------------------------

func (s *PostgresStore) GetDefinition(ctx context.Context, name, version string) (*domain.WorkflowDefinition, bool, error) {
	row := s.conn(ctx).queryRow(ctx,
		`SELECT steps_json FROM workflow_definitions WHERE name = $1 AND version = $2`,
		name, version)

	var stepsJSON []byte
	if err := row.Scan(&stepsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get definition: %w", err)
	}

	var steps []domain.StepDefinition
	if err := json.Unmarshal(stepsJSON, &steps); err != nil {
		return nil, false, fmt.Errorf("decode definition steps: %w", err)
	}
	return &domain.WorkflowDefinition{Name: name, Version: version, Steps: steps}, true, nil
}

func (s *PostgresStore) PutDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("encode definition steps: %w", err)
	}
	_, err = s.conn(ctx).exec(ctx, `
		INSERT INTO workflow_definitions (name, version, steps_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (name, version) DO UPDATE SET steps_json = EXCLUDED.steps_json`,
		def.Name, def.Version, stepsJSON)
	if err != nil {
		return fmt.Errorf("put definition: %w", err)
	}
	return nil
}

// --- Runs --------------------------------------------------------------

const runColumns = `id, workflow_name, workflow_version, status, input_json, context_json, error_code, error_message, created_at, updated_at`

func scanRun(scan func(dest ...any) error) (*domain.Run, error) {
	var r domain.Run
	var inputJSON, contextJSON []byte
	if err := scan(&r.ID, &r.WorkflowName, &r.WorkflowVersion, &r.Status, &inputJSON, &contextJSON,
		&r.ErrorCode, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Input = inputJSON
	r.Context = contextJSON
	return &r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.conn(ctx).exec(ctx, `
		INSERT INTO workflow_runs (id, workflow_name, workflow_version, status, input_json, context_json, error_code, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		run.ID, run.WorkflowName, run.WorkflowVersion, run.Status, []byte(run.Input), []byte(run.Context), run.ErrorCode, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*domain.Run, bool, error) {
	row := s.conn(ctx).queryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runID)
	r, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get run: %w", err)
	}
	return r, true, nil
}

// LockRun selects the run row FOR UPDATE, requiring an open
// transaction on ctx.
func (s *PostgresStore) LockRun(ctx context.Context, runID string) (*domain.Run, bool, error) {
	row := s.conn(ctx).queryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID)
	r, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lock run: %w", err)
	}
	return r, true, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.conn(ctx).exec(ctx, `
		UPDATE workflow_runs
		SET status = $2, error_code = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1`,
		run.ID, run.Status, run.ErrorCode, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// --- RunSteps ------------------------------------------------------------

const runStepColumns = `run_id, step_id, status, attempts, last_error, started_at, ended_at, output_json, compensation_status, compensation_attempts, compensation_error, created_at, updated_at`

func scanRunStep(scan func(dest ...any) error) (*domain.RunStep, error) {
	var rs domain.RunStep
	var outputJSON []byte
	if err := scan(&rs.RunID, &rs.StepID, &rs.Status, &rs.Attempts, &rs.LastError, &rs.StartedAt, &rs.EndedAt,
		&outputJSON, &rs.CompensationStatus, &rs.CompensationAttempts, &rs.CompensationError, &rs.CreatedAt, &rs.UpdatedAt); err != nil {
		return nil, err
	}
	rs.Output = outputJSON
	return &rs, nil
}

func (s *PostgresStore) CreateRunStep(ctx context.Context, step *domain.RunStep) error {
	_, err := s.conn(ctx).exec(ctx, `
		INSERT INTO run_steps (run_id, step_id, status, attempts, last_error, started_at, ended_at, output_json,
			compensation_status, compensation_attempts, compensation_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())`,
		step.RunID, step.StepID, step.Status, step.Attempts, step.LastError, step.StartedAt, step.EndedAt,
		[]byte(step.Output), step.CompensationStatus, step.CompensationAttempts, step.CompensationError)
	if err != nil {
		return fmt.Errorf("create run step: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRunStep(ctx context.Context, runID, stepID string) (*domain.RunStep, bool, error) {
	row := s.conn(ctx).queryRow(ctx, `SELECT `+runStepColumns+` FROM run_steps WHERE run_id = $1 AND step_id = $2`, runID, stepID)
	rs, err := scanRunStep(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get run step: %w", err)
	}
	return rs, true, nil
}

func (s *PostgresStore) LockRunStep(ctx context.Context, runID, stepID string) (*domain.RunStep, bool, error) {
	row := s.conn(ctx).queryRow(ctx, `SELECT `+runStepColumns+` FROM run_steps WHERE run_id = $1 AND step_id = $2 FOR UPDATE`, runID, stepID)
	rs, err := scanRunStep(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lock run step: %w", err)
	}
	return rs, true, nil
}

func (s *PostgresStore) ListRunSteps(ctx context.Context, runID string) ([]domain.RunStep, error) {
	rows, err := s.conn(ctx).query(ctx, `SELECT `+runStepColumns+` FROM run_steps WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}
	defer rows.Close()

	var out []domain.RunStep
	for rows.Next() {
		rs, err := scanRunStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run step: %w", err)
		}
		out = append(out, *rs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateRunStep(ctx context.Context, step *domain.RunStep) error {
	_, err := s.conn(ctx).exec(ctx, `
		UPDATE run_steps
		SET status = $3, attempts = $4, last_error = $5, started_at = $6, ended_at = $7, output_json = $8,
			compensation_status = $9, compensation_attempts = $10, compensation_error = $11, updated_at = NOW()
		WHERE run_id = $1 AND step_id = $2`,
		step.RunID, step.StepID, step.Status, step.Attempts, step.LastError, step.StartedAt, step.EndedAt,
		[]byte(step.Output), step.CompensationStatus, step.CompensationAttempts, step.CompensationError)
	if err != nil {
		return fmt.Errorf("update run step: %w", err)
	}
	return nil
}

// --- StepAttempts --------------------------------------------------------

func (s *PostgresStore) InsertStepAttempt(ctx context.Context, attempt *domain.StepAttempt) error {
	_, err := s.conn(ctx).exec(ctx, `
		INSERT INTO step_attempts (run_id, step_id, attempt_no, attempt_type, status, http_status, duration_ms, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (run_id, step_id, attempt_no, attempt_type) DO NOTHING`,
		attempt.RunID, attempt.StepID, attempt.AttemptNo, attempt.AttemptType, attempt.Status,
		attempt.HTTPStatus, attempt.DurationMs, attempt.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert step attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountActionAttempts(ctx context.Context, runID, stepID string) (int, error) {
	row := s.conn(ctx).queryRow(ctx,
		`SELECT COUNT(*) FROM step_attempts WHERE run_id = $1 AND step_id = $2 AND attempt_type = $3`,
		runID, stepID, domain.AttemptAction)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count action attempts: %w", err)
	}
	return count, nil
}

// --- Outbox ----------------------------------------------------------------

func (s *PostgresStore) EnqueueOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	row := s.conn(ctx).queryRow(ctx, `
		INSERT INTO outbox (run_id, type, payload_json, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, NOW())
		RETURNING id, created_at`,
		msg.RunID, msg.Type, []byte(msg.Payload), domain.OutboxPending, msg.NextAttemptAt)
	if err := row.Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	msg.Status = domain.OutboxPending
	s.notifyOutboxPending(ctx)
	return nil
}

// notifyOutboxPending sends the optional LISTEN/NOTIFY wake hint. A
// notification issued inside an open transaction is only delivered to
// listeners after that transaction commits, which is exactly the
// timing an outbox wake hint needs. Failure is ignored, never
// propagated: the poller's own interval is always sufficient on its
// own, per the design notes.
func (s *PostgresStore) notifyOutboxPending(ctx context.Context) {
	if _, err := s.conn(ctx).exec(ctx, `SELECT pg_notify($1, '')`, notifyChannel); err != nil {
		// Best-effort: polling remains correct without this.
		_ = err
	}
}

// ClaimOutbox implements the claim protocol of the design: the oldest
// eligible row (pending-and-due, or in-flight-with-expired-lease) is
// selected FOR UPDATE SKIP LOCKED and atomically flipped to IN_FLIGHT
// in one statement via a CTE, so concurrent claimers never observe or
// double-claim the same row.
func (s *PostgresStore) ClaimOutbox(ctx context.Context, workerID string, leaseTTL time.Duration) (*domain.OutboxMessage, bool, error) {
	row := s.conn(ctx).queryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM outbox
			WHERE (status = $1 AND next_attempt_at <= NOW())
			   OR (status = $2 AND lock_acquired_at < NOW() - $3::interval)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE outbox
		SET status = $2, lock_owner = $4, lock_acquired_at = NOW(), attempts = attempts + 1
		WHERE id = (SELECT id FROM candidate)
		RETURNING id, run_id, type, payload_json, status, attempts, next_attempt_at, lock_owner, lock_acquired_at, created_at`,
		domain.OutboxPending, domain.OutboxInFlight, fmt.Sprintf("%d milliseconds", leaseTTL.Milliseconds()), workerID)

	var msg domain.OutboxMessage
	var payloadJSON []byte
	err := row.Scan(&msg.ID, &msg.RunID, &msg.Type, &payloadJSON, &msg.Status, &msg.Attempts,
		&msg.NextAttemptAt, &msg.LockOwner, &msg.LockAcquiredAt, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim outbox: %w", err)
	}
	msg.Payload = payloadJSON
	return &msg, true, nil
}

func (s *PostgresStore) MarkOutboxDone(ctx context.Context, id int64) error {
	_, err := s.conn(ctx).exec(ctx, `
		UPDATE outbox SET status = $2, lock_owner = NULL, lock_acquired_at = NULL WHERE id = $1`,
		id, domain.OutboxDone)
	if err != nil {
		return fmt.Errorf("mark outbox done: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueOutbox(ctx context.Context, id int64, nextAttemptAt time.Time, procErr error) error {
	_, err := s.conn(ctx).exec(ctx, `
		UPDATE outbox SET status = $2, lock_owner = NULL, lock_acquired_at = NULL, next_attempt_at = $3 WHERE id = $1`,
		id, domain.OutboxPending, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("requeue outbox: %w", err)
	}
	s.notifyOutboxPending(ctx)
	return nil
}

func (s *PostgresStore) OutboxStats(ctx context.Context) (int64, float64, error) {
	row := s.conn(ctx).queryRow(ctx, `
		SELECT COUNT(*), COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(created_at))), 0)
		FROM outbox WHERE status = $1`, domain.OutboxPending)
	var backlog int64
	var oldestAge float64
	if err := row.Scan(&backlog, &oldestAge); err != nil {
		return 0, 0, fmt.Errorf("outbox stats: %w", err)
	}
	return backlog, oldestAge, nil
}

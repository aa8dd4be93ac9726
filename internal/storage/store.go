// Package storage is the engine's sole persistence boundary. It exposes
// the two primitives named in the design: a single-statement query
// (the individual methods below) and a scoped transaction
// (WithTransaction) that commits on success and rolls back on any
// returned error before re-raising it.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sagaworks/orchestrator/internal/domain"
)

// DefaultClaimBatchLimit is the "up to 10 times" constant of the poller's
// per-tick claim loop, exposed here because the claim query itself is
// a Store responsibility.
const DefaultClaimBatchLimit = 10

// Store is the full persistence surface the engine, intake, and control
// API depend on. The only implementation shipped is Postgres; see
// DESIGN.md for why no multi-dialect Driver abstraction was carried
// over from the teacher.
type Store interface {
	// WithTransaction runs fn inside a single transaction. fn receives
	// a context carrying the open transaction; every Store method
	// called with that context participates in it. fn's error, if
	// any, rolls the transaction back and is returned unchanged.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Definitions.
	GetDefinition(ctx context.Context, name, version string) (*domain.WorkflowDefinition, bool, error)
	PutDefinition(ctx context.Context, def *domain.WorkflowDefinition) error

	// Runs.
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, bool, error)
	LockRun(ctx context.Context, runID string) (*domain.Run, bool, error)
	UpdateRun(ctx context.Context, run *domain.Run) error

	// RunSteps.
	CreateRunStep(ctx context.Context, step *domain.RunStep) error
	GetRunStep(ctx context.Context, runID, stepID string) (*domain.RunStep, bool, error)
	LockRunStep(ctx context.Context, runID, stepID string) (*domain.RunStep, bool, error)
	ListRunSteps(ctx context.Context, runID string) ([]domain.RunStep, error)
	UpdateRunStep(ctx context.Context, step *domain.RunStep) error

	// StepAttempts.
	InsertStepAttempt(ctx context.Context, attempt *domain.StepAttempt) error
	CountActionAttempts(ctx context.Context, runID, stepID string) (int, error)

	// Outbox.
	EnqueueOutbox(ctx context.Context, msg *domain.OutboxMessage) error
	ClaimOutbox(ctx context.Context, workerID string, leaseTTL time.Duration) (*domain.OutboxMessage, bool, error)
	MarkOutboxDone(ctx context.Context, id int64) error
	RequeueOutbox(ctx context.Context, id int64, nextAttemptAt time.Time, err error) error
	OutboxStats(ctx context.Context) (backlog int64, oldestPendingAgeSeconds float64, err error)

	Close() error
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

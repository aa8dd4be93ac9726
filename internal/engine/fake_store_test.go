package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sagaworks/orchestrator/internal/domain"
)

// fakeStore is an in-memory storage.Store double used by the engine's
// unit tests. It is not concurrency-optimized: a single coarse mutex
// stands in for row-level locking, which is sufficient since these
// tests drive the engine sequentially.
type fakeStore struct {
	mu sync.Mutex

	definitions map[string]*domain.WorkflowDefinition
	runs        map[string]*domain.Run
	steps       map[string]*domain.RunStep
	attempts    []domain.StepAttempt
	outbox      []*domain.OutboxMessage
	nextOutboxID int64

	inTx bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		definitions: map[string]*domain.WorkflowDefinition{},
		runs:        map[string]*domain.Run{},
		steps:       map[string]*domain.RunStep{},
	}
}

func defKey(name, version string) string { return name + "@" + version }
func stepKey(runID, stepID string) string { return runID + "/" + stepID }

func (f *fakeStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(ctx)
}

func (f *fakeStore) GetDefinition(ctx context.Context, name, version string) (*domain.WorkflowDefinition, bool, error) {
	def, ok := f.definitions[defKey(name, version)]
	return def, ok, nil
}

func (f *fakeStore) PutDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	f.definitions[defKey(def.Name, def.Version)] = def
	return nil
}

func (f *fakeStore) CreateRun(ctx context.Context, run *domain.Run) error {
	cp := *run
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*domain.Run, bool, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, false, nil
	}
	cp := *run
	return &cp, true, nil
}

func (f *fakeStore) LockRun(ctx context.Context, runID string) (*domain.Run, bool, error) {
	return f.GetRun(ctx, runID)
}

func (f *fakeStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	cp := *run
	cp.UpdatedAt = time.Now()
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) CreateRunStep(ctx context.Context, step *domain.RunStep) error {
	cp := *step
	f.steps[stepKey(step.RunID, step.StepID)] = &cp
	return nil
}

func (f *fakeStore) GetRunStep(ctx context.Context, runID, stepID string) (*domain.RunStep, bool, error) {
	step, ok := f.steps[stepKey(runID, stepID)]
	if !ok {
		return nil, false, nil
	}
	cp := *step
	return &cp, true, nil
}

func (f *fakeStore) LockRunStep(ctx context.Context, runID, stepID string) (*domain.RunStep, bool, error) {
	return f.GetRunStep(ctx, runID, stepID)
}

func (f *fakeStore) ListRunSteps(ctx context.Context, runID string) ([]domain.RunStep, error) {
	var out []domain.RunStep
	for _, s := range f.steps {
		if s.RunID == runID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRunStep(ctx context.Context, step *domain.RunStep) error {
	cp := *step
	f.steps[stepKey(step.RunID, step.StepID)] = &cp
	return nil
}

func (f *fakeStore) InsertStepAttempt(ctx context.Context, attempt *domain.StepAttempt) error {
	f.attempts = append(f.attempts, *attempt)
	return nil
}

func (f *fakeStore) CountActionAttempts(ctx context.Context, runID, stepID string) (int, error) {
	n := 0
	for _, a := range f.attempts {
		if a.RunID == runID && a.StepID == stepID && a.AttemptType == domain.AttemptAction {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) EnqueueOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	f.nextOutboxID++
	cp := *msg
	cp.ID = f.nextOutboxID
	cp.Status = domain.OutboxPending
	cp.CreatedAt = time.Now()
	f.outbox = append(f.outbox, &cp)
	return nil
}

func (f *fakeStore) ClaimOutbox(ctx context.Context, workerID string, leaseTTL time.Duration) (*domain.OutboxMessage, bool, error) {
	var best *domain.OutboxMessage
	for _, m := range f.outbox {
		if m.Status != domain.OutboxPending {
			continue
		}
		if m.NextAttemptAt.After(time.Now()) {
			continue
		}
		if best == nil || m.CreatedAt.Before(best.CreatedAt) {
			best = m
		}
	}
	if best == nil {
		return nil, false, nil
	}
	best.Status = domain.OutboxInFlight
	owner := workerID
	best.LockOwner = &owner
	cp := *best
	return &cp, true, nil
}

func (f *fakeStore) MarkOutboxDone(ctx context.Context, id int64) error {
	for _, m := range f.outbox {
		if m.ID == id {
			m.Status = domain.OutboxDone
		}
	}
	return nil
}

func (f *fakeStore) RequeueOutbox(ctx context.Context, id int64, nextAttemptAt time.Time, procErr error) error {
	for _, m := range f.outbox {
		if m.ID == id {
			m.Status = domain.OutboxPending
			m.NextAttemptAt = nextAttemptAt
			m.LockOwner = nil
		}
	}
	return nil
}

func (f *fakeStore) OutboxStats(ctx context.Context) (int64, float64, error) {
	var backlog int64
	for _, m := range f.outbox {
		if m.Status == domain.OutboxPending {
			backlog++
		}
	}
	return backlog, 0, nil
}

func (f *fakeStore) Close() error { return nil }

package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sagaworks/orchestrator/internal/domain"
	"github.com/sagaworks/orchestrator/internal/hooks"
	"github.com/sagaworks/orchestrator/internal/httpexec"
)

func testDefinition(t *testing.T, downstream *httptest.Server, onFailure domain.OnFailure) *domain.WorkflowDefinition {
	t.Helper()
	rp := domain.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 10, MaxDelayMs: 100, Multiplier: 2, Jitter: 0}
	return &domain.WorkflowDefinition{
		Name: "test-workflow", Version: "1.0.0",
		Steps: []domain.StepDefinition{
			{
				StepID:      "charge-payment",
				Action:      domain.HttpRequestSpec{Method: "POST", URL: downstream.URL + "/charge", Body: map[string]any{"orderId": "{{input.orderId}}"}},
				Compensation: &domain.HttpRequestSpec{Method: "POST", URL: downstream.URL + "/refund"},
				TimeoutMs:   1000, RetryPolicy: rp, OnFailure: onFailure,
			},
			{
				StepID:    "reserve-inventory",
				Action:    domain.HttpRequestSpec{Method: "POST", URL: downstream.URL + "/reserve"},
				TimeoutMs: 1000, RetryPolicy: rp, OnFailure: onFailure,
			},
		},
	}
}

func newTestEngine(t *testing.T, store *fakeStore) *Engine {
	t.Helper()
	e := New(store, httpexec.New(), hooks.NoOpHooks{})
	e.Rand = func() float64 { return 0 }
	return e
}

func seedRun(t *testing.T, store *fakeStore, def *domain.WorkflowDefinition) *domain.Run {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.PutDefinition(ctx, def))
	run := &domain.Run{
		ID: "run-1", WorkflowName: def.Name, WorkflowVersion: def.Version,
		Status: domain.RunPending, Input: json.RawMessage(`{"orderId":"o-1"}`), Context: json.RawMessage(`{}`),
	}
	require.NoError(t, store.CreateRun(ctx, run))
	for _, s := range def.Steps {
		require.NoError(t, store.CreateRunStep(ctx, &domain.RunStep{
			RunID: run.ID, StepID: s.StepID, Status: domain.RunStepPending, CompensationStatus: domain.CompensationPending,
		}))
	}
	return run
}

func TestExecuteStep_SuccessEnqueuesNextStep(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	e := newTestEngine(t, store)

	err := e.ExecuteStep(ctx, domain.ExecuteStepPayload{RunID: run.ID, StepID: "charge-payment", ScheduledBy: domain.ScheduledByStart})
	require.NoError(t, err)

	step, found, err := store.GetRunStep(ctx, run.ID, "charge-payment")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.RunStepSucceeded, step.Status)

	require.Len(t, store.outbox, 1)
	var payload domain.ExecuteStepPayload
	require.NoError(t, json.Unmarshal(store.outbox[0].Payload, &payload))
	require.Equal(t, "reserve-inventory", payload.StepID)
	require.Equal(t, domain.ScheduledByNextStep, payload.ScheduledBy)
}

func TestExecuteStep_LastStepSuccessCompletesRun(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	e := newTestEngine(t, store)

	require.NoError(t, e.ExecuteStep(ctx, domain.ExecuteStepPayload{RunID: run.ID, StepID: "reserve-inventory"}))

	got, found, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.RunCompleted, got.Status)
}

func TestExecuteStep_TransientFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	e := newTestEngine(t, store)

	require.NoError(t, e.ExecuteStep(ctx, domain.ExecuteStepPayload{RunID: run.ID, StepID: "charge-payment"}))

	step, _, err := store.GetRunStep(ctx, run.ID, "charge-payment")
	require.NoError(t, err)
	require.Equal(t, domain.RunStepFailed, step.Status)
	require.Equal(t, 1, step.Attempts)

	require.Len(t, store.outbox, 1)
	var payload domain.ExecuteStepPayload
	require.NoError(t, json.Unmarshal(store.outbox[0].Payload, &payload))
	require.Equal(t, "charge-payment", payload.StepID)
	require.Equal(t, domain.ScheduledByRetry, payload.ScheduledBy)

	got, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, got.Status)
}

func TestExecuteStep_PermanentFailureWithoutPriorSuccessFailsRun(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	e := newTestEngine(t, store)

	require.NoError(t, e.ExecuteStep(ctx, domain.ExecuteStepPayload{RunID: run.ID, StepID: "charge-payment"}))

	got, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	require.Equal(t, domain.ErrorCodeStepFailed, *got.ErrorCode)
	require.Empty(t, store.outbox)
}

func TestExecuteStep_PermanentFailureAfterPriorSuccessSchedulesCompensation(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	require.NoError(t, store.UpdateRunStep(ctx, &domain.RunStep{
		RunID: run.ID, StepID: "charge-payment", Status: domain.RunStepSucceeded, CompensationStatus: domain.CompensationPending,
	}))
	e := newTestEngine(t, store)

	require.NoError(t, e.ExecuteStep(ctx, domain.ExecuteStepPayload{RunID: run.ID, StepID: "reserve-inventory"}))

	got, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompensating, got.Status)

	require.Len(t, store.outbox, 1)
	var payload domain.ExecuteCompensationPayload
	require.NoError(t, json.Unmarshal(store.outbox[0].Payload, &payload))
	require.Equal(t, []string{"charge-payment"}, payload.Queue)
}

func TestExecuteStep_HaltOnFailureDoesNotCompensate(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureHalt)
	run := seedRun(t, store, def)
	require.NoError(t, store.UpdateRunStep(ctx, &domain.RunStep{
		RunID: run.ID, StepID: "charge-payment", Status: domain.RunStepSucceeded, CompensationStatus: domain.CompensationPending,
	}))
	e := newTestEngine(t, store)

	require.NoError(t, e.ExecuteStep(ctx, domain.ExecuteStepPayload{RunID: run.ID, StepID: "reserve-inventory"}))

	got, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, got.Status)
	require.Empty(t, store.outbox)
}

func TestExecuteStep_AbsorbingTerminalRunIsNoOp(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("downstream should not be called for a terminal run")
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	run.Status = domain.RunCompleted
	require.NoError(t, store.UpdateRun(ctx, run))
	e := newTestEngine(t, store)

	require.NoError(t, e.ExecuteStep(ctx, domain.ExecuteStepPayload{RunID: run.ID, StepID: "charge-payment"}))
}

func TestExecuteCompensation_SkipsStepWithNoCompensationSpec(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	require.NoError(t, store.UpdateRun(ctx, &domain.Run{ID: run.ID, WorkflowName: run.WorkflowName, WorkflowVersion: run.WorkflowVersion, Status: domain.RunCompensating}))
	e := newTestEngine(t, store)

	// reserve-inventory has no Compensation spec: it should be marked
	// SKIPPED and compensation should finalize immediately since it was
	// the only entry in the queue.
	err := e.ExecuteCompensation(ctx, domain.ExecuteCompensationPayload{RunID: run.ID, Queue: []string{"reserve-inventory"}, Reason: domain.CompensationReasonStepFailure})
	require.NoError(t, err)

	step, _, err := store.GetRunStep(ctx, run.ID, "reserve-inventory")
	require.NoError(t, err)
	require.Equal(t, domain.CompensationSkipped, step.CompensationStatus)

	got, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompensated, got.Status)
}

func TestExecuteCompensation_SuccessOnLastEntryFinalizesRun(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	require.NoError(t, store.UpdateRun(ctx, &domain.Run{ID: run.ID, WorkflowName: run.WorkflowName, WorkflowVersion: run.WorkflowVersion, Status: domain.RunCompensating}))
	e := newTestEngine(t, store)

	err := e.ExecuteCompensation(ctx, domain.ExecuteCompensationPayload{RunID: run.ID, Queue: []string{"charge-payment"}, Reason: domain.CompensationReasonStepFailure})
	require.NoError(t, err)

	step, _, err := store.GetRunStep(ctx, run.ID, "charge-payment")
	require.NoError(t, err)
	require.Equal(t, domain.CompensationCompensated, step.CompensationStatus)

	got, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompensated, got.Status)
}

func TestCancel_NoStepsSucceededCancelsDirectly(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no compensation call expected")
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	e := newTestEngine(t, store)

	status, err := e.Cancel(ctx, run.ID, true)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, status)

	got, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, got.Status)
	require.Empty(t, store.outbox)
}

func TestCancel_WithSucceededStepsSchedulesCompensation(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	require.NoError(t, store.UpdateRunStep(ctx, &domain.RunStep{
		RunID: run.ID, StepID: "charge-payment", Status: domain.RunStepSucceeded, CompensationStatus: domain.CompensationPending,
	}))
	e := newTestEngine(t, store)

	status, err := e.Cancel(ctx, run.ID, true)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompensating, status)

	got, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompensating, got.Status)
	require.Len(t, store.outbox, 1)
}

func TestCancel_WithoutCompensateSkipsQueueEvenWithSucceededSteps(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no compensation call expected")
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	require.NoError(t, store.UpdateRunStep(ctx, &domain.RunStep{
		RunID: run.ID, StepID: "charge-payment", Status: domain.RunStepSucceeded, CompensationStatus: domain.CompensationPending,
	}))
	e := newTestEngine(t, store)

	status, err := e.Cancel(ctx, run.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, status)

	got, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, got.Status)
	require.Empty(t, store.outbox)
}

func TestCancel_AlreadyTerminalReturnsErrRunTerminal(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	run.Status = domain.RunCompleted
	require.NoError(t, store.UpdateRun(ctx, run))
	e := newTestEngine(t, store)

	_, err := e.Cancel(ctx, run.ID, true)
	require.ErrorIs(t, err, domain.ErrRunTerminal)
}

func TestManualRetry_EnqueuesExecuteStep(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	e := newTestEngine(t, store)

	require.NoError(t, e.ManualRetry(ctx, run.ID, "charge-payment"))
	require.Len(t, store.outbox, 1)
	var payload domain.ExecuteStepPayload
	require.NoError(t, json.Unmarshal(store.outbox[0].Payload, &payload))
	require.Equal(t, domain.ScheduledByManualRetry, payload.ScheduledBy)
}

func TestManualRetry_ResetsFailedStepAndRunSynchronously(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	run := seedRun(t, store, def)
	run.Status = domain.RunFailed
	run.ErrorCode = strPtr(domain.ErrorCodeStepFailed)
	run.ErrorMessage = strPtr("boom")
	require.NoError(t, store.UpdateRun(ctx, run))

	endedAt := time.Now()
	require.NoError(t, store.UpdateRunStep(ctx, &domain.RunStep{
		RunID: run.ID, StepID: "charge-payment", Status: domain.RunStepFailed,
		LastError: strPtr("boom"), EndedAt: &endedAt, CompensationStatus: domain.CompensationPending,
	}))
	e := newTestEngine(t, store)

	require.NoError(t, e.ManualRetry(ctx, run.ID, "charge-payment"))

	gotRun, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, gotRun.Status)
	require.Nil(t, gotRun.ErrorCode)
	require.Nil(t, gotRun.ErrorMessage)

	gotStep, _, err := store.GetRunStep(ctx, run.ID, "charge-payment")
	require.NoError(t, err)
	require.Equal(t, domain.RunStepPending, gotStep.Status)
	require.Nil(t, gotStep.LastError)
	require.Nil(t, gotStep.EndedAt)
}

func TestManualRetry_UnknownRunReturnsErrRunNotFound(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e := newTestEngine(t, store)
	err := e.ManualRetry(ctx, "missing-run", "charge-payment")
	require.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestStartRun_SeedsStepsAndEnqueuesFirstStep(t *testing.T) {
	ctx := context.Background()
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureCompensate)
	require.NoError(t, store.PutDefinition(ctx, def))
	e := newTestEngine(t, store)

	run, err := e.StartRun(ctx, def.Name, def.Version, json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, domain.RunPending, run.Status)

	steps, err := store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	require.Len(t, store.outbox, 1)
	var payload domain.ExecuteStepPayload
	require.NoError(t, json.Unmarshal(store.outbox[0].Payload, &payload))
	require.Equal(t, "charge-payment", payload.StepID)
	require.Equal(t, domain.ScheduledByStart, payload.ScheduledBy)
}

func TestStartRun_UnknownDefinitionReturnsErrDefinitionNotFound(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e := newTestEngine(t, store)
	_, err := e.StartRun(ctx, "nope", "1.0.0", json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrDefinitionNotFound)
}

func TestExecuteStep_ExhaustedRetriesUsesConfiguredMaxAttempts(t *testing.T) {
	ctx := context.Background()
	var calls int
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer downstream.Close()

	store := newFakeStore()
	def := testDefinition(t, downstream, domain.OnFailureHalt)
	run := seedRun(t, store, def)
	e := newTestEngine(t, store)
	e.Now = func() time.Time { return time.Now() }

	stepID := "charge-payment"
	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, e.ExecuteStep(ctx, domain.ExecuteStepPayload{RunID: run.ID, StepID: stepID}))
		// Drain the enqueued retry, if any, back into a direct call
		// rather than exercising the poller here.
		if len(store.outbox) == 0 {
			break
		}
		store.outbox = nil
	}
	require.Equal(t, 3, calls)

	got, _, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, got.Status)
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagaworks/orchestrator/internal/domain"
	"github.com/sagaworks/orchestrator/internal/httpexec"
	"github.com/sagaworks/orchestrator/internal/render"
	"github.com/sagaworks/orchestrator/internal/retry"
)

// ExecuteStep runs the EXECUTE_STEP outbox handler described in the
// design: reserve, render, invoke, persist, and either advance the run
// or schedule its retry/compensation/failure.
func (e *Engine) ExecuteStep(ctx context.Context, payload domain.ExecuteStepPayload) error {
	run, found, err := e.Store.GetRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if !found {
		slog.Warn("execute_step: run not found, treating as no-op", "run_id", payload.RunID)
		return nil
	}
	if run.Status.IsAbsorbingTerminal() {
		return nil
	}

	def, found, err := e.Store.GetDefinition(ctx, run.WorkflowName, run.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("load definition: %w", err)
	}
	if !found {
		return e.failRun(ctx, payload.RunID, domain.ErrorCodeWorkflowNotFound,
			(&domain.WorkflowNotFoundError{WorkflowName: run.WorkflowName, WorkflowVersion: run.WorkflowVersion}).Error())
	}
	stepDef, found := def.StepByID(payload.StepID)
	if !found {
		return e.failRun(ctx, payload.RunID, domain.ErrorCodeStepNotFound,
			(&domain.StepNotFoundError{RunID: payload.RunID, StepID: payload.StepID}).Error())
	}

	attemptNo, skip, err := e.reserveStepAttempt(ctx, payload.RunID, payload.StepID)
	if err != nil {
		return fmt.Errorf("reserve step attempt: %w", err)
	}
	if skip {
		return nil
	}

	// Reload the run for the envelope: intake input/context are
	// immutable so this is safe to read outside the reservation
	// transaction.
	run, _, err = e.Store.GetRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}

	env := e.envelopeFor(run)
	req := renderRequest(stepDef.Action, env)

	correlationID := correlationIDFor(run, payload.RunID)
	extraHeaders := map[string]string{
		"x-idempotency-key": fmt.Sprintf("%s:%s:%d", payload.RunID, payload.StepID, attemptNo),
		"x-correlation-id":  correlationID,
	}

	e.Hooks.OnStepAttemptStart(ctx, hooksStartInfo(payload.RunID, payload.StepID, attemptNo, "ACTION", e.now()))
	result := e.HTTP.Execute(ctx, req, httpexec.Options{TimeoutMs: stepDef.TimeoutMs, ExtraHeaders: extraHeaders})
	e.Hooks.OnStepAttemptComplete(ctx, hooksCompleteInfo(payload.RunID, payload.StepID, attemptNo, "ACTION", result))

	if result.OK {
		return e.onStepSuccess(ctx, def, &stepDef, payload.RunID, attemptNo, result)
	}
	return e.onStepFailure(ctx, def, &stepDef, payload.RunID, attemptNo, result)
}

// reserveStepAttempt implements the design's step-3 reservation: lock
// run and step, skip if either is already absorbing/terminal/running,
// otherwise transition both and return the new attempt number.
func (e *Engine) reserveStepAttempt(ctx context.Context, runID, stepID string) (attemptNo int, skip bool, err error) {
	err = e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		run, found, err := e.Store.LockRun(ctx, runID)
		if err != nil || !found {
			skip = true
			return err
		}
		if run.Status.IsAbsorbingTerminal() {
			skip = true
			return nil
		}

		step, found, err := e.Store.LockRunStep(ctx, runID, stepID)
		if err != nil || !found {
			skip = true
			return err
		}
		if step.Status == domain.RunStepSucceeded || step.Status == domain.RunStepCompensated || step.Status == domain.RunStepRunning {
			skip = true
			return nil
		}

		if run.Status == domain.RunPending || run.Status == domain.RunFailed || run.Status == domain.RunRunning {
			run.Status = domain.RunRunning
			run.ErrorCode = nil
			run.ErrorMessage = nil
			if err := e.Store.UpdateRun(ctx, run); err != nil {
				return err
			}
		}

		step.Status = domain.RunStepRunning
		step.Attempts++
		if step.StartedAt == nil {
			now := e.now()
			step.StartedAt = &now
		}
		if err := e.Store.UpdateRunStep(ctx, step); err != nil {
			return err
		}
		attemptNo = step.Attempts
		return nil
	})
	return attemptNo, skip, err
}

func (e *Engine) onStepSuccess(ctx context.Context, def *domain.WorkflowDefinition, stepDef *domain.StepDefinition, runID string, attemptNo int, result httpexec.Result) error {
	return e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		run, found, err := e.Store.LockRun(ctx, runID)
		if err != nil || !found {
			return err
		}
		if err := e.Store.InsertStepAttempt(ctx, &domain.StepAttempt{
			RunID: runID, StepID: stepDef.StepID, AttemptNo: attemptNo, AttemptType: domain.AttemptAction,
			Status: domain.AttemptSuccess, HTTPStatus: result.StatusCode, DurationMs: result.DurationMs,
		}); err != nil {
			return err
		}

		step, found, err := e.Store.GetRunStep(ctx, runID, stepDef.StepID)
		if err != nil || !found {
			return err
		}
		now := e.now()
		step.Status = domain.RunStepSucceeded
		step.EndedAt = &now
		step.Output = encodeOutput(result.Body)
		step.LastError = nil
		if err := e.Store.UpdateRunStep(ctx, step); err != nil {
			return err
		}

		if nextStepID, ok := def.NextStepID(stepDef.StepID); ok {
			return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
				RunID: runID, Type: domain.OutboxExecuteStep,
				Payload:       mustMarshal(domain.ExecuteStepPayload{RunID: runID, StepID: nextStepID, ScheduledBy: domain.ScheduledByNextStep}),
				NextAttemptAt: now,
			})
		}

		if run.Status.IsAbsorbingTerminal() {
			return nil
		}
		run.Status = domain.RunCompleted
		run.ErrorCode = nil
		run.ErrorMessage = nil
		if err := e.Store.UpdateRun(ctx, run); err != nil {
			return err
		}
		e.Hooks.OnRunTerminal(ctx, hooksTerminalInfo(runID, run.Status, ""))
		return nil
	})
}

func (e *Engine) onStepFailure(ctx context.Context, def *domain.WorkflowDefinition, stepDef *domain.StepDefinition, runID string, attemptNo int, result httpexec.Result) error {
	decision := retry.IsTransientFailure(result.TimedOut, result.NetworkError, result.StatusCode, stepDef.RetryPolicy.RetryOn409)
	shouldRetry := retry.ShouldRetry(decision, attemptNo, stepDef.RetryPolicy.MaxAttempts)
	errMsg := httpErrorMessage(result)

	var terminalStatus domain.RunStatus
	var terminalErrorCode string

	err := e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		run, found, err := e.Store.LockRun(ctx, runID)
		if err != nil || !found {
			return err
		}
		if err := e.Store.InsertStepAttempt(ctx, &domain.StepAttempt{
			RunID: runID, StepID: stepDef.StepID, AttemptNo: attemptNo, AttemptType: domain.AttemptAction,
			Status: domain.AttemptFail, HTTPStatus: result.StatusCode, DurationMs: result.DurationMs, ErrorMessage: errMsg,
		}); err != nil {
			return err
		}

		step, found, err := e.Store.GetRunStep(ctx, runID, stepDef.StepID)
		if err != nil || !found {
			return err
		}
		now := e.now()
		step.Status = domain.RunStepFailed
		step.EndedAt = &now
		step.LastError = errMsg
		if err := e.Store.UpdateRunStep(ctx, step); err != nil {
			return err
		}

		if shouldRetry {
			delayMs := retry.ComputeBackoffMs(stepDef.RetryPolicy, attemptNo, e.rnd())
			return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
				RunID: runID, Type: domain.OutboxExecuteStep,
				Payload:       mustMarshal(domain.ExecuteStepPayload{RunID: runID, StepID: stepDef.StepID, ScheduledBy: domain.ScheduledByRetry}),
				NextAttemptAt: now.Add(time.Duration(delayMs) * time.Millisecond),
			})
		}

		if run.Status.IsAbsorbingTerminal() {
			return nil
		}

		if stepDef.OnFailure == domain.OnFailureCompensate {
			steps, err := e.Store.ListRunSteps(ctx, runID)
			if err != nil {
				return err
			}
			queue := compensationQueue(def, succeededStepIDs(steps))
			if len(queue) > 0 {
				run.Status = domain.RunCompensating
				run.ErrorCode = strPtr(domain.ErrorCodeStepFailed)
				run.ErrorMessage = errMsg
				if err := e.Store.UpdateRun(ctx, run); err != nil {
					return err
				}
				terminalStatus = ""
				return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
					RunID: runID, Type: domain.OutboxExecuteCompensation,
					Payload: mustMarshal(domain.ExecuteCompensationPayload{
						RunID: runID, Queue: queue, Reason: domain.CompensationReasonStepFailure,
					}),
					NextAttemptAt: now,
				})
			}
		}

		run.Status = domain.RunFailed
		run.ErrorCode = strPtr(domain.ErrorCodeStepFailed)
		run.ErrorMessage = errMsg
		terminalStatus = domain.RunFailed
		terminalErrorCode = domain.ErrorCodeStepFailed
		return e.Store.UpdateRun(ctx, run)
	})
	if err != nil {
		return err
	}
	if terminalStatus != "" {
		e.Hooks.OnRunTerminal(ctx, hooksTerminalInfo(runID, terminalStatus, terminalErrorCode))
	}
	return nil
}

// failRun terminally fails a run with a definition-level error
// (WORKFLOW_NOT_FOUND, STEP_NOT_FOUND), guarded the same way every
// other transition is: absorbing-terminal runs are left untouched.
func (e *Engine) failRun(ctx context.Context, runID, errorCode, errorMessage string) error {
	return e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		run, found, err := e.Store.LockRun(ctx, runID)
		if err != nil || !found || run.Status.IsAbsorbingTerminal() {
			return err
		}
		run.Status = domain.RunFailed
		run.ErrorCode = strPtr(errorCode)
		run.ErrorMessage = strPtr(errorMessage)
		return e.Store.UpdateRun(ctx, run)
	})
}

func (e *Engine) envelopeFor(run *domain.Run) render.Envelope {
	var input, ctxVal any
	_ = json.Unmarshal(run.Input, &input)
	_ = json.Unmarshal(run.Context, &ctxVal)
	return render.Envelope{Input: input, Context: ctxVal, Run: render.RunRef{ID: run.ID}}
}

func correlationIDFor(run *domain.Run, runID string) string {
	var ctxMap map[string]any
	if err := json.Unmarshal(run.Context, &ctxMap); err == nil {
		if v, ok := ctxMap["correlationId"].(string); ok && v != "" {
			return v
		}
	}
	return runID
}

func encodeOutput(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sagaworks/orchestrator/internal/domain"
	"github.com/sagaworks/orchestrator/internal/httpexec"
	"github.com/sagaworks/orchestrator/internal/retry"
)

// ExecuteCompensation runs the EXECUTE_COMPENSATION outbox handler: pop
// the queue head, compensate it (or skip if the step declared none),
// and either advance to the remaining queue or finalize the run as
// COMPENSATED.
func (e *Engine) ExecuteCompensation(ctx context.Context, payload domain.ExecuteCompensationPayload) error {
	if len(payload.Queue) == 0 {
		return e.finalizeCompensated(ctx, payload.RunID)
	}

	run, found, err := e.Store.GetRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if !found || run.Status.IsAbsorbingTerminal() {
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

	stepID := payload.Queue[0]
	remaining := payload.Queue[1:]

	stepDef, found := def.StepByID(stepID)
	if !found {
		// Stale head: the definition changed out from under this run
		// (or the queue was built wrong). Drop it and keep draining
		// the rest of the queue rather than aborting compensation.
		return e.advanceCompensation(ctx, payload.RunID, remaining, payload.Reason)
	}

	if stepDef.Compensation == nil {
		return e.skipCompensationAndAdvance(ctx, payload.RunID, stepID, remaining, payload.Reason)
	}

	attemptNo, skip, err := e.reserveCompensationAttempt(ctx, payload.RunID, stepID, remaining, payload.Reason)
	if err != nil {
		return fmt.Errorf("reserve compensation attempt: %w", err)
	}
	if skip {
		return nil
	}

	run, _, err = e.Store.GetRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}
	env := e.envelopeFor(run)
	req := renderRequest(*stepDef.Compensation, env)

	extraHeaders := map[string]string{
		"x-idempotency-key": fmt.Sprintf("%s:%s:compensation:%d", payload.RunID, stepID, attemptNo),
		"x-correlation-id":  correlationIDFor(run, payload.RunID),
	}

	e.Hooks.OnStepAttemptStart(ctx, hooksStartInfo(payload.RunID, stepID, attemptNo, "COMPENSATION", e.now()))
	result := e.HTTP.Execute(ctx, req, httpexec.Options{TimeoutMs: stepDef.TimeoutMs, ExtraHeaders: extraHeaders})
	e.Hooks.OnStepAttemptComplete(ctx, hooksCompleteInfo(payload.RunID, stepID, attemptNo, "COMPENSATION", result))

	if result.OK {
		return e.onCompensationSuccess(ctx, payload.RunID, stepID, attemptNo, result, remaining, payload.Reason)
	}

	decision := retry.IsTransientFailure(result.TimedOut, result.NetworkError, result.StatusCode, stepDef.RetryPolicy.RetryOn409)
	shouldRetry := retry.ShouldRetry(decision, attemptNo, stepDef.RetryPolicy.MaxAttempts)
	errMsg := httpErrorMessage(result)

	if shouldRetry {
		delayMs := retry.ComputeBackoffMs(stepDef.RetryPolicy, attemptNo, e.rnd())
		return e.onCompensationRetry(ctx, payload, stepID, attemptNo, result, errMsg, delayMs)
	}
	return e.onCompensationFailureTerminal(ctx, payload.RunID, stepID, attemptNo, result, errMsg)
}

// reserveCompensationAttempt implements the design's reservation step
// for a compensation call: lock run and step, skip if either is
// already absorbing/terminal, otherwise transition both and return the
// new attempt number. If the step's compensation was already resolved
// by an earlier delivery of this same outbox row (redelivery after a
// lease reclaim), the skip still drives the queue forward with
// remaining rather than silently dropping it, all inside the same
// transaction that observes the already-resolved status.
func (e *Engine) reserveCompensationAttempt(ctx context.Context, runID, stepID string, remaining []string, reason domain.CompensationReason) (attemptNo int, skip bool, err error) {
	var terminal bool
	err = e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		run, found, err := e.Store.LockRun(ctx, runID)
		if err != nil || !found || run.Status.IsAbsorbingTerminal() {
			skip = true
			return err
		}

		step, found, err := e.Store.LockRunStep(ctx, runID, stepID)
		if err != nil || !found {
			skip = true
			return err
		}
		if step.CompensationStatus == domain.CompensationCompensated || step.CompensationStatus == domain.CompensationSkipped || step.CompensationStatus == domain.CompensationRunning {
			skip = true
			if len(remaining) == 0 {
				run.Status = domain.RunCompensated
				if err := e.Store.UpdateRun(ctx, run); err != nil {
					return err
				}
				terminal = true
				return nil
			}
			return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
				RunID: runID, Type: domain.OutboxExecuteCompensation,
				Payload:       mustMarshal(domain.ExecuteCompensationPayload{RunID: runID, Queue: remaining, Reason: reason}),
				NextAttemptAt: e.now(),
			})
		}

		if run.Status != domain.RunCompensating {
			run.Status = domain.RunCompensating
			if err := e.Store.UpdateRun(ctx, run); err != nil {
				return err
			}
		}

		step.CompensationStatus = domain.CompensationRunning
		step.CompensationAttempts++
		if err := e.Store.UpdateRunStep(ctx, step); err != nil {
			return err
		}
		attemptNo = step.CompensationAttempts
		return nil
	})
	if err == nil && terminal {
		e.emitCompensatedTerminal(ctx, runID)
	}
	return attemptNo, skip, err
}

// onCompensationSuccess records a successful compensation attempt and,
// in the same transaction, either enqueues the remaining queue or
// finalizes the run as COMPENSATED.
func (e *Engine) onCompensationSuccess(ctx context.Context, runID, stepID string, attemptNo int, result httpexec.Result, remaining []string, reason domain.CompensationReason) error {
	var terminal bool
	err := e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := e.Store.InsertStepAttempt(ctx, &domain.StepAttempt{
			RunID: runID, StepID: stepID, AttemptNo: attemptNo, AttemptType: domain.AttemptCompensation,
			Status: domain.AttemptSuccess, HTTPStatus: result.StatusCode, DurationMs: result.DurationMs,
		}); err != nil {
			return err
		}

		step, found, err := e.Store.GetRunStep(ctx, runID, stepID)
		if err != nil || !found {
			return err
		}
		step.CompensationStatus = domain.CompensationCompensated
		step.CompensationError = nil
		if step.Status == domain.RunStepSucceeded {
			step.Status = domain.RunStepCompensated
		}
		if err := e.Store.UpdateRunStep(ctx, step); err != nil {
			return err
		}

		if len(remaining) == 0 {
			run, found, err := e.Store.LockRun(ctx, runID)
			if err != nil || !found || run.Status.IsAbsorbingTerminal() {
				return err
			}
			run.Status = domain.RunCompensated
			if err := e.Store.UpdateRun(ctx, run); err != nil {
				return err
			}
			terminal = true
			return nil
		}
		return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
			RunID: runID, Type: domain.OutboxExecuteCompensation,
			Payload:       mustMarshal(domain.ExecuteCompensationPayload{RunID: runID, Queue: remaining, Reason: reason}),
			NextAttemptAt: e.now(),
		})
	})
	if err != nil {
		return err
	}
	if terminal {
		e.emitCompensatedTerminal(ctx, runID)
	}
	return nil
}

// onCompensationRetry records a failed compensation attempt and
// re-enqueues the same queue head under backoff, in one transaction.
func (e *Engine) onCompensationRetry(ctx context.Context, payload domain.ExecuteCompensationPayload, stepID string, attemptNo int, result httpexec.Result, errMsg *string, delayMs int64) error {
	return e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := e.Store.InsertStepAttempt(ctx, &domain.StepAttempt{
			RunID: payload.RunID, StepID: stepID, AttemptNo: attemptNo, AttemptType: domain.AttemptCompensation,
			Status: domain.AttemptFail, HTTPStatus: result.StatusCode, DurationMs: result.DurationMs, ErrorMessage: errMsg,
		}); err != nil {
			return err
		}

		step, found, err := e.Store.GetRunStep(ctx, payload.RunID, stepID)
		if err != nil || !found {
			return err
		}
		step.CompensationStatus = domain.CompensationFailed
		step.CompensationError = errMsg
		if err := e.Store.UpdateRunStep(ctx, step); err != nil {
			return err
		}

		return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
			RunID: payload.RunID, Type: domain.OutboxExecuteCompensation,
			Payload:       mustMarshal(payload),
			NextAttemptAt: e.now().Add(time.Duration(delayMs) * time.Millisecond),
		})
	})
}

// onCompensationFailureTerminal records a permanently failed
// compensation attempt and fails the run with COMPENSATION_FAILED, in
// one transaction.
func (e *Engine) onCompensationFailureTerminal(ctx context.Context, runID, stepID string, attemptNo int, result httpexec.Result, errMsg *string) error {
	var terminal bool
	err := e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := e.Store.InsertStepAttempt(ctx, &domain.StepAttempt{
			RunID: runID, StepID: stepID, AttemptNo: attemptNo, AttemptType: domain.AttemptCompensation,
			Status: domain.AttemptFail, HTTPStatus: result.StatusCode, DurationMs: result.DurationMs, ErrorMessage: errMsg,
		}); err != nil {
			return err
		}

		step, found, err := e.Store.GetRunStep(ctx, runID, stepID)
		if err != nil || !found {
			return err
		}
		step.CompensationStatus = domain.CompensationFailed
		step.CompensationError = errMsg
		if err := e.Store.UpdateRunStep(ctx, step); err != nil {
			return err
		}

		run, found, err := e.Store.LockRun(ctx, runID)
		if err != nil || !found || run.Status.IsAbsorbingTerminal() {
			return err
		}
		run.Status = domain.RunFailed
		run.ErrorCode = strPtr(domain.ErrorCodeCompensationFailed)
		run.ErrorMessage = errMsg
		if err := e.Store.UpdateRun(ctx, run); err != nil {
			return err
		}
		terminal = true
		return nil
	})
	if err != nil {
		return err
	}
	if terminal {
		e.Hooks.OnRunTerminal(ctx, hooksTerminalInfo(runID, domain.RunFailed, domain.ErrorCodeCompensationFailed))
	}
	return nil
}

// skipCompensationAndAdvance marks a step's compensation as SKIPPED
// (it declared no compensation spec) and, in the same transaction,
// either enqueues the remaining queue or finalizes the run.
func (e *Engine) skipCompensationAndAdvance(ctx context.Context, runID, stepID string, remaining []string, reason domain.CompensationReason) error {
	var terminal bool
	err := e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		step, found, err := e.Store.LockRunStep(ctx, runID, stepID)
		if err != nil || !found {
			return err
		}
		if step.CompensationStatus != domain.CompensationCompensated && step.CompensationStatus != domain.CompensationSkipped {
			step.CompensationStatus = domain.CompensationSkipped
			if err := e.Store.UpdateRunStep(ctx, step); err != nil {
				return err
			}
		}

		if len(remaining) == 0 {
			run, found, err := e.Store.LockRun(ctx, runID)
			if err != nil || !found || run.Status.IsAbsorbingTerminal() {
				return err
			}
			run.Status = domain.RunCompensated
			if err := e.Store.UpdateRun(ctx, run); err != nil {
				return err
			}
			terminal = true
			return nil
		}
		return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
			RunID: runID, Type: domain.OutboxExecuteCompensation,
			Payload:       mustMarshal(domain.ExecuteCompensationPayload{RunID: runID, Queue: remaining, Reason: reason}),
			NextAttemptAt: e.now(),
		})
	})
	if err != nil {
		return err
	}
	if terminal {
		e.emitCompensatedTerminal(ctx, runID)
	}
	return nil
}

// advanceCompensation enqueues the next EXECUTE_COMPENSATION for the
// remaining queue, or finalizes the run once it is empty. Used only
// where there is no per-step outcome to persist alongside it (the
// stale-head-not-in-definition case).
func (e *Engine) advanceCompensation(ctx context.Context, runID string, remaining []string, reason domain.CompensationReason) error {
	if len(remaining) == 0 {
		return e.finalizeCompensated(ctx, runID)
	}
	return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
		RunID: runID, Type: domain.OutboxExecuteCompensation,
		Payload:       mustMarshal(domain.ExecuteCompensationPayload{RunID: runID, Queue: remaining, Reason: reason}),
		NextAttemptAt: e.now(),
	})
}

func (e *Engine) finalizeCompensated(ctx context.Context, runID string) error {
	var terminal bool
	err := e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		run, found, err := e.Store.LockRun(ctx, runID)
		if err != nil || !found || run.Status.IsAbsorbingTerminal() {
			return err
		}
		run.Status = domain.RunCompensated
		if err := e.Store.UpdateRun(ctx, run); err != nil {
			return err
		}
		terminal = true
		return nil
	})
	if err != nil {
		return err
	}
	if terminal {
		e.emitCompensatedTerminal(ctx, runID)
	}
	return nil
}

func (e *Engine) emitCompensatedTerminal(ctx context.Context, runID string) {
	run, found, err := e.Store.GetRun(ctx, runID)
	if err != nil || !found {
		return
	}
	errCode := ""
	if run.ErrorCode != nil {
		errCode = *run.ErrorCode
	}
	e.Hooks.OnRunTerminal(ctx, hooksTerminalInfo(runID, domain.RunCompensated, errCode))
}

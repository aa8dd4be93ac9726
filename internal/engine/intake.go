package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sagaworks/orchestrator/internal/domain"
	"github.com/sagaworks/orchestrator/internal/hooks"
)

// StartRun creates a new Run in PENDING, seeds a RunStep per definition
// step, and enqueues the EXECUTE_STEP for the first one, all inside a
// single transaction so a crash before commit leaves nothing behind.
func (e *Engine) StartRun(ctx context.Context, workflowName, workflowVersion string, input, runContext []byte) (*domain.Run, error) {
	def, found, err := e.Store.GetDefinition(ctx, workflowName, workflowVersion)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	if !found {
		return nil, domain.ErrDefinitionNotFound
	}

	run := &domain.Run{
		ID:              uuid.NewString(),
		WorkflowName:    workflowName,
		WorkflowVersion: workflowVersion,
		Status:          domain.RunPending,
		Input:           input,
		Context:         runContext,
	}

	err = e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := e.Store.CreateRun(ctx, run); err != nil {
			return err
		}
		for _, step := range def.Steps {
			if err := e.Store.CreateRunStep(ctx, &domain.RunStep{
				RunID:              run.ID,
				StepID:             step.StepID,
				Status:             domain.RunStepPending,
				CompensationStatus: domain.CompensationPending,
			}); err != nil {
				return err
			}
		}
		return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
			RunID: run.ID, Type: domain.OutboxExecuteStep,
			Payload: mustMarshal(domain.ExecuteStepPayload{
				RunID: run.ID, StepID: def.Steps[0].StepID, ScheduledBy: domain.ScheduledByStart,
			}),
			NextAttemptAt: e.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	e.Hooks.OnRunStart(ctx, hooks.RunStartInfo{
		RunID: run.ID, WorkflowName: run.WorkflowName, WorkflowVersion: run.WorkflowVersion, StartTime: e.now(),
	})
	return run, nil
}

// ManualRetry resets a run's step back to PENDING and the run back to
// RUNNING synchronously, in one transaction, then enqueues its
// EXECUTE_STEP. A duplicate outbox row racing an in-flight attempt is
// accepted as benign: reserveStepAttempt's lock-and-skip guard makes
// the second dispatch a no-op.
func (e *Engine) ManualRetry(ctx context.Context, runID, stepID string) error {
	return e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		run, found, err := e.Store.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrRunNotFound
		}
		if run.Status.IsAbsorbingTerminal() {
			return domain.ErrRunTerminal
		}

		def, found, err := e.Store.GetDefinition(ctx, run.WorkflowName, run.WorkflowVersion)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrDefinitionNotFound
		}
		if _, found := def.StepByID(stepID); !found {
			return domain.ErrStepNotFound
		}

		step, found, err := e.Store.LockRunStep(ctx, runID, stepID)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrStepNotFound
		}

		step.Status = domain.RunStepPending
		step.LastError = nil
		step.EndedAt = nil
		if err := e.Store.UpdateRunStep(ctx, step); err != nil {
			return err
		}

		run.Status = domain.RunRunning
		run.ErrorCode = nil
		run.ErrorMessage = nil
		if err := e.Store.UpdateRun(ctx, run); err != nil {
			return err
		}

		return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
			RunID: runID, Type: domain.OutboxExecuteStep,
			Payload:       mustMarshal(domain.ExecuteStepPayload{RunID: runID, StepID: stepID, ScheduledBy: domain.ScheduledByManualRetry}),
			NextAttemptAt: e.now(),
		})
	})
}

// Cancel transitions a non-terminal run to CANCELLED directly if
// compensate is false or no step has succeeded yet, or drives it
// through reverse-order compensation first, finalizing to COMPENSATED
// once the queue drains. It returns the run's resulting status.
func (e *Engine) Cancel(ctx context.Context, runID string, compensate bool) (domain.RunStatus, error) {
	var queue []string
	var alreadyTerminal bool
	var resultStatus domain.RunStatus

	err := e.Store.WithTransaction(ctx, func(ctx context.Context) error {
		run, found, err := e.Store.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrRunNotFound
		}
		if run.Status.IsAbsorbingTerminal() {
			alreadyTerminal = true
			return nil
		}

		if !compensate {
			run.Status = domain.RunCancelled
			run.ErrorCode = nil
			run.ErrorMessage = nil
			resultStatus = domain.RunCancelled
			return e.Store.UpdateRun(ctx, run)
		}

		steps, err := e.Store.ListRunSteps(ctx, runID)
		if err != nil {
			return err
		}

		def, found, err := e.Store.GetDefinition(ctx, run.WorkflowName, run.WorkflowVersion)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrDefinitionNotFound
		}

		queue = compensationQueue(def, succeededStepIDs(steps))
		if len(queue) == 0 {
			run.Status = domain.RunCancelled
			run.ErrorCode = nil
			run.ErrorMessage = nil
			resultStatus = domain.RunCancelled
			return e.Store.UpdateRun(ctx, run)
		}

		run.Status = domain.RunCompensating
		run.ErrorCode = strPtr(domain.ErrorCodeCancelledByUser)
		resultStatus = domain.RunCompensating
		if err := e.Store.UpdateRun(ctx, run); err != nil {
			return err
		}
		return e.Store.EnqueueOutbox(ctx, &domain.OutboxMessage{
			RunID: runID, Type: domain.OutboxExecuteCompensation,
			Payload: mustMarshal(domain.ExecuteCompensationPayload{
				RunID: runID, Queue: queue, Reason: domain.CompensationReasonCancel,
			}),
			NextAttemptAt: e.now(),
		})
	})
	if err != nil {
		return "", err
	}
	if alreadyTerminal {
		return "", domain.ErrRunTerminal
	}
	if resultStatus == domain.RunCancelled {
		e.Hooks.OnRunTerminal(ctx, hooksTerminalInfo(runID, domain.RunCancelled, ""))
	}
	return resultStatus, nil
}

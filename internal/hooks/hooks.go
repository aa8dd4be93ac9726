// Package hooks provides lifecycle hooks for engine observability.
// Narrowed from the teacher's broader workflow/timer/event/replay hook
// surface to the lifecycle events this domain actually has: a run
// starts and reaches a terminal state, and a step or compensation
// attempt starts and completes.
package hooks

import (
	"context"
	"time"
)

// RunHooks defines callbacks for run and step-attempt lifecycle events.
// Implement this interface to add observability (tracing, metrics);
// the engine calls every method unconditionally, so a no-op default is
// provided via NoOpHooks.
type RunHooks interface {
	OnRunStart(ctx context.Context, info RunStartInfo)
	OnRunTerminal(ctx context.Context, info RunTerminalInfo)

	OnStepAttemptStart(ctx context.Context, info StepAttemptStartInfo)
	OnStepAttemptComplete(ctx context.Context, info StepAttemptCompleteInfo)
}

type RunStartInfo struct {
	RunID           string
	WorkflowName    string
	WorkflowVersion string
	StartTime       time.Time
}

type RunTerminalInfo struct {
	RunID    string
	Status   string
	ErrorCode string
}

type StepAttemptStartInfo struct {
	RunID       string
	StepID      string
	AttemptNo   int
	AttemptType string // "ACTION" or "COMPENSATION"
	StartTime   time.Time
}

type StepAttemptCompleteInfo struct {
	RunID       string
	StepID      string
	AttemptNo   int
	AttemptType string
	Success     bool
	DurationMs  int64
	ErrorMessage string
}

// NoOpHooks implements RunHooks with no behavior; it is the default
// when no observability hooks are configured.
type NoOpHooks struct{}

func (NoOpHooks) OnRunStart(context.Context, RunStartInfo)                     {}
func (NoOpHooks) OnRunTerminal(context.Context, RunTerminalInfo)               {}
func (NoOpHooks) OnStepAttemptStart(context.Context, StepAttemptStartInfo)     {}
func (NoOpHooks) OnStepAttemptComplete(context.Context, StepAttemptCompleteInfo) {}

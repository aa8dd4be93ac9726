// Package otelhooks provides an OpenTelemetry-backed implementation of
// hooks.RunHooks, narrowed from the teacher's much broader
// workflow/activity/event/timer/replay span tracking down to the two
// span kinds this domain has: one per run, one per step (or
// compensation) attempt.
package otelhooks

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sagaworks/orchestrator/internal/hooks"
)

const tracerName = "sagaengine"

// OTelHooks implements hooks.RunHooks with OpenTelemetry tracing.
type OTelHooks struct {
	hooks.NoOpHooks
	tracer trace.Tracer

	mu       sync.Mutex
	runSpans map[string]trace.Span
	attemptSpans map[string]trace.Span
}

// New creates a RunHooks implementation backed by tracerProvider. If
// tracerProvider is nil, the global tracer provider is used.
func New(tracerProvider trace.TracerProvider) *OTelHooks {
	var tracer trace.Tracer
	if tracerProvider != nil {
		tracer = tracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}
	return &OTelHooks{
		tracer:       tracer,
		runSpans:     make(map[string]trace.Span),
		attemptSpans: make(map[string]trace.Span),
	}
}

func (h *OTelHooks) OnRunStart(ctx context.Context, info hooks.RunStartInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("run/%s", info.WorkflowName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("sagaengine.run_id", info.RunID),
			attribute.String("sagaengine.workflow_name", info.WorkflowName),
			attribute.String("sagaengine.workflow_version", info.WorkflowVersion),
		),
	)
	h.mu.Lock()
	h.runSpans[info.RunID] = span
	h.mu.Unlock()
}

func (h *OTelHooks) OnRunTerminal(_ context.Context, info hooks.RunTerminalInfo) {
	h.mu.Lock()
	span, ok := h.runSpans[info.RunID]
	if ok {
		delete(h.runSpans, info.RunID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("sagaengine.status", info.Status),
		attribute.String("sagaengine.error_code", info.ErrorCode),
	)
	if info.ErrorCode != "" {
		span.SetStatus(codes.Error, info.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, info.Status)
	}
	span.End()
}

func attemptKey(runID, stepID string, attemptNo int, attemptType string) string {
	return fmt.Sprintf("%s:%s:%s:%d", runID, stepID, attemptType, attemptNo)
}

func (h *OTelHooks) OnStepAttemptStart(ctx context.Context, info hooks.StepAttemptStartInfo) {
	parent := ctx
	h.mu.Lock()
	if runSpan, ok := h.runSpans[info.RunID]; ok {
		parent = trace.ContextWithSpan(ctx, runSpan)
	}
	h.mu.Unlock()

	_, span := h.tracer.Start(parent, fmt.Sprintf("%s/%s", info.AttemptType, info.StepID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("sagaengine.run_id", info.RunID),
			attribute.String("sagaengine.step_id", info.StepID),
			attribute.Int("sagaengine.attempt_no", info.AttemptNo),
			attribute.String("sagaengine.attempt_type", info.AttemptType),
		),
	)
	h.mu.Lock()
	h.attemptSpans[attemptKey(info.RunID, info.StepID, info.AttemptNo, info.AttemptType)] = span
	h.mu.Unlock()
}

func (h *OTelHooks) OnStepAttemptComplete(_ context.Context, info hooks.StepAttemptCompleteInfo) {
	key := attemptKey(info.RunID, info.StepID, info.AttemptNo, info.AttemptType)
	h.mu.Lock()
	span, ok := h.attemptSpans[key]
	if ok {
		delete(h.attemptSpans, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("sagaengine.duration_ms", info.DurationMs))
	if info.Success {
		span.SetStatus(codes.Ok, "succeeded")
	} else {
		span.SetStatus(codes.Error, info.ErrorMessage)
	}
	span.End()
}

var _ hooks.RunHooks = (*OTelHooks)(nil)

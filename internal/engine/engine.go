// Package engine implements the durable execution core: the step
// executor, the compensation scheduler, transactional intake, and the
// outbox poller that dispatches between them. Every state transition
// happens inside a storage.Store transaction that also enqueues any
// follow-up outbox row, so a crash between steps never leaves the
// system in a state the outbox cannot resume from.
package engine

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/sagaworks/orchestrator/internal/domain"
	"github.com/sagaworks/orchestrator/internal/hooks"
	"github.com/sagaworks/orchestrator/internal/httpexec"
	"github.com/sagaworks/orchestrator/internal/render"
	"github.com/sagaworks/orchestrator/internal/storage"
)

// Engine bundles the collaborators the step executor, compensation
// scheduler, and intake all need. Now and Rand are overridable for
// deterministic tests; both default to real wall-clock time and
// math/rand.
type Engine struct {
	Store storage.Store
	HTTP  *httpexec.Executor

	Hooks hooks.RunHooks

	Now  func() time.Time
	Rand func() float64
}

// New constructs an Engine with real time and randomness sources.
func New(store storage.Store, http *httpexec.Executor, h hooks.RunHooks) *Engine {
	if h == nil {
		h = hooks.NoOpHooks{}
	}
	return &Engine{
		Store: store,
		HTTP:  http,
		Hooks: h,
		Now:   time.Now,
		Rand:  rand.Float64,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) rnd() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64()
}

func strPtr(s string) *string { return &s }

func errMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

// httpErrorMessage renders the errorMessage recorded on a StepAttempt
// per the design's "errorMessage ?? 'HTTP {status}'" fallback.
func httpErrorMessage(res httpexec.Result) *string {
	if res.ErrorMessage != nil {
		return res.ErrorMessage
	}
	if res.StatusCode != nil {
		msg := "HTTP " + strconv.Itoa(*res.StatusCode)
		return &msg
	}
	return nil
}

// renderRequest applies the template renderer to a step's action or
// compensation spec, producing a request ready for httpexec.
func renderRequest(spec domain.HttpRequestSpec, env render.Envelope) httpexec.RenderedRequest {
	headers := map[string]string{}
	if spec.Headers != nil {
		renderedHeaders := render.Value(toAnyMap(spec.Headers), env)
		if hm, ok := renderedHeaders.(map[string]any); ok {
			for k, v := range hm {
				headers[k] = toStr(v)
			}
		}
	}

	var body any
	if spec.Body != nil {
		body = render.Value(spec.Body, env)
	}

	return httpexec.RenderedRequest{
		Method:  spec.Method,
		URL:     toStr(render.Value(spec.URL, env)),
		Headers: headers,
		Body:    body,
	}
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toStr(v any) string {
	s, _ := v.(string)
	return s
}

func hooksStartInfo(runID, stepID string, attemptNo int, attemptType string, startTime time.Time) hooks.StepAttemptStartInfo {
	return hooks.StepAttemptStartInfo{
		RunID: runID, StepID: stepID, AttemptNo: attemptNo, AttemptType: attemptType, StartTime: startTime,
	}
}

func hooksCompleteInfo(runID, stepID string, attemptNo int, attemptType string, result httpexec.Result) hooks.StepAttemptCompleteInfo {
	var msg string
	if errMsg := httpErrorMessage(result); errMsg != nil {
		msg = *errMsg
	}
	return hooks.StepAttemptCompleteInfo{
		RunID: runID, StepID: stepID, AttemptNo: attemptNo, AttemptType: attemptType,
		Success: result.OK, DurationMs: result.DurationMs, ErrorMessage: msg,
	}
}

func hooksTerminalInfo(runID string, status domain.RunStatus, errorCode string) hooks.RunTerminalInfo {
	return hooks.RunTerminalInfo{RunID: runID, Status: string(status), ErrorCode: errorCode}
}

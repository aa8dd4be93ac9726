// Package httpexec issues the single downstream HTTP call that backs a
// step's action or compensation, folding every outcome — success,
// timeout, transport error, or HTTP status — into a result value that
// is never an error to the caller.
//
// No third-party HTTP client library is used here: the example corpus
// this engine was grown from carries no HTTP client dependency
// (resty, retryablehttp, fasthttp) anywhere, so this executor is built
// directly on net/http, matched to the corpus's own texture rather than
// introducing an otherwise-unused dependency for one call site.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// RenderedRequest is a request spec after template substitution: every
// value is a concrete string/JSON value, ready to send.
type RenderedRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
}

// Options controls one invocation.
type Options struct {
	TimeoutMs    int64
	ExtraHeaders map[string]string
}

// Result captures every observable outcome of one downstream call.
type Result struct {
	OK           bool
	StatusCode   *int
	Body         any
	DurationMs   int64
	TimedOut     bool
	NetworkError bool
	ErrorMessage *string
}

// Executor performs downstream HTTP calls. The zero value is usable;
// Client may be swapped for tests.
type Executor struct {
	Client *http.Client
}

// New returns an Executor with a fresh http.Client. Per-call timeouts
// are enforced via context, so the client itself carries no default
// timeout.
func New() *Executor {
	return &Executor{Client: &http.Client{}}
}

// Execute issues req and never returns an error: every failure mode is
// represented in the returned Result.
func (e *Executor) Execute(ctx context.Context, req RenderedRequest, opts Options) Result {
	client := e.Client
	if client == nil {
		client = &http.Client{}
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			msg := err.Error()
			return Result{OK: false, ErrorMessage: &msg}
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		msg := err.Error()
		return Result{OK: false, ErrorMessage: &msg}
	}

	httpReq.Header.Set("content-type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range opts.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		msg := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{DurationMs: duration, TimedOut: true, ErrorMessage: &msg}
		}
		return Result{DurationMs: duration, NetworkError: true, ErrorMessage: &msg}
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	ok := status >= 200 && status < 300

	var parsedBody any
	rawBody, readErr := io.ReadAll(resp.Body)
	if readErr == nil && len(rawBody) > 0 {
		contentType := resp.Header.Get("content-type")
		if strings.Contains(contentType, "application/json") {
			var v any
			if json.Unmarshal(rawBody, &v) == nil {
				parsedBody = v
			}
		} else {
			parsedBody = string(rawBody)
		}
	}

	result := Result{
		OK:         ok,
		StatusCode: &status,
		Body:       parsedBody,
		DurationMs: duration,
	}
	if !ok {
		msg := "HTTP " + http.StatusText(status)
		result.ErrorMessage = &msg
	}
	return result
}

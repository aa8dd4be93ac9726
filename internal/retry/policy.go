// Package retry classifies downstream outcomes as transient or
// permanent and computes bounded exponential backoff with jitter.
package retry

import (
	"math"

	"github.com/sagaworks/orchestrator/internal/domain"
)

// Decision is the result of classifying one HTTP action/compensation
// outcome.
type Decision struct {
	Retryable bool
	Reason    string
}

const (
	ReasonTimeout             = "timeout"
	ReasonNetworkError        = "network_error"
	ReasonServerError         = "server_error"
	ReasonConflictRetryEnabled = "conflict_retry_enabled"
	ReasonClientError         = "client_error"
	ReasonUnknown             = "unknown"
)

// IsTransientFailure classifies one outcome. The first matching
// condition wins; statusCode is nil when no HTTP response was received
// at all (timeout or network error already cover those cases first).
func IsTransientFailure(timedOut, networkError bool, statusCode *int, retryOn409 bool) Decision {
	switch {
	case timedOut:
		return Decision{Retryable: true, Reason: ReasonTimeout}
	case networkError:
		return Decision{Retryable: true, Reason: ReasonNetworkError}
	case statusCode != nil && *statusCode >= 500:
		return Decision{Retryable: true, Reason: ReasonServerError}
	case statusCode != nil && *statusCode == 409 && retryOn409:
		return Decision{Retryable: true, Reason: ReasonConflictRetryEnabled}
	case statusCode != nil:
		return Decision{Retryable: false, Reason: ReasonClientError}
	default:
		return Decision{Retryable: false, Reason: ReasonUnknown}
	}
}

// ComputeBackoffMs returns the delay, in milliseconds, before attemptNo
// (1-indexed) is (re)tried. rand must be a caller-supplied uniform
// sample in [0, 1) so the function stays deterministic and testable.
//
//	base    = initialDelayMs * multiplier^max(0, attemptNo-1)
//	bounded = min(maxDelayMs, base)
//
// With jitter <= 0 the bounded value is returned as-is (floored). With
// jitter > 0 the result is uniform over
// [bounded*(1-jitter), bounded*(1+jitter)).
func ComputeBackoffMs(policy domain.RetryPolicy, attemptNo int, rnd float64) int64 {
	exponent := attemptNo - 1
	if exponent < 0 {
		exponent = 0
	}
	base := float64(policy.InitialDelayMs) * math.Pow(policy.Multiplier, float64(exponent))
	bounded := base
	if float64(policy.MaxDelayMs) < bounded {
		bounded = float64(policy.MaxDelayMs)
	}

	if policy.Jitter <= 0 {
		return int64(math.Floor(bounded))
	}

	factor := 1 - policy.Jitter + rnd*2*policy.Jitter
	delay := math.Floor(bounded * factor)
	if delay < 0 {
		delay = 0
	}
	return int64(delay)
}

// ShouldRetry applies the "retryable AND attempts remain" rule shared by
// the step executor and the compensation scheduler.
func ShouldRetry(decision Decision, attemptNo, maxAttempts int) bool {
	return decision.Retryable && attemptNo < maxAttempts
}

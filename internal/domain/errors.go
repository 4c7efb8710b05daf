package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidPayload means the payload could not be normalized; rejected
	// at enqueue, never retried.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNoJob is returned by Lease when nothing is eligible. Callers back
	// off polling rather than treat it as a failure.
	ErrNoJob = errors.New("no pending job")

	// ErrStaleLease means the lease expired or another worker re-leased the
	// job. The caller discards its result silently.
	ErrStaleLease = errors.New("stale lease")

	// ErrNotCancellable means the job already left pending. A leased job
	// finishes its current attempt; terminal jobs stay terminal.
	ErrNotCancellable = errors.New("job is not cancellable")

	// ErrResultNotReady means the job exists but has not succeeded yet.
	ErrResultNotReady = errors.New("result not ready")

	// ErrResultGone means no result will ever be available: the job was
	// cancelled or dead-lettered, or the cached result already expired.
	ErrResultGone = errors.New("result gone")
)

// RateLimitedError signals local token-bucket exhaustion or an upstream 429.
// Always retryable, governed by backoff.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Provider)
}

// UpstreamError classifies a failed upstream call. Permanent failures go
// straight to the dead letter; transient ones consume the retry budget.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s upstream failure from %s (status %d): %v", kind, e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s upstream failure from %s: %v", kind, e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsPermanent reports whether err should skip the retry budget entirely.
func IsPermanent(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Permanent
	}
	return false
}

// IsRetryable reports whether err is worth another attempt: rate limits and
// transient upstream failures are, permanent failures are not. Unclassified
// errors default to retryable so the retry budget decides.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	return !IsPermanent(err)
}

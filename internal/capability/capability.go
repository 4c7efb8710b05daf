// Package capability implements the pluggable fetch/extract/search
// operations workers execute. Each capability issues its HTTP through the
// rate-limited upstream client and classifies failures so the worker only
// has to decide retry vs dead-letter.
package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/crawlpool/crawlpool/internal/domain"
)

// Capability executes one job payload: potentially slow, potentially
// failing, safe to retry.
type Capability interface {
	Execute(ctx context.Context, payload domain.Payload) ([]byte, error)
}

// Entry pairs a capability with whether re-running it is free of external
// side effects. Built-ins are read-only upstream calls, so they default to
// true; an injected capability with billable side effects should set it to
// false so duplicate executions after a lease expiry get logged loudly.
type Entry struct {
	Capability     Capability
	SideEffectFree bool
}

type Registry struct {
	entries map[domain.JobKind]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.JobKind]Entry)}
}

func (r *Registry) Register(kind domain.JobKind, e Entry) {
	r.entries[kind] = e
}

// Lookup returns the entry for kind. A missing capability is a deployment
// gap, reported as permanent so the job dead-letters instead of spinning.
func (r *Registry) Lookup(kind domain.JobKind) (Entry, error) {
	e, ok := r.entries[kind]
	if !ok {
		return Entry{}, &domain.UpstreamError{
			Provider:  "registry",
			Permanent: true,
			Err:       fmt.Errorf("no capability registered for kind %q", kind),
		}
	}
	return e, nil
}

// classifyResponse maps an upstream HTTP status onto the retry taxonomy:
// 429 is rate limiting, 5xx is transient, any other non-2xx is permanent.
func classifyResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &domain.RateLimitedError{
			Provider:   provider,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	err := &domain.UpstreamError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("unexpected status %s", resp.Status),
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		err.Permanent = true
	}
	return err
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// readBody drains and closes so the connection returns to the pool.
func readBody(resp *http.Response) ([]byte, error) {
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return io.ReadAll(resp.Body)
}

// transientNetErr wraps transport-level failures (timeouts, resets) which
// are always worth a retry.
func transientNetErr(provider string, err error) error {
	return &domain.UpstreamError{Provider: provider, Err: err}
}

// Package upstream wraps calls to external providers (proxy crawler, search
// API, PDF extractor) with per-provider token-bucket throttling and
// exponential backoff. Every provider owns an independent bucket, so one
// provider running dry never blocks the others.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/crawlpool/crawlpool/internal/domain"
)

// ErrUnknownProvider means the caller asked for a provider that was never
// registered. A wiring bug, not a runtime condition.
var ErrUnknownProvider = errors.New("unknown upstream provider")

// Mode selects what happens when a provider's bucket is empty.
type Mode int

const (
	// ModeBlock waits for a token, honoring context cancellation.
	ModeBlock Mode = iota
	// ModeFailFast returns RateLimitedError immediately.
	ModeFailFast
)

type ProviderConfig struct {
	Name string
	// RefillRate is tokens per second; Burst is the bucket capacity.
	RefillRate float64
	Burst      int
}

type Config struct {
	Mode Mode
	// MaxAttempts bounds retries of a single Invoke, counting the first try.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Call issues one attempt against the provider. Implementations classify
// their own failures (domain.RateLimitedError / domain.UpstreamError).
type Call func(ctx context.Context) ([]byte, error)

type Client struct {
	limiters map[string]*rate.Limiter
	cfg      Config
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewClient(providers []ProviderConfig, cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	limiters := make(map[string]*rate.Limiter, len(providers))
	for _, p := range providers {
		limiters[p.Name] = rate.NewLimiter(rate.Limit(p.RefillRate), p.Burst)
	}
	return &Client{
		limiters: limiters,
		cfg:      cfg,
		logger:   logger.With("component", "upstream"),
		sleep:    sleepCtx,
	}
}

// Invoke runs call against provider under its token bucket, retrying
// transient failures with exponential backoff and jitter. Non-retryable
// failures and context cancellation return immediately.
func (c *Client) Invoke(ctx context.Context, provider string, call Call) ([]byte, error) {
	limiter, ok := c.limiters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.acquire(ctx, provider, limiter); err != nil {
			lastErr = err
		} else {
			result, err := call(ctx)
			if err == nil {
				return result, nil
			}
			lastErr = err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !domain.IsRetryable(lastErr) {
			return nil, lastErr
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.backoff(attempt, lastErr)
		c.logger.Warn("upstream call failed, backing off",
			"provider", provider,
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"delay", delay,
			"error", lastErr,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("upstream %s: %d attempts exhausted: %w", provider, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) acquire(ctx context.Context, provider string, limiter *rate.Limiter) error {
	switch c.cfg.Mode {
	case ModeFailFast:
		if !limiter.Allow() {
			return &domain.RateLimitedError{Provider: provider}
		}
		return nil
	default:
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for %s token: %w", provider, err)
		}
		return nil
	}
}

// backoff follows base * 2^(attempt-1) with +/-25% jitter, capped at
// MaxDelay. A RetryAfter hint from the provider takes precedence.
func (c *Client) backoff(attempt int, err error) time.Duration {
	var rl *domain.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}

	delay := time.Duration(float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	delay = min(delay, c.cfg.MaxDelay)
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(rand.Int63n(half)) - delay/4
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

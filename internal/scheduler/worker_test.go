package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	cachememory "github.com/crawlpool/crawlpool/internal/cache/memory"
	"github.com/crawlpool/crawlpool/internal/capability"
	"github.com/crawlpool/crawlpool/internal/domain"
	queuememory "github.com/crawlpool/crawlpool/internal/infrastructure/memory"
)

type fakeCapability struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) ([]byte, error)
}

func (c *fakeCapability) Execute(_ context.Context, _ domain.Payload) ([]byte, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	return c.fn(call)
}

func (c *fakeCapability) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*domain.Job
}

func (n *recordingNotifier) DeadLetter(_ context.Context, job *domain.Job) {
	n.mu.Lock()
	n.jobs = append(n.jobs, job)
	n.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, fc *fakeCapability) (*Pool, *queuememory.JobRepository, *cachememory.Store, *recordingNotifier) {
	t.Helper()
	queue := queuememory.NewJobRepository()
	store := cachememory.NewStore()
	t.Cleanup(store.Close)

	reg := capability.NewRegistry()
	reg.Register(domain.KindCrawl, capability.Entry{Capability: fc, SideEffectFree: true})

	notifier := &recordingNotifier{}
	p := NewPool(queue, store, reg, notifier, discardLogger(), PoolConfig{
		Concurrency:       2,
		PollInterval:      time.Millisecond,
		VisibilityTimeout: time.Minute,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
	})
	return p, queue, store, notifier
}

func enqueueCrawl(t *testing.T, queue *queuememory.JobRepository, rawURL string, maxAttempts int) *domain.Job {
	t.Helper()
	payload, err := domain.Payload{Kind: domain.KindCrawl, URL: rawURL}.Normalize()
	if err != nil {
		t.Fatalf("normalize payload: %v", err)
	}
	job, _, err := queue.Enqueue(context.Background(), &domain.Job{
		IdempotencyKey: payload.IdempotencyKey(),
		Payload:        payload,
		Priority:       domain.PriorityNormal,
		MaxAttempts:    maxAttempts,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

// leaseAndRun drives one worker iteration by hand so tests stay
// deterministic instead of racing the poll loop.
func leaseAndRun(t *testing.T, p *Pool, queue *queuememory.JobRepository) {
	t.Helper()
	ctx := context.Background()
	job, lease, err := queue.Lease(ctx, p.id, p.cfg.VisibilityTimeout)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	p.runJob(ctx, job, lease)
}

func TestPool_TransientFailuresThenSuccess(t *testing.T) {
	fc := &fakeCapability{fn: func(call int) ([]byte, error) {
		if call <= 2 {
			return nil, &domain.UpstreamError{Provider: "proxy", StatusCode: 502, Err: errors.New("bad gateway")}
		}
		return []byte(`{"html":"ok"}`), nil
	}}
	p, queue, store, _ := newTestPool(t, fc)

	job := enqueueCrawl(t, queue, "https://example.com/a", 3)

	for i := 0; i < 3; i++ {
		// Retry delay with the 1ms test base is a few ms at most.
		time.Sleep(15 * time.Millisecond)
		leaseAndRun(t, p, queue)
	}

	got, err := queue.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (last error %v)", got.Status, got.LastError)
	}
	if got.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", got.Attempts)
	}
	if fc.callCount() != 3 {
		t.Fatalf("expected 3 executions, got %d", fc.callCount())
	}

	result, err := store.Get(context.Background(), job.IdempotencyKey)
	if err != nil {
		t.Fatalf("result not cached: %v", err)
	}
	if string(result) != `{"html":"ok"}` {
		t.Fatalf("unexpected cached result %q", result)
	}
}

func TestPool_CacheHitSkipsExecution(t *testing.T) {
	fc := &fakeCapability{fn: func(int) ([]byte, error) {
		return []byte("fresh"), nil
	}}
	p, queue, store, _ := newTestPool(t, fc)

	job := enqueueCrawl(t, queue, "https://example.com/cached", 3)
	if err := store.Put(context.Background(), job.IdempotencyKey, []byte("cached"), time.Hour); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	leaseAndRun(t, p, queue)

	if fc.callCount() != 0 {
		t.Fatalf("capability should not run on a cache hit, ran %d times", fc.callCount())
	}
	got, err := queue.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestPool_IdenticalPayloadExecutesOnce(t *testing.T) {
	fc := &fakeCapability{fn: func(int) ([]byte, error) {
		return []byte("result"), nil
	}}
	p, queue, _, _ := newTestPool(t, fc)

	first := enqueueCrawl(t, queue, "https://example.com/shared", 3)
	leaseAndRun(t, p, queue)

	// The first job is terminal, so resubmission creates a new job; the
	// cached result means the capability still runs only once.
	second := enqueueCrawl(t, queue, "https://example.com/shared", 3)
	if second.ID == first.ID {
		t.Fatal("expected a new job after the first completed")
	}
	leaseAndRun(t, p, queue)

	if fc.callCount() != 1 {
		t.Fatalf("expected 1 execution across both jobs, got %d", fc.callCount())
	}
	got, err := queue.GetByID(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestPool_PermanentFailureDeadLettersImmediately(t *testing.T) {
	fc := &fakeCapability{fn: func(int) ([]byte, error) {
		return nil, &domain.UpstreamError{Provider: "proxy", StatusCode: 404, Permanent: true, Err: errors.New("not found")}
	}}
	p, queue, _, notifier := newTestPool(t, fc)

	job := enqueueCrawl(t, queue, "https://example.com/missing", 3)
	leaseAndRun(t, p, queue)

	got, err := queue.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("permanent failure should not burn the retry budget, attempts=%d", got.Attempts)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.jobs) != 1 || notifier.jobs[0].ID != job.ID {
		t.Fatalf("expected one dead-letter alert for %s, got %v", job.ID, notifier.jobs)
	}
}

func TestPool_RetryAfterHintDelaysNextAttempt(t *testing.T) {
	fc := &fakeCapability{fn: func(int) ([]byte, error) {
		return nil, &domain.RateLimitedError{Provider: "search", RetryAfter: 30 * time.Second}
	}}
	p, queue, _, _ := newTestPool(t, fc)

	job := enqueueCrawl(t, queue, "https://example.com/limited", 3)
	before := time.Now()
	leaseAndRun(t, p, queue)

	got, err := queue.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if earliest := before.Add(25 * time.Second); got.NextAttemptAt.Before(earliest) {
		t.Fatalf("next attempt %v ignores the Retry-After hint", got.NextAttemptAt)
	}
}

func TestPool_StaleLeaseOutcomeDiscarded(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeCapability{fn: func(int) ([]byte, error) {
		<-release
		return []byte("late"), nil
	}}
	p, queue, _, _ := newTestPool(t, fc)
	p.cfg.VisibilityTimeout = 5 * time.Millisecond

	job := enqueueCrawl(t, queue, "https://example.com/slow", 3)

	ctx := context.Background()
	leased, lease, err := queue.Lease(ctx, p.id, p.cfg.VisibilityTimeout)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.runJob(ctx, leased, lease)
	}()

	// Let the lease expire, reclaim it, and hand the job to another worker.
	time.Sleep(10 * time.Millisecond)
	if _, _, err := queue.ReclaimExpired(ctx, 10); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	_, secondLease, err := queue.Lease(ctx, "other-worker", time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}

	close(release)
	<-done

	got, err := queue.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusLeased {
		t.Fatalf("stale ack must not change the job, got %s", got.Status)
	}
	if got.LeaseToken == nil || *got.LeaseToken != secondLease.Token {
		t.Fatal("second worker's lease should survive the stale ack")
	}
}

func TestPool_RetryDelayGrowsWithAttempts(t *testing.T) {
	p, _, _, _ := newTestPool(t, &fakeCapability{})
	p.cfg.RetryBaseDelay = time.Second
	p.cfg.RetryMaxDelay = time.Hour

	transient := &domain.UpstreamError{Provider: "proxy", StatusCode: 503, Err: errors.New("busy")}
	for attempt := 1; attempt <= 4; attempt++ {
		base := time.Duration(1<<(attempt-1)) * time.Second
		d := p.retryDelay(transient, attempt)
		if d < base*3/4 || d > base*3/2 {
			t.Fatalf("attempt %d: delay %v outside jitter window around %v", attempt, d, base)
		}
	}

	// The cap bounds runaway growth.
	p.cfg.RetryMaxDelay = 2 * time.Second
	if d := p.retryDelay(transient, 10); d > 3*time.Second {
		t.Fatalf("delay %v exceeds cap", d)
	}
}

func TestPool_Utilization(t *testing.T) {
	p, _, _, _ := newTestPool(t, &fakeCapability{})

	u, err := p.Utilization(context.Background())
	if err != nil {
		t.Fatalf("utilization: %v", err)
	}
	if u != 0 {
		t.Fatalf("idle pool should report 0, got %f", u)
	}

	p.busy.Add(1)
	defer p.busy.Add(-1)
	u, _ = p.Utilization(context.Background())
	if u != 0.5 {
		t.Fatalf("expected 0.5 with 1 of 2 slots busy, got %f", u)
	}
}

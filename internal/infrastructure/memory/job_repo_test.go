package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crawlpool/crawlpool/internal/domain"
)

func newJob(t *testing.T, url string, prio domain.Priority) *domain.Job {
	t.Helper()
	p, err := domain.Payload{Kind: domain.KindCrawl, URL: url}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return &domain.Job{
		IdempotencyKey: p.IdempotencyKey(),
		Payload:        p,
		Priority:       prio,
		MaxAttempts:    3,
	}
}

func TestEnqueue_DeduplicatesConcurrentSubmissions(t *testing.T) {
	repo := NewJobRepository()
	ctx := context.Background()

	tmpl := newJob(t, "https://example.com/dup", domain.PriorityNormal)

	const n = 16
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			submission := *tmpl
			job, _, err := repo.Enqueue(ctx, &submission)
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			ids <- job.ID
		}()
	}
	wg.Wait()
	close(ids)

	first := ""
	for id := range ids {
		if first == "" {
			first = id
		} else if id != first {
			t.Fatalf("concurrent submissions yielded distinct jobs: %s vs %s", first, id)
		}
	}

	if depth, _ := repo.Depth(ctx); depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}
}

func TestEnqueue_TerminalJobDoesNotBlockResubmission(t *testing.T) {
	repo := NewJobRepository()
	ctx := context.Background()

	first, _, err := repo.Enqueue(ctx, newJob(t, "https://example.com/a", domain.PriorityNormal))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, lease, err := repo.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := repo.Ack(ctx, lease); err != nil {
		t.Fatalf("ack: %v", err)
	}

	second, dedup, err := repo.Enqueue(ctx, newJob(t, "https://example.com/a", domain.PriorityNormal))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if dedup {
		t.Error("succeeded job should not dedup a new submission")
	}
	if second.ID == first.ID {
		t.Error("expected a fresh job after the first completed")
	}
}

func TestLease_NoDoubleLeaseUnderConcurrency(t *testing.T) {
	repo := NewJobRepository()
	ctx := context.Background()

	if _, _, err := repo.Enqueue(ctx, newJob(t, "https://example.com/one", domain.PriorityNormal)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := repo.Lease(ctx, "worker", time.Minute)
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrNoJob) {
				t.Errorf("lease: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("%d workers got a lease on one job", granted)
	}
}

func TestLease_PriorityThenFIFO(t *testing.T) {
	repo := NewJobRepository()
	repo.now = stubClock(time.Unix(1000, 0))
	ctx := context.Background()

	lowFirst, _, _ := repo.Enqueue(ctx, newJob(t, "https://example.com/low", domain.PriorityLow))
	repo.now = stubClock(time.Unix(1001, 0))
	normalOld, _, _ := repo.Enqueue(ctx, newJob(t, "https://example.com/n1", domain.PriorityNormal))
	repo.now = stubClock(time.Unix(1002, 0))
	normalNew, _, _ := repo.Enqueue(ctx, newJob(t, "https://example.com/n2", domain.PriorityNormal))
	repo.now = stubClock(time.Unix(1003, 0))
	high, _, _ := repo.Enqueue(ctx, newJob(t, "https://example.com/high", domain.PriorityHigh))

	wantOrder := []string{high.ID, normalOld.ID, normalNew.ID, lowFirst.ID}
	for i, want := range wantOrder {
		job, _, err := repo.Lease(ctx, "w", time.Minute)
		if err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if job.ID != want {
			t.Fatalf("lease %d returned %s, want %s", i, job.ID, want)
		}
	}
}

func TestAck_StaleAfterExpiryAndRelease(t *testing.T) {
	repo := NewJobRepository()
	base := time.Unix(2000, 0)
	repo.now = stubClock(base)
	ctx := context.Background()

	if _, _, err := repo.Enqueue(ctx, newJob(t, "https://example.com/s", domain.PriorityNormal)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, oldLease, err := repo.Lease(ctx, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	// Lease runs out, the reaper requeues, another worker takes over.
	repo.now = stubClock(base.Add(time.Minute))
	requeued, _, err := repo.ReclaimExpired(ctx, 10)
	if err != nil || requeued != 1 {
		t.Fatalf("reclaim = (%d, %v), want (1, nil)", requeued, err)
	}
	job, newLease, err := repo.Lease(ctx, "w2", 30*time.Second)
	if err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	if job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (one per lease cycle)", job.Attempts)
	}

	if err := repo.Ack(ctx, oldLease); !errors.Is(err, domain.ErrStaleLease) {
		t.Errorf("stale ack error = %v, want ErrStaleLease", err)
	}
	if err := repo.Ack(ctx, newLease); err != nil {
		t.Errorf("current ack error = %v", err)
	}
}

func TestFail_RetriesThenDeadLetters(t *testing.T) {
	repo := NewJobRepository()
	ctx := context.Background()

	job, _, err := repo.Enqueue(ctx, newJob(t, "https://example.com/flaky", domain.PriorityNormal))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		leased, lease, err := repo.Lease(ctx, "w", time.Minute)
		if err != nil {
			t.Fatalf("lease attempt %d: %v", attempt, err)
		}
		if leased.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", leased.Attempts, attempt)
		}
		status, err := repo.Fail(ctx, lease, "upstream 503", time.Time{}, false)
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		want := domain.StatusPending
		if attempt == 3 {
			want = domain.StatusDeadLetter
		}
		if status != want {
			t.Fatalf("attempt %d status = %s, want %s", attempt, status, want)
		}
	}

	// Terminal and immutable: never re-enters pending.
	if _, _, err := repo.Lease(ctx, "w", time.Minute); !errors.Is(err, domain.ErrNoJob) {
		t.Errorf("dead-lettered job was leased again: %v", err)
	}
	got, _ := repo.GetByID(ctx, job.ID)
	if got.Status != domain.StatusDeadLetter {
		t.Errorf("status = %s, want dead_letter", got.Status)
	}
	if got.LastError == nil || *got.LastError != "upstream 503" {
		t.Errorf("last_error not surfaced: %v", got.LastError)
	}
}

func TestFail_PermanentSkipsRetryBudget(t *testing.T) {
	repo := NewJobRepository()
	ctx := context.Background()

	if _, _, err := repo.Enqueue(ctx, newJob(t, "https://example.com/gone", domain.PriorityNormal)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, lease, err := repo.Lease(ctx, "w", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	status, err := repo.Fail(ctx, lease, "upstream 404", time.Time{}, true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if status != domain.StatusDeadLetter {
		t.Errorf("status = %s, want dead_letter on first permanent failure", status)
	}
}

func TestFail_RetryAtDelaysEligibility(t *testing.T) {
	repo := NewJobRepository()
	base := time.Unix(3000, 0)
	repo.now = stubClock(base)
	ctx := context.Background()

	if _, _, err := repo.Enqueue(ctx, newJob(t, "https://example.com/later", domain.PriorityNormal)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, lease, _ := repo.Lease(ctx, "w", time.Minute)
	if _, err := repo.Fail(ctx, lease, "429", base.Add(30*time.Second), false); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if _, _, err := repo.Lease(ctx, "w", time.Minute); !errors.Is(err, domain.ErrNoJob) {
		t.Fatalf("job leased before retry_at: %v", err)
	}
	repo.now = stubClock(base.Add(31 * time.Second))
	if _, _, err := repo.Lease(ctx, "w", time.Minute); err != nil {
		t.Fatalf("job not leasable after retry_at: %v", err)
	}
}

func TestReclaimExpired_DeadLettersSpentBudget(t *testing.T) {
	repo := NewJobRepository()
	base := time.Unix(4000, 0)
	repo.now = stubClock(base)
	ctx := context.Background()

	job := newJob(t, "https://example.com/hang", domain.PriorityNormal)
	job.MaxAttempts = 1
	if _, _, err := repo.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := repo.Lease(ctx, "w", 10*time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}

	repo.now = stubClock(base.Add(time.Minute))
	requeued, dead, err := repo.ReclaimExpired(ctx, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 0 || len(dead) != 1 {
		t.Fatalf("reclaim = (%d, %d dead), want (0, 1)", requeued, len(dead))
	}
	if dead[0].Status != domain.StatusDeadLetter {
		t.Errorf("status = %s", dead[0].Status)
	}
}

func TestCancel_OnlyPending(t *testing.T) {
	repo := NewJobRepository()
	ctx := context.Background()

	job, _, err := repo.Enqueue(ctx, newJob(t, "https://example.com/c", domain.PriorityNormal))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}

	leasedJob, _, err := repo.Enqueue(ctx, newJob(t, "https://example.com/c2", domain.PriorityNormal))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := repo.Lease(ctx, "w", time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := repo.Cancel(ctx, leasedJob.ID); !errors.Is(err, domain.ErrNotCancellable) {
		t.Errorf("cancel leased error = %v, want ErrNotCancellable", err)
	}
	if err := repo.Cancel(ctx, "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("cancel missing error = %v, want ErrJobNotFound", err)
	}
}

func stubClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

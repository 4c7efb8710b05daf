package autoscale

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(cfg Config) (*Controller, *time.Time) {
	cfg.setDefaults()
	now := time.Now()
	c := &Controller{cfg: cfg, logger: discardLogger(), now: func() time.Time { return now }}
	return c, &now
}

func TestComputeTarget_BurstClampsToMaxStep(t *testing.T) {
	c, _ := newTestController(Config{
		MinReplicas:   1,
		MaxReplicas:   20,
		JobsPerWorker: 10,
		MaxStepUp:     3,
	})

	// Demand is 10 workers but one tick may only add 3.
	got := c.computeTarget(Sample{Depth: 100, Utilization: 0.9, Current: 2})
	if got != 5 {
		t.Fatalf("expected 5 replicas, got %d", got)
	}
}

func TestComputeTarget_NeverExceedsMax(t *testing.T) {
	c, _ := newTestController(Config{
		MinReplicas:   1,
		MaxReplicas:   6,
		JobsPerWorker: 10,
		MaxStepUp:     10,
	})

	got := c.computeTarget(Sample{Depth: 1000, Utilization: 1.0, Current: 5})
	if got != 6 {
		t.Fatalf("expected max of 6, got %d", got)
	}
}

func TestComputeTarget_HotFleetScalesUpOnEmptyQueue(t *testing.T) {
	c, _ := newTestController(Config{
		MinReplicas:   1,
		MaxReplicas:   10,
		JobsPerWorker: 10,
		HighWatermark: 0.8,
		MaxStepUp:     4,
	})

	// Nothing pending, but every slot is busy: long-running jobs.
	got := c.computeTarget(Sample{Depth: 0, Utilization: 1.0, Current: 3})
	if got != 4 {
		t.Fatalf("expected 4 replicas, got %d", got)
	}
}

func TestComputeTarget_ScaleDownWaitsOutStabilization(t *testing.T) {
	c, now := newTestController(Config{
		MinReplicas:         1,
		MaxReplicas:         10,
		JobsPerWorker:       10,
		LowWatermark:        0.3,
		StabilizationWindow: 5 * time.Minute,
	})
	idle := Sample{Depth: 0, Utilization: 0.0, Current: 4}

	// First low tick starts the window, no change yet.
	if got := c.computeTarget(idle); got != 4 {
		t.Fatalf("first low tick should hold at 4, got %d", got)
	}
	// Still inside the window.
	*now = now.Add(2 * time.Minute)
	if got := c.computeTarget(idle); got != 4 {
		t.Fatalf("mid-window tick should hold at 4, got %d", got)
	}
	// Window elapsed: shrink by exactly one.
	*now = now.Add(4 * time.Minute)
	if got := c.computeTarget(idle); got != 3 {
		t.Fatalf("expected single step down to 3, got %d", got)
	}
	// The step resets the window; the next tick holds again.
	idle.Current = 3
	if got := c.computeTarget(idle); got != 3 {
		t.Fatalf("tick right after a step should hold at 3, got %d", got)
	}
}

func TestComputeTarget_NeverBelowMin(t *testing.T) {
	c, now := newTestController(Config{
		MinReplicas:         2,
		MaxReplicas:         10,
		JobsPerWorker:       10,
		LowWatermark:        0.3,
		StabilizationWindow: time.Minute,
	})
	idle := Sample{Depth: 0, Utilization: 0.0, Current: 2}

	for i := 0; i < 5; i++ {
		*now = now.Add(2 * time.Minute)
		if got := c.computeTarget(idle); got != 2 {
			t.Fatalf("tick %d: expected floor of 2, got %d", i, got)
		}
	}
}

func TestComputeTarget_BurstResetsScaleDownWindow(t *testing.T) {
	c, now := newTestController(Config{
		MinReplicas:         1,
		MaxReplicas:         10,
		JobsPerWorker:       10,
		LowWatermark:        0.3,
		StabilizationWindow: 5 * time.Minute,
		MaxStepUp:           4,
	})

	idle := Sample{Depth: 0, Utilization: 0.0, Current: 4}
	if got := c.computeTarget(idle); got != 4 {
		t.Fatalf("expected hold at 4, got %d", got)
	}
	*now = now.Add(4 * time.Minute)

	// Burst arrives just before the window closes.
	if got := c.computeTarget(Sample{Depth: 60, Utilization: 0.5, Current: 4}); got != 6 {
		t.Fatalf("expected scale up to 6, got %d", got)
	}

	// Low again: the window must restart from scratch.
	*now = now.Add(2 * time.Minute)
	idle.Current = 6
	if got := c.computeTarget(idle); got != 6 {
		t.Fatalf("window should have restarted, got %d", got)
	}
}

func TestController_TickAppliesDecision(t *testing.T) {
	orch := NewLogOrchestrator(2, discardLogger())
	source := QueueSource{
		DepthFn: func(context.Context) (int, error) { return 50, nil },
		UtilFn:  func(context.Context) (float64, error) { return 0.9, nil },
	}
	c := NewController(source, orch, discardLogger(), Config{
		MinReplicas:   1,
		MaxReplicas:   10,
		JobsPerWorker: 10,
		MaxStepUp:     4,
	})

	c.tick(context.Background())

	replicas, err := orch.CurrentReplicas(context.Background())
	if err != nil {
		t.Fatalf("current replicas: %v", err)
	}
	if replicas != 5 {
		t.Fatalf("expected orchestrator at 5 replicas, got %d", replicas)
	}
}

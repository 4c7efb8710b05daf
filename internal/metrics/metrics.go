package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crawlpool/crawlpool/internal/health"
)

var (
	// Queue metrics

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "crawlpool",
		Name:      "queue_jobs",
		Help:      "Jobs in the queue, by status.",
	}, []string{"status"})

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crawlpool",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from job creation to a worker leasing it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlpool",
		Name:      "jobs_enqueued_total",
		Help:      "Total job submissions, by kind and dedup outcome.",
	}, []string{"kind", "dedup"})

	// Worker metrics

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crawlpool",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of one job attempt.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind", "outcome"})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlpool",
		Name:      "jobs_completed_total",
		Help:      "Total job attempts finished, by outcome.",
	}, []string{"outcome"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crawlpool",
		Name:      "worker_jobs_in_flight",
		Help:      "Jobs currently being executed by this worker process.",
	})

	WorkerUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crawlpool",
		Name:      "worker_utilization_ratio",
		Help:      "Busy worker slots divided by total slots.",
	})

	CacheRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlpool",
		Name:      "cache_requests_total",
		Help:      "Result cache lookups, by outcome (hit, miss, error).",
	}, []string{"outcome"})

	// Reaper metrics

	ReaperReclaimedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlpool",
		Name:      "reaper_reclaimed_total",
		Help:      "Expired leases handled by the reaper, by action.",
	}, []string{"action"})

	// Autoscaler metrics

	AutoscaleTargetReplicas = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crawlpool",
		Name:      "autoscale_target_replicas",
		Help:      "Most recent replica target emitted by the controller.",
	})

	AutoscaleDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlpool",
		Name:      "autoscale_decisions_total",
		Help:      "Scaling decisions, by direction (up, down, hold).",
	}, []string{"direction"})

	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crawlpool",
		Name:      "process_cpu_percent",
		Help:      "Process CPU usage sampled by the stats collector.",
	})

	ProcessMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crawlpool",
		Name:      "process_memory_bytes",
		Help:      "Process resident memory sampled by the stats collector.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crawlpool",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlpool",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		QueueDepth,
		JobPickupLatency,
		JobsEnqueuedTotal,
		JobExecutionDuration,
		JobsCompletedTotal,
		JobsInFlight,
		WorkerUtilization,
		CacheRequestsTotal,
		ReaperReclaimedTotal,
		AutoscaleTargetReplicas,
		AutoscaleDecisionsTotal,
		ProcessCPUPercent,
		ProcessMemoryBytes,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer serves /metrics plus liveness/readiness probes on its own port,
// away from the public API.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", checker.LivenessHandler)
	mux.HandleFunc("/readyz", checker.ReadinessHandler)
	return &http.Server{Addr: addr, Handler: mux}
}

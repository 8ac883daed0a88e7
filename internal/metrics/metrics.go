// Package metrics wires github.com/prometheus/client_golang to the queue
// depth, claim-wait, and SLO-rollup surfaces spec.md §4.7 requires. The
// p50/p95 rollups exposed on /system/status are computed from the
// trackers' own in-memory samples, not read back from the histograms;
// each sample is also observed into the matching histogram for /metrics.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushpals_queue_depth",
			Help: "Pending row count per queue and priority",
		},
		[]string{"queue", "priority"},
	)

	ClaimWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushpals_claim_wait_seconds",
			Help:    "Time between enqueue and claim, per queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpals_events_appended_total",
			Help: "Total events appended to the event log, by type",
		},
		[]string{"type"},
	)

	WorkersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushpals_workers_online",
			Help: "Number of workers with a heartbeat inside the TTL window",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpals_http_requests_total",
			Help: "Total HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushpals_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	QueueOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpals_queue_outcomes_total",
			Help: "Terminal queue-row outcomes by queue and outcome (completed, failed, timeout)",
		},
		[]string{"queue", "outcome"},
	)

	DBPoolConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushpals_db_pool_connections",
			Help: "database/sql connection pool gauges (state: open, in_use, idle)",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		ClaimWaitSeconds,
		EventsAppendedTotal,
		WorkersOnline,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QueueOutcomesTotal,
		DBPoolConns,
	)
}

// Handler returns the Prometheus scrape handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveSeconds records the elapsed time against histogram.
func (t *Timer) ObserveSeconds(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ClaimWaitTracker maintains a small in-memory ring of recent claim-wait
// samples per queue so /system/status can report p50/p95 without querying
// Prometheus's own storage — the histograms above remain the scrape-facing
// source of truth, this is a cheap read-side cache over the same samples.
type ClaimWaitTracker struct {
	mu      sync.Mutex
	samples map[string][]float64
	cap     int
}

// NewClaimWaitTracker returns a tracker retaining up to capacity samples
// per queue, oldest evicted first.
func NewClaimWaitTracker(capacity int) *ClaimWaitTracker {
	if capacity <= 0 {
		capacity = 512
	}
	return &ClaimWaitTracker{samples: make(map[string][]float64), cap: capacity}
}

// Observe records a claim-wait duration for queue and feeds the matching
// Prometheus histogram.
func (t *ClaimWaitTracker) Observe(queue string, d time.Duration) {
	seconds := d.Seconds()
	ClaimWaitSeconds.WithLabelValues(queue).Observe(seconds)

	t.mu.Lock()
	defer t.mu.Unlock()
	s := append(t.samples[queue], seconds)
	if len(s) > t.cap {
		s = s[len(s)-t.cap:]
	}
	t.samples[queue] = s
}

// Percentiles returns the p50 and p95 claim-wait, in seconds, over the
// retained samples for queue. Returns (0, 0) if no samples exist yet.
func (t *ClaimWaitTracker) Percentiles(queue string) (p50, p95 float64) {
	t.mu.Lock()
	samples := append([]float64(nil), t.samples[queue]...)
	t.mu.Unlock()

	if len(samples) == 0 {
		return 0, 0
	}
	sort.Float64s(samples)
	return percentile(samples, 0.50), percentile(samples, 0.95)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// OutcomeTracker maintains a small in-memory ring of recent terminal
// outcomes per queue ("completed", "failed", "timeout") so /system/status
// can report success/timeout rates over the same rolling window the
// ClaimWaitTracker uses for latency, without querying Prometheus's own
// storage. QueueOutcomesTotal remains the scrape-facing counter.
type OutcomeTracker struct {
	mu      sync.Mutex
	samples map[string][]string
	cap     int
}

// NewOutcomeTracker returns a tracker retaining up to capacity outcomes
// per queue, oldest evicted first.
func NewOutcomeTracker(capacity int) *OutcomeTracker {
	if capacity <= 0 {
		capacity = 512
	}
	return &OutcomeTracker{samples: make(map[string][]string), cap: capacity}
}

// Observe records a terminal outcome ("completed", "failed", or "timeout")
// for queue and increments the matching Prometheus counter.
func (t *OutcomeTracker) Observe(queue, outcome string) {
	QueueOutcomesTotal.WithLabelValues(queue, outcome).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	s := append(t.samples[queue], outcome)
	if len(s) > t.cap {
		s = s[len(s)-t.cap:]
	}
	t.samples[queue] = s
}

// Rates returns the success rate (fraction "completed") and timeout rate
// (fraction "timeout") over the retained outcomes for queue. Returns
// (0, 0) if no outcomes have been observed yet.
func (t *OutcomeTracker) Rates(queue string) (successRate, timeoutRate float64) {
	t.mu.Lock()
	samples := append([]string(nil), t.samples[queue]...)
	t.mu.Unlock()

	if len(samples) == 0 {
		return 0, 0
	}
	var completed, timeouts int
	for _, s := range samples {
		switch s {
		case "completed":
			completed++
		case "timeout":
			timeouts++
		}
	}
	n := float64(len(samples))
	return float64(completed) / n, float64(timeouts) / n
}

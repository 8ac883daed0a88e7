package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/PushPalsDev/pushpals-sub001/internal/metrics"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
	"github.com/PushPalsDev/pushpals-sub001/internal/watchdog"
	"github.com/PushPalsDev/pushpals-sub001/internal/websocket"
)

// SystemHandler implements the Session Supervisor's read-only rollup
// endpoint, GET /system/status (spec.md §4.7): counts across every queue
// plus the p50/p95 queue-wait and claimed-to-terminal duration SLOs, and
// success/timeout rates, computed from the same rolling samples the
// request/job handlers and the watchdog's sweeps feed into
// metrics.ClaimWaitTracker and metrics.OutcomeTracker.
type SystemHandler struct {
	sessions    repositories.SessionRepository
	requests    repositories.RequestRepository
	jobs        repositories.JobRepository
	completions repositories.CompletionRepository
	workers     repositories.WorkerRepository
	hub         *websocket.Hub
	waiters     *metrics.ClaimWaitTracker
	durations   *metrics.ClaimWaitTracker
	outcomes    *metrics.OutcomeTracker
	logger      *zap.Logger
}

// NewSystemHandler creates a new SystemHandler. durations and outcomes
// may be nil, in which case the corresponding SLO fields are left zeroed.
func NewSystemHandler(
	sessions repositories.SessionRepository,
	requests repositories.RequestRepository,
	jobs repositories.JobRepository,
	completions repositories.CompletionRepository,
	workers repositories.WorkerRepository,
	hub *websocket.Hub,
	waiters *metrics.ClaimWaitTracker,
	durations *metrics.ClaimWaitTracker,
	outcomes *metrics.OutcomeTracker,
	logger *zap.Logger,
) *SystemHandler {
	return &SystemHandler{
		sessions:    sessions,
		requests:    requests,
		jobs:        jobs,
		completions: completions,
		workers:     workers,
		hub:         hub,
		waiters:     waiters,
		durations:   durations,
		outcomes:    outcomes,
		logger:      logger.Named("system_handler"),
	}
}

type queueSLO struct {
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
}

type outcomeRates struct {
	SuccessRate float64 `json:"successRate"`
	TimeoutRate float64 `json:"timeoutRate"`
}

type systemStatus struct {
	Sessions            int64        `json:"sessions"`
	Requests            int64        `json:"requests"`
	Jobs                int64        `json:"jobs"`
	Completions         int64        `json:"completions"`
	Workers             int64        `json:"workers"`
	OnlineWorkers       int          `json:"onlineWorkers"`
	Subscribers         int          `json:"subscribers"`
	RequestQueueSLO     queueSLO     `json:"requestQueueSlo"`
	JobQueueSLO         queueSLO     `json:"jobQueueSlo"`
	RequestDurationSLO  queueSLO     `json:"requestDurationSlo"`
	JobDurationSLO      queueSLO     `json:"jobDurationSlo"`
	RequestOutcomeRates outcomeRates `json:"requestOutcomeRates"`
	JobOutcomeRates     outcomeRates `json:"jobOutcomeRates"`
}

// Status handles GET /system/status.
func (h *SystemHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, sessionTotal, err := h.sessions.List(ctx, repositories.ListOptions{Limit: 1})
	if err != nil {
		h.logger.Error("count sessions", zap.Error(err))
		ErrInternal(w)
		return
	}
	_, requestTotal, err := h.requests.List(ctx, repositories.ListOptions{Limit: 1})
	if err != nil {
		h.logger.Error("count requests", zap.Error(err))
		ErrInternal(w)
		return
	}
	_, jobTotal, err := h.jobs.List(ctx, repositories.ListOptions{Limit: 1})
	if err != nil {
		h.logger.Error("count jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	_, completionTotal, err := h.completions.List(ctx, repositories.ListOptions{Limit: 1})
	if err != nil {
		h.logger.Error("count completions", zap.Error(err))
		ErrInternal(w)
		return
	}
	workers, err := h.workers.List(ctx)
	if err != nil {
		h.logger.Error("list workers", zap.Error(err))
		ErrInternal(w)
		return
	}

	now := time.Now().UTC()
	online := 0
	for _, worker := range workers {
		if now.Sub(worker.LastHeartbeat) < watchdog.HeartbeatTTL {
			online++
		}
	}

	status := systemStatus{
		Sessions:      sessionTotal,
		Requests:      requestTotal,
		Jobs:          jobTotal,
		Completions:   completionTotal,
		Workers:       int64(len(workers)),
		OnlineWorkers: online,
		Subscribers:   h.hub.SubscriberCount(),
	}
	if h.waiters != nil {
		p50, p95 := h.waiters.Percentiles("request")
		status.RequestQueueSLO = queueSLO{P50Ms: p50 * 1000, P95Ms: p95 * 1000}
		p50, p95 = h.waiters.Percentiles("job")
		status.JobQueueSLO = queueSLO{P50Ms: p50 * 1000, P95Ms: p95 * 1000}
	}
	if h.durations != nil {
		p50, p95 := h.durations.Percentiles("request")
		status.RequestDurationSLO = queueSLO{P50Ms: p50 * 1000, P95Ms: p95 * 1000}
		p50, p95 = h.durations.Percentiles("job")
		status.JobDurationSLO = queueSLO{P50Ms: p50 * 1000, P95Ms: p95 * 1000}
	}
	if h.outcomes != nil {
		success, timeout := h.outcomes.Rates("request")
		status.RequestOutcomeRates = outcomeRates{SuccessRate: success, TimeoutRate: timeout}
		success, timeout = h.outcomes.Rates("job")
		status.JobOutcomeRates = outcomeRates{SuccessRate: success, TimeoutRate: timeout}
	}

	Ok(w, status)
}

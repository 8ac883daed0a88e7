// Package watchdog runs the periodic, store-driven sweeps spec.md §9 calls
// for — queue-wait budget, execution budget, and worker heartbeat TTL —
// plus a queue-depth sweep that recomputes the pending-row gauges. No
// sweep enforces a job's finalization budget. Each sweep is a pure
// function of the store — no in-memory per-row timer — so restarting the server never double-fires a deadline that
// already passed while it was down (spec.md §4.3, §4.4).
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/eventlog"
	"github.com/PushPalsDev/pushpals-sub001/internal/metrics"
	"github.com/PushPalsDev/pushpals-sub001/internal/protocol"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
)

// MaxRequeues bounds how many times a claimed job may be automatically
// requeued after its worker is declared lost before it is failed outright
// with reason worker-lost (spec.md §4.4, §8 scenario 6).
const MaxRequeues = 3

// HeartbeatTTL is how long a worker may go without a heartbeat before it is
// no longer considered online (spec.md §4.4).
const HeartbeatTTL = 30 * time.Second

// HeartbeatGrace is added on top of HeartbeatTTL before a claimed job's
// worker is declared lost, absorbing ordinary heartbeat jitter.
const HeartbeatGrace = 15 * time.Second

// Config holds the sweep intervals. Zero values fall back to the package
// defaults in New.
type Config struct {
	QueueWaitInterval  time.Duration
	ExecutionInterval  time.Duration
	HeartbeatInterval  time.Duration
	QueueDepthInterval time.Duration
}

// Watchdog owns the gocron scheduler running the sweep tasks.
type Watchdog struct {
	cron        gocron.Scheduler
	requests    repositories.RequestRepository
	jobs        repositories.JobRepository
	completions repositories.CompletionRepository
	log         *eventlog.Log
	outcomes    *metrics.OutcomeTracker
	gdb         *gorm.DB
	logger      *zap.Logger
	cfg         Config
}

// New constructs a Watchdog. Call Start to register and run its sweeps.
// outcomes may be nil, in which case sweep-driven timeouts are still
// counted against QueueOutcomesTotal but not against any rolling window.
// gdb may be nil, in which case the queue-depth sweep skips reporting
// database connection-pool gauges.
func New(requests repositories.RequestRepository, jobs repositories.JobRepository, completions repositories.CompletionRepository, log *eventlog.Log, outcomes *metrics.OutcomeTracker, gdb *gorm.DB, logger *zap.Logger, cfg Config) (*Watchdog, error) {
	if cfg.QueueWaitInterval == 0 {
		cfg.QueueWaitInterval = 5 * time.Second
	}
	if cfg.ExecutionInterval == 0 {
		cfg.ExecutionInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.QueueDepthInterval == 0 {
		cfg.QueueDepthInterval = 15 * time.Second
	}
	if outcomes == nil {
		outcomes = metrics.NewOutcomeTracker(512)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("watchdog: new scheduler: %w", err)
	}

	return &Watchdog{
		cron:        s,
		requests:    requests,
		jobs:        jobs,
		completions: completions,
		log:         log,
		outcomes:    outcomes,
		gdb:         gdb,
		logger:      logger.Named("watchdog"),
		cfg:         cfg,
	}, nil
}

// Start registers all sweeps in singleton mode (a slow tick never overlaps
// itself) and starts the scheduler.
func (w *Watchdog) Start() error {
	sweeps := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{"queue-wait-budget", w.cfg.QueueWaitInterval, w.sweepQueueWait},
		{"execution-budget", w.cfg.ExecutionInterval, w.sweepExecutionBudget},
		{"worker-heartbeat-ttl", w.cfg.HeartbeatInterval, w.sweepWorkerHeartbeats},
		{"queue-depth", w.cfg.QueueDepthInterval, w.sweepQueueDepth},
	}

	for _, sw := range sweeps {
		_, err := w.cron.NewJob(
			gocron.DurationJob(sw.interval),
			gocron.NewTask(sw.fn),
			gocron.WithTags(sw.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("watchdog: register %s: %w", sw.name, err)
		}
	}

	w.cron.Start()
	w.logger.Info("watchdog started",
		zap.Duration("queue_wait_interval", w.cfg.QueueWaitInterval),
		zap.Duration("execution_interval", w.cfg.ExecutionInterval),
		zap.Duration("heartbeat_interval", w.cfg.HeartbeatInterval),
	)
	return nil
}

// Stop waits for any in-flight sweep to finish, then shuts the scheduler down.
func (w *Watchdog) Stop() error {
	if err := w.cron.Shutdown(); err != nil {
		return fmt.Errorf("watchdog: shutdown: %w", err)
	}
	return nil
}

// sweepQueueWait administratively fails pending requests whose
// queueWaitBudgetMs has been exceeded (spec.md §4.3, §7 BudgetExceeded).
func (w *Watchdog) sweepQueueWait() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	expired, err := w.requests.ListExpiredPending(ctx, now)
	if err != nil {
		w.logger.Error("queue-wait sweep: list expired pending", zap.Error(err))
		return
	}

	for _, req := range expired {
		if err := w.requests.FailExpired(ctx, req.ID); err != nil {
			if err != repositories.ErrAlreadyClaimed {
				w.logger.Warn("queue-wait sweep: fail expired", zap.String("request_id", req.ID.String()), zap.Error(err))
			}
			continue
		}
		w.outcomes.Observe("request", "timeout")
		w.appendError(ctx, req.SessionID, "queue-wait-budget-exceeded", map[string]any{"requestId": req.ID.String()})
		w.logger.Info("request failed: queue-wait-budget-exceeded", zap.String("request_id", req.ID.String()))
	}
}

// sweepExecutionBudget administratively fails claimed jobs whose
// executionBudgetMs has been exceeded.
func (w *Watchdog) sweepExecutionBudget() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	expired, err := w.jobs.ListExecutionExpired(ctx, now)
	if err != nil {
		w.logger.Error("execution-budget sweep: list expired", zap.Error(err))
		return
	}

	for _, job := range expired {
		if err := w.jobs.FailExpired(ctx, job.ID, "execution-budget-exceeded"); err != nil {
			if err != repositories.ErrAlreadyClaimed {
				w.logger.Warn("execution-budget sweep: fail expired", zap.String("job_id", job.ID.String()), zap.Error(err))
			}
			continue
		}
		w.outcomes.Observe("job", "timeout")
		w.appendJobFailed(ctx, job.SessionID, job.ID, "execution-budget-exceeded")
		w.logger.Info("job failed: execution-budget-exceeded", zap.String("job_id", job.ID.String()))
	}
}

// sweepWorkerHeartbeats requeues (or, past MaxRequeues, fails) claimed jobs
// whose worker has missed heartbeats beyond TTL+grace (spec.md §4.4, §8
// scenario 6).
func (w *Watchdog) sweepWorkerHeartbeats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-(HeartbeatTTL + HeartbeatGrace))
	stale, err := w.jobs.ListStaleClaims(ctx, cutoff)
	if err != nil {
		w.logger.Error("worker-heartbeat sweep: list stale claims", zap.Error(err))
		return
	}

	for _, job := range stale {
		if job.RequeueCount >= MaxRequeues {
			if err := w.jobs.FailExpired(ctx, job.ID, "worker-lost"); err != nil {
				if err != repositories.ErrAlreadyClaimed {
					w.logger.Warn("worker-heartbeat sweep: fail worker-lost", zap.String("job_id", job.ID.String()), zap.Error(err))
				}
				continue
			}
			w.outcomes.Observe("job", "timeout")
			w.appendJobFailed(ctx, job.SessionID, job.ID, "worker-lost")
			w.logger.Info("job failed: worker-lost", zap.String("job_id", job.ID.String()))
			continue
		}

		if _, err := w.jobs.Requeue(ctx, job.ID, true, true); err != nil {
			if err != repositories.ErrAlreadyClaimed {
				w.logger.Warn("worker-heartbeat sweep: requeue", zap.String("job_id", job.ID.String()), zap.Error(err))
			}
			continue
		}
		w.logger.Info("job requeued: worker-lost", zap.String("job_id", job.ID.String()), zap.Int("requeue_count", job.RequeueCount+1))
	}
}

// sweepQueueDepth recomputes the pending-row gauges per (queue, priority)
// from store state, the same "pure function of the store" shape as the
// budget sweeps above — no per-enqueue gauge increment to keep in sync.
func (w *Watchdog) sweepQueueDepth() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if counts, err := w.requests.CountPendingByPriority(ctx); err != nil {
		w.logger.Error("queue-depth sweep: requests", zap.Error(err))
	} else {
		for priority, n := range counts {
			metrics.QueueDepth.WithLabelValues("request", priority).Set(float64(n))
		}
	}

	if counts, err := w.jobs.CountPendingByPriority(ctx); err != nil {
		w.logger.Error("queue-depth sweep: jobs", zap.Error(err))
	} else {
		for priority, n := range counts {
			metrics.QueueDepth.WithLabelValues("job", priority).Set(float64(n))
		}
	}

	if count, err := w.completions.CountPending(ctx); err != nil {
		w.logger.Error("queue-depth sweep: completions", zap.Error(err))
	} else {
		metrics.QueueDepth.WithLabelValues("completion", "none").Set(float64(count))
	}

	if w.gdb != nil {
		if err := db.ReportPoolStats(w.gdb); err != nil {
			w.logger.Error("queue-depth sweep: db pool stats", zap.Error(err))
		}
	}
}

func (w *Watchdog) appendJobFailed(ctx context.Context, sessionID string, jobID uuid.UUID, reason string) {
	payload, _ := json.Marshal(map[string]any{"jobId": jobID.String(), "message": reason})
	ev := protocol.Event{
		ProtocolVersion: "1.0",
		ID:              newEventID(),
		Ts:              time.Now().UTC(),
		SessionID:       sessionID,
		Type:            protocol.EventJobFailed,
		From:            "watchdog",
		Payload:         payload,
	}
	if _, err := w.log.Append(ctx, ev); err != nil {
		w.logger.Warn("append job_failed event", zap.Error(err))
	}
}

func (w *Watchdog) appendError(ctx context.Context, sessionID, message string, extra map[string]any) {
	fields := map[string]any{"message": message}
	for k, v := range extra {
		fields[k] = v
	}
	payload, _ := json.Marshal(fields)
	ev := protocol.Event{
		ProtocolVersion: "1.0",
		ID:              newEventID(),
		Ts:              time.Now().UTC(),
		SessionID:       sessionID,
		Type:            protocol.EventError,
		From:            "watchdog",
		Payload:         payload,
	}
	if _, err := w.log.Append(ctx, ev); err != nil {
		w.logger.Warn("append error event", zap.Error(err))
	}
}

func newEventID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

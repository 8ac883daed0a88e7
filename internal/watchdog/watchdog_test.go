package watchdog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/eventlog"
	"github.com/PushPalsDev/pushpals-sub001/internal/metrics"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
	"github.com/PushPalsDev/pushpals-sub001/internal/websocket"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return gdb
}

type testHarness struct {
	requests    repositories.RequestRepository
	jobs        repositories.JobRepository
	completions repositories.CompletionRepository
	workers     repositories.WorkerRepository
	log         *eventlog.Log
	outcomes    *metrics.OutcomeTracker
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	gdb := newTestDB(t)
	sessions := repositories.NewSessionRepository(gdb)
	events := repositories.NewEventRepository(gdb)

	if _, _, err := sessions.GetOrCreate(context.Background(), "dev"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	return &testHarness{
		requests:    repositories.NewRequestRepository(gdb),
		jobs:        repositories.NewJobRepository(gdb),
		completions: repositories.NewCompletionRepository(gdb),
		workers:     repositories.NewWorkerRepository(gdb),
		log:         eventlog.New(events, sessions, hub, zap.NewNop()),
		outcomes:    metrics.NewOutcomeTracker(64),
	}
}

func TestSweepQueueWaitFailsExpiredRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	req, err := h.requests.Enqueue(ctx, &db.Request{
		SessionID:         "dev",
		OriginalPrompt:    "slow",
		QueueWaitBudgetMs: 1000,
		EnqueuedAt:        past,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := &Watchdog{requests: h.requests, jobs: h.jobs, completions: h.completions, log: h.log, outcomes: h.outcomes, logger: zap.NewNop(), cfg: Config{}}
	w.sweepQueueWait()

	got, err := h.requests.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != "failed" {
		t.Fatalf("Status = %q, want failed after the queue-wait sweep", got.Status)
	}
}

func TestSweepQueueWaitLeavesFreshRequestsAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, err := h.requests.Enqueue(ctx, &db.Request{
		SessionID:         "dev",
		OriginalPrompt:    "fast",
		QueueWaitBudgetMs: 60_000,
		EnqueuedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := &Watchdog{requests: h.requests, jobs: h.jobs, completions: h.completions, log: h.log, outcomes: h.outcomes, logger: zap.NewNop(), cfg: Config{}}
	w.sweepQueueWait()

	got, err := h.requests.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != "pending" {
		t.Fatalf("Status = %q, want pending (budget not yet exceeded)", got.Status)
	}
}

func TestSweepWorkerHeartbeatsRequeuesBelowMaxRequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.jobs.Enqueue(ctx, &db.Job{TaskID: "t1", SessionID: "dev", Kind: "shell"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := h.jobs.Claim(ctx, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	stale := time.Now().UTC().Add(-(HeartbeatTTL + HeartbeatGrace + time.Minute))
	if err := h.workers.Heartbeat(ctx, &db.Worker{WorkerID: "worker-a", Status: "busy", LastHeartbeat: stale}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	w := &Watchdog{requests: h.requests, jobs: h.jobs, completions: h.completions, log: h.log, outcomes: h.outcomes, logger: zap.NewNop(), cfg: Config{}}
	w.sweepWorkerHeartbeats()

	got, err := h.jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != "pending" {
		t.Fatalf("Status = %q, want pending (requeued, not failed, below MaxRequeues)", got.Status)
	}
	if got.RequeueCount != 1 {
		t.Fatalf("RequeueCount = %d, want 1", got.RequeueCount)
	}
}

func TestSweepWorkerHeartbeatsFailsAtMaxRequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.jobs.Enqueue(ctx, &db.Job{TaskID: "t1", SessionID: "dev", Kind: "shell"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Drive the job through MaxRequeues worker-lost cycles first.
	for i := 0; i < MaxRequeues; i++ {
		if _, err := h.jobs.Claim(ctx, "worker-a"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if _, err := h.jobs.Requeue(ctx, job.ID, true, true); err != nil {
			t.Fatalf("requeue %d: %v", i, err)
		}
	}

	if _, err := h.jobs.Claim(ctx, "worker-a"); err != nil {
		t.Fatalf("final claim: %v", err)
	}
	stale := time.Now().UTC().Add(-(HeartbeatTTL + HeartbeatGrace + time.Minute))
	if err := h.workers.Heartbeat(ctx, &db.Worker{WorkerID: "worker-a", Status: "busy", LastHeartbeat: stale}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	w := &Watchdog{requests: h.requests, jobs: h.jobs, completions: h.completions, log: h.log, outcomes: h.outcomes, logger: zap.NewNop(), cfg: Config{}}
	w.sweepWorkerHeartbeats()

	got, err := h.jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != "failed" {
		t.Fatalf("Status = %q, want failed once RequeueCount has reached MaxRequeues", got.Status)
	}
}

func TestSweepQueueDepthCountsPendingByPriority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.requests.Enqueue(ctx, &db.Request{SessionID: "dev", OriginalPrompt: "a", Priority: "interactive"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := h.requests.Enqueue(ctx, &db.Request{SessionID: "dev", OriginalPrompt: "b", Priority: "interactive"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := h.requests.Enqueue(ctx, &db.Request{SessionID: "dev", OriginalPrompt: "c", Priority: "background"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := &Watchdog{requests: h.requests, jobs: h.jobs, completions: h.completions, log: h.log, outcomes: h.outcomes, logger: zap.NewNop(), cfg: Config{}}
	w.sweepQueueDepth()

	counts, err := h.requests.CountPendingByPriority(ctx)
	if err != nil {
		t.Fatalf("CountPendingByPriority: %v", err)
	}
	if counts["interactive"] != 2 {
		t.Fatalf("interactive pending = %d, want 2", counts["interactive"])
	}
	if counts["background"] != 1 {
		t.Fatalf("background pending = %d, want 1", counts["background"])
	}
}

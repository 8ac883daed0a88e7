package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
)

func TestJobClaimPrefersTargetedWorker(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	repo := repositories.NewJobRepository(gdb)

	target := "worker-a"
	base := time.Now().UTC().Add(-time.Hour)
	untargeted, err := repo.Enqueue(ctx, &db.Job{TaskID: "t1", SessionID: "dev", Kind: "shell", EnqueuedAt: base})
	if err != nil {
		t.Fatalf("enqueue untargeted: %v", err)
	}
	targeted, err := repo.Enqueue(ctx, &db.Job{TaskID: "t1", SessionID: "dev", Kind: "shell", TargetWorkerID: &target, EnqueuedAt: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("enqueue targeted: %v", err)
	}

	claimed, err := repo.Claim(ctx, "worker-a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.ID != targeted.ID {
		t.Fatalf("expected the targeted job to win despite being enqueued later, got %v (untargeted=%v)", claimed, untargeted.ID)
	}
}

func TestJobClaimSkipsJobsTargetedAtOtherWorkers(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	repo := repositories.NewJobRepository(gdb)

	other := "worker-b"
	if _, err := repo.Enqueue(ctx, &db.Job{TaskID: "t1", SessionID: "dev", Kind: "shell", TargetWorkerID: &other}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := repo.Claim(ctx, "worker-a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no claimable job for worker-a, got %v", claimed)
	}
}

func TestJobRequeuePreservesOrClearsTarget(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	repo := repositories.NewJobRepository(gdb)

	target := "worker-a"
	job, err := repo.Enqueue(ctx, &db.Job{TaskID: "t1", SessionID: "dev", Kind: "shell", TargetWorkerID: &target})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := repo.Claim(ctx, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	requeued, err := repo.Requeue(ctx, job.ID, true, true)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued.Status != "pending" {
		t.Fatalf("Status = %q, want pending", requeued.Status)
	}
	if requeued.WorkerID != nil {
		t.Fatalf("WorkerID = %v, want nil after requeue", requeued.WorkerID)
	}
	if requeued.TargetWorkerID == nil || *requeued.TargetWorkerID != target {
		t.Fatalf("TargetWorkerID = %v, want preserved %q", requeued.TargetWorkerID, target)
	}
	if requeued.RequeueCount != 1 {
		t.Fatalf("RequeueCount = %d, want 1", requeued.RequeueCount)
	}
}

func TestJobAppendLogDuplicateSeqRejected(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	jobs := repositories.NewJobRepository(gdb)

	job, err := jobs.Enqueue(ctx, &db.Job{TaskID: "t1", SessionID: "dev", Kind: "shell"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := jobs.AppendLog(ctx, &db.LogLine{JobID: job.ID, Stream: "stdout", Seq: 1, Line: "hello\n"}); err != nil {
		t.Fatalf("first AppendLog: %v", err)
	}
	err = jobs.AppendLog(ctx, &db.LogLine{JobID: job.ID, Stream: "stdout", Seq: 1, Line: "duplicate\n"})
	if err != repositories.ErrConflict {
		t.Fatalf("err = %v, want ErrConflict for a repeated (job, stream, seq)", err)
	}

	lines, err := jobs.ListLogs(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(lines))
	}
}

func TestJobListStaleClaims(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	jobs := repositories.NewJobRepository(gdb)
	workers := repositories.NewWorkerRepository(gdb)

	job, err := jobs.Enqueue(ctx, &db.Job{TaskID: "t1", SessionID: "dev", Kind: "shell"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := jobs.Claim(ctx, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	stale := time.Now().UTC().Add(-10 * time.Minute)
	if err := workers.Heartbeat(ctx, &db.Worker{WorkerID: "worker-a", Status: "busy", LastHeartbeat: stale}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	cutoff := time.Now().UTC().Add(-time.Minute)
	claims, err := jobs.ListStaleClaims(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListStaleClaims: %v", err)
	}
	if len(claims) != 1 || claims[0].ID != job.ID {
		t.Fatalf("expected the stale claim to be listed, got %d rows", len(claims))
	}
}

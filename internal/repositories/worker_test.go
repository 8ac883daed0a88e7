package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
)

func TestWorkerHeartbeatUpserts(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	repo := repositories.NewWorkerRepository(gdb)

	first := time.Now().UTC()
	if err := repo.Heartbeat(ctx, &db.Worker{WorkerID: "worker-a", Status: "idle", LastHeartbeat: first}); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}

	second := first.Add(time.Minute)
	if err := repo.Heartbeat(ctx, &db.Worker{WorkerID: "worker-a", Status: "busy", LastHeartbeat: second}); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}

	w, err := repo.GetByID(ctx, "worker-a")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if w.Status != "busy" {
		t.Fatalf("Status = %q, want busy (the upsert should overwrite, not insert a second row)", w.Status)
	}
	if !w.LastHeartbeat.Equal(second) {
		t.Fatalf("LastHeartbeat = %v, want %v", w.LastHeartbeat, second)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(all) = %d, want 1 worker row after two heartbeats", len(all))
	}
}

func TestWorkerActiveJobCount(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	workers := repositories.NewWorkerRepository(gdb)
	jobs := repositories.NewJobRepository(gdb)

	if err := workers.Heartbeat(ctx, &db.Worker{WorkerID: "worker-a", Status: "idle", LastHeartbeat: time.Now().UTC()}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	count, err := workers.ActiveJobCount(ctx, "worker-a")
	if err != nil {
		t.Fatalf("ActiveJobCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 before any claim", count)
	}

	if _, err := jobs.Enqueue(ctx, &db.Job{TaskID: "t1", SessionID: "dev", Kind: "shell"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := jobs.Claim(ctx, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	count, err = workers.ActiveJobCount(ctx, "worker-a")
	if err != nil {
		t.Fatalf("ActiveJobCount after claim: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1 after claiming a job", count)
	}
}

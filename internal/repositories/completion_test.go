package repositories_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
)

func TestCompletionEnqueueClaimProcess(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	repo := repositories.NewCompletionRepository(gdb)

	c, err := repo.Enqueue(ctx, &db.Completion{JobID: uuid.New(), SessionID: "dev", CommitSha: "abc123", Branch: "main"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := repo.Claim(ctx, "scm-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.ID != c.ID {
		t.Fatalf("Claim returned %v, want the enqueued row", claimed)
	}

	processed, err := repo.Process(ctx, c.ID, "scm-1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if processed.Status != "processed" {
		t.Fatalf("Status = %q, want processed", processed.Status)
	}

	// Processing again is idempotent, not an error.
	again, err := repo.Process(ctx, c.ID, "scm-1")
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if again.Status != "processed" {
		t.Fatalf("Status = %q, want processed", again.Status)
	}
}

func TestCompletionFailRequiresClaim(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	repo := repositories.NewCompletionRepository(gdb)

	c, err := repo.Enqueue(ctx, &db.Completion{JobID: uuid.New(), SessionID: "dev"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, err = repo.Fail(ctx, c.ID, "scm-1", "push rejected", "non-fast-forward")
	if err != repositories.ErrAlreadyClaimed {
		t.Fatalf("err = %v, want ErrAlreadyClaimed for a still-pending row", err)
	}
}

func TestCompletionEnqueueIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	repo := repositories.NewCompletionRepository(gdb)

	key := "completion-key-1"
	first, err := repo.Enqueue(ctx, &db.Completion{JobID: uuid.New(), SessionID: "dev", IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := repo.Enqueue(ctx, &db.Completion{JobID: uuid.New(), SessionID: "dev", IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("expected the same row back for a repeated idempotency key")
	}
}

package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
)

func TestEventAppendAndRangeAfter(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	repo := repositories.NewEventRepository(gdb)

	for i := int64(1); i <= 3; i++ {
		ev := &db.Event{
			ID:              uuid.New(),
			SessionID:       "dev",
			Cursor:          i,
			ProtocolVersion: "1.0",
			Ts:              time.Now().UTC(),
			Type:            "message",
			From:            "tester",
			Payload:         `{"text":"hi"}`,
		}
		if err := repo.Append(ctx, ev); err != nil {
			t.Fatalf("Append cursor=%d: %v", i, err)
		}
	}

	events, err := repo.RangeAfter(ctx, "dev", 1, 0)
	if err != nil {
		t.Fatalf("RangeAfter: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2 (cursors 2 and 3)", len(events))
	}
	if events[0].Cursor != 2 || events[1].Cursor != 3 {
		t.Fatalf("events out of order: %+v", events)
	}

	max, err := repo.MaxCursor(ctx, "dev")
	if err != nil {
		t.Fatalf("MaxCursor: %v", err)
	}
	if max != 3 {
		t.Fatalf("MaxCursor = %d, want 3", max)
	}
}

func TestEventAppendDuplicateIDConflicts(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	repo := repositories.NewEventRepository(gdb)

	id := uuid.New()
	ev := &db.Event{ID: id, SessionID: "dev", Cursor: 1, ProtocolVersion: "1.0", Ts: time.Now().UTC(), Type: "message", From: "tester", Payload: `{"text":"hi"}`}
	if err := repo.Append(ctx, ev); err != nil {
		t.Fatalf("first Append: %v", err)
	}

	dup := &db.Event{ID: id, SessionID: "dev", Cursor: 2, ProtocolVersion: "1.0", Ts: time.Now().UTC(), Type: "message", From: "tester", Payload: `{"text":"hi again"}`}
	if err := repo.Append(ctx, dup); err != repositories.ErrConflict {
		t.Fatalf("err = %v, want ErrConflict for a reused event id", err)
	}
}

func TestEventMaxCursorEmptySession(t *testing.T) {
	gdb := newTestDB(t)
	seedSession(t, gdb, "dev")
	repo := repositories.NewEventRepository(gdb)

	max, err := repo.MaxCursor(context.Background(), "dev")
	if err != nil {
		t.Fatalf("MaxCursor: %v", err)
	}
	if max != 0 {
		t.Fatalf("MaxCursor = %d, want 0 for a session with no events", max)
	}
}

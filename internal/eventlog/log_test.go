package eventlog_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/eventlog"
	"github.com/PushPalsDev/pushpals-sub001/internal/protocol"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
	"github.com/PushPalsDev/pushpals-sub001/internal/websocket"

	"github.com/google/uuid"
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

func newTestLog(t *testing.T) (*eventlog.Log, *websocket.Hub) {
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

	return eventlog.New(events, sessions, hub, zap.NewNop()), hub
}

func newCommandEvent(sessionID, text string) protocol.Event {
	return protocol.Event{
		ProtocolVersion: "1.0",
		ID:              uuid.New(),
		SessionID:       sessionID,
		Type:            protocol.EventMessage,
		From:            "tester",
		Payload:         json.RawMessage(`{"text":"` + text + `"}`),
	}
}

func TestLogAppendAssignsIncreasingCursors(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, newCommandEvent("dev", "one"))
	if err != nil {
		t.Fatalf("first Append: %v", err)
	}
	second, err := log.Append(ctx, newCommandEvent("dev", "two"))
	if err != nil {
		t.Fatalf("second Append: %v", err)
	}

	if first.Cursor != 1 {
		t.Fatalf("first.Cursor = %d, want 1", first.Cursor)
	}
	if second.Cursor != 2 {
		t.Fatalf("second.Cursor = %d, want 2", second.Cursor)
	}
}

func TestLogAppendRejectsDuplicateID(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	ev := newCommandEvent("dev", "one")
	if _, err := log.Append(ctx, ev); err != nil {
		t.Fatalf("first Append: %v", err)
	}

	// Re-appending the exact same envelope id must be rejected as a duplicate.
	if _, err := log.Append(ctx, ev); err == nil {
		t.Fatal("expected an error re-appending a duplicate event id")
	} else if _, ok := err.(protocol.ErrDuplicateEvent); !ok {
		t.Fatalf("err = %v (%T), want ErrDuplicateEvent", err, err)
	}
}

func TestLogAppendRejectsInvalidEnvelope(t *testing.T) {
	log, _ := newTestLog(t)
	ev := newCommandEvent("dev", "one")
	ev.ProtocolVersion = ""

	if _, err := log.Append(context.Background(), ev); err == nil {
		t.Fatal("expected Append to surface envelope validation errors")
	}
}

func TestLogRangeAfterReturnsOnlyNewerEvents(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := log.Append(ctx, newCommandEvent("dev", text)); err != nil {
			t.Fatalf("Append(%q): %v", text, err)
		}
	}

	events, err := log.RangeAfter(ctx, "dev", 1, 0)
	if err != nil {
		t.Fatalf("RangeAfter: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Cursor <= 1 {
			t.Fatalf("RangeAfter returned a cursor <= the requested `after`: %d", ev.Cursor)
		}
	}
}

func TestLogSubscribeReceivesLiveAppends(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	ch, cancel := log.Subscribe("dev")
	defer cancel()

	if _, err := log.Append(ctx, newCommandEvent("dev", "hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Envelope.Cursor != 1 {
			t.Fatalf("delivered cursor = %d, want 1", msg.Envelope.Cursor)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the live-subscribed event")
	}
}

func TestLogMaxCursorReflectsAppends(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	if _, err := log.Append(ctx, newCommandEvent("dev", "one")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(ctx, newCommandEvent("dev", "two")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	max, err := log.MaxCursor(ctx, "dev")
	if err != nil {
		t.Fatalf("MaxCursor: %v", err)
	}
	if max != 2 {
		t.Fatalf("MaxCursor = %d, want 2", max)
	}
}

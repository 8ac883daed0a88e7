// Package eventlog is the append-only per-session event log of spec.md §3:
// it assigns each accepted envelope a monotonically increasing, gap-free
// cursor, persists it, and fans it out to any live subscriber. Replay
// (RangeAfter) and live delivery (Subscribe) share the same cursor space,
// so a client can always resume exactly where it left off without a gap
// or a duplicate.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/metrics"
	"github.com/PushPalsDev/pushpals-sub001/internal/protocol"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
	"github.com/PushPalsDev/pushpals-sub001/internal/websocket"
)

// cursorBatchSize is how many cursor values the log reserves from the
// durable counter (Session.NextCursor) at a time. Reserved-but-unused
// cursors on process crash are skipped, never reused — that is what
// makes the in-memory cache safe as a fast path rather than a second
// source of truth (spec.md §9 decision).
const cursorBatchSize = 16

type cursorWindow struct {
	mu   sync.Mutex
	next int64
	end  int64 // exclusive
}

// Log is the event log service: the one place that assigns cursors,
// persists events, and publishes them to live subscribers.
type Log struct {
	events   repositories.EventRepository
	sessions repositories.SessionRepository
	hub      *websocket.Hub
	logger   *zap.Logger

	mu      sync.Mutex
	windows map[string]*cursorWindow
}

// New constructs a Log. hub is the WebSocket fan-out broker; its Run loop
// must already be started by the caller.
func New(events repositories.EventRepository, sessions repositories.SessionRepository, hub *websocket.Hub, logger *zap.Logger) *Log {
	return &Log{
		events:   events,
		sessions: sessions,
		hub:      hub,
		logger:   logger,
		windows:  make(map[string]*cursorWindow),
	}
}

func (l *Log) window(sessionID string) *cursorWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[sessionID]
	if !ok {
		w = &cursorWindow{}
		l.windows[sessionID] = w
	}
	return w
}

// reserveCursor hands out the next cursor for sessionID, refilling the
// in-memory window from the durable counter whenever it is exhausted.
func (l *Log) reserveCursor(ctx context.Context, sessionID string) (int64, error) {
	w := l.window(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.next >= w.end {
		first, err := l.sessions.ReserveCursors(ctx, sessionID, cursorBatchSize)
		if err != nil {
			return 0, fmt.Errorf("eventlog: reserve cursor window: %w", err)
		}
		w.next = first
		w.end = first + cursorBatchSize
	}

	cursor := w.next
	w.next++
	return cursor, nil
}

// Append validates ev, assigns it the session's next cursor, persists it
// and fans it out to live subscribers. Returns protocol.ErrDuplicateEvent
// if ev.ID has already been appended to this session.
func (l *Log) Append(ctx context.Context, ev protocol.Event) (protocol.Event, error) {
	if err := ev.Validate(); err != nil {
		return protocol.Event{}, err
	}

	cursor, err := l.reserveCursor(ctx, ev.SessionID)
	if err != nil {
		return protocol.Event{}, err
	}
	ev.Cursor = cursor

	row := &db.Event{
		ID:              ev.ID,
		SessionID:       ev.SessionID,
		Cursor:          ev.Cursor,
		ProtocolVersion: ev.ProtocolVersion,
		Ts:              ev.Ts,
		Type:            string(ev.Type),
		From:            ev.From,
		To:              ev.To,
		CorrelationID:   ev.CorrelationID,
		TurnID:          ev.TurnID,
		ParentID:        ev.ParentID,
		Payload:         string(ev.Payload),
	}

	if err := l.events.Append(ctx, row); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return protocol.Event{}, protocol.ErrDuplicateEvent{ID: ev.ID}
		}
		return protocol.Event{}, err
	}
	metrics.EventsAppendedTotal.WithLabelValues(string(ev.Type)).Inc()

	if err := l.sessions.Touch(ctx, ev.SessionID, time.Now().UTC()); err != nil {
		l.logger.Warn("eventlog: touch session failed", zap.String("session_id", ev.SessionID), zap.Error(err))
	}

	l.hub.Publish(ev.SessionID, websocket.Message{Envelope: ev, Cursor: ev.Cursor})
	return ev, nil
}

// RangeAfter returns events with cursor > after for sessionID, in cursor
// order — the replay half of the resume contract (spec.md §4.2).
func (l *Log) RangeAfter(ctx context.Context, sessionID string, after int64, limit int) ([]protocol.Event, error) {
	rows, err := l.events.RangeAfter(ctx, sessionID, after, limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToEvent(row))
	}
	return out, nil
}

// MaxCursor returns the highest cursor persisted for sessionID.
func (l *Log) MaxCursor(ctx context.Context, sessionID string) (int64, error) {
	return l.events.MaxCursor(ctx, sessionID)
}

// Subscribe opens a live feed of every event appended to sessionID from
// this point forward. Callers that need gap-free delivery across the
// replay/live boundary should call RangeAfter for the backlog *before*
// discarding any live messages buffered while replay was in progress —
// see internal/api's SSE and WS handlers for the reconciliation pattern.
func (l *Log) Subscribe(sessionID string) (ch chan websocket.Message, cancel func()) {
	return l.hub.Subscribe(sessionID)
}

func rowToEvent(row db.Event) protocol.Event {
	return protocol.Event{
		ProtocolVersion: row.ProtocolVersion,
		ID:              row.ID,
		Ts:              row.Ts,
		SessionID:       row.SessionID,
		Type:            protocol.EventType(row.Type),
		From:            row.From,
		To:              row.To,
		CorrelationID:   row.CorrelationID,
		TurnID:          row.TurnID,
		ParentID:        row.ParentID,
		Payload:         json.RawMessage(row.Payload),
		Cursor:          row.Cursor,
	}
}

// Package repositories is the Persistent Store of spec.md §4.1: durable
// storage of sessions, events, requests, jobs, completions, workers and log
// lines, with CAS-based claim/complete/fail transitions for each of the
// three queues. Every conditional update goes through a `status` column
// compare-and-set: a retry that hits a stale status returns
// ErrAlreadyClaimed rather than mutating the row, and failures surface as
// the typed errors in errors.go rather than opaque gorm errors.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
)

// ListOptions contains common pagination options for list/observability
// queries across all repositories.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// SessionRepository
// -----------------------------------------------------------------------------

type SessionRepository interface {
	// GetOrCreate is idempotent: creating a session that already exists
	// returns it unchanged with created=false (spec.md §3, §8 scenario 1).
	GetOrCreate(ctx context.Context, id string) (session *db.Session, created bool, err error)
	GetByID(ctx context.Context, id string) (*db.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, opts ListOptions) ([]db.Session, int64, error)

	// ReserveCursors atomically advances the session's durable cursor
	// counter by n and returns the first cursor value reserved — the
	// fallback/validation path described in spec.md §9 ("push that counter
	// into the store as a single monotonic column updated under row lock").
	ReserveCursors(ctx context.Context, sessionID string, n int64) (first int64, err error)
}

// -----------------------------------------------------------------------------
// EventRepository
// -----------------------------------------------------------------------------

type EventRepository interface {
	// Append persists ev, which must already carry a reserved Cursor.
	// Returns ErrConflict if ev.ID was already appended (duplicate event,
	// spec.md §4.5) or if the (SessionID, Cursor) pair collides.
	Append(ctx context.Context, ev *db.Event) error
	// RangeAfter returns events with cursor > afterCursor for sessionID, in
	// cursor order, up to limit rows (0 = no limit). This is the replay half
	// of the resume contract in spec.md §4.2.
	RangeAfter(ctx context.Context, sessionID string, afterCursor int64, limit int) ([]db.Event, error)
	MaxCursor(ctx context.Context, sessionID string) (int64, error)
}

// -----------------------------------------------------------------------------
// RequestRepository — Request queue (Queue Manager, spec.md §4.3)
// -----------------------------------------------------------------------------

type RequestRepository interface {
	// Enqueue inserts req in status "pending". If req.IdempotencyKey is set
	// and a row with that key already exists, the existing row is returned
	// instead (spec.md §4.3 "Enqueue").
	Enqueue(ctx context.Context, req *db.Request) (*db.Request, error)
	// Claim selects and claims the oldest highest-priority pending row.
	// Returns (nil, nil) if no row matches — not an error (spec.md §8
	// scenario 4).
	Claim(ctx context.Context, agentID string) (*db.Request, error)
	Complete(ctx context.Context, id uuid.UUID, claimerID, result string) (*db.Request, error)
	Fail(ctx context.Context, id uuid.UUID, claimerID, message, detail string) (*db.Request, error)
	// FailExpired administratively fails id with reason
	// "queue-wait-budget-exceeded" regardless of claimer (spec.md §4.3,
	// §7 BudgetExceeded). Only valid while the row is still pending.
	FailExpired(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Request, error)
	List(ctx context.Context, opts ListOptions) ([]db.Request, int64, error)
	// ListExpiredPending returns pending rows whose queue-wait budget has
	// been exceeded as of now — input to the queue-wait watchdog.
	ListExpiredPending(ctx context.Context, now time.Time) ([]db.Request, error)
	// PendingAhead counts pending rows that would be claimed before a row
	// enqueued at (priority, enqueuedAt) — used for ETA estimation.
	PendingAhead(ctx context.Context, priority string, enqueuedAt time.Time) (int64, error)
	// CountPendingByPriority returns the number of pending rows per
	// priority ("interactive", "normal", "background") — feeds the queue
	// depth gauge.
	CountPendingByPriority(ctx context.Context) (map[string]int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository — Job queue + job logs
// -----------------------------------------------------------------------------

type JobRepository interface {
	Enqueue(ctx context.Context, job *db.Job) (*db.Job, error)
	// Claim prefers a row targeted at workerID over an untargeted one,
	// then breaks ties by (priority desc, enqueuedAt asc, id asc) per
	// spec.md §4.3. A row targeted at a *different* worker is never
	// returned. Returns (nil, nil) if nothing matches.
	Claim(ctx context.Context, workerID string) (*db.Job, error)
	// MarkStarted/MarkFirstLog stamp the execution-budget watchdog's
	// reference timestamps; both are no-ops if already set.
	MarkStarted(ctx context.Context, id uuid.UUID) error
	MarkFirstLog(ctx context.Context, id uuid.UUID, at time.Time) error
	Complete(ctx context.Context, id uuid.UUID, claimerID, result string) (*db.Job, error)
	Fail(ctx context.Context, id uuid.UUID, claimerID, message, detail string) (*db.Job, error)
	FailExpired(ctx context.Context, id uuid.UUID, reason string) error
	// Requeue clears workerID and claim timestamps, transitioning
	// claimed -> pending. preserveTarget controls whether TargetWorkerID
	// survives the requeue (spec.md §4.3 "Requeue"). incrementRequeueCount
	// is set by the worker-lost watchdog, not by a voluntary requeue.
	Requeue(ctx context.Context, id uuid.UUID, preserveTarget, incrementRequeueCount bool) (*db.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	ListByTask(ctx context.Context, taskID string) ([]db.Job, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]db.Job, error)
	// ListExecutionExpired returns claimed jobs whose execution budget has
	// been exceeded. The finalization budget is stored on the row but is
	// not checked here or by any other query.
	ListExecutionExpired(ctx context.Context, now time.Time) ([]db.Job, error)
	// ListStaleClaims returns claimed jobs whose worker has missed
	// heartbeats beyond ttl+grace (spec.md §4.4 WorkerLost).
	ListStaleClaims(ctx context.Context, heartbeatCutoff time.Time) ([]db.Job, error)
	PendingAhead(ctx context.Context, priority string, enqueuedAt time.Time) (int64, error)
	// CountPendingByPriority returns the number of pending rows per
	// priority ("interactive", "normal", "background") — feeds the queue
	// depth gauge.
	CountPendingByPriority(ctx context.Context) (map[string]int64, error)

	// Job logs
	AppendLog(ctx context.Context, line *db.LogLine) error
	ListLogs(ctx context.Context, jobID uuid.UUID, limit int) ([]db.LogLine, error)
}

// -----------------------------------------------------------------------------
// CompletionRepository — Completion queue
// -----------------------------------------------------------------------------

type CompletionRepository interface {
	Enqueue(ctx context.Context, c *db.Completion) (*db.Completion, error)
	Claim(ctx context.Context, pusherID string) (*db.Completion, error)
	// Process transitions claimed -> processed (the Completion queue's
	// terminal success state, spec.md §3).
	Process(ctx context.Context, id uuid.UUID, claimerID string) (*db.Completion, error)
	Fail(ctx context.Context, id uuid.UUID, claimerID, message, detail string) (*db.Completion, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.Completion, error)
	List(ctx context.Context, opts ListOptions) ([]db.Completion, int64, error)
	// CountPending returns the number of pending rows — feeds the queue
	// depth gauge. The completion queue has no priority column, so it is
	// reported as a single "none" priority bucket.
	CountPending(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------
// WorkerRepository — Worker Registry (spec.md §4.4)
// -----------------------------------------------------------------------------

type WorkerRepository interface {
	// Heartbeat upserts the worker row identified by w.WorkerID.
	Heartbeat(ctx context.Context, w *db.Worker) error
	GetByID(ctx context.Context, workerID string) (*db.Worker, error)
	List(ctx context.Context) ([]db.Worker, error)
	// ActiveJobCount counts claimed jobs currently assigned to workerID —
	// the input to the derived busy/idle predicate.
	ActiveJobCount(ctx context.Context, workerID string) (int64, error)
}

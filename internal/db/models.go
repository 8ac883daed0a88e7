package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by most models. ID uses UUID v7
// (time-ordered) for efficient B-tree indexing and natural chronological
// ordering without a separate created_at sort. CreatedAt and UpdatedAt are
// managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Session is the top-level scope for events, queues and worker assignments.
// Its ID is caller-chosen (e.g. "dev") or server-generated, so it does not
// use the base UUID embed. NextCursor is the durable per-session cursor
// counter: the in-memory eventlog hub treats it as a fast-path cache and
// validates against this column, never the other way around.
type Session struct {
	ID             string    `gorm:"type:text;primaryKey"`
	NextCursor     int64     `gorm:"not null;default:1"`
	CreatedAt      time.Time `gorm:"not null"`
	LastActivityAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Event
// -----------------------------------------------------------------------------

// Event is the persisted form of the protocol envelope. Payload is stored as
// a JSON string rather than a typed column — the server does not interpret
// domain semantics, it only guarantees the wire stays well-formed (see
// internal/protocol). Cursor is assigned by the event log at append time and
// is unique together with SessionID.
type Event struct {
	ID              uuid.UUID `gorm:"type:text;primaryKey"`
	SessionID       string    `gorm:"type:text;not null;index:idx_events_session_cursor,priority:1;index:idx_events_session_ts,priority:1"`
	Cursor          int64     `gorm:"not null;index:idx_events_session_cursor,priority:2"`
	ProtocolVersion string    `gorm:"not null"`
	Ts              time.Time `gorm:"not null;index:idx_events_session_ts,priority:2"`
	Type            string    `gorm:"not null"`
	From            string    `gorm:"column:from_agent;not null"`
	To              string    `gorm:"column:to_agent;default:''"`
	CorrelationID   string    `gorm:"default:''"`
	TurnID          string    `gorm:"default:''"`
	ParentID        string    `gorm:"default:''"`
	Payload         string    `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Request queue
// -----------------------------------------------------------------------------

// Request is an enqueued user prompt awaiting RemoteBuddy planning.
// Status transitions: pending -> claimed -> (completed | failed); terminal
// states are sticky (see repositories.RequestRepository.Complete/Fail).
type Request struct {
	base
	SessionID         string  `gorm:"not null;index:idx_requests_status_priority_enqueued,priority:2"`
	OriginalPrompt    string  `gorm:"type:text;not null"`
	EnhancedPrompt    string  `gorm:"type:text;default:''"`
	Priority          string  `gorm:"not null;default:'normal';index:idx_requests_status_priority_enqueued,priority:3"`
	QueueWaitBudgetMs int64   `gorm:"not null;default:0"`
	Status            string  `gorm:"not null;default:'pending';index:idx_requests_status_priority_enqueued,priority:1"`
	AgentID           *string
	Result            string  `gorm:"type:text;default:''"`
	Error             string  `gorm:"type:text;default:''"`
	IdempotencyKey    *string `gorm:"uniqueIndex"`
	EnqueuedAt        time.Time `gorm:"not null;index:idx_requests_status_priority_enqueued,priority:4"`
	ClaimedAt         *time.Time
	CompletedAt       *time.Time
	FailedAt          *time.Time
}

// -----------------------------------------------------------------------------
// Job queue
// -----------------------------------------------------------------------------

// Job is a planned unit of work claimable by a WorkerPal. TaskID groups jobs
// logically; the task itself is never materialized as a row (spec.md §3) —
// it is reconstructed from the event stream on the read side.
type Job struct {
	base
	TaskID               string  `gorm:"not null;index"`
	SessionID            string  `gorm:"not null;index"`
	Kind                 string  `gorm:"not null"`
	Params               string  `gorm:"type:text;default:'{}'"`
	Priority             string  `gorm:"not null;default:'normal';index:idx_jobs_status_priority_enqueued,priority:2"`
	Status               string  `gorm:"not null;default:'pending';index:idx_jobs_status_priority_enqueued,priority:1"`
	WorkerID             *string `gorm:"index"`
	TargetWorkerID       *string `gorm:"index"`
	Result               string  `gorm:"type:text;default:''"`
	Error                string  `gorm:"type:text;default:''"`
	ExecutionBudgetMs    int64   `gorm:"not null;default:0"`
	FinalizationBudgetMs int64   `gorm:"not null;default:0"`
	IdempotencyKey       *string `gorm:"uniqueIndex"`
	// RequeueCount tracks automatic worker-lost requeues so the watchdog can
	// bound them (spec.md §4.4: "at most N times; then failed with worker-lost").
	RequeueCount int       `gorm:"not null;default:0"`
	EnqueuedAt   time.Time `gorm:"not null;index:idx_jobs_status_priority_enqueued,priority:3"`
	ClaimedAt    *time.Time
	StartedAt    *time.Time
	FirstLogAt   *time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
}

// -----------------------------------------------------------------------------
// Completion queue
// -----------------------------------------------------------------------------

// Completion is a post-job artifact claimed by the Source Control Manager
// for integration. Its terminal success state is "processed", not
// "completed" — spec.md §3 gives Completion its own status enum.
type Completion struct {
	base
	JobID          uuid.UUID `gorm:"type:text;not null;index"`
	SessionID      string    `gorm:"not null;index:idx_completions_status_enqueued,priority:2"`
	CommitSha      string    `gorm:"default:''"`
	Branch         string    `gorm:"default:''"`
	Message        string    `gorm:"type:text;default:''"`
	Status         string    `gorm:"not null;default:'pending';index:idx_completions_status_enqueued,priority:1"`
	PusherID       *string
	Error          string    `gorm:"type:text;default:''"`
	IdempotencyKey *string   `gorm:"uniqueIndex"`
	EnqueuedAt     time.Time `gorm:"not null;index:idx_completions_status_enqueued,priority:3"`
	ClaimedAt      *time.Time
	ProcessedAt    *time.Time
	FailedAt       *time.Time
}

// -----------------------------------------------------------------------------
// Worker registry
// -----------------------------------------------------------------------------

// Worker is a row upserted on every heartbeat. Status is the worker's
// last self-reported state; "online"/"idle"/"busy" are derived at read
// time from LastHeartbeat + the active claimed-job count, never persisted
// as a separate column (spec.md §4.4).
type Worker struct {
	WorkerID      string    `gorm:"type:text;primaryKey"`
	Status        string    `gorm:"not null;default:'idle'"`
	CurrentJobID  *string
	PollMs        int64     `gorm:"not null;default:2000"`
	Capabilities  string    `gorm:"type:text;default:'[]'"`
	Details       string    `gorm:"type:text;default:'{}'"`
	LastHeartbeat time.Time `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Job logs
// -----------------------------------------------------------------------------

// LogLine is a single ordered log entry for a job. Seq is producer-assigned
// and unique within (JobID, Stream) — it is the sort key, not CreatedAt,
// since lines may arrive out of order (spec.md §8 scenario 5).
type LogLine struct {
	base
	JobID  uuid.UUID `gorm:"type:text;not null;index:idx_logs_job_stream_seq,priority:1"`
	Stream string    `gorm:"not null;index:idx_logs_job_stream_seq,priority:2"`
	Seq    int64     `gorm:"not null;index:idx_logs_job_stream_seq,priority:3"`
	Line   string    `gorm:"type:text;not null"`
}

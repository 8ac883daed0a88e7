// Package protocol defines the wire envelope PushPals agents exchange with
// the Session/Event Server, and the closed set of event types it accepts.
// Every other component (ingest, event log, transport) trades in
// *protocol.Event rather than raw JSON.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of envelope kinds the server accepts at
// ingest. Unknown values are rejected rather than silently passed through,
// keeping the wire protocol stable.
type EventType string

const (
	EventMessage          EventType = "message"
	EventAssistantMessage EventType = "assistant_message"
	EventAgentStatus      EventType = "agent_status"

	EventTaskCreated   EventType = "task_created"
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"

	EventJobEnqueued EventType = "job_enqueued"
	EventJobClaimed  EventType = "job_claimed"
	EventJobLog      EventType = "job_log"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed   EventType = "job_failed"

	EventApprovalRequired EventType = "approval_required"
	EventApproved         EventType = "approved"
	EventDenied           EventType = "denied"

	EventDiffReady EventType = "diff_ready"
	EventCommitted EventType = "committed"

	EventLog   EventType = "log"
	EventError EventType = "error"

	EventDelegateRequest  EventType = "delegate_request"
	EventDelegateResponse EventType = "delegate_response"
)

// KnownEventTypes is used by ingest to reject anything outside the closed
// set. Kept as a lookup set rather than a long switch so adding a variant
// is a one-line change in one place.
var KnownEventTypes = map[EventType]struct{}{
	EventMessage: {}, EventAssistantMessage: {}, EventAgentStatus: {},
	EventTaskCreated: {}, EventTaskStarted: {}, EventTaskProgress: {}, EventTaskCompleted: {}, EventTaskFailed: {},
	EventJobEnqueued: {}, EventJobClaimed: {}, EventJobLog: {}, EventJobCompleted: {}, EventJobFailed: {},
	EventApprovalRequired: {}, EventApproved: {}, EventDenied: {},
	EventDiffReady: {}, EventCommitted: {},
	EventLog: {}, EventError: {},
	EventDelegateRequest: {}, EventDelegateResponse: {},
}

// Priority is shared by the request, job and completion queues.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityNormal      Priority = "normal"
	PriorityBackground  Priority = "background"
)

// Rank orders priorities for tie-breaking: lower rank claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityInteractive:
		return 0
	case PriorityNormal:
		return 1
	case PriorityBackground:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityInteractive, PriorityNormal, PriorityBackground:
		return true
	default:
		return false
	}
}

// Event is the wire envelope exchanged between agents and the server.
// Cursor is assigned by the server at append time and is therefore absent
// from the envelope submitted by a client at ingest — it is populated by
// the event log before fan-out and before being written to a transport
// frame.
type Event struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ID              uuid.UUID       `json:"id"`
	Ts              time.Time       `json:"ts"`
	SessionID       string          `json:"sessionId"`
	Type            EventType       `json:"type"`
	From             string         `json:"from"`
	To               string         `json:"to,omitempty"`
	CorrelationID    string         `json:"correlationId,omitempty"`
	TurnID           string         `json:"turnId,omitempty"`
	ParentID         string         `json:"parentId,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	Cursor           int64          `json:"cursor,omitempty"`
}

// Validate checks the shape constraints ingest must enforce before the
// envelope reaches the event log. It does not reach into the store —
// callers check for duplicate IDs and unknown sessions separately.
func (e *Event) Validate() error {
	if e.ProtocolVersion == "" {
		return ErrValidation{Reason: "protocolVersion is required"}
	}
	if e.SessionID == "" {
		return ErrValidation{Reason: "sessionId is required"}
	}
	if e.ID == uuid.Nil {
		return ErrValidation{Reason: "id is required"}
	}
	if e.From == "" {
		return ErrValidation{Reason: "from is required"}
	}
	if _, ok := KnownEventTypes[e.Type]; !ok {
		return ErrUnknownEventType{Type: e.Type}
	}
	if len(e.Payload) == 0 {
		return ErrValidation{Reason: "payload is required"}
	}
	return validatePayload(e.Type, e.Payload)
}

// ErrValidation is returned for generic shape violations at ingest.
type ErrValidation struct{ Reason string }

func (e ErrValidation) Error() string { return "validation: " + e.Reason }

// ErrUnknownEventType is returned when Type is outside the closed set.
type ErrUnknownEventType struct{ Type EventType }

func (e ErrUnknownEventType) Error() string { return "unknown event type: " + string(e.Type) }

// ErrDuplicateEvent is returned when an envelope's id has already been
// appended to this session's log.
type ErrDuplicateEvent struct{ ID uuid.UUID }

func (e ErrDuplicateEvent) Error() string { return "duplicate event id: " + e.ID.String() }

// validatePayload runs the minimal per-type schema checks: the fields a
// consumer cannot safely proceed without. Anything type-specific beyond
// these required fields is left to the payload's own `json.RawMessage` —
// the server does not interpret domain semantics, it only guarantees the
// wire stays well-formed.
func validatePayload(t EventType, payload json.RawMessage) error {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(payload, &generic); err != nil {
		return ErrValidation{Reason: "payload must be a JSON object: " + err.Error()}
	}

	require := func(fields ...string) error {
		for _, f := range fields {
			if _, ok := generic[f]; !ok {
				return ErrValidation{Reason: "payload missing required field " + f + " for type " + string(t)}
			}
		}
		return nil
	}

	switch t {
	case EventMessage, EventAssistantMessage:
		return require("text")
	case EventAgentStatus:
		return require("status")
	case EventTaskCreated, EventTaskStarted:
		return require("taskId")
	case EventTaskProgress:
		return require("taskId", "progress")
	case EventTaskCompleted:
		return require("taskId")
	case EventTaskFailed:
		return require("taskId", "message")
	case EventJobEnqueued, EventJobClaimed:
		return require("jobId")
	case EventJobLog:
		return require("jobId", "stream", "seq", "line")
	case EventJobCompleted:
		return require("jobId")
	case EventJobFailed:
		return require("jobId", "message")
	case EventApprovalRequired:
		return require("approvalId")
	case EventApproved, EventDenied:
		return require("approvalId")
	case EventDiffReady:
		return require("jobId")
	case EventCommitted:
		return require("jobId", "commitSha", "branch")
	case EventLog:
		return require("message")
	case EventError:
		return require("message")
	case EventDelegateRequest, EventDelegateResponse:
		return require("delegationId")
	}
	return nil
}

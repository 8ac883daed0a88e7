package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PushPalsDev/pushpals-sub001/internal/eventlog"
	"github.com/PushPalsDev/pushpals-sub001/internal/protocol"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
)

// newEventID returns a time-ordered UUID for server-generated identifiers
// (session ids minted when the caller omits one). Falls back to a random
// v4 UUID in the astronomically unlikely case the v7 generator fails.
func newEventID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// SessionHandler implements the Session Supervisor's mutating surface
// (spec.md §4.7): idempotent creation and Command Ingest. The read-only
// observability endpoints live in system.go.
type SessionHandler struct {
	sessions repositories.SessionRepository
	log      *eventlog.Log
	logger   *zap.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions repositories.SessionRepository, log *eventlog.Log, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, log: log, logger: logger.Named("session_handler")}
}

type createSessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
	Created   bool   `json:"created"`
}

// Create handles POST /sessions. A missing sessionId gets a server-generated
// UUID; naming an existing session is idempotent (spec.md §3, §8 scenario 1).
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &body) {
			return
		}
	}

	id := body.SessionID
	if id == "" {
		id = newEventID().String()
	}

	session, created, err := h.sessions.GetOrCreate(r.Context(), id)
	if err != nil {
		h.logger.Error("create session", zap.Error(err))
		ErrInternal(w)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, envelope{"data": createSessionResponse{SessionID: session.ID, Created: created}})
}

type commandRequest struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId,omitempty"`
	Type            string          `json:"type"`
	From            string          `json:"from"`
	To              string          `json:"to,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	TurnID          string          `json:"turnId,omitempty"`
	ParentID        string          `json:"parentId,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

type commandResponse struct {
	Ok      bool   `json:"ok"`
	EventID string `json:"eventId"`
}

// Command handles POST /sessions/{id}/command: Command Ingest (spec.md
// §4.5). The session path segment wins over any sessionId in the body.
// `ts` and `cursor` are server-authoritative and never taken from the
// client.
func (h *SessionHandler) Command(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var body commandRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	id, err := uuid.Parse(body.ID)
	if err != nil {
		errJSON(w, http.StatusBadRequest, "id must be a valid UUID", "validation_error")
		return
	}

	ev := protocol.Event{
		ProtocolVersion: body.ProtocolVersion,
		ID:              id,
		Ts:              time.Now().UTC(),
		SessionID:       sessionID,
		Type:            protocol.EventType(body.Type),
		From:            body.From,
		To:              body.To,
		CorrelationID:   body.CorrelationID,
		TurnID:          body.TurnID,
		ParentID:        body.ParentID,
		Payload:         body.Payload,
	}

	appended, err := h.log.Append(r.Context(), ev)
	if err != nil {
		var dup protocol.ErrDuplicateEvent
		switch {
		case errors.As(err, &dup):
			ErrConflict(w, err.Error())
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		default:
			writeProtocolError(w, err)
		}
		return
	}

	Created(w, commandResponse{Ok: true, EventID: appended.ID.String()})
}

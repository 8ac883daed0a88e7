package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/protocol"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
)

// CompletionHandler implements the Completion queue's HTTP surface
// (spec.md §3, §4.3, §6): enqueue by the job producer, claim by the Source
// Control Manager, process/fail as the terminal transitions.
type CompletionHandler struct {
	repo   repositories.CompletionRepository
	logger *zap.Logger
}

// NewCompletionHandler creates a new CompletionHandler.
func NewCompletionHandler(repo repositories.CompletionRepository, logger *zap.Logger) *CompletionHandler {
	return &CompletionHandler{repo: repo, logger: logger.Named("completion_handler")}
}

type enqueueCompletionBody struct {
	JobID          string `json:"jobId"`
	SessionID      string `json:"sessionId"`
	CommitSha      string `json:"commitSha,omitempty"`
	Branch         string `json:"branch,omitempty"`
	Message        string `json:"message,omitempty"`
	Priority       string `json:"priority,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Enqueue handles POST /completions/enqueue.
func (h *CompletionHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueCompletionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.JobID == "" || body.SessionID == "" {
		ErrBadRequest(w, "jobId and sessionId are required")
		return
	}
	jobID, err := parseUUIDString(body.JobID)
	if err != nil {
		ErrBadRequest(w, "jobId must be a valid UUID")
		return
	}

	priority := protocol.Priority(body.Priority)
	if priority == "" {
		priority = protocol.PriorityNormal
	}
	if !priority.Valid() {
		ErrUnprocessable(w, "priority must be one of interactive, normal, background")
		return
	}

	c := &db.Completion{
		JobID:     jobID,
		SessionID: body.SessionID,
		CommitSha: body.CommitSha,
		Branch:    body.Branch,
		Message:   body.Message,
	}
	if body.IdempotencyKey != "" {
		key := body.IdempotencyKey
		c.IdempotencyKey = &key
	}

	saved, err := h.repo.Enqueue(r.Context(), c)
	if err != nil {
		h.logger.Error("enqueue completion", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, envelope{"ok": true, "completionId": saved.ID.String()})
}

type claimCompletionBody struct {
	PusherID string `json:"pusherId"`
}

// Claim handles POST /completions/claim.
func (h *CompletionHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var body claimCompletionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.PusherID == "" {
		ErrBadRequest(w, "pusherId is required")
		return
	}

	c, err := h.repo.Claim(r.Context(), body.PusherID)
	if err != nil {
		h.logger.Error("claim completion", zap.Error(err))
		ErrInternal(w)
		return
	}
	if c == nil {
		Ok(w, envelope{"ok": true, "completion": nil})
		return
	}
	Ok(w, envelope{"ok": true, "completion": c, "queueWaitMs": c.ClaimedAt.Sub(c.EnqueuedAt).Milliseconds()})
}

type processCompletionBody struct{}

// Process handles POST /completions/{id}/complete, transitioning
// claimed -> processed (spec.md §3's terminal success state for this queue).
func (h *CompletionHandler) Process(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	c, err := h.repo.Process(r.Context(), id, "")
	if err != nil {
		h.handleTransitionError(w, err)
		return
	}
	Ok(w, envelope{"ok": true, "completion": c})
}

type failCompletionBody struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Fail handles POST /completions/{id}/fail.
func (h *CompletionHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var body failCompletionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Message == "" {
		ErrBadRequest(w, "message is required")
		return
	}
	c, err := h.repo.Fail(r.Context(), id, "", body.Message, body.Detail)
	if err != nil {
		h.handleTransitionError(w, err)
		return
	}
	Ok(w, envelope{"ok": true, "completion": c})
}

// GetByID handles GET /completions/{id}.
func (h *CompletionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	c, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.handleTransitionError(w, err)
		return
	}
	Ok(w, c)
}

// List handles GET /completions.
func (h *CompletionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)
	completions, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list completions", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"items": completions, "total": total})
}

func (h *CompletionHandler) handleTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, repositories.ErrAlreadyClaimed):
		ErrConflict(w, "row already claimed or in a terminal state")
	default:
		h.logger.Error("completion transition", zap.Error(err))
		ErrInternal(w)
	}
}

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/metrics"
	"github.com/PushPalsDev/pushpals-sub001/internal/protocol"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
)

// RequestHandler implements the Request queue's HTTP surface (spec.md §4.3,
// §6): enqueue by LocalBuddy, claim by RemoteBuddy, complete/fail by
// whichever RemoteBuddy claimed it.
type RequestHandler struct {
	repo      repositories.RequestRepository
	waiters   *metrics.ClaimWaitTracker
	durations *metrics.ClaimWaitTracker
	outcomes  *metrics.OutcomeTracker
	logger    *zap.Logger
}

// NewRequestHandler creates a new RequestHandler. durations and outcomes
// may be nil, in which case the claimed-to-terminal SLO rollups are
// skipped but claim-wait tracking via waiters is unaffected.
func NewRequestHandler(repo repositories.RequestRepository, waiters, durations *metrics.ClaimWaitTracker, outcomes *metrics.OutcomeTracker, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{repo: repo, waiters: waiters, durations: durations, outcomes: outcomes, logger: logger.Named("request_handler")}
}

type enqueueRequestBody struct {
	SessionID         string `json:"sessionId"`
	OriginalPrompt    string `json:"originalPrompt"`
	EnhancedPrompt    string `json:"enhancedPrompt,omitempty"`
	Priority          string `json:"priority,omitempty"`
	QueueWaitBudgetMs int64  `json:"queueWaitBudgetMs,omitempty"`
	IdempotencyKey    string `json:"idempotencyKey,omitempty"`
}

// Enqueue handles POST /requests/enqueue.
func (h *RequestHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.SessionID == "" || body.OriginalPrompt == "" {
		ErrBadRequest(w, "sessionId and originalPrompt are required")
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

	req := &db.Request{
		SessionID:         body.SessionID,
		OriginalPrompt:    body.OriginalPrompt,
		EnhancedPrompt:    body.EnhancedPrompt,
		Priority:          string(priority),
		QueueWaitBudgetMs: body.QueueWaitBudgetMs,
	}
	if body.IdempotencyKey != "" {
		key := body.IdempotencyKey
		req.IdempotencyKey = &key
	}

	saved, err := h.repo.Enqueue(r.Context(), req)
	if err != nil {
		h.logger.Error("enqueue request", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, envelope{"ok": true, "requestId": saved.ID.String()})
}

type claimRequestBody struct {
	AgentID string `json:"agentId"`
}

// Claim handles POST /requests/claim. Returns {ok:true, request:null} when
// nothing is pending (spec.md §8 scenario 4) — that is success, not a 404.
func (h *RequestHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var body claimRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.AgentID == "" {
		ErrBadRequest(w, "agentId is required")
		return
	}

	req, err := h.repo.Claim(r.Context(), body.AgentID)
	if err != nil {
		h.logger.Error("claim request", zap.Error(err))
		ErrInternal(w)
		return
	}
	if req == nil {
		Ok(w, envelope{"ok": true, "request": nil})
		return
	}

	waitMs := req.ClaimedAt.Sub(req.EnqueuedAt).Milliseconds()
	if h.waiters != nil {
		h.waiters.Observe("request", req.ClaimedAt.Sub(req.EnqueuedAt))
	}
	Ok(w, envelope{"ok": true, "request": req, "queueWaitMs": waitMs})
}

type completeRequestBody struct {
	Result string `json:"result"`
}

// Complete handles POST /requests/{id}/complete.
func (h *RequestHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var body completeRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	req, err := h.repo.Complete(r.Context(), id, "", body.Result)
	if err != nil {
		h.handleTransitionError(w, err)
		return
	}
	if h.durations != nil && req.ClaimedAt != nil && req.CompletedAt != nil {
		h.durations.Observe("request", req.CompletedAt.Sub(*req.ClaimedAt))
	}
	if h.outcomes != nil {
		h.outcomes.Observe("request", "completed")
	}
	Ok(w, envelope{"ok": true, "request": req})
}

type failRequestBody struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Fail handles POST /requests/{id}/fail.
func (h *RequestHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var body failRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Message == "" {
		ErrBadRequest(w, "message is required")
		return
	}

	req, err := h.repo.Fail(r.Context(), id, "", body.Message, body.Detail)
	if err != nil {
		h.handleTransitionError(w, err)
		return
	}
	if h.durations != nil && req.ClaimedAt != nil && req.FailedAt != nil {
		h.durations.Observe("request", req.FailedAt.Sub(*req.ClaimedAt))
	}
	if h.outcomes != nil {
		h.outcomes.Observe("request", "failed")
	}
	Ok(w, envelope{"ok": true, "request": req})
}

// GetByID handles GET /requests/{id}.
func (h *RequestHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	req, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.handleTransitionError(w, err)
		return
	}
	Ok(w, req)
}

// List handles GET /requests: the Session Supervisor's observability
// projection over the Request queue, annotated with pending-queue position
// and an ETA estimate (spec.md §4.7).
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)
	requests, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list requests", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]map[string]any, 0, len(requests))
	for i := range requests {
		req := requests[i]
		item := map[string]any{"request": req}
		if req.Status == "pending" {
			ahead, err := h.repo.PendingAhead(r.Context(), req.Priority, req.EnqueuedAt)
			if err == nil {
				item["pendingAhead"] = ahead
				item["etaMs"] = ahead * h.avgServiceMs()
			}
		}
		items = append(items, item)
	}

	Ok(w, envelope{"items": items, "total": total})
}

// avgServiceMs returns the p50 claim-wait sample for the request queue, in
// milliseconds, as the per-item service time used in ETA = pendingAhead *
// avgServiceTime (spec.md §4.7).
func (h *RequestHandler) avgServiceMs() int64 {
	if h.waiters == nil {
		return 0
	}
	p50, _ := h.waiters.Percentiles("request")
	return int64(p50 * 1000)
}

func (h *RequestHandler) handleTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, repositories.ErrAlreadyClaimed):
		ErrConflict(w, "row already claimed or in a terminal state")
	default:
		h.logger.Error("request transition", zap.Error(err))
		ErrInternal(w)
	}
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		ErrBadRequest(w, name+" must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func parseListOptions(r *http.Request) repositories.ListOptions {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			offset = n
		}
	}
	return repositories.ListOptions{Limit: limit, Offset: offset}
}

func parsePositiveInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

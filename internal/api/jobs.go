package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/metrics"
	"github.com/PushPalsDev/pushpals-sub001/internal/protocol"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
)

// JobHandler implements the Job queue's HTTP surface (spec.md §4.3, §6):
// enqueue by RemoteBuddy, claim by a WorkerPal, log streaming, and the
// completed/failed terminal transitions.
type JobHandler struct {
	repo      repositories.JobRepository
	waiters   *metrics.ClaimWaitTracker
	durations *metrics.ClaimWaitTracker
	outcomes  *metrics.OutcomeTracker
	logger    *zap.Logger
}

// NewJobHandler creates a new JobHandler. durations and outcomes may be
// nil, in which case the claimed-to-terminal SLO rollups are skipped but
// claim-wait tracking via waiters is unaffected.
func NewJobHandler(repo repositories.JobRepository, waiters, durations *metrics.ClaimWaitTracker, outcomes *metrics.OutcomeTracker, logger *zap.Logger) *JobHandler {
	return &JobHandler{repo: repo, waiters: waiters, durations: durations, outcomes: outcomes, logger: logger.Named("job_handler")}
}

type enqueueJobBody struct {
	TaskID               string `json:"taskId"`
	SessionID            string `json:"sessionId"`
	Kind                 string `json:"kind"`
	Params               string `json:"params,omitempty"`
	TargetWorkerID       string `json:"targetWorkerId,omitempty"`
	Priority             string `json:"priority,omitempty"`
	ExecutionBudgetMs    int64  `json:"executionBudgetMs,omitempty"`
	FinalizationBudgetMs int64  `json:"finalizationBudgetMs,omitempty"`
	IdempotencyKey       string `json:"idempotencyKey,omitempty"`
}

// Enqueue handles POST /jobs/enqueue.
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueJobBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.TaskID == "" || body.SessionID == "" || body.Kind == "" {
		ErrBadRequest(w, "taskId, sessionId and kind are required")
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

	params := body.Params
	if params == "" {
		params = "{}"
	}

	job := &db.Job{
		TaskID:               body.TaskID,
		SessionID:            body.SessionID,
		Kind:                 body.Kind,
		Params:               params,
		Priority:             string(priority),
		ExecutionBudgetMs:    body.ExecutionBudgetMs,
		FinalizationBudgetMs: body.FinalizationBudgetMs,
	}
	if body.TargetWorkerID != "" {
		target := body.TargetWorkerID
		job.TargetWorkerID = &target
	}
	if body.IdempotencyKey != "" {
		key := body.IdempotencyKey
		job.IdempotencyKey = &key
	}

	saved, err := h.repo.Enqueue(r.Context(), job)
	if err != nil {
		h.logger.Error("enqueue job", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, envelope{"ok": true, "jobId": saved.ID.String()})
}

type claimJobBody struct {
	WorkerID string `json:"workerId"`
}

// Claim handles POST /jobs/claim. As with the request queue, an empty
// queue is {ok:true, job:null}, not an error.
func (h *JobHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var body claimJobBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.WorkerID == "" {
		ErrBadRequest(w, "workerId is required")
		return
	}

	job, err := h.repo.Claim(r.Context(), body.WorkerID)
	if err != nil {
		h.logger.Error("claim job", zap.Error(err))
		ErrInternal(w)
		return
	}
	if job == nil {
		Ok(w, envelope{"ok": true, "job": nil})
		return
	}

	if h.waiters != nil {
		h.waiters.Observe("job", job.ClaimedAt.Sub(job.EnqueuedAt))
	}
	if err := h.repo.MarkStarted(r.Context(), job.ID); err != nil {
		h.logger.Warn("mark job started", zap.Error(err))
	}

	Ok(w, envelope{"ok": true, "job": job, "queueWaitMs": job.ClaimedAt.Sub(job.EnqueuedAt).Milliseconds()})
}

type jobLogBody struct {
	Stream string `json:"stream"`
	Seq    int64  `json:"seq"`
	Line   string `json:"line"`
}

// Log handles POST /jobs/{id}/log. Seq is producer-assigned and may arrive
// out of order; the (jobId, stream, seq) unique index is the ordering
// guard, not insertion order (spec.md §8 scenario 5).
func (h *JobHandler) Log(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var body jobLogBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Stream != "stdout" && body.Stream != "stderr" {
		ErrUnprocessable(w, "stream must be stdout or stderr")
		return
	}
	if body.Seq < 1 {
		ErrUnprocessable(w, "seq must be >= 1")
		return
	}

	line := &db.LogLine{JobID: id, Stream: body.Stream, Seq: body.Seq, Line: body.Line}
	if err := h.repo.AppendLog(r.Context(), line); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "duplicate (jobId, stream, seq)")
			return
		}
		h.logger.Error("append job log", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.repo.MarkFirstLog(r.Context(), id, line.CreatedAt); err != nil {
		h.logger.Warn("mark job first log", zap.Error(err))
	}

	Created(w, envelope{"ok": true})
}

// GetLogs handles GET /jobs/{id}/logs?limit=.
func (h *JobHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	opts := parseListOptions(r)
	lines, err := h.repo.ListLogs(r.Context(), id, opts.Limit)
	if err != nil {
		h.logger.Error("list job logs", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, lines)
}

type completeJobBody struct {
	Result string `json:"result"`
}

// Complete handles POST /jobs/{id}/complete.
func (h *JobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var body completeJobBody
	if !decodeJSON(w, r, &body) {
		return
	}
	job, err := h.repo.Complete(r.Context(), id, "", body.Result)
	if err != nil {
		h.handleTransitionError(w, err)
		return
	}
	if h.durations != nil && job.ClaimedAt != nil && job.CompletedAt != nil {
		h.durations.Observe("job", job.CompletedAt.Sub(*job.ClaimedAt))
	}
	if h.outcomes != nil {
		h.outcomes.Observe("job", "completed")
	}
	Ok(w, envelope{"ok": true, "job": job})
}

type failJobBody struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Fail handles POST /jobs/{id}/fail.
func (h *JobHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var body failJobBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Message == "" {
		ErrBadRequest(w, "message is required")
		return
	}
	job, err := h.repo.Fail(r.Context(), id, "", body.Message, body.Detail)
	if err != nil {
		h.handleTransitionError(w, err)
		return
	}
	if h.durations != nil && job.ClaimedAt != nil && job.FailedAt != nil {
		h.durations.Observe("job", job.FailedAt.Sub(*job.ClaimedAt))
	}
	if h.outcomes != nil {
		h.outcomes.Observe("job", "failed")
	}
	Ok(w, envelope{"ok": true, "job": job})
}

// GetByID handles GET /jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.handleTransitionError(w, err)
		return
	}
	Ok(w, job)
}

// List handles GET /jobs, the observability projection over the Job queue.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)
	jobs, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"items": jobs, "total": total})
}

func (h *JobHandler) handleTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, repositories.ErrAlreadyClaimed):
		ErrConflict(w, "row already claimed or in a terminal state")
	default:
		h.logger.Error("job transition", zap.Error(err))
		ErrInternal(w)
	}
}

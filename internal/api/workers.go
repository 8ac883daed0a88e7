package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/metrics"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
	"github.com/PushPalsDev/pushpals-sub001/internal/watchdog"
)

// WorkerHandler implements the Worker Registry's HTTP surface (spec.md
// §4.4, §6): heartbeat upsert and the derived-state snapshot the
// orchestrator reads to pick a claim target.
type WorkerHandler struct {
	repo   repositories.WorkerRepository
	logger *zap.Logger
}

// NewWorkerHandler creates a new WorkerHandler.
func NewWorkerHandler(repo repositories.WorkerRepository, logger *zap.Logger) *WorkerHandler {
	return &WorkerHandler{repo: repo, logger: logger.Named("worker_handler")}
}

type heartbeatBody struct {
	WorkerID     string   `json:"workerId"`
	Status       string   `json:"status,omitempty"`
	CurrentJobID string   `json:"currentJobId,omitempty"`
	PollMs       int64    `json:"pollMs,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Details      string   `json:"details,omitempty"`
}

// Heartbeat handles PUT /workers/heartbeat.
func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.WorkerID == "" {
		ErrBadRequest(w, "workerId is required")
		return
	}

	status := body.Status
	if status == "" {
		status = "idle"
	}
	pollMs := body.PollMs
	if pollMs <= 0 {
		pollMs = 2000
	}
	details := body.Details
	if details == "" {
		details = "{}"
	}

	worker := &db.Worker{
		WorkerID:      body.WorkerID,
		Status:        status,
		PollMs:        pollMs,
		Capabilities:  encodeCapabilities(body.Capabilities),
		Details:       details,
		LastHeartbeat: time.Now().UTC(),
	}
	if body.CurrentJobID != "" {
		job := body.CurrentJobID
		worker.CurrentJobID = &job
	}

	if err := h.repo.Heartbeat(r.Context(), worker); err != nil {
		h.logger.Error("worker heartbeat", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"ok": true})
}

type workerSnapshot struct {
	WorkerID        string    `json:"workerId"`
	Status          string    `json:"status"`
	Online          bool      `json:"online"`
	Idle            bool      `json:"idle"`
	Busy            bool      `json:"busy"`
	CurrentJobID    *string   `json:"currentJobId,omitempty"`
	ActiveJobCount  int64     `json:"activeJobCount"`
	PollMs          int64     `json:"pollMs"`
	Capabilities    []string  `json:"capabilities"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
}

// List handles GET /workers?ttlMs=: the derived-state snapshot described in
// spec.md §4.4 (online iff now-lastHeartbeat<TTL; idle/busy derived from
// that plus the active claimed-job count).
func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	ttl := watchdog.HeartbeatTTL
	if v := r.URL.Query().Get("ttlMs"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			ttl = time.Duration(ms) * time.Millisecond
		}
	}

	workers, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("list workers", zap.Error(err))
		ErrInternal(w)
		return
	}

	now := time.Now().UTC()
	snapshots := make([]workerSnapshot, 0, len(workers))
	onlineCount := 0
	for _, worker := range workers {
		online := now.Sub(worker.LastHeartbeat) < ttl
		activeCount, err := h.repo.ActiveJobCount(r.Context(), worker.WorkerID)
		if err != nil {
			h.logger.Warn("active job count", zap.String("worker_id", worker.WorkerID), zap.Error(err))
		}
		idle := online && worker.Status == "idle" && activeCount == 0
		busy := online && (worker.Status == "busy" || activeCount > 0)
		if online {
			onlineCount++
		}
		snapshots = append(snapshots, workerSnapshot{
			WorkerID:       worker.WorkerID,
			Status:         worker.Status,
			Online:         online,
			Idle:           idle,
			Busy:           busy,
			CurrentJobID:   worker.CurrentJobID,
			ActiveJobCount: activeCount,
			PollMs:         worker.PollMs,
			Capabilities:   decodeCapabilities(worker.Capabilities),
			LastHeartbeat:  worker.LastHeartbeat,
		})
	}

	metrics.WorkersOnline.Set(float64(onlineCount))
	Ok(w, envelope{"items": snapshots, "total": len(snapshots)})
}

func encodeCapabilities(caps []string) string {
	if caps == nil {
		caps = []string{}
	}
	out, err := json.Marshal(caps)
	if err != nil {
		return "[]"
	}
	return string(out)
}

func decodeCapabilities(raw string) []string {
	var caps []string
	if err := json.Unmarshal([]byte(raw), &caps); err != nil {
		return []string{}
	}
	return caps
}

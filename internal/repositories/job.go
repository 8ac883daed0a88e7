package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
)

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(gdb *gorm.DB) JobRepository {
	return &gormJobRepository{db: gdb}
}

func (r *gormJobRepository) Enqueue(ctx context.Context, job *db.Job) (*db.Job, error) {
	ctx = db.WithSessionID(ctx, job.SessionID)
	if job.IdempotencyKey != nil && *job.IdempotencyKey != "" {
		var existing db.Job
		err := r.db.WithContext(ctx).First(&existing, "idempotency_key = ?", *job.IdempotencyKey).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("jobs: enqueue: idempotency lookup: %w", err)
		}
	}

	job.Status = "pending"
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if isUniqueViolation(err) {
			var existing db.Job
			if job.IdempotencyKey != nil {
				if getErr := r.db.WithContext(ctx).First(&existing, "idempotency_key = ?", *job.IdempotencyKey).Error; getErr == nil {
					return &existing, nil
				}
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("jobs: enqueue: %w", err)
	}
	return job, nil
}

// Claim prefers a job targeted at workerID over an untargeted one (the
// soft-hint preference in spec.md §4.3), then breaks ties by
// (priority desc, enqueuedAt asc, id asc). A job hinted at a *different*
// worker is never visible here — it is left pending for its target.
func (r *gormJobRepository) Claim(ctx context.Context, workerID string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).
		Where("status = ?", "pending").
		Where("target_worker_id IS NULL OR target_worker_id = ?", workerID).
		Order("(CASE WHEN target_worker_id IS NULL THEN 1 ELSE 0 END) ASC, " + priorityRankSQL + " ASC, enqueued_at ASC, id ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: claim: select: %w", err)
	}

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", job.ID, "pending").
		Updates(map[string]interface{}{
			"status":     "claimed",
			"claimed_at": now,
			"worker_id":  workerID,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("jobs: claim: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	job.Status = "claimed"
	job.ClaimedAt = &now
	job.WorkerID = &workerID
	return &job, nil
}

func (r *gormJobRepository) MarkStarted(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND started_at IS NULL", id).
		Updates(map[string]interface{}{"started_at": now, "updated_at": now})
	if result.Error != nil {
		return fmt.Errorf("jobs: mark started: %w", result.Error)
	}
	return nil
}

func (r *gormJobRepository) MarkFirstLog(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND first_log_at IS NULL", id).
		Updates(map[string]interface{}{"first_log_at": at, "updated_at": at})
	if result.Error != nil {
		return fmt.Errorf("jobs: mark first log: %w", result.Error)
	}
	return nil
}

func (r *gormJobRepository) Complete(ctx context.Context, id uuid.UUID, claimerID, result string) (*db.Job, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = db.WithSessionID(ctx, job.SessionID)
	if job.Status == "completed" {
		return job, nil
	}

	now := time.Now().UTC()
	upd := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", id, "claimed").
		Updates(map[string]interface{}{
			"status":       "completed",
			"completed_at": now,
			"result":       result,
			"updated_at":   now,
		})
	if upd.Error != nil {
		return nil, fmt.Errorf("jobs: complete: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		return nil, ErrAlreadyClaimed
	}

	job.Status = "completed"
	job.CompletedAt = &now
	job.Result = result
	return job, nil
}

func (r *gormJobRepository) Fail(ctx context.Context, id uuid.UUID, claimerID, message, detail string) (*db.Job, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = db.WithSessionID(ctx, job.SessionID)
	if job.Status == "completed" || job.Status == "failed" {
		return nil, ErrAlreadyClaimed
	}

	now := time.Now().UTC()
	upd := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", id, "claimed").
		Updates(map[string]interface{}{
			"status":     "failed",
			"failed_at":  now,
			"error":      errPayload(message, detail),
			"updated_at": now,
		})
	if upd.Error != nil {
		return nil, fmt.Errorf("jobs: fail: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		return nil, ErrAlreadyClaimed
	}

	job.Status = "failed"
	job.FailedAt = &now
	job.Error = errPayload(message, detail)
	return job, nil
}

func (r *gormJobRepository) FailExpired(ctx context.Context, id uuid.UUID, reason string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status IN ?", id, []string{"pending", "claimed"}).
		Updates(map[string]interface{}{
			"status":     "failed",
			"failed_at":  now,
			"error":      errPayload(reason, ""),
			"updated_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: fail expired: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// Requeue transitions claimed -> pending, clearing worker_id and the claim
// timestamp. preserveTarget keeps target_worker_id intact only when the
// caller opts in (spec.md §4.3); incrementRequeueCount is used by the
// worker-lost watchdog to bound automatic retries.
func (r *gormJobRepository) Requeue(ctx context.Context, id uuid.UUID, preserveTarget, incrementRequeueCount bool) (*db.Job, error) {
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"status":     "pending",
		"worker_id":  nil,
		"claimed_at": nil,
		"started_at": nil,
		"updated_at": time.Now().UTC(),
	}
	if !preserveTarget {
		updates["target_worker_id"] = nil
	}
	if incrementRequeueCount {
		updates["requeue_count"] = gorm.Expr("requeue_count + 1")
	}

	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", id, "claimed").
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("jobs: requeue: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrAlreadyClaimed
	}

	return r.GetByID(ctx, id)
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListByTask(ctx context.Context, taskID string) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list by task: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) ListExpiredPending(ctx context.Context, now time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND execution_budget_ms > 0", "pending").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list expired pending: %w", err)
	}
	expired := jobs[:0]
	for _, job := range jobs {
		deadline := job.EnqueuedAt.Add(time.Duration(job.ExecutionBudgetMs) * time.Millisecond)
		if now.After(deadline) {
			expired = append(expired, job)
		}
	}
	return expired, nil
}

// ListExecutionExpired returns claimed jobs whose execution budget has been
// overrun, measured from startedAt if set, else from claimedAt. Finalization
// budget enforcement (completedAt -> integration deadline) is the SCM's own
// concern and is not modeled here since completion is a separate queue.
func (r *gormJobRepository) ListExecutionExpired(ctx context.Context, now time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND execution_budget_ms > 0", "claimed").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list execution expired: %w", err)
	}
	expired := jobs[:0]
	for _, job := range jobs {
		ref := job.ClaimedAt
		if job.StartedAt != nil {
			ref = job.StartedAt
		}
		if ref == nil {
			continue
		}
		deadline := ref.Add(time.Duration(job.ExecutionBudgetMs) * time.Millisecond)
		if now.After(deadline) {
			expired = append(expired, job)
		}
	}
	return expired, nil
}

func (r *gormJobRepository) ListStaleClaims(ctx context.Context, heartbeatCutoff time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Table("jobs").
		Joins("JOIN workers ON workers.worker_id = jobs.worker_id").
		Where("jobs.status = ? AND workers.last_heartbeat < ?", "claimed", heartbeatCutoff).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list stale claims: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) PendingAhead(ctx context.Context, priority string, enqueuedAt time.Time) (int64, error) {
	targetRank := "(CASE ? WHEN 'interactive' THEN 0 WHEN 'normal' THEN 1 WHEN 'background' THEN 2 ELSE 1 END)"
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("status = ?", "pending").
		Where("("+priorityRankSQL+" < "+targetRank+") OR ("+priorityRankSQL+" = "+targetRank+" AND enqueued_at < ?)",
			priority, priority, enqueuedAt).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: pending ahead: %w", err)
	}
	return count, nil
}

func (r *gormJobRepository) CountPendingByPriority(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{"interactive": 0, "normal": 0, "background": 0}

	var rows []struct {
		Priority string
		Count    int64
	}
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Select("priority, COUNT(*) as count").
		Where("status = ?", "pending").
		Group("priority").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: count pending by priority: %w", err)
	}
	for _, row := range rows {
		counts[row.Priority] = row.Count
	}
	return counts, nil
}

// -----------------------------------------------------------------------------
// Job logs
// -----------------------------------------------------------------------------

// AppendLog inserts a single log line. Seq is producer-assigned — lines may
// arrive out of order, the (job_id, stream, seq) unique index is what
// guards against duplicates, not insertion order (spec.md §8 scenario 5).
func (r *gormJobRepository) AppendLog(ctx context.Context, line *db.LogLine) error {
	if err := r.db.WithContext(ctx).Create(line).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("jobs: append log: %w", err)
	}
	return nil
}

// ListLogs returns log lines for jobID ordered by stream then seq, so a
// caller can split by stream and find each one gap-free from 1.
func (r *gormJobRepository) ListLogs(ctx context.Context, jobID uuid.UUID, limit int) ([]db.LogLine, error) {
	q := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("stream ASC, seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var lines []db.LogLine
	if err := q.Find(&lines).Error; err != nil {
		return nil, fmt.Errorf("jobs: list logs: %w", err)
	}
	return lines, nil
}

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

type gormRequestRepository struct {
	db *gorm.DB
}

// NewRequestRepository returns a RequestRepository backed by the provided *gorm.DB.
func NewRequestRepository(gdb *gorm.DB) RequestRepository {
	return &gormRequestRepository{db: gdb}
}

func (r *gormRequestRepository) Enqueue(ctx context.Context, req *db.Request) (*db.Request, error) {
	ctx = db.WithSessionID(ctx, req.SessionID)
	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		var existing db.Request
		err := r.db.WithContext(ctx).First(&existing, "idempotency_key = ?", *req.IdempotencyKey).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("requests: enqueue: idempotency lookup: %w", err)
		}
	}

	req.Status = "pending"
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost a create race on the idempotency key — return the winner.
			var existing db.Request
			if req.IdempotencyKey != nil {
				if getErr := r.db.WithContext(ctx).First(&existing, "idempotency_key = ?", *req.IdempotencyKey).Error; getErr == nil {
					return &existing, nil
				}
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("requests: enqueue: %w", err)
	}
	return req, nil
}

// Claim selects the oldest highest-priority pending row and CASes it to
// claimed. The SELECT-then-conditional-UPDATE pattern is the store's CAS:
// the UPDATE's WHERE clause re-checks status='pending', so only the first
// committer among racing claimers ever sees RowsAffected > 0.
func (r *gormRequestRepository) Claim(ctx context.Context, agentID string) (*db.Request, error) {
	var req db.Request
	err := r.db.WithContext(ctx).
		Where("status = ?", "pending").
		Order(priorityRankSQL + " ASC, enqueued_at ASC, id ASC").
		First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("requests: claim: select: %w", err)
	}

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Request{}).
		Where("id = ? AND status = ?", req.ID, "pending").
		Updates(map[string]interface{}{
			"status":     "claimed",
			"claimed_at": now,
			"agent_id":   agentID,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("requests: claim: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Another claimer won the race this round; the caller may retry.
		return nil, nil
	}

	req.Status = "claimed"
	req.ClaimedAt = &now
	req.AgentID = &agentID
	return &req, nil
}

func (r *gormRequestRepository) Complete(ctx context.Context, id uuid.UUID, claimerID, result string) (*db.Request, error) {
	req, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = db.WithSessionID(ctx, req.SessionID)
	if req.Status == "completed" {
		// Idempotent: completing an already-completed row is a no-op success.
		return req, nil
	}

	now := time.Now().UTC()
	upd := r.db.WithContext(ctx).
		Model(&db.Request{}).
		Where("id = ? AND status = ?", id, "claimed").
		Updates(map[string]interface{}{
			"status":       "completed",
			"completed_at": now,
			"result":       result,
			"updated_at":   now,
		})
	if upd.Error != nil {
		return nil, fmt.Errorf("requests: complete: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		return nil, ErrAlreadyClaimed
	}

	req.Status = "completed"
	req.CompletedAt = &now
	req.Result = result
	return req, nil
}

func (r *gormRequestRepository) Fail(ctx context.Context, id uuid.UUID, claimerID, message, detail string) (*db.Request, error) {
	req, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = db.WithSessionID(ctx, req.SessionID)
	if req.Status == "completed" || req.Status == "failed" {
		return nil, ErrAlreadyClaimed
	}

	now := time.Now().UTC()
	upd := r.db.WithContext(ctx).
		Model(&db.Request{}).
		Where("id = ? AND status = ?", id, "claimed").
		Updates(map[string]interface{}{
			"status":     "failed",
			"failed_at":  now,
			"error":      errPayload(message, detail),
			"updated_at": now,
		})
	if upd.Error != nil {
		return nil, fmt.Errorf("requests: fail: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		return nil, ErrAlreadyClaimed
	}

	req.Status = "failed"
	req.FailedAt = &now
	req.Error = errPayload(message, detail)
	return req, nil
}

// FailExpired administratively fails a still-pending row with reason
// "queue-wait-budget-exceeded" (spec.md §4.3). It is agnostic to claimer —
// the watchdog, not an agent, drives this transition.
func (r *gormRequestRepository) FailExpired(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Request{}).
		Where("id = ? AND status = ?", id, "pending").
		Updates(map[string]interface{}{
			"status":     "failed",
			"failed_at":  now,
			"error":      errPayload("queue-wait-budget-exceeded", ""),
			"updated_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("requests: fail expired: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

func (r *gormRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Request, error) {
	var req db.Request
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("requests: get by id: %w", err)
	}
	return &req, nil
}

func (r *gormRequestRepository) List(ctx context.Context, opts ListOptions) ([]db.Request, int64, error) {
	var requests []db.Request
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Request{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("requests: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&requests).Error; err != nil {
		return nil, 0, fmt.Errorf("requests: list: %w", err)
	}
	return requests, total, nil
}

func (r *gormRequestRepository) ListExpiredPending(ctx context.Context, now time.Time) ([]db.Request, error) {
	var requests []db.Request
	err := r.db.WithContext(ctx).
		Where("status = ? AND queue_wait_budget_ms > 0", "pending").
		Find(&requests).Error
	if err != nil {
		return nil, fmt.Errorf("requests: list expired pending: %w", err)
	}
	expired := requests[:0]
	for _, req := range requests {
		deadline := req.EnqueuedAt.Add(time.Duration(req.QueueWaitBudgetMs) * time.Millisecond)
		if now.After(deadline) {
			expired = append(expired, req)
		}
	}
	return expired, nil
}

func (r *gormRequestRepository) PendingAhead(ctx context.Context, priority string, enqueuedAt time.Time) (int64, error) {
	targetRank := "(CASE ? WHEN 'interactive' THEN 0 WHEN 'normal' THEN 1 WHEN 'background' THEN 2 ELSE 1 END)"
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Request{}).
		Where("status = ?", "pending").
		Where("("+priorityRankSQL+" < "+targetRank+") OR ("+priorityRankSQL+" = "+targetRank+" AND enqueued_at < ?)",
			priority, priority, enqueuedAt).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("requests: pending ahead: %w", err)
	}
	return count, nil
}

func (r *gormRequestRepository) CountPendingByPriority(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{"interactive": 0, "normal": 0, "background": 0}

	var rows []struct {
		Priority string
		Count    int64
	}
	err := r.db.WithContext(ctx).
		Model(&db.Request{}).
		Select("priority, COUNT(*) as count").
		Where("status = ?", "pending").
		Group("priority").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("requests: count pending by priority: %w", err)
	}
	for _, row := range rows {
		counts[row.Priority] = row.Count
	}
	return counts, nil
}

// errPayload is the minimal opaque JSON object stored in an Error column.
func errPayload(message, detail string) string {
	if detail == "" {
		return `{"message":"` + jsonEscape(message) + `"}`
	}
	return `{"message":"` + jsonEscape(message) + `","detail":"` + jsonEscape(detail) + `"}`
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			out = append(out, '\\', s[i])
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

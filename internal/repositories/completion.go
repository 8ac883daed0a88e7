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

type gormCompletionRepository struct {
	db *gorm.DB
}

// NewCompletionRepository returns a CompletionRepository backed by the
// provided *gorm.DB.
func NewCompletionRepository(gdb *gorm.DB) CompletionRepository {
	return &gormCompletionRepository{db: gdb}
}

func (r *gormCompletionRepository) Enqueue(ctx context.Context, c *db.Completion) (*db.Completion, error) {
	ctx = db.WithSessionID(ctx, c.SessionID)
	if c.IdempotencyKey != nil && *c.IdempotencyKey != "" {
		var existing db.Completion
		err := r.db.WithContext(ctx).First(&existing, "idempotency_key = ?", *c.IdempotencyKey).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("completions: enqueue: idempotency lookup: %w", err)
		}
	}

	c.Status = "pending"
	if c.EnqueuedAt.IsZero() {
		c.EnqueuedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			var existing db.Completion
			if c.IdempotencyKey != nil {
				if getErr := r.db.WithContext(ctx).First(&existing, "idempotency_key = ?", *c.IdempotencyKey).Error; getErr == nil {
					return &existing, nil
				}
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("completions: enqueue: %w", err)
	}
	return c, nil
}

func (r *gormCompletionRepository) Claim(ctx context.Context, pusherID string) (*db.Completion, error) {
	var c db.Completion
	err := r.db.WithContext(ctx).
		Where("status = ?", "pending").
		Order("enqueued_at ASC, id ASC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("completions: claim: select: %w", err)
	}

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Completion{}).
		Where("id = ? AND status = ?", c.ID, "pending").
		Updates(map[string]interface{}{
			"status":     "claimed",
			"claimed_at": now,
			"pusher_id":  pusherID,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("completions: claim: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	c.Status = "claimed"
	c.ClaimedAt = &now
	c.PusherID = &pusherID
	return &c, nil
}

// Process transitions claimed -> processed, the Completion queue's terminal
// success state (spec.md §3 gives it its own name, distinct from "completed").
func (r *gormCompletionRepository) Process(ctx context.Context, id uuid.UUID, claimerID string) (*db.Completion, error) {
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = db.WithSessionID(ctx, c.SessionID)
	if c.Status == "processed" {
		return c, nil
	}

	now := time.Now().UTC()
	upd := r.db.WithContext(ctx).
		Model(&db.Completion{}).
		Where("id = ? AND status = ?", id, "claimed").
		Updates(map[string]interface{}{
			"status":       "processed",
			"processed_at": now,
			"updated_at":   now,
		})
	if upd.Error != nil {
		return nil, fmt.Errorf("completions: process: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		return nil, ErrAlreadyClaimed
	}

	c.Status = "processed"
	c.ProcessedAt = &now
	return c, nil
}

func (r *gormCompletionRepository) Fail(ctx context.Context, id uuid.UUID, claimerID, message, detail string) (*db.Completion, error) {
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = db.WithSessionID(ctx, c.SessionID)
	if c.Status == "processed" || c.Status == "failed" {
		return nil, ErrAlreadyClaimed
	}

	now := time.Now().UTC()
	upd := r.db.WithContext(ctx).
		Model(&db.Completion{}).
		Where("id = ? AND status = ?", id, "claimed").
		Updates(map[string]interface{}{
			"status":     "failed",
			"failed_at":  now,
			"error":      errPayload(message, detail),
			"updated_at": now,
		})
	if upd.Error != nil {
		return nil, fmt.Errorf("completions: fail: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		return nil, ErrAlreadyClaimed
	}

	c.Status = "failed"
	c.FailedAt = &now
	c.Error = errPayload(message, detail)
	return c, nil
}

func (r *gormCompletionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Completion, error) {
	var c db.Completion
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("completions: get by id: %w", err)
	}
	return &c, nil
}

func (r *gormCompletionRepository) List(ctx context.Context, opts ListOptions) ([]db.Completion, int64, error) {
	var completions []db.Completion
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Completion{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("completions: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&completions).Error; err != nil {
		return nil, 0, fmt.Errorf("completions: list: %w", err)
	}
	return completions, total, nil
}

func (r *gormCompletionRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&db.Completion{}).Where("status = ?", "pending").Count(&count).Error; err != nil {
		return 0, fmt.Errorf("completions: count pending: %w", err)
	}
	return count, nil
}

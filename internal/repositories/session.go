package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
)

type gormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a SessionRepository backed by the provided *gorm.DB.
func NewSessionRepository(gdb *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: gdb}
}

// GetOrCreate implements the idempotent session-creation contract: a POST
// naming an existing session returns it unchanged with created=false,
// otherwise the session is inserted and created=true (spec.md §3, §8#1).
func (r *gormSessionRepository) GetOrCreate(ctx context.Context, id string) (*db.Session, bool, error) {
	var existing db.Session
	err := r.db.WithContext(ctx).First(&existing, "id = ?", id).Error
	switch {
	case err == nil:
		return &existing, false, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to create
	default:
		return nil, false, fmt.Errorf("sessions: get or create: %w", err)
	}

	now := time.Now().UTC()
	session := &db.Session{
		ID:             id,
		NextCursor:     1,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		// Lost a create race against a concurrent caller — the other side
		// won, so behave as if we found it.
		var got db.Session
		if getErr := r.db.WithContext(ctx).First(&got, "id = ?", id).Error; getErr == nil {
			return &got, false, nil
		}
		return nil, false, fmt.Errorf("sessions: create: %w", err)
	}
	return session, true, nil
}

// GetByID retrieves a session by its string id. Returns ErrNotFound if absent.
func (r *gormSessionRepository) GetByID(ctx context.Context, id string) (*db.Session, error) {
	var session db.Session
	if err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by id: %w", err)
	}
	return &session, nil
}

// Touch updates LastActivityAt, called whenever a session receives traffic
// (command ingest, queue enqueue/claim).
func (r *gormSessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	ctx = db.WithSessionID(ctx, id)
	result := r.db.WithContext(ctx).
		Model(&db.Session{}).
		Where("id = ?", id).
		Update("last_activity_at", at)
	if result.Error != nil {
		return fmt.Errorf("sessions: touch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of sessions ordered by last activity, most
// recent first, for the /system/status observability endpoint.
func (r *gormSessionRepository) List(ctx context.Context, opts ListOptions) ([]db.Session, int64, error) {
	var sessions []db.Session
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("sessions: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Order("last_activity_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("sessions: list: %w", err)
	}

	return sessions, total, nil
}

// ReserveCursors atomically advances next_cursor by n and returns the first
// reserved value. The UPDATE itself is the compare-and-set: SQLite's single
// writer and Postgres's row-level locking both make the read-modify-write
// atomic without an explicit transaction.
func (r *gormSessionRepository) ReserveCursors(ctx context.Context, sessionID string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("sessions: reserve cursors: n must be positive, got %d", n)
	}

	ctx = db.WithSessionID(ctx, sessionID)
	var first int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session db.Session
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		first = session.NextCursor
		result := tx.Model(&db.Session{}).
			Where("id = ? AND next_cursor = ?", sessionID, first).
			Update("next_cursor", first+n)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sessions: reserve cursors: %w", err)
	}
	return first, nil
}

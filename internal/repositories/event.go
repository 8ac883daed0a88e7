package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
)

type gormEventRepository struct {
	db *gorm.DB
}

// NewEventRepository returns an EventRepository backed by the provided *gorm.DB.
func NewEventRepository(gdb *gorm.DB) EventRepository {
	return &gormEventRepository{db: gdb}
}

// Append persists ev. The (session_id, cursor) unique index and the id
// primary key together enforce both invariants required by spec.md §3:
// cursor is strictly increasing and gap-free, and id is globally unique.
func (r *gormEventRepository) Append(ctx context.Context, ev *db.Event) error {
	ctx = db.WithSessionID(ctx, ev.SessionID)
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("events: append: %w", err)
	}
	return nil
}

// RangeAfter returns events with cursor > afterCursor for sessionID in
// cursor order — the replay half of the resume contract (spec.md §4.2).
func (r *gormEventRepository) RangeAfter(ctx context.Context, sessionID string, afterCursor int64, limit int) ([]db.Event, error) {
	ctx = db.WithSessionID(ctx, sessionID)
	q := r.db.WithContext(ctx).
		Where("session_id = ? AND cursor > ?", sessionID, afterCursor).
		Order("cursor ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []db.Event
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("events: range after: %w", err)
	}
	return events, nil
}

// MaxCursor returns the highest persisted cursor for sessionID, or 0 if the
// session has no events yet.
func (r *gormEventRepository) MaxCursor(ctx context.Context, sessionID string) (int64, error) {
	var max int64
	err := r.db.WithContext(ctx).
		Model(&db.Event{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(cursor), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("events: max cursor: %w", err)
	}
	return max, nil
}

// isUniqueViolation reports whether err stems from a unique-constraint
// violation across both the sqlite and postgres drivers this server
// supports, without importing each driver's error package directly.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

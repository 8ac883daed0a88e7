package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/PushPalsDev/pushpals-sub001/internal/db"
)

type gormWorkerRepository struct {
	db *gorm.DB
}

// NewWorkerRepository returns a WorkerRepository backed by the provided *gorm.DB.
func NewWorkerRepository(gdb *gorm.DB) WorkerRepository {
	return &gormWorkerRepository{db: gdb}
}

// Heartbeat upserts w keyed on WorkerID. Online/idle/busy is never persisted
// here — it is derived at read time from LastHeartbeat plus ActiveJobCount
// (spec.md §4.4), so this only records the worker's self-report and the
// timestamp.
func (r *gormWorkerRepository) Heartbeat(ctx context.Context, w *db.Worker) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "worker_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "current_job_id", "poll_ms", "capabilities", "details",
				"last_heartbeat", "updated_at",
			}),
		}).
		Create(w).Error
	if err != nil {
		return fmt.Errorf("workers: heartbeat: %w", err)
	}
	return nil
}

func (r *gormWorkerRepository) GetByID(ctx context.Context, workerID string) (*db.Worker, error) {
	var w db.Worker
	if err := r.db.WithContext(ctx).First(&w, "worker_id = ?", workerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workers: get by id: %w", err)
	}
	return &w, nil
}

func (r *gormWorkerRepository) List(ctx context.Context) ([]db.Worker, error) {
	var workers []db.Worker
	if err := r.db.WithContext(ctx).Order("worker_id ASC").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("workers: list: %w", err)
	}
	return workers, nil
}

// ActiveJobCount counts jobs claimed by workerID and not yet terminal —
// the input to the derived busy/idle predicate (spec.md §4.4).
func (r *gormWorkerRepository) ActiveJobCount(ctx context.Context, workerID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("worker_id = ? AND status = ?", workerID, "claimed").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("workers: active job count: %w", err)
	}
	return count, nil
}

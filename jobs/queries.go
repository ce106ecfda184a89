package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrJobNotFound = errors.New("jobs: job not found")

// Enqueue inserts a job for crashID. An existing job is left as it is,
// except that a priority request raises its priority. It reports whether a
// new row was inserted.
func Enqueue(ctx context.Context, db *gorm.DB, crashID string, priority bool, now time.Time) (bool, error) {
	job := Job{CrashID: crashID, Priority: priority, QueuedAt: now.UTC()}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "crash_id"}}, DoNothing: true}).
		Create(&job)
	if res.Error != nil {
		return false, fmt.Errorf("jobs: enqueue %s: %w", crashID, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if priority {
		if err := db.WithContext(ctx).Model(&Job{}).
			Where("crash_id = ?", crashID).
			Update("priority", true).Error; err != nil {
			return false, fmt.Errorf("jobs: raise priority %s: %w", crashID, err)
		}
	}
	return false, nil
}

func GetByCrashID(ctx context.Context, db *gorm.DB, crashID string) (Job, error) {
	var job Job
	err := db.WithContext(ctx).Where("crash_id = ?", crashID).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

func Get(ctx context.Context, db *gorm.DB, id uint) (Job, error) {
	var job Job
	err := db.WithContext(ctx).Take(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

// MarkStarted stamps the start time of a job that has not completed. It
// reports false when the job is already done.
func MarkStarted(ctx context.Context, db *gorm.DB, id uint, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND completed_at IS NULL", id).
		Update("started_at", now.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Complete records the outcome of a job.
func Complete(ctx context.Context, db *gorm.DB, id uint, success bool, notes string, now time.Time) error {
	return db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"completed_at": now.UTC(),
			"success":      success,
			"notes":        notes,
		}).Error
}

// SaveReport inserts or replaces the report of r.CrashID.
func SaveReport(ctx context.Context, db *gorm.DB, r *Report) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "crash_id"}}, UpdateAll: true}).
		Create(r).Error
}

func GetReport(ctx context.Context, db *gorm.DB, crashID string) (Report, error) {
	var r Report
	err := db.WithContext(ctx).Where("crash_id = ?", crashID).Take(&r).Error
	return r, err
}

// CreatePriorityTable creates the private priority table of a processor.
func CreatePriorityTable(ctx context.Context, db *gorm.DB, processorID uint) error {
	return db.WithContext(ctx).Table(PriorityTable(processorID)).AutoMigrate(&PriorityMarker{})
}

func DropPriorityTable(ctx context.Context, db *gorm.DB, processorID uint) error {
	return db.WithContext(ctx).Migrator().DropTable(PriorityTable(processorID))
}

// AddPriorityMarker queues crashID on a processor's priority table. A crash
// already marked keeps its place.
func AddPriorityMarker(ctx context.Context, db *gorm.DB, processorID uint, crashID string, now time.Time) error {
	m := PriorityMarker{CrashID: crashID, CreatedAt: now.UTC()}
	return db.WithContext(ctx).Table(PriorityTable(processorID)).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "crash_id"}}, DoNothing: true}).
		Create(&m).Error
}

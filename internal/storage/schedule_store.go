package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/t77yq/taskbeat/internal/model"
)

// GormScheduleStore persists periodic schedules with GORM
type GormScheduleStore struct {
	logger  *zap.Logger
	db      *gorm.DB
	timeout time.Duration
}

// NewGormScheduleStore opens the schedule database at url and migrates it
func NewGormScheduleStore(logger *zap.Logger, url string, timeout time.Duration) (*GormScheduleStore, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(url)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, wrapErr("failed to open schedule database", err)
	}
	return NewGormScheduleStoreWithDB(logger, db, timeout)
}

// NewGormScheduleStoreWithDB wraps an existing GORM handle
func NewGormScheduleStoreWithDB(logger *zap.Logger, db *gorm.DB, timeout time.Duration) (*GormScheduleStore, error) {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	store := &GormScheduleStore{
		logger:  logger.Named("schedule-store"),
		db:      db,
		timeout: timeout,
	}
	if err := store.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

// Migrate creates the schedules table
func (s *GormScheduleStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&model.Schedule{}); err != nil {
		return wrapErr("failed to migrate schedules", err)
	}
	return nil
}

// Put creates a schedule, or replaces the definition of the schedule with
// the same name. start is when an interval schedule first fires (or the
// point after which the first cron match is taken); zero means now.
func (s *GormScheduleStore) Put(ctx context.Context, schedule *model.Schedule, start time.Time) error {
	if err := model.ValidateTaskName(schedule.Task); err != nil {
		return err
	}
	if err := model.ValidateArgs(schedule.Args); err != nil {
		return err
	}
	if schedule.Name == "" {
		return fmt.Errorf("%w: schedule name is required", model.ErrInvalidCadence)
	}
	cadence, err := schedule.Cadence()
	if err != nil {
		return err
	}
	if start.IsZero() {
		start = time.Now()
	}
	schedule.MaxRetries = model.ClampRetries(schedule.MaxRetries)
	schedule.NextRunAt = cadence.First(start)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Schedule
		err := tx.Where("name = ?", schedule.Name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if schedule.ID == "" {
				schedule.ID = uuid.New().String()
			}
			return tx.Create(schedule).Error
		case err != nil:
			return err
		}

		schedule.ID = existing.ID
		schedule.CreatedAt = existing.CreatedAt
		schedule.LastRunAt = existing.LastRunAt
		schedule.TotalRunCount = existing.TotalRunCount
		return tx.Select("*").Save(schedule).Error
	})
	if err != nil {
		return wrapErr("failed to put schedule", err)
	}

	s.logger.Info("Schedule saved",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("task", schedule.Task),
		zap.Time("next_run", schedule.NextRunAt))

	return nil
}

// Get gets a schedule by ID
func (s *GormScheduleStore) Get(ctx context.Context, id string) (*model.Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var schedule model.Schedule
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&schedule).Error; err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to get schedule %s", id), err)
	}
	return &schedule, nil
}

// List lists all schedules ordered by name
func (s *GormScheduleStore) List(ctx context.Context) ([]*model.Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var schedules []*model.Schedule
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&schedules).Error; err != nil {
		return nil, wrapErr("failed to list schedules", err)
	}
	return schedules, nil
}

// ListDue returns enabled schedules whose next run time is at or before now
func (s *GormScheduleStore) ListDue(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var schedules []*model.Schedule
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("next_run_at <= ?", now.UTC()).
		Order("next_run_at ASC").
		Find(&schedules).Error
	if err != nil {
		return nil, wrapErr("failed to list due schedules", err)
	}
	return schedules, nil
}

// Advance moves a fired schedule to its next run time. The update is a
// compare-and-set on the run count observed in due, so two advances of the
// same firing cannot both succeed; the loser gets ErrConflict.
func (s *GormScheduleStore) Advance(ctx context.Context, due *model.Schedule, now time.Time) (*model.Schedule, error) {
	cadence, err := due.Cadence()
	if err != nil {
		return nil, fmt.Errorf("failed to advance schedule %s: %w", due.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	advanced := *due
	advanced.NextRunAt = cadence.Next(due.NextRunAt)
	last := now.UTC()
	advanced.LastRunAt = &last
	advanced.TotalRunCount = due.TotalRunCount + 1
	advanced.Enabled = due.Enabled && !due.OneOff

	result := s.db.WithContext(ctx).Model(&model.Schedule{}).
		Where("id = ? AND total_run_count = ?", due.ID, due.TotalRunCount).
		Updates(map[string]interface{}{
			"next_run_at":     advanced.NextRunAt,
			"last_run_at":     last,
			"total_run_count": advanced.TotalRunCount,
			"enabled":         advanced.Enabled,
		})
	if result.Error != nil {
		return nil, wrapErr(fmt.Sprintf("failed to advance schedule %s", due.ID), result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.Schedule{}).Where("id = ?", due.ID).Count(&count).Error; err != nil {
			return nil, wrapErr(fmt.Sprintf("failed to advance schedule %s", due.ID), err)
		}
		if count == 0 {
			return nil, fmt.Errorf("failed to advance schedule %s: %w", due.ID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to advance schedule %s: %w", due.ID, ErrConflict)
	}

	s.logger.Debug("Schedule advanced",
		zap.String("id", due.ID),
		zap.Time("next_run", advanced.NextRunAt),
		zap.Int64("total_run_count", advanced.TotalRunCount))

	return &advanced, nil
}

// SetEnabled enables or disables a schedule
func (s *GormScheduleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&model.Schedule{}).Where("id = ?", id).Update("enabled", enabled)
	if result.Error != nil {
		return wrapErr("failed to update schedule", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes a schedule
func (s *GormScheduleStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Schedule{})
	if result.Error != nil {
		return wrapErr("failed to delete schedule", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// Close closes the underlying database
func (s *GormScheduleStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

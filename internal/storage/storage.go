// Package storage manages the PMD database layer.
// It initializes GORM with SQLite and exposes the target registry,
// the append-only ping/event logs and the rollup tables.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Poutchouli/PMD/internal/models"
)

// Store wraps the GORM handle. It is constructed once at startup and
// injected wherever persistence is needed; tests build their own against
// an in-memory database.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database and runs AutoMigrate.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Target{},
		&models.PingLog{},
		&models.EventLog{},
		&models.PingRollup{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	log.Printf("[db] opened sqlite/%s", path)
	return &Store{db: db}, nil
}

// ─── Target registry ──────────────────────────────────────────────────────────

// CreateTarget inserts a new target row.
func (s *Store) CreateTarget(ctx context.Context, t *models.Target) error {
	return s.db.WithContext(ctx).Create(t).Error
}

// GetTarget returns the target by ID, or (nil, nil) when it does not exist.
func (s *Store) GetTarget(ctx context.Context, id uint) (*models.Target, error) {
	var t models.Target
	err := s.db.WithContext(ctx).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTargetByIP returns the target monitoring the given address, or (nil, nil).
func (s *Store) GetTargetByIP(ctx context.Context, ip string) (*models.Target, error) {
	var t models.Target
	err := s.db.WithContext(ctx).Where("ip_address = ?", ip).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTargets returns all targets ordered by ID.
func (s *Store) ListTargets(ctx context.Context) ([]models.Target, error) {
	var targets []models.Target
	err := s.db.WithContext(ctx).Order("id asc").Find(&targets).Error
	return targets, err
}

// ListActiveTargets returns the targets whose monitoring loop should run.
func (s *Store) ListActiveTargets(ctx context.Context) ([]models.Target, error) {
	var targets []models.Target
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id asc").Find(&targets).Error
	return targets, err
}

// SaveTarget persists mutable target fields (frequency, url, notes, active).
func (s *Store) SaveTarget(ctx context.Context, t *models.Target) error {
	return s.db.WithContext(ctx).Save(t).Error
}

// SetTargetActive flips the active flag without touching other fields.
func (s *Store) SetTargetActive(ctx context.Context, id uint, active bool) error {
	return s.db.WithContext(ctx).
		Model(&models.Target{}).
		Where("id = ?", id).
		Update("is_active", active).Error
}

// DeleteTarget removes a target and all of its ping logs and events.
// Callers must stop the target's monitoring loop first.
func (s *Store) DeleteTarget(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("target_id = ?", id).Delete(&models.PingLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("target_id = ?", id).Delete(&models.EventLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("target_id = ?", id).Delete(&models.PingRollup{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&models.Target{}, id).Error
	})
}

// ─── Ping log ─────────────────────────────────────────────────────────────────

// AppendPing persists one probe result. Rows are immutable once written.
func (s *Store) AppendPing(ctx context.Context, p *models.PingLog) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// QueryPings returns ping logs in [start, end] for a target.
// With mostRecentFirst the newest rows come first and limit truncates the
// oldest ones; insight queries depend on this "most recent N" behavior.
func (s *Store) QueryPings(ctx context.Context, targetID uint, start, end time.Time, limit int, mostRecentFirst bool) ([]models.PingLog, error) {
	order := "time asc"
	if mostRecentFirst {
		order = "time desc"
	}
	q := s.db.WithContext(ctx).
		Where("target_id = ? AND time >= ? AND time <= ?", targetID, start, end).
		Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var logs []models.PingLog
	err := q.Find(&logs).Error
	return logs, err
}

// RecentPings returns the newest rows for a target, newest first.
func (s *Store) RecentPings(ctx context.Context, targetID uint, limit int) ([]models.PingLog, error) {
	var logs []models.PingLog
	err := s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("time desc").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// AllPings streams every row for a target in ascending time order, calling
// fn in batches. Used by the CSV export so a large history never sits in
// memory at once.
func (s *Store) AllPings(ctx context.Context, targetID uint, fn func([]models.PingLog) error) error {
	var batch []models.PingLog
	res := s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("time asc").
		FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		})
	return res.Error
}

// ─── Event log ────────────────────────────────────────────────────────────────

// AppendEvent records a lifecycle or state-transition event.
// targetID may be nil for process-level events.
func (s *Store) AppendEvent(ctx context.Context, targetID *uint, kind models.EventType, message string) error {
	ev := models.EventLog{
		TargetID:  targetID,
		EventType: kind,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&ev).Error
}

// QueryEvents returns events for a target, newest first, optionally bounded
// by an inclusive time range.
func (s *Store) QueryEvents(ctx context.Context, targetID uint, start, end *time.Time, limit int) ([]models.EventLog, error) {
	q := s.db.WithContext(ctx).Where("target_id = ?", targetID)
	if start != nil {
		q = q.Where("created_at >= ?", *start)
	}
	if end != nil {
		q = q.Where("created_at <= ?", *end)
	}
	var events []models.EventLog
	err := q.Order("created_at desc").Limit(limit).Find(&events).Error
	return events, err
}

// ─── Rollups ──────────────────────────────────────────────────────────────────

// QueryRollups returns rollup rows for a target and granularity whose bucket
// falls in [start, end), ascending by bucket.
func (s *Store) QueryRollups(ctx context.Context, targetID uint, granularity string, start, end time.Time) ([]models.PingRollup, error) {
	var rows []models.PingRollup
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND granularity = ? AND bucket >= ? AND bucket < ?",
			targetID, granularity, start, end).
		Order("bucket asc").
		Find(&rows).Error
	return rows, err
}

// UpsertRollups inserts or replaces rollup rows keyed by
// (target_id, granularity, bucket). Only the rollup pipeline calls this.
func (s *Store) UpsertRollups(ctx context.Context, rows []models.PingRollup) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "target_id"}, {Name: "granularity"}, {Name: "bucket"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"samples", "loss_count", "avg_latency", "min_latency", "max_latency",
		}),
	}).Create(&rows).Error
}

// RollupWatermark returns the newest bucket present for a granularity, or a
// zero time when no rollups exist yet.
func (s *Store) RollupWatermark(ctx context.Context, granularity string) (time.Time, error) {
	var row models.PingRollup
	err := s.db.WithContext(ctx).
		Where("granularity = ?", granularity).
		Order("bucket desc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return row.Bucket, nil
}

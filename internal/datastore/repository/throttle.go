package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
)

// ThrottleRepository persists per-key notification throttle records.
type ThrottleRepository interface {
	// Get returns the record for a key, or nil when none exists.
	Get(ctx context.Context, sensorID string, alertType entities.AlertType) (*entities.ThrottleRecord, error)
	// Upsert creates or replaces the record for its key.
	Upsert(ctx context.Context, record *entities.ThrottleRecord) error
}

type throttleRepository struct {
	db *gorm.DB
}

// NewThrottleRepository creates a new ThrottleRepository.
func NewThrottleRepository(db *gorm.DB) ThrottleRepository {
	return &throttleRepository{db: db}
}

func (r *throttleRepository) Get(ctx context.Context, sensorID string, alertType entities.AlertType) (*entities.ThrottleRecord, error) {
	var rec entities.ThrottleRecord
	err := r.db.WithContext(ctx).
		Where("sensor_id = ? AND alert_type = ?", sensorID, alertType).
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get throttle record for %s/%s: %w", sensorID, alertType, err)
	}
	if rec.SensorID == "" {
		return nil, nil
	}
	return &rec, nil
}

func (r *throttleRepository) Upsert(ctx context.Context, record *entities.ThrottleRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sensor_id"}, {Name: "alert_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_notified_at", "grace_period_seconds"}),
		}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to upsert throttle record for %s/%s: %w", record.SensorID, record.AlertType, err)
	}
	return nil
}

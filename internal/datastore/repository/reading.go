package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
)

// ReadingRepository stores raw sensor readings received from ingest.
type ReadingRepository interface {
	Save(ctx context.Context, reading *entities.SensorReading) error
	// Latest returns the most recent reading for a sensor, or nil when the
	// sensor has never reported.
	Latest(ctx context.Context, sensorID string) (*entities.SensorReading, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type readingRepository struct {
	db *gorm.DB
}

// NewReadingRepository creates a new ReadingRepository.
func NewReadingRepository(db *gorm.DB) ReadingRepository {
	return &readingRepository{db: db}
}

func (r *readingRepository) Save(ctx context.Context, reading *entities.SensorReading) error {
	reading.Timestamp = reading.Timestamp.UTC()
	if err := r.db.WithContext(ctx).Create(reading).Error; err != nil {
		return fmt.Errorf("failed to save reading for sensor %s: %w", reading.SensorID, err)
	}
	return nil
}

func (r *readingRepository) Latest(ctx context.Context, sensorID string) (*entities.SensorReading, error) {
	var reading entities.SensorReading
	err := r.db.WithContext(ctx).
		Where("sensor_id = ?", sensorID).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(1).
		Find(&reading).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reading for sensor %s: %w", sensorID, err)
	}
	if reading.ID == 0 {
		return nil, nil
	}
	return &reading, nil
}

func (r *readingRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("timestamp < ?", before).Delete(&entities.SensorReading{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete readings before %v: %w", before, result.Error)
	}
	return result.RowsAffected, nil
}

package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/errors"
)

// alertRepository implements AlertRepository.
type alertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates a new AlertRepository.
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &alertRepository{db: db}
}

func (r *alertRepository) FindActive(ctx context.Context, sensorID string, alertType entities.AlertType) (*entities.Alert, error) {
	var alert entities.Alert
	err := r.db.WithContext(ctx).
		Where("sensor_id = ? AND alert_type = ?", sensorID, alertType).
		Limit(1).
		Find(&alert).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find active %s alert for sensor %s: %w", alertType, sensorID, err)
	}
	if alert.ID == "" {
		return nil, nil
	}
	return &alert, nil
}

func (r *alertRepository) GetActive(ctx context.Context, id string) (*entities.Alert, error) {
	var alert entities.Alert
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return &alert, nil
}

// Create relies on the unique (sensor_id, alert_type) index: a conflicting
// insert is a no-op and reported through created=false.
func (r *alertRepository) Create(ctx context.Context, alert *entities.Alert) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(alert)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create %s alert for sensor %s: %w", alert.AlertType, alert.SensorID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *alertRepository) UpdateSeverity(ctx context.Context, alert *entities.Alert) error {
	result := r.db.WithContext(ctx).
		Model(&entities.Alert{}).
		Where("id = ? AND version = ?", alert.ID, alert.Version).
		Updates(map[string]any{
			"severity":       alert.Severity,
			"title":          alert.Title,
			"message":        alert.Message,
			"threshold_info": alert.ThresholdInfo,
			"updated_at":     alert.UpdatedAt,
			"version":        gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update alert %s: %w", alert.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, alert.ID)
	}
	alert.Version++
	return nil
}

func (r *alertRepository) Archive(ctx context.Context, alert *entities.Alert, history *entities.AlertHistory) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND version = ?", alert.ID, alert.Version).Delete(&entities.Alert{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete active alert %s: %w", alert.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			return r.missingOrConflictTx(tx, alert.ID)
		}
		if err := tx.Create(history).Error; err != nil {
			return fmt.Errorf("failed to save history for alert %s: %w", alert.ID, err)
		}
		return nil
	})
}

func (r *alertRepository) missingOrConflict(ctx context.Context, id string) error {
	return r.missingOrConflictTx(r.db.WithContext(ctx), id)
}

func (r *alertRepository) missingOrConflictTx(tx *gorm.DB, id string) error {
	var count int64
	if err := tx.Model(&entities.Alert{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check alert %s: %w", id, err)
	}
	if count == 0 {
		return ErrAlertNotFound
	}
	return ErrVersionConflict
}

func (r *alertRepository) ListActive(ctx context.Context, filter ActiveAlertFilter) ([]entities.Alert, error) {
	var alerts []entities.Alert
	query := r.db.WithContext(ctx)
	if filter.SensorID != "" {
		query = query.Where("sensor_id = ?", filter.SensorID)
	}
	if filter.AlertType != "" {
		query = query.Where("alert_type = ?", filter.AlertType)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if err := query.Order("created_at ASC").Order("id ASC").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	return alerts, nil
}

func (r *alertRepository) GetHistoryByAlertID(ctx context.Context, alertID string) (*entities.AlertHistory, error) {
	var h entities.AlertHistory
	if err := r.db.WithContext(ctx).Where("alert_id = ?", alertID).First(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHistoryNotFound
		}
		return nil, fmt.Errorf("failed to get history for alert %s: %w", alertID, err)
	}
	return &h, nil
}

// ListHistory returns history entries matching the filter, newest first, with
// the total count before pagination.
func (r *alertRepository) ListHistory(ctx context.Context, filter AlertHistoryFilter) ([]entities.AlertHistory, int64, error) {
	var items []entities.AlertHistory
	var total int64

	apply := func(q *gorm.DB) *gorm.DB {
		if filter.SensorID != "" {
			q = q.Where("sensor_id = ?", filter.SensorID)
		}
		if filter.AlertType != "" {
			q = q.Where("alert_type = ?", filter.AlertType)
		}
		if filter.ResolutionType != "" {
			q = q.Where("resolution_type = ?", filter.ResolutionType)
		}
		return q
	}

	if err := apply(r.db.WithContext(ctx).Model(&entities.AlertHistory{})).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count alert history: %w", err)
	}

	query := apply(r.db.WithContext(ctx)).Order("resolved_at DESC").Order("id DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list alert history: %w", err)
	}
	return items, total, nil
}

// DeleteHistoryBefore deletes history entries resolved before the given time.
func (r *alertRepository) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("resolved_at < ?", before).Delete(&entities.AlertHistory{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete alert history before %v: %w", before, result.Error)
	}
	return result.RowsAffected, nil
}

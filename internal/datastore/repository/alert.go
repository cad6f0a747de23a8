// Package repository provides gorm-backed stores for alerts, notification
// throttle records and sensor readings.
package repository

import (
	"context"
	"time"

	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/errors"
)

var (
	// ErrAlertNotFound is returned when no active alert matches.
	ErrAlertNotFound = errors.NewStd("alert not found")
	// ErrHistoryNotFound is returned when no archived alert matches.
	ErrHistoryNotFound = errors.NewStd("alert history not found")
	// ErrVersionConflict is returned when an alert changed since it was read.
	ErrVersionConflict = errors.NewStd("alert was modified concurrently")
)

// AlertRepository stores active alerts and their archived history.
//
// The (sensor_id, alert_type) uniqueness of active alerts is enforced by a
// unique index; Create is an insert-if-absent and UpdateSeverity and Archive
// compare the alert version, so concurrent writers cannot produce duplicates
// or half-archived alerts.
type AlertRepository interface {
	// FindActive returns the active alert for a key, or nil when absent.
	FindActive(ctx context.Context, sensorID string, alertType entities.AlertType) (*entities.Alert, error)
	// GetActive returns an active alert by ID or ErrAlertNotFound.
	GetActive(ctx context.Context, id string) (*entities.Alert, error)
	// Create inserts the alert unless one is already active for its key.
	// created is false when another alert holds the key.
	Create(ctx context.Context, alert *entities.Alert) (created bool, err error)
	// UpdateSeverity persists the alert's content when its stored version
	// still matches alert.Version, then increments alert.Version.
	UpdateSeverity(ctx context.Context, alert *entities.Alert) error
	// Archive writes history and removes the active alert in one transaction.
	Archive(ctx context.Context, alert *entities.Alert, history *entities.AlertHistory) error
	// ListActive returns active alerts matching the filter.
	ListActive(ctx context.Context, filter ActiveAlertFilter) ([]entities.Alert, error)

	// GetHistoryByAlertID returns the archive of an alert or ErrHistoryNotFound.
	GetHistoryByAlertID(ctx context.Context, alertID string) (*entities.AlertHistory, error)
	ListHistory(ctx context.Context, filter AlertHistoryFilter) ([]entities.AlertHistory, int64, error)
	DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error)
}

// ActiveAlertFilter controls active alert listing.
type ActiveAlertFilter struct {
	SensorID  string
	AlertType entities.AlertType
	Severity  entities.Severity
}

// AlertHistoryFilter controls history listing queries.
type AlertHistoryFilter struct {
	SensorID       string
	AlertType      entities.AlertType
	ResolutionType entities.ResolutionType
	Limit          int
	Offset         int
}

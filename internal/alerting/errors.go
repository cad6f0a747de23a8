package alerting

import (
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/errors"
)

var (
	// ErrAlertNotFound is returned by Dismiss for an unknown alert ID.
	ErrAlertNotFound = errors.NewStd("alert not found")
	// ErrAlertNotActive is returned by Dismiss for an alert that was already
	// resolved or dismissed.
	ErrAlertNotActive = errors.NewStd("alert is not active")
	// ErrCycleInProgress is returned by RunCycle while another cycle runs.
	ErrCycleInProgress = errors.NewStd("evaluation cycle already in progress")
	// ErrSchedulerRunning is returned by Start on a running scheduler.
	ErrSchedulerRunning = errors.NewStd("scheduler already running")
)

func notFoundError(alertID string) error {
	return errors.New(ErrAlertNotFound).
		Component(componentName).
		Category(errors.CategoryNotFound).
		Context(fieldAlertID, alertID).
		Build()
}

func notActiveError(alertID string) error {
	return errors.New(ErrAlertNotActive).
		Component(componentName).
		Category(errors.CategoryConflict).
		Context(fieldAlertID, alertID).
		Build()
}

// storeError marks a failed or timed out store call. The sensor is skipped
// for the cycle.
func storeError(err error, op, sensorID string, alertType entities.AlertType) error {
	b := errors.Newf("%s: %w", op, err).
		Component(componentName).
		Category(errors.CategoryTransient)
	if sensorID != "" {
		b = b.Context(fieldSensorID, sensorID)
	}
	if alertType != "" {
		b = b.Context(fieldAlertType, string(alertType))
	}
	return b.Build()
}

// Package entities defines the persisted records of the alert store. Alerts
// and history entries are only created through their constructors, which
// enforce the field invariants once at construction time.
package entities

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hydrowatch/hydrowatch/internal/errors"
)

// AlertType identifies what an alert is about.
type AlertType string

const (
	AlertTypePH                  AlertType = "ph"
	AlertTypeConductivity        AlertType = "conductivity"
	AlertTypeTemperature         AlertType = "temperature"
	AlertTypeWaterLevel          AlertType = "water_level"
	AlertTypeSensorDisconnection AlertType = "sensor_disconnection"
)

// MeasurementAlertTypes are the alert types derived from reading values.
var MeasurementAlertTypes = []AlertType{
	AlertTypePH,
	AlertTypeConductivity,
	AlertTypeTemperature,
	AlertTypeWaterLevel,
}

// AllAlertTypes lists every alert type, disconnection first.
var AllAlertTypes = append([]AlertType{AlertTypeSensorDisconnection}, MeasurementAlertTypes...)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypePH, AlertTypeConductivity, AlertTypeTemperature, AlertTypeWaterLevel, AlertTypeSensorDisconnection:
		return true
	}
	return false
}

// IsMeasurement reports whether t is derived from a reading value.
func (t AlertType) IsMeasurement() bool {
	return t.Valid() && t != AlertTypeSensorDisconnection
}

// Severity of an active alert. "normal" is never stored.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	return s == SeverityWarning || s == SeverityCritical
}

// AlertStatusActive is the only status an Alert row carries.
const AlertStatusActive = "active"

// Alert is an active alert. At most one exists per (SensorID, AlertType).
type Alert struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	SensorID      string    `gorm:"size:100;not null;uniqueIndex:idx_alerts_sensor_type,priority:1" json:"sensor_id"`
	AlertType     AlertType `gorm:"size:32;not null;uniqueIndex:idx_alerts_sensor_type,priority:2" json:"alert_type"`
	Severity      Severity  `gorm:"size:16;not null" json:"severity"`
	Title         string    `gorm:"size:200;not null" json:"title"`
	Message       string    `gorm:"size:1000;not null" json:"message"`
	ThresholdInfo string    `gorm:"size:500;not null" json:"threshold_info"`
	Status        string    `gorm:"size:16;not null;default:active" json:"status"`
	Version       int64     `gorm:"not null;default:1" json:"version"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Alert) TableName() string {
	return "alerts"
}

// AlertContent is the presentable part of an alert, recomputed each cycle.
type AlertContent struct {
	Severity      Severity
	Title         string
	Message       string
	ThresholdInfo string
}

func (c AlertContent) validate() []string {
	var problems []string
	if !c.Severity.Valid() {
		problems = append(problems, "severity must be warning or critical")
	}
	if strings.TrimSpace(c.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(c.ThresholdInfo) == "" {
		problems = append(problems, "threshold_info is required")
	}
	return problems
}

// NewAlert creates a validated active alert with a fresh ID.
func NewAlert(sensorID string, alertType AlertType, content AlertContent, now time.Time) (*Alert, error) {
	var problems []string
	if strings.TrimSpace(sensorID) == "" {
		problems = append(problems, "sensor_id is required")
	}
	if !alertType.Valid() {
		problems = append(problems, "unknown alert_type "+string(alertType))
	}
	problems = append(problems, content.validate()...)
	if len(problems) > 0 {
		return nil, invalid("alert", problems).Context("sensor_id", sensorID).Context("alert_type", string(alertType)).Build()
	}

	now = now.UTC()
	return &Alert{
		ID:            uuid.NewString(),
		SensorID:      sensorID,
		AlertType:     alertType,
		Severity:      content.Severity,
		Title:         content.Title,
		Message:       content.Message,
		ThresholdInfo: content.ThresholdInfo,
		Status:        AlertStatusActive,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Reassess applies new content to an existing alert, keeping its identity
// and CreatedAt. The caller persists the change.
func (a *Alert) Reassess(content AlertContent, now time.Time) error {
	if problems := content.validate(); len(problems) > 0 {
		return invalid("alert", problems).Context("alert_id", a.ID).Build()
	}
	a.Severity = content.Severity
	a.Title = content.Title
	a.Message = content.Message
	a.ThresholdInfo = content.ThresholdInfo
	a.UpdatedAt = now.UTC()
	return nil
}

// Key returns the uniqueness key "sensor_id/alert_type".
func (a *Alert) Key() string {
	return AlertKey(a.SensorID, a.AlertType)
}

// AlertKey builds the uniqueness key for a sensor and alert type.
func AlertKey(sensorID string, alertType AlertType) string {
	return sensorID + "/" + string(alertType)
}

func invalid(entity string, problems []string) *errors.ErrorBuilder {
	return errors.Newf("invalid %s: %s", entity, strings.Join(problems, "; ")).
		Component("entities").
		Category(errors.CategoryValidation)
}

package entities

import (
	"strings"
	"time"
)

// ResolutionType records how an alert left the active set.
type ResolutionType string

const (
	ResolutionManualDismiss ResolutionType = "manual_dismiss"
	ResolutionAutoResolved  ResolutionType = "auto_resolved"
)

func (r ResolutionType) Valid() bool {
	return r == ResolutionManualDismiss || r == ResolutionAutoResolved
}

// AlertHistory is the immutable archive of a resolved alert.
type AlertHistory struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	AlertID         string         `gorm:"size:36;not null;uniqueIndex" json:"alert_id"`
	SensorID        string         `gorm:"size:100;not null;index:idx_alert_history_sensor_resolved,priority:1" json:"sensor_id"`
	AlertType       AlertType      `gorm:"size:32;not null" json:"alert_type"`
	Severity        Severity       `gorm:"size:16;not null" json:"severity"`
	Title           string         `gorm:"size:200;not null" json:"title"`
	Message         string         `gorm:"size:1000;not null" json:"message"`
	ThresholdInfo   string         `gorm:"size:500;not null" json:"threshold_info"`
	CreatedAt       time.Time      `gorm:"not null;autoCreateTime:false" json:"created_at"`
	ResolvedAt      time.Time      `gorm:"not null;index:idx_alert_history_sensor_resolved,priority:2" json:"resolved_at"`
	DurationMinutes int64          `gorm:"not null" json:"duration_minutes"`
	ResolutionType  ResolutionType `gorm:"size:20;not null" json:"resolution_type"`
	DismissedBy     *string        `gorm:"size:100" json:"dismissed_by,omitempty"`
	DismissReason   *string        `gorm:"size:500" json:"dismiss_reason,omitempty"`
}

// TableName returns the table name for GORM.
func (AlertHistory) TableName() string {
	return "alert_history"
}

// Resolution describes how and by whom an alert is being resolved.
type Resolution struct {
	Type   ResolutionType
	Actor  string
	Reason string
	At     time.Time
}

// NewAlertHistory archives alert with the given resolution. A manual dismiss
// requires an actor. DurationMinutes is floor((resolved - created) / 1m).
func NewAlertHistory(alert *Alert, res Resolution) (*AlertHistory, error) {
	var problems []string
	if alert == nil || alert.ID == "" {
		return nil, invalid("alert history", []string{"alert_id is required"}).Build()
	}
	if !res.Type.Valid() {
		problems = append(problems, "unknown resolution_type "+string(res.Type))
	}
	actor := strings.TrimSpace(res.Actor)
	if res.Type == ResolutionManualDismiss && actor == "" {
		problems = append(problems, "dismissed_by is required for manual dismissal")
	}
	resolvedAt := res.At.UTC()
	if resolvedAt.Before(alert.CreatedAt) {
		problems = append(problems, "resolved_at precedes created_at")
	}
	if len(problems) > 0 {
		return nil, invalid("alert history", problems).Context("alert_id", alert.ID).Build()
	}

	h := &AlertHistory{
		AlertID:         alert.ID,
		SensorID:        alert.SensorID,
		AlertType:       alert.AlertType,
		Severity:        alert.Severity,
		Title:           alert.Title,
		Message:         alert.Message,
		ThresholdInfo:   alert.ThresholdInfo,
		CreatedAt:       alert.CreatedAt,
		ResolvedAt:      resolvedAt,
		DurationMinutes: int64(resolvedAt.Sub(alert.CreatedAt) / time.Minute),
		ResolutionType:  res.Type,
	}
	if actor != "" {
		h.DismissedBy = &actor
	}
	if reason := strings.TrimSpace(res.Reason); reason != "" {
		h.DismissReason = &reason
	}
	return h, nil
}

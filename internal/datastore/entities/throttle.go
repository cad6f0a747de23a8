package entities

import "time"

// ThrottleRecord remembers the last notification sent for a key.
type ThrottleRecord struct {
	SensorID           string    `gorm:"primaryKey;size:100" json:"sensor_id"`
	AlertType          AlertType `gorm:"primaryKey;size:32" json:"alert_type"`
	LastNotifiedAt     time.Time `gorm:"not null" json:"last_notified_at"`
	GracePeriodSeconds int       `gorm:"not null" json:"grace_period_seconds"`
}

// TableName returns the table name for GORM.
func (ThrottleRecord) TableName() string {
	return "notification_throttle"
}

// Suppresses reports whether a notification at now falls inside the grace
// period recorded with the last send.
func (r *ThrottleRecord) Suppresses(now time.Time) bool {
	if r == nil || r.GracePeriodSeconds <= 0 {
		return false
	}
	return now.Sub(r.LastNotifiedAt) < time.Duration(r.GracePeriodSeconds)*time.Second
}

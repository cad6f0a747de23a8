// Package alerting evaluates sensor telemetry against connectivity and
// threshold rules and drives the lifecycle of the resulting alerts.
package alerting

import "time"

const componentName = "alerting"

// Engine defaults, used when the corresponding setting is zero.
const (
	DefaultCheckInterval      = 60 * time.Second
	DefaultDisconnectWarning  = 6 * time.Minute
	DefaultDisconnectCritical = 10 * time.Minute
	DefaultGracePeriod        = time.Hour
	DefaultStoreTimeout       = 5 * time.Second
	DefaultWorkers            = 8
)

// Log field keys shared across the package.
const (
	fieldSensorID  = "sensor_id"
	fieldAlertType = "alert_type"
	fieldAlertID   = "alert_id"
	fieldSeverity  = "severity"
	fieldChannel   = "channel"
	fieldCycle     = "cycle"
)

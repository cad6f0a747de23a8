package entities

import (
	"math"
	"time"
)

// SensorReading is one telemetry sample. Metrics absent from the sample are nil.
type SensorReading struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	SensorID     string    `gorm:"size:100;not null;index:idx_readings_sensor_time,priority:1" json:"sensor_id"`
	Timestamp    time.Time `gorm:"not null;index:idx_readings_sensor_time,priority:2" json:"timestamp"`
	PH           *float64  `json:"ph,omitempty"`
	Conductivity *float64  `json:"conductivity,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	WaterLevel   *float64  `json:"water_level,omitempty"`
}

// TableName returns the table name for GORM.
func (SensorReading) TableName() string {
	return "sensor_readings"
}

// Value returns the reading's value for a measurement alert type. Missing,
// NaN and infinite values report ok=false.
func (r *SensorReading) Value(t AlertType) (float64, bool) {
	if r == nil {
		return 0, false
	}
	var v *float64
	switch t {
	case AlertTypePH:
		v = r.PH
	case AlertTypeConductivity:
		v = r.Conductivity
	case AlertTypeTemperature:
		v = r.Temperature
	case AlertTypeWaterLevel:
		v = r.WaterLevel
	}
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}

// HasValues reports whether the reading carries at least one metric.
func (r *SensorReading) HasValues() bool {
	for _, t := range MeasurementAlertTypes {
		if _, ok := r.Value(t); ok {
			return true
		}
	}
	return false
}

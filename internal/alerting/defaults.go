package alerting

import (
	"github.com/hydrowatch/hydrowatch/internal/conf"
)

// DefaultThresholds returns recommended bounds for a recirculating
// hydroponic system. Operators copy them into sensors.json; they are never
// applied implicitly.
func DefaultThresholds() map[string]conf.Thresholds {
	return map[string]conf.Thresholds{
		conf.MetricPH: {
			OptimalMin:  conf.Float(5.5),
			OptimalMax:  conf.Float(6.5),
			WarningMin:  conf.Float(5.0),
			WarningMax:  conf.Float(7.0),
			CriticalMin: conf.Float(4.0),
			CriticalMax: conf.Float(8.0),
		},
		// mS/cm
		conf.MetricConductivity: {
			OptimalMin:  conf.Float(1.2),
			OptimalMax:  conf.Float(2.4),
			WarningMin:  conf.Float(0.8),
			WarningMax:  conf.Float(3.0),
			CriticalMin: conf.Float(0.5),
			CriticalMax: conf.Float(3.5),
		},
		// nutrient solution, °C
		conf.MetricTemperature: {
			OptimalMin:  conf.Float(18),
			OptimalMax:  conf.Float(24),
			WarningMin:  conf.Float(15),
			WarningMax:  conf.Float(27),
			CriticalMin: conf.Float(10),
			CriticalMax: conf.Float(30),
		},
		// percent of reservoir capacity
		conf.MetricWaterLevel: {
			OptimalMin:  conf.Float(40),
			OptimalMax:  conf.Float(90),
			WarningMin:  conf.Float(30),
			WarningMax:  conf.Float(95),
			CriticalMin: conf.Float(20),
			CriticalMax: conf.Float(100),
		},
	}
}

// DefaultSensorConfig returns an enabled configuration for sensorID using
// DefaultThresholds and no notification channels.
func DefaultSensorConfig(sensorID, location string) conf.SensorConfig {
	return conf.SensorConfig{
		SensorID: sensorID,
		Location: location,
		AlertConfig: conf.AlertConfig{
			Enabled:    true,
			Thresholds: DefaultThresholds(),
		},
	}
}

package alerting

import (
	"fmt"
	"time"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
)

func sensorName(sensor *conf.SensorConfig) string {
	if sensor.Location == "" {
		return sensor.SensorID
	}
	return fmt.Sprintf("%s (%s)", sensor.SensorID, sensor.Location)
}

func measurementContent(sensor *conf.SensorConfig, alertType entities.AlertType, level Level, value float64, t conf.Thresholds) entities.AlertContent {
	metric := string(alertType)
	label := MetricLabel(metric)
	return entities.AlertContent{
		Severity: level.Severity(),
		Title:    fmt.Sprintf("%s %s on sensor %s", label, level, sensor.SensorID),
		Message: fmt.Sprintf("%s reading of %s on sensor %s is outside the %s range.",
			label, FormatValue(metric, value), sensorName(sensor), rangeName(level)),
		ThresholdInfo: DescribeThreshold(metric, value, t),
	}
}

func rangeName(level Level) string {
	if level == LevelCritical {
		return "safe"
	}
	return "optimal"
}

func disconnectionContent(sensor *conf.SensorConfig, state ConnectivityState, eval ConnectivityEvaluator, last *time.Time, now time.Time) entities.AlertContent {
	level := state.Level()
	var title, message string
	switch {
	case last == nil:
		title = fmt.Sprintf("Sensor %s has never reported", sensor.SensorID)
		message = fmt.Sprintf("No reading has been received from sensor %s.", sensorName(sensor))
	case level == LevelCritical:
		title = fmt.Sprintf("Sensor %s disconnected", sensor.SensorID)
		message = fmt.Sprintf("Sensor %s has not reported since %s.", sensorName(sensor), last.UTC().Format(time.RFC3339))
	default:
		title = fmt.Sprintf("Sensor %s not reporting", sensor.SensorID)
		message = fmt.Sprintf("Sensor %s has not reported since %s.", sensorName(sensor), last.UTC().Format(time.RFC3339))
	}
	return entities.AlertContent{
		Severity:      level.Severity(),
		Title:         title,
		Message:       message,
		ThresholdInfo: eval.Describe(last, now),
	}
}

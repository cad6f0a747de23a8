package alerting

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
)

// Schema describes the alertable metrics and the enumerations used by alerts.
type Schema struct {
	Metrics         []MetricSchema    `json:"metrics"`
	AlertTypes      []AlertTypeSchema `json:"alertTypes"`
	Severities      []string          `json:"severities"`
	ResolutionTypes []string          `json:"resolutionTypes"`
}

// MetricSchema describes one measured metric.
type MetricSchema struct {
	Name     string          `json:"name"`
	Label    string          `json:"label"`
	Unit     string          `json:"unit"`
	Defaults conf.Thresholds `json:"defaults"`
}

// AlertTypeSchema describes one alert type.
type AlertTypeSchema struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Measurement bool   `json:"measurement"`
}

var metricUnits = map[string]string{
	conf.MetricPH:           "",
	conf.MetricConductivity: "mS/cm",
	conf.MetricTemperature:  "°C",
	conf.MetricWaterLevel:   "%",
}

// labels that title casing gets wrong
var labelOverrides = map[string]string{
	conf.MetricPH: "pH",
}

// MetricLabel returns the display label for a metric or alert type key.
func MetricLabel(metric string) string {
	if l, ok := labelOverrides[metric]; ok {
		return l
	}
	// cases.Caser is stateful, so one per call.
	return cases.Title(language.English).String(strings.ReplaceAll(metric, "_", " "))
}

// MetricUnit returns the unit suffix for a metric, possibly empty.
func MetricUnit(metric string) string {
	return metricUnits[metric]
}

// FormatValue renders a reading value with its unit.
func FormatValue(metric string, v float64) string {
	switch unit := MetricUnit(metric); unit {
	case "":
		return fmt.Sprintf("%.2f", v)
	case "%":
		return fmt.Sprintf("%.2f%%", v)
	default:
		return fmt.Sprintf("%.2f %s", v, unit)
	}
}

// GetSchema returns the metric catalog.
func GetSchema() Schema {
	defaults := DefaultThresholds()

	s := Schema{
		Severities:      []string{string(entities.SeverityWarning), string(entities.SeverityCritical)},
		ResolutionTypes: []string{string(entities.ResolutionAutoResolved), string(entities.ResolutionManualDismiss)},
	}
	for _, m := range conf.Metrics {
		s.Metrics = append(s.Metrics, MetricSchema{
			Name:     m,
			Label:    MetricLabel(m),
			Unit:     MetricUnit(m),
			Defaults: defaults[m],
		})
	}
	for _, t := range entities.AllAlertTypes {
		s.AlertTypes = append(s.AlertTypes, AlertTypeSchema{
			Name:        string(t),
			Label:       MetricLabel(string(t)),
			Measurement: t.IsMeasurement(),
		})
	}
	return s
}

package conf

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/hydrowatch/hydrowatch/internal/errors"
)

// Metric keys accepted in a sensor's thresholds map.
const (
	MetricPH           = "ph"
	MetricConductivity = "conductivity"
	MetricTemperature  = "temperature"
	MetricWaterLevel   = "water_level"
)

// Metrics lists every supported metric key in evaluation order.
var Metrics = []string{MetricPH, MetricConductivity, MetricTemperature, MetricWaterLevel}

// metricAliases maps accepted spellings onto canonical metric keys.
var metricAliases = map[string]string{
	"ec":          MetricConductivity,
	"temp":        MetricTemperature,
	"level":       MetricWaterLevel,
	"waterlevel":  MetricWaterLevel,
	"water-level": MetricWaterLevel,
}

// SensorConfig is the per-sensor alert configuration.
type SensorConfig struct {
	SensorID    string      `json:"sensor_id" yaml:"sensor_id"`
	Location    string      `json:"location,omitempty" yaml:"location,omitempty"`
	AlertConfig AlertConfig `json:"alert_config" yaml:"alert_config"`
}

// AlertConfig controls evaluation and notification for one sensor.
type AlertConfig struct {
	Enabled              bool                  `json:"enabled" yaml:"enabled"`
	Thresholds           map[string]Thresholds `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	NotificationChannels []string              `json:"notification_channels,omitempty" yaml:"notification_channels,omitempty"`
}

// Thresholds holds the bounds for one metric. A nil bound is open.
type Thresholds struct {
	OptimalMin  *float64 `json:"optimal_min,omitempty" yaml:"optimal_min,omitempty"`
	OptimalMax  *float64 `json:"optimal_max,omitempty" yaml:"optimal_max,omitempty"`
	WarningMin  *float64 `json:"warning_min,omitempty" yaml:"warning_min,omitempty"`
	WarningMax  *float64 `json:"warning_max,omitempty" yaml:"warning_max,omitempty"`
	CriticalMin *float64 `json:"critical_min,omitempty" yaml:"critical_min,omitempty"`
	CriticalMax *float64 `json:"critical_max,omitempty" yaml:"critical_max,omitempty"`
}

// Float returns a pointer to v, for building thresholds in code.
func Float(v float64) *float64 { return &v }

// ThresholdsFor returns the thresholds configured for metric.
func (s *SensorConfig) ThresholdsFor(metric string) (Thresholds, bool) {
	t, ok := s.AlertConfig.Thresholds[metric]
	return t, ok
}

// Validate normalizes metric aliases and checks bound ordering. An enabled
// sensor needs at least one metric, and every metric at least one bound.
func (s *SensorConfig) Validate() error {
	var problems []string

	s.SensorID = strings.TrimSpace(s.SensorID)
	if s.SensorID == "" {
		problems = append(problems, "sensor_id is required")
	}
	if s.AlertConfig.Enabled && len(s.AlertConfig.Thresholds) == 0 {
		problems = append(problems, "thresholds are required when alerts are enabled")
	}

	normalized := make(map[string]Thresholds, len(s.AlertConfig.Thresholds))
	for key, t := range s.AlertConfig.Thresholds {
		metric := strings.ToLower(strings.TrimSpace(key))
		if canonical, ok := metricAliases[metric]; ok {
			metric = canonical
		}
		if !slices.Contains(Metrics, metric) {
			problems = append(problems, fmt.Sprintf("unknown metric %q", key))
			continue
		}
		if _, dup := normalized[metric]; dup {
			problems = append(problems, fmt.Sprintf("metric %q configured more than once", metric))
			continue
		}
		problems = append(problems, t.problems(metric)...)
		normalized[metric] = t
	}
	s.AlertConfig.Thresholds = normalized

	// Copy rather than trim in place; registry snapshots share the slice.
	channels := make([]string, 0, len(s.AlertConfig.NotificationChannels))
	for _, ch := range s.AlertConfig.NotificationChannels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			problems = append(problems, "notification_channels must not contain empty names")
			continue
		}
		channels = append(channels, ch)
	}
	if s.AlertConfig.NotificationChannels != nil {
		s.AlertConfig.NotificationChannels = channels
	}

	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return errors.Newf("invalid sensor config %q: %s", s.SensorID, strings.Join(problems, "; ")).
		Component("conf").
		Category(errors.CategoryValidation).
		Context("sensor_id", s.SensorID).
		Build()
}

type bound struct {
	name  string
	value *float64
}

func (t Thresholds) problems(metric string) []string {
	// Each pair must be ordered, and the bands must nest:
	// critical_min <= warning_min <= optimal_min <= optimal_max <= warning_max <= critical_max.
	chain := []bound{
		{"critical_min", t.CriticalMin},
		{"warning_min", t.WarningMin},
		{"optimal_min", t.OptimalMin},
		{"optimal_max", t.OptimalMax},
		{"warning_max", t.WarningMax},
		{"critical_max", t.CriticalMax},
	}
	if !slices.ContainsFunc(chain, func(b bound) bool { return b.value != nil }) {
		return []string{metric + ": no bounds configured"}
	}

	var out []string
	for i := range chain {
		if chain[i].value == nil {
			continue
		}
		for j := i + 1; j < len(chain); j++ {
			if chain[j].value == nil {
				continue
			}
			if *chain[i].value > *chain[j].value {
				out = append(out, fmt.Sprintf("%s: %s (%g) exceeds %s (%g)",
					metric, chain[i].name, *chain[i].value, chain[j].name, *chain[j].value))
			}
		}
	}
	return out
}

// LoadSensors reads a JSON array of sensor configurations. Sensors that fail
// validation are returned as individual errors and left out of the result so
// one malformed entry never blocks the others. The returned error is non-nil
// only when the file itself cannot be read or parsed.
func LoadSensors(path string) ([]SensorConfig, []error, error) {
	//nolint:gosec // G304: path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Newf("failed to read sensor config: %w", err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("path", path).
			Build()
	}
	return ParseSensors(data)
}

// ParseSensors parses and validates sensor configurations from JSON.
func ParseSensors(data []byte) ([]SensorConfig, []error, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, errors.Newf("failed to parse sensor config: %w", err).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}

	sensors := make([]SensorConfig, 0, len(raw))
	var invalid []error
	seen := make(map[string]struct{}, len(raw))
	for i, item := range raw {
		var sc SensorConfig
		if err := json.Unmarshal(item, &sc); err != nil {
			invalid = append(invalid, errors.Newf("sensor #%d: %w", i, err).
				Component("conf").
				Category(errors.CategoryValidation).
				Context("index", i).
				Build())
			continue
		}
		if err := sc.Validate(); err != nil {
			invalid = append(invalid, err)
			continue
		}
		if _, dup := seen[sc.SensorID]; dup {
			invalid = append(invalid, errors.Newf("duplicate sensor_id %q", sc.SensorID).
				Component("conf").
				Category(errors.CategoryValidation).
				Context("sensor_id", sc.SensorID).
				Build())
			continue
		}
		seen[sc.SensorID] = struct{}{}
		sensors = append(sensors, sc)
	}
	return sensors, invalid, nil
}

package alerting

import (
	"fmt"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
)

// Level is the evaluated state of a condition. Only warning and critical
// are ever stored on an alert.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Severity returns the stored severity for a non-normal level.
func (l Level) Severity() entities.Severity {
	if l == LevelCritical {
		return entities.SeverityCritical
	}
	return entities.SeverityWarning
}

func levelOf(s entities.Severity) Level {
	switch s {
	case entities.SeverityCritical:
		return LevelCritical
	case entities.SeverityWarning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// EvaluateThreshold classifies value against t. A value outside the critical
// bounds is critical even when it is also outside the optimal bounds; a value
// outside the optimal bounds only is a warning. Unset bounds are open, and an
// unset optimal bound falls back to the matching warning bound.
func EvaluateThreshold(value float64, t conf.Thresholds) Level {
	if below(value, t.CriticalMin) || above(value, t.CriticalMax) {
		return LevelCritical
	}
	lo, hi := optimalRange(t)
	if below(value, lo.value) || above(value, hi.value) {
		return LevelWarning
	}
	return LevelNormal
}

// DescribeThreshold renders the bound value violates, for example
// "pH 3.80 below critical minimum 4.00". The result is never empty.
func DescribeThreshold(metric string, value float64, t conf.Thresholds) string {
	label := MetricLabel(metric)
	v := FormatValue(metric, value)

	switch {
	case below(value, t.CriticalMin):
		return fmt.Sprintf("%s %s below critical minimum %s", label, v, FormatValue(metric, *t.CriticalMin))
	case above(value, t.CriticalMax):
		return fmt.Sprintf("%s %s above critical maximum %s", label, v, FormatValue(metric, *t.CriticalMax))
	}

	lo, hi := optimalRange(t)
	switch {
	case below(value, lo.value):
		return fmt.Sprintf("%s %s below %s minimum %s", label, v, lo.name, FormatValue(metric, *lo.value))
	case above(value, hi.value):
		return fmt.Sprintf("%s %s above %s maximum %s", label, v, hi.name, FormatValue(metric, *hi.value))
	}
	return fmt.Sprintf("%s %s within optimal range", label, v)
}

type bound struct {
	name  string
	value *float64
}

func optimalRange(t conf.Thresholds) (lo, hi bound) {
	lo = bound{name: "optimal", value: t.OptimalMin}
	if lo.value == nil {
		lo = bound{name: "warning", value: t.WarningMin}
	}
	hi = bound{name: "optimal", value: t.OptimalMax}
	if hi.value == nil {
		hi = bound{name: "warning", value: t.WarningMax}
	}
	return lo, hi
}

func below(v float64, limit *float64) bool { return limit != nil && v < *limit }

func above(v float64, limit *float64) bool { return limit != nil && v > *limit }

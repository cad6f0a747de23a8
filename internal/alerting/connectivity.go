package alerting

import (
	"fmt"
	"time"
)

// ConnectivityState classifies a sensor by the age of its last reading.
type ConnectivityState int

const (
	Connected ConnectivityState = iota
	WarningDisconnected
	CriticalDisconnected
)

func (s ConnectivityState) String() string {
	switch s {
	case Connected:
		return "connected"
	case WarningDisconnected:
		return "warning_disconnected"
	case CriticalDisconnected:
		return "critical_disconnected"
	default:
		return fmt.Sprintf("connectivity(%d)", int(s))
	}
}

// Disconnected reports whether readings from the sensor can no longer be trusted.
func (s ConnectivityState) Disconnected() bool {
	return s != Connected
}

// Level maps the state onto an alert level.
func (s ConnectivityState) Level() Level {
	switch s {
	case WarningDisconnected:
		return LevelWarning
	case CriticalDisconnected:
		return LevelCritical
	default:
		return LevelNormal
	}
}

// ConnectivityEvaluator maps reading age to a ConnectivityState. It holds no
// state between calls.
type ConnectivityEvaluator struct {
	Warning  time.Duration
	Critical time.Duration
}

// NewConnectivityEvaluator returns an evaluator, substituting defaults for
// non-positive thresholds.
func NewConnectivityEvaluator(warning, critical time.Duration) ConnectivityEvaluator {
	if warning <= 0 {
		warning = DefaultDisconnectWarning
	}
	if critical <= 0 {
		critical = DefaultDisconnectCritical
	}
	return ConnectivityEvaluator{Warning: warning, Critical: critical}
}

// Evaluate classifies a sensor whose last reading was at last. A nil last
// means the sensor never reported. Readings stamped in the future count as
// fresh.
func (c ConnectivityEvaluator) Evaluate(last *time.Time, now time.Time) ConnectivityState {
	if last == nil {
		return CriticalDisconnected
	}
	age := max(now.Sub(*last), 0)
	switch {
	case age >= c.Critical:
		return CriticalDisconnected
	case age >= c.Warning:
		return WarningDisconnected
	default:
		return Connected
	}
}

// Describe renders the threshold_info for a disconnection.
func (c ConnectivityEvaluator) Describe(last *time.Time, now time.Time) string {
	if last == nil {
		return fmt.Sprintf("no reading received (critical after %s)", formatMinutes(c.Critical))
	}
	age := max(now.Sub(*last), 0)
	return fmt.Sprintf("no reading for %s (warning after %s, critical after %s)",
		formatMinutes(age), formatMinutes(c.Warning), formatMinutes(c.Critical))
}

func formatMinutes(d time.Duration) string {
	m := int64(d / time.Minute)
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}

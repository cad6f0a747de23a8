package alerting

import (
	"context"
	"strings"
	"time"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/datastore/repository"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

// maxDismissAttempts bounds re-reads when a dismiss races a severity update.
const maxDismissAttempts = 3

// EngineConfig tunes the engine. Zero values select defaults.
type EngineConfig struct {
	DisconnectWarning  time.Duration
	DisconnectCritical time.Duration
	StoreTimeout       time.Duration
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithTransitionBus publishes every transition to bus.
func WithTransitionBus(bus *TransitionBus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithClock sets the clock used by Dismiss.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// Engine reconciles evaluated sensor state with the active alerts in the
// store. Every cycle recomputes the desired state from scratch and writes
// only where it differs from what is stored.
type Engine struct {
	alerts       repository.AlertRepository
	telemetry    TelemetrySource
	notifier     Notifier
	bus          *TransitionBus
	connectivity ConnectivityEvaluator
	storeTimeout time.Duration
	locks        *keyLock
	clock        func() time.Time
	log          logger.Logger
}

// NewEngine creates an engine. notifier may be nil to evaluate without
// notifying.
func NewEngine(alerts repository.AlertRepository, telemetry TelemetrySource, notifier Notifier, cfg EngineConfig, log logger.Logger, opts ...EngineOption) *Engine {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	e := &Engine{
		alerts:       alerts,
		telemetry:    telemetry,
		notifier:     notifier,
		connectivity: NewConnectivityEvaluator(cfg.DisconnectWarning, cfg.DisconnectCritical),
		storeTimeout: cfg.StoreTimeout,
		locks:        newKeyLock(),
		clock:        time.Now,
		log:          log.Module("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SensorResult summarizes the evaluation of one sensor.
type SensorResult struct {
	SensorID     string `yaml:"sensor_id"`
	Connectivity string `yaml:"connectivity,omitempty"`
	Skipped      bool   `yaml:"skipped,omitempty"`
	Created      int    `yaml:"created,omitempty"`
	Updated      int    `yaml:"updated,omitempty"`
	Resolved     int    `yaml:"resolved,omitempty"`
	Notified     int    `yaml:"notified,omitempty"`
	Throttled    int    `yaml:"throttled,omitempty"`
	NotifyFailed int    `yaml:"notify_failed,omitempty"`
}

// Writes returns the number of alert store mutations.
func (r *SensorResult) Writes() int {
	return r.Created + r.Updated + r.Resolved
}

type desired struct {
	level      Level
	content    entities.AlertContent
	suppressed bool
}

type pendingNotification struct {
	alert     *entities.Alert
	escalated bool
}

// EvaluateSensor runs one read-evaluate-write unit for sensor at now.
// A store failure aborts the sensor for this cycle and is returned as a
// transient error; an invalid configuration is returned as a validation
// error. Neither is treated as a connectivity signal.
func (e *Engine) EvaluateSensor(ctx context.Context, sensor conf.SensorConfig, now time.Time) (*SensorResult, error) {
	result := &SensorResult{SensorID: sensor.SensorID}
	if !sensor.AlertConfig.Enabled {
		result.Skipped = true
		return result, nil
	}
	if err := sensor.Validate(); err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	reading, err := e.telemetry.LatestReading(readCtx, sensor.SensorID)
	cancel()
	if err != nil {
		return nil, storeError(err, "read latest reading", sensor.SensorID, "")
	}

	var last *time.Time
	if reading != nil {
		ts := reading.Timestamp
		last = &ts
	}
	state := e.connectivity.Evaluate(last, now)
	result.Connectivity = state.String()

	want := e.desiredStates(&sensor, reading, state, last, now)

	var pending []pendingNotification
	for _, alertType := range entities.AllAlertTypes {
		d, known := want[alertType]
		if !known {
			continue
		}
		n, err := e.reconcile(ctx, &sensor, alertType, d, now, result)
		if err != nil {
			return result, err
		}
		if n != nil {
			pending = append(pending, *n)
		}
	}

	if e.notifier == nil {
		return result, nil
	}
	for _, p := range pending {
		res := e.notifier.Notify(ctx, &sensor, p.alert, p.escalated, now)
		switch {
		case res.Throttled:
			result.Throttled++
		case res.Attempted > 0:
			result.Notified++
		}
		result.NotifyFailed += res.Failed
	}
	return result, nil
}

// desiredStates maps each alert type to the state it should be in. Types
// whose state cannot be determined (missing or non-finite values) are left
// out and keep whatever is stored.
func (e *Engine) desiredStates(sensor *conf.SensorConfig, reading *entities.SensorReading, state ConnectivityState, last *time.Time, now time.Time) map[entities.AlertType]desired {
	out := make(map[entities.AlertType]desired, len(entities.AllAlertTypes))

	if state.Disconnected() {
		out[entities.AlertTypeSensorDisconnection] = desired{
			level:   state.Level(),
			content: disconnectionContent(sensor, state, e.connectivity, last, now),
		}
		// Readings from a silent sensor cannot be trusted.
		for _, t := range entities.MeasurementAlertTypes {
			out[t] = desired{level: LevelNormal, suppressed: true}
		}
		return out
	}

	out[entities.AlertTypeSensorDisconnection] = desired{level: LevelNormal}
	for _, t := range entities.MeasurementAlertTypes {
		thresholds, ok := sensor.ThresholdsFor(string(t))
		if !ok {
			out[t] = desired{level: LevelNormal}
			continue
		}
		value, ok := reading.Value(t)
		if !ok {
			continue
		}
		d := desired{level: EvaluateThreshold(value, thresholds)}
		if d.level != LevelNormal {
			d.content = measurementContent(sensor, t, d.level, value, thresholds)
		}
		out[t] = d
	}
	return out
}

func (e *Engine) reconcile(ctx context.Context, sensor *conf.SensorConfig, alertType entities.AlertType, want desired, now time.Time, result *SensorResult) (*pendingNotification, error) {
	unlock := e.locks.Lock(entities.AlertKey(sensor.SensorID, alertType))
	defer unlock()

	findCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	current, err := e.alerts.FindActive(findCtx, sensor.SensorID, alertType)
	cancel()
	if err != nil {
		return nil, storeError(err, "find active alert", sensor.SensorID, alertType)
	}

	switch {
	case current == nil && want.level == LevelNormal:
		return nil, nil
	case current == nil:
		return e.create(ctx, sensor, alertType, want, now, result)
	case want.level == LevelNormal:
		return nil, e.autoResolve(ctx, current, want.suppressed, now, result)
	case current.Severity != want.level.Severity():
		return e.changeSeverity(ctx, current, want, now, result)
	case current.Severity == entities.SeverityCritical:
		return &pendingNotification{alert: current}, nil
	default:
		return nil, nil
	}
}

func (e *Engine) create(ctx context.Context, sensor *conf.SensorConfig, alertType entities.AlertType, want desired, now time.Time, result *SensorResult) (*pendingNotification, error) {
	alert, err := entities.NewAlert(sensor.SensorID, alertType, want.content, now)
	if err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	created, err := e.alerts.Create(storeCtx, alert)
	cancel()
	if err != nil {
		return nil, storeError(err, "create alert", sensor.SensorID, alertType)
	}
	if !created {
		// Another writer holds the key; the next cycle reconciles against it.
		e.log.Debug("alert already active, create skipped",
			logger.String(fieldSensorID, sensor.SensorID),
			logger.String(fieldAlertType, string(alertType)))
		return nil, nil
	}

	result.Created++
	e.log.Info("alert created",
		logger.String(fieldSensorID, alert.SensorID),
		logger.String(fieldAlertType, string(alert.AlertType)),
		logger.String(fieldAlertID, alert.ID),
		logger.String(fieldSeverity, string(alert.Severity)),
		logger.String("threshold_info", alert.ThresholdInfo))
	e.bus.publish(&Transition{Kind: TransitionCreated, Alert: *alert, Timestamp: now})

	if alert.Severity == entities.SeverityCritical {
		return &pendingNotification{alert: alert}, nil
	}
	return nil, nil
}

func (e *Engine) changeSeverity(ctx context.Context, current *entities.Alert, want desired, now time.Time, result *SensorResult) (*pendingNotification, error) {
	previous := current.Severity
	if err := current.Reassess(want.content, now); err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	err := e.alerts.UpdateSeverity(storeCtx, current)
	cancel()
	switch {
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrAlertNotFound):
		e.log.Warn("alert changed concurrently, retrying next cycle",
			logger.String(fieldSensorID, current.SensorID),
			logger.String(fieldAlertType, string(current.AlertType)),
			logger.String(fieldAlertID, current.ID),
			logger.Error(err))
		return nil, nil
	case err != nil:
		return nil, storeError(err, "update alert severity", current.SensorID, current.AlertType)
	}

	result.Updated++
	kind := TransitionDeescalated
	if levelOf(current.Severity) > levelOf(previous) {
		kind = TransitionEscalated
	}
	e.log.Info("alert severity changed",
		logger.String(fieldSensorID, current.SensorID),
		logger.String(fieldAlertType, string(current.AlertType)),
		logger.String(fieldAlertID, current.ID),
		logger.String("previous", string(previous)),
		logger.String(fieldSeverity, string(current.Severity)))
	e.bus.publish(&Transition{Kind: kind, Alert: *current, Previous: previous, Timestamp: now})

	if current.Severity == entities.SeverityCritical {
		return &pendingNotification{alert: current, escalated: previous == entities.SeverityWarning}, nil
	}
	return nil, nil
}

func (e *Engine) autoResolve(ctx context.Context, current *entities.Alert, suppressed bool, now time.Time, result *SensorResult) error {
	history, err := entities.NewAlertHistory(current, entities.Resolution{
		Type: entities.ResolutionAutoResolved,
		At:   notBefore(now, current.CreatedAt),
	})
	if err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	err = e.alerts.Archive(storeCtx, current, history)
	cancel()
	switch {
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrAlertNotFound):
		e.log.Debug("alert changed concurrently, resolve skipped",
			logger.String(fieldAlertID, current.ID),
			logger.Error(err))
		return nil
	case err != nil:
		return storeError(err, "archive alert", current.SensorID, current.AlertType)
	}

	result.Resolved++
	e.log.Info("alert auto-resolved",
		logger.String(fieldSensorID, current.SensorID),
		logger.String(fieldAlertType, string(current.AlertType)),
		logger.String(fieldAlertID, current.ID),
		logger.Int64("duration_minutes", history.DurationMinutes),
		logger.Bool("sensor_disconnected", suppressed))
	e.bus.publish(&Transition{
		Kind:       TransitionResolved,
		Alert:      *current,
		History:    history,
		Suppressed: suppressed,
		Timestamp:  now,
	})
	return nil
}

// Dismiss archives an active alert on behalf of actor. It returns an error
// wrapping ErrAlertNotFound for an unknown ID and ErrAlertNotActive for an
// alert that was already resolved or dismissed; in both cases nothing is
// written.
func (e *Engine) Dismiss(ctx context.Context, alertID, reason, actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return errors.Newf("dismissing an alert requires an actor").
			Component(componentName).
			Category(errors.CategoryValidation).
			Context(fieldAlertID, alertID).
			Build()
	}

	for range maxDismissAttempts {
		getCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		alert, err := e.alerts.GetActive(getCtx, alertID)
		cancel()
		if errors.Is(err, repository.ErrAlertNotFound) {
			return e.classifyMissing(ctx, alertID)
		}
		if err != nil {
			return storeError(err, "get alert "+alertID, "", "")
		}

		done, err := e.dismissOnce(ctx, alert, reason, actor)
		if done {
			return err
		}
	}
	return notActiveError(alertID)
}

// dismissOnce reports done=false when the alert changed since it was read
// and the caller should re-read it.
func (e *Engine) dismissOnce(ctx context.Context, alert *entities.Alert, reason, actor string) (bool, error) {
	unlock := e.locks.Lock(alert.Key())
	defer unlock()

	history, err := entities.NewAlertHistory(alert, entities.Resolution{
		Type:   entities.ResolutionManualDismiss,
		Actor:  actor,
		Reason: reason,
		At:     notBefore(e.clock(), alert.CreatedAt),
	})
	if err != nil {
		return true, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	err = e.alerts.Archive(storeCtx, alert, history)
	cancel()
	switch {
	case errors.Is(err, repository.ErrVersionConflict):
		return false, nil
	case errors.Is(err, repository.ErrAlertNotFound):
		return true, notActiveError(alert.ID)
	case err != nil:
		return true, storeError(err, "archive alert", alert.SensorID, alert.AlertType)
	}

	e.log.Info("alert dismissed",
		logger.String(fieldSensorID, alert.SensorID),
		logger.String(fieldAlertType, string(alert.AlertType)),
		logger.String(fieldAlertID, alert.ID),
		logger.String("actor", actor),
		logger.Int64("duration_minutes", history.DurationMinutes))
	e.bus.publish(&Transition{Kind: TransitionDismissed, Alert: *alert, History: history, Timestamp: history.ResolvedAt})
	return true, nil
}

func (e *Engine) classifyMissing(ctx context.Context, alertID string) error {
	histCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	_, err := e.alerts.GetHistoryByAlertID(histCtx, alertID)
	switch {
	case err == nil:
		return notActiveError(alertID)
	case errors.Is(err, repository.ErrHistoryNotFound):
		return notFoundError(alertID)
	default:
		return storeError(err, "get alert history "+alertID, "", "")
	}
}

// notBefore guards duration computation against clock skew between writers.
func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

package alerting

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/logger"
	"github.com/hydrowatch/hydrowatch/internal/notification"
)

// ThrottleStore persists the last notification per key.
// repository.ThrottleRepository and MemoryThrottleStore implement it.
type ThrottleStore interface {
	Get(ctx context.Context, sensorID string, alertType entities.AlertType) (*entities.ThrottleRecord, error)
	Upsert(ctx context.Context, record *entities.ThrottleRecord) error
}

// ChannelResolver maps configured channel names to channels.
// *notification.Manager implements it.
type ChannelResolver interface {
	Lookup(name string) (notification.Channel, bool)
}

// NotificationRecorder receives delivery outcomes, e.g. for metrics.
type NotificationRecorder interface {
	RecordNotification(channelType, alertType string, err error)
	RecordThrottled(alertType string)
}

// Notifier is what the engine calls for alerts that are critical after
// reconciliation.
type Notifier interface {
	Notify(ctx context.Context, sensor *conf.SensorConfig, alert *entities.Alert, escalated bool, now time.Time) NotifyResult
}

// NotifyResult summarizes one Notify call.
type NotifyResult struct {
	Throttled bool `yaml:"throttled,omitempty"`
	Attempted int  `yaml:"attempted,omitempty"`
	Failed    int  `yaml:"failed,omitempty"`
}

// DispatcherConfig tunes the dispatcher. Zero values select defaults.
type DispatcherConfig struct {
	GracePeriod  time.Duration
	SendTimeout  time.Duration
	StoreTimeout time.Duration
	// MaxSendsPerSecond bounds sends across all channels; 0 disables the limit.
	MaxSendsPerSecond float64
	Burst             int
}

// Dispatcher sends throttled notifications for critical alerts.
type Dispatcher struct {
	throttle ThrottleStore
	channels ChannelResolver
	limiter  *rate.Limiter
	cfg      DispatcherConfig
	recorder NotificationRecorder
	log      logger.Logger
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(throttle ThrottleStore, channels ChannelResolver, cfg DispatcherConfig, recorder NotificationRecorder, log logger.Logger) *Dispatcher {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultStoreTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.MaxSendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxSendsPerSecond), max(cfg.Burst, 1))
	}

	return &Dispatcher{
		throttle: throttle,
		channels: channels,
		limiter:  limiter,
		cfg:      cfg,
		recorder: recorder,
		log:      log.Module("dispatcher"),
	}
}

// Notify delivers alert on every channel configured for sensor unless a
// notification for the same key went out within the grace period. An
// escalation from warning to critical is always delivered. Channel failures
// are logged and counted; they never stop the remaining sends, and the
// throttle record is updated once any send was attempted.
func (d *Dispatcher) Notify(ctx context.Context, sensor *conf.SensorConfig, alert *entities.Alert, escalated bool, now time.Time) NotifyResult {
	var result NotifyResult
	if alert.Severity != entities.SeverityCritical {
		return result
	}

	log := d.log.With(
		logger.String(fieldSensorID, alert.SensorID),
		logger.String(fieldAlertType, string(alert.AlertType)),
		logger.String(fieldAlertID, alert.ID))

	storeCtx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	record, err := d.throttle.Get(storeCtx, alert.SensorID, alert.AlertType)
	cancel()
	if err != nil {
		// Unknown throttle state; sending could storm.
		log.Error("failed to read throttle record, skipping notification", logger.Error(err))
		return result
	}

	if record.Suppresses(now) && !escalated {
		result.Throttled = true
		if d.recorder != nil {
			d.recorder.RecordThrottled(string(alert.AlertType))
		}
		log.Debug("notification throttled",
			logger.Time("last_notified_at", record.LastNotifiedAt),
			logger.Int("grace_period_seconds", record.GracePeriodSeconds))
		return result
	}

	names := sensor.AlertConfig.NotificationChannels
	if len(names) == 0 {
		log.Debug("no notification channels configured")
		return result
	}

	msg, err := notification.NewAlertMessage(sensor, alert, escalated, now)
	if err != nil {
		log.Error("failed to render notification", logger.Error(err))
		return result
	}

	for _, name := range names {
		ch, ok := d.channels.Lookup(name)
		if !ok {
			result.Failed++
			log.Warn("unknown notification channel", logger.String(fieldChannel, name))
			continue
		}
		for _, recipient := range ch.Recipients() {
			result.Attempted++
			if err := d.send(ctx, ch, recipient, msg); err != nil {
				result.Failed++
				log.Error("notification send failed",
					logger.String(fieldChannel, name),
					logger.Time("timestamp", now),
					logger.Error(err))
			}
		}
	}

	if result.Attempted == 0 {
		return result
	}

	storeCtx, cancel = context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	err = d.throttle.Upsert(storeCtx, &entities.ThrottleRecord{
		SensorID:           alert.SensorID,
		AlertType:          alert.AlertType,
		LastNotifiedAt:     now.UTC(),
		GracePeriodSeconds: int(d.cfg.GracePeriod / time.Second),
	})
	if err != nil {
		log.Error("failed to update throttle record", logger.Error(err))
	}

	log.Info("notification dispatched",
		logger.Bool("escalated", escalated),
		logger.Int("attempted", result.Attempted),
		logger.Int("failed", result.Failed))
	return result
}

func (d *Dispatcher) send(ctx context.Context, ch notification.Channel, recipient string, msg *notification.Message) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	err := d.limiter.Wait(sendCtx)
	if err == nil {
		err = ch.Send(sendCtx, recipient, msg)
	}
	if d.recorder != nil {
		d.recorder.RecordNotification(ch.Type(), string(msg.Payload.AlertType), err)
	}
	return err
}

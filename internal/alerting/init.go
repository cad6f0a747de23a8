package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore/repository"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

const (
	// cleanupTimeout is the context deadline for one retention delete.
	cleanupTimeout = 30 * time.Second
	// cleanupInterval is how often the retention cleanup runs.
	cleanupInterval = 1 * time.Hour
)

// Recorder receives scheduler and dispatcher outcomes.
type Recorder interface {
	CycleRecorder
	NotificationRecorder
}

// Dependencies are the collaborators Initialize wires together.
type Dependencies struct {
	Settings *conf.Settings
	Alerts   repository.AlertRepository
	Readings repository.ReadingRepository
	Throttle ThrottleStore
	Sensors  SensorConfigSource
	Channels ChannelResolver
	// Optional.
	Recorder Recorder
	Clock    func() time.Time
	Log      logger.Logger
}

// Service is the assembled alert engine.
type Service struct {
	Engine     *Engine
	Dispatcher *Dispatcher
	Scheduler  *Scheduler
	Bus        *TransitionBus

	alerts    repository.AlertRepository
	readings  repository.ReadingRepository
	retention conf.HistorySettings
	clock     func() time.Time
	log       logger.Logger

	mu          sync.Mutex
	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// Initialize builds the dispatcher, engine and scheduler from deps.
func Initialize(deps Dependencies) (*Service, error) {
	if deps.Settings == nil || deps.Alerts == nil || deps.Readings == nil || deps.Throttle == nil || deps.Sensors == nil || deps.Channels == nil {
		return nil, errors.Newf("alerting: incomplete dependencies").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	log := deps.Log
	if log == nil {
		log = logger.Global()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	s := deps.Settings
	storeTimeout := s.Engine.StoreTimeout.Std()

	var notifRecorder NotificationRecorder
	var cycleRecorder CycleRecorder
	if deps.Recorder != nil {
		notifRecorder, cycleRecorder = deps.Recorder, deps.Recorder
	}

	dispatcher := NewDispatcher(deps.Throttle, deps.Channels, DispatcherConfig{
		GracePeriod:       s.Engine.GracePeriod(),
		SendTimeout:       s.Notification.SendTimeout.Std(),
		StoreTimeout:      storeTimeout,
		MaxSendsPerSecond: s.Notification.MaxSendsPerSecond,
		Burst:             s.Notification.Burst,
	}, notifRecorder, log)

	bus := NewTransitionBus(log)
	engine := NewEngine(deps.Alerts, NewTelemetrySource(deps.Sensors, deps.Readings), dispatcher, EngineConfig{
		DisconnectWarning:  s.Engine.DisconnectWarning(),
		DisconnectCritical: s.Engine.DisconnectCritical(),
		StoreTimeout:       storeTimeout,
	}, log, WithTransitionBus(bus), WithClock(clock))

	scheduler := NewScheduler(engine, deps.Sensors, SchedulerConfig{
		Interval:     s.Engine.CheckInterval(),
		Workers:      s.Engine.Workers,
		StoreTimeout: storeTimeout,
	}, clock, cycleRecorder, log)

	log.Info("alerting engine initialized",
		logger.Duration("interval", s.Engine.CheckInterval()),
		logger.Duration("grace_period", s.Engine.GracePeriod()),
		logger.Int("workers", s.Engine.Workers))

	return &Service{
		Engine:     engine,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Bus:        bus,
		alerts:     deps.Alerts,
		readings:   deps.Readings,
		retention:  s.History,
		clock:      clock,
		log:        log.Module("retention"),
	}, nil
}

// Start starts the scheduler and the retention cleanup.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Scheduler.Start(ctx); err != nil {
		return err
	}
	s.startCleanup()
	return nil
}

// Stop stops the scheduler, waiting up to ctx's deadline for in-flight
// sensors, then stops the cleanup and drains the transition bus.
func (s *Service) Stop(ctx context.Context) error {
	err := s.Scheduler.Stop(ctx)
	s.stopCleanup()
	s.Bus.Stop()
	return err
}

// Cleanup deletes history and readings older than the configured retention.
// A zero retention keeps records forever.
func (s *Service) Cleanup(ctx context.Context) {
	now := s.clock()
	if days := s.retention.RetentionDays; days > 0 {
		cleanupCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		deleted, err := s.alerts.DeleteHistoryBefore(cleanupCtx, now.AddDate(0, 0, -days))
		cancel()
		if err != nil {
			s.log.Error("alert history cleanup failed", logger.Error(err))
		} else if deleted > 0 {
			s.log.Info("alert history cleanup completed",
				logger.Int64("deleted", deleted),
				logger.Int("retention_days", days))
		}
	}
	if days := s.retention.ReadingRetentionDays; days > 0 {
		cleanupCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		deleted, err := s.readings.DeleteBefore(cleanupCtx, now.AddDate(0, 0, -days))
		cancel()
		if err != nil {
			s.log.Error("reading cleanup failed", logger.Error(err))
		} else if deleted > 0 {
			s.log.Info("reading cleanup completed",
				logger.Int64("deleted", deleted),
				logger.Int("retention_days", days))
		}
	}
}

func (s *Service) startCleanup() {
	if s.retention.RetentionDays <= 0 && s.retention.ReadingRetentionDays <= 0 {
		return
	}
	s.stopCleanup()

	s.mu.Lock()
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.cleanupStop, s.cleanupDone = stopCh, doneCh
	s.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Cleanup(context.Background())
			case <-stopCh:
				return
			}
		}
	}()
}

// stopCleanup makes the nil-check-then-close atomic so concurrent Stop
// calls cannot double-close.
func (s *Service) stopCleanup() {
	s.mu.Lock()
	stopCh, doneCh := s.cleanupStop, s.cleanupDone
	s.cleanupStop, s.cleanupDone = nil, nil
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
}

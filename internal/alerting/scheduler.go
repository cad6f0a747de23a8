package alerting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

// SensorEvaluator runs the per-sensor unit of a cycle. *Engine implements it.
type SensorEvaluator interface {
	EvaluateSensor(ctx context.Context, sensor conf.SensorConfig, now time.Time) (*SensorResult, error)
}

// CycleRecorder receives scheduler outcomes, e.g. for metrics.
type CycleRecorder interface {
	RecordCycle(duration time.Duration, summary *CycleSummary)
	RecordTickSkipped()
	RecordSensorError(category string)
}

// SchedulerConfig tunes the scheduler. Zero values select defaults.
type SchedulerConfig struct {
	Interval     time.Duration
	Workers      int
	StoreTimeout time.Duration
}

// CycleSummary reports one evaluation cycle.
type CycleSummary struct {
	Cycle     uint64          `yaml:"cycle"`
	StartedAt time.Time       `yaml:"started_at"`
	Duration  time.Duration   `yaml:"duration"`
	Sensors   int             `yaml:"sensors"`
	Evaluated int             `yaml:"evaluated"`
	Skipped   int             `yaml:"skipped"`
	Failed    int             `yaml:"failed"`
	Results   []*SensorResult `yaml:"results,omitempty"`
}

// Scheduler runs evaluation cycles at a fixed interval. At most one cycle
// runs at a time; a tick that fires while a cycle is running is skipped.
// Within a cycle sensors are evaluated by a bounded number of workers and a
// failure in one sensor never affects the others.
type Scheduler struct {
	evaluator SensorEvaluator
	sensors   SensorConfigSource
	cfg       SchedulerConfig
	clock     func() time.Time
	recorder  CycleRecorder
	log       logger.Logger

	inFlight *semaphore.Weighted
	cycle    atomic.Uint64
	cycles   sync.WaitGroup

	mu    sync.Mutex
	stop  context.CancelFunc
	abort context.CancelFunc
	done  chan struct{}
}

// NewScheduler creates a scheduler. clock and recorder may be nil.
func NewScheduler(evaluator SensorEvaluator, sensors SensorConfigSource, cfg SchedulerConfig, clock func() time.Time, recorder CycleRecorder, log logger.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		evaluator: evaluator,
		sensors:   sensors,
		cfg:       cfg,
		clock:     clock,
		recorder:  recorder,
		log:       log.Module("scheduler"),
		inFlight:  semaphore.NewWeighted(1),
	}
}

// RunCycle runs one cycle now. It returns ErrCycleInProgress if another
// cycle is running.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleSummary, error) {
	if !s.inFlight.TryAcquire(1) {
		return nil, ErrCycleInProgress
	}
	defer s.inFlight.Release(1)
	return s.runCycle(ctx, ctx)
}

// Start runs a cycle immediately and then on every interval until Stop is
// called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrSchedulerRunning
	}

	stopCtx, stop := context.WithCancel(ctx)
	// Work outlives a stop request so in-flight sensors finish their unit.
	workCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	s.stop, s.abort = stop, abort
	s.done = make(chan struct{})

	go s.loop(stopCtx, workCtx, s.done)

	s.log.Info("scheduler started",
		logger.Duration("interval", s.cfg.Interval),
		logger.Int("workers", s.cfg.Workers))
	return nil
}

// Stop stops scheduling new sensors and waits for in-flight sensors to
// finish. If ctx ends first, in-flight work is cancelled and ctx's error is
// returned once it has exited.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop, abort, done := s.stop, s.abort, s.done
	s.stop, s.abort, s.done = nil, nil, nil
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	stop()
	select {
	case <-done:
		abort()
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		abort()
		<-done
		s.log.Warn("scheduler stop deadline exceeded, in-flight work cancelled")
		return ctx.Err()
	}
}

func (s *Scheduler) loop(stopCtx, workCtx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(stopCtx, workCtx)
	for {
		select {
		case <-stopCtx.Done():
			s.cycles.Wait()
			return
		case <-ticker.C:
			s.tick(stopCtx, workCtx)
		}
	}
}

func (s *Scheduler) tick(stopCtx, workCtx context.Context) {
	if !s.inFlight.TryAcquire(1) {
		s.log.Warn("previous cycle still running, skipping tick")
		if s.recorder != nil {
			s.recorder.RecordTickSkipped()
		}
		return
	}

	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		defer s.inFlight.Release(1)
		if _, err := s.runCycle(stopCtx, workCtx); err != nil {
			s.log.Error("evaluation cycle failed", logger.Error(err))
		}
	}()
}

// runCycle evaluates every sensor. No new sensor starts once stopCtx ends;
// started sensors run under workCtx.
func (s *Scheduler) runCycle(stopCtx, workCtx context.Context) (*CycleSummary, error) {
	summary := &CycleSummary{
		Cycle:     s.cycle.Add(1),
		StartedAt: s.clock(),
	}
	log := s.log.With(logger.Uint64(fieldCycle, summary.Cycle))
	now := summary.StartedAt

	listCtx, cancel := context.WithTimeout(workCtx, s.cfg.StoreTimeout)
	sensors, err := s.sensors.SensorConfigs(listCtx)
	cancel()
	if err != nil {
		return nil, storeError(err, "read sensor configs", "", "")
	}
	summary.Sensors = len(sensors)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)

	started := time.Now()
	for _, sensor := range sensors {
		if stopCtx.Err() != nil {
			log.Info("stop requested, remaining sensors skipped")
			break
		}
		g.Go(func() error {
			result, err := s.evaluate(workCtx, sensor, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed++
			case result.Skipped:
				summary.Skipped++
				summary.Results = append(summary.Results, result)
			default:
				summary.Evaluated++
				summary.Results = append(summary.Results, result)
			}
			return nil
		})
	}
	_ = g.Wait()
	summary.Duration = time.Since(started)

	if s.recorder != nil {
		s.recorder.RecordCycle(summary.Duration, summary)
	}
	log.Info("evaluation cycle completed",
		logger.Int("sensors", summary.Sensors),
		logger.Int("evaluated", summary.Evaluated),
		logger.Int("failed", summary.Failed),
		logger.Duration("duration", summary.Duration))
	return summary, nil
}

func (s *Scheduler) evaluate(ctx context.Context, sensor conf.SensorConfig, now time.Time) (result *SensorResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic evaluating sensor: %v", r).
				Component(componentName).
				Category(errors.CategorySystem).
				Context(fieldSensorID, sensor.SensorID).
				Build()
			s.logSensorError(sensor.SensorID, err)
		}
	}()

	result, err = s.evaluator.EvaluateSensor(ctx, sensor, now)
	if err != nil {
		s.logSensorError(sensor.SensorID, err)
		return nil, err
	}
	return result, nil
}

func (s *Scheduler) logSensorError(sensorID string, err error) {
	category := errors.CategoryOf(err)
	if s.recorder != nil {
		s.recorder.RecordSensorError(string(category))
	}
	s.log.Error("sensor evaluation failed, skipped for this cycle",
		logger.String(fieldSensorID, sensorID),
		logger.String("category", string(category)),
		logger.Error(err))
}

func (c *CycleSummary) String() string {
	return fmt.Sprintf("cycle %d: %d sensors, %d evaluated, %d skipped, %d failed in %s",
		c.Cycle, c.Sensors, c.Evaluated, c.Skipped, c.Failed, c.Duration)
}

package alerting

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/datastore/repository"
	"github.com/hydrowatch/hydrowatch/internal/logger"
	"github.com/hydrowatch/hydrowatch/internal/notification"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}

type testStores struct {
	alerts   repository.AlertRepository
	throttle repository.ThrottleRepository
	readings repository.ReadingRepository
	db       *gorm.DB
}

// setupStores opens an in-memory SQLite database private to the test.
func setupStores(t *testing.T) *testStores {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&entities.Alert{},
		&entities.AlertHistory{},
		&entities.ThrottleRecord{},
		&entities.SensorReading{},
	))
	return &testStores{
		alerts:   repository.NewAlertRepository(db),
		throttle: repository.NewThrottleRepository(db),
		readings: repository.NewReadingRepository(db),
		db:       db,
	}
}

func (s *testStores) activeAlerts(t *testing.T) []entities.Alert {
	t.Helper()
	alerts, err := s.alerts.ListActive(t.Context(), repository.ActiveAlertFilter{})
	require.NoError(t, err)
	return alerts
}

func (s *testStores) history(t *testing.T) []entities.AlertHistory {
	t.Helper()
	items, _, err := s.alerts.ListHistory(t.Context(), repository.AlertHistoryFilter{})
	require.NoError(t, err)
	return items
}

// fakeTelemetry serves fixed sensor configs and readings.
type fakeTelemetry struct {
	mu       sync.Mutex
	sensors  []conf.SensorConfig
	readings map[string]*entities.SensorReading
	err      error
	delay    time.Duration
}

func newFakeTelemetry(sensors ...conf.SensorConfig) *fakeTelemetry {
	return &fakeTelemetry{sensors: sensors, readings: make(map[string]*entities.SensorReading)}
}

func (f *fakeTelemetry) SensorConfigs(_ context.Context) ([]conf.SensorConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]conf.SensorConfig(nil), f.sensors...), nil
}

func (f *fakeTelemetry) LatestReading(ctx context.Context, sensorID string) (*entities.SensorReading, error) {
	f.mu.Lock()
	delay, err, r := f.delay, f.err, f.readings[sensorID]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeTelemetry) setReading(sensorID string, at time.Time, mutate func(r *entities.SensorReading)) {
	r := &entities.SensorReading{SensorID: sensorID, Timestamp: at}
	if mutate != nil {
		mutate(r)
	}
	f.mu.Lock()
	f.readings[sensorID] = r
	f.mu.Unlock()
}

func (f *fakeTelemetry) setError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func ph(v float64) func(*entities.SensorReading) {
	return func(r *entities.SensorReading) { r.PH = &v }
}

// recordingChannel counts sends per recipient and can be told to fail.
type recordingChannel struct {
	name       string
	recipients []string
	fail       error

	mu    sync.Mutex
	sends []recordedSend
}

type recordedSend struct {
	recipient string
	msg       *notification.Message
}

func newRecordingChannel(name string, recipients ...string) *recordingChannel {
	if len(recipients) == 0 {
		recipients = []string{name + "-recipient"}
	}
	return &recordingChannel{name: name, recipients: recipients}
}

func (c *recordingChannel) Name() string         { return c.name }
func (c *recordingChannel) Type() string         { return "test" }
func (c *recordingChannel) Recipients() []string { return c.recipients }

func (c *recordingChannel) Send(_ context.Context, recipient string, msg *notification.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, recordedSend{recipient: recipient, msg: msg})
	return c.fail
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

// phSensor is a sensor with pH thresholds {critical 4.0-8.0, optimal 5.5-6.5}
// notifying on the given channels.
func phSensor(id string, channels ...string) conf.SensorConfig {
	return conf.SensorConfig{
		SensorID: id,
		Location: "greenhouse",
		AlertConfig: conf.AlertConfig{
			Enabled: true,
			Thresholds: map[string]conf.Thresholds{
				conf.MetricPH: {
					OptimalMin:  conf.Float(5.5),
					OptimalMax:  conf.Float(6.5),
					CriticalMin: conf.Float(4.0),
					CriticalMax: conf.Float(8.0),
				},
			},
			NotificationChannels: channels,
		},
	}
}

type engineFixture struct {
	stores     *testStores
	telemetry  *fakeTelemetry
	channel    *recordingChannel
	dispatcher *Dispatcher
	engine     *Engine
}

func newEngineFixture(t *testing.T, sensors ...conf.SensorConfig) *engineFixture {
	t.Helper()
	stores := setupStores(t)
	tel := newFakeTelemetry(sensors...)
	ch := newRecordingChannel("ops")
	d := NewDispatcher(stores.throttle, notification.NewManagerWithChannels(ch), DispatcherConfig{}, nil, testLogger())
	e := NewEngine(stores.alerts, tel, d, EngineConfig{}, testLogger())
	return &engineFixture{stores: stores, telemetry: tel, channel: ch, dispatcher: d, engine: e}
}

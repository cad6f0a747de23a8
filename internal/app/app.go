// Package app assembles the HydroWatch components from settings and runs
// them until shutdown.
package app

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/hydrowatch/hydrowatch/internal/alerting"
	"github.com/hydrowatch/hydrowatch/internal/api"
	apiv2 "github.com/hydrowatch/hydrowatch/internal/api/v2"
	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore"
	"github.com/hydrowatch/hydrowatch/internal/datastore/repository"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
	"github.com/hydrowatch/hydrowatch/internal/mqtt"
	"github.com/hydrowatch/hydrowatch/internal/notification"
	"github.com/hydrowatch/hydrowatch/internal/observability"
	"github.com/hydrowatch/hydrowatch/internal/telemetry"
)

// Version is set at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 30 * time.Second
	// memoryThrottleSweep purges expired throttle records from memory.
	memoryThrottleSweep = 10 * time.Minute
)

// App holds the assembled components.
type App struct {
	Settings *conf.Settings
	Log      logger.Logger

	Store    *datastore.Manager
	Alerts   repository.AlertRepository
	Readings repository.ReadingRepository
	Sensors  *conf.SensorRegistry
	Channels *notification.Manager
	Metrics  *observability.Metrics
	MQTT     *mqtt.Client
	Alerting *alerting.Service

	closeSentry func()
}

// NewLogger builds the process logger from settings.
func NewLogger(settings conf.LogSettings, w io.Writer) logger.Logger {
	format := logger.FormatJSON
	if settings.Format == string(logger.FormatText) {
		format = logger.FormatText
	}
	return logger.NewSlogLoggerWithFormat(w, logger.ParseLevel(settings.Level), nil, format)
}

// New opens the store, loads sensors, connects to MQTT when enabled and
// builds the alert engine. Nothing runs in the background until Run.
func New(ctx context.Context, settings *conf.Settings, log logger.Logger) (_ *App, err error) {
	a := &App{Settings: settings, Log: log, closeSentry: func() {}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.closeSentry, err = telemetry.Setup(settings.Sentry, Version, log.Module("telemetry")); err != nil {
		return nil, err
	}

	if a.Store, err = datastore.Open(settings.Database, log); err != nil {
		return nil, err
	}
	db := a.Store.DB()
	a.Alerts = repository.NewAlertRepository(db)
	a.Readings = repository.NewReadingRepository(db)

	var throttle alerting.ThrottleStore = repository.NewThrottleRepository(db)
	if settings.Notification.ThrottleStore == conf.ThrottleStoreMemory {
		throttle = alerting.NewMemoryThrottleStore(memoryThrottleSweep)
	}

	a.Sensors = conf.NewSensorRegistry(settings.Sensors.ConfigFile, log)
	if err = a.Sensors.Load(); err != nil {
		return nil, err
	}

	if a.Metrics, err = observability.NewMetrics(); err != nil {
		return nil, err
	}

	var publisher notification.Publisher
	if settings.MQTT.Enabled {
		if a.MQTT, err = mqtt.NewClient(settings.MQTT, log); err != nil {
			return nil, err
		}
		connectCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		err = a.MQTT.Connect(connectCtx)
		cancel()
		if err != nil {
			return nil, err
		}
		publisher = a.MQTT
	}

	if a.Channels, err = notification.NewManager(settings.Notification, notification.Options{Publisher: publisher}, log); err != nil {
		return nil, err
	}

	a.Alerting, err = alerting.Initialize(alerting.Dependencies{
		Settings: settings,
		Alerts:   a.Alerts,
		Readings: a.Readings,
		Throttle: throttle,
		Sensors:  a.Sensors,
		Channels: a.Channels,
		Recorder: a.Metrics,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}
	a.Alerting.Bus.Subscribe(a.Metrics.RecordTransition)

	if a.MQTT != nil && settings.MQTT.AlertTopic != "" {
		mqtt.NewStatePublisher(a.MQTT, settings.MQTT.AlertTopic, log).Subscribe(a.Alerting.Bus)
	}
	return a, nil
}

// Run starts ingest, the sensor file watcher, the scheduler and the API,
// then blocks until ctx is cancelled and shuts everything down.
func (a *App) Run(ctx context.Context) error {
	log := a.Log.Module("app")

	active, err := a.Alerts.ListActive(ctx, repository.ActiveAlertFilter{})
	if err != nil {
		return err
	}
	a.Metrics.SeedActive(active)

	if a.MQTT != nil && a.Settings.MQTT.ReadingTopic != "" {
		ingestor, err := mqtt.NewIngestor(a.Readings, a.Settings.MQTT.ReadingTopic, a.Settings.MQTT.QoS, nil, a.Metrics, a.Log)
		if err != nil {
			return err
		}
		if err := ingestor.Start(ctx, a.MQTT); err != nil {
			return err
		}
	}

	watchDone := make(chan struct{})
	if a.Settings.Sensors.HotReload {
		go func() {
			defer close(watchDone)
			if err := a.Sensors.Watch(ctx); err != nil {
				log.Error("sensor config watcher stopped", logger.Error(err))
			}
		}()
	} else {
		close(watchDone)
	}

	if err := a.Alerting.Start(ctx); err != nil {
		return err
	}

	// ctx is done by the time shutdown runs; shutdown gets its own deadline.
	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), shutdownTimeout)
	}

	var server *api.Server
	if a.Settings.API.Enabled {
		server = api.NewServer(a.Settings.API, apiv2.Dependencies{
			Alerts:      a.Alerts,
			Dismisser:   a.Alerting.Engine,
			Channels:    a.Channels,
			Health:      a.Store.Ping,
			HostStats:   a.hostStats,
			Transitions: a.Alerting.Bus,
		}, a.Metrics.Handler(), a.Log)
		if err := server.Start(); err != nil {
			stopCtx, cancel := shutdownCtx()
			defer cancel()
			return errors.Join(err, a.Alerting.Stop(stopCtx))
		}
	}
	log.Info("hydrowatch running",
		logger.String("version", Version),
		logger.Int("sensors", len(a.Sensors.Sensors())),
		logger.Bool("mqtt", a.MQTT != nil),
		logger.Bool("api", server != nil))

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := shutdownCtx()
	defer cancel()

	var errs []error
	if server != nil {
		if err := server.Shutdown(stopCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Alerting.Stop(stopCtx); err != nil {
		errs = append(errs, err)
	}
	<-watchDone
	return errors.Join(errs...)
}

// hostStats reports host usage for the filesystem holding the SQLite file,
// or the working directory when the database is remote.
func (a *App) hostStats(ctx context.Context) (*observability.HostStats, error) {
	dir := "."
	if a.Settings.Database.Type == conf.DatabaseSQLite {
		dir = filepath.Dir(a.Settings.Database.SQLite.Path)
	}
	return observability.CollectHostStats(ctx, dir)
}

// Close releases the MQTT connection, the store and the Sentry client. It
// is safe on a partially built App.
func (a *App) Close() {
	if a.MQTT != nil {
		a.MQTT.Disconnect()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Warn("failed to close database", logger.Error(err))
		}
	}
	if a.closeSentry != nil {
		a.closeSentry()
	}
}

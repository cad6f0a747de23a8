package conf

import (
	"context"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/hydrowatch/hydrowatch/internal/logger"
)

// SensorRegistry holds the current snapshot of sensor configurations and
// reloads it when the backing file changes.
type SensorRegistry struct {
	path string
	log  logger.Logger

	mu      sync.RWMutex
	sensors []SensorConfig
}

// NewSensorRegistry creates a registry for the JSON file at path. Call Load
// before use.
func NewSensorRegistry(path string, log logger.Logger) *SensorRegistry {
	return &SensorRegistry{path: path, log: log.Module("sensors")}
}

// NewStaticSensorRegistry creates a registry that serves a fixed list.
func NewStaticSensorRegistry(sensors []SensorConfig) *SensorRegistry {
	return &SensorRegistry{log: logger.NewNopLogger(), sensors: slices.Clone(sensors)}
}

// Load reads the file and replaces the snapshot. On a read or parse failure
// the previous snapshot is kept and the error returned. Individually invalid
// sensors are logged and skipped.
func (r *SensorRegistry) Load() error {
	sensors, invalid, err := LoadSensors(r.path)
	if err != nil {
		return err
	}
	for _, e := range invalid {
		r.log.Warn("skipping invalid sensor config", logger.Error(e))
	}
	r.Replace(sensors)
	r.log.Info("sensor configuration loaded",
		logger.String("path", r.path),
		logger.Int("sensors", len(sensors)),
		logger.Int("invalid", len(invalid)))
	return nil
}

// Replace swaps the snapshot.
func (r *SensorRegistry) Replace(sensors []SensorConfig) {
	r.mu.Lock()
	r.sensors = slices.Clone(sensors)
	r.mu.Unlock()
}

// Sensors returns a copy of the current snapshot.
func (r *SensorRegistry) Sensors() []SensorConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.sensors)
}

// Lookup returns the configuration for one sensor.
func (r *SensorRegistry) Lookup(sensorID string) (SensorConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.sensors {
		if r.sensors[i].SensorID == sensorID {
			return r.sensors[i], true
		}
	}
	return SensorConfig{}, false
}

// SensorConfigs returns the snapshot; ctx is accepted so the registry can
// serve as a telemetry config source.
func (r *SensorRegistry) SensorConfigs(_ context.Context) ([]SensorConfig, error) {
	return r.Sensors(), nil
}

// Watch reloads the file whenever it is written or recreated, until ctx is
// cancelled. The directory is watched rather than the file so atomic saves
// (write temp + rename) are picked up.
func (r *SensorRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := r.Load(); err != nil {
				r.log.Error("sensor config reload failed, keeping previous snapshot",
					logger.String("path", r.path),
					logger.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("sensor config watcher error", logger.Error(err))
		}
	}
}

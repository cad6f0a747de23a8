package alerting

import (
	"context"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/datastore/repository"
)

// SensorConfigSource supplies the current sensor configurations.
// *conf.SensorRegistry implements it.
type SensorConfigSource interface {
	SensorConfigs(ctx context.Context) ([]conf.SensorConfig, error)
}

// TelemetrySource is the read side the engine evaluates against.
type TelemetrySource interface {
	SensorConfigSource
	// LatestReading returns the newest reading, or nil when the sensor never
	// reported.
	LatestReading(ctx context.Context, sensorID string) (*entities.SensorReading, error)
}

type storeTelemetry struct {
	SensorConfigSource
	readings repository.ReadingRepository
}

// NewTelemetrySource combines a config source with the reading store.
func NewTelemetrySource(configs SensorConfigSource, readings repository.ReadingRepository) TelemetrySource {
	return &storeTelemetry{SensorConfigSource: configs, readings: readings}
}

func (s *storeTelemetry) LatestReading(ctx context.Context, sensorID string) (*entities.SensorReading, error) {
	return s.readings.Latest(ctx, sensorID)
}

package mqtt

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/datastore/repository"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

// Ingest outcomes passed to IngestRecorder.
const (
	OutcomeStored   = "stored"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

const saveTimeout = 5 * time.Second

// Subscriber is the part of *Client the ingestor needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, qos byte, handler Handler) error
}

// IngestRecorder counts ingested messages by outcome.
type IngestRecorder interface {
	RecordReading(outcome string)
}

// readingPayload is the JSON body sensors publish. The sensor ID comes from
// the topic; a sensor_id in the body must agree with it.
type readingPayload struct {
	SensorID     string     `json:"sensor_id,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	PH           *float64   `json:"ph,omitempty"`
	Conductivity *float64   `json:"conductivity,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty"`
	WaterLevel   *float64   `json:"water_level,omitempty"`
}

// Ingestor stores readings received on a wildcard topic such as
// hydrowatch/sensors/+/readings, where the + level is the sensor ID.
type Ingestor struct {
	readings repository.ReadingRepository
	pattern  []string
	wildcard int
	qos      byte
	clock    func() time.Time
	recorder IngestRecorder
	log      logger.Logger
}

// NewIngestor validates the topic pattern. recorder may be nil.
func NewIngestor(readings repository.ReadingRepository, topic string, qos byte, clock func() time.Time, recorder IngestRecorder, log logger.Logger) (*Ingestor, error) {
	levels := strings.Split(topic, "/")
	wildcard := slices.Index(levels, "+")
	if wildcard < 0 || strings.Count(topic, "+") != 1 || strings.Contains(topic, "#") {
		return nil, errors.Newf("reading topic %q needs exactly one + level for the sensor id and no #", topic).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Ingestor{
		readings: readings,
		pattern:  levels,
		wildcard: wildcard,
		qos:      qos,
		clock:    clock,
		recorder: recorder,
		log:      log.Module("ingest"),
	}, nil
}

// Topic returns the subscription pattern.
func (i *Ingestor) Topic() string {
	return strings.Join(i.pattern, "/")
}

// Start subscribes the ingestor on sub.
func (i *Ingestor) Start(ctx context.Context, sub Subscriber) error {
	return sub.Subscribe(ctx, i.Topic(), i.qos, func(topic string, payload []byte) {
		saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		_ = i.Handle(saveCtx, topic, payload)
	})
}

// Handle decodes and stores one message. Malformed messages are rejected
// with a validation error; a failed save is a transient error.
func (i *Ingestor) Handle(ctx context.Context, topic string, payload []byte) error {
	reading, err := i.decode(topic, payload)
	if err != nil {
		i.record(OutcomeRejected)
		i.log.Warn("rejected sensor reading", logger.String("topic", topic), logger.Error(err))
		return err
	}
	if err := i.readings.Save(ctx, reading); err != nil {
		i.record(OutcomeFailed)
		i.log.Error("failed to store sensor reading",
			logger.String("sensor_id", reading.SensorID),
			logger.Error(err))
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryTransient).
			Context("sensor_id", reading.SensorID).
			Build()
	}
	i.record(OutcomeStored)
	i.log.Debug("stored sensor reading",
		logger.String("sensor_id", reading.SensorID),
		logger.Time("timestamp", reading.Timestamp))
	return nil
}

func (i *Ingestor) decode(topic string, payload []byte) (*entities.SensorReading, error) {
	sensorID, ok := i.sensorID(topic)
	if !ok {
		return nil, rejected("topic does not match "+i.Topic(), topic)
	}

	var p readingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, rejected("invalid json: "+err.Error(), topic)
	}
	if p.SensorID != "" && p.SensorID != sensorID {
		return nil, rejected("payload sensor_id "+p.SensorID+" does not match topic", topic)
	}

	reading := &entities.SensorReading{
		SensorID:     sensorID,
		PH:           p.PH,
		Conductivity: p.Conductivity,
		Temperature:  p.Temperature,
		WaterLevel:   p.WaterLevel,
	}
	if !reading.HasValues() {
		return nil, rejected("reading carries no metric values", topic)
	}
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		reading.Timestamp = p.Timestamp.UTC()
	} else {
		reading.Timestamp = i.clock().UTC()
	}
	return reading, nil
}

func (i *Ingestor) sensorID(topic string) (string, bool) {
	levels := strings.Split(topic, "/")
	if len(levels) != len(i.pattern) {
		return "", false
	}
	for n, l := range i.pattern {
		if n == i.wildcard {
			continue
		}
		if l != levels[n] {
			return "", false
		}
	}
	id := levels[i.wildcard]
	return id, id != ""
}

func (i *Ingestor) record(outcome string) {
	if i.recorder != nil {
		i.recorder.RecordReading(outcome)
	}
}

func rejected(reason, topic string) error {
	return errors.Newf("%s", reason).
		Component(componentName).
		Category(errors.CategoryValidation).
		Context("topic", topic).
		Build()
}

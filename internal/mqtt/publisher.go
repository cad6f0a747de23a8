package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hydrowatch/hydrowatch/internal/alerting"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

const publishTimeout = 5 * time.Second

// RetainedPublisher is the part of *Client the state publisher needs.
type RetainedPublisher interface {
	PublishRetained(ctx context.Context, topic string, payload []byte) error
}

// AlertState is the retained message kept on
// <prefix>/<sensor_id>/<alert_type>/state. Active is false once the alert
// was resolved or dismissed, so dashboards always see the current state.
type AlertState struct {
	Active         bool                    `json:"active"`
	Transition     alerting.TransitionKind `json:"transition"`
	AlertID        string                  `json:"alert_id"`
	SensorID       string                  `json:"sensor_id"`
	AlertType      entities.AlertType      `json:"alert_type"`
	Severity       entities.Severity       `json:"severity"`
	Title          string                  `json:"title"`
	ThresholdInfo  string                  `json:"threshold_info"`
	CreatedAt      time.Time               `json:"created_at"`
	ResolutionType entities.ResolutionType `json:"resolution_type,omitempty"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// StatePublisher mirrors alert transitions to retained MQTT messages.
type StatePublisher struct {
	publisher RetainedPublisher
	prefix    string
	log       logger.Logger
}

// NewStatePublisher creates a publisher below prefix, e.g. hydrowatch/alerts.
func NewStatePublisher(publisher RetainedPublisher, prefix string, log logger.Logger) *StatePublisher {
	return &StatePublisher{
		publisher: publisher,
		prefix:    strings.TrimRight(prefix, "/"),
		log:       log.Module("alert-state"),
	}
}

// Subscribe attaches the publisher to bus.
func (p *StatePublisher) Subscribe(bus *alerting.TransitionBus) {
	bus.Subscribe(p.Handle)
}

// Handle publishes the state after t. Failures are logged; the next
// transition for the key overwrites the retained message anyway.
func (p *StatePublisher) Handle(t *alerting.Transition) {
	state := stateOf(t)
	topic := fmt.Sprintf("%s/%s/%s/state", p.prefix, state.SensorID, state.AlertType)

	payload, err := json.Marshal(state)
	if err != nil {
		p.log.Error("failed to encode alert state", logger.String("alert_id", state.AlertID), logger.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.publisher.PublishRetained(ctx, topic, payload); err != nil {
		p.log.Warn("failed to publish alert state",
			logger.String("topic", topic),
			logger.String("transition", string(t.Kind)),
			logger.Error(err))
	}
}

func stateOf(t *alerting.Transition) AlertState {
	s := AlertState{
		Active:        true,
		Transition:    t.Kind,
		AlertID:       t.Alert.ID,
		SensorID:      t.Alert.SensorID,
		AlertType:     t.Alert.AlertType,
		Severity:      t.Alert.Severity,
		Title:         t.Alert.Title,
		ThresholdInfo: t.Alert.ThresholdInfo,
		CreatedAt:     t.Alert.CreatedAt,
		UpdatedAt:     t.Timestamp,
	}
	if h := t.History; h != nil {
		s.Active = false
		s.ResolutionType = h.ResolutionType
		s.UpdatedAt = h.ResolvedAt
	}
	return s
}

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hydrowatch/hydrowatch/internal/conf"
)

// Publisher publishes a payload to an MQTT topic. *mqtt.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTChannel publishes the JSON payload below a topic prefix as
// <prefix>/<sensor_id>/<alert_type>.
type MQTTChannel struct {
	name      string
	topic     string
	publisher Publisher
}

// NewMQTTChannel creates the channel.
func NewMQTTChannel(name string, settings conf.ChannelSettings, publisher Publisher) (*MQTTChannel, error) {
	if publisher == nil {
		return nil, fmt.Errorf("channel %s: mqtt channel requires mqtt to be enabled", name)
	}
	topic := strings.TrimRight(settings.Topic, "/")
	if topic == "" {
		return nil, fmt.Errorf("channel %s: mqtt channel requires a topic", name)
	}
	return &MQTTChannel{name: name, topic: topic, publisher: publisher}, nil
}

func (c *MQTTChannel) Name() string         { return c.name }
func (c *MQTTChannel) Type() string         { return conf.ChannelTypeMQTT }
func (c *MQTTChannel) Recipients() []string { return []string{c.topic} }

func (c *MQTTChannel) Send(ctx context.Context, recipient string, msg *Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return channelError(fmt.Errorf("encode payload: %w", err), c, recipient)
	}
	topic := fmt.Sprintf("%s/%s/%s", recipient, msg.Payload.SensorID, msg.Payload.AlertType)
	if err := c.publisher.Publish(ctx, topic, payload); err != nil {
		return channelError(err, c, recipient)
	}
	return nil
}

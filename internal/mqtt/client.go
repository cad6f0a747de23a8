// Package mqtt connects HydroWatch to an MQTT broker: sensor readings are
// ingested from it and alert notifications and state are published to it.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

const (
	componentName = "mqtt"

	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
	maxReconnectDelay = 2 * time.Minute
)

// Handler processes one received message.
type Handler func(topic string, payload []byte)

// Client wraps a paho client. Subscriptions are remembered and restored
// after every reconnect since sessions are clean.
type Client struct {
	settings conf.MQTTSettings
	client   paho.Client
	log      logger.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler Handler
}

// NewClient validates settings and prepares a client. It does not connect.
func NewClient(settings conf.MQTTSettings, log logger.Logger) (*Client, error) {
	if strings.TrimSpace(settings.Broker) == "" {
		return nil, errors.Newf("mqtt broker is not configured").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if settings.QoS > 2 {
		return nil, errors.Newf("invalid mqtt qos %d", settings.QoS).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	c := &Client{
		settings: settings,
		log:      log.Module(componentName).With(logger.String("broker", settings.Broker)),
		subs:     make(map[string]subscription),
	}

	opts := paho.NewClientOptions().
		AddBroker(settings.Broker).
		SetClientID(settings.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(maxReconnectDelay).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	c.client = paho.NewClient(opts)
	return c, nil
}

// newClientWith wraps an existing paho client, for tests.
func newClientWith(pc paho.Client, settings conf.MQTTSettings, log logger.Logger) *Client {
	return &Client{
		settings: settings,
		client:   pc,
		log:      log.Module(componentName),
		subs:     make(map[string]subscription),
	}
}

// Connect connects to the broker, waiting until ctx is done at the latest.
func (c *Client) Connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		return errors.Newf("failed to connect to mqtt broker: %w", err).
			Component(componentName).
			Category(errors.CategoryTransient).
			Context("broker", c.settings.Broker).
			Build()
	}
	return nil
}

// IsConnected reports whether the client currently has a connection.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Publish sends payload to topic with the configured QoS, not retained.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.publish(ctx, topic, payload, false)
}

// PublishRetained sends payload to topic as the retained message.
func (c *Client) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return c.publish(ctx, topic, payload, true)
}

func (c *Client) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if !c.client.IsConnectionOpen() {
		return errors.Newf("mqtt client is not connected").
			Component(componentName).
			Category(errors.CategoryTransient).
			Context("topic", topic).
			Build()
	}
	if err := wait(ctx, c.client.Publish(topic, c.settings.QoS, retain, payload)); err != nil {
		return errors.Newf("failed to publish to %s: %w", topic, err).
			Component(componentName).
			Category(errors.CategoryTransient).
			Context("topic", topic).
			Build()
	}
	return nil
}

// Subscribe registers handler for topic and subscribes now when connected.
// The subscription is restored on every reconnect.
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	if err := wait(ctx, c.client.Subscribe(topic, qos, wrap(handler))); err != nil {
		return errors.Newf("failed to subscribe to %s: %w", topic, err).
			Component(componentName).
			Category(errors.CategoryTransient).
			Context("topic", topic).
			Build()
	}
	return nil
}

// Disconnect closes the connection, letting in-flight work finish briefly.
func (c *Client) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(disconnectQuiesce)
		c.log.Info("disconnected from mqtt broker")
	}
}

func (c *Client) onConnect(pc paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	c.log.Info("connected to mqtt broker", logger.Int("subscriptions", len(subs)))
	// Runs on paho's connection goroutine; never block it on the tokens.
	for topic, s := range subs {
		token := pc.Subscribe(topic, s.qos, wrap(s.handler))
		go func() {
			if token.WaitTimeout(connectTimeout) && token.Error() != nil {
				c.log.Error("failed to restore subscription",
					logger.String("topic", topic),
					logger.Error(token.Error()))
			}
		}()
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("mqtt connection lost", logger.Error(err))
}

func wrap(h Handler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("waiting for broker: %w", ctx.Err())
	}
}

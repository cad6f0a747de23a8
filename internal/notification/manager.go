package notification

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

// Options supplies the transports channels are built on. Zero values select
// the defaults; a nil Publisher disables mqtt channels.
type Options struct {
	SenderFactory SenderFactory
	HTTPClient    *http.Client
	Publisher     Publisher
}

// Manager holds the named channels sensors reference in their
// notification_channels list.
type Manager struct {
	channels map[string]Channel
}

// NewManager builds every configured channel. All configuration problems
// are reported together as one configuration error.
func NewManager(settings conf.NotificationSettings, opts Options, log logger.Logger) (*Manager, error) {
	log = log.Module(componentName)
	m := &Manager{channels: make(map[string]Channel, len(settings.Channels))}

	var problems []string
	for _, name := range slices.Sorted(maps.Keys(settings.Channels)) {
		ch, err := buildChannel(name, settings.Channels[name], opts)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		m.channels[name] = ch
		log.Debug("notification channel ready",
			logger.String("channel", name),
			logger.String("type", ch.Type()),
			logger.Int("recipients", len(ch.Recipients())))
	}
	if len(problems) > 0 {
		return nil, errors.Newf("invalid notification channels: %s", strings.Join(problems, "; ")).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return m, nil
}

// NewManagerWithChannels wraps prebuilt channels.
func NewManagerWithChannels(channels ...Channel) *Manager {
	m := &Manager{channels: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		m.channels[ch.Name()] = ch
	}
	return m
}

func buildChannel(name string, s conf.ChannelSettings, opts Options) (Channel, error) {
	switch s.Type {
	case conf.ChannelTypeEmail:
		return NewEmailChannel(name, s, opts.SenderFactory)
	case conf.ChannelTypeShoutrrr:
		return NewShoutrrrChannel(name, s, opts.SenderFactory)
	case conf.ChannelTypeWebhook:
		return NewWebhookChannel(name, s, opts.HTTPClient)
	case conf.ChannelTypeMQTT:
		return NewMQTTChannel(name, s, opts.Publisher)
	default:
		return nil, fmt.Errorf("channel %s: unknown type %q", name, s.Type)
	}
}

// Lookup returns the channel registered under name.
func (m *Manager) Lookup(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names in sorted order.
func (m *Manager) Names() []string {
	return slices.Sorted(maps.Keys(m.channels))
}

// ChannelInfo describes a registered channel. Recipients are redacted.
type ChannelInfo struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Recipients []string `json:"recipients"`
}

// Channels describes the registered channels in name order.
func (m *Manager) Channels() []ChannelInfo {
	infos := make([]ChannelInfo, 0, len(m.channels))
	for _, name := range m.Names() {
		ch := m.channels[name]
		recipients := make([]string, 0, len(ch.Recipients()))
		for _, r := range ch.Recipients() {
			recipients = append(recipients, redact(r))
		}
		infos = append(infos, ChannelInfo{Name: name, Type: ch.Type(), Recipients: recipients})
	}
	return infos
}

// DeliveryResult is the outcome of a test send to one recipient.
type DeliveryResult struct {
	Recipient string `json:"recipient"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// SendTest delivers a sample message through the named channel to each of
// its recipients. Delivery failures are reported per recipient, not as an
// error.
func (m *Manager) SendTest(ctx context.Context, name string, now time.Time) ([]DeliveryResult, error) {
	ch, ok := m.Lookup(name)
	if !ok {
		return nil, errors.Newf("unknown notification channel %q", name).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Context("channel", name).
			Build()
	}
	msg, err := NewTestMessage(now)
	if err != nil {
		return nil, err
	}

	results := make([]DeliveryResult, 0, len(ch.Recipients()))
	for _, recipient := range ch.Recipients() {
		res := DeliveryResult{Recipient: redact(recipient), Delivered: true}
		if err := ch.Send(ctx, recipient, msg); err != nil {
			res.Delivered = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// Package notification implements the channels alert notifications are
// delivered through: email and chat services via shoutrrr, generic webhooks
// and MQTT.
package notification

import (
	"context"
	"net/url"

	"github.com/hydrowatch/hydrowatch/internal/errors"
)

const componentName = "notification"

// Channel delivers a message to one recipient. What a recipient is depends
// on the channel: an address for email, a service URL for shoutrrr, the
// endpoint for webhooks and the topic for MQTT.
type Channel interface {
	Name() string
	Type() string
	Recipients() []string
	Send(ctx context.Context, recipient string, msg *Message) error
}

// channelError wraps a delivery failure as a notification error.
func channelError(err error, ch Channel, recipient string) error {
	return errors.New(err).
		Component(componentName).
		Category(errors.CategoryNotification).
		Context("channel", ch.Name()).
		Context("channel_type", ch.Type()).
		Context("recipient", redact(recipient)).
		Build()
}

// redact keeps credentials embedded in service URLs out of logs and reports.
func redact(recipient string) string {
	u, err := url.Parse(recipient)
	if err != nil || u.User == nil {
		return recipient
	}
	u.User = url.User("redacted")
	return u.String()
}

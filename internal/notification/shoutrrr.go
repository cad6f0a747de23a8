package notification

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/errors"
)

// Sender is the part of a shoutrrr service router the channels use.
type Sender interface {
	Send(message string, params *types.Params) []error
}

// SenderFactory builds a Sender for service URLs.
type SenderFactory func(urls ...string) (Sender, error)

// DefaultSenderFactory creates shoutrrr routers.
func DefaultSenderFactory(urls ...string) (Sender, error) {
	router, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, err
	}
	return router, nil
}

// send runs a blocking shoutrrr send, giving up when ctx ends. The send
// itself cannot be interrupted and finishes in the background.
func send(ctx context.Context, sender Sender, body string, params *types.Params) error {
	done := make(chan []error, 1)
	go func() {
		done <- sender.Send(body, params)
	}()

	select {
	case errs := <-done:
		var nonNil []error
		for _, err := range errs {
			if err != nil {
				nonNil = append(nonNil, err)
			}
		}
		return errors.Join(nonNil...)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmailChannel sends the HTML body through a shoutrrr smtp:// URL, one mail
// per recipient address.
type EmailChannel struct {
	name       string
	baseURL    *url.URL
	recipients []string
	factory    SenderFactory
}

// NewEmailChannel validates settings and creates the channel.
func NewEmailChannel(name string, settings conf.ChannelSettings, factory SenderFactory) (*EmailChannel, error) {
	u, err := url.Parse(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("channel %s: invalid smtp url: %w", name, err)
	}
	if u.Scheme != "smtp" {
		return nil, fmt.Errorf("channel %s: email url must use the smtp scheme, got %q", name, u.Scheme)
	}
	if len(settings.Recipients) == 0 {
		return nil, fmt.Errorf("channel %s: email requires at least one recipient", name)
	}
	if factory == nil {
		factory = DefaultSenderFactory
	}
	return &EmailChannel{name: name, baseURL: u, recipients: settings.Recipients, factory: factory}, nil
}

func (c *EmailChannel) Name() string         { return c.name }
func (c *EmailChannel) Type() string         { return conf.ChannelTypeEmail }
func (c *EmailChannel) Recipients() []string { return c.recipients }

func (c *EmailChannel) Send(ctx context.Context, recipient string, msg *Message) error {
	sender, err := c.factory(c.urlFor(recipient, msg.Title))
	if err != nil {
		return channelError(fmt.Errorf("create smtp sender: %w", err), c, recipient)
	}
	if err := send(ctx, sender, msg.HTML, nil); err != nil {
		return channelError(err, c, recipient)
	}
	return nil
}

func (c *EmailChannel) urlFor(recipient, subject string) string {
	u := *c.baseURL
	q := u.Query()
	q.Set("toaddresses", recipient)
	q.Set("subject", subject)
	q.Set("usehtml", "yes")
	u.RawQuery = q.Encode()
	return u.String()
}

// ShoutrrrChannel sends the plain text body to chat services. Each
// recipient is a shoutrrr service URL (telegram://, slack://, ntfy://, ...).
type ShoutrrrChannel struct {
	name       string
	recipients []string
	factory    SenderFactory
}

// NewShoutrrrChannel creates the channel. Recipient URLs are parsed once so
// configuration mistakes surface at startup.
func NewShoutrrrChannel(name string, settings conf.ChannelSettings, factory SenderFactory) (*ShoutrrrChannel, error) {
	if len(settings.Recipients) == 0 {
		return nil, fmt.Errorf("channel %s: shoutrrr requires at least one service url", name)
	}
	for _, r := range settings.Recipients {
		if _, err := url.Parse(r); err != nil || !strings.Contains(r, "://") {
			return nil, fmt.Errorf("channel %s: invalid service url %q", name, redact(r))
		}
	}
	if factory == nil {
		factory = DefaultSenderFactory
	}
	return &ShoutrrrChannel{name: name, recipients: settings.Recipients, factory: factory}, nil
}

func (c *ShoutrrrChannel) Name() string         { return c.name }
func (c *ShoutrrrChannel) Type() string         { return conf.ChannelTypeShoutrrr }
func (c *ShoutrrrChannel) Recipients() []string { return c.recipients }

func (c *ShoutrrrChannel) Send(ctx context.Context, recipient string, msg *Message) error {
	sender, err := c.factory(recipient)
	if err != nil {
		return channelError(fmt.Errorf("create sender: %w", err), c, recipient)
	}
	params := types.Params{"title": msg.Title}
	if err := send(ctx, sender, msg.Text, &params); err != nil {
		return channelError(err, c, recipient)
	}
	return nil
}

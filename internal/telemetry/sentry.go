// Package telemetry forwards operational errors to Sentry.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/patrickmn/go-cache"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

const (
	// dedupeWindow suppresses repeats of the same error; a dead database
	// would otherwise report once per sensor per cycle.
	dedupeWindow = 10 * time.Minute
	flushTimeout = 2 * time.Second
)

// reportedCategories are the categories worth an operator's attention.
// Validation, not-found and conflict errors are caller mistakes or
// expected races.
var reportedCategories = map[errors.ErrorCategory]bool{
	errors.CategoryDatabase:      true,
	errors.CategoryTransient:     true,
	errors.CategoryNotification:  true,
	errors.CategoryNetwork:       true,
	errors.CategoryConfiguration: true,
	errors.CategorySystem:        true,
}

// Reporter captures enhanced errors as Sentry events.
type Reporter struct {
	hub  *sentry.Hub
	seen *cache.Cache
}

// Options overrides parts of the client, for tests.
type Options struct {
	Transport sentry.Transport
}

// NewReporter creates a reporter for settings. It returns nil, nil when no
// DSN is configured.
func NewReporter(settings conf.SentrySettings, release string, opts Options) (*Reporter, error) {
	if settings.DSN == "" {
		return nil, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              settings.DSN,
		Environment:      settings.Environment,
		Release:          release,
		AttachStacktrace: true,
		SendDefaultPII:   false,
		Transport:        opts.Transport,
	})
	if err != nil {
		return nil, errors.Newf("failed to create sentry client: %w", err).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &Reporter{
		hub:  sentry.NewHub(client, sentry.NewScope()),
		seen: cache.New(dedupeWindow, dedupeWindow),
	}, nil
}

// Report captures ee if its category is reported and it was not seen
// within the dedupe window.
func (r *Reporter) Report(ee *errors.EnhancedError) {
	if !reportedCategories[ee.GetCategory()] {
		return
	}
	key := fmt.Sprintf("%s|%s|%s", ee.GetComponent(), ee.GetCategory(), ee.Error())
	if err := r.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", string(ee.GetCategory()))
		if ctx := ee.GetContext(); len(ctx) > 0 {
			scope.SetContext("error", sentry.Context(ctx))
		}
		r.hub.CaptureException(ee)
	})
}

// Flush waits up to timeout for queued events.
func (r *Reporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Setup installs a reporter as the errors package hook. The returned
// function uninstalls it and flushes pending events; it is safe to call
// when Sentry is disabled.
func Setup(settings conf.SentrySettings, release string, log logger.Logger) (func(), error) {
	r, err := NewReporter(settings, release, Options{})
	if err != nil {
		return func() {}, err
	}
	if r == nil {
		log.Debug("sentry disabled, no dsn configured")
		return func() {}, nil
	}

	errors.SetReporter(r.Report)
	log.Info("sentry error reporting enabled", logger.String("environment", settings.Environment))
	return func() {
		errors.SetReporter(nil)
		if !r.Flush(flushTimeout) {
			log.Warn("sentry flush timed out")
		}
	}, nil
}

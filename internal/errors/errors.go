// Package errors provides categorized, context-carrying errors built through a
// fluent builder:
//
//	return errors.Newf("failed to load sensor %s: %w", id, err).
//		Component("conf").
//		Category(errors.CategoryValidation).
//		Context("sensor_id", id).
//		Build()
//
// Standard library helpers are re-exported so callers import a single package.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// ErrorCategory classifies an error for handling and reporting decisions.
type ErrorCategory string

const (
	CategoryGeneric       ErrorCategory = "generic"
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryDatabase      ErrorCategory = "database"
	CategoryTransient     ErrorCategory = "transient"
	CategoryNotification  ErrorCategory = "notification"
	CategoryNetwork       ErrorCategory = "network"
	CategorySystem        ErrorCategory = "system"
)

// EnhancedError wraps an error with component, category and context data.
type EnhancedError struct {
	Err       error
	component string
	category  ErrorCategory
	context   map[string]any
	timestamp time.Time
}

func (e *EnhancedError) Error() string {
	if e.Err == nil {
		return string(e.category)
	}
	return e.Err.Error()
}

func (e *EnhancedError) Unwrap() error { return e.Err }

// GetComponent returns the component that produced the error.
func (e *EnhancedError) GetComponent() string { return e.component }

// GetCategory returns the error category.
func (e *EnhancedError) GetCategory() ErrorCategory { return e.category }

// GetTimestamp returns when the error was built.
func (e *EnhancedError) GetTimestamp() time.Time { return e.timestamp }

// GetContext returns a copy of the context map.
func (e *EnhancedError) GetContext() map[string]any {
	out := make(map[string]any, len(e.context))
	maps.Copy(out, e.context)
	return out
}

// ErrorBuilder assembles an EnhancedError.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New starts a builder wrapping err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err, category: CategoryGeneric}
}

// Newf starts a builder from a formatted message. %w verbs wrap as with fmt.Errorf.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the originating component.
func (b *ErrorBuilder) Component(component string) *ErrorBuilder {
	b.component = component
	return b
}

// Category sets the error category.
func (b *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

// Context attaches a key/value pair.
func (b *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if b.context == nil {
		b.context = make(map[string]any)
	}
	b.context[key] = value
	return b
}

// Build creates the error and hands it to the registered reporter, if any.
func (b *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       b.err,
		component: b.component,
		category:  b.category,
		context:   b.context,
		timestamp: time.Now(),
	}
	if r := currentReporter(); r != nil {
		r(ee)
	}
	return ee
}

// Reporter receives every built error. It must not block.
type Reporter func(ee *EnhancedError)

var (
	reporterMu sync.RWMutex
	reporter   Reporter
)

// SetReporter installs the reporter hook. Pass nil to remove it.
func SetReporter(r Reporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	reporter = r
}

func currentReporter() Reporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return reporter
}

// IsCategory reports whether any EnhancedError in err's chain has the category.
func IsCategory(err error, category ErrorCategory) bool {
	for err != nil {
		var ee *EnhancedError
		if !stderrors.As(err, &ee) {
			return false
		}
		if ee.category == category {
			return true
		}
		err = ee.Err
	}
	return false
}

// CategoryOf returns the category of the outermost EnhancedError, or
// CategoryGeneric when err carries none.
func CategoryOf(err error) ErrorCategory {
	var ee *EnhancedError
	if stderrors.As(err, &ee) {
		return ee.category
	}
	return CategoryGeneric
}

// NewStd creates a plain error, typically used for sentinels.
func NewStd(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Unwrap(err error) error { return stderrors.Unwrap(err) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

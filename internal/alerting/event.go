package alerting

import (
	"fmt"
	"sync"
	"time"

	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

// TransitionKind names a lifecycle transition of an alert.
type TransitionKind string

const (
	TransitionCreated     TransitionKind = "created"
	TransitionEscalated   TransitionKind = "escalated"
	TransitionDeescalated TransitionKind = "deescalated"
	TransitionResolved    TransitionKind = "resolved"
	TransitionDismissed   TransitionKind = "dismissed"
)

// Transition records one change to an alert. For resolved and dismissed
// transitions History holds the archived record.
type Transition struct {
	Kind     TransitionKind
	Alert    entities.Alert
	Previous entities.Severity
	History  *entities.AlertHistory
	// Suppressed is set when a measurement alert was resolved because its
	// sensor stopped reporting.
	Suppressed bool
	Timestamp  time.Time
}

// TransitionHandler processes transitions.
type TransitionHandler func(t *Transition)

const (
	// transitionBufferSize is the capacity of the async transition channel.
	// Transitions are dropped if the buffer is full so the engine never blocks.
	transitionBufferSize = 1000
)

// TransitionBus is an async pub/sub for alert transitions. Publish never
// blocks: transitions go through a buffered channel to a single worker that
// calls every handler in subscription order.
type TransitionBus struct {
	handlers []TransitionHandler
	mu       sync.RWMutex
	ch       chan *Transition
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	log      logger.Logger
}

// NewTransitionBus creates a bus and starts its worker.
func NewTransitionBus(log logger.Logger) *TransitionBus {
	b := &TransitionBus{
		ch:     make(chan *Transition, transitionBufferSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		log:    log.Module("transitions"),
	}
	go b.processLoop()
	return b
}

// Subscribe registers a handler.
func (b *TransitionBus) Subscribe(handler TransitionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish enqueues t. Transitions published after Stop, or while the buffer
// is full, are dropped.
func (b *TransitionBus) Publish(t *Transition) {
	select {
	case <-b.stopCh:
		return
	default:
	}

	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	select {
	case b.ch <- t:
	default:
		b.log.Warn("transition buffer full, dropping transition",
			logger.String(fieldAlertID, t.Alert.ID),
			logger.String("kind", string(t.Kind)))
	}
}

// Stop drains queued transitions and waits for the worker to exit. Safe to
// call multiple times.
func (b *TransitionBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.done
}

func (b *TransitionBus) processLoop() {
	defer close(b.done)
	for {
		select {
		case t := <-b.ch:
			b.dispatch(t)
		case <-b.stopCh:
			for {
				select {
				case t := <-b.ch:
					b.dispatch(t)
				default:
					return
				}
			}
		}
	}
}

func (b *TransitionBus) dispatch(t *Transition) {
	b.mu.RLock()
	handlers := make([]TransitionHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.safeCall(handler, t)
	}
}

// safeCall keeps a panicking handler from killing the worker.
func (b *TransitionBus) safeCall(handler TransitionHandler, t *Transition) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("transition handler panicked",
				logger.String("panic", fmt.Sprint(r)),
				logger.String(fieldAlertID, t.Alert.ID))
		}
	}()
	handler(t)
}

// publish is a nil-safe helper for the engine.
func (b *TransitionBus) publish(t *Transition) {
	if b != nil {
		b.Publish(t)
	}
}

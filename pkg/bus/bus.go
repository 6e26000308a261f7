// Package bus carries typed lifecycle and message events from a connection
// manager to its host. It replaces a broadcast emitter with one bounded
// primary stream plus best-effort observers (dashboards, loggers).
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/sipeed/walink/pkg/logger"
	"github.com/sipeed/walink/pkg/metrics"
)

const (
	primaryBuffer  = 100
	observerBuffer = 50

	// DefaultSendTimeout bounds how long Publish waits for room on the
	// primary stream.
	DefaultSendTimeout = 5 * time.Second
)

type MessageBus struct {
	// SendTimeout is how long Publish blocks on a full primary stream
	// before the event is dropped from it.
	SendTimeout time.Duration

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	handlers  map[EventType][]Handler
	mu        sync.RWMutex
	observers []chan Event
	obsMu     sync.RWMutex
	closed    bool
	closeMu   sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		SendTimeout: DefaultSendTimeout,
		events:      make(chan Event, primaryBuffer),
		done:        make(chan struct{}),
		handlers:    make(map[EventType][]Handler),
		observers:   make([]chan Event, 0),
	}
}

// Subscribe returns a channel that receives copies of all events.
func (mb *MessageBus) Subscribe() chan Event {
	ch := make(chan Event, observerBuffer)
	mb.obsMu.Lock()
	mb.observers = append(mb.observers, ch)
	mb.obsMu.Unlock()
	return ch
}

// Unsubscribe removes an observer channel.
func (mb *MessageBus) Unsubscribe(ch chan Event) {
	mb.obsMu.Lock()
	defer mb.obsMu.Unlock()
	for i, obs := range mb.observers {
		if obs == ch {
			mb.observers = append(mb.observers[:i], mb.observers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (mb *MessageBus) notifyObservers(event Event) {
	mb.obsMu.RLock()
	defer mb.obsMu.RUnlock()
	for _, obs := range mb.observers {
		select {
		case obs <- event:
		default:
			// Non-blocking: skip slow observers
		}
	}
}

// Publish delivers an event to registered handlers, the primary stream and
// observers. Handlers run synchronously on the publishing goroutine, which
// keeps per-category ordering identical to the transport's delivery order.
// A full primary stream blocks the publisher until a consumer catches up,
// the bus closes or SendTimeout passes; only then is the event dropped from
// the stream, with a warning and a metric.
func (mb *MessageBus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	mb.mu.RLock()
	handlers := append([]Handler(nil), mb.handlers[event.Type]...)
	mb.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}

	mb.closeMu.RLock()
	if !mb.closed {
		mb.enqueue(event)
	}
	mb.closeMu.RUnlock()

	mb.notifyObservers(event)
}

func (mb *MessageBus) enqueue(event Event) {
	select {
	case mb.events <- event:
		return
	default:
	}

	timer := time.NewTimer(mb.SendTimeout)
	defer timer.Stop()
	select {
	case mb.events <- event:
	case <-mb.done:
	case <-timer.C:
		logger.WarnCF("bus", "Primary event stream full, dropping event", map[string]interface{}{
			"type":    string(event.Type),
			"session": event.Session,
			"waited":  mb.SendTimeout.String(),
		})
		metrics.RecordDroppedEvent(string(event.Type))
	}
}

// Consume blocks until the next event or context cancellation.
func (mb *MessageBus) Consume(ctx context.Context) (Event, bool) {
	select {
	case evt, ok := <-mb.events:
		return evt, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

// On registers a handler for one event type. Handlers are an explicit
// observer interface for hosts that prefer callbacks over the stream.
func (mb *MessageBus) On(eventType EventType, handler Handler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[eventType] = append(mb.handlers[eventType], handler)
}

func (mb *MessageBus) Close() {
	// release publishers waiting on a full stream before taking the lock
	mb.closeOnce.Do(func() { close(mb.done) })
	mb.closeMu.Lock()
	defer mb.closeMu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.events)
}

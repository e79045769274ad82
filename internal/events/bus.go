// Package events carries harness lifecycle notifications (process launches,
// discovered ports, session commands and timeouts, test outcomes) from the
// components that observe them to loggers and metrics.
package events

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultBufferSize is the per-subscriber queue depth.
const DefaultBufferSize = 100

// Event types published by the harness.
const (
	EventTypeProcessLaunched   = "ProcessLaunched"
	EventTypeProcessTerminated = "ProcessTerminated"
	EventTypePortDiscovered    = "PortDiscovered"
	EventTypeSessionCommand    = "SessionCommand"
	EventTypeSessionTimeout    = "SessionTimeout"
	EventTypeResumeSent        = "ResumeSent"
	EventTypeHaltWait          = "HaltWait"
	EventTypeTestOutcome       = "TestOutcome"
)

// Severities attached to events.
const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Event is one notification. EntityType is "process", "session" or "test";
// EntityID names the process, the session endpoint or the test.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes a delivered event on the subscriber's own goroutine.
type Handler func(Event)

// Bus is what publishers and subscribers depend on.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes New.
type Option func(*InMemoryBus)

// WithBufferSize sets the per-subscriber queue depth.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.depth = size
		}
	}
}

// WithLogger sets the logger that reports dropped events.
func WithLogger(logger *log.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus fans events out to subscriber queues. Publish never blocks: an
// event that does not fit a subscriber's queue is dropped for that subscriber
// and counted.
type InMemoryBus struct {
	depth  int
	logger *log.Logger

	mu      sync.RWMutex
	closed  bool
	subs    []*subscription
	nextID  int
	running sync.WaitGroup

	dropped atomic.Int64
}

type subscription struct {
	id    int
	match string // empty matches every type
	queue chan Event
}

// New returns a bus ready for subscribers.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		depth:  DefaultBufferSize,
		logger: log.New(io.Discard),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe delivers events of one type to handler.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return
	}
	b.add(eventType, handler)
}

// SubscribeAll delivers every event to handler.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	b.add("", handler)
}

func (b *InMemoryBus) add(match string, handler Handler) {
	if handler == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.nextID++
	sub := &subscription{id: b.nextID, match: match, queue: make(chan Event, b.depth)}
	b.subs = append(b.subs, sub)

	b.running.Add(1)
	go func() {
		defer b.running.Done()
		for event := range sub.queue {
			handler(event)
		}
	}()
}

// Publish stamps event with the current time when it has none and queues it
// for every matching subscriber. Events published after Close are discarded.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	eventType := strings.TrimSpace(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.match != "" && sub.match != eventType {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("dropping event",
				"subscriber", sub.id,
				"type", event.Type,
				"entity_type", event.EntityType,
				"entity_id", event.EntityID,
			)
		}
	}
}

// Dropped reports how many deliveries were discarded because a subscriber's
// queue was full.
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits until every subscriber has handled
// what was already queued. It is safe to call more than once.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, sub := range b.subs {
			close(sub.queue)
		}
	}
	b.mu.Unlock()
	b.running.Wait()
}

// Emit publishes event when bus is non-nil.
func Emit(bus Bus, event Event) {
	if bus == nil {
		return
	}
	bus.Publish(event)
}

package events

import (
	"context"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/pkg/logger"
)

// Event types emitted by the engine.
const (
	TypeTransition    = "transition"
	TypeStepReady     = "step_ready"
	TypeTaskFinalized = "task_finalized"
)

// Event carries a notification about an entity. Delivery is fire-and-forget:
// observers must never be able to block or fail the orchestration path.
type Event struct {
	Type       string
	EntityType core.EntityType
	EntityID   core.ID
	TaskID     core.ID
	FromState  core.StatusType
	ToState    core.StatusType
	At         time.Time
	Data       map[string]any
}

// Handler consumes events. Returned errors are logged, never propagated.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus is an asynchronous, buffered event bus. Publish never blocks: when the
// buffer is full the event is dropped and counted.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	eventCh  chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	closed   bool
	dropped  uint64
}

type Option func(*Bus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.eventCh = make(chan Event, size)
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		eventCh:  make(chan Event, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.process()
	return b
}

// Subscribe registers a handler for an event type. The wildcard "*" receives
// every event.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeFunc registers a function as a handler for an event type.
func (b *Bus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) {
	b.Subscribe(eventType, HandlerFunc(fn))
}

// Publish enqueues the event for asynchronous delivery. It never blocks; if
// the bus is closed or the buffer is full the event is dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case b.eventCh <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close stops delivery after draining buffered events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	b.wg.Wait()
}

func (b *Bus) process() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.eventCh:
			b.deliver(event)
		case <-b.done:
			for {
				select {
				case event := <-b.eventCh:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()
	ctx := context.Background()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.FromContext(ctx).Error("event handler panicked",
						"event_type", event.Type, "entity_id", event.EntityID, "panic", r)
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				logger.FromContext(ctx).Warn("event handler failed",
					"event_type", event.Type, "entity_id", event.EntityID, "error", err)
			}
		}()
	}
}

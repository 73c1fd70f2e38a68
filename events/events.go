package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed   = errors.New("event bus is closed")
	ErrChannelFull = errors.New("event channel is full")
	ErrNoHandler   = errors.New("no handlers registered for event type")
)

// Event types.
const (
	TypeAll = "*"

	StateChanged      = "conversation.state_changed"
	Escalated         = "conversation.escalated"
	Assigned          = "conversation.assigned"
	Closed            = "conversation.closed"
	MessageInbound    = "message.inbound"
	MessageOutbound   = "message.outbound"
	DeliveryFailed    = "message.delivery_failed"
	WorkflowHandedOff = "workflow.handed_off"
)

// Event is something that happened to a conversation.
type Event struct {
	Type           string
	ConversationID uint64
	Address        string
	At             time.Time
	Data           map[string]interface{}
}

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

type EventHandlerFunc func(ctx context.Context, event Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id uint64
	h  EventHandler
}

// EventBus fans conversation events out to subscribers. Publish queues the
// event for a pool of workers; PublishSync runs the handlers inline.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64

	eventCh     chan Event
	workers     int
	syncTimeout time.Duration
	onError     func(event Event, err error)
	logger      *slog.Logger
	dropped     atomic.Uint64

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for a worker.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithWorkers sets the number of goroutines draining the queue. Events of
// the same conversation may be handled out of order when n > 1.
func WithWorkers(n int) EventBusOption {
	return func(eb *EventBus) {
		if n > 0 {
			eb.workers = n
		}
	}
}

// WithSyncTimeout bounds PublishSync.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.syncTimeout = d
		}
	}
}

// WithErrorHandler replaces the logging of failed asynchronous handlers.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.onError = handler
	}
}

func WithLogger(l *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.logger = l
	}
}

// NewEventBus starts a bus with one worker and room for 100 queued events.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:    make(map[string][]subscription),
		eventCh:     make(chan Event, 100),
		workers:     1,
		syncTimeout: 5 * time.Second,
		logger:      slog.Default(),
	}
	for _, option := range options {
		option(eb)
	}
	if eb.onError == nil {
		eb.onError = eb.logError
	}

	eb.wg.Add(eb.workers)
	for i := 0; i < eb.workers; i++ {
		go eb.run()
	}
	return eb
}

// Subscribe registers handler for eventType; TypeAll receives every event.
// The returned func removes the registration and is safe to call twice.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) (cancel func()) {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, h: handler})
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { eb.unsubscribe(eventType, id) })
	}
}

func (eb *EventBus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) (cancel func()) {
	return eb.Subscribe(eventType, EventHandlerFunc(fn))
}

func (eb *EventBus) unsubscribe(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(eb.handlers, eventType)
		} else {
			eb.handlers[eventType] = subs
		}
		return
	}
}

// HasSubscribers reports whether an event of eventType would reach anyone.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0 || len(eb.handlers[TypeAll]) > 0
}

// Dropped counts events rejected because the queue was full.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make([]EventHandler, 0, len(eb.handlers[eventType])+len(eb.handlers[TypeAll]))
	for _, s := range eb.handlers[eventType] {
		out = append(out, s.h)
	}
	if eventType != TypeAll {
		for _, s := range eb.handlers[TypeAll] {
			out = append(out, s.h)
		}
	}
	return out
}

// Publish queues event without blocking. It fails with ErrChannelFull
// rather than wait for a worker.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		eb.dropped.Add(1)
		return ErrChannelFull
	}
}

// PublishSync runs every handler for event before returning and collects
// their errors.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()
	return dispatch(ctx, handlers, event)
}

// Stop refuses new events, delivers what is already queued and waits for
// the workers to exit.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()
	eb.wg.Wait()
}

func (eb *EventBus) run() {
	defer eb.wg.Done()
	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Type)
		for _, err := range dispatch(context.Background(), handlers, event) {
			eb.onError(event, err)
		}
	}
}

// dispatch runs handlers concurrently and turns panics into errors.
func dispatch(ctx context.Context, handlers []EventHandler, event Event) []error {
	if len(handlers) == 0 {
		return nil
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))
	for _, h := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(h)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed", "event", event.Type, "conversation_id", event.ConversationID, "err", err)
}

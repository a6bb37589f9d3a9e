// Package bus is the topic-addressed publish/subscribe hub that connects the
// pipeline workers.
//
// Publish never blocks: events are appended to a mutex-protected queue and a
// single dispatch goroutine delivers them. For each event every handler
// subscribed to its topic runs synchronously, in subscription order, on the
// dispatch goroutine. A slow handler therefore delays delivery for every
// topic. Handlers that fail or panic are logged and skipped.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
)

// DefaultHistorySize is the number of delivered events kept for History.
const DefaultHistorySize = 1000

// ErrHandlerFailure wraps errors and panics raised by subscribers.
var ErrHandlerFailure = errors.New("event handler failed")

// Event is a published message. Treat it and its payload as immutable.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler reacts to a delivered event.
type Handler func(ctx context.Context, ev Event) error

// Hooks are optional callbacks for instrumentation. Nil fields are skipped.
type Hooks struct {
	OnPublish        func(topic string)
	OnDrop           func(topic string)
	OnDeliver        func(topic string, handlers int, duration time.Duration)
	OnHandlerFailure func(topic string)
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize sets the history ring capacity. Values below 1 keep the default.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = newRing(n)
		}
	}
}

// WithHooks installs instrumentation callbacks.
func WithHooks(h Hooks) Option {
	return func(b *Bus) { b.hooks = h }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus is an owned publish/subscribe hub. The zero value is not usable; call New.
type Bus struct {
	logger log.Logger
	hooks  Hooks
	now    func() time.Time

	// mu guards subs, queue, history and the lifecycle flags.
	mu      sync.Mutex
	subs    map[string][]Handler
	queue   []Event
	history *ring
	started bool
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New creates a Bus. The dispatch loop does not run until Start.
func New(logger log.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = log.Nop()
	}
	b := &Bus{
		logger:  logger,
		now:     time.Now,
		subs:    make(map[string][]Handler),
		history: newRing(DefaultHistorySize),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers h for topic. Registering the same handler twice
// delivers each event to it twice.
func (b *Bus) Subscribe(topic string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish enqueues an event and returns it without waiting for delivery.
// Events published after the bus is stopped are dropped.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, sender string) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Sender:    sender,
		Timestamp: b.now().UTC(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn(ctx, "bus stopped, dropping event", "topic", topic, "event_id", ev.ID, "sender", sender)
		if b.hooks.OnDrop != nil {
			b.hooks.OnDrop(topic)
		}
		return ev
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}

	if b.hooks.OnPublish != nil {
		b.hooks.OnPublish(topic)
	}
	return ev
}

// Start launches the dispatch loop. ctx supplies values (logger, trace) to
// handlers; cancelling it does not stop the loop. The returned function stops
// the loop after delivering everything already queued, or returns when its
// own context expires.
func (b *Bus) Start(ctx context.Context) func(context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return b.stop
	}
	b.started = true
	b.mu.Unlock()

	go b.run(context.WithoutCancel(ctx))
	return b.stop
}

func (b *Bus) stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.quit)
	}
	started := b.started
	b.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus stop: %w", ctx.Err())
	}
}

// Pending returns the number of events waiting for delivery.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-b.wake:
			b.drain(ctx)
		case <-b.quit:
			b.drain(ctx)
			return
		}
	}
}

// drain delivers queued events until the queue is empty.
func (b *Bus) drain(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		handlers := slices.Clone(b.subs[ev.Topic])
		b.mu.Unlock()

		b.deliver(ctx, ev, handlers)
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event, handlers []Handler) {
	start := time.Now()
	for i, h := range handlers {
		if err := invoke(ctx, ev, h); err != nil {
			b.logger.Error(ctx, err, "event handler failed",
				"topic", ev.Topic,
				"event_id", ev.ID,
				"sender", ev.Sender,
				"handler_index", i,
			)
			if b.hooks.OnHandlerFailure != nil {
				b.hooks.OnHandlerFailure(ev.Topic)
			}
		}
	}

	b.mu.Lock()
	b.history.add(ev)
	b.mu.Unlock()

	if b.hooks.OnDeliver != nil {
		b.hooks.OnDeliver(ev.Topic, len(handlers), time.Since(start))
	}
}

func invoke(ctx context.Context, ev Event, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFailure, r)
		}
	}()
	if err := h(ContextWithEvent(ctx, ev), ev); err != nil {
		return fmt.Errorf("%w: %w", ErrHandlerFailure, err)
	}
	return nil
}

type eventKey struct{}

// ContextWithEvent returns ctx carrying ev. Handlers receive such a context
// so code below them can tell which event it is serving.
func ContextWithEvent(ctx context.Context, ev Event) context.Context {
	return context.WithValue(ctx, eventKey{}, ev)
}

// EventFromContext returns the event being delivered, if any.
func EventFromContext(ctx context.Context) (Event, bool) {
	ev, ok := ctx.Value(eventKey{}).(Event)
	return ev, ok
}

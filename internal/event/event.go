package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize    = 10000
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultRetryDelay  = 100 * time.Millisecond
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// Publisher hands events to a transport.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber registers handlers for events by name.
type Subscriber interface {
	Subscribe(name string, h Handler)
}

// DeadLetterFunc receives events whose handler kept failing after all attempts.
type DeadLetterFunc func(ctx context.Context, e Event, err error)

type Option func(*Bus)

// WithMaxAttempts sets how many times a failing handler is invoked for one event.
func WithMaxAttempts(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(b *Bus) {
		b.retryDelay = d
	}
}

func WithDeadLetter(f DeadLetterFunc) Option {
	return func(b *Bus) {
		b.deadLetter = f
	}
}

// Bus is an in-memory event bus. Every handler gets its own delivery of an event,
// a failing handler is retried up to the max attempts, then the event is dead-lettered.
type Bus struct {
	pool        chan struct{}
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	handlers    map[string][]Handler
	maxAttempts int
	retryDelay  time.Duration
	deadLetter  DeadLetterFunc
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		pool:        make(chan struct{}, defaultPoolSize),
		wg:          new(sync.WaitGroup),
		handlers:    make(map[string][]Handler),
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		deadLetter:  logDeadLetter,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], h)
}

// Publish an event. Handlers run asynchronously, so the returned error is always nil.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers[e.Name()] {
		b.dispatch(ctx, h, e)
	}

	return nil
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	b.wg.Add(1)

	b.pool <- struct{}{}

	go func() {
		defer func() {
			<-b.pool
			b.wg.Done()
		}()

		var err error
		for attempt := 1; attempt <= b.maxAttempts; attempt++ {
			if err = b.handle(ctx, h, e); err == nil {
				return
			}

			slog.WarnContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"attempt", attempt,
				"error", err,
			)

			if attempt < b.maxAttempts {
				time.Sleep(b.retryDelay * time.Duration(attempt))
			}
		}

		b.deadLetter(ctx, e, err)
	}()
}

func (b *Bus) handle(ctx context.Context, h Handler, e Event) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v, stack: %s", r, debug.Stack())
		}

		cancel()
	}()

	return h(ctx, e)
}

// Stop waits for all handlers to finish
func (b *Bus) Stop() {
	b.wg.Wait()
}

func logDeadLetter(ctx context.Context, e Event, err error) {
	slog.ErrorContext(ctx, "event: dropped event after retries",
		"event", e.Name(),
		"error", err,
	)
}

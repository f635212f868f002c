// Package rabbitmq carries events over a durable RabbitMQ topic exchange.
//
// Every event is published with its name as routing key. Consumers share one durable
// quorum queue (competing consumers), acknowledge only after their handler succeeded and
// rely on the queue delivery limit to dead-letter messages that keep failing.
package rabbitmq

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizrank/internal/event"
)

const (
	defaultExchange       = "quiz_events"
	defaultPrefetch       = 1
	defaultDeliveryLimit  = 5
	defaultHandlerTimeout = 30 * time.Second
	defaultDialAttempts   = 10
	defaultDialDelay      = 5 * time.Second
)

// Decoder rebuilds an event from its routing key and body.
type Decoder func(name string, body []byte) (event.Event, error)

type Config struct {
	URL      string
	Exchange string
	// Queue is shared by all instances of a consumer group. Empty means publish only.
	Queue         string
	Prefetch      int
	DeliveryLimit int
	Decode        Decoder

	DialAttempts int
	DialDelay    time.Duration
}

type Client struct {
	c    Config
	conn *amqp.Connection
	pub  *amqp.Channel

	mu       sync.RWMutex
	handlers map[string][]event.Handler
}

// Dial connects to RabbitMQ, retrying while the broker is starting, and declares the exchange.
func Dial(ctx context.Context, c Config) (*Client, error) {
	if c.Exchange == "" {
		c.Exchange = defaultExchange
	}
	if c.Prefetch <= 0 {
		c.Prefetch = defaultPrefetch
	}
	if c.DeliveryLimit <= 0 {
		c.DeliveryLimit = defaultDeliveryLimit
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = defaultDialAttempts
	}
	if c.DialDelay <= 0 {
		c.DialDelay = defaultDialDelay
	}

	conn, err := dial(ctx, c)
	if err != nil {
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	if err := pub.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}

	if err := pub.ExchangeDeclare(c.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: declare exchange %s: %w", c.Exchange, err)
	}

	return &Client{
		c:        c,
		conn:     conn,
		pub:      pub,
		handlers: make(map[string][]event.Handler),
	}, nil
}

func dial(ctx context.Context, c Config) (*amqp.Connection, error) {
	var err error
	for attempt := 1; attempt <= c.DialAttempts; attempt++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(c.URL)
		if err == nil {
			return conn, nil
		}

		slog.WarnContext(ctx, "rabbitmq: dial failed",
			"attempt", attempt,
			"max_attempts", c.DialAttempts,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.DialDelay):
		}
	}

	return nil, fmt.Errorf("rabbitmq: dial: %w", err)
}

// Publish sends a persistent JSON message and waits for the broker confirmation.
func (c *Client) Publish(ctx context.Context, e event.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal %s: %w", e.Name(), err)
	}

	dc, err := c.pub.PublishWithDeferredConfirmWithContext(ctx, c.c.Exchange, e.Name(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         e.Name(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", e.Name(), err)
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq: wait confirm %s: %w", e.Name(), err)
	}
	if !ok {
		return fmt.Errorf("rabbitmq: %s nacked by broker", e.Name())
	}

	return nil
}

// Subscribe registers h for the event name. Must be called before Run.
func (c *Client) Subscribe(name string, h event.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[name] = append(c.handlers[name], h)
}

// Run declares the consumer queue, binds it to every subscribed event and consumes until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if c.c.Queue == "" {
		return stderrors.New("rabbitmq: no queue configured")
	}
	if c.c.Decode == nil {
		return stderrors.New("rabbitmq: no decoder configured")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	defer ch.Close()

	if err := c.declareQueue(ch); err != nil {
		return err
	}

	if err := ch.Qos(c.c.Prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq: qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume %s: %w", c.c.Queue, err)
	}

	slog.InfoContext(ctx, "rabbitmq: consuming", "queue", c.c.Queue, "prefetch", c.c.Prefetch)

	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.c.Prefetch; i++ {
		eg.Go(func() error {
			for d := range deliveries {
				c.deliver(ctx, d)
			}
			return nil
		})
	}

	eg.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-closed:
			if !ok || err == nil {
				return nil
			}
			return fmt.Errorf("rabbitmq: connection closed: %w", err)
		}
	})

	return eg.Wait()
}

func (c *Client) declareQueue(ch *amqp.Channel) error {
	dlx := c.c.Exchange + ".dlx"
	dlq := c.c.Queue + ".dead"

	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange %s: %w", dlx, err)
	}

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, amqp.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		return fmt.Errorf("rabbitmq: declare queue %s: %w", dlq, err)
	}

	if err := ch.QueueBind(dlq, "", dlx, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind %s: %w", dlq, err)
	}

	if _, err := ch.QueueDeclare(c.c.Queue, true, false, false, false, amqp.Table{
		"x-queue-type":           "quorum",
		"x-delivery-limit":       int32(c.c.DeliveryLimit),
		"x-dead-letter-exchange": dlx,
		"x-dead-letter-strategy": "at-least-once",
		"x-overflow":             "reject-publish",
	}); err != nil {
		return fmt.Errorf("rabbitmq: declare queue %s: %w", c.c.Queue, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for name := range c.handlers {
		if err := ch.QueueBind(c.c.Queue, name, c.c.Exchange, false, nil); err != nil {
			return fmt.Errorf("rabbitmq: bind %s to %s: %w", c.c.Queue, name, err)
		}
	}

	return nil
}

// deliver runs the handlers of a delivery. A message is acknowledged only when all handlers
// succeeded, requeued when one failed and rejected to the dead-letter exchange when it
// cannot be decoded.
func (c *Client) deliver(ctx context.Context, d amqp.Delivery) {
	e, err := c.c.Decode(d.RoutingKey, d.Body)
	if err != nil {
		slog.ErrorContext(ctx, "rabbitmq: drop undecodable message",
			"routing_key", d.RoutingKey,
			"error", err,
		)
		if err := d.Nack(false, false); err != nil {
			slog.ErrorContext(ctx, "rabbitmq: nack failed", "error", err)
		}
		return
	}

	c.mu.RLock()
	handlers := c.handlers[e.Name()]
	c.mu.RUnlock()

	for _, h := range handlers {
		if err := c.handle(ctx, h, e); err != nil {
			slog.ErrorContext(ctx, "rabbitmq: handle event failed, requeue",
				"event", e.Name(),
				"redelivered", d.Redelivered,
				"error", err,
			)
			if err := d.Nack(false, true); err != nil {
				slog.ErrorContext(ctx, "rabbitmq: nack failed", "error", err)
			}
			return
		}
	}

	if err := d.Ack(false); err != nil {
		slog.ErrorContext(ctx, "rabbitmq: ack failed", "event", e.Name(), "error", err)
	}
}

func (c *Client) handle(ctx context.Context, h event.Handler, e event.Event) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultHandlerTimeout)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}

		cancel()
	}()

	return h(ctx, e)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/qvcloud/portfolio/broker"
	"github.com/qvcloud/portfolio/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ReceiveMessage is the hub event every queued notification is broadcast as.
const ReceiveMessage = "ReceiveMessage"

// sender is the first broadcast argument for messages that came off the queue.
const sender = "queue"

// Broadcaster fans an event out to every connected client.
type Broadcaster interface {
	PublishAll(ctx context.Context, event string, args ...any) error
}

// State is the lifecycle position of a Consumer.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateListening
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Consumer drains a queue and forwards each message to a Broadcaster.
// Messages are acknowledged on receipt: a message the hub cannot broadcast
// is logged and dropped.
type Consumer struct {
	broker broker.Broker
	hub    Broadcaster
	queue  broker.QueueSpec
	opts   options
	logger *slog.Logger

	forwarded metric.Int64Counter

	mu      sync.Mutex
	state   State
	err     error
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewConsumer connects b, which must not be shared with a Producer. Call
// Start to begin receiving.
func NewConsumer(b broker.Broker, hub Broadcaster, q broker.QueueSpec, opts ...Option) (*Consumer, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	o := newOptions(append([]Option{inherit(b.Options())}, opts...)...)
	logger := o.logger.With(slog.String("component", "consumer"), slog.String("queue", q.Name), slog.String("broker", b.String()))

	if err := b.Connect(); err != nil {
		logger.Error("consumer connect failed", slog.String("error", err.Error()))
		return nil, err
	}

	forwarded, err := o.meter.Int64Counter("notify.forwarded",
		metric.WithDescription("Queued notifications broadcast to the hub, by outcome."))
	if err != nil {
		b.Disconnect()
		return nil, fmt.Errorf("notify: create counter: %w", err)
	}

	return &Consumer{
		broker:    b,
		hub:       hub,
		queue:     q,
		opts:      o,
		logger:    logger,
		forwarded: forwarded,
		state:     StateCreated,
	}, nil
}

// Start declares the queue and begins receiving in the background. It returns
// once the subscription is live. Cancelling ctx ends the receive loop; Stop
// must still be called to disconnect.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateCreated || c.stopped {
		return ErrAlreadyStarted
	}
	c.state = StateConnecting

	if err := c.broker.Declare(ctx, c.queue); err != nil {
		c.fail(err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	handler := middleware.OtelHandler(c.handle,
		middleware.WithTracer(c.opts.tracer),
		middleware.WithSystem(c.broker.String()))

	sub, err := c.broker.Subscribe(c.queue.Name, handler,
		broker.WithQueue(c.queue.Name),
		broker.SubscribeContext(ctx))
	if err != nil {
		cancel()
		c.fail(err)
		return err
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateListening
	c.logger.Info("consumer listening")

	go c.watch(ctx, sub, c.done)
	return nil
}

// watch ends the subscription when ctx is cancelled and records a
// subscription the broker dropped. It closes done on return.
func (c *Consumer) watch(ctx context.Context, sub broker.Subscriber, done chan struct{}) {
	defer close(done)

	select {
	case <-ctx.Done():
	case <-sub.Done():
		if err := sub.Err(); err != nil {
			c.mu.Lock()
			c.fail(err)
			c.mu.Unlock()
		}
	}
	sub.Unsubscribe()
}

// fail must be called with c.mu held.
func (c *Consumer) fail(err error) {
	c.state = StateFailed
	c.err = err
	c.logger.Error("consumer failed", slog.String("error", err.Error()))
}

func (c *Consumer) handle(ctx context.Context, event broker.Event) error {
	text := strings.ToValidUTF8(string(event.Message().Body), "\uFFFD")

	if err := c.hub.PublishAll(ctx, ReceiveMessage, sender, text); err != nil {
		c.forwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		fe := &ForwardError{Queue: c.queue.Name, Err: err}
		c.logger.Error("forward to hub failed", slog.String("error", err.Error()))
		return fe
	}

	c.forwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	return nil
}

// Stop ends the subscription, waits for the message in flight and
// disconnects. It is safe to call more than once and before Start.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	if c.state == StateListening {
		c.state = StateStopping
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	err := c.broker.Disconnect()

	c.mu.Lock()
	if c.state != StateFailed {
		c.state = StateStopped
	}
	c.mu.Unlock()
	c.logger.Info("consumer stopped")
	return err
}

// State reports the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the consumer to StateFailed, if any.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the receive loop has exited. It is nil before Start.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

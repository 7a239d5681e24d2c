// Package notify moves notification messages between HTTP ingress, the
// message broker and the broadcast hub.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qvcloud/portfolio/broker"
	"github.com/qvcloud/portfolio/middleware"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type contentTyper interface {
	ContentType(v any) string
}

// Producer publishes notifications to a single queue over its own broker
// connection. It is safe for concurrent use.
type Producer struct {
	broker  broker.Broker
	queue   broker.QueueSpec
	codec   broker.Marshaler
	opts    options
	logger  *slog.Logger
	publish middleware.PublishFunc
	breaker *gobreaker.CircuitBreaker

	published metric.Int64Counter

	closeOnce sync.Once
	closeErr  error
}

// NewProducer connects b and declares q. b must not be shared with a
// Consumer. On error nothing is left connected.
func NewProducer(ctx context.Context, b broker.Broker, q broker.QueueSpec, opts ...Option) (*Producer, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	o := newOptions(append([]Option{inherit(b.Options())}, opts...)...)
	logger := o.logger.With(slog.String("component", "producer"), slog.String("queue", q.Name), slog.String("broker", b.String()))

	if err := b.Connect(); err != nil {
		logger.Error("producer connect failed", slog.String("error", err.Error()))
		return nil, err
	}
	if err := b.Declare(ctx, q); err != nil {
		logger.Error("producer declare failed", slog.String("error", err.Error()))
		b.Disconnect()
		return nil, err
	}

	published, err := o.meter.Int64Counter("notify.published",
		metric.WithDescription("Notifications handed to the broker, by outcome."))
	if err != nil {
		b.Disconnect()
		return nil, fmt.Errorf("notify: create counter: %w", err)
	}

	codec := b.Options().Codec
	if codec == nil {
		codec = broker.JsonMarshaler{}
	}

	p := &Producer{
		broker:    b,
		queue:     q,
		codec:     codec,
		opts:      o,
		logger:    logger,
		published: published,
	}
	p.publish = middleware.OtelPublish(p.send,
		middleware.WithTracer(o.tracer),
		middleware.WithSystem(b.String()))

	if o.failureThreshold > 0 {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "producer:" + q.Name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     o.resetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= o.failureThreshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("producer circuit breaker state changed",
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	logger.Info("producer ready")
	return p, nil
}

// Queue returns the queue the producer publishes to.
func (p *Producer) Queue() broker.QueueSpec {
	return p.queue
}

// Publish serializes payload with the broker's codec and hands it to the
// broker. The default JSON codec sends strings and byte slices as-is and
// everything else as JSON. A nil error means the broker
// accepted the message, not that anyone consumed it. Failures are returned as
// *broker.PublishError and never retried here.
func (p *Producer) Publish(ctx context.Context, payload any) error {
	body, err := p.codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}
	msg := &broker.Message{
		Header: map[string]string{},
		Body:   body,
	}
	if ct, ok := p.codec.(contentTyper); ok {
		msg.Header["content-type"] = ct.ContentType(payload)
	}

	if p.opts.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.publishTimeout)
		defer cancel()
	}

	if p.breaker != nil {
		_, err = p.breaker.Execute(func() (interface{}, error) {
			return nil, p.publish(ctx, p.queue.Name, msg)
		})
	} else {
		err = p.publish(ctx, p.queue.Name, msg)
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &broker.PublishError{Broker: p.broker.String(), Topic: p.queue.Name, Err: err}
		}
		p.published.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		p.logger.Error("publish failed", slog.String("error", err.Error()))
		return err
	}

	p.published.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	p.logger.Debug("notification published", slog.Int("bytes", len(body)))
	return nil
}

func (p *Producer) send(ctx context.Context, topic string, msg *broker.Message) error {
	return p.broker.Publish(ctx, topic, msg, p.opts.publishOptions...)
}

// Close disconnects the producer. It is safe to call more than once.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.broker.Disconnect()
		p.logger.Info("producer closed")
	})
	return p.closeErr
}

// Package rocketmq implements broker.Broker on Apache RocketMQ. A queue is a
// topic consumed by a push consumer group of the same name.
package rocketmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/qvcloud/portfolio/broker"
)

type consumeFunc func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)

type rmqProducer interface {
	Start() error
	Shutdown() error
	SendSync(ctx context.Context, mq ...*primitive.Message) (*primitive.SendResult, error)
}

type rmqConsumer interface {
	Start() error
	Shutdown() error
	Subscribe(topic string, selector consumer.MessageSelector, f func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)) error
}

type rmqBroker struct {
	opts broker.Options

	sync.RWMutex
	producer rmqProducer
	subs     []*rmqSubscriber
	running  bool

	// Internal factories for testing
	newProducer func(addrs []string, group string) (rmqProducer, error)
	newConsumer func(addrs []string, group string) (rmqConsumer, error)
}

func (r *rmqBroker) Options() broker.Options { return r.opts }

func (r *rmqBroker) Address() string {
	if len(r.opts.Addrs) > 0 {
		return r.opts.Addrs[0]
	}
	return ""
}

func (r *rmqBroker) Init(opts ...broker.Option) error {
	for _, o := range opts {
		o(&r.opts)
	}
	return nil
}

func (r *rmqBroker) Connect() error {
	r.Lock()
	defer r.Unlock()

	if r.running {
		return nil
	}

	addr := r.Address()
	if addr == "" {
		return &broker.ConfigurationError{Field: "broker.uri", Reason: "is required"}
	}

	group := r.opts.ClientID
	if v, ok := broker.GetTrackedValue(r.opts.Context, producerGroupKey{}).(string); ok {
		group = v
	}

	log := r.opts.Logger.With(slog.String("broker", "rocketmq"), slog.String("addr", addr))

	p, err := r.newProducer(r.opts.Addrs, group)
	if err == nil {
		err = p.Start()
	}
	if err != nil {
		log.Error("rocketmq connect failed", slog.String("error", err.Error()))
		return &broker.ConnectionError{Broker: "rocketmq", Addr: addr, Err: err}
	}
	r.producer = p
	r.running = true
	log.Info("rocketmq connected")

	broker.WarnUnconsumed(r.opts.Context, r.opts.Logger)
	return nil
}

func (r *rmqBroker) Disconnect() error {
	r.Lock()
	if !r.running {
		r.Unlock()
		return nil
	}
	r.running = false
	p := r.producer
	r.producer = nil
	subs := r.subs
	r.subs = nil
	r.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Unsubscribe())
	}
	if p != nil {
		errs = append(errs, p.Shutdown())
	}
	r.opts.Logger.Info("rocketmq disconnected", slog.String("addr", r.Address()))
	return errors.Join(errs...)
}

// Declare only validates q. Topics are created by the name server's
// auto-create setting or by the cluster administrator.
func (r *rmqBroker) Declare(ctx context.Context, q broker.QueueSpec) error {
	if err := q.Validate(); err != nil {
		return err
	}

	r.RLock()
	defer r.RUnlock()
	if !r.running {
		return broker.ErrNotConnected
	}
	return nil
}

func (r *rmqBroker) Publish(ctx context.Context, topic string, msg *broker.Message, opts ...broker.PublishOption) error {
	options := broker.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	r.RLock()
	p := r.producer
	r.RUnlock()
	if p == nil {
		return &broker.PublishError{Broker: "rocketmq", Topic: topic, Err: broker.ErrNotConnected}
	}

	rmqMsg := primitive.NewMessage(topic, msg.Body)
	for k, v := range msg.Header {
		rmqMsg.WithProperty(k, v)
	}

	if options.ShardingKey != "" {
		rmqMsg.WithShardingKey(options.ShardingKey)
	}
	if v, ok := broker.GetTrackedValue(options.Context, tagKey{}).(string); ok {
		rmqMsg.WithTag(v)
	}

	res, err := p.SendSync(ctx, rmqMsg)
	if err != nil {
		return &broker.PublishError{Broker: "rocketmq", Topic: topic, Err: err}
	}
	if res.Status != primitive.SendOK {
		return &broker.PublishError{Broker: "rocketmq", Topic: topic, Err: fmt.Errorf("send status %d", res.Status)}
	}

	broker.WarnUnconsumed(options.Context, r.opts.Logger)
	return nil
}

func (r *rmqBroker) Subscribe(topic string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Subscriber, error) {
	options := broker.NewSubscribeOptions(opts...)
	if options.Queue == "" {
		options.Queue = topic
	}

	r.Lock()
	defer r.Unlock()

	if !r.running {
		return nil, broker.ErrNotConnected
	}

	c, err := r.newConsumer(r.opts.Addrs, options.Queue)
	if err != nil {
		return nil, fmt.Errorf("rocketmq: new consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(options.Context)
	sub := &rmqSubscriber{
		topic:    topic,
		opts:     options,
		consumer: c,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if err := c.Subscribe(topic, consumer.MessageSelector{}, r.consume(ctx, topic, handler, options)); err != nil {
		cancel()
		return nil, fmt.Errorf("rocketmq: subscribe %q: %w", topic, err)
	}
	if err := c.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("rocketmq: start consumer: %w", err)
	}

	r.subs = append(r.subs, sub)
	return sub, nil
}

// consume adapts handler to a push consumer callback. Under auto-ack every
// batch is reported consumed; otherwise a handler failure asks for redelivery.
func (r *rmqBroker) consume(ctx context.Context, topic string, handler broker.Handler, options broker.SubscribeOptions) consumeFunc {
	return func(_ context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, m := range msgs {
			if ctx.Err() != nil {
				return consumer.ConsumeRetryLater, ctx.Err()
			}

			event := &rmqEvent{
				topic: topic,
				message: &broker.Message{
					Header: m.GetProperties(),
					Body:   m.Body,
				},
			}
			if err := handler(ctx, event); err != nil {
				event.err = err
				if eh := r.opts.ErrorHandler; eh != nil {
					eh(ctx, event)
				}
				if !options.AutoAck {
					return consumer.ConsumeRetryLater, err
				}
			}
		}
		return consumer.ConsumeSuccess, nil
	}
}

func (r *rmqBroker) String() string {
	return "rocketmq"
}

type rmqSubscriber struct {
	topic    string
	opts     broker.SubscribeOptions
	consumer rmqConsumer
	cancel   context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

func (s *rmqSubscriber) Options() broker.SubscribeOptions {
	return s.opts
}

func (s *rmqSubscriber) Topic() string {
	return s.topic
}

func (s *rmqSubscriber) Done() <-chan struct{} {
	return s.done
}

func (s *rmqSubscriber) Err() error {
	return nil
}

func (s *rmqSubscriber) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.consumer.Shutdown()
		close(s.done)
	})
	return s.err
}

type rmqEvent struct {
	topic   string
	message *broker.Message
	err     error
}

func (e *rmqEvent) Topic() string {
	return e.topic
}

func (e *rmqEvent) Message() *broker.Message {
	return e.message
}

// Ack and Nack are settled by the consume result of the batch.
func (e *rmqEvent) Ack() error {
	return nil
}

func (e *rmqEvent) Nack(requeue bool) error {
	return nil
}

func (e *rmqEvent) Error() error {
	return e.err
}

func NewBroker(opts ...broker.Option) broker.Broker {
	options := broker.NewOptions(opts...)

	return &rmqBroker{
		opts: *options,
		newProducer: func(addrs []string, group string) (rmqProducer, error) {
			popts := []producer.Option{
				producer.WithNameServer(addrs),
				producer.WithRetry(2),
			}
			if group != "" {
				popts = append(popts, producer.WithGroupName(group))
			}
			return rocketmq.NewProducer(popts...)
		},
		newConsumer: func(addrs []string, group string) (rmqConsumer, error) {
			return rocketmq.NewPushConsumer(
				consumer.WithNameServer(addrs),
				consumer.WithGroupName(group),
			)
		},
	}
}

type producerGroupKey struct{}
type tagKey struct{}

// WithProducerGroup sets the producer group; it defaults to the client ID.
func WithProducerGroup(group string) broker.Option {
	return func(o *broker.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, producerGroupKey{}, group, "rocketmq.WithProducerGroup")
	}
}

// WithTag sets the message tag used for server-side filtering.
func WithTag(tag string) broker.PublishOption {
	return func(o *broker.PublishOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, tagKey{}, tag, "rocketmq.WithTag")
	}
}

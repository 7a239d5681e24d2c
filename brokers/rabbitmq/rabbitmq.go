// Package rabbitmq implements broker.Broker on top of AMQP 0-9-1.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/portfolio/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

type rabbitConn interface {
	Channel() (rabbitChannel, error)
	Close() error
	IsClosed() bool
}

type rabbitChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
	Qos(prefetchCount, prefetchSize int, global bool) error
}

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (rabbitChannel, error) {
	return w.Connection.Channel()
}

type rmqBroker struct {
	opts broker.Options

	sync.RWMutex
	conn     rabbitConn
	channel  rabbitChannel
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	declared map[string]broker.QueueSpec
	subs     map[string]*rmqSubscriber

	// Internal factories for testing
	newConn func(addr string, config amqp.Config) (rabbitConn, error)

	// reconnectInterval is zero unless WithReconnectInterval is set, in which
	// case lost connections are redialed on that fixed interval.
	reconnectInterval time.Duration
	prefetchCount     int
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

	if v, ok := broker.GetTrackedValue(r.opts.Context, reconnectIntervalKey{}).(time.Duration); ok {
		r.reconnectInterval = v
	}
	if v, ok := broker.GetTrackedValue(r.opts.Context, prefetchCountKey{}).(int); ok {
		r.prefetchCount = v
	}

	log := r.opts.Logger.With(slog.String("broker", "rabbitmq"), slog.String("addr", broker.Redact(addr)))

	conn, ch, err := r.dial(addr)
	if err != nil {
		log.Error("rabbitmq connect failed", slog.String("error", err.Error()))
		return &broker.ConnectionError{Broker: "rabbitmq", Addr: addr, Err: err}
	}
	r.conn = conn
	r.channel = ch

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
	log.Info("rabbitmq connected")

	broker.WarnUnconsumed(r.opts.Context, r.opts.Logger)

	if r.reconnectInterval > 0 {
		go r.watch(r.ctx, addr)
	}

	return nil
}

func (r *rmqBroker) dial(addr string) (rabbitConn, rabbitChannel, error) {
	config := amqp.Config{
		TLSClientConfig: r.opts.TLSConfig,
	}
	if config.TLSClientConfig == nil && r.opts.Secure {
		config.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if r.opts.ClientID != "" {
		config.Properties = amqp.Table{
			"connection_name": r.opts.ClientID,
		}
	}

	conn, err := r.newConn(addr, config)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

// watch redials a closed connection until ctx is cancelled.
func (r *rmqBroker) watch(ctx context.Context, addr string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.reconnectInterval):
		}

		r.RLock()
		conn := r.conn
		r.RUnlock()
		if conn != nil && !conn.IsClosed() {
			continue
		}

		r.opts.Logger.Warn("rabbitmq connection lost, reconnecting", slog.String("addr", broker.Redact(addr)))
		conn, ch, err := r.dial(addr)
		if err != nil {
			r.opts.Logger.Error("rabbitmq reconnect failed", slog.String("error", err.Error()))
			continue
		}

		r.Lock()
		if !r.running {
			r.Unlock()
			ch.Close()
			conn.Close()
			return
		}
		r.conn = conn
		r.channel = ch
		r.Unlock()
		r.opts.Logger.Info("rabbitmq reconnected", slog.String("addr", broker.Redact(addr)))
	}
}

func (r *rmqBroker) Disconnect() error {
	r.Lock()
	if !r.running {
		r.Unlock()
		return nil
	}
	r.running = false
	if r.cancel != nil {
		r.cancel()
	}
	subs := r.subs
	r.subs = nil
	ch, conn := r.channel, r.conn
	r.channel, r.conn = nil, nil
	r.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	r.opts.Logger.Info("rabbitmq disconnected", slog.String("addr", broker.Redact(r.Address())))
	return errors.Join(errs...)
}

func (r *rmqBroker) Declare(ctx context.Context, q broker.QueueSpec) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	if r.channel == nil {
		return broker.ErrNotConnected
	}

	if err := declare(r.channel, q); err != nil {
		// A failed declaration closes the channel on the server side.
		if r.conn != nil {
			if ch, cerr := r.conn.Channel(); cerr == nil {
				r.channel = ch
			}
		}
		return err
	}

	if r.declared == nil {
		r.declared = make(map[string]broker.QueueSpec)
	}
	r.declared[q.Name] = q
	return nil
}

func declare(ch rabbitChannel, q broker.QueueSpec) error {
	_, err := ch.QueueDeclare(
		q.Name,                    // name
		q.Durable,                 // durable
		q.AutoDelete,              // delete when unused
		q.Exclusive,               // exclusive
		false,                     // no-wait
		amqp.Table(q.Arguments()), // arguments
	)
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("rabbitmq: declare queue %q: %w: %s", q.Name, broker.ErrQueueMismatch, amqpErr.Reason)
	}
	return fmt.Errorf("rabbitmq: declare queue %q: %w", q.Name, err)
}

func (r *rmqBroker) Publish(ctx context.Context, topic string, msg *broker.Message, opts ...broker.PublishOption) error {
	options := broker.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	r.RLock()
	ch := r.channel
	r.RUnlock()

	if ch == nil {
		return &broker.PublishError{Broker: "rabbitmq", Topic: topic, Err: broker.ErrNotConnected}
	}

	priority := uint8(0)
	deliveryMode := amqp.Transient
	mandatory := false

	if options.Context != nil {
		if v, ok := broker.GetTrackedValue(options.Context, priorityKey{}).(int); ok {
			priority = uint8(v)
		}
		if v, ok := broker.GetTrackedValue(options.Context, persistentKey{}).(bool); ok && v {
			deliveryMode = amqp.Persistent
		}
		if v, ok := broker.GetTrackedValue(options.Context, mandatoryKey{}).(bool); ok {
			mandatory = v
		}
	}

	contentType := "application/octet-stream"
	if v, ok := msg.Header["content-type"]; ok {
		contentType = v
	}

	err := ch.PublishWithContext(ctx,
		"",        // default exchange
		topic,     // routing key
		mandatory, // mandatory
		false,     // immediate
		amqp.Publishing{
			Headers:      amqp.Table(stringMapToTable(msg.Header)),
			ContentType:  contentType,
			Body:         msg.Body,
			Priority:     priority,
			DeliveryMode: deliveryMode,
			Timestamp:    time.Now(),
		})
	if err != nil {
		return &broker.PublishError{Broker: "rabbitmq", Topic: topic, Err: err}
	}

	broker.WarnUnconsumed(options.Context, r.opts.Logger)
	return nil
}

// Subscribe opens a dedicated channel and starts consuming from the queue
// named by the Queue option, or from topic when none is given. The queue must
// already exist.
func (r *rmqBroker) Subscribe(topic string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Subscriber, error) {
	options := broker.NewSubscribeOptions(opts...)
	if options.Queue == "" {
		options.Queue = topic
	}

	r.Lock()
	defer r.Unlock()

	if !r.running || r.conn == nil {
		return nil, broker.ErrNotConnected
	}

	ch, msgs, err := r.consume(r.conn, options)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	sub := &rmqSubscriber{
		id:     uuid.New().String(),
		topic:  topic,
		opts:   options,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub.remove = func() {
		r.Lock()
		delete(r.subs, sub.id)
		r.Unlock()
	}
	if r.subs == nil {
		r.subs = make(map[string]*rmqSubscriber)
	}
	r.subs[sub.id] = sub

	go r.runSubscriber(ctx, sub, handler, ch, msgs)

	return sub, nil
}

func (r *rmqBroker) consume(conn rabbitConn, options broker.SubscribeOptions) (rabbitChannel, <-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq: open consumer channel: %w", err)
	}

	if r.prefetchCount > 0 {
		if err := ch.Qos(r.prefetchCount, 0, false); err != nil {
			ch.Close()
			return nil, nil, fmt.Errorf("rabbitmq: set prefetch: %w", err)
		}
	}

	msgs, err := ch.Consume(
		options.Queue,   // queue
		"",              // consumer
		options.AutoAck, // auto-ack
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("rabbitmq: consume %q: %w", options.Queue, err)
	}
	return ch, msgs, nil
}

func (r *rmqBroker) runSubscriber(ctx context.Context, sub *rmqSubscriber, handler broker.Handler, ch rabbitChannel, msgs <-chan amqp.Delivery) {
	log := r.opts.Logger.With(slog.String("broker", "rabbitmq"), slog.String("queue", sub.opts.Queue))

	for {
		select {
		case <-ctx.Done():
			ch.Close()
			sub.finish(nil)
			return
		case d, ok := <-msgs:
			if ok {
				r.handle(ctx, sub, handler, d)
				continue
			}

			ch.Close()
			if r.reconnectInterval <= 0 {
				log.Error("rabbitmq delivery channel closed")
				sub.finish(broker.ErrSubscriptionLost)
				return
			}

			log.Warn("rabbitmq delivery channel closed, resubscribing")
			ch, msgs, ok = r.resubscribe(ctx, sub.opts)
			if !ok {
				sub.finish(nil)
				return
			}
			log.Info("rabbitmq consumer resubscribed")
		}
	}
}

// resubscribe waits for a usable connection and restarts consumption. It
// returns false when ctx is cancelled first.
func (r *rmqBroker) resubscribe(ctx context.Context, options broker.SubscribeOptions) (rabbitChannel, <-chan amqp.Delivery, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil, false
		case <-time.After(r.reconnectInterval):
		}

		r.RLock()
		conn := r.conn
		spec, declared := r.declared[options.Queue]
		r.RUnlock()
		if conn == nil || conn.IsClosed() {
			continue
		}

		if declared {
			ch, err := conn.Channel()
			if err != nil {
				continue
			}
			err = declare(ch, spec)
			ch.Close()
			if err != nil {
				r.opts.Logger.Error("rabbitmq redeclare failed", slog.String("error", err.Error()))
				continue
			}
		}

		ch, msgs, err := r.consume(conn, options)
		if err != nil {
			r.opts.Logger.Error("rabbitmq resubscribe failed", slog.String("error", err.Error()))
			continue
		}
		return ch, msgs, true
	}
}

func (r *rmqBroker) handle(ctx context.Context, sub *rmqSubscriber, handler broker.Handler, d amqp.Delivery) {
	header := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		header[k] = fmt.Sprint(v)
	}

	event := &rmqEvent{
		topic: d.RoutingKey,
		message: &broker.Message{
			Header: header,
			Body:   d.Body,
		},
		delivery: d,
	}

	if err := handler(ctx, event); err != nil {
		event.err = err
		if eh := r.opts.ErrorHandler; eh != nil {
			eh(ctx, event)
		}
		if !sub.opts.AutoAck {
			d.Nack(false, true)
		}
		return
	}
	if !sub.opts.AutoAck {
		d.Ack(false)
	}
}

func (r *rmqBroker) String() string {
	return "rabbitmq"
}

type rmqSubscriber struct {
	id     string
	topic  string
	opts   broker.SubscribeOptions
	cancel context.CancelFunc
	remove func()

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *rmqSubscriber) Options() broker.SubscribeOptions { return s.opts }
func (s *rmqSubscriber) Topic() string                    { return s.topic }
func (s *rmqSubscriber) Done() <-chan struct{}            { return s.done }

func (s *rmqSubscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe cancels consumption and waits for the handler in flight.
func (s *rmqSubscriber) Unsubscribe() error {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	if s.remove != nil {
		s.remove()
	}
	return nil
}

func (s *rmqSubscriber) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

type rmqEvent struct {
	topic    string
	message  *broker.Message
	delivery amqp.Delivery
	err      error
}

func (e *rmqEvent) Topic() string            { return e.topic }
func (e *rmqEvent) Message() *broker.Message { return e.message }
func (e *rmqEvent) Ack() error               { return e.delivery.Ack(false) }
func (e *rmqEvent) Nack(requeue bool) error  { return e.delivery.Nack(false, requeue) }
func (e *rmqEvent) Error() error             { return e.err }

func NewBroker(opts ...broker.Option) broker.Broker {
	options := broker.NewOptions(opts...)
	return &rmqBroker{
		opts: *options,
		newConn: func(addr string, config amqp.Config) (rabbitConn, error) {
			conn, err := amqp.DialConfig(addr, config)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		},
	}
}

type prefetchCountKey struct{}
type reconnectIntervalKey struct{}

// WithPrefetchCount limits unacknowledged deliveries per consumer channel.
func WithPrefetchCount(count int) broker.Option {
	return func(o *broker.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, prefetchCountKey{}, count, "rabbitmq.WithPrefetchCount")
	}
}

// WithReconnectInterval enables redialing a lost connection, and resuming
// its subscriptions, every d. Zero keeps the default of staying down.
func WithReconnectInterval(d time.Duration) broker.Option {
	return func(o *broker.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, reconnectIntervalKey{}, d, "rabbitmq.WithReconnectInterval")
	}
}

type priorityKey struct{}
type persistentKey struct{}
type mandatoryKey struct{}

func WithPriority(p int) broker.PublishOption {
	return func(o *broker.PublishOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, priorityKey{}, p, "rabbitmq.WithPriority")
	}
}

func WithPersistent(p bool) broker.PublishOption {
	return func(o *broker.PublishOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, persistentKey{}, p, "rabbitmq.WithPersistent")
	}
}

func WithMandatory() broker.PublishOption {
	return func(o *broker.PublishOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, mandatoryKey{}, true, "rabbitmq.WithMandatory")
	}
}

func stringMapToTable(m map[string]string) map[string]interface{} {
	if m == nil {
		return nil
	}
	res := make(map[string]interface{})
	for k, v := range m {
		res[k] = v
	}
	return res
}

// Package kafka implements broker.Broker on Apache Kafka. A queue is a topic
// consumed by a consumer group of the same name.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/portfolio/broker"
	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaBroker struct {
	opts broker.Options

	sync.RWMutex
	writer  kafkaWriter
	subs    map[string]*kafkaSubscriber
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	balancer   kafka.Balancer
	batchSize  int
	acks       kafka.RequiredAcks
	minBytes   int
	maxBytes   int
	offset     int64
	partitions int

	// Internal factories for testing
	newWriter   func(w *kafka.Writer) kafkaWriter
	newReader   func(cfg kafka.ReaderConfig) kafkaReader
	ping        func(ctx context.Context, addr string) error
	createTopic func(ctx context.Context, addr string, cfg kafka.TopicConfig) error
}

func (k *kafkaBroker) Options() broker.Options { return k.opts }

func (k *kafkaBroker) Address() string {
	if len(k.opts.Addrs) > 0 {
		return k.opts.Addrs[0]
	}
	return ""
}

func (k *kafkaBroker) Init(opts ...broker.Option) error {
	for _, o := range opts {
		o(&k.opts)
	}
	return nil
}

func (k *kafkaBroker) Connect() error {
	k.Lock()
	defer k.Unlock()

	if k.running {
		return nil
	}

	addr := k.Address()
	if addr == "" {
		return &broker.ConfigurationError{Field: "broker.uri", Reason: "is required"}
	}

	k.loadOptions()
	log := k.opts.Logger.With(slog.String("broker", "kafka"), slog.String("addr", addr))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.ping(ctx, addr); err != nil {
		log.Error("kafka connect failed", slog.String("error", err.Error()))
		return &broker.ConnectionError{Broker: "kafka", Addr: addr, Err: err}
	}

	k.writer = k.newWriter(&kafka.Writer{
		Addr:         kafka.TCP(k.opts.Addrs...),
		Balancer:     k.balancer,
		BatchSize:    k.batchSize,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: k.acks,
	})

	k.ctx, k.cancel = context.WithCancel(context.Background())
	k.running = true
	log.Info("kafka connected")

	broker.WarnUnconsumed(k.opts.Context, k.opts.Logger)
	return nil
}

func (k *kafkaBroker) loadOptions() {
	k.balancer = &kafka.LeastBytes{}
	k.batchSize = 1
	k.acks = kafka.RequireAll
	k.minBytes = 1
	k.maxBytes = 10e6
	k.offset = kafka.FirstOffset
	k.partitions = 1

	ctx := k.opts.Context
	if v, ok := broker.GetTrackedValue(ctx, balancerKey{}).(kafka.Balancer); ok {
		k.balancer = v
	}
	if v, ok := broker.GetTrackedValue(ctx, batchSizeKey{}).(int); ok {
		k.batchSize = v
	}
	if v, ok := broker.GetTrackedValue(ctx, acksKey{}).(int); ok {
		k.acks = kafka.RequiredAcks(v)
	}
	if v, ok := broker.GetTrackedValue(ctx, minBytesKey{}).(int); ok {
		k.minBytes = v
	}
	if v, ok := broker.GetTrackedValue(ctx, maxBytesKey{}).(int); ok {
		k.maxBytes = v
	}
	if v, ok := broker.GetTrackedValue(ctx, offsetKey{}).(int64); ok {
		k.offset = v
	}
	if v, ok := broker.GetTrackedValue(ctx, partitionsKey{}).(int); ok {
		k.partitions = v
	}
}

func (k *kafkaBroker) Disconnect() error {
	k.Lock()
	if !k.running {
		k.Unlock()
		return nil
	}
	k.running = false
	if k.cancel != nil {
		k.cancel()
	}
	subs := k.subs
	k.subs = nil
	w := k.writer
	k.writer = nil
	k.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Unsubscribe())
	}
	if w != nil {
		errs = append(errs, w.Close())
	}
	k.opts.Logger.Info("kafka disconnected", slog.String("addr", k.Address()))
	return errors.Join(errs...)
}

// Declare creates the topic backing q when it does not exist yet.
func (k *kafkaBroker) Declare(ctx context.Context, q broker.QueueSpec) error {
	if err := q.Validate(); err != nil {
		return err
	}

	k.RLock()
	running := k.running
	partitions := k.partitions
	k.RUnlock()
	if !running {
		return broker.ErrNotConnected
	}

	err := k.createTopic(ctx, k.Address(), kafka.TopicConfig{
		Topic:             q.Name,
		NumPartitions:     partitions,
		ReplicationFactor: -1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka: declare topic %q: %w", q.Name, err)
	}
	return nil
}

func (k *kafkaBroker) Publish(ctx context.Context, topic string, msg *broker.Message, opts ...broker.PublishOption) error {
	options := broker.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	k.RLock()
	w := k.writer
	k.RUnlock()
	if w == nil {
		return &broker.PublishError{Broker: "kafka", Topic: topic, Err: broker.ErrNotConnected}
	}

	headers := make([]kafka.Header, 0, len(msg.Header))
	for key, val := range msg.Header {
		headers = append(headers, kafka.Header{
			Key:   key,
			Value: []byte(val),
		})
	}

	var key []byte
	if options.ShardingKey != "" {
		key = []byte(options.ShardingKey)
	}

	err := w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   msg.Body,
		Headers: headers,
	})
	if err != nil {
		return &broker.PublishError{Broker: "kafka", Topic: topic, Err: err}
	}
	return nil
}

func (k *kafkaBroker) Subscribe(topic string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Subscriber, error) {
	options := broker.NewSubscribeOptions(opts...)
	if options.Queue == "" {
		options.Queue = topic
	}

	k.Lock()
	defer k.Unlock()

	if !k.running {
		return nil, broker.ErrNotConnected
	}

	reader := k.newReader(kafka.ReaderConfig{
		Brokers:     k.opts.Addrs,
		GroupID:     options.Queue,
		Topic:       topic,
		MinBytes:    k.minBytes,
		MaxBytes:    k.maxBytes,
		StartOffset: k.offset,
	})

	ctx, cancel := context.WithCancel(k.ctx)
	sub := &kafkaSubscriber{
		id:     uuid.New().String(),
		topic:  topic,
		opts:   options,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub.remove = func() {
		k.Lock()
		delete(k.subs, sub.id)
		k.Unlock()
	}
	if k.subs == nil {
		k.subs = make(map[string]*kafkaSubscriber)
	}
	k.subs[sub.id] = sub

	go k.run(ctx, sub, handler)

	return sub, nil
}

func (k *kafkaBroker) run(ctx context.Context, sub *kafkaSubscriber, handler broker.Handler) {
	log := k.opts.Logger.With(slog.String("broker", "kafka"), slog.String("topic", sub.topic))

	for {
		m, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				sub.finish(nil)
			} else {
				log.Error("kafka fetch failed", slog.String("error", err.Error()))
				sub.finish(fmt.Errorf("%w: %v", broker.ErrSubscriptionLost, err))
			}
			return
		}

		header := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			header[h.Key] = string(h.Value)
		}

		event := &kafkaEvent{
			topic: m.Topic,
			message: &broker.Message{
				Header:    header,
				Body:      m.Value,
				Partition: int32(m.Partition),
			},
			reader: sub.reader,
			rawMsg: m,
			ctx:    ctx,
		}

		if sub.opts.AutoAck {
			if err := event.Ack(); err != nil {
				log.Warn("kafka commit failed", slog.String("error", err.Error()))
			}
		}

		if err := handler(ctx, event); err != nil {
			event.err = err
			if eh := k.opts.ErrorHandler; eh != nil {
				eh(ctx, event)
			}
			continue
		}
		if !sub.opts.AutoAck {
			if err := event.Ack(); err != nil {
				log.Warn("kafka commit failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (k *kafkaBroker) String() string {
	return "kafka"
}

type kafkaSubscriber struct {
	id     string
	topic  string
	opts   broker.SubscribeOptions
	reader kafkaReader
	cancel context.CancelFunc
	remove func()

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *kafkaSubscriber) Options() broker.SubscribeOptions {
	return s.opts
}

func (s *kafkaSubscriber) Topic() string {
	return s.topic
}

func (s *kafkaSubscriber) Done() <-chan struct{} {
	return s.done
}

func (s *kafkaSubscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *kafkaSubscriber) Unsubscribe() error {
	s.cancel()
	<-s.done
	if s.remove != nil {
		s.remove()
	}
	return s.reader.Close()
}

func (s *kafkaSubscriber) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

type kafkaEvent struct {
	topic   string
	message *broker.Message
	reader  kafkaReader
	rawMsg  kafka.Message
	ctx     context.Context
	err     error
}

func (e *kafkaEvent) Topic() string {
	return e.topic
}

func (e *kafkaEvent) Message() *broker.Message {
	return e.message
}

// Ack commits the message offset for the consumer group.
func (e *kafkaEvent) Ack() error {
	return e.reader.CommitMessages(e.ctx, e.rawMsg)
}

// Nack leaves the offset uncommitted; Kafka has no per-message requeue.
func (e *kafkaEvent) Nack(requeue bool) error {
	return nil
}

func (e *kafkaEvent) Error() error {
	return e.err
}

func NewBroker(opts ...broker.Option) broker.Broker {
	options := broker.NewOptions(opts...)

	return &kafkaBroker{
		opts: *options,
		newWriter: func(w *kafka.Writer) kafkaWriter {
			return w
		},
		newReader: func(cfg kafka.ReaderConfig) kafkaReader {
			return kafka.NewReader(cfg)
		},
		ping:        ping,
		createTopic: createTopic,
	}
}

func ping(ctx context.Context, addr string) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// createTopic issues CreateTopics against the cluster controller.
func createTopic(ctx context.Context, addr string, cfg kafka.TopicConfig) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	cc, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer cc.Close()

	return cc.CreateTopics(cfg)
}

type balancerKey struct{}
type batchSizeKey struct{}
type acksKey struct{}
type minBytesKey struct{}
type maxBytesKey struct{}
type offsetKey struct{}
type partitionsKey struct{}

func trackedOption(key any, val any, name string) broker.Option {
	return func(o *broker.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, key, val, name)
	}
}

// WithBalancer sets the partition balancer used by the writer.
func WithBalancer(b kafka.Balancer) broker.Option {
	return trackedOption(balancerKey{}, b, "kafka.WithBalancer")
}

// WithBatchSize sets how many messages the writer buffers per partition.
func WithBatchSize(size int) broker.Option {
	return trackedOption(batchSizeKey{}, size, "kafka.WithBatchSize")
}

// WithAcks sets the acknowledgements required for a write (-1, 0 or 1).
func WithAcks(acks int) broker.Option {
	return trackedOption(acksKey{}, acks, "kafka.WithAcks")
}

func WithMinBytes(n int) broker.Option {
	return trackedOption(minBytesKey{}, n, "kafka.WithMinBytes")
}

func WithMaxBytes(n int) broker.Option {
	return trackedOption(maxBytesKey{}, n, "kafka.WithMaxBytes")
}

// WithOffset sets where a new consumer group starts reading.
func WithOffset(offset int64) broker.Option {
	return trackedOption(offsetKey{}, offset, "kafka.WithOffset")
}

// WithPartitions sets the partition count for topics created by Declare.
func WithPartitions(n int) broker.Option {
	return trackedOption(partitionsKey{}, n, "kafka.WithPartitions")
}

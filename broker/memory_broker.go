package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var errServerDown = errors.New("server unreachable")

// MemoryServer is an in-process queue server. Every Broker returned by
// NewBroker is a separate connection to it, so a producer and a consumer can
// each own one while sharing the same queues.
type MemoryServer struct {
	mu     sync.Mutex
	down   bool
	queues map[string]*memoryQueue
	conns  map[*memoryBroker]struct{}
}

// NewMemoryServer returns an empty server that accepts connections.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		queues: make(map[string]*memoryQueue),
		conns:  make(map[*memoryBroker]struct{}),
	}
}

// NewBroker returns a new, unconnected Broker for the server.
func (s *MemoryServer) NewBroker(opts ...Option) Broker {
	return &memoryBroker{
		opts:   NewOptions(opts...),
		server: s,
		subs:   make(map[string]*memorySubscriber),
	}
}

// SetDown makes the server unreachable (true) or reachable again (false).
// Going down drops every open connection: publishes fail and running
// subscriptions end with ErrSubscriptionLost.
func (s *MemoryServer) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	if !down {
		s.mu.Unlock()
		return
	}
	conns := s.conns
	s.conns = make(map[*memoryBroker]struct{})
	s.mu.Unlock()

	for b := range conns {
		b.drop()
	}
}

// Len returns the number of messages waiting in the named queue.
func (s *MemoryServer) Len(name string) int {
	s.mu.Lock()
	q, ok := s.queues[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (s *MemoryServer) attach(b *memoryBroker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errServerDown
	}
	s.conns[b] = struct{}{}
	return nil
}

func (s *MemoryServer) detach(b *memoryBroker) {
	s.mu.Lock()
	delete(s.conns, b)
	s.mu.Unlock()
}

func (s *MemoryServer) declare(spec QueueSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errServerDown
	}
	if q, ok := s.queues[spec.Name]; ok {
		if !q.spec.Equal(spec) {
			return fmt.Errorf("%w: queue %q already declared with different arguments", ErrQueueMismatch, spec.Name)
		}
		return nil
	}
	s.queues[spec.Name] = &memoryQueue{spec: spec, wait: make(chan struct{})}
	return nil
}

func (s *MemoryServer) queue(name string) (*memoryQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	return q, ok
}

type memoryQueue struct {
	spec    QueueSpec
	mu      sync.Mutex
	pending []*Message
	wait    chan struct{}
}

func (q *memoryQueue) push(m *Message, front bool) {
	q.mu.Lock()
	if front {
		q.pending = append([]*Message{m}, q.pending...)
	} else {
		q.pending = append(q.pending, m)
	}
	close(q.wait)
	q.wait = make(chan struct{})
	q.mu.Unlock()
}

func (q *memoryQueue) next(ctx context.Context, lost <-chan struct{}) (*Message, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			m := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return m, nil
		}
		wait := q.wait
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-lost:
			return nil, ErrSubscriptionLost
		}
	}
}

type memoryBroker struct {
	opts   *Options
	server *MemoryServer

	sync.RWMutex
	connected bool
	lost      chan struct{}
	subs      map[string]*memorySubscriber
}

func (b *memoryBroker) Options() Options {
	return *b.opts
}

func (b *memoryBroker) Address() string {
	return "memory"
}

func (b *memoryBroker) Init(opts ...Option) error {
	for _, opt := range opts {
		opt(b.opts)
	}
	return nil
}

func (b *memoryBroker) String() string {
	return "memory"
}

func (b *memoryBroker) Connect() error {
	b.Lock()
	defer b.Unlock()

	if b.connected {
		return nil
	}
	if err := b.server.attach(b); err != nil {
		b.opts.Logger.Error("memory broker connect failed", slog.String("error", err.Error()))
		return &ConnectionError{Broker: "memory", Addr: b.Address(), Err: err}
	}
	b.lost = make(chan struct{})
	b.connected = true
	b.opts.Logger.Info("memory broker connected")

	WarnUnconsumed(b.opts.Context, b.opts.Logger)
	return nil
}

func (b *memoryBroker) drop() {
	b.Lock()
	defer b.Unlock()
	if !b.connected {
		return
	}
	b.connected = false
	close(b.lost)
}

func (b *memoryBroker) Disconnect() error {
	b.Lock()
	subs := b.subs
	b.subs = make(map[string]*memorySubscriber)
	wasConnected := b.connected
	if b.connected {
		b.connected = false
		close(b.lost)
	}
	b.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if wasConnected {
		b.server.detach(b)
	}
	return nil
}

func (b *memoryBroker) Declare(ctx context.Context, q QueueSpec) error {
	if err := q.Validate(); err != nil {
		return err
	}

	b.RLock()
	connected := b.connected
	b.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	if err := b.server.declare(q); err != nil {
		return fmt.Errorf("memory: declare queue %q: %w", q.Name, err)
	}
	return nil
}

func (b *memoryBroker) Publish(ctx context.Context, topic string, msg *Message, opts ...PublishOption) error {
	b.RLock()
	connected := b.connected
	b.RUnlock()
	if !connected {
		return &PublishError{Broker: "memory", Topic: topic, Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return &PublishError{Broker: "memory", Topic: topic, Err: err}
	}

	q, ok := b.server.queue(topic)
	if !ok {
		// Unroutable messages are dropped, as with the AMQP default exchange.
		b.opts.Logger.Debug("memory broker dropped unroutable message", slog.String("topic", topic))
		return nil
	}

	cp := &Message{
		Header:    make(map[string]string, len(msg.Header)),
		Body:      append([]byte(nil), msg.Body...),
		Partition: msg.Partition,
	}
	for k, v := range msg.Header {
		cp.Header[k] = v
	}
	q.push(cp, false)
	return nil
}

func (b *memoryBroker) Subscribe(topic string, handler Handler, opts ...SubscribeOption) (Subscriber, error) {
	options := NewSubscribeOptions(opts...)
	name := options.Queue
	if name == "" {
		name = topic
	}

	b.Lock()
	defer b.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}

	q, ok := b.server.queue(name)
	if !ok {
		return nil, fmt.Errorf("memory: consume: queue %q not declared", name)
	}

	ctx, cancel := context.WithCancel(options.Context)
	sub := &memorySubscriber{
		id:     uuid.New().String(),
		topic:  topic,
		opts:   options,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub

	go b.consume(ctx, sub, q, handler, b.lost)

	return sub, nil
}

func (b *memoryBroker) consume(ctx context.Context, sub *memorySubscriber, q *memoryQueue, handler Handler, lost <-chan struct{}) {
	for {
		msg, err := q.next(ctx, lost)
		if err != nil {
			if errors.Is(err, ErrSubscriptionLost) {
				sub.finish(err)
			} else {
				sub.finish(nil)
			}
			return
		}

		event := &memoryEvent{
			topic:   sub.topic,
			message: msg,
			queue:   q,
			autoAck: sub.opts.AutoAck,
		}
		if err := handler(ctx, event); err != nil {
			event.err = err
			if eh := b.opts.ErrorHandler; eh != nil {
				eh(ctx, event)
			}
			event.Nack(true)
		} else {
			event.Ack()
		}
	}
}

type memorySubscriber struct {
	id     string
	topic  string
	opts   SubscribeOptions
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *memorySubscriber) Options() SubscribeOptions { return s.opts }
func (s *memorySubscriber) Topic() string             { return s.topic }
func (s *memorySubscriber) Done() <-chan struct{}     { return s.done }

func (s *memorySubscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe stops delivery and waits for the handler in flight to return.
// It must not be called from inside the handler.
func (s *memorySubscriber) Unsubscribe() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *memorySubscriber) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

type memoryEvent struct {
	topic   string
	message *Message
	queue   *memoryQueue
	autoAck bool
	settled bool
	err     error
}

func (e *memoryEvent) Topic() string     { return e.topic }
func (e *memoryEvent) Message() *Message { return e.message }
func (e *memoryEvent) Error() error      { return e.err }

func (e *memoryEvent) Ack() error {
	e.settled = true
	return nil
}

func (e *memoryEvent) Nack(requeue bool) error {
	if e.autoAck || e.settled {
		return nil
	}
	e.settled = true
	if requeue {
		e.queue.push(e.message, true)
	}
	return nil
}

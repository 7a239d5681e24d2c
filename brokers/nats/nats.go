// Package nats implements broker.Broker on core NATS. Queues map to queue
// groups, so each message reaches one subscriber of the group.
package nats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/qvcloud/portfolio/broker"
)

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

type natsBroker struct {
	opts broker.Options
	conn natsConn

	sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	subs    map[string]*natsSubscriber

	newConn func(addr string, opts ...nats.Option) (natsConn, error)
}

func (n *natsBroker) Options() broker.Options { return n.opts }

func (n *natsBroker) Address() string {
	if len(n.opts.Addrs) > 0 {
		return n.opts.Addrs[0]
	}
	return ""
}

func (n *natsBroker) Init(opts ...broker.Option) error {
	for _, o := range opts {
		o(&n.opts)
	}
	return nil
}

func (n *natsBroker) Connect() error {
	n.Lock()
	defer n.Unlock()

	if n.running {
		return nil
	}

	addr := n.Address()
	if addr == "" {
		return &broker.ConfigurationError{Field: "broker.uri", Reason: "is required"}
	}

	opts := []nats.Option{
		nats.ClosedHandler(func(*nats.Conn) { n.connectionClosed() }),
	}
	if n.opts.TLSConfig != nil {
		opts = append(opts, nats.Secure(n.opts.TLSConfig))
	} else if n.opts.Secure {
		opts = append(opts, nats.Secure())
	}
	if n.opts.ClientID != "" {
		opts = append(opts, nats.Name(n.opts.ClientID))
	}

	reconnect := false
	if n.opts.Context != nil {
		if v, ok := broker.GetTrackedValue(n.opts.Context, maxReconnectKey{}).(int); ok {
			opts = append(opts, nats.MaxReconnects(v))
			reconnect = true
		}
		if v, ok := broker.GetTrackedValue(n.opts.Context, reconnectWaitKey{}).(time.Duration); ok {
			opts = append(opts, nats.ReconnectWait(v))
			reconnect = true
		}
	}
	if !reconnect {
		opts = append(opts, nats.NoReconnect())
	}

	log := n.opts.Logger.With(slog.String("broker", "nats"), slog.String("addr", broker.Redact(addr)))

	conn, err := n.newConn(addr, opts...)
	if err != nil {
		log.Error("nats connect failed", slog.String("error", err.Error()))
		return &broker.ConnectionError{Broker: "nats", Addr: addr, Err: err}
	}
	n.conn = conn

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.running = true
	log.Info("nats connected")

	broker.WarnUnconsumed(n.opts.Context, n.opts.Logger)

	return nil
}

// connectionClosed ends every subscription when the client gives up on the
// server. It does nothing after Disconnect.
func (n *natsBroker) connectionClosed() {
	n.Lock()
	if !n.running {
		n.Unlock()
		return
	}
	n.running = false
	n.conn = nil
	if n.cancel != nil {
		n.cancel()
	}
	subs := n.subs
	n.subs = nil
	n.Unlock()

	n.opts.Logger.Error("nats connection closed", slog.String("addr", broker.Redact(n.Address())))
	for _, sub := range subs {
		sub.finish(broker.ErrSubscriptionLost)
	}
}

func (n *natsBroker) Disconnect() error {
	n.Lock()
	if !n.running {
		n.Unlock()
		return nil
	}
	n.running = false
	if n.cancel != nil {
		n.cancel()
	}
	subs := n.subs
	n.subs = nil
	conn := n.conn
	n.conn = nil
	n.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if conn != nil {
		conn.Close()
	}
	n.opts.Logger.Info("nats disconnected", slog.String("addr", broker.Redact(n.Address())))
	return nil
}

// Declare only validates q: subjects and queue groups exist implicitly.
func (n *natsBroker) Declare(ctx context.Context, q broker.QueueSpec) error {
	if err := q.Validate(); err != nil {
		return err
	}

	n.RLock()
	conn := n.conn
	n.RUnlock()
	if conn == nil {
		return broker.ErrNotConnected
	}
	return nil
}

func (n *natsBroker) Publish(ctx context.Context, topic string, msg *broker.Message, opts ...broker.PublishOption) error {
	options := broker.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	n.RLock()
	conn := n.conn
	n.RUnlock()

	if conn == nil {
		return &broker.PublishError{Broker: "nats", Topic: topic, Err: broker.ErrNotConnected}
	}

	nm := &nats.Msg{
		Subject: topic,
		Header:  make(nats.Header),
		Data:    msg.Body,
	}

	if options.Context != nil {
		if v, ok := broker.GetTrackedValue(options.Context, replyToKey{}).(string); ok {
			nm.Reply = v
		}
	}

	for k, v := range msg.Header {
		nm.Header.Set(k, v)
	}

	if err := conn.PublishMsg(nm); err != nil {
		return &broker.PublishError{Broker: "nats", Topic: topic, Err: err}
	}
	broker.WarnUnconsumed(options.Context, n.opts.Logger)
	return nil
}

func (n *natsBroker) Subscribe(topic string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Subscriber, error) {
	options := broker.NewSubscribeOptions(opts...)

	n.Lock()
	defer n.Unlock()

	if n.conn == nil {
		return nil, broker.ErrNotConnected
	}

	ctx, cancel := context.WithCancel(n.ctx)

	h := func(nm *nats.Msg) {
		if ctx.Err() != nil {
			return
		}

		header := make(map[string]string)
		for k, v := range nm.Header {
			if len(v) > 0 {
				header[k] = v[0]
			}
		}

		event := &natsEvent{
			topic: nm.Subject,
			message: &broker.Message{
				Header: header,
				Body:   nm.Data,
			},
			nm: nm,
		}

		// Core NATS delivers at most once, so only manual mode settles.
		if err := handler(ctx, event); err != nil {
			event.err = err
			if eh := n.opts.ErrorHandler; eh != nil {
				eh(ctx, event)
			}
			if !options.AutoAck {
				event.Nack(true)
			}
		} else if !options.AutoAck {
			event.Ack()
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if options.Queue != "" {
		sub, err = n.conn.QueueSubscribe(topic, options.Queue, h)
	} else {
		sub, err = n.conn.Subscribe(topic, h)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	s := &natsSubscriber{
		id:     uuid.New().String(),
		topic:  topic,
		opts:   options,
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if n.subs == nil {
		n.subs = make(map[string]*natsSubscriber)
	}
	n.subs[s.id] = s
	return s, nil
}

func (n *natsBroker) String() string {
	return "nats"
}

type natsSubscriber struct {
	id     string
	topic  string
	opts   broker.SubscribeOptions
	sub    *nats.Subscription
	cancel context.CancelFunc

	mu   sync.Mutex
	done chan struct{}
	err  error
}

func (s *natsSubscriber) Options() broker.SubscribeOptions { return s.opts }
func (s *natsSubscriber) Topic() string                    { return s.topic }

func (s *natsSubscriber) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

func (s *natsSubscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *natsSubscriber) Unsubscribe() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	s.finish(nil)
	return err
}

func (s *natsSubscriber) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	select {
	case <-s.done:
		return
	default:
	}
	s.err = err
	close(s.done)
}

type natsEvent struct {
	topic   string
	message *broker.Message
	nm      *nats.Msg
	err     error
}

func (e *natsEvent) Topic() string            { return e.topic }
func (e *natsEvent) Message() *broker.Message { return e.message }
func (e *natsEvent) Ack() error               { return e.nm.Ack() }
func (e *natsEvent) Nack(requeue bool) error {
	if !requeue {
		return e.nm.Term()
	}
	return e.nm.Nak()
}
func (e *natsEvent) Error() error { return e.err }

func NewBroker(opts ...broker.Option) broker.Broker {
	options := broker.NewOptions(opts...)
	return &natsBroker{
		opts: *options,
		newConn: func(addr string, opts ...nats.Option) (natsConn, error) {
			return nats.Connect(addr, opts...)
		},
	}
}

type maxReconnectKey struct{}
type reconnectWaitKey struct{}

// WithMaxReconnect enables client reconnects, up to max attempts.
func WithMaxReconnect(max int) broker.Option {
	return func(o *broker.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, maxReconnectKey{}, max, "nats.WithMaxReconnect")
	}
}

// WithReconnectWait enables client reconnects with the given backoff.
func WithReconnectWait(wait time.Duration) broker.Option {
	return func(o *broker.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, reconnectWaitKey{}, wait, "nats.WithReconnectWait")
	}
}

type replyToKey struct{}

func WithReplyTo(reply string) broker.PublishOption {
	return func(o *broker.PublishOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = broker.WithTrackedValue(o.Context, replyToKey{}, reply, "nats.WithReplyTo")
	}
}

// Package hub fans notification frames out to every connected WebSocket
// client.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Events carried in a Frame.
const (
	// ReceiveMessage is sent to clients; its args are (sender, message).
	ReceiveMessage = "ReceiveMessage"
	// SendMessage is sent by clients; its args are (user, message) and it is
	// re-broadcast to everyone as ReceiveMessage.
	SendMessage = "SendMessage"
)

// ErrHubClosed is returned by PublishAll once Run has returned.
var ErrHubClosed = errors.New("hub: closed")

// Frame is the JSON envelope exchanged with clients.
type Frame struct {
	Event string `json:"event"`
	Args  []any  `json:"args"`
}

// Hub tracks connected clients and broadcasts frames to them. The client set
// is only modified by Run.
type Hub struct {
	opts options

	mu      sync.RWMutex
	clients map[string]*Client

	register   chan registration
	unregister chan *Client
	broadcast  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// New allocates a Hub. Run must be started for clients to be served.
func New(opts ...Option) *Hub {
	o := newOptions(opts...)
	return &Hub{
		opts:       o,
		clients:    make(map[string]*Client),
		register:   make(chan registration),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, after
// closing every client's send queue.
func (h *Hub) Run(ctx context.Context) {
	defer h.close()

	for {
		select {
		case <-ctx.Done():
			return

		case reg := <-h.register:
			c := reg.client
			h.mu.Lock()
			h.clients[c.ID] = c
			n := len(h.clients)
			h.mu.Unlock()
			close(reg.added)
			h.opts.logger.Info("hub client connected", slog.String("client", c.ID), slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.ID]; ok {
				delete(h.clients, c.ID)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.opts.logger.Info("hub client disconnected", slog.String("client", c.ID), slog.Int("clients", n))

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.opts.logger.Warn("hub client too slow, frame dropped", slog.String("client", c.ID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for id, c := range h.clients {
			delete(h.clients, id)
			close(c.send)
		}
		h.mu.Unlock()
		h.opts.logger.Info("hub stopped")
	})
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// PublishAll encodes event and args as a Frame and queues it for every
// connected client. Clients whose send queue is full miss the frame. It fails
// only when the args cannot be encoded, the hub has stopped or ctx ends first.
func (h *Hub) PublishAll(ctx context.Context, event string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(Frame{Event: event, Args: args})
	if err != nil {
		return fmt.Errorf("hub: encode %s: %w", event, err)
	}

	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}

	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// registration carries a client to Run. added is closed once the client is
// in the set.
type registration struct {
	client *Client
	added  chan struct{}
}

// Register adds c to the hub and returns once c receives broadcasts. It
// reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	reg := registration{client: c, added: make(chan struct{})}
	select {
	case h.register <- reg:
		<-reg.added
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c from the hub.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

type options struct {
	logger         *slog.Logger
	writeTimeout   time.Duration
	pongTimeout    time.Duration
	maxMessageSize int64
	sendBuffer     int
}

// Option configures a Hub.
type Option func(*options)

func newOptions(opts ...Option) options {
	o := options{
		writeTimeout:   10 * time.Second,
		pongTimeout:    60 * time.Second,
		maxMessageSize: 64 * 1024,
		sendBuffer:     256,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithWriteTimeout bounds each frame written to a client.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithPongTimeout sets how long a client may stay silent before it is
// dropped. Pings are sent at nine tenths of it.
func WithPongTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pongTimeout = d
		}
	}
}

// WithMaxMessageSize caps inbound client frames.
func WithMaxMessageSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageSize = n
		}
	}
}

// WithSendBuffer sets how many frames may queue per client before frames are
// dropped for it.
func WithSendBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sendBuffer = n
		}
	}
}

// Package broker defines the messaging contracts shared by the queue backends.
package broker

import (
	"context"
)

// Broker is an interface used for asynchronous messaging.
// A Broker value owns exactly one connection to the messaging server.
type Broker interface {
	Init(...Option) error
	Options() Options
	Address() string
	Connect() error
	Disconnect() error
	Declare(ctx context.Context, q QueueSpec) error
	Publish(ctx context.Context, topic string, msg *Message, opts ...PublishOption) error
	Subscribe(topic string, h Handler, opts ...SubscribeOption) (Subscriber, error)
	String() string
}

// Handler is used to process messages via a subscription of a topic.
type Handler func(context.Context, Event) error

// Message is a message send/received from the broker.
type Message struct {
	Header    map[string]string
	Body      []byte
	Partition int32
}

// Event is given to a subscription handler for processing.
type Event interface {
	Topic() string
	Message() *Message
	Ack() error
	Nack(requeue bool) error
	Error() error
}

// Subscriber is a convenience return type for the Subscribe method.
type Subscriber interface {
	Options() SubscribeOptions
	Topic() string
	Unsubscribe() error
	// Done is closed once the subscription stops receiving, either because
	// Unsubscribe was called or because the underlying transport went away.
	Done() <-chan struct{}
	// Err reports why the subscription ended. It is nil after a clean
	// Unsubscribe and while the subscription is still running.
	Err() error
}

// Marshaler is a simple encoding interface.
type Marshaler interface {
	Marshal(interface{}) ([]byte, error)
	Unmarshal([]byte, interface{}) error
	String() string
}

package broker

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrNotConnected is returned when an operation needs a connection that
	// was never opened or has already been closed.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrQueueMismatch is returned when a queue is redeclared with arguments
	// that differ from the existing declaration.
	ErrQueueMismatch = errors.New("broker: queue declaration mismatch")
	// ErrSubscriptionLost is reported by Subscriber.Err when deliveries stop
	// because the server side went away.
	ErrSubscriptionLost = errors.New("broker: subscription lost")
)

// ConfigurationError reports settings that make a broker unusable before any
// network activity happens.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("broker: invalid configuration: %s %s", e.Field, e.Reason)
}

// ConnectionError reports a failure to reach or handshake with the server.
type ConnectionError struct {
	Broker string
	Addr   string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect %s: %v", e.Broker, Redact(e.Addr), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports a message the server did not accept.
type PublishError struct {
	Broker string
	Topic  string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: publish to %q: %v", e.Broker, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsConnectionError reports whether err is or wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsPublishError reports whether err is or wraps a PublishError.
func IsPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}

// Redact hides the password of a URI-style address so it can be logged.
func Redact(addr string) string {
	u, err := url.Parse(addr)
	if err != nil || u.User == nil {
		return addr
	}
	return u.Redacted()
}

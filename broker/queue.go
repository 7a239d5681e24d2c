package broker

import (
	"maps"
)

// Queue types understood by servers that support typed queues.
const (
	QueueTypeClassic = "classic"
	QueueTypeQuorum  = "quorum"
	QueueTypeStream  = "stream"
)

// QueueSpec is the server-side declaration of a named queue. Every component
// that declares the same queue must use an Equal spec, otherwise the server
// rejects the second declaration.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Type       string
}

// DefaultQueue is the notifications queue: durable and replicated.
func DefaultQueue() QueueSpec {
	return QueueSpec{
		Name:    "notifications",
		Durable: true,
		Type:    QueueTypeQuorum,
	}
}

// Arguments returns the declaration arguments for the spec.
func (q QueueSpec) Arguments() map[string]any {
	if q.Type == "" {
		return nil
	}
	return map[string]any{"x-queue-type": q.Type}
}

// Equal reports whether q and o declare the same queue with the same arguments.
func (q QueueSpec) Equal(o QueueSpec) bool {
	return q.Name == o.Name &&
		q.Durable == o.Durable &&
		q.AutoDelete == o.AutoDelete &&
		q.Exclusive == o.Exclusive &&
		maps.Equal(q.Arguments(), o.Arguments())
}

// Validate rejects specs no server would accept.
func (q QueueSpec) Validate() error {
	if q.Name == "" {
		return &ConfigurationError{Field: "queue.name", Reason: "is required"}
	}
	switch q.Type {
	case "", QueueTypeClassic:
	case QueueTypeQuorum, QueueTypeStream:
		if !q.Durable {
			return &ConfigurationError{Field: "queue.durable", Reason: "must be true for " + q.Type + " queues"}
		}
		if q.Exclusive {
			return &ConfigurationError{Field: "queue.exclusive", Reason: "must be false for " + q.Type + " queues"}
		}
		if q.AutoDelete {
			return &ConfigurationError{Field: "queue.auto_delete", Reason: "must be false for " + q.Type + " queues"}
		}
	default:
		return &ConfigurationError{Field: "queue.type", Reason: "unknown type " + q.Type}
	}
	return nil
}

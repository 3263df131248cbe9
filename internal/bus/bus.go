// Package bus defines the durable work queue and the best-effort event
// topic connecting coordinators and runners. Work queues deliver at least
// once with consumer acknowledgements; the event topic may drop messages,
// the store stays the source of truth.
package bus

import (
	"context"
)

// Queue and topic names used across the execution plane.
const (
	// ExecQueuePrefix is the per-node-type-class work queue prefix; the
	// full name is ExecQueuePrefix + class.
	ExecQueuePrefix = "step.exec."
	// ResultQueue carries StepResult envelopes back to coordinators.
	ResultQueue = "step.result"
	// CancelTopic fans Cancel notices out to runners best-effort.
	CancelTopic = "step.cancel"
	// EventTopic carries run and step lifecycle events to subscribers.
	EventTopic = "run.event"
)

// ExecQueue returns the work queue name for a node-type class.
func ExecQueue(class string) string {
	return ExecQueuePrefix + class
}

// Delivery is one message received from a work queue. Tag is passed back
// to Ack after durable processing; an unacked delivery is redelivered.
type Delivery struct {
	Tag  string
	Body []byte
}

// Bus is the transport between coordinators and runners.
type Bus interface {
	// Publish appends a message to a durable work queue.
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume returns a channel of deliveries from the queue. At most
	// prefetch deliveries are outstanding (unacked) at a time. The
	// channel closes when ctx is done.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)

	// Ack acknowledges a delivery after durable processing.
	Ack(ctx context.Context, queue, tag string) error

	// QueueDepth reports the number of messages waiting in the queue.
	QueueDepth(ctx context.Context, queue string) (int64, error)

	// PublishEvent publishes on a best-effort fan-out topic.
	PublishEvent(ctx context.Context, topic string, body []byte) error

	// SubscribeEvents subscribes to a topic. The returned cancel function
	// releases the subscription.
	SubscribeEvents(ctx context.Context, topic string) (<-chan []byte, func(), error)

	Close() error
}

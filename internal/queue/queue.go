// Package queue provides RabbitMQ and SQS transport clients for the
// cross-process leg of notification fanout: when a subscriber's websocket
// lives on a different node than the node that produced an entity change,
// the change is published here and redelivered to whichever node owns that
// subscriber's connection.
package queue

import "context"

// NotificationMessage is the wire form of one fanout delivery: the same
// (method, params) pair a local Connection.Notify would receive, tagged
// with the subscriberId so the consuming node can route it to the right
// local connection index.
type NotificationMessage struct {
	SubscriberID string `json:"subscriberId"`
	Method       string `json:"method"`
	Params       any    `json:"params"`
}

// Message is one delivery pulled off a queue, pending acknowledgement.
type Message interface {
	Body() []byte
	DeliveryTag() uint64
}

// Client is the transport boundary: publish a notification routed by
// subscriberId, and, on the consuming side, receive and acknowledge
// deliveries from the queues of the subscribers this node hosts.
//
// Queue naming is a pure function of subscriberId (QueueNameFor):
// RabbitMQ uses it directly as a topic-exchange routing key and queue
// name, SQS composes a per-namespace queue name from it. Producer and
// consumer therefore agree on the queue without any shared state.
type Client interface {
	Publish(ctx context.Context, subscriberID string, notification NotificationMessage) error
	QueueNameFor(subscriberID string) string
	Receive(ctx context.Context, queueName string) (Message, error)
	Ack(ctx context.Context, msg Message) error
	Close() error
}

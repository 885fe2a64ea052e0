package queue

import (
	"context"
	"log/slog"
)

// RemoteConnection implements subscription.Connection by publishing to a
// queue.Client instead of writing to a local socket — the cross-process
// counterpart of a direct websocket connection, for a subscriber whose
// active connection lives on another node.
type RemoteConnection struct {
	client       Client
	subscriberID string
}

func NewRemoteConnection(client Client, subscriberID string) *RemoteConnection {
	return &RemoteConnection{client: client, subscriberID: subscriberID}
}

// Notify publishes the notification for redelivery to the node actually
// holding this subscriber's socket. A publish failure is logged here and
// not returned — fanout is fire-and-forget.
func (c *RemoteConnection) Notify(ctx context.Context, method string, params any) {
	if err := c.client.Publish(ctx, c.subscriberID, NotificationMessage{
		SubscriberID: c.subscriberID,
		Method:       method,
		Params:       params,
	}); err != nil {
		slog.Warn("queue: publish notification failed", "subscriberId", c.subscriberID, "method", method, "error", err)
	}
}

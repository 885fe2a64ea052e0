package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// SubscriberSource reports which subscribers currently hold live sockets
// on this node; the consumer drains exactly those subscribers' queues.
type SubscriberSource interface {
	Subscribers() []string
}

// Deliverer forwards one decoded notification to a subscriber's local
// sockets.
type Deliverer interface {
	Deliver(ctx context.Context, subscriberID, method string, params any)
}

// Consumer is the receiving leg of cross-process fanout: for every
// subscriber with a live connection on this node it runs a receive loop
// against that subscriber's queue, forwarding each NotificationMessage to
// the local sockets and acking it. Together with RemoteConnection (the
// producing leg) a notification published on any node reaches the node
// that owns the subscriber's socket.
type Consumer struct {
	client    Client
	source    SubscriberSource
	deliverer Deliverer
	log       *slog.Logger

	// reconcileInterval is how often the consumer compares the live
	// subscriber set against its running receive loops.
	reconcileInterval time.Duration
	// receiveBackoff is the pause after a failed Receive before retrying,
	// so a broker hiccup doesn't spin the loop.
	receiveBackoff time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewConsumer(client Client, source SubscriberSource, deliverer Deliverer, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		client:            client,
		source:            source,
		deliverer:         deliverer,
		log:               log,
		reconcileInterval: time.Second,
		receiveBackoff:    time.Second,
		cancels:           map[string]context.CancelFunc{},
	}
}

// Run reconciles receive loops against the live subscriber set until ctx
// is done: a subscriber connecting to this node gets a loop draining its
// queue, a subscriber disconnecting gets its loop cancelled.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.reconcileInterval)
	defer ticker.Stop()

	for {
		c.reconcile(ctx)
		select {
		case <-ctx.Done():
			c.stopAll()
			return
		case <-ticker.C:
		}
	}
}

func (c *Consumer) reconcile(ctx context.Context) {
	live := map[string]struct{}{}
	for _, sub := range c.source.Subscribers() {
		live[sub] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for sub := range live {
		if _, running := c.cancels[sub]; running {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		c.cancels[sub] = cancel
		go c.receiveLoop(loopCtx, sub)
	}

	for sub, cancel := range c.cancels {
		if _, stillHere := live[sub]; !stillHere {
			cancel()
			delete(c.cancels, sub)
		}
	}
}

// runningLoops reports how many receive loops are registered, so tests
// can observe reconciliation.
func (c *Consumer) runningLoops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cancels)
}

func (c *Consumer) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub, cancel := range c.cancels {
		cancel()
		delete(c.cancels, sub)
	}
}

func (c *Consumer) receiveLoop(ctx context.Context, subscriberID string) {
	queueName := c.client.QueueNameFor(subscriberID)
	c.log.Debug("queue: consuming subscriber queue", "subscriberId", subscriberID, "queue", queueName)

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := c.client.Receive(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("queue: receive failed, backing off", "subscriberId", subscriberID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.receiveBackoff):
			}
			continue
		}

		var notification NotificationMessage
		if err := json.Unmarshal(msg.Body(), &notification); err != nil {
			// Malformed payloads are acked away rather than redelivered
			// forever.
			c.log.Error("queue: drop undecodable notification", "subscriberId", subscriberID, "error", err)
			if err := c.client.Ack(ctx, msg); err != nil {
				c.log.Error("queue: ack failed", "subscriberId", subscriberID, "error", err)
			}
			continue
		}

		c.deliverer.Deliver(ctx, subscriberID, notification.Method, notification.Params)

		if err := c.client.Ack(ctx, msg); err != nil {
			c.log.Error("queue: ack failed", "subscriberId", subscriberID, "error", err)
		}
	}
}

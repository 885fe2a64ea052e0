package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a pool of AMQP channels for concurrent use. AMQP
// channels are not thread-safe, so each goroutine needing one borrows it
// from here instead of sharing a single mutex-guarded channel.
type ChannelPool struct {
	conn     *amqp.Connection
	pool     chan *amqp.Channel // buffered channel acts as a semaphore
	maxSize  int
	exchange string
	mu       sync.Mutex // guards pool creation/destruction only

	log *slog.Logger

	maxRetries      int
	initialBackoff  time.Duration
	recreatedTotal  atomic.Int64
	closed          bool
}

// ChannelPoolOption configures optional ChannelPool behavior.
type ChannelPoolOption func(*ChannelPool)

// WithLogger overrides the pool's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ChannelPoolOption {
	return func(p *ChannelPool) { p.log = log }
}

// WithRetry overrides the connection-retry policy used while dialing
// RabbitMQ. maxRetries<=0 or initialBackoff<=0 leave the corresponding
// default in place.
func WithRetry(maxRetries int, initialBackoff time.Duration) ChannelPoolOption {
	return func(p *ChannelPool) {
		if maxRetries > 0 {
			p.maxRetries = maxRetries
		}
		if initialBackoff > 0 {
			p.initialBackoff = initialBackoff
		}
	}
}

// NewChannelPool dials url and pre-populates a pool of poolSize AMQP
// channels against exchange, retrying the initial dial with exponential
// backoff so the server can come up before RabbitMQ is reachable (pod
// restarts, cold cluster starts, transient network failures).
func NewChannelPool(url, exchange string, poolSize int, opts ...ChannelPoolOption) (*ChannelPool, error) {
	if poolSize <= 0 {
		poolSize = 10
	}

	p := &ChannelPool{
		maxSize:        poolSize,
		exchange:       exchange,
		log:            slog.Default(),
		maxRetries:     5,
		initialBackoff: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}

	conn, err := dialWithRetry(url, p.maxRetries, p.initialBackoff, p.log)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	p.pool = make(chan *amqp.Channel, poolSize)

	p.log.Info("queue: connected to rabbitmq", "exchange", exchange, "poolSize", poolSize)

	for i := 0; i < poolSize; i++ {
		ch, err := p.createChannel()
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("queue: create initial channel %d: %w", i, err)
		}
		p.pool <- ch
	}

	return p, nil
}

func dialWithRetry(url string, maxRetries int, initialBackoff time.Duration, log *slog.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}

		if attempt < maxRetries-1 {
			backoff := initialBackoff * (1 << uint(attempt))
			log.Warn("queue: rabbitmq dial failed, retrying",
				"attempt", attempt+1, "maxRetries", maxRetries, "backoff", backoff, "error", err)
			time.Sleep(backoff)
		}
	}

	return nil, fmt.Errorf("queue: connect to rabbitmq after %d attempts: %w", maxRetries, err)
}

// createChannel opens a channel and declares the pool's exchange (idempotent).
func (p *ChannelPool) createChannel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("queue: declare exchange: %w", err)
	}

	return ch, nil
}

// Get retrieves a channel from the pool, blocking until one is available or
// ctx is done. A channel found already closed (e.g. by a broker-side error)
// is transparently replaced.
func (p *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("queue: channel pool is closed")
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	select {
	case ch := <-p.pool:
		if ch.IsClosed() {
			p.recreatedTotal.Add(1)
			p.log.Warn("queue: pooled channel was closed, recreating", "totalRecreated", p.recreatedTotal.Load())
			newCh, err := p.createChannel()
			if err != nil {
				return nil, fmt.Errorf("queue: recreate closed channel: %w", err)
			}
			return newCh, nil
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Return returns a channel to the pool, or closes it outright if the pool
// has already been closed or is unexpectedly full.
func (p *ChannelPool) Return(ch *amqp.Channel) {
	if ch == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = ch.Close()
		return
	}

	select {
	case p.pool <- ch:
	default:
		p.log.Warn("queue: channel pool full on return, closing extra channel")
		_ = ch.Close()
	}
}

// Close closes every pooled channel and the underlying connection.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	close(p.pool)
	for ch := range p.pool {
		if ch != nil && !ch.IsClosed() {
			_ = ch.Close()
		}
	}

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}

// Stats reports the pool's current occupancy, for callers that want to
// surface it as a metric or in a health check.
type Stats struct {
	Available int
	Capacity  int
	Recreated int64
}

// Stats returns a snapshot of the pool's current occupancy and how many
// closed channels have been transparently recreated over its lifetime.
func (p *ChannelPool) Stats() Stats {
	return Stats{Available: len(p.pool), Capacity: p.maxSize, Recreated: p.recreatedTotal.Load()}
}

// Size returns the number of channels currently idle in the pool.
func (p *ChannelPool) Size() int { return len(p.pool) }

// Capacity returns the pool's configured maximum size.
func (p *ChannelPool) Capacity() int { return p.maxSize }

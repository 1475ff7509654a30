package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrRpcClientClosed is returned by Call once the client is closed.
var ErrRpcClientClosed = errors.New("rpc client closed")

// RpcClient sends requests with a reply-to queue and correlation id and
// waits for the matching reply. Calls may run concurrently.
type RpcClient struct {
	ch    *Channel
	queue string
	tag   string

	mu      sync.RWMutex
	pending map[string]chan Delivery

	closed atomic.Bool
	// gone is closed when replies stop being routed, by Close or because
	// the reply consumer ended with its channel.
	gone     chan struct{}
	goneOnce sync.Once
	routed   chan struct{}
}

// NewRpcClient declares a server-named reply queue on ch and starts
// consuming it with auto-ack.
func NewRpcClient(ch *Channel) (*RpcClient, error) {
	// Not exclusive, so servers on other connections can always reach it.
	q, err := ch.QueueDeclare("", QueueDeclareOptions{AutoDelete: true})
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	replies, tag, err := ch.ConsumeChan(q.Name, "", ConsumeOptions{AutoAck: true})
	if err != nil {
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	c := &RpcClient{
		ch:      ch,
		queue:   q.Name,
		tag:     tag,
		pending: make(map[string]chan Delivery),
		gone:    make(chan struct{}),
		routed:  make(chan struct{}),
	}
	go c.route(replies)
	return c, nil
}

// Call publishes msg and blocks until its reply arrives, ctx is done or
// the client goes away. ReplyTo and CorrelationId on msg are overwritten.
func (c *RpcClient) Call(ctx context.Context, exchange, routingKey string, msg Publishing) (*Delivery, error) {
	if c.closed.Load() {
		return nil, ErrRpcClientClosed
	}

	id := uuid.NewString()
	reply := make(chan Delivery, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg.Properties.ReplyTo = c.queue
	msg.Properties.CorrelationId = id
	if err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return nil, fmt.Errorf("publish rpc request: %w", err)
	}

	select {
	case d := <-reply:
		return &d, nil
	case <-c.gone:
		return nil, ErrRpcClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RpcClient) route(replies <-chan Delivery) {
	defer close(c.routed)
	defer c.stop()

	for d := range replies {
		c.mu.RLock()
		reply, ok := c.pending[d.Properties.CorrelationId]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		// Auto-acked, so Ack on the reply is a local error.
		d.channel = nil
		select {
		case reply <- d:
		default:
		}
	}
}

func (c *RpcClient) stop() {
	c.goneOnce.Do(func() { close(c.gone) })
}

// Close releases pending calls with ErrRpcClientClosed and cancels the reply
// consumer. It is safe to call more than once.
func (c *RpcClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stop()

	if err := c.ch.Cancel(c.tag); err != nil && !c.ch.IsClosed() {
		return fmt.Errorf("cancel reply consumer: %w", err)
	}
	<-c.routed
	return nil
}

// ReplyQueue returns the name of the queue replies are consumed from.
func (c *RpcClient) ReplyQueue() string {
	return c.queue
}

package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

// Consumer receives deliveries and lifecycle notifications for one
// subscription. Every method runs on the channel's dispatcher goroutine, so
// a consumer may call back into its channel, e.g. to ack.
type Consumer interface {
	HandleConsumeOk(consumerTag string)
	HandleCancelOk(consumerTag string)
	HandleCancel(consumerTag string) error
	HandleDelivery(consumerTag string, delivery Delivery) error
	HandleShutdown(consumerTag string, cause *Error)
	HandleRecoverOk(consumerTag string)
}

// BaseConsumer provides no-op implementations of Consumer, for embedding.
type BaseConsumer struct{}

func (BaseConsumer) HandleConsumeOk(consumerTag string)                        {}
func (BaseConsumer) HandleCancelOk(consumerTag string)                         {}
func (BaseConsumer) HandleCancel(consumerTag string) error                     { return nil }
func (BaseConsumer) HandleDelivery(consumerTag string, delivery Delivery) error { return nil }
func (BaseConsumer) HandleShutdown(consumerTag string, cause *Error)           {}
func (BaseConsumer) HandleRecoverOk(consumerTag string)                        {}

// DeliveryHandlerFunc is a function-based delivery handler
type DeliveryHandlerFunc func(consumerTag string, delivery Delivery) error

// handlerConsumer wraps a DeliveryHandlerFunc
type handlerConsumer struct {
	BaseConsumer
	handler DeliveryHandlerFunc
}

func (hc *handlerConsumer) HandleDelivery(consumerTag string, delivery Delivery) error {
	return hc.handler(consumerTag, delivery)
}

// ConsumeOptions configures consumer behavior
type ConsumeOptions struct {
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      Table
}

type consumerState uint8

const (
	consumerPending consumerState = iota
	consumerActive
	consumerCancelling
)

// consumerEntry is one registered subscription. Until consume-ok arrives a
// server-named entry is keyed by a client-side placeholder.
type consumerEntry struct {
	key      string
	tag      string
	queue    string
	consumer Consumer
	state    consumerState

	// early holds deliveries that arrived before consume-ok.
	early []Delivery
}

// consumerRegistry maps consumer tags to entries. Guarded by the channel
// lock.
type consumerRegistry struct {
	entries map[string]*consumerEntry
}

func newConsumerRegistry() *consumerRegistry {
	return &consumerRegistry{entries: make(map[string]*consumerEntry)}
}

func (r *consumerRegistry) add(e *consumerEntry) { r.entries[e.key] = e }

func (r *consumerRegistry) lookup(tag string) *consumerEntry { return r.entries[tag] }

func (r *consumerRegistry) owns(e *consumerEntry) bool { return r.entries[e.key] == e }

func (r *consumerRegistry) remove(tag string) *consumerEntry {
	e := r.entries[tag]
	delete(r.entries, tag)
	return e
}

// activate re-keys e under the tag named by consume-ok and returns the
// deliveries it buffered.
func (r *consumerRegistry) activate(e *consumerEntry, tag string) []Delivery {
	delete(r.entries, e.key)
	e.key, e.tag, e.state = tag, tag, consumerActive
	r.entries[tag] = e

	early := e.early
	e.early = nil
	return early
}

// drain empties the registry and returns the entries that were live.
func (r *consumerRegistry) drain() []*consumerEntry {
	var live []*consumerEntry
	for _, e := range r.entries {
		if e.state != consumerPending {
			live = append(live, e)
		}
	}
	clear(r.entries)
	return live
}

func (r *consumerRegistry) len() int { return len(r.entries) }

// SetDefaultConsumer sets the consumer that receives deliveries for tags
// that are no longer, or were never, registered.
func (ch *Channel) SetDefaultConsumer(c Consumer) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.defaultConsumer = c
}

// DefaultConsumer returns the fallback consumer, or nil.
func (ch *Channel) DefaultConsumer() Consumer {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.defaultConsumer
}

// ConsumerCount returns the number of registered consumers.
func (ch *Channel) ConsumerCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.consumers.len()
}

// Consume starts a consumer that must ack its deliveries, with a server
// assigned tag. It returns the tag.
func (ch *Channel) Consume(queue string, consumer Consumer) (string, error) {
	return ch.ConsumeWithOptions(queue, "", ConsumeOptions{}, consumer)
}

// ConsumeWithTag starts a consumer with an explicit tag.
func (ch *Channel) ConsumeWithTag(queue, consumerTag string, autoAck bool, consumer Consumer) (string, error) {
	return ch.ConsumeWithOptions(queue, consumerTag, ConsumeOptions{AutoAck: autoAck}, consumer)
}

// ConsumeWithArgs starts a consumer with an explicit tag and arguments.
func (ch *Channel) ConsumeWithArgs(queue, consumerTag string, autoAck bool, args Table, consumer Consumer) (string, error) {
	return ch.ConsumeWithOptions(queue, consumerTag, ConsumeOptions{AutoAck: autoAck, Args: args}, consumer)
}

// ConsumeWithOptions starts a consumer with every option explicit.
func (ch *Channel) ConsumeWithOptions(queue, consumerTag string, opts ConsumeOptions, consumer Consumer) (string, error) {
	ctx, cancel := ch.rpcContext()
	defer cancel()
	return ch.ConsumeWithContext(ctx, queue, consumerTag, opts, consumer)
}

// ConsumeWithHandler starts a consumer with a simple function handler
func (ch *Channel) ConsumeWithHandler(queue, consumerTag string, opts ConsumeOptions, handler DeliveryHandlerFunc) (string, error) {
	return ch.ConsumeWithOptions(queue, consumerTag, opts, &handlerConsumer{handler: handler})
}

// ConsumeWithContext registers consumer and sends basic.consume. An empty
// tag lets the server pick one; with NoWait the client generates it instead
// since no reply will name it.
func (ch *Channel) ConsumeWithContext(ctx context.Context, queue, consumerTag string, opts ConsumeOptions, consumer Consumer) (string, error) {
	if consumer == nil {
		return "", fmt.Errorf("%w: nil consumer", ErrInvalidOperation)
	}
	if err := ch.check(protocol.OpBasicConsume); err != nil {
		return "", err
	}

	e := &consumerEntry{key: consumerTag, tag: consumerTag, queue: queue, consumer: consumer}
	if consumerTag == "" {
		if opts.NoWait {
			e.tag = "ctag-" + uuid.NewString()
			e.key = e.tag
		} else {
			e.key = "pending-" + uuid.NewString()
		}
	}
	if opts.NoWait {
		e.state = consumerActive
	}

	ch.mu.Lock()
	if ch.state != ChannelStateOpen {
		err := closedError(ch.reason)
		ch.mu.Unlock()
		return "", err
	}
	if ch.consumers.lookup(e.key) != nil {
		ch.mu.Unlock()
		return "", fmt.Errorf("%w: consumer tag %q already in use", ErrInvalidOperation, e.key)
	}
	ch.consumers.add(e)
	ch.mu.Unlock()

	req := &wire.BasicConsume{
		Queue:       queue,
		ConsumerTag: e.tag,
		NoLocal:     opts.NoLocal,
		NoAck:       opts.AutoAck,
		Exclusive:   opts.Exclusive,
		NoWait:      opts.NoWait,
		Arguments:   opts.Args,
	}

	if opts.NoWait {
		if err := ch.sendAsync(protocol.OpBasicConsume, req); err != nil {
			ch.mu.Lock()
			if ch.consumers.owns(e) {
				ch.consumers.remove(e.key)
			}
			ch.mu.Unlock()
			return "", err
		}
		tag := e.tag
		ch.dispatch(siteConsumeOk, tag, func() error { consumer.HandleConsumeOk(tag); return nil })
		return tag, nil
	}

	onReply := func(m wire.Message) {
		ch.activateConsumer(e, m.(*wire.BasicConsumeOk).ConsumerTag)
	}
	res, err := ch.callWith(ctx, protocol.OpBasicConsume, req, onReply, frame.ID(protocol.ClassBasic, protocol.MethodBasicConsumeOk))
	if err != nil {
		ch.mu.Lock()
		ch.dropPendingLocked(e)
		ch.mu.Unlock()
		return "", fmt.Errorf("consume %q: %w", queue, err)
	}

	tag := res.msg.(*wire.BasicConsumeOk).ConsumerTag
	ch.log.Debug("consumer registered", zap.String("queue", queue), zap.String("consumer_tag", tag))
	return tag, nil
}

// activateConsumer runs on the frame reader under the channel lock when
// consume-ok arrives. HandleConsumeOk is queued ahead of any buffered
// delivery.
func (ch *Channel) activateConsumer(e *consumerEntry, tag string) {
	if !ch.consumers.owns(e) {
		ch.log.Warn("consume-ok for a consumer no longer awaited", zap.String("consumer_tag", tag))
		return
	}

	early := ch.consumers.activate(e, tag)
	c := e.consumer
	ch.dispatch(siteConsumeOk, tag, func() error { c.HandleConsumeOk(tag); return nil })
	for _, d := range early {
		ch.routeDeliveryLocked(d)
	}
}

// dropPendingLocked unregisters a consumer whose consume request failed.
// Deliveries it buffered are routed again as if it had never existed.
func (ch *Channel) dropPendingLocked(e *consumerEntry) {
	if !ch.consumers.owns(e) || e.state != consumerPending {
		return
	}
	ch.consumers.remove(e.key)

	early := e.early
	e.early = nil
	for _, d := range early {
		ch.routeDeliveryLocked(d)
	}
}

// Cancel cancels a consumer and waits for cancel-ok.
func (ch *Channel) Cancel(consumerTag string) error {
	ctx, cancel := ch.rpcContext()
	defer cancel()
	return ch.CancelWithContext(ctx, consumerTag)
}

// CancelWithContext is Cancel bounded by ctx.
func (ch *Channel) CancelWithContext(ctx context.Context, consumerTag string) error {
	if err := ch.check(protocol.OpBasicCancel); err != nil {
		return err
	}

	ch.mu.Lock()
	e := ch.consumers.lookup(consumerTag)
	if e == nil || e.state != consumerActive {
		ch.mu.Unlock()
		return fmt.Errorf("%w: no active consumer %q", ErrInvalidOperation, consumerTag)
	}
	e.state = consumerCancelling
	ch.mu.Unlock()

	onReply := func(m wire.Message) {
		ch.removeConsumerLocked(m.(*wire.BasicCancelOk).ConsumerTag, siteCancelOk)
	}
	req := &wire.BasicCancel{ConsumerTag: consumerTag}
	if _, err := ch.callWith(ctx, protocol.OpBasicCancel, req, onReply, frame.ID(protocol.ClassBasic, protocol.MethodBasicCancelOk)); err != nil {
		ch.mu.Lock()
		if ch.consumers.owns(e) && e.state == consumerCancelling {
			e.state = consumerActive
		}
		ch.mu.Unlock()
		return fmt.Errorf("cancel %q: %w", consumerTag, err)
	}
	return nil
}

// CancelNoWait removes the consumer and sends basic.cancel without waiting
// for a reply. Deliveries already in flight for the tag go to the default
// consumer.
func (ch *Channel) CancelNoWait(consumerTag string) error {
	if err := ch.check(protocol.OpBasicCancel); err != nil {
		return err
	}

	ch.mu.Lock()
	e := ch.consumers.lookup(consumerTag)
	if e == nil || e.state != consumerActive {
		ch.mu.Unlock()
		return fmt.Errorf("%w: no active consumer %q", ErrInvalidOperation, consumerTag)
	}
	ch.removeConsumerLocked(consumerTag, siteCancelOk)
	ch.mu.Unlock()

	return ch.sendAsync(protocol.OpBasicCancel, &wire.BasicCancel{ConsumerTag: consumerTag, NoWait: true})
}

// removeConsumerLocked drops tag from the registry and queues the matching
// notification: HandleCancelOk for site siteCancelOk, HandleCancel for a
// server-initiated cancel.
func (ch *Channel) removeConsumerLocked(tag, site string) {
	e := ch.consumers.remove(tag)
	if e == nil {
		ch.log.Debug("cancel for unknown consumer", zap.String("consumer_tag", tag))
		return
	}

	c := e.consumer
	if site == siteCancelOk {
		ch.dispatch(siteCancelOk, tag, func() error { c.HandleCancelOk(tag); return nil })
		return
	}
	ch.dispatch(siteCancel, tag, func() error { return c.HandleCancel(tag) })
}

// routeDeliveryLocked hands a reassembled delivery to its consumer. Runs on
// the frame reader under the channel lock.
func (ch *Channel) routeDeliveryLocked(d Delivery) {
	// A server-named consumer is unknown until consume-ok names it, and the
	// server never delivers to it before that.
	e := ch.consumers.lookup(d.ConsumerTag)

	switch {
	case e != nil && e.state == consumerPending:
		e.early = append(e.early, d)
		return
	case e != nil:
		ch.deliverTo(e.consumer, d)
	case ch.defaultConsumer != nil:
		ch.deliverTo(ch.defaultConsumer, d)
	default:
		ch.log.Warn("delivery for unknown consumer", zap.String("consumer_tag", d.ConsumerTag), zap.Uint64("delivery_tag", d.DeliveryTag))
		err := fmt.Errorf("%w: delivery for unknown consumer %q", ErrInvalidOperation, d.ConsumerTag)
		ch.dispatch(siteDelivery, d.ConsumerTag, func() error { return err })
	}
}

func (ch *Channel) deliverTo(c Consumer, d Delivery) {
	ch.metrics.MessageConsumed()
	ch.dispatch(siteDelivery, d.ConsumerTag, func() error { return c.HandleDelivery(d.ConsumerTag, d) })
}

// shutdownConsumersLocked empties the registry and queues HandleShutdown for
// every live consumer.
func (ch *Channel) shutdownConsumersLocked(reason *Error) {
	for _, e := range ch.consumers.drain() {
		c, tag := e.consumer, e.tag
		ch.dispatch(siteShutdown, tag, func() error { c.HandleShutdown(tag, reason); return nil })
	}
}

// recoverOkLocked queues HandleRecoverOk for every live consumer.
func (ch *Channel) recoverOkLocked() {
	for _, e := range ch.consumers.entries {
		if e.state == consumerPending {
			continue
		}
		c, tag := e.consumer, e.tag
		ch.dispatch(siteRecoverOk, tag, func() error { c.HandleRecoverOk(tag); return nil })
	}
}

// chanConsumer forwards deliveries into a Go channel, which it closes when
// the subscription ends.
type chanConsumer struct {
	BaseConsumer
	deliveries chan Delivery
	done       <-chan struct{}
	closeOnce  sync.Once
}

func (cc *chanConsumer) HandleDelivery(consumerTag string, d Delivery) error {
	select {
	case cc.deliveries <- d:
	case <-cc.done:
	}
	return nil
}

func (cc *chanConsumer) HandleCancelOk(string)        { cc.close() }
func (cc *chanConsumer) HandleShutdown(string, *Error) { cc.close() }

func (cc *chanConsumer) HandleCancel(string) error {
	cc.close()
	return nil
}

func (cc *chanConsumer) close() {
	cc.closeOnce.Do(func() { close(cc.deliveries) })
}

// ConsumeChan starts a consumer whose deliveries are sent on the returned Go
// channel. The Go channel is closed when the consumer is cancelled or the
// channel shuts down.
func (ch *Channel) ConsumeChan(queue, consumerTag string, opts ConsumeOptions) (<-chan Delivery, string, error) {
	cc := &chanConsumer{deliveries: make(chan Delivery, 100), done: ch.done}
	tag, err := ch.ConsumeWithOptions(queue, consumerTag, opts, cc)
	if err != nil {
		return nil, "", err
	}
	return cc.deliveries, tag, nil
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

// ChannelState represents the state of a channel
type ChannelState int32

const (
	ChannelStateOpen ChannelState = iota
	ChannelStateClosing
	ChannelStateClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosing:
		return "closing"
	case ChannelStateClosed:
		return "closed"
	}
	return fmt.Sprintf("ChannelState(%d)", int32(s))
}

// frameSink is the channel's view of its connection: somewhere to write
// frames and to hand the channel id back once closed.
type frameSink interface {
	send(frames ...*frame.Frame) error
	frameMax() uint32
	release(id uint16)
}

// channelConfig carries the connection-wide settings a channel runs with.
type channelConfig struct {
	log          *zap.Logger
	metrics      MetricsCollector
	errorHandler ErrorHandler
	version      protocol.Version
	rpcTimeout   time.Duration
	closeTimeout time.Duration
}

// Channel represents an AMQP channel
type Channel struct {
	id      uint16
	sink    frameSink
	cfg     channelConfig
	log     *zap.Logger
	metrics MetricsCollector

	mu              sync.Mutex
	state           ChannelState
	reason          *Error
	rpc             *continuationQueue
	confirms        *confirmTracker
	consumers       *consumerRegistry
	defaultConsumer Consumer
	listeners       listeners

	// flowGate is closed while the server allows publishing.
	flowActive bool
	flowGate   chan struct{}

	// asm is only touched by the frame reader.
	asm frame.Assembler

	events    *dispatcher
	publishMu sync.Mutex

	lifetime context.Context
	kill     context.CancelCauseFunc
	done     chan struct{}
}

func newChannel(id uint16, sink frameSink, cfg channelConfig) *Channel {
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	if cfg.metrics == nil {
		cfg.metrics = NewNoOpMetricsCollector()
	}

	gate := make(chan struct{})
	close(gate)

	ch := &Channel{
		id:         id,
		sink:       sink,
		cfg:        cfg,
		log:        cfg.log.With(zap.Uint16("channel", id)),
		metrics:    cfg.metrics,
		state:      ChannelStateOpen,
		rpc:        newContinuationQueue(),
		confirms:   newConfirmTracker(),
		consumers:  newConsumerRegistry(),
		flowActive: true,
		flowGate:   gate,
		events:     newDispatcher(),
		done:       make(chan struct{}),
	}
	ch.lifetime, ch.kill = context.WithCancelCause(context.Background())
	cfg.metrics.ChannelCreated()
	return ch
}

// open performs the channel.open handshake.
func (ch *Channel) open(ctx context.Context) error {
	if _, err := ch.call(ctx, protocol.OpChannelOpen, &wire.ChannelOpen{}, frame.ChannelOpenOk); err != nil {
		ch.shutdown(&Error{Code: protocol.ReplyChannelError, Reason: "channel open failed"})
		return fmt.Errorf("channel open: %w", err)
	}
	ch.log.Debug("channel opened")
	return nil
}

// ChannelID returns the channel number.
func (ch *Channel) ChannelID() uint16 { return ch.id }

// ProtocolVersion returns the dialect the channel speaks.
func (ch *Channel) ProtocolVersion() protocol.Version { return ch.cfg.version }

// GetState returns the current channel state
func (ch *Channel) GetState() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// IsOpen reports whether the channel accepts operations.
func (ch *Channel) IsOpen() bool { return ch.GetState() == ChannelStateOpen }

// IsClosed reports whether the channel has finished closing.
func (ch *Channel) IsClosed() bool { return ch.GetState() == ChannelStateClosed }

// CloseReason returns why the channel is closing or closed, or nil while it
// is open.
func (ch *Channel) CloseReason() *Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reason
}

// Done is closed once the channel reaches Closed.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// check fails fast for operations the channel cannot carry out.
func (ch *Channel) check(op protocol.Operation) error {
	ch.mu.Lock()
	state, reason := ch.state, ch.reason
	ch.mu.Unlock()

	if state != ChannelStateOpen {
		return closedError(reason)
	}
	if !protocol.Supported(op, ch.cfg.version) {
		return notSupportedError(op, ch.cfg.version)
	}
	return nil
}

// send writes a single method frame.
func (ch *Channel) send(m wire.Message) error {
	f, err := wire.Frame(ch.id, m)
	if err != nil {
		return err
	}
	if err := ch.sink.send(f); err != nil {
		return fmt.Errorf("send %s: %w", m.ID(), err)
	}
	return nil
}

// sendAsync writes a method that expects no reply.
func (ch *Channel) sendAsync(op protocol.Operation, m wire.Message) error {
	if err := ch.check(op); err != nil {
		return err
	}
	return ch.send(m)
}

// handleFrame is called by the connection reader, in arrival order, for
// every frame addressed to this channel.
func (ch *Channel) handleFrame(f *frame.Frame) {
	if ch.GetState() == ChannelStateClosed {
		return
	}

	cmd, err := ch.asm.Push(f)
	if err != nil {
		ch.violation(err)
		return
	}
	if cmd == nil {
		return
	}

	msg, err := wire.Decode(cmd.Method)
	if err != nil {
		ch.violation(err)
		return
	}
	ch.handleCommand(msg, cmd)
}

func (ch *Channel) handleCommand(msg wire.Message, cmd *frame.Command) {
	switch m := msg.(type) {
	case *wire.ChannelClose:
		ch.handleRemoteClose(m)
		return
	case *wire.ChannelCloseOk:
		ch.handleCloseOk()
		return
	}

	if st := ch.GetState(); st != ChannelStateOpen {
		ch.log.Debug("ignoring method while closing", zap.Stringer("method", msg.ID()))
		return
	}

	switch m := msg.(type) {
	case *wire.BasicDeliver:
		props, err := DecodeProperties(cmd.Header.Properties)
		if err != nil {
			ch.violation(err)
			return
		}
		ch.mu.Lock()
		ch.routeDeliveryLocked(newDelivery(ch, m, props, cmd))
		ch.mu.Unlock()

	case *wire.BasicReturn:
		props, err := DecodeProperties(cmd.Header.Properties)
		if err != nil {
			ch.violation(err)
			return
		}
		ch.emitReturn(Return{
			ReplyCode:  m.ReplyCode,
			ReplyText:  m.ReplyText,
			Exchange:   m.Exchange,
			RoutingKey: m.RoutingKey,
			Properties: props,
			Body:       cmd.Body,
		})

	case *wire.BasicAck:
		ch.handleConfirm(m.DeliveryTag, m.Multiple, true)

	case *wire.BasicNack:
		ch.handleConfirm(m.DeliveryTag, m.Multiple, false)

	case *wire.BasicCancel:
		ch.log.Info("consumer cancelled by server", zap.String("consumer_tag", m.ConsumerTag))
		ch.mu.Lock()
		ch.removeConsumerLocked(m.ConsumerTag, siteCancel)
		ch.mu.Unlock()
		ch.emitCancel(m.ConsumerTag)

	case *wire.ChannelFlow:
		ch.handleServerFlow(m.Active)

	case *wire.BasicRecoverOk:
		ch.mu.Lock()
		ch.recoverOkLocked()
		var err error
		if ch.rpc.expects(m.ID()) {
			err = ch.rpc.resolve(m.ID(), rpcResult{msg: m})
		}
		ch.mu.Unlock()
		if err != nil {
			ch.violation(err)
			return
		}
		ch.emitRecoverOk()

	default:
		ch.mu.Lock()
		err := ch.rpc.resolve(msg.ID(), rpcResult{msg: msg, cmd: cmd})
		ch.mu.Unlock()
		if err != nil {
			ch.violation(err)
		}
	}
}

// violation closes the channel with 505 unexpected-frame. The waiting
// caller, if any, gets ErrProtocolViolation.
func (ch *Channel) violation(cause error) {
	ch.log.Error("protocol violation", zap.Error(cause))
	ch.metrics.ChannelError(cause)

	ch.mu.Lock()
	ch.rpc.fail(fmt.Errorf("%w: %w", ErrProtocolViolation, cause))
	ch.mu.Unlock()

	reason := &Error{Code: protocol.ReplyUnexpectedFrame, Reason: cause.Error()}
	if started, _ := ch.beginClose(reason); started {
		go ch.awaitClosed(reason)
	}
}

func (ch *Channel) handleRemoteClose(m *wire.ChannelClose) {
	reason := &Error{
		Code:     int(m.ReplyCode),
		Reason:   m.ReplyText,
		Server:   true,
		ClassID:  m.ClassID,
		MethodID: m.MethodID,
	}
	ch.log.Info("channel closed by server", zap.Int("code", reason.Code), zap.String("reason", reason.Reason))

	if err := ch.send(&wire.ChannelCloseOk{}); err != nil {
		ch.log.Warn("send channel.close-ok", zap.Error(err))
	}
	ch.shutdown(reason)
}

func (ch *Channel) handleCloseOk() {
	ch.mu.Lock()
	state, reason := ch.state, ch.reason
	ch.mu.Unlock()

	switch state {
	case ChannelStateClosing:
		ch.shutdown(reason)
	case ChannelStateOpen:
		ch.violation(errors.New("channel.close-ok without channel.close"))
	}
}

func (ch *Channel) handleServerFlow(active bool) {
	ch.mu.Lock()
	ch.setFlowLocked(active)
	ch.mu.Unlock()

	ch.log.Info("flow control", zap.Bool("active", active))
	if err := ch.send(&wire.ChannelFlowOk{Active: active}); err != nil {
		ch.log.Warn("send channel.flow-ok", zap.Error(err))
	}
	ch.emitFlow(active)
}

func (ch *Channel) setFlowLocked(active bool) {
	switch {
	case active && !ch.flowActive:
		close(ch.flowGate)
	case !active && ch.flowActive:
		ch.flowGate = make(chan struct{})
	}
	ch.flowActive = active
}

// awaitFlow blocks while the server has paused publishing.
func (ch *Channel) awaitFlow(ctx context.Context) error {
	ch.mu.Lock()
	gate := ch.flowGate
	ch.mu.Unlock()

	select {
	case <-gate:
		return nil
	default:
	}

	ctx, cancel := ch.bind(ctx)
	defer cancel()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return waitError(ctx)
	}
}

// Flow asks the server to pause (false) or resume (true) deliveries to this
// channel. It returns the state the server confirmed.
func (ch *Channel) Flow(active bool) (bool, error) {
	ctx, cancel := ch.rpcContext()
	defer cancel()

	res, err := ch.call(ctx, protocol.OpChannelFlow, &wire.ChannelFlow{Active: active},
		frame.ID(protocol.ClassChannel, protocol.MethodChannelFlowOk))
	if err != nil {
		return false, fmt.Errorf("channel flow: %w", err)
	}
	return res.msg.(*wire.ChannelFlowOk).Active, nil
}

// Close closes the channel with 200 and waits for close-ok.
func (ch *Channel) Close() error {
	return ch.CloseWithCode(protocol.ReplySuccess, "Goodbye")
}

// CloseWithCode closes the channel with a specific reply code
func (ch *Channel) CloseWithCode(code int, text string) error {
	ctx, cancel := ch.closeContext()
	defer cancel()
	return ch.CloseWithContext(ctx, code, text)
}

// CloseWithContext closes the channel, waiting for close-ok until ctx ends.
// On a deadline the channel is forced closed and an error wrapping
// ErrTimeout is returned. Closing an already closing or closed channel sends
// nothing, waits for closure and returns nil.
func (ch *Channel) CloseWithContext(ctx context.Context, code int, text string) error {
	return ch.close(ctx, &Error{Code: code, Reason: text}, false)
}

// Abort closes the channel like Close but never returns an error.
func (ch *Channel) Abort() {
	ch.AbortWithCode(protocol.ReplySuccess, "Goodbye")
}

// AbortWithCode is Abort with an explicit reply code and text.
func (ch *Channel) AbortWithCode(code int, text string) {
	ctx, cancel := ch.closeContext()
	defer cancel()
	ch.AbortWithContext(ctx, code, text)
}

// AbortWithContext is CloseWithContext without the error. It always returns
// with the channel closed.
func (ch *Channel) AbortWithContext(ctx context.Context, code int, text string) {
	_ = ch.close(ctx, &Error{Code: code, Reason: text}, true)
}

func (ch *Channel) close(ctx context.Context, reason *Error, abort bool) error {
	if _, err := ch.beginClose(reason); err != nil {
		if abort {
			return nil
		}
		return err
	}

	select {
	case <-ch.done:
		return nil
	case <-ctx.Done():
	}

	ch.log.Warn("no channel.close-ok before deadline, forcing closed", zap.Error(ctx.Err()))
	ch.shutdown(reason)
	if abort {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: waiting for channel.close-ok", ErrTimeout)
	}
	return ctx.Err()
}

// beginClose moves an open channel to Closing and sends channel.close. It
// reports false, doing nothing, when the channel was not open. If the close
// frame cannot be written the channel is forced closed.
func (ch *Channel) beginClose(reason *Error) (bool, error) {
	ch.mu.Lock()
	if ch.state != ChannelStateOpen {
		ch.mu.Unlock()
		return false, nil
	}
	ch.state = ChannelStateClosing
	ch.reason = reason
	ch.mu.Unlock()

	ch.log.Debug("closing channel", zap.Int("code", reason.Code), zap.String("reason", reason.Reason))
	err := ch.send(&wire.ChannelClose{CloseArgs: wire.CloseArgs{
		ReplyCode: uint16(reason.Code),
		ReplyText: reason.Reason,
	}})
	if err != nil {
		ch.shutdown(reason)
		return true, err
	}
	return true, nil
}

// awaitClosed forces the channel closed if close-ok does not arrive in time.
func (ch *Channel) awaitClosed(reason *Error) {
	t := time.NewTimer(ch.closeTimeout())
	defer t.Stop()

	select {
	case <-ch.done:
	case <-t.C:
		ch.log.Warn("no channel.close-ok before deadline, forcing closed")
		ch.shutdown(reason)
	}
}

func (ch *Channel) closeTimeout() time.Duration {
	if ch.cfg.closeTimeout > 0 {
		return ch.cfg.closeTimeout
	}
	return defaultCloseTimeout
}

func (ch *Channel) closeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ch.closeTimeout())
}

// shutdown moves the channel to Closed. It runs exactly once; later calls
// return immediately.
func (ch *Channel) shutdown(reason *Error) {
	ch.mu.Lock()
	if ch.state == ChannelStateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelStateClosed
	ch.reason = reason
	ch.rpc.fail(interruptedError(reason))
	ch.confirms.clear()
	ch.shutdownConsumersLocked(reason)
	ch.setFlowLocked(true)
	ch.mu.Unlock()

	ch.kill(closedError(reason))
	ch.sink.release(ch.id)
	ch.metrics.ChannelClosed()
	close(ch.done)

	ch.emitShutdown(reason)
	ch.events.stop()

	ch.log.Debug("channel closed", zap.Int("code", reason.Code), zap.String("reason", reason.Reason), zap.Bool("server", reason.Server))
}

// Publish publishes a message to an exchange
func (ch *Channel) Publish(exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	return ch.PublishWithContext(context.Background(), exchange, routingKey, mandatory, immediate, msg)
}

// PublishWithContext publishes a message. While the server has paused the
// channel with channel.flow the call blocks until flow resumes, ctx ends or
// the channel closes.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	_, err := ch.publish(ctx, exchange, routingKey, mandatory, immediate, msg)
	return err
}

// PublishWithSeqNo publishes like PublishWithContext and returns the
// sequence number assigned in confirm mode, or 0.
func (ch *Channel) PublishWithSeqNo(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg Publishing) (uint64, error) {
	return ch.publish(ctx, exchange, routingKey, mandatory, immediate, msg)
}

func (ch *Channel) publish(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg Publishing) (uint64, error) {
	if err := ch.check(protocol.OpBasicPublish); err != nil {
		return 0, err
	}

	props, err := EncodeProperties(msg.Properties)
	if err != nil {
		return 0, err
	}
	args, err := wire.Encode(&wire.BasicPublish{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  mandatory,
		Immediate:  immediate,
	})
	if err != nil {
		return 0, err
	}

	if err := ch.awaitFlow(ctx); err != nil {
		return 0, err
	}

	// Sequence numbers must reach the wire in the order they are assigned.
	ch.publishMu.Lock()
	defer ch.publishMu.Unlock()

	var seq uint64
	ch.mu.Lock()
	if ch.state != ChannelStateOpen {
		err := closedError(ch.reason)
		ch.mu.Unlock()
		return 0, err
	}
	if ch.confirms.enabled {
		seq = ch.confirms.add()
	}
	ch.mu.Unlock()

	frames := frame.ContentFrames(ch.id, frame.BasicPublish, args, props, msg.Body, ch.sink.frameMax())
	if err := ch.sink.send(frames...); err != nil {
		if seq != 0 {
			ch.mu.Lock()
			ch.confirms.forget(seq)
			ch.mu.Unlock()
		}
		return 0, fmt.Errorf("publish: %w", err)
	}

	ch.metrics.MessagePublished()
	return seq, nil
}

package rabbitmq

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

// sentOf returns every method of type T the channel wrote.
func sentOf[T wire.Message](s *fakeSink) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []T
	for _, m := range s.sent {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// silenceFor answers like a broker except for requests of type T.
func silenceFor[T wire.Message]() func(wire.Message) []wire.Message {
	return func(m wire.Message) []wire.Message {
		if _, ok := m.(T); ok {
			return nil
		}
		return brokerReplies(m)
	}
}

func TestChannelOpen(t *testing.T) {
	ch, sink := newTestChannel(t)

	require.NoError(t, ch.open(context.Background()))
	assert.IsType(t, &wire.ChannelOpen{}, sink.next())
	assert.True(t, ch.IsOpen())
	assert.Equal(t, uint16(1), ch.ChannelID())
}

func TestChannelOpenTimeout(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(silenceFor[*wire.ChannelOpen]())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := ch.open(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, ch.IsClosed())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []uint16{1}, sink.released)
}

// TestChannelClose tests a normal client-initiated close
func TestChannelClose(t *testing.T) {
	ch, sink := newTestChannel(t)

	require.NoError(t, ch.Close())
	assert.True(t, ch.IsClosed())

	reason := ch.CloseReason()
	require.NotNil(t, reason)
	assert.Equal(t, protocol.ReplySuccess, reason.Code)
	assert.False(t, reason.Server)

	closes := sentOf[*wire.ChannelClose](sink)
	require.Len(t, closes, 1)
	assert.Equal(t, uint16(protocol.ReplySuccess), closes[0].ReplyCode)

	err := ch.Publish("", "q", false, false, Publishing{})
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestChannelConcurrentClose(t *testing.T) {
	ch, sink := newTestChannel(t)

	const closers = 10
	errs := make(chan error, closers)
	var wg sync.WaitGroup
	for i := 0; i < closers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ch.Close()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, ch.IsClosed())
	assert.Equal(t, 1, sink.count(frame.ChannelClose))
}

func TestChannelCloseTimeout(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(silenceFor[*wire.ChannelClose]())

	start := time.Now()
	err := ch.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, ch.IsClosed())
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestChannelCloseWithContext(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(silenceFor[*wire.ChannelClose]())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ch.CloseWithContext(ctx, protocol.ReplySuccess, "bye")
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, ch.IsClosed())
}

func TestChannelAbortIsIdempotent(t *testing.T) {
	ch, sink := newTestChannel(t)

	ch.Abort()
	ch.Abort()
	ch.AbortWithCode(protocol.ReplyPreconditionFailed, "again")

	assert.True(t, ch.IsClosed())
	assert.Equal(t, 1, sink.count(frame.ChannelClose))
	assert.Equal(t, protocol.ReplySuccess, ch.CloseReason().Code)
	assert.NoError(t, ch.Close())
}

func TestChannelAbortSwallowsTimeout(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(silenceFor[*wire.ChannelClose]())

	ch.Abort()
	assert.True(t, ch.IsClosed())
}

func TestChannelCloseWhenSendFails(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.failSends(errBoom)

	err := ch.Close()
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, ch.IsClosed())
}

// TestServerCloseFailsPendingCall tests that a server channel.close wakes
// the caller blocked on a reply and notifies shutdown listeners once.
func TestServerCloseFailsPendingCall(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(silenceFor[*wire.QueueDeclare]())

	var shutdowns atomic.Int32
	var got atomic.Pointer[Error]
	ch.AddShutdownListener(ShutdownListenerFunc(func(reason *Error) {
		shutdowns.Add(1)
		got.Store(reason)
	}))
	notify := ch.NotifyClose(make(chan *Error, 1))

	errc := make(chan error, 1)
	go func() {
		_, err := ch.QueueDeclare("orders", QueueDeclareOptions{Durable: true})
		errc <- err
	}()
	require.IsType(t, &wire.QueueDeclare{}, sink.next())

	sink.reply(&wire.ChannelClose{CloseArgs: wire.CloseArgs{
		ReplyCode: protocol.ReplyPreconditionFailed,
		ReplyText: "PRECONDITION_FAILED - inequivalent arg 'durable'",
		ClassID:   protocol.ClassQueue,
		MethodID:  protocol.MethodQueueDeclare,
	}})

	var err error
	select {
	case err = <-errc:
	case <-time.After(testWait):
		t.Fatal("pending call was not interrupted")
	}
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	assert.ErrorIs(t, err, ErrOperationInterrupted)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	var amqpErr *Error
	require.ErrorAs(t, err, &amqpErr)
	assert.True(t, amqpErr.Server)
	assert.Equal(t, uint16(protocol.ClassQueue), amqpErr.ClassID)

	waitClosed(t, ch)
	<-ch.events.drained()

	assert.Equal(t, int32(1), shutdowns.Load())
	assert.Equal(t, protocol.ReplyPreconditionFailed, got.Load().Code)
	assert.Equal(t, 1, sink.count(frame.ChannelCloseOk))
	assert.Equal(t, 0, sink.count(frame.ChannelClose))

	reason, open := <-notify
	assert.True(t, open)
	assert.Equal(t, protocol.ReplyPreconditionFailed, reason.Code)
	_, open = <-notify
	assert.False(t, open)
}

func TestServerCloseWhileClosing(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(silenceFor[*wire.ChannelClose]())

	done := make(chan error, 1)
	go func() { done <- ch.Close() }()
	require.IsType(t, &wire.ChannelClose{}, sink.next())

	sink.reply(&wire.ChannelClose{CloseArgs: wire.CloseArgs{ReplyCode: protocol.ReplyNotFound, ReplyText: "NOT_FOUND"}})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("close did not finish")
	}
	assert.Equal(t, protocol.ReplyNotFound, ch.CloseReason().Code)
	assert.True(t, ch.CloseReason().Server)
}

func TestMethodsIgnoredWhileClosing(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(silenceFor[*wire.ChannelClose]())

	go ch.Abort()
	require.IsType(t, &wire.ChannelClose{}, sink.next())

	// Neither a stray reply nor a delivery may disturb a closing channel.
	sink.reply(&wire.QueueDeclareOk{Queue: "late"})
	sink.replyContent(&wire.BasicDeliver{ConsumerTag: "gone", DeliveryTag: 1}, Properties{}, []byte("x"), 0)
	sink.flush()
	assert.Equal(t, ChannelStateClosing, ch.GetState())

	sink.reply(&wire.ChannelCloseOk{})
	waitClosed(t, ch)
	assert.Equal(t, protocol.ReplySuccess, ch.CloseReason().Code)
}

func TestUnexpectedReplyIsProtocolViolation(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(func(m wire.Message) []wire.Message {
		if _, ok := m.(*wire.QueueDeclare); ok {
			return []wire.Message{&wire.ExchangeDeclareOk{}}
		}
		return brokerReplies(m)
	})

	_, err := ch.QueueDeclare("q", QueueDeclareOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	waitClosed(t, ch)
	assert.Equal(t, protocol.ReplyUnexpectedFrame, ch.CloseReason().Code)

	closes := sentOf[*wire.ChannelClose](sink)
	require.Len(t, closes, 1)
	assert.Equal(t, uint16(protocol.ReplyUnexpectedFrame), closes[0].ReplyCode)
}

func TestUnsolicitedReplyClosesChannel(t *testing.T) {
	ch, sink := newTestChannel(t)

	sink.reply(&wire.QueueDeclareOk{Queue: "nobody-asked"})
	waitClosed(t, ch)
	assert.Equal(t, protocol.ReplyUnexpectedFrame, ch.CloseReason().Code)
}

func TestCloseOkWithoutClose(t *testing.T) {
	ch, sink := newTestChannel(t)

	sink.reply(&wire.ChannelCloseOk{})
	waitClosed(t, ch)
	assert.Equal(t, protocol.ReplyUnexpectedFrame, ch.CloseReason().Code)
}

func TestUnsupportedOperation(t *testing.T) {
	ch, sink := newTestChannel(t, withVersion(protocol.V0_9))

	err := ch.ConfirmSelect(false)
	assert.ErrorIs(t, err, ErrNotSupported)

	err = ch.BasicNack(1, false, true)
	assert.ErrorIs(t, err, ErrNotSupported)

	err = ch.ExchangeBind("dst", "src", "#", nil)
	assert.ErrorIs(t, err, ErrNotSupported)

	assert.True(t, ch.IsOpen())
	assert.Empty(t, sentOf[wire.Message](sink))
	assert.Equal(t, protocol.V0_9, ch.ProtocolVersion())
}

func TestServerFlowPausesPublish(t *testing.T) {
	ch, sink := newTestChannel(t)
	flows := ch.NotifyFlow(make(chan bool, 2))

	sink.reply(&wire.ChannelFlow{Active: false})
	sink.flush()
	flowOks := sentOf[*wire.ChannelFlowOk](sink)
	require.Len(t, flowOks, 1)
	assert.False(t, flowOks[0].Active)

	published := make(chan error, 1)
	go func() {
		published <- ch.Publish("", "q", false, false, Publishing{Body: []byte("held")})
	}()

	select {
	case err := <-published:
		t.Fatalf("publish went through while flow was off: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	sink.reply(&wire.ChannelFlow{Active: true})
	select {
	case err := <-published:
		assert.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("publish still blocked after flow resumed")
	}

	assert.False(t, <-flows)
	assert.True(t, <-flows)
	assert.Equal(t, 1, sink.count(frame.BasicPublish))
}

func TestPublishWhilePausedHonoursContext(t *testing.T) {
	ch, sink := newTestChannel(t)

	sink.reply(&wire.ChannelFlow{Active: false})
	sink.flush()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := ch.PublishWithContext(ctx, "", "q", false, false, Publishing{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, sink.count(frame.BasicPublish))
}

func TestPublishWhilePausedUnblocksOnClose(t *testing.T) {
	ch, sink := newTestChannel(t)

	sink.reply(&wire.ChannelFlow{Active: false})
	sink.flush()

	published := make(chan error, 1)
	go func() {
		published <- ch.Publish("", "q", false, false, Publishing{})
	}()
	time.Sleep(20 * time.Millisecond)

	ch.Abort()
	select {
	case err := <-published:
		assert.ErrorIs(t, err, ErrAlreadyClosed)
	case <-time.After(testWait):
		t.Fatal("publish still blocked after close")
	}
}

func TestClientFlow(t *testing.T) {
	ch, sink := newTestChannel(t)

	active, err := ch.Flow(false)
	require.NoError(t, err)
	assert.False(t, active)

	flows := sentOf[*wire.ChannelFlow](sink)
	require.Len(t, flows, 1)
	assert.False(t, flows[0].Active)
}

func TestPublishSplitsBody(t *testing.T) {
	ch, sink := newTestChannel(t)

	body := make([]byte, 10000)
	for i := range body {
		body[i] = byte(i)
	}
	err := ch.Publish("events", "user.created", true, false, Publishing{
		Properties: Properties{ContentType: "application/octet-stream", DeliveryMode: 2},
		Body:       body,
	})
	require.NoError(t, err)

	sink.mu.Lock()
	frames := append([]*frame.Frame(nil), sink.frames...)
	sink.mu.Unlock()

	require.Len(t, frames, 5)
	assert.Equal(t, uint8(protocol.FrameMethod), frames[0].Type)
	assert.Equal(t, uint8(protocol.FrameHeader), frames[1].Type)

	var got []byte
	for _, f := range frames[2:] {
		assert.Equal(t, uint8(protocol.FrameBody), f.Type)
		assert.LessOrEqual(t, len(f.Payload)+protocol.FrameOverhead, protocol.FrameMinSize)
		got = append(got, f.Payload...)
	}
	assert.Equal(t, body, got)

	publishes := sentOf[*wire.BasicPublish](sink)
	require.Len(t, publishes, 1)
	assert.Equal(t, "events", publishes[0].Exchange)
	assert.Equal(t, "user.created", publishes[0].RoutingKey)
	assert.True(t, publishes[0].Mandatory)
}

func TestPublishSendFailure(t *testing.T) {
	ch, sink := confirmChannel(t, 0)
	sink.failSends(errBoom)

	_, err := ch.PublishWithSeqNo(context.Background(), "", "q", false, false, Publishing{})
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, ch.Outstanding())
}

func TestBasicGet(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(func(m wire.Message) []wire.Message {
		if _, ok := m.(*wire.BasicGet); ok {
			sink.replyContent(&wire.BasicGetOk{
				DeliveryTag:  9,
				Redelivered:  true,
				Exchange:     "ex",
				RoutingKey:   "rk",
				MessageCount: 4,
			}, Properties{ContentType: "text/plain", MessageId: "m-1"}, []byte("polled"), 0)
			return nil
		}
		return brokerReplies(m)
	})

	msg, ok, err := ch.BasicGet("q", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), msg.DeliveryTag)
	assert.True(t, msg.Redelivered)
	assert.Equal(t, "rk", msg.RoutingKey)
	assert.Equal(t, 4, msg.MessageCount)
	assert.Equal(t, "text/plain", msg.Properties.ContentType)
	assert.Equal(t, "m-1", msg.Properties.MessageId)
	assert.Equal(t, []byte("polled"), msg.Body)

	require.NoError(t, msg.Ack(false))
	acks := sentOf[*wire.BasicAck](sink)
	require.Len(t, acks, 1)
	assert.Equal(t, uint64(9), acks[0].DeliveryTag)
}

func TestBasicGetEmpty(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(func(m wire.Message) []wire.Message {
		if _, ok := m.(*wire.BasicGet); ok {
			return []wire.Message{&wire.BasicGetEmpty{}}
		}
		return brokerReplies(m)
	})

	msg, ok, err := ch.BasicGet("q", true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, msg)
}

func TestTopologyOperations(t *testing.T) {
	ch, sink := newTestChannel(t)

	require.NoError(t, ch.ExchangeDeclare("logs", "topic", ExchangeDeclareOptions{Durable: true}))
	require.NoError(t, ch.ExchangeBind("audit", "logs", "#", nil))
	require.NoError(t, ch.ExchangeUnbind("audit", "logs", "#", nil))

	q, err := ch.QueueDeclareServerNamed()
	require.NoError(t, err)
	assert.Equal(t, "amq.gen-test", q.Name)

	q, err = ch.QueueDeclare("work", QueueDeclareOptions{Durable: true, NoWait: true})
	require.NoError(t, err)
	assert.Equal(t, "work", q.Name)

	require.NoError(t, ch.QueueBind("work", "logs", "app.*", Table{"x-match": "any"}))
	require.NoError(t, ch.QueueUnbind("work", "logs", "app.*", nil))

	purged, err := ch.QueuePurge("work", false)
	require.NoError(t, err)
	assert.Equal(t, 7, purged)

	deleted, err := ch.QueueDelete("work", QueueDeleteOptions{IfEmpty: true})
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	require.NoError(t, ch.ExchangeDelete("logs", ExchangeDeleteOptions{NoWait: true}))
	require.NoError(t, ch.Qos(10, 0, false))

	declares := sentOf[*wire.ExchangeDeclare](sink)
	require.Len(t, declares, 1)
	assert.Equal(t, "topic", declares[0].Type)
	assert.True(t, declares[0].Durable)

	binds := sentOf[*wire.QueueBind](sink)
	require.Len(t, binds, 1)
	assert.Equal(t, "any", binds[0].Arguments["x-match"])

	qos := sentOf[*wire.BasicQos](sink)
	require.Len(t, qos, 1)
	assert.Equal(t, uint16(10), qos[0].PrefetchCount)

	queues := sentOf[*wire.QueueDeclare](sink)
	require.Len(t, queues, 2)
	assert.True(t, queues[1].NoWait)
	assert.True(t, ch.IsOpen())
}

func TestQosRejectsOutOfRange(t *testing.T) {
	ch, sink := newTestChannel(t)

	tests := []struct {
		name        string
		count, size int
	}{
		{"negative count", -1, 0},
		{"count too large", math.MaxUint16 + 1, 0},
		{"negative size", 0, -1},
		{"size too large", 0, math.MaxUint32 + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ch.Qos(tt.count, tt.size, false)
			assert.ErrorIs(t, err, ErrInvalidOperation)
		})
	}
	assert.Equal(t, 0, sink.count(frame.ID(protocol.ClassBasic, protocol.MethodBasicQos)))

	require.NoError(t, ch.Qos(math.MaxUint16, math.MaxUint32, true))
	qos := sentOf[*wire.BasicQos](sink)
	require.Len(t, qos, 1)
	assert.Equal(t, uint16(math.MaxUint16), qos[0].PrefetchCount)
	assert.Equal(t, uint32(math.MaxUint32), qos[0].PrefetchSize)
	assert.True(t, ch.IsOpen())
}

func TestTransactions(t *testing.T) {
	ch, sink := newTestChannel(t)

	require.NoError(t, ch.TxSelect())
	require.NoError(t, ch.Publish("", "q", false, false, Publishing{Body: []byte("a")}))
	require.NoError(t, ch.TxCommit())
	require.NoError(t, ch.TxRollback())

	assert.Equal(t, 1, sink.count(frame.ID(protocol.ClassTx, protocol.MethodTxSelect)))
	assert.Equal(t, 1, sink.count(frame.ID(protocol.ClassTx, protocol.MethodTxCommit)))
	assert.Equal(t, 1, sink.count(frame.ID(protocol.ClassTx, protocol.MethodTxRollback)))
}

func TestOperationsAfterClose(t *testing.T) {
	ch, _ := newTestChannel(t)
	require.NoError(t, ch.Close())

	_, err := ch.QueueDeclare("q", QueueDeclareOptions{})
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	var amqpErr *Error
	require.True(t, errors.As(err, &amqpErr))
	assert.Equal(t, protocol.ReplySuccess, amqpErr.Code)

	assert.ErrorIs(t, ch.BasicAck(1, false), ErrAlreadyClosed)
	_, err = ch.WaitForConfirms()
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestChannelMetrics(t *testing.T) {
	metrics := NewStandardMetricsCollector()
	ch, _ := newTestChannel(t, withMetrics(metrics))

	require.NoError(t, ch.Publish("", "q", false, false, Publishing{}))
	_, err := ch.QueueDeclare("q", QueueDeclareOptions{})
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	assert.Equal(t, int64(1), metrics.GetChannelsCreated())
	assert.Equal(t, int64(1), metrics.GetChannelsClosed())
	assert.Equal(t, int64(1), metrics.GetMessagesPublished())
	assert.Equal(t, int64(1), metrics.GetRPCCalls())
}

package rabbitmq

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

func deliver(sink *fakeSink, consumerTag string, deliveryTag uint64, body string) {
	sink.replyContent(&wire.BasicDeliver{
		ConsumerTag: consumerTag,
		DeliveryTag: deliveryTag,
		Exchange:    "ex",
		RoutingKey:  "rk",
	}, Properties{}, []byte(body), 0)
}

func TestConsumeServerNamedTag(t *testing.T) {
	ch, sink := newTestChannel(t)
	c := newRecordingConsumer()

	tag, err := ch.Consume("jobs", c)
	require.NoError(t, err)
	assert.Equal(t, "amq.ctag-test", tag)
	assert.Equal(t, 1, ch.ConsumerCount())

	consumes := sentOf[*wire.BasicConsume](sink)
	require.Len(t, consumes, 1)
	assert.Equal(t, "jobs", consumes[0].Queue)
	assert.Empty(t, consumes[0].ConsumerTag)
	assert.False(t, consumes[0].NoAck)

	deliver(sink, tag, 1, "hello")
	d := c.next(t)
	assert.Equal(t, []byte("hello"), d.Body)
	assert.Equal(t, []string{"consume-ok:amq.ctag-test", "delivery:hello"}, c.Events())
}

// TestDeliveryBeforeConsumeOk tests that deliveries arriving ahead of
// consume-ok are held back until the consumer has been told its tag.
func TestDeliveryBeforeConsumeOk(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(func(m wire.Message) []wire.Message {
		if req, ok := m.(*wire.BasicConsume); ok {
			deliver(sink, req.ConsumerTag, 1, "early")
		}
		return brokerReplies(m)
	})
	c := newRecordingConsumer()

	tag, err := ch.ConsumeWithTag("jobs", "t1", false, c)
	require.NoError(t, err)
	assert.Equal(t, "t1", tag)

	deliver(sink, "t1", 2, "late")
	c.next(t)
	c.next(t)
	assert.Equal(t, []string{"consume-ok:t1", "delivery:early", "delivery:late"}, c.Events())
}

// TestUnknownTagWhileServerNamingPending tests that a delivery for a tag
// nobody owns is not captured by a consumer still waiting for its name.
func TestUnknownTagWhileServerNamingPending(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(silenceFor[*wire.BasicConsume]())
	fallback := newRecordingConsumer()
	ch.SetDefaultConsumer(fallback)
	c := newRecordingConsumer()

	type result struct {
		tag string
		err error
	}
	consumed := make(chan result, 1)
	go func() {
		tag, err := ch.Consume("jobs", c)
		consumed <- result{tag, err}
	}()
	require.IsType(t, &wire.BasicConsume{}, sink.next())

	deliver(sink, "t1", 1, "orphan")
	d := fallback.next(t)
	assert.Equal(t, "t1", d.ConsumerTag)
	assert.Equal(t, []byte("orphan"), d.Body)

	sink.reply(&wire.BasicConsumeOk{ConsumerTag: "srv-1"})
	r := <-consumed
	require.NoError(t, r.err)
	assert.Equal(t, "srv-1", r.tag)

	deliver(sink, "srv-1", 2, "mine")
	c.next(t)
	assert.Equal(t, []string{"consume-ok:srv-1", "delivery:mine"}, c.Events())
	assert.Equal(t, []string{"delivery:orphan"}, fallback.Events())
}

func TestUnknownTagWhileServerNamingPendingIsReported(t *testing.T) {
	ch, sink := newTestChannel(t)
	sink.setRespond(silenceFor[*wire.BasicConsume]())
	exceptions := newExceptionRecorder(ch)

	go func() { _, _ = ch.Consume("jobs", newRecordingConsumer()) }()
	sink.next()

	deliver(sink, "t1", 1, "orphan")
	exc := exceptions.next(t)
	assert.ErrorIs(t, exc, ErrInvalidOperation)
	assert.Equal(t, "t1", exc.ConsumerTag)
}

func TestFailedConsumeReroutesBufferedDeliveries(t *testing.T) {
	ch, _ := newTestChannel(t)
	fallback := newRecordingConsumer()
	ch.SetDefaultConsumer(fallback)
	c := newRecordingConsumer()

	e := &consumerEntry{key: "t1", tag: "t1", queue: "jobs", consumer: c}
	ch.mu.Lock()
	ch.consumers.add(e)
	ch.routeDeliveryLocked(Delivery{ConsumerTag: "t1", DeliveryTag: 1, Body: []byte("a")})
	ch.routeDeliveryLocked(Delivery{ConsumerTag: "t1", DeliveryTag: 2, Body: []byte("b")})
	require.Len(t, e.early, 2)
	ch.dropPendingLocked(e)
	ch.mu.Unlock()

	assert.Equal(t, []byte("a"), fallback.next(t).Body)
	assert.Equal(t, []byte("b"), fallback.next(t).Body)
	assert.Equal(t, 0, ch.ConsumerCount())
	assert.Empty(t, c.Events())
}

func TestConsumeExplicitTag(t *testing.T) {
	ch, sink := newTestChannel(t)

	tag, err := ch.ConsumeWithTag("jobs", "t1", true, newRecordingConsumer())
	require.NoError(t, err)
	assert.Equal(t, "t1", tag)

	consumes := sentOf[*wire.BasicConsume](sink)
	require.Len(t, consumes, 1)
	assert.Equal(t, "t1", consumes[0].ConsumerTag)
	assert.True(t, consumes[0].NoAck)

	_, err = ch.ConsumeWithTag("jobs", "t1", true, newRecordingConsumer())
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Len(t, sentOf[*wire.BasicConsume](sink), 1)
}

func TestConsumeNoWaitGeneratesTag(t *testing.T) {
	ch, sink := newTestChannel(t)
	c := newRecordingConsumer()

	tag, err := ch.ConsumeWithOptions("jobs", "", ConsumeOptions{NoWait: true}, c)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tag, "ctag-"))

	consumes := sentOf[*wire.BasicConsume](sink)
	require.Len(t, consumes, 1)
	assert.Equal(t, tag, consumes[0].ConsumerTag)
	assert.True(t, consumes[0].NoWait)

	deliver(sink, tag, 1, "x")
	c.next(t)
	assert.Equal(t, []string{"consume-ok:" + tag, "delivery:x"}, c.Events())
}

func TestConsumeNilConsumer(t *testing.T) {
	ch, _ := newTestChannel(t)
	_, err := ch.Consume("jobs", nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestConsumeTimeoutDropsConsumer(t *testing.T) {
	ch, sink := newTestChannel(t, withRPCTimeout(50*time.Millisecond))
	sink.setRespond(silenceFor[*wire.BasicConsume]())

	c := newRecordingConsumer()
	_, err := ch.Consume("jobs", c)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, ch.ConsumerCount())
	assert.False(t, ch.IsOpen())

	// The late consume-ok does not revive the consumer.
	sink.reply(&wire.BasicConsumeOk{ConsumerTag: "amq.ctag-late"})
	sink.flush()
	waitClosed(t, ch)
	assert.Equal(t, 0, ch.ConsumerCount())
	assert.Empty(t, c.Events())
}

func TestCancelThenDeliveryIsReported(t *testing.T) {
	ch, sink := newTestChannel(t)
	exceptions := newExceptionRecorder(ch)
	c := newRecordingConsumer()

	_, err := ch.ConsumeWithTag("jobs", "t1", false, c)
	require.NoError(t, err)
	require.NoError(t, ch.Cancel("t1"))
	assert.Equal(t, "t1", <-c.cancelled)
	assert.Equal(t, 0, ch.ConsumerCount())

	deliver(sink, "t1", 7, "orphan")
	exc := exceptions.next(t)
	assert.ErrorIs(t, exc, ErrInvalidOperation)
	assert.Equal(t, siteDelivery, exc.Site)
	assert.Equal(t, "t1", exc.ConsumerTag)
	assert.Equal(t, []string{"consume-ok:t1", "cancel-ok:t1"}, c.Events())
}

func TestDeliveryAfterCancelGoesToDefaultConsumer(t *testing.T) {
	ch, sink := newTestChannel(t)
	fallback := newRecordingConsumer()
	ch.SetDefaultConsumer(fallback)
	assert.Same(t, fallback, ch.DefaultConsumer())

	c := newRecordingConsumer()
	_, err := ch.ConsumeWithTag("jobs", "t1", false, c)
	require.NoError(t, err)
	require.NoError(t, ch.CancelNoWait("t1"))

	cancels := sentOf[*wire.BasicCancel](sink)
	require.Len(t, cancels, 1)
	assert.True(t, cancels[0].NoWait)

	deliver(sink, "t1", 3, "in-flight")
	d := fallback.next(t)
	assert.Equal(t, "t1", d.ConsumerTag)
	assert.Equal(t, uint64(3), d.DeliveryTag)
	assert.Equal(t, []string{"consume-ok:t1", "cancel-ok:t1"}, c.Events())
}

func TestCancelUnknownConsumer(t *testing.T) {
	ch, sink := newTestChannel(t)

	assert.ErrorIs(t, ch.Cancel("nope"), ErrInvalidOperation)
	assert.ErrorIs(t, ch.CancelNoWait("nope"), ErrInvalidOperation)
	assert.Empty(t, sentOf[*wire.BasicCancel](sink))
}

func TestServerCancel(t *testing.T) {
	ch, sink := newTestChannel(t)
	c := newRecordingConsumer()

	tag, err := ch.Consume("jobs", c)
	require.NoError(t, err)

	sink.reply(&wire.BasicCancel{ConsumerTag: tag})
	assert.Equal(t, tag, <-c.cancelled)
	assert.Equal(t, 0, ch.ConsumerCount())
	assert.Equal(t, []string{"consume-ok:" + tag, "cancel:" + tag}, c.Events())
	assert.True(t, ch.IsOpen())
}

func TestServerCancelNotifiesListeners(t *testing.T) {
	ch, sink := newTestChannel(t)
	c := newRecordingConsumer()
	exceptions := newExceptionRecorder(ch)

	var mu sync.Mutex
	var seen []string
	ch.AddCancelListener(CancelListenerFunc(func(tag string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, strings.Join(c.Events(), ","))
	}))
	ch.AddCancelListener(CancelListenerFunc(func(string) { panic("listener failed") }))
	tags := ch.NotifyCancel(make(chan string, 1))

	tag, err := ch.ConsumeWithTag("jobs", "t1", false, c)
	require.NoError(t, err)

	sink.reply(&wire.BasicCancel{ConsumerTag: tag})
	select {
	case got := <-tags:
		assert.Equal(t, "t1", got)
	case <-time.After(testWait):
		t.Fatal("no cancel notification")
	}

	exc := exceptions.next(t)
	assert.Equal(t, siteCancelled, exc.Site)

	mu.Lock()
	defer mu.Unlock()
	// The consumer hears about the cancel before channel-level listeners.
	assert.Equal(t, []string{"consume-ok:t1,cancel:t1"}, seen)
}

func TestShutdownNotifiesConsumers(t *testing.T) {
	ch, _ := newTestChannel(t)
	a, b := newRecordingConsumer(), newRecordingConsumer()

	_, err := ch.ConsumeWithTag("q1", "a", false, a)
	require.NoError(t, err)
	_, err = ch.ConsumeWithTag("q2", "b", false, b)
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	for _, c := range []*recordingConsumer{a, b} {
		select {
		case <-c.closed:
		case <-time.After(testWait):
			t.Fatal("consumer not told about shutdown")
		}
		c.mu.Lock()
		assert.Equal(t, protocol.ReplySuccess, c.shutdown.Code)
		c.mu.Unlock()
	}
	assert.Equal(t, 0, ch.ConsumerCount())
}

// TestDeliveryReassembly tests a body split over three frames
func TestDeliveryReassembly(t *testing.T) {
	ch, sink := newTestChannel(t)
	c := newRecordingConsumer()

	tag, err := ch.Consume("jobs", c)
	require.NoError(t, err)

	body := bytes.Repeat([]byte("0123456789"), 30)
	props := Properties{
		ContentType:   "application/json",
		CorrelationId: "corr-1",
		DeliveryMode:  2,
		Headers:       Table{"attempt": int32(3)},
	}
	// 100 bytes of body per frame.
	sink.replyContent(&wire.BasicDeliver{
		ConsumerTag: tag,
		DeliveryTag: 11,
		Redelivered: true,
		Exchange:    "ex",
		RoutingKey:  "jobs.new",
	}, props, body, 100+protocol.FrameOverhead)

	d := c.next(t)
	assert.Equal(t, body, d.Body)
	assert.Equal(t, uint64(11), d.DeliveryTag)
	assert.True(t, d.Redelivered)
	assert.Equal(t, "jobs.new", d.RoutingKey)
	assert.Equal(t, "application/json", d.Properties.ContentType)
	assert.Equal(t, "corr-1", d.Properties.CorrelationId)
	assert.Equal(t, uint8(2), d.Properties.DeliveryMode)
	assert.Equal(t, int32(3), d.Properties.Headers["attempt"])

	require.NoError(t, d.Ack(false))
	require.NoError(t, d.Nack(false, true))
	require.NoError(t, d.Reject(false))
	assert.Len(t, sentOf[*wire.BasicAck](sink), 1)
	assert.Len(t, sentOf[*wire.BasicNack](sink), 1)
	assert.Len(t, sentOf[*wire.BasicReject](sink), 1)
}

func TestDeliveriesKeepOrder(t *testing.T) {
	ch, sink := newTestChannel(t)
	c := newRecordingConsumer()

	tag, err := ch.Consume("jobs", c)
	require.NoError(t, err)

	const n = 200
	go func() {
		for i := 1; i <= n; i++ {
			deliver(sink, tag, uint64(i), fmt.Sprint(i))
		}
	}()
	for i := 1; i <= n; i++ {
		d := c.next(t)
		require.Equal(t, uint64(i), d.DeliveryTag)
	}
}

func TestDetachedDelivery(t *testing.T) {
	var d Delivery
	assert.ErrorIs(t, d.Ack(false), errDetached)

	var g GetResponse
	assert.ErrorIs(t, g.Reject(true), errDetached)
}

func TestConsumerErrorsAreIsolated(t *testing.T) {
	handler := &countingErrorHandler{}
	ch, sink := newTestChannel(t, withErrorHandler(handler))
	exceptions := newExceptionRecorder(ch)

	var mu sync.Mutex
	var seen []string
	_, err := ch.ConsumeWithHandler("jobs", "t1", ConsumeOptions{}, func(tag string, d Delivery) error {
		mu.Lock()
		seen = append(seen, string(d.Body))
		mu.Unlock()
		switch string(d.Body) {
		case "fail":
			return errBoom
		case "panic":
			panic("handler blew up")
		}
		return nil
	})
	require.NoError(t, err)

	deliver(sink, "t1", 1, "fail")
	deliver(sink, "t1", 2, "panic")
	deliver(sink, "t1", 3, "ok")

	exc := exceptions.next(t)
	assert.ErrorIs(t, exc, errBoom)
	assert.Equal(t, siteDelivery, exc.Site)

	exc = exceptions.next(t)
	assert.Contains(t, exc.Err.Error(), "handler blew up")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, testWait, 5*time.Millisecond)
	assert.Equal(t, []string{"fail", "panic", "ok"}, seen)
	assert.Equal(t, 2, handler.consumerErrors())
	assert.True(t, ch.IsOpen())
}

// TestConsumerCallsBackIntoChannel tests that a delivery handler can make
// synchronous requests on its own channel.
func TestConsumerCallsBackIntoChannel(t *testing.T) {
	ch, sink := newTestChannel(t)

	declared := make(chan Queue, 1)
	_, err := ch.ConsumeWithHandler("jobs", "t1", ConsumeOptions{}, func(tag string, d Delivery) error {
		q, err := ch.QueueDeclare("reply-"+string(d.Body), QueueDeclareOptions{})
		if err != nil {
			return err
		}
		declared <- q
		return d.Ack(false)
	})
	require.NoError(t, err)

	deliver(sink, "t1", 1, "42")
	select {
	case q := <-declared:
		assert.Equal(t, "reply-42", q.Name)
	case <-time.After(testWait):
		t.Fatal("handler could not call back into the channel")
	}
}

func TestConsumeChan(t *testing.T) {
	ch, sink := newTestChannel(t)

	deliveries, tag, err := ch.ConsumeChan("jobs", "", ConsumeOptions{AutoAck: true})
	require.NoError(t, err)
	assert.Equal(t, "amq.ctag-test", tag)

	deliver(sink, tag, 1, "a")
	deliver(sink, tag, 2, "b")
	assert.Equal(t, []byte("a"), (<-deliveries).Body)
	assert.Equal(t, []byte("b"), (<-deliveries).Body)

	require.NoError(t, ch.Cancel(tag))
	select {
	case _, open := <-deliveries:
		assert.False(t, open)
	case <-time.After(testWait):
		t.Fatal("delivery channel not closed after cancel")
	}
}

func TestConsumeChanClosedOnShutdown(t *testing.T) {
	ch, _ := newTestChannel(t)

	deliveries, _, err := ch.ConsumeChan("jobs", "t1", ConsumeOptions{})
	require.NoError(t, err)
	ch.Abort()

	select {
	case _, open := <-deliveries:
		assert.False(t, open)
	case <-time.After(testWait):
		t.Fatal("delivery channel not closed after shutdown")
	}
}

func TestBasicRecoverNotifiesConsumers(t *testing.T) {
	ch, _ := newTestChannel(t)
	c := newRecordingConsumer()
	recovered := make(chan struct{}, 1)
	ch.AddRecoverOkListener(recoverOkFunc(func() { recovered <- struct{}{} }))

	tag, err := ch.Consume("jobs", c)
	require.NoError(t, err)
	require.NoError(t, ch.BasicRecover(true))

	select {
	case <-recovered:
	case <-time.After(testWait):
		t.Fatal("recover-ok listener not called")
	}
	assert.Contains(t, c.Events(), "recover-ok:"+tag)
}

func TestBasicRecoverAsync(t *testing.T) {
	ch, sink := newTestChannel(t)
	require.NoError(t, ch.BasicRecoverAsync(true))
	assert.Len(t, sentOf[*wire.BasicRecoverAsync](sink), 1)

	qpid, _ := newTestChannel(t, withVersion(protocol.V0_8Qpid))
	assert.ErrorIs(t, qpid.BasicRecoverAsync(true), ErrNotSupported)
}

type recoverOkFunc func()

func (f recoverOkFunc) HandleRecoverOk() { f() }

// countingErrorHandler counts what reaches the factory-level handler.
type countingErrorHandler struct {
	mu        sync.Mutex
	consumer  int
	channel   int
	returns   int
	confirms  int
	lastError error
}

func (h *countingErrorHandler) HandleConnectionError(*Connection, error) {}

func (h *countingErrorHandler) HandleChannelError(_ *Channel, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channel++
	h.lastError = err
}

func (h *countingErrorHandler) HandleConsumerError(_ *Channel, _ string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consumer++
	h.lastError = err
}

func (h *countingErrorHandler) HandleReturnListenerError(_ *Channel, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.returns++
	h.lastError = err
}

func (h *countingErrorHandler) HandleConfirmListenerError(_ *Channel, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirms++
	h.lastError = err
}

func (h *countingErrorHandler) consumerErrors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consumer
}

func (h *countingErrorHandler) last() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

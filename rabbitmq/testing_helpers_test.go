package rabbitmq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

const testWait = 2 * time.Second

// fakeSink stands in for a connection. Frames written by the channel are
// decoded and recorded; frames going the other way are fed to the channel
// by a single reader goroutine, as the connection would.
type fakeSink struct {
	t  *testing.T
	ch *Channel

	mu       sync.Mutex
	sent     []wire.Message
	frames   []*frame.Frame
	released []uint16
	sendErr  error
	respond  func(wire.Message) []wire.Message

	methods chan wire.Message
	inbound chan func()
	stop    chan struct{}
	max     uint32
}

func newFakeSink(t *testing.T) *fakeSink {
	s := &fakeSink{
		t:       t,
		methods: make(chan wire.Message, 1024),
		inbound: make(chan func(), 1024),
		stop:    make(chan struct{}),
		max:     protocol.FrameMinSize,
	}
	go s.read()
	return s
}

func (s *fakeSink) read() {
	for {
		select {
		case fn := <-s.inbound:
			fn()
		case <-s.stop:
			return
		}
	}
}

func (s *fakeSink) send(frames ...*frame.Frame) error {
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.frames = append(s.frames, frames...)

	var msgs []wire.Message
	for _, f := range frames {
		if f.Type != protocol.FrameMethod {
			continue
		}
		m, err := f.ParseMethod()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		msg, err := wire.Decode(m)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.sent = append(s.sent, msg)
		msgs = append(msgs, msg)
	}
	respond := s.respond
	s.mu.Unlock()

	for _, msg := range msgs {
		select {
		case s.methods <- msg:
		default:
		}
		if respond != nil {
			for _, r := range respond(msg) {
				s.reply(r)
			}
		}
	}
	return nil
}

func (s *fakeSink) frameMax() uint32 { return s.max }

func (s *fakeSink) release(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
}

// enqueue runs fn on the reader goroutine.
func (s *fakeSink) enqueue(fn func()) {
	select {
	case s.inbound <- fn:
	case <-s.stop:
	}
}

// reply delivers a method from the server.
func (s *fakeSink) reply(m wire.Message) {
	f, err := wire.Frame(s.ch.id, m)
	if err != nil {
		panic(err)
	}
	s.enqueue(func() { s.ch.handleFrame(f) })
}

// replyContent delivers a content-carrying method split to fit frameMax.
func (s *fakeSink) replyContent(m wire.Message, props Properties, body []byte, frameMax uint32) {
	args, err := wire.Encode(m)
	if err != nil {
		panic(err)
	}
	p, err := EncodeProperties(props)
	if err != nil {
		panic(err)
	}
	for _, f := range frame.ContentFrames(s.ch.id, m.ID(), args, p, body, frameMax) {
		s.enqueue(func() { s.ch.handleFrame(f) })
	}
}

// flush waits until the reader has processed everything queued so far.
func (s *fakeSink) flush() {
	s.t.Helper()
	done := make(chan struct{})
	s.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-time.After(testWait):
		s.t.Fatal("reader did not drain")
	}
}

// next returns the next method the channel wrote.
func (s *fakeSink) next() wire.Message {
	s.t.Helper()
	select {
	case m := <-s.methods:
		return m
	case <-time.After(testWait):
		s.t.Fatal("no method sent")
		return nil
	}
}

// count returns how many sent methods have the given id.
func (s *fakeSink) count(id frame.MethodID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.ID() == id {
			n++
		}
	}
	return n
}

func (s *fakeSink) setRespond(fn func(wire.Message) []wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond = fn
}

func (s *fakeSink) failSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// brokerReplies answers requests the way a well-behaved broker would.
func brokerReplies(m wire.Message) []wire.Message {
	switch req := m.(type) {
	case *wire.ChannelOpen:
		return []wire.Message{&wire.ChannelOpenOk{}}
	case *wire.ChannelClose:
		return []wire.Message{&wire.ChannelCloseOk{}}
	case *wire.ChannelFlow:
		return []wire.Message{&wire.ChannelFlowOk{Active: req.Active}}
	case *wire.ExchangeDeclare:
		if req.NoWait {
			return nil
		}
		return []wire.Message{&wire.ExchangeDeclareOk{}}
	case *wire.ExchangeDelete:
		if req.NoWait {
			return nil
		}
		return []wire.Message{&wire.ExchangeDeleteOk{}}
	case *wire.ExchangeBind:
		return []wire.Message{&wire.ExchangeBindOk{}}
	case *wire.ExchangeUnbind:
		return []wire.Message{&wire.ExchangeUnbindOk{}}
	case *wire.QueueBind:
		return []wire.Message{&wire.QueueBindOk{}}
	case *wire.QueueUnbind:
		return []wire.Message{&wire.QueueUnbindOk{}}
	case *wire.QueuePurge:
		if req.NoWait {
			return nil
		}
		return []wire.Message{&wire.QueuePurgeOk{MessageCount: 7}}
	case *wire.QueueDelete:
		if req.NoWait {
			return nil
		}
		return []wire.Message{&wire.QueueDeleteOk{MessageCount: 3}}
	case *wire.TxSelect:
		return []wire.Message{&wire.TxSelectOk{}}
	case *wire.TxCommit:
		return []wire.Message{&wire.TxCommitOk{}}
	case *wire.TxRollback:
		return []wire.Message{&wire.TxRollbackOk{}}
	case *wire.BasicRecover:
		return []wire.Message{&wire.BasicRecoverOk{}}
	case *wire.ConfirmSelect:
		if req.NoWait {
			return nil
		}
		return []wire.Message{&wire.ConfirmSelectOk{}}
	case *wire.QueueDeclare:
		if req.NoWait {
			return nil
		}
		name := req.Queue
		if name == "" {
			name = "amq.gen-test"
		}
		return []wire.Message{&wire.QueueDeclareOk{Queue: name}}
	case *wire.BasicConsume:
		if req.NoWait {
			return nil
		}
		tag := req.ConsumerTag
		if tag == "" {
			tag = "amq.ctag-test"
		}
		return []wire.Message{&wire.BasicConsumeOk{ConsumerTag: tag}}
	case *wire.BasicCancel:
		if req.NoWait {
			return nil
		}
		return []wire.Message{&wire.BasicCancelOk{ConsumerTag: req.ConsumerTag}}
	case *wire.BasicQos:
		return []wire.Message{&wire.BasicQosOk{}}
	}
	return nil
}

type testChannelOption func(*channelConfig)

func withVersion(v protocol.Version) testChannelOption {
	return func(c *channelConfig) { c.version = v }
}

func withRPCTimeout(d time.Duration) testChannelOption {
	return func(c *channelConfig) { c.rpcTimeout = d }
}

func withMetrics(m MetricsCollector) testChannelOption {
	return func(c *channelConfig) { c.metrics = m }
}

func withErrorHandler(h ErrorHandler) testChannelOption {
	return func(c *channelConfig) { c.errorHandler = h }
}

// newTestChannel returns an open channel wired to a fake sink that answers
// like a broker.
func newTestChannel(t *testing.T, opts ...testChannelOption) (*Channel, *fakeSink) {
	t.Helper()

	sink := newFakeSink(t)
	cfg := channelConfig{
		log:          zaptest.NewLogger(t),
		version:      protocol.V0_9_1,
		rpcTimeout:   testWait,
		closeTimeout: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ch := newChannel(1, sink, cfg)
	sink.ch = ch
	sink.setRespond(brokerReplies)

	t.Cleanup(func() {
		ch.shutdown(&Error{Code: protocol.ReplySuccess, Reason: "test finished"})
		<-ch.events.drained()
		close(sink.stop)
	})
	return ch, sink
}

// confirmChannel returns a channel in confirm mode with n messages
// published.
func confirmChannel(t *testing.T, n int) (*Channel, *fakeSink) {
	t.Helper()
	ch, sink := newTestChannel(t)
	require.NoError(t, ch.ConfirmSelect(false))
	for i := 0; i < n; i++ {
		require.NoError(t, ch.Publish("", "q", false, false, Publishing{Body: []byte("m")}))
	}
	return ch, sink
}

// recordingConsumer captures everything a consumer is told.
type recordingConsumer struct {
	BaseConsumer

	mu         sync.Mutex
	events     []string
	deliveries []Delivery
	shutdown   *Error

	delivered chan Delivery
	cancelled chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{
		delivered: make(chan Delivery, 64),
		cancelled: make(chan string, 4),
		closed:    make(chan struct{}),
	}
}

func (c *recordingConsumer) record(ev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *recordingConsumer) HandleConsumeOk(tag string) { c.record("consume-ok:" + tag) }

func (c *recordingConsumer) HandleCancelOk(tag string) {
	c.record("cancel-ok:" + tag)
	c.cancelled <- tag
}

func (c *recordingConsumer) HandleCancel(tag string) error {
	c.record("cancel:" + tag)
	c.cancelled <- tag
	return nil
}

func (c *recordingConsumer) HandleDelivery(tag string, d Delivery) error {
	c.record("delivery:" + string(d.Body))
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
	c.delivered <- d
	return nil
}

func (c *recordingConsumer) HandleShutdown(tag string, cause *Error) {
	c.record("shutdown:" + tag)
	c.mu.Lock()
	c.shutdown = cause
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *recordingConsumer) HandleRecoverOk(tag string) { c.record("recover-ok:" + tag) }

func (c *recordingConsumer) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *recordingConsumer) next(t *testing.T) Delivery {
	t.Helper()
	select {
	case d := <-c.delivered:
		return d
	case <-time.After(testWait):
		t.Fatal("no delivery")
		return Delivery{}
	}
}

// exceptionRecorder collects callback exceptions.
type exceptionRecorder struct {
	got chan CallbackException
}

func newExceptionRecorder(ch *Channel) *exceptionRecorder {
	r := &exceptionRecorder{got: make(chan CallbackException, 16)}
	ch.AddCallbackExceptionListener(CallbackExceptionListenerFunc(func(_ *Channel, exc CallbackException) {
		r.got <- exc
	}))
	return r
}

func (r *exceptionRecorder) next(t *testing.T) CallbackException {
	t.Helper()
	select {
	case exc := <-r.got:
		return exc
	case <-time.After(testWait):
		t.Fatal("no callback exception")
		return CallbackException{}
	}
}

func waitClosed(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case <-ch.Done():
	case <-time.After(testWait):
		t.Fatal("channel did not close")
	}
}

var errBoom = errors.New("boom")

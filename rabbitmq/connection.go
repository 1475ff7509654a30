package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

// ConnectionState represents the current state of a connection
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns a string representation of the connection state
func (cs ConnectionState) String() string {
	switch cs {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is a single AMQP connection multiplexing many channels. It
// owns the channels it opened; frames read from the socket are routed to
// them by channel id.
type Connection struct {
	factory *ConnectionFactory
	conn    net.Conn
	log     *zap.Logger
	metrics MetricsCollector
	version protocol.Version

	// Frame I/O
	frameReader *frame.Reader
	frameWriter *frame.Writer

	// Channels
	channelMux    sync.RWMutex
	channels      map[uint16]*Channel
	nextChannelID uint16

	// Connection parameters (negotiated)
	channelMax       uint16
	negotiatedFrame  uint32
	heartbeat        time.Duration
	serverProperties protocol.Table

	// State
	state     atomic.Int32
	closeOnce sync.Once
	reason    atomic.Pointer[Error]
	closed    chan struct{}
	closeOk   chan struct{}

	// Notification channels
	notifyMux     sync.Mutex
	closeNotify   []chan *Error
	blockedNotify []chan BlockedNotification
	blocked       atomic.Bool

	readerDone chan struct{}

	// Listeners
	listenerMux sync.RWMutex
	listeners   []ConnectionListener
}

// BlockedNotification represents a connection blocked/unblocked event
type BlockedNotification struct {
	Blocked bool
	Reason  string
}

// ConnectionListener receives connection lifecycle events
type ConnectionListener interface {
	OnConnectionCreated(conn *Connection)
	OnConnectionClosed(conn *Connection, err error)
	OnConnectionBlocked(conn *Connection, reason string)
	OnConnectionUnblocked(conn *Connection)
}

func newConnection(cf *ConnectionFactory, netConn net.Conn) *Connection {
	log := cf.logger().With(zap.String("addr", netConn.RemoteAddr().String()))
	c := &Connection{
		factory:       cf,
		conn:          netConn,
		log:           log,
		metrics:       cf.metrics(),
		version:       cf.ProtocolVersion,
		channels:      make(map[uint16]*Channel),
		nextChannelID: 1,
		closed:        make(chan struct{}),
		closeOk:       make(chan struct{}),
		readerDone:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// handshake performs the AMQP connection handshake
func (c *Connection) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	c.frameReader = frame.NewReader(c.conn, protocol.FrameMinSize)
	c.frameWriter = frame.NewWriter(c.conn, protocol.FrameMinSize)

	if err := c.frameWriter.WriteProtocolHeader(c.version.Header()); err != nil {
		return err
	}

	start := &wire.ConnectionStart{}
	if err := c.expect(start); err != nil {
		return fmt.Errorf("read start: %w", err)
	}
	if !c.version.Matches(start.VersionMajor, start.VersionMinor) {
		return fmt.Errorf("server speaks AMQP %d-%d, client configured for %s", start.VersionMajor, start.VersionMinor, c.version)
	}
	if !strings.Contains(start.Mechanisms, "PLAIN") {
		return fmt.Errorf("server does not offer PLAIN authentication (offers %q)", start.Mechanisms)
	}
	c.serverProperties = start.ServerProperties

	err := c.write(&wire.ConnectionStartOk{
		ClientProperties: c.factory.ClientProperties,
		Mechanism:        "PLAIN",
		Response:         fmt.Sprintf("\x00%s\x00%s", c.factory.Username, c.factory.Password),
		Locale:           "en_US",
	})
	if err != nil {
		return fmt.Errorf("send start-ok: %w", err)
	}

	tune := &wire.ConnectionTune{}
	if err := c.expect(tune); err != nil {
		return fmt.Errorf("read tune: %w", err)
	}
	c.tune(tune)

	err = c.write(&wire.ConnectionTuneOk{
		ChannelMax: c.channelMax,
		FrameMax:   c.negotiatedFrame,
		Heartbeat:  uint16(c.heartbeat / time.Second),
	})
	if err != nil {
		return fmt.Errorf("send tune-ok: %w", err)
	}

	if err := c.write(&wire.ConnectionOpen{VirtualHost: c.factory.VHost}); err != nil {
		return fmt.Errorf("send open: %w", err)
	}
	if err := c.expect(&wire.ConnectionOpenOk{}); err != nil {
		return fmt.Errorf("read open-ok: %w", err)
	}

	c.state.Store(int32(StateOpen))
	return nil
}

// expect reads the next handshake method into want. A connection.close from
// the server (bad credentials, unknown vhost) is returned as *Error.
func (c *Connection) expect(want wire.Message) error {
	for {
		f, err := c.frameReader.ReadFrame()
		if err != nil {
			return err
		}
		if f.Type == protocol.FrameHeartbeat {
			continue
		}
		if f.Type != protocol.FrameMethod || f.Channel != 0 {
			return fmt.Errorf("%w: type %d on channel %d", frame.ErrUnexpectedFrame, f.Type, f.Channel)
		}

		method, err := f.ParseMethod()
		if err != nil {
			return err
		}
		msg, err := wire.Decode(method)
		if err != nil {
			return err
		}

		if cl, ok := msg.(*wire.ConnectionClose); ok {
			_ = c.write(&wire.ConnectionCloseOk{})
			return &Error{Code: int(cl.ReplyCode), Reason: cl.ReplyText, Server: true, ClassID: cl.ClassID, MethodID: cl.MethodID}
		}
		if msg.ID() != want.ID() {
			return fmt.Errorf("%w: expected %s, got %s", frame.ErrUnexpectedFrame, want.ID(), msg.ID())
		}
		return wire.DecodeInto(method, want)
	}
}

// tune settles channel-max, frame-max and heartbeat between the factory's
// request and the server's offer.
func (c *Connection) tune(t *wire.ConnectionTune) {
	c.channelMax = uint16(negotiate(uint32(c.factory.ChannelMax), uint32(t.ChannelMax)))
	if c.channelMax == 0 {
		c.channelMax = 65535
	}

	c.negotiatedFrame = negotiate(c.factory.FrameMax, t.FrameMax)
	if c.negotiatedFrame == 0 {
		c.negotiatedFrame = protocol.FrameDefaultMax
	}

	requested := uint16(c.factory.Heartbeat / time.Second)
	if requested < t.Heartbeat {
		c.heartbeat = time.Duration(requested) * time.Second
	} else {
		c.heartbeat = time.Duration(t.Heartbeat) * time.Second
	}

	c.frameReader.SetMaxFrameSize(c.negotiatedFrame)
	c.frameWriter.SetMaxFrameSize(c.negotiatedFrame)
}

// negotiate picks the smaller non-zero limit; zero means "no limit".
func negotiate(client, server uint32) uint32 {
	if client == 0 || (server != 0 && server < client) {
		return server
	}
	return client
}

func (c *Connection) write(m wire.Message) error {
	f, err := wire.Frame(0, m)
	if err != nil {
		return err
	}
	return c.frameWriter.WriteFrame(f)
}

// start starts background goroutines
func (c *Connection) start() {
	go c.frameDispatcher()
	if c.heartbeat > 0 {
		go c.heartbeatSender()
	}

	c.metrics.ConnectionCreated()
	c.log.Info("connection open",
		zap.Uint16("channel_max", c.channelMax),
		zap.Uint32("frame_max", c.negotiatedFrame),
		zap.Duration("heartbeat", c.heartbeat),
		zap.Stringer("protocol", c.version))

	c.notifyListeners(func(l ConnectionListener) {
		l.OnConnectionCreated(c)
	})
}

// frameDispatcher reads frames and routes them to channels. It is the only
// goroutine reading the socket, so frames reach each channel in wire order.
func (c *Connection) frameDispatcher() {
	defer close(c.readerDone)

	for {
		if c.heartbeat > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.heartbeat * 2))
		}

		f, err := c.frameReader.ReadFrame()
		if err != nil {
			if c.GetState() == StateClosed {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.closeWithError(NewError(protocol.ReplyConnectionForced, "missed heartbeats from server", false))
				return
			}
			c.closeWithError(NewError(protocol.ReplyConnectionForced, fmt.Sprintf("read frame: %v", err), false))
			return
		}

		if done, err := c.dispatchFrame(f); err != nil {
			c.fail(err)
			return
		} else if done {
			return
		}
	}
}

// dispatchFrame handles one inbound frame. It reports done once the server
// acknowledged our connection.close and nothing more will be read.
func (c *Connection) dispatchFrame(f *frame.Frame) (done bool, err error) {
	if f.Type == protocol.FrameHeartbeat {
		return false, nil
	}
	if f.Channel == 0 {
		return c.handleConnectionFrame(f)
	}

	c.channelMux.RLock()
	ch, ok := c.channels[f.Channel]
	c.channelMux.RUnlock()

	if !ok {
		c.log.Debug("dropping frame for unknown channel", zap.Uint16("channel", f.Channel), zap.Uint8("type", f.Type))
		return false, nil
	}
	ch.handleFrame(f)
	return false, nil
}

func (c *Connection) handleConnectionFrame(f *frame.Frame) (bool, error) {
	if f.Type != protocol.FrameMethod {
		return false, fmt.Errorf("%w: type %d on channel 0", frame.ErrUnexpectedFrame, f.Type)
	}
	method, err := f.ParseMethod()
	if err != nil {
		return false, err
	}
	msg, err := wire.Decode(method)
	if err != nil {
		return false, err
	}

	switch m := msg.(type) {
	case *wire.ConnectionClose:
		c.handleConnectionClose(m)
		return true, nil
	case *wire.ConnectionCloseOk:
		close(c.closeOk)
		return true, nil
	case *wire.ConnectionBlocked:
		c.handleConnectionBlocked(m.Reason)
	case *wire.ConnectionUnblocked:
		c.handleConnectionUnblocked()
	default:
		return false, fmt.Errorf("%w: %s on channel 0", frame.ErrUnexpectedFrame, msg.ID())
	}
	return false, nil
}

// fail closes the connection after a framing or protocol error on the
// connection itself.
func (c *Connection) fail(err error) {
	c.log.Error("connection protocol error", zap.Error(err))
	reason := NewError(protocol.ReplyFrameError, err.Error(), false)
	if errors.Is(err, frame.ErrUnexpectedFrame) {
		reason.Code = protocol.ReplyCommandInvalid
	}
	_ = c.write(&wire.ConnectionClose{CloseArgs: wire.CloseArgs{
		ReplyCode: uint16(reason.Code),
		ReplyText: reason.Reason,
	}})
	c.closeWithError(reason)
}

func (c *Connection) handleConnectionClose(m *wire.ConnectionClose) {
	if err := c.write(&wire.ConnectionCloseOk{}); err != nil {
		c.log.Warn("send connection.close-ok", zap.Error(err))
	}
	c.closeWithError(&Error{
		Code:     int(m.ReplyCode),
		Reason:   m.ReplyText,
		Server:   true,
		ClassID:  m.ClassID,
		MethodID: m.MethodID,
	})
}

func (c *Connection) handleConnectionBlocked(reason string) {
	c.blocked.Store(true)
	c.log.Warn("connection blocked", zap.String("reason", reason))
	c.emitBlocked(BlockedNotification{Blocked: true, Reason: reason})

	c.notifyListeners(func(l ConnectionListener) {
		l.OnConnectionBlocked(c, reason)
	})
	if c.factory.BlockedHandler != nil {
		c.factory.BlockedHandler.OnBlocked(c, reason)
	}
}

func (c *Connection) handleConnectionUnblocked() {
	c.blocked.Store(false)
	c.log.Info("connection unblocked")
	c.emitBlocked(BlockedNotification{Blocked: false})

	c.notifyListeners(func(l ConnectionListener) {
		l.OnConnectionUnblocked(c)
	})
	if c.factory.BlockedHandler != nil {
		c.factory.BlockedHandler.OnUnblocked(c)
	}
}

func (c *Connection) emitBlocked(n BlockedNotification) {
	c.notifyMux.Lock()
	defer c.notifyMux.Unlock()
	for _, ch := range c.blockedNotify {
		select {
		case ch <- n:
		default:
			c.log.Warn("blocked notification dropped, receiver not keeping up")
		}
	}
}

// heartbeatSender sends periodic heartbeat frames
func (c *Connection) heartbeatSender() {
	ticker := time.NewTicker(c.heartbeat / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.frameWriter.WriteFrame(frame.NewHeartbeatFrame()); err != nil {
				c.closeWithError(NewError(protocol.ReplyConnectionForced, fmt.Sprintf("send heartbeat: %v", err), false))
				return
			}
		}
	}
}

// send implements frameSink.
func (c *Connection) send(frames ...*frame.Frame) error {
	if c.GetState() == StateClosed {
		return closedError(c.reason.Load())
	}
	return c.frameWriter.WriteFrames(frames...)
}

// frameMax implements frameSink.
func (c *Connection) frameMax() uint32 { return c.negotiatedFrame }

// release implements frameSink. The id becomes available for new channels.
func (c *Connection) release(id uint16) {
	c.channelMux.Lock()
	delete(c.channels, id)
	c.channelMux.Unlock()
}

func (c *Connection) channelConfig() channelConfig {
	return channelConfig{
		log:          c.log,
		metrics:      c.metrics,
		errorHandler: c.factory.ErrorHandler,
		version:      c.version,
		rpcTimeout:   c.factory.RPCTimeout,
		closeTimeout: c.factory.CloseTimeout,
	}
}

// NewChannel creates a new channel on this connection
func (c *Connection) NewChannel() (*Channel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.factory.rpcTimeout())
	defer cancel()
	return c.NewChannelWithContext(ctx)
}

// NewChannelWithContext opens a new channel, waiting for channel.open-ok
// until ctx ends.
func (c *Connection) NewChannelWithContext(ctx context.Context) (*Channel, error) {
	if c.GetState() != StateOpen {
		return nil, closedError(c.reason.Load())
	}

	c.channelMux.Lock()
	id, ok := c.allocateLocked()
	if !ok {
		c.channelMux.Unlock()
		return nil, fmt.Errorf("channel limit reached: %d", c.channelMax)
	}
	ch := newChannel(id, c, c.channelConfig())
	// Registered before open so the reply can be routed.
	c.channels[id] = ch
	c.channelMux.Unlock()

	if err := ch.open(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// allocateLocked hands out channel ids round-robin, skipping ids in use.
func (c *Connection) allocateLocked() (uint16, bool) {
	for range int(c.channelMax) {
		id := c.nextChannelID
		c.nextChannelID++
		if c.nextChannelID == 0 || c.nextChannelID > c.channelMax {
			c.nextChannelID = 1
		}
		if _, used := c.channels[id]; !used {
			return id, true
		}
	}
	return 0, false
}

// Close gracefully closes the connection
func (c *Connection) Close() error {
	return c.CloseWithCode(protocol.ReplySuccess, "connection closed")
}

// GetChannelCount returns the current number of open channels
func (c *Connection) GetChannelCount() int {
	c.channelMux.RLock()
	defer c.channelMux.RUnlock()
	return len(c.channels)
}

// CloseWithCode closes the connection with a specific reply code and text.
// Every channel is shut down with the same reason.
func (c *Connection) CloseWithCode(code int, text string) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}

	reason := NewError(code, text, false)
	err := c.write(&wire.ConnectionClose{CloseArgs: wire.CloseArgs{
		ReplyCode: uint16(code),
		ReplyText: text,
	}})
	if err == nil {
		timer := time.NewTimer(c.factory.closeTimeout())
		defer timer.Stop()
		select {
		case <-c.closeOk:
		case <-c.closed:
		case <-timer.C:
			c.log.Warn("no connection.close-ok before deadline")
		}
	}

	c.closeWithError(reason)
	if err != nil {
		return fmt.Errorf("send connection.close: %w", err)
	}
	return nil
}

// closeWithError tears the connection down exactly once.
func (c *Connection) closeWithError(err *Error) {
	c.closeOnce.Do(func() {
		c.reason.Store(err)
		c.state.Store(int32(StateClosed))
		close(c.closed)
		_ = c.conn.Close()

		c.channelMux.Lock()
		channels := c.channels
		c.channels = make(map[uint16]*Channel)
		c.channelMux.Unlock()

		// Channels release their ids through c.release, which takes
		// channelMux, so shut them down outside the lock.
		for _, ch := range channels {
			ch.shutdown(err)
		}

		c.notifyMux.Lock()
		for _, ch := range c.closeNotify {
			select {
			case ch <- err:
			default:
			}
			close(ch)
		}
		c.closeNotify = nil
		for _, ch := range c.blockedNotify {
			close(ch)
		}
		c.blockedNotify = nil
		c.notifyMux.Unlock()

		c.notifyListeners(func(l ConnectionListener) {
			l.OnConnectionClosed(c, err)
		})

		if err.Code != protocol.ReplySuccess || err.Server {
			c.metrics.ConnectionError(err)
			if c.factory.ErrorHandler != nil {
				c.factory.ErrorHandler.HandleConnectionError(c, err)
			}
		}
		c.metrics.ConnectionClosed()
		c.log.Info("connection closed", zap.Int("code", err.Code), zap.String("reason", err.Reason), zap.Bool("server", err.Server))
	})
}

// IsClosed returns whether the connection is closed
func (c *Connection) IsClosed() bool {
	return c.GetState() == StateClosed
}

// GetState returns the current connection state
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// CloseReason returns why the connection closed, or nil while it is open.
func (c *Connection) CloseReason() *Error {
	return c.reason.Load()
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// IsBlocked returns whether the connection is currently blocked
func (c *Connection) IsBlocked() bool {
	return c.blocked.Load()
}

// NotifyClose registers a listener for connection closure. The channel
// receives the close reason and is then closed. Registering on a closed
// connection delivers the reason immediately.
func (c *Connection) NotifyClose(ch chan *Error) chan *Error {
	c.notifyMux.Lock()
	defer c.notifyMux.Unlock()

	if c.IsClosed() {
		select {
		case ch <- c.reason.Load():
		default:
		}
		close(ch)
		return ch
	}
	c.closeNotify = append(c.closeNotify, ch)
	return ch
}

// NotifyBlocked registers a listener for connection blocked/unblocked
// events. The channel is closed when the connection closes.
func (c *Connection) NotifyBlocked(ch chan BlockedNotification) chan BlockedNotification {
	c.notifyMux.Lock()
	defer c.notifyMux.Unlock()

	if c.IsClosed() {
		close(ch)
		return ch
	}
	c.blockedNotify = append(c.blockedNotify, ch)
	return ch
}

// AddConnectionListener adds a connection lifecycle listener
func (c *Connection) AddConnectionListener(listener ConnectionListener) {
	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()
	c.listeners = append(c.listeners, listener)
}

// RemoveConnectionListener removes a connection listener
func (c *Connection) RemoveConnectionListener(listener ConnectionListener) {
	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()

	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners calls a function for each listener
func (c *Connection) notifyListeners(fn func(ConnectionListener)) {
	c.listenerMux.RLock()
	defer c.listenerMux.RUnlock()

	for _, listener := range c.listeners {
		fn(listener)
	}
}

// GetChannelMax returns the negotiated maximum number of channels
func (c *Connection) GetChannelMax() uint16 {
	return c.channelMax
}

// GetFrameMax returns the negotiated maximum frame size
func (c *Connection) GetFrameMax() uint32 {
	return c.negotiatedFrame
}

// GetHeartbeat returns the negotiated heartbeat interval
func (c *Connection) GetHeartbeat() time.Duration {
	return c.heartbeat
}

// ServerProperties returns the properties the server announced in
// connection.start.
func (c *Connection) ServerProperties() protocol.Table {
	return c.serverProperties
}

// ProtocolVersion returns the dialect negotiated with the server.
func (c *Connection) ProtocolVersion() protocol.Version {
	return c.version
}

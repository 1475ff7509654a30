package rabbitmq

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/israelio/rabbitmux/internal/protocol"
)

const (
	defaultRPCTimeout   = 10 * time.Second
	defaultCloseTimeout = 10 * time.Second
)

// ConnectionFactory creates and configures AMQP connections
type ConnectionFactory struct {
	// Connection settings
	Host     string
	Port     int
	VHost    string
	Username string
	Password string

	// TLS configuration
	TLS *tls.Config

	// Timeouts
	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	// RPCTimeout bounds synchronous channel requests made without a
	// caller-supplied context.
	RPCTimeout time.Duration
	// CloseTimeout bounds the wait for close-ok on channels and the
	// connection.
	CloseTimeout time.Duration

	// AMQP parameters
	ChannelMax      uint16
	FrameMax        uint32
	Heartbeat       time.Duration
	ProtocolVersion protocol.Version

	// Client properties sent to server
	ClientProperties protocol.Table

	// Custom handlers
	ErrorHandler   ErrorHandler
	BlockedHandler BlockedHandler

	Logger  *zap.Logger
	Metrics MetricsCollector
}

// BlockedHandler receives connection blocked/unblocked events
type BlockedHandler interface {
	OnBlocked(conn *Connection, reason string)
	OnUnblocked(conn *Connection)
}

// NewConnectionFactory creates a new ConnectionFactory with sensible defaults
func NewConnectionFactory(opts ...FactoryOption) *ConnectionFactory {
	cf := &ConnectionFactory{
		Host:              "localhost",
		Port:              5672,
		VHost:             "/",
		Username:          "guest",
		Password:          "guest",
		ConnectionTimeout: 60 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		RPCTimeout:        defaultRPCTimeout,
		CloseTimeout:      defaultCloseTimeout,
		Heartbeat:         10 * time.Second,
		ChannelMax:        0, // 0 = no limit (server decides)
		FrameMax:          0, // 0 = no limit (server decides)
		ProtocolVersion:   protocol.V0_9_1,
		ClientProperties:  defaultClientProperties(),
	}

	for _, opt := range opts {
		opt(cf)
	}

	if cf.ErrorHandler == nil {
		cf.ErrorHandler = &DefaultErrorHandler{Logger: cf.logger()}
	}

	return cf
}

// NewConnection creates a new connection using the factory settings
func (cf *ConnectionFactory) NewConnection() (*Connection, error) {
	return cf.NewConnectionWithContext(context.Background())
}

// NewConnectionWithContext dials the broker and runs the AMQP handshake.
func (cf *ConnectionFactory) NewConnectionWithContext(ctx context.Context) (*Connection, error) {
	if err := cf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid factory: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cf.ConnectionTimeout)
	defer cancel()

	netConn, err := cf.dial(dialCtx)
	if err != nil {
		cf.metrics().ConnectionError(err)
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	return cf.newConnectionOn(ctx, netConn)
}

// newConnectionOn runs the handshake over an established transport.
func (cf *ConnectionFactory) newConnectionOn(ctx context.Context, netConn net.Conn) (*Connection, error) {
	conn := newConnection(cf, netConn)

	hsCtx := ctx
	if cf.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, cf.HandshakeTimeout)
		defer cancel()
	}

	if err := conn.handshake(hsCtx); err != nil {
		netConn.Close()
		cf.metrics().ConnectionError(err)
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	conn.start()
	return conn, nil
}

// dial establishes a network connection (TCP or TLS)
func (cf *ConnectionFactory) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(cf.Host, fmt.Sprint(cf.Port))

	dialer := &net.Dialer{
		Timeout: cf.ConnectionTimeout,
	}

	if cf.TLS != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: cf.TLS}
		return td.DialContext(ctx, "tcp", addr)
	}

	return dialer.DialContext(ctx, "tcp", addr)
}

// Validate validates the ConnectionFactory configuration
func (cf *ConnectionFactory) Validate() error {
	if cf.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if cf.Port <= 0 || cf.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cf.Port)
	}
	if cf.VHost == "" {
		return fmt.Errorf("vhost cannot be empty")
	}
	if cf.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	if cf.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout cannot be negative, got %v", cf.ConnectionTimeout)
	}
	if cf.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout cannot be negative, got %v", cf.HandshakeTimeout)
	}
	if cf.RPCTimeout < 0 {
		return fmt.Errorf("rpc timeout cannot be negative, got %v", cf.RPCTimeout)
	}
	if cf.CloseTimeout < 0 {
		return fmt.Errorf("close timeout cannot be negative, got %v", cf.CloseTimeout)
	}

	// 0 means disabled
	if cf.Heartbeat < 0 {
		return fmt.Errorf("heartbeat cannot be negative, got %v", cf.Heartbeat)
	}

	// 0 means server decides, 4096 is the protocol minimum
	if cf.FrameMax != 0 && cf.FrameMax < protocol.FrameMinSize {
		return fmt.Errorf("frame max must be 0 or >= %d, got %d", protocol.FrameMinSize, cf.FrameMax)
	}

	return nil
}

func (cf *ConnectionFactory) logger() *zap.Logger {
	if cf.Logger == nil {
		return zap.NewNop()
	}
	return cf.Logger
}

func (cf *ConnectionFactory) metrics() MetricsCollector {
	if cf.Metrics == nil {
		return NewNoOpMetricsCollector()
	}
	return cf.Metrics
}

func (cf *ConnectionFactory) rpcTimeout() time.Duration {
	if cf.RPCTimeout > 0 {
		return cf.RPCTimeout
	}
	return defaultRPCTimeout
}

func (cf *ConnectionFactory) closeTimeout() time.Duration {
	if cf.CloseTimeout > 0 {
		return cf.CloseTimeout
	}
	return defaultCloseTimeout
}

// defaultClientProperties returns default client properties
func defaultClientProperties() protocol.Table {
	return protocol.Table{
		"product":  "rabbitmux",
		"version":  "1.0.0",
		"platform": "Go",
		"capabilities": protocol.Table{
			"publisher_confirms":           true,
			"exchange_exchange_bindings":   true,
			"basic.nack":                   true,
			"consumer_cancel_notify":       true,
			"connection.blocked":           true,
			"authentication_failure_close": true,
		},
	}
}

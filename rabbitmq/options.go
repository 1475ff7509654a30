package rabbitmq

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/israelio/rabbitmux/internal/protocol"
)

// FactoryOption configures a ConnectionFactory. Options run in order, so a
// later option overrides an earlier one.
type FactoryOption func(*ConnectionFactory)

// Broker address and credentials.

func WithHost(host string) FactoryOption   { return func(cf *ConnectionFactory) { cf.Host = host } }
func WithPort(port int) FactoryOption      { return func(cf *ConnectionFactory) { cf.Port = port } }
func WithVHost(vhost string) FactoryOption { return func(cf *ConnectionFactory) { cf.VHost = vhost } }

func WithCredentials(username, password string) FactoryOption {
	return func(cf *ConnectionFactory) { cf.Username, cf.Password = username, password }
}

// WithTLS dials with TLS. A nil config means plain TCP.
func WithTLS(config *tls.Config) FactoryOption {
	return func(cf *ConnectionFactory) { cf.TLS = config }
}

// Timeouts. Zero disables the bound for connection and handshake; RPC and
// close timeouts fall back to their defaults.

func WithConnectionTimeout(d time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) { cf.ConnectionTimeout = d }
}

func WithHandshakeTimeout(d time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) { cf.HandshakeTimeout = d }
}

// WithRPCTimeout bounds synchronous channel requests made without a context.
func WithRPCTimeout(d time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) { cf.RPCTimeout = d }
}

// WithCloseTimeout bounds the wait for close-ok.
func WithCloseTimeout(d time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) { cf.CloseTimeout = d }
}

// Tuning proposals. The server may lower them during the handshake.

func WithHeartbeat(interval time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) { cf.Heartbeat = interval }
}

func WithChannelMax(n uint16) FactoryOption {
	return func(cf *ConnectionFactory) { cf.ChannelMax = n }
}

func WithFrameMax(n uint32) FactoryOption {
	return func(cf *ConnectionFactory) { cf.FrameMax = n }
}

// WithProtocolVersion selects the dialect. Operations the dialect lacks fail
// with ErrNotSupported.
func WithProtocolVersion(v protocol.Version) FactoryOption {
	return func(cf *ConnectionFactory) { cf.ProtocolVersion = v }
}

// WithClientProperties merges properties into the table sent in start-ok.
func WithClientProperties(properties protocol.Table) FactoryOption {
	return func(cf *ConnectionFactory) {
		for k, v := range properties {
			cf.setClientProperty(k, v)
		}
	}
}

func WithClientProperty(key string, value interface{}) FactoryOption {
	return func(cf *ConnectionFactory) { cf.setClientProperty(key, value) }
}

func (cf *ConnectionFactory) setClientProperty(key string, value interface{}) {
	if cf.ClientProperties == nil {
		cf.ClientProperties = make(protocol.Table)
	}
	cf.ClientProperties[key] = value
}

// Handlers and observability.

func WithErrorHandler(handler ErrorHandler) FactoryOption {
	return func(cf *ConnectionFactory) { cf.ErrorHandler = handler }
}

func WithBlockedHandler(handler BlockedHandler) FactoryOption {
	return func(cf *ConnectionFactory) { cf.BlockedHandler = handler }
}

// WithLogger sets the logger for the connection and its channels. The
// default error handler, if installed, logs through it too.
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Logger = logger
		if h, ok := cf.ErrorHandler.(*DefaultErrorHandler); ok {
			h.Logger = logger
		}
	}
}

func WithMetricsCollector(collector MetricsCollector) FactoryOption {
	return func(cf *ConnectionFactory) { cf.Metrics = collector }
}

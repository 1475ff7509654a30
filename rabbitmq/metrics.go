package rabbitmq

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives lifecycle and traffic events from connections
// and channels. Implementations must be safe for concurrent use.
type MetricsCollector interface {
	ConnectionCreated()
	ConnectionClosed()
	ConnectionError(err error)

	ChannelCreated()
	ChannelClosed()
	ChannelError(err error)

	MessagePublished()
	MessageConsumed()
	MessageAcked()
	MessageNacked()
	MessageRejected()
	MessageReturned()

	// ConfirmReceived is called once per publisher ack or nack frame.
	ConfirmReceived(ack bool)

	// RPCDuration records how long a synchronous channel request waited
	// for its reply. method is the request's AMQP method name.
	RPCDuration(method string, d time.Duration)
}

type counter int

const (
	connectionsCreated counter = iota
	connectionsClosed
	connectionErrors
	channelsCreated
	channelsClosed
	channelErrors
	messagesPublished
	messagesConsumed
	messagesAcked
	messagesNacked
	messagesRejected
	messagesReturned
	confirmsAcked
	confirmsNacked
	rpcCalls
	rpcNanos
	numCounters
)

// StandardMetricsCollector keeps in-process totals readable through its
// Get methods.
type StandardMetricsCollector struct {
	counts [numCounters]atomic.Int64
}

func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

func (m *StandardMetricsCollector) inc(c counter)       { m.counts[c].Add(1) }
func (m *StandardMetricsCollector) get(c counter) int64 { return m.counts[c].Load() }

func (m *StandardMetricsCollector) ConnectionCreated()    { m.inc(connectionsCreated) }
func (m *StandardMetricsCollector) ConnectionClosed()     { m.inc(connectionsClosed) }
func (m *StandardMetricsCollector) ConnectionError(error) { m.inc(connectionErrors) }
func (m *StandardMetricsCollector) ChannelCreated()       { m.inc(channelsCreated) }
func (m *StandardMetricsCollector) ChannelClosed()        { m.inc(channelsClosed) }
func (m *StandardMetricsCollector) ChannelError(error)    { m.inc(channelErrors) }
func (m *StandardMetricsCollector) MessagePublished()     { m.inc(messagesPublished) }
func (m *StandardMetricsCollector) MessageConsumed()      { m.inc(messagesConsumed) }
func (m *StandardMetricsCollector) MessageAcked()         { m.inc(messagesAcked) }
func (m *StandardMetricsCollector) MessageNacked()        { m.inc(messagesNacked) }
func (m *StandardMetricsCollector) MessageRejected()      { m.inc(messagesRejected) }
func (m *StandardMetricsCollector) MessageReturned()      { m.inc(messagesReturned) }

func (m *StandardMetricsCollector) ConfirmReceived(ack bool) {
	if ack {
		m.inc(confirmsAcked)
		return
	}
	m.inc(confirmsNacked)
}

func (m *StandardMetricsCollector) RPCDuration(_ string, d time.Duration) {
	m.inc(rpcCalls)
	m.counts[rpcNanos].Add(int64(d))
}

func (m *StandardMetricsCollector) GetConnectionsCreated() int64 { return m.get(connectionsCreated) }
func (m *StandardMetricsCollector) GetConnectionsClosed() int64  { return m.get(connectionsClosed) }
func (m *StandardMetricsCollector) GetConnectionErrors() int64   { return m.get(connectionErrors) }
func (m *StandardMetricsCollector) GetChannelsCreated() int64    { return m.get(channelsCreated) }
func (m *StandardMetricsCollector) GetChannelsClosed() int64     { return m.get(channelsClosed) }
func (m *StandardMetricsCollector) GetChannelErrors() int64      { return m.get(channelErrors) }
func (m *StandardMetricsCollector) GetMessagesPublished() int64  { return m.get(messagesPublished) }
func (m *StandardMetricsCollector) GetMessagesConsumed() int64   { return m.get(messagesConsumed) }
func (m *StandardMetricsCollector) GetMessagesAcked() int64      { return m.get(messagesAcked) }
func (m *StandardMetricsCollector) GetMessagesNacked() int64     { return m.get(messagesNacked) }
func (m *StandardMetricsCollector) GetMessagesRejected() int64   { return m.get(messagesRejected) }
func (m *StandardMetricsCollector) GetMessagesReturned() int64   { return m.get(messagesReturned) }
func (m *StandardMetricsCollector) GetConfirmsAcked() int64      { return m.get(confirmsAcked) }
func (m *StandardMetricsCollector) GetConfirmsNacked() int64     { return m.get(confirmsNacked) }
func (m *StandardMetricsCollector) GetRPCCalls() int64           { return m.get(rpcCalls) }

// GetRPCAverage returns the mean time synchronous requests waited for
// their reply, or 0 if none completed.
func (m *StandardMetricsCollector) GetRPCAverage() time.Duration {
	n := m.get(rpcCalls)
	if n == 0 {
		return 0
	}
	return time.Duration(m.get(rpcNanos) / n)
}

// NoOpMetricsCollector discards everything. It is what a factory without
// a collector uses.
type NoOpMetricsCollector struct{}

func NewNoOpMetricsCollector() *NoOpMetricsCollector { return &NoOpMetricsCollector{} }

func (*NoOpMetricsCollector) ConnectionCreated()                {}
func (*NoOpMetricsCollector) ConnectionClosed()                 {}
func (*NoOpMetricsCollector) ConnectionError(error)             {}
func (*NoOpMetricsCollector) ChannelCreated()                   {}
func (*NoOpMetricsCollector) ChannelClosed()                    {}
func (*NoOpMetricsCollector) ChannelError(error)                {}
func (*NoOpMetricsCollector) MessagePublished()                 {}
func (*NoOpMetricsCollector) MessageConsumed()                  {}
func (*NoOpMetricsCollector) MessageAcked()                     {}
func (*NoOpMetricsCollector) MessageNacked()                    {}
func (*NoOpMetricsCollector) MessageRejected()                  {}
func (*NoOpMetricsCollector) MessageReturned()                  {}
func (*NoOpMetricsCollector) ConfirmReceived(bool)              {}
func (*NoOpMetricsCollector) RPCDuration(string, time.Duration) {}

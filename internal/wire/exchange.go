package wire

import (
	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
)

func init() {
	register(
		func() Message { return &ExchangeDeclare{} },
		func() Message { return &ExchangeDeclareOk{} },
		func() Message { return &ExchangeDelete{} },
		func() Message { return &ExchangeDeleteOk{} },
		func() Message { return &ExchangeBind{} },
		func() Message { return &ExchangeBindOk{} },
		func() Message { return &ExchangeUnbind{} },
		func() Message { return &ExchangeUnbindOk{} },
	)
}

type ExchangeDeclare struct {
	Exchange   string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  protocol.Table
}

func (*ExchangeDeclare) ID() frame.MethodID {
	return frame.ID(protocol.ClassExchange, protocol.MethodExchangeDeclare)
}

func (m *ExchangeDeclare) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).
		WriteShortString(m.Exchange).
		WriteShortString(m.Type).
		WriteBit(m.Passive).
		WriteBit(m.Durable).
		WriteBit(m.AutoDelete).
		WriteBit(m.Internal).
		WriteBit(m.NoWait).
		WriteTable(m.Arguments)
}

func (m *ExchangeDeclare) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Exchange = a.ReadShortString()
	m.Type = a.ReadShortString()
	m.Passive = a.ReadBit()
	m.Durable = a.ReadBit()
	m.AutoDelete = a.ReadBit()
	m.Internal = a.ReadBit()
	m.NoWait = a.ReadBit()
	m.Arguments = a.ReadTable()
}

type ExchangeDeclareOk struct{ empty }

func (*ExchangeDeclareOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassExchange, protocol.MethodExchangeDeclareOk)
}

type ExchangeDelete struct {
	Exchange string
	IfUnused bool
	NoWait   bool
}

func (*ExchangeDelete) ID() frame.MethodID {
	return frame.ID(protocol.ClassExchange, protocol.MethodExchangeDelete)
}

func (m *ExchangeDelete) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).WriteShortString(m.Exchange).WriteBit(m.IfUnused).WriteBit(m.NoWait)
}

func (m *ExchangeDelete) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Exchange = a.ReadShortString()
	m.IfUnused = a.ReadBit()
	m.NoWait = a.ReadBit()
}

type ExchangeDeleteOk struct{ empty }

func (*ExchangeDeleteOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassExchange, protocol.MethodExchangeDeleteOk)
}

// ExchangeBinding is shared by exchange.bind and exchange.unbind.
type ExchangeBinding struct {
	Destination string
	Source      string
	RoutingKey  string
	NoWait      bool
	Arguments   protocol.Table
}

func (m *ExchangeBinding) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).
		WriteShortString(m.Destination).
		WriteShortString(m.Source).
		WriteShortString(m.RoutingKey).
		WriteBit(m.NoWait).
		WriteTable(m.Arguments)
}

func (m *ExchangeBinding) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Destination = a.ReadShortString()
	m.Source = a.ReadShortString()
	m.RoutingKey = a.ReadShortString()
	m.NoWait = a.ReadBit()
	m.Arguments = a.ReadTable()
}

type ExchangeBind struct{ ExchangeBinding }

func (*ExchangeBind) ID() frame.MethodID {
	return frame.ID(protocol.ClassExchange, protocol.MethodExchangeBind)
}

type ExchangeBindOk struct{ empty }

func (*ExchangeBindOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassExchange, protocol.MethodExchangeBindOk)
}

type ExchangeUnbind struct{ ExchangeBinding }

func (*ExchangeUnbind) ID() frame.MethodID {
	return frame.ID(protocol.ClassExchange, protocol.MethodExchangeUnbind)
}

type ExchangeUnbindOk struct{ empty }

func (*ExchangeUnbindOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassExchange, protocol.MethodExchangeUnbindOk)
}

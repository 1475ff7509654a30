package wire

import (
	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
)

func init() {
	register(
		func() Message { return &QueueDeclare{} },
		func() Message { return &QueueDeclareOk{} },
		func() Message { return &QueueBind{} },
		func() Message { return &QueueBindOk{} },
		func() Message { return &QueueUnbind{} },
		func() Message { return &QueueUnbindOk{} },
		func() Message { return &QueuePurge{} },
		func() Message { return &QueuePurgeOk{} },
		func() Message { return &QueueDelete{} },
		func() Message { return &QueueDeleteOk{} },
	)
}

type QueueDeclare struct {
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  protocol.Table
}

func (*QueueDeclare) ID() frame.MethodID {
	return frame.ID(protocol.ClassQueue, protocol.MethodQueueDeclare)
}

func (m *QueueDeclare) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).
		WriteShortString(m.Queue).
		WriteBit(m.Passive).
		WriteBit(m.Durable).
		WriteBit(m.Exclusive).
		WriteBit(m.AutoDelete).
		WriteBit(m.NoWait).
		WriteTable(m.Arguments)
}

func (m *QueueDeclare) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Queue = a.ReadShortString()
	m.Passive = a.ReadBit()
	m.Durable = a.ReadBit()
	m.Exclusive = a.ReadBit()
	m.AutoDelete = a.ReadBit()
	m.NoWait = a.ReadBit()
	m.Arguments = a.ReadTable()
}

type QueueDeclareOk struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func (*QueueDeclareOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassQueue, protocol.MethodQueueDeclareOk)
}

func (m *QueueDeclareOk) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.Queue).WriteUint32(m.MessageCount).WriteUint32(m.ConsumerCount)
}

func (m *QueueDeclareOk) read(a *frame.MethodArgs) {
	m.Queue = a.ReadShortString()
	m.MessageCount = a.ReadUint32()
	m.ConsumerCount = a.ReadUint32()
}

type QueueBind struct {
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  protocol.Table
}

func (*QueueBind) ID() frame.MethodID {
	return frame.ID(protocol.ClassQueue, protocol.MethodQueueBind)
}

func (m *QueueBind) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).
		WriteShortString(m.Queue).
		WriteShortString(m.Exchange).
		WriteShortString(m.RoutingKey).
		WriteBit(m.NoWait).
		WriteTable(m.Arguments)
}

func (m *QueueBind) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Queue = a.ReadShortString()
	m.Exchange = a.ReadShortString()
	m.RoutingKey = a.ReadShortString()
	m.NoWait = a.ReadBit()
	m.Arguments = a.ReadTable()
}

type QueueBindOk struct{ empty }

func (*QueueBindOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassQueue, protocol.MethodQueueBindOk)
}

// QueueUnbind has no nowait flag; the reply is always sent.
type QueueUnbind struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  protocol.Table
}

func (*QueueUnbind) ID() frame.MethodID {
	return frame.ID(protocol.ClassQueue, protocol.MethodQueueUnbind)
}

func (m *QueueUnbind) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).
		WriteShortString(m.Queue).
		WriteShortString(m.Exchange).
		WriteShortString(m.RoutingKey).
		WriteTable(m.Arguments)
}

func (m *QueueUnbind) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Queue = a.ReadShortString()
	m.Exchange = a.ReadShortString()
	m.RoutingKey = a.ReadShortString()
	m.Arguments = a.ReadTable()
}

type QueueUnbindOk struct{ empty }

func (*QueueUnbindOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassQueue, protocol.MethodQueueUnbindOk)
}

type QueuePurge struct {
	Queue  string
	NoWait bool
}

func (*QueuePurge) ID() frame.MethodID {
	return frame.ID(protocol.ClassQueue, protocol.MethodQueuePurge)
}

func (m *QueuePurge) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).WriteShortString(m.Queue).WriteBit(m.NoWait)
}

func (m *QueuePurge) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Queue = a.ReadShortString()
	m.NoWait = a.ReadBit()
}

type QueuePurgeOk struct {
	MessageCount uint32
}

func (*QueuePurgeOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassQueue, protocol.MethodQueuePurgeOk)
}

func (m *QueuePurgeOk) write(b *frame.MethodArgsBuilder) { b.WriteUint32(m.MessageCount) }
func (m *QueuePurgeOk) read(a *frame.MethodArgs)         { m.MessageCount = a.ReadUint32() }

type QueueDelete struct {
	Queue    string
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

func (*QueueDelete) ID() frame.MethodID {
	return frame.ID(protocol.ClassQueue, protocol.MethodQueueDelete)
}

func (m *QueueDelete) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).
		WriteShortString(m.Queue).
		WriteBit(m.IfUnused).
		WriteBit(m.IfEmpty).
		WriteBit(m.NoWait)
}

func (m *QueueDelete) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Queue = a.ReadShortString()
	m.IfUnused = a.ReadBit()
	m.IfEmpty = a.ReadBit()
	m.NoWait = a.ReadBit()
}

type QueueDeleteOk struct {
	MessageCount uint32
}

func (*QueueDeleteOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassQueue, protocol.MethodQueueDeleteOk)
}

func (m *QueueDeleteOk) write(b *frame.MethodArgsBuilder) { b.WriteUint32(m.MessageCount) }
func (m *QueueDeleteOk) read(a *frame.MethodArgs)         { m.MessageCount = a.ReadUint32() }

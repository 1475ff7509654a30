package wire

import (
	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
)

func init() {
	register(
		func() Message { return &BasicQos{} },
		func() Message { return &BasicQosOk{} },
		func() Message { return &BasicConsume{} },
		func() Message { return &BasicConsumeOk{} },
		func() Message { return &BasicCancel{} },
		func() Message { return &BasicCancelOk{} },
		func() Message { return &BasicPublish{} },
		func() Message { return &BasicReturn{} },
		func() Message { return &BasicDeliver{} },
		func() Message { return &BasicGet{} },
		func() Message { return &BasicGetOk{} },
		func() Message { return &BasicGetEmpty{} },
		func() Message { return &BasicAck{} },
		func() Message { return &BasicReject{} },
		func() Message { return &BasicRecoverAsync{} },
		func() Message { return &BasicRecover{} },
		func() Message { return &BasicRecoverOk{} },
		func() Message { return &BasicNack{} },
	)
}

type BasicQos struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

func (*BasicQos) ID() frame.MethodID { return frame.ID(protocol.ClassBasic, protocol.MethodBasicQos) }

func (m *BasicQos) write(b *frame.MethodArgsBuilder) {
	b.WriteUint32(m.PrefetchSize).WriteUint16(m.PrefetchCount).WriteBit(m.Global)
}

func (m *BasicQos) read(a *frame.MethodArgs) {
	m.PrefetchSize = a.ReadUint32()
	m.PrefetchCount = a.ReadUint16()
	m.Global = a.ReadBit()
}

type BasicQosOk struct{ empty }

func (*BasicQosOk) ID() frame.MethodID { return frame.ID(protocol.ClassBasic, protocol.MethodBasicQosOk) }

type BasicConsume struct {
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   protocol.Table
}

func (*BasicConsume) ID() frame.MethodID {
	return frame.ID(protocol.ClassBasic, protocol.MethodBasicConsume)
}

func (m *BasicConsume) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).
		WriteShortString(m.Queue).
		WriteShortString(m.ConsumerTag).
		WriteBit(m.NoLocal).
		WriteBit(m.NoAck).
		WriteBit(m.Exclusive).
		WriteBit(m.NoWait).
		WriteTable(m.Arguments)
}

func (m *BasicConsume) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Queue = a.ReadShortString()
	m.ConsumerTag = a.ReadShortString()
	m.NoLocal = a.ReadBit()
	m.NoAck = a.ReadBit()
	m.Exclusive = a.ReadBit()
	m.NoWait = a.ReadBit()
	m.Arguments = a.ReadTable()
}

type BasicConsumeOk struct {
	ConsumerTag string
}

func (*BasicConsumeOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassBasic, protocol.MethodBasicConsumeOk)
}

func (m *BasicConsumeOk) write(b *frame.MethodArgsBuilder) { b.WriteShortString(m.ConsumerTag) }
func (m *BasicConsumeOk) read(a *frame.MethodArgs)         { m.ConsumerTag = a.ReadShortString() }

// BasicCancel travels both ways: the client cancels its own consumers and
// the server cancels consumers whose queue went away.
type BasicCancel struct {
	ConsumerTag string
	NoWait      bool
}

func (*BasicCancel) ID() frame.MethodID {
	return frame.ID(protocol.ClassBasic, protocol.MethodBasicCancel)
}

func (m *BasicCancel) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.ConsumerTag).WriteBit(m.NoWait)
}

func (m *BasicCancel) read(a *frame.MethodArgs) {
	m.ConsumerTag = a.ReadShortString()
	m.NoWait = a.ReadBit()
}

type BasicCancelOk struct {
	ConsumerTag string
}

func (*BasicCancelOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassBasic, protocol.MethodBasicCancelOk)
}

func (m *BasicCancelOk) write(b *frame.MethodArgsBuilder) { b.WriteShortString(m.ConsumerTag) }
func (m *BasicCancelOk) read(a *frame.MethodArgs)         { m.ConsumerTag = a.ReadShortString() }

type BasicPublish struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

func (*BasicPublish) ID() frame.MethodID { return frame.BasicPublish }

func (m *BasicPublish) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).
		WriteShortString(m.Exchange).
		WriteShortString(m.RoutingKey).
		WriteBit(m.Mandatory).
		WriteBit(m.Immediate)
}

func (m *BasicPublish) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Exchange = a.ReadShortString()
	m.RoutingKey = a.ReadShortString()
	m.Mandatory = a.ReadBit()
	m.Immediate = a.ReadBit()
}

type BasicReturn struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

func (*BasicReturn) ID() frame.MethodID { return frame.BasicReturn }

func (m *BasicReturn) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.ReplyCode).
		WriteShortString(m.ReplyText).
		WriteShortString(m.Exchange).
		WriteShortString(m.RoutingKey)
}

func (m *BasicReturn) read(a *frame.MethodArgs) {
	m.ReplyCode = a.ReadUint16()
	m.ReplyText = a.ReadShortString()
	m.Exchange = a.ReadShortString()
	m.RoutingKey = a.ReadShortString()
}

type BasicDeliver struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

func (*BasicDeliver) ID() frame.MethodID { return frame.BasicDeliver }

func (m *BasicDeliver) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.ConsumerTag).
		WriteUint64(m.DeliveryTag).
		WriteBit(m.Redelivered).
		WriteShortString(m.Exchange).
		WriteShortString(m.RoutingKey)
}

func (m *BasicDeliver) read(a *frame.MethodArgs) {
	m.ConsumerTag = a.ReadShortString()
	m.DeliveryTag = a.ReadUint64()
	m.Redelivered = a.ReadBit()
	m.Exchange = a.ReadShortString()
	m.RoutingKey = a.ReadShortString()
}

type BasicGet struct {
	Queue string
	NoAck bool
}

func (*BasicGet) ID() frame.MethodID { return frame.ID(protocol.ClassBasic, protocol.MethodBasicGet) }

func (m *BasicGet) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(0).WriteShortString(m.Queue).WriteBit(m.NoAck)
}

func (m *BasicGet) read(a *frame.MethodArgs) {
	a.ReadUint16()
	m.Queue = a.ReadShortString()
	m.NoAck = a.ReadBit()
}

type BasicGetOk struct {
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
}

func (*BasicGetOk) ID() frame.MethodID { return frame.BasicGetOk }

func (m *BasicGetOk) write(b *frame.MethodArgsBuilder) {
	b.WriteUint64(m.DeliveryTag).
		WriteBit(m.Redelivered).
		WriteShortString(m.Exchange).
		WriteShortString(m.RoutingKey).
		WriteUint32(m.MessageCount)
}

func (m *BasicGetOk) read(a *frame.MethodArgs) {
	m.DeliveryTag = a.ReadUint64()
	m.Redelivered = a.ReadBit()
	m.Exchange = a.ReadShortString()
	m.RoutingKey = a.ReadShortString()
	m.MessageCount = a.ReadUint32()
}

type BasicGetEmpty struct{}

func (*BasicGetEmpty) ID() frame.MethodID {
	return frame.ID(protocol.ClassBasic, protocol.MethodBasicGetEmpty)
}

func (*BasicGetEmpty) write(b *frame.MethodArgsBuilder) { b.WriteShortString("") }
func (*BasicGetEmpty) read(a *frame.MethodArgs)         { a.ReadShortString() }

// BasicAck travels both ways: consumers acknowledge deliveries and brokers
// confirm publishes.
type BasicAck struct {
	DeliveryTag uint64
	Multiple    bool
}

func (*BasicAck) ID() frame.MethodID { return frame.ID(protocol.ClassBasic, protocol.MethodBasicAck) }

func (m *BasicAck) write(b *frame.MethodArgsBuilder) {
	b.WriteUint64(m.DeliveryTag).WriteBit(m.Multiple)
}

func (m *BasicAck) read(a *frame.MethodArgs) {
	m.DeliveryTag = a.ReadUint64()
	m.Multiple = a.ReadBit()
}

type BasicReject struct {
	DeliveryTag uint64
	Requeue     bool
}

func (*BasicReject) ID() frame.MethodID {
	return frame.ID(protocol.ClassBasic, protocol.MethodBasicReject)
}

func (m *BasicReject) write(b *frame.MethodArgsBuilder) {
	b.WriteUint64(m.DeliveryTag).WriteBit(m.Requeue)
}

func (m *BasicReject) read(a *frame.MethodArgs) {
	m.DeliveryTag = a.ReadUint64()
	m.Requeue = a.ReadBit()
}

type BasicRecoverAsync struct {
	Requeue bool
}

func (*BasicRecoverAsync) ID() frame.MethodID {
	return frame.ID(protocol.ClassBasic, protocol.MethodBasicRecoverAsync)
}

func (m *BasicRecoverAsync) write(b *frame.MethodArgsBuilder) { b.WriteBit(m.Requeue) }
func (m *BasicRecoverAsync) read(a *frame.MethodArgs)         { m.Requeue = a.ReadBit() }

type BasicRecover struct {
	Requeue bool
}

func (*BasicRecover) ID() frame.MethodID {
	return frame.ID(protocol.ClassBasic, protocol.MethodBasicRecover)
}

func (m *BasicRecover) write(b *frame.MethodArgsBuilder) { b.WriteBit(m.Requeue) }
func (m *BasicRecover) read(a *frame.MethodArgs)         { m.Requeue = a.ReadBit() }

type BasicRecoverOk struct{ empty }

func (*BasicRecoverOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassBasic, protocol.MethodBasicRecoverOk)
}

type BasicNack struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func (*BasicNack) ID() frame.MethodID { return frame.ID(protocol.ClassBasic, protocol.MethodBasicNack) }

func (m *BasicNack) write(b *frame.MethodArgsBuilder) {
	b.WriteUint64(m.DeliveryTag).WriteBit(m.Multiple).WriteBit(m.Requeue)
}

func (m *BasicNack) read(a *frame.MethodArgs) {
	m.DeliveryTag = a.ReadUint64()
	m.Multiple = a.ReadBit()
	m.Requeue = a.ReadBit()
}

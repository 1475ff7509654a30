package wire

import (
	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
)

func init() {
	register(
		func() Message { return &ChannelOpen{} },
		func() Message { return &ChannelOpenOk{} },
		func() Message { return &ChannelFlow{} },
		func() Message { return &ChannelFlowOk{} },
		func() Message { return &ChannelClose{} },
		func() Message { return &ChannelCloseOk{} },
	)
}

type ChannelOpen struct{}

func (*ChannelOpen) ID() frame.MethodID {
	return frame.ID(protocol.ClassChannel, protocol.MethodChannelOpen)
}

func (*ChannelOpen) write(b *frame.MethodArgsBuilder) { b.WriteShortString("") }
func (*ChannelOpen) read(a *frame.MethodArgs)         { a.ReadShortString() }

type ChannelOpenOk struct{}

func (*ChannelOpenOk) ID() frame.MethodID { return frame.ChannelOpenOk }

func (*ChannelOpenOk) write(b *frame.MethodArgsBuilder) { b.WriteLongString(nil) }
func (*ChannelOpenOk) read(a *frame.MethodArgs)         { a.ReadLongString() }

type ChannelFlow struct {
	Active bool
}

func (*ChannelFlow) ID() frame.MethodID {
	return frame.ID(protocol.ClassChannel, protocol.MethodChannelFlow)
}

func (m *ChannelFlow) write(b *frame.MethodArgsBuilder) { b.WriteBit(m.Active) }
func (m *ChannelFlow) read(a *frame.MethodArgs)         { m.Active = a.ReadBit() }

type ChannelFlowOk struct {
	Active bool
}

func (*ChannelFlowOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassChannel, protocol.MethodChannelFlowOk)
}

func (m *ChannelFlowOk) write(b *frame.MethodArgsBuilder) { b.WriteBit(m.Active) }
func (m *ChannelFlowOk) read(a *frame.MethodArgs)         { m.Active = a.ReadBit() }

type ChannelClose struct{ CloseArgs }

func (*ChannelClose) ID() frame.MethodID { return frame.ChannelClose }

type ChannelCloseOk struct{ empty }

func (*ChannelCloseOk) ID() frame.MethodID { return frame.ChannelCloseOk }

package wire

import (
	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
)

func init() {
	register(
		func() Message { return &ConnectionStart{} },
		func() Message { return &ConnectionStartOk{} },
		func() Message { return &ConnectionSecure{} },
		func() Message { return &ConnectionSecureOk{} },
		func() Message { return &ConnectionTune{} },
		func() Message { return &ConnectionTuneOk{} },
		func() Message { return &ConnectionOpen{} },
		func() Message { return &ConnectionOpenOk{} },
		func() Message { return &ConnectionClose{} },
		func() Message { return &ConnectionCloseOk{} },
		func() Message { return &ConnectionBlocked{} },
		func() Message { return &ConnectionUnblocked{} },
	)
}

type ConnectionStart struct {
	VersionMajor     uint8
	VersionMinor     uint8
	ServerProperties protocol.Table
	Mechanisms       string
	Locales          string
}

func (*ConnectionStart) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionStart)
}

func (m *ConnectionStart) write(b *frame.MethodArgsBuilder) {
	b.WriteUint8(m.VersionMajor).
		WriteUint8(m.VersionMinor).
		WriteTable(m.ServerProperties).
		WriteLongString([]byte(m.Mechanisms)).
		WriteLongString([]byte(m.Locales))
}

func (m *ConnectionStart) read(a *frame.MethodArgs) {
	m.VersionMajor = a.ReadUint8()
	m.VersionMinor = a.ReadUint8()
	m.ServerProperties = a.ReadTable()
	m.Mechanisms = string(a.ReadLongString())
	m.Locales = string(a.ReadLongString())
}

type ConnectionStartOk struct {
	ClientProperties protocol.Table
	Mechanism        string
	Response         string
	Locale           string
}

func (*ConnectionStartOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionStartOk)
}

func (m *ConnectionStartOk) write(b *frame.MethodArgsBuilder) {
	b.WriteTable(m.ClientProperties).
		WriteShortString(m.Mechanism).
		WriteLongString([]byte(m.Response)).
		WriteShortString(m.Locale)
}

func (m *ConnectionStartOk) read(a *frame.MethodArgs) {
	m.ClientProperties = a.ReadTable()
	m.Mechanism = a.ReadShortString()
	m.Response = string(a.ReadLongString())
	m.Locale = a.ReadShortString()
}

type ConnectionSecure struct {
	Challenge string
}

func (*ConnectionSecure) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionSecure)
}

func (m *ConnectionSecure) write(b *frame.MethodArgsBuilder) { b.WriteLongString([]byte(m.Challenge)) }
func (m *ConnectionSecure) read(a *frame.MethodArgs)         { m.Challenge = string(a.ReadLongString()) }

type ConnectionSecureOk struct {
	Response string
}

func (*ConnectionSecureOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionSecureOk)
}

func (m *ConnectionSecureOk) write(b *frame.MethodArgsBuilder) { b.WriteLongString([]byte(m.Response)) }
func (m *ConnectionSecureOk) read(a *frame.MethodArgs)         { m.Response = string(a.ReadLongString()) }

// ConnectionTune carries the server's limits. A zero means "no limit" for
// ChannelMax and FrameMax, and "disabled" for Heartbeat.
type ConnectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (*ConnectionTune) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionTune)
}

func (m *ConnectionTune) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.ChannelMax).WriteUint32(m.FrameMax).WriteUint16(m.Heartbeat)
}

func (m *ConnectionTune) read(a *frame.MethodArgs) {
	m.ChannelMax = a.ReadUint16()
	m.FrameMax = a.ReadUint32()
	m.Heartbeat = a.ReadUint16()
}

type ConnectionTuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (*ConnectionTuneOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionTuneOk)
}

func (m *ConnectionTuneOk) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(m.ChannelMax).WriteUint32(m.FrameMax).WriteUint16(m.Heartbeat)
}

func (m *ConnectionTuneOk) read(a *frame.MethodArgs) {
	m.ChannelMax = a.ReadUint16()
	m.FrameMax = a.ReadUint32()
	m.Heartbeat = a.ReadUint16()
}

type ConnectionOpen struct {
	VirtualHost string
}

func (*ConnectionOpen) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionOpen)
}

func (m *ConnectionOpen) write(b *frame.MethodArgsBuilder) {
	b.WriteShortString(m.VirtualHost).WriteShortString("").WriteBit(false)
}

func (m *ConnectionOpen) read(a *frame.MethodArgs) {
	m.VirtualHost = a.ReadShortString()
	a.ReadShortString()
	a.ReadBit()
}

type ConnectionOpenOk struct{}

func (*ConnectionOpenOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionOpenOk)
}

func (*ConnectionOpenOk) write(b *frame.MethodArgsBuilder) { b.WriteShortString("") }
func (*ConnectionOpenOk) read(a *frame.MethodArgs)         { a.ReadShortString() }

type ConnectionClose struct{ CloseArgs }

func (*ConnectionClose) ID() frame.MethodID { return frame.ConnectionClose }

type ConnectionCloseOk struct{ empty }

func (*ConnectionCloseOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionCloseOk)
}

type ConnectionBlocked struct {
	Reason string
}

func (*ConnectionBlocked) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionBlocked)
}

func (m *ConnectionBlocked) write(b *frame.MethodArgsBuilder) { b.WriteShortString(m.Reason) }
func (m *ConnectionBlocked) read(a *frame.MethodArgs)         { m.Reason = a.ReadShortString() }

type ConnectionUnblocked struct{ empty }

func (*ConnectionUnblocked) ID() frame.MethodID {
	return frame.ID(protocol.ClassConnection, protocol.MethodConnectionUnblocked)
}

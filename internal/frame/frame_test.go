package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbitmux/internal/protocol"
)

func TestMethodID(t *testing.T) {
	id := ID(protocol.ClassBasic, protocol.MethodBasicDeliver)
	assert.Equal(t, uint16(protocol.ClassBasic), id.Class())
	assert.Equal(t, uint16(protocol.MethodBasicDeliver), id.Method())
	assert.Equal(t, "basic.deliver", id.String())
	assert.Equal(t, "99.1", ID(99, 1).String())
}

func TestFrameParsing(t *testing.T) {
	t.Run("method", func(t *testing.T) {
		args := []byte{0x01, 0x02, 0x03}
		f := NewMethodFrame(1, ChannelClose, args)
		assert.Equal(t, uint8(protocol.FrameMethod), f.Type)
		assert.Equal(t, uint16(1), f.Channel)

		m, err := f.ParseMethod()
		require.NoError(t, err)
		assert.Equal(t, ChannelClose, m.ID)
		assert.Equal(t, args, m.Args)
	})

	t.Run("header", func(t *testing.T) {
		props := []byte{0x80, 0x00, 0x01, 0x02}
		f := NewHeaderFrame(1, protocol.ClassBasic, 1024, props)

		h, err := f.ParseHeader()
		require.NoError(t, err)
		assert.Equal(t, uint16(protocol.ClassBasic), h.Class)
		assert.Equal(t, uint64(1024), h.BodySize)
		assert.Equal(t, props, h.Properties)
	})

	t.Run("wrong frame type", func(t *testing.T) {
		f := NewHeartbeatFrame()
		_, err := f.ParseMethod()
		assert.Error(t, err)
		_, err = f.ParseHeader()
		assert.Error(t, err)
	})

	t.Run("short method payload", func(t *testing.T) {
		f := &Frame{Type: protocol.FrameMethod, Payload: []byte{0, 20}}
		_, err := f.ParseMethod()
		assert.Error(t, err)
	})
}

func TestMethodArgsRoundTrip(t *testing.T) {
	data, err := NewMethodArgsBuilder().
		WriteUint16(0).
		WriteShortString("orders").
		WriteBit(true).
		WriteBit(false).
		WriteBit(true).
		WriteUint32(4294967295).
		WriteUint64(1 << 62).
		WriteLongString([]byte("long string data")).
		WriteTable(protocol.Table{"key": "value"}).
		Bytes()
	require.NoError(t, err)

	args := NewMethodArgs(data)
	assert.Equal(t, uint16(0), args.ReadUint16())
	assert.Equal(t, "orders", args.ReadShortString())
	assert.True(t, args.ReadBit())
	assert.False(t, args.ReadBit())
	assert.True(t, args.ReadBit())
	assert.Equal(t, uint32(4294967295), args.ReadUint32())
	assert.Equal(t, uint64(1<<62), args.ReadUint64())
	assert.Equal(t, []byte("long string data"), args.ReadLongString())
	assert.Equal(t, protocol.Table{"key": "value"}, args.ReadTable())
	assert.NoError(t, args.Err())
}

func TestBitPacking(t *testing.T) {
	data, err := NewMethodArgsBuilder().
		WriteBit(true).WriteBit(false).WriteBit(true).
		Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, data)

	b := NewMethodArgsBuilder()
	for i := 0; i < 9; i++ {
		b.WriteBit(true)
	}
	data, err = b.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x01}, data)
}

func TestMethodArgsStickyError(t *testing.T) {
	args := NewMethodArgs([]byte{0x00})
	assert.Equal(t, uint16(0), args.ReadUint16())
	assert.Equal(t, "", args.ReadShortString())
	assert.Error(t, args.Err())

	_, err := NewMethodArgsBuilder().
		WriteShortString(string(bytes.Repeat([]byte{'a'}, 300))).
		WriteUint8(1).
		Bytes()
	assert.Error(t, err)
}

func TestContentFramesSplitsBody(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 10000)
	frames := ContentFrames(3, BasicPublish, []byte{0}, []byte{0, 0}, body, protocol.FrameMinSize)

	require.Len(t, frames, 5)
	assert.Equal(t, uint8(protocol.FrameMethod), frames[0].Type)
	assert.Equal(t, uint8(protocol.FrameHeader), frames[1].Type)

	var joined []byte
	for _, f := range frames[2:] {
		assert.Equal(t, uint8(protocol.FrameBody), f.Type)
		assert.LessOrEqual(t, len(f.Payload)+protocol.FrameOverhead, protocol.FrameMinSize)
		joined = append(joined, f.Payload...)
	}
	assert.Equal(t, body, joined)
}

func TestContentFramesEmptyBody(t *testing.T) {
	frames := ContentFrames(3, BasicPublish, nil, nil, nil, 0)
	require.Len(t, frames, 2)

	h, err := frames[1].ParseHeader()
	require.NoError(t, err)
	assert.Zero(t, h.BodySize)
}

func TestFrameString(t *testing.T) {
	assert.Contains(t, NewMethodFrame(1, ChannelClose, nil).String(), "METHOD")
	assert.Contains(t, NewHeaderFrame(1, 60, 0, nil).String(), "HEADER")
	assert.Contains(t, NewBodyFrame(1, nil).String(), "BODY")
	assert.Contains(t, NewHeartbeatFrame().String(), "HEARTBEAT")
}

func BenchmarkMethodArgsParsing(b *testing.B) {
	data, _ := NewMethodArgsBuilder().
		WriteUint16(100).
		WriteShortString("test").
		WriteBit(true).
		Bytes()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		args := NewMethodArgs(data)
		args.ReadUint16()
		args.ReadShortString()
		args.ReadBit()
	}
}

package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/israelio/rabbitmux/internal/protocol"
)

// MethodID packs a class id and a method id into a single comparable key.
type MethodID uint32

// ID builds the MethodID for class.method.
func ID(class, method uint16) MethodID {
	return MethodID(uint32(class)<<16 | uint32(method))
}

// Class returns the class id.
func (id MethodID) Class() uint16 { return uint16(id >> 16) }

// Method returns the method id within its class.
func (id MethodID) Method() uint16 { return uint16(id) }

func (id MethodID) String() string {
	if name, ok := methodNames[id]; ok {
		return name
	}
	return fmt.Sprintf("%d.%d", id.Class(), id.Method())
}

// Frequently matched ids.
var (
	ChannelOpenOk   = ID(protocol.ClassChannel, protocol.MethodChannelOpenOk)
	ChannelClose    = ID(protocol.ClassChannel, protocol.MethodChannelClose)
	ChannelCloseOk  = ID(protocol.ClassChannel, protocol.MethodChannelCloseOk)
	BasicPublish    = ID(protocol.ClassBasic, protocol.MethodBasicPublish)
	BasicReturn     = ID(protocol.ClassBasic, protocol.MethodBasicReturn)
	BasicDeliver    = ID(protocol.ClassBasic, protocol.MethodBasicDeliver)
	BasicGetOk      = ID(protocol.ClassBasic, protocol.MethodBasicGetOk)
	ConnectionClose = ID(protocol.ClassConnection, protocol.MethodConnectionClose)
)

var methodNames = map[MethodID]string{
	ID(protocol.ClassConnection, protocol.MethodConnectionStart):     "connection.start",
	ID(protocol.ClassConnection, protocol.MethodConnectionStartOk):   "connection.start-ok",
	ID(protocol.ClassConnection, protocol.MethodConnectionTune):      "connection.tune",
	ID(protocol.ClassConnection, protocol.MethodConnectionTuneOk):    "connection.tune-ok",
	ID(protocol.ClassConnection, protocol.MethodConnectionOpen):      "connection.open",
	ID(protocol.ClassConnection, protocol.MethodConnectionOpenOk):    "connection.open-ok",
	ID(protocol.ClassConnection, protocol.MethodConnectionClose):     "connection.close",
	ID(protocol.ClassConnection, protocol.MethodConnectionCloseOk):   "connection.close-ok",
	ID(protocol.ClassConnection, protocol.MethodConnectionBlocked):   "connection.blocked",
	ID(protocol.ClassConnection, protocol.MethodConnectionUnblocked): "connection.unblocked",
	ID(protocol.ClassChannel, protocol.MethodChannelOpen):            "channel.open",
	ID(protocol.ClassChannel, protocol.MethodChannelOpenOk):          "channel.open-ok",
	ID(protocol.ClassChannel, protocol.MethodChannelFlow):            "channel.flow",
	ID(protocol.ClassChannel, protocol.MethodChannelFlowOk):          "channel.flow-ok",
	ID(protocol.ClassChannel, protocol.MethodChannelClose):           "channel.close",
	ID(protocol.ClassChannel, protocol.MethodChannelCloseOk):         "channel.close-ok",
	ID(protocol.ClassExchange, protocol.MethodExchangeDeclare):       "exchange.declare",
	ID(protocol.ClassExchange, protocol.MethodExchangeDeclareOk):     "exchange.declare-ok",
	ID(protocol.ClassExchange, protocol.MethodExchangeDelete):        "exchange.delete",
	ID(protocol.ClassExchange, protocol.MethodExchangeDeleteOk):      "exchange.delete-ok",
	ID(protocol.ClassExchange, protocol.MethodExchangeBind):          "exchange.bind",
	ID(protocol.ClassExchange, protocol.MethodExchangeBindOk):        "exchange.bind-ok",
	ID(protocol.ClassExchange, protocol.MethodExchangeUnbind):        "exchange.unbind",
	ID(protocol.ClassExchange, protocol.MethodExchangeUnbindOk):      "exchange.unbind-ok",
	ID(protocol.ClassQueue, protocol.MethodQueueDeclare):             "queue.declare",
	ID(protocol.ClassQueue, protocol.MethodQueueDeclareOk):           "queue.declare-ok",
	ID(protocol.ClassQueue, protocol.MethodQueueBind):                "queue.bind",
	ID(protocol.ClassQueue, protocol.MethodQueueBindOk):              "queue.bind-ok",
	ID(protocol.ClassQueue, protocol.MethodQueuePurge):               "queue.purge",
	ID(protocol.ClassQueue, protocol.MethodQueuePurgeOk):             "queue.purge-ok",
	ID(protocol.ClassQueue, protocol.MethodQueueDelete):              "queue.delete",
	ID(protocol.ClassQueue, protocol.MethodQueueDeleteOk):            "queue.delete-ok",
	ID(protocol.ClassQueue, protocol.MethodQueueUnbind):              "queue.unbind",
	ID(protocol.ClassQueue, protocol.MethodQueueUnbindOk):            "queue.unbind-ok",
	ID(protocol.ClassBasic, protocol.MethodBasicQos):                 "basic.qos",
	ID(protocol.ClassBasic, protocol.MethodBasicQosOk):               "basic.qos-ok",
	ID(protocol.ClassBasic, protocol.MethodBasicConsume):             "basic.consume",
	ID(protocol.ClassBasic, protocol.MethodBasicConsumeOk):           "basic.consume-ok",
	ID(protocol.ClassBasic, protocol.MethodBasicCancel):              "basic.cancel",
	ID(protocol.ClassBasic, protocol.MethodBasicCancelOk):            "basic.cancel-ok",
	ID(protocol.ClassBasic, protocol.MethodBasicPublish):             "basic.publish",
	ID(protocol.ClassBasic, protocol.MethodBasicReturn):              "basic.return",
	ID(protocol.ClassBasic, protocol.MethodBasicDeliver):             "basic.deliver",
	ID(protocol.ClassBasic, protocol.MethodBasicGet):                 "basic.get",
	ID(protocol.ClassBasic, protocol.MethodBasicGetOk):               "basic.get-ok",
	ID(protocol.ClassBasic, protocol.MethodBasicGetEmpty):            "basic.get-empty",
	ID(protocol.ClassBasic, protocol.MethodBasicAck):                 "basic.ack",
	ID(protocol.ClassBasic, protocol.MethodBasicReject):              "basic.reject",
	ID(protocol.ClassBasic, protocol.MethodBasicRecoverAsync):        "basic.recover-async",
	ID(protocol.ClassBasic, protocol.MethodBasicRecover):             "basic.recover",
	ID(protocol.ClassBasic, protocol.MethodBasicRecoverOk):           "basic.recover-ok",
	ID(protocol.ClassBasic, protocol.MethodBasicNack):                "basic.nack",
	ID(protocol.ClassConfirm, protocol.MethodConfirmSelect):          "confirm.select",
	ID(protocol.ClassConfirm, protocol.MethodConfirmSelectOk):        "confirm.select-ok",
	ID(protocol.ClassTx, protocol.MethodTxSelect):                    "tx.select",
	ID(protocol.ClassTx, protocol.MethodTxSelectOk):                  "tx.select-ok",
	ID(protocol.ClassTx, protocol.MethodTxCommit):                    "tx.commit",
	ID(protocol.ClassTx, protocol.MethodTxCommitOk):                  "tx.commit-ok",
	ID(protocol.ClassTx, protocol.MethodTxRollback):                  "tx.rollback",
	ID(protocol.ClassTx, protocol.MethodTxRollbackOk):                "tx.rollback-ok",
}

// CarriesContent reports whether a method is followed by a content header
// and body frames.
func CarriesContent(id MethodID) bool {
	switch id {
	case BasicPublish, BasicReturn, BasicDeliver, BasicGetOk:
		return true
	}
	return false
}

// Frame is a single AMQP frame as it travels on the wire, minus the end octet.
type Frame struct {
	Type    uint8
	Channel uint16
	Payload []byte
}

// Method is a decoded method frame payload.
type Method struct {
	ID   MethodID
	Args []byte
}

// Header is a decoded content header frame payload.
type Header struct {
	Class      uint16
	BodySize   uint64
	Properties []byte
}

// NewMethodFrame creates a method frame for id with the encoded arguments.
func NewMethodFrame(channel uint16, id MethodID, args []byte) *Frame {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], id.Class())
	binary.BigEndian.PutUint16(payload[2:4], id.Method())
	copy(payload[4:], args)

	return &Frame{Type: protocol.FrameMethod, Channel: channel, Payload: payload}
}

// NewHeaderFrame creates a content header frame. Weight is always zero.
func NewHeaderFrame(channel uint16, class uint16, bodySize uint64, properties []byte) *Frame {
	payload := make([]byte, protocol.ContentHeaderLen+len(properties))
	binary.BigEndian.PutUint16(payload[0:2], class)
	binary.BigEndian.PutUint64(payload[4:12], bodySize)
	copy(payload[protocol.ContentHeaderLen:], properties)

	return &Frame{Type: protocol.FrameHeader, Channel: channel, Payload: payload}
}

// NewBodyFrame creates a content body frame.
func NewBodyFrame(channel uint16, data []byte) *Frame {
	return &Frame{Type: protocol.FrameBody, Channel: channel, Payload: data}
}

// NewHeartbeatFrame creates a heartbeat frame. Heartbeats always travel on
// channel 0.
func NewHeartbeatFrame() *Frame {
	return &Frame{Type: protocol.FrameHeartbeat}
}

// ContentFrames builds the method, header and body frames for a
// content-carrying method. Bodies are split so that no frame exceeds
// frameMax; a frameMax of 0 means no limit.
func ContentFrames(channel uint16, id MethodID, args []byte, properties []byte, body []byte, frameMax uint32) []*Frame {
	chunk := len(body)
	if frameMax > 0 {
		chunk = int(frameMax) - protocol.FrameOverhead
	}

	frames := make([]*Frame, 0, 3)
	frames = append(frames,
		NewMethodFrame(channel, id, args),
		NewHeaderFrame(channel, id.Class(), uint64(len(body)), properties),
	)
	for off := 0; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		frames = append(frames, NewBodyFrame(channel, body[off:end]))
	}
	return frames
}

// ParseMethod decodes the payload of a method frame.
func (f *Frame) ParseMethod() (*Method, error) {
	if f.Type != protocol.FrameMethod {
		return nil, fmt.Errorf("not a method frame: type=%d", f.Type)
	}
	if len(f.Payload) < 4 {
		return nil, fmt.Errorf("method frame payload too short: %d", len(f.Payload))
	}

	return &Method{
		ID:   ID(binary.BigEndian.Uint16(f.Payload[0:2]), binary.BigEndian.Uint16(f.Payload[2:4])),
		Args: f.Payload[4:],
	}, nil
}

// ParseHeader decodes the payload of a content header frame.
func (f *Frame) ParseHeader() (*Header, error) {
	if f.Type != protocol.FrameHeader {
		return nil, fmt.Errorf("not a header frame: type=%d", f.Type)
	}
	if len(f.Payload) < protocol.ContentHeaderLen {
		return nil, fmt.Errorf("header frame payload too short: %d", len(f.Payload))
	}

	return &Header{
		Class:      binary.BigEndian.Uint16(f.Payload[0:2]),
		BodySize:   binary.BigEndian.Uint64(f.Payload[4:12]),
		Properties: f.Payload[protocol.ContentHeaderLen:],
	}, nil
}

func (f *Frame) String() string {
	var kind string
	switch f.Type {
	case protocol.FrameMethod:
		kind = "METHOD"
	case protocol.FrameHeader:
		kind = "HEADER"
	case protocol.FrameBody:
		kind = "BODY"
	case protocol.FrameHeartbeat:
		kind = "HEARTBEAT"
	default:
		kind = fmt.Sprintf("UNKNOWN(%d)", f.Type)
	}

	return fmt.Sprintf("Frame{type=%s, channel=%d, size=%d}", kind, f.Channel, len(f.Payload))
}

// MethodArgs reads method arguments in order. The first failure is sticky:
// later reads return zero values and Err reports it.
type MethodArgs struct {
	buf  *bytes.Reader
	bits byte
	nbit uint
	err  error
}

// NewMethodArgs wraps encoded method arguments.
func NewMethodArgs(data []byte) *MethodArgs {
	return &MethodArgs{buf: bytes.NewReader(data)}
}

// Err returns the first error encountered while reading.
func (ma *MethodArgs) Err() error { return ma.err }

func (ma *MethodArgs) read(v interface{}) {
	ma.nbit = 0
	if ma.err != nil {
		return
	}
	ma.err = binary.Read(ma.buf, binary.BigEndian, v)
}

// ReadBit reads the next packed bit. Consecutive bits share an octet, least
// significant bit first.
func (ma *MethodArgs) ReadBit() bool {
	if ma.err != nil {
		return false
	}
	if ma.nbit == 0 || ma.nbit == 8 {
		b, err := ma.buf.ReadByte()
		if err != nil {
			ma.err = err
			return false
		}
		ma.bits, ma.nbit = b, 0
	}
	v := ma.bits&(1<<ma.nbit) != 0
	ma.nbit++
	return v
}

func (ma *MethodArgs) ReadUint8() (v uint8) {
	ma.read(&v)
	return v
}

func (ma *MethodArgs) ReadUint16() (v uint16) {
	ma.read(&v)
	return v
}

func (ma *MethodArgs) ReadUint32() (v uint32) {
	ma.read(&v)
	return v
}

func (ma *MethodArgs) ReadUint64() (v uint64) {
	ma.read(&v)
	return v
}

func (ma *MethodArgs) ReadShortString() string {
	ma.nbit = 0
	if ma.err != nil {
		return ""
	}
	s, err := protocol.ReadShortString(ma.buf)
	ma.err = err
	return s
}

func (ma *MethodArgs) ReadLongString() []byte {
	ma.nbit = 0
	if ma.err != nil {
		return nil
	}
	b, err := protocol.ReadLongString(ma.buf)
	ma.err = err
	return b
}

func (ma *MethodArgs) ReadTable() protocol.Table {
	ma.nbit = 0
	if ma.err != nil {
		return nil
	}
	t, err := protocol.ReadTable(ma.buf)
	ma.err = err
	return t
}

// MethodArgsBuilder encodes method arguments in order. Like MethodArgs the
// first failure is sticky and reported by Bytes.
type MethodArgsBuilder struct {
	buf  bytes.Buffer
	bits []bool
	err  error
}

// NewMethodArgsBuilder creates an empty builder.
func NewMethodArgsBuilder() *MethodArgsBuilder {
	return &MethodArgsBuilder{}
}

// flushBits packs pending bits, 8 per octet, least significant bit first.
// Example: [true, false, true] becomes 0x05.
func (mab *MethodArgsBuilder) flushBits() {
	if len(mab.bits) == 0 {
		return
	}
	var packed byte
	for i, bit := range mab.bits {
		if bit {
			packed |= 1 << uint(i%8)
		}
		if i%8 == 7 || i == len(mab.bits)-1 {
			mab.buf.WriteByte(packed)
			packed = 0
		}
	}
	mab.bits = mab.bits[:0]
}

func (mab *MethodArgsBuilder) write(v interface{}) *MethodArgsBuilder {
	mab.flushBits()
	if mab.err == nil {
		mab.err = binary.Write(&mab.buf, binary.BigEndian, v)
	}
	return mab
}

// WriteBit queues a bit. Adjacent bits are packed into shared octets.
func (mab *MethodArgsBuilder) WriteBit(v bool) *MethodArgsBuilder {
	mab.bits = append(mab.bits, v)
	return mab
}

func (mab *MethodArgsBuilder) WriteUint8(v uint8) *MethodArgsBuilder   { return mab.write(v) }
func (mab *MethodArgsBuilder) WriteUint16(v uint16) *MethodArgsBuilder { return mab.write(v) }
func (mab *MethodArgsBuilder) WriteUint32(v uint32) *MethodArgsBuilder { return mab.write(v) }
func (mab *MethodArgsBuilder) WriteUint64(v uint64) *MethodArgsBuilder { return mab.write(v) }

func (mab *MethodArgsBuilder) WriteShortString(s string) *MethodArgsBuilder {
	mab.flushBits()
	if mab.err == nil {
		mab.err = protocol.WriteShortString(&mab.buf, s)
	}
	return mab
}

func (mab *MethodArgsBuilder) WriteLongString(data []byte) *MethodArgsBuilder {
	mab.flushBits()
	if mab.err == nil {
		mab.err = protocol.WriteLongString(&mab.buf, data)
	}
	return mab
}

func (mab *MethodArgsBuilder) WriteTable(table protocol.Table) *MethodArgsBuilder {
	mab.flushBits()
	if mab.err == nil {
		mab.err = protocol.WriteTable(&mab.buf, table)
	}
	return mab
}

// Bytes returns the encoded arguments or the first encoding error.
func (mab *MethodArgsBuilder) Bytes() ([]byte, error) {
	mab.flushBits()
	if mab.err != nil {
		return nil, mab.err
	}
	return mab.buf.Bytes(), nil
}

// ErrUnexpectedFrame is returned when frames arrive out of the
// method/header/body order a channel expects.
var ErrUnexpectedFrame = errors.New("unexpected frame")

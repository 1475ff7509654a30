package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/israelio/rabbitmux/internal/protocol"
)

// Reader reads AMQP frames from a connection. It is owned by a single
// goroutine.
type Reader struct {
	r         *bufio.Reader
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewReader creates a frame reader. maxFrameSize bounds the whole frame
// including its overhead; zero means the protocol minimum until tuning.
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}

	return &Reader{
		r:        bufio.NewReaderSize(r, protocol.FrameMinSize*2),
		maxFrame: maxFrameSize,
	}
}

// ReadFrame reads a single frame.
func (fr *Reader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.headerBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	kind := fr.headerBuf[0]
	channel := binary.BigEndian.Uint16(fr.headerBuf[1:3])
	size := binary.BigEndian.Uint32(fr.headerBuf[3:7])

	if !isValidFrameType(kind) {
		return nil, fmt.Errorf("invalid frame type: %d", kind)
	}
	if uint64(size)+protocol.FrameOverhead > uint64(fr.maxFrame) {
		return nil, fmt.Errorf("frame too large: %d > %d", uint64(size)+protocol.FrameOverhead, fr.maxFrame)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	end, err := fr.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read frame end: %w", err)
	}
	if end != protocol.FrameEnd {
		return nil, fmt.Errorf("invalid frame end marker: 0x%02X (expected 0x%02X)", end, protocol.FrameEnd)
	}

	return &Frame{Type: kind, Channel: channel, Payload: payload}, nil
}

// ReadProtocolHeader reads an 8-byte protocol header. Brokers answer a
// header they cannot speak with their own before closing the socket.
func (fr *Reader) ReadProtocolHeader() (string, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(fr.r, header); err != nil {
		return "", fmt.Errorf("read protocol header: %w", err)
	}
	return string(header), nil
}

// SetMaxFrameSize applies the negotiated frame-max.
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fr.maxFrame = size
	}
}

func isValidFrameType(kind uint8) bool {
	switch kind {
	case protocol.FrameMethod, protocol.FrameHeader, protocol.FrameBody, protocol.FrameHeartbeat:
		return true
	}
	return false
}

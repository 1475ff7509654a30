package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/israelio/rabbitmux/internal/protocol"
)

// Writer writes AMQP frames to a connection. It is shared by every channel
// on the connection; all methods are safe for concurrent use.
type Writer struct {
	mu        sync.Mutex
	w         *bufio.Writer
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewWriter creates a frame writer. A maxFrameSize of zero means the
// protocol minimum until tuning.
func NewWriter(w io.Writer, maxFrameSize uint32) *Writer {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}

	return &Writer{
		w:        bufio.NewWriterSize(w, protocol.FrameMinSize*2),
		maxFrame: maxFrameSize,
	}
}

// WriteFrame writes and flushes a single frame.
func (fw *Writer) WriteFrame(f *Frame) error {
	return fw.WriteFrames(f)
}

// WriteFrames writes a group of frames with no other frame interleaved and
// flushes once. Publishing uses it for method, header and body frames so
// content sequences from different channels never mix on the wire.
func (fw *Writer) WriteFrames(frames ...*Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	for _, f := range frames {
		if uint64(len(f.Payload))+protocol.FrameOverhead > uint64(fw.maxFrame) {
			return fmt.Errorf("frame too large: %d > %d", len(f.Payload)+protocol.FrameOverhead, fw.maxFrame)
		}
	}
	for _, f := range frames {
		if err := fw.write(f); err != nil {
			return err
		}
	}

	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush frames: %w", err)
	}
	return nil
}

func (fw *Writer) write(f *Frame) error {
	fw.headerBuf[0] = f.Type
	binary.BigEndian.PutUint16(fw.headerBuf[1:3], f.Channel)
	binary.BigEndian.PutUint32(fw.headerBuf[3:7], uint32(len(f.Payload)))

	if _, err := fw.w.Write(fw.headerBuf[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := fw.w.Write(f.Payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	if err := fw.w.WriteByte(protocol.FrameEnd); err != nil {
		return fmt.Errorf("write frame end: %w", err)
	}
	return nil
}

// WriteProtocolHeader writes the 8-byte header that opens a connection.
func (fw *Writer) WriteProtocolHeader(header string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.WriteString(header); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush protocol header: %w", err)
	}
	return nil
}

// SetMaxFrameSize applies the negotiated frame-max.
func (fw *Writer) SetMaxFrameSize(size uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if size > 0 {
		fw.maxFrame = size
	}
}

// MaxFrameSize returns the frame-max currently enforced.
func (fw *Writer) MaxFrameSize() uint32 {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.maxFrame
}

package frame

import (
	"fmt"

	"github.com/israelio/rabbitmux/internal/protocol"
)

// Command is a complete inbound unit: a method and, for content-carrying
// methods, its header and reassembled body.
type Command struct {
	Method *Method
	Header *Header
	Body   []byte
}

// HasContent reports whether the command carries a content header.
func (c *Command) HasContent() bool { return c.Header != nil }

// Assembler turns the frame stream of one channel into commands. A
// content-carrying method is held until its header and enough body frames
// have arrived to cover the declared body size. Not safe for concurrent use.
type Assembler struct {
	method *Method
	header *Header
	body   []byte
}

// Push feeds one frame. It returns a command once one is complete, nil while
// content is still outstanding, or an error wrapping ErrUnexpectedFrame when
// the frame sequence is invalid. After an error the assembler is reset.
func (a *Assembler) Push(f *Frame) (*Command, error) {
	cmd, err := a.push(f)
	if err != nil {
		a.Reset()
	}
	return cmd, err
}

func (a *Assembler) push(f *Frame) (*Command, error) {
	switch f.Type {
	case protocol.FrameMethod:
		if a.method != nil {
			return nil, fmt.Errorf("%w: method frame while %s content is incomplete", ErrUnexpectedFrame, a.method.ID)
		}
		m, err := f.ParseMethod()
		if err != nil {
			return nil, err
		}
		if !CarriesContent(m.ID) {
			return &Command{Method: m}, nil
		}
		a.method = m
		return nil, nil

	case protocol.FrameHeader:
		if a.method == nil || a.header != nil {
			return nil, fmt.Errorf("%w: content header without a pending method", ErrUnexpectedFrame)
		}
		h, err := f.ParseHeader()
		if err != nil {
			return nil, err
		}
		if h.Class != a.method.ID.Class() {
			return nil, fmt.Errorf("%w: header class %d does not match %s", ErrUnexpectedFrame, h.Class, a.method.ID)
		}
		a.header = h
		if h.BodySize == 0 {
			return a.complete(), nil
		}
		return nil, nil

	case protocol.FrameBody:
		if a.header == nil {
			return nil, fmt.Errorf("%w: body frame without a content header", ErrUnexpectedFrame)
		}
		if uint64(len(a.body))+uint64(len(f.Payload)) > a.header.BodySize {
			return nil, fmt.Errorf("%w: body exceeds declared size %d", ErrUnexpectedFrame, a.header.BodySize)
		}
		a.body = append(a.body, f.Payload...)
		if uint64(len(a.body)) == a.header.BodySize {
			return a.complete(), nil
		}
		return nil, nil
	}

	return nil, fmt.Errorf("%w: frame type %d", ErrUnexpectedFrame, f.Type)
}

func (a *Assembler) complete() *Command {
	cmd := &Command{Method: a.method, Header: a.header, Body: a.body}
	if cmd.Body == nil {
		cmd.Body = []byte{}
	}
	a.method, a.header, a.body = nil, nil, nil
	return cmd
}

// Pending reports whether a content-carrying method is still being assembled.
func (a *Assembler) Pending() bool { return a.method != nil }

// Reset drops any partially assembled content.
func (a *Assembler) Reset() {
	a.method, a.header, a.body = nil, nil, nil
}

// Package wire holds typed AMQP method arguments and their codec.
//
// Every method the client sends or receives has a struct here. Encode turns
// one into frame arguments and Decode goes the other way, keyed on the
// method id of an inbound frame.
package wire

import (
	"fmt"

	"github.com/israelio/rabbitmux/internal/frame"
)

// Message is a typed method.
type Message interface {
	ID() frame.MethodID
	write(*frame.MethodArgsBuilder)
	read(*frame.MethodArgs)
}

// Encode serialises the arguments of m.
func Encode(m Message) ([]byte, error) {
	b := frame.NewMethodArgsBuilder()
	m.write(b)
	args, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.ID(), err)
	}
	return args, nil
}

// Frame encodes m into a method frame on channel.
func Frame(channel uint16, m Message) (*frame.Frame, error) {
	args, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return frame.NewMethodFrame(channel, m.ID(), args), nil
}

// Decode parses an inbound method into its typed form.
func Decode(m *frame.Method) (Message, error) {
	ctor, ok := registry[m.ID]
	if !ok {
		return nil, fmt.Errorf("unknown method %s", m.ID)
	}
	msg := ctor()
	args := frame.NewMethodArgs(m.Args)
	msg.read(args)
	if err := args.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.ID, err)
	}
	return msg, nil
}

// DecodeInto parses an inbound method into dst, which must be the typed
// form of m's id.
func DecodeInto(m *frame.Method, dst Message) error {
	if dst.ID() != m.ID {
		return fmt.Errorf("decode %s into %s", m.ID, dst.ID())
	}
	args := frame.NewMethodArgs(m.Args)
	dst.read(args)
	if err := args.Err(); err != nil {
		return fmt.Errorf("decode %s: %w", m.ID, err)
	}
	return nil
}

var registry = map[frame.MethodID]func() Message{}

func register(ctors ...func() Message) {
	for _, ctor := range ctors {
		registry[ctor().ID()] = ctor
	}
}

// CloseArgs are the arguments shared by connection.close and channel.close.
type CloseArgs struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (c *CloseArgs) write(b *frame.MethodArgsBuilder) {
	b.WriteUint16(c.ReplyCode).
		WriteShortString(c.ReplyText).
		WriteUint16(c.ClassID).
		WriteUint16(c.MethodID)
}

func (c *CloseArgs) read(a *frame.MethodArgs) {
	c.ReplyCode = a.ReadUint16()
	c.ReplyText = a.ReadShortString()
	c.ClassID = a.ReadUint16()
	c.MethodID = a.ReadUint16()
}

// empty is embedded by methods without arguments.
type empty struct{}

func (empty) write(*frame.MethodArgsBuilder) {}
func (empty) read(*frame.MethodArgs)         {}

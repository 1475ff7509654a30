package rabbitmq

import (
	"fmt"
	"time"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
)

// Table is an alias for AMQP field table
type Table = protocol.Table

// Properties are the basic-class content properties of a message.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string
}

// Publishing represents a message to publish
type Publishing struct {
	Properties
	Body []byte
}

// Property presence flags, most significant bit first.
const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationId   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageId       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserId          = 0x0010
	flagAppId           = 0x0008
)

// EncodeProperties encodes properties as they follow the fixed part of a
// content header: a flag word, then each present field in order.
func EncodeProperties(p Properties) ([]byte, error) {
	var flags uint16
	set := func(present bool, flag uint16) {
		if present {
			flags |= flag
		}
	}
	set(p.ContentType != "", flagContentType)
	set(p.ContentEncoding != "", flagContentEncoding)
	set(len(p.Headers) > 0, flagHeaders)
	set(p.DeliveryMode != 0, flagDeliveryMode)
	set(p.Priority != 0, flagPriority)
	set(p.CorrelationId != "", flagCorrelationId)
	set(p.ReplyTo != "", flagReplyTo)
	set(p.Expiration != "", flagExpiration)
	set(p.MessageId != "", flagMessageId)
	set(!p.Timestamp.IsZero(), flagTimestamp)
	set(p.Type != "", flagType)
	set(p.UserId != "", flagUserId)
	set(p.AppId != "", flagAppId)

	b := frame.NewMethodArgsBuilder().WriteUint16(flags)
	str := func(flag uint16, s string) {
		if flags&flag != 0 {
			b.WriteShortString(s)
		}
	}
	str(flagContentType, p.ContentType)
	str(flagContentEncoding, p.ContentEncoding)
	if flags&flagHeaders != 0 {
		b.WriteTable(p.Headers)
	}
	if flags&flagDeliveryMode != 0 {
		b.WriteUint8(p.DeliveryMode)
	}
	if flags&flagPriority != 0 {
		b.WriteUint8(p.Priority)
	}
	str(flagCorrelationId, p.CorrelationId)
	str(flagReplyTo, p.ReplyTo)
	str(flagExpiration, p.Expiration)
	str(flagMessageId, p.MessageId)
	if flags&flagTimestamp != 0 {
		b.WriteUint64(uint64(p.Timestamp.Unix()))
	}
	str(flagType, p.Type)
	str(flagUserId, p.UserId)
	str(flagAppId, p.AppId)

	data, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return data, nil
}

// DecodeProperties is the inverse of EncodeProperties.
func DecodeProperties(data []byte) (Properties, error) {
	var p Properties
	a := frame.NewMethodArgs(data)
	flags := a.ReadUint16()

	str := func(flag uint16, dst *string) {
		if flags&flag != 0 {
			*dst = a.ReadShortString()
		}
	}
	str(flagContentType, &p.ContentType)
	str(flagContentEncoding, &p.ContentEncoding)
	if flags&flagHeaders != 0 {
		p.Headers = a.ReadTable()
	}
	if flags&flagDeliveryMode != 0 {
		p.DeliveryMode = a.ReadUint8()
	}
	if flags&flagPriority != 0 {
		p.Priority = a.ReadUint8()
	}
	str(flagCorrelationId, &p.CorrelationId)
	str(flagReplyTo, &p.ReplyTo)
	str(flagExpiration, &p.Expiration)
	str(flagMessageId, &p.MessageId)
	if flags&flagTimestamp != 0 {
		p.Timestamp = time.Unix(int64(a.ReadUint64()), 0)
	}
	str(flagType, &p.Type)
	str(flagUserId, &p.UserId)
	str(flagAppId, &p.AppId)

	if err := a.Err(); err != nil {
		return Properties{}, fmt.Errorf("decode properties: %w", err)
	}
	return p, nil
}

// Predefined message properties
var (
	// MinimalBasic is an empty set of properties
	MinimalBasic = Properties{}

	// MinimalPersistentBasic has only persistent delivery mode
	MinimalPersistentBasic = Properties{
		DeliveryMode: protocol.DeliveryModePersistent,
	}

	// Basic is basic properties with default content type
	Basic = Properties{
		ContentType:  "application/octet-stream",
		DeliveryMode: protocol.DeliveryModeTransient,
	}

	// PersistentBasic is basic properties with persistent delivery
	PersistentBasic = Properties{
		ContentType:  "application/octet-stream",
		DeliveryMode: protocol.DeliveryModePersistent,
	}

	// TextPlain is properties for text messages
	TextPlain = Properties{
		ContentType:  "text/plain",
		DeliveryMode: protocol.DeliveryModeTransient,
	}

	// PersistentTextPlain is properties for persistent text messages
	PersistentTextPlain = Properties{
		ContentType:  "text/plain",
		DeliveryMode: protocol.DeliveryModePersistent,
	}
)

package protocol

import "fmt"

// Version identifies an AMQP protocol dialect the client can speak.
type Version uint8

const (
	V0_9_1 Version = iota
	V0_9
	V0_8
	V0_8Qpid
)

// String returns the dotted protocol name, e.g. "0-9-1".
func (v Version) String() string {
	switch v {
	case V0_9_1:
		return "0-9-1"
	case V0_9:
		return "0-9"
	case V0_8:
		return "0-8"
	case V0_8Qpid:
		return "0-8qpid"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// Header returns the 8-byte protocol header sent at connection start.
func (v Version) Header() string {
	switch v {
	case V0_9:
		return "AMQP\x01\x01\x00\x09"
	case V0_8, V0_8Qpid:
		return "AMQP\x01\x01\x08\x00"
	default:
		return "AMQP\x00\x00\x09\x01"
	}
}

// Matches reports whether the major/minor pair announced in connection.start
// belongs to this dialect.
func (v Version) Matches(major, minor uint8) bool {
	switch v {
	case V0_8, V0_8Qpid:
		return major == 8 && minor == 0
	default:
		return major == 0 && minor == 9
	}
}

// ParseVersion maps a dotted name back to a Version.
func ParseVersion(s string) (Version, error) {
	switch s {
	case "", "0-9-1", "0.9.1":
		return V0_9_1, nil
	case "0-9", "0.9":
		return V0_9, nil
	case "0-8", "0.8":
		return V0_8, nil
	case "0-8qpid", "0.8qpid":
		return V0_8Qpid, nil
	}
	return 0, fmt.Errorf("unknown protocol version %q", s)
}

// Operation names a channel-level operation whose availability depends on
// the negotiated protocol version.
type Operation uint8

const (
	OpExchangeDeclare Operation = iota
	OpExchangeDelete
	OpExchangeBind
	OpExchangeUnbind
	OpQueueDeclare
	OpQueueBind
	OpQueueUnbind
	OpQueuePurge
	OpQueueDelete
	OpConfirmSelect
	OpWaitForConfirms
	OpBasicQos
	OpBasicConsume
	OpBasicCancel
	OpBasicPublish
	OpBasicGet
	OpBasicAck
	OpBasicReject
	OpBasicNack
	OpBasicRecover
	OpBasicRecoverAsync
	OpTxSelect
	OpTxCommit
	OpTxRollback
	OpChannelOpen
	OpChannelFlow
	OpChannelClose
	opCount
)

var operationNames = [opCount]string{
	OpExchangeDeclare:   "exchange.declare",
	OpExchangeDelete:    "exchange.delete",
	OpExchangeBind:      "exchange.bind",
	OpExchangeUnbind:    "exchange.unbind",
	OpQueueDeclare:      "queue.declare",
	OpQueueBind:         "queue.bind",
	OpQueueUnbind:       "queue.unbind",
	OpQueuePurge:        "queue.purge",
	OpQueueDelete:       "queue.delete",
	OpConfirmSelect:     "confirm.select",
	OpWaitForConfirms:   "wait-for-confirms",
	OpBasicQos:          "basic.qos",
	OpBasicConsume:      "basic.consume",
	OpBasicCancel:       "basic.cancel",
	OpBasicPublish:      "basic.publish",
	OpBasicGet:          "basic.get",
	OpBasicAck:          "basic.ack",
	OpBasicReject:       "basic.reject",
	OpBasicNack:         "basic.nack",
	OpBasicRecover:      "basic.recover",
	OpBasicRecoverAsync: "basic.recover-async",
	OpTxSelect:          "tx.select",
	OpTxCommit:          "tx.commit",
	OpTxRollback:        "tx.rollback",
	OpChannelOpen:       "channel.open",
	OpChannelFlow:       "channel.flow",
	OpChannelClose:      "channel.close",
}

func (op Operation) String() string {
	if op < opCount {
		return operationNames[op]
	}
	return fmt.Sprintf("operation(%d)", uint8(op))
}

// unsupported lists, per operation, the dialects that lack it. Everything
// absent from this table is available in every dialect.
var unsupported = map[Operation][]Version{
	OpExchangeBind:      {V0_8, V0_8Qpid, V0_9},
	OpExchangeUnbind:    {V0_8, V0_8Qpid, V0_9},
	OpQueueUnbind:       {V0_8Qpid},
	OpConfirmSelect:     {V0_8, V0_8Qpid, V0_9},
	OpWaitForConfirms:   {V0_8, V0_8Qpid, V0_9},
	OpBasicNack:         {V0_8, V0_8Qpid, V0_9},
	OpBasicRecoverAsync: {V0_8Qpid},
}

// Supported reports whether op may be sent to a peer speaking v.
func Supported(op Operation, v Version) bool {
	if op >= opCount {
		return false
	}
	for _, missing := range unsupported[op] {
		if missing == v {
			return false
		}
	}
	return true
}

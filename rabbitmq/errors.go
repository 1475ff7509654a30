package rabbitmq

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/israelio/rabbitmux/internal/protocol"
)

// Sentinel errors returned by channel operations. Errors caused by a channel
// or connection shutdown also wrap the *Error describing why it closed, so
// both errors.Is(err, ErrAlreadyClosed) and errors.As(err, &amqpErr) work.
var (
	// ErrAlreadyClosed is returned for operations on a closing or closed
	// channel, and to calls still pending when the channel closed.
	ErrAlreadyClosed = errors.New("channel already closed")

	// ErrProtocolViolation is returned when the server answers a synchronous
	// request with a method that request did not expect. The channel is
	// closed as a result.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrNotSupported is returned when an operation is not part of the
	// negotiated protocol version.
	ErrNotSupported = errors.New("operation not supported by protocol version")

	// ErrOperationInterrupted is returned when a nack is observed by a
	// WaitForConfirmsOrDie variant, or a pending call is cut short by
	// shutdown.
	ErrOperationInterrupted = errors.New("operation interrupted")

	// ErrTimeout is returned when a bounded wait exceeds its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidOperation is reported when a delivery names a consumer tag
	// that is not registered and no default consumer is set.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Error is an AMQP error, either a close reason received from the server
// or one raised locally.
type Error struct {
	Code   int
	Reason string
	Server bool // true if error originated from server
	// ClassID and MethodID identify the method that caused a server close,
	// when the server reports one.
	ClassID  uint16
	MethodID uint16
}

func (e *Error) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("AMQP error %d (%s): %s", e.Code, origin, e.Reason)
}

// Is matches another *Error by reply code, so a server close can be tested
// against the predefined values below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Predefined errors matching AMQP reply codes
var (
	ErrClosed             = &Error{Code: protocol.ReplyConnectionForced, Reason: "connection closed"}
	ErrNotFound           = &Error{Code: protocol.ReplyNotFound, Reason: "resource not found", Server: true}
	ErrAccessRefused      = &Error{Code: protocol.ReplyAccessRefused, Reason: "access refused", Server: true}
	ErrPreconditionFailed = &Error{Code: protocol.ReplyPreconditionFailed, Reason: "precondition failed", Server: true}
	ErrResourceLocked     = &Error{Code: protocol.ReplyResourceLocked, Reason: "resource locked", Server: true}
	ErrFrameError         = &Error{Code: protocol.ReplyFrameError, Reason: "frame error"}
	ErrSyntaxError        = &Error{Code: protocol.ReplySyntaxError, Reason: "syntax error", Server: true}
	ErrCommandInvalid     = &Error{Code: protocol.ReplyCommandInvalid, Reason: "command invalid", Server: true}
	ErrChannelError       = &Error{Code: protocol.ReplyChannelError, Reason: "channel error", Server: true}
	ErrUnexpectedFrame    = &Error{Code: protocol.ReplyUnexpectedFrame, Reason: "unexpected frame"}
	ErrResourceError      = &Error{Code: protocol.ReplyResourceError, Reason: "resource error", Server: true}
	ErrNotAllowed         = &Error{Code: protocol.ReplyNotAllowed, Reason: "not allowed", Server: true}
	ErrNotImplemented     = &Error{Code: protocol.ReplyNotImplemented, Reason: "not implemented", Server: true}
	ErrInternalError      = &Error{Code: protocol.ReplyInternalError, Reason: "internal error", Server: true}
	ErrContentTooLarge    = &Error{Code: protocol.ReplyContentTooLarge, Reason: "content too large", Server: true}
	ErrNoRoute            = &Error{Code: protocol.ReplyNoRoute, Reason: "no route", Server: true}
	ErrNoConsumers        = &Error{Code: protocol.ReplyNoConsumers, Reason: "no consumers", Server: true}
)

// NewError creates a new Error from reply code and text
func NewError(code int, reason string, server bool) *Error {
	return &Error{Code: code, Reason: reason, Server: server}
}

// closedError builds the error handed to callers of a channel that is
// closing or closed. A nil reason means the channel is still closing.
func closedError(reason *Error) error {
	if reason == nil {
		return ErrAlreadyClosed
	}
	return fmt.Errorf("%w: %w", ErrAlreadyClosed, reason)
}

// interruptedError is returned to a call that was waiting for its reply when
// the channel shut down.
func interruptedError(reason *Error) error {
	return fmt.Errorf("%w: %w", ErrOperationInterrupted, closedError(reason))
}

func notSupportedError(op protocol.Operation, v protocol.Version) error {
	return fmt.Errorf("%w: %s on %s", ErrNotSupported, op, v)
}

// CallbackException describes a failure raised by application code running
// on a channel's dispatcher: a consumer, a listener or a handler.
type CallbackException struct {
	// Site names the callback that failed, e.g. "consumer.HandleDelivery".
	Site        string
	ConsumerTag string
	Err         error
}

func (e CallbackException) Error() string {
	if e.ConsumerTag != "" {
		return fmt.Sprintf("%s (consumer %s): %v", e.Site, e.ConsumerTag, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Site, e.Err)
}

func (e CallbackException) Unwrap() error { return e.Err }

// ErrorHandler handles connection and channel errors
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleChannelError(ch *Channel, err error)
	HandleConsumerError(ch *Channel, consumerTag string, err error)
	HandleReturnListenerError(ch *Channel, err error)
	HandleConfirmListenerError(ch *Channel, err error)
}

// DefaultErrorHandler logs every error it receives.
type DefaultErrorHandler struct {
	Logger *zap.Logger
}

func (deh *DefaultErrorHandler) logger() *zap.Logger {
	if deh.Logger == nil {
		return zap.NewNop()
	}
	return deh.Logger
}

func (deh *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	deh.logger().Warn("connection error", zap.Error(err))
}

func (deh *DefaultErrorHandler) HandleChannelError(ch *Channel, err error) {
	deh.logger().Warn("channel error", zap.Uint16("channel", ch.id), zap.Error(err))
}

func (deh *DefaultErrorHandler) HandleConsumerError(ch *Channel, consumerTag string, err error) {
	deh.logger().Warn("consumer error",
		zap.Uint16("channel", ch.id),
		zap.String("consumer_tag", consumerTag),
		zap.Error(err))
}

func (deh *DefaultErrorHandler) HandleReturnListenerError(ch *Channel, err error) {
	deh.logger().Warn("return listener error", zap.Uint16("channel", ch.id), zap.Error(err))
}

func (deh *DefaultErrorHandler) HandleConfirmListenerError(ch *Channel, err error) {
	deh.logger().Warn("confirm listener error", zap.Uint16("channel", ch.id), zap.Error(err))
}

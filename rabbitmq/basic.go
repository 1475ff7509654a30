package rabbitmq

import (
	"context"
	"fmt"
	"math"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

// Qos sets the quality of service (prefetch). prefetchCount must fit in 16
// bits and prefetchSize in 32; zero means no limit.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if prefetchCount < 0 || prefetchCount > math.MaxUint16 {
		return fmt.Errorf("%w: prefetch count %d out of range", ErrInvalidOperation, prefetchCount)
	}
	if prefetchSize < 0 || uint64(prefetchSize) > math.MaxUint32 {
		return fmt.Errorf("%w: prefetch size %d out of range", ErrInvalidOperation, prefetchSize)
	}

	req := &wire.BasicQos{
		PrefetchSize:  uint32(prefetchSize),
		PrefetchCount: uint16(prefetchCount),
		Global:        global,
	}
	if _, err := ch.rpcCall(protocol.OpBasicQos, req, frame.ID(protocol.ClassBasic, protocol.MethodBasicQosOk)); err != nil {
		return fmt.Errorf("basic qos: %w", err)
	}
	return nil
}

// BasicAck acknowledges a delivery
func (ch *Channel) BasicAck(deliveryTag uint64, multiple bool) error {
	if err := ch.sendAsync(protocol.OpBasicAck, &wire.BasicAck{DeliveryTag: deliveryTag, Multiple: multiple}); err != nil {
		return err
	}
	ch.metrics.MessageAcked()
	return nil
}

// BasicNack negatively acknowledges a delivery
func (ch *Channel) BasicNack(deliveryTag uint64, multiple, requeue bool) error {
	if err := ch.sendAsync(protocol.OpBasicNack, &wire.BasicNack{DeliveryTag: deliveryTag, Multiple: multiple, Requeue: requeue}); err != nil {
		return err
	}
	ch.metrics.MessageNacked()
	return nil
}

// BasicReject rejects a delivery
func (ch *Channel) BasicReject(deliveryTag uint64, requeue bool) error {
	if err := ch.sendAsync(protocol.OpBasicReject, &wire.BasicReject{DeliveryTag: deliveryTag, Requeue: requeue}); err != nil {
		return err
	}
	ch.metrics.MessageRejected()
	return nil
}

// BasicRecover asks the server to redeliver unacknowledged messages and
// waits for recover-ok. Consumers and recover-ok listeners are notified.
func (ch *Channel) BasicRecover(requeue bool) error {
	if _, err := ch.rpcCall(protocol.OpBasicRecover, &wire.BasicRecover{Requeue: requeue}, frame.ID(protocol.ClassBasic, protocol.MethodBasicRecoverOk)); err != nil {
		return fmt.Errorf("basic recover: %w", err)
	}
	return nil
}

// BasicRecoverAsync is the deprecated asynchronous form of BasicRecover.
func (ch *Channel) BasicRecoverAsync(requeue bool) error {
	return ch.sendAsync(protocol.OpBasicRecoverAsync, &wire.BasicRecoverAsync{Requeue: requeue})
}

// BasicGet polls a message from a queue. ok is false when the queue was
// empty.
func (ch *Channel) BasicGet(queue string, autoAck bool) (msg *GetResponse, ok bool, err error) {
	ctx, cancel := ch.rpcContext()
	defer cancel()
	return ch.BasicGetWithContext(ctx, queue, autoAck)
}

// BasicGetWithContext is BasicGet bounded by ctx.
func (ch *Channel) BasicGetWithContext(ctx context.Context, queue string, autoAck bool) (*GetResponse, bool, error) {
	res, err := ch.call(ctx, protocol.OpBasicGet, &wire.BasicGet{Queue: queue, NoAck: autoAck},
		frame.BasicGetOk, frame.ID(protocol.ClassBasic, protocol.MethodBasicGetEmpty))
	if err != nil {
		return nil, false, fmt.Errorf("basic get %q: %w", queue, err)
	}

	getOk, isOk := res.msg.(*wire.BasicGetOk)
	if !isOk {
		return nil, false, nil
	}

	props, err := DecodeProperties(res.cmd.Header.Properties)
	if err != nil {
		return nil, false, err
	}

	ch.metrics.MessageConsumed()
	return &GetResponse{
		DeliveryTag:  getOk.DeliveryTag,
		Redelivered:  getOk.Redelivered,
		Exchange:     getOk.Exchange,
		RoutingKey:   getOk.RoutingKey,
		MessageCount: int(getOk.MessageCount),
		Properties:   props,
		Body:         res.cmd.Body,
		settlement:   settlement{channel: ch},
	}, true, nil
}

package rabbitmq

import (
	"errors"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/wire"
)

var errDetached = errors.New("delivery is not attached to a channel")

// settlement acks, nacks or rejects one delivery tag on the channel that
// received it. The zero value is detached and every method fails.
type settlement struct {
	channel *Channel
}

func (s settlement) on(fn func(*Channel) error) error {
	if s.channel == nil {
		return errDetached
	}
	return fn(s.channel)
}

// Delivery is a message pushed to a consumer.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	Properties Properties
	Body       []byte

	settlement
}

func newDelivery(ch *Channel, m *wire.BasicDeliver, props Properties, cmd *frame.Command) Delivery {
	d := Delivery{
		ConsumerTag: m.ConsumerTag,
		DeliveryTag: m.DeliveryTag,
		Redelivered: m.Redelivered,
		Exchange:    m.Exchange,
		RoutingKey:  m.RoutingKey,
		Properties:  props,
		Body:        cmd.Body,
	}
	d.channel = ch
	return d
}

func (d *Delivery) Ack(multiple bool) error {
	return d.on(func(ch *Channel) error { return ch.BasicAck(d.DeliveryTag, multiple) })
}

func (d *Delivery) Nack(multiple, requeue bool) error {
	return d.on(func(ch *Channel) error { return ch.BasicNack(d.DeliveryTag, multiple, requeue) })
}

func (d *Delivery) Reject(requeue bool) error {
	return d.on(func(ch *Channel) error { return ch.BasicReject(d.DeliveryTag, requeue) })
}

// GetResponse is a message fetched with BasicGet.
type GetResponse struct {
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	// MessageCount is what the server reported left in the queue.
	MessageCount int

	Properties Properties
	Body       []byte

	settlement
}

func (gr *GetResponse) Ack(multiple bool) error {
	return gr.on(func(ch *Channel) error { return ch.BasicAck(gr.DeliveryTag, multiple) })
}

func (gr *GetResponse) Nack(multiple, requeue bool) error {
	return gr.on(func(ch *Channel) error { return ch.BasicNack(gr.DeliveryTag, multiple, requeue) })
}

func (gr *GetResponse) Reject(requeue bool) error {
	return gr.on(func(ch *Channel) error { return ch.BasicReject(gr.DeliveryTag, requeue) })
}

// Queue is the server's answer to queue.declare.
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

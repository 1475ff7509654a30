package rabbitmq

import (
	"fmt"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

// ExchangeDeclareOptions configures exchange declaration
type ExchangeDeclareOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       Table
}

// ExchangeDeleteOptions configures exchange deletion
type ExchangeDeleteOptions struct {
	IfUnused bool
	NoWait   bool
}

// QueueDeclareOptions configures queue declaration
type QueueDeclareOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       Table
}

// QueueDeleteOptions configures queue deletion
type QueueDeleteOptions struct {
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

// ExchangeDeclare declares an exchange
func (ch *Channel) ExchangeDeclare(name, kind string, opts ExchangeDeclareOptions) error {
	req := &wire.ExchangeDeclare{
		Exchange:   name,
		Type:       kind,
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
		Internal:   opts.Internal,
		NoWait:     opts.NoWait,
		Arguments:  opts.Args,
	}
	if _, err := ch.request(protocol.OpExchangeDeclare, req, opts.NoWait, frame.ID(protocol.ClassExchange, protocol.MethodExchangeDeclareOk)); err != nil {
		return fmt.Errorf("exchange declare %q: %w", name, err)
	}
	return nil
}

// ExchangeDeclarePassive checks if an exchange exists. A missing exchange
// closes the channel with 404.
func (ch *Channel) ExchangeDeclarePassive(name string) error {
	req := &wire.ExchangeDeclare{Exchange: name, Passive: true}
	if _, err := ch.rpcCall(protocol.OpExchangeDeclare, req, frame.ID(protocol.ClassExchange, protocol.MethodExchangeDeclareOk)); err != nil {
		return fmt.Errorf("exchange declare passive %q: %w", name, err)
	}
	return nil
}

// ExchangeDelete deletes an exchange
func (ch *Channel) ExchangeDelete(name string, opts ExchangeDeleteOptions) error {
	req := &wire.ExchangeDelete{Exchange: name, IfUnused: opts.IfUnused, NoWait: opts.NoWait}
	if _, err := ch.request(protocol.OpExchangeDelete, req, opts.NoWait, frame.ID(protocol.ClassExchange, protocol.MethodExchangeDeleteOk)); err != nil {
		return fmt.Errorf("exchange delete %q: %w", name, err)
	}
	return nil
}

// ExchangeBind binds an exchange to another exchange
func (ch *Channel) ExchangeBind(destination, source, routingKey string, args Table) error {
	req := &wire.ExchangeBind{ExchangeBinding: wire.ExchangeBinding{
		Destination: destination,
		Source:      source,
		RoutingKey:  routingKey,
		Arguments:   args,
	}}
	if _, err := ch.rpcCall(protocol.OpExchangeBind, req, frame.ID(protocol.ClassExchange, protocol.MethodExchangeBindOk)); err != nil {
		return fmt.Errorf("exchange bind %q -> %q: %w", source, destination, err)
	}
	return nil
}

// ExchangeUnbind unbinds an exchange from another exchange
func (ch *Channel) ExchangeUnbind(destination, source, routingKey string, args Table) error {
	req := &wire.ExchangeUnbind{ExchangeBinding: wire.ExchangeBinding{
		Destination: destination,
		Source:      source,
		RoutingKey:  routingKey,
		Arguments:   args,
	}}
	if _, err := ch.rpcCall(protocol.OpExchangeUnbind, req, frame.ID(protocol.ClassExchange, protocol.MethodExchangeUnbindOk)); err != nil {
		return fmt.Errorf("exchange unbind %q -> %q: %w", source, destination, err)
	}
	return nil
}

// QueueDeclare declares a queue. With NoWait the returned Queue only
// carries the requested name.
func (ch *Channel) QueueDeclare(name string, opts QueueDeclareOptions) (Queue, error) {
	req := &wire.QueueDeclare{
		Queue:      name,
		Durable:    opts.Durable,
		Exclusive:  opts.Exclusive,
		AutoDelete: opts.AutoDelete,
		NoWait:     opts.NoWait,
		Arguments:  opts.Args,
	}
	return ch.queueDeclare(req)
}

// QueueDeclareServerNamed declares a non-durable, exclusive, auto-delete
// queue whose name the server chooses.
func (ch *Channel) QueueDeclareServerNamed() (Queue, error) {
	return ch.QueueDeclare("", QueueDeclareOptions{Exclusive: true, AutoDelete: true})
}

// QueueDeclarePassive checks if a queue exists
func (ch *Channel) QueueDeclarePassive(name string) (Queue, error) {
	return ch.queueDeclare(&wire.QueueDeclare{Queue: name, Passive: true})
}

func (ch *Channel) queueDeclare(req *wire.QueueDeclare) (Queue, error) {
	res, err := ch.request(protocol.OpQueueDeclare, req, req.NoWait, frame.ID(protocol.ClassQueue, protocol.MethodQueueDeclareOk))
	if err != nil {
		return Queue{}, fmt.Errorf("queue declare %q: %w", req.Queue, err)
	}
	if req.NoWait {
		return Queue{Name: req.Queue}, nil
	}

	ok := res.msg.(*wire.QueueDeclareOk)
	return Queue{
		Name:      ok.Queue,
		Messages:  int(ok.MessageCount),
		Consumers: int(ok.ConsumerCount),
	}, nil
}

// QueueDelete deletes a queue and returns the number of messages it held.
func (ch *Channel) QueueDelete(name string, opts QueueDeleteOptions) (int, error) {
	req := &wire.QueueDelete{Queue: name, IfUnused: opts.IfUnused, IfEmpty: opts.IfEmpty, NoWait: opts.NoWait}
	res, err := ch.request(protocol.OpQueueDelete, req, opts.NoWait, frame.ID(protocol.ClassQueue, protocol.MethodQueueDeleteOk))
	if err != nil {
		return 0, fmt.Errorf("queue delete %q: %w", name, err)
	}
	if opts.NoWait {
		return 0, nil
	}
	return int(res.msg.(*wire.QueueDeleteOk).MessageCount), nil
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(name, exchange, routingKey string, args Table) error {
	req := &wire.QueueBind{Queue: name, Exchange: exchange, RoutingKey: routingKey, Arguments: args}
	if _, err := ch.rpcCall(protocol.OpQueueBind, req, frame.ID(protocol.ClassQueue, protocol.MethodQueueBindOk)); err != nil {
		return fmt.Errorf("queue bind %q -> %q: %w", name, exchange, err)
	}
	return nil
}

// QueueUnbind unbinds a queue from an exchange
func (ch *Channel) QueueUnbind(name, exchange, routingKey string, args Table) error {
	req := &wire.QueueUnbind{Queue: name, Exchange: exchange, RoutingKey: routingKey, Arguments: args}
	if _, err := ch.rpcCall(protocol.OpQueueUnbind, req, frame.ID(protocol.ClassQueue, protocol.MethodQueueUnbindOk)); err != nil {
		return fmt.Errorf("queue unbind %q -> %q: %w", name, exchange, err)
	}
	return nil
}

// QueuePurge purges all messages from a queue and returns how many were
// removed.
func (ch *Channel) QueuePurge(name string, noWait bool) (int, error) {
	res, err := ch.request(protocol.OpQueuePurge, &wire.QueuePurge{Queue: name, NoWait: noWait}, noWait, frame.ID(protocol.ClassQueue, protocol.MethodQueuePurgeOk))
	if err != nil {
		return 0, fmt.Errorf("queue purge %q: %w", name, err)
	}
	if noWait {
		return 0, nil
	}
	return int(res.msg.(*wire.QueuePurgeOk).MessageCount), nil
}

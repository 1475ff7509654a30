package rabbitmq

import (
	"slices"

	"go.uber.org/zap"
)

// Confirmation represents a publish confirmation (ack or nack)
type Confirmation struct {
	DeliveryTag uint64
	Multiple    bool
	Ack         bool // true for ack, false for nack
}

// ConfirmListener provides a callback-based confirm interface
type ConfirmListener interface {
	HandleAck(deliveryTag uint64, multiple bool)
	HandleNack(deliveryTag uint64, multiple bool)
}

// Return represents a message returned by the broker (unroutable)
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

// ReturnListener handles returned messages
type ReturnListener interface {
	HandleReturn(ret Return)
}

// ReturnListenerFunc adapts a function to ReturnListener.
type ReturnListenerFunc func(ret Return)

func (f ReturnListenerFunc) HandleReturn(ret Return) { f(ret) }

// FlowListener is told when the server pauses or resumes publishing.
type FlowListener interface {
	HandleFlow(active bool)
}

// FlowListenerFunc adapts a function to FlowListener.
type FlowListenerFunc func(active bool)

func (f FlowListenerFunc) HandleFlow(active bool) { f(active) }

// RecoverOkListener is told when the server acknowledges basic.recover.
type RecoverOkListener interface {
	HandleRecoverOk()
}

// CancelListener is told when the server cancels a consumer, e.g. because
// its queue was deleted. It runs after the consumer's HandleCancel.
type CancelListener interface {
	HandleConsumerCancelled(consumerTag string)
}

// CancelListenerFunc adapts a function to CancelListener.
type CancelListenerFunc func(consumerTag string)

func (f CancelListenerFunc) HandleConsumerCancelled(consumerTag string) { f(consumerTag) }

// ShutdownListener is called once when the channel reaches Closed.
type ShutdownListener interface {
	HandleShutdown(reason *Error)
}

// ShutdownListenerFunc adapts a function to ShutdownListener.
type ShutdownListenerFunc func(reason *Error)

func (f ShutdownListenerFunc) HandleShutdown(reason *Error) { f(reason) }

// CallbackExceptionListener receives errors and panics raised by consumers
// and listeners on the channel.
type CallbackExceptionListener interface {
	HandleCallbackException(ch *Channel, exc CallbackException)
}

// CallbackExceptionListenerFunc adapts a function to CallbackExceptionListener.
type CallbackExceptionListenerFunc func(ch *Channel, exc CallbackException)

func (f CallbackExceptionListenerFunc) HandleCallbackException(ch *Channel, exc CallbackException) {
	f(ch, exc)
}

// Callback sites reported in CallbackException.Site.
const (
	siteConsumeOk = "consumer.HandleConsumeOk"
	siteCancelOk  = "consumer.HandleCancelOk"
	siteCancel    = "consumer.HandleCancel"
	siteDelivery  = "consumer.HandleDelivery"
	siteShutdown  = "consumer.HandleShutdown"
	siteRecoverOk = "consumer.HandleRecoverOk"
	siteReturn    = "ReturnListener"
	siteConfirm   = "ConfirmListener"
	siteFlow      = "FlowListener"
	siteRecover   = "RecoverOkListener"
	siteCancelled = "CancelListener"
	siteClose     = "ShutdownListener"
)

// listeners holds every subscriber, in subscription order. Guarded by the
// channel lock; the dispatcher copies a slice before calling out.
type listeners struct {
	returns      []ReturnListener
	returnChans  []chan Return
	confirms     []ConfirmListener
	confirmChans []chan Confirmation
	flows        []FlowListener
	flowChans    []chan bool
	recoverOks   []RecoverOkListener
	cancels      []CancelListener
	cancelChans  []chan string
	shutdowns    []ShutdownListener
	closeChans   []chan *Error
	exceptions   []CallbackExceptionListener
}

// AddReturnListener adds a callback-based return listener
func (ch *Channel) AddReturnListener(listener ReturnListener) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners.returns = append(ch.listeners.returns, listener)
}

// NotifyReturn registers a channel to receive returned messages. Sends never
// block the channel, so the Go channel should be buffered.
func (ch *Channel) NotifyReturn(returnChan chan Return) chan Return {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners.returnChans = append(ch.listeners.returnChans, returnChan)
	return returnChan
}

// AddConfirmListener adds a callback-based confirm listener
func (ch *Channel) AddConfirmListener(listener ConfirmListener) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners.confirms = append(ch.listeners.confirms, listener)
}

// NotifyPublish registers a channel to receive publish confirmations. A
// confirmation with Multiple set covers every tag up to DeliveryTag.
func (ch *Channel) NotifyPublish(confirmChan chan Confirmation) chan Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners.confirmChans = append(ch.listeners.confirmChans, confirmChan)
	return confirmChan
}

// AddFlowListener adds a callback-based flow listener
func (ch *Channel) AddFlowListener(listener FlowListener) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners.flows = append(ch.listeners.flows, listener)
}

// NotifyFlow registers a listener for flow control
func (ch *Channel) NotifyFlow(notifyChan chan bool) chan bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners.flowChans = append(ch.listeners.flowChans, notifyChan)
	return notifyChan
}

// AddRecoverOkListener adds a listener for basic.recover-ok.
func (ch *Channel) AddRecoverOkListener(listener RecoverOkListener) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners.recoverOks = append(ch.listeners.recoverOks, listener)
}

// AddCancelListener adds a listener for server-initiated consumer cancels.
func (ch *Channel) AddCancelListener(listener CancelListener) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners.cancels = append(ch.listeners.cancels, listener)
}

// NotifyCancel registers a Go channel that receives the tag of every
// consumer the server cancels. Sends never block the channel.
func (ch *Channel) NotifyCancel(cancelChan chan string) chan string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners.cancelChans = append(ch.listeners.cancelChans, cancelChan)
	return cancelChan
}

// AddCallbackExceptionListener adds a listener for failing callbacks.
func (ch *Channel) AddCallbackExceptionListener(listener CallbackExceptionListener) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners.exceptions = append(ch.listeners.exceptions, listener)
}

// AddShutdownListener adds a listener called once when the channel closes.
// On a channel that is already closed the listener runs immediately, on the
// calling goroutine.
func (ch *Channel) AddShutdownListener(listener ShutdownListener) {
	ch.mu.Lock()
	if ch.state != ChannelStateClosed {
		ch.listeners.shutdowns = append(ch.listeners.shutdowns, listener)
		ch.mu.Unlock()
		return
	}
	reason := ch.reason
	ch.mu.Unlock()

	if err := guard(func() error { listener.HandleShutdown(reason); return nil }); err != nil {
		ch.reportException(CallbackException{Site: siteClose, Err: err})
	}
}

// NotifyClose registers a listener for channel closure. The reason is sent
// once, without blocking, and the Go channel is then closed. Registering on
// a closed channel delivers the reason straight away.
func (ch *Channel) NotifyClose(notifyChan chan *Error) chan *Error {
	ch.mu.Lock()
	if ch.state != ChannelStateClosed {
		ch.listeners.closeChans = append(ch.listeners.closeChans, notifyChan)
		ch.mu.Unlock()
		return notifyChan
	}
	reason := ch.reason
	ch.mu.Unlock()

	notifyClosed(notifyChan, reason)
	return notifyChan
}

func notifyClosed(c chan *Error, reason *Error) {
	select {
	case c <- reason:
	default:
	}
	close(c)
}

// dispatch queues fn on the channel's dispatcher. A returned error or panic
// becomes a CallbackException for site.
func (ch *Channel) dispatch(site, consumerTag string, fn func() error) {
	ch.events.enqueue(func() {
		if err := guard(fn); err != nil {
			ch.reportException(CallbackException{Site: site, ConsumerTag: consumerTag, Err: err})
		}
	})
}

// reportException hands a failed callback to every exception listener and
// to the factory error handler.
func (ch *Channel) reportException(exc CallbackException) {
	ch.log.Warn("callback failed",
		zap.String("site", exc.Site),
		zap.String("consumer_tag", exc.ConsumerTag),
		zap.Error(exc.Err))
	ch.metrics.ChannelError(exc)

	ch.mu.Lock()
	ls := slices.Clone(ch.listeners.exceptions)
	ch.mu.Unlock()

	for _, l := range ls {
		if err := guard(func() error { l.HandleCallbackException(ch, exc); return nil }); err != nil {
			ch.log.Error("callback exception listener failed", zap.Error(err))
		}
	}

	if ch.cfg.errorHandler == nil {
		return
	}
	switch exc.Site {
	case siteReturn:
		ch.cfg.errorHandler.HandleReturnListenerError(ch, exc)
	case siteConfirm:
		ch.cfg.errorHandler.HandleConfirmListenerError(ch, exc)
	case siteConsumeOk, siteCancelOk, siteCancel, siteDelivery, siteShutdown, siteRecoverOk:
		ch.cfg.errorHandler.HandleConsumerError(ch, exc.ConsumerTag, exc)
	default:
		ch.cfg.errorHandler.HandleChannelError(ch, exc)
	}
}

// emitReturn fans a returned message out to every return subscriber.
func (ch *Channel) emitReturn(ret Return) {
	ch.metrics.MessageReturned()
	ch.events.enqueue(func() {
		ch.mu.Lock()
		ls := slices.Clone(ch.listeners.returns)
		cs := slices.Clone(ch.listeners.returnChans)
		ch.mu.Unlock()

		for _, l := range ls {
			ch.invoke(siteReturn, func() { l.HandleReturn(ret) })
		}
		for _, c := range cs {
			select {
			case c <- ret:
			default:
				ch.log.Warn("return notification dropped", zap.String("routing_key", ret.RoutingKey))
			}
		}
	})
}

// emitConfirm fans a publisher ack or nack out to confirm subscribers.
func (ch *Channel) emitConfirm(conf Confirmation) {
	ch.events.enqueue(func() {
		ch.mu.Lock()
		ls := slices.Clone(ch.listeners.confirms)
		cs := slices.Clone(ch.listeners.confirmChans)
		ch.mu.Unlock()

		for _, l := range ls {
			ch.invoke(siteConfirm, func() {
				if conf.Ack {
					l.HandleAck(conf.DeliveryTag, conf.Multiple)
				} else {
					l.HandleNack(conf.DeliveryTag, conf.Multiple)
				}
			})
		}
		for _, c := range cs {
			select {
			case c <- conf:
			default:
				ch.log.Warn("confirm notification dropped", zap.Uint64("delivery_tag", conf.DeliveryTag))
			}
		}
	})
}

func (ch *Channel) emitFlow(active bool) {
	ch.events.enqueue(func() {
		ch.mu.Lock()
		ls := slices.Clone(ch.listeners.flows)
		cs := slices.Clone(ch.listeners.flowChans)
		ch.mu.Unlock()

		for _, l := range ls {
			ch.invoke(siteFlow, func() { l.HandleFlow(active) })
		}
		for _, c := range cs {
			select {
			case c <- active:
			default:
				ch.log.Warn("flow notification dropped", zap.Bool("active", active))
			}
		}
	})
}

func (ch *Channel) emitRecoverOk() {
	ch.events.enqueue(func() {
		ch.mu.Lock()
		ls := slices.Clone(ch.listeners.recoverOks)
		ch.mu.Unlock()

		for _, l := range ls {
			ch.invoke(siteRecover, l.HandleRecoverOk)
		}
	})
}

func (ch *Channel) emitCancel(consumerTag string) {
	ch.events.enqueue(func() {
		ch.mu.Lock()
		ls := slices.Clone(ch.listeners.cancels)
		cs := slices.Clone(ch.listeners.cancelChans)
		ch.mu.Unlock()

		for _, l := range ls {
			ch.invoke(siteCancelled, func() { l.HandleConsumerCancelled(consumerTag) })
		}
		for _, c := range cs {
			select {
			case c <- consumerTag:
			default:
				ch.log.Warn("cancel notification dropped", zap.String("consumer_tag", consumerTag))
			}
		}
	})
}

// emitShutdown queues the shutdown notifications. It is called exactly once,
// after the channel state became Closed.
func (ch *Channel) emitShutdown(reason *Error) {
	ch.mu.Lock()
	ls := ch.listeners.shutdowns
	cs := ch.listeners.closeChans
	ch.listeners.shutdowns = nil
	ch.listeners.closeChans = nil
	ch.mu.Unlock()

	ch.events.enqueue(func() {
		for _, l := range ls {
			ch.invoke(siteClose, func() { l.HandleShutdown(reason) })
		}
		for _, c := range cs {
			notifyClosed(c, reason)
		}
	})
}

// invoke runs a listener that cannot return an error, isolating panics.
func (ch *Channel) invoke(site string, fn func()) {
	if err := guard(func() error { fn(); return nil }); err != nil {
		ch.reportException(CallbackException{Site: site, Err: err})
	}
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

// rpcResult is what a synchronous request resolves to. cmd carries the
// content of replies such as basic.get-ok.
type rpcResult struct {
	msg wire.Message
	cmd *frame.Command
	err error
}

// continuation is one outstanding synchronous request.
type continuation struct {
	accepts []frame.MethodID
	done    chan rpcResult

	// onReply runs on the frame reader, under the channel lock, before the
	// caller is woken and before any later frame is processed.
	onReply func(wire.Message)
}

// continuationQueue serialises synchronous requests on a channel. slot
// admits one caller at a time in arrival order; pending is guarded by the
// owning channel's lock.
type continuationQueue struct {
	slot    *semaphore.Weighted
	pending *continuation
}

func newContinuationQueue() *continuationQueue {
	return &continuationQueue{slot: semaphore.NewWeighted(1)}
}

// resolve completes the pending continuation with a reply. It returns an
// error, leaving the continuation in place, when nothing is pending or the
// reply is not one the request accepts.
func (q *continuationQueue) resolve(id frame.MethodID, res rpcResult) error {
	k := q.pending
	if k == nil {
		return fmt.Errorf("%s received with no request pending", id)
	}
	if !slices.Contains(k.accepts, id) {
		return fmt.Errorf("%s does not answer the pending request (want %v)", id, k.accepts)
	}

	q.pending = nil
	if k.onReply != nil {
		k.onReply(res.msg)
	}
	k.done <- res
	return nil
}

// expects reports whether the pending continuation accepts id.
func (q *continuationQueue) expects(id frame.MethodID) bool {
	return q.pending != nil && slices.Contains(q.pending.accepts, id)
}

// fail completes the pending continuation, if any, with err.
func (q *continuationQueue) fail(err error) {
	k := q.pending
	if k == nil {
		return
	}
	q.pending = nil
	k.done <- rpcResult{err: err}
}

// call sends req and waits for one of the accepted replies.
func (ch *Channel) call(ctx context.Context, op protocol.Operation, req wire.Message, accepts ...frame.MethodID) (rpcResult, error) {
	return ch.callWith(ctx, op, req, nil, accepts...)
}

// callWith is call with a hook that runs on the reader when the reply lands.
//
// Callers queue for the slot in FIFO order. The continuation is registered
// before the request is written, so the reply can never overtake it. A
// caller that stops waiting after the request went out closes the channel,
// since later replies could no longer be matched to their requests.
func (ch *Channel) callWith(ctx context.Context, op protocol.Operation, req wire.Message, onReply func(wire.Message), accepts ...frame.MethodID) (rpcResult, error) {
	if err := ch.check(op); err != nil {
		return rpcResult{}, err
	}

	ctx, cancel := ch.bind(ctx)
	defer cancel()

	if err := ch.rpc.slot.Acquire(ctx, 1); err != nil {
		return rpcResult{}, waitError(ctx)
	}

	k := &continuation{accepts: accepts, done: make(chan rpcResult, 1), onReply: onReply}

	ch.mu.Lock()
	if ch.state != ChannelStateOpen {
		err := closedError(ch.reason)
		ch.mu.Unlock()
		ch.rpc.slot.Release(1)
		return rpcResult{}, err
	}
	ch.rpc.pending = k
	ch.mu.Unlock()

	started := time.Now()
	if err := ch.send(req); err != nil {
		ch.mu.Lock()
		if ch.rpc.pending == k {
			ch.rpc.pending = nil
		}
		ch.mu.Unlock()
		ch.rpc.slot.Release(1)
		return rpcResult{}, err
	}

	select {
	case res := <-k.done:
		ch.rpc.slot.Release(1)
		ch.metrics.RPCDuration(req.ID().String(), time.Since(started))
		return res, res.err
	case <-ctx.Done():
	}

	ch.mu.Lock()
	outstanding := ch.rpc.pending == k
	ch.mu.Unlock()
	if outstanding {
		err := waitError(ctx)
		ch.abandon(req.ID(), err)

		ch.mu.Lock()
		if ch.rpc.pending == k {
			ch.rpc.pending = nil
		}
		ch.mu.Unlock()
		ch.rpc.slot.Release(1)
		return rpcResult{}, err
	}

	// Resolved or failed while we were being cancelled.
	res := <-k.done
	ch.rpc.slot.Release(1)
	return res, res.err
}

// abandon closes the channel after a request went unanswered. The channel
// leaves Open before the slot is released, so queued callers fail with
// ErrAlreadyClosed and a late reply is ignored.
func (ch *Channel) abandon(method frame.MethodID, cause error) {
	ch.log.Warn("request abandoned, closing channel", zap.Stringer("method", method), zap.Error(cause))
	ch.metrics.ChannelError(cause)

	reason := &Error{Code: protocol.ReplyInternalError, Reason: fmt.Sprintf("%s abandoned: %v", method, cause)}
	if started, _ := ch.beginClose(reason); started {
		go ch.awaitClosed(reason)
	}
}

// bind derives a context that is also cancelled, with the closure error as
// cause, when the channel shuts down.
func (ch *Channel) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(ch.lifetime, func() {
		cancel(context.Cause(ch.lifetime))
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// rpcContext bounds calls made through the context-free API.
func (ch *Channel) rpcContext() (context.Context, context.CancelFunc) {
	if ch.cfg.rpcTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), ch.cfg.rpcTimeout)
}

// waitError reports why a bound wait ended.
func waitError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, cause)
	}
	return cause
}

// rpcCall is call bounded by the configured RPC timeout.
func (ch *Channel) rpcCall(op protocol.Operation, req wire.Message, accepts ...frame.MethodID) (rpcResult, error) {
	ctx, cancel := ch.rpcContext()
	defer cancel()
	return ch.call(ctx, op, req, accepts...)
}

// request sends req and, unless noWait is set, waits for reply.
func (ch *Channel) request(op protocol.Operation, req wire.Message, noWait bool, reply frame.MethodID) (rpcResult, error) {
	if noWait {
		return rpcResult{}, ch.sendAsync(op, req)
	}
	return ch.rpcCall(op, req, reply)
}

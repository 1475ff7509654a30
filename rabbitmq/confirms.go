package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

// confirmTracker records publish sequence numbers awaiting a broker ack or
// nack. Guarded by the channel lock.
type confirmTracker struct {
	enabled bool
	next    uint64

	// outstanding is kept in ascending order; sequence numbers are only ever
	// appended in increasing order and removed.
	outstanding []uint64
	nacked      bool

	// changed is closed and replaced whenever outstanding or nacked changes.
	changed chan struct{}
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{changed: make(chan struct{})}
}

// enable turns on confirm mode. The first publish afterwards gets sequence 1.
func (t *confirmTracker) enable() {
	if t.enabled {
		return
	}
	t.enabled = true
	t.next = 1
}

// add assigns the next sequence number and records it as outstanding.
func (t *confirmTracker) add() uint64 {
	seq := t.next
	t.next++
	t.outstanding = append(t.outstanding, seq)
	return seq
}

// forget drops seq without marking a nack, for a publish that never made it
// onto the wire.
func (t *confirmTracker) forget(seq uint64) {
	if i, ok := slices.BinarySearch(t.outstanding, seq); ok {
		t.outstanding = slices.Delete(t.outstanding, i, i+1)
		t.signal()
	}
}

// confirm applies a broker ack or nack. With multiple set every outstanding
// tag up to and including tag is settled.
func (t *confirmTracker) confirm(tag uint64, multiple, ack bool) {
	if multiple {
		n := sort.Search(len(t.outstanding), func(i int) bool { return t.outstanding[i] > tag })
		t.outstanding = slices.Delete(t.outstanding, 0, n)
	} else if i, ok := slices.BinarySearch(t.outstanding, tag); ok {
		t.outstanding = slices.Delete(t.outstanding, i, i+1)
	}
	if !ack {
		t.nacked = true
	}
	t.signal()
}

func (t *confirmTracker) settled() bool { return len(t.outstanding) == 0 }

// takeNacked reports and resets the negative-observed flag.
func (t *confirmTracker) takeNacked() bool {
	n := t.nacked
	t.nacked = false
	return n
}

// clear drops everything outstanding and wakes waiters. Used at shutdown.
func (t *confirmTracker) clear() {
	t.outstanding = nil
	t.signal()
}

func (t *confirmTracker) signal() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Outstanding returns the publish sequence numbers still awaiting a confirm.
func (ch *Channel) Outstanding() []uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return slices.Clone(ch.confirms.outstanding)
}

// NextPublishSeqNo returns the sequence number the next publish will get in
// confirm mode, or 0 when confirms are not enabled.
func (ch *Channel) NextPublishSeqNo() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.confirms.enabled {
		return 0
	}
	return ch.confirms.next
}

// ConfirmSelect enables publisher confirms on this channel
func (ch *Channel) ConfirmSelect(noWait bool) error {
	ctx, cancel := ch.rpcContext()
	defer cancel()
	return ch.ConfirmSelectWithContext(ctx, noWait)
}

// ConfirmSelectWithContext is ConfirmSelect bounded by ctx.
func (ch *Channel) ConfirmSelectWithContext(ctx context.Context, noWait bool) error {
	req := &wire.ConfirmSelect{NoWait: noWait}
	if noWait {
		if err := ch.sendAsync(protocol.OpConfirmSelect, req); err != nil {
			return err
		}
		ch.mu.Lock()
		ch.confirms.enable()
		ch.mu.Unlock()
		return nil
	}

	enable := func(wire.Message) { ch.confirms.enable() }
	if _, err := ch.callWith(ctx, protocol.OpConfirmSelect, req, enable, frame.ID(protocol.ClassConfirm, protocol.MethodConfirmSelectOk)); err != nil {
		return fmt.Errorf("confirm select: %w", err)
	}
	return nil
}

// handleConfirm runs on the frame reader for basic.ack and basic.nack.
func (ch *Channel) handleConfirm(tag uint64, multiple, ack bool) {
	ch.mu.Lock()
	ch.confirms.confirm(tag, multiple, ack)
	ch.mu.Unlock()

	ch.metrics.ConfirmReceived(ack)
	ch.emitConfirm(Confirmation{DeliveryTag: tag, Multiple: multiple, Ack: ack})
}

// WaitForConfirms blocks until every outstanding publish is confirmed. It
// reports whether no nack was seen since the previous wait.
func (ch *Channel) WaitForConfirms() (bool, error) {
	return ch.WaitForConfirmsContext(context.Background())
}

// WaitForConfirmsContext is WaitForConfirms bounded by ctx. A deadline
// yields an error wrapping ErrTimeout.
func (ch *Channel) WaitForConfirmsContext(ctx context.Context) (bool, error) {
	return ch.waitConfirms(ctx, false)
}

// WaitForConfirmsTimeout waits at most d. On timeout it returns timedOut
// true with ok reflecting the nacks seen so far; the nack flag is only reset
// by a wait that completes.
func (ch *Channel) WaitForConfirmsTimeout(d time.Duration) (ok, timedOut bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	ok, err = ch.waitConfirms(ctx, false)
	if errors.Is(err, ErrTimeout) {
		ch.mu.Lock()
		ok = !ch.confirms.nacked
		ch.mu.Unlock()
		return ok, true, nil
	}
	return ok, false, err
}

// WaitForConfirmsOrDie waits like WaitForConfirms but fails with
// ErrOperationInterrupted as soon as a nack is seen or the wait times out.
// In both cases the channel is closed with 406 precondition-failed, and a
// timeout also wraps ErrTimeout.
func (ch *Channel) WaitForConfirmsOrDie() error {
	return ch.WaitForConfirmsOrDieContext(context.Background())
}

// WaitForConfirmsOrDieTimeout is WaitForConfirmsOrDie bounded by d.
func (ch *Channel) WaitForConfirmsOrDieTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return ch.WaitForConfirmsOrDieContext(ctx)
}

// WaitForConfirmsOrDieContext is WaitForConfirmsOrDie bounded by ctx.
func (ch *Channel) WaitForConfirmsOrDieContext(ctx context.Context) error {
	ok, err := ch.waitConfirms(ctx, true)
	switch {
	case errors.Is(err, ErrTimeout):
		ch.log.Warn("timed out waiting for publisher confirms")
		ch.AbortWithCode(protocol.ReplyPreconditionFailed, "timed out waiting for acks")
		return fmt.Errorf("%w: %w", ErrOperationInterrupted, err)
	case err != nil:
		return err
	case !ok:
		ch.log.Warn("publisher nack received, closing channel")
		ch.AbortWithCode(protocol.ReplyPreconditionFailed, "nacks received")
		return fmt.Errorf("%w: nacks received", ErrOperationInterrupted)
	}
	return nil
}

// waitConfirms waits for the outstanding set to drain. With dieOnNack it
// returns false as soon as a nack is recorded.
func (ch *Channel) waitConfirms(ctx context.Context, dieOnNack bool) (bool, error) {
	if err := ch.check(protocol.OpWaitForConfirms); err != nil {
		return false, err
	}

	ctx, cancel := ch.bind(ctx)
	defer cancel()

	for {
		ch.mu.Lock()
		if ch.state == ChannelStateClosed {
			err := closedError(ch.reason)
			ch.mu.Unlock()
			return false, err
		}
		if !ch.confirms.enabled {
			ch.mu.Unlock()
			return true, nil
		}
		if (dieOnNack && ch.confirms.nacked) || ch.confirms.settled() {
			ok := !ch.confirms.takeNacked()
			ch.mu.Unlock()
			return ok, nil
		}
		changed := ch.confirms.changed
		pending := len(ch.confirms.outstanding)
		ch.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			ch.log.Debug("confirm wait ended", zap.Int("outstanding", pending), zap.Error(context.Cause(ctx)))
			return false, waitError(ctx)
		}
	}
}

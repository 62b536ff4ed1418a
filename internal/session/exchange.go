package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"tuya-go-home/internal/protocol"
)

// Exchange is the completion handle of one sent request. It resolves
// exactly once: with the matching reply, a timeout, a cancellation, or the
// session closing.
type Exchange struct {
	s       *Session
	seq     uint32
	cmd     protocol.Command
	timeout time.Duration

	once  sync.Once
	done  chan struct{}
	timer *time.Timer
	msg   *protocol.Message
	err   error
}

func newExchange(s *Session, seq uint32, cmd protocol.Command, timeout time.Duration) *Exchange {
	x := &Exchange{s: s, seq: seq, cmd: cmd, timeout: timeout, done: make(chan struct{})}
	x.timer = time.AfterFunc(timeout, x.expire)
	return x
}

// Seq is the sequence number the request was sent with.
func (x *Exchange) Seq() uint32 { return x.seq }

// Cmd is the request's command.
func (x *Exchange) Cmd() protocol.Command { return x.cmd }

// Done is closed once the exchange resolves.
func (x *Exchange) Done() <-chan struct{} { return x.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (x *Exchange) Result() (*protocol.Message, error) {
	select {
	case <-x.done:
		return x.msg, x.err
	default:
		return nil, errors.New("session: exchange still pending")
	}
}

// Wait blocks until the exchange resolves or ctx ends. When ctx ends first
// the exchange is cancelled; a context deadline is reported as a
// *TimeoutError.
func (x *Exchange) Wait(ctx context.Context) (*protocol.Message, error) {
	select {
	case <-x.done:
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Seq: x.seq, Cmd: x.cmd, After: x.timeout}
		}
		x.cancel(err)
		<-x.done
	}
	return x.msg, x.err
}

// Cancel removes the exchange from the session. It is a no-op once the
// exchange has resolved.
func (x *Exchange) Cancel() {
	x.cancel(context.Canceled)
}

func (x *Exchange) cancel(err error) {
	x.s.take(x.seq, x)
	x.resolve(nil, err)
}

func (x *Exchange) expire() {
	if x.s.take(x.seq, x) == nil {
		return
	}
	x.s.logger.Warn("request timeout", "cmd", x.cmd, "seq", x.seq, "after", x.timeout)
	x.resolve(nil, &TimeoutError{Seq: x.seq, Cmd: x.cmd, After: x.timeout})
}

func (x *Exchange) resolve(msg *protocol.Message, err error) {
	x.once.Do(func() {
		x.timer.Stop()
		x.msg, x.err = msg, err
		close(x.done)
	})
}

package conn

import (
	"context"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// ReplyCallback is the per-request completion handler supplied to Send.
// Complete is invoked exactly once: with a decoded reply on success, or a
// non-nil error (ConnectionLost, NoReply, a *driverr.ReplyError, ...) when
// none arrives.
type ReplyCallback interface {
	// Lightweight reports whether Complete's body is safe to run inline on
	// the connection's receive goroutine — no blocking I/O, no further
	// Send calls that could themselves block on backpressure.
	Lightweight() bool
	Complete(ctx context.Context, reply wire.Reply, err error)
}

// CallbackFunc adapts a plain function into a ReplyCallback.
type CallbackFunc struct {
	Fn            func(ctx context.Context, reply wire.Reply, err error)
	IsLightweight bool
}

func (c CallbackFunc) Lightweight() bool { return c.IsLightweight }

func (c CallbackFunc) Complete(ctx context.Context, reply wire.Reply, err error) {
	if c.Fn != nil {
		c.Fn(ctx, reply, err)
	}
}

// Executor hands callback bodies off to a pool of goroutines instead of
// running them inline on the receive goroutine (§4.1, §6.3 with_executor).
// Submit returns an error if the task was rejected (e.g. a bounded worker
// pool is full); the caller falls back to running the callback inline.
type Executor interface {
	Submit(func()) error
}

// ctxReaderKey marks a context as having been produced for a callback
// invoked synchronously on the connection's own receive goroutine. A
// callback that re-enters Send with this context takes the non-blocking
// queue path instead of risking a self-deadlock (§4.1, §9 reader-thread
// flush coupling).
type ctxReaderKey struct{}

func withReaderMark(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxReaderKey{}, true)
}

func isFromReader(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(ctxReaderKey{}).(bool)
	return v
}

// dispatch runs cb.Complete either inline (on the receive goroutine) or on
// the connection's executor, falling back to inline on rejection. Inline runs
// (including the rejection fallback) pass the callback a reader-marked
// context; runs on the executor pass a plain background context.
func (c *SocketConnection) dispatch(cb ReplyCallback, reply wire.Reply, err error) {
	if cb == nil {
		return
	}
	readerCtx := withReaderMark(context.Background())

	if cb.Lightweight() || c.executor == nil {
		c.safeComplete(cb, readerCtx, reply, err)
		return
	}
	submitErr := c.executor.Submit(func() {
		c.safeComplete(cb, context.Background(), reply, err)
	})
	if submitErr != nil {
		c.log.Log(xlog.LevelWarn, "executor rejected callback, running inline", "err", submitErr)
		c.safeComplete(cb, readerCtx, reply, err)
	}
}

// safeComplete recovers a panicking callback so one caller's bug can't take
// down the shared receive goroutine.
func (c *SocketConnection) safeComplete(cb ReplyCallback, ctx context.Context, reply wire.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Log(xlog.LevelWarn, "reply callback panicked", "recovered", r)
		}
	}()
	cb.Complete(ctx, reply, err)
}

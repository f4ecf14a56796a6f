// Package bridge serializes operations onto a single service goroutine.
// Callers on any goroutine submit a function and block for its result;
// the service goroutine drains and executes submissions in FIFO order,
// a bounded number per iteration.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds how long a submitter waits for its result.
const DefaultTimeout = 10 * time.Second

const queueCapacity = 64

var (
	// ErrTimeout is returned when no result arrived within the bound.
	// The command may still execute later; its result is discarded.
	ErrTimeout = errors.New("bridge: command timed out")

	// ErrClosed is returned for submissions after Close.
	ErrClosed = errors.New("bridge: closed")
)

type outcome struct {
	value any
	err   error
}

type command[T any] struct {
	id   uint64
	name string
	fn   func(T) (any, error)
	// result is buffered so the executor's send never blocks and a send
	// after the submitter gave up is a harmless no-op.
	result chan outcome
}

// Bridge hands commands from arbitrary goroutines to one service
// goroutine. T is the capability token type the executor passes into
// each command.
type Bridge[T any] struct {
	timeout   time.Duration
	queue     chan *command[T]
	nextID    atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a bridge. A non-positive timeout selects DefaultTimeout.
func New[T any](timeout time.Duration) *Bridge[T] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge[T]{
		timeout: timeout,
		queue:   make(chan *command[T], queueCapacity),
		closed:  make(chan struct{}),
	}
}

// Submit queues fn for the service goroutine and blocks until its result,
// the bridge timeout, or ctx cancellation. Exactly one outcome is observed
// per submission: a value, an error from fn, ErrTimeout, ErrClosed, or the
// context error. Errors returned by fn come back verbatim.
func (b *Bridge[T]) Submit(ctx context.Context, name string, fn func(T) (any, error)) (any, error) {
	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}

	cmd := &command[T]{
		id:     b.nextID.Add(1),
		name:   name,
		fn:     fn,
		result: make(chan outcome, 1),
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.queue <- cmd:
	case <-timer.C:
		slog.Error("[Bridge] Command timeout before enqueue", "op", name, "cmd_id", cmd.id)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, ErrClosed
	}

	select {
	case out := <-cmd.result:
		return out.value, out.err
	case <-timer.C:
		slog.Error("[Bridge] Command timeout", "op", name, "cmd_id", cmd.id)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		// Prefer a result that raced the close.
		select {
		case out := <-cmd.result:
			return out.value, out.err
		default:
		}
		return nil, ErrClosed
	}
}

// Drain executes up to max queued commands in submission order and reports
// how many ran. Service goroutine only.
func (b *Bridge[T]) Drain(tok T, max int) int {
	n := 0
	for n < max {
		select {
		case cmd := <-b.queue:
			value, err := cmd.fn(tok)
			cmd.result <- outcome{value: value, err: err}
			if err != nil {
				slog.Debug("[Bridge] Command failed", "op", cmd.name, "cmd_id", cmd.id, "error", err)
			}
			n++
		default:
			return n
		}
	}
	return n
}

// Pending reports the number of queued, not yet executed commands.
func (b *Bridge[T]) Pending() int {
	return len(b.queue)
}

// Close fails subsequent and in-flight submissions with ErrClosed.
// Queued commands are abandoned unexecuted.
func (b *Bridge[T]) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

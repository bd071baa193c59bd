// Package bridge serializes access to state owned by a single goroutine.
// Worker goroutines submit closures to a Loop and block until the owner has
// run them or a deadline passes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/islandgate/pkg/protocol"
)

const logPrefix = "bridge:loop"

// DefaultTimeout bounds a Call when no positive timeout is given.
const DefaultTimeout = 5 * time.Second

// DefaultQueueSize is the task queue capacity used by NewLoop when size <= 0.
const DefaultQueueSize = 256

// ErrStopped is returned by Post once the loop has been stopped.
var ErrStopped = errors.New("bridge: loop stopped")

const (
	taskPending int32 = iota
	taskRunning
	taskCancelled
)

type task struct {
	ctx   context.Context
	fn    func(ctx context.Context)
	state atomic.Int32
}

// cancel marks the task as abandoned. It returns false when the owner has
// already started it.
func (t *task) cancel() bool {
	return t.state.CompareAndSwap(taskPending, taskCancelled)
}

type ownerKey struct{}

// Loop runs submitted tasks one at a time on its own goroutine.
type Loop struct {
	tasks chan *task

	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}

	ran     atomic.Uint64
	skipped atomic.Uint64
}

// NewLoop creates a loop with the given queue capacity. It does not run
// tasks until Start is called.
func NewLoop(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Loop{
		tasks: make(chan *task, queueSize),
		done:  make(chan struct{}),
	}
}

// Start launches the owner goroutine. Calling it more than once is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startLocked()
}

func (l *Loop) startLocked() {
	if l.started {
		return
	}
	l.started = true
	go l.run()
	slog.Info(fmt.Sprintf("%s - Owner loop started", logPrefix))
}

// Stop rejects new tasks, runs everything already queued and waits for the
// owner goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	close(l.tasks)
	l.startLocked()
	l.mu.Unlock()

	<-l.done
	slog.Info(fmt.Sprintf("%s - Owner loop stopped (ran=%d skipped=%d)", logPrefix, l.ran.Load(), l.skipped.Load()))
}

func (l *Loop) run() {
	defer close(l.done)
	for t := range l.tasks {
		if !t.state.CompareAndSwap(taskPending, taskRunning) {
			l.skipped.Add(1)
			continue
		}
		t.fn(context.WithValue(t.ctx, ownerKey{}, l))
		l.ran.Add(1)
	}
}

// Post queues fn to run on the owner goroutine without waiting for it.
// Panics raised by fn are logged and swallowed.
func (l *Loop) Post(fn func(ctx context.Context)) error {
	t := &task{ctx: context.Background()}
	t.fn = func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error(fmt.Sprintf("%s - Posted task panicked: %v\n%s", logPrefix, r, debug.Stack()))
			}
		}()
		fn(ctx)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return ErrStopped
	}
	l.tasks <- t
	return nil
}

// enqueue places t on the queue unless the loop is stopped or the caller
// gives up first.
func (l *Loop) enqueue(t *task, expired <-chan time.Time, cancelled <-chan struct{}) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return ErrStopped
	}
	select {
	case l.tasks <- t:
		return nil
	case <-expired:
		return protocol.ErrTimeout
	case <-cancelled:
		return protocol.ErrTimeout
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	return len(l.tasks)
}

// Owns reports whether ctx belongs to a task running on this loop.
func (l *Loop) Owns(ctx context.Context) bool {
	owner, _ := ctx.Value(ownerKey{}).(*Loop)
	return owner == l
}

// OnOwner reports whether ctx belongs to a task running on any loop.
func OnOwner(ctx context.Context) bool {
	_, ok := ctx.Value(ownerKey{}).(*Loop)
	return ok
}

// Call runs fn on the loop's owner goroutine and returns its result.
//
// When ctx already belongs to the owner, fn runs inline. Otherwise the
// caller blocks until fn finishes, timeout elapses or ctx is done. On expiry
// the task is skipped if it has not started yet; a task already running is
// left to finish and its result is discarded. Expiry yields a retryable
// TIMEOUT error. Panics and untyped errors become INTERNAL; typed protocol
// errors are returned unchanged.
func Call[T any](ctx context.Context, l *Loop, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if l.Owns(ctx) {
		return invoke(ctx, fn)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	t := &task{ctx: context.WithoutCancel(ctx)}
	t.fn = func(octx context.Context) {
		v, err := invoke(octx, fn)
		done <- outcome{v: v, err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	if err := l.enqueue(t, timer.C, ctx.Done()); err != nil {
		if errors.Is(err, ErrStopped) {
			slog.Warn(fmt.Sprintf("%s - Call rejected: loop stopped", logPrefix))
			return zero, protocol.ErrInternal
		}
		return zero, timeoutError(timeout)
	}

	select {
	case o := <-done:
		return o.v, o.err
	case <-timer.C:
	case <-ctx.Done():
	}

	if !t.cancel() {
		slog.Warn(fmt.Sprintf("%s - Task exceeded %s on the owner; result will be discarded", logPrefix, timeout))
	}
	return zero, timeoutError(timeout)
}

func timeoutError(timeout time.Duration) *protocol.Error {
	return protocol.Errorf(protocol.CodeTimeout, "owner did not complete within %s", timeout)
}

// invoke runs fn, converting panics and untyped errors into INTERNAL.
func invoke[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - Task panicked: %v\n%s", logPrefix, r, debug.Stack()))
			var zero T
			v, err = zero, protocol.ErrInternal
		}
	}()

	v, err = fn(ctx)
	if err == nil {
		return v, nil
	}
	var typed *protocol.Error
	if errors.As(err, &typed) {
		return v, typed
	}
	slog.Error(fmt.Sprintf("%s - Task failed: %v", logPrefix, err))
	return v, protocol.AsError(err)
}

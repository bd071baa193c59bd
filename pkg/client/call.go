package client

import (
	"context"
	"sync"
	"time"

	"github.com/morezero/islandgate/pkg/protocol"
)

// Call is a pending request. It resolves exactly once.
type Call struct {
	ID       string
	Op       protocol.Operation
	Deadline time.Time

	once   sync.Once
	done   chan struct{}
	result protocol.Result
	timer  *time.Timer
}

func newCall(id string, op protocol.Operation, deadline time.Time) *Call {
	return &Call{ID: id, Op: op, Deadline: deadline, done: make(chan struct{})}
}

// resolve records res unless the call already resolved. It reports whether
// res was recorded.
func (c *Call) resolve(res protocol.Result) bool {
	resolved := false
	c.once.Do(func() {
		c.result = res
		resolved = true
		close(c.done)
	})
	return resolved
}

// Done is closed once the call has resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome and whether the call has resolved.
func (c *Call) Result() (protocol.Result, bool) {
	select {
	case <-c.done:
		return c.result, true
	default:
		return protocol.Result{}, false
	}
}

// Wait blocks until the call resolves or ctx ends. Ending ctx only stops
// waiting; the call still resolves at its deadline.
func (c *Call) Wait(ctx context.Context) (protocol.Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return protocol.Result{}, ctx.Err()
	}
}

// Package client submits operations to the authoritative process and
// correlates signed responses back to the waiting caller.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/islandgate/pkg/commsutil"
	"github.com/morezero/islandgate/pkg/dispatcher"
	"github.com/morezero/islandgate/pkg/protocol"
)

const logPrefix = "client:client"

// DefaultTimeout bounds a call when Options.Timeout is not set.
const DefaultTimeout = 10 * time.Second

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("client: closed")
	// ErrNoTransport is returned by New without a connection or a local router.
	ErrNoTransport = errors.New("client: a connection or a local router is required")
)

// Payload is the request data a customizer fills in.
type Payload map[string]any

// Options configures a Client.
type Options struct {
	Prefix string
	// Origin scopes correlation ids to this client's response channel.
	Origin  string
	Timeout time.Duration
	// Local answers requests in process when the router lives here. The
	// request and response still go through the codec on both sides.
	Local *dispatcher.Router
}

// Client is safe for concurrent use.
type Client struct {
	nc      *comms.Conn
	codec   *commsutil.Codec
	prefix  string
	origin  string
	timeout time.Duration
	local   *dispatcher.Router

	sub *comms.Subscription

	mu      sync.Mutex
	pending map[string]*Call
	closed  bool
}

// New creates a Client and, when nc is set, subscribes to the responses
// addressed to its origin.
func New(nc *comms.Conn, codec *commsutil.Codec, opts Options) (*Client, error) {
	if nc == nil && opts.Local == nil {
		return nil, ErrNoTransport
	}
	c := &Client{
		nc:      nc,
		codec:   codec,
		prefix:  opts.Prefix,
		origin:  protocol.SanitizeToken(opts.Origin),
		timeout: opts.Timeout,
		local:   opts.Local,
		pending: make(map[string]*Call),
	}
	if c.prefix == "" {
		c.prefix = commsutil.DefaultPrefix
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}

	if nc != nil && c.local == nil {
		pattern := commsutil.ResponsePattern(c.prefix, c.origin)
		sub, err := nc.Subscribe(pattern, c.onResponse)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, pattern, err)
		}
		if err := nc.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, fmt.Errorf("%s - failed to flush subscription: %w", logPrefix, err)
		}
		c.sub = sub
		slog.Info(fmt.Sprintf("%s - Awaiting responses on %s", logPrefix, pattern))
	}
	return c, nil
}

// Execute submits op and waits for its result.
func (c *Client) Execute(ctx context.Context, op protocol.Operation, actor string, customize func(Payload)) (protocol.Result, error) {
	call, err := c.Submit(ctx, op, actor, customize)
	if err != nil {
		return protocol.Result{}, err
	}
	return call.Wait(ctx)
}

// Submit builds, signs and sends a request and returns its pending Call.
// The call resolves with the matching response or with a retryable TIMEOUT
// at its deadline, whichever comes first.
func (c *Client) Submit(ctx context.Context, op protocol.Operation, actor string, customize func(Payload)) (*Call, error) {
	payload := Payload{}
	if customize != nil {
		customize(payload)
	}
	data, err := commsutil.EncodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode payload for %s: %w", logPrefix, op, err)
	}

	env := protocol.NewRequest(protocol.NewID(c.origin), string(op), actor, data)
	raw, err := c.codec.Seal(env)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to seal %s: %w", logPrefix, op, err)
	}

	// The call times out at the earlier of the configured timeout and the
	// caller's deadline; the TIMEOUT message reports whichever applied.
	bound := c.timeout
	deadline := time.Now().Add(bound)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
		bound = time.Until(d).Round(time.Millisecond)
	}
	call := newCall(env.ID, op, deadline)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	call.timer = time.AfterFunc(time.Until(deadline), func() {
		c.forget(call.ID)
		if call.resolve(timeoutResult(bound)) {
			slog.Warn(fmt.Sprintf("%s - %s %s timed out", logPrefix, op, call.ID))
		}
	})
	c.pending[call.ID] = call
	c.mu.Unlock()

	if c.local != nil {
		go c.answerLocally(ctx, call, raw)
		return call, nil
	}

	if err := c.nc.Publish(commsutil.RequestSubject(c.prefix, string(op)), raw); err != nil {
		c.forget(call.ID)
		call.timer.Stop()
		return nil, fmt.Errorf("%s - failed to publish %s: %w", logPrefix, op, err)
	}
	return call, nil
}

// answerLocally runs the same open, dispatch, seal and open steps a bus
// round trip performs, without the bus.
func (c *Client) answerLocally(ctx context.Context, call *Call, raw []byte) {
	req, err := c.codec.Open(raw)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - local request %s did not verify: %v", logPrefix, call.ID, err))
		return
	}
	respRaw, err := c.codec.Seal(c.local.Respond(context.WithoutCancel(ctx), req))
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to seal local response %s: %v", logPrefix, call.ID, err))
		return
	}
	resp, err := c.codec.Open(respRaw)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - local response %s did not verify: %v", logPrefix, call.ID, err))
		return
	}
	c.deliver(resp)
}

func (c *Client) onResponse(msg *comms.Msg) {
	env, err := c.codec.Open(msg.Data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Dropped response on %s: %v", logPrefix, msg.Subject, err))
		return
	}
	if env.Kind != protocol.KindResponse {
		slog.Warn(fmt.Sprintf("%s - Dropped %s envelope on %s", logPrefix, env.Kind, msg.Subject))
		return
	}
	c.deliver(env)
}

// deliver resolves the pending call matching env.ID. Responses for unknown
// or already resolved calls are discarded.
func (c *Client) deliver(env *protocol.Envelope) {
	c.mu.Lock()
	call, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()

	if !ok {
		slog.Debug(fmt.Sprintf("%s - Discarding stale response %s", logPrefix, env.ID))
		return
	}
	call.timer.Stop()
	call.resolve(env.Result())
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns the number of unresolved calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close unsubscribes and resolves every pending call with a retryable
// TIMEOUT.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*Call)
	c.mu.Unlock()

	for _, call := range pending {
		call.timer.Stop()
		call.resolve(protocol.Failure(protocol.NewError(protocol.CodeTimeout, "client closed before a response arrived")))
	}
	if c.sub != nil {
		return c.sub.Unsubscribe()
	}
	return nil
}

func timeoutResult(timeout time.Duration) protocol.Result {
	return protocol.Failure(protocol.Errorf(protocol.CodeTimeout, "no response within %s", timeout))
}

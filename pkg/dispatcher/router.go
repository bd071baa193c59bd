package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/morezero/islandgate/pkg/bridge"
	"github.com/morezero/islandgate/pkg/commsutil"
	"github.com/morezero/islandgate/pkg/events"
	"github.com/morezero/islandgate/pkg/idempotency"
	"github.com/morezero/islandgate/pkg/protocol"
)

const logPrefix = "dispatcher:router"

const (
	defaultIdempotencyTTL = 5 * time.Minute
	claimPollInterval     = 10 * time.Millisecond
)

// Publisher sends raw bytes on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// RouterParams holds the dependencies of a Router. Store, Loop, Events,
// Conn and Metrics are optional.
type RouterParams struct {
	Prefix string
	Codec  *commsutil.Codec
	// Conn carries responses produced by HandleMessage.
	Conn Publisher
	// Store enables idempotent replay for handlers with a Key.
	Store          idempotency.Store
	IdempotencyTTL time.Duration
	// Loop is the owner loop that OnOwner handlers run on.
	Loop          *bridge.Loop
	BridgeTimeout time.Duration
	Events        events.EventPublisher
	Metrics       *Metrics
	Tracer        trace.Tracer
}

// Router maps operations to handlers and produces one terminal Result per
// request.
type Router struct {
	prefix        string
	codec         *commsutil.Codec
	conn          Publisher
	store         idempotency.Store
	ttl           time.Duration
	loop          *bridge.Loop
	bridgeTimeout time.Duration
	events        events.EventPublisher
	metrics       *Metrics
	tracer        trace.Tracer

	handlers map[protocol.Operation]Handler
}

// NewRouter creates a Router with an empty handler table.
func NewRouter(p RouterParams) *Router {
	r := &Router{
		prefix:        p.Prefix,
		codec:         p.Codec,
		conn:          p.Conn,
		store:         p.Store,
		ttl:           p.IdempotencyTTL,
		loop:          p.Loop,
		bridgeTimeout: p.BridgeTimeout,
		events:        p.Events,
		metrics:       p.Metrics,
		tracer:        p.Tracer,
		handlers:      make(map[protocol.Operation]Handler),
	}
	if r.prefix == "" {
		r.prefix = commsutil.DefaultPrefix
	}
	if r.ttl <= 0 {
		r.ttl = defaultIdempotencyTTL
	}
	if r.bridgeTimeout <= 0 {
		r.bridgeTimeout = bridge.DefaultTimeout
	}
	if r.events == nil {
		r.events = &events.NoOpPublisher{}
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("islandgate/dispatcher")
	}
	return r
}

// Register adds handlers to the table. Operations outside the protocol set
// and duplicate registrations are rejected.
func (r *Router) Register(handlers ...Handler) error {
	for _, h := range handlers {
		if _, ok := protocol.ParseOperation(string(h.Op)); !ok {
			return fmt.Errorf("%s - cannot register unknown operation %q", logPrefix, h.Op)
		}
		if h.Func == nil {
			return fmt.Errorf("%s - handler for %s has no func", logPrefix, h.Op)
		}
		if h.OnOwner && r.loop == nil {
			return fmt.Errorf("%s - handler for %s needs an owner loop", logPrefix, h.Op)
		}
		if _, dup := r.handlers[h.Op]; dup {
			return fmt.Errorf("%s - duplicate handler for %s", logPrefix, h.Op)
		}
		r.handlers[h.Op] = h
	}
	return nil
}

// Operations returns the registered operations in name order.
func (r *Router) Operations() []protocol.Operation {
	ops := make([]protocol.Operation, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Dispatch runs a verified request envelope to completion and returns its
// Result. It never returns without a terminal outcome.
func (r *Router) Dispatch(ctx context.Context, env *protocol.Envelope) protocol.Result {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "dispatch "+env.Op, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("islandgate.id", env.ID),
		attribute.String("islandgate.op", env.Op),
		attribute.String("islandgate.actor", env.Actor),
	)

	res := r.dispatch(ctx, env)

	code := "OK"
	if !res.Ok {
		code = res.Err().Code
		span.SetStatus(codes.Error, code)
	}
	span.SetAttributes(attribute.String("islandgate.code", code))
	r.metrics.observe(env.Op, code, time.Since(start))
	slog.Debug(fmt.Sprintf("%s - op=%s id=%s actor=%s code=%s", logPrefix, env.Op, env.ID, env.Actor, code))
	return res
}

func (r *Router) dispatch(ctx context.Context, env *protocol.Envelope) protocol.Result {
	if !protocol.CompatibleVersion(env.V) {
		return protocol.Failure(protocol.Errorf(protocol.CodeUnsupportedVersion, "protocol version %q is not supported", env.V))
	}
	if env.Kind != protocol.KindRequest {
		return protocol.Failure(protocol.Errorf(protocol.CodeBadRequest, "expected a request envelope, got %q", env.Kind))
	}

	op, _ := protocol.ParseOperation(env.Op)
	h, ok := r.handlers[op]
	if !ok {
		return protocol.Failure(protocol.Errorf(protocol.CodeUnknownOperation, "unknown operation: %s", env.Op))
	}
	if h.RequiresActor && env.Actor == "" {
		return protocol.Failure(protocol.Errorf(protocol.CodeBadRequest, "%s requires an actor", env.Op))
	}

	req := Request{ID: env.ID, Op: op, Actor: env.Actor, Data: env.Data}
	if h.Key == nil || r.store == nil {
		return r.execute(ctx, h, req, "")
	}

	part, err := h.Key(env.Actor, env.Data)
	if err != nil {
		return protocol.Failure(badRequest(err))
	}
	key := KeyRef{Op: op, Actor: env.Actor, Part: part}.StoreKey()

	cached, claimed, err := r.acquire(ctx, key)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - idempotency store failed for %s: %v", logPrefix, key, err))
		return protocol.Failure(protocol.ErrInternal)
	}
	if cached != nil {
		r.metrics.replay(env.Op)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("islandgate.replay", true))
		return *cached
	}
	if !claimed {
		return protocol.Failure(protocol.Errorf(protocol.CodeInProgress, "%s is already being processed", env.Op))
	}
	defer func() {
		if err := r.store.Release(context.WithoutCancel(ctx), key); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to release claim %s: %v", logPrefix, key, err))
		}
	}()
	return r.execute(ctx, h, req, key)
}

// acquire returns the cached result for key, or claims it for this request.
// When another request holds the claim it waits up to the bridge timeout
// for that request's result.
func (r *Router) acquire(ctx context.Context, key string) (*protocol.Result, bool, error) {
	deadline := time.Now().Add(r.bridgeTimeout)
	claimTTL := 2 * r.bridgeTimeout
	for {
		rec, found, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if found {
			return &rec.Result, false, nil
		}
		claimed, err := r.store.Claim(ctx, key, claimTTL)
		if err != nil {
			return nil, false, err
		}
		if claimed {
			return nil, true, nil
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, nil
		case <-time.After(claimPollInterval):
		}
	}
}

// execute runs the handler, stores a successful result under key (when
// set), drops the results it supersedes and only then publishes the
// handler's events.
func (r *Router) execute(ctx context.Context, h Handler, req Request, key string) protocol.Result {
	out, err := r.invoke(ctx, h, req)
	if err != nil {
		return protocol.Failure(err)
	}

	res, err := protocol.Success(out.Data)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode %s result: %v", logPrefix, req.Op, err))
		return protocol.Failure(protocol.ErrInternal)
	}

	if key != "" {
		if err := r.store.Put(context.WithoutCancel(ctx), key, res, r.ttl); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to store result for %s: %v", logPrefix, key, err))
		}
	}
	r.forget(ctx, out.Supersedes)

	for _, ev := range out.Events {
		if err := r.events.Publish(ctx, ev); err != nil {
			r.metrics.eventFailed(ev.Type)
			slog.Warn(fmt.Sprintf("%s - failed to publish %s event: %v", logPrefix, ev.Type, err))
		}
	}
	return res
}

// forget drops the cached results a mutation has made stale.
func (r *Router) forget(ctx context.Context, refs []KeyRef) {
	if r.store == nil {
		return
	}
	for _, ref := range refs {
		key := ref.StoreKey()
		if err := r.store.Delete(context.WithoutCancel(ctx), key); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to drop stale result %s: %v", logPrefix, key, err))
		}
	}
}

// invoke calls the handler on the owner loop or inline. Errors leave as
// typed protocol errors.
func (r *Router) invoke(ctx context.Context, h Handler, req Request) (Outcome, error) {
	call := func(ctx context.Context) (Outcome, error) {
		return h.Func(ctx, req)
	}
	if h.OnOwner {
		return bridge.Call(ctx, r.loop, r.bridgeTimeout, call)
	}
	return safeCall(ctx, req.Op, call)
}

func safeCall(ctx context.Context, op protocol.Operation, fn func(context.Context) (Outcome, error)) (out Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error(fmt.Sprintf("%s - handler %s panicked: %v\n%s", logPrefix, op, rec, debug.Stack()))
			out, err = Outcome{}, protocol.ErrInternal
		}
	}()
	out, err = fn(ctx)
	if err != nil {
		var typed *protocol.Error
		if !errors.As(err, &typed) {
			slog.Error(fmt.Sprintf("%s - handler %s failed: %v", logPrefix, op, err))
		}
		return Outcome{}, protocol.AsError(err)
	}
	return out, nil
}

func badRequest(err error) *protocol.Error {
	var typed *protocol.Error
	if errors.As(err, &typed) {
		return typed
	}
	return protocol.Errorf(protocol.CodeBadRequest, "malformed payload: %v", err)
}

// Respond dispatches env and returns the unsigned response envelope.
func (r *Router) Respond(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	return protocol.NewResponse(env.ID, r.Dispatch(ctx, env))
}

// HandleMessage dispatches env and publishes the signed response on the
// channel derived from its id.
func (r *Router) HandleMessage(ctx context.Context, env *protocol.Envelope) {
	r.reply(env.ID, r.Respond(ctx, env))
}

// Reject answers env with err without dispatching it.
func (r *Router) Reject(env *protocol.Envelope, err error) {
	r.reply(env.ID, protocol.NewResponse(env.ID, protocol.Failure(err)))
}

func (r *Router) reply(id string, resp *protocol.Envelope) {
	if r.conn == nil || r.codec == nil {
		slog.Warn(fmt.Sprintf("%s - no transport configured, dropping response %s", logPrefix, id))
		return
	}
	raw, err := r.codec.Seal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to seal response %s: %v", logPrefix, id, err))
		return
	}
	subject := commsutil.ResponseSubject(r.prefix, id)
	if err := r.conn.Publish(subject, raw); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish response on %s: %v", logPrefix, subject, err))
	}
}

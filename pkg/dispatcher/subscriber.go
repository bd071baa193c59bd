package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/islandgate/pkg/commsutil"
	"github.com/morezero/islandgate/pkg/protocol"
)

const subscriberLogPrefix = "dispatcher:subscriber"

const (
	defaultWorkers   = 8
	defaultQueueSize = 64
	drainPoll        = 10 * time.Millisecond
)

// State is the lifecycle position of a Subscriber.
type State int

const (
	StateIdle State = iota
	StateSubscribed
	StateUnsubscribing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrNotIdle is returned by Start on a subscriber that already ran.
	ErrNotIdle = errors.New("dispatcher: subscriber is not idle")
)

// SubscriberParams configures a Subscriber.
type SubscriberParams struct {
	Conn   *comms.Conn
	Codec  *commsutil.Codec
	Router *Router
	Prefix string
	// Workers is the size of the worker pool.
	Workers int
	// QueueSize bounds the requests waiting for a worker.
	QueueSize int
	// RequestTimeout bounds each dispatch. Zero means no extra bound.
	RequestTimeout time.Duration
	Metrics        *Metrics
}

// Subscriber listens on the request pattern, verifies each envelope and
// hands it to a bounded worker pool. When the queue is full the request is
// answered with a retryable OVERLOADED error instead of blocking delivery.
type Subscriber struct {
	nc             *comms.Conn
	codec          *commsutil.Codec
	router         *Router
	prefix         string
	workers        int
	queueSize      int
	requestTimeout time.Duration
	metrics        *Metrics

	mu    sync.RWMutex
	state State
	sub   *comms.Subscription
	jobs  chan *protocol.Envelope
	group *errgroup.Group
}

// NewSubscriber creates an idle Subscriber.
func NewSubscriber(p SubscriberParams) *Subscriber {
	s := &Subscriber{
		nc:             p.Conn,
		codec:          p.Codec,
		router:         p.Router,
		prefix:         p.Prefix,
		workers:        p.Workers,
		queueSize:      p.QueueSize,
		requestTimeout: p.RequestTimeout,
		metrics:        p.Metrics,
	}
	if s.prefix == "" {
		s.prefix = commsutil.DefaultPrefix
	}
	if s.workers <= 0 {
		s.workers = defaultWorkers
	}
	if s.queueSize <= 0 {
		s.queueSize = defaultQueueSize
	}
	return s
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start launches the workers and subscribes to the request pattern. ctx is
// the parent of every dispatch.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrNotIdle
	}

	s.jobs = make(chan *protocol.Envelope, s.queueSize)
	s.group = &errgroup.Group{}
	for i := 0; i < s.workers; i++ {
		s.group.Go(func() error {
			s.work(ctx)
			return nil
		})
	}

	pattern := commsutil.RequestPattern(s.prefix)
	sub, err := s.nc.Subscribe(pattern, s.onMessage)
	if err != nil {
		close(s.jobs)
		_ = s.group.Wait()
		s.state = StateStopped
		return fmt.Errorf("%s - failed to subscribe to %s: %w", subscriberLogPrefix, pattern, err)
	}
	s.sub = sub
	s.state = StateSubscribed
	slog.Info(fmt.Sprintf("%s - Subscribed to %s with %d workers (queue %d)", subscriberLogPrefix, pattern, s.workers, s.queueSize))
	return nil
}

func (s *Subscriber) work(ctx context.Context) {
	for env := range s.jobs {
		s.metrics.setQueueDepth(len(s.jobs))
		reqCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.requestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		}
		s.router.HandleMessage(reqCtx, env)
		cancel()
	}
}

// onMessage runs on the subscription's delivery goroutine and never blocks
// on the worker pool.
func (s *Subscriber) onMessage(msg *comms.Msg) {
	env, err := s.codec.Open(msg.Data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, commsutil.ErrBadSignature) {
			reason = "bad_signature"
		}
		s.metrics.drop(reason)
		slog.Warn(fmt.Sprintf("%s - Dropped envelope on %s: %v", subscriberLogPrefix, msg.Subject, err))
		return
	}
	if env.Kind != protocol.KindRequest {
		s.metrics.drop("not_request")
		slog.Warn(fmt.Sprintf("%s - Dropped %s envelope on %s", subscriberLogPrefix, env.Kind, msg.Subject))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateStopped {
		s.metrics.drop("stopped")
		return
	}
	select {
	case s.jobs <- env:
		s.metrics.setQueueDepth(len(s.jobs))
	default:
		s.metrics.overload()
		slog.Warn(fmt.Sprintf("%s - Worker queue full, rejecting %s %s", subscriberLogPrefix, env.Op, env.ID))
		s.router.Reject(env, protocol.ErrOverloaded)
	}
}

// Stop drains the subscription, lets queued requests finish and waits for
// the workers. It returns ctx.Err() if ctx ends first.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateSubscribed {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = StateUnsubscribing
	sub := s.sub
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Draining %s", subscriberLogPrefix, sub.Subject))
	if err := sub.Drain(); err != nil {
		slog.Warn(fmt.Sprintf("%s - Drain failed, unsubscribing: %v", subscriberLogPrefix, err))
		_ = sub.Unsubscribe()
	}
	for sub.IsValid() {
		select {
		case <-ctx.Done():
			s.finish()
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}

	s.finish()
	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info(fmt.Sprintf("%s - Stopped", subscriberLogPrefix))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish closes the job queue once; late deliveries are dropped.
func (s *Subscriber) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.state = StateStopped
	close(s.jobs)
}

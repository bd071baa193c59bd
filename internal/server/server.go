// Package server orchestrates all components: COMMS connection, idempotency
// store, owner loop, router, subscriber, event publishing and HTTP health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/morezero/islandgate/internal/config"
	"github.com/morezero/islandgate/pkg/bridge"
	"github.com/morezero/islandgate/pkg/client"
	"github.com/morezero/islandgate/pkg/commsutil"
	"github.com/morezero/islandgate/pkg/dispatcher"
	"github.com/morezero/islandgate/pkg/events"
	"github.com/morezero/islandgate/pkg/island"
	"github.com/morezero/islandgate/pkg/protocol"
	"github.com/morezero/islandgate/pkg/security"
)

const logPrefix = "server:server"

// Server is one islandgate node. An authoritative node owns the world and
// answers requests; any other node only submits requests and listens to
// events.
type Server struct {
	cfg    *config.Config
	nodeID string

	nc        *comms.Conn
	codec     *commsutil.Codec
	store     *storeHandle
	publisher *events.CommsPublisher
	client    *client.Client
	registry  *prometheus.Registry

	// Authoritative only.
	loop   *bridge.Loop
	world  *island.World
	router *dispatcher.Router
	sub    *dispatcher.Subscriber

	// Client nodes only.
	listener *events.Listener
	received *prometheus.CounterVec

	httpServer *http.Server
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting islandgate", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Shutdown(context.Background())
		return err
	}

	slog.Info(fmt.Sprintf("%s - islandgate node %s is ready (authoritative=%t)", logPrefix, s.nodeID, cfg.Authoritative))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// SetupLogging installs a text slog handler on stdout at the given level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// NodeID returns NODE_ID, or a name derived from SERVICE_NAME that is
// unique per process.
func NodeID(cfg *config.Config) string {
	if cfg.NodeID != "" {
		return protocol.SanitizeToken(cfg.NodeID)
	}
	return protocol.SanitizeToken(cfg.COMMSName) + "-" + uuid.NewString()[:8]
}

// NewCodec builds the signing codec every node on a channel prefix shares.
func NewCodec(cfg *config.Config) *commsutil.Codec {
	return commsutil.NewCodec(security.NewSigner([]byte(cfg.SigningSecret), cfg.SignatureWindow), cfg.CompressionThreshold)
}

// New connects and wires every component without accepting traffic yet.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg, nodeID: NodeID(cfg), codec: NewCodec(cfg)}

	// Step 1: Connect to COMMS
	nc, err := commsutil.Connect(cfg.COMMSURL, s.nodeID)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 2: Metrics registry
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := dispatcher.NewMetrics(s.registry)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("%s - failed to register metrics: %w", logPrefix, err)
	}

	s.publisher = events.NewCommsPublisher(nc, s.codec, &events.CommsPublisherOpts{Prefix: cfg.ChannelPrefix})

	if cfg.Authoritative {
		if err := s.wireAuthority(ctx, metrics); err != nil {
			s.closeAll()
			return nil, err
		}
	} else {
		s.received = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "islandgate", Subsystem: "events", Name: "received_total",
			Help: "Verified events received by this node",
		}, []string{"type"})
		s.registry.MustRegister(s.received)
	}

	// Step 5: Client facade; co-located with the router it answers in process.
	s.client, err = client.New(nc, s.codec, client.Options{
		Prefix:  cfg.ChannelPrefix,
		Origin:  s.nodeID,
		Timeout: cfg.RequestTimeout,
		Local:   s.router,
	})
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("%s - failed to create client: %w", logPrefix, err)
	}

	// Step 6: HTTP health server
	if cfg.HTTPPort > 0 {
		s.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: s.Handler()}
	}
	return s, nil
}

// wireAuthority builds the idempotency store, owner loop, world, router and
// subscriber.
func (s *Server) wireAuthority(ctx context.Context, metrics *dispatcher.Metrics) error {
	cfg := s.cfg

	// Step 3: Idempotency store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	s.store = store

	// Step 4: Owner loop, world and router
	s.loop = bridge.NewLoop(bridge.DefaultQueueSize)
	s.loop.Start()
	s.world = island.NewWorld(cfg.MembersLimit)
	s.router = dispatcher.NewRouter(dispatcher.RouterParams{
		Prefix:         cfg.ChannelPrefix,
		Codec:          s.codec,
		Conn:           s.nc,
		Store:          store.store,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Loop:           s.loop,
		BridgeTimeout:  cfg.BridgeTimeout,
		Events:         s.publisher,
		Metrics:        metrics,
	})
	if err := island.Register(s.router, s.world, s.nodeID); err != nil {
		return fmt.Errorf("%s - failed to register handlers: %w", logPrefix, err)
	}
	s.sub = dispatcher.NewSubscriber(dispatcher.SubscriberParams{
		Conn:           s.nc,
		Codec:          s.codec,
		Router:         s.router,
		Prefix:         cfg.ChannelPrefix,
		Workers:        cfg.WorkerPoolSize,
		QueueSize:      cfg.WorkerQueue,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        metrics,
	})
	return nil
}

// Start subscribes to requests (authoritative) or events (client node) and
// starts the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	if s.sub != nil {
		if err := s.sub.Start(ctx); err != nil {
			return fmt.Errorf("%s - failed to start subscriber: %w", logPrefix, err)
		}
		slog.Info(fmt.Sprintf("%s - Answering %s", logPrefix, commsutil.RequestPattern(s.cfg.ChannelPrefix)))
	} else {
		l, err := events.Listen(s.nc, s.codec, commsutil.EventPattern(s.cfg.ChannelPrefix), s.onEvent)
		if err != nil {
			return fmt.Errorf("%s - failed to listen for events: %w", logPrefix, err)
		}
		s.listener = l
		slog.Info(fmt.Sprintf("%s - Listening on %s", logPrefix, commsutil.EventPattern(s.cfg.ChannelPrefix)))
	}

	if s.httpServer != nil {
		go func() {
			slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, s.httpServer.Addr))
			if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
			}
		}()
	}
	return nil
}

func (s *Server) onEvent(_ context.Context, ev events.Event) {
	s.received.WithLabelValues(ev.Type).Inc()
	slog.Debug(fmt.Sprintf("%s - event %s by %s", logPrefix, ev.Type, ev.Actor))
}

// Shutdown stops accepting requests, drains in-flight work and closes every
// connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.sub != nil && s.sub.State() == dispatcher.StateSubscribed {
		if err := s.sub.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closeAll()
	return errors.Join(errs...)
}

func (s *Server) closeAll() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.loop != nil {
		s.loop.Stop()
	}
	if s.store != nil {
		s.store.close()
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
}

// Client returns the request facade bound to this node.
func (s *Server) Client() *client.Client {
	return s.client
}

// NodeID returns this node's origin token.
func (s *Server) NodeID() string {
	return s.nodeID
}

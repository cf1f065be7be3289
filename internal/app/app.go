// Package app assembles the service graph in a samber/do container.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/dmsync/internal/chatrequest"
	"github.com/nfrund/dmsync/internal/config"
	"github.com/nfrund/dmsync/internal/conversation"
	"github.com/nfrund/dmsync/internal/database"
	"github.com/nfrund/dmsync/internal/memstore"
	"github.com/nfrund/dmsync/internal/metrics"
	"github.com/nfrund/dmsync/internal/presence"
	"github.com/nfrund/dmsync/internal/pubsub"
	"github.com/nfrund/dmsync/internal/server"
	"github.com/nfrund/dmsync/internal/websocket"
)

// Backend is the storage side of the graph: the three store-facing
// interfaces plus the database connection when there is one.
type Backend struct {
	Store     server.MessageStore
	Feed      conversation.ChangeFeed
	Directory conversation.Directory

	// Conn is nil for the memory backend.
	Conn *database.Connection
}

// Option configures New.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
}

// WithRegistry registers metrics on reg instead of the process-wide default.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

type tracing struct {
	tracer   trace.Tracer
	shutdown func()
}

// App is the assembled service graph.
type App struct {
	Injector do.Injector
	Cfg      config.Provider
	Server   *server.Server
}

// New wires every service into a container and builds the HTTP server.
// Connecting to the database happens here, so ctx bounds startup.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if o.registry != nil {
		registerer, gatherer = o.registry, o.registry
	}

	i := do.New()
	do.ProvideValue[config.Provider](i, cfg)

	do.Provide(i, func(i do.Injector) (*tracing, error) {
		tracer, shutdown, err := pubsub.SetupOTel(ctx, pubsub.TracingConfigFrom(cfg))
		if err != nil {
			return nil, fmt.Errorf("setup tracing: %w", err)
		}
		return &tracing{tracer: tracer, shutdown: shutdown}, nil
	})

	do.Provide(i, func(i do.Injector) (*pubsub.WatermillBridge, error) {
		if !cfg.GetTracingEnabled() {
			return pubsub.NewWatermillBridge(), nil
		}
		t := do.MustInvoke[*tracing](i)
		return pubsub.NewWatermillBridgeWithTracer(t.tracer), nil
	})

	do.Provide(i, func(i do.Injector) (*presence.Service, error) {
		bus := do.MustInvoke[*pubsub.WatermillBridge](i)
		stale := do.MustInvoke[config.Provider](i).GetPresenceStaleAfter()
		return presence.NewService(bus, bus,
			presence.WithStaleThreshold(stale),
			presence.WithCleanupInterval(conversation.HeartbeatFor(stale)),
		), nil
	})

	do.Provide(i, func(i do.Injector) (*Backend, error) {
		return newBackend(ctx, do.MustInvoke[config.Provider](i), do.MustInvoke[*pubsub.WatermillBridge](i))
	})

	do.Provide(i, func(i do.Injector) (*metrics.Metrics, error) {
		return metrics.New(registerer)
	})

	do.Provide(i, func(i do.Injector) (*chatrequest.Service, error) {
		return chatrequest.NewService(do.MustInvoke[*Backend](i).Directory), nil
	})

	do.Provide(i, func(i do.Injector) (*websocket.Bridge, error) {
		c := do.MustInvoke[config.Provider](i)
		b := do.MustInvoke[*Backend](i)
		return websocket.NewBridge(b.Store, b.Feed, do.MustInvoke[*presence.Service](i), b.Directory,
			websocket.WithSessionOptions(
				conversation.WithIdleTimeout(c.GetTypingIdleTimeout()),
				conversation.WithStaleAfter(c.GetPresenceStaleAfter()),
				conversation.WithClearTypingOnSend(true),
				conversation.WithObserver(do.MustInvoke[*metrics.Metrics](i)),
			),
		), nil
	})

	do.Provide(i, func(i do.Injector) (*server.Server, error) {
		b := do.MustInvoke[*Backend](i)
		presenceSvc := do.MustInvoke[*presence.Service](i)
		bus := do.MustInvoke[*pubsub.WatermillBridge](i)
		t := do.MustInvoke[*tracing](i)

		deps := server.Dependencies{
			Cfg:          do.MustInvoke[config.Provider](i),
			Directory:    b.Directory,
			Store:        b.Store,
			ChatRequests: do.MustInvoke[*chatrequest.Service](i),
			Presence:     presenceSvc,
			Bridge:       do.MustInvoke[*websocket.Bridge](i),
			Registerer:   registerer,
			Gatherer:     gatherer,
			OnShutdown: []func(context.Context) error{
				func(context.Context) error { presenceSvc.Shutdown(); return nil },
				func(context.Context) error { return bus.Close() },
				func(context.Context) error { t.shutdown(); return nil },
			},
		}
		if b.Conn != nil {
			deps.DB = b.Conn
			deps.OnShutdown = append(deps.OnShutdown, b.Conn.Close)
		}

		srv := server.New(deps)
		srv.RegisterRoutes()
		return srv, nil
	})

	srv, err := do.Invoke[*server.Server](i)
	if err != nil {
		return nil, err
	}
	return &App{Injector: i, Cfg: cfg, Server: srv}, nil
}

// Run serves until ctx is cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	return a.Server.Run(ctx, a.Cfg.GetAppAddr())
}

// newBackend builds the store, feed and directory for the configured backend.
func newBackend(ctx context.Context, cfg config.Provider, bus *pubsub.WatermillBridge) (*Backend, error) {
	switch cfg.GetStoreBackend() {
	case config.BackendSurreal:
		conn, err := Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		live := database.NewSurrealLiveQueryService(conn)
		conn.StartMonitoring()
		return &Backend{
			Store:     database.NewMessageStore(conn, database.WithStatusMode(cfg.GetStatusTracking())),
			Feed:      database.NewChangeFeed(live),
			Directory: database.NewDirectory(conn),
			Conn:      conn,
		}, nil
	default:
		slog.Info("Using in-memory message store")
		return &Backend{
			Store:     memstore.NewMessageStore(bus, memstore.WithStatusTracking(cfg.GetStatusTracking() != config.StatusTrackingOff)),
			Feed:      memstore.NewChangeFeed(bus),
			Directory: memstore.NewDirectory(),
		}, nil
	}
}

// Connect opens the SurrealDB connection and makes sure the schema exists.
func Connect(ctx context.Context, cfg config.Provider) (*database.Connection, error) {
	conn := database.NewConnection(cfg)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := database.EnsureSchema(ctx, conn); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("Connected to SurrealDB", "ns", cfg.GetDBNs(), "db", cfg.GetDBDb())
	return conn, nil
}

// Probe reports whether the configured store tracks message status.
func Probe(ctx context.Context, cfg config.Provider) (bool, error) {
	if cfg.GetStoreBackend() != config.BackendSurreal {
		return cfg.GetStatusTracking() != config.StatusTrackingOff, nil
	}
	conn, err := Connect(ctx, cfg)
	if err != nil {
		return false, err
	}
	defer conn.Close(ctx)
	return database.NewMessageStore(conn, database.WithStatusMode(cfg.GetStatusTracking())).ProbeStatusCapability(ctx)
}

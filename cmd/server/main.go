package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/npezzotti/go-chat-relay/internal/api"
	"github.com/npezzotti/go-chat-relay/internal/bus"
	"github.com/npezzotti/go-chat-relay/internal/config"
	"github.com/npezzotti/go-chat-relay/internal/database"
	"github.com/npezzotti/go-chat-relay/internal/fanout"
	"github.com/npezzotti/go-chat-relay/internal/presence"
	"github.com/npezzotti/go-chat-relay/internal/registry"
	"github.com/npezzotti/go-chat-relay/internal/rooms"
	"github.com/npezzotti/go-chat-relay/internal/server"
	"github.com/npezzotti/go-chat-relay/internal/service"
	"github.com/npezzotti/go-chat-relay/internal/stats"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	var envFile string
	flag.StringVar(&envFile, "env-file", "", "optional .env file loaded before reading GOCHAT_* variables")
	flag.Parse()

	cfg, err := config.Load(envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideStore,
			http.NewServeMux,
			fx.Annotate(stats.NewStatsUpdater, fx.As(new(stats.StatsProvider))),
			registry.New,
			bus.New,
			provideResolver,
			provideTracker,
			provideHub,
			provideEngine,
			provideService,
			provideApp,
		),
		fx.Invoke(registerLifecycle),
		fx.StopTimeout(cfg.ShutdownTimeout),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)

	app.Run()
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return cfg.NewLogger()
}

func provideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*database.Store, error) {
	store, err := database.Open(context.Background(), logger, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: store.Close,
	})

	return store, nil
}

func provideResolver(logger *zap.Logger, store *database.Store, cfg *config.Config) *rooms.Resolver {
	return rooms.NewResolver(logger, store, cfg.JoinTimeout)
}

// provideTracker subscribes presence to registry changes. Its stop hook runs
// after the hub has drained every connection.
func provideTracker(lc fx.Lifecycle, logger *zap.Logger, reg *registry.Registry, b *bus.Bus, store *database.Store, cfg *config.Config) *presence.Tracker {
	tracker := presence.NewTracker(logger, clock.New(), reg, b, store, cfg.TouchTimeout)
	reg.AddListener(tracker)

	lc.Append(fx.Hook{
		OnStop: tracker.Close,
	})

	return tracker
}

func provideHub(logger *zap.Logger, reg *registry.Registry, resolver *rooms.Resolver, b *bus.Bus, su stats.StatsProvider, cfg *config.Config) *server.Hub {
	return server.NewHub(logger, reg, resolver, b, su, cfg.SendBuffer)
}

func provideEngine(logger *zap.Logger, hub *server.Hub, reg *registry.Registry, store *database.Store, b *bus.Bus, cfg *config.Config) *fanout.Engine {
	engine := fanout.NewEngine(logger, hub, reg, store, fanout.Options{
		ProfileCacheSize: cfg.ProfileCacheSize,
		ProfileCacheTTL:  cfg.ProfileCacheTTL,
	})
	b.SubscribeAll(engine.Handle)

	return engine
}

func provideService(logger *zap.Logger, store *database.Store, b *bus.Bus) *service.Service {
	return service.New(logger, store, b, clock.New())
}

func provideApp(mux *http.ServeMux, logger *zap.Logger, hub *server.Hub, svc *service.Service, store *database.Store, cfg *config.Config) *api.GoChatApp {
	return api.NewGoChatApp(mux, logger, hub, svc, store, cfg)
}

// registerLifecycle serves HTTP once everything is wired. On stop, the
// listener closes before the hub drains its sockets.
func registerLifecycle(lc fx.Lifecycle, logger *zap.Logger, app *api.GoChatApp, hub *server.Hub, _ *fanout.Engine, _ *presence.Tracker) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return app.Start()
		},
		OnStop: func(ctx context.Context) error {
			err := multierr.Append(app.Shutdown(ctx), hub.Shutdown(ctx))
			if err == nil {
				logger.Info("shutdown complete")
			}
			return err
		},
	})
}

package daemon

import (
	"context"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/chat"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/lock"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/presence"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/relay"
	"github.com/parley-chat/parley/internal/retention"
	"github.com/parley-chat/parley/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the daemon's bootstrap inputs.
type Params struct {
	ConfigPath string
	Config     *config.Config // optional override for testing; nil = load from ConfigPath
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRegistry,
			provideRouter,
			providePresence,
			provideRelay,
			provideCallManager,
			provideRetention,
			provideGateway,
			newActivityLog,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.Load(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.DBPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRegistry(cfg *config.Config) *registry.Registry {
	return registry.New(cfg.MultiSession == config.MultiSessionReject)
}

func provideRouter(db *store.DB, reg *registry.Registry, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *chat.Router {
	return chat.NewRouter(db, reg, b, logger, cfg.MaxMessageLen, cfg.HistoryLimit)
}

func providePresence(db *store.DB, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *presence.Broadcaster {
	return presence.New(db, reg, b, logger)
}

func provideRelay(reg *registry.Registry, logger *zap.Logger, cfg *config.Config) *relay.Relay {
	return relay.New(reg, logger, cfg.TypingPreviewLen)
}

func provideCallManager(reg *registry.Registry, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *call.Manager {
	return call.NewManager(reg, b, logger, cfg.CallRingTimeout.Duration)
}

func provideRetention(db *store.DB, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *retention.Sweeper {
	return retention.NewSweeper(db, b, logger, cfg.Retention.Duration, cfg.RetentionSweep.Duration)
}

func provideGateway(reg *registry.Registry, router *chat.Router, rel *relay.Relay, calls *call.Manager, b *bus.Bus, logger *zap.Logger) *gateway.Gateway {
	return gateway.New(reg, router, rel, calls, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, db *store.DB, lk *lock.Lock, broadcaster *presence.Broadcaster, calls *call.Manager, sweeper *retention.Sweeper, activity *activityLog, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Presence must watch session events before the first
			// connection can join.
			broadcaster.Start(context.Background())
			calls.Start(context.Background())
			sweeper.Start(context.Background())
			activity.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			activity.Stop()
			sweeper.Stop()
			calls.Stop()
			broadcaster.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

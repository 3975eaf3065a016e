// Package daemon composes the privchat daemon from its parts: logger,
// bus, store, remote client, coordinator, outbox, presence and the
// control API, wired through fx with lifecycle hooks.
package daemon

import (
	"context"
	"errors"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/api"
	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/config"
	"github.com/maxohm/privchat/internal/lock"
	"github.com/maxohm/privchat/internal/logging"
	"github.com/maxohm/privchat/internal/outbox"
	"github.com/maxohm/privchat/internal/presence"
	"github.com/maxohm/privchat/internal/remote"
	"github.com/maxohm/privchat/internal/repo"
	"github.com/maxohm/privchat/internal/session"
	"github.com/maxohm/privchat/internal/status"
	"github.com/maxohm/privchat/internal/store"
	intsync "github.com/maxohm/privchat/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideChannel,
			provideCoordinator,
			provideSyncer,
			provideSender,
			provideRepository,
			providePresence,
			provideAPI,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &config.Config{HubURL: config.DefaultHubURL}, nil
		}
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath, b)
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

func provideRemote(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *remote.Client {
	return remote.NewClient(remote.Options{
		URL:    cfg.HubURL,
		UID:    cfg.Identity,
		Logger: logger,
		Bus:    b,
	})
}

func provideChannel(client *remote.Client) intsync.Channel {
	return intsync.ClientChannel{Client: client}
}

func provideCoordinator(db *store.DB, ch intsync.Channel, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(db, ch, b, logger, cfg.Identity)
}

func provideSyncer(db *store.DB, ch intsync.Channel, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Syncer {
	return intsync.NewSyncer(db, ch, b, logger, cfg.Identity)
}

func provideSender(db *store.DB, client *remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger, cfg.Identity, outbox.Options{})
}

func provideRepository(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *repo.Repository {
	return repo.New(db, b, logger, cfg.Identity)
}

func providePresence(client *remote.Client, b *bus.Bus, logger *zap.Logger) *presence.Heartbeat {
	return presence.New(client, b, logger, 0)
}

func provideAPI(logger *zap.Logger, m *status.Machine, r *repo.Repository, coord *intsync.Coordinator, sender *outbox.Sender, db *store.DB, b *bus.Bus) *api.Server {
	return api.New(logger, m, r, coord, sender, db, b)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	cfg *config.Config,
	srv *api.Server,
	lk *lock.Lock,
	client *remote.Client,
	coord *intsync.Coordinator,
	syncer *intsync.Syncer,
	sender *outbox.Sender,
	hb *presence.Heartbeat,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) {
	runCtx, cancelRun := context.WithCancel(context.Background())
	app := srv.App()

	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// A stale socket from a crashed daemon blocks the listener.
			_ = os.Remove(socketPath)

			go func() {
				if err := srv.Listen(app, socketPath); err != nil {
					logger.Error("control API error", zap.Error(err))
				}
			}()
			logger.Info("control API listening", zap.String("socket", socketPath))

			go coord.Run(runCtx)
			go syncer.Run(runCtx)
			go sender.Run(runCtx)
			go hb.Run(runCtx)
			go newConnectionWatcher(machine, logger).Run(runCtx, b)

			if cfg.Identity == "" {
				logger.Info("no identity configured, auth required")
				return machine.Transition(status.AuthRequired)
			}

			if err := machine.Transition(status.Connecting); err != nil {
				return err
			}
			go func() {
				if err := client.Connect(context.Background()); err != nil {
					logger.Error("hub connect failed", zap.Error(err))
					_ = machine.Transition(status.Error)
					return
				}
				_ = machine.Transition(status.Syncing)
				if err := syncer.Bind(); err != nil {
					logger.Warn("initial chat list bind failed", zap.Error(err))
				}
				_ = machine.Transition(status.Ready)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelRun()
			if err := client.Close(); err != nil {
				logger.Warn("hub close error", zap.Error(err))
			}
			if err := app.ShutdownWithContext(ctx); err != nil {
				logger.Warn("control API shutdown error", zap.Error(err))
			}
			_ = os.Remove(socketPath)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

package daemon

import (
	"context"

	"github.com/matheus3301/chanmirror/internal/api"
	"github.com/matheus3301/chanmirror/internal/bus"
	"github.com/matheus3301/chanmirror/internal/clock"
	"github.com/matheus3301/chanmirror/internal/config"
	"github.com/matheus3301/chanmirror/internal/history"
	"github.com/matheus3301/chanmirror/internal/index"
	"github.com/matheus3301/chanmirror/internal/instance"
	"github.com/matheus3301/chanmirror/internal/lock"
	"github.com/matheus3301/chanmirror/internal/logging"
	"github.com/matheus3301/chanmirror/internal/provider/discord"
	"github.com/matheus3301/chanmirror/internal/status"
	"github.com/matheus3301/chanmirror/internal/store"
	"github.com/matheus3301/chanmirror/internal/sweep"
	intsync "github.com/matheus3301/chanmirror/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	InstanceName string
	SocketPath   string // optional override for testing; empty = use default
	DataDir      string // optional override for testing; empty = instance dir
	// Config, when set, is used as is and not watched for changes.
	Config *config.Config
	// Resolver replaces the Discord REST client as history provider.
	Resolver history.Resolver
	Debug    bool
}

func (p Params) paths() instance.Paths {
	if p.DataDir != "" {
		return instance.At(p.DataDir)
	}
	return instance.For(p.InstanceName)
}

func (p Params) dir() string {
	return p.paths().Root
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return p.paths().Socket()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideTracker,
			provideLock,
			provideBackend,
			provideOutbox,
			provideStore,
			provideDiscordClient,
			provideResolver,
			provideManager,
			provideEngine,
			provideSweeper,
			provideGateway,
			provideSyncService,
			newRunner,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.paths().Log(), p.InstanceName, p.Debug)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadOrDefault(instance.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideTracker(b *bus.Bus) *status.Tracker {
	return status.NewTracker(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring instance lock", zap.String("instance", p.InstanceName))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideBackend opens the configured backend. It takes the lock so that
// the store is never opened by a second daemon.
func provideBackend(p Params, cfg *config.Config, logger *zap.Logger, _ *lock.Lock) (store.Backend, error) {
	if cfg.Store.Backend == "file" {
		dir := p.paths().Channels()
		logger.Info("store initialized", zap.String("backend", "file"), zap.String("path", dir))
		return store.NewFileBackend(dir)
	}

	dbPath := p.paths().DB()
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("backend", "sqlite"), zap.String("path", dbPath))
	return db, nil
}

// provideOutbox opens the index outbox next to the store. It is kept apart
// from the store database so both backends share it.
func provideOutbox(p Params, logger *zap.Logger, _ *lock.Lock) (*index.Outbox, error) {
	path := p.paths().IndexDB()
	o, err := index.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Info("index outbox initialized", zap.String("path", path))
	return o, nil
}

func provideStore(backend store.Backend, outbox *index.Outbox, logger *zap.Logger) *store.Store {
	return store.New(backend, outbox, clock.Real{}, logger)
}

func provideDiscordClient(cfg *config.Config, logger *zap.Logger) *discord.Client {
	return discord.NewClient(cfg.Discord.Token,
		discord.WithBaseURL(cfg.Discord.APIBase),
		discord.WithLogger(logger.Named("discord")))
}

func provideResolver(p Params, client *discord.Client) history.Resolver {
	if p.Resolver != nil {
		return p.Resolver
	}
	return client
}

func syncConfig(cfg *config.Config) intsync.Config {
	sc := intsync.DefaultConfig()
	sc.RecentGapWindow = cfg.Sync.RecentGapWindow.Duration
	sc.FreshnessThreshold = cfg.Sync.FreshnessThreshold.Duration
	sc.CatchupOverlap = cfg.Sync.CatchupOverlap.Duration
	sc.DefaultOverlap = cfg.Sync.DefaultOverlap.Duration
	sc.FetchTimeout = cfg.Sync.FetchTimeout.Duration
	sc.MaxRetries = cfg.Sync.MaxRetries
	return sc
}

func provideManager(st *store.Store, resolver history.Resolver, cfg *config.Config, b *bus.Bus, tracker *status.Tracker, logger *zap.Logger) *intsync.Manager {
	return intsync.NewManager(st, resolver, syncConfig(cfg), clock.Real{}, b, tracker, logger.Named("sync"))
}

func provideEngine(st *store.Store, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(st, b, logger.Named("live"))
}

func provideSweeper(mgr *intsync.Manager, st *store.Store, cfg *config.Config, logger *zap.Logger) *sweep.Sweeper {
	return sweep.New(mgr, st, cfg.Sync.SweepInterval.Duration, cfg.Sync.SweepParallelism, logger.Named("sweep"))
}

// provideGateway returns nil when live updates are disabled or no token is
// configured; the daemon then runs OFFLINE and relies on passes.
func provideGateway(p Params, cfg *config.Config, client *discord.Client, b *bus.Bus, machine *status.Machine, st *store.Store, logger *zap.Logger) *discord.Gateway {
	if !cfg.Discord.Live || cfg.Discord.Token == "" || p.Resolver != nil {
		return nil
	}
	return discord.NewGateway(discord.GatewayConfig{
		URL:     cfg.Discord.GatewayURL,
		Intents: cfg.Discord.Intents,
	}, cfg.Discord.Token, client, b, machine, st.HasChannel, logger.Named("gateway"))
}

func provideSyncService(p Params, mgr *intsync.Manager, st *store.Store, outbox *index.Outbox, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(p.InstanceName, mgr, st, outbox, machine, b, logger.Named("api"))
}

type lifecycleDeps struct {
	fx.In

	Params  Params
	Config  *config.Config
	Server  *Server
	Lock    *lock.Lock
	Store   *store.Store
	Outbox  *index.Outbox
	Engine  *intsync.Engine
	Sweeper *sweep.Sweeper
	Gateway *discord.Gateway
	Runner  *runner
	Machine *status.Machine
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_ = d.Machine.Transition(status.Loading)
			if _, err := d.Store.LoadAll(ctx); err != nil {
				_ = d.Machine.Fail(err)
				return err
			}

			// Live records are applied as soon as the gateway delivers them.
			d.Engine.Start(context.Background())

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if d.Gateway != nil {
				d.Gateway.Start(context.Background())
			} else {
				d.Logger.Info("live gateway disabled, running offline")
				_ = d.Machine.Transition(status.Offline)
			}

			d.Runner.start(d.Config.Sync.Channels, func(ctx context.Context) {
				d.Sweeper.Start(ctx)
			})
			if d.Params.Config == nil {
				d.Runner.watchConfig(instance.ConfigPath())
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Runner.stop()
			d.Sweeper.Stop()
			if d.Gateway != nil {
				d.Gateway.Stop()
			}
			d.Engine.Stop()
			d.Server.Stop(ctx)
			if err := d.Store.SaveAll(ctx); err != nil {
				d.Logger.Error("failed to persist store on shutdown", zap.Error(err))
			}
			if err := d.Store.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Outbox.Close(); err != nil {
				d.Logger.Warn("error closing index outbox", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}

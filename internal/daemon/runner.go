package daemon

import (
	"context"
	"sync"

	"github.com/matheus3301/chanmirror/internal/config"
	"github.com/matheus3301/chanmirror/internal/store"
	intsync "github.com/matheus3301/chanmirror/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runner owns the daemon's background work that is not tied to a request:
// startup initialization of configured channels and config reloads.
type runner struct {
	mgr         *intsync.Manager
	store       *store.Store
	parallelism int
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRunner(mgr *intsync.Manager, st *store.Store, cfg *config.Config, logger *zap.Logger) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &runner{
		mgr:         mgr,
		store:       st,
		parallelism: cfg.Sync.SweepParallelism,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// start initializes every configured and every stored channel, then calls
// then with the runner context.
func (r *runner) start(configured []string, then func(context.Context)) {
	ids := r.store.ChannelIDs()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range configured {
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.initialize(ids)
		if r.ctx.Err() == nil && then != nil {
			then(r.ctx)
		}
	}()
}

func (r *runner) initialize(ids []string) {
	if len(ids) == 0 {
		return
	}
	r.logger.Info("initializing channels", zap.Int("channels", len(ids)))
	var g errgroup.Group
	g.SetLimit(max(r.parallelism, 1))
	for _, id := range ids {
		g.Go(func() error {
			if _, err := r.mgr.InitializeChannel(r.ctx, id); err != nil && r.ctx.Err() == nil {
				r.logger.Error("channel initialization failed", zap.String("channel", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// watchConfig initializes channels added to the config file while running.
func (r *runner) watchConfig(path string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := config.Watch(r.ctx, path, r.logger, func(cfg *config.Config) {
			var added []string
			for _, id := range cfg.Sync.Channels {
				if !r.store.HasChannel(id) {
					added = append(added, id)
				}
			}
			if len(added) > 0 {
				r.logger.Info("new channels configured", zap.Strings("channels", added))
				r.initialize(added)
			}
		})
		if err != nil {
			r.logger.Warn("config watch disabled", zap.Error(err))
		}
	}()
}

func (r *runner) stop() {
	r.cancel()
	r.wg.Wait()
}

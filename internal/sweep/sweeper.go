// Package sweep periodically re-syncs every known channel, catching edits and
// reactions the live gateway did not deliver.
package sweep

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	intsync "github.com/matheus3301/chanmirror/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Syncer runs one sync pass for a channel.
type Syncer interface {
	SyncChannel(ctx context.Context, channelID string, opts ...intsync.SyncOption) (*intsync.Result, error)
}

// ChannelLister reports the channels to sweep.
type ChannelLister interface {
	ChannelIDs() []string
}

// Report summarizes one sweep.
type Report struct {
	Channels  int
	Succeeded int
	Failed    map[string]error
}

// Sweeper runs a sync pass over every channel on a fixed interval.
type Sweeper struct {
	syncer      Syncer
	channels    ChannelLister
	interval    time.Duration
	parallelism int
	logger      *zap.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a sweeper. parallelism <= 0 syncs one channel at a time.
func New(syncer Syncer, channels ChannelLister, interval time.Duration, parallelism int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		syncer:      syncer,
		channels:    channels,
		interval:    interval,
		parallelism: max(parallelism, 1),
		logger:      logger,
	}
}

// Start begins sweeping in the background.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the loop and waits for a sweep in progress to abort.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce sweeps every channel once. It returns false without doing anything
// when another sweep is still running.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, bool) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("previous sweep still running, skipping")
		return nil, false
	}
	defer s.running.Store(false)

	ids := s.channels.ChannelIDs()
	report := &Report{Channels: len(ids), Failed: map[string]error{}}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, id := range ids {
		g.Go(func() error {
			_, err := s.syncer.SyncChannel(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[id] = err
				return nil
			}
			report.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	if len(report.Failed) > 0 {
		failed := make([]string, 0, len(report.Failed))
		for id, err := range report.Failed {
			if !errors.Is(err, context.Canceled) {
				failed = append(failed, id)
			}
		}
		sort.Strings(failed)
		s.logger.Warn("sweep finished with failures",
			zap.Int("channels", report.Channels),
			zap.Int("succeeded", report.Succeeded),
			zap.Strings("failed", failed))
	} else {
		s.logger.Info("sweep finished", zap.Int("channels", report.Channels))
	}
	return report, true
}

package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/matheus3301/chanmirror/internal/bus"
	"github.com/matheus3301/chanmirror/internal/history"
	"github.com/matheus3301/chanmirror/internal/store"
	"go.uber.org/zap"
)

// ErrUntrackedChannel is returned for live records on channels the store has
// never synced.
var ErrUntrackedChannel = errors.New("channel is not tracked")

// Engine applies live records pushed by the provider. It subscribes to
// "live." events on the bus. Live upserts are idempotent and take no channel
// lock; they never touch coverage metadata.
type Engine struct {
	store  *store.Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewEngine creates a new live engine.
func NewEngine(st *store.Store, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  st,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to live provider events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("live.", 256)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindLiveMessage:
		lm, ok := evt.Payload.(bus.LiveMessage)
		if !ok {
			return
		}
		err := e.IngestLive(ctx, lm.ChannelID, lm.Record)
		switch {
		case errors.Is(err, ErrUntrackedChannel):
			e.logger.Debug("ignoring live message for untracked channel", zap.String("channel", lm.ChannelID))
		case err != nil:
			e.logger.Error("failed to ingest live message", zap.Error(err),
				zap.String("channel", lm.ChannelID), zap.String("msg_id", lm.Record.ID))
		}
	case bus.KindLiveDelete:
		if ld, ok := evt.Payload.(bus.LiveDelete); ok {
			e.logger.Info("upstream deletion not mirrored",
				zap.String("channel", ld.ChannelID), zap.String("msg_id", ld.MessageID))
		}
	}
}

// IngestLive upserts one live record and persists the channel.
func (e *Engine) IngestLive(ctx context.Context, channelID string, rec history.Record) error {
	if !e.store.HasChannel(channelID) {
		return ErrUntrackedChannel
	}
	msg, err := toMessage(rec)
	if err != nil {
		return &RecordValidationError{Channel: channelID, RecordID: rec.ID, Err: err}
	}
	if err := e.store.AddMessage(ctx, channelID, msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := e.store.SaveChannel(ctx, channelID); err != nil {
		return fmt.Errorf("persist channel: %w", err)
	}
	return nil
}

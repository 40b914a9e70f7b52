package api

import (
	"context"
	"strings"
	"time"

	"github.com/matheus3301/chanmirror/internal/bus"
	"github.com/matheus3301/chanmirror/internal/coverage"
	"github.com/matheus3301/chanmirror/internal/index"
	"github.com/matheus3301/chanmirror/internal/status"
	"github.com/matheus3301/chanmirror/internal/store"
	intsync "github.com/matheus3301/chanmirror/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// SyncService implements SyncServiceServer on top of the sync manager.
type SyncService struct {
	instance  string
	startedAt time.Time
	manager   *intsync.Manager
	store     *store.Store
	outbox    *index.Outbox
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger
}

var _ SyncServiceServer = (*SyncService)(nil)

// NewSyncService creates a new sync service.
func NewSyncService(instance string, manager *intsync.Manager, st *store.Store, outbox *index.Outbox, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		instance:  instance,
		startedAt: time.Now(),
		manager:   manager,
		store:     st,
		outbox:    outbox,
		machine:   machine,
		bus:       b,
		logger:    logger,
	}
}

func (s *SyncService) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ids := s.store.ChannelIDs()
	messages := 0
	for _, id := range ids {
		messages += s.store.MessageCount(id)
	}
	snap := s.machine.Snapshot()
	out := map[string]any{
		"instance":      s.instance,
		"state":         string(snap.State),
		"stateSince":    timeValue(snap.Since),
		"uptimeMs":      time.Since(s.startedAt).Milliseconds(),
		"channels":      len(ids),
		"messages":      messages,
		"droppedEvents": int64(s.bus.Dropped()),
	}
	if snap.Reason != "" {
		out["stateReason"] = snap.Reason
	}
	if backlog, err := s.outbox.Backlog(ctx); err == nil {
		out["indexBacklog"] = backlog
	} else {
		s.logger.Warn("index backlog unavailable", zap.Error(err))
	}
	return newStruct(out)
}

func (s *SyncService) ListChannels(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	channels := make([]any, 0)
	for _, id := range s.store.ChannelIDs() {
		channels = append(channels, s.channelSummary(id))
	}
	return newStruct(map[string]any{"channels": channels})
}

func (s *SyncService) channelSummary(id string) map[string]any {
	out := map[string]any{
		"id":           id,
		"messageCount": s.store.MessageCount(id),
		"phase":        string(s.phase(id)),
		"busy":         s.manager.Busy(id),
	}
	if _, info := s.store.Descriptors(id); info != nil {
		out["name"] = info.Name
	}
	if latest, ok := s.store.LatestTimestamp(id); ok {
		out["latest"] = coverage.FormatTimestamp(latest)
	}
	if meta, ok := s.store.Metadata(id); ok {
		out["lastSync"] = timeValue(meta.LastSync)
	}
	return out
}

func (s *SyncService) phase(id string) status.Phase {
	if cs, ok := s.manager.Tracker().Get(id); ok {
		return cs.Phase
	}
	if meta, ok := s.store.Metadata(id); ok && (len(meta.KnownRanges()) > 0 || meta.SyncedEmpty) {
		return status.Steady
	}
	return status.Unsynced
}

func (s *SyncService) GetChannel(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := channelArg(in)
	if err != nil {
		return nil, err
	}
	if !s.store.HasChannel(id) {
		return nil, grpcstatus.Errorf(codes.NotFound, "channel %s is not mirrored", id)
	}

	out := s.channelSummary(id)
	if cs, ok := s.manager.Tracker().Get(id); ok {
		out["phaseSince"] = timeValue(cs.Since)
		if cs.LastError != "" {
			out["lastError"] = cs.LastError
		}
	}
	if guild, _ := s.store.Descriptors(id); guild != nil {
		out["guild"] = guild.Name
	}
	if meta, ok := s.store.Metadata(id); ok {
		out["knownRanges"] = rangesList(meta.KnownRanges())
		out["gaps"] = rangesList(meta.Gaps())
		out["needsBackfill"] = meta.NeedsBackfill
		out["syncedEmpty"] = meta.SyncedEmpty
	}
	return newStruct(out)
}

func (s *SyncService) Initialize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := channelArg(in)
	if err != nil {
		return nil, err
	}
	res, err := s.manager.InitializeChannel(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(resultFields(res))
}

func (s *SyncService) Sync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := channelArg(in)
	if err != nil {
		return nil, err
	}
	var opts []intsync.SyncOption
	if raw := stringArg(in, "overlap"); raw != "" {
		overlap, err := time.ParseDuration(raw)
		if err != nil || overlap < 0 {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid overlap %q", raw)
		}
		opts = append(opts, intsync.WithOverlap(overlap))
	}
	res, err := s.manager.SyncChannel(ctx, id, opts...)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(resultFields(res))
}

func (s *SyncService) Backfill(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := channelArg(in)
	if err != nil {
		return nil, err
	}
	res, err := s.manager.BackfillGaps(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(resultFields(res))
}

func (s *SyncService) Reindex(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	indexed := 0
	err := s.store.Reindex(ctx, func(done, total int) {
		indexed = done
		if done%1000 == 0 || done == total {
			s.logger.Info("reindex progress", zap.Int("done", done), zap.Int("total", total))
		}
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"indexed": indexed})
}

// AckIndexEvents drops every outbox entry up to "upTo" once the indexer has
// stored them.
func (s *SyncService) AckIndexEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	upTo, err := seqArg(in, "upTo")
	if err != nil {
		return nil, err
	}
	acked, err := s.outbox.Ack(ctx, upTo)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "ack index entries: %v", err)
	}
	backlog, err := s.outbox.Backlog(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "index backlog: %v", err)
	}
	return newStruct(map[string]any{"acked": acked, "backlog": backlog})
}

// WatchIndexEvents streams unacknowledged outbox entries after "after", then
// follows new ones. Entries stay queued until acknowledged, so a consumer
// resuming from its last acknowledged seq misses nothing.
func (s *SyncService) WatchIndexEvents(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	after, err := seqArg(in, "after")
	if err != nil {
		return err
	}
	ctx := stream.Context()
	err = s.outbox.Tail(ctx, after, func(e index.Entry) error {
		msg, err := newStruct(indexEntryFields(e))
		if err != nil {
			return err
		}
		return stream.Send(msg)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// WatchSyncEvents streams sync pass, phase and daemon state events. An
// optional "prefix" narrows the kinds, e.g. "sync.".
func (s *SyncService) WatchSyncEvents(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	prefix := stringArg(in, "prefix")
	events, unsub := s.bus.SubscribeAny(256, "sync.", "status.")
	defer unsub()

	for {
		var evt bus.Event
		select {
		case evt = <-events:
		case <-stream.Context().Done():
			return nil
		}
		if !strings.HasPrefix(evt.Kind, prefix) {
			continue
		}
		msg, err := newStruct(eventFields(s.instance, evt))
		if err != nil {
			return err
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
}

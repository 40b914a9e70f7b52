package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chanmirror/internal/clock"
	"github.com/matheus3301/chanmirror/internal/coverage"
	"github.com/matheus3301/chanmirror/internal/shardmap"
	"go.uber.org/zap"
)

// Store is the message store: per-channel message sets and sync metadata held
// in memory and persisted through a Backend one channel at a time.
type Store struct {
	backend  Backend
	indexer  Indexer
	clock    clock.Clock
	logger   *zap.Logger
	channels *shardmap.Map[*channel]
}

type channel struct {
	// saveMu orders saves so an older snapshot never overwrites a newer one.
	saveMu sync.Mutex

	mu       sync.RWMutex
	guild    *GuildInfo
	info     *ChannelInfo
	messages map[string]Message
	// dirty maps message id to the write sequence of its last upsert.
	dirty map[string]uint64
	seq   uint64
	meta  *coverage.ChannelMetadata
}

// New creates an empty store. indexer may be nil.
func New(backend Backend, indexer Indexer, clk clock.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		backend:  backend,
		indexer:  indexer,
		clock:    clk,
		logger:   logger,
		channels: shardmap.New[*channel](0),
	}
}

func (s *Store) entry(channelID string) *channel {
	return s.channels.GetOrCreate(channelID, func() *channel {
		return &channel{
			messages: make(map[string]Message),
			dirty:    make(map[string]uint64),
		}
	})
}

func (s *Store) lookup(channelID string) (*channel, bool) {
	return s.channels.Get(channelID)
}

// GetMessage returns a stored message by id.
func (s *Store) GetMessage(channelID, id string) (Message, bool) {
	ch, ok := s.lookup(channelID)
	if !ok {
		return Message{}, false
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	m, ok := ch.messages[id]
	return m, ok
}

// ChannelMessages returns the channel's messages in ascending timestamp
// order. With limit > 0 only the most recent limit messages are returned.
func (s *Store) ChannelMessages(channelID string, limit int) []Message {
	ch, ok := s.lookup(channelID)
	if !ok {
		return nil
	}
	ch.mu.RLock()
	msgs := make([]Message, 0, len(ch.messages))
	for _, m := range ch.messages {
		msgs = append(msgs, m)
	}
	ch.mu.RUnlock()

	sortMessages(msgs)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// LatestTimestamp returns the newest stored message timestamp.
func (s *Store) LatestTimestamp(channelID string) (time.Time, bool) {
	ch, ok := s.lookup(channelID)
	if !ok {
		return time.Time{}, false
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	var latest time.Time
	for _, m := range ch.messages {
		if m.Timestamp.After(latest) {
			latest = m.Timestamp
		}
	}
	return latest, !latest.IsZero()
}

// MessageCount returns how many messages the channel holds.
func (s *Store) MessageCount(channelID string) int {
	ch, ok := s.lookup(channelID)
	if !ok {
		return 0
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.messages)
}

// AddMessage inserts or overwrites a message by id, then notifies the
// indexer. Indexer failures are logged and never fail the upsert.
func (s *Store) AddMessage(ctx context.Context, channelID string, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	m.Timestamp = m.Timestamp.UTC()
	if m.EditedTimestamp != nil {
		e := m.EditedTimestamp.UTC()
		m.EditedTimestamp = &e
	}

	ch := s.entry(channelID)
	ch.mu.Lock()
	ch.seq++
	ch.messages[m.ID] = m
	ch.dirty[m.ID] = ch.seq
	ch.mu.Unlock()

	if s.indexer != nil {
		if err := s.indexer.IndexMessage(ctx, channelID, m); err != nil {
			s.logger.Warn("indexer notification failed",
				zap.String("channel", channelID),
				zap.String("msg_id", m.ID),
				zap.Error(err))
		}
	}
	return nil
}

// ChannelIDs returns every channel the store knows about.
func (s *Store) ChannelIDs() []string {
	return s.channels.Keys()
}

// HasChannel reports whether the channel has been touched before.
func (s *Store) HasChannel(channelID string) bool {
	_, ok := s.lookup(channelID)
	return ok
}

// EnsureMetadata returns a copy of the channel's metadata, creating empty
// metadata on first contact.
func (s *Store) EnsureMetadata(channelID string) *coverage.ChannelMetadata {
	ch := s.entry(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.meta == nil {
		ch.meta = &coverage.ChannelMetadata{ChannelID: channelID}
	}
	return ch.meta.Clone()
}

// Metadata returns a copy of the channel's metadata if it exists.
func (s *Store) Metadata(channelID string) (*coverage.ChannelMetadata, bool) {
	ch, ok := s.lookup(channelID)
	if !ok {
		return nil, false
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.meta == nil {
		return nil, false
	}
	return ch.meta.Clone(), true
}

// CommitMetadata replaces the channel's metadata in one step.
func (s *Store) CommitMetadata(channelID string, meta *coverage.ChannelMetadata) {
	c := meta.Clone()
	c.ChannelID = channelID
	ch := s.entry(channelID)
	ch.mu.Lock()
	ch.meta = c
	ch.mu.Unlock()
}

// SetDescriptors records the guild and channel descriptors. Nil values keep
// what is already stored.
func (s *Store) SetDescriptors(channelID string, guild *GuildInfo, info *ChannelInfo) {
	ch := s.entry(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if guild != nil {
		g := *guild
		ch.guild = &g
	}
	if info != nil {
		i := *info
		ch.info = &i
	}
}

// Descriptors returns copies of the guild and channel descriptors.
func (s *Store) Descriptors(channelID string) (*GuildInfo, *ChannelInfo) {
	ch, ok := s.lookup(channelID)
	if !ok {
		return nil, nil
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	var g *GuildInfo
	var i *ChannelInfo
	if ch.guild != nil {
		gc := *ch.guild
		g = &gc
	}
	if ch.info != nil {
		ic := *ch.info
		i = &ic
	}
	return g, i
}

// SaveChannel persists the channel's messages, descriptors and metadata as
// one document.
func (s *Store) SaveChannel(ctx context.Context, channelID string) error {
	ch, ok := s.lookup(channelID)
	if !ok {
		return nil
	}
	ch.saveMu.Lock()
	defer ch.saveMu.Unlock()

	doc, written := ch.snapshot(channelID, exportStamp(s.clock.Now()))
	if err := s.backend.SaveChannel(ctx, doc); err != nil {
		return fmt.Errorf("save channel %s: %w", channelID, err)
	}

	ch.mu.Lock()
	for id, seq := range written {
		if ch.dirty[id] == seq {
			delete(ch.dirty, id)
		}
	}
	ch.mu.Unlock()
	return nil
}

func (ch *channel) snapshot(channelID string, exportedAt time.Time) (*ChannelDocument, map[string]uint64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.meta == nil {
		ch.meta = &coverage.ChannelMetadata{ChannelID: channelID}
	}
	doc := &ChannelDocument{
		ChannelID:  channelID,
		ExportedAt: exportedAt,
		Guild:      ch.guild,
		Channel:    ch.info,
		Messages:   make([]Message, 0, len(ch.messages)),
		Metadata:   ch.meta.Clone(),
	}
	for _, m := range ch.messages {
		doc.Messages = append(doc.Messages, m)
	}
	sortMessages(doc.Messages)

	written := make(map[string]uint64, len(ch.dirty))
	for id, seq := range ch.dirty {
		written[id] = seq
		doc.Changed = append(doc.Changed, ch.messages[id])
	}
	sortMessages(doc.Changed)
	return doc, written
}

// SaveAll persists every channel, continuing past failures.
func (s *Store) SaveAll(ctx context.Context) error {
	var errs []error
	for _, id := range s.ChannelIDs() {
		if err := s.SaveChannel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadAll replaces in-memory state with what the backend holds. Corrupt
// channels keep whatever messages were readable and get reset metadata
// flagged for a full backfill.
func (s *Store) LoadAll(ctx context.Context) (*LoadReport, error) {
	docs, err := s.backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	report := &LoadReport{}
	for _, doc := range docs {
		ch := s.entry(doc.ChannelID)
		ch.mu.Lock()
		ch.guild = doc.Guild
		ch.info = doc.Channel
		ch.messages = make(map[string]Message, len(doc.Messages))
		ch.dirty = make(map[string]uint64)
		for _, m := range doc.Messages {
			ch.messages[m.ID] = m
		}
		if doc.Metadata != nil {
			ch.meta = doc.Metadata
			ch.meta.ChannelID = doc.ChannelID
		} else {
			ch.meta = &coverage.ChannelMetadata{ChannelID: doc.ChannelID, NeedsBackfill: true}
		}
		ch.mu.Unlock()

		report.Channels++
		report.Messages += len(doc.Messages)
		if doc.Corrupt != nil {
			report.Corrupted = append(report.Corrupted, doc.ChannelID)
			s.logger.Warn("channel data unreadable, scheduling full re-sync",
				zap.String("channel", doc.ChannelID),
				zap.Int("messages_kept", len(doc.Messages)),
				zap.Error(doc.Corrupt))
		}
	}
	s.logger.Info("store loaded",
		zap.Int("channels", report.Channels),
		zap.Int("messages", report.Messages),
		zap.Int("corrupted", len(report.Corrupted)))
	return report, nil
}

// Reindex re-sends every stored message to the indexer. progress, if set, is
// called after each message with the running and total counts.
func (s *Store) Reindex(ctx context.Context, progress func(done, total int)) error {
	if s.indexer == nil {
		return errors.New("indexing is not enabled")
	}
	ids := s.ChannelIDs()
	total := 0
	for _, id := range ids {
		total += s.MessageCount(id)
	}

	done := 0
	for _, id := range ids {
		for _, m := range s.ChannelMessages(id, 0) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.indexer.IndexMessage(ctx, id, m); err != nil {
				s.logger.Warn("reindex failed for message",
					zap.String("channel", id),
					zap.String("msg_id", m.ID),
					zap.Error(err))
			}
			done++
			if progress != nil {
				progress(done, total)
			}
		}
	}
	return nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func sortMessages(msgs []Message) {
	slices.SortFunc(msgs, func(a, b Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

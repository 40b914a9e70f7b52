package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chanmirror/internal/coverage"
)

// GuildInfo describes the server a channel belongs to.
type GuildInfo struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	IconURL *string `json:"iconUrl"`
}

// ChannelInfo describes a mirrored channel.
type ChannelInfo struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	CategoryID *string `json:"categoryId"`
	Category   *string `json:"category"`
	Name       string  `json:"name"`
	Topic      *string `json:"topic"`
}

// ChannelDocument is the unit a Backend persists and loads atomically: one
// channel's messages, descriptors and sync metadata.
type ChannelDocument struct {
	ChannelID  string
	ExportedAt time.Time
	Guild      *GuildInfo
	Channel    *ChannelInfo
	// Messages is the full message set in ascending timestamp order.
	Messages []Message
	// Changed holds messages upserted since the previous successful save.
	Changed  []Message
	Metadata *coverage.ChannelMetadata

	// Corrupt is set on load when part of the document was unreadable.
	// Metadata is nil in that case.
	Corrupt error
}

// Backend is the durable representation of the store.
type Backend interface {
	LoadAll(ctx context.Context) ([]*ChannelDocument, error)
	SaveChannel(ctx context.Context, doc *ChannelDocument) error
	Close() error
}

// Indexer receives every successful upsert. Failures are logged and ignored.
type Indexer interface {
	IndexMessage(ctx context.Context, channelID string, m Message) error
}

// CorruptionError reports a persisted channel that could not be read.
type CorruptionError struct {
	Channel string
	Path    string
	Err     error
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("channel %s: corrupt data in %s: %v", e.Channel, e.Path, e.Err)
	}
	return fmt.Sprintf("channel %s: corrupt data: %v", e.Channel, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// LoadReport summarizes a LoadAll pass.
type LoadReport struct {
	Channels int
	Messages int
	// Corrupted lists channels that were reset because their data was unreadable.
	Corrupted []string
}

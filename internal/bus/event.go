package bus

import (
	"time"

	"github.com/matheus3301/chanmirror/internal/history"
)

// Event kinds. Subscribers filter by prefix, e.g. "live." or "sync.".
const (
	KindLiveMessage = "live.message"
	KindLiveDelete  = "live.delete"

	KindSyncStarted   = "sync.started"
	KindSyncCompleted = "sync.completed"
	KindSyncFailed    = "sync.failed"

	KindStatusChanged = "status.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// LiveMessage carries a record pushed by the provider outside any sync pass.
type LiveMessage struct {
	ChannelID string
	Record    history.Record
}

// LiveDelete reports an upstream deletion. It is logged, never applied.
type LiveDelete struct {
	ChannelID string
	MessageID string
}

// SyncPass describes a sync pass starting, finishing or failing.
type SyncPass struct {
	PassID    string
	ChannelID string
	Mode      string
	Fetched   int
	New       int
	Updated   int
	Skipped   int
	Err       string
}

package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chanmirror/internal/bus"
)

// Phase is where a channel stands in its sync lifecycle. Phases are reported,
// never persisted; after a restart they are inferred from stored data.
type Phase string

const (
	Unsynced           Phase = "UNSYNCED"
	InitialBackfill    Phase = "INITIAL_BACKFILL"
	Steady             Phase = "STEADY"
	GapFill            Phase = "GAP_FILL"
	IncrementalCatchup Phase = "INCREMENTAL_CATCHUP"
)

var validPhaseTransitions = map[Phase][]Phase{
	Unsynced:           {InitialBackfill},
	InitialBackfill:    {Steady, Unsynced},
	Steady:             {GapFill, IncrementalCatchup, InitialBackfill},
	GapFill:            {Steady},
	IncrementalCatchup: {Steady},
}

// ChannelStatus is a snapshot of one channel's phase.
type ChannelStatus struct {
	ChannelID string
	Phase     Phase
	Since     time.Time
	LastError string
}

// PhaseChange is the payload for channel phase events.
type PhaseChange struct {
	ChannelID string
	From      Phase
	To        Phase
}

// Tracker records the phase of every channel the daemon syncs.
type Tracker struct {
	mu       sync.RWMutex
	channels map[string]*ChannelStatus
	bus      *bus.Bus
	now      func() time.Time
}

// NewTracker creates an empty tracker. b may be nil.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		channels: make(map[string]*ChannelStatus),
		bus:      b,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enter moves a channel to phase to. inferred is used as the current phase for
// a channel the tracker has not seen yet.
func (t *Tracker) Enter(channelID string, inferred, to Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.channels[channelID]
	if !ok {
		cs = &ChannelStatus{ChannelID: channelID, Phase: inferred, Since: t.now()}
		t.channels[channelID] = cs
	}
	if cs.Phase == to {
		return nil
	}
	if !slices.Contains(validPhaseTransitions[cs.Phase], to) {
		return fmt.Errorf("channel %s: invalid phase transition from %s to %s", channelID, cs.Phase, to)
	}
	from := cs.Phase
	cs.Phase = to
	cs.Since = t.now()
	if to != Steady && to != Unsynced {
		cs.LastError = ""
	}
	if t.bus != nil {
		t.bus.Publish(bus.Event{
			Kind:    bus.KindStatusChanged,
			Payload: PhaseChange{ChannelID: channelID, From: from, To: to},
		})
	}
	return nil
}

// Fail records err against the channel without changing its phase.
func (t *Tracker) Fail(channelID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cs, ok := t.channels[channelID]; ok && err != nil {
		cs.LastError = err.Error()
	}
}

// Get returns the channel's status.
func (t *Tracker) Get(channelID string) (ChannelStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cs, ok := t.channels[channelID]
	if !ok {
		return ChannelStatus{}, false
	}
	return *cs, true
}

// All returns every tracked channel sorted by id.
func (t *Tracker) All() []ChannelStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ChannelStatus, 0, len(t.channels))
	for _, cs := range t.channels {
		out = append(out, *cs)
	}
	slices.SortFunc(out, func(a, b ChannelStatus) int {
		switch {
		case a.ChannelID < b.ChannelID:
			return -1
		case a.ChannelID > b.ChannelID:
			return 1
		}
		return 0
	})
	return out
}

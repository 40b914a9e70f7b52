package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chanmirror/internal/bus"
)

// State is the daemon's connection and lifecycle state.
type State string

const (
	Booting      State = "BOOTING"
	Loading      State = "LOADING"
	Connecting   State = "CONNECTING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	// Offline means no live gateway; stored data is served and passes still run
	// on demand.
	Offline State = "OFFLINE"
	Error   State = "ERROR"
)

var validTransitions = map[State][]State{
	Booting:      {Loading, Error},
	Loading:      {Connecting, Offline, Error},
	Connecting:   {Ready, Reconnecting, Error},
	Ready:        {Reconnecting, Error},
	Reconnecting: {Connecting, Error},
	Offline:      {Connecting, Error},
	Error:        {Booting},
}

// TransitionError is returned for a move the machine does not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// Snapshot is the machine's state with when and why it was entered.
type Snapshot struct {
	State  State
	Since  time.Time
	Reason string
}

// StatusChange is the payload for daemon state events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}

// Machine enforces daemon state transitions and announces each one on the bus.
type Machine struct {
	mu   sync.RWMutex
	snap Snapshot
	bus  *bus.Bus
}

// NewMachine creates a machine in Booting. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		snap: Snapshot{State: Booting, Since: time.Now().UTC()},
		bus:  b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State
}

// Snapshot returns the current state with its entry time and reason.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Transition moves to state to.
func (m *Machine) Transition(to State) error {
	return m.move(to, "")
}

// Fail moves to Error, recording cause as the reason.
func (m *Machine) Fail(cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return m.move(Error, reason)
}

func (m *Machine) move(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.snap.State
	if !slices.Contains(validTransitions[from], to) {
		return &TransitionError{From: from, To: to}
	}
	m.snap = Snapshot{State: to, Since: time.Now().UTC(), Reason: reason}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindStatusChanged,
			Payload: StatusChange{From: from, To: to, Reason: reason},
		})
	}
	return nil
}

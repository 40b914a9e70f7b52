package status

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chanmirror/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Loading},
		{Booting, Error},
		{Loading, Connecting},
		{Loading, Offline},
		{Connecting, Ready},
		{Ready, Reconnecting},
		{Reconnecting, Connecting},
		{Offline, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	err := m.Transition(Ready)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("Transition(BOOTING -> READY) error = %v, want TransitionError", err)
	}
	if te.From != Booting || te.To != Ready {
		t.Errorf("error = %+v", te)
	}
	if m.Current() != Booting {
		t.Errorf("state = %s after rejected transition", m.Current())
	}
}

func TestFailRecordsReason(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("status.", 10)
	defer unsub()

	m := NewMachine(b)
	walkTo(t, m, Ready)
	before := m.Snapshot().Since
	for len(ch) > 0 {
		<-ch
	}

	if err := m.Fail(errors.New("gateway close 4004")); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if snap.State != Error || snap.Reason != "gateway close 4004" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Since.Before(before) {
		t.Errorf("since = %v, want >= %v", snap.Since, before)
	}

	evt := <-ch
	if sc := evt.Payload.(StatusChange); sc.To != Error || sc.Reason != "gateway close 4004" {
		t.Errorf("event payload = %+v", sc)
	}

	if err := m.Transition(Booting); err != nil {
		t.Fatal(err)
	}
	if r := m.Snapshot().Reason; r != "" {
		t.Errorf("reason after recovery = %q, want empty", r)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("status.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Loading); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		sc, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if sc.From != Booting || sc.To != Loading {
			t.Errorf("change = %+v", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}

// walkTo drives m from Booting to target along valid transitions.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:      {},
		Loading:      {Loading},
		Connecting:   {Loading, Connecting},
		Ready:        {Loading, Connecting, Ready},
		Reconnecting: {Loading, Connecting, Ready, Reconnecting},
		Offline:      {Loading, Offline},
		Error:        {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walk to %s: %v", target, err)
		}
	}
}

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker(nil)

	if err := tr.Enter("c1", Unsynced, InitialBackfill); err != nil {
		t.Fatal(err)
	}
	if err := tr.Enter("c1", Unsynced, Steady); err != nil {
		t.Fatal(err)
	}
	if err := tr.Enter("c1", Unsynced, IncrementalCatchup); err != nil {
		t.Fatal(err)
	}
	tr.Fail("c1", errors.New("rate limited"))
	if err := tr.Enter("c1", Unsynced, Steady); err != nil {
		t.Fatal(err)
	}

	cs, ok := tr.Get("c1")
	if !ok || cs.Phase != Steady {
		t.Fatalf("status = %+v", cs)
	}
	if cs.LastError != "rate limited" {
		t.Errorf("last error = %q, want the failed pass's error", cs.LastError)
	}

	if err := tr.Enter("c1", Unsynced, GapFill); err != nil {
		t.Fatal(err)
	}
	if cs, _ := tr.Get("c1"); cs.LastError != "" {
		t.Errorf("starting a pass should clear the previous error, got %q", cs.LastError)
	}
}

func TestTrackerRejectsInvalidPhase(t *testing.T) {
	tr := NewTracker(nil)
	if err := tr.Enter("c1", Unsynced, GapFill); err == nil {
		t.Error("UNSYNCED -> GAP_FILL should fail")
	}
	// An inferred Steady channel may start a catch-up straight away.
	if err := tr.Enter("c2", Steady, IncrementalCatchup); err != nil {
		t.Errorf("STEADY -> INCREMENTAL_CATCHUP: %v", err)
	}
}

func TestTrackerAllSorted(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("status.", 10)
	defer unsub()

	tr := NewTracker(b)
	_ = tr.Enter("b", Unsynced, InitialBackfill)
	_ = tr.Enter("a", Steady, GapFill)

	all := tr.All()
	if len(all) != 2 || all[0].ChannelID != "a" || all[1].ChannelID != "b" {
		t.Errorf("All() = %+v", all)
	}

	select {
	case evt := <-ch:
		if _, ok := evt.Payload.(PhaseChange); !ok {
			t.Errorf("payload type = %T", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for phase event")
	}
}

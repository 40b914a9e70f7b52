package sweep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	intsync "github.com/matheus3301/chanmirror/internal/sync"
	"go.uber.org/zap/zaptest"
)

type mockSyncer struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newMockSyncer() *mockSyncer {
	return &mockSyncer{calls: map[string]int{}, fail: map[string]error{}}
}

func (m *mockSyncer) SyncChannel(ctx context.Context, id string, _ ...intsync.SyncOption) (*intsync.Result, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[id]++
	if err := m.fail[id]; err != nil {
		return nil, err
	}
	return &intsync.Result{ChannelID: id}, nil
}

func (m *mockSyncer) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

type staticLister []string

func (l staticLister) ChannelIDs() []string { return l }

func TestRunOnceSyncsEveryChannel(t *testing.T) {
	syncer := newMockSyncer()
	syncer.fail["b"] = errors.New("rate limited")
	s := New(syncer, staticLister{"a", "b", "c"}, time.Hour, 2, zaptest.NewLogger(t))

	report, ran := s.RunOnce(context.Background())
	if !ran {
		t.Fatal("sweep did not run")
	}
	if report.Channels != 3 || report.Succeeded != 2 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := report.Failed["b"]; !ok || len(report.Failed) != 1 {
		t.Errorf("failed = %v, want only b", report.Failed)
	}
	for _, id := range []string{"a", "b", "c"} {
		if syncer.count(id) != 1 {
			t.Errorf("channel %s synced %d times", id, syncer.count(id))
		}
	}
}

func TestRunOnceRespectsParallelism(t *testing.T) {
	syncer := newMockSyncer()
	syncer.delay = 10 * time.Millisecond
	s := New(syncer, staticLister{"a", "b", "c", "d", "e", "f"}, time.Hour, 2, zaptest.NewLogger(t))

	s.RunOnce(context.Background())
	if got := syncer.maxSeen.Load(); got > 2 {
		t.Errorf("max concurrent syncs = %d, want <= 2", got)
	}
}

func TestOverlappingSweepIsSkipped(t *testing.T) {
	syncer := newMockSyncer()
	syncer.delay = 100 * time.Millisecond
	s := New(syncer, staticLister{"a"}, time.Hour, 1, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunOnce(context.Background())
	}()
	deadline := time.Now().Add(time.Second)
	for syncer.active.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, ran := s.RunOnce(context.Background()); ran {
		t.Error("second sweep should be skipped while the first runs")
	}
	<-done
	if syncer.count("a") != 1 {
		t.Errorf("channel synced %d times, want 1", syncer.count("a"))
	}
}

func TestStartStopLoop(t *testing.T) {
	syncer := newMockSyncer()
	s := New(syncer, staticLister{"a"}, 10*time.Millisecond, 1, zaptest.NewLogger(t))

	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for syncer.count("a") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	n := syncer.count("a")
	time.Sleep(30 * time.Millisecond)
	if syncer.count("a") != n {
		t.Error("sweeper kept running after Stop")
	}
}

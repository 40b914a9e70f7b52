package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chanmirror/internal/bus"
	"github.com/matheus3301/chanmirror/internal/clock"
	"github.com/matheus3301/chanmirror/internal/coverage"
	"github.com/matheus3301/chanmirror/internal/history"
	"github.com/matheus3301/chanmirror/internal/status"
	"github.com/matheus3301/chanmirror/internal/store"
	"go.uber.org/zap/zaptest"
)

var epoch = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// at returns epoch plus n seconds.
func at(n int) time.Time {
	return epoch.Add(time.Duration(n) * time.Second)
}

func record(id string, ts time.Time) history.Record {
	return history.Record{
		ID:        id,
		Timestamp: coverage.FormatTimestamp(ts),
		Payload:   json.RawMessage(`{"content":"` + id + `"}`),
	}
}

// fakeChannel serves records newest first, pageSize at a time, with
// exclusive After/Before bounds.
type fakeChannel struct {
	id       string
	pageSize int

	mu      gosync.Mutex
	records map[string]history.Record
	queries []history.Query
	// fail, when set, may reject the n-th call (1-based).
	fail  func(n int, q history.Query) error
	block chan struct{}

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeChannel(id string, recs ...history.Record) *fakeChannel {
	f := &fakeChannel{id: id, pageSize: 100, records: map[string]history.Record{}}
	f.put(recs...)
	return f
}

func (f *fakeChannel) put(recs ...history.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range recs {
		f.records[r.ID] = r
	}
}

func (f *fakeChannel) calls() []history.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.queries)
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) History(ctx context.Context, q history.Query) (history.Page, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.queries = append(f.queries, q)
	call := len(f.queries)
	fail, block := f.fail, f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return history.Page{}, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(call, q); err != nil {
			return history.Page{}, err
		}
	}

	f.mu.Lock()
	var matched []history.Record
	for _, r := range f.records {
		ts, err := coverage.ParseTimestamp(r.Timestamp)
		if err == nil {
			if !q.After.IsZero() && !ts.After(q.After) {
				continue
			}
			if !q.Before.IsZero() && !ts.Before(q.Before) {
				continue
			}
		}
		matched = append(matched, r)
	}
	f.mu.Unlock()
	slices.SortFunc(matched, func(a, b history.Record) int {
		if a.Timestamp != b.Timestamp {
			if a.Timestamp > b.Timestamp {
				return -1
			}
			return 1
		}
		if a.ID > b.ID {
			return -1
		}
		return 1
	})

	offset := 0
	if q.Cursor != "" {
		offset, _ = strconv.Atoi(q.Cursor)
	}
	end := min(offset+f.pageSize, len(matched))
	if offset > end {
		offset = end
	}
	page := history.Page{Records: matched[offset:end]}
	if end < len(matched) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

type fakeResolver map[string]history.Channel

func (r fakeResolver) Channel(_ context.Context, id string) (history.Channel, error) {
	ch, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", history.ErrUnknownChannel, id)
	}
	return ch, nil
}

type harness struct {
	mgr     *Manager
	store   *store.Store
	clock   *clock.Fake
	bus     *bus.Bus
	tracker *status.Tracker
	chans   fakeResolver
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FetchTimeout = time.Second
	cfg.MaxRetries = 0
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 5 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg Config, chans ...*fakeChannel) *harness {
	t.Helper()
	backend, err := store.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := zaptest.NewLogger(t)
	clk := clock.NewFake(at(1000))
	b := bus.New()
	tracker := status.NewTracker(b)
	st := store.New(backend, nil, clk, logger)
	res := fakeResolver{}
	for _, c := range chans {
		res[c.id] = c
	}
	return &harness{
		mgr:     NewManager(st, res, cfg, clk, b, tracker, logger),
		store:   st,
		clock:   clk,
		bus:     b,
		tracker: tracker,
		chans:   res,
	}
}

func (h *harness) meta(t *testing.T, id string) *coverage.ChannelMetadata {
	t.Helper()
	m, ok := h.store.Metadata(id)
	if !ok {
		t.Fatalf("no metadata for %s", id)
	}
	return m
}

func assertRanges(t *testing.T, what string, got, want []coverage.TimeRange) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
	for i := range got {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Fatalf("%s = %v, want %v", what, got, want)
		}
	}
}

func rng(a, b int) coverage.TimeRange {
	return coverage.TimeRange{Start: at(a), End: at(b)}
}

func TestSyncScenarioAAndB(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel("C", record("m1", at(100)), record("m2", at(110)), record("m3", at(150)))
	h := newHarness(t, testConfig(), ch)

	// Scenario A: empty channel, full backfill.
	res, err := h.mgr.SyncChannel(ctx, "C")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeBackfill || res.New != 3 {
		t.Errorf("result = %+v", res)
	}
	if n := h.store.MessageCount("C"); n != 3 {
		t.Fatalf("stored %d messages, want 3", n)
	}
	meta := h.meta(t, "C")
	assertRanges(t, "known", meta.KnownRanges(), []coverage.TimeRange{rng(100, 150)})
	assertRanges(t, "gaps", meta.Gaps(), nil)

	// Scenario B: m3 edited, m4 new, overlap of 10 seconds.
	edited := record("m3", at(150))
	edited.EditedTimestamp = coverage.FormatTimestamp(at(155))
	ch.put(edited, record("m4", at(160)))
	h.clock.Set(at(160))

	res, err = h.mgr.SyncChannel(ctx, "C", WithOverlap(10*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeIncremental || res.Updated != 1 || res.New != 1 {
		t.Errorf("result = %+v, want 1 updated 1 new", res)
	}
	calls := ch.calls()
	if got := calls[len(calls)-1].After; !got.Equal(at(140)) {
		t.Errorf("sync after = %v, want %v", got, at(140))
	}
	m3, _ := h.store.GetMessage("C", "m3")
	if m3.EditedTimestamp == nil || !m3.EditedTimestamp.Equal(at(155)) {
		t.Errorf("m3 edited = %v", m3.EditedTimestamp)
	}
	meta = h.meta(t, "C")
	assertRanges(t, "known", meta.KnownRanges(), []coverage.TimeRange{rng(100, 160)})
	if !meta.LastSync.Equal(at(160)) {
		t.Errorf("last sync = %v", meta.LastSync)
	}
}

func TestSyncScenarioDPartialFailure(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel("C", record("m1", at(100)), record("m2", at(110)))
	ch.pageSize = 1
	ch.fail = func(n int, _ history.Query) error {
		if n == 2 {
			return errors.New("connection reset")
		}
		return nil
	}
	h := newHarness(t, testConfig(), ch)

	res, err := h.mgr.SyncChannel(ctx, "C")
	var fetchErr *ProviderFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want ProviderFetchError", err)
	}
	if res == nil || res.Fetched != 1 {
		t.Errorf("result = %+v, want one record fetched before failure", res)
	}
	if n := h.store.MessageCount("C"); n != 1 {
		t.Errorf("stored %d messages, want the one upserted before the failure", n)
	}
	meta := h.meta(t, "C")
	if len(meta.KnownRanges()) != 0 || !meta.LastSync.IsZero() {
		t.Errorf("failed pass committed metadata: known=%v last_sync=%v", meta.KnownRanges(), meta.LastSync)
	}

	// m1 is stored but no range was committed, so the retry is a full
	// backfill again. It starts over from the beginning and stores each
	// record once.
	ch.fail = nil
	res, err = h.mgr.SyncChannel(ctx, "C")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeBackfill {
		t.Errorf("retry mode = %s, want %s", res.Mode, ModeBackfill)
	}
	if n := h.store.MessageCount("C"); n != 2 {
		t.Errorf("stored %d messages, want 2", n)
	}
	assertRanges(t, "known", h.meta(t, "C").KnownRanges(), []coverage.TimeRange{rng(100, 110)})
}

func TestFailedCatchUpLeavesMetadataUntouched(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel("C", record("m1", at(100)), record("m2", at(150)))
	h := newHarness(t, testConfig(), ch)
	if _, err := h.mgr.SyncChannel(ctx, "C"); err != nil {
		t.Fatal(err)
	}
	before := h.meta(t, "C")

	ch.put(record("m3", at(900)))
	ch.fail = func(int, history.Query) error { return &history.RetryableError{Err: errors.New("503")} }
	h.clock.Set(at(2000))

	if _, err := h.mgr.SyncChannel(ctx, "C"); err == nil {
		t.Fatal("expected fetch error")
	}
	after := h.meta(t, "C")
	assertRanges(t, "known", after.KnownRanges(), before.KnownRanges())
	if !after.LastSync.Equal(before.LastSync) {
		t.Errorf("last sync moved from %v to %v", before.LastSync, after.LastSync)
	}
	if cs, _ := h.tracker.Get("C"); cs.Phase != status.Steady || cs.LastError == "" {
		t.Errorf("tracker = %+v, want STEADY with an error", cs)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel("C", record("m1", at(100)), record("m2", at(200)))
	h := newHarness(t, testConfig(), ch)

	if _, err := h.mgr.SyncChannel(ctx, "C"); err != nil {
		t.Fatal(err)
	}
	first := h.store.ChannelMessages("C", 0)

	h.clock.Set(at(1100))
	res, err := h.mgr.SyncChannel(ctx, "C")
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 0 || res.Updated != 0 || res.Unchanged != 2 {
		t.Errorf("second pass = %+v, want only unchanged records", res)
	}
	second := h.store.ChannelMessages("C", 0)
	if len(first) != len(second) {
		t.Fatalf("message count changed: %d -> %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || string(first[i].Payload) != string(second[i].Payload) {
			t.Errorf("message %d changed: %+v -> %+v", i, first[i], second[i])
		}
	}
	if !h.meta(t, "C").LastSync.Equal(at(1100)) {
		t.Error("last sync not advanced")
	}
}

func TestVolatileRecordsAreRewritten(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel("C", record("m1", at(100)))
	h := newHarness(t, testConfig(), ch)
	if _, err := h.mgr.SyncChannel(ctx, "C"); err != nil {
		t.Fatal(err)
	}

	withReactions := record("m1", at(100))
	withReactions.Volatile = true
	withReactions.Payload = json.RawMessage(`{"content":"m1","reactions":[{"emoji":"x","count":2}]}`)
	ch.put(withReactions)

	res, err := h.mgr.SyncChannel(ctx, "C")
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 {
		t.Errorf("updated = %d, want 1", res.Updated)
	}
	got, _ := h.store.GetMessage("C", "m1")
	if string(got.Payload) != string(withReactions.Payload) {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestInvalidRecordIsSkipped(t *testing.T) {
	ctx := context.Background()
	bad := record("bad", at(120))
	bad.Timestamp = "yesterday-ish"
	ch := newFakeChannel("C", record("m1", at(100)), bad, record("m2", at(140)), history.Record{Timestamp: coverage.FormatTimestamp(at(130))})
	h := newHarness(t, testConfig(), ch)

	res, err := h.mgr.SyncChannel(ctx, "C")
	if err != nil {
		t.Fatalf("invalid records must not abort the pass: %v", err)
	}
	if res.Invalid != 2 || res.New != 2 || res.Fetched != 4 {
		t.Errorf("result = %+v", res)
	}
	assertRanges(t, "known", h.meta(t, "C").KnownRanges(), []coverage.TimeRange{rng(100, 140)})
}

func TestEmptyBackfillMarksSyncedEmpty(t *testing.T) {
	h := newHarness(t, testConfig(), newFakeChannel("C"))

	res, err := h.mgr.SyncChannel(context.Background(), "C")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeBackfill || res.Fetched != 0 {
		t.Errorf("result = %+v", res)
	}
	meta := h.meta(t, "C")
	if !meta.SyncedEmpty || len(meta.KnownRanges()) != 0 {
		t.Errorf("meta = %+v", meta)
	}
	if !meta.LastSync.Equal(at(1000)) {
		t.Errorf("last sync = %v", meta.LastSync)
	}
	if cs, _ := h.tracker.Get("C"); cs.Phase != status.Steady {
		t.Errorf("phase = %s, want STEADY", cs.Phase)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	ch := newFakeChannel("C", record("m1", at(100)))
	ch.fail = func(n int, _ history.Query) error {
		if n == 1 {
			return &history.RetryableError{Err: errors.New("429"), RetryAfter: 2 * time.Millisecond}
		}
		return nil
	}
	h := newHarness(t, cfg, ch)

	if _, err := h.mgr.SyncChannel(context.Background(), "C"); err != nil {
		t.Fatal(err)
	}
	if n := len(ch.calls()); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	ch := newFakeChannel("C")
	ch.fail = func(int, history.Query) error { return errors.New("403 forbidden") }
	h := newHarness(t, cfg, ch)

	_, err := h.mgr.SyncChannel(context.Background(), "C")
	var fetchErr *ProviderFetchError
	if !errors.As(err, &fetchErr) || fetchErr.Retryable() {
		t.Fatalf("err = %v, want non-retryable ProviderFetchError", err)
	}
	if n := len(ch.calls()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestFetchTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.FetchTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	ch := newFakeChannel("C")
	ch.block = make(chan struct{})
	h := newHarness(t, cfg, ch)

	_, err := h.mgr.SyncChannel(context.Background(), "C")
	var fetchErr *ProviderFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want ProviderFetchError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) || !fetchErr.Retryable() {
		t.Errorf("err = %v, want retryable deadline", err)
	}
	if n := len(ch.calls()); n != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", n)
	}
}

func TestCancellationAbortsPass(t *testing.T) {
	ch := newFakeChannel("C", record("m1", at(100)))
	ch.block = make(chan struct{})
	h := newHarness(t, testConfig(), ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.mgr.SyncChannel(ctx, "C")
		done <- err
	}()
	waitFor(t, func() bool { return len(ch.calls()) == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pass did not stop on cancellation")
	}
	if meta := h.meta(t, "C"); len(meta.KnownRanges()) != 0 || !meta.LastSync.IsZero() {
		t.Errorf("cancelled pass committed metadata: %+v", meta)
	}
}

func TestInitializeChannel(t *testing.T) {
	now := at(100_000)

	t.Run("empty channel backfills", func(t *testing.T) {
		ch := newFakeChannel("C", record("m1", now.Add(-time.Hour)))
		h := newHarness(t, testConfig(), ch)
		h.clock.Set(now)

		res, err := h.mgr.InitializeChannel(context.Background(), "C")
		if err != nil {
			t.Fatal(err)
		}
		if res.Mode != ModeBackfill || h.store.MessageCount("C") != 1 {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("recent gap is filled", func(t *testing.T) {
		inGap := record("g1", now.Add(-5*time.Hour))
		ch := newFakeChannel("C", inGap)
		h := newHarness(t, testConfig(), ch)
		h.clock.Set(now)
		seed(t, h, "C", now.Add(-time.Minute),
			coverage.TimeRange{Start: now.Add(-10 * time.Hour), End: now.Add(-8 * time.Hour)},
			coverage.TimeRange{Start: now.Add(-2 * time.Hour), End: now})

		res, err := h.mgr.InitializeChannel(context.Background(), "C")
		if err != nil {
			t.Fatal(err)
		}
		if res.Mode != ModeGapFill || res.New != 1 {
			t.Errorf("result = %+v", res)
		}
		q := ch.calls()[0]
		if !q.After.Equal(now.Add(-8*time.Hour)) || !q.Before.Equal(now.Add(-2*time.Hour)) {
			t.Errorf("gap query = %+v", q)
		}
		meta := h.meta(t, "C")
		assertRanges(t, "known", meta.KnownRanges(), []coverage.TimeRange{{Start: now.Add(-10 * time.Hour), End: now}})
		if !meta.LastSync.IsZero() {
			t.Errorf("gap fill should not move last sync, got %v", meta.LastSync)
		}
	})

	t.Run("empty gap is still marked known", func(t *testing.T) {
		ch := newFakeChannel("C")
		h := newHarness(t, testConfig(), ch)
		h.clock.Set(now)
		seed(t, h, "C", now.Add(-time.Minute),
			coverage.TimeRange{Start: now.Add(-3 * time.Hour), End: now.Add(-2 * time.Hour)},
			coverage.TimeRange{Start: now.Add(-time.Hour), End: now})

		if _, err := h.mgr.InitializeChannel(context.Background(), "C"); err != nil {
			t.Fatal(err)
		}
		if gaps := h.meta(t, "C").Gaps(); len(gaps) != 0 {
			t.Errorf("gaps = %v, want none", gaps)
		}
	})

	t.Run("fresh channel does nothing", func(t *testing.T) {
		ch := newFakeChannel("C")
		h := newHarness(t, testConfig(), ch)
		h.clock.Set(now)
		seed(t, h, "C", now.Add(-time.Minute), coverage.TimeRange{Start: now.Add(-time.Hour), End: now})

		res, err := h.mgr.InitializeChannel(context.Background(), "C")
		if err != nil {
			t.Fatal(err)
		}
		if res.Mode != ModeNone || len(ch.calls()) != 0 {
			t.Errorf("result = %+v, calls = %d", res, len(ch.calls()))
		}
	})

	t.Run("stale channel catches up with short overlap", func(t *testing.T) {
		latest := now.Add(-10 * time.Minute)
		ch := newFakeChannel("C", record("new", now.Add(-time.Minute)))
		h := newHarness(t, testConfig(), ch)
		h.clock.Set(now)
		seed(t, h, "C", latest, coverage.TimeRange{Start: now.Add(-time.Hour), End: latest})

		res, err := h.mgr.InitializeChannel(context.Background(), "C")
		if err != nil {
			t.Fatal(err)
		}
		if res.Mode != ModeIncremental || res.New != 1 {
			t.Errorf("result = %+v", res)
		}
		if q := ch.calls()[0]; !q.After.Equal(latest.Add(-5 * time.Minute)) {
			t.Errorf("after = %v, want latest minus 5m", q.After)
		}
	})

	t.Run("reset metadata forces backfill", func(t *testing.T) {
		ch := newFakeChannel("C", record("old", now.Add(-48*time.Hour)), record("m", now.Add(-time.Minute)))
		h := newHarness(t, testConfig(), ch)
		h.clock.Set(now)
		seed(t, h, "C", now.Add(-time.Minute))
		meta := h.store.EnsureMetadata("C")
		meta.NeedsBackfill = true
		h.store.CommitMetadata("C", meta)

		res, err := h.mgr.InitializeChannel(context.Background(), "C")
		if err != nil {
			t.Fatal(err)
		}
		if res.Mode != ModeBackfill {
			t.Errorf("mode = %s, want backfill", res.Mode)
		}
		got := h.meta(t, "C")
		if got.NeedsBackfill {
			t.Error("NeedsBackfill not cleared")
		}
		assertRanges(t, "known", got.KnownRanges(), []coverage.TimeRange{{Start: now.Add(-48 * time.Hour), End: now.Add(-time.Minute)}})
	})
}

func TestBackfillGapsFillsOldGaps(t *testing.T) {
	now := at(1_000_000)
	old := record("old", now.Add(-72*time.Hour))
	ch := newFakeChannel("C", old)
	h := newHarness(t, testConfig(), ch)
	h.clock.Set(now)
	seed(t, h, "C", now.Add(-time.Minute),
		coverage.TimeRange{Start: now.Add(-100 * time.Hour), End: now.Add(-80 * time.Hour)},
		coverage.TimeRange{Start: now.Add(-60 * time.Hour), End: now})

	// The gap is older than the recent window, so initialization leaves it.
	res, err := h.mgr.InitializeChannel(context.Background(), "C")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeNone {
		t.Fatalf("initialize mode = %s, want none", res.Mode)
	}

	res, err = h.mgr.BackfillGaps(context.Background(), "C")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeGapFill || res.New != 1 {
		t.Errorf("result = %+v", res)
	}
	if gaps := h.meta(t, "C").Gaps(); len(gaps) != 0 {
		t.Errorf("gaps = %v", gaps)
	}
}

func TestSameChannelPassesAreSerialized(t *testing.T) {
	ch := newFakeChannel("C", record("m1", at(100)))
	ch.block = make(chan struct{})
	h := newHarness(t, testConfig(), ch)

	var wg gosync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.mgr.SyncChannel(context.Background(), "C"); err != nil {
				t.Error(err)
			}
		}()
	}
	waitFor(t, func() bool { return h.mgr.Busy("C") && len(ch.calls()) == 1 })
	close(ch.block)
	wg.Wait()

	if got := ch.maxInflight.Load(); got != 1 {
		t.Errorf("max concurrent fetches = %d, want 1", got)
	}
	if h.store.MessageCount("C") != 1 {
		t.Error("message stored more than once")
	}
}

func TestDifferentChannelsRunInParallel(t *testing.T) {
	gate := make(chan struct{})
	a := newFakeChannel("A", record("a1", at(100)))
	b := newFakeChannel("B", record("b1", at(100)))
	a.block, b.block = gate, gate
	h := newHarness(t, testConfig(), a, b)

	var wg gosync.WaitGroup
	for _, id := range []string{"A", "B"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := h.mgr.SyncChannel(context.Background(), id); err != nil {
				t.Error(err)
			}
		}(id)
	}
	// Both fetches must be in flight at once before either is released.
	waitFor(t, func() bool { return len(a.calls()) == 1 && len(b.calls()) == 1 })
	close(gate)
	wg.Wait()
}

func TestWaitingForLockHonorsContext(t *testing.T) {
	ch := newFakeChannel("C")
	ch.block = make(chan struct{})
	h := newHarness(t, testConfig(), ch)

	holder := make(chan struct{})
	go func() {
		defer close(holder)
		_, _ = h.mgr.SyncChannel(context.Background(), "C")
	}()
	waitFor(t, func() bool { return h.mgr.Busy("C") })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.mgr.SyncChannel(ctx, "C"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	close(ch.block)
	<-holder
}

func TestUnknownChannel(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.mgr.SyncChannel(context.Background(), "missing"); !errors.Is(err, history.ErrUnknownChannel) {
		t.Errorf("err = %v, want ErrUnknownChannel", err)
	}
}

func TestPassEventsPublished(t *testing.T) {
	ch := newFakeChannel("C", record("m1", at(100)))
	h := newHarness(t, testConfig(), ch)
	events, unsub := h.bus.Subscribe("sync.", 10)
	defer unsub()

	res, err := h.mgr.SyncChannel(context.Background(), "C")
	if err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
			if p := evt.Payload.(bus.SyncPass); p.PassID != res.PassID {
				t.Errorf("pass id = %s, want %s", p.PassID, res.PassID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %v", kinds)
		}
	}
	if kinds[0] != bus.KindSyncStarted || kinds[1] != bus.KindSyncCompleted {
		t.Errorf("kinds = %v", kinds)
	}
}

// seed stores one message at latest and commits the given known ranges.
func seed(t *testing.T, h *harness, id string, latest time.Time, known ...coverage.TimeRange) {
	t.Helper()
	if err := h.store.AddMessage(context.Background(), id, store.Message{ID: "seed", Timestamp: latest}); err != nil {
		t.Fatal(err)
	}
	meta := h.store.EnsureMetadata(id)
	for _, r := range known {
		meta.AddKnownRange(r)
	}
	h.store.CommitMetadata(id, meta)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

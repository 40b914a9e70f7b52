package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/chanmirror/internal/bus"
	"github.com/matheus3301/chanmirror/internal/coverage"
	"github.com/matheus3301/chanmirror/internal/store"
	"go.uber.org/zap/zaptest"
)

func testEngine(t *testing.T) (*Engine, *store.Store, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	backend, err := store.NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	logger := zaptest.NewLogger(t)
	st := store.New(backend, nil, nil, logger)
	b := bus.New()
	return NewEngine(st, b, logger), st, b
}

func TestEngineIgnoresUntrackedChannel(t *testing.T) {
	e, st, _ := testEngine(t)

	err := e.IngestLive(context.Background(), "C", record("m1", at(100)))
	if !errors.Is(err, ErrUntrackedChannel) {
		t.Fatalf("err = %v, want ErrUntrackedChannel", err)
	}
	if st.HasChannel("C") {
		t.Error("live ingest must not create channels")
	}
}

func TestEngineIngestLiveIsIdempotent(t *testing.T) {
	e, st, _ := testEngine(t)
	st.EnsureMetadata("C")
	before, _ := st.Metadata("C")

	rec := record("m1", at(100))
	for range 2 {
		if err := e.IngestLive(context.Background(), "C", rec); err != nil {
			t.Fatal(err)
		}
	}
	edited := rec
	edited.EditedTimestamp = coverage.FormatTimestamp(at(120))
	if err := e.IngestLive(context.Background(), "C", edited); err != nil {
		t.Fatal(err)
	}

	if n := st.MessageCount("C"); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	got, _ := st.GetMessage("C", "m1")
	if got.EditedTimestamp == nil || !got.EditedTimestamp.Equal(at(120)) {
		t.Errorf("edited = %v", got.EditedTimestamp)
	}
	after, _ := st.Metadata("C")
	if len(after.KnownRanges()) != len(before.KnownRanges()) || !after.LastSync.Equal(before.LastSync) {
		t.Error("live ingest changed coverage metadata")
	}
}

func TestEngineRejectsInvalidRecord(t *testing.T) {
	e, st, _ := testEngine(t)
	st.EnsureMetadata("C")

	bad := record("m1", at(100))
	bad.Timestamp = "not a time"
	err := e.IngestLive(context.Background(), "C", bad)
	var verr *RecordValidationError
	if !errors.As(err, &verr) || verr.RecordID != "m1" {
		t.Fatalf("err = %v, want RecordValidationError", err)
	}
}

func TestEngineConsumesBusEvents(t *testing.T) {
	e, st, b := testEngine(t)
	st.EnsureMetadata("C")

	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{Kind: bus.KindLiveDelete, Payload: bus.LiveDelete{ChannelID: "C", MessageID: "gone"}})
	b.Publish(bus.Event{Kind: bus.KindLiveMessage, Payload: bus.LiveMessage{ChannelID: "C", Record: record("m1", at(100))}})
	b.Publish(bus.Event{Kind: bus.KindLiveMessage, Payload: bus.LiveMessage{ChannelID: "other", Record: record("x", at(100))}})

	waitFor(t, func() bool { return st.MessageCount("C") == 1 })
	if st.HasChannel("other") {
		t.Error("untracked channel was created")
	}
}

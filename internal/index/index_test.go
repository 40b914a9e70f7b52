package index

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chanmirror/internal/store"
)

var base = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func testOutbox(t *testing.T, path string) *Outbox {
	t.Helper()
	o, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func message(id string, offset time.Duration) store.Message {
	return store.Message{
		ID:        id,
		Timestamp: base.Add(offset),
		Payload:   json.RawMessage(`{"content":"hello ` + id + `"}`),
	}
}

func TestIndexMessageQueuesEntry(t *testing.T) {
	ctx := context.Background()
	o := testOutbox(t, filepath.Join(t.TempDir(), "index.db"))

	edited := base.Add(time.Minute)
	m := message("m1", 0)
	m.EditedTimestamp = &edited
	if err := o.IndexMessage(ctx, "c1", m); err != nil {
		t.Fatal(err)
	}

	entries, err := o.Pending(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("pending = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.ChannelID != "c1" || e.MessageID != "m1" || !e.Timestamp.Equal(base) || !e.Edited {
		t.Errorf("entry = %+v", e)
	}
	var decoded store.Message
	if err := json.Unmarshal(e.Payload, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.ID != "m1" || !decoded.Timestamp.Equal(base) {
		t.Errorf("payload message = %+v", decoded)
	}
}

func TestAckRemovesOnlyAcknowledged(t *testing.T) {
	ctx := context.Background()
	o := testOutbox(t, filepath.Join(t.TempDir(), "index.db"))
	for i, id := range []string{"a", "b", "c"} {
		if err := o.IndexMessage(ctx, "c1", message(id, time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := o.Pending(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}

	acked, err := o.Ack(ctx, entries[1].Seq)
	if err != nil {
		t.Fatal(err)
	}
	if acked != 2 {
		t.Errorf("acked = %d, want 2", acked)
	}
	left, err := o.Backlog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if left != 1 {
		t.Errorf("backlog = %d, want 1", left)
	}
	rest, err := o.Pending(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].MessageID != "c" {
		t.Errorf("remaining = %+v", rest)
	}
}

func TestUnackedEntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	o, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.IndexMessage(ctx, "c1", message("m1", 0)); err != nil {
		t.Fatal(err)
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := testOutbox(t, path)
	entries, err := reopened.Pending(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].MessageID != "m1" {
		t.Errorf("pending after reopen = %+v", entries)
	}
}

func TestTailReplaysThenFollows(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o := testOutbox(t, filepath.Join(t.TempDir(), "index.db"))

	if err := o.IndexMessage(ctx, "c1", message("old", 0)); err != nil {
		t.Fatal(err)
	}

	got := make(chan Entry, 4)
	done := make(chan error, 1)
	go func() {
		done <- o.Tail(ctx, 0, func(e Entry) error {
			got <- e
			return nil
		})
	}()

	first := <-got
	if first.MessageID != "old" {
		t.Fatalf("first = %s, want old", first.MessageID)
	}
	if err := o.IndexMessage(ctx, "c1", message("new", time.Second)); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-got:
		if e.MessageID != "new" || e.Seq <= first.Seq {
			t.Errorf("second = %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for tailed entry")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("tail returned %v, want context.Canceled", err)
	}
}

func TestTailStopsOnConsumerError(t *testing.T) {
	ctx := context.Background()
	o := testOutbox(t, filepath.Join(t.TempDir(), "index.db"))
	if err := o.IndexMessage(ctx, "c1", message("m1", 0)); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("consumer gone")
	err := o.Tail(ctx, 0, func(Entry) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("tail returned %v, want %v", err, boom)
	}
}

func TestIndexMessageHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := testOutbox(t, filepath.Join(t.TempDir(), "index.db"))
	if err := o.IndexMessage(ctx, "c1", message("m1", 0)); err == nil {
		t.Error("expected context error")
	}
}

// Package index journals every stored message for an external indexer.
//
// Entries are appended to a SQLite outbox and stay there until the consumer
// acknowledges them, so a consumer that is slow, disconnected or restarted
// sees every entry at least once. Consumers read with Tail from their last
// acknowledged sequence number and call Ack once an entry is indexed.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chanmirror/internal/index/migrations"
	"github.com/matheus3301/chanmirror/internal/store"
)

// tailBatch bounds one outbox read while tailing.
const tailBatch = 256

// Entry is one journaled upsert.
type Entry struct {
	Seq       int64
	ChannelID string
	MessageID string
	Timestamp time.Time
	Edited    bool
	// Payload is the message as stored, in the exporter layout.
	Payload json.RawMessage
}

// Outbox is the durable queue between the store and the indexer.
type Outbox struct {
	db *store.DB

	mu      sync.Mutex
	changed chan struct{}
}

// Open opens (or creates) the outbox database at path and applies its schema.
func Open(path string) (*Outbox, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.MigrateFS(migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate index outbox: %w", err)
	}
	return &Outbox{db: db, changed: make(chan struct{})}, nil
}

// IndexMessage appends the message to the outbox and wakes every tailer.
func (o *Outbox) IndexMessage(ctx context.Context, channelID string, m store.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	edited := 0
	if m.EditedTimestamp != nil {
		edited = 1
	}
	if _, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox (channel_id, msg_id, ts_ns, edited, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		channelID, m.ID, m.Timestamp.UnixNano(), edited, payload, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("queue message %s: %w", m.ID, err)
	}
	o.signal()
	return nil
}

// Pending returns up to limit unacknowledged entries with a sequence number
// above after, oldest first.
func (o *Outbox) Pending(ctx context.Context, after int64, limit int) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT seq, channel_id, msg_id, ts_ns, edited, payload
		FROM outbox WHERE seq > ? ORDER BY seq ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			tsNs   int64
			edited int
		)
		if err := rows.Scan(&e.Seq, &e.ChannelID, &e.MessageID, &tsNs, &edited, &e.Payload); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, tsNs).UTC()
		e.Edited = edited != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ack removes every entry up to and including upTo and returns how many went.
func (o *Outbox) Ack(ctx context.Context, upTo int64) (int64, error) {
	res, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq <= ?`, upTo)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Backlog counts unacknowledged entries.
func (o *Outbox) Backlog(ctx context.Context) (int64, error) {
	var n int64
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Tail calls fn for every entry after the cursor, in order, then waits for
// new ones. It returns when ctx ends or fn fails.
func (o *Outbox) Tail(ctx context.Context, after int64, fn func(Entry) error) error {
	for {
		wake := o.wait()
		for {
			batch, err := o.Pending(ctx, after, tailBatch)
			if err != nil {
				return err
			}
			for _, e := range batch {
				if err := fn(e); err != nil {
					return err
				}
				after = e.Seq
			}
			if len(batch) < tailBatch {
				break
			}
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the outbox database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) wait() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.changed
}

func (o *Outbox) signal() {
	o.mu.Lock()
	close(o.changed)
	o.changed = make(chan struct{})
	o.mu.Unlock()
}

var _ store.Indexer = (*Outbox)(nil)

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chanmirror/internal/coverage"
	_ "github.com/mattn/go-sqlite3"
)

// DB is the SQLite backend. Each channel row and its messages are written in
// one transaction, so a reader never sees metadata from one save next to
// messages from another.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// SaveChannel upserts the channel row and every changed message.
func (db *DB) SaveChannel(ctx context.Context, doc *ChannelDocument) error {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	guild, err := nullableJSON(doc.Guild)
	if err != nil {
		return fmt.Errorf("encode guild: %w", err)
	}
	info, err := nullableJSON(doc.Channel)
	if err != nil {
		return fmt.Errorf("encode channel: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channels (channel_id, guild, channel, metadata, exported_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			guild = COALESCE(excluded.guild, channels.guild),
			channel = COALESCE(excluded.channel, channels.channel),
			metadata = excluded.metadata,
			exported_at = excluded.exported_at`,
		doc.ChannelID, guild, info, string(meta), doc.ExportedAt.UnixMilli()); err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, m := range doc.Changed {
		var edited sql.NullInt64
		if m.EditedTimestamp != nil {
			edited = sql.NullInt64{Int64: m.EditedTimestamp.UnixNano(), Valid: true}
		}
		payload := []byte(m.Payload)
		if payload == nil {
			payload = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (channel_id, msg_id, ts_ns, edited_ns, payload, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, msg_id) DO UPDATE SET
				ts_ns = excluded.ts_ns,
				edited_ns = excluded.edited_ns,
				payload = excluded.payload,
				updated_at = excluded.updated_at`,
			doc.ChannelID, m.ID, m.Timestamp.UnixNano(), edited, payload, now); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit channel %s: %w", doc.ChannelID, err)
	}
	return nil
}

// LoadAll reads every channel with its messages. Unreadable metadata or
// descriptors mark the document corrupt; the messages are kept.
func (db *DB) LoadAll(ctx context.Context) ([]*ChannelDocument, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT channel_id, guild, channel, metadata, exported_at
		FROM channels ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []*ChannelDocument
	for rows.Next() {
		var (
			guild, info sql.NullString
			meta        string
			exported    int64
			doc         ChannelDocument
		)
		if err := rows.Scan(&doc.ChannelID, &guild, &info, &meta, &exported); err != nil {
			return nil, err
		}
		doc.ExportedAt = time.UnixMilli(exported).UTC()
		doc.Corrupt = decodeChannelRow(&doc, guild, info, meta)
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, doc := range docs {
		msgs, err := db.channelMessages(ctx, doc.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("load messages for %s: %w", doc.ChannelID, err)
		}
		doc.Messages = msgs
	}
	return docs, nil
}

func (db *DB) channelMessages(ctx context.Context, channelID string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT msg_id, ts_ns, edited_ns, payload
		FROM messages
		WHERE channel_id = ?
		ORDER BY ts_ns ASC, msg_id ASC`, channelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			ts      int64
			edited  sql.NullInt64
			payload []byte
		)
		if err := rows.Scan(&m.ID, &ts, &edited, &payload); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, ts).UTC()
		if edited.Valid {
			e := time.Unix(0, edited.Int64).UTC()
			m.EditedTimestamp = &e
		}
		if len(payload) > 0 {
			m.Payload = json.RawMessage(payload)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func decodeChannelRow(doc *ChannelDocument, guild, info sql.NullString, meta string) error {
	metadata := &coverage.ChannelMetadata{ChannelID: doc.ChannelID}
	if err := json.Unmarshal([]byte(meta), metadata); err != nil {
		return &CorruptionError{Channel: doc.ChannelID, Path: "channels.metadata", Err: err}
	}
	doc.Metadata = metadata

	if guild.Valid {
		var g GuildInfo
		if err := json.Unmarshal([]byte(guild.String), &g); err != nil {
			doc.Metadata = nil
			return &CorruptionError{Channel: doc.ChannelID, Path: "channels.guild", Err: err}
		}
		doc.Guild = &g
	}
	if info.Valid {
		var c ChannelInfo
		if err := json.Unmarshal([]byte(info.String), &c); err != nil {
			doc.Metadata = nil
			return &CorruptionError{Channel: doc.ChannelID, Path: "channels.channel", Err: err}
		}
		doc.Channel = &c
	}
	return nil
}

func nullableJSON(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *GuildInfo:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *ChannelInfo:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

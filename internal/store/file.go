package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/chanmirror/internal/coverage"
)

const metadataSuffix = "_metadata.json"

// FileBackend keeps one JSON document per channel plus a sibling metadata
// document, in the exporter layout:
//
//	<dir>/<channel>.json           {"exportedAt", "guild", "channel", "messages"}
//	<dir>/<channel>_metadata.json  {"known_ranges", "gaps", "last_sync", "exported_at"}
//
// Both files are written to temporaries and renamed into place. The metadata
// document repeats the channel document's export stamp; a mismatch on load
// means a save was interrupted between the two renames, and the metadata is
// discarded rather than paired with messages from a different pass.
type FileBackend struct {
	dir string
}

type channelFile struct {
	ExportedAt string       `json:"exportedAt"`
	Guild      *GuildInfo   `json:"guild"`
	Channel    *ChannelInfo `json:"channel"`
	Messages   []Message    `json:"messages"`
}

// channelFileRaw defers message decoding so one bad entry does not take the
// rest of the document with it.
type channelFileRaw struct {
	ExportedAt string            `json:"exportedAt"`
	Guild      *GuildInfo        `json:"guild"`
	Channel    *ChannelInfo      `json:"channel"`
	Messages   []json.RawMessage `json:"messages"`
}

type metadataFile struct {
	*coverage.ChannelMetadata
	ExportedAt string
}

// MarshalJSON flattens the export stamp into the metadata object.
func (f metadataFile) MarshalJSON() ([]byte, error) {
	inner, err := json.Marshal(f.ChannelMetadata)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inner, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	stamp, _ := json.Marshal(f.ExportedAt)
	fields["exported_at"] = stamp
	return json.MarshalIndent(fields, "", "  ")
}

// NewFileBackend creates the directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) channelPath(id string) string {
	return filepath.Join(b.dir, id+".json")
}

func (b *FileBackend) metadataPath(id string) string {
	return filepath.Join(b.dir, id+metadataSuffix)
}

// SaveChannel rewrites both documents for the channel.
func (b *FileBackend) SaveChannel(ctx context.Context, doc *ChannelDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp := coverage.FormatTimestamp(doc.ExportedAt)

	msgs := doc.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.MarshalIndent(channelFile{
		ExportedAt: stamp,
		Guild:      doc.Guild,
		Channel:    doc.Channel,
		Messages:   msgs,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode channel %s: %w", doc.ChannelID, err)
	}
	meta, err := json.Marshal(metadataFile{ChannelMetadata: doc.Metadata, ExportedAt: stamp})
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", doc.ChannelID, err)
	}

	if err := writeFileAtomic(b.channelPath(doc.ChannelID), data, 0600); err != nil {
		return fmt.Errorf("write channel %s: %w", doc.ChannelID, err)
	}
	if err := writeFileAtomic(b.metadataPath(doc.ChannelID), meta, 0600); err != nil {
		return fmt.Errorf("write metadata %s: %w", doc.ChannelID, err)
	}
	return nil
}

// LoadAll reads every channel document in the directory. Unreadable files are
// reported through ChannelDocument.Corrupt instead of failing the load.
func (b *FileBackend) LoadAll(ctx context.Context) ([]*ChannelDocument, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, metadataSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)

	docs := make([]*ChannelDocument, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docs = append(docs, b.loadChannel(id))
	}
	return docs, nil
}

func (b *FileBackend) loadChannel(id string) *ChannelDocument {
	doc := &ChannelDocument{ChannelID: id}

	path := b.channelPath(id)
	raw, err := os.ReadFile(path)
	if err != nil {
		doc.Corrupt = &CorruptionError{Channel: id, Path: path, Err: err}
		return doc
	}
	var cf channelFileRaw
	if err := json.Unmarshal(raw, &cf); err != nil {
		doc.Corrupt = &CorruptionError{Channel: id, Path: path, Err: err}
		return doc
	}
	doc.Guild = cf.Guild
	doc.Channel = cf.Channel
	if ts, err := coverage.ParseTimestamp(cf.ExportedAt); err == nil {
		doc.ExportedAt = ts
	}

	doc.Messages = make([]Message, 0, len(cf.Messages))
	var bad []error
	for i, entry := range cf.Messages {
		var m Message
		if err := json.Unmarshal(entry, &m); err != nil {
			bad = append(bad, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		doc.Messages = append(doc.Messages, m)
	}
	if len(bad) > 0 {
		// The readable messages are kept; coverage is no longer trustworthy.
		doc.Corrupt = &CorruptionError{
			Channel: id,
			Path:    path,
			Err:     fmt.Errorf("%d unreadable messages: %w", len(bad), errors.Join(bad...)),
		}
		return doc
	}

	meta, err := b.loadMetadata(id, cf.ExportedAt)
	if err != nil {
		doc.Corrupt = err
		return doc
	}
	doc.Metadata = meta
	return doc
}

func (b *FileBackend) loadMetadata(id, exportedAt string) (*coverage.ChannelMetadata, error) {
	path := b.metadataPath(id)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &coverage.ChannelMetadata{ChannelID: id}, nil
	}
	if err != nil {
		return nil, &CorruptionError{Channel: id, Path: path, Err: err}
	}

	var stamp struct {
		ExportedAt *string `json:"exported_at"`
	}
	if err := json.Unmarshal(raw, &stamp); err != nil {
		return nil, &CorruptionError{Channel: id, Path: path, Err: err}
	}
	if stamp.ExportedAt != nil && !sameInstant(*stamp.ExportedAt, exportedAt) {
		return nil, &CorruptionError{
			Channel: id,
			Path:    path,
			Err:     fmt.Errorf("metadata exported at %s does not match channel document %s", *stamp.ExportedAt, exportedAt),
		}
	}

	meta := &coverage.ChannelMetadata{ChannelID: id}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, &CorruptionError{Channel: id, Path: path, Err: err}
	}
	return meta, nil
}

func sameInstant(a, b string) bool {
	ta, errA := coverage.ParseTimestamp(a)
	tb, errB := coverage.ParseTimestamp(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ta.Equal(tb)
}

// Close is a no-op; files are closed after every write.
func (b *FileBackend) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

var _ Backend = (*FileBackend)(nil)
var _ Backend = (*DB)(nil)

// exportStamp keeps full precision: two saves within the same millisecond
// must still carry distinct stamps for the file backend's pairing check.
func exportStamp(t time.Time) time.Time {
	return t.UTC()
}

package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chanmirror/internal/coverage"
)

// Message is a stored upstream record. Only the id and timestamps are
// meaningful here; Payload belongs to whoever produced it.
type Message struct {
	ID              string
	Timestamp       time.Time
	EditedTimestamp *time.Time
	Payload         json.RawMessage
}

// Validate checks the fields the store keys and orders on.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message has no id")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("message %s has no timestamp", m.ID)
	}
	return nil
}

// EditedEqual reports whether two optional edit timestamps denote the same instant.
func EditedEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// MarshalJSON writes the payload object with id, timestamp and
// timestampEdited overlaid, so documents keep the exporter's message shape.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if p := bytes.TrimSpace(m.Payload); len(p) > 0 && p[0] == '{' {
		if err := json.Unmarshal(p, &fields); err != nil {
			return nil, fmt.Errorf("message %s payload: %w", m.ID, err)
		}
	}

	id, _ := json.Marshal(m.ID)
	fields["id"] = id
	ts, _ := json.Marshal(coverage.FormatTimestamp(m.Timestamp))
	fields["timestamp"] = ts
	if m.EditedTimestamp != nil {
		edited, _ := json.Marshal(coverage.FormatTimestamp(*m.EditedTimestamp))
		fields["timestampEdited"] = edited
	} else {
		fields["timestampEdited"] = json.RawMessage("null")
	}
	return json.Marshal(fields)
}

// UnmarshalJSON reads a message object, keeping the whole object as payload.
func (m *Message) UnmarshalJSON(data []byte) error {
	var head struct {
		ID              string  `json:"id"`
		Timestamp       string  `json:"timestamp"`
		TimestampEdited *string `json:"timestampEdited"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	ts, err := coverage.ParseTimestamp(head.Timestamp)
	if err != nil {
		return fmt.Errorf("message %s: %w", head.ID, err)
	}
	out := Message{ID: head.ID, Timestamp: ts, Payload: append(json.RawMessage(nil), data...)}
	if head.TimestampEdited != nil && *head.TimestampEdited != "" {
		edited, err := coverage.ParseTimestamp(*head.TimestampEdited)
		if err != nil {
			return fmt.Errorf("message %s edited: %w", head.ID, err)
		}
		out.EditedTimestamp = &edited
	}
	*m = out
	return out.Validate()
}

// Package history defines the capability interface every upstream channel
// exposes to the sync engine, whatever kind of channel it is.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"
)

// Query selects a window of upstream history. Zero After or Before leaves
// that side unbounded; Limit <= 0 means no limit.
type Query struct {
	After  time.Time
	Before time.Time
	Limit  int
	// Cursor continues a previous page. Empty on the first request.
	Cursor string
}

// Record is one upstream message as fetched. Timestamps are raw ISO-8601
// strings and are validated by the consumer.
type Record struct {
	ID              string
	Timestamp       string
	EditedTimestamp string
	// Volatile reports metadata that changes without an edit, such as reaction counts.
	Volatile bool
	// Payload is the provider's full record, opaque to the sync engine.
	Payload json.RawMessage
}

// Page is one response of a paginated history fetch. Records are in no
// particular order.
type Page struct {
	Records []Record
	// Next is the cursor for the following page; empty when exhausted.
	Next string
}

// Channel is anything with a fetchable message history: text channels,
// threads and direct messages alike.
type Channel interface {
	ID() string
	History(ctx context.Context, q Query) (Page, error)
}

// Resolver looks up a channel by id.
type Resolver interface {
	Channel(ctx context.Context, id string) (Channel, error)
}

// ErrUnknownChannel is returned by resolvers for ids the provider does not know.
var ErrUnknownChannel = errors.New("unknown channel")

// RetryableError marks a transient provider failure.
type RetryableError struct {
	Err error
	// RetryAfter is the provider's requested delay, zero if unspecified.
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying: explicitly marked
// transient errors, timeouts and network errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// RetryAfter returns the delay requested by the provider, if any.
func RetryAfter(err error) time.Duration {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

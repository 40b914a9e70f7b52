package coverage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDisjoint is returned when merging ranges that do not overlap.
var ErrDisjoint = errors.New("ranges do not overlap")

// TimeRange is a closed interval [Start, End] of UTC instants.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange builds a range, rejecting start after end.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	start, end = start.UTC(), end.UTC()
	if start.After(end) {
		return TimeRange{}, fmt.Errorf("invalid range: start %s after end %s", FormatTimestamp(start), FormatTimestamp(end))
	}
	return TimeRange{Start: start, End: end}, nil
}

// Overlaps reports whether the two ranges share at least one instant.
// Ranges that only touch at a boundary count as overlapping.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return !r.Start.After(other.End) && !other.Start.After(r.End)
}

// Merge returns the smallest range covering both r and other.
func (r TimeRange) Merge(other TimeRange) (TimeRange, error) {
	if !r.Overlaps(other) {
		return TimeRange{}, ErrDisjoint
	}
	return hull(r, other), nil
}

// Intersect returns the shared part of the two ranges.
func (r TimeRange) Intersect(other TimeRange) (TimeRange, bool) {
	if !r.Overlaps(other) {
		return TimeRange{}, false
	}
	start := r.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := r.End
	if other.End.Before(end) {
		end = other.End
	}
	return TimeRange{Start: start, End: end}, true
}

// Duration is End minus Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

func (r TimeRange) String() string {
	return "[" + FormatTimestamp(r.Start) + ", " + FormatTimestamp(r.End) + "]"
}

func hull(a, b TimeRange) TimeRange {
	out := a
	if b.Start.Before(out.Start) {
		out.Start = b.Start
	}
	if b.End.After(out.End) {
		out.End = b.End
	}
	return out
}

type rangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MarshalJSON encodes the range as an ISO-8601 pair.
func (r TimeRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(rangeJSON{Start: FormatTimestamp(r.Start), End: FormatTimestamp(r.End)})
}

// UnmarshalJSON decodes an ISO-8601 pair, enforcing start <= end.
func (r *TimeRange) UnmarshalJSON(data []byte) error {
	var raw rangeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := ParseTimestamp(raw.Start)
	if err != nil {
		return fmt.Errorf("range start: %w", err)
	}
	end, err := ParseTimestamp(raw.End)
	if err != nil {
		return fmt.Errorf("range end: %w", err)
	}
	tr, err := NewTimeRange(start, end)
	if err != nil {
		return err
	}
	*r = tr
	return nil
}

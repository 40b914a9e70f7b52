package coverage

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// GapThreshold is the smallest separation between known ranges that is
// recorded as a gap. Closer ranges are merged instead, which absorbs clock
// rounding and keeps known ranges plus gaps free of holes.
const GapThreshold = time.Second

// ChannelMetadata tracks which spans of a channel's history are already synced.
//
// Known ranges are kept sorted by start and pairwise separated by more than
// GapThreshold after every mutation. Gaps are derived from them and never
// edited directly.
type ChannelMetadata struct {
	ChannelID string
	LastSync  time.Time

	// SyncedEmpty marks a channel whose full backfill returned nothing, so it
	// can be told apart from one that was never synced.
	SyncedEmpty bool
	// NeedsBackfill is set when the persisted state was unreadable and the
	// channel has to be re-fetched from the beginning.
	NeedsBackfill bool

	known []TimeRange
	gaps  []TimeRange
}

// NewChannelMetadata creates metadata with the given ranges folded in.
func NewChannelMetadata(channelID string, ranges ...TimeRange) *ChannelMetadata {
	m := &ChannelMetadata{ChannelID: channelID}
	for _, r := range ranges {
		m.AddKnownRange(r)
	}
	return m
}

// KnownRanges returns a copy of the known ranges in ascending order.
func (m *ChannelMetadata) KnownRanges() []TimeRange {
	return slices.Clone(m.known)
}

// Gaps returns a copy of the derived gaps in ascending order.
func (m *ChannelMetadata) Gaps() []TimeRange {
	return slices.Clone(m.gaps)
}

// Span returns the range from the earliest known start to the latest known end.
func (m *ChannelMetadata) Span() (TimeRange, bool) {
	if len(m.known) == 0 {
		return TimeRange{}, false
	}
	return TimeRange{Start: m.known[0].Start, End: m.known[len(m.known)-1].End}, true
}

// AddKnownRange folds r into the known ranges, merging every range it
// overlaps or nearly touches, then recomputes gaps.
func (m *ChannelMetadata) AddKnownRange(r TimeRange) {
	r = TimeRange{Start: r.Start.UTC(), End: r.End.UTC()}
	if r.Start.After(r.End) {
		r.Start, r.End = r.End, r.Start
	}

	merged := r
	kept := m.known[:0:0]
	for _, existing := range m.known {
		if mergeable(existing, merged) {
			merged = hull(merged, existing)
			continue
		}
		kept = append(kept, existing)
	}
	kept = append(kept, merged)
	slices.SortFunc(kept, func(a, b TimeRange) int { return a.Start.Compare(b.Start) })

	m.known = kept
	m.SyncedEmpty = false
	m.recomputeGaps()
}

// RecentGaps returns the gaps that fall within [now-window, now], clipped to
// that window. Older gaps stay recorded for an explicit backfill.
func (m *ChannelMetadata) RecentGaps(now time.Time, window time.Duration) []TimeRange {
	recent := TimeRange{Start: now.Add(-window).UTC(), End: now.UTC()}
	var out []TimeRange
	for _, g := range m.gaps {
		if clipped, ok := g.Intersect(recent); ok {
			out = append(out, clipped)
		}
	}
	return out
}

// Clone returns a deep copy.
func (m *ChannelMetadata) Clone() *ChannelMetadata {
	c := *m
	c.known = slices.Clone(m.known)
	c.gaps = slices.Clone(m.gaps)
	return &c
}

func (m *ChannelMetadata) recomputeGaps() {
	m.gaps = nil
	for i := 0; i+1 < len(m.known); i++ {
		cur, next := m.known[i], m.known[i+1]
		if next.Start.Sub(cur.End) > GapThreshold {
			m.gaps = append(m.gaps, TimeRange{Start: cur.End, End: next.Start})
		}
	}
}

// mergeable reports whether a and b overlap or are separated by no more than
// GapThreshold.
func mergeable(a, b TimeRange) bool {
	return !a.Start.After(b.End.Add(GapThreshold)) && !b.Start.After(a.End.Add(GapThreshold))
}

type metadataJSON struct {
	KnownRanges   []TimeRange `json:"known_ranges"`
	Gaps          []TimeRange `json:"gaps"`
	LastSync      string      `json:"last_sync"`
	SyncedEmpty   bool        `json:"synced_empty,omitempty"`
	NeedsBackfill bool        `json:"needs_backfill,omitempty"`
}

// MarshalJSON writes known ranges, gaps and last sync as ISO-8601 values.
func (m *ChannelMetadata) MarshalJSON() ([]byte, error) {
	doc := metadataJSON{
		KnownRanges:   m.known,
		Gaps:          m.gaps,
		SyncedEmpty:   m.SyncedEmpty,
		NeedsBackfill: m.NeedsBackfill,
	}
	if doc.KnownRanges == nil {
		doc.KnownRanges = []TimeRange{}
	}
	if doc.Gaps == nil {
		doc.Gaps = []TimeRange{}
	}
	if !m.LastSync.IsZero() {
		doc.LastSync = FormatTimestamp(m.LastSync)
	}
	return json.Marshal(doc)
}

// UnmarshalJSON restores metadata. Stored gaps are ignored and re-derived from
// the known ranges, which are re-normalized on the way in.
func (m *ChannelMetadata) UnmarshalJSON(data []byte) error {
	var doc metadataJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	restored := ChannelMetadata{ChannelID: m.ChannelID}
	if doc.LastSync != "" {
		ts, err := ParseTimestamp(doc.LastSync)
		if err != nil {
			return fmt.Errorf("last_sync: %w", err)
		}
		restored.LastSync = ts
	}
	for _, r := range doc.KnownRanges {
		restored.AddKnownRange(r)
	}
	restored.SyncedEmpty = doc.SyncedEmpty
	restored.NeedsBackfill = doc.NeedsBackfill
	*m = restored
	return nil
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"math"
	"sort"
	"strings"
)

// overlapEpsilon absorbs server-side rounding when filtering the
// resume overlap window (spec.md §4.5 step 3 and §9).
const overlapEpsilon = 0.05

// Segment is a single (start, end, text) triple reported by the
// transcription service. All times are seconds, end >= start.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// SegmentKey is the deduplication key of a Segment: its start/end
// rounded to milliseconds plus its trimmed text.
type SegmentKey struct {
	Start float64
	End   float64
	Text  string
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

// Key returns s's segment key (spec.md §3 "Segment", GLOSSARY).
func (s Segment) Key() SegmentKey {
	return SegmentKey{Start: round3(s.Start), End: round3(s.End), Text: strings.TrimSpace(s.Text)}
}

// SegmentMap is the authoritative progress accumulator: a mapping from
// segment key to segment, commutative under insertion (spec.md §3, §5).
type SegmentMap map[SegmentKey]Segment

// NewSegmentMap builds a SegmentMap from a persisted segment list,
// deduplicating under the segment key exactly as a live merge would
// (spec.md §4.7 step 3, "Rebuild segment map ... applying §4.5 dedup
// on load").
func NewSegmentMap(segments []Segment) SegmentMap {
	m := make(SegmentMap, len(segments))
	for _, s := range segments {
		s.Text = strings.TrimSpace(s.Text)
		m[s.Key()] = s
	}
	return m
}

// Sorted returns the map's segments in ascending (start, end) order,
// the canonical emission order (spec.md §3).
func (m SegmentMap) Sorted() []Segment {
	out := make([]Segment, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

// LastEnd returns max(end) over all segments, or nil when the map is
// empty (spec.md §3, "last_end_sec ... derived").
func (m SegmentMap) LastEnd() *float64 {
	if len(m) == 0 {
		return nil
	}
	var max float64
	first := true
	for _, s := range m {
		if first || s.End > max {
			max = s.End
			first = false
		}
	}
	return &max
}

// RawSegment is the wire shape of one segment inside an SSE event
// payload, with start/end possibly absent (coerced to 0.0) or of any
// JSON numeric type.
type RawSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Event is the decoded JSON payload of one SSE `data:` frame, per
// spec.md §4.5/§6. Unknown fields are ignored (protocol-invalid
// events never abort an attempt, spec.md §7).
type Event struct {
	Text     *string      `json:"text,omitempty"`
	Segments []RawSegment `json:"segments,omitempty"`
}

// Merge applies one decoded event to m in place, implementing
// spec.md §4.5: shift by resumeOffsetSec, drop segments whose shifted
// end falls within the overlap window, then insert (overwriting any
// existing entry with the same key). It reports whether any segment
// was inserted (re-inserting an identical segment counts) and the
// event's own maximum shifted end, if any.
func (m SegmentMap) Merge(ev Event, resumeOffsetSec float64, dropEndsLeqSec *float64) (changed bool, eventMaxEnd *float64) {
	shift := 0.0
	if resumeOffsetSec > 0 {
		shift = resumeOffsetSec
	}

	for _, raw := range ev.Segments {
		start := raw.Start + shift
		end := raw.End + shift
		text := strings.TrimSpace(raw.Text)

		if dropEndsLeqSec != nil && end <= *dropEndsLeqSec+overlapEpsilon {
			continue
		}

		seg := Segment{Start: start, End: end, Text: text}
		m[seg.Key()] = seg
		changed = true

		if eventMaxEnd == nil || end > *eventMaxEnd {
			e := end
			eventMaxEnd = &e
		}
	}
	return changed, eventMaxEnd
}

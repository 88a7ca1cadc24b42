// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"fmt"
	"strings"
)

// JoinTranscript joins segs' text with a single space, the resolution
// of spec.md §9's open question on separator choice: the merger
// already trims each segment's leading/trailing space and empty texts
// are skipped, so a plain space join never doubles whitespace.
func JoinTranscript(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

// TimestampedTranscript renders segs as `[SSSSS.sss - EEEEE.eee] text`
// rows preceded by a small header, matching the original worker's
// `_write_outputs` layout (spec.md §4.7 "write outputs").
func TimestampedTranscript(fileName string, segs []Segment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Transcript of %s\n", fileName)
	fmt.Fprintf(&b, "# %d segments\n\n", len(segs))
	for _, s := range segs {
		fmt.Fprintf(&b, "[%09.3f - %09.3f] %s\n", s.Start, s.End, s.Text)
	}
	return b.String()
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"bufio"
	"io"
	"strings"
)

const dataPrefix = "data:"

// DoneMarker reports whether a flushed SSE payload signals end of
// stream (spec.md §4.4: "[DONE] or DONE").
func DoneMarker(payload string) bool {
	p := strings.TrimSpace(payload)
	return p == "[DONE]" || p == "DONE"
}

// SSEReader parses `data:`-prefixed event-stream framing from a byte
// stream into payload strings, one per flushed event (spec.md §4.4).
// Event/id/retry fields and any other non-`data:` line are ignored.
type SSEReader struct {
	scanner *bufio.Scanner
	buf     []string
	done    bool
}

// NewSSEReader wraps r, decoding lines as UTF-8 with the replacement
// character substituted for invalid sequences and line terminators
// stripped, matching the original's `raw.decode("utf-8",
// errors="replace").rstrip("\r\n")`.
func NewSSEReader(r io.Reader) *SSEReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &SSEReader{scanner: s}
}

// Next returns the next flushed event payload. It returns io.EOF once
// the underlying stream is exhausted and any pending buffer has been
// flushed (spec.md §4.4: "EOF flushes any pending buffer").
func (r *SSEReader) Next() (string, error) {
	if r.done {
		return "", io.EOF
	}

	for r.scanner.Scan() {
		line := toValidUTF8(r.scanner.Text())
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(r.buf) > 0 {
				payload := strings.Join(r.buf, "\n")
				r.buf = r.buf[:0]
				return payload, nil
			}
			continue
		}

		if strings.HasPrefix(line, dataPrefix) {
			data := strings.TrimPrefix(line, dataPrefix)
			data = strings.TrimPrefix(data, " ")
			r.buf = append(r.buf, data)
		}
		// Non-data lines (event:, id:, retry:, comments) are ignored.
	}

	r.done = true

	if err := r.scanner.Err(); err != nil {
		return "", err
	}

	if len(r.buf) > 0 {
		payload := strings.Join(r.buf, "\n")
		r.buf = r.buf[:0]
		return payload, nil
	}

	return "", io.EOF
}

func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

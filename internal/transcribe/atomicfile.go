// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteText writes content to a sibling temp file in path's directory,
// fsyncs it, then renames it over path. See spec.md §4.1.
func WriteText(path string, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicfile: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("atomicfile: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("atomicfile: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomicfile: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomicfile: rename: %w", err)
	}
	return nil
}

// WriteJSON marshals v with 2-space indent, sorted keys and a trailing
// newline, then writes it atomically via WriteText. Non-ASCII text is
// preserved verbatim (HTML-escaping is disabled).
func WriteJSON(path string, v interface{}) error {
	// json.Marshal orders struct fields by declaration, not by name;
	// decoding the result into generic maps (numbers kept verbatim via
	// UseNumber) and re-encoding it sorts every object's keys, so the
	// on-disk bytes are stable for byte-identical snapshots across
	// otherwise-equal values (spec.md §9).
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("atomicfile: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var canonical interface{}
	if err := dec.Decode(&canonical); err != nil {
		return fmt.Errorf("atomicfile: canonicalize: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(canonical); err != nil {
		return fmt.Errorf("atomicfile: marshal: %w", err)
	}

	return WriteText(path, buf.String())
}

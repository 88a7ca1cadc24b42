// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package media

import (
	"mime"
	"path/filepath"
)

// GuessMIME returns a best-effort MIME type for path based on its
// extension, defaulting to application/octet-stream (spec.md §6,
// "file part ... with original-ish filename and guessed MIME").
func GuessMIME(path string) string {
	t := mime.TypeByExtension(filepath.Ext(path))
	if t == "" {
		return "application/octet-stream"
	}
	return t
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuessMIMENeverEmpty(t *testing.T) {
	// mime.TypeByExtension consults the host's mime.types database, so
	// the exact string for a known extension is environment-dependent;
	// the only contract GuessMIME promises is "never empty".
	assert.NotEmpty(t, GuessMIME("clip.mp3"))
}

func TestGuessMIMEUnknownExtensionFallsBack(t *testing.T) {
	assert.Equal(t, "application/octet-stream", GuessMIME("clip.nonsense-ext"))
}

func TestGuessMIMENoExtension(t *testing.T) {
	assert.Equal(t, "application/octet-stream", GuessMIME("clip"))
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import "errors"

// Sentinel errors for the control-flow kinds of spec.md §7.
var (
	// ErrShutdown is raised when the cooperative stop signal is
	// observed mid-session. It unwinds the retry loop without
	// consuming an attempt.
	ErrShutdown = errors.New("transcribe: shutdown requested")

	// ErrIncomplete means the post-session validation found
	// last_end/duration below the completion threshold, or, when the
	// duration is unknown, an empty result.
	ErrIncomplete = errors.New("transcribe: incomplete transcription")
)

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// silenceFloorDB is the mean-volume threshold below which a clip is
// treated as already silent and VAD is skipped.
const silenceFloorDB = -70.0

// MeanVolumeDB returns the mean volume of src in dB using ffmpeg's
// volumedetect filter, or -91.0 (treated as silence) on failure.
func MeanVolumeDB(ctx context.Context, src string) float64 {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-i", src,
		"-af", "volumedetect",
		"-vn", "-sn", "-dn",
		"-f", "null", "-",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		cclog.Warnf("[MEDIA]> volumedetect failed for %s: %s", filepath.Base(src), err.Error())
		return -91.0
	}

	for _, line := range strings.Split(out.String(), "\n") {
		idx := strings.Index(line, "mean_volume:")
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(line[idx+len("mean_volume:"):])
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
			return v
		}
	}
	return -91.0
}

// RemoveSilence writes a silence-trimmed copy of src to dst using a
// dynamic silenceremove threshold (mean volume - 20dB, clamped to
// [-60,-20]dB). It is an optional pre-pass (spec.md §1 Non-goals,
// §9): its output is used only as the upload for a from-scratch
// attempt, never consulted by CutResumeChunk, which always receives
// the original input (DESIGN.md open-question 3).
func RemoveSilence(ctx context.Context, src, dst string) (bool, error) {
	mean := MeanVolumeDB(ctx, src)
	if mean < silenceFloorDB {
		cclog.Infof("[MEDIA]> %s already silent (mean=%.1fdB), skipping VAD", filepath.Base(src), mean)
		return false, nil
	}

	threshold := mean - 20.0
	if threshold > -20.0 {
		threshold = -20.0
	}
	if threshold < -60.0 {
		threshold = -60.0
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, fmt.Errorf("media: mkdir: %w", err)
	}
	os.Remove(dst)

	filter := fmt.Sprintf("silenceremove=stop_periods=-1:stop_duration=0.5:stop_threshold=%.1fdB", threshold)
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", src,
		"-af", filter,
		"-c:a", "flac",
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(dst)
		return false, fmt.Errorf("media: remove silence: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	cclog.Infof("[MEDIA]> silence removed: %s -> %s (mean=%.1fdB thresh=%.1fdB)", filepath.Base(src), filepath.Base(dst), mean, threshold)
	return true, nil
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package media wraps the ffmpeg/ffprobe subprocesses used to probe
// media duration and cut resume chunks (spec.md §4.3). Decoding audio
// in-process is explicitly out of scope (spec.md §1 Non-goals); this
// package only shells out.
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
	"github.com/google/uuid"
)

// ProbeDuration returns the duration of path in seconds, or (0, false)
// if ffprobe failed or produced an unparseable result (spec.md §4.3).
func ProbeDuration(ctx context.Context, path string) (float64, bool) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		cclog.Warnf("[MEDIA]> ffprobe failed for %s: %s", filepath.Base(path), err.Error())
		return 0, false
	}

	s := strings.TrimSpace(out.String())
	if s == "" {
		return 0, false
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		cclog.Warnf("[MEDIA]> ffprobe produced unparseable duration %q for %s", s, filepath.Base(path))
		return 0, false
	}
	return d, true
}

// SizeMB returns the decimal megabyte size of path (/1024^2), or 0 if
// it cannot be stat'd.
func SizeMB(path string) float64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return float64(fi.Size()) / (1024 * 1024)
}

// ResumeChunkBase builds the base path (sans extension) for a resume
// chunk derived from src, disambiguated with a short uuid suffix so
// two overlapping driver runs racing on a crash window between
// deleting stale chunks and cutting a new one never collide
// (SPEC_FULL.md §3 domain stack).
func ResumeChunkBase(tempDir, srcName string) string {
	suffix := uuid.NewString()[:8]
	return filepath.Join(tempDir, fmt.Sprintf("resume_%s_%s", suffix, srcName))
}

// CutResumeChunk produces a playable file containing the suffix of
// src starting at offsetSec, returning the resulting path (spec.md
// §4.3). It first attempts a lossless audio-only stream copy into a
// Matroska container; on any failure it deletes the partial output
// and falls back to a 16kHz mono FLAC re-encode.
func CutResumeChunk(ctx context.Context, src, dstBase string, offsetSec float64) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dstBase), 0o755); err != nil {
		return "", fmt.Errorf("media: mkdir: %w", err)
	}

	copyDst := dstBase + ".mkv"
	os.Remove(copyDst)
	copyCmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", offsetSec),
		"-i", src,
		"-vn", "-c:a", "copy",
		copyDst,
	)
	var stderr bytes.Buffer
	copyCmd.Stderr = &stderr
	if err := copyCmd.Run(); err == nil {
		cclog.Infof("[MEDIA]> resume chunk ready (copy): %s (%.1f MB)", filepath.Base(copyDst), SizeMB(copyDst))
		return copyDst, nil
	} else {
		cclog.Warnf("[MEDIA]> copy-cut failed (%s), falling back to flac: %s", err.Error(), strings.TrimSpace(stderr.String()))
		os.Remove(copyDst)
	}

	flacDst := dstBase + ".flac"
	os.Remove(flacDst)
	flacCmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", offsetSec),
		"-i", src,
		"-vn", "-ac", "1", "-ar", "16000", "-c:a", "flac",
		flacDst,
	)
	stderr.Reset()
	flacCmd.Stderr = &stderr
	if err := flacCmd.Run(); err != nil {
		os.Remove(flacDst)
		return "", fmt.Errorf("media: flac fallback failed: %w: %s", err, stderr.String())
	}

	cclog.Infof("[MEDIA]> resume chunk ready (flac): %s (%.1f MB)", filepath.Base(flacDst), SizeMB(flacDst))
	return flacDst, nil
}

// RemoveStaleChunks deletes (unlinks) any previously cut resume chunk
// extensions sitting next to dstBase (spec.md §4.7 step 4b: "delete
// any stale resume chunks in temp").
func RemoveStaleChunks(dstBase string) {
	for _, ext := range []string{".mkv", ".flac", ".wav"} {
		p := dstBase + ext
		if _, err := os.Stat(p); err == nil {
			os.Remove(p)
		}
	}
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ClusterCockpit/cc-whisper-worker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// baseTestConfig returns a Config pointed at per-test temp directories.
// ffprobe/ffmpeg are not assumed present: duration stays unknown, so
// post-session completion validation (spec.md §4.7 step 4d) is
// skipped, exactly as it would be for any input whose duration cannot
// be probed.
func baseTestConfig(t *testing.T, whisperURL string) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		WhisperURL:             whisperURL,
		WhisperModel:           "base",
		WhisperResponseFormat:  "verbose_json",
		InputDir:               filepath.Join(root, "input"),
		OutputDir:              filepath.Join(root, "output"),
		CheckpointDir:          filepath.Join(root, "checkpoints"),
		TempDir:                filepath.Join(root, "tmp"),
		SupportedExtensions:    map[string]struct{}{".flac": {}},
		MaxRetries:             3,
		RetryDelayBase:         0,
		RequestTimeout:         5,
		ConnectTimeout:         5,
		ProgressLogEvery:       3600,
		CheckpointSaveInterval: 3600,
		ResumeEnabled:          true,
		ResumeOverlapSec:       2.0,
		ResumeMinLastEndSec:    5.0,
		RenameFailed:           true,
		CompleteAtPercent:      0.98,
	}
	for _, d := range []string{cfg.InputDir, cfg.OutputDir, cfg.CheckpointDir, cfg.TempDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	return cfg
}

func writeInputFile(t *testing.T, cfg *config.Config, name string) string {
	t.Helper()
	path := filepath.Join(cfg.InputDir, name)
	require.NoError(t, os.WriteFile(path, []byte("fake-audio-bytes"), 0o644))
	return path
}

func TestDriverProcessHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range []string{
			`data: {"text":"a","segments":[{"start":0.0,"end":2.0,"text":"a"}]}` + "\n\n",
			`data: {"text":"a b","segments":[{"start":2.0,"end":5.0,"text":"b"}]}` + "\n\n",
			`data: {"text":"a b c","segments":[{"start":5.0,"end":60.0,"text":"c"}]}` + "\n\n",
			"data: [DONE]\n\n",
		} {
			w.Write([]byte(f))
			flusher.Flush()
		}
	}))
	defer server.Close()

	cfg := baseTestConfig(t, server.URL)
	src := writeInputFile(t, cfg, "lecture.flac")

	driver := NewDriver(cfg)
	err := driver.Process(t.Context(), src, make(chan struct{}))
	require.NoError(t, err)

	plain, err := os.ReadFile(filepath.Join(cfg.OutputDir, "lecture.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a b c\n", string(plain))

	_, err = os.Stat(filepath.Join(cfg.InputDir, "processed_lecture.flac"))
	assert.NoError(t, err, "source should be renamed with the processed_ prefix")

	store := NewStore(cfg.CheckpointDir)
	_, ok := store.Load(store.PathFor("lecture.flac"))
	assert.False(t, ok, "checkpoint should be gone (soft-deleted) after success")
}

func TestDriverProcessPermanentFailureAfterMaxRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := baseTestConfig(t, server.URL)
	cfg.MaxRetries = 2
	src := writeInputFile(t, cfg, "bad.flac")

	driver := NewDriver(cfg)
	err := driver.Process(t.Context(), src, make(chan struct{}))
	assert.Error(t, err)

	_, err = os.Stat(filepath.Join(cfg.InputDir, "failed_bad.flac"))
	assert.NoError(t, err, "source should be renamed with the failed_ prefix")

	_, err = os.Stat(filepath.Join(cfg.OutputDir, "bad.txt"))
	assert.True(t, os.IsNotExist(err), "no output should be written on permanent failure")

	store := NewStore(cfg.CheckpointDir)
	cp, ok := store.Load(store.PathFor("bad.flac"))
	require.True(t, ok)
	assert.Equal(t, StatePermanentFailed, cp.State)
}

func TestDriverProcessCorruptCheckpointTreatedAsAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte(`data: {"text":"hi","segments":[{"start":0.0,"end":1.0,"text":"hi"}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	cfg := baseTestConfig(t, server.URL)
	src := writeInputFile(t, cfg, "x.flac")

	store := NewStore(cfg.CheckpointDir)
	require.NoError(t, os.MkdirAll(cfg.CheckpointDir, 0o755))
	require.NoError(t, os.WriteFile(store.PathFor("x.flac"), []byte("{not json"), 0o644))

	driver := NewDriver(cfg)
	err := driver.Process(t.Context(), src, make(chan struct{}))
	require.NoError(t, err)
}

func TestDriverProcessEmptyStreamWithUnknownDurationRetriesThenFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	cfg := baseTestConfig(t, server.URL)
	cfg.MaxRetries = 2
	src := writeInputFile(t, cfg, "silent.flac")

	driver := NewDriver(cfg)
	err := driver.Process(t.Context(), src, make(chan struct{}))
	assert.Error(t, err, "an empty transcript must never be declared complete, even with unknown duration")

	_, err = os.Stat(filepath.Join(cfg.OutputDir, "silent.txt"))
	assert.True(t, os.IsNotExist(err), "no output should be written for an empty result")
}

func TestDriverProcessSignatureMismatchResetsCheckpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte(`data: {"text":"fresh","segments":[{"start":0.0,"end":1.0,"text":"fresh"}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	cfg := baseTestConfig(t, server.URL)
	src := writeInputFile(t, cfg, "y.flac")

	store := NewStore(cfg.CheckpointDir)
	stale := NewCheckpoint("y.flac", src, FileSignature{SizeBytes: 999999, MTimeNanos: 1})
	stale.SetSegments(NewSegmentMap([]Segment{{Start: 0, End: 50, Text: "stale"}}))
	require.NoError(t, store.Save(store.PathFor("y.flac"), stale))

	driver := NewDriver(cfg)
	err := driver.Process(t.Context(), src, make(chan struct{}))
	require.NoError(t, err)

	plain, err := os.ReadFile(filepath.Join(cfg.OutputDir, "y.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(plain), "stale segments from a mismatched signature must not survive")
}

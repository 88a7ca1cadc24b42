// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUpload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.flac")
	require.NoError(t, os.WriteFile(path, []byte("fake-audio"), 0o644))
	return path
}

func TestBuildMultipartRequestUsesGuessedMIMENotOctetStream(t *testing.T) {
	body, contentType, err := buildMultipartRequest(newTestUpload(t), SessionParams{
		Model:          "base",
		ResponseFormat: "verbose_json",
	})
	require.NoError(t, err)

	_, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	mr := multipart.NewReader(body, params["boundary"])

	part, err := mr.NextPart()
	require.NoError(t, err)
	for part.FormName() != "file" {
		part, err = mr.NextPart()
		require.NoError(t, err)
	}

	assert.Equal(t, "clip.flac", part.FileName())
	assert.NotEqual(t, "application/octet-stream", part.Header.Get("Content-Type"))
	assert.NotEmpty(t, part.Header.Get("Content-Type"))

	_, err = io.Copy(io.Discard, part)
	require.NoError(t, err)
}

func TestSessionRunHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`data: {"text":"a","segments":[{"start":0.0,"end":2.0,"text":"a"}]}` + "\n\n",
			`data: {"text":"a b","segments":[{"start":2.0,"end":5.0,"text":"b"}]}` + "\n\n",
			`data: {"text":"a b c","segments":[{"start":5.0,"end":60.0,"text":"c"}]}` + "\n\n",
			"data: [DONE]\n\n",
		}
		for _, f := range frames {
			w.Write([]byte(f))
			flusher.Flush()
		}
	}))
	defer server.Close()

	store := NewStore(t.TempDir())
	cpPath := store.PathFor("clip.flac")
	cp := NewCheckpoint("clip.flac", "clip.flac", FileSignature{})
	require.NoError(t, store.Save(cpPath, cp))

	sess := NewSession(SessionParams{
		WhisperURL:             server.URL,
		Model:                  "base",
		ResponseFormat:         "verbose_json",
		RequestTimeout:         5 * time.Second,
		CheckpointSaveInterval: time.Hour, // don't let periodic snapshot race the assertions below
		ProgressLogEvery:       time.Hour,
	}, store, cpPath, "clip.flac")

	segs := NewSegmentMap(nil)
	stop := make(chan struct{})

	latestText, err := sess.Run(context.Background(), newTestUpload(t), segs, stop)
	require.NoError(t, err)
	assert.Equal(t, "a b c", latestText)
	assert.Equal(t, "a b c", JoinTranscript(segs.Sorted()))
}

// The stop signal is only polled between SSE frames, never used to
// abort an in-flight read (spec.md §9, "avoid cancelling a blocking
// socket read abruptly"). Closing stop before Run is called exercises
// that poll deterministically, without racing a live connection.
func TestSessionRunStopSignalReturnsErrShutdown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte(`data: {"text":"a","segments":[{"start":0.0,"end":2.0,"text":"a"}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	store := NewStore(t.TempDir())
	cpPath := store.PathFor("clip.flac")
	require.NoError(t, store.Save(cpPath, NewCheckpoint("clip.flac", "clip.flac", FileSignature{})))

	sess := NewSession(SessionParams{
		WhisperURL:             server.URL,
		Model:                  "base",
		ResponseFormat:         "verbose_json",
		RequestTimeout:         5 * time.Second,
		CheckpointSaveInterval: time.Millisecond,
		ProgressLogEvery:       time.Hour,
	}, store, cpPath, "clip.flac")

	segs := NewSegmentMap(nil)
	stop := make(chan struct{})
	close(stop)

	_, err := sess.Run(context.Background(), newTestUpload(t), segs, stop)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestSessionRunNonJSONEventSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: not-json-at-all\n\n"))
		flusher.Flush()
		w.Write([]byte(`data: {"text":"a","segments":[{"start":0.0,"end":2.0,"text":"a"}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	store := NewStore(t.TempDir())
	cpPath := store.PathFor("clip.flac")
	require.NoError(t, store.Save(cpPath, NewCheckpoint("clip.flac", "clip.flac", FileSignature{})))

	sess := NewSession(SessionParams{
		WhisperURL:             server.URL,
		Model:                  "base",
		ResponseFormat:         "verbose_json",
		RequestTimeout:         5 * time.Second,
		CheckpointSaveInterval: time.Hour,
		ProgressLogEvery:       time.Hour,
	}, store, cpPath, "clip.flac")

	segs := NewSegmentMap(nil)
	latestText, err := sess.Run(context.Background(), newTestUpload(t), segs, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, "a", latestText)
	assert.Len(t, segs, 1)
}

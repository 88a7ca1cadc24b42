// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-whisper-worker/internal/media"
	"golang.org/x/time/rate"
)

// SessionParams are the per-attempt inputs to one transcription
// session (spec.md §4.6).
type SessionParams struct {
	WhisperURL      string
	Model           string
	ResponseFormat  string
	Language        string
	RequestTimeout  time.Duration
	ConnectTimeout  time.Duration

	CheckpointSaveInterval time.Duration
	ProgressLogEvery       time.Duration

	ResumeOffsetSec float64
	DropEndsLeqSec  *float64

	AudioDuration *float64 // known duration, for the progress reporter only
}

// Session drives one POST+SSE round trip against the transcription
// endpoint, merging segments into a shared SegmentMap and emitting
// periodic durable checkpoint snapshots (spec.md §4.6).
type Session struct {
	params SessionParams
	store  *Store
	cpPath string
	fileName string

	stallLimiter *rate.Limiter
}

// NewSession builds a Session that will snapshot into cpPath via
// store and log under fileName.
func NewSession(params SessionParams, store *Store, cpPath, fileName string) *Session {
	return &Session{
		params: params,
		store:  store,
		cpPath: cpPath,
		fileName: fileName,
		// At most one "skipping non-JSON event payload" warning every
		// 30s, however many such payloads arrive, so a misbehaving
		// stream cannot flood the log (SPEC_FULL.md §3 domain stack).
		stallLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// Run performs the multipart POST and consumes the SSE response,
// merging segments into segs. It returns the server's last-seen
// `text` field. stop is polled between events and at stream end; if
// closed, Run returns ErrShutdown after persisting nothing itself
// (the driver persists the final `interrupted` record).
func (s *Session) Run(ctx context.Context, uploadPath string, segs SegmentMap, stop <-chan struct{}) (latestText string, err error) {
	existingLastEnd := segs.LastEnd()
	reporter := NewProgressReporter(s.fileName, s.params.ProgressLogEvery, s.params.AudioDuration)
	reporter.Update(len(segs), existingLastEnd)
	reporter.Start(stop)
	defer reporter.Stop()

	body, contentType, err := buildMultipartRequest(uploadPath, s.params)
	if err != nil {
		return "", fmt.Errorf("session: build request: %w", err)
	}

	client := &http.Client{Timeout: s.params.RequestTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.params.WhisperURL, body)
	if err != nil {
		return "", fmt.Errorf("session: new request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("session: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("session: non-2xx response: %d", resp.StatusCode)
	}

	reader := NewSSEReader(resp.Body)
	lastCheckpointWrite := time.Time{}

	for {
		select {
		case <-stop:
			return latestText, ErrShutdown
		default:
		}

		payload, readErr := reader.Next()
		if payload != "" {
			if DoneMarker(payload) {
				break
			}

			var ev Event
			if jerr := json.Unmarshal([]byte(payload), &ev); jerr != nil {
				// Protocol-invalid: skipped at event level, never
				// aborts the attempt (spec.md §7).
				if s.stallLimiter.Allow() {
					cclog.Warnf("[SESSION]> %s: skipping non-JSON event payload", s.fileName)
				}
			} else {
				if ev.Text != nil {
					latestText = *ev.Text
				}

				changed, _ := segs.Merge(ev, s.params.ResumeOffsetSec, s.params.DropEndsLeqSec)
				if changed {
					reporter.Update(len(segs), segs.LastEnd())

					if time.Since(lastCheckpointWrite) >= s.params.CheckpointSaveInterval {
						if err := s.snapshot(segs, latestText); err != nil {
							return latestText, fmt.Errorf("session: checkpoint write: %w", err)
						}
						lastCheckpointWrite = time.Now()
					}
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return latestText, fmt.Errorf("session: stream read: %w", readErr)
		}
	}

	// The stream ended naturally ([DONE] or EOF); poll stop once more.
	select {
	case <-stop:
		return latestText, ErrShutdown
	default:
	}
	return latestText, nil
}

// snapshot writes a durable in_progress checkpoint with the current
// segment map, refreshed last_end_sec and latest_text (spec.md §4.6
// "Periodic durable snapshot").
func (s *Session) snapshot(segs SegmentMap, latestText string) error {
	cp, ok := s.store.Load(s.cpPath)
	if !ok {
		return fmt.Errorf("session: checkpoint %s missing during snapshot", s.cpPath)
	}
	cp.Touch(StateInProgress)
	cp.SetSegments(segs)
	cp.LatestText = latestText
	return s.store.Save(s.cpPath, cp)
}

// buildMultipartRequest opens uploadPath and builds the multipart
// form body described in spec.md §6: fields model, response_format,
// stream=true, optional language, and a file part.
func buildMultipartRequest(uploadPath string, params SessionParams) (io.Reader, string, error) {
	f, err := os.Open(uploadPath)
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("model", params.Model); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("response_format", params.ResponseFormat); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("stream", "true"); err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(params.Language) != "" {
		if err := w.WriteField("language", params.Language); err != nil {
			return nil, "", err
		}
	}

	// CreateFormFile always stamps application/octet-stream; the wire
	// protocol wants the guessed MIME type instead, so the part header
	// is built by hand (spec.md §4.6 "file part named file with
	// original-ish filename and guessed MIME").
	fileName := filepath.Base(uploadPath)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(fileName)))
	header.Set("Content-Type", media.GuessMIME(uploadPath))

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}

// escapeQuotes mirrors mime/multipart's own unexported helper: form
// field and file names are quoted-string values, so backslashes and
// quotes must be backslash-escaped.
func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(s)
}

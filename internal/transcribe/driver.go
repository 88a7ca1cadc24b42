// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-whisper-worker/internal/config"
	"github.com/ClusterCockpit/cc-whisper-worker/internal/media"
)

// Driver runs the full per-file state machine described in spec.md
// §4.7: load-or-init checkpoint, probe duration, retry loop with
// resume decisions, success/failure bookkeeping.
type Driver struct {
	cfg   *config.Config
	store *Store
}

// NewDriver builds a Driver bound to cfg's directories and retry
// policy.
func NewDriver(cfg *config.Config) *Driver {
	return &Driver{
		cfg:   cfg,
		store: NewStore(cfg.CheckpointDir),
	}
}

// Process runs one input file through to a terminal state: complete,
// interrupted, or permanent_failed. stop is polled between attempts,
// during backoff sleeps and inside the session (spec.md §9).
func (d *Driver) Process(ctx context.Context, path string, stop <-chan struct{}) error {
	fileName := filepath.Base(path)

	sig, err := Signature(path)
	if err != nil {
		return fmt.Errorf("driver: stat %s: %w", fileName, err)
	}

	cpPath := d.store.PathFor(fileName)
	cp, ok := d.store.Load(cpPath)
	if !ok || cp.FileSignature != sig {
		cp = NewCheckpoint(fileName, path, sig)
		if err := d.store.Save(cpPath, cp); err != nil {
			return fmt.Errorf("driver: init checkpoint %s: %w", fileName, err)
		}
	}

	duration, durationKnown := media.ProbeDuration(ctx, path)

	segs := NewSegmentMap(cp.Segments)

	for attempt := cp.Attempts + 1; attempt <= d.cfg.MaxRetries; attempt++ {
		select {
		case <-stop:
			return d.persistInterruptedKeepCount(cpPath, cp, segs)
		default:
		}

		cp.Attempts = attempt
		cp.Touch(StateInProgress)
		if err := d.store.Save(cpPath, cp); err != nil {
			return fmt.Errorf("driver: persist attempt %d for %s: %w", attempt, fileName, err)
		}

		uploadPath, resumeOffset, dropEndsLeq, cleanup := d.prepareUpload(ctx, path, fileName, segs, duration, durationKnown)

		session := NewSession(SessionParams{
			WhisperURL:             d.cfg.WhisperURL,
			Model:                  d.cfg.WhisperModel,
			ResponseFormat:         d.cfg.WhisperResponseFormat,
			Language:               d.cfg.WhisperLanguage,
			RequestTimeout:         time.Duration(d.cfg.RequestTimeout) * time.Second,
			ConnectTimeout:         time.Duration(d.cfg.ConnectTimeout) * time.Second,
			CheckpointSaveInterval: time.Duration(d.cfg.CheckpointSaveInterval) * time.Second,
			ProgressLogEvery:       time.Duration(d.cfg.ProgressLogEvery) * time.Second,
			ResumeOffsetSec:        resumeOffset,
			DropEndsLeqSec:         dropEndsLeq,
			AudioDuration:          durationPtr(duration, durationKnown),
		}, d.store, cpPath, fileName)

		latestText, runErr := session.Run(ctx, uploadPath, segs, stop)
		cleanup()

		if runErr != nil && errors.Is(runErr, ErrShutdown) {
			return d.persistInterrupted(cpPath, cp, segs)
		}

		if runErr == nil {
			if incomplete := d.checkIncomplete(segs, latestText, duration, durationKnown); incomplete != nil {
				runErr = incomplete
			}
		}

		if runErr == nil {
			return d.finishSuccess(cpPath, cp, segs, latestText, path, fileName)
		}

		cclog.Warnf("[DRIVER]> %s: attempt %d failed: %s", fileName, attempt, runErr.Error())
		cp.Touch(StateFailedAttempt)
		cp.LastError = runErr.Error()
		cp.SetSegments(segs)
		if err := d.store.Save(cpPath, cp); err != nil {
			return fmt.Errorf("driver: persist failed_attempt for %s: %w", fileName, err)
		}

		if attempt < d.cfg.MaxRetries {
			if !d.sleepBackoff(attempt, stop) {
				return d.persistInterruptedKeepCount(cpPath, cp, segs)
			}
		}
	}

	return d.finishPermanentFailure(cpPath, cp, path, fileName)
}

// prepareUpload implements the resume decision of spec.md §4.7 step
// 4b, returning the path to upload, the resume offset/drop threshold
// to hand the session, and a cleanup func for any cut chunk.
func (d *Driver) prepareUpload(ctx context.Context, path, fileName string, segs SegmentMap, duration float64, durationKnown bool) (uploadPath string, resumeOffset float64, dropEndsLeq *float64, cleanup func()) {
	noop := func() {}

	lastEnd := segs.LastEnd()
	resumable := d.cfg.ResumeEnabled &&
		durationKnown && duration > 0 &&
		lastEnd != nil &&
		*lastEnd >= d.cfg.ResumeMinLastEndSec &&
		*lastEnd < duration-1.0

	if !resumable {
		return d.maybeApplyVAD(ctx, path, fileName)
	}

	offset := *lastEnd - d.cfg.ResumeOverlapSec
	if offset < 0 {
		offset = 0
	}
	dropAt := *lastEnd

	dstBase := media.ResumeChunkBase(d.cfg.TempDir, fileName)
	media.RemoveStaleChunks(dstBase)

	chunk, err := media.CutResumeChunk(ctx, path, dstBase, offset)
	if err != nil {
		cclog.Warnf("[DRIVER]> %s: resume cut failed, falling back to from-scratch: %s", fileName, err.Error())
		return path, 0, nil, noop
	}

	return chunk, offset, &dropAt, func() { media.RemoveStaleChunks(dstBase) }
}

// maybeApplyVAD runs the optional silence-removal pre-pass on a
// from-scratch (non-resume) attempt only, uploading the trimmed copy
// while leaving path itself untouched: a resume cut later in the same
// file's lifetime always reads the original, never a VAD'd copy
// (spec.md §9 open question 3, DESIGN.md open-question 3).
func (d *Driver) maybeApplyVAD(ctx context.Context, path, fileName string) (string, float64, *float64, func()) {
	noop := func() {}
	if !d.cfg.VADEnabled {
		return path, 0, nil, noop
	}

	vadPath := filepath.Join(d.cfg.TempDir, "vad_"+fileName+".flac")
	applied, err := media.RemoveSilence(ctx, path, vadPath)
	if err != nil {
		cclog.Warnf("[DRIVER]> %s: VAD pre-pass failed, uploading original: %s", fileName, err.Error())
		return path, 0, nil, noop
	}
	if !applied {
		return path, 0, nil, noop
	}

	return vadPath, 0, nil, func() { os.Remove(vadPath) }
}

// checkIncomplete implements spec.md §4.7 step 4d and the zero-segment
// edge case of §9 scenario 6: when duration is known, require
// last_end/duration >= complete_at_percent; when duration is unknown,
// still require a non-empty result (segments or latest_text) so an
// empty stream is never silently declared complete.
func (d *Driver) checkIncomplete(segs SegmentMap, latestText string, duration float64, durationKnown bool) error {
	if !durationKnown || duration <= 0 {
		if len(segs) == 0 && strings.TrimSpace(latestText) == "" {
			return fmt.Errorf("%w: empty transcript and unknown duration", ErrIncomplete)
		}
		return nil
	}
	lastEnd := segs.LastEnd()
	if lastEnd == nil {
		return fmt.Errorf("%w: no segments against known duration %.1fs", ErrIncomplete, duration)
	}
	pct := *lastEnd / duration
	if pct < d.cfg.CompleteAtPercent {
		return fmt.Errorf("%w: %.1f%% < required %.1f%%", ErrIncomplete, pct*100, d.cfg.CompleteAtPercent*100)
	}
	return nil
}

// finishSuccess builds the transcript, writes outputs, renames the
// source and removes the checkpoint (spec.md §4.7 step 4e).
func (d *Driver) finishSuccess(cpPath string, cp *Checkpoint, segs SegmentMap, latestText, path, fileName string) error {
	sorted := segs.Sorted()
	transcript := JoinTranscript(sorted)
	if transcript == "" {
		transcript = strings.TrimSpace(latestText)
	}

	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	plainPath := filepath.Join(d.cfg.OutputDir, stem+".txt")
	timestampedPath := filepath.Join(d.cfg.OutputDir, stem+"_timestamped.txt")

	if err := WriteText(plainPath, transcript+"\n"); err != nil {
		return fmt.Errorf("driver: write %s: %w", plainPath, err)
	}
	if err := WriteText(timestampedPath, TimestampedTranscript(fileName, sorted)); err != nil {
		return fmt.Errorf("driver: write %s: %w", timestampedPath, err)
	}

	if _, err := renameWithCollision(path, filepath.Dir(path), "processed_", fileName); err != nil {
		cclog.Warnf("[DRIVER]> %s: could not rename processed source: %s", fileName, err.Error())
	}

	if err := SoftDelete(cpPath); err != nil {
		cclog.Warnf("[DRIVER]> %s: could not remove checkpoint: %s", fileName, err.Error())
	}

	cclog.Infof("[DRIVER]> %s: complete (%d segments)", fileName, len(sorted))
	return nil
}

// finishPermanentFailure persists permanent_failed and optionally
// renames the source (spec.md §4.7 step 5).
func (d *Driver) finishPermanentFailure(cpPath string, cp *Checkpoint, path, fileName string) error {
	cp.Touch(StatePermanentFailed)
	if err := d.store.Save(cpPath, cp); err != nil {
		return fmt.Errorf("driver: persist permanent_failed for %s: %w", fileName, err)
	}

	if d.cfg.RenameFailed {
		if _, err := os.Stat(path); err == nil {
			target, err := renameWithCollision(path, filepath.Dir(path), "failed_", fileName)
			if err != nil {
				cclog.Warnf("[DRIVER]> %s: could not rename failed source: %s", fileName, err.Error())
			} else {
				cp.FilePath = target
				if err := d.store.Save(cpPath, cp); err != nil {
					cclog.Warnf("[DRIVER]> %s: could not persist renamed file_path: %s", fileName, err.Error())
				}
			}
		}
	}

	cclog.Errorf("[DRIVER]> %s: permanent failure after %d attempts", fileName, cp.Attempts)
	return fmt.Errorf("driver: %s: permanent failure after %d attempts", fileName, cp.Attempts)
}

// persistInterrupted writes a final interrupted record retaining the
// merger's current segments (spec.md §4.7 step 4f) and does not count
// the in-flight attempt as consumed.
func (d *Driver) persistInterrupted(cpPath string, cp *Checkpoint, segs SegmentMap) error {
	cp.Attempts--
	return d.persistInterruptedKeepCount(cpPath, cp, segs)
}

// persistInterruptedKeepCount writes a final interrupted record
// without adjusting the attempts counter, for stop signals observed
// outside an in-flight session (between attempts, during backoff).
func (d *Driver) persistInterruptedKeepCount(cpPath string, cp *Checkpoint, segs SegmentMap) error {
	cp.Touch(StateInterrupted)
	cp.SetSegments(segs)
	if err := d.store.Save(cpPath, cp); err != nil {
		return fmt.Errorf("driver: persist interrupted: %w", err)
	}
	return ErrShutdown
}

// sleepBackoff sleeps retry_delay_base*2^(attempt-1) seconds, polling
// stop once per second (spec.md §4.7 step 4g, §9). It returns false if
// stop fired during the sleep.
func (d *Driver) sleepBackoff(attempt int, stop <-chan struct{}) bool {
	delay := time.Duration(d.cfg.RetryDelayBase) * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	remaining := delay
	for remaining > 0 {
		select {
		case <-stop:
			return false
		case <-ticker.C:
			remaining -= time.Second
		}
	}
	return true
}

// renameWithCollision renames src to dir/prefix+fileName, inserting a
// timestamp right after prefix (prefix<ts>_fileName) if that name is
// already taken, matching the original worker's
// f"processed_{ts}_{input_path.name}" collision scheme (spec.md §4.7
// steps 4e/5). It returns the path src was actually renamed to.
func renameWithCollision(src, dir, prefix, fileName string) (string, error) {
	dst := filepath.Join(dir, prefix+fileName)
	if _, err := os.Stat(dst); err == nil {
		ts := time.Now().Format("20060102-150405")
		dst = filepath.Join(dir, fmt.Sprintf("%s%s_%s", prefix, ts, fileName))
	}
	return dst, os.Rename(src, dst)
}

func durationPtr(d float64, known bool) *float64 {
	if !known {
		return nil
	}
	return &d
}

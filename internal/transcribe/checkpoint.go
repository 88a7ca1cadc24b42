// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// Checkpoint file/dir permissions, matching the teacher's
// metricstore checkpoint constants.
const (
	CheckpointFilePerms = 0o644
	CheckpointDirPerms  = 0o755

	checkpointVersion = 1
)

// State is the projection of the file driver's state machine onto the
// persisted checkpoint record (spec.md §3, §4.7).
type State string

const (
	StatePending          State = "pending"
	StateInProgress       State = "in_progress"
	StateInterrupted      State = "interrupted"
	StateFailedAttempt    State = "failed_attempt"
	StatePermanentFailed  State = "permanent_failed"
)

// FileSignature identifies the on-disk input a checkpoint belongs to.
// A mismatch means the input changed and the checkpoint is stale
// (spec.md I4).
type FileSignature struct {
	SizeBytes   int64 `json:"size_bytes"`
	MTimeNanos  int64 `json:"mtime_nanoseconds"`
}

// Checkpoint is the durable, per-input-file progress record described
// in spec.md §3.
type Checkpoint struct {
	Version       int             `json:"version"`
	FileName      string          `json:"file_name"`
	FilePath      string          `json:"file_path"`
	FileSignature FileSignature   `json:"file_signature"`
	State         State           `json:"state"`
	Attempts      int             `json:"attempts"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
	Segments      []Segment       `json:"segments"`
	LastEndSec    *float64        `json:"last_end_sec"`
	LatestText    string          `json:"latest_text"`
	LastError     string          `json:"last_error,omitempty"`

	// Extra preserves any JSON keys this version of the worker does
	// not recognize, so a checkpoint written by a newer version and
	// read by an older one round-trips without data loss (spec.md §9,
	// "Dynamic JSON shapes -> tagged data").
	Extra map[string]json.RawMessage `json:"-"`
}

// checkpointAlias avoids infinite recursion in (Un)MarshalJSON.
type checkpointAlias Checkpoint

// knownCheckpointKeys lists the JSON tags already modeled by Checkpoint's
// named fields, so UnmarshalJSON can separate them from Extra.
var knownCheckpointKeys = map[string]struct{}{
	"version": {}, "file_name": {}, "file_path": {}, "file_signature": {},
	"state": {}, "attempts": {}, "created_at": {}, "updated_at": {},
	"segments": {}, "last_end_sec": {}, "latest_text": {}, "last_error": {},
}

// MarshalJSON merges the named fields with any preserved Extra keys.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	named, err := json.Marshal(checkpointAlias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return named, nil
	}

	merged := make(map[string]json.RawMessage, len(c.Extra)+12)
	for k, v := range c.Extra {
		merged[k] = v
	}
	var namedMap map[string]json.RawMessage
	if err := json.Unmarshal(named, &namedMap); err != nil {
		return nil, err
	}
	for k, v := range namedMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the named fields and stashes any unrecognized
// keys into Extra.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var alias checkpointAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*c = Checkpoint(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, known := knownCheckpointKeys[k]; !known {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		c.Extra = extra
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// Signature computes the FileSignature of the file at path.
func Signature(path string) (FileSignature, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileSignature{}, err
	}
	return FileSignature{SizeBytes: fi.Size(), MTimeNanos: fi.ModTime().UnixNano()}, nil
}

// NewCheckpoint creates a fresh `pending` record for the given input
// file and signature.
func NewCheckpoint(fileName, filePath string, sig FileSignature) *Checkpoint {
	now := nowISO()
	return &Checkpoint{
		Version:       checkpointVersion,
		FileName:      fileName,
		FilePath:      filePath,
		FileSignature: sig,
		State:         StatePending,
		Attempts:      0,
		CreatedAt:     now,
		UpdatedAt:     now,
		Segments:      []Segment{},
		LastEndSec:    nil,
		LatestText:    "",
	}
}

// Touch refreshes UpdatedAt and sets state, for checkpoint writes that
// accompany a state transition.
func (c *Checkpoint) Touch(state State) {
	c.State = state
	c.UpdatedAt = nowISO()
}

// SetSegments replaces the persisted segment list from a SegmentMap,
// keeping I1/I2 (sorted, dedup'd, last_end_sec derived).
func (c *Checkpoint) SetSegments(m SegmentMap) {
	c.Segments = m.Sorted()
	c.LastEndSec = m.LastEnd()
}

// Store loads and saves Checkpoint records atomically under dir.
type Store struct {
	Dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// PathFor computes the checkpoint path for an input file name:
// checkpoint_dir/percent_encode(name).json (spec.md §4.2).
func (s *Store) PathFor(inputName string) string {
	return filepath.Join(s.Dir, url.PathEscape(inputName)+".json")
}

// Load reads and decodes the checkpoint at path. Any I/O or parse
// error is treated as "absent" (spec.md §4.2: "any parse error yields
// absent").
func (s *Store) Load(path string) (*Checkpoint, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		cclog.Warnf("[CHECKPOINT]> corrupt checkpoint %s treated as absent: %s", path, err.Error())
		return nil, false
	}
	return &cp, true
}

// Save atomically persists cp to path (spec.md I5).
func (s *Store) Save(path string, cp *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), CheckpointDirPerms); err != nil {
		return fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	if err := WriteJSON(path, cp); err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", path, err)
	}
	return nil
}

// SoftDelete renames path to deleted_<timestamp>_<name> instead of
// unlinking it, per spec.md §9's resolution of the soft- vs
// hard-delete open question for orphan/completed checkpoints.
func SoftDelete(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ts := time.Now().Format("20060102-150405")
	target := filepath.Join(dir, fmt.Sprintf("deleted_%s_%s", ts, base))
	return os.Rename(path, target)
}

// CleanupOrphans scans dir for checkpoint JSON files whose content is
// corrupt or whose referenced file_path no longer exists, and
// soft-deletes them (spec.md §4.2). It returns the count removed.
func (s *Store) CleanupOrphans() int {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.Dir, e.Name())
		cp, ok := s.Load(path)
		if !ok {
			if err := SoftDelete(path); err == nil {
				removed++
			}
			continue
		}
		if cp.FilePath == "" {
			continue
		}
		if _, err := os.Stat(cp.FilePath); os.IsNotExist(err) {
			if err := SoftDelete(path); err == nil {
				removed++
			}
		}
	}

	cclog.Infof("[CHECKPOINT]> orphan cleanup: removed=%d", removed)
	return removed
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scheduler drives the periodic directory scan and the single
// serial per-file worker: a gocron job runs Scan on a fixed interval,
// and an fsnotify nudge (internal/watcher) can trigger an out-of-band
// RunNow (spec.md §4.1, §4.9).
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-whisper-worker/internal/config"
	"github.com/ClusterCockpit/cc-whisper-worker/internal/transcribe"
	"github.com/ClusterCockpit/cc-whisper-worker/internal/watcher"
	"github.com/go-co-op/gocron/v2"
)

// skipPrefixes names the rename markers the driver applies to inputs
// it has already handled or is done retrying; a scan must never pick
// these back up (spec.md §4.1).
var skipPrefixes = []string{"processed_", "failed_", "deleted_"}

// queueDepth bounds how many discovered-but-not-yet-processed files a
// single scan can hand to the worker before Scan itself starts
// blocking; generous enough that no real input_dir listing fills it.
const queueDepth = 4096

type queuedFile struct {
	path string
	name string
}

// Scheduler owns the gocron job that scans cfg.InputDir and feeds each
// eligible file to a single background worker, plus the optional
// fsnotify nudge that runs a scan out of cadence. Exactly one file is
// ever inside Driver.Process at a time (spec.md §1 Non-goals, §4.9
// "single driver thread processes files serially").
type Scheduler struct {
	cfg      *config.Config
	driver   *transcribe.Driver
	gocron   gocron.Scheduler
	notifier *watcher.Notifier

	ctx   context.Context
	queue chan queuedFile

	mu     sync.Mutex
	queued map[string]struct{}
	wg     sync.WaitGroup

	stop chan struct{}
}

// New builds a Scheduler bound to cfg and driver; call Start to begin
// polling.
func New(cfg *config.Config, driver *transcribe.Driver) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:    cfg,
		driver: driver,
		gocron: s,
		queue:  make(chan queuedFile, queueDepth),
		queued: make(map[string]struct{}),
		stop:   make(chan struct{}),
	}, nil
}

// Start registers the periodic scan job, wires an fsnotify nudge onto
// it, launches the single serial worker, and starts the underlying
// gocron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	interval := time.Duration(s.cfg.CheckInterval) * time.Second

	job, err := s.gocron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.Scan(ctx) }),
	)
	if err != nil {
		return err
	}

	s.notifier = watcher.NewNotifier(s.cfg.InputDir, func() {
		if err := job.RunNow(); err != nil {
			cclog.Warnf("[SCHEDULER]> nudge scan failed: %s", err.Error())
		}
	})

	s.wg.Add(1)
	go s.worker()

	s.gocron.Start()
	cclog.Infof("[SCHEDULER]> polling %s every %s", s.cfg.InputDir, interval)
	return nil
}

// Shutdown stops the fsnotify watcher, the gocron scheduler, the
// worker goroutine, and waits for the in-flight driver run (if any) to
// reach a terminal/interrupted state.
func (s *Scheduler) Shutdown() {
	close(s.stop)
	s.notifier.Close()
	if err := s.gocron.Shutdown(); err != nil {
		cclog.Warnf("[SCHEDULER]> gocron shutdown: %s", err.Error())
	}
	s.wg.Wait()
}

// worker is the single goroutine that ever calls Driver.Process: files
// discovered by concurrent Scan calls are serialized through s.queue
// rather than each spawning their own goroutine.
func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case qf := <-s.queue:
			s.process(qf)
		}
	}
}

func (s *Scheduler) process(qf queuedFile) {
	defer func() {
		s.mu.Lock()
		delete(s.queued, qf.name)
		s.mu.Unlock()
	}()

	if err := s.driver.Process(s.ctx, qf.path, s.stop); err != nil {
		cclog.Warnf("[SCHEDULER]> %s: %s", qf.name, err.Error())
	}
}

// Scan lists cfg.InputDir, skips unsupported extensions and
// already-handled rename markers, and enqueues every remaining file
// not already queued or in flight for the worker, in case-insensitive
// name order (spec.md §4.1 "stable, deterministic ordering").
func (s *Scheduler) Scan(ctx context.Context) {
	entries, err := os.ReadDir(s.cfg.InputDir)
	if err != nil {
		cclog.Warnf("[SCHEDULER]> could not list %s: %s", s.cfg.InputDir, err.Error())
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})

	for _, name := range names {
		if !s.eligible(name) {
			continue
		}
		s.enqueue(filepath.Join(s.cfg.InputDir, name), name)
	}
}

func (s *Scheduler) eligible(name string) bool {
	for _, p := range skipPrefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := s.cfg.SupportedExtensions[ext]; !ok {
		return false
	}
	return true
}

func (s *Scheduler) enqueue(path, name string) {
	s.mu.Lock()
	if _, busy := s.queued[name]; busy {
		s.mu.Unlock()
		return
	}
	s.queued[name] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- queuedFile{path: path, name: name}:
	case <-s.stop:
		s.mu.Lock()
		delete(s.queued, name)
		s.mu.Unlock()
	}
}

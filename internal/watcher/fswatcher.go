// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package watcher supplements the scheduler's periodic directory poll
// with a best-effort fsnotify nudge, so a file dropped into the input
// directory is usually picked up well before the next scheduled scan
// (spec.md §4.1 "polling is mandatory; notification is a latency
// optimization only").
package watcher

import (
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/fsnotify/fsnotify"
)

// Notifier watches a single directory and invokes a callback whenever
// a create/write/rename event is observed there. It never replaces
// the poll loop; a missed or coalesced event only costs one extra
// polling interval of latency.
type Notifier struct {
	w        *fsnotify.Watcher
	nudge    func()
	closeOnce sync.Once
	done     chan struct{}
}

// NewNotifier creates a Notifier watching dir. Failure to start the
// underlying watcher is logged and degrades to poll-only operation;
// it is never fatal.
func NewNotifier(dir string, nudge func()) *Notifier {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		cclog.Warnf("[WATCHER]> could not create fs watcher, falling back to poll-only: %s", err.Error())
		return nil
	}
	if err := w.Add(dir); err != nil {
		cclog.Warnf("[WATCHER]> could not watch %s, falling back to poll-only: %s", dir, err.Error())
		w.Close()
		return nil
	}

	n := &Notifier{w: w, nudge: nudge, done: make(chan struct{})}
	go n.loop()
	return n
}

func (n *Notifier) loop() {
	defer close(n.done)
	for {
		select {
		case err, ok := <-n.w.Errors:
			if !ok {
				return
			}
			cclog.Warnf("[WATCHER]> fs watch error: %s", err.Error())
		case e, ok := <-n.w.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				n.nudge()
			}
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit. Safe
// to call on a nil *Notifier (the degraded poll-only case) and more
// than once.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.closeOnce.Do(func() {
		n.w.Close()
		<-n.done
	})
}

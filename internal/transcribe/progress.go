// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricSegmentsDone = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "whisperworker",
		Name:      "segments_done",
		Help:      "Number of segments merged into the current session's segment map.",
	})
	metricLastEndSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "whisperworker",
		Name:      "last_end_seconds",
		Help:      "Global last_end_sec of the current session's segment map.",
	})
	metricStallSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "whisperworker",
		Name:      "stall_seconds",
		Help:      "Seconds since the last SSE event was observed by the active session.",
	})
)

var registerMetricsOnce sync.Once

// RegisterMetrics registers the package's Prometheus collectors on
// reg. Safe to call more than once (e.g. from tests); registration
// only happens the first time (SPEC_FULL.md §3 domain stack).
func RegisterMetrics(reg prometheus.Registerer) {
	registerMetricsOnce.Do(func() {
		reg.MustRegister(metricSegmentsDone, metricLastEndSeconds, metricStallSeconds)
	})
}

// progressSnapshot is the small struct shared between the ingestion
// task and the reporter (spec.md §5): mutated under a lock, read by
// the reporter, never containing the segment map itself.
type progressSnapshot struct {
	segmentsDone int
	lastEndSec   *float64
	lastEventAt  time.Time
}

// ProgressReporter is a cooperative periodic emitter co-owned by a
// Session (spec.md §4.8). It must never block the ingestion path: all
// communication with the ingestion task goes through a small mutex,
// never the segment map.
type ProgressReporter struct {
	fileName string
	interval time.Duration
	duration *float64 // known audio duration, or nil

	mu       sync.Mutex
	snap     progressSnapshot
	startedAt time.Time

	stop chan struct{}
	done chan struct{}
}

// NewProgressReporter creates a reporter for fileName. Call Start to
// begin ticking and Stop to join its goroutine; it must not outlive
// the session that owns it (spec.md §9).
func NewProgressReporter(fileName string, interval time.Duration, duration *float64) *ProgressReporter {
	return &ProgressReporter{
		fileName: fileName,
		interval: interval,
		duration: duration,
		startedAt: time.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Update records a new snapshot of ingestion progress. Safe to call
// from the ingestion goroutine at any time; never blocks on I/O.
func (p *ProgressReporter) Update(segmentsDone int, lastEndSec *float64) {
	p.mu.Lock()
	p.snap.segmentsDone = segmentsDone
	p.snap.lastEndSec = lastEndSec
	p.snap.lastEventAt = time.Now()
	p.mu.Unlock()
}

// Start begins the reporter's ticking goroutine.
func (p *ProgressReporter) Start(externalStop <-chan struct{}) {
	go p.run(externalStop)
}

// Stop requests the reporter's goroutine to exit and waits for it.
func (p *ProgressReporter) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

func (p *ProgressReporter) run(externalStop <-chan struct{}) {
	defer close(p.done)

	interval := p.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-externalStop:
			return
		case <-ticker.C:
			p.emit()
		}
	}
}

func (p *ProgressReporter) emit() {
	p.mu.Lock()
	segDone := p.snap.segmentsDone
	lastEnd := p.snap.lastEndSec
	lastEventAt := p.snap.lastEventAt
	p.mu.Unlock()

	elapsed := time.Since(p.startedAt).Round(time.Second)
	metricSegmentsDone.Set(float64(segDone))

	var stall time.Duration
	if !lastEventAt.IsZero() {
		stall = time.Since(lastEventAt).Round(time.Second)
		metricStallSeconds.Set(stall.Seconds())
	}

	if lastEnd != nil {
		metricLastEndSeconds.Set(*lastEnd)
	}

	if p.duration != nil && *p.duration > 0 && lastEnd != nil {
		pct := (*lastEnd / *p.duration) * 100
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		cclog.Infof("[PROGRESS]> %s | segments=%d | %.1fs/%.1fs (%.1f%%) | elapsed=%s | stall=%s",
			p.fileName, segDone, *lastEnd, *p.duration, pct, elapsed, stall)
		return
	}

	cclog.Infof("[PROGRESS]> %s | segments=%d | elapsed=%s | stall=%s", p.fileName, segDone, elapsed, stall)
}

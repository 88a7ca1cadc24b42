// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsSafeToCallTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() {
		RegisterMetrics(reg)
		RegisterMetrics(reg)
	})
}

func TestProgressReporterStartStopJoins(t *testing.T) {
	lastEnd := 12.5
	r := NewProgressReporter("clip.flac", 5*time.Millisecond, &lastEnd)
	r.Update(3, &lastEnd)

	stop := make(chan struct{})
	r.Start(stop)
	time.Sleep(20 * time.Millisecond)
	r.Stop()

	// Stop must return only after the goroutine has actually exited;
	// a second Stop call should not block or panic.
	require.NotPanics(t, func() { r.Stop() })
}

func TestProgressReporterStopsOnExternalStop(t *testing.T) {
	r := NewProgressReporter("clip.flac", time.Millisecond, nil)
	stop := make(chan struct{})
	r.Start(stop)
	close(stop)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop after external stop signal closed")
	}
}

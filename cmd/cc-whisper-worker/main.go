// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-whisper-worker/internal/config"
	"github.com/ClusterCockpit/cc-whisper-worker/internal/scheduler"
	"github.com/ClusterCockpit/cc-whisper-worker/internal/transcribe"
	"github.com/ClusterCockpit/cc-whisper-worker/pkg/runtimeEnv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var envFile string
	flag.StringVar(&envFile, "env", ".env", "Path to an optional .env file read before the process environment")
	flag.Parse()

	cfg, err := config.Load(envFile)
	if err != nil {
		cclog.Abortf("config: %s\n", err.Error())
	}
	cclog.Init(cfg.LogLevel, true)

	for _, dir := range []string{cfg.InputDir, cfg.OutputDir, cfg.LogDir, cfg.CheckpointDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cclog.Abortf("startup: mkdir %s: %s\n", dir, err.Error())
		}
	}

	host, port, err := runtimeEnv.ParseHostPort(cfg.WhisperURL)
	if err != nil {
		cclog.Abortf("startup: %s\n", err.Error())
	}
	if !runtimeEnv.WaitForTCP(host, port, time.Duration(cfg.ServerWaitTimeout)*time.Second) {
		os.Exit(1)
	}

	store := transcribe.NewStore(cfg.CheckpointDir)
	removed := store.CleanupOrphans()
	cclog.Infof("[STARTUP]> cleaned %d orphan checkpoints", removed)
	wipeTempDir(cfg.TempDir)

	registry := prometheus.NewRegistry()
	transcribe.RegisterMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cclog.Errorf("[STARTUP]> metrics server: %s", err.Error())
		}
	}()

	driver := transcribe.NewDriver(cfg)
	sched, err := scheduler.New(cfg, driver)
	if err != nil {
		cclog.Abortf("startup: scheduler: %s\n", err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		cclog.Abortf("startup: scheduler start: %s\n", err.Error())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	runtimeEnv.SystemdNotifiy(true, "running")
	cclog.Infof("[STARTUP]> cc-whisper-worker ready, watching %s", cfg.InputDir)

	<-sigs
	runtimeEnv.SystemdNotifiy(false, "shutting down")
	cclog.Info("[SHUTDOWN]> signal received, draining in-flight transcriptions")

	cancel()
	sched.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		cclog.Warnf("[SHUTDOWN]> metrics server: %s", err.Error())
	}

	wg.Wait()
	cclog.Info("[SHUTDOWN]> graceful shutdown complete")
}

// wipeTempDir clears any resume chunks left behind by a prior process
// that crashed instead of shutting down cooperatively; a fresh attempt
// always cuts its own chunk (spec.md §4.3).
func wipeTempDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		os.Remove(filepath.Join(dir, e.Name()))
	}
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the worker's tunables from the
// process environment, with defaults matching a from-scratch install.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/joho/godotenv"
)

// Config is the read-only input described by spec.md §3. It is built
// once at startup and never mutated afterwards.
type Config struct {
	WhisperURL            string
	WhisperModel          string
	WhisperLanguage       string
	WhisperResponseFormat string

	InputDir      string
	OutputDir     string
	LogDir        string
	CheckpointDir string
	TempDir       string

	SupportedExtensions map[string]struct{}

	CheckInterval      int // seconds, directory poll interval
	MaxRetries         int
	RetryDelayBase     int // seconds, exponential backoff base
	RequestTimeout     int // seconds
	ConnectTimeout     int // seconds
	ServerWaitTimeout  int // seconds

	ProgressLogEvery       int // seconds
	CheckpointSaveInterval int // seconds

	ResumeEnabled        bool
	ResumeOverlapSec     float64
	ResumeMinLastEndSec  float64

	RenameFailed      bool
	CompleteAtPercent float64

	VADEnabled bool

	LogLevel   string
	MetricsAddr string
}

// Load reads an optional .env file (if present) with godotenv, then
// builds a Config from the environment, applying the same defaults as
// the original Python worker's Config.from_env().
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			cclog.Warnf("[CONFIG]> could not load %s: %s", envFile, err.Error())
		}
	}

	supported := parseCSV(getEnv("SUPPORTED_FORMATS", ".mp3,.wav,.m4a,.mp4,.mkv,.flac,.ogg,.webm"))
	exts := make(map[string]struct{}, len(supported))
	for _, s := range supported {
		s = strings.ToLower(s)
		if !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		exts[s] = struct{}{}
	}

	checkpointDir := getEnv("CHECKPOINT_DIR", "/data/checkpoints")

	cfg := &Config{
		WhisperURL:            getEnv("WHISPER_URL", "http://localhost:8000/v1/audio/transcriptions"),
		WhisperModel:          getEnv("WHISPER_MODEL", "base"),
		WhisperLanguage:       getEnv("WHISPER_LANGUAGE", ""),
		WhisperResponseFormat: getEnv("WHISPER_RESPONSE_FORMAT", "verbose_json"),

		InputDir:      getEnv("INPUT_DIR", "/data/input"),
		OutputDir:     getEnv("OUTPUT_DIR", "/data/output"),
		LogDir:        getEnv("LOG_DIR", "/data/logs"),
		CheckpointDir: checkpointDir,
		TempDir:       getEnv("TEMP_DIR", checkpointDir+"/tmp"),

		SupportedExtensions: exts,

		CheckInterval:     safeInt(getEnv("CHECK_INTERVAL", "10"), 10),
		MaxRetries:        safeInt(getEnv("MAX_RETRIES", "3"), 3),
		RetryDelayBase:    safeInt(getEnv("RETRY_DELAY_BASE", "30"), 30),
		RequestTimeout:    safeInt(getEnv("REQUEST_TIMEOUT", "1800"), 1800),
		ConnectTimeout:    safeInt(getEnv("CONNECT_TIMEOUT", "10"), 10),
		ServerWaitTimeout: safeInt(getEnv("SERVER_WAIT_TIMEOUT", "180"), 180),

		ProgressLogEvery:       safeInt(getEnv("PROGRESS_LOG_EVERY", "10"), 10),
		CheckpointSaveInterval: safeInt(getEnv("CHECKPOINT_SAVE_INTERVAL", "10"), 10),

		ResumeEnabled:       parseBool(getEnv("RESUME_ENABLED", "1")),
		ResumeOverlapSec:    safeFloat(getEnv("RESUME_OVERLAP_SEC", "2.0"), 2.0),
		ResumeMinLastEndSec: safeFloat(getEnv("RESUME_MIN_LAST_END_SEC", "5.0"), 5.0),

		RenameFailed:      parseBool(getEnv("RENAME_FAILED", "1")),
		CompleteAtPercent: safeFloat(getEnv("COMPLETE_AT_PERCENT", "0.98"), 0.98),

		VADEnabled: parseBool(getEnv("VAD_ENABLED", "0")),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9102"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that can never make progress,
// mirroring the defensive coercion in the original Python's
// safe_int/safe_float (there, a bad value falls back to a default;
// here, since the value already went through safeInt/safeFloat, only
// genuinely nonsensical combinations remain to reject).
func (c *Config) Validate() error {
	if c.WhisperURL == "" {
		return fmt.Errorf("config: WHISPER_URL must not be empty")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be >= 1, got %d", c.MaxRetries)
	}
	if c.RequestTimeout <= 0 || c.ConnectTimeout <= 0 || c.ServerWaitTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.CompleteAtPercent <= 0 || c.CompleteAtPercent > 1 {
		return fmt.Errorf("config: COMPLETE_AT_PERCENT must be in (0,1], got %f", c.CompleteAtPercent)
	}
	if c.ResumeOverlapSec < 0 || c.ResumeMinLastEndSec < 0 {
		return fmt.Errorf("config: resume overlap/min-last-end must be non-negative")
	}
	if len(c.SupportedExtensions) == 0 {
		return fmt.Errorf("config: SUPPORTED_FORMATS must name at least one extension")
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func safeInt(v string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func safeFloat(v string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

func parseCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

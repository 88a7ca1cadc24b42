// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package runtimeEnv holds process-lifecycle helpers that don't belong
// to any one domain package: systemd readiness notification and
// waiting for the transcription backend to accept TCP connections
// before the scheduler starts polling it.
package runtimeEnv

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// ParseHostPort extracts the host and port a transcription endpoint
// URL resolves to, defaulting the port to 443/80 by scheme when the
// URL does not name one explicitly.
func ParseHostPort(rawURL string) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("runtimeEnv: parse %q: %w", rawURL, err)
	}

	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("runtimeEnv: bad port in %q: %w", rawURL, err)
		}
		return host, port, nil
	}

	if u.Scheme == "https" {
		return host, 443, nil
	}
	return host, 80, nil
}

// WaitForTCP polls host:port with short-lived connection attempts
// until one succeeds or timeout elapses, the crash-safe worker's
// precondition for starting the scheduler against a backend that may
// still be booting.
func WaitForTCP(host string, port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(2 * time.Second)
	}

	cclog.Errorf("[RUNTIME]> server not reachable via TCP at %s after %s", addr, timeout)
	return false
}

// SystemdNotifiy informs systemd that the process is ready (or
// carries a status update), a no-op when not started under systemd:
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
func SystemdNotifiy(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}
	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	cmd := exec.Command("systemd-notify", args...)
	cmd.Run() // errors ignored on purpose, there is not much to do anyways.
}

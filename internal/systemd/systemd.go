// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd implements the service side of the sd_notify protocol:
// readiness notification and watchdog keep-alives.
//
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// State is a sd_notify message.
type State string

const (
	// Ready tells the service manager that startup is finished.
	Ready State = "READY=1"
	// Stopping tells the service manager that the service is shutting down.
	Stopping State = "STOPPING=1"
	// Watchdog updates the watchdog timestamp.
	Watchdog State = "WATCHDOG=1"
)

// Notify sends state to the socket named by the NOTIFY_SOCKET variable from
// getenv. It does nothing when the variable is unset, which means the service
// is not run by systemd.
func Notify(getenv func(string) string, state State) error {
	addr := &net.UnixAddr{Net: "unixgram", Name: getenv("NOTIFY_SOCKET")}
	if addr.Name == "" {
		return nil
	}

	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return fmt.Errorf("systemd: notifying %s: %w", state, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("systemd: notifying %s: %w", state, err)
	}
	return nil
}

// WatchdogInterval returns the keep-alive interval requested with the
// WATCHDOG_USEC variable. It is half of the watchdog timeout. ok is false if
// the watchdog is disabled.
func WatchdogInterval(getenv func(string) string) (interval time.Duration, ok bool, err error) {
	s := getenv("WATCHDOG_USEC")
	if s == "" {
		return 0, false, nil
	}
	usec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || usec <= 0 {
		return 0, false, fmt.Errorf("systemd: WATCHDOG_USEC must be a positive number, got %q", s)
	}
	return time.Duration(usec) * time.Microsecond / 2, true, nil
}

// WatchdogLoop sends keep-alives until ctx is canceled. Errors are logged to
// log. It returns immediately if the watchdog is disabled.
func WatchdogLoop(ctx context.Context, getenv func(string) string, log *slog.Logger) {
	interval, ok, err := WatchdogInterval(getenv)
	if err != nil {
		log.Error("watchdog disabled", "err", err)
		return
	}
	if !ok {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := Notify(getenv, Watchdog); err != nil {
				log.Error("watchdog keep-alive", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

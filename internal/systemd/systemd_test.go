// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package systemd_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.astrophena.name/scriptgate/internal/systemd"
	"go.astrophena.name/scriptgate/internal/testutil"
)

func listen(t *testing.T) (*net.UnixConn, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	l, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listening on unixgram socket: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func receive(t *testing.T, l *net.UnixConn) string {
	t.Helper()
	l.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	n, _, err := l.ReadFromUnix(buf)
	if err != nil {
		t.Fatalf("reading from unixgram socket: %v", err)
	}
	return string(buf[:n])
}

func env(vars map[string]string) func(string) string {
	return func(name string) string { return vars[name] }
}

func TestNotify(t *testing.T) {
	l, path := listen(t)

	if err := systemd.Notify(env(map[string]string{"NOTIFY_SOCKET": path}), systemd.Ready); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, receive(t, l), string(systemd.Ready))
}

func TestNotifyWithoutSystemd(t *testing.T) {
	if err := systemd.Notify(env(nil), systemd.Ready); err != nil {
		t.Fatal(err)
	}
}

func TestNotifyMissingSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.sock")
	if err := systemd.Notify(env(map[string]string{"NOTIFY_SOCKET": path}), systemd.Ready); err == nil {
		t.Fatal("want error")
	}
}

func TestWatchdogInterval(t *testing.T) {
	cases := map[string]struct {
		usec    string
		want    time.Duration
		wantOK  bool
		wantErr bool
	}{
		"disabled": {usec: ""},
		"enabled":  {usec: "500000", want: 250 * time.Millisecond, wantOK: true},
		"zero":     {usec: "0", wantErr: true},
		"garbage":  {usec: "soon", wantErr: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok, err := systemd.WatchdogInterval(env(map[string]string{"WATCHDOG_USEC": tc.usec}))
			if (err != nil) != tc.wantErr {
				t.Fatalf("got error %v, want error: %v", err, tc.wantErr)
			}
			testutil.AssertEqual(t, got, tc.want)
			testutil.AssertEqual(t, ok, tc.wantOK)
		})
	}
}

func TestWatchdogLoop(t *testing.T) {
	l, path := listen(t)
	getenv := env(map[string]string{
		"NOTIFY_SOCKET": path,
		"WATCHDOG_USEC": "200000",
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		systemd.WatchdogLoop(ctx, getenv, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	testutil.AssertEqual(t, receive(t, l), string(systemd.Watchdog))

	cancel()
	<-done
}

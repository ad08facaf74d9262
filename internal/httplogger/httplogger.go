// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package httplogger provides an http.RoundTripper that logs outgoing
// requests.
package httplogger

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// New returns an http.RoundTripper that logs every request made through t at
// the debug level, and failed requests at the warning level. If t is nil,
// http.DefaultTransport is used.
//
// URLs are logged in full, so log must scrub credentials embedded in them.
func New(t http.RoundTripper, log *slog.Logger) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	return &loggingTransport{transport: t, log: log, now: time.Now}
}

type loggingTransport struct {
	transport http.RoundTripper
	log       *slog.Logger
	now       func() time.Time
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := t.now()
	resp, err := t.transport.RoundTrip(r)

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("url", r.URL.String()),
		slog.Duration("duration", t.now().Sub(start)),
	}
	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("err", err))
	case resp.StatusCode >= http.StatusBadRequest:
		level = slog.LevelWarn
		attrs = append(attrs, slog.Int("status", resp.StatusCode))
	default:
		attrs = append(attrs, slog.Int("status", resp.StatusCode))
	}
	// The request context may already be canceled.
	t.log.LogAttrs(context.WithoutCancel(r.Context()), level, "outgoing request", attrs...)

	return resp, err
}

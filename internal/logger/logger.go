// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logger sets up structured logging and provides an io.Writer that
// buffers log lines in a ring buffer so they can be streamed over HTTP.
package logger

import (
	"container/ring"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// New returns a text slog.Logger writing to every writer in ws at the level
// held by lv. Every line passes through scrub, if it is not nil.
func New(lv *slog.LevelVar, scrub *strings.Replacer, ws ...io.Writer) *slog.Logger {
	var w io.Writer = io.MultiWriter(ws...)
	if scrub != nil {
		w = &scrubWriter{w: w, r: scrub}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}

// ParseLevel sets lv from a level name such as "debug" or "warn". An empty name
// leaves lv unchanged.
func ParseLevel(lv *slog.LevelVar, name string) error {
	if name == "" {
		return nil
	}
	return lv.UnmarshalText([]byte(name))
}

type scrubWriter struct {
	w io.Writer
	r *strings.Replacer
}

func (sw *scrubWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(sw.w, sw.r.Replace(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Streamer is an io.Writer that keeps the last logged lines and allows to
// stream new ones.
type Streamer interface {
	io.Writer
	http.Handler

	// Lines returns the buffered lines, oldest first.
	Lines() []string

	// Stream returns a channel receiving newly logged lines. Call the returned
	// function to stop streaming.
	Stream() (<-chan string, func())
}

// NewStreamer returns a Streamer that keeps the last size lines.
func NewStreamer(size int) Streamer {
	return &ringStreamer{
		size:    size,
		r:       ring.New(size),
		streams: make(map[chan string]struct{}),
	}
}

type ringStreamer struct {
	mu      sync.RWMutex
	size    int
	partial string
	r       *ring.Ring
	streams map[chan string]struct{}
}

func (rs *ringStreamer) Write(b []byte) (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	text := rs.partial + string(b)
	for {
		line, rest, ok := strings.Cut(text, "\n")
		if !ok {
			break
		}
		line += "\n"
		rs.r.Value = line
		rs.r = rs.r.Next()
		for stream := range rs.streams {
			select {
			case stream <- line:
			default:
				// Slow readers miss lines.
			}
		}
		text = rest
	}
	rs.partial = text
	return len(b), nil
}

func (rs *ringStreamer) Lines() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	lines := make([]string, 0, rs.size)
	rs.r.Do(func(x any) {
		if x != nil {
			lines = append(lines, x.(string))
		}
	})
	return lines
}

func (rs *ringStreamer) Stream() (<-chan string, func()) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	stream := make(chan string, rs.size+1)
	rs.streams[stream] = struct{}{}

	var once sync.Once
	return stream, func() {
		once.Do(func() {
			rs.mu.Lock()
			defer rs.mu.Unlock()
			delete(rs.streams, stream)
			close(stream)
		})
	}
}

// ServeHTTP writes buffered lines and then streams new ones until the client
// goes away. Clients that accept text/event-stream get server-sent events.
func (rs *ringStreamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	sse := strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}

	stream, stop := rs.Stream()
	defer stop()

	write := func(line string) {
		if sse {
			fmt.Fprintf(w, "event: logline\ndata: %s\n", strings.TrimSuffix(line, "\n"))
			return
		}
		io.WriteString(w, line)
	}
	for _, line := range rs.Lines() {
		write(line)
	}
	flush(w)

	for {
		select {
		case line := <-stream:
			write(line)
			flush(w)
		case <-r.Context().Done():
			return
		}
	}
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

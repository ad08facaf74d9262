// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package metrics defines the Prometheus collectors of scriptgate.
package metrics

import (
	"cmp"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes.
const (
	FetchServed   = "served"
	FetchBlocked  = "blocked"
	FetchNotFound = "not_found"
	FetchError    = "error"
)

// Metrics holds the collectors of a single service instance.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	fetches        *prometheus.CounterVec
	scriptsCreated prometheus.Counter
	botUpdates     *prometheus.CounterVec
	botSendErrors  prometheus.Counter
}

// New creates the collectors and registers them in a fresh registry together
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptgate_fetches_total",
				Help: "Script fetch attempts by outcome.",
			},
			[]string{"outcome"},
		),
		scriptsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptgate_scripts_created_total",
				Help: "Total number of protected scripts.",
			},
		),
		botUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptgate_bot_updates_total",
				Help: "Telegram updates handled, by command.",
			},
			[]string{"command"},
		),
		botSendErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptgate_bot_send_errors_total",
				Help: "Total failed Telegram sendMessage calls.",
			},
		),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpLatency,
		m.fetches,
		m.scriptsCreated,
		m.botUpdates,
		m.botSendErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// IncFetch counts a script fetch with the given outcome.
func (m *Metrics) IncFetch(outcome string) { m.fetches.WithLabelValues(outcome).Inc() }

// IncScriptCreated counts a protected script.
func (m *Metrics) IncScriptCreated() { m.scriptsCreated.Inc() }

// IncBotUpdate counts a Telegram update handled by command.
func (m *Metrics) IncBotUpdate(command string) { m.botUpdates.WithLabelValues(command).Inc() }

// IncBotSendError counts a failed Telegram message delivery.
func (m *Metrics) IncBotSendError() { m.botSendErrors.Inc() }

// Instrument records request counts and latency. It must wrap the
// http.ServeMux directly so that the matched route pattern is visible after
// the request is served.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := cmp.Or(r.Pattern, "unmatched")
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.statusCode)).Inc()
		m.httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"net/http"
	"net/url"

	"go.astrophena.name/scriptgate/internal/util/syncx"
)

// Health returns the [HealthHandler] registered on mux at /health, creating it
// if necessary.
func Health(mux *http.ServeMux) *HealthHandler {
	h, pat := mux.Handler(&http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/health"}})
	if hh, ok := h.(*HealthHandler); ok && pat == "GET /health" {
		return hh
	}
	hh := &HealthHandler{checks: syncx.Protect(make(checksMap))}
	mux.Handle("GET /health", hh)
	return hh
}

// HealthHandler reports the health of the subsystems of a running service.
type HealthHandler struct{ checks *syncx.Protected[checksMap] }

type checksMap = map[string]HealthFunc

// HealthFunc reports the state of a particular subsystem. It must be safe for
// concurrent use.
type HealthFunc func(ctx context.Context) (status string, ok bool)

// RegisterFunc registers the health check function by the given name. It
// panics if a check with this name already exists.
func (h *HealthHandler) RegisterFunc(name string, f HealthFunc) {
	h.checks.Access(func(checks checksMap) {
		if _, dup := checks[name]; dup {
			panic("health: check " + name + " is already registered")
		}
		checks[name] = f
	})
}

// HealthResponse is a response of the /health endpoint.
type HealthResponse struct {
	OK     bool                     `json:"ok"`
	Checks map[string]CheckResponse `json:"checks"`
}

// CheckResponse is a status of an individual check.
type CheckResponse struct {
	Status string `json:"status"`
	OK     bool   `json:"ok"`
}

// ServeHTTP implements the [http.Handler] interface.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hr := &HealthResponse{
		OK:     true,
		Checks: make(map[string]CheckResponse),
	}

	var checks checksMap
	h.checks.RAccess(func(m checksMap) {
		checks = make(checksMap, len(m))
		for name, f := range m {
			checks[name] = f
		}
	})
	for name, f := range checks {
		status, ok := f(r.Context())
		if !ok {
			hr.OK = false
		}
		hr.Checks[name] = CheckResponse{Status: status, OK: ok}
	}

	code := http.StatusOK
	if !hr.OK {
		code = http.StatusServiceUnavailable
	}
	RespondJSONStatus(w, code, hr)
}

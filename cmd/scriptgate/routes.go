// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.astrophena.name/scriptgate/internal/metrics"
	"go.astrophena.name/scriptgate/internal/scripts"
	"go.astrophena.name/scriptgate/internal/secret"
	"go.astrophena.name/scriptgate/internal/telegram"
	"go.astrophena.name/scriptgate/internal/web"
)

const (
	defaultRecentLimit   = 10
	defaultActivityLimit = 50
	maxLimit             = 1000
)

// Bodies of script fetch responses. The runtime shows them to the player.
const (
	fetchNotFoundBody  = "السكربت غير موجود"
	fetchForbiddenBody = "غير مسموح بالوصول من هذا المصدر"
	fetchErrorBody     = "خطأ في الخادم"
)

func (e *engine) initRoutes() {
	mux := http.NewServeMux()

	// Script delivery.
	mux.HandleFunc("GET /s/{token}", e.handleFetch)
	mux.HandleFunc("GET /api/scripts/{token}", e.handleFetch)

	// Dashboard API.
	mux.HandleFunc("GET /api/scripts/recent", e.handleRecentScripts)
	mux.HandleFunc("GET /api/scripts/{token}/details", e.handleScriptDetails)
	mux.HandleFunc("DELETE /api/scripts/{token}", e.handleDeleteScript)
	mux.HandleFunc("GET /api/dashboard/stats", e.handleStats)
	mux.HandleFunc("GET /api/activity-logs", e.handleActivity)
	mux.HandleFunc("GET /api/users/{id}/activity-logs", e.handleUserActivity)
	mux.HandleFunc("GET /api/users/count", e.handleUsersCount)
	mux.HandleFunc("GET /api/bot/status", e.handleBotStatus)
	mux.HandleFunc("POST /api/bot/restart", e.handleBotRestart)

	// Telegram webhook.
	mux.HandleFunc("POST /telegram", e.handleTelegramWebhook)

	// Operations.
	e.health = web.Health(mux)
	e.health.RegisterFunc("store", e.storeHealth)
	e.health.RegisterFunc("telegram", e.botHealth)
	mux.Handle("GET /metrics", e.metrics.Handler())
	mux.Handle("GET /debug/log", e.logStream)

	// Instrument reads the matched pattern, so it wraps the mux directly.
	e.handler = web.Chain(e.metrics.Instrument(mux), web.WithLogger(e.log), web.RequestID)
}

func (e *engine) handleFetch(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	content, err := e.gate.Serve(r.Context(), token, r.UserAgent(), web.ClientAddr(r))
	switch {
	case errors.Is(err, scripts.ErrNotFound):
		e.metrics.IncFetch(metrics.FetchNotFound)
		respondFetchError(w, http.StatusNotFound, fetchNotFoundBody)
	case errors.Is(err, scripts.ErrForbidden):
		e.metrics.IncFetch(metrics.FetchBlocked)
		web.Logger(r.Context()).Warn("blocked script fetch", "token", token, "client", r.UserAgent(), "addr", web.ClientAddr(r))
		respondFetchError(w, http.StatusForbidden, fetchForbiddenBody)
	case err != nil:
		e.metrics.IncFetch(metrics.FetchError)
		web.Logger(r.Context()).Error("serving script", "token", token, "err", err)
		respondFetchError(w, http.StatusInternalServerError, fetchErrorBody)
	default:
		e.metrics.IncFetch(metrics.FetchServed)
		web.RespondText(w, content)
	}
}

func respondFetchError(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprint(w, body)
}

func (e *engine) handleRecentScripts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultRecentLimit)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	list, err := e.store.ListRecentScripts(r.Context(), limit)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, list)
}

func (e *engine) handleScriptDetails(w http.ResponseWriter, r *http.Request) {
	sw, err := e.store.GetScriptWithOwner(r.Context(), r.PathValue("token"))
	if err != nil {
		web.RespondJSONError(w, r, statusErr(err))
		return
	}
	web.RespondJSON(w, sw)
}

type messageResponse struct {
	Message string `json:"message"`
}

func (e *engine) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	if err := e.svc.Delete(r.Context(), r.PathValue("token"), web.ClientAddr(r), r.UserAgent()); err != nil {
		web.RespondJSONError(w, r, statusErr(err))
		return
	}
	web.RespondJSON(w, messageResponse{Message: "Script deleted successfully"})
}

func (e *engine) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := e.agg.Stats(r.Context())
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, stats)
}

func (e *engine) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultActivityLimit)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	e.respondActivity(w, r, func(ctx context.Context) ([]*scripts.Activity, error) {
		return e.trail.Recent(ctx, limit)
	})
}

func (e *engine) handleUserActivity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		web.RespondJSONError(w, r, fmt.Errorf("%w: invalid user id %q", web.ErrBadRequest, r.PathValue("id")))
		return
	}
	limit, err := parseLimit(r, defaultActivityLimit)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	e.respondActivity(w, r, func(ctx context.Context) ([]*scripts.Activity, error) {
		return e.trail.RecentByActor(ctx, id, limit)
	})
}

func (e *engine) respondActivity(w http.ResponseWriter, r *http.Request, list func(context.Context) ([]*scripts.Activity, error)) {
	entries, err := list(r.Context())
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	resolved, err := e.trail.Resolve(r.Context(), entries)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, resolved)
}

type countResponse struct {
	Count int `json:"count"`
}

func (e *engine) handleUsersCount(w http.ResponseWriter, r *http.Request) {
	stats, err := e.agg.Stats(r.Context())
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, countResponse{Count: stats.ActiveUsers})
}

func (e *engine) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	bs, err := e.store.GetBotStatus(r.Context())
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, bs)
}

func (e *engine) handleBotRestart(w http.ResponseWriter, r *http.Request) {
	if err := e.svc.RecordEvent(r.Context(), nil, scripts.ActionBotRestart, "Bot restart requested from dashboard", web.ClientAddr(r), r.UserAgent()); err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	if e.tgToken != "" {
		if err := e.connect(r.Context()); err != nil {
			web.Logger(r.Context()).Error("reconnecting bot", "err", err)
		}
	}
	web.RespondJSON(w, messageResponse{Message: "Bot restart initiated"})
}

const webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

func (e *engine) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if e.tgToken == "" {
		web.RespondJSONError(w, r, web.ErrNotFound)
		return
	}
	// Without a configured secret anyone could forge updates.
	if !e.whSecret.IsSet() || !secret.New(r.Header.Get(webhookSecretHeader)).Equal(e.whSecret) {
		web.RespondJSONError(w, r, web.ErrUnauthorized)
		return
	}

	u, err := web.DecodeJSON[telegram.Update](r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	e.setConnected(r.Context(), true)
	if err := e.handleUpdate(r.Context(), u); err != nil {
		// Telegram redelivers updates answered with an error, which would
		// repeat the command.
		web.Logger(r.Context()).Error("handling update", "update_id", u.UpdateID, "err", err)
	}
	web.RespondJSON(w, map[string]string{"status": "success"})
}

func (e *engine) storeHealth(ctx context.Context) (string, bool) {
	if _, err := e.store.CountScripts(ctx); err != nil {
		return err.Error(), false
	}
	if vs, ok := e.store.(interface{ SchemaVersion() (uint, error) }); ok {
		version, err := vs.SchemaVersion()
		if err != nil {
			return err.Error(), false
		}
		return fmt.Sprintf("ok, schema version %d", version), true
	}
	return "ok", true
}

func (e *engine) botHealth(context.Context) (string, bool) {
	switch {
	case e.tgToken == "":
		return "disabled", true
	case e.connected.Load():
		return "connected", true
	default:
		return "disconnected", false
	}
}

// parseLimit returns the limit query parameter, or def if it is absent or
// zero. Limits above maxLimit are clamped.
func parseLimit(r *http.Request, def int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid limit %q", web.ErrBadRequest, s)
	}
	if n == 0 {
		return def, nil
	}
	return min(n, maxLimit), nil
}

// statusErr maps core errors to HTTP status errors.
func statusErr(err error) error {
	switch {
	case errors.Is(err, scripts.ErrNotFound):
		return fmt.Errorf("script not found: %w", web.ErrNotFound)
	case errors.Is(err, scripts.ErrConflict):
		return fmt.Errorf("%w: %v", web.ErrConflict, err)
	case errors.Is(err, scripts.ErrForbidden):
		return web.ErrForbidden
	}
	return err
}

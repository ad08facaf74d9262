// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.astrophena.name/scriptgate/internal/cli"
	"go.astrophena.name/scriptgate/internal/httplogger"
	"go.astrophena.name/scriptgate/internal/logger"
	"go.astrophena.name/scriptgate/internal/metrics"
	"go.astrophena.name/scriptgate/internal/scripts"
	"go.astrophena.name/scriptgate/internal/secret"
	"go.astrophena.name/scriptgate/internal/store"
	"go.astrophena.name/scriptgate/internal/systemd"
	"go.astrophena.name/scriptgate/internal/telegram"
	"go.astrophena.name/scriptgate/internal/util/syncx"
	"go.astrophena.name/scriptgate/internal/web"
)

func main() { cli.Main(new(engine)) }

const defaultAddr = "localhost:3000"

func (e *engine) Flags(fs *flag.FlagSet) {
	fs.StringVar(&e.addr, "addr", "", "Listen on `host:port` (default "+defaultAddr+").")
	fs.StringVar(&e.host, "host", "", "Public `host` or base URL used in script links and the webhook.")
	fs.StringVar(&e.tgToken, "tg-token", "", "Telegram Bot API `token`.")
	fs.StringVar(&e.tgSecret, "tg-secret", "", "Secret `token` expected in webhook requests.")
	fs.BoolVar(&e.prod, "prod", false, "Run in production mode: receive updates through a webhook.")
	fs.StringVar(&e.storeKind, "store", "", "Storage `kind`: memory or sqlite (default memory).")
	fs.StringVar(&e.sqliteDSN, "sqlite-dsn", "", "SQLite data source `name` (default in-memory).")
	fs.StringVar(&e.logLevelName, "log-level", "", "Log `level`: debug, info, warn or error (default info).")
}

func (e *engine) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	// Flags take precedence over environment variables.
	e.addr = cmp.Or(e.addr, env.Getenv("ADDR"), defaultAddr)
	e.host = cmp.Or(e.host, env.Getenv("HOST"))
	e.tgToken = cmp.Or(e.tgToken, env.Getenv("TG_TOKEN"))
	e.tgSecret = cmp.Or(e.tgSecret, env.Getenv("TG_SECRET"))
	e.prod = e.prod || parseBool(env.Getenv("PROD"))
	e.storeKind = cmp.Or(e.storeKind, env.Getenv("STORE"), store.KindMemory)
	e.sqliteDSN = cmp.Or(e.sqliteDSN, env.Getenv("SQLITE_DSN"))
	e.logLevelName = cmp.Or(e.logLevelName, env.Getenv("LOG_LEVEL"))

	switch e.storeKind {
	case store.KindMemory, store.KindSQLite:
	default:
		return fmt.Errorf("%w: unknown store %q", cli.ErrInvalidArgs, e.storeKind)
	}

	e.stderr = env.Stderr
	e.getenv = env.Getenv

	if err := e.init.Get(func() error {
		return e.doInit(ctx)
	}); err != nil {
		return err
	}
	defer e.store.Close()

	// Used in tests.
	if e.noServerStart {
		return nil
	}

	if e.tgToken != "" {
		if e.prod {
			if err := e.setWebhook(ctx); err != nil {
				return err
			}
			e.log.Info("running in production mode", "webhook", e.baseURL()+"/telegram")
		} else {
			e.log.Info("running in development mode: polling for updates")
			go e.poll(ctx)
		}
	} else {
		e.log.Warn("no Telegram token configured, the bot is disabled")
	}

	go systemd.WatchdogLoop(ctx, e.getenv, e.log)
	return e.srv.ListenAndServe(ctx)
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

type engine struct {
	init syncx.Lazy[error] // main initialization

	// initialized by doInit
	agg       *scripts.Aggregator
	gate      *scripts.Gate
	handler   http.Handler
	health    *web.HealthHandler
	log       *slog.Logger
	logLevel  slog.LevelVar
	logStream logger.Streamer
	metrics   *metrics.Metrics
	scrubber  *strings.Replacer
	srv       *web.Server
	store     scripts.Storage
	svc       *scripts.Service
	tg        *telegram.Client
	trail     *scripts.Trail
	whSecret  secret.Value

	// bot state
	connected   atomic.Bool
	botUsername atomic.Pointer[string] // without @, obtained from getMe

	// configuration, read-only after initialization
	addr         string
	getenv       func(string) string
	host         string
	httpc        *http.Client
	logLevelName string
	prod         bool
	sqliteDSN    string
	stderr       io.Writer
	storeKind    string
	tgSecret     string
	tgToken      string

	// for tests
	noServerStart bool
	now           func() time.Time
	newToken      scripts.TokenFunc
	tgAPI         string
	pollTimeout   time.Duration
	ready         func(addr string) // see web.Server.Ready
}

const (
	logLineLimit       = 300
	defaultPollTimeout = 30 * time.Second
	pollBackoff        = 5 * time.Second
)

func (e *engine) doInit(ctx context.Context) error {
	if e.httpc == nil {
		// Long polling holds requests for up to defaultPollTimeout.
		e.httpc = &http.Client{Timeout: defaultPollTimeout + 30*time.Second}
	}
	if e.stderr == nil {
		e.stderr = os.Stderr
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.pollTimeout == 0 {
		e.pollTimeout = defaultPollTimeout
	}
	if e.getenv == nil {
		e.getenv = os.Getenv
	}

	token := secret.New(e.tgToken)
	e.whSecret = secret.New(e.tgSecret)
	e.scrubber = secret.Scrubber(token, e.whSecret)
	e.logStream = logger.NewStreamer(logLineLimit)
	if err := logger.ParseLevel(&e.logLevel, e.logLevelName); err != nil {
		return fmt.Errorf("%w: invalid log level %q", cli.ErrInvalidArgs, e.logLevelName)
	}
	e.log = logger.New(&e.logLevel, e.scrubber, e.stderr, e.logStream)

	hc := *e.httpc
	hc.Transport = httplogger.New(hc.Transport, e.log)
	e.httpc = &hc

	st, err := store.Open(ctx, e.storeKind, e.sqliteDSN, e.now)
	if err != nil {
		return err
	}
	e.store = st
	e.svc = scripts.NewService(st, e.newToken)
	e.gate = scripts.NewGate(st, e.now)
	e.agg = scripts.NewAggregator(st, e.now(), e.now)
	e.trail = scripts.NewTrail(st)
	e.metrics = metrics.New()

	e.tg = &telegram.Client{
		Token:      token,
		BaseURL:    e.tgAPI,
		HTTPClient: e.httpc,
		Scrubber:   e.scrubber,
	}
	if token.IsSet() {
		if err := st.UpdateBotStatus(ctx, scripts.BotStatusUpdate{Token: &token}); err != nil {
			return err
		}
		// The dashboard shows the bot as disconnected until getMe succeeds.
		if err := e.connect(ctx); err != nil {
			e.log.Error("connecting to Telegram", "err", err)
		}
	}

	e.initRoutes()
	e.srv = &web.Server{
		Addr:    e.addr,
		Handler: e.handler,
		Logger:  e.log,
		Ready: func(addr string) {
			if err := systemd.Notify(e.getenv, systemd.Ready); err != nil {
				e.log.Error("notifying systemd", "err", err)
			}
			if e.ready != nil {
				e.ready(addr)
			}
		},
	}

	return nil
}

// connect checks the bot token with getMe and records the result in the bot
// status.
func (e *engine) connect(ctx context.Context) error {
	me, err := e.tg.GetMe(ctx)
	if err != nil {
		e.setConnected(ctx, false)
		return err
	}
	e.botUsername.Store(&me.Username)
	e.connected.Store(true)
	if err := e.store.UpdateBotStatus(ctx, scripts.BotStatusUpdate{
		Connected:    scripts.Ptr(true),
		Username:     scripts.Ptr("@" + me.Username),
		LastActivity: scripts.Ptr(e.now()),
	}); err != nil {
		return err
	}
	e.log.Info("bot connected", "username", "@"+me.Username)
	return nil
}

// setConnected records a change of the bot connectivity.
func (e *engine) setConnected(ctx context.Context, connected bool) {
	if e.connected.Swap(connected) == connected {
		return
	}
	if err := e.store.UpdateBotStatus(ctx, scripts.BotStatusUpdate{Connected: &connected}); err != nil {
		e.log.Error("updating bot status", "err", err)
	}
}

var (
	errNoHost   = errors.New("host hasn't set; pass it with -host flag or HOST environment variable")
	errNoSecret = errors.New("webhook secret hasn't set; pass it with -tg-secret flag or TG_SECRET environment variable")
)

func (e *engine) setWebhook(ctx context.Context) error {
	if e.host == "" {
		return errNoHost
	}
	if !e.whSecret.IsSet() {
		return errNoSecret
	}
	return e.tg.SetWebhook(ctx, e.baseURL()+"/telegram", e.whSecret.Reveal())
}

// baseURL returns the public URL of the service without a trailing slash.
func (e *engine) baseURL() string {
	switch {
	case e.host == "":
		return "http://" + e.addr
	case strings.Contains(e.host, "://"):
		return strings.TrimSuffix(e.host, "/")
	default:
		return "https://" + strings.TrimSuffix(e.host, "/")
	}
}

func (e *engine) scriptURL(token string) string { return e.baseURL() + "/s/" + token }

// poll receives updates with getUpdates until ctx is canceled.
func (e *engine) poll(ctx context.Context) {
	if err := e.tg.DeleteWebhook(ctx); err != nil {
		e.log.Error("deleting webhook", "err", err)
	}

	var offset int64
	for {
		updates, err := e.tg.GetUpdates(ctx, offset, e.pollTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.log.Error("polling for updates", "err", err)
			e.setConnected(ctx, false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollBackoff):
			}
			continue
		}
		e.setConnected(ctx, true)

		for _, u := range updates {
			offset = max(offset, u.UpdateID+1)
			if err := e.handleUpdate(ctx, u); err != nil {
				e.log.Error("handling update", "update_id", u.UpdateID, "err", err)
			}
		}
	}
}

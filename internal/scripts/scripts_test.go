// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package scripts_test

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/scriptgate/internal/scripts"
	"go.astrophena.name/scriptgate/internal/store"
	"go.astrophena.name/scriptgate/internal/testutil"
	"go.astrophena.name/scriptgate/internal/util/syncx"
)

var epoch = time.Date(2025, time.March, 14, 15, 0, 0, 0, time.Local)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type env struct {
	clock *clock
	store scripts.Storage
	svc   *scripts.Service
	gate  *scripts.Gate
	agg   *scripts.Aggregator
	trail *scripts.Trail
}

func newEnv(t *testing.T, newToken scripts.TokenFunc) *env {
	t.Helper()
	return newEnvOn(t, store.KindMemory, newToken)
}

// newEnvOn is like newEnv, but backed by the storage of the given kind.
func newEnvOn(t *testing.T, kind string, newToken scripts.TokenFunc) *env {
	t.Helper()
	c := &clock{t: epoch}
	s, err := store.Open(t.Context(), kind, "", c.Now)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return &env{
		clock: c,
		store: s,
		svc:   scripts.NewService(s, newToken),
		gate:  scripts.NewGate(s, c.Now),
		agg:   scripts.NewAggregator(s, epoch, c.Now),
		trail: scripts.NewTrail(s),
	}
}

// forEachStore runs f as a subtest against every storage kind.
func forEachStore(t *testing.T, f func(t *testing.T, kind string)) {
	for _, kind := range []string{store.KindMemory, store.KindSQLite} {
		t.Run(kind, func(t *testing.T) { f(t, kind) })
	}
}

func sequentialTokens(tokens ...string) scripts.TokenFunc {
	var (
		mu sync.Mutex
		i  int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(tokens) {
			return "", errors.New("out of tokens")
		}
		tok := tokens[i]
		i++
		return tok, nil
	}
}

var alice = scripts.Sender{ExternalID: "42", Username: "alice", FirstName: "Alice"}

func TestNewToken(t *testing.T) {
	valid := regexp.MustCompile(`^[0-9a-f]{16}$`)
	seen := make(map[string]bool)
	for range 1000 {
		tok, err := scripts.NewToken()
		if err != nil {
			t.Fatal(err)
		}
		if !valid.MatchString(tok) {
			t.Fatalf("token %q is not 16 lowercase hex characters", tok)
		}
		if seen[tok] {
			t.Fatalf("token %q issued twice", tok)
		}
		seen[tok] = true
	}
}

func TestAllowedClient(t *testing.T) {
	cases := map[string]bool{
		"RobloxStudio/1.0": true,
		"Roblox/WinInet":   true,
		"RobloxApp/0.601":  true,
		"HttpGet":          true,
		"RCC-Service":      true,
		"roblox-linux":     true,
		"ROBLOX":           true,
		"Mozilla/5.0":      false,
		"curl/8.5.0":       false,
		"":                 false,
		"rcc-service":      false,
	}
	for clientID, want := range cases {
		t.Run(clientID, func(t *testing.T) {
			testutil.AssertEqual(t, scripts.AllowedClient(clientID), want)
		})
	}
}

func TestScenario(t *testing.T) {
	e := newEnv(t, sequentialTokens("t1"))
	ctx := t.Context()

	u, err := e.store.CreateUser(ctx, scripts.NewUser{ExternalID: "42", Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	sc, owner, err := e.svc.Protect(ctx, alice, "print(1)")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, owner.ID, u.ID)
	testutil.AssertEqual(t, sc.Token, "t1")

	got, err := e.store.GetScriptByToken(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got.Content, "print(1)")
	testutil.AssertEqual(t, got.DownloadCount, int64(0))

	content, err := e.gate.Serve(ctx, "t1", "RobloxStudio/1.0", "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, content, "print(1)")
	testutil.AssertEqual(t, downloads(t, e, "t1"), int64(1))

	if _, err := e.gate.Serve(ctx, "t1", "Mozilla/5.0", "1.2.3.4"); !errors.Is(err, scripts.ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	testutil.AssertEqual(t, downloads(t, e, "t1"), int64(1))
}

func downloads(t *testing.T, e *env, token string) int64 {
	t.Helper()
	sc, err := e.store.GetScriptByToken(t.Context(), token)
	if err != nil {
		t.Fatal(err)
	}
	return sc.DownloadCount
}

func activityCount(t *testing.T, e *env) int {
	t.Helper()
	list, err := e.store.ListActivity(t.Context(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	return len(list)
}

func TestGateServe(t *testing.T) {
	forEachStore(t, func(t *testing.T, kind string) {
		t.Run("unknown token", func(t *testing.T) {
			e := newEnvOn(t, kind, nil)
			before, _ := e.store.GetBotStatus(t.Context())

			_, err := e.gate.Serve(t.Context(), "missing", "Roblox", "1.2.3.4")
			if !errors.Is(err, scripts.ErrNotFound) {
				t.Fatalf("want ErrNotFound, got %v", err)
			}
			testutil.AssertEqual(t, activityCount(t, e), 0)
			after, _ := e.store.GetBotStatus(t.Context())
			testutil.AssertEqual(t, after, before)
		})

		t.Run("blocked", func(t *testing.T) {
			e := newEnvOn(t, kind, sequentialTokens("tok"))
			sc, _, err := e.svc.Protect(t.Context(), alice, "print(1)")
			if err != nil {
				t.Fatal(err)
			}
			before := activityCount(t, e)
			later := epoch.Add(time.Minute)
			e.clock.Set(later)

			content, err := e.gate.Serve(t.Context(), "tok", "Mozilla/5.0", "5.6.7.8")
			if !errors.Is(err, scripts.ErrForbidden) {
				t.Fatalf("want ErrForbidden, got %v", err)
			}
			testutil.AssertEqual(t, content, "")
			testutil.AssertEqual(t, downloads(t, e, "tok"), int64(0))
			testutil.AssertEqual(t, activityCount(t, e), before+1)

			list, err := e.trail.Recent(t.Context(), 1)
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, list[0], &scripts.Activity{
				ID:        list[0].ID,
				ScriptID:  &sc.ID,
				Action:    scripts.ActionAccessBlocked,
				Details:   "Blocked access from non-Roblox user agent: Mozilla/5.0",
				Addr:      "5.6.7.8",
				ClientID:  "Mozilla/5.0",
				CreatedAt: later,
			})
		})

		t.Run("allowed", func(t *testing.T) {
			e := newEnvOn(t, kind, sequentialTokens("tok"))
			sc, owner, err := e.svc.Protect(t.Context(), alice, "print(1)")
			if err != nil {
				t.Fatal(err)
			}
			before := activityCount(t, e)
			later := epoch.Add(time.Hour)
			e.clock.Set(later)

			content, err := e.gate.Serve(t.Context(), "tok", "roblox/linux", "1.2.3.4")
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, content, "print(1)")
			testutil.AssertEqual(t, downloads(t, e, "tok"), int64(1))
			testutil.AssertEqual(t, activityCount(t, e), before+1)

			list, err := e.trail.Recent(t.Context(), 1)
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, list[0], &scripts.Activity{
				ID:        list[0].ID,
				ActorID:   &owner.ID,
				ScriptID:  &sc.ID,
				Action:    scripts.ActionScriptDownloaded,
				Details:   "Script tok downloaded successfully",
				Addr:      "1.2.3.4",
				ClientID:  "roblox/linux",
				CreatedAt: later,
			})

			bs, err := e.store.GetBotStatus(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, bs.LastActivity, later)
		})

		t.Run("concurrent downloads", func(t *testing.T) {
			e := newEnvOn(t, kind, sequentialTokens("tok"))
			if _, _, err := e.svc.Protect(t.Context(), alice, "print(1)"); err != nil {
				t.Fatal(err)
			}
			const k = 50
			lwg := syncx.NewLimitedWaitGroup(10)
			for range k {
				lwg.Go(func() {
					if _, err := e.gate.Serve(t.Context(), "tok", "Roblox", "1.2.3.4"); err != nil {
						t.Error(err)
					}
				})
			}
			lwg.Wait()
			testutil.AssertEqual(t, downloads(t, e, "tok"), int64(k))
		})
	})
}

func TestAggregatorStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, kind string) {
		e := newEnvOn(t, kind, sequentialTokens("a", "b", "c"))
		ctx := t.Context()

		// A download late yesterday must not count today.
		e.clock.Set(time.Date(2025, time.March, 13, 23, 59, 59, 0, time.Local))
		if _, _, err := e.svc.Protect(ctx, alice, "one"); err != nil {
			t.Fatal(err)
		}
		if _, err := e.gate.Serve(ctx, "a", "Roblox", ""); err != nil {
			t.Fatal(err)
		}

		e.clock.Set(time.Date(2025, time.March, 14, 0, 0, 0, 0, time.Local))
		if _, _, err := e.svc.Protect(ctx, alice, "two"); err != nil {
			t.Fatal(err)
		}
		if _, _, err := e.svc.Protect(ctx, scripts.Sender{ExternalID: "43"}, "three"); err != nil {
			t.Fatal(err)
		}
		// Registered users without scripts are not active users.
		if _, err := e.svc.EnsureUser(ctx, scripts.Sender{ExternalID: "44"}); err != nil {
			t.Fatal(err)
		}
		for _, tok := range []string{"a", "b", "c"} {
			if _, err := e.gate.Serve(ctx, tok, "Roblox", ""); err != nil {
				t.Fatal(err)
			}
		}
		// Blocked fetches are not downloads.
		if _, err := e.gate.Serve(ctx, "a", "curl", ""); !errors.Is(err, scripts.ErrForbidden) {
			t.Fatal(err)
		}

		e.clock.Set(epoch.Add(time.Hour + 2*time.Minute + 3*time.Second + 400*time.Millisecond))
		stats, err := e.agg.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, stats, &scripts.DashboardStats{
			TotalScripts:   3,
			ActiveUsers:    2,
			TodayDownloads: 3,
			UptimeSeconds:  3723,
			Uptime:         "1h2m3s",
		})
	})
}

func TestServiceProtect(t *testing.T) {
	t.Run("creates user and script", func(t *testing.T) {
		e := newEnv(t, sequentialTokens("abc"))
		sc, u, err := e.svc.Protect(t.Context(), scripts.Sender{ExternalID: "7"}, "print(1)")
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, u.Username, "user_7")
		testutil.AssertEqual(t, sc.Title, "Script abc")
		testutil.AssertEqual(t, sc.Description, "Script created by user_7")

		list, err := e.trail.RecentByActor(t.Context(), u.ID, 10)
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, len(list), 1)
		testutil.AssertEqual(t, list[0].Action, scripts.ActionScriptCreated)
		testutil.AssertEqual(t, list[0].Details, "Script abc created")
	})

	t.Run("display name", func(t *testing.T) {
		e := newEnv(t, sequentialTokens("abc"))
		sc, u, err := e.svc.Protect(t.Context(), alice, "print(1)")
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, u.DisplayName, "Alice")
		testutil.AssertEqual(t, sc.Description, "Script created by Alice")
	})

	t.Run("empty", func(t *testing.T) {
		e := newEnv(t, nil)
		if _, _, err := e.svc.Protect(t.Context(), alice, "  \n"); !errors.Is(err, scripts.ErrEmptyScript) {
			t.Fatalf("want ErrEmptyScript, got %v", err)
		}
	})

	t.Run("duplicate content", func(t *testing.T) {
		e := newEnv(t, sequentialTokens("a", "b", "c"))
		if _, _, err := e.svc.Protect(t.Context(), alice, "print(1)"); err != nil {
			t.Fatal(err)
		}
		if _, _, err := e.svc.Protect(t.Context(), alice, "print(1)"); !errors.Is(err, scripts.ErrDuplicateScript) {
			t.Fatalf("want ErrDuplicateScript, got %v", err)
		}
		// Other users may protect the same content.
		if _, _, err := e.svc.Protect(t.Context(), scripts.Sender{ExternalID: "43"}, "print(1)"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("token collision is retried", func(t *testing.T) {
		e := newEnv(t, sequentialTokens("same", "same", "same", "fresh"))
		if _, _, err := e.svc.Protect(t.Context(), alice, "one"); err != nil {
			t.Fatal(err)
		}
		sc, _, err := e.svc.Protect(t.Context(), alice, "two")
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, sc.Token, "fresh")
	})

	t.Run("token collisions give up", func(t *testing.T) {
		e := newEnv(t, sequentialTokens("same", "same", "same", "same", "same", "same"))
		if _, _, err := e.svc.Protect(t.Context(), alice, "one"); err != nil {
			t.Fatal(err)
		}
		if _, _, err := e.svc.Protect(t.Context(), alice, "two"); !errors.Is(err, scripts.ErrConflict) {
			t.Fatalf("want ErrConflict, got %v", err)
		}
	})

	t.Run("concurrent tokens are unique", func(t *testing.T) {
		e := newEnv(t, nil)
		const n = 50
		lwg := syncx.NewLimitedWaitGroup(10)
		for i := range n {
			lwg.Go(func() {
				from := scripts.Sender{ExternalID: fmt.Sprint(i % 5)}
				if _, _, err := e.svc.Protect(t.Context(), from, fmt.Sprintf("print(%d)", i)); err != nil {
					t.Error(err)
				}
			})
		}
		lwg.Wait()

		recent, err := e.store.ListRecentScripts(t.Context(), n)
		if err != nil {
			t.Fatal(err)
		}
		seen := make(map[string]bool)
		for _, sw := range recent {
			if seen[sw.Token] {
				t.Fatalf("token %s issued twice", sw.Token)
			}
			seen[sw.Token] = true
		}
		testutil.AssertEqual(t, len(seen), n)
	})
}

func TestServiceEnsureUser(t *testing.T) {
	e := newEnv(t, nil)
	first, err := e.svc.EnsureUser(t.Context(), alice)
	if err != nil {
		t.Fatal(err)
	}
	again, err := e.svc.EnsureUser(t.Context(), scripts.Sender{ExternalID: "42", Username: "renamed"})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, again, first)
}

func TestServiceScriptInfo(t *testing.T) {
	e := newEnv(t, sequentialTokens("mine"))
	if _, _, err := e.svc.Protect(t.Context(), alice, "print(1)"); err != nil {
		t.Fatal(err)
	}

	sc, _, err := e.svc.ScriptInfo(t.Context(), alice, "mine")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, sc.Content, "print(1)")

	mallory := scripts.Sender{ExternalID: "666"}
	if _, _, err := e.svc.ScriptInfo(t.Context(), mallory, "mine"); !errors.Is(err, scripts.ErrNotFound) {
		t.Fatalf("foreign script: want ErrNotFound, got %v", err)
	}
	if _, _, err := e.svc.ScriptInfo(t.Context(), alice, "nope"); !errors.Is(err, scripts.ErrNotFound) {
		t.Fatalf("unknown script: want ErrNotFound, got %v", err)
	}
}

func TestServiceUserScripts(t *testing.T) {
	e := newEnv(t, sequentialTokens("a", "b"))
	list, u, err := e.svc.UserScripts(t.Context(), alice)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(list), 0)

	for _, content := range []string{"one", "two"} {
		if _, _, err := e.svc.Protect(t.Context(), alice, content); err != nil {
			t.Fatal(err)
		}
	}
	list, _, err = e.svc.UserScripts(t.Context(), alice)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(list), 2)
	testutil.AssertEqual(t, list[0].Token, "a")

	acts, err := e.trail.RecentByActor(t.Context(), u.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, acts[0].Action, scripts.ActionScriptsListed)
}

func TestServiceDeleteAndDanglingTrail(t *testing.T) {
	e := newEnv(t, sequentialTokens("gone", "kept"))
	ctx := t.Context()
	for _, content := range []string{"one", "two"} {
		if _, _, err := e.svc.Protect(ctx, alice, content); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.gate.Serve(ctx, "gone", "Roblox", ""); err != nil {
		t.Fatal(err)
	}

	if err := e.svc.Delete(ctx, "gone", "9.9.9.9", "admin"); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.Delete(ctx, "gone", "9.9.9.9", "admin"); !errors.Is(err, scripts.ErrNotFound) {
		t.Fatalf("second delete: want ErrNotFound, got %v", err)
	}

	recent, err := e.trail.Recent(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := e.trail.Resolve(ctx, recent)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(resolved), len(recent))

	var sawDeleted, sawKept bool
	for _, ra := range resolved {
		switch ra.Action {
		case scripts.ActionScriptDeleted:
			sawDeleted = true
			testutil.AssertEqual(t, ra.Addr, "9.9.9.9")
			testutil.AssertEqual(t, ra.ScriptToken, (*string)(nil))
		case scripts.ActionScriptCreated:
			if ra.Details == "Script kept created" {
				sawKept = true
				testutil.AssertEqual(t, *ra.ScriptToken, "kept")
			} else {
				testutil.AssertEqual(t, ra.ScriptToken, (*string)(nil))
			}
		}
	}
	if !sawDeleted || !sawKept {
		t.Fatalf("missing entries in %+v", resolved)
	}
}

func TestTrailRecordRequiresAction(t *testing.T) {
	e := newEnv(t, nil)
	if _, err := e.trail.Record(t.Context(), scripts.NewActivity{}); err == nil {
		t.Fatal("recording an entry without action must fail")
	}
	if err := e.svc.RecordEvent(t.Context(), nil, scripts.ActionBotRestart, "Bot restart requested from dashboard", "", ""); err != nil {
		t.Fatal(err)
	}
	list, err := e.trail.Recent(t.Context(), 1)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, list[0].ActorID, (*int64)(nil))
	testutil.AssertEqual(t, list[0].Action, scripts.ActionBotRestart)
}

// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	tu "go.astrophena.name/scriptgate/internal/testutil"
)

func TestInstrument(t *testing.T) {
	m := New()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /s/{token}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("token") == "missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("print(1)"))
	})
	h := m.Instrument(mux)

	for _, path := range []string{"/s/a", "/s/b", "/s/missing", "/nope"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	tu.AssertEqual(t, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "GET /s/{token}", "200")), 2.0)
	tu.AssertEqual(t, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "GET /s/{token}", "404")), 1.0)
	tu.AssertEqual(t, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "unmatched", "404")), 1.0)
}

func TestCounters(t *testing.T) {
	m := New()

	m.IncFetch(FetchServed)
	m.IncFetch(FetchServed)
	m.IncFetch(FetchBlocked)
	m.IncScriptCreated()
	m.IncBotUpdate("protect")
	m.IncBotSendError()

	tu.AssertEqual(t, testutil.ToFloat64(m.fetches.WithLabelValues(FetchServed)), 2.0)
	tu.AssertEqual(t, testutil.ToFloat64(m.fetches.WithLabelValues(FetchBlocked)), 1.0)
	tu.AssertEqual(t, testutil.ToFloat64(m.scriptsCreated), 1.0)
	tu.AssertEqual(t, testutil.ToFloat64(m.botUpdates.WithLabelValues("protect")), 1.0)
	tu.AssertEqual(t, testutil.ToFloat64(m.botSendErrors), 1.0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `scriptgate_fetches_total{outcome="blocked"} 1`) {
		t.Fatalf("exposition is missing fetch counter:\n%s", rec.Body.String())
	}
}

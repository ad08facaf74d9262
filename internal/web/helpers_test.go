// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func send(t testing.TB, h http.Handler, method, path string, wantStatus int) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != wantStatus {
		t.Fatalf("%s %s: want response code %d, got %d (body %q)", method, path, wantStatus, rec.Code, rec.Body.String())
	}
	return rec
}

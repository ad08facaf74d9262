// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"go.astrophena.name/scriptgate/internal/testutil"
)

func TestRespondJSONError(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err        error
		wantStatus int
		wantError  string
		wantLogged bool
	}{
		"not found": {
			err:        fmt.Errorf("script %q: %w", "abc", ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantError:  `script "abc": not found`,
		},
		"forbidden": {
			err:        ErrForbidden,
			wantStatus: http.StatusForbidden,
			wantError:  "forbidden",
		},
		"plain error is internal": {
			err:        errors.New("database is on fire"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal server error",
			wantLogged: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var logs bytes.Buffer
			log := slog.New(slog.NewTextHandler(&logs, nil))

			h := WithLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				RespondJSONError(w, r, tc.err)
			}))
			rec := send(t, h, http.MethodGet, "/", tc.wantStatus)

			testutil.AssertEqual(t, rec.Header().Get("Content-Type"), "application/json")
			resp := testutil.UnmarshalJSON[errorResponse](t, rec.Body.Bytes())
			testutil.AssertEqual(t, resp, errorResponse{Status: "error", Error: tc.wantError})
			testutil.AssertEqual(t, strings.Contains(logs.String(), "database is on fire"), tc.wantLogged)
		})
	}
}

func TestRespondJSONErrorRequestID(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RespondJSONError(w, r, errors.New("database is on fire"))
	}), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))), RequestID)
	rec := send(t, h, http.MethodGet, "/", http.StatusInternalServerError)

	id := rec.Header().Get(RequestIDHeader)
	resp := testutil.UnmarshalJSON[errorResponse](t, rec.Body.Bytes())
	testutil.AssertEqual(t, resp, errorResponse{Status: "error", Error: "internal server error", RequestID: id})
	testutil.AssertSubstring(t, logs.String(), "request_id="+id)
}

func TestRespondJSON(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, map[string]int{"count": 2})
	})
	rec := send(t, h, http.MethodGet, "/", http.StatusOK)
	testutil.AssertEqual(t, rec.Body.String(), "{\n  \"count\": 2\n}\n")

	h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, map[string]any{"bad": make(chan int)})
	})
	send(t, h, http.MethodGet, "/", http.StatusInternalServerError)
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	r, _ := http.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"print(1)"}`))
	v, err := DecodeJSON[struct {
		Content string `json:"content"`
	}](r)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, v.Content, "print(1)")

	r, _ = http.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	if _, err := DecodeJSON[map[string]any](r); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("want ErrBadRequest, got %v", err)
	}
}

// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package request_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.astrophena.name/scriptgate/internal/request"
	"go.astrophena.name/scriptgate/internal/testutil"
)

func TestMake(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /echo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "want JSON", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"success"}`))
	})
	mux.HandleFunc("GET /bottoken123/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusTooManyRequests)
	})
	mux.HandleFunc("GET /garbage", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	httpc := testutil.MockHTTPClient(mux)

	type message struct {
		Message string `json:"message"`
	}

	cases := map[string]struct {
		params     request.Params
		want       message
		wantStatus int
		wantErr    bool
	}{
		"success": {
			params: request.Params{Method: http.MethodPost, URL: "https://example.com/echo", Body: map[string]string{"k": "v"}},
			want:   message{Message: "success"},
		},
		"status error": {
			params: request.Params{
				Method:   http.MethodGet,
				URL:      "https://example.com/bottoken123/fail",
				Scrubber: strings.NewReplacer("token123", "[EXPUNGED]"),
			},
			wantStatus: http.StatusTooManyRequests,
			wantErr:    true,
		},
		"bad JSON": {
			params:  request.Params{Method: http.MethodGet, URL: "https://example.com/garbage"},
			wantErr: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tc.params.HTTPClient = httpc
			got, err := request.Make[message](t.Context(), tc.params)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if err != nil {
				if strings.Contains(err.Error(), "token123") {
					t.Errorf("secret leaked in error: %v", err)
				}
				var se *request.StatusError
				if tc.wantStatus != 0 {
					if !errors.As(err, &se) {
						t.Fatalf("want *request.StatusError, got %T", err)
					}
					testutil.AssertEqual(t, se.StatusCode, tc.wantStatus)
				}
				return
			}
			testutil.AssertEqual(t, got, tc.want)
		})
	}
}

func TestMakeIgnoreResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	})
	if _, err := request.Make[request.IgnoreResponse](t.Context(), request.Params{
		Method:     http.MethodGet,
		URL:        "https://example.com/",
		HTTPClient: testutil.MockHTTPClient(mux),
	}); err != nil {
		t.Fatal(err)
	}
}

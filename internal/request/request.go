// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package request provides utilities for making JSON HTTP requests.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/scriptgate/internal/version"
)

// DefaultClient is the [http.Client] used when Params.HTTPClient is nil.
var DefaultClient = &http.Client{
	Timeout: 10 * time.Second,
}

// Params defines the parameters of an HTTP request.
type Params struct {
	// Method is the HTTP method (GET, POST, etc.) for the request.
	Method string
	// URL is the target URL of the request.
	URL string
	// Headers are additional request headers.
	Headers map[string]string
	// Body is marshaled to JSON and sent as the request body, if not nil.
	Body any
	// HTTPClient is used to make the request. If nil, DefaultClient is used.
	HTTPClient *http.Client
	// Scrubber removes secrets from returned errors.
	Scrubber *strings.Replacer
}

// StatusError is returned when the server responds with a non-200 status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %q: want 200, got %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IgnoreResponse can be used as a type parameter of Make when the response
// body is not needed.
type IgnoreResponse struct{}

type scrubbedError struct {
	err      error
	scrubber *strings.Replacer
}

func (se *scrubbedError) Error() string {
	if se.scrubber != nil {
		return se.scrubber.Replace(se.err.Error())
	}
	return se.err.Error()
}

func (se *scrubbedError) Unwrap() error { return se.err }

// Make makes an HTTP request with the provided parameters and unmarshals the
// JSON response body into a value of type Response.
func Make[Response any](ctx context.Context, p Params) (Response, error) {
	var resp Response
	wrap := func(err error) error { return &scrubbedError{err: err, scrubber: p.Scrubber} }

	var body io.Reader
	if p.Body != nil {
		data, err := json.Marshal(p.Body)
		if err != nil {
			return resp, wrap(err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return resp, wrap(err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpc := DefaultClient
	if p.HTTPClient != nil {
		httpc = p.HTTPClient
	}

	res, err := httpc.Do(req)
	if err != nil {
		return resp, wrap(err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return resp, wrap(err)
	}

	if res.StatusCode != http.StatusOK {
		return resp, wrap(&StatusError{
			Method:     p.Method,
			URL:        p.URL,
			StatusCode: res.StatusCode,
			Body:       b,
		})
	}

	if _, ok := any(resp).(IgnoreResponse); ok {
		return resp, nil
	}
	if err := json.Unmarshal(b, &resp); err != nil {
		return resp, wrap(fmt.Errorf("decoding response of %s %q: %w", p.Method, p.URL, err))
	}
	return resp, nil
}

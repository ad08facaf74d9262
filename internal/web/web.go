// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package web is a collection of functions and types for building web services.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusErr is a sentinel error type used to represent HTTP status code errors.
type StatusErr int

// Error returns a lowercase representation of the HTTP status text.
func (se StatusErr) Error() string { return strings.ToLower(http.StatusText(int(se))) }

const (
	// ErrBadRequest represents a bad request error (HTTP 400).
	ErrBadRequest StatusErr = http.StatusBadRequest
	// ErrUnauthorized represents an unauthorized access error (HTTP 401).
	ErrUnauthorized StatusErr = http.StatusUnauthorized
	// ErrForbidden represents a forbidden access error (HTTP 403).
	ErrForbidden StatusErr = http.StatusForbidden
	// ErrNotFound represents a not found error (HTTP 404).
	ErrNotFound StatusErr = http.StatusNotFound
	// ErrConflict represents a conflict error (HTTP 409).
	ErrConflict StatusErr = http.StatusConflict
	// ErrInternalServerError represents an internal server error (HTTP 500).
	ErrInternalServerError StatusErr = http.StatusInternalServerError
)

type errorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondJSON marshals response as JSON and writes it to w with the status
// code 200.
func RespondJSON(w http.ResponseWriter, response any) {
	RespondJSONStatus(w, http.StatusOK, response)
}

// RespondJSONStatus marshals response as JSON and writes it to w with the
// provided status code.
func RespondJSONStatus(w http.ResponseWriter, code int, response any) {
	b, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"status":"error","error":%q}`+"\n", "JSON marshal error: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
	w.Write([]byte("\n"))
}

// RespondJSONError writes err to w as a JSON error response.
//
// If err is or wraps a [StatusErr], its code becomes the response status code.
// Otherwise the status is 500 and err is logged with the logger from the
// request context (see [WithLogger]). Details of internal errors are never
// written to the client; the request ID (see [RequestID]) is, so that the
// failure can be found in the logs.
//
//	// This responds with 404 (Not Found).
//	web.RespondJSONError(w, r, fmt.Errorf("script %q: %w", token, web.ErrNotFound))
func RespondJSONError(w http.ResponseWriter, r *http.Request, err error) {
	se := statusOf(r, err)
	msg := err.Error()
	if se == ErrInternalServerError {
		msg = se.Error()
	}
	RespondJSONStatus(w, int(se), &errorResponse{
		Status:    "error",
		Error:     msg,
		RequestID: GetRequestID(r.Context()),
	})
}

func statusOf(r *http.Request, err error) StatusErr {
	var se StatusErr
	if !errors.As(err, &se) {
		se = ErrInternalServerError
	}
	if se == ErrInternalServerError {
		Logger(r.Context()).Error("internal error", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	return se
}

// RespondText writes s to w as a plain text response.
func RespondText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	io.WriteString(w, s)
}

// DecodeJSON parses the request body into a value of type T. Malformed bodies
// result in an error wrapping [ErrBadRequest].
func DecodeJSON[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: decoding request body: %v", ErrBadRequest, err)
	}
	return v, nil
}

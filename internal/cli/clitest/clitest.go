// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package clitest provides utilities for testing command-line applications.
package clitest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"go.astrophena.name/scriptgate/internal/cli"
)

// AnyError can be used as Case.WantErr to accept any non-nil error.
var AnyError = errors.New("any error")

// Case is a single test case for a command-line application.
type Case[App cli.App] struct {
	// Args are the command-line arguments.
	Args []string
	// Stdin is the optional standard input.
	Stdin io.Reader
	// Env are the environment variables visible to the application.
	Env map[string]string
	// WantErr is the expected error, checked with errors.Is. AnyError accepts
	// any error.
	WantErr error
	// WantNothingPrinted indicates that stdout and stderr must stay empty.
	WantNothingPrinted bool
	// WantInStdout is the expected substring of stdout.
	WantInStdout string
	// WantInStderr is the expected substring of stderr.
	WantInStderr string
	// CheckFunc performs additional checks after the application has run.
	CheckFunc func(*testing.T, App)
}

// Run runs the test cases. setup is called once per case to build a fresh
// application.
func Run[App cli.App](t *testing.T, setup func(*testing.T) App, cases map[string]Case[App]) {
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			app := setup(t)

			stdin := tc.Stdin
			if stdin == nil {
				stdin = strings.NewReader("")
			}

			var stdout, stderr bytes.Buffer
			env := &cli.Env{
				Args:   tc.Args,
				Getenv: func(name string) string { return tc.Env[name] },
				Stdin:  stdin,
				Stdout: &stdout,
				Stderr: &stderr,
			}

			err := cli.Run(cli.WithEnv(context.Background(), env), app)

			switch {
			case err == nil && tc.WantErr != nil:
				t.Fatalf("must fail with error: %v", tc.WantErr)
			case err != nil && tc.WantErr == nil:
				t.Fatalf("unexpected error: %v", err)
			case err != nil && tc.WantErr != AnyError && !errors.Is(err, tc.WantErr):
				t.Fatalf("got error %v, want %v", err, tc.WantErr)
			}

			if tc.WantNothingPrinted {
				if stdout.Len() > 0 {
					t.Errorf("stdout must be empty, got: %q", stdout.String())
				}
				if stderr.Len() > 0 {
					t.Errorf("stderr must be empty, got: %q", stderr.String())
				}
			}
			if tc.WantInStdout != "" && !strings.Contains(stdout.String(), tc.WantInStdout) {
				t.Errorf("stdout must contain %q, got: %q", tc.WantInStdout, stdout.String())
			}
			if tc.WantInStderr != "" && !strings.Contains(stderr.String(), tc.WantInStderr) {
				t.Errorf("stderr must contain %q, got: %q", tc.WantInStderr, stderr.String())
			}

			if tc.CheckFunc != nil {
				tc.CheckFunc(t, app)
			}
		})
	}
}

// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package cli provides utilities for building command-line applications.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"go.astrophena.name/scriptgate/internal/util/syncx"
	"go.astrophena.name/scriptgate/internal/version"
)

// Main runs the application with the operating system environment, stopping
// it on SIGINT or SIGTERM, and exits with a non-zero code on failure.
func Main(app App) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := Run(WithEnv(ctx, OSEnv()), app)
	if err == nil {
		return
	}
	if isPrintableError(err) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}

type unprintableError struct{ err error }

func (e *unprintableError) Error() string { return e.err.Error() }
func (e *unprintableError) Unwrap() error { return e.err }

func isPrintableError(err error) bool {
	if errors.Is(err, flag.ErrHelp) {
		return false
	}
	var ue *unprintableError
	return !errors.As(err, &ue)
}

// ErrExitVersion is returned by Run after printing the version.
var ErrExitVersion = &unprintableError{errors.New("version flag exit")}

// ErrInvalidArgs indicates that the command-line arguments are invalid. Wrap it
// with a message explaining what is wrong:
//
//	return fmt.Errorf("%w: unknown store %q", cli.ErrInvalidArgs, name)
var ErrInvalidArgs = errors.New("invalid arguments")

// App is a command-line application.
type App interface {
	// Run runs the application. The environment is available with GetEnv.
	Run(context.Context) error
}

// HasFlags is an application that defines flags.
type HasFlags interface {
	App

	// Flags adds flags to the flag set. Environment variables are already
	// available through GetEnv when Flags is called.
	Flags(*flag.FlagSet)
}

// Env is the environment of an application.
type Env struct {
	Args   []string
	Getenv func(string) string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// OSEnv returns the current operating system environment.
func OSEnv() *Env {
	return &Env{
		Args:   os.Args[1:],
		Getenv: os.Getenv,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

type envKey struct{}

// WithEnv returns a copy of ctx carrying env.
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// GetEnv returns the environment stored in ctx, or the operating system
// environment if there is none.
func GetEnv(ctx context.Context) *Env {
	if env, ok := ctx.Value(envKey{}).(*Env); ok {
		return env
	}
	return OSEnv()
}

const envFileFlag = "env-file"

// Run parses flags and runs the application.
//
// Before the application defines its flags, a dotenv file passed with
// -env-file is merged into the environment. Variables already set in the
// environment take precedence over the file.
func Run(ctx context.Context, app App) error {
	env := GetEnv(ctx)
	name := version.CmdName()

	if path := envFilePath(env.Args); path != "" {
		vars, err := godotenv.Read(path)
		if err != nil {
			return fmt.Errorf("%w: reading env file: %v", ErrInvalidArgs, err)
		}
		env.Getenv = mergeEnv(env.Getenv, vars)
	}

	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	if fa, ok := app.(HasFlags); ok {
		fa.Flags(flags)
	}
	flags.String(envFileFlag, "", "Load environment variables from dotenv `file`.")
	var showVersion bool
	if flags.Lookup("version") == nil {
		flags.BoolVar(&showVersion, "version", false, "Show version.")
	}

	flags.Usage = usage(flags, env.Stderr)
	flags.SetOutput(env.Stderr)
	if err := flags.Parse(env.Args); err != nil {
		// Already printed by the flag package.
		return &unprintableError{err}
	}
	if showVersion {
		fmt.Fprint(env.Stderr, version.Version())
		return ErrExitVersion
	}
	env.Args = flags.Args()

	return app.Run(WithEnv(ctx, env))
}

func envFilePath(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, envFileFlag+"="); ok {
			return v
		}
		if name == envFileFlag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func mergeEnv(getenv func(string) string, vars map[string]string) func(string) string {
	return func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return vars[key]
	}
}

func usage(flags *flag.FlagSet, stderr io.Writer) func() {
	return func() {
		if docSrc != nil {
			fmt.Fprintf(stderr, "%s\n", doc.Get(parseDocComment))
		}
		fmt.Fprint(stderr, "Available flags:\n\n")
		flags.PrintDefaults()
	}
}

var (
	docSrc []byte
	doc    syncx.Lazy[string]
)

// SetDocComment sets the source of the application's doc comment, which is
// printed in the help message. src must contain a single /* ... */ block, like
// a doc.go file embedded with go:embed.
func SetDocComment(src []byte) { docSrc = src }

func parseDocComment() string {
	s := bufio.NewScanner(bytes.NewReader(docSrc))
	var (
		sb        strings.Builder
		inComment bool
	)
	for s.Scan() {
		line := s.Text()
		if line == "/*" {
			inComment = true
			continue
		}
		if line == "*/" {
			break
		}
		if inComment {
			sb.WriteString(line + "\n")
		}
	}
	return sb.String()
}

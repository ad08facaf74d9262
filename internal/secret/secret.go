// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package secret provides a string type for credentials that is masked when
// printed or marshaled.
package secret

import (
	"crypto/subtle"
	"log/slog"
	"strings"
)

// Masked is what a non-empty Value prints as.
const Masked = "[EXPUNGED]"

// Value holds a credential. Its String, GoString, LogValue and MarshalText
// methods never reveal it; use Reveal to get the plain text.
type Value struct{ s string }

// New returns a Value holding s.
func New(s string) Value { return Value{s: s} }

// Reveal returns the plain text of the credential.
func (v Value) Reveal() string { return v.s }

// IsSet reports whether the credential is non-empty.
func (v Value) IsSet() bool { return v.s != "" }

// Equal reports whether v and o hold the same credential. The comparison takes
// constant time for credentials of equal length.
func (v Value) Equal(o Value) bool {
	return subtle.ConstantTimeCompare([]byte(v.s), []byte(o.s)) == 1
}

func (v Value) String() string {
	if v.s == "" {
		return ""
	}
	return Masked
}

// GoString implements fmt.GoStringer so that %#v does not leak the value.
func (v Value) GoString() string { return "secret.Value(" + v.String() + ")" }

// LogValue implements slog.LogValuer.
func (v Value) LogValue() slog.Value { return slog.StringValue(v.String()) }

// MarshalText implements encoding.TextMarshaler.
func (v Value) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// Scrubber returns a replacer that masks every given non-empty credential.
func Scrubber(vs ...Value) *strings.Replacer {
	var oldnew []string
	for _, v := range vs {
		if v.IsSet() {
			oldnew = append(oldnew, v.s, Masked)
		}
	}
	return strings.NewReplacer(oldnew...)
}

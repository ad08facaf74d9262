// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package scripts

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TokenBytes is the number of random bytes in a token. Tokens are hex encoded,
// so they are twice as long.
const TokenBytes = 8

// TokenFunc generates a new token.
type TokenFunc func() (string, error)

// NewToken returns a URL-safe token of 16 hex characters drawn from
// crypto/rand.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

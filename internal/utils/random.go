// Package utils holds small helpers with no domain knowledge.
package utils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RandomToken returns a URL-safe token with the given number of random
// bytes of entropy. 32 bytes = 256 bits, enough for opaque linking tokens
// and session ids.
func RandomToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("utils: failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Package idgen mints cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// New returns a UUID-shaped random ID.
func New() string {
	b := randBytes(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix plus 24 random hex characters. Trades use
// "trd_", channels "ch_".
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randBytes(12))
}

// Hex returns a random hex string of numBytes random bytes. Invite
// tokens are minted this way.
func Hex(numBytes int) string {
	return hex.EncodeToString(randBytes(numBytes))
}

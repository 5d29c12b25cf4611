// Package wallet validates Solana wallet addresses.
package wallet

import (
	"strings"

	"github.com/mr-tron/base58"
)

// PublicKeyLen is the decoded length of an ed25519 public key.
const PublicKeyLen = 32

// Normalize trims surrounding whitespace from user-supplied text.
func Normalize(text string) string {
	return strings.TrimSpace(text)
}

// Valid reports whether addr is a syntactically plausible Solana address:
// 32 to 44 base58 characters decoding to exactly 32 bytes. It does not
// check that the key is on the curve or that the account exists.
func Valid(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return false
	}
	return len(raw) == PublicKeyLen
}

// Package token provides the bearer-token primitives used by the session
// layer: random token generation, bcrypt hashing and verification, and the
// prefix used as a cache key.
//
// The plaintext token is never persisted — only its bcrypt digest. The prefix
// is the first PrefixLen characters of the hex encoding and is used
// exclusively as a cache key; it carries no authentication weight on its own
// because every cache hit is confirmed by a full bcrypt comparison.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultTokenBytes is the number of random bytes per token.
	// Hex encoding doubles this for the wire length.
	DefaultTokenBytes = 32

	// DefaultBcryptCost is the bcrypt work factor for token hashes.
	DefaultBcryptCost = 12

	// PrefixLen is the number of leading hex characters used as a cache key.
	PrefixLen = 16
)

// Generator issues token/hash pairs with a fixed byte length and bcrypt cost.
type Generator struct {
	tokenBytes int
	bcryptCost int
}

// NewGenerator creates a token generator. Zero values fall back to defaults.
func NewGenerator(tokenBytes, bcryptCost int) *Generator {
	if tokenBytes <= 0 {
		tokenBytes = DefaultTokenBytes
	}
	if bcryptCost <= 0 {
		bcryptCost = DefaultBcryptCost
	}
	return &Generator{tokenBytes: tokenBytes, bcryptCost: bcryptCost}
}

// Generate returns a fresh random token (hex-encoded) together with its
// bcrypt hash. The two are independent per call: two calls never share
// material.
func (g *Generator) Generate() (plaintext, hash string, err error) {
	buf := make([]byte, g.tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("token entropy: %w", err)
	}
	plaintext = hex.EncodeToString(buf)

	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), g.bcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("token hash: %w", err)
	}
	return plaintext, string(digest), nil
}

// Verify reports whether plaintext matches the stored bcrypt hash.
// bcrypt comparison is constant-time with respect to the digest.
func Verify(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// Prefix returns the leading PrefixLen characters of a token. Tokens shorter
// than PrefixLen are returned whole.
func Prefix(tok string) string {
	if len(tok) <= PrefixLen {
		return tok
	}
	return tok[:PrefixLen]
}

// ValidFormat reports whether tok has the exact wire shape of a token issued
// by this generator: 2×tokenBytes characters, all lowercase hex. Anything
// else fails fast before touching cache or database.
func (g *Generator) ValidFormat(tok string) bool {
	if len(tok) != g.tokenBytes*2 {
		return false
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

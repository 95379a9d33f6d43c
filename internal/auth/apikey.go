package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// DefaultKeyPrefix marks bearer strings as API keys on the wire.
const DefaultKeyPrefix = "rk_"

// GenerateAPIKey creates a new opaque key: prefix + base64url(24 random
// bytes). The plaintext is shown to the caller exactly once; only the
// digest is stored.
func GenerateAPIKey(prefix string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DigestAPIKey is the deterministic one-way transformation applied to key
// secrets for storage and lookup.
func DigestAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// DigestEqual compares two digests in constant time. Both inputs are
// hex-encoded sha256 sums, so length is fixed and the comparison never
// early-exits on the first differing byte.
func DigestEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Package apikey issues the per-runner keys agents authenticate with.
// Only the SHA-256 hash of a key is stored.
package apikey

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Prefix marks runner API keys so they are recognisable in config files
// and secret scanners.
const Prefix = "rk_"

// Generate returns a new key and its hash.
func Generate() (key, hash string) {
	key = Prefix + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	return key, Hash(key)
}

// Hash returns the hex SHA-256 of key.
func Hash(key string) string {
	key = strings.TrimSpace(key)

	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether key hashes to hash, in constant time.
func Verify(key, hash string) bool {
	if key == "" || hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Hash(key)), []byte(hash)) == 1
}

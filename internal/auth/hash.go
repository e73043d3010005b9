package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// KeyPrefix is prepended to every issued token so leaked keys are easy to grep for.
	KeyPrefix = "lb_"

	keyRandomBytes    = 24
	displayPrefixSize = 8
)

// HashKey returns the hex SHA-256 fingerprint stored in place of the raw token.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the leading characters kept in clear for identification.
func DisplayPrefix(rawKey string) string {
	if len(rawKey) <= displayPrefixSize {
		return rawKey
	}
	return rawKey[:displayPrefixSize]
}

// GenerateKey creates a new random API token. The caller sees it once;
// only HashKey(token) is persisted.
func GenerateKey() (string, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

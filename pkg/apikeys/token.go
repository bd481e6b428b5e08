package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeyPrefix starts every key
	KeyPrefix = "hi_"
	// KeyBytes is the number of random bytes in a key
	KeyBytes = 32
	// displayLength is how much of the key is kept for display
	displayLength = 10
)

// Generate creates a key of the form hi_<64 hex chars> and returns it with
// its storage hash and display prefix
func Generate() (raw, hash, prefix string, err error) {
	b := make([]byte, KeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	raw = KeyPrefix + hex.EncodeToString(b)
	return raw, Hash(raw), raw[:displayLength], nil
}

// Hash computes the SHA-256 hex digest stored for raw
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidFormat reports whether raw looks like a key Generate could produce
func ValidFormat(raw string) bool {
	body, ok := strings.CutPrefix(raw, KeyPrefix)
	if !ok || len(body) != 2*KeyBytes {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}

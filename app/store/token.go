package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const tokenBytes = 16 // 128 bits of entropy, 32 hex chars

// GenerateToken produces an unguessable job token. Uniqueness is not checked,
// collision probability at 128 bits is negligible.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random source: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

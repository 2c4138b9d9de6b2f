package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// tokenBytes is the entropy of every issued token.
const tokenBytes = 32

// generateToken returns a fresh opaque token: 32 cryptographically random
// bytes, URL-safe base64 without padding.
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken maps a plaintext token to the hash persisted in storage.
// Only hashes are ever written; the plaintext exists in memory exactly
// until the create/refresh response is handed to the caller.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

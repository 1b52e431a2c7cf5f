package access

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const secretBytes = 32

// generateSecret returns a new random opaque API key, hex-encoded and
// prefixed so keys are recognizable in logs without revealing any key
// material (the prefix carries no entropy of its own).
func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("access: failed to read random bytes: %w", err)
	}
	return "om_" + hex.EncodeToString(buf), nil
}

// hashLookupKey derives the deterministic, non-secret index storage.APIKeyStore
// looks rows up by. This is a SHA-256 digest, not the bcrypt hash itself:
// bcrypt is randomly salted per call, so it cannot be used as a lookup index;
// the digest only narrows the candidate row before the bcrypt comparison
// that actually authenticates the key.
func hashLookupKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

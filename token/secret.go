package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// SecretBytes is the amount of entropy in a secret: 256 bits.
const SecretBytes = 32

// NewSecret draws a fresh bearer secret from the OS CSPRNG, base64url encoded
// without padding (43 characters).
func NewSecret() (string, error) {
	b := make([]byte, SecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// WellFormed reports whether s could be a secret minted by NewSecret. It lets
// callers reject garbage before touching the database.
func WellFormed(s string) bool {
	if len(s) != base64.RawURLEncoding.EncodedLen(SecretBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}

// Redact keeps a short prefix of secret for diagnostics.
func Redact(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 6 {
		return "***"
	}
	return secret[:6] + "..."
}

package token

import (
	"strings"
	"time"
)

// Evaluate decides validity from the token alone: it is valid iff it exists,
// now is before its expiry, it is unused, and, when an authenticated email is
// supplied, that email matches the bound one case-insensitively.
func Evaluate(t *Token, now time.Time, authenticatedEmail string) Code {
	if t == nil {
		return CodeNotFound
	}
	if !now.Before(t.ExpiresAt) {
		return CodeExpired
	}
	if t.Used {
		return CodeUsed
	}
	if email := strings.TrimSpace(authenticatedEmail); email != "" && !strings.EqualFold(email, strings.TrimSpace(t.Email)) {
		return CodeEmailMismatch
	}
	return ""
}

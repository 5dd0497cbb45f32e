package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-test-secret-test-secret"

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier(testSecret, "https://idp.example.com", "agentonboard")

	tok, err := v.GenerateToken(Identity{Subject: "idp|ada", Email: "ada@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id, err := v.VerifyToken(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "idp|ada" || id.Email != "ada@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(testSecret, "https://idp.example.com", "agentonboard").WithClock(func() time.Time { return now })

	expired, err := NewVerifier(testSecret, "https://idp.example.com", "agentonboard").
		WithClock(func() time.Time { return now.Add(-2 * time.Hour) }).
		GenerateToken(Identity{Subject: "idp|ada"}, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	otherKey, _ := NewVerifier("another-secret-another-secret-xx", "https://idp.example.com", "agentonboard").
		WithClock(func() time.Time { return now }).
		GenerateToken(Identity{Subject: "idp|ada"}, time.Hour)
	otherIssuer, _ := NewVerifier(testSecret, "https://evil.example.com", "agentonboard").
		WithClock(func() time.Time { return now }).
		GenerateToken(Identity{Subject: "idp|ada"}, time.Hour)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "idp|ada",
		"iss": "https://idp.example.com",
		"aud": "agentonboard",
	}).SignedString([]byte(testSecret))
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "idp|ada",
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"expired":      expired,
		"wrong key":    otherKey,
		"wrong issuer": otherIssuer,
		"no expiry":    noExpiry,
		"alg none":     noneAlg,
		"garbage":      "not.a.jwt",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.VerifyToken(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}

	if _, err := v.VerifyToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc"); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("bearer  abc "); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(testSecret, "", "")
	tok, err := v.GenerateToken(Identity{Subject: "idp|ada", Email: "ada@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var seen Identity
	var seenOK bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, seenOK = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	onFail := func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	cases := []struct {
		name     string
		required bool
		header   string
		status   int
		identity bool
	}{
		{name: "required with token", required: true, header: "Bearer " + tok, status: http.StatusNoContent, identity: true},
		{name: "required without token", required: true, status: http.StatusUnauthorized},
		{name: "optional without token", status: http.StatusNoContent},
		{name: "optional with token", header: "Bearer " + tok, status: http.StatusNoContent, identity: true},
		{name: "optional with bad token", header: "Bearer nope", status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen, seenOK = Identity{}, false
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			v.Middleware(tc.required, onFail)(next).ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if seenOK != tc.identity {
				t.Fatalf("identity present = %v, want %v", seenOK, tc.identity)
			}
			if tc.identity && seen.Subject != "idp|ada" {
				t.Fatalf("unexpected identity %+v", seen)
			}
		})
	}
}

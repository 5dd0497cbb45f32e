package auth

import (
	"net/http"
)

// Middleware resolves the bearer identity of each request. With required set,
// requests without a valid token are answered by onFail; otherwise they pass
// through anonymously. A present but invalid token always fails.
func (v *Verifier) Middleware(required bool, onFail func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				if required {
					onFail(w, r, ErrMissingToken)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			id, err := v.VerifyToken(raw)
			if err != nil {
				onFail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

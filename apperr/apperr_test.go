package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestToken_StatusClasses(t *testing.T) {
	cases := map[string]int{
		CodeNotFound:      http.StatusNotFound,
		CodeExpired:       http.StatusGone,
		CodeUsed:          http.StatusGone,
		CodeEmailMismatch: http.StatusForbidden,
	}
	for code, want := range cases {
		if got := Token(code).HTTPStatus; got != want {
			t.Errorf("Token(%s) status = %d, want %d", code, got, want)
		}
	}
	if got := Token("bogus").Code; got != CodeInternal {
		t.Errorf("unknown code mapped to %s, want %s", got, CodeInternal)
	}
}

func TestInternal_HidesCause(t *testing.T) {
	cause := errors.New("pq: relation does not exist")
	err := Internal(cause)
	if err.Message == cause.Error() {
		t.Fatal("internal message must not expose cause")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be unwrappable")
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", Conflict("already completed"))
	if got := CodeOf(wrapped); got != CodeConflict {
		t.Fatalf("CodeOf = %s, want %s", got, CodeConflict)
	}
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Fatalf("CodeOf plain error = %s, want %s", got, CodeInternal)
	}
}

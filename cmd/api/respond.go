package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"agentonboard/apperr"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Code        string              `json:"code"`
	Message     string              `json:"message"`
	FieldErrors []apperr.FieldError `json:"fieldErrors,omitempty"`
}

// writeError renders err in the taxonomy shape. Anything that is not an
// AppError becomes INTERNAL_ERROR.
func writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Internal(err)
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorResponse{
		Code:        appErr.Code,
		Message:     appErr.Message,
		FieldErrors: appErr.FieldErrors,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, apperr.New("METHOD_NOT_ALLOWED", "method not allowed", http.StatusMethodNotAllowed))
}

// decodeJSON reads a single JSON object from r's body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperr.Validation("request body is too large", nil)
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is required", nil)
		default:
			return apperr.Validation(fmt.Sprintf("invalid request body: %v", err), nil)
		}
	}
	if dec.More() {
		return apperr.Validation("request body must contain a single object", nil)
	}
	return nil
}

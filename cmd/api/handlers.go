package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"agentonboard/agent"
	"agentonboard/apperr"
	"agentonboard/auth"
	"agentonboard/onboarding"
	"agentonboard/ratelimit"
	"agentonboard/token"
)

type submitResponse struct {
	OnboardingStatus string `json:"onboardingStatus"`
	ContractID       string `json:"contractId,omitempty"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
}

type statusResponse struct {
	AgentID           string `json:"agentId"`
	Email             string `json:"email"`
	OnboardingStatus  string `json:"onboardingStatus"`
	CommissionPercent string `json:"commissionPercent"`
	FirstName         string `json:"firstName,omitempty"`
	LastName          string `json:"lastName,omitempty"`
	UpdatedAt         string `json:"updatedAt"`
}

type reviewResponse struct {
	Valid      bool   `json:"valid"`
	ContractID string `json:"contractId,omitempty"`
	AgentEmail string `json:"agentEmail,omitempty"`
	PDFURL     string `json:"pdfUrl,omitempty"`
	ExpiresAt  string `json:"expiresAt,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

type signRequest struct {
	SignedName string `json:"signedName"`
}

type signResponse struct {
	Success  bool   `json:"success"`
	SignedAt string `json:"signedAt,omitempty"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, apperr.Unauthorized("authentication required"))
		return
	}

	var in onboarding.ProfileInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.onboardingService.Submit(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		OnboardingStatus: string(res.Status),
		ContractID:       res.ContractID,
		ExpiresAt:        formatTime(res.ExpiresAt),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, apperr.Unauthorized("authentication required"))
		return
	}

	a, err := s.onboardingService.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(a))
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	secret := chi.URLParam(r, "token")
	if secret == "" {
		writeJSON(w, http.StatusNotFound, reviewResponse{ErrorCode: string(token.CodeNotFound)})
		return
	}

	var email string
	if id, ok := auth.FromContext(r.Context()); ok {
		email = id.Email
	}

	v, err := s.reviewService.Validate(r.Context(), secret, email)
	if err != nil {
		s.log().Error("validate contract token", zap.String("secret", token.Redact(secret)), zap.Error(err))
		writeError(w, apperr.Internal(err))
		return
	}
	if !v.Valid {
		writeJSON(w, apperr.Token(string(v.Code)).HTTPStatus, reviewResponse{ErrorCode: string(v.Code)})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, reviewResponse{
		Valid:      true,
		ContractID: v.ContractID,
		AgentEmail: v.AgentEmail,
		PDFURL:     v.PDFURL,
		ExpiresAt:  formatTime(v.ExpiresAt),
	})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	secret := chi.URLParam(r, "token")

	var req signRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeSignFailure(w, err)
		return
	}

	res, err := s.signingService.Sign(r.Context(), secret, req.SignedName, ratelimit.ClientIP(r))
	if err != nil {
		writeSignFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{Success: true, SignedAt: formatTime(res.SignedAt)})
}

func writeSignFailure(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Internal(err)
	}
	writeJSON(w, appErr.HTTPStatus, signResponse{Error: appErr.Code, Message: appErr.Message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.log().Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authFailed(w http.ResponseWriter, _ *http.Request, err error) {
	msg := "authentication required"
	if errors.Is(err, auth.ErrInvalidToken) {
		msg = "invalid bearer token"
	}
	writeError(w, apperr.Unauthorized(msg))
}

func (s *Server) rateLimited(w http.ResponseWriter, _ *http.Request) {
	writeError(w, apperr.New(apperr.CodeRateLimited, "too many requests, try again later", http.StatusTooManyRequests))
}

func toStatusResponse(a agent.Agent) statusResponse {
	return statusResponse{
		AgentID:           a.ID,
		Email:             a.Email,
		OnboardingStatus:  string(a.Status),
		CommissionPercent: a.CommissionPercent.String(),
		FirstName:         a.Profile.FirstName,
		LastName:          a.Profile.LastName,
		UpdatedAt:         formatTime(a.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

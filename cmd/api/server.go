package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentonboard/agent"
	"agentonboard/auth"
	"agentonboard/onboarding"
	"agentonboard/ratelimit"
	"agentonboard/token"
)

type onboardingService interface {
	Status(ctx context.Context, id auth.Identity) (agent.Agent, error)
	Submit(ctx context.Context, id auth.Identity, in onboarding.ProfileInput) (onboarding.SubmitResult, error)
}

type reviewService interface {
	Validate(ctx context.Context, secret, authenticatedEmail string) (token.Validation, error)
}

type signingService interface {
	Sign(ctx context.Context, secret, signedName, ip string) (onboarding.SignResult, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers of the onboarding API.
type Server struct {
	onboardingService onboardingService
	reviewService     reviewService
	signingService    signingService
	verifier          *auth.Verifier
	limiter           ratelimit.Limiter
	files             http.Handler
	db                pinger
	allowedOrigins    []string
	logger            *zap.Logger
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	log := s.log()

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	if s.files != nil {
		r.Handle("/files/*", s.files)
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware(true, s.authFailed))
			r.Post("/onboarding/submit", s.handleSubmit)
			r.Get("/onboarding/status", s.handleStatus)
		})

		r.Route("/contracts/review/{token}", func(r chi.Router) {
			if s.limiter != nil {
				r.Use(ratelimit.Middleware(s.limiter, "review", log, s.rateLimited))
			}
			r.With(s.verifier.Middleware(false, s.authFailed)).Get("/", s.handleReview)
			r.Post("/sign", s.handleSign)
		})
	})

	return r
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs one line per request. Paths are logged by route pattern
// so review secrets never reach the log.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			log.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", redactPath(route)),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// redactPath shortens the segment after /review/ when a raw path is logged.
func redactPath(p string) string {
	const marker = "/review/"
	i := strings.Index(p, marker)
	if i < 0 {
		return p
	}
	rest := p[i+len(marker):]
	secret, tail, _ := strings.Cut(rest, "/")
	if strings.HasPrefix(secret, "{") {
		return p
	}
	out := p[:i+len(marker)] + token.Redact(secret)
	if tail != "" {
		out += "/" + tail
	}
	return out
}

package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"agentonboard/agent"
	"agentonboard/auth"
	"agentonboard/config"
	"agentonboard/contract"
	"agentonboard/db"
	"agentonboard/eventlog"
	"agentonboard/jobs"
	"agentonboard/mail"
	"agentonboard/onboarding"
	"agentonboard/ratelimit"
	"agentonboard/storage"
	"agentonboard/token"
)

// app owns the long-lived resources of the API process.
type app struct {
	pool   *pgxpool.Pool
	redis  *redis.Client
	river  *river.Client[pgx.Tx]
	server *Server
}

func bootstrap(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	a := &app{pool: pool}

	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", zap.Strings("files", applied))
	}
	if _, err := jobs.Migrate(ctx, pool); err != nil {
		a.close()
		return nil, err
	}

	blobs, err := storage.New(cfg.Storage.Root, cfg.Storage.PublicBaseURL, cfg.Storage.SigningKey)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	commission, err := cfg.Onboarding.Commission()
	if err != nil {
		a.close()
		return nil, err
	}

	agents := agent.NewRepository(commission)
	contracts := contract.NewRepository()
	events := eventlog.New()
	tokens := token.NewService(pool, token.NewRepository(), contracts, blobs).
		WithTTL(cfg.Onboarding.TokenTTL, cfg.Onboarding.PDFURLTTL).
		WithLogger(log.Named("token"))

	orchestrator := onboarding.NewOrchestrator(pool, agents, contracts, tokens,
		contract.NewRenderer(cfg.App.CompanyName), blobs, newMailer(cfg, log), events,
		onboarding.Options{
			BaseURL:     cfg.App.BaseURL,
			CompanyName: cfg.App.CompanyName,
			StepTimeout: cfg.Onboarding.StepTimeout,
		}).WithLogger(log.Named("onboarding"))
	signer := onboarding.NewSigner(pool, agents, contracts, tokens, events).WithLogger(log.Named("signer"))

	workers := jobs.NewWorkers(orchestrator, tokens, cfg.Onboarding.TokenRetention)
	a.river, err = jobs.NewClient(pool, workers, jobs.Config{
		MaxWorkers:      cfg.River.MaxWorkers,
		CleanupInterval: cfg.River.CleanupInterval,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.server = &Server{
		onboardingService: orchestrator,
		reviewService:     tokens,
		signingService:    signer,
		verifier:          auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience),
		limiter:           a.newLimiter(ctx, cfg, log),
		files:             blobs.Handler(log.Named("files")),
		db:                pool,
		allowedOrigins:    cfg.Server.AllowedOrigins,
		logger:            log.Named("http"),
	}
	return a, nil
}

// newLimiter prefers Redis and falls back to a per-process limiter when Redis
// is not configured or unreachable at startup.
func (a *app) newLimiter(ctx context.Context, cfg *config.Config, log *zap.Logger) ratelimit.Limiter {
	rule := ratelimit.Rule{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window, Block: cfg.RateLimit.Block}
	if cfg.Redis.Addr == "" {
		return ratelimit.NewMemory(rule)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, using in-memory rate limiter", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		_ = rdb.Close()
		return ratelimit.NewMemory(rule)
	}
	a.redis = rdb
	return ratelimit.NewRedis(rdb, rule, "agentonboard:review")
}

func newMailer(cfg *config.Config, log *zap.Logger) onboarding.Mailer {
	if !cfg.SMTP.Enabled() {
		log.Warn("smtp not configured, review emails are logged only")
		return mail.NewLogTransport(log.Named("mail"), hostOf(cfg.App.BaseURL))
	}
	return mail.NewSMTPTransport(mail.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Mode:     cfg.SMTP.Mode,
		Timeout:  cfg.SMTP.Timeout,
	})
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

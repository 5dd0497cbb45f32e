package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"agentonboard/agent"
	"agentonboard/config"
	"agentonboard/contract"
	"agentonboard/db"
	"agentonboard/eventlog"
	"agentonboard/logger"
	"agentonboard/mail"
	"agentonboard/onboarding"
	"agentonboard/storage"
	"agentonboard/token"
)

// env is everything a command may need. Commands that only need the
// configuration never open the pool.
type env struct {
	cfg  *config.Config
	log  *zap.Logger
	pool *pgxpool.Pool

	agents       *agent.PGRepository
	contracts    *contract.PGRepository
	events       *eventlog.Store
	tokens       *token.Service
	orchestrator *onboarding.Orchestrator
	reconciler   *onboarding.Reconciler
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	// The CLI writes human output to stdout; logs go to stderr as console lines.
	log, err := logger.New(cfg.Log.Level, "console")
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: 4})
	if err != nil {
		return nil, err
	}

	blobs, err := storage.New(cfg.Storage.Root, cfg.Storage.PublicBaseURL, cfg.Storage.SigningKey)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	commission, err := cfg.Onboarding.Commission()
	if err != nil {
		pool.Close()
		return nil, err
	}

	e := &env{
		cfg:       cfg,
		log:       log,
		pool:      pool,
		agents:    agent.NewRepository(commission),
		contracts: contract.NewRepository(),
		events:    eventlog.New(),
	}
	e.tokens = token.NewService(pool, token.NewRepository(), e.contracts, blobs).
		WithTTL(cfg.Onboarding.TokenTTL, cfg.Onboarding.PDFURLTTL).
		WithLogger(log.Named("token"))
	e.orchestrator = onboarding.NewOrchestrator(pool, e.agents, e.contracts, e.tokens,
		contract.NewRenderer(cfg.App.CompanyName), blobs, newMailer(cfg, log), e.events,
		onboarding.Options{
			BaseURL:     cfg.App.BaseURL,
			CompanyName: cfg.App.CompanyName,
			StepTimeout: cfg.Onboarding.StepTimeout,
		}).WithLogger(log.Named("onboarding"))
	e.reconciler = onboarding.NewReconciler(pool, token.NewRepository(), e.agents, e.contracts, e.events).
		WithLogger(log.Named("reconcile"))
	return e, nil
}

func (e *env) close() {
	_ = e.log.Sync()
	e.pool.Close()
}

func newMailer(cfg *config.Config, log *zap.Logger) onboarding.Mailer {
	if !cfg.SMTP.Enabled() {
		domain := "localhost"
		if u, err := url.Parse(cfg.App.BaseURL); err == nil && u.Hostname() != "" {
			domain = u.Hostname()
		}
		return mail.NewLogTransport(log.Named("mail"), domain)
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

package onboarding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"agentonboard/agent"
	"agentonboard/apperr"
	"agentonboard/auth"
	"agentonboard/contract"
	"agentonboard/eventlog"
	"agentonboard/mail"
	"agentonboard/token"
)

const (
	msgSuperseded              = "a newer submission replaced this contract"
	timelineContractSuperseded = "contract_superseded"
)

// Options are the deployment values the pipeline prints or waits on.
type Options struct {
	BaseURL     string
	CompanyName string
	StepTimeout time.Duration
}

// SubmitResult is returned by a successful submission.
type SubmitResult struct {
	AgentID    string
	ContractID string
	TokenID    string
	Status     agent.Status
	ExpiresAt  time.Time
	MessageID  string
}

// SendResult is returned by SendContract.
type SendResult struct {
	ContractID string
	TokenID    string
	Status     agent.Status
	Reissued   bool
	MessageID  string
}

// Orchestrator runs the submission pipeline: profile, render, upload,
// contract record, token, email, status.
type Orchestrator struct {
	pool      Pool
	agents    agent.Repository
	contracts contract.Repository
	tokens    Tokens
	renderer  Renderer
	blobs     Blobs
	mailer    Mailer
	events    Events
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(pool Pool, agents agent.Repository, contracts contract.Repository, tokens Tokens,
	renderer Renderer, blobs Blobs, mailer Mailer, events Events, opts Options) *Orchestrator {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	return &Orchestrator{
		pool:      pool,
		agents:    agents,
		contracts: contracts,
		tokens:    tokens,
		renderer:  renderer,
		blobs:     blobs,
		mailer:    mailer,
		events:    events,
		opts:      opts,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
}

func (o *Orchestrator) WithLogger(l *zap.Logger) *Orchestrator {
	if l != nil {
		o.logger = l
	}
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Status returns the agent behind id, creating it on first sight.
func (o *Orchestrator) Status(ctx context.Context, id auth.Identity) (agent.Agent, error) {
	if id.Subject == "" {
		return agent.Agent{}, apperr.Unauthorized("authentication required")
	}
	a, err := o.agents.EnsureForSubject(ctx, o.pool, id.Subject, id.Email)
	if err != nil {
		o.logger.Error("resolve agent", zap.String("subject", id.Subject), zap.Error(err))
		return agent.Agent{}, apperr.Internal(err)
	}
	return a, nil
}

// Submit runs the whole pipeline for the caller. Steps up to the upload are
// safe to repeat. A repeat after the contract record exists reuses that
// record and its live token instead of minting new ones. A submission with
// different details supersedes the agent's unsigned contract and revokes its
// links; the submission it displaced fails with a conflict if it had not yet
// advanced the status.
func (o *Orchestrator) Submit(ctx context.Context, id auth.Identity, in ProfileInput) (SubmitResult, error) {
	// 1. identity
	if id.Subject == "" {
		return SubmitResult{}, apperr.Unauthorized("authentication required")
	}

	a, err := o.agents.EnsureForSubject(ctx, o.pool, id.Subject, id.Email)
	if err != nil {
		o.logger.Error("resolve agent", zap.String("subject", id.Subject), zap.Error(err))
		return SubmitResult{}, apperr.Internal(err)
	}
	log := o.logger.With(zap.String("agent_id", a.ID))

	// A completed agent is rejected whatever the payload. The check is
	// repeated under the row lock below.
	if a.Status.IsTerminal() {
		log.Info("submission rejected: onboarding already completed")
		return SubmitResult{}, apperr.Conflict("onboarding is already completed")
	}

	// 2. input
	profile, fieldErrs := ValidateProfile(in, o.now())
	if len(fieldErrs) > 0 {
		return SubmitResult{}, apperr.Validation("profile is invalid", fieldErrs)
	}
	if a.Email == "" {
		log.Warn("agent has no email on record")
		return SubmitResult{}, apperr.Validation("an email address is required to receive the contract",
			[]apperr.FieldError{{Field: "email", Code: fieldRequired}})
	}

	// 3 + 4. precondition and profile
	a, err = o.persistProfile(ctx, a.ID, profile)
	if err != nil {
		return SubmitResult{}, o.fail(log, "persist profile", err)
	}

	// 5. render
	effective := o.now().UTC()
	rendered, err := o.renderer.Render(contract.Fields{
		AgentID:           a.ID,
		FullName:          a.Profile.FullName(),
		Email:             a.Email,
		DateOfBirth:       a.Profile.DateOfBirth,
		Address:           a.Profile.Address(),
		CommissionPercent: a.CommissionPercent,
		EffectiveDate:     effective,
		CompanyName:       o.opts.CompanyName,
	})
	if err != nil {
		return SubmitResult{}, o.fail(log, "render contract", err)
	}
	path := contract.StoragePath(a.ID, rendered.Filename)

	// 6. upload
	if err := o.step(ctx, func(ctx context.Context) error {
		return o.blobs.Upload(ctx, rendered.Bytes, path)
	}); err != nil {
		return SubmitResult{}, o.fail(log.With(zap.String("storage_path", path)), "upload contract", err)
	}

	// 7 + 8. contract record and token
	rec, issued, err := o.recordAndIssue(ctx, a, rendered, path, effective)
	if err != nil {
		return SubmitResult{}, o.fail(log.With(zap.String("storage_path", path)), "record contract", err)
	}
	log = log.With(zap.String("contract_id", rec.ID), zap.String("token_id", issued.ID))

	// 9. email
	msgID, err := o.sendReview(ctx, a, issued, rendered.Filename, rendered.Bytes)
	if err != nil {
		log.Error("send contract email; token remains valid for resend",
			zap.String("secret", token.Redact(issued.Secret)), zap.Error(err))
		return SubmitResult{}, apperr.Internal(err)
	}

	// 10. status
	a, err = o.markSent(ctx, a.ID, agent.EventSubmissionCompleted, rec.ID, issued.ID)
	if err != nil {
		return SubmitResult{}, o.fail(log, "advance status", err)
	}

	log.Info("onboarding submission completed", zap.String("status", string(a.Status)), zap.String("message_id", msgID))
	return SubmitResult{
		AgentID:    a.ID,
		ContractID: rec.ID,
		TokenID:    issued.ID,
		Status:     a.Status,
		ExpiresAt:  issued.ExpiresAt,
		MessageID:  msgID,
	}, nil
}

// SendContract repeats only the email step for an existing unsigned contract.
// The live token is reused; an expired one is replaced.
func (o *Orchestrator) SendContract(ctx context.Context, contractID string) (SendResult, error) {
	rec, err := o.contracts.GetByID(ctx, o.pool, contractID)
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			return SendResult{}, apperr.New(apperr.CodeNotFound, "contract not found", http.StatusNotFound)
		}
		return SendResult{}, apperr.Internal(err)
	}
	log := o.logger.With(zap.String("agent_id", rec.AgentID), zap.String("contract_id", rec.ID))
	if rec.Signed() {
		return SendResult{}, apperr.Conflict("contract is already signed")
	}
	if rec.Superseded() {
		return SendResult{}, apperr.Conflict(msgSuperseded)
	}

	var (
		a        agent.Agent
		issued   token.Issued
		reissued bool
	)
	err = o.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		a, err = o.agents.GetForUpdate(ctx, tx, rec.AgentID)
		if err != nil {
			return err
		}
		if a.Status.IsTerminal() || a.Status == agent.StatusPending {
			return &agent.TransitionError{From: a.Status, Event: agent.EventContractDispatched}
		}
		if err := o.ensureActive(ctx, tx, rec.ID); err != nil {
			return err
		}
		issued, reissued, err = o.activeToken(ctx, tx, rec, a)
		return err
	})
	if err != nil {
		return SendResult{}, o.fail(log, "prepare resend", err)
	}
	log = log.With(zap.String("token_id", issued.ID))

	pdf, err := o.blobs.Read(rec.StoragePath)
	if err != nil {
		return SendResult{}, o.fail(log.With(zap.String("storage_path", rec.StoragePath)), "read contract", err)
	}
	msgID, err := o.sendReview(ctx, a, issued, rec.Filename, pdf)
	if err != nil {
		log.Error("resend contract email", zap.String("secret", token.Redact(issued.Secret)), zap.Error(err))
		return SendResult{}, apperr.Internal(err)
	}

	status := a.Status
	if a.Status != agent.StatusContractSent {
		a, err = o.markSent(ctx, a.ID, agent.EventContractDispatched, rec.ID, issued.ID)
		if err != nil {
			return SendResult{}, o.fail(log, "advance status", err)
		}
		status = a.Status
	}

	log.Info("contract email sent", zap.Bool("reissued", reissued), zap.String("message_id", msgID))
	return SendResult{ContractID: rec.ID, TokenID: issued.ID, Status: status, Reissued: reissued, MessageID: msgID}, nil
}

func (o *Orchestrator) persistProfile(ctx context.Context, agentID string, p agent.Profile) (agent.Agent, error) {
	var a agent.Agent
	err := o.inTx(ctx, func(tx pgx.Tx) error {
		current, err := o.agents.GetForUpdate(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return &agent.TransitionError{From: current.Status, Event: agent.EventSubmissionCompleted}
		}

		a, err = o.agents.UpdateProfile(ctx, tx, agentID, p)
		if err != nil {
			return err
		}
		if a.Status == agent.StatusPending {
			if a, err = o.agents.Advance(ctx, tx, agentID, agent.EventProfileSubmitted); err != nil {
				return err
			}
		}

		payload := map[string]any{"agent_id": agentID, "status": string(a.Status)}
		if err := o.events.Append(ctx, tx, agentID, string(agent.EventProfileSubmitted), payload); err != nil {
			return err
		}
		return o.events.Enqueue(ctx, tx, eventlog.TopicProfileSubmitted, payload)
	})
	return a, err
}

func (o *Orchestrator) recordAndIssue(ctx context.Context, a agent.Agent, r contract.Rendered, path string, effective time.Time) (contract.Record, token.Issued, error) {
	var (
		rec    contract.Record
		issued token.Issued
	)
	err := o.inTx(ctx, func(tx pgx.Tx) error {
		locked, err := o.agents.GetForUpdate(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if locked.Status.IsTerminal() {
			return &agent.TransitionError{From: locked.Status, Event: agent.EventSubmissionCompleted}
		}

		rec, err = o.contracts.FindActive(ctx, tx, a.ID)
		switch {
		case err == nil && rec.StoragePath == path:
			o.logger.Info("reusing pending contract", zap.String("agent_id", a.ID), zap.String("contract_id", rec.ID))
			issued, _, err = o.activeToken(ctx, tx, rec, locked)
			return err
		case err == nil:
			if err := o.supersede(ctx, tx, rec); err != nil {
				return err
			}
		case !errors.Is(err, contract.ErrNotFound):
			return err
		}

		rec, err = o.contracts.Create(ctx, tx, contract.CreateParams{
			AgentID:           a.ID,
			StoragePath:       path,
			Filename:          r.Filename,
			ContentHash:       r.ContentHash,
			CommissionPercent: a.CommissionPercent,
			EffectiveDate:     effective,
		})
		if err != nil {
			return err
		}
		issued, _, err = o.activeToken(ctx, tx, rec, locked)
		return err
	})
	return rec, issued, err
}

// supersede retires old and revokes its unused tokens on tx. The caller holds
// the agent row lock.
func (o *Orchestrator) supersede(ctx context.Context, tx pgx.Tx, old contract.Record) error {
	if err := o.contracts.Supersede(ctx, tx, old.ID, o.now().UTC()); err != nil {
		return err
	}
	revoked, err := o.tokens.Revoke(ctx, tx, old.ID)
	if err != nil {
		return err
	}
	o.logger.Info("pending contract superseded",
		zap.String("agent_id", old.AgentID),
		zap.String("contract_id", old.ID),
		zap.Int64("revoked_tokens", revoked),
	)

	payload := map[string]any{"agent_id": old.AgentID, "contract_id": old.ID, "revoked_tokens": revoked}
	if err := o.events.Append(ctx, tx, old.AgentID, timelineContractSuperseded, payload); err != nil {
		return err
	}
	return o.events.Enqueue(ctx, tx, eventlog.TopicContractSuperseded, payload)
}

// ensureActive fails with contract.ErrSuperseded or contract.ErrAlreadySigned
// unless contractID still awaits a signature.
func (o *Orchestrator) ensureActive(ctx context.Context, tx pgx.Tx, contractID string) error {
	rec, err := o.contracts.GetByID(ctx, tx, contractID)
	if err != nil {
		return err
	}
	switch {
	case rec.Signed():
		return contract.ErrAlreadySigned
	case rec.Superseded():
		return contract.ErrSuperseded
	}
	return nil
}

// activeToken returns the live token of rec, issuing one when none is left.
func (o *Orchestrator) activeToken(ctx context.Context, tx pgx.Tx, rec contract.Record, a agent.Agent) (token.Issued, bool, error) {
	existing, err := o.tokens.FindActive(ctx, tx, rec.ID)
	if err == nil {
		return token.Issued{ID: existing.ID, Secret: existing.Secret, ExpiresAt: existing.ExpiresAt}, false, nil
	}
	if !errors.Is(err, token.ErrNotFound) {
		return token.Issued{}, false, err
	}
	issued, err := o.tokens.Issue(ctx, tx, token.IssueParams{ContractID: rec.ID, AgentID: a.ID, Email: a.Email})
	if err != nil {
		return token.Issued{}, false, err
	}
	return issued, true, nil
}

func (o *Orchestrator) sendReview(ctx context.Context, a agent.Agent, issued token.Issued, filename string, pdf []byte) (string, error) {
	msg, err := mail.ReviewMessage(mail.ReviewData{
		To:          a.Email,
		AgentName:   a.Profile.FullName(),
		CompanyName: o.opts.CompanyName,
		BaseURL:     o.opts.BaseURL,
		Secret:      issued.Secret,
		ExpiresAt:   issued.ExpiresAt,
		PDFFilename: filename,
		PDF:         pdf,
	})
	if err != nil {
		return "", err
	}

	var res mail.Result
	err = o.step(ctx, func(ctx context.Context) error {
		var err error
		res, err = o.mailer.Send(ctx, msg)
		return err
	})
	return res.MessageID, err
}

// markSent advances the status once the email for contractID went out. A
// contract superseded in the meantime no longer speaks for the agent.
func (o *Orchestrator) markSent(ctx context.Context, agentID string, ev agent.Event, contractID, tokenID string) (agent.Agent, error) {
	var a agent.Agent
	err := o.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := o.agents.GetForUpdate(ctx, tx, agentID); err != nil {
			return err
		}
		if err := o.ensureActive(ctx, tx, contractID); err != nil {
			return err
		}
		var err error
		a, err = o.agents.Advance(ctx, tx, agentID, ev)
		if err != nil {
			return err
		}
		payload := map[string]any{"agent_id": agentID, "contract_id": contractID, "token_id": tokenID}
		if err := o.events.Append(ctx, tx, agentID, string(ev), payload); err != nil {
			return err
		}
		return o.events.Enqueue(ctx, tx, eventlog.TopicContractSent, payload)
	})
	return a, err
}

// step bounds a collaborator call by the configured timeout.
func (o *Orchestrator) step(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.StepTimeout)
	defer cancel()
	return fn(ctx)
}

func (o *Orchestrator) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return withTx(ctx, o.pool, fn)
}

// fail logs err with the failing step and translates it for the caller.
func (o *Orchestrator) fail(log *zap.Logger, step string, err error) error {
	var te *agent.TransitionError
	switch {
	case errors.As(err, &te) && te.From.IsTerminal():
		log.Info(step+": onboarding already completed")
		return apperr.Conflict("onboarding is already completed")
	case errors.As(err, &te):
		log.Warn(step+": status conflict", zap.String("status", string(te.From)), zap.String("event", string(te.Event)))
		return apperr.Conflict(fmt.Sprintf("onboarding status %s does not allow this step", te.From))
	case errors.Is(err, contract.ErrSuperseded):
		log.Info(step + ": contract superseded by a newer submission")
		return apperr.Conflict(msgSuperseded)
	case errors.Is(err, contract.ErrAlreadySigned):
		log.Info(step + ": contract already signed")
		return apperr.Conflict("contract is already signed")
	case errors.Is(err, agent.ErrNotFound):
		log.Error(step+": agent vanished", zap.Error(err))
		return apperr.Internal(err)
	}
	log.Error(step+" failed", zap.Error(err))
	return apperr.Internal(err)
}

func withTx(ctx context.Context, pool Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("onboarding: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", errCommit, err)
	}
	return nil
}

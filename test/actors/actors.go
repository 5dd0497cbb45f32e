// Package actors hammers the onboarding services from many goroutines. Each
// actor loops until stop closes and only returns an error for outcomes the
// service contract forbids.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agentonboard/apperr"
	"agentonboard/auth"
	"agentonboard/onboarding"
	"agentonboard/token"
)

// Submitter is the submission surface of the orchestrator.
type Submitter interface {
	Submit(ctx context.Context, id auth.Identity, in onboarding.ProfileInput) (onboarding.SubmitResult, error)
}

// Signer is the signing surface of the signature recorder.
type Signer interface {
	Sign(ctx context.Context, secret, signedName, ip string) (onboarding.SignResult, error)
}

// Validator is the review read path.
type Validator interface {
	Validate(ctx context.Context, secret, authenticatedEmail string) (token.Validation, error)
}

// Profile is the payload every submitter sends.
var Profile = onboarding.ProfileInput{
	FirstName:    "Ada",
	LastName:     "Lovelace",
	DateOfBirth:  "1990-01-01",
	AddressLine1: "12 St James's Square",
	City:         "London",
	PostalCode:   "SW1Y 4JH",
	Country:      "United Kingdom",
}

// Moved is Profile after the agent relocates. Submitting it supersedes a
// contract rendered from Profile and the other way round.
var Moved = onboarding.ProfileInput{
	FirstName:    "Ada",
	LastName:     "Lovelace",
	DateOfBirth:  "1990-01-01",
	AddressLine1: "8 Rue de Rivoli",
	City:         "Paris",
	PostalCode:   "75004",
	Country:      "France",
}

// Submit re-submits one of two profiles for id. Once the agent has signed,
// every submission must be a conflict.
func Submit(ctx context.Context, s Submitter, id auth.Identity, stop <-chan struct{}) error {
	for {
		if done(ctx, stop) {
			return nil
		}
		in := Profile
		if rand.Intn(2) == 0 {
			in = Moved
		}
		_, err := s.Submit(ctx, id, in)
		switch code := apperr.CodeOf(err); {
		case err == nil, code == apperr.CodeConflict:
		case code == apperr.CodeInternal:
			// Chaos kills backends; a failed step is retryable by contract.
		default:
			return fmt.Errorf("submit %s: unexpected %s: %w", id.Subject, code, err)
		}
		pause(5, 20)
	}
}

// Sign races to sign whichever live token the agent currently has.
func Sign(ctx context.Context, pool *pgxpool.Pool, s Signer, agentID string, stop <-chan struct{}) error {
	for {
		if done(ctx, stop) {
			return nil
		}
		secret, err := latestSecret(ctx, pool, agentID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			pause(5, 20)
			continue
		}

		_, err = s.Sign(ctx, secret, "Ada Lovelace", "203.0.113.7")
		switch code := apperr.CodeOf(err); {
		case err == nil:
		case code == apperr.CodeUsed, code == apperr.CodeExpired, code == apperr.CodeConflict, code == apperr.CodeInternal:
		case code == apperr.CodeNotFound:
			// A newer submission revoked the link between the read and the sign.
		case code == apperr.CodeFatalInconsistency:
			// Reported when the post-commit check loses its connection too;
			// the oracles decide whether the rows really disagree.
		default:
			return fmt.Errorf("sign agent %s: unexpected %s: %w", agentID, code, err)
		}
		pause(5, 20)
	}
}

// Review validates the agent's latest token, with and without the bound
// email. A valid result must never be reported for a used token.
func Review(ctx context.Context, pool *pgxpool.Pool, v Validator, agentID, email string, stop <-chan struct{}) error {
	for {
		if done(ctx, stop) {
			return nil
		}
		secret, err := latestSecret(ctx, pool, agentID)
		if err != nil {
			pause(10, 30)
			continue
		}

		res, err := v.Validate(ctx, secret, email)
		if err != nil {
			pause(10, 30)
			continue
		}
		if res.Valid && !strings.EqualFold(res.AgentEmail, email) {
			return fmt.Errorf("review agent %s: valid token bound to %q, asked as %q", agentID, res.AgentEmail, email)
		}

		if mismatch, err := v.Validate(ctx, secret, "someone-else@example.com"); err == nil && mismatch.Valid {
			return fmt.Errorf("review agent %s: token accepted for a different email", agentID)
		}
		pause(10, 30)
	}
}

func latestSecret(ctx context.Context, pool *pgxpool.Pool, agentID string) (string, error) {
	var secret string
	err := pool.QueryRow(ctx, `
		SELECT secret FROM contract_tokens
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, agentID).Scan(&secret)
	return secret, err
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

package onboarding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"agentonboard/agent"
	"agentonboard/apperr"
	"agentonboard/contract"
	"agentonboard/eventlog"
	"agentonboard/token"
)

// UnknownIP is recorded when the client address cannot be determined.
const UnknownIP = "unknown"

const maxSignedNameLength = 200

// SignResult is returned by a successful signature.
type SignResult struct {
	AgentID    string
	ContractID string
	SignedAt   time.Time
}

// Signer records signatures. Consuming the token, storing the signature and
// completing the agent happen in one transaction.
type Signer struct {
	pool      Pool
	agents    agent.Repository
	contracts contract.Repository
	tokens    Tokens
	events    Events
	logger    *zap.Logger
	now       func() time.Time
}

// NewSigner wires the signature recorder.
func NewSigner(pool Pool, agents agent.Repository, contracts contract.Repository, tokens Tokens, events Events) *Signer {
	return &Signer{
		pool:      pool,
		agents:    agents,
		contracts: contracts,
		tokens:    tokens,
		events:    events,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
}

func (s *Signer) WithLogger(l *zap.Logger) *Signer {
	if l != nil {
		s.logger = l
	}
	return s
}

func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign signs the contract behind secret as signedName from ip.
func (s *Signer) Sign(ctx context.Context, secret, signedName, ip string) (SignResult, error) {
	name := strings.Join(strings.Fields(signedName), " ")
	switch {
	case name == "":
		return SignResult{}, apperr.Validation("signed name is required",
			[]apperr.FieldError{{Field: "signedName", Code: fieldRequired}})
	case utf8.RuneCountInString(name) > maxSignedNameLength:
		return SignResult{}, apperr.Validation("signed name is too long",
			[]apperr.FieldError{{Field: "signedName", Code: fieldTooLong}})
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = UnknownIP
	}

	log := s.logger.With(zap.String("secret", token.Redact(secret)))

	// Signing never binds to a session email.
	tok, code, err := s.tokens.Check(ctx, s.pool, secret, "")
	if err != nil {
		log.Error("sign: validate token", zap.Error(err))
		return SignResult{}, apperr.Internal(err)
	}
	if code != "" {
		log.Info("sign rejected", zap.String("code", string(code)))
		return SignResult{}, apperr.Token(string(code))
	}
	log = log.With(zap.String("agent_id", tok.AgentID), zap.String("contract_id", tok.ContractID))

	sig := contract.Signature{SignedName: name, IPAddress: ip, SignedAt: s.now().UTC()}
	err = withTx(ctx, s.pool, func(tx pgx.Tx) error {
		consumed, err := s.tokens.Consume(ctx, tx, secret)
		if err != nil {
			return err
		}
		if _, err := s.contracts.RecordSignature(ctx, tx, consumed.ContractID, sig); err != nil {
			return err
		}
		if _, err := s.agents.Advance(ctx, tx, consumed.AgentID, agent.EventContractSigned); err != nil {
			return err
		}

		payload := map[string]any{
			"agent_id":    consumed.AgentID,
			"contract_id": consumed.ContractID,
			"token_id":    consumed.ID,
			"signed_name": sig.SignedName,
			"signed_ip":   sig.IPAddress,
			"signed_at":   sig.SignedAt.Format(time.RFC3339),
		}
		if err := s.events.Append(ctx, tx, consumed.AgentID, string(agent.EventContractSigned), payload); err != nil {
			return err
		}
		return s.events.Enqueue(ctx, tx, eventlog.TopicContractSigned, payload)
	})
	if err != nil {
		if err := s.classify(ctx, log, secret, tok.AgentID, err); err != nil {
			return SignResult{}, err
		}
	}

	log.Info("contract signed")
	return SignResult{AgentID: tok.AgentID, ContractID: tok.ContractID, SignedAt: sig.SignedAt}, nil
}

// classify translates a failed signing transaction. Precondition failures
// rolled back cleanly. A failed commit is checked: a used token on an agent
// that is not completed needs manual reconciliation.
func (s *Signer) classify(ctx context.Context, log *zap.Logger, secret, agentID string, err error) error {
	var (
		codeErr *token.CodeError
		te      *agent.TransitionError
	)
	switch {
	case errors.As(err, &codeErr):
		log.Info("sign rejected", zap.String("code", string(codeErr.Code)))
		return apperr.Token(string(codeErr.Code))
	case errors.Is(err, contract.ErrAlreadySigned):
		log.Warn("sign rejected: contract already signed")
		return apperr.Conflict("contract is already signed")
	case errors.Is(err, contract.ErrSuperseded):
		log.Warn("sign rejected: contract was superseded")
		return apperr.Conflict("a newer submission replaced this contract")
	case errors.As(err, &te):
		log.Warn("sign rejected: status conflict", zap.String("status", string(te.From)))
		return apperr.Conflict(fmt.Sprintf("onboarding status %s does not allow signing", te.From))
	case !isCommitError(err):
		log.Error("sign failed", zap.Error(err))
		return apperr.Internal(err)
	}

	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	tok, lookupErr := s.tokens.Lookup(checkCtx, s.pool, secret)
	if lookupErr != nil || tok == nil {
		log.Error("sign commit failed; outcome unknown",
			zap.Bool("fatal_inconsistency", true), zap.Error(err), zap.NamedError("check_error", lookupErr))
		return apperr.FatalInconsistency(err)
	}
	if !tok.Used {
		log.Error("sign commit failed; nothing applied", zap.Error(err))
		return apperr.Internal(err)
	}

	a, agentErr := s.agents.GetByID(checkCtx, s.pool, agentID)
	if agentErr == nil && a.Status == agent.StatusCompleted {
		log.Warn("sign commit reported an error but the signature landed", zap.Error(err))
		return nil
	}
	log.Error("token consumed but agent not completed; manual reconciliation required",
		zap.Bool("fatal_inconsistency", true), zap.Error(err), zap.NamedError("check_error", agentErr))
	return apperr.FatalInconsistency(err)
}

var errCommit = errors.New("onboarding: commit failed")

func isCommitError(err error) bool {
	return errors.Is(err, errCommit)
}

package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentonboard/db"
)

const (
	// DefaultTTL is how long a review link stays valid.
	DefaultTTL = 72 * time.Hour
	// DefaultPDFURLTTL is the lifetime of the signed read URL handed out on
	// successful validation.
	DefaultPDFURLTTL = time.Hour
)

// ErrPersistence wraps any failure to write a token. Issuance is not complete
// until the row is stored.
var ErrPersistence = errors.New("token: persistence failure")

// ContractPaths resolves the stored PDF path of a contract.
type ContractPaths interface {
	StoragePath(ctx context.Context, q db.DBTX, contractID string) (string, error)
}

// URLSigner mints short-lived read URLs for stored blobs.
type URLSigner interface {
	SignedURL(path string, ttl time.Duration) (string, error)
}

// Service issues, validates and consumes contract tokens.
type Service struct {
	pool      db.DBTX
	repo      Repository
	contracts ContractPaths
	signer    URLSigner
	logger    *zap.Logger

	ttl         time.Duration
	pdfURLTTL   time.Duration
	now         func() time.Time
	idGenerator func() string
	newSecret   func() (string, error)
}

// NewService wires the token service. pool is used for reads outside a
// caller-owned transaction.
func NewService(pool db.DBTX, repo Repository, contracts ContractPaths, signer URLSigner) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		contracts:   contracts,
		signer:      signer,
		logger:      zap.NewNop(),
		ttl:         DefaultTTL,
		pdfURLTTL:   DefaultPDFURLTTL,
		now:         time.Now,
		idGenerator: func() string { return uuid.Must(uuid.NewV7()).String() },
		newSecret:   NewSecret,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithTTL overrides token and PDF URL lifetimes. Zero keeps the current value.
func (s *Service) WithTTL(token, pdfURL time.Duration) *Service {
	if token > 0 {
		s.ttl = token
	}
	if pdfURL > 0 {
		s.pdfURLTTL = pdfURL
	}
	return s
}

// Issue mints and persists a token for the contract on q.
func (s *Service) Issue(ctx context.Context, q db.DBTX, params IssueParams) (Issued, error) {
	if params.ContractID == "" || params.AgentID == "" {
		return Issued{}, fmt.Errorf("token: issue: contract and agent ids required")
	}
	if params.Email == "" {
		return Issued{}, fmt.Errorf("token: issue: email required")
	}

	secret, err := s.newSecret()
	if err != nil {
		return Issued{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	now := s.now().UTC()
	stored, err := s.repo.Insert(ctx, q, Token{
		ID:         s.idGenerator(),
		ContractID: params.ContractID,
		AgentID:    params.AgentID,
		Secret:     secret,
		Email:      params.Email,
		ExpiresAt:  now.Add(s.ttl),
		CreatedAt:  now,
	})
	if err != nil {
		return Issued{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.logger.Info("contract token issued",
		zap.String("token_id", stored.ID),
		zap.String("contract_id", stored.ContractID),
		zap.String("agent_id", stored.AgentID),
		zap.String("secret", Redact(secret)),
		zap.Time("expires_at", stored.ExpiresAt),
	)
	return Issued{ID: stored.ID, Secret: secret, ExpiresAt: stored.ExpiresAt}, nil
}

// Lookup loads the token for secret on q. Malformed secrets are reported as
// not found without a query.
func (s *Service) Lookup(ctx context.Context, q db.DBTX, secret string) (*Token, error) {
	if !WellFormed(secret) {
		return nil, nil
	}
	t, err := s.repo.GetBySecret(ctx, q, secret)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// Check runs Evaluate against the stored token without minting a PDF URL.
func (s *Service) Check(ctx context.Context, q db.DBTX, secret, authenticatedEmail string) (*Token, Code, error) {
	t, err := s.Lookup(ctx, q, secret)
	if err != nil {
		return nil, "", err
	}
	return t, Evaluate(t, s.now(), authenticatedEmail), nil
}

// Validate is the review read path. Expiry and single use are checked on
// every call; on success a signed PDF URL is attached.
func (s *Service) Validate(ctx context.Context, secret, authenticatedEmail string) (Validation, error) {
	t, code, err := s.Check(ctx, s.pool, secret, authenticatedEmail)
	if err != nil {
		return Validation{}, fmt.Errorf("token: validate: %w", err)
	}
	if code != "" {
		s.logger.Info("contract token rejected",
			zap.String("secret", Redact(secret)),
			zap.String("code", string(code)),
		)
		return Validation{Code: code}, nil
	}

	path, err := s.contracts.StoragePath(ctx, s.pool, t.ContractID)
	if err != nil {
		return Validation{}, fmt.Errorf("token: validate: resolve contract %s: %w", t.ContractID, err)
	}
	url, err := s.signer.SignedURL(path, s.pdfURLTTL)
	if err != nil {
		return Validation{}, fmt.Errorf("token: validate: sign url: %w", err)
	}

	return Validation{
		Valid:       true,
		TokenID:     t.ID,
		ContractID:  t.ContractID,
		AgentID:     t.AgentID,
		AgentEmail:  t.Email,
		StoragePath: path,
		PDFURL:      url,
		ExpiresAt:   t.ExpiresAt,
	}, nil
}

// Consume marks the token used on q. When the conditional update loses, the
// token is re-read to report why.
func (s *Service) Consume(ctx context.Context, q db.DBTX, secret string) (Token, error) {
	if !WellFormed(secret) {
		return Token{}, &CodeError{Code: CodeNotFound}
	}

	now := s.now()
	t, err := s.repo.MarkUsed(ctx, q, secret, now)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotConsumable) {
		return Token{}, fmt.Errorf("token: consume: %w", err)
	}

	current, err := s.Lookup(ctx, q, secret)
	if err != nil {
		return Token{}, fmt.Errorf("token: consume recheck: %w", err)
	}
	code := Evaluate(current, now, "")
	if code == "" {
		// The row changed between the update and the re-read.
		code = CodeUsed
	}
	return Token{}, &CodeError{Code: code}
}

// FindActive returns the reusable token for contractID on q, or ErrNotFound.
func (s *Service) FindActive(ctx context.Context, q db.DBTX, contractID string) (Token, error) {
	return s.repo.FindActiveForContract(ctx, q, contractID, s.now())
}

// Revoke deletes the unused tokens of contractID on q so links already mailed
// for it stop working.
func (s *Service) Revoke(ctx context.Context, q db.DBTX, contractID string) (int64, error) {
	n, err := s.repo.DeleteUnusedForContract(ctx, q, contractID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("contract tokens revoked", zap.String("contract_id", contractID), zap.Int64("count", n))
	return n, nil
}

// PurgeExpired deletes unused tokens that expired more than retention ago.
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.pool, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired contract tokens purged", zap.Int64("count", n))
	}
	return n, nil
}

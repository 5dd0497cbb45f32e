package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"agentonboard/db"
)

var (
	// ErrNotFound signals that the contract does not exist.
	ErrNotFound = errors.New("contract: not found")
	// ErrAlreadySigned signals that a signature is already on record.
	ErrAlreadySigned = errors.New("contract: already signed")
	// ErrSuperseded signals that a later submission replaced the contract.
	ErrSuperseded = errors.New("contract: superseded")
)

// Repository handles data access for contract records.
type Repository interface {
	Create(ctx context.Context, q db.DBTX, params CreateParams) (Record, error)
	GetByID(ctx context.Context, q db.DBTX, id string) (Record, error)
	FindActive(ctx context.Context, q db.DBTX, agentID string) (Record, error)
	Supersede(ctx context.Context, q db.DBTX, id string, at time.Time) error
	RecordSignature(ctx context.Context, q db.DBTX, id string, sig Signature) (Record, error)
	StoragePath(ctx context.Context, q db.DBTX, id string) (string, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	idGenerator func() string
}

// NewRepository creates a PostgreSQL-backed contract repository.
func NewRepository() *PGRepository {
	return &PGRepository{
		idGenerator: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

const contractColumns = `id::text, agent_id::text, storage_path, filename, content_hash,
	commission_percent::text, effective_date, signed_name, signed_ip, signed_at, superseded_at, created_at`

// Create inserts a contract record for a stored PDF.
func (r *PGRepository) Create(ctx context.Context, q db.DBTX, p CreateParams) (Record, error) {
	if p.AgentID == "" || p.StoragePath == "" {
		return Record{}, fmt.Errorf("contract: create: agent id and storage path required")
	}

	query := `
		INSERT INTO contracts (id, agent_id, storage_path, filename, content_hash, commission_percent, effective_date)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		RETURNING ` + contractColumns

	rec, err := scanRecord(q.QueryRow(ctx, query,
		r.idGenerator(), p.AgentID, p.StoragePath, p.Filename, p.ContentHash,
		p.CommissionPercent.String(), p.EffectiveDate,
	))
	if err != nil {
		return Record{}, fmt.Errorf("contract: create: %w", err)
	}
	return rec, nil
}

// GetByID retrieves a contract record.
func (r *PGRepository) GetByID(ctx context.Context, q db.DBTX, id string) (Record, error) {
	rec, err := scanRecord(q.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("contract: get by id: %w", err)
	}
	return rec, nil
}

// FindActive returns the contract of agentID that still awaits a signature.
// A partial unique index keeps it to at most one row.
func (r *PGRepository) FindActive(ctx context.Context, q db.DBTX, agentID string) (Record, error) {
	query := `
		SELECT ` + contractColumns + `
		FROM contracts
		WHERE agent_id = $1
		  AND signed_at IS NULL
		  AND superseded_at IS NULL`

	rec, err := scanRecord(q.QueryRow(ctx, query, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("contract: find active: %w", err)
	}
	return rec, nil
}

// Supersede retires an unsigned contract so a new one can take its place.
// Signed contracts are never superseded.
func (r *PGRepository) Supersede(ctx context.Context, q db.DBTX, id string, at time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE contracts
		SET superseded_at = $2
		WHERE id = $1
		  AND signed_at IS NULL
		  AND superseded_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("contract: supersede: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	rec, err := r.GetByID(ctx, q, id)
	if err != nil {
		return err
	}
	if rec.Signed() {
		return ErrAlreadySigned
	}
	return ErrSuperseded
}

// RecordSignature attaches sig to the contract once. A second call returns
// ErrAlreadySigned and leaves the first signature untouched; a superseded
// contract returns ErrSuperseded.
func (r *PGRepository) RecordSignature(ctx context.Context, q db.DBTX, id string, sig Signature) (Record, error) {
	query := `
		UPDATE contracts
		SET signed_name = $2,
		    signed_ip = $3,
		    signed_at = $4
		WHERE id = $1
		  AND signed_at IS NULL
		  AND superseded_at IS NULL
		RETURNING ` + contractColumns

	rec, err := scanRecord(q.QueryRow(ctx, query, id, sig.SignedName, sig.IPAddress, sig.SignedAt))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("contract: record signature: %w", err)
	}

	current, err := r.GetByID(ctx, q, id)
	if err != nil {
		return Record{}, err
	}
	if current.Signed() {
		return Record{}, ErrAlreadySigned
	}
	return Record{}, ErrSuperseded
}

// StoragePath returns only the blob path of a contract.
func (r *PGRepository) StoragePath(ctx context.Context, q db.DBTX, id string) (string, error) {
	var path string
	if err := q.QueryRow(ctx, `SELECT storage_path FROM contracts WHERE id = $1`, id).Scan(&path); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("contract: storage path: %w", err)
	}
	return path, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		commission string
		signedName *string
		signedIP   *string
		signedAt   *time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.AgentID,
		&rec.StoragePath,
		&rec.Filename,
		&rec.ContentHash,
		&commission,
		&rec.EffectiveDate,
		&signedName,
		&signedIP,
		&signedAt,
		&rec.SupersededAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	rate, err := decimal.NewFromString(commission)
	if err != nil {
		return Record{}, fmt.Errorf("contract: parse commission %q: %w", commission, err)
	}
	rec.CommissionPercent = rate

	if signedAt != nil && signedName != nil {
		sig := &Signature{SignedName: *signedName, SignedAt: *signedAt}
		if signedIP != nil {
			sig.IPAddress = *signedIP
		}
		rec.Signature = sig
	}
	return rec, nil
}

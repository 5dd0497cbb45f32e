package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agentonboard/db"
)

var (
	// ErrNotFound signals that no token matches the secret or contract.
	ErrNotFound = errors.New("token: not found")
	// ErrNotConsumable signals that the conditional consume matched no row.
	ErrNotConsumable = errors.New("token: not consumable")
)

// Repository handles data access for contract tokens.
type Repository interface {
	Insert(ctx context.Context, q db.DBTX, t Token) (Token, error)
	GetBySecret(ctx context.Context, q db.DBTX, secret string) (Token, error)
	FindActiveForContract(ctx context.Context, q db.DBTX, contractID string, now time.Time) (Token, error)
	MarkUsed(ctx context.Context, q db.DBTX, secret string, now time.Time) (Token, error)
	DeleteExpired(ctx context.Context, q db.DBTX, before time.Time) (int64, error)
	DeleteUnusedForContract(ctx context.Context, q db.DBTX, contractID string) (int64, error)
	ListConsumedUnfinished(ctx context.Context, q db.DBTX, limit int) ([]Token, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct{}

// NewRepository creates a PostgreSQL-backed token repository.
func NewRepository() *PGRepository {
	return &PGRepository{}
}

const tokenColumns = `t.id::text, t.contract_id::text, t.agent_id::text, t.secret, t.email,
	t.expires_at, t.used, t.used_at, t.created_at`

// Insert persists a new token.
func (r *PGRepository) Insert(ctx context.Context, q db.DBTX, t Token) (Token, error) {
	query := `
		INSERT INTO contract_tokens AS t (id, contract_id, agent_id, secret, email, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7)
		RETURNING ` + tokenColumns

	out, err := scanToken(q.QueryRow(ctx, query, t.ID, t.ContractID, t.AgentID, t.Secret, t.Email, t.ExpiresAt, t.CreatedAt))
	if err != nil {
		return Token{}, fmt.Errorf("token: insert: %w", err)
	}
	return out, nil
}

// GetBySecret looks a token up by its bearer secret.
func (r *PGRepository) GetBySecret(ctx context.Context, q db.DBTX, secret string) (Token, error) {
	out, err := scanToken(q.QueryRow(ctx, `SELECT `+tokenColumns+` FROM contract_tokens t WHERE t.secret = $1`, secret))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("token: get by secret: %w", err)
	}
	return out, nil
}

// FindActiveForContract returns the newest unused, unexpired token issued for
// contractID.
func (r *PGRepository) FindActiveForContract(ctx context.Context, q db.DBTX, contractID string, now time.Time) (Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM contract_tokens t
		WHERE t.contract_id = $1
		  AND t.used = false
		  AND t.expires_at > $2
		ORDER BY t.created_at DESC
		LIMIT 1`

	out, err := scanToken(q.QueryRow(ctx, query, contractID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("token: find active: %w", err)
	}
	return out, nil
}

// MarkUsed flips used to true only if the token is still unused and unexpired
// at now. Exactly one of any number of concurrent callers can succeed; the
// rest get ErrNotConsumable.
func (r *PGRepository) MarkUsed(ctx context.Context, q db.DBTX, secret string, now time.Time) (Token, error) {
	query := `
		UPDATE contract_tokens AS t
		SET used = true,
		    used_at = $2
		WHERE t.secret = $1
		  AND t.used = false
		  AND t.expires_at > $2
		RETURNING ` + tokenColumns

	out, err := scanToken(q.QueryRow(ctx, query, secret, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrNotConsumable
		}
		return Token{}, fmt.Errorf("token: mark used: %w", err)
	}
	return out, nil
}

// DeleteExpired removes unused tokens that expired before the cutoff. Used
// tokens are kept as the audit trail of a signature.
func (r *PGRepository) DeleteExpired(ctx context.Context, q db.DBTX, before time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM contract_tokens WHERE used = false AND expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("token: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteUnusedForContract removes every unused token of contractID, expired
// or not. A link to a deleted token reads as not found.
func (r *PGRepository) DeleteUnusedForContract(ctx context.Context, q db.DBTX, contractID string) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM contract_tokens WHERE contract_id = $1 AND used = false`, contractID)
	if err != nil {
		return 0, fmt.Errorf("token: delete unused for contract: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListConsumedUnfinished returns used tokens whose agent never reached
// completed. Every row is a signature that was consumed without the status
// advance landing.
func (r *PGRepository) ListConsumedUnfinished(ctx context.Context, q db.DBTX, limit int) ([]Token, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + tokenColumns + `
		FROM contract_tokens t
		JOIN agents a ON a.id = t.agent_id
		WHERE t.used = true
		  AND a.onboarding_status <> 'completed'
		ORDER BY t.used_at ASC
		LIMIT $1`

	rows, err := q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("token: list consumed unfinished: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("token: scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("token: rows: %w", err)
	}
	return out, nil
}

func scanToken(row pgx.Row) (Token, error) {
	var t Token
	err := row.Scan(
		&t.ID,
		&t.ContractID,
		&t.AgentID,
		&t.Secret,
		&t.Email,
		&t.ExpiresAt,
		&t.Used,
		&t.UsedAt,
		&t.CreatedAt,
	)
	return t, err
}

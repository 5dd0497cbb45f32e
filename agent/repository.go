package agent

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
	// ErrNotFound signals that the agent does not exist.
	ErrNotFound = errors.New("agent: not found")
	// ErrSubjectRequired signals an empty identity-provider subject.
	ErrSubjectRequired = errors.New("agent: subject id required")
)

// Repository handles data access for agents. Every method takes the querier
// it should run on so callers decide the transaction boundary.
type Repository interface {
	EnsureForSubject(ctx context.Context, q db.DBTX, subjectID, email string) (Agent, error)
	GetByID(ctx context.Context, q db.DBTX, id string) (Agent, error)
	GetBySubject(ctx context.Context, q db.DBTX, subjectID string) (Agent, error)
	GetForUpdate(ctx context.Context, q db.DBTX, id string) (Agent, error)
	UpdateProfile(ctx context.Context, q db.DBTX, id string, profile Profile) (Agent, error)
	Advance(ctx context.Context, q db.DBTX, id string, ev Event) (Agent, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	defaultCommission decimal.Decimal
	idGenerator       func() string
}

// NewRepository creates a PostgreSQL-backed agent repository. New agents get
// defaultCommission as their rate.
func NewRepository(defaultCommission decimal.Decimal) *PGRepository {
	return &PGRepository{
		defaultCommission: defaultCommission,
		idGenerator:       func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

const agentColumns = `id::text, subject_id, email, first_name, last_name, date_of_birth, phone,
	address_line1, address_line2, city, state, postal_code, country,
	commission_percent::text, onboarding_status, created_at, updated_at`

// EnsureForSubject returns the agent for subjectID, creating it in pending
// status the first time the identity provider reports the subject.
func (r *PGRepository) EnsureForSubject(ctx context.Context, q db.DBTX, subjectID, email string) (Agent, error) {
	if subjectID == "" {
		return Agent{}, ErrSubjectRequired
	}

	query := `
		INSERT INTO agents (id, subject_id, email, commission_percent, onboarding_status)
		VALUES ($1, $2, $3, $4::numeric, 'pending')
		ON CONFLICT (subject_id) DO UPDATE
		SET email = COALESCE(NULLIF(EXCLUDED.email, ''), agents.email)
		RETURNING ` + agentColumns

	a, err := scanAgent(q.QueryRow(ctx, query, r.idGenerator(), subjectID, email, r.defaultCommission.String()))
	if err != nil {
		return Agent{}, fmt.Errorf("agent: ensure for subject: %w", err)
	}
	return a, nil
}

// GetByID retrieves an agent by internal id.
func (r *PGRepository) GetByID(ctx context.Context, q db.DBTX, id string) (Agent, error) {
	return r.getOne(ctx, q, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id, "get by id")
}

// GetBySubject retrieves an agent by identity-provider subject.
func (r *PGRepository) GetBySubject(ctx context.Context, q db.DBTX, subjectID string) (Agent, error) {
	return r.getOne(ctx, q, `SELECT `+agentColumns+` FROM agents WHERE subject_id = $1`, subjectID, "get by subject")
}

// GetForUpdate loads the agent and holds its row lock until q's transaction ends.
func (r *PGRepository) GetForUpdate(ctx context.Context, q db.DBTX, id string) (Agent, error) {
	return r.getOne(ctx, q, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id, "get for update")
}

func (r *PGRepository) getOne(ctx context.Context, q db.DBTX, query, arg, op string) (Agent, error) {
	a, err := scanAgent(q.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("agent: %s: %w", op, err)
	}
	return a, nil
}

// UpdateProfile writes the validated profile fields.
func (r *PGRepository) UpdateProfile(ctx context.Context, q db.DBTX, id string, p Profile) (Agent, error) {
	query := `
		UPDATE agents
		SET first_name = $2,
		    last_name = $3,
		    date_of_birth = $4,
		    phone = $5,
		    address_line1 = $6,
		    address_line2 = $7,
		    city = $8,
		    state = $9,
		    postal_code = $10,
		    country = $11,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + agentColumns

	a, err := scanAgent(q.QueryRow(ctx, query, id,
		p.FirstName, p.LastName, p.DateOfBirth, p.Phone,
		p.AddressLine1, p.AddressLine2, p.City, p.State, p.PostalCode, p.Country,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("agent: update profile: %w", err)
	}
	return a, nil
}

// Advance applies ev as a compare-and-swap on onboarding_status: the update only
// matches rows whose status is one of the event's sources, so concurrent
// callers cannot both move the same agent. A rejected transition is reported
// as *TransitionError carrying the status that was observed.
func (r *PGRepository) Advance(ctx context.Context, q db.DBTX, id string, ev Event) (Agent, error) {
	sources, err := Sources(ev)
	if err != nil {
		return Agent{}, err
	}
	target, err := Target(ev)
	if err != nil {
		return Agent{}, err
	}

	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	query := `
		UPDATE agents
		SET onboarding_status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND onboarding_status = ANY($3::text[])
		RETURNING ` + agentColumns

	a, err := scanAgent(q.QueryRow(ctx, query, id, string(target), from))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent: advance %s: %w", ev, err)
	}

	var current Status
	if err := q.QueryRow(ctx, `SELECT onboarding_status FROM agents WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("agent: advance %s recheck: %w", ev, err)
	}
	return Agent{}, &TransitionError{From: current, Event: ev}
}

func scanAgent(row pgx.Row) (Agent, error) {
	var (
		a          Agent
		dob        *time.Time
		commission string
	)
	err := row.Scan(
		&a.ID,
		&a.SubjectID,
		&a.Email,
		&a.Profile.FirstName,
		&a.Profile.LastName,
		&dob,
		&a.Profile.Phone,
		&a.Profile.AddressLine1,
		&a.Profile.AddressLine2,
		&a.Profile.City,
		&a.Profile.State,
		&a.Profile.PostalCode,
		&a.Profile.Country,
		&commission,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Agent{}, err
	}

	rate, err := decimal.NewFromString(commission)
	if err != nil {
		return Agent{}, fmt.Errorf("agent: parse commission %q: %w", commission, err)
	}
	a.CommissionPercent = rate
	a.Profile.DateOfBirth = dob
	return a, nil
}

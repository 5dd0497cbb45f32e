package contract

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record mirrors the contracts table. CommissionPercent is the rate frozen at
// generation time and never follows later changes to the agent.
type Record struct {
	ID                string
	AgentID           string
	StoragePath       string
	Filename          string
	ContentHash       string
	CommissionPercent decimal.Decimal
	EffectiveDate     time.Time
	Signature         *Signature
	SupersededAt      *time.Time
	CreatedAt         time.Time
}

// Signed reports whether a signature has been recorded.
func (r Record) Signed() bool {
	return r.Signature != nil
}

// Superseded reports whether a later submission replaced this contract.
func (r Record) Superseded() bool {
	return r.SupersededAt != nil
}

// Active reports whether the contract still awaits a signature. An agent has
// at most one active contract.
func (r Record) Active() bool {
	return !r.Signed() && !r.Superseded()
}

// Signature is the typed-name, IP and timestamp triple captured at signing.
type Signature struct {
	SignedName string
	IPAddress  string
	SignedAt   time.Time
}

// CreateParams describes a freshly rendered and stored contract.
type CreateParams struct {
	AgentID           string
	StoragePath       string
	Filename          string
	ContentHash       string
	CommissionPercent decimal.Decimal
	EffectiveDate     time.Time
}

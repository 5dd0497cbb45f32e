package token

import (
	"fmt"
	"time"
)

// Token mirrors the contract_tokens table.
type Token struct {
	ID         string
	ContractID string
	AgentID    string
	Secret     string
	Email      string
	ExpiresAt  time.Time
	Used       bool
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// Code is a validation failure reason. The empty code means valid.
type Code string

const (
	CodeNotFound      Code = "NOT_FOUND"
	CodeExpired       Code = "EXPIRED"
	CodeUsed          Code = "USED"
	CodeEmailMismatch Code = "EMAIL_MISMATCH"
)

// CodeError carries a validation failure out of Consume.
type CodeError struct {
	Code Code
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("token: %s", e.Code)
}

// Validation is the outcome of Service.Validate.
type Validation struct {
	Valid       bool
	Code        Code
	TokenID     string
	ContractID  string
	AgentID     string
	AgentEmail  string
	StoragePath string
	PDFURL      string
	ExpiresAt   time.Time
}

// IssueParams binds a new token to its contract, agent and email.
type IssueParams struct {
	ContractID string
	AgentID    string
	Email      string
}

// Issued is returned once a token has been persisted.
type Issued struct {
	ID        string
	Secret    string
	ExpiresAt time.Time
}

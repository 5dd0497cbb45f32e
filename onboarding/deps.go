// Package onboarding drives an agent from profile submission to a signed
// commission agreement.
package onboarding

import (
	"context"

	"agentonboard/contract"
	"agentonboard/db"
	"agentonboard/mail"
	"agentonboard/token"
)

// Pool runs single statements and opens transactions. *pgxpool.Pool
// satisfies it.
type Pool interface {
	db.TxBeginner
	db.DBTX
}

// Tokens is the token store surface the pipeline needs. *token.Service
// satisfies it.
type Tokens interface {
	Issue(ctx context.Context, q db.DBTX, params token.IssueParams) (token.Issued, error)
	FindActive(ctx context.Context, q db.DBTX, contractID string) (token.Token, error)
	Lookup(ctx context.Context, q db.DBTX, secret string) (*token.Token, error)
	Check(ctx context.Context, q db.DBTX, secret, authenticatedEmail string) (*token.Token, token.Code, error)
	Consume(ctx context.Context, q db.DBTX, secret string) (token.Token, error)
	Revoke(ctx context.Context, q db.DBTX, contractID string) (int64, error)
}

// Renderer produces the agreement document.
type Renderer interface {
	Render(f contract.Fields) (contract.Rendered, error)
}

// Blobs stores rendered documents.
type Blobs interface {
	Upload(ctx context.Context, data []byte, path string) error
	Read(path string) ([]byte, error)
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) (mail.Result, error)
}

// TimelineWriter appends onboarding timeline events on q.
type TimelineWriter interface {
	Append(ctx context.Context, q db.DBTX, agentID, eventType string, payload map[string]any) error
}

// OutboxWriter enqueues outbox messages on q.
type OutboxWriter interface {
	Enqueue(ctx context.Context, q db.DBTX, topic string, payload map[string]any) error
}

// Events combines timeline and outbox writes. *eventlog.Store satisfies it.
type Events interface {
	TimelineWriter
	OutboxWriter
}

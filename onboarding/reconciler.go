package onboarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"agentonboard/agent"
	"agentonboard/contract"
	"agentonboard/db"
	"agentonboard/eventlog"
	"agentonboard/token"
)

// ErrNotReconcilable signals an inconsistency the operator must resolve by hand.
var ErrNotReconcilable = errors.New("onboarding: not reconcilable")

// ConsumedTokens lists used tokens whose agent never completed.
type ConsumedTokens interface {
	ListConsumedUnfinished(ctx context.Context, q db.DBTX, limit int) ([]token.Token, error)
}

// Inconsistency is a consumed token whose agent is not completed.
type Inconsistency struct {
	TokenID     string
	ContractID  string
	AgentID     string
	AgentStatus agent.Status
	UsedAt      *time.Time
	Signature   *contract.Signature
}

// Reconciler reports and repairs consumed tokens that did not complete their
// agent. It never runs on its own; an operator drives it.
type Reconciler struct {
	pool      Pool
	tokens    ConsumedTokens
	agents    agent.Repository
	contracts contract.Repository
	events    Events
	logger    *zap.Logger
}

// NewReconciler wires the reconciler.
func NewReconciler(pool Pool, tokens ConsumedTokens, agents agent.Repository, contracts contract.Repository, events Events) *Reconciler {
	return &Reconciler{
		pool:      pool,
		tokens:    tokens,
		agents:    agents,
		contracts: contracts,
		events:    events,
		logger:    zap.NewNop(),
	}
}

func (r *Reconciler) WithLogger(l *zap.Logger) *Reconciler {
	if l != nil {
		r.logger = l
	}
	return r
}

// List returns up to limit inconsistencies, oldest first.
func (r *Reconciler) List(ctx context.Context, limit int) ([]Inconsistency, error) {
	toks, err := r.tokens.ListConsumedUnfinished(ctx, r.pool, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Inconsistency, 0, len(toks))
	for _, t := range toks {
		item := Inconsistency{TokenID: t.ID, ContractID: t.ContractID, AgentID: t.AgentID, UsedAt: t.UsedAt}
		a, err := r.agents.GetByID(ctx, r.pool, t.AgentID)
		if err != nil {
			return nil, fmt.Errorf("onboarding: reconcile list agent %s: %w", t.AgentID, err)
		}
		item.AgentStatus = a.Status
		rec, err := r.contracts.GetByID(ctx, r.pool, t.ContractID)
		if err != nil {
			return nil, fmt.Errorf("onboarding: reconcile list contract %s: %w", t.ContractID, err)
		}
		item.Signature = rec.Signature
		out = append(out, item)
	}
	return out, nil
}

// Resolve completes the agent of contractID when a signature is on record
// and the agent is waiting in contract_sent. Anything else is
// ErrNotReconcilable.
func (r *Reconciler) Resolve(ctx context.Context, contractID, operator string) (agent.Agent, error) {
	var a agent.Agent
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		rec, err := r.contracts.GetByID(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if !rec.Signed() {
			return fmt.Errorf("%w: contract %s has no signature on record", ErrNotReconcilable, contractID)
		}
		current, err := r.agents.GetForUpdate(ctx, tx, rec.AgentID)
		if err != nil {
			return err
		}
		if current.Status != agent.StatusContractSent {
			return fmt.Errorf("%w: agent %s is %s", ErrNotReconcilable, current.ID, current.Status)
		}
		if a, err = r.agents.Advance(ctx, tx, current.ID, agent.EventContractSigned); err != nil {
			return err
		}

		payload := map[string]any{
			"agent_id":    a.ID,
			"contract_id": rec.ID,
			"reconciled":  true,
			"operator":    operator,
		}
		if err := r.events.Append(ctx, tx, a.ID, string(agent.EventContractSigned), payload); err != nil {
			return err
		}
		return r.events.Enqueue(ctx, tx, eventlog.TopicContractSigned, payload)
	})
	if err != nil {
		return agent.Agent{}, err
	}

	r.logger.Warn("fatal inconsistency reconciled",
		zap.String("agent_id", a.ID), zap.String("contract_id", contractID), zap.String("operator", operator))
	return a, nil
}

// Package eventlog appends onboarding timeline events and outbox messages on
// the caller's transaction, so they commit or roll back with the change they
// describe.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentonboard/db"
)

// Outbox topics.
const (
	TopicProfileSubmitted = "onboarding.profile_submitted"
	TopicContractSent     = "onboarding.contract_sent"
	TopicContractSigned   = "onboarding.contract_signed"

	TopicContractSuperseded = "onboarding.contract_superseded"
)

// Event is one row of an agent's onboarding timeline.
type Event struct {
	ID        int64
	AgentID   string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// Store writes timeline and outbox rows.
type Store struct{}

// New creates an event store.
func New() *Store {
	return &Store{}
}

// Append records a timeline event for agentID.
func (s *Store) Append(ctx context.Context, q db.DBTX, agentID, eventType string, payload map[string]any) error {
	body, err := marshal(payload)
	if err != nil {
		return fmt.Errorf("eventlog: marshal timeline payload: %w", err)
	}
	const query = `INSERT INTO onboarding_events (agent_id, type, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := q.Exec(ctx, query, agentID, eventType, body); err != nil {
		return fmt.Errorf("eventlog: insert timeline event: %w", err)
	}
	return nil
}

// Enqueue adds a message to the outbox.
func (s *Store) Enqueue(ctx context.Context, q db.DBTX, topic string, payload map[string]any) error {
	body, err := marshal(payload)
	if err != nil {
		return fmt.Errorf("eventlog: marshal outbox payload: %w", err)
	}
	const query = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := q.Exec(ctx, query, topic, body); err != nil {
		return fmt.Errorf("eventlog: enqueue outbox: %w", err)
	}
	return nil
}

// List returns the timeline of agentID, oldest first.
func (s *Store) List(ctx context.Context, q db.DBTX, agentID string) ([]Event, error) {
	rows, err := q.Query(ctx, `
		SELECT id, agent_id::text, type, payload, created_at
		FROM onboarding_events
		WHERE agent_id = $1
		ORDER BY id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.Type, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Payload); err != nil {
				return nil, fmt.Errorf("eventlog: decode payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: rows: %w", err)
	}
	return out, nil
}

func marshal(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(payload)
}

package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is consistent.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_signature_per_agent",
			SQL: `SELECT agent_id, COUNT(*) FROM contracts
                  WHERE signed_at IS NOT NULL
                  GROUP BY agent_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_used_token_per_contract",
			SQL: `SELECT contract_id, COUNT(*) FROM contract_tokens
                  WHERE used
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_used_token_has_signature",
			SQL: `SELECT t.id FROM contract_tokens t
                  JOIN contracts c ON c.id = t.contract_id
                  WHERE t.used AND c.signed_at IS NULL`,
		},
		{
			Name: "O4_used_token_completes_agent",
			SQL: `SELECT t.id, a.onboarding_status FROM contract_tokens t
                  JOIN agents a ON a.id = t.agent_id
                  WHERE t.used AND a.onboarding_status <> 'completed'`,
		},
		{
			Name: "O5_completed_agent_has_signature",
			SQL: `SELECT a.id FROM agents a
                  WHERE a.onboarding_status = 'completed'
                    AND NOT EXISTS (SELECT 1 FROM contracts c WHERE c.agent_id = a.id AND c.signed_at IS NOT NULL)`,
		},
		{
			Name: "O6_single_active_contract_per_agent",
			SQL: `SELECT agent_id, COUNT(*) FROM contracts
                  WHERE signed_at IS NULL AND superseded_at IS NULL
                  GROUP BY agent_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_token_lifetime",
			SQL: `SELECT id FROM contract_tokens
                  WHERE expires_at <> created_at + interval '72 hours'`,
		},
		{
			Name: "O8_single_live_token_per_contract",
			SQL: `SELECT contract_id, COUNT(*) FROM contract_tokens
                  WHERE NOT used AND expires_at > now()
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_sent_agent_has_token",
			SQL: `SELECT a.id FROM agents a
                  WHERE a.onboarding_status IN ('contract_sent', 'completed')
                    AND NOT EXISTS (SELECT 1 FROM contract_tokens t WHERE t.agent_id = a.id)`,
		},
		{
			Name: "O10_single_live_token_per_agent",
			SQL: `SELECT agent_id, COUNT(*) FROM contract_tokens
                  WHERE NOT used AND expires_at > now()
                  GROUP BY agent_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O11_live_token_on_superseded_contract",
			SQL: `SELECT t.id FROM contract_tokens t
                  JOIN contracts c ON c.id = t.contract_id
                  WHERE NOT t.used AND c.superseded_at IS NOT NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

package test

import (
	"context"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"agentonboard/agent"
	"agentonboard/contract"
	"agentonboard/eventlog"
	"agentonboard/mail"
	"agentonboard/onboarding"
	"agentonboard/storage"
	"agentonboard/test/infra"
	"agentonboard/token"
)

const signingKey = "stress-signing-key-0123456789abcdef"

// stack is the service graph wired the way cmd/api wires it, minus HTTP.
type stack struct {
	pool         *pgxpool.Pool
	agents       *agent.PGRepository
	contracts    *contract.PGRepository
	tokens       *token.Service
	orchestrator *onboarding.Orchestrator
	signer       *onboarding.Signer
}

// openDatabase returns a migrated pool in an isolated schema. The test is
// skipped when neither a DSN, Docker nor a local server is available.
func openDatabase(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("database test skipped in -short mode")
	}

	var (
		pgC *infra.PGContainer
		dsn string
		err error
	)
	switch {
	case *flDSN != "":
		pgC, dsn, err = infra.StartPostgres16(ctx, *flDSN)
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no database available: %v", err)
		}
		pgC = &infra.PGContainer{}
	}
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return pool
}

func newStack(t *testing.T, pool *pgxpool.Pool, now func() time.Time, log *zap.Logger) *stack {
	t.Helper()
	if log == nil {
		log = zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	}

	blobs, err := storage.New(t.TempDir(), "http://files.test", signingKey)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}

	s := &stack{
		pool:      pool,
		agents:    agent.NewRepository(decimal.NewFromInt(10)),
		contracts: contract.NewRepository(),
	}
	events := eventlog.New()
	s.tokens = token.NewService(pool, token.NewRepository(), s.contracts, blobs).WithClock(now).WithLogger(log)
	s.orchestrator = onboarding.NewOrchestrator(pool, s.agents, s.contracts, s.tokens,
		contract.NewRenderer("Agent Network"), blobs, mail.NewLogTransport(log, "example.com"), events,
		onboarding.Options{BaseURL: "https://agents.example.com", CompanyName: "Agent Network"},
	).WithClock(now).WithLogger(log)
	s.signer = onboarding.NewSigner(pool, s.agents, s.contracts, s.tokens, events).WithClock(now).WithLogger(log)
	return s
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

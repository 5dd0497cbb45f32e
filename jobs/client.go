package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"agentonboard/logger"
)

// Config sizes the River client.
type Config struct {
	MaxWorkers      int
	CleanupInterval time.Duration
}

// Migrate creates or upgrades River's own tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return 0, fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return 0, fmt.Errorf("river migrate up: %w", err)
	}
	return len(res.Versions), nil
}

// NewWorkers registers every worker of the service.
func NewWorkers(resender Resender, purger Purger, retention time.Duration) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewContractResendWorker(resender))
	river.AddWorker(workers, NewTokenCleanupWorker(purger, retention))
	return workers
}

// NewClient builds a River client. A nil workers value yields an insert-only
// client, which is what the CLI uses.
func NewClient(pool *pgxpool.Pool, workers *river.Workers, cfg Config) (*river.Client[pgx.Tx], error) {
	riverCfg := &river.Config{}
	if workers != nil {
		if cfg.MaxWorkers <= 0 {
			cfg.MaxWorkers = 10
		}
		if cfg.CleanupInterval <= 0 {
			cfg.CleanupInterval = 6 * time.Hour
		}
		riverCfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		}
		riverCfg.Workers = workers
		riverCfg.PeriodicJobs = []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.CleanupInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return TokenCleanupArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	logger.L().Info("River client initialized", zap.Int("max_workers", cfg.MaxWorkers), zap.Bool("workers", workers != nil))
	return client, nil
}

// Inserter is the slice of *river.Client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// EnqueueResend queues a resend of contractID and reports whether an
// equivalent job was already pending.
func EnqueueResend(ctx context.Context, client Inserter, contractID string) (int64, bool, error) {
	if contractID == "" {
		return 0, false, fmt.Errorf("enqueue resend: contract id required")
	}
	res, err := client.Insert(ctx, ContractResendArgs{ContractID: contractID}, nil)
	if err != nil {
		return 0, false, fmt.Errorf("enqueue resend: %w", err)
	}
	return res.Job.ID, res.UniqueSkippedAsDuplicate, nil
}

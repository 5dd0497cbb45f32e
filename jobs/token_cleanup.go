package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"agentonboard/logger"
)

// DefaultTokenRetention is how long an expired, unused token is kept before
// the cleanup job deletes it.
const DefaultTokenRetention = 30 * 24 * time.Hour

// TokenCleanupArgs is a periodic job that removes long-expired tokens.
type TokenCleanupArgs struct{}

// Kind returns the job kind identifier for token cleanup.
func (TokenCleanupArgs) Kind() string { return "token_cleanup" }

// InsertOpts ensures at most one cleanup job is enqueued per hour.
func (TokenCleanupArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// Purger deletes expired tokens older than a retention period.
type Purger interface {
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// TokenCleanupWorker runs TokenCleanupArgs jobs.
type TokenCleanupWorker struct {
	river.WorkerDefaults[TokenCleanupArgs]
	purger    Purger
	retention time.Duration
}

// NewTokenCleanupWorker creates a cleanup worker. Non-positive retention
// falls back to DefaultTokenRetention.
func NewTokenCleanupWorker(purger Purger, retention time.Duration) *TokenCleanupWorker {
	if retention <= 0 {
		retention = DefaultTokenRetention
	}
	return &TokenCleanupWorker{purger: purger, retention: retention}
}

// Work deletes the expired tokens.
func (w *TokenCleanupWorker) Work(ctx context.Context, _ *river.Job[TokenCleanupArgs]) error {
	if w == nil || w.purger == nil {
		return fmt.Errorf("token cleanup worker is not initialized")
	}

	deleted, err := w.purger.PurgeExpired(ctx, w.retention)
	if err != nil {
		return fmt.Errorf("purge expired tokens: %w", err)
	}

	logger.L().Info("token cleanup completed",
		zap.Int64("deleted_rows", deleted),
		zap.Duration("retention", w.retention),
	)
	return nil
}

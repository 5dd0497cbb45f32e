// Package jobs holds the River background jobs of the onboarding service.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"agentonboard/apperr"
	"agentonboard/logger"
	"agentonboard/onboarding"
)

// ContractResendArgs re-delivers the review email of one contract.
type ContractResendArgs struct {
	ContractID string `json:"contract_id"`
}

// Kind returns the job kind identifier for contract resends.
func (ContractResendArgs) Kind() string { return "contract_resend" }

// InsertOpts collapses repeated resend requests for the same contract within
// ten minutes.
func (ContractResendArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 5,
		UniqueOpts: river.UniqueOpts{
			ByArgs:   true,
			ByPeriod: 10 * time.Minute,
		},
	}
}

// Resender repeats the send step of the pipeline.
type Resender interface {
	SendContract(ctx context.Context, contractID string) (onboarding.SendResult, error)
}

// ContractResendWorker runs ContractResendArgs jobs.
type ContractResendWorker struct {
	river.WorkerDefaults[ContractResendArgs]
	resender Resender
}

// NewContractResendWorker creates a resend worker.
func NewContractResendWorker(resender Resender) *ContractResendWorker {
	return &ContractResendWorker{resender: resender}
}

// Work sends the email. Errors that a retry cannot fix cancel the job.
func (w *ContractResendWorker) Work(ctx context.Context, job *river.Job[ContractResendArgs]) error {
	if w == nil || w.resender == nil {
		return fmt.Errorf("contract resend worker is not initialized")
	}
	if job == nil || job.Args.ContractID == "" {
		return river.JobCancel(fmt.Errorf("contract resend: contract id required"))
	}

	res, err := w.resender.SendContract(ctx, job.Args.ContractID)
	if err != nil {
		switch apperr.CodeOf(err) {
		case apperr.CodeConflict, apperr.CodeNotFound:
			logger.L().Info("contract resend cancelled",
				zap.String("contract_id", job.Args.ContractID), zap.Error(err))
			return river.JobCancel(err)
		}
		return fmt.Errorf("contract resend %s: %w", job.Args.ContractID, err)
	}

	logger.L().Info("contract resend completed",
		zap.String("contract_id", res.ContractID),
		zap.String("token_id", res.TokenID),
		zap.Bool("reissued", res.Reissued),
		zap.String("status", string(res.Status)),
	)
	return nil
}

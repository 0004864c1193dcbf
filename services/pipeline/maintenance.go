package pipeline

import (
	"context"
	"time"

	"certificate-pipeline/pkg/errutil"
	applog "certificate-pipeline/pkg/logger"
	"certificate-pipeline/services/ledger"

	"go.uber.org/zap"
)

const defaultBatchLimit = 500

// Retry re-runs a non-terminal job now. A backoff fence is released first; a
// job claimed by a live worker is left to that worker so the step is never
// run twice. Terminal jobs are left alone.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) error {
	job, err := o.ledger.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return errutil.NotFound("job not found", nil)
	}

	log := applog.FromContext(ctx).With(zap.String("job_id", jobID), zap.String("state", string(job.State)))
	if job.State.Terminal() {
		log.Info("[Pipeline] retry ignored for terminal job")
		return nil
	}

	if job.LeaseUntil != nil && job.LeaseUntil.After(o.now()) {
		if job.LeaseKind != ledger.LeaseBackoff {
			log.Info("[Pipeline] retry ignored, job is in flight")
			return nil
		}
		if _, err := o.ledger.ReleaseLease(ctx, job.JobID, job.Generation, job.State); err != nil {
			return err
		}
	}

	log.Info("[Pipeline] retrying job")
	return o.Run(ctx, jobID)
}

// RetryFailedBatch reopens FAILED jobs with a retryable failure kind and
// dispatches them. It returns how many were reopened.
func (o *Orchestrator) RetryFailedBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	jobs, err := o.ledger.ListRetryableFailed(ctx, limit)
	if err != nil {
		return 0, err
	}

	reopened := 0
	for _, job := range jobs {
		next, applied, err := o.ledger.Reopen(ctx, job.JobID)
		if err != nil {
			zap.L().Error("[Pipeline] failed to reopen job", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		reopened++
		transitionsTotal.WithLabelValues(string(next.State)).Inc()

		if err := o.dispatcher.Dispatch(ctx, job.JobID, 0); err != nil {
			zap.L().Error("[Pipeline] failed to dispatch reopened job", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}

	zap.L().Info("[Pipeline] retry_failed_batch finished", zap.Int("candidates", len(jobs)), zap.Int("reopened", reopened))
	return reopened, nil
}

// ResumeStuck dispatches non-terminal jobs that have not moved for olderThan
// and hold no live lease, e.g. after a lost dispatch or a crashed worker.
func (o *Orchestrator) ResumeStuck(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	jobs, err := o.ledger.ListStale(ctx, o.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, job := range jobs {
		if err := o.dispatcher.Dispatch(ctx, job.JobID, 0); err != nil {
			zap.L().Error("[Pipeline] failed to resume job", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		resumed++
	}

	if resumed > 0 {
		zap.L().Info("[Pipeline] resumed stuck jobs", zap.Int("count", resumed))
	}
	return resumed, nil
}

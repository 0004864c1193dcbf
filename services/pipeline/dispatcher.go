package pipeline

import (
	"context"
	"time"

	"certificate-pipeline/pkg/config"
	"certificate-pipeline/pkg/task"
)

// Dispatcher schedules an orchestrator run for a job.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, delay time.Duration) error
}

type asynqDispatcher struct {
	enqueuer task.Enqueuer
	opts     TaskOptions
}

func NewDispatcher(enqueuer task.Enqueuer, cfg *config.Config) Dispatcher {
	return &asynqDispatcher{
		enqueuer: enqueuer,
		opts:     TaskOptions{Queue: cfg.Pipeline.Queue, Timeout: cfg.Pipeline.TaskTimeout},
	}
}

func (d *asynqDispatcher) Dispatch(ctx context.Context, jobID string, delay time.Duration) error {
	_, err := d.enqueuer.Enqueue(ctx, NewProcessTask(jobID, delay, d.opts))
	return err
}

package pipeline

import (
	"encoding/json"
	"time"

	"certificate-pipeline/pkg/taskname"

	"github.com/hibiken/asynq"
)

type JobPayload struct {
	JobID string `json:"job_id"`
}

type RetryFailedBatchPayload struct {
	Limit int `json:"limit"`
}

// TaskOptions are shared by every pipeline task.
type TaskOptions struct {
	Queue   string
	Timeout time.Duration
}

func (o TaskOptions) options(extra ...asynq.Option) []asynq.Option {
	opts := []asynq.Option{asynq.MaxRetry(3)}
	if o.Queue != "" {
		opts = append(opts, asynq.Queue(o.Queue))
	}
	if o.Timeout > 0 {
		opts = append(opts, asynq.Timeout(o.Timeout))
	}
	return append(opts, extra...)
}

func NewProcessTask(jobID string, delay time.Duration, o TaskOptions) *asynq.Task {
	payload, _ := json.Marshal(JobPayload{JobID: jobID})
	var extra []asynq.Option
	if delay > 0 {
		extra = append(extra, asynq.ProcessIn(delay))
	}
	return asynq.NewTask(taskname.CertificateProcess, payload, o.options(extra...)...)
}

func NewRetryTask(jobID string, o TaskOptions) *asynq.Task {
	payload, _ := json.Marshal(JobPayload{JobID: jobID})
	return asynq.NewTask(taskname.CertificateRetry, payload, o.options()...)
}

func NewRetryFailedBatchTask(limit int, o TaskOptions) *asynq.Task {
	payload, _ := json.Marshal(RetryFailedBatchPayload{Limit: limit})
	return asynq.NewTask(taskname.CertificateRetryFailedBatch, payload, o.options()...)
}

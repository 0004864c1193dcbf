package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"certificate-pipeline/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Handler struct {
	orchestrator *Orchestrator
}

func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

func RegisterHandlers(mux *asynq.ServeMux, h *Handler) {
	mux.HandleFunc(taskname.CertificateProcess, h.HandleProcess)
	mux.HandleFunc(taskname.CertificateRetry, h.HandleRetry)
	mux.HandleFunc(taskname.CertificateRetryFailedBatch, h.HandleRetryFailedBatch)
}

func decodeJob(t *asynq.Task) (string, error) {
	var p JobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.JobID == "" {
		return "", fmt.Errorf("invalid %s payload: %w", t.Type(), asynq.SkipRetry)
	}
	return p.JobID, nil
}

func (h *Handler) HandleProcess(ctx context.Context, t *asynq.Task) error {
	jobID, err := decodeJob(t)
	if err != nil {
		zap.L().Error("[Pipeline] dropping task", zap.String("task_type", t.Type()), zap.Error(err))
		return err
	}
	return h.orchestrator.Run(ctx, jobID)
}

func (h *Handler) HandleRetry(ctx context.Context, t *asynq.Task) error {
	jobID, err := decodeJob(t)
	if err != nil {
		zap.L().Error("[Pipeline] dropping task", zap.String("task_type", t.Type()), zap.Error(err))
		return err
	}
	return h.orchestrator.Retry(ctx, jobID)
}

func (h *Handler) HandleRetryFailedBatch(ctx context.Context, t *asynq.Task) error {
	var p RetryFailedBatchPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", t.Type(), asynq.SkipRetry)
		}
	}
	_, err := h.orchestrator.RetryFailedBatch(ctx, p.Limit)
	return err
}

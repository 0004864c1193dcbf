package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"certificate-pipeline/pkg/config"
	"certificate-pipeline/pkg/hashistack/secretmanager"
	"certificate-pipeline/pkg/logger"
	"certificate-pipeline/pkg/task"
	"certificate-pipeline/services/pipeline"
	"certificate-pipeline/services/poller"
)

// maintenance enqueues an operator action for the worker:
//
//	maintenance -action retry -job <job_id>
//	maintenance -action retry-failed [-limit 500]
//	maintenance -action check -course <course_id> -email <email>
type request struct {
	action string
	jobID  string
	limit  int
	course string
	email  string
}

func main() {
	var req request
	flag.StringVar(&req.action, "action", "", "retry, retry-failed or check")
	flag.StringVar(&req.jobID, "job", "", "job id for retry")
	flag.IntVar(&req.limit, "limit", 0, "max jobs reopened by retry-failed")
	flag.StringVar(&req.course, "course", "", "course id for check")
	flag.StringVar(&req.email, "email", "", "learner email for check")
	flag.Parse()

	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		task.Client,
		fx.Supply(req),
		fx.Invoke(enqueue),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Printf("maintenance: %v", err)
		os.Exit(1)
	}
	_ = app.Stop(ctx)
}

func enqueue(cfg *config.Config, enqueuer task.Enqueuer, req request) error {
	opts := pipeline.TaskOptions{Queue: cfg.Pipeline.Queue, Timeout: cfg.Pipeline.TaskTimeout}

	var t *asynq.Task
	switch req.action {
	case "retry":
		if req.jobID == "" {
			return fmt.Errorf("-job is required for retry")
		}
		t = pipeline.NewRetryTask(req.jobID, opts)
	case "retry-failed":
		t = pipeline.NewRetryFailedBatchTask(req.limit, opts)
	case "check":
		if req.course == "" || req.email == "" {
			return fmt.Errorf("-course and -email are required for check")
		}
		t = poller.NewCheckTask(req.course, req.email)
	default:
		return fmt.Errorf("unknown action %q", req.action)
	}

	info, err := enqueuer.Enqueue(context.Background(), t)
	if err != nil {
		return err
	}
	zap.L().Info("[Maintenance] task enqueued", zap.String("task_type", info.Type), zap.String("task_id", info.ID), zap.String("queue", info.Queue))
	return nil
}

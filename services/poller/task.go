package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"certificate-pipeline/pkg/errutil"
	"certificate-pipeline/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type CheckPayload struct {
	CourseID string `json:"course_id"`
	Email    string `json:"email"`
}

func NewCheckTask(courseID, email string) *asynq.Task {
	payload, _ := json.Marshal(CheckPayload{CourseID: courseID, Email: email})
	return asynq.NewTask(taskname.EnrollmentCheck, payload, asynq.MaxRetry(3), asynq.Queue("low"))
}

func (p *Poller) HandleCheck(ctx context.Context, t *asynq.Task) error {
	var payload CheckPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.CourseID == "" || payload.Email == "" {
		return fmt.Errorf("invalid %s payload: %w", t.Type(), asynq.SkipRetry)
	}

	outcome, err := p.CheckOne(ctx, payload.CourseID, payload.Email)
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) && be.Code == errutil.StatusNotFound {
			zap.L().Warn("[Poller] enrollment for check task not found", zap.String("course_id", payload.CourseID))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	zap.L().Info("[Poller] enrollment checked", zap.String("course_id", payload.CourseID), zap.String("outcome", string(outcome)))
	return nil
}

func RegisterHandlers(mux *asynq.ServeMux, p *Poller) {
	mux.HandleFunc(taskname.EnrollmentCheck, p.HandleCheck)
}

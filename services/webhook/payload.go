package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"certificate-pipeline/pkg/errutil"

	"github.com/go-playground/validator/v10"
)

// CompletionPayload is the body of POST /completion-events.
type CompletionPayload struct {
	CourseID     string         `json:"course_id" validate:"required,min=1,max=255"`
	Email        string         `json:"email" validate:"required,email,max=320"`
	LearnerEmail string         `json:"learner_email,omitempty" validate:"omitempty,email"`
	EventID      string         `json:"event_id,omitempty" validate:"max=255"`
	CompletedAt  string         `json:"completed_at,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func decodePayload(body []byte) (*CompletionPayload, error) {
	var p CompletionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errutil.BadRequest("invalid JSON body", err)
	}

	p.CourseID = strings.TrimSpace(p.CourseID)
	p.Email = strings.TrimSpace(p.Email)
	if p.Email == "" {
		p.Email = strings.TrimSpace(p.LearnerEmail)
	}
	p.EventID = strings.TrimSpace(p.EventID)

	if err := validate.Struct(&p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, errutil.ValidationFailed("invalid payload", err)
		}
		details := make([]errutil.Detail, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, errutil.Detail{Field: fe.Field(), Message: describe(fe)})
		}
		return nil, errutil.ValidationFailed(details[0].Field+": "+details[0].Message, err, errutil.WithDetails(details...))
	}
	return &p, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "datetime":
		return "must be an RFC 3339 timestamp"
	}
	return "is invalid"
}

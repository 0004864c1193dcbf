package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"certificate-pipeline/pkg/config"
	"certificate-pipeline/pkg/errutil"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Source answers whether a learner has completed a course.
type Source interface {
	CheckCompletion(ctx context.Context, courseID, email string) (*Status, error)
}

type Status struct {
	Completed  bool
	Percentage float64
	// Details is stored verbatim as the enrollment's completion_data.
	Details map[string]any
}

type learnerCourse struct {
	ID             string       `json:"id"`
	Title          string       `json:"Title"`
	Progress       float64      `json:"progress"`
	TotalTime      float64      `json:"totalTime"`
	Items          []courseItem `json:"course items"`
	AssignedDate   string       `json:"Assigned Date"`
	LastAccessDate string       `json:"last access date"`
	StartDate      string       `json:"start date"`
}

type courseItem struct {
	Completed bool `json:"completed"`
}

type learnersResponse struct {
	Data []struct {
		Email   string          `json:"email"`
		Courses []learnerCourse `json:"courses"`
	} `json:"data"`
}

type Options struct {
	BaseURL    string
	ApiKey     string
	MerchantID string
	Timeout    time.Duration
	MaxRetries int
	RetryWait  time.Duration
}

type Client struct {
	http *resty.Client
	opts Options
}

func NewClient(opts Options) *Client {
	if opts.RetryWait == 0 {
		opts.RetryWait = time.Second
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "certificate-pipeline/1.0").
		SetRetryCount(opts.MaxRetries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(8 * opts.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{http: c, opts: opts}
}

func NewSource(cfg *config.Config) Source {
	cs := cfg.CompletionSource
	return NewClient(Options{
		BaseURL:    cs.BaseURL,
		ApiKey:     cs.ApiKey,
		MerchantID: cs.MerchantID,
		Timeout:    cs.Timeout,
		MaxRetries: cs.MaxRetries,
	})
}

// CheckCompletion looks the learner up with course info and evaluates the
// matching course entry. Unknown learners and courses are reported as not
// completed.
func (c *Client) CheckCompletion(ctx context.Context, courseID, email string) (*Status, error) {
	if c.opts.BaseURL == "" {
		return nil, errutil.UpstreamCheck("get learner", ErrNotConfigured)
	}

	query, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return nil, errutil.UpstreamCheck("encode query", err)
	}

	var out learnersResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"mid":        c.opts.MerchantID,
			"key":        c.opts.ApiKey,
			"query":      string(query),
			"courseInfo": "true",
			"limit":      "1",
		}).
		SetResult(&out).
		Get("/public/v2/learners")
	if err != nil {
		return nil, errutil.UpstreamCheck("get learner", err)
	}
	if resp.IsError() {
		return nil, errutil.UpstreamCheck("get learner",
			fmt.Errorf("completion source returned %d: %s", resp.StatusCode(), truncate(resp.String(), 200)))
	}

	if len(out.Data) == 0 {
		zap.L().Debug("[Completion] learner not found", zap.String("course_id", courseID))
		return &Status{Details: map[string]any{"error": "learner not found"}}, nil
	}

	for _, course := range out.Data[0].Courses {
		if course.ID == courseID {
			return evaluate(course), nil
		}
	}

	return &Status{Details: map[string]any{"error": "course not found in learner data"}}, nil
}

func evaluate(course learnerCourse) *Status {
	done := 0
	for _, item := range course.Items {
		if item.Completed {
			done++
		}
	}

	return &Status{
		Completed:  course.Progress >= 100 && done == len(course.Items),
		Percentage: course.Progress,
		Details: map[string]any{
			"progress":           course.Progress,
			"totalTime":          course.TotalTime,
			"course_items_count": len(course.Items),
			"completed_items":    done,
			"course_title":       course.Title,
			"assigned_date":      course.AssignedDate,
			"last_access_date":   course.LastAccessDate,
			"start_date":         course.StartDate,
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ErrNotConfigured is returned by a Source with no base URL.
var ErrNotConfigured = errors.New("completion source is not configured")

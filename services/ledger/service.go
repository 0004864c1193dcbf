package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"certificate-pipeline/pkg/db/option"
	"certificate-pipeline/pkg/db/pagination"
	"certificate-pipeline/pkg/errutil"
	"certificate-pipeline/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrStateRegression = errors.New("ledger: transition would regress job state")
	ErrTerminalState   = errors.New("ledger: job is in a terminal state")
	ErrUnknownState    = errors.New("ledger: unknown state")
	ErrNotClaimable    = errors.New("ledger: state has no claimable stage")

	// errAdmissionInFlight means the event row exists but its job is not
	// visible yet. The caller may retry the admission.
	errAdmissionInFlight = errors.New("ledger: admission in flight")
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time

	events      repository.Repository[CompletionEvent]
	jobs        repository.Repository[CertificateJob]
	attempts    repository.Repository[DeliveryAttempt]
	transitions repository.Repository[StateTransition]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		now:  func() time.Time { return time.Now().UTC() },

		events:      repository.ProvideStore[CompletionEvent](p.DB),
		jobs:        repository.ProvideStore[CertificateJob](p.DB),
		attempts:    repository.ProvideStore[DeliveryAttempt](p.DB),
		transitions: repository.ProvideStore[StateTransition](p.DB),
	}
}

// WithClock swaps the time source. Tests use it to step over leases.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type AdmitRequest struct {
	DedupKey     string
	Source       Source
	CourseID     string
	LearnerEmail string
	EventID      string
	Payload      datatypes.JSON
}

// Admit records the completion event and creates its job, or returns the job
// already admitted under the same dedup key. created is true for exactly one
// caller per key.
func (s *Service) Admit(ctx context.Context, req AdmitRequest) (*CertificateJob, bool, error) {
	if req.DedupKey == "" || req.CourseID == "" || req.LearnerEmail == "" {
		return nil, false, errutil.ValidationFailed("dedup key, course and learner are required", nil)
	}

	var (
		job     *CertificateJob
		created bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		event := &CompletionEvent{
			ID:           s.node.Generate().String(),
			DedupKey:     req.DedupKey,
			Source:       req.Source,
			CourseID:     req.CourseID,
			LearnerEmail: NormalizeEmail(req.LearnerEmail),
			EventID:      req.EventID,
			RawPayload:   req.Payload,
			ReceivedAt:   now,
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		}).Create(event)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			existing, err := s.jobs.WithTrx(tx).FindOne(ctx, &CertificateJob{JobID: req.DedupKey})
			if err != nil {
				return err
			}
			if existing == nil {
				return errAdmissionInFlight
			}
			job = existing
			return nil
		}

		job = &CertificateJob{
			JobID:        req.DedupKey,
			CourseID:     event.CourseID,
			LearnerEmail: event.LearnerEmail,
			State:        StateAdmitted,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.jobs.WithTrx(tx).Create(ctx, job); err != nil {
			return err
		}
		created = true

		return s.recordTransition(ctx, tx, job.JobID, job.Generation, "", StateAdmitted, now)
	})
	if err != nil {
		return nil, false, fmt.Errorf("admit %s: %w", req.DedupKey, err)
	}

	return job, created, nil
}

// JobFields are the optional column updates applied with a transition.
type JobFields struct {
	ArtifactRef       *string
	CertificateNumber *string
	LastError         *string
	FailureKind       *errutil.Kind
	// LeaseUntil fences the job for a retry backoff; it is stored in UTC.
	LeaseUntil   *time.Time
	ReleaseLease bool
}

func (f JobFields) apply(updates map[string]any) {
	if f.ArtifactRef != nil {
		updates["artifact_ref"] = *f.ArtifactRef
	}
	if f.CertificateNumber != nil {
		updates["certificate_number"] = *f.CertificateNumber
	}
	if f.LastError != nil {
		updates["last_error"] = *f.LastError
	}
	if f.FailureKind != nil {
		updates["failure_kind"] = *f.FailureKind
	}
	if f.LeaseUntil != nil {
		updates["lease_until"] = f.LeaseUntil.UTC()
		updates["lease_kind"] = LeaseBackoff
	}
	if f.ReleaseLease {
		updates["lease_until"] = nil
		updates["lease_kind"] = ""
	}
}

// Transition is a compare-and-swap request: it applies only while the job is
// still in From within the same generation.
type Transition struct {
	JobID      string
	Generation int
	From       State
	To         State
	Fields     JobFields
}

// UpdateState applies t if the job is still in t.From. A miss is reported as
// applied=false with the current job, never as an error.
func (s *Service) UpdateState(ctx context.Context, t Transition) (*CertificateJob, bool, error) {
	if !t.From.Valid() || !t.To.Valid() {
		return nil, false, ErrUnknownState
	}
	if t.From.Terminal() {
		return nil, false, ErrTerminalState
	}
	if t.To.Rank() < t.From.Rank() {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrStateRegression, t.From, t.To)
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		updates := map[string]any{"state": t.To, "updated_at": now}
		t.Fields.apply(updates)

		res := tx.Model(&CertificateJob{}).
			Where("job_id = ? AND state = ? AND generation = ?", t.JobID, t.From, t.Generation).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		if t.From == t.To {
			return nil
		}
		return s.recordTransition(ctx, tx, t.JobID, t.Generation, t.From, t.To, now)
	})
	if err != nil {
		return nil, false, fmt.Errorf("update state %s %s->%s: %w", t.JobID, t.From, t.To, err)
	}

	job, err := s.Get(ctx, t.JobID)
	if err != nil {
		return nil, applied, err
	}
	return job, applied, nil
}

// claimStage maps a state to the working state of its stage and the attempt
// counter that stage consumes.
func claimStage(from State) (State, string, error) {
	switch from {
	case StateAdmitted, StateRendering:
		return StateRendering, "render_attempts", nil
	case StateRendered, StateDelivering:
		return StateDelivering, "attempt_count", nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotClaimable, from)
}

// Claim takes the lease on the job's current stage and consumes one attempt
// of it. It succeeds only while the job is in from, no other lease is live
// and fewer than maxAttempts attempts were made in this generation.
func (s *Service) Claim(ctx context.Context, jobID string, generation int, from State, lease time.Duration, maxAttempts int) (*CertificateJob, bool, error) {
	working, counter, err := claimStage(from)
	if err != nil {
		return nil, false, err
	}

	applied := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&CertificateJob{}).
			Where("job_id = ? AND state = ? AND generation = ?", jobID, from, generation).
			Where("(lease_until IS NULL OR lease_until <= ?)", now).
			Where(counter+" < ?", maxAttempts).
			Updates(map[string]any{
				"state":       working,
				counter:       gorm.Expr(counter + " + 1"),
				"lease_until": now.Add(lease),
				"lease_kind":  LeaseClaim,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		if from == working {
			return nil
		}
		return s.recordTransition(ctx, tx, jobID, generation, from, working, now)
	})
	if err != nil {
		return nil, false, fmt.Errorf("claim %s from %s: %w", jobID, from, err)
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, applied, err
	}
	return job, applied, nil
}

// Reopen moves a FAILED job with a retryable failure back to the start of the
// stage it failed in, under a new generation with fresh attempt budgets.
func (s *Service) Reopen(ctx context.Context, jobID string) (*CertificateJob, bool, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job == nil {
		return nil, false, errutil.NotFound("job not found", nil)
	}
	if job.State != StateFailed || !job.FailureKind.Retryable() {
		return job, false, nil
	}

	target := StateAdmitted
	if job.ArtifactRef != "" {
		target = StateRendered
	}

	applied := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&CertificateJob{}).
			Where("job_id = ? AND state = ? AND generation = ?", jobID, StateFailed, job.Generation).
			Updates(map[string]any{
				"state":           target,
				"generation":      job.Generation + 1,
				"attempt_count":   0,
				"render_attempts": 0,
				"failure_kind":    "",
				"lease_until":     nil,
				"lease_kind":      "",
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return s.recordTransition(ctx, tx, jobID, job.Generation+1, StateFailed, target, now)
	})
	if err != nil {
		return nil, false, fmt.Errorf("reopen %s: %w", jobID, err)
	}

	job, err = s.Get(ctx, jobID)
	if err != nil {
		return nil, applied, err
	}
	return job, applied, nil
}

// ReleaseLease clears a live lease on a non-terminal job so that the next
// invocation can claim it right away.
func (s *Service) ReleaseLease(ctx context.Context, jobID string, generation int, state State) (bool, error) {
	_, applied, err := s.UpdateState(ctx, Transition{
		JobID:      jobID,
		Generation: generation,
		From:       state,
		To:         state,
		Fields:     JobFields{ReleaseLease: true},
	})
	return applied, err
}

func (s *Service) Get(ctx context.Context, jobID string) (*CertificateJob, error) {
	return s.jobs.FindOne(ctx, &CertificateJob{JobID: jobID})
}

func (s *Service) GetEvent(ctx context.Context, dedupKey string) (*CompletionEvent, error) {
	return s.events.FindOne(ctx, &CompletionEvent{DedupKey: dedupKey})
}

type JobFilter struct {
	State  State
	Cursor string
	Limit  int
}

// ListJobs pages through jobs in creation order.
func (s *Service) ListJobs(ctx context.Context, f JobFilter) ([]*CertificateJob, *pagination.PageInfo, error) {
	limit := f.Limit
	if limit <= 0 || limit > 250 {
		limit = 50
	}

	jobs, err := s.jobs.Find(ctx, &CertificateJob{State: f.State},
		option.ApplyPagination(pagination.Pagination{Cursor: f.Cursor, Limit: limit}, "job_id"))
	if err != nil {
		return nil, nil, err
	}

	jobs, info := pagination.BuildCursorPageInfo(jobs, limit, func(j *CertificateJob) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{CreatedAt: j.CreatedAt, ID: j.JobID})
		return cursor
	})
	return jobs, info, nil
}

func retryableKinds() []string {
	return []string{
		string(errutil.KindConversion),
		string(errutil.KindStorage),
		string(errutil.KindTransientDelivery),
	}
}

// ListRetryableFailed returns FAILED jobs whose failure kind allows a reopen.
func (s *Service) ListRetryableFailed(ctx context.Context, limit int) ([]*CertificateJob, error) {
	return s.jobs.Find(ctx, &CertificateJob{State: StateFailed},
		option.ApplyOperator(option.Condition{Field: "failure_kind", Operator: option.IN, Value: retryableKinds()}),
		option.WithSortBy(option.QuerySortBy{SortBy: "updated_at", OrderBy: "asc"}),
		option.WithLimit(limit),
	)
}

// ListStale returns non-terminal jobs without a live lease that have not moved
// since before.
func (s *Service) ListStale(ctx context.Context, before time.Time, limit int) ([]*CertificateJob, error) {
	states := make([]string, 0, len(NonTerminalStates))
	for _, st := range NonTerminalStates {
		states = append(states, string(st))
	}

	now := s.now()
	return s.jobs.Find(ctx, &CertificateJob{},
		option.ApplyOperator(
			option.Condition{Field: "state", Operator: option.IN, Value: states},
			option.Condition{Field: "updated_at", Operator: option.LT, Value: before},
		),
		func(db *gorm.DB) *gorm.DB {
			return db.Where("(lease_until IS NULL OR lease_until <= ?)", now)
		},
		option.WithSortBy(option.QuerySortBy{SortBy: "updated_at", OrderBy: "asc"}),
		option.WithLimit(limit),
	)
}

// RecordAttempt appends a delivery attempt. The (job, generation, attempt)
// triple is unique, so a replayed attempt cannot be logged twice.
func (s *Service) RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	if attempt.ID == "" {
		attempt.ID = s.node.Generate().String()
	}
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = s.now()
	}
	return s.attempts.Create(ctx, attempt)
}

func (s *Service) ListAttempts(ctx context.Context, jobID string) ([]*DeliveryAttempt, error) {
	return s.attempts.Find(ctx, &DeliveryAttempt{JobID: jobID},
		func(db *gorm.DB) *gorm.DB { return db.Order("generation ASC").Order("attempt_number ASC") },
	)
}

func (s *Service) CountAttempts(ctx context.Context, jobID string, generation int) (int64, error) {
	return s.attempts.Count(ctx, &DeliveryAttempt{JobID: jobID},
		option.ApplyOperator(option.Condition{Field: "generation", Operator: option.EQ, Value: generation}))
}

func (s *Service) ListTransitions(ctx context.Context, jobID string) ([]*StateTransition, error) {
	return s.transitions.Find(ctx, &StateTransition{JobID: jobID},
		func(db *gorm.DB) *gorm.DB { return db.Order("at ASC").Order("id ASC") },
	)
}

func (s *Service) recordTransition(ctx context.Context, tx *gorm.DB, jobID string, generation int, from, to State, at time.Time) error {
	return s.transitions.WithTrx(tx).Create(ctx, &StateTransition{
		ID:         s.node.Generate().String(),
		JobID:      jobID,
		Generation: generation,
		FromState:  from,
		ToState:    to,
		At:         at,
	})
}

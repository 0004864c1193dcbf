package ledger

import (
	"time"

	"certificate-pipeline/pkg/errutil"

	"gorm.io/datatypes"
)

type Source string

const (
	SourceWebhook Source = "WEBHOOK"
	SourcePoller  Source = "POLLER"
)

type State string

const (
	StateAdmitted   State = "ADMITTED"
	StateRendering  State = "RENDERING"
	StateRendered   State = "RENDERED"
	StateDelivering State = "DELIVERING"
	StateDelivered  State = "DELIVERED"
	StateFailed     State = "FAILED"
)

// LeaseKind tells a worker's claim apart from a retry backoff fence.
type LeaseKind string

const (
	LeaseClaim   LeaseKind = "claim"
	LeaseBackoff LeaseKind = "backoff"
)

var stateRank = map[State]int{
	StateAdmitted:   0,
	StateRendering:  1,
	StateRendered:   2,
	StateDelivering: 3,
	StateDelivered:  4,
	StateFailed:     4,
}

func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Rank orders states along the pipeline; DELIVERED and FAILED share the top rank.
func (s State) Rank() int {
	return stateRank[s]
}

func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

var NonTerminalStates = []State{StateAdmitted, StateRendering, StateRendered, StateDelivering}

type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeTransientFailure Outcome = "TRANSIENT_FAILURE"
	OutcomePermanentFailure Outcome = "PERMANENT_FAILURE"
)

// CompletionEvent is one observed completion, from either source.
type CompletionEvent struct {
	ID           string         `gorm:"column:id;primaryKey"`
	DedupKey     string         `gorm:"column:dedup_key;not null;uniqueIndex:ux_completion_events_dedup_key"`
	Source       Source         `gorm:"column:source;not null"`
	CourseID     string         `gorm:"column:course_id;not null"`
	LearnerEmail string         `gorm:"column:learner_email;not null"`
	EventID      string         `gorm:"column:event_id"`
	RawPayload   datatypes.JSON `gorm:"column:raw_payload"`
	ReceivedAt   time.Time      `gorm:"column:received_at;not null"`
}

func (CompletionEvent) TableName() string { return "completion_events" }

// CertificateJob carries one admitted event through rendering and delivery.
// JobID equals the event's dedup key.
type CertificateJob struct {
	JobID             string       `gorm:"column:job_id;primaryKey"`
	CourseID          string       `gorm:"column:course_id;not null"`
	LearnerEmail      string       `gorm:"column:learner_email;not null"`
	State             State        `gorm:"column:state;not null;index:idx_certificate_jobs_state_updated,priority:1"`
	ArtifactRef       string       `gorm:"column:artifact_ref"`
	CertificateNumber string       `gorm:"column:certificate_number"`
	AttemptCount      int          `gorm:"column:attempt_count;not null;default:0"`
	RenderAttempts    int          `gorm:"column:render_attempts;not null;default:0"`
	Generation        int          `gorm:"column:generation;not null;default:0"`
	LastError         string       `gorm:"column:last_error"`
	FailureKind       errutil.Kind `gorm:"column:failure_kind"`
	LeaseUntil        *time.Time   `gorm:"column:lease_until"`
	LeaseKind         LeaseKind    `gorm:"column:lease_kind"`
	CreatedAt         time.Time    `gorm:"column:created_at"`
	UpdatedAt         time.Time    `gorm:"column:updated_at;index:idx_certificate_jobs_state_updated,priority:2"`
}

func (CertificateJob) TableName() string { return "certificate_jobs" }

// DeliveryAttempt is append-only; one row per send try.
type DeliveryAttempt struct {
	ID            string    `gorm:"column:id;primaryKey"`
	JobID         string    `gorm:"column:job_id;not null;uniqueIndex:ux_delivery_attempts_job_attempt,priority:1"`
	Generation    int       `gorm:"column:generation;not null;uniqueIndex:ux_delivery_attempts_job_attempt,priority:2"`
	AttemptNumber int       `gorm:"column:attempt_number;not null;uniqueIndex:ux_delivery_attempts_job_attempt,priority:3"`
	Transport     string    `gorm:"column:transport"`
	Recipient     string    `gorm:"column:recipient"`
	Outcome       Outcome   `gorm:"column:outcome;not null"`
	Detail        string    `gorm:"column:detail"`
	Timestamp     time.Time `gorm:"column:attempted_at;not null"`
}

func (DeliveryAttempt) TableName() string { return "delivery_attempts" }

// StateTransition is the audit trail of applied state changes.
type StateTransition struct {
	ID         string    `gorm:"column:id;primaryKey"`
	JobID      string    `gorm:"column:job_id;not null;index"`
	Generation int       `gorm:"column:generation;not null"`
	FromState  State     `gorm:"column:from_state"`
	ToState    State     `gorm:"column:to_state;not null"`
	At         time.Time `gorm:"column:at;not null"`
}

func (StateTransition) TableName() string { return "certificate_job_transitions" }

// Models lists every table owned by the ledger, in migration order.
func Models() []any {
	return []any{&CompletionEvent{}, &CertificateJob{}, &DeliveryAttempt{}, &StateTransition{}}
}

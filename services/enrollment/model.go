package enrollment

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the canonical enrollment status. Older records that carried a
// separate "status" column are read through this field only.
type Status string

const (
	StatusPending          Status = "pending"
	StatusEnrolled         Status = "enrolled"
	StatusCompleted        Status = "completed"
	StatusEnrollmentFailed Status = "enrollment_failed"
)

// Record is a learner's enrollment in a course. The schema belongs to the
// enrollment service; this pipeline writes only the completion bookkeeping
// columns and certificate_ref.
type Record struct {
	ID                  string         `gorm:"column:id;primaryKey"`
	CourseID            string         `gorm:"column:course_id;not null;index:idx_enrollments_course_email,priority:1"`
	LearnerEmail        string         `gorm:"column:learner_email;not null;index:idx_enrollments_course_email,priority:2"`
	LearnerName         string         `gorm:"column:learner_name"`
	OrganizationWebsite string         `gorm:"column:organization_website"`
	EnrollmentStatus    Status         `gorm:"column:enrollment_status;not null;index"`
	LastCompletionCheck *time.Time     `gorm:"column:last_completion_check"`
	CompletionData      datatypes.JSON `gorm:"column:completion_data"`
	CertificateRef      string         `gorm:"column:certificate_ref"`
	CreatedAt           time.Time      `gorm:"column:created_at"`
	UpdatedAt           time.Time      `gorm:"column:updated_at"`
}

func (Record) TableName() string { return "enrollments" }

type Course struct {
	ID                      string    `gorm:"column:id;primaryKey"`
	Name                    string    `gorm:"column:name"`
	CertificateTemplateHTML string    `gorm:"column:certificate_template_html"`
	CreatedAt               time.Time `gorm:"column:created_at"`
	UpdatedAt               time.Time `gorm:"column:updated_at"`
}

func (Course) TableName() string { return "courses" }

type Organization struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name"`
	Website   string    `gorm:"column:website;index"`
	SOPEmail  string    `gorm:"column:sop_email"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Organization) TableName() string { return "organizations" }

// CertificateData is everything the certificate and the email need to know
// about one learner. Missing pieces stay empty.
type CertificateData struct {
	CourseID            string
	CourseName          string
	LearnerName         string
	LearnerEmail        string
	OrganizationName    string
	OrganizationWebsite string
	RecipientEmail      string
	TemplateHTML        string
}

func Models() []any {
	return []any{&Record{}, &Course{}, &Organization{}}
}

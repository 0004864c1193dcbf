package enrollment

import (
	"context"
	"strings"
	"time"

	"certificate-pipeline/pkg/db/option"
	"certificate-pipeline/pkg/repository"

	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB

	records       repository.Repository[Record]
	courses       repository.Repository[Course]
	organizations repository.Repository[Organization]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:            p.DB,
		records:       repository.ProvideStore[Record](p.DB),
		courses:       repository.ProvideStore[Course](p.DB),
		organizations: repository.ProvideStore[Organization](p.DB),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ListDue returns up to limit enrolled records, least recently checked first.
func (s *Service) ListDue(ctx context.Context, limit int) ([]*Record, error) {
	return s.records.Find(ctx, &Record{EnrollmentStatus: StatusEnrolled},
		func(db *gorm.DB) *gorm.DB {
			return db.Order("last_completion_check IS NOT NULL").Order("last_completion_check ASC").Order("id ASC")
		},
		option.WithLimit(limit),
	)
}

func (s *Service) FindRecord(ctx context.Context, courseID, email string) (*Record, error) {
	// zero-valued struct fields are dropped from the WHERE clause
	if strings.TrimSpace(courseID) == "" || normalizeEmail(email) == "" {
		return nil, nil
	}
	return s.records.FindOne(ctx, &Record{CourseID: strings.TrimSpace(courseID)},
		func(db *gorm.DB) *gorm.DB {
			return db.Where("LOWER(learner_email) = ?", normalizeEmail(email))
		},
	)
}

// Lookup gathers certificate data for a learner. Absent records leave their
// fields empty; the recipient falls back to the learner when the organization
// has no SOP mailbox.
func (s *Service) Lookup(ctx context.Context, courseID, email string) (*CertificateData, error) {
	data := &CertificateData{
		CourseID:     strings.TrimSpace(courseID),
		LearnerEmail: normalizeEmail(email),
	}

	record, err := s.FindRecord(ctx, courseID, email)
	if err != nil {
		return nil, err
	}
	if record != nil {
		data.LearnerName = record.LearnerName
		data.OrganizationWebsite = record.OrganizationWebsite
	}

	if data.CourseID != "" {
		course, err := s.courses.FindOne(ctx, &Course{ID: data.CourseID})
		if err != nil {
			return nil, err
		}
		if course != nil {
			data.CourseName = course.Name
			data.TemplateHTML = course.CertificateTemplateHTML
		}
	}

	if data.OrganizationWebsite != "" {
		org, err := s.organizations.FindOne(ctx, &Organization{Website: data.OrganizationWebsite})
		if err != nil {
			return nil, err
		}
		if org != nil {
			data.OrganizationName = org.Name
			data.RecipientEmail = strings.TrimSpace(org.SOPEmail)
		}
	}

	if data.RecipientEmail == "" {
		data.RecipientEmail = data.LearnerEmail
	}

	return data, nil
}

// MarkChecked stamps last_completion_check without touching the status.
func (s *Service) MarkChecked(ctx context.Context, recordID string, at time.Time) error {
	return s.records.Update(ctx, recordID, map[string]any{
		"last_completion_check": at,
		"updated_at":            at,
	})
}

// MarkCompleted moves a pending or enrolled record to completed and stamps
// the check time. Completed records are left as they are.
func (s *Service) MarkCompleted(ctx context.Context, recordID string, at time.Time, data datatypes.JSON) error {
	updates := map[string]any{
		"enrollment_status":     StatusCompleted,
		"last_completion_check": at,
		"updated_at":            at,
	}
	if len(data) > 0 {
		updates["completion_data"] = data
	}

	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND enrollment_status IN ?", recordID, []Status{StatusPending, StatusEnrolled}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.MarkChecked(ctx, recordID, at)
	}
	return nil
}

// AttachCertificate stores the artifact reference on the learner's record.
func (s *Service) AttachCertificate(ctx context.Context, courseID, email, ref string) error {
	return s.db.WithContext(ctx).Model(&Record{}).
		Where("course_id = ? AND LOWER(learner_email) = ?", strings.TrimSpace(courseID), normalizeEmail(email)).
		Updates(map[string]any{"certificate_ref": ref, "updated_at": time.Now().UTC()}).Error
}

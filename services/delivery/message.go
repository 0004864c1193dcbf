package delivery

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"certificate-pipeline/services/enrollment"

	"github.com/gosimple/slug"
)

type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

type Message struct {
	FromEmail  string
	FromName   string
	To         string
	Subject    string
	HTML       string
	Text       string
	Attachment *Attachment
}

var bodyTemplate = template.Must(template.New("certificate-email").Parse(`<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
<div style="max-width: 600px; margin: 0 auto; padding: 20px;">
<h2 style="color: #2c3e50;">Course Completion Certificate</h2>
<p>Dear {{ .Organization }} Team,</p>
<p>We are pleased to inform you that <strong>{{ .LearnerName }}</strong> has successfully completed the course <strong>"{{ .CourseName }}"</strong>.</p>
<ul>
<li><strong>Name:</strong> {{ .LearnerName }}</li>
<li><strong>Email:</strong> {{ .LearnerEmail }}</li>
<li><strong>Course:</strong> {{ .CourseName }}</li>
<li><strong>Organization:</strong> {{ .Organization }}</li>
</ul>
<p>The completion certificate is attached to this email.</p>
<hr style="border: none; border-top: 1px solid #eee; margin: 30px 0;">
<p style="font-size: 12px; color: #666;">This is an automated message. Sent from {{ .FromEmail }}.</p>
</div>
</body>
</html>`))

type bodyData struct {
	LearnerName  string
	LearnerEmail string
	CourseName   string
	Organization string
	FromEmail    string
}

// CertificateFilename returns Certificate_<learner>_<course>_<yyyymmdd>.pdf
// with both names slugged.
func CertificateFilename(learner, course string, at time.Time) string {
	l := slug.Make(learner)
	if l == "" {
		l = "learner"
	}
	c := slug.Make(course)
	if c == "" {
		c = "course"
	}
	return fmt.Sprintf("Certificate_%s_%s_%s.pdf", l, c, at.UTC().Format("20060102"))
}

func buildMessage(from, fromName, recipient string, data *enrollment.CertificateData, pdf []byte, at time.Time) (Message, error) {
	learner := data.LearnerName
	if learner == "" {
		learner = data.LearnerEmail
	}
	organization := data.OrganizationName
	if organization == "" {
		organization = data.OrganizationWebsite
	}

	var body bytes.Buffer
	err := bodyTemplate.Execute(&body, bodyData{
		LearnerName:  learner,
		LearnerEmail: data.LearnerEmail,
		CourseName:   data.CourseName,
		Organization: organization,
		FromEmail:    from,
	})
	if err != nil {
		return Message{}, err
	}

	return Message{
		FromEmail: from,
		FromName:  fromName,
		To:        recipient,
		Subject:   "Course Completion Certificate - " + learner,
		HTML:      body.String(),
		Text: fmt.Sprintf("%s has completed %s. The certificate is attached.",
			learner, data.CourseName),
		Attachment: &Attachment{
			Filename:    CertificateFilename(learner, data.CourseName, at),
			ContentType: "application/pdf",
			Content:     pdf,
		},
	}, nil
}

package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"certificate-pipeline/pkg/config"
	"certificate-pipeline/pkg/errutil"
	"certificate-pipeline/services/enrollment"
	"certificate-pipeline/services/ledger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Policy bounds delivery retries. Backoff(n) is the wait after the n-th
// failed attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 15 * time.Minute}
}

func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type ArtifactLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt *ledger.DeliveryAttempt) error
}

type Manager struct {
	primary     Transport
	fallback    Transport
	artifacts   ArtifactLoader
	attempts    AttemptRecorder
	sendTimeout time.Duration
	fromEmail   string
	fromName    string
	now         func() time.Time
}

type ManagerParams struct {
	fx.In
	Config    *config.Config
	Artifacts ArtifactLoader
	Attempts  AttemptRecorder
}

func NewManager(p ManagerParams) *Manager {
	c := p.Config
	return &Manager{
		primary:     NewSendgridTransport(c.Sendgrid.ApiKey, ""),
		fallback:    NewSMTPTransport(c.SMTP.Host, c.SMTP.Port, c.SMTP.Username, c.SMTP.Password),
		artifacts:   p.Artifacts,
		attempts:    p.Attempts,
		sendTimeout: c.Delivery.SendTimeout,
		fromEmail:   c.Delivery.FromEmail,
		fromName:    c.Delivery.FromName,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func NewPolicy(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   cfg.Delivery.BaseDelay,
		MaxDelay:    cfg.Delivery.MaxDelay,
	}
}

// Request is one claimed delivery attempt.
type Request struct {
	Job           *ledger.CertificateJob
	AttemptNumber int
	Data          *enrollment.CertificateData
}

// Deliver sends the job's certificate once and records exactly one
// DeliveryAttempt for it. The returned error carries a delivery or storage
// kind when the attempt failed.
func (m *Manager) Deliver(ctx context.Context, req Request) (*ledger.DeliveryAttempt, error) {
	job := req.Job
	data := req.Data
	if data == nil {
		data = &enrollment.CertificateData{CourseID: job.CourseID, LearnerEmail: job.LearnerEmail}
	}
	if data.LearnerEmail == "" {
		data.LearnerEmail = job.LearnerEmail
	}
	recipient := strings.TrimSpace(data.RecipientEmail)
	if recipient == "" {
		recipient = job.LearnerEmail
	}

	attempt := &ledger.DeliveryAttempt{
		JobID:         job.JobID,
		Generation:    job.Generation,
		AttemptNumber: req.AttemptNumber,
		Recipient:     recipient,
	}

	transport, sendErr := m.send(ctx, job, recipient, data)
	attempt.Transport = transport
	attempt.Timestamp = m.now().UTC()
	switch {
	case sendErr == nil:
		attempt.Outcome = ledger.OutcomeSuccess
	case errutil.IsKind(sendErr, errutil.KindPermanentDelivery):
		attempt.Outcome = ledger.OutcomePermanentFailure
		attempt.Detail = sendErr.Error()
	default:
		attempt.Outcome = ledger.OutcomeTransientFailure
		attempt.Detail = sendErr.Error()
	}

	if err := m.attempts.RecordAttempt(ctx, attempt); err != nil {
		zap.L().Error("[Delivery] failed to record attempt",
			zap.String("job_id", job.JobID),
			zap.Int("attempt", req.AttemptNumber),
			zap.Error(err),
		)
	}

	return attempt, sendErr
}

func (m *Manager) send(ctx context.Context, job *ledger.CertificateJob, recipient string, data *enrollment.CertificateData) (string, error) {
	pdf, err := m.artifacts.Load(ctx, job.ArtifactRef)
	if err != nil {
		return "", err
	}

	msg, err := buildMessage(m.fromEmail, m.fromName, recipient, data, pdf, m.now())
	if err != nil {
		return "", errutil.PermanentDelivery("build message", err)
	}

	var (
		errs      []error
		permanent = true
		used      []string
	)
	for _, t := range []Transport{m.primary, m.fallback} {
		if t == nil {
			continue
		}
		used = append(used, t.Name())

		err := m.sendWith(ctx, t, msg)
		if err == nil {
			zap.L().Info("[Delivery] certificate sent",
				zap.String("job_id", job.JobID),
				zap.String("transport", t.Name()),
				zap.String("recipient", recipient),
			)
			return t.Name(), nil
		}

		zap.L().Warn("[Delivery] transport failed",
			zap.String("job_id", job.JobID),
			zap.String("transport", t.Name()),
			zap.Error(err),
		)
		if !errutil.IsKind(err, errutil.KindPermanentDelivery) {
			permanent = false
		}
		errs = append(errs, err)
	}

	transports := strings.Join(used, ",")
	if len(errs) == 0 {
		return transports, errutil.TransientDelivery("send", errors.New("no transports configured"))
	}

	joined := errors.Join(errs...)
	if permanent {
		return transports, errutil.PermanentDelivery("send", joined)
	}
	return transports, errutil.TransientDelivery("send", joined)
}

func (m *Manager) sendWith(ctx context.Context, t Transport, msg Message) error {
	if m.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.sendTimeout)
		defer cancel()
	}

	err := t.Send(ctx, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errutil.TransientDelivery(t.Name(), err)
	}
	if errutil.KindOf(err) == "" {
		return errutil.TransientDelivery(t.Name(), err)
	}
	return err
}

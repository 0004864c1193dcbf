package delivery

import (
	"context"
	"errors"
	"net/textproto"
	"testing"
	"time"

	"certificate-pipeline/pkg/errutil"
	"certificate-pipeline/services/enrollment"
	"certificate-pipeline/services/ledger"
	"certificate-pipeline/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeTransport struct {
	name  string
	err   error
	delay time.Duration
	sent  []Message
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(ctx context.Context, msg Message) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type storeLoader struct {
	store *testutil.MemoryStore
}

func (l storeLoader) Load(ctx context.Context, ref string) ([]byte, error) {
	data, err := l.store.Get(ctx, ref)
	if err != nil {
		return nil, errutil.Storage("load artifact", err)
	}
	return data, nil
}

type fixture struct {
	manager  *Manager
	ledger   *ledger.Service
	primary  *fakeTransport
	fallback *fakeTransport
	job      *ledger.CertificateJob
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, ledger.Models()...)
	svc := ledger.NewService(ledger.ServiceParams{DB: db, Node: testutil.NewNode(t)})

	store := testutil.NewMemoryStore()
	_, err := store.Put(context.Background(), "certificates/job1.pdf", []byte("%PDF-1.7"), "application/pdf")
	require.NoError(t, err)

	primary := &fakeTransport{name: "sendgrid"}
	fallback := &fakeTransport{name: "smtp"}

	return &fixture{
		manager: &Manager{
			primary:     primary,
			fallback:    fallback,
			artifacts:   storeLoader{store: store},
			attempts:    svc,
			sendTimeout: 100 * time.Millisecond,
			fromEmail:   "certificates@example.org",
			fromName:    "Certificates",
			now:         testutil.NewClock().Now,
		},
		ledger:   svc,
		primary:  primary,
		fallback: fallback,
		job: &ledger.CertificateJob{
			JobID:        "job1",
			CourseID:     "c1",
			LearnerEmail: "ana@acme.test",
			ArtifactRef:  "certificates/job1.pdf",
		},
	}
}

var sampleData = &enrollment.CertificateData{
	CourseName:       "Safety 101",
	LearnerName:      "Ana Lima",
	LearnerEmail:     "ana@acme.test",
	OrganizationName: "Acme",
	RecipientEmail:   "sop@acme.test",
}

func TestDeliverPrimarySuccess(t *testing.T) {
	f := setup(t)

	attempt, err := f.manager.Deliver(context.Background(), Request{Job: f.job, AttemptNumber: 1, Data: sampleData})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeSuccess, attempt.Outcome)
	require.Equal(t, "sendgrid", attempt.Transport)
	require.Equal(t, "sop@acme.test", attempt.Recipient)
	require.Empty(t, f.fallback.sent)

	require.Len(t, f.primary.sent, 1)
	msg := f.primary.sent[0]
	require.Equal(t, "Course Completion Certificate - Ana Lima", msg.Subject)
	require.Equal(t, "Certificate_ana-lima_safety-101_20261016.pdf", msg.Attachment.Filename)
	require.Contains(t, msg.HTML, "ana@acme.test")
	require.Contains(t, msg.HTML, "Acme")

	attempts, err := f.ledger.ListAttempts(context.Background(), "job1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
}

func TestDeliverFallsBackToSecondTransport(t *testing.T) {
	f := setup(t)
	f.primary.err = errutil.TransientDelivery("sendgrid", errors.New("503"))

	attempt, err := f.manager.Deliver(context.Background(), Request{Job: f.job, AttemptNumber: 1, Data: sampleData})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeSuccess, attempt.Outcome)
	require.Equal(t, "smtp", attempt.Transport)
	require.Len(t, f.fallback.sent, 1)
}

func TestDeliverRecipientFallsBackToLearner(t *testing.T) {
	f := setup(t)

	attempt, err := f.manager.Deliver(context.Background(), Request{Job: f.job, AttemptNumber: 1})
	require.NoError(t, err)
	require.Equal(t, "ana@acme.test", attempt.Recipient)
}

func TestDeliverClassification(t *testing.T) {
	permanent := errutil.PermanentDelivery("x", errors.New("no such mailbox"))
	transient := errutil.TransientDelivery("x", errors.New("try later"))

	cases := []struct {
		name     string
		primary  error
		fallback error
		delay    time.Duration
		outcome  ledger.Outcome
		kind     errutil.Kind
	}{
		{"both permanent", permanent, permanent, 0, ledger.OutcomePermanentFailure, errutil.KindPermanentDelivery},
		{"one transient", permanent, transient, 0, ledger.OutcomeTransientFailure, errutil.KindTransientDelivery},
		{"untyped error", errors.New("dial tcp"), permanent, 0, ledger.OutcomeTransientFailure, errutil.KindTransientDelivery},
		{"timeout", nil, permanent, time.Second, ledger.OutcomeTransientFailure, errutil.KindTransientDelivery},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			f.primary.err = tc.primary
			f.primary.delay = tc.delay
			f.fallback.err = tc.fallback

			attempt, err := f.manager.Deliver(context.Background(), Request{Job: f.job, AttemptNumber: 2, Data: sampleData})
			require.Error(t, err)
			require.Equal(t, tc.kind, errutil.KindOf(err))
			require.Equal(t, tc.outcome, attempt.Outcome)
			require.Equal(t, "sendgrid,smtp", attempt.Transport)
			require.NotEmpty(t, attempt.Detail)

			n, err := f.ledger.CountAttempts(context.Background(), "job1", 0)
			require.NoError(t, err)
			require.Equal(t, int64(1), n)
		})
	}
}

func TestDeliverMissingArtifactIsRecorded(t *testing.T) {
	f := setup(t)
	f.job.ArtifactRef = "certificates/missing.pdf"

	attempt, err := f.manager.Deliver(context.Background(), Request{Job: f.job, AttemptNumber: 1, Data: sampleData})
	require.True(t, errutil.IsKind(err, errutil.KindStorage))
	require.Equal(t, ledger.OutcomeTransientFailure, attempt.Outcome)

	n, err := f.ledger.CountAttempts(context.Background(), "job1", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestPolicyBackoff(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, 30*time.Second, p.Backoff(1))
	require.Equal(t, 60*time.Second, p.Backoff(2))
	require.Equal(t, 120*time.Second, p.Backoff(3))
	require.Equal(t, 15*time.Minute, p.Backoff(10))
	require.Equal(t, 30*time.Second, p.Backoff(0))
}

func TestClassifySMTP(t *testing.T) {
	require.True(t, errutil.IsKind(classifySMTP(&textproto.Error{Code: 550, Msg: "mailbox unavailable"}), errutil.KindPermanentDelivery))
	require.True(t, errutil.IsKind(classifySMTP(&textproto.Error{Code: 553, Msg: "bad address"}), errutil.KindPermanentDelivery))
	require.True(t, errutil.IsKind(classifySMTP(&textproto.Error{Code: 421, Msg: "busy"}), errutil.KindTransientDelivery))
	require.True(t, errutil.IsKind(classifySMTP(errors.New("connection reset")), errutil.KindTransientDelivery))
}

func TestCertificateFilename(t *testing.T) {
	at := time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)
	require.Equal(t, "Certificate_jose-nunez_intro-to-go_20261016.pdf", CertificateFilename("José Núñez", "Intro to Go!", at))
	require.Equal(t, "Certificate_learner_course_20261016.pdf", CertificateFilename("", "", at))
}

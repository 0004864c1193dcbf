package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"certificate-pipeline/pkg/config"
	"certificate-pipeline/services/certificate"
	"certificate-pipeline/services/delivery"
	"certificate-pipeline/services/enrollment"
	"certificate-pipeline/services/ledger"
	"certificate-pipeline/services/pipeline"
	"certificate-pipeline/services/testutil"

	"github.com/stretchr/testify/require"
)

type staticConverter struct{}

func (staticConverter) Name() string { return "static" }

func (staticConverter) Convert(context.Context, string) ([]byte, error) {
	return []byte("%PDF-1.4 certificate"), nil
}

// mailbox stands in for the mail transports and logs attempts like the
// delivery manager does.
type mailbox struct {
	mu     sync.Mutex
	ledger *ledger.Service
	sent   []string
}

func (m *mailbox) Deliver(ctx context.Context, req delivery.Request) (*ledger.DeliveryAttempt, error) {
	m.mu.Lock()
	m.sent = append(m.sent, req.Data.RecipientEmail)
	m.mu.Unlock()

	attempt := &ledger.DeliveryAttempt{
		JobID:         req.Job.JobID,
		Generation:    req.Job.Generation,
		AttemptNumber: req.AttemptNumber,
		Transport:     "mailbox",
		Recipient:     req.Data.RecipientEmail,
		Outcome:       ledger.OutcomeSuccess,
	}
	return attempt, m.ledger.RecordAttempt(ctx, attempt)
}

// inlineDispatcher runs the job on the caller's goroutine.
type inlineDispatcher struct {
	orchestrator *pipeline.Orchestrator
}

func (d *inlineDispatcher) Dispatch(ctx context.Context, jobID string, delay time.Duration) error {
	if delay > 0 {
		return nil
	}
	return d.orchestrator.Run(ctx, jobID)
}

func TestSweepDeliversCertificateWithoutWebhook(t *testing.T) {
	ctx := context.Background()
	models := append(enrollment.Models(), ledger.Models()...)
	db := testutil.NewTestDB(t, models...)

	cfg := &config.Config{}
	cfg.Render.MaxAttempts = 3
	cfg.Pipeline.LeaseTTL = 5 * time.Minute
	cfg.Poller.BatchSize = 50
	cfg.Poller.Concurrency = 2
	cfg.Poller.Timeout = time.Minute
	cfg.Poller.CheckTimeout = 5 * time.Second
	cfg.Poller.StaleAfter = 10 * time.Minute

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: testutil.NewNode(t)})
	records := enrollment.NewService(enrollment.ServiceParams{DB: db})
	store := testutil.NewMemoryStore()
	generator, err := certificate.NewGenerator(certificate.GeneratorParams{
		Config:    cfg,
		Renderer:  certificate.NewRenderer(),
		Converter: staticConverter{},
		Store:     store,
	})
	require.NoError(t, err)
	mail := &mailbox{ledger: ledgerSvc}
	dispatcher := &inlineDispatcher{}

	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorParams{
		Config:     cfg,
		Ledger:     ledgerSvc,
		Directory:  records,
		Renderer:   generator,
		Deliverer:  mail,
		Dispatcher: dispatcher,
		Policy:     delivery.DefaultPolicy(),
	})
	dispatcher.orchestrator = orchestrator

	source := &fakeSource{completed: map[string]bool{"ana@acme.test": true}, failing: map[string]error{}}
	p := New(Params{
		Config:     cfg,
		Records:    records,
		Ledger:     ledgerSvc,
		Source:     source,
		Dispatcher: dispatcher,
		Resumer:    orchestrator,
	})

	require.NoError(t, db.Create(&enrollment.Course{ID: "c1", Name: "Safety 101"}).Error)
	require.NoError(t, db.Create(&enrollment.Record{
		ID:               "e1",
		CourseID:         "c1",
		LearnerEmail:     "ana@acme.test",
		LearnerName:      "Ana Lima",
		EnrollmentStatus: enrollment.StatusEnrolled,
	}).Error)

	summary, err := p.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Admitted)

	// a second sweep finds nothing new to do
	_, err = p.Sweep(ctx)
	require.NoError(t, err)

	key := ledger.DedupKey("c1", "ana@acme.test")
	job, err := ledgerSvc.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, ledger.StateDelivered, job.State)
	require.Equal(t, certificate.ArtifactKey(key), job.ArtifactRef)

	attempts, err := ledgerSvc.ListAttempts(ctx, key)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, ledger.OutcomeSuccess, attempts[0].Outcome)
	require.Equal(t, []string{"ana@acme.test"}, mail.sent)
	require.Equal(t, 1, store.Puts())

	var rec enrollment.Record
	require.NoError(t, db.First(&rec, "id = ?", "e1").Error)
	require.Equal(t, enrollment.StatusCompleted, rec.EnrollmentStatus)
	require.Equal(t, job.ArtifactRef, rec.CertificateRef)
}

package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"certificate-pipeline/services/completion"
	"certificate-pipeline/services/enrollment"
	"certificate-pipeline/services/ledger"
	"certificate-pipeline/services/testutil"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeSource answers by learner email; unknown learners are not completed.
type fakeSource struct {
	mu        sync.Mutex
	completed map[string]bool
	failing   map[string]error
	calls     int
}

func (s *fakeSource) CheckCompletion(_ context.Context, _ string, email string) (*completion.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.failing[email]; err != nil {
		return nil, err
	}
	if s.completed[email] {
		return &completion.Status{Completed: true, Percentage: 100, Details: map[string]any{"progress": 100}}, nil
	}
	return &completion.Status{Percentage: 40}, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, jobID string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, jobID)
	return d.err
}

type fakeResumer struct {
	calls   int
	resumed int
	err     error
}

func (r *fakeResumer) ResumeStuck(context.Context, time.Duration, int) (int, error) {
	r.calls++
	return r.resumed, r.err
}

type fixture struct {
	poller     *Poller
	db         *gorm.DB
	ledger     *ledger.Service
	records    *enrollment.Service
	source     *fakeSource
	dispatcher *fakeDispatcher
	resumer    *fakeResumer
	clock      *testutil.Clock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	models := append(enrollment.Models(), ledger.Models()...)
	db := testutil.NewTestDB(t, models...)
	clock := testutil.NewClock()

	f := &fixture{
		db:         db,
		ledger:     ledger.NewService(ledger.ServiceParams{DB: db, Node: testutil.NewNode(t)}).WithClock(clock.Now),
		records:    enrollment.NewService(enrollment.ServiceParams{DB: db}),
		source:     &fakeSource{completed: map[string]bool{}, failing: map[string]error{}},
		dispatcher: &fakeDispatcher{},
		resumer:    &fakeResumer{},
		clock:      clock,
	}
	f.poller = &Poller{
		records:      f.records,
		ledger:       f.ledger,
		source:       f.source,
		dispatcher:   f.dispatcher,
		resumer:      f.resumer,
		batchSize:    50,
		concurrency:  4,
		timeout:      time.Minute,
		checkTimeout: time.Second,
		staleAfter:   10 * time.Minute,
		now:          clock.Now,
	}
	return f
}

func (f *fixture) seed(t *testing.T, id, email string) {
	t.Helper()
	require.NoError(t, f.db.Create(&enrollment.Record{
		ID:               id,
		CourseID:         "c1",
		LearnerEmail:     email,
		EnrollmentStatus: enrollment.StatusEnrolled,
	}).Error)
}

func (f *fixture) record(t *testing.T, id string) enrollment.Record {
	t.Helper()
	var r enrollment.Record
	require.NoError(t, f.db.First(&r, "id = ?", id).Error)
	return r
}

func TestSweepAdmitsCompletedEnrollments(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "e1", "ana@acme.test")
	f.seed(t, "e2", "bo@acme.test")
	f.seed(t, "e3", "cy@acme.test")
	f.source.completed["ana@acme.test"] = true
	f.source.failing["cy@acme.test"] = errors.New("upstream 502")
	f.resumer.resumed = 2

	summary, err := f.poller.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, Summary{Checked: 3, Completed: 1, Admitted: 1, Failed: 1, Resumed: 2}, summary)
	require.Equal(t, 1, f.resumer.calls)

	key := ledger.DedupKey("c1", "ana@acme.test")
	require.Equal(t, []string{key}, f.dispatcher.jobs)

	event, err := f.ledger.GetEvent(ctx, key)
	require.NoError(t, err)
	require.Equal(t, ledger.SourcePoller, event.Source)

	done := f.record(t, "e1")
	require.Equal(t, enrollment.StatusCompleted, done.EnrollmentStatus)
	require.JSONEq(t, `{"progress":100}`, string(done.CompletionData))

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NotNil(t, f.record(t, id).LastCompletionCheck, id)
	}
	require.Equal(t, enrollment.StatusEnrolled, f.record(t, "e2").EnrollmentStatus)
	require.Equal(t, enrollment.StatusEnrolled, f.record(t, "e3").EnrollmentStatus)
}

func TestSweepSkipsAlreadyAdmittedCompletion(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "e1", "ana@acme.test")
	f.source.completed["ana@acme.test"] = true

	// the webhook got there first
	_, created, err := f.ledger.Admit(ctx, ledger.AdmitRequest{
		DedupKey:     ledger.DedupKey("c1", "ANA@acme.test"),
		Source:       ledger.SourceWebhook,
		CourseID:     "c1",
		LearnerEmail: "ANA@acme.test",
	})
	require.NoError(t, err)
	require.True(t, created)

	summary, err := f.poller.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Zero(t, summary.Admitted)
	require.Empty(t, f.dispatcher.jobs)
	require.Equal(t, enrollment.StatusCompleted, f.record(t, "e1").EnrollmentStatus)

	// completed records leave the due list
	summary, err = f.poller.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Checked)
}

func TestSweepRespectsBatchSize(t *testing.T) {
	f := setup(t)
	f.poller.batchSize = 2
	f.seed(t, "e1", "a@acme.test")
	f.seed(t, "e2", "b@acme.test")
	f.seed(t, "e3", "c@acme.test")

	summary, err := f.poller.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Checked)
	require.Equal(t, 2, f.source.calls)

	// the unchecked record is first in line next time
	f.clock.Advance(time.Minute)
	due, err := f.records.ListDue(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "e3", due[0].ID)
}

func TestSweepKeepsCompletionWhenDispatchFails(t *testing.T) {
	f := setup(t)
	f.seed(t, "e1", "ana@acme.test")
	f.source.completed["ana@acme.test"] = true
	f.dispatcher.err = errors.New("redis down")

	summary, err := f.poller.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Admitted)

	job, err := f.ledger.Get(context.Background(), ledger.DedupKey("c1", "ana@acme.test"))
	require.NoError(t, err)
	require.Equal(t, ledger.StateAdmitted, job.State)
}

func TestSweepStillResumesWhenNothingIsDue(t *testing.T) {
	f := setup(t)
	f.resumer.resumed = 1

	summary, err := f.poller.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Resumed: 1}, summary)
}

func TestCheckOne(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "e1", "ana@acme.test")

	outcome, err := f.poller.CheckOne(ctx, "c1", "ana@acme.test")
	require.NoError(t, err)
	require.Equal(t, OutcomePending, outcome)

	f.source.completed["ana@acme.test"] = true
	outcome, err = f.poller.CheckOne(ctx, "c1", "Ana@Acme.test")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	require.Len(t, f.dispatcher.jobs, 1)

	_, err = f.poller.CheckOne(ctx, "c1", "nobody@acme.test")
	require.Error(t, err)
}

func TestHandleCheck(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "e1", "ana@acme.test")
	f.source.completed["ana@acme.test"] = true

	require.NoError(t, f.poller.HandleCheck(ctx, NewCheckTask("c1", "ana@acme.test")))
	require.Equal(t, enrollment.StatusCompleted, f.record(t, "e1").EnrollmentStatus)

	err := f.poller.HandleCheck(ctx, NewCheckTask("c1", "nobody@acme.test"))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = f.poller.HandleCheck(ctx, asynq.NewTask("enrollment:check", []byte(`{}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	f.seed(t, "e2", "bo@acme.test")
	f.source.failing["bo@acme.test"] = errors.New("timeout")
	err = f.poller.HandleCheck(ctx, NewCheckTask("c1", "bo@acme.test"))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

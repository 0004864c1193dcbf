package poller

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"certificate-pipeline/pkg/config"
	"certificate-pipeline/pkg/errutil"
	applog "certificate-pipeline/pkg/logger"
	"certificate-pipeline/services/completion"
	"certificate-pipeline/services/enrollment"
	"certificate-pipeline/services/ledger"
	"certificate-pipeline/services/pipeline"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("certificate-pipeline/poller")

type Records interface {
	ListDue(ctx context.Context, limit int) ([]*enrollment.Record, error)
	FindRecord(ctx context.Context, courseID, email string) (*enrollment.Record, error)
	MarkChecked(ctx context.Context, recordID string, at time.Time) error
	MarkCompleted(ctx context.Context, recordID string, at time.Time, data datatypes.JSON) error
}

type Admitter interface {
	Admit(ctx context.Context, req ledger.AdmitRequest) (*ledger.CertificateJob, bool, error)
}

type Resumer interface {
	ResumeStuck(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePending   Outcome = "pending"
	OutcomeFailed    Outcome = "failed"
)

// Summary counts what one sweep did.
type Summary struct {
	Checked   int
	Completed int
	Admitted  int
	Failed    int
	Resumed   int
}

type Poller struct {
	records    Records
	ledger     Admitter
	source     completion.Source
	dispatcher pipeline.Dispatcher
	resumer    Resumer

	batchSize    int
	concurrency  int
	timeout      time.Duration
	checkTimeout time.Duration
	staleAfter   time.Duration
	now          func() time.Time
}

type Params struct {
	fx.In
	Config     *config.Config
	Records    *enrollment.Service
	Ledger     *ledger.Service
	Source     completion.Source
	Dispatcher pipeline.Dispatcher
	Resumer    *pipeline.Orchestrator
}

func New(p Params) *Poller {
	pc := p.Config.Poller
	return &Poller{
		records:      p.Records,
		ledger:       p.Ledger,
		source:       p.Source,
		dispatcher:   p.Dispatcher,
		resumer:      p.Resumer,
		batchSize:    pc.BatchSize,
		concurrency:  pc.Concurrency,
		timeout:      pc.Timeout,
		checkTimeout: pc.CheckTimeout,
		staleAfter:   pc.StaleAfter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Sweep checks the least recently checked enrolled records and admits the
// completed ones, then resumes jobs that stopped moving. A failed check never
// stops the sweep; the record comes up again on a later run.
func (p *Poller) Sweep(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "poller.Sweep")
	defer span.End()

	started := time.Now()
	log := applog.FromContext(ctx)

	var summary Summary
	records, err := p.records.ListDue(ctx, p.batchSize)
	if err != nil {
		log.Error("[Poller] failed to load enrollments", zap.Error(err))
		return summary, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(max(p.concurrency, 1))
	for _, rec := range records {
		g.Go(func() error {
			outcome, created, _ := p.check(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			switch outcome {
			case OutcomeCompleted:
				summary.Completed++
				if created {
					summary.Admitted++
				}
			case OutcomeFailed:
				summary.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	resumed, err := p.resumer.ResumeStuck(ctx, p.staleAfter, p.batchSize)
	if err != nil {
		log.Error("[Poller] failed to resume stuck jobs", zap.Error(err))
	}
	summary.Resumed = resumed

	span.SetAttributes(
		attribute.Int("checked", summary.Checked),
		attribute.Int("admitted", summary.Admitted),
		attribute.Int("failed", summary.Failed),
	)
	sweepsTotal.Inc()
	checksTotal.WithLabelValues(string(OutcomeCompleted)).Add(float64(summary.Completed))
	checksTotal.WithLabelValues(string(OutcomeFailed)).Add(float64(summary.Failed))
	checksTotal.WithLabelValues(string(OutcomePending)).Add(float64(summary.Checked - summary.Completed - summary.Failed))

	log.Info("[Poller] sweep finished",
		zap.Int("checked", summary.Checked),
		zap.Int("completed", summary.Completed),
		zap.Int("admitted", summary.Admitted),
		zap.Int("failed", summary.Failed),
		zap.Int("resumed", summary.Resumed),
		zap.Duration("duration", time.Since(started)),
	)

	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

// CheckOne runs a single enrollment through the same check as Sweep.
func (p *Poller) CheckOne(ctx context.Context, courseID, email string) (Outcome, error) {
	rec, err := p.records.FindRecord(ctx, courseID, email)
	if err != nil {
		return OutcomeFailed, err
	}
	if rec == nil {
		return OutcomeFailed, errutil.NotFound("enrollment not found", nil)
	}
	outcome, _, err := p.check(ctx, rec)
	return outcome, err
}

func (p *Poller) check(ctx context.Context, rec *enrollment.Record) (Outcome, bool, error) {
	log := applog.FromContext(ctx).With(
		zap.String("enrollment_id", rec.ID),
		zap.String("course_id", rec.CourseID),
	)

	cctx, cancel := context.WithTimeout(ctx, p.checkTimeout)
	status, err := p.source.CheckCompletion(cctx, rec.CourseID, rec.LearnerEmail)
	cancel()

	now := p.now()
	if err != nil {
		log.Warn("[Poller] completion check failed", zap.Error(err))
		p.stamp(ctx, log, rec, now)
		return OutcomeFailed, false, errutil.UpstreamCheck("check completion", err)
	}
	if !status.Completed {
		p.stamp(ctx, log, rec, now)
		return OutcomePending, false, nil
	}

	data, err := json.Marshal(status.Details)
	if err != nil {
		data = nil
	}

	job, created, err := p.ledger.Admit(ctx, ledger.AdmitRequest{
		DedupKey:     ledger.DedupKey(rec.CourseID, rec.LearnerEmail),
		Source:       ledger.SourcePoller,
		CourseID:     rec.CourseID,
		LearnerEmail: rec.LearnerEmail,
		Payload:      datatypes.JSON(data),
	})
	if err != nil {
		log.Error("[Poller] failed to admit completion", zap.Error(err))
		p.stamp(ctx, log, rec, now)
		return OutcomeFailed, false, err
	}

	if created {
		log.Info("[Poller] completion admitted", zap.String("job_id", job.JobID))
		if err := p.dispatcher.Dispatch(ctx, job.JobID, 0); err != nil {
			log.Error("[Poller] failed to dispatch job, the next sweep will resume it", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}

	if err := p.records.MarkCompleted(ctx, rec.ID, now, datatypes.JSON(data)); err != nil {
		log.Error("[Poller] failed to mark enrollment completed", zap.Error(err))
	}
	return OutcomeCompleted, created, nil
}

func (p *Poller) stamp(ctx context.Context, log *zap.Logger, rec *enrollment.Record, at time.Time) {
	if err := p.records.MarkChecked(ctx, rec.ID, at); err != nil {
		log.Error("[Poller] failed to stamp completion check", zap.Error(err))
	}
}

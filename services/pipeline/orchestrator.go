package pipeline

import (
	"context"
	"fmt"
	"time"

	"certificate-pipeline/pkg/config"
	"certificate-pipeline/pkg/errutil"
	applog "certificate-pipeline/pkg/logger"
	"certificate-pipeline/services/certificate"
	"certificate-pipeline/services/delivery"
	"certificate-pipeline/services/enrollment"
	"certificate-pipeline/services/ledger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("certificate-pipeline/pipeline")

type Directory interface {
	Lookup(ctx context.Context, courseID, email string) (*enrollment.CertificateData, error)
	AttachCertificate(ctx context.Context, courseID, email, ref string) error
}

type Renderer interface {
	Render(ctx context.Context, job *ledger.CertificateJob, tmpl string, data *enrollment.CertificateData) (*certificate.Artifact, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*ledger.DeliveryAttempt, error)
}

// Orchestrator drives a job through ADMITTED -> RENDERING -> RENDERED ->
// DELIVERING -> DELIVERED|FAILED. Every move is a ledger compare-and-swap, so
// redundant or concurrent runs of the same job are harmless.
type Orchestrator struct {
	ledger     *ledger.Service
	directory  Directory
	renderer   Renderer
	deliverer  Deliverer
	dispatcher Dispatcher
	policy     delivery.Policy
	renderMax  int
	lease      time.Duration
	now        func() time.Time
}

type OrchestratorParams struct {
	fx.In
	Config     *config.Config
	Ledger     *ledger.Service
	Directory  Directory
	Renderer   Renderer
	Deliverer  Deliverer
	Dispatcher Dispatcher
	Policy     delivery.Policy
}

func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	return &Orchestrator{
		ledger:     p.Ledger,
		directory:  p.Directory,
		renderer:   p.Renderer,
		deliverer:  p.Deliverer,
		dispatcher: p.Dispatcher,
		policy:     p.Policy,
		renderMax:  p.Config.Render.MaxAttempts,
		lease:      p.Config.Pipeline.LeaseTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type stage struct {
	name        string
	maxAttempts int
	defaultKind errutil.Kind
	attempts    func(*ledger.CertificateJob) int
}

func (o *Orchestrator) renderStage() stage {
	return stage{
		name:        "render",
		maxAttempts: o.renderMax,
		defaultKind: errutil.KindConversion,
		attempts:    func(j *ledger.CertificateJob) int { return j.RenderAttempts },
	}
}

func (o *Orchestrator) deliverStage() stage {
	return stage{
		name:        "deliver",
		maxAttempts: o.policy.MaxAttempts,
		defaultKind: errutil.KindTransientDelivery,
		attempts:    func(j *ledger.CertificateJob) int { return j.AttemptCount },
	}
}

// Run advances the job as far as it can go in one invocation. Step failures
// are recorded on the job; only ledger and directory errors are returned.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	job, err := o.ledger.Get(ctx, jobID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if job == nil {
		applog.FromContext(ctx).Warn("[Pipeline] job not found", zap.String("job_id", jobID))
		return nil
	}

	for job != nil {
		var next *ledger.CertificateJob
		switch job.State {
		case ledger.StateAdmitted, ledger.StateRendering:
			next, err = o.render(ctx, job)
		case ledger.StateRendered, ledger.StateDelivering:
			next, err = o.deliver(ctx, job)
		default:
			return nil
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		job = next
	}
	return nil
}

func (o *Orchestrator) render(ctx context.Context, job *ledger.CertificateJob) (*ledger.CertificateJob, error) {
	st := o.renderStage()

	data, err := o.directory.Lookup(ctx, job.CourseID, job.LearnerEmail)
	if err != nil {
		return nil, fmt.Errorf("lookup certificate data for %s: %w", job.JobID, err)
	}

	claimed, ok, err := o.ledger.Claim(ctx, job.JobID, job.Generation, job.State, o.lease, st.maxAttempts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.unclaimed(ctx, job, claimed, st)
	}
	if job.State != claimed.State {
		transitionsTotal.WithLabelValues(string(claimed.State)).Inc()
	}

	log := applog.FromContext(ctx).With(
		zap.String("job_id", claimed.JobID),
		zap.Int("generation", claimed.Generation),
		zap.Int("attempt", claimed.RenderAttempts),
	)

	started := time.Now()
	artifact, err := o.renderer.Render(ctx, claimed, data.TemplateHTML, data)
	renderDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, o.stepFailed(ctx, claimed, st, err)
	}

	ref, number := artifact.Ref, artifact.CertificateNumber
	next, applied, err := o.ledger.UpdateState(ctx, ledger.Transition{
		JobID:      claimed.JobID,
		Generation: claimed.Generation,
		From:       ledger.StateRendering,
		To:         ledger.StateRendered,
		Fields:     cleared(ledger.JobFields{ArtifactRef: &ref, CertificateNumber: &number}),
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		log.Info("[Pipeline] job moved while rendering, leaving it")
		return nil, nil
	}
	transitionsTotal.WithLabelValues(string(ledger.StateRendered)).Inc()
	log.Info("[Pipeline] certificate rendered", zap.String("artifact_ref", ref))

	if err := o.directory.AttachCertificate(ctx, claimed.CourseID, claimed.LearnerEmail, ref); err != nil {
		log.Warn("[Pipeline] failed to attach certificate to enrollment", zap.Error(err))
	}

	return next, nil
}

func (o *Orchestrator) deliver(ctx context.Context, job *ledger.CertificateJob) (*ledger.CertificateJob, error) {
	st := o.deliverStage()

	data, err := o.directory.Lookup(ctx, job.CourseID, job.LearnerEmail)
	if err != nil {
		return nil, fmt.Errorf("lookup certificate data for %s: %w", job.JobID, err)
	}

	claimed, ok, err := o.ledger.Claim(ctx, job.JobID, job.Generation, job.State, o.lease, st.maxAttempts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.unclaimed(ctx, job, claimed, st)
	}
	if job.State != claimed.State {
		transitionsTotal.WithLabelValues(string(claimed.State)).Inc()
	}

	attempt, err := o.deliverer.Deliver(ctx, delivery.Request{
		Job:           claimed,
		AttemptNumber: claimed.AttemptCount,
		Data:          data,
	})
	if attempt != nil {
		deliveryAttemptsTotal.WithLabelValues(attempt.Transport, string(attempt.Outcome)).Inc()
	}
	if err != nil {
		return nil, o.stepFailed(ctx, claimed, st, err)
	}

	_, applied, err := o.ledger.UpdateState(ctx, ledger.Transition{
		JobID:      claimed.JobID,
		Generation: claimed.Generation,
		From:       ledger.StateDelivering,
		To:         ledger.StateDelivered,
		Fields:     cleared(ledger.JobFields{}),
	})
	if err != nil {
		return nil, err
	}
	if applied {
		transitionsTotal.WithLabelValues(string(ledger.StateDelivered)).Inc()
		fields := []zap.Field{zap.String("job_id", claimed.JobID), zap.Int("attempt", claimed.AttemptCount)}
		if attempt != nil {
			fields = append(fields, zap.String("recipient", attempt.Recipient))
		}
		applog.FromContext(ctx).Info("[Pipeline] certificate delivered", fields...)
	}
	return nil, nil
}

// stepFailed records a failed attempt. Retryable kinds with budget left keep
// the job in its stage, fenced by a lease until the backoff elapses, and
// schedule the next run. Everything else fails the job.
func (o *Orchestrator) stepFailed(ctx context.Context, job *ledger.CertificateJob, st stage, cause error) error {
	kind := errutil.KindOf(cause)
	if kind == "" {
		kind = st.defaultKind
	}
	failuresTotal.WithLabelValues(string(kind)).Inc()

	attempts := st.attempts(job)
	log := applog.FromContext(ctx).With(
		zap.String("job_id", job.JobID),
		zap.String("stage", st.name),
		zap.Int("attempt", attempts),
		zap.String("failure_kind", string(kind)),
		zap.Error(cause),
	)

	msg := cause.Error()
	if !kind.Retryable() || attempts >= st.maxAttempts {
		_, applied, err := o.ledger.UpdateState(ctx, ledger.Transition{
			JobID:      job.JobID,
			Generation: job.Generation,
			From:       job.State,
			To:         ledger.StateFailed,
			Fields:     ledger.JobFields{LastError: &msg, FailureKind: &kind, ReleaseLease: true},
		})
		if err != nil {
			return err
		}
		if applied {
			transitionsTotal.WithLabelValues(string(ledger.StateFailed)).Inc()
			log.Error("[Pipeline] job failed")
		}
		return nil
	}

	delay := o.policy.Backoff(attempts)
	until := o.now().Add(delay)
	_, applied, err := o.ledger.UpdateState(ctx, ledger.Transition{
		JobID:      job.JobID,
		Generation: job.Generation,
		From:       job.State,
		To:         job.State,
		Fields:     ledger.JobFields{LastError: &msg, FailureKind: &kind, LeaseUntil: &until},
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	log.Warn("[Pipeline] step failed, retry scheduled", zap.Duration("retry_in", delay))
	if err := o.dispatcher.Dispatch(ctx, job.JobID, delay); err != nil {
		log.Error("[Pipeline] failed to schedule retry; the stuck-job sweep will resume it", zap.NamedError("dispatch_error", err))
	}
	return nil
}

// unclaimed handles a lost claim. A job moved on by someone else is followed;
// a job whose stage budget is spent with no live lease is failed, which covers
// workers that died mid-attempt.
func (o *Orchestrator) unclaimed(ctx context.Context, job, current *ledger.CertificateJob, st stage) (*ledger.CertificateJob, error) {
	if current == nil {
		return nil, nil
	}
	if current.Generation != job.Generation || current.State != job.State {
		if current.State.Terminal() {
			return nil, nil
		}
		return current, nil
	}

	leaseFree := current.LeaseUntil == nil || !current.LeaseUntil.After(o.now())
	if !leaseFree || st.attempts(current) < st.maxAttempts {
		return nil, nil
	}

	kind := current.FailureKind
	if kind == "" {
		kind = st.defaultKind
	}
	msg := current.LastError
	if msg == "" {
		msg = st.name + " attempts exhausted"
	}
	_, applied, err := o.ledger.UpdateState(ctx, ledger.Transition{
		JobID:      current.JobID,
		Generation: current.Generation,
		From:       current.State,
		To:         ledger.StateFailed,
		Fields:     ledger.JobFields{LastError: &msg, FailureKind: &kind, ReleaseLease: true},
	})
	if err != nil {
		return nil, err
	}
	if applied {
		transitionsTotal.WithLabelValues(string(ledger.StateFailed)).Inc()
		applog.FromContext(ctx).Error("[Pipeline] job failed after exhausting attempts",
			zap.String("job_id", current.JobID),
			zap.String("stage", st.name),
		)
	}
	return nil, nil
}

// cleared resets the error bookkeeping and releases the lease.
func cleared(f ledger.JobFields) ledger.JobFields {
	empty := ""
	noKind := errutil.Kind("")
	f.LastError = &empty
	f.FailureKind = &noKind
	f.ReleaseLease = true
	return f
}

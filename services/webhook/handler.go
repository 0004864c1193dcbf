package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"certificate-pipeline/pkg/config"
	"certificate-pipeline/pkg/errutil"
	applog "certificate-pipeline/pkg/logger"
	"certificate-pipeline/services/completion"
	"certificate-pipeline/services/ledger"
	"certificate-pipeline/services/pipeline"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const maxBodyBytes = 1 << 20

var tracer = otel.Tracer("certificate-pipeline/webhook")

type Admitter interface {
	Admit(ctx context.Context, req ledger.AdmitRequest) (*ledger.CertificateJob, bool, error)
}

type Handler struct {
	ledger     Admitter
	dispatcher pipeline.Dispatcher
	source     completion.Source
	secret     string
	crossCheck bool
}

type HandlerParams struct {
	fx.In
	Config     *config.Config
	Ledger     *ledger.Service
	Dispatcher pipeline.Dispatcher
	Source     completion.Source `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	if p.Config.Webhook.Secret == "" {
		zap.L().Warn("[Webhook] WEBHOOK.SECRET is empty, signatures are not verified")
	}
	return &Handler{
		ledger:     p.Ledger,
		dispatcher: p.Dispatcher,
		source:     p.Source,
		secret:     p.Config.Webhook.Secret,
		crossCheck: p.Config.Webhook.CrossCheck,
	}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.POST("/completion-events", h.Receive)
}

// Receive admits one completion event. A duplicate is acknowledged like a new
// event; only new events are dispatched.
func (h *Handler) Receive(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "webhook.Receive")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		h.reject(c, "read_error", errutil.BadRequest("unreadable body", err))
		return
	}
	if len(body) > maxBodyBytes {
		h.reject(c, "too_large", errutil.BadRequest("body too large", nil))
		return
	}

	if h.secret != "" && !verifySignature(h.secret, c.Request.Header, body) {
		h.reject(c, "unauthorized", errutil.Unauthorized("invalid signature", nil))
		return
	}

	payload, err := decodePayload(body)
	if err != nil {
		h.reject(c, "invalid", err)
		return
	}

	log := applog.FromContext(ctx).With(
		zap.String("course_id", payload.CourseID),
		zap.String("event_id", payload.EventID),
	)

	if h.crossCheck && h.source != nil {
		status, err := h.source.CheckCompletion(ctx, payload.CourseID, payload.Email)
		switch {
		case err != nil:
			log.Warn("[Webhook] completion cross-check failed, admitting anyway", zap.Error(err))
		case !status.Completed:
			h.reject(c, "not_completed", errutil.BadRequest("completion not confirmed by source", nil))
			return
		}
	}

	dedupKey := ledger.DedupKey(payload.CourseID, payload.Email)
	span.SetAttributes(attribute.String("dedup_key", dedupKey))

	job, created, err := h.ledger.Admit(ctx, ledger.AdmitRequest{
		DedupKey:     dedupKey,
		Source:       ledger.SourceWebhook,
		CourseID:     payload.CourseID,
		LearnerEmail: payload.Email,
		EventID:      payload.EventID,
		Payload:      datatypes.JSON(body),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		var be errutil.BaseError
		if errors.As(err, &be) {
			h.reject(c, "invalid", err)
			return
		}
		log.Error("[Webhook] failed to admit event", zap.Error(err))
		h.reject(c, "unavailable", errutil.ServiceUnavailable("ledger unavailable", err))
		return
	}

	if !created {
		eventsTotal.WithLabelValues("duplicate").Inc()
		log.Info("[Webhook] duplicate event acknowledged", zap.String("job_id", job.JobID))
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	eventsTotal.WithLabelValues("admitted").Inc()
	log.Info("[Webhook] event admitted", zap.String("job_id", job.JobID))
	if err := h.dispatcher.Dispatch(ctx, job.JobID, 0); err != nil {
		log.Error("[Webhook] failed to dispatch job, the poller will resume it", zap.String("job_id", job.JobID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) reject(c *gin.Context, outcome string, err error) {
	eventsTotal.WithLabelValues(outcome).Inc()
	_ = c.Error(err)
}

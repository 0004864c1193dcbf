package httpapi

import (
	"certificate-pipeline/pkg/health"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Module mounts the operational endpoints shared by both binaries.
var Module = fx.Module("httpapi",
	health.Module,
	fx.Invoke(RegisterOperational),
)

func RegisterOperational(r *gin.Engine, h health.HealthService) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
